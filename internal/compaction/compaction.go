// Package compaction runs the periodic sweep that deletes expired rooms and
// compresses the content of idle ones.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
	"github.com/manpreetbhatti/whiteboard/backend/internal/db"
	"github.com/manpreetbhatti/whiteboard/backend/internal/metrics"
)

type Config struct {
	Interval      time.Duration
	Retention     time.Duration
	CompressAfter time.Duration
	MaxTextLength int
}

func DefaultConfig() Config {
	return Config{
		Interval:      time.Hour,
		Retention:     24 * time.Hour,
		CompressAfter: time.Hour,
		MaxTextLength: board.DefaultMaxTextLength,
	}
}

// Result summarises one sweep.
type Result struct {
	Expired    int
	Compressed int
	Failed     int
}

type Service struct {
	store  db.Store
	config Config
	now    func() time.Time
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func New(store db.Store, config Config) *Service {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Retention <= 0 {
		config.Retention = def.Retention
	}
	if config.CompressAfter <= 0 {
		config.CompressAfter = def.CompressAfter
	}
	if config.MaxTextLength <= 0 {
		config.MaxTextLength = def.MaxTextLength
	}
	return &Service{
		store:  store,
		config: config,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// Start sweeps once immediately, then every Interval until Stop or ctx ends.
func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
	log.WithFields(log.Fields{
		"interval":       s.config.Interval,
		"retention":      s.config.Retention,
		"compress_after": s.config.CompressAfter,
	}).Info("Sweeper started")
}

func (s *Service) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	log.Info("Sweeper stopped")
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.SweepNow(ctx)

	for {
		select {
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SweepNow(ctx)
		}
	}
}

// SweepNow deletes rooms idle past Retention, then compresses rooms idle
// past CompressAfter. A failing room is logged and skipped.
func (s *Service) SweepNow(ctx context.Context) Result {
	var res Result
	now := s.now()

	s.expire(ctx, now.Add(-s.config.Retention), &res)
	s.compress(ctx, now.Add(-s.config.CompressAfter), &res)

	if res.Expired > 0 || res.Compressed > 0 || res.Failed > 0 {
		log.WithFields(log.Fields{
			"expired":    res.Expired,
			"compressed": res.Compressed,
			"failed":     res.Failed,
		}).Info("Sweep finished")
	}
	return res
}

func (s *Service) expire(ctx context.Context, threshold time.Time, res *Result) {
	ids, err := s.store.ListExpiredBefore(ctx, threshold)
	if err != nil {
		log.WithError(err).Error("Sweep: failed to list expired rooms")
		res.Failed++
		metrics.SweepFailures.Inc()
		return
	}

	for _, id := range ids {
		if err := s.store.DeleteRoom(ctx, id); err != nil {
			log.WithFields(log.Fields{"room": id, "error": err}).Error("Sweep: failed to delete room")
			res.Failed++
			metrics.SweepFailures.Inc()
			continue
		}
		res.Expired++
		metrics.RoomsExpired.Inc()
	}
}

func (s *Service) compress(ctx context.Context, threshold time.Time, res *Result) {
	idle, err := s.store.ListIdleSince(ctx, threshold)
	if err != nil {
		log.WithError(err).Error("Sweep: failed to list idle rooms")
		res.Failed++
		metrics.SweepFailures.Inc()
		return
	}

	for _, r := range idle {
		if err := s.compressRoom(ctx, r.ID, res); err != nil {
			log.WithFields(log.Fields{"room": r.ID, "error": err}).Error("Sweep: failed to compress room")
			res.Failed++
			metrics.SweepFailures.Inc()
		}
	}
}

func (s *Service) compressRoom(ctx context.Context, roomID string, res *Result) error {
	room, err := s.store.FindRoom(ctx, roomID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}

	items, changed := board.Compress(room.Content, s.config.MaxTextLength)
	if !changed {
		return nil
	}
	if err := s.store.RewriteContent(ctx, roomID, items); err != nil {
		return fmt.Errorf("rewrite: %w", err)
	}

	res.Compressed++
	metrics.RoomsCompressed.Inc()
	log.WithFields(log.Fields{"room": roomID, "items": len(items)}).Debug("Compressed room")
	return nil
}
