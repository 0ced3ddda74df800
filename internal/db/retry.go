package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
	"github.com/manpreetbhatti/whiteboard/backend/internal/metrics"
)

type RetryConfig struct {
	// Timeout bounds a single attempt.
	Timeout      time.Duration
	MaxRetries   int
	InitialDelay time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Timeout:      20 * time.Second,
		MaxRetries:   3,
		InitialDelay: 500 * time.Millisecond,
	}
}

// RetryingStore wraps a Store with per-attempt timeouts and exponential
// backoff. Failures that survive every retry come back wrapping
// ErrStoreTimeout or ErrStoreUnavailable; NotFound, DuplicateRoom and invalid
// content are returned immediately.
type RetryingStore struct {
	inner Store
	cfg   RetryConfig
}

func NewRetryingStore(inner Store, cfg RetryConfig) *RetryingStore {
	def := DefaultRetryConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	return &RetryingStore{inner: inner, cfg: cfg}
}

func retry[T any](ctx context.Context, s *RetryingStore, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	defer func() {
		metrics.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}()

	var (
		result   T
		lastErr  error
		timedOut bool
	)

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()

		v, err := fn(attemptCtx)
		if err == nil {
			result = v
			return nil
		}
		lastErr = err
		if Permanent(err) {
			return backoff.Permanent(err)
		}
		timedOut = errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		metrics.StoreRetries.WithLabelValues(op).Inc()
		log.WithFields(log.Fields{
			"op":    op,
			"error": err,
			"wait":  wait,
		}).Warn("Store operation failed, retrying")
	}

	err := backoff.RetryNotify(operation, policy, notify)
	if err == nil {
		return result, nil
	}

	var zero T
	if Permanent(err) {
		return zero, err
	}
	metrics.StoreErrors.WithLabelValues(op).Inc()
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return zero, err
	}
	if timedOut {
		return zero, fmt.Errorf("%s: %w: %v", op, ErrStoreTimeout, lastErr)
	}
	return zero, fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, lastErr)
}

// Connect runs open until it succeeds, giving up after cfg.MaxRetries
// retries. Each attempt is bounded by cfg.Timeout.
func Connect(ctx context.Context, cfg RetryConfig, open func(ctx context.Context) error) error {
	cfg = NewRetryingStore(nil, cfg).cfg

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
		return open(attemptCtx)
	}, policy, func(err error, wait time.Duration) {
		log.WithFields(log.Fields{
			"attempt": attempt,
			"error":   err,
			"wait":    wait,
		}).Warn("Store connection failed, retrying")
	})
	if err != nil {
		return fmt.Errorf("connect after %d attempts: %w: %v", attempt, ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RetryingStore) exec(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	_, err := retry(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s *RetryingStore) CreateRoom(ctx context.Context, roomID, passcodeHash string) (*Room, error) {
	return retry(ctx, s, "create_room", func(ctx context.Context) (*Room, error) {
		return s.inner.CreateRoom(ctx, roomID, passcodeHash)
	})
}

func (s *RetryingStore) FindRoom(ctx context.Context, roomID string) (*Room, error) {
	return retry(ctx, s, "find_room", func(ctx context.Context) (*Room, error) {
		return s.inner.FindRoom(ctx, roomID)
	})
}

func (s *RetryingStore) Touch(ctx context.Context, roomID string) error {
	return s.exec(ctx, "touch", func(ctx context.Context) error {
		return s.inner.Touch(ctx, roomID)
	})
}

func (s *RetryingStore) AppendContent(ctx context.Context, roomID string, item board.Item) error {
	return s.exec(ctx, "append_content", func(ctx context.Context) error {
		return s.inner.AppendContent(ctx, roomID, item)
	})
}

func (s *RetryingStore) ReplaceContent(ctx context.Context, roomID string, items []board.Item) error {
	return s.exec(ctx, "replace_content", func(ctx context.Context) error {
		return s.inner.ReplaceContent(ctx, roomID, items)
	})
}

func (s *RetryingStore) RewriteContent(ctx context.Context, roomID string, items []board.Item) error {
	return s.exec(ctx, "rewrite_content", func(ctx context.Context) error {
		return s.inner.RewriteContent(ctx, roomID, items)
	})
}

func (s *RetryingStore) DeleteRoom(ctx context.Context, roomID string) error {
	return s.exec(ctx, "delete_room", func(ctx context.Context) error {
		return s.inner.DeleteRoom(ctx, roomID)
	})
}

func (s *RetryingStore) ListIdleSince(ctx context.Context, threshold time.Time) ([]Room, error) {
	return retry(ctx, s, "list_idle", func(ctx context.Context) ([]Room, error) {
		return s.inner.ListIdleSince(ctx, threshold)
	})
}

func (s *RetryingStore) ListExpiredBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	return retry(ctx, s, "list_expired", func(ctx context.Context) ([]string, error) {
		return s.inner.ListExpiredBefore(ctx, threshold)
	})
}

func (s *RetryingStore) Stats(ctx context.Context) (Stats, error) {
	return retry(ctx, s, "stats", func(ctx context.Context) (Stats, error) {
		return s.inner.Stats(ctx)
	})
}

// Ping is a single attempt; health checks want the current state.
func (s *RetryingStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	return s.inner.Ping(ctx)
}

func (s *RetryingStore) Close() error {
	return s.inner.Close()
}
