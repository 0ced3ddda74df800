// Package db persists whiteboard rooms: the passcode hash, the ordered
// content log and the last-accessed time used for expiry.
package db

import (
	"context"
	"errors"
	"time"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
)

var (
	ErrNotFound         = errors.New("db: room not found")
	ErrDuplicateRoom    = errors.New("db: room id already exists")
	ErrStoreUnavailable = errors.New("db: store unavailable")
	ErrStoreTimeout     = errors.New("db: store operation timed out")
)

type Room struct {
	ID           string
	PasscodeHash string
	Content      []board.Item
	CreatedAt    time.Time
	LastAccessed time.Time
}

type Stats struct {
	RoomCount int64
	ItemCount int64
}

// Store is the durable record of rooms. LastAccessed only moves forward:
// joins, appends and clears advance it, compression rewrites do not.
type Store interface {
	CreateRoom(ctx context.Context, roomID, passcodeHash string) (*Room, error)
	FindRoom(ctx context.Context, roomID string) (*Room, error)
	Touch(ctx context.Context, roomID string) error
	AppendContent(ctx context.Context, roomID string, item board.Item) error
	ReplaceContent(ctx context.Context, roomID string, items []board.Item) error
	RewriteContent(ctx context.Context, roomID string, items []board.Item) error
	DeleteRoom(ctx context.Context, roomID string) error
	ListIdleSince(ctx context.Context, threshold time.Time) ([]Room, error)
	ListExpiredBefore(ctx context.Context, threshold time.Time) ([]string, error)
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Clock lets tests age rooms without sleeping.
type Clock func() time.Time

// Permanent reports errors that retrying cannot fix.
func Permanent(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateRoom) ||
		errors.Is(err, board.ErrUnknownKind) ||
		errors.Is(err, board.ErrInvalidItem)
}

func validateItems(items []board.Item) error {
	for _, it := range items {
		if err := it.Validate(); err != nil {
			return err
		}
	}
	return nil
}
