package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
)

// Database is the SQLite-backed Store.
type Database struct {
	db  *sql.DB
	now Clock
}

type Option func(*Database)

func WithClock(now Clock) Option {
	return func(d *Database) { d.now = now }
}

func New(dbPath string, opts ...Option) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	sqlDB, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows one writer; a single connection also keeps pragmas in effect.
	sqlDB.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqlDB.Close()
		return nil, err
	}
	if _, err := sqlDB.Exec("PRAGMA busy_timeout=5000"); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := createTables(sqlDB); err != nil {
		sqlDB.Close()
		return nil, err
	}

	d := &Database{db: sqlDB, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}

	log.WithField("path", dbPath).Info("Database initialized")
	return d, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		passcode_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rooms_last_accessed ON rooms(last_accessed);

	CREATE TABLE IF NOT EXISTS content_items (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		text TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_content_items_room_id ON content_items(room_id, id);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, roomID, passcodeHash string) (*Room, error) {
	now := d.now()
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO rooms (id, passcode_hash, created_at, last_accessed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, roomID, passcodeHash, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite: create room %s: %w", roomID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrDuplicateRoom
	}

	return &Room{
		ID:           roomID,
		PasscodeHash: passcodeHash,
		Content:      []board.Item{},
		CreatedAt:    time.UnixMilli(now.UnixMilli()),
		LastAccessed: time.UnixMilli(now.UnixMilli()),
	}, nil
}

func (d *Database) FindRoom(ctx context.Context, roomID string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, passcode_hash, created_at, last_accessed FROM rooms WHERE id = ?",
		roomID,
	)

	room, err := scanRoom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: find room %s: %w", roomID, err)
	}

	room.Content, err = loadContent(ctx, d.db, roomID)
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (d *Database) Touch(ctx context.Context, roomID string) error {
	return touch(ctx, d.db, roomID, d.now())
}

func (d *Database) DeleteRoom(ctx context.Context, roomID string) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM content_items WHERE room_id = ?", roomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", roomID)
		return err
	})
}

// ListIdleSince returns rooms last accessed before threshold, without their
// content. Callers load each room with FindRoom.
func (d *Database) ListIdleSince(ctx context.Context, threshold time.Time) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, passcode_hash, created_at, last_accessed FROM rooms
		WHERE last_accessed < ?
		ORDER BY last_accessed ASC
	`, threshold.UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, rows.Err()
}

func (d *Database) ListExpiredBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id FROM rooms WHERE last_accessed < ? ORDER BY last_accessed ASC",
		threshold.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Content operations

func (d *Database) AppendContent(ctx context.Context, roomID string, item board.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, roomID, d.now()); err != nil {
			return err
		}
		return insertItems(ctx, tx, roomID, []board.Item{item})
	})
}

func (d *Database) ReplaceContent(ctx context.Context, roomID string, items []board.Item) error {
	if err := validateItems(items); err != nil {
		return err
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		if err := touch(ctx, tx, roomID, d.now()); err != nil {
			return err
		}
		return replaceItems(ctx, tx, roomID, items)
	})
}

// RewriteContent replaces the content log without advancing LastAccessed.
func (d *Database) RewriteContent(ctx context.Context, roomID string, items []board.Item) error {
	if err := validateItems(items); err != nil {
		return err
	}
	return d.inTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM rooms WHERE id = ?", roomID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return replaceItems(ctx, tx, roomID, items)
	})
}

// Stats

func (d *Database) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&s.RoomCount); err != nil {
		return Stats{}, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM content_items").Scan(&s.ItemCount); err != nil {
		return Stats{}, err
	}
	return s, nil
}

// helpers

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type scanner interface {
	Scan(dest ...any) error
}

func (d *Database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func scanRoom(s scanner) (*Room, error) {
	var (
		room                Room
		created, lastAccess int64
	)
	if err := s.Scan(&room.ID, &room.PasscodeHash, &created, &lastAccess); err != nil {
		return nil, err
	}
	room.CreatedAt = time.UnixMilli(created)
	room.LastAccessed = time.UnixMilli(lastAccess)
	return &room, nil
}

// touch never moves last_accessed backwards.
func touch(ctx context.Context, e execer, roomID string, now time.Time) error {
	res, err := e.ExecContext(ctx,
		"UPDATE rooms SET last_accessed = MAX(last_accessed, ?) WHERE id = ?",
		now.UnixMilli(), roomID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func loadContent(ctx context.Context, q querier, roomID string) ([]board.Item, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT kind, x, y, text FROM content_items WHERE room_id = ? ORDER BY id ASC",
		roomID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := []board.Item{}
	for rows.Next() {
		var (
			kind string
			it   board.Item
		)
		if err := rows.Scan(&kind, &it.X, &it.Y, &it.Text); err != nil {
			return nil, err
		}
		if it.Kind, err = board.ParseKind(kind); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func insertItems(ctx context.Context, e execer, roomID string, items []board.Item) error {
	for _, it := range items {
		_, err := e.ExecContext(ctx,
			"INSERT INTO content_items (room_id, kind, x, y, text) VALUES (?, ?, ?, ?, ?)",
			roomID, it.Kind.String(), it.X, it.Y, it.Text,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func replaceItems(ctx context.Context, e execer, roomID string, items []board.Item) error {
	if _, err := e.ExecContext(ctx, "DELETE FROM content_items WHERE room_id = ?", roomID); err != nil {
		return err
	}
	return insertItems(ctx, e, roomID, items)
}
