package db

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/whiteboard/backend/internal/board"
)

// createScript inserts the room hash and index entry only when the id is free.
var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'passcode_hash', ARGV[1], 'created_at', ARGV[2], 'last_accessed', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// writeScript optionally advances last_accessed (never backwards), optionally
// clears the content list, then appends ARGV[5..].
var writeScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'last_accessed')
if not cur then
	return 0
end
if ARGV[1] == '1' and tonumber(ARGV[2]) > tonumber(cur) then
	redis.call('HSET', KEYS[1], 'last_accessed', ARGV[2])
	redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
end
if ARGV[4] == '1' then
	redis.call('DEL', KEYS[3])
end
for i = 5, #ARGV do
	redis.call('RPUSH', KEYS[3], ARGV[i])
end
return 1
`)

// RedisStore keeps each room as a hash plus a list of JSON-encoded items, with
// a sorted set indexing rooms by last access.
type RedisStore struct {
	client *redis.Client
	prefix string
	now    Clock
}

type RedisOption func(*RedisStore)

func WithRedisClock(now Clock) RedisOption {
	return func(s *RedisStore) { s.now = now }
}

func NewRedisStore(ctx context.Context, url, prefix string, opts ...RedisOption) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: parse url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}

	s := NewRedisStoreFromClient(client, prefix, opts...)
	log.WithField("addr", opt.Addr).Info("Redis store connected")
	return s, nil
}

func NewRedisStoreFromClient(client *redis.Client, prefix string, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: prefix, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) roomKey(id string) string    { return s.prefix + "room:" + id }
func (s *RedisStore) contentKey(id string) string { return s.prefix + "room:" + id + ":content" }
func (s *RedisStore) indexKey() string            { return s.prefix + "rooms:accessed" }

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) CreateRoom(ctx context.Context, roomID, passcodeHash string) (*Room, error) {
	now := s.now().UnixMilli()
	created, err := createScript.Run(ctx, s.client,
		[]string{s.roomKey(roomID), s.indexKey()},
		passcodeHash, now, roomID,
	).Int()
	if err != nil {
		return nil, fmt.Errorf("redis: create room %s: %w", roomID, err)
	}
	if created == 0 {
		return nil, ErrDuplicateRoom
	}

	return &Room{
		ID:           roomID,
		PasscodeHash: passcodeHash,
		Content:      []board.Item{},
		CreatedAt:    time.UnixMilli(now),
		LastAccessed: time.UnixMilli(now),
	}, nil
}

func (s *RedisStore) FindRoom(ctx context.Context, roomID string) (*Room, error) {
	room, err := s.roomMeta(ctx, roomID)
	if err != nil {
		return nil, err
	}

	raw, err := s.client.LRange(ctx, s.contentKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: load content %s: %w", roomID, err)
	}
	room.Content = make([]board.Item, 0, len(raw))
	for _, r := range raw {
		it, err := board.Decode(r)
		if err != nil {
			return nil, fmt.Errorf("redis: room %s: %w", roomID, err)
		}
		room.Content = append(room.Content, it)
	}
	return room, nil
}

func (s *RedisStore) roomMeta(ctx context.Context, roomID string) (*Room, error) {
	fields, err := s.client.HGetAll(ctx, s.roomKey(roomID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: find room %s: %w", roomID, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	room := &Room{ID: roomID, PasscodeHash: fields["passcode_hash"]}
	room.CreatedAt, err = parseMillis(fields["created_at"])
	if err != nil {
		return nil, err
	}
	room.LastAccessed, err = parseMillis(fields["last_accessed"])
	if err != nil {
		return nil, err
	}
	return room, nil
}

func (s *RedisStore) Touch(ctx context.Context, roomID string) error {
	return s.write(ctx, roomID, true, false, nil)
}

func (s *RedisStore) AppendContent(ctx context.Context, roomID string, item board.Item) error {
	return s.write(ctx, roomID, true, false, []board.Item{item})
}

func (s *RedisStore) ReplaceContent(ctx context.Context, roomID string, items []board.Item) error {
	return s.write(ctx, roomID, true, true, items)
}

func (s *RedisStore) RewriteContent(ctx context.Context, roomID string, items []board.Item) error {
	return s.write(ctx, roomID, false, true, items)
}

func (s *RedisStore) write(ctx context.Context, roomID string, touch, replace bool, items []board.Item) error {
	args := []any{flag(touch), s.now().UnixMilli(), roomID, flag(replace)}
	for _, it := range items {
		enc, err := board.Encode(it)
		if err != nil {
			return err
		}
		args = append(args, enc)
	}

	ok, err := writeScript.Run(ctx, s.client,
		[]string{s.roomKey(roomID), s.indexKey(), s.contentKey(roomID)},
		args...,
	).Int()
	if err != nil {
		return fmt.Errorf("redis: write room %s: %w", roomID, err)
	}
	if ok == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) DeleteRoom(ctx context.Context, roomID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.roomKey(roomID), s.contentKey(roomID))
		pipe.ZRem(ctx, s.indexKey(), roomID)
		return nil
	})
	return err
}

func (s *RedisStore) ListExpiredBefore(ctx context.Context, threshold time.Time) ([]string, error) {
	return s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(threshold.UnixMilli(), 10),
	}).Result()
}

// ListIdleSince returns rooms last accessed before threshold, without their
// content.
func (s *RedisStore) ListIdleSince(ctx context.Context, threshold time.Time) ([]Room, error) {
	ids, err := s.ListExpiredBefore(ctx, threshold)
	if err != nil {
		return nil, err
	}

	rooms := make([]Room, 0, len(ids))
	for _, id := range ids {
		room, err := s.roomMeta(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted between the index read and the load.
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, *room)
	}
	return rooms, nil
}

func (s *RedisStore) Stats(ctx context.Context) (Stats, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return Stats{}, err
	}

	st := Stats{RoomCount: int64(len(ids))}
	if len(ids) == 0 {
		return st, nil
	}

	pipe := s.client.Pipeline()
	lens := make([]*redis.IntCmd, len(ids))
	for i, id := range ids {
		lens[i] = pipe.LLen(ctx, s.contentKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	for _, l := range lens {
		st.ItemCount += l.Val()
	}
	return st, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("redis: bad timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms), nil
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
