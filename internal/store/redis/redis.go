package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vovakirdan/wirechat-companion/internal/store"
)

const maxWatchRetries = 3

// RedisStore implements store.SessionStore on top of go-redis.
type RedisStore struct {
	client *redis.Client
	limits store.Limits
	now    func() time.Time
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL string, limits store.Limits) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewWithClient(client, limits), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, limits store.Limits) *RedisStore {
	return &RedisStore{client: client, limits: limits, now: time.Now}
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// ==== Sessions ====

func (s *RedisStore) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	return s.setJSON(ctx, store.SessionKey(rec.UserID), rec, s.limits.SessionTTL)
}

func (s *RedisStore) GetSession(ctx context.Context, userID string) (store.CacheHint[store.SessionRecord], error) {
	return getJSON[store.SessionRecord](ctx, s.client, store.SessionKey(userID))
}

func (s *RedisStore) DeleteSession(ctx context.Context, userID string) error {
	return s.client.Del(ctx, store.SessionKey(userID)).Err()
}

// ==== Room snapshots ====

func (s *RedisStore) SaveRoom(ctx context.Context, snap store.RoomSnapshot) error {
	return s.setJSON(ctx, store.RoomKey(snap.RoomID), snap, s.limits.RoomTTL)
}

func (s *RedisStore) GetRoom(ctx context.Context, roomID string) (store.CacheHint[store.RoomSnapshot], error) {
	return getJSON[store.RoomSnapshot](ctx, s.client, store.RoomKey(roomID))
}

// ==== Message window ====

// PushMessages LPUSHes every message so the newest ends up at index 0, then
// trims and refreshes the TTL in the same pipeline.
func (s *RedisStore) PushMessages(ctx context.Context, roomID string, msgs ...store.CachedMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("marshal message: %w", err)
		}
		values = append(values, string(data))
	}

	key := store.MessagesKey(roomID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, values...)
		if s.limits.MessageCap > 0 {
			pipe.LTrim(ctx, key, 0, int64(s.limits.MessageCap-1))
		}
		pipe.Expire(ctx, key, s.limits.MessageTTL)
		return nil
	})
	return err
}

func (s *RedisStore) RecentMessages(ctx context.Context, roomID string, limit int) ([]store.CachedMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	results, err := s.client.LRange(ctx, store.MessagesKey(roomID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}

	messages := make([]store.CachedMessage, 0, len(results))
	for _, data := range results {
		var msg store.CachedMessage
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// ==== Rate limiting ====

// IncrRateCounter uses INCR so concurrent requests never lose an increment.
// The expiry is attached on the first increment of a window; a key that
// somehow lost its TTL gets one on the next call.
func (s *RedisStore) IncrRateCounter(ctx context.Context, userID string, window time.Duration) (int64, error) {
	key := store.RateLimitKey(userID)

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		if err := s.client.Expire(ctx, key, window).Err(); err != nil {
			return count, err
		}
		return count, nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err == nil && ttl < 0 {
		_ = s.client.Expire(ctx, key, window).Err()
	}
	return count, nil
}

// ==== AI context ====

func (s *RedisStore) AppendContext(ctx context.Context, roomID string, turns ...store.ContextTurn) error {
	if len(turns) == 0 {
		return nil
	}

	key := store.ContextKey(roomID)
	txf := func(tx *redis.Tx) error {
		var win store.AIContextWindow
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			recent, recentErr := s.RecentMessages(ctx, roomID, s.limits.ContextCap)
			if recentErr != nil {
				return recentErr
			}
			win = store.ContextFromMessages(roomID, recent, s.limits.ContextCap, s.now())
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &win); err != nil {
				return fmt.Errorf("unmarshal context: %w", err)
			}
		}

		win.RoomID = roomID
		win.Turns = store.TrimTurns(append(win.Turns, turns...), s.limits.ContextCap)
		win.UpdatedAt = s.now()

		data, err := json.Marshal(win)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.limits.ContextTTL)
			return nil
		})
		return err
	}

	var err error
	for range maxWatchRetries {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (s *RedisStore) GetContext(ctx context.Context, roomID string) (store.CacheHint[store.AIContextWindow], error) {
	return getJSON[store.AIContextWindow](ctx, s.client, store.ContextKey(roomID))
}

// Helper functions for JSON values

func (s *RedisStore) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return s.client.Set(ctx, key, data, ttl).Err()
}

func getJSON[T any](ctx context.Context, client *redis.Client, key string) (store.CacheHint[T], error) {
	data, err := client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return store.Miss[T](), nil
	}
	if err != nil {
		return store.Miss[T](), err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return store.Miss[T](), fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return store.Hit(v), nil
}

var _ store.SessionStore = (*RedisStore)(nil)
