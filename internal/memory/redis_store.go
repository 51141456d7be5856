package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store interface using Redis
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis-backed store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	// Parse Redis URL
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// sessionKey generates Redis key for a session
func (r *RedisStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("planbuddy:session:%s", sessionID)
}

// Load loads a checkpoint from Redis
func (r *RedisStore) Load(ctx context.Context, sessionID string) (*Checkpoint, error) {
	data, err := r.client.Get(ctx, r.sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session from Redis: %w", err)
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to parse session data: %w", err)
	}

	return &checkpoint, nil
}

// Save writes the checkpoint to Redis with TTL. The version check and the
// write run in one WATCH transaction.
func (r *RedisStore) Save(ctx context.Context, checkpoint *Checkpoint, ttl time.Duration) error {
	key := r.sessionKey(checkpoint.SessionID)
	expected := checkpoint.Version

	checkpoint.Version = expected + 1
	data, err := json.Marshal(checkpoint)
	if err != nil {
		checkpoint.Version = expected
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if current != expected {
			return ErrConflict
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrConflict), errors.Is(err, redis.TxFailedErr):
		checkpoint.Version = expected
		return ErrConflict
	default:
		checkpoint.Version = expected
		return fmt.Errorf("failed to save session to Redis: %w", err)
	}
}

// storedVersion reads the version of the stored checkpoint, zero when absent
func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read session version: %w", err)
	}

	var stored struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, fmt.Errorf("failed to parse session data: %w", err)
	}
	return stored.Version, nil
}

// Delete removes a session from Redis
func (r *RedisStore) Delete(ctx context.Context, sessionID string) error {
	if err := r.client.Del(ctx, r.sessionKey(sessionID)).Err(); err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

// Touch refreshes the TTL without rewriting the checkpoint
func (r *RedisStore) Touch(ctx context.Context, sessionID string, ttl time.Duration) error {
	ok, err := r.client.Expire(ctx, r.sessionKey(sessionID), ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh session TTL: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

// Close closes the Redis connection
func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Health check - verify Redis connection is alive
func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
