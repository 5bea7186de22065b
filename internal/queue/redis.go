package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/romanborysenkov/IoT-Project/internal/model"
)

// DefaultRedisKey is the list key shared with earlier deployments of the hub.
const DefaultRedisKey = "processed_agent_data"

// RedisConfig describes the Redis list backing a queue.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Key      string
	Timeout  time.Duration
}

// Redis is a Queue stored in a Redis list so queued records survive a hub
// restart. The head of the list is the oldest entry.
type Redis struct {
	client *redis.Client
	key    string
}

// popBatchScript pops exactly ARGV[1] entries from the head of KEYS[1], or
// nothing at all. Redis runs scripts atomically.
var popBatchScript = redis.NewScript(`
local n = tonumber(ARGV[1])
if redis.call("LLEN", KEYS[1]) < n then
	return false
end
local items = redis.call("LRANGE", KEYS[1], 0, n - 1)
redis.call("LTRIM", KEYS[1], n, -1)
return items
`)

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Key == "" {
		cfg.Key = DefaultRedisKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewRedis(client, cfg.Key), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

func (q *Redis) Push(ctx context.Context, recs ...model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	entries, err := encodeEntries(recs)
	if err != nil {
		return err
	}
	args := make([]any, 0, len(entries))
	for _, e := range entries {
		args = append(args, e)
	}
	n, err := q.client.RPush(ctx, q.key, args...).Result()
	if err != nil {
		return fmt.Errorf("push to redis queue: %w", err)
	}
	observeLength(BackendRedis, int(n))
	return nil
}

func (q *Redis) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis queue length: %w", err)
	}
	return int(n), nil
}

func (q *Redis) PopBatch(ctx context.Context, n int) ([]model.Record, error) {
	if n <= 0 {
		return nil, fmt.Errorf("pop batch: invalid size %d", n)
	}
	raw, err := popBatchScript.Run(ctx, q.client, []string{q.key}, n).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrInsufficient
	}
	if err != nil {
		return nil, fmt.Errorf("pop batch from redis queue: %w", err)
	}
	if remaining, err := q.Len(ctx); err == nil {
		observeLength(BackendRedis, remaining)
	}

	out := make([]model.Record, 0, len(raw))
	for _, entry := range raw {
		rec, err := decodeEntry([]byte(entry))
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}
