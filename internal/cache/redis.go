package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"oddsfeed/ingestion/internal/metrics"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Config holds Redis connection settings
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int

	// VerifyWrites reads every Set back and compares it before reporting success
	VerifyWrites bool
}

// RedisCache is the write-through cache, the retry queue medium and the
// update notifier. Reads and writes are best-effort: a failing Redis never
// surfaces as an error on the odds write path.
type RedisCache struct {
	client *redis.Client
	verify bool
}

// NewRedisCache connects to Redis and verifies the connection
func NewRedisCache(cfg Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Str("port", cfg.Port).
		Int("db", cfg.DB).
		Msg("Successfully connected to Redis")

	return &RedisCache{client: client, verify: cfg.VerifyWrites}, nil
}

// NewFromClient wraps an existing client
func NewFromClient(client *redis.Client, verifyWrites bool) *RedisCache {
	return &RedisCache{client: client, verify: verifyWrites}
}

// Get returns the cached value for key. Any Redis error is logged and
// reported as a miss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	start := time.Now()
	val, err := c.client.Get(ctx, key).Bytes()
	metrics.RecordCacheOperation("get", time.Since(start).Seconds())

	if errors.Is(err, redis.Nil) {
		metrics.RecordCacheMiss()
		return nil, false
	}
	if err != nil {
		metrics.RecordCacheMiss()
		metrics.RecordCacheFailure("get")
		log.Warn().Err(err).Str("key", key).Msg("Cache read failed, treating as miss")
		return nil, false
	}

	metrics.RecordCacheHit()
	return val, true
}

// Set stores value under key with ttl. It returns true only when Redis
// acknowledged the write and, with verification on, the value reads back equal.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	start := time.Now()
	defer func() {
		metrics.RecordCacheOperation("set", time.Since(start).Seconds())
	}()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		metrics.RecordCacheFailure("set")
		log.Warn().Err(err).Str("key", key).Msg("Cache write failed")
		return false
	}

	if !c.verify {
		return true
	}

	stored, err := c.client.Get(ctx, key).Bytes()
	if err != nil || !bytes.Equal(stored, value) {
		metrics.RecordCacheFailure("verify")
		log.Warn().Err(err).Str("key", key).Msg("Cache write verification failed")
		return false
	}
	return true
}

// Keys returns every key matching pattern using SCAN
func (c *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := c.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

// PushQueue appends value at the tail of queue
func (c *RedisCache) PushQueue(ctx context.Context, queue string, value []byte) error {
	if err := c.client.RPush(ctx, queue, value).Err(); err != nil {
		return fmt.Errorf("failed to push to %s: %w", queue, err)
	}
	return nil
}

// ClaimQueue moves the head of queue onto the tail of processing and
// returns it. ok is false when the queue is empty.
func (c *RedisCache) ClaimQueue(ctx context.Context, queue, processing string) (value []byte, ok bool, err error) {
	val, err := c.client.LMove(ctx, queue, processing, "LEFT", "RIGHT").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim from %s: %w", queue, err)
	}
	return val, true, nil
}

// AckQueue drops one claimed value from processing
func (c *RedisCache) AckQueue(ctx context.Context, processing string, value []byte) error {
	if err := c.client.LRem(ctx, processing, 1, value).Err(); err != nil {
		return fmt.Errorf("failed to ack %s: %w", processing, err)
	}
	return nil
}

// RestoreQueue moves everything left in processing back to the head of
// queue, keeping its order. It returns the number of values moved.
func (c *RedisCache) RestoreQueue(ctx context.Context, processing, queue string) (int, error) {
	moved := 0
	for {
		err := c.client.LMove(ctx, processing, queue, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("failed to restore %s: %w", processing, err)
		}
		moved++
	}
}

// QueueLen returns the number of items waiting in queue
func (c *RedisCache) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := c.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read length of %s: %w", queue, err)
	}
	return n, nil
}

// Publish announces message on channel. Failures are logged only.
func (c *RedisCache) Publish(ctx context.Context, channel string, message []byte) bool {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		metrics.RecordCacheFailure("publish")
		log.Warn().Err(err).Str("channel", channel).Msg("Publish failed")
		return false
	}
	return true
}

// Message is a pub/sub notification
type Message struct {
	Channel string
	Payload []byte
}

// Subscribe listens on channels until ctx is cancelled. The returned channel
// is closed when the subscription ends.
func (c *RedisCache) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	sub := c.client.Subscribe(ctx, channels...)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer sub.Close()

		in := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Ping checks connectivity
func (c *RedisCache) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Close closes the client
func (c *RedisCache) Close() error {
	log.Info().Msg("Redis connection closed")
	return c.client.Close()
}
