package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultOpTimeout bounds every KV round trip. The budget and abuse paths
// sit on the request hot path, so a slow store must fail fast rather than
// stall admission.
const DefaultOpTimeout = 100 * time.Millisecond

// RedisStore implements Store on a Redis client. Sorted-set and INCR-class
// operations are atomic on the server, which is what the abuse detector and
// budget ledger rely on for their ordering guarantees.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithOpTimeout overrides the per-operation timeout.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// NewRedisStore connects to Redis at addr.
func NewRedisStore(addr, password string, db int, opts ...RedisOption) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, opts...)
}

// NewRedisStoreFromClient wraps an existing client. Used by tests to point
// the store at miniredis.
func NewRedisStoreFromClient(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, opTimeout: DefaultOpTimeout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("kv: get %s: %w", key, err)
	}
	return val, nil
}

func (s *RedisStore) SetTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("kv: del %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	total, err := s.client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: incrby %s: %w", key, err)
	}
	return total, nil
}

func (s *RedisStore) ExpireNX(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.ExpireNX(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("kv: expirenx %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("kv: zadd %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	n, err := s.client.ZCount(ctx, key, formatScore(min), formatScore(max)).Result()
	if err != nil {
		return 0, fmt.Errorf("kv: zcount %s: %w", key, err)
	}
	return n, nil
}

func (s *RedisStore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.ZRemRangeByScore(ctx, key, formatScore(min), formatScore(max)).Err(); err != nil {
		return fmt.Errorf("kv: zremrangebyscore %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LPushTrim(ctx context.Context, key, value string, maxLen int64) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	pipe := s.client.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, maxLen-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kv: lpushtrim %s: %w", key, err)
	}
	return nil
}

func (s *RedisStore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	vals, err := s.client.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: lrange %s: %w", key, err)
	}
	return vals, nil
}

func (s *RedisStore) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := s.client.Eval(ctx, script, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("kv: eval: %w", err)
	}
	return res, nil
}

func (s *RedisStore) Publish(ctx context.Context, channel, message string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("kv: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers channel messages until ctx is cancelled. The returned
// channel is closed when the subscription ends.
func (s *RedisStore) Subscribe(ctx context.Context, channel string) (<-chan string, error) {
	sub := s.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("kv: subscribe %s: %w", channel, err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func formatScore(f float64) string {
	return fmt.Sprintf("%f", f)
}
