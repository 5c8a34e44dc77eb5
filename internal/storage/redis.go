package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/memento/internal/config"
	"github.com/scrypster/memento/internal/metrics"
	"github.com/scrypster/memento/pkg/types"
)

// RedisStore implements KVStore. The session manager is its only
// consumer.
type RedisStore struct {
	cfg    config.KVConfig
	client *redis.Client

	initialized atomic.Bool
}

func NewRedisStore(cfg config.KVConfig) *RedisStore {
	return &RedisStore{cfg: cfg}
}

// NewRedisStoreWithClient wires an existing client, used by tests to
// point at miniredis.
func NewRedisStoreWithClient(cfg config.KVConfig, client *redis.Client) *RedisStore {
	s := &RedisStore{cfg: cfg, client: client}
	s.initialized.Store(true)
	return s
}

func (s *RedisStore) Initialize(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:        s.cfg.Addr,
		Password:    s.cfg.Password,
		DB:          s.cfg.DB,
		DialTimeout: s.cfg.DialTimeout.D(),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	s.client = client
	s.initialized.Store(true)
	log.Info().Str("addr", s.cfg.Addr).Msg("🔑 kv store connected")
	return nil
}

func (s *RedisStore) Close(context.Context) error {
	if s.client == nil {
		return nil
	}
	s.initialized.Store(false)
	return s.client.Close()
}

func (s *RedisStore) IsInitialized() bool { return s.initialized.Load() }

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if s.client == nil {
		metrics.StoreUp.WithLabelValues("kv").Set(0)
		return &types.ErrStoreUnavailable{Store: "kv", Err: fmt.Errorf("not initialized")}
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		metrics.StoreUp.WithLabelValues("kv").Set(0)
		return &types.ErrStoreUnavailable{Store: "kv", Err: err}
	}
	metrics.StoreUp.WithLabelValues("kv").Set(1)
	return nil
}

// Get returns the value and whether the key exists.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, s.wrap(err)
	}
	return val, true, nil
}

// Set writes the value; ttl <= 0 means no expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return s.wrap(s.client.Set(ctx, key, value, ttl).Err())
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.wrap(s.client.Del(ctx, keys...).Err())
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.client.Incr(ctx, key).Result()
	return n, s.wrap(err)
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.wrap(s.client.Expire(ctx, key, ttl).Err())
}

func (s *RedisStore) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.wrap(s.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err())
}

// ZRangeByScore takes redis score bounds: numbers, "-inf", "+inf", or
// "(n" for exclusive.
func (s *RedisStore) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	vals, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
	return vals, s.wrap(err)
}

func (s *RedisStore) ZCard(ctx context.Context, key string) (int64, error) {
	n, err := s.client.ZCard(ctx, key).Result()
	return n, s.wrap(err)
}

// Keys scans for keys matching the glob pattern. Uses SCAN, not KEYS,
// so it is safe against production keyspaces.
func (s *RedisStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		out    []string
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, s.wrap(err)
		}
		out = append(out, keys...)
		if next == 0 {
			return out, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	return s.wrap(s.client.Publish(ctx, channel, payload).Err())
}

// Subscribe opens a pub/sub subscription on the given channels.
func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channels...)
	// Force the subscription onto the wire before returning so callers
	// never miss messages published right after Subscribe returns.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, s.wrap(err)
	}
	sub := &redisSubscription{ps: ps, out: make(chan KVMessage, 64)}
	go sub.pump()
	return sub, nil
}

func (s *RedisStore) wrap(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	metrics.StoreErrors.WithLabelValues("kv", "command").Inc()
	return &types.ErrStoreUnavailable{Store: "kv", Err: err}
}

type redisSubscription struct {
	ps        *redis.PubSub
	out       chan KVMessage
	closeOnce sync.Once
}

func (r *redisSubscription) Messages() <-chan KVMessage { return r.out }

func (r *redisSubscription) Close() error {
	var err error
	r.closeOnce.Do(func() {
		err = r.ps.Close()
	})
	return err
}

func (r *redisSubscription) pump() {
	defer close(r.out)
	for msg := range r.ps.Channel() {
		r.out <- KVMessage{Channel: msg.Channel, Payload: msg.Payload}
	}
}
