package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisScanCount is the COUNT hint for SCAN operations, matching
// yegamble-goimg-datalayer's token_blacklist.go constant of the same
// purpose.
const redisScanCount = 100

// RedisStore implements Store against a real Redis deployment.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore dials Redis using a redis:// URL, the way
// yegamble-goimg-datalayer's infrastructure/persistence/redis/client.go
// constructs its client from configuration.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an already-constructed client, for
// tests that spin up miniredis or a shared pool.
func NewRedisStoreFromClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

func (s *RedisStore) Incr(ctx context.Context, key string) (int64, error) {
	return s.client.Incr(ctx, key).Result()
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, ttl).Err()
}

func (s *RedisStore) ScanByPattern(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, redisScanCount).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return keys, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) SAdd(ctx context.Context, key string, member string) error {
	return s.client.SAdd(ctx, key, member).Err()
}

func (s *RedisStore) SRem(ctx context.Context, key string, member string) error {
	return s.client.SRem(ctx, key, member).Err()
}

func (s *RedisStore) SMembers(ctx context.Context, key string) ([]string, error) {
	return s.client.SMembers(ctx, key).Result()
}

// Pipeline executes every op in a single Redis pipeline round trip.
// Per-op errors are returned positionally; spec §4.1/§4.2 require
// partial failure to be reported, not silently swallowed or rolled
// back.
func (s *RedisStore) Pipeline(ctx context.Context, ops []Op) []error {
	errs := make([]error, len(ops))
	if len(ops) == 0 {
		return errs
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StatusCmd, len(ops))
	for i, op := range ops {
		switch op.Kind {
		case OpSetWithTTL:
			cmds[i] = pipe.Set(ctx, op.Key, op.Value, op.TTL)
		case OpSAdd:
			pipe.SAdd(ctx, op.Key, op.Member)
		case OpDel:
			pipe.Del(ctx, op.Key)
		}
	}

	_, err := pipe.Exec(ctx)
	if err != nil && !errors.Is(err, redis.Nil) {
		// Exec returns the first error; individual cmd.Err() still
		// carries the per-command outcome below.
	}

	for i, cmd := range cmds {
		if cmd == nil {
			continue
		}
		if cerr := cmd.Err(); cerr != nil && !errors.Is(cerr, redis.Nil) {
			errs[i] = cerr
		}
	}
	return errs
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
