package counter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const scanBatch = 128

// RedisStore implements Store over redis.UniversalClient, so standalone,
// Cluster, and Sentinel deployments all work.
type RedisStore struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// NewRedisStore wraps a Redis client. opTimeout bounds each script
// execution; zero disables the per-call deadline.
func NewRedisStore(client redis.UniversalClient, opTimeout time.Duration) *RedisStore {
	return &RedisStore{client: client, opTimeout: opTimeout}
}

func (s *RedisStore) Execute(ctx context.Context, script Script, keys []string, args ...interface{}) ([]int64, error) {
	sc, ok := scripts[script]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, script)
	}
	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}
	res, err := sc.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("counter: %s: %w", script, err)
	}
	return res, nil
}

// DeleteByPattern scans for matching keys and deletes them in batches. It
// runs under the caller's context only; administrative resets may take
// longer than a single script call is allowed to.
func (s *RedisStore) DeleteByPattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	batch := make([]string, 0, scanBatch)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		deleted += n
		batch = batch[:0]
		return err
	}

	iter := s.client.Scan(ctx, 0, pattern, scanBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == scanBatch {
			if err := flush(); err != nil {
				return deleted, fmt.Errorf("counter: delete %q: %w", pattern, err)
			}
		}
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("counter: scan %q: %w", pattern, err)
	}
	if err := flush(); err != nil {
		return deleted, fmt.Errorf("counter: delete %q: %w", pattern, err)
	}
	return deleted, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
