package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "evidenceledger:ratelimit:"

// RedisCounter shares windows across every ledgerd replica pointed at the
// same redis.
type RedisCounter struct {
	client redis.Cmdable
	now    func() time.Time
}

func NewRedisCounter(client redis.Cmdable, now func() time.Time) (*RedisCounter, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if now == nil {
		now = time.Now
	}
	return &RedisCounter{client: client, now: now}, nil
}

// Hit runs SETNX, INCR and PTTL in one MULTI so the window expiry is set by
// whichever replica opens it, and never lost to a crash between commands.
func (r *RedisCounter) Hit(ctx context.Context, key string, length time.Duration) (int64, time.Time, error) {
	key = redisKeyPrefix + key
	var (
		incr *redis.IntCmd
		ttl  *redis.DurationCmd
	)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SetNX(ctx, key, 0, length)
		incr = pipe.Incr(ctx, key)
		ttl = pipe.PTTL(ctx, key)
		return nil
	})
	if err != nil {
		return 0, time.Time{}, err
	}
	resetAt := r.now()
	if remaining := ttl.Val(); remaining > 0 {
		resetAt = resetAt.Add(remaining)
	} else {
		resetAt = resetAt.Add(length)
	}
	return incr.Val(), resetAt, nil
}
