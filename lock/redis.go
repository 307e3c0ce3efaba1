package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// =============================================================================
// REDIS - Distributed keyed locks
// =============================================================================

// Redis obtains locks through bsm/redislock. The TTL bounds how long a
// crashed holder can block others.
type Redis struct {
	client *redislock.Client
	ttl    time.Duration
	wait   time.Duration
	prefix string
	logger logrus.FieldLogger
}

type RedisOptions struct {
	TTL    time.Duration // default 30s
	Wait   time.Duration // default DefaultWait
	Prefix string        // default "billing:"
}

func NewRedis(rdb redis.UniversalClient, opts RedisOptions, logger logrus.FieldLogger) *Redis {
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Second
	}
	if opts.Wait <= 0 {
		opts.Wait = DefaultWait
	}
	if opts.Prefix == "" {
		opts.Prefix = "billing:"
	}
	return &Redis{
		client: redislock.New(rdb),
		ttl:    opts.TTL,
		wait:   opts.Wait,
		prefix: opts.Prefix,
		logger: logger,
	}
}

// Connect pings addr and returns a client. Unlike a retry loop at startup,
// a failure is returned so the caller can fall back to local locks.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return rdb, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (Unlock, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.wait)
		defer cancel()
	}

	lockKey := r.prefix + key
	l, err := r.client.Obtain(ctx, lockKey, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(25 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
		return nil, notObtained(key, err)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", lockKey, err)
	}

	return func() {
		// Release must not depend on the caller's context, which may be done.
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.Release(rctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			r.logger.WithFields(logrus.Fields{
				"module": "lock",
				"key":    lockKey,
			}).Warn("failed to release redis lock: " + err.Error())
		}
	}, nil
}
