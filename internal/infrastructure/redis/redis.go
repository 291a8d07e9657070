// Package redis provides the per-connection lock backed by Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	goredis "github.com/redis/go-redis/v9"

	"finsync/internal/domain/banksync"
	"finsync/internal/shared/logging"
)

const (
	obtainRetryInterval = 250 * time.Millisecond
	obtainRetries       = 4
)

// Connect opens a client and pings it, retrying with capped exponential
// backoff until ctx is done.
func Connect(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	log := logging.WithComponent("redis").WithField("addr", addr)

	for attempt := 1; ; attempt++ {
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
			PoolSize: 50,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			log.WithField("attempt", attempt).Info("Connected to redis")
			return rdb, nil
		}
		_ = rdb.Close()

		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.WithError(err).WithField("attempt", attempt).Warnf("Failed to connect to redis, retrying in %s", sleep)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
		case <-time.After(sleep):
		}
	}
}

// Locker implements banksync.Locker with redislock.
type Locker struct {
	client *redislock.Client
}

var _ banksync.Locker = (*Locker)(nil)

func NewLocker(rdb *goredis.Client) *Locker {
	return &Locker{client: redislock.New(rdb)}
}

// Obtain retries briefly before reporting banksync.ErrLockNotObtained.
func (l *Locker) Obtain(ctx context.Context, key string, ttl time.Duration) (banksync.Lease, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(obtainRetryInterval), obtainRetries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", banksync.ErrLockNotObtained, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %s: %w", key, err)
	}
	return lease{lock: lock}, nil
}

type lease struct {
	lock *redislock.Lock
}

// Release treats an already expired lock as released.
func (l lease) Release(ctx context.Context) error {
	err := l.lock.Release(ctx)
	if errors.Is(err, redislock.ErrLockNotHeld) {
		return nil
	}
	return err
}
