package banksync

import (
	"context"
	"errors"
	"time"
)

// ErrLockNotObtained is returned when another worker holds the connection.
// It is retryable.
var ErrLockNotObtained = errors.New("connection is locked by another worker")

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker serializes status writers per connection.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// NopLocker grants every lock. Used when no lock backend is configured;
// the optimistic version check on connection status still applies.
type NopLocker struct{}

func (NopLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	return nopLease{}, nil
}

type nopLease struct{}

func (nopLease) Release(ctx context.Context) error { return nil }
