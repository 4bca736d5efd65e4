package cache

import (
	"context"
	"time"
)

// Cache is the key-value contract used by the document service.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns ErrMiss when the key does not exist.
	Get(ctx context.Context, key string) (string, error)
	// Set stores value with the given TTL. A zero TTL means no expiration.
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)
	Ping(ctx context.Context) error
	Close() error
}

var ErrMiss = errMiss{}

type errMiss struct{}

func (e errMiss) Error() string { return "cache: miss" }
