// Package cache holds short-lived server-side state such as search cursor tokens.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned when a key is absent or has expired.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented key/value store with per-key expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key. A zero ttl uses the backend's default.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Config holds the options shared by cache backends.
type Config struct {
	DefaultTTL time.Duration
	// Prefix is prepended to all keys.
	Prefix string
}

// DefaultConfig returns the configuration used for cursor tokens.
func DefaultConfig() Config {
	return Config{
		DefaultTTL: 5 * time.Minute,
		Prefix:     "corpora:",
	}
}
