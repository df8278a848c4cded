// Package store holds the governance engine's shared mutable state behind a
// narrow interface: keyed atomic counters and sending-account records. The
// engine never knows which backend it is talking to; counters can live in
// process memory, Redis, or Memcached.
package store

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("key not found in store")
	ErrNotConnected = errors.New("not connected to store")
)

// Counters is the keyed counter interface every backend must satisfy. Every
// operation is atomic per key; IncrWithCeiling is the check-then-increment
// primitive that keeps concurrent callers from jointly exceeding a limit.
type Counters interface {
	// Connect establishes a connection to the backend
	Connect() error

	// Close closes the connection to the backend
	Close() error

	// IsConnected returns true if the backend is reachable
	IsConnected() bool

	// Type returns the backend type ("memory", "redis", "memcached")
	Type() string

	// Get retrieves the current value of a counter; missing keys read as 0
	Get(ctx context.Context, key string) (int64, error)

	// IncrBy atomically adds amount to a counter and returns the new value
	IncrBy(ctx context.Context, key string, amount int64) (int64, error)

	// IncrWithCeiling atomically adds amount to a counter only if the result
	// would not exceed ceiling. Returns the counter value after the call and
	// whether the increment was applied.
	IncrWithCeiling(ctx context.Context, key string, amount, ceiling int64) (int64, bool, error)

	// Set overwrites a counter value with an optional expiration
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// Delete removes a counter
	Delete(ctx context.Context, key string) error

	// Expire sets an expiration time on a key
	Expire(ctx context.Context, key string, expiration time.Duration) error
}

// Config represents the configuration for a counter backend
type Config struct {
	Type     string `toml:"type"`     // Backend type (memory, redis, memcached)
	Host     string `toml:"host"`     // Hostname or IP address
	Port     int    `toml:"port"`     // Port number
	Password string `toml:"password"` // Password for authentication
	Database int    `toml:"database"` // Database number (for Redis)
	Prefix   string `toml:"prefix"`   // Key prefix shared by all counters
}

// Factory creates counter backends based on configuration
func Factory(config Config) (Counters, error) {
	switch config.Type {
	case "redis":
		return NewRedis(config), nil
	case "memcached":
		return NewMemcached(config), nil
	case "memory", "":
		return NewMemory(config), nil
	default:
		return nil, errors.New("unsupported store type: " + config.Type)
	}
}
