package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrWithCeilingScript performs the check and the increment server-side so
// concurrent clients cannot jointly exceed the ceiling.
var incrWithCeilingScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local amount = tonumber(ARGV[1])
local ceiling = tonumber(ARGV[2])
if current + amount > ceiling then
	return {current, 0}
end
current = redis.call('INCRBY', KEYS[1], amount)
return {current, 1}
`)

// Redis implements the Counters interface backed by Redis
type Redis struct {
	config    Config
	client    *redis.Client
	connected bool
}

// NewRedis creates a new Redis counter store
func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379 // Default Redis port
	}

	return &Redis{
		config:    config,
		connected: false,
	}
}

// Connect establishes a connection to Redis
func (r *Redis) Connect() error {
	if r.connected {
		return nil
	}

	r.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	r.connected = true
	return nil
}

// Close closes the connection to Redis
func (r *Redis) Close() error {
	if !r.connected {
		return nil
	}

	if err := r.client.Close(); err != nil {
		return err
	}

	r.connected = false
	return nil
}

// IsConnected returns true if connected to Redis
func (r *Redis) IsConnected() bool {
	return r.connected
}

// Type returns the backend type
func (r *Redis) Type() string {
	return "redis"
}

func (r *Redis) key(key string) string {
	return r.config.Prefix + key
}

// Get retrieves a counter value; missing keys read as 0
func (r *Redis) Get(ctx context.Context, key string) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	val, err := r.client.Get(ctx, r.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	} else if err != nil {
		return 0, err
	}

	return val, nil
}

// IncrBy atomically adds amount to a counter
func (r *Redis) IncrBy(ctx context.Context, key string, amount int64) (int64, error) {
	if !r.connected {
		return 0, ErrNotConnected
	}

	return r.client.IncrBy(ctx, r.key(key), amount).Result()
}

// IncrWithCeiling atomically adds amount only if the result stays at or below
// ceiling, via a server-side Lua script.
func (r *Redis) IncrWithCeiling(ctx context.Context, key string, amount, ceiling int64) (int64, bool, error) {
	if !r.connected {
		return 0, false, ErrNotConnected
	}

	res, err := incrWithCeilingScript.Run(ctx, r.client, []string{r.key(key)}, amount, ceiling).Int64Slice()
	if err != nil {
		return 0, false, err
	}
	if len(res) != 2 {
		return 0, false, fmt.Errorf("unexpected script result length %d", len(res))
	}

	return res[0], res[1] == 1, nil
}

// Set overwrites a counter value
func (r *Redis) Set(ctx context.Context, key string, value int64, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	return r.client.Set(ctx, r.key(key), value, expiration).Err()
}

// Delete removes a counter
func (r *Redis) Delete(ctx context.Context, key string) error {
	if !r.connected {
		return ErrNotConnected
	}

	result, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return err
	}

	if result == 0 {
		return ErrNotFound
	}

	return nil
}

// Expire sets an expiration time on a key
func (r *Redis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	if !r.connected {
		return ErrNotConnected
	}

	success, err := r.client.Expire(ctx, r.key(key), expiration).Result()
	if err != nil {
		return err
	}

	if !success {
		return ErrNotFound
	}

	return nil
}
