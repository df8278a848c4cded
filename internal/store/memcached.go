package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// casRetries bounds the compare-and-swap loops in IncrWithCeiling and Expire.
const casRetries = 16

// memcachedMaxRelative is the largest TTL the protocol reads as a relative
// number of seconds. Anything above it is interpreted as an absolute Unix
// timestamp, so longer TTLs must be converted before they go on the wire.
const memcachedMaxRelative = 30 * 24 * time.Hour

func expirationValue(expiration time.Duration) int32 {
	if expiration <= 0 {
		return 0
	}
	if expiration > memcachedMaxRelative {
		return int32(time.Now().Add(expiration).Unix())
	}
	return int32(expiration / time.Second)
}

// Memcached implements the Counters interface backed by Memcached. Ceiling
// checks use a CAS loop because Memcached has no server-side scripting.
type Memcached struct {
	client      *memcache.Client
	config      Config
	isConnected bool
}

// NewMemcached creates a new Memcached counter store
func NewMemcached(config Config) *Memcached {
	return &Memcached{
		config: config,
	}
}

// Connect establishes a connection to the Memcached server
func (m *Memcached) Connect() error {
	if m.isConnected {
		return nil
	}

	host := m.config.Host
	if host == "" {
		host = "localhost"
	}
	port := m.config.Port
	if port == 0 {
		port = 11211 // Default Memcached port
	}

	m.client = memcache.New(fmt.Sprintf("%s:%d", host, port))

	// Test connection
	if err := m.client.Ping(); err != nil {
		return fmt.Errorf("failed to connect to Memcached: %w", err)
	}

	m.isConnected = true
	return nil
}

// Close closes the connection to the Memcached server
func (m *Memcached) Close() error {
	m.isConnected = false
	return nil
}

// IsConnected returns true if the store is connected
func (m *Memcached) IsConnected() bool {
	return m.isConnected
}

// Type returns the backend type
func (m *Memcached) Type() string {
	return "memcached"
}

func (m *Memcached) key(key string) string {
	return m.config.Prefix + key
}

// Get retrieves a counter value; missing keys read as 0
func (m *Memcached) Get(_ context.Context, key string) (int64, error) {
	if !m.isConnected {
		return 0, ErrNotConnected
	}

	item, err := m.client.Get(m.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return 0, nil
		}
		return 0, err
	}

	return strconv.ParseInt(string(item.Value), 10, 64)
}

// IncrBy atomically adds amount to a counter, creating it first if needed
func (m *Memcached) IncrBy(_ context.Context, key string, amount int64) (int64, error) {
	if !m.isConnected {
		return 0, ErrNotConnected
	}

	k := m.key(key)

	// Memcached's Increment fails on a missing key; Add is atomic so two
	// racing creators cannot both win.
	err := m.client.Add(&memcache.Item{Key: k, Value: []byte(strconv.FormatInt(amount, 10))})
	if err == nil {
		return amount, nil
	}
	if !errors.Is(err, memcache.ErrNotStored) {
		return 0, err
	}

	newValue, err := m.client.Increment(k, uint64(amount))
	if err != nil {
		return 0, err
	}
	return int64(newValue), nil
}

// IncrWithCeiling atomically adds amount only if the result stays at or below
// ceiling, using compare-and-swap.
func (m *Memcached) IncrWithCeiling(_ context.Context, key string, amount, ceiling int64) (int64, bool, error) {
	if !m.isConnected {
		return 0, false, ErrNotConnected
	}

	k := m.key(key)

	for i := 0; i < casRetries; i++ {
		item, err := m.client.Get(k)
		if errors.Is(err, memcache.ErrCacheMiss) {
			if amount > ceiling {
				return 0, false, nil
			}
			addErr := m.client.Add(&memcache.Item{Key: k, Value: []byte(strconv.FormatInt(amount, 10))})
			if addErr == nil {
				return amount, true, nil
			}
			if errors.Is(addErr, memcache.ErrNotStored) {
				continue // lost the race, re-read
			}
			return 0, false, addErr
		} else if err != nil {
			return 0, false, err
		}

		current, err := strconv.ParseInt(string(item.Value), 10, 64)
		if err != nil {
			return 0, false, err
		}
		if current+amount > ceiling {
			return current, false, nil
		}

		item.Value = []byte(strconv.FormatInt(current+amount, 10))
		casErr := m.client.CompareAndSwap(item)
		if casErr == nil {
			return current + amount, true, nil
		}
		if errors.Is(casErr, memcache.ErrCASConflict) || errors.Is(casErr, memcache.ErrNotStored) {
			continue
		}
		return 0, false, casErr
	}

	return 0, false, errors.New("memcached CAS contention exceeded retry budget")
}

// Set overwrites a counter value
func (m *Memcached) Set(_ context.Context, key string, value int64, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	return m.client.Set(&memcache.Item{
		Key:        m.key(key),
		Value:      []byte(strconv.FormatInt(value, 10)),
		Expiration: expirationValue(expiration),
	})
}

// Delete removes a counter
func (m *Memcached) Delete(_ context.Context, key string) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	err := m.client.Delete(m.key(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return ErrNotFound
		}
		return err
	}

	return nil
}

// Expire sets an expiration time on a key
func (m *Memcached) Expire(_ context.Context, key string, expiration time.Duration) error {
	if !m.isConnected {
		return ErrNotConnected
	}

	for i := 0; i < casRetries; i++ {
		item, err := m.client.Get(m.key(key))
		if err != nil {
			if errors.Is(err, memcache.ErrCacheMiss) {
				return ErrNotFound
			}
			return err
		}

		item.Expiration = expirationValue(expiration)
		casErr := m.client.CompareAndSwap(item)
		if casErr == nil {
			return nil
		}
		if errors.Is(casErr, memcache.ErrCASConflict) {
			continue
		}
		if errors.Is(casErr, memcache.ErrNotStored) {
			return ErrNotFound
		}
		return casErr
	}

	return errors.New("memcached CAS contention exceeded retry budget")
}
