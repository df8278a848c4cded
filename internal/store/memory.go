package store

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 64

// entry is a counter with an optional expiration
type entry struct {
	value      int64
	expiration int64 // Unix timestamp in nanoseconds, 0 = never
}

// shard owns a slice of the keyspace so concurrent callers on different keys
// never contend on the same lock.
type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Memory implements the Counters interface in process memory using striped
// locks. Suitable for single-node deployments and tests.
type Memory struct {
	config    Config
	shards    [shardCount]*shard
	connected bool
	mu        sync.RWMutex
	janitor   *time.Ticker
	stopChan  chan struct{}
}

// NewMemory creates a new in-memory counter store
func NewMemory(config Config) *Memory {
	m := &Memory{config: config}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]entry)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return m.shards[h.Sum32()%shardCount]
}

// Connect initializes the store and starts the expiry janitor
func (m *Memory) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.connected {
		return nil
	}

	m.janitor = time.NewTicker(time.Minute)
	m.stopChan = make(chan struct{})

	go func() {
		for {
			select {
			case <-m.janitor.C:
				m.deleteExpired()
			case <-m.stopChan:
				m.janitor.Stop()
				return
			}
		}
	}()

	m.connected = true
	return nil
}

// Close stops the janitor and clears all counters
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return nil
	}

	close(m.stopChan)
	for _, s := range m.shards {
		s.mu.Lock()
		s.entries = make(map[string]entry)
		s.mu.Unlock()
	}
	m.connected = false
	return nil
}

// IsConnected returns true if the store is connected
func (m *Memory) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.connected
}

// Type returns the backend type
func (m *Memory) Type() string {
	return "memory"
}

// Get retrieves a counter value; missing or expired keys read as 0
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found || expired(e) {
		return 0, nil
	}
	return e.value, nil
}

// IncrBy atomically adds amount to a counter
func (m *Memory) IncrBy(_ context.Context, key string, amount int64) (int64, error) {
	if !m.IsConnected() {
		return 0, ErrNotConnected
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found || expired(e) {
		e = entry{}
	}
	e.value += amount
	s.entries[key] = e
	return e.value, nil
}

// IncrWithCeiling atomically adds amount only if the result stays at or below
// ceiling. The shard lock makes the check and the increment one operation.
func (m *Memory) IncrWithCeiling(_ context.Context, key string, amount, ceiling int64) (int64, bool, error) {
	if !m.IsConnected() {
		return 0, false, ErrNotConnected
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found || expired(e) {
		e = entry{}
	}
	if e.value+amount > ceiling {
		return e.value, false, nil
	}
	e.value += amount
	s.entries[key] = e
	return e.value, true, nil
}

// Set overwrites a counter value
func (m *Memory) Set(_ context.Context, key string, value int64, expiration time.Duration) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = entry{value: value, expiration: exp}
	return nil
}

// Delete removes a counter
func (m *Memory) Delete(_ context.Context, key string) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, found := s.entries[key]; !found {
		return ErrNotFound
	}
	delete(s.entries, key)
	return nil
}

// Expire sets an expiration time on a key
func (m *Memory) Expire(_ context.Context, key string, expiration time.Duration) error {
	if !m.IsConnected() {
		return ErrNotConnected
	}

	s := m.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.entries[key]
	if !found || expired(e) {
		return ErrNotFound
	}

	var exp int64
	if expiration > 0 {
		exp = time.Now().Add(expiration).UnixNano()
	}
	e.expiration = exp
	s.entries[key] = e
	return nil
}

func expired(e entry) bool {
	return e.expiration > 0 && time.Now().UnixNano() > e.expiration
}

// deleteExpired removes expired counters from all shards
func (m *Memory) deleteExpired() {
	now := time.Now().UnixNano()
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if e.expiration > 0 && now > e.expiration {
				delete(s.entries, k)
			}
		}
		s.mu.Unlock()
	}
}
