package store

import (
	"context"
	"strings"
	"sync"
	"time"
)

// SendingAccount is the identity a tenant dispatches mail through. All of its
// counters are mutated through Accounts.Update so a read-modify-write is
// atomic per account.
type SendingAccount struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Address       string    `json:"address"`
	ProviderClass string    `json:"provider_class"`
	CreatedAt     time.Time `json:"created_at"`
	Active        bool      `json:"active"`

	// Warmup state
	WarmupStage int   `json:"warmup_stage"` // 0 = not started
	WarmupSent  int64 `json:"warmup_sent"`  // cumulative warmup sends

	// Daily send accounting
	DailySent    int64     `json:"daily_sent"`
	LastSentDate time.Time `json:"last_sent_date"`

	// Rolling engagement rates (exponential moving average)
	OpenRate  float64 `json:"open_rate"`
	ReplyRate float64 `json:"reply_rate"`
}

// Domain returns the domain part of the account's address.
func (a *SendingAccount) Domain() string {
	if at := strings.LastIndex(a.Address, "@"); at >= 0 {
		return strings.ToLower(a.Address[at+1:])
	}
	return ""
}

// Accounts is the narrow record interface the engine consumes. A persistent
// implementation is the embedding application's concern; the engine only
// needs Get, List-by-tenant, Put, and an atomic Update.
type Accounts interface {
	// Get returns the account with the given id, or ErrNotFound
	Get(ctx context.Context, id string) (*SendingAccount, error)

	// ListByTenant returns every account owned by a tenant
	ListByTenant(ctx context.Context, tenantID string) ([]*SendingAccount, error)

	// Put creates or replaces an account record
	Put(ctx context.Context, account *SendingAccount) error

	// Update applies mutate to the account under a per-account lock. The
	// callback receives a copy; returning an error abandons the write.
	Update(ctx context.Context, id string, mutate func(*SendingAccount) error) (*SendingAccount, error)
}

// MemoryAccounts implements Accounts in process memory with per-account
// locking.
type MemoryAccounts struct {
	mu       sync.RWMutex
	accounts map[string]*SendingAccount
	locks    map[string]*sync.Mutex
}

// NewMemoryAccounts creates an empty in-memory account store
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{
		accounts: make(map[string]*SendingAccount),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (s *MemoryAccounts) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Get returns a copy of the account with the given id
func (s *MemoryAccounts) Get(_ context.Context, id string) (*SendingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ListByTenant returns copies of every account owned by a tenant
func (s *MemoryAccounts) ListByTenant(_ context.Context, tenantID string) ([]*SendingAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SendingAccount
	for _, a := range s.accounts {
		if a.TenantID == tenantID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Put creates or replaces an account record
func (s *MemoryAccounts) Put(_ context.Context, account *SendingAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

// Update applies mutate under the account's lock
func (s *MemoryAccounts) Update(ctx context.Context, id string, mutate func(*SendingAccount) error) (*SendingAccount, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	a, ok := s.accounts[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	cp := *a
	if err := mutate(&cp); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.accounts[id] = &cp
	s.mu.Unlock()

	out := cp
	return &out, nil
}
