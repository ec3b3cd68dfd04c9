package account

import (
	"context"
	"sync"
	"time"
)

// InMemoryStore implements Store with in-memory storage.
// Updates of one account are serialized by a per-account mutex; updates of
// different accounts proceed in parallel.
type InMemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	locks    map[string]*sync.Mutex
}

// NewInMemoryStore creates a new in-memory account store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		accounts: make(map[string]*Account),
		locks:    make(map[string]*sync.Mutex),
	}
}

// Create inserts a new account.
func (s *InMemoryStore) Create(ctx context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.accounts[a.ID]; exists {
		return ErrAccountExists
	}
	if a.Tier == "" {
		a.Tier = TierNone
	}
	if !a.Tier.Valid() {
		return ErrInvalidTier
	}
	if a.Credit < 0 {
		return ErrNegativeCredit
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = time.Now().UTC()
	}

	copied := *a
	s.accounts[a.ID] = &copied
	s.locks[a.ID] = &sync.Mutex{}
	return nil
}

// Find returns a copy of the account.
func (s *InMemoryStore) Find(ctx context.Context, id string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *a
	return &copied, nil
}

// Update applies fn to a working copy under the account's lock and stores the
// copy only if fn succeeds.
func (s *InMemoryStore) Update(ctx context.Context, id string, fn MutateFunc) (*Account, error) {
	s.mu.RLock()
	lock, ok := s.locks[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	working := *s.accounts[id]
	s.mu.RUnlock()

	if err := fn(&working); err != nil {
		return nil, err
	}
	if working.Credit < 0 {
		return nil, ErrNegativeCredit
	}
	working.ID = id
	working.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	stored := working
	s.accounts[id] = &stored
	s.mu.Unlock()

	result := working
	return &result, nil
}
