package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository implements admission with in-memory storage.
// Admit is a single check-and-insert under one lock, so of two racing
// admissions for the same event exactly one wins.
type InMemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewInMemoryRepository creates a new in-memory processed-event repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		records: make(map[string]*Record),
	}
}

// Admit stores rec as pending unless a record for rec.EventID already exists.
func (r *InMemoryRepository) Admit(ctx context.Context, rec Record) (Admission, error) {
	if err := ValidateEventID(rec.EventID); err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[rec.EventID]; ok {
		return admissionFor(existing.State), nil
	}

	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	rec.State = StatePending
	stored := rec
	r.records[rec.EventID] = &stored

	return Admitted, nil
}

// Commit marks a pending record as committed.
func (r *InMemoryRepository) Commit(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[eventID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.State = StateCommitted
	return nil
}

// Release removes a pending record whose application failed. Committed
// records and unknown events are left alone.
func (r *InMemoryRepository) Release(ctx context.Context, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[eventID]; ok && rec.State == StatePending {
		delete(r.records, eventID)
	}
	return nil
}

// Get returns a copy of the record for an event.
func (r *InMemoryRepository) Get(ctx context.Context, eventID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[eventID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	copied := *rec
	return &copied, nil
}

// Len returns the number of stored records.
func (r *InMemoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
