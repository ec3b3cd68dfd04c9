package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Writer appends audit records.
type Writer interface {
	// Append stores an entry and returns the created record.
	Append(ctx context.Context, entry Entry) (*Log, error)
}

// InMemoryRepository is an in-memory Writer. Records are hash-chained in
// insertion order. Thread-safe via RWMutex.
type InMemoryRepository struct {
	mu   sync.RWMutex
	logs []*Log
}

// NewInMemoryRepository creates a new in-memory audit repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{}
}

// Append records an entry.
func (r *InMemoryRepository) Append(ctx context.Context, entry Entry) (*Log, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := &Log{
		ID:        uuid.New().String(),
		Entry:     entry,
		CreatedAt: time.Now().UTC(),
	}
	if n := len(r.logs); n > 0 {
		log.PreviousHash = r.logs[n-1].Hash()
	}
	r.logs = append(r.logs, log)

	logCopy := *log
	return &logCopy, nil
}

// All returns every record in insertion order.
func (r *InMemoryRepository) All() []*Log {
	r.mu.RLock()
	defer r.mu.RUnlock()

	results := make([]*Log, len(r.logs))
	for i, l := range r.logs {
		logCopy := *l
		results[i] = &logCopy
	}
	return results
}
