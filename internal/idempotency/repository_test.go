package idempotency

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestInMemoryRepository_Admit(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	rec := Record{EventID: "tx1", AccountID: "user-1", Source: "paymentwall", Outcome: OutcomeApplied}

	adm, err := repo.Admit(ctx, rec)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if adm != Admitted {
		t.Fatalf("expected Admitted, got %s", adm)
	}

	stored, err := repo.Get(ctx, "tx1")
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if stored.AccountID != "user-1" || stored.Outcome != OutcomeApplied {
		t.Errorf("unexpected stored record: %+v", stored)
	}
	if stored.ProcessedAt.IsZero() {
		t.Error("expected ProcessedAt to be set")
	}
	if stored.State != StatePending {
		t.Errorf("expected pending record before commit, got %q", stored.State)
	}

	if err := repo.Commit(ctx, "tx1"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if stored, _ = repo.Get(ctx, "tx1"); stored.State != StateCommitted {
		t.Errorf("expected committed record, got %q", stored.State)
	}
	if err := repo.Commit(ctx, "never-seen"); err != ErrRecordNotFound {
		t.Errorf("expected ErrRecordNotFound committing unknown event, got %v", err)
	}
}

func TestInMemoryRepository_Duplicate(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	first := Record{EventID: "tx1", AccountID: "user-1", Outcome: OutcomeApplied}
	if _, err := repo.Admit(ctx, first); err != nil {
		t.Fatalf("first admit failed: %v", err)
	}
	if err := repo.Commit(ctx, "tx1"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}

	// A redelivery must not overwrite the original record
	second := Record{EventID: "tx1", AccountID: "user-2", Outcome: OutcomeNotHandled}
	adm, err := repo.Admit(ctx, second)
	if err != nil {
		t.Fatalf("second admit failed: %v", err)
	}
	if adm != Duplicate {
		t.Errorf("expected Duplicate, got %s", adm)
	}

	stored, _ := repo.Get(ctx, "tx1")
	if stored.AccountID != "user-1" {
		t.Errorf("record was modified by a duplicate: %+v", stored)
	}
}

func TestInMemoryRepository_InvalidEventID(t *testing.T) {
	repo := NewInMemoryRepository()

	if _, err := repo.Admit(context.Background(), Record{}); err != ErrInvalidEventID {
		t.Errorf("expected ErrInvalidEventID, got %v", err)
	}
}

func TestInMemoryRepository_Release(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	_, _ = repo.Admit(ctx, Record{EventID: "tx1"})
	if err := repo.Release(ctx, "tx1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if _, err := repo.Get(ctx, "tx1"); err != ErrRecordNotFound {
		t.Errorf("expected ErrRecordNotFound after release, got %v", err)
	}

	adm, _ := repo.Admit(ctx, Record{EventID: "tx1"})
	if adm != Admitted {
		t.Errorf("expected released event to be admitted again, got %s", adm)
	}

	if err := repo.Release(ctx, "never-seen"); err != nil {
		t.Errorf("releasing unknown event should be a no-op, got %v", err)
	}
}

func TestInMemoryRepository_PendingIsInFlight(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	if adm, _ := repo.Admit(ctx, Record{EventID: "tx1"}); adm != Admitted {
		t.Fatalf("expected Admitted, got %s", adm)
	}

	// A redelivery while the first is being applied must not look processed
	if adm, _ := repo.Admit(ctx, Record{EventID: "tx1"}); adm != InFlight {
		t.Errorf("expected InFlight while pending, got %s", adm)
	}

	if err := repo.Commit(ctx, "tx1"); err != nil {
		t.Fatalf("commit failed: %v", err)
	}
	if adm, _ := repo.Admit(ctx, Record{EventID: "tx1"}); adm != Duplicate {
		t.Errorf("expected Duplicate after commit, got %s", adm)
	}

	// Release never removes a committed record
	if err := repo.Release(ctx, "tx1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if stored, err := repo.Get(ctx, "tx1"); err != nil || stored.State != StateCommitted {
		t.Errorf("committed record was released: %+v, %v", stored, err)
	}
}

// TestInMemoryRepository_ConcurrentAdmitSameEvent races many admissions of one
// event and checks that exactly one wins.
func TestInMemoryRepository_ConcurrentAdmitSameEvent(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	const numGoroutines = 50

	var admitted, inFlight int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	start := make(chan struct{})
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			<-start
			adm, err := repo.Admit(ctx, Record{EventID: "tx-race", AccountID: "user-1"})
			if err != nil {
				t.Errorf("admit failed: %v", err)
				return
			}
			switch adm {
			case Admitted:
				atomic.AddInt32(&admitted, 1)
			case InFlight:
				atomic.AddInt32(&inFlight, 1)
			}
		}()
	}
	close(start)
	wg.Wait()

	if admitted != 1 {
		t.Errorf("expected exactly 1 admission, got %d", admitted)
	}
	if inFlight != numGoroutines-1 {
		t.Errorf("expected %d in-flight results, got %d", numGoroutines-1, inFlight)
	}
}

func TestInMemoryRepository_ConcurrentDistinctEvents(t *testing.T) {
	repo := NewInMemoryRepository()
	ctx := context.Background()

	const numGoroutines = 20
	const numEventsPerGoroutine = 10

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(goroutineID int) {
			defer wg.Done()
			for j := 0; j < numEventsPerGoroutine; j++ {
				eventID := fmt.Sprintf("tx_%d_%d", goroutineID, j)
				if adm, err := repo.Admit(ctx, Record{EventID: eventID}); err != nil || adm != Admitted {
					t.Errorf("goroutine %d failed to admit %s: %v %s", goroutineID, eventID, err, adm)
				}
			}
		}(i)
	}
	wg.Wait()

	if got := repo.Len(); got != numGoroutines*numEventsPerGoroutine {
		t.Errorf("expected %d records, got %d", numGoroutines*numEventsPerGoroutine, got)
	}
}
