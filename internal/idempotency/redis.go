package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRepository stores records as JSON values under pingback:event:<id>.
// Admission is a single SET NX, which Redis executes atomically. Commit and
// Release rewrite the record inside a WATCH transaction so that a committed
// record is never removed. Keys carry no expiry since records are kept forever.
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository creates a new RedisRepository.
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
	}
}

// Admit stores rec as pending unless a record for rec.EventID already exists.
func (r *RedisRepository) Admit(ctx context.Context, rec Record) (Admission, error) {
	if err := ValidateEventID(rec.EventID); err != nil {
		return 0, err
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now().UTC()
	}
	rec.State = StatePending

	payload, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode processed event: %w", err)
	}

	stored, err := r.client.SetNX(ctx, storageKey(rec.EventID), payload, 0).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to store processed event: %w", err)
	}
	if stored {
		return Admitted, nil
	}

	existing, err := loadRecord(ctx, r.client, rec.EventID)
	if errors.Is(err, ErrRecordNotFound) {
		// Released between the two calls; the processor will redeliver.
		return InFlight, nil
	}
	if err != nil {
		return 0, err
	}
	return admissionFor(existing.State), nil
}

// Commit marks a pending record as committed.
func (r *RedisRepository) Commit(ctx context.Context, eventID string) error {
	key := storageKey(eventID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := loadRecord(ctx, tx, eventID)
		if err != nil {
			return err
		}
		rec.State = StateCommitted
		payload, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode processed event: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return fmt.Errorf("failed to commit processed event: %w", err)
	}
	return err
}

// Release deletes a pending record whose application failed. Committed
// records and unknown events are left alone.
func (r *RedisRepository) Release(ctx context.Context, eventID string) error {
	key := storageKey(eventID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		rec, err := loadRecord(ctx, tx, eventID)
		if errors.Is(err, ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if rec.State != StatePending {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return fmt.Errorf("failed to release processed event: %w", err)
	}
	return nil
}

// Get returns the record for an event.
func (r *RedisRepository) Get(ctx context.Context, eventID string) (*Record, error) {
	return loadRecord(ctx, r.client, eventID)
}

func loadRecord(ctx context.Context, c redis.Cmdable, eventID string) (*Record, error) {
	payload, err := c.Get(ctx, storageKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load processed event: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode processed event: %w", err)
	}
	return &rec, nil
}
