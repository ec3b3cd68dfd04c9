// Package idempotency stores processed-event records: one marker per processor
// transaction, used to make callback delivery at-most-once per event.
package idempotency

import (
	"errors"
	"strings"
	"time"
)

// Outcome is what applying an admitted event did to the account.
type Outcome string

// Outcomes recorded for admitted events.
const (
	// OutcomeApplied means the entitlement was applied to the account.
	OutcomeApplied Outcome = "applied"

	// OutcomeNotHandled means the event was accepted but changed nothing
	// (unknown product, or an event kind other than a purchase).
	OutcomeNotHandled Outcome = "not_handled"
)

// State is the lifecycle stage of a record. An admitted event is pending
// until its entitlement is applied and the record is committed.
type State string

// Record states.
const (
	StatePending   State = "pending"
	StateCommitted State = "committed"
)

// Admission is the result of an admission attempt.
type Admission int

// Admission results. Admitted means the caller now holds the pending record
// and must Commit or Release it. Duplicate means the event was committed
// earlier. InFlight means another delivery holds the pending record.
const (
	Admitted Admission = iota + 1
	Duplicate
	InFlight
)

// String returns the admission as a lowercase word.
func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case Duplicate:
		return "duplicate"
	case InFlight:
		return "in_flight"
	}
	return "unknown"
}

// admissionFor maps the state of an existing record to an admission result.
// Records written before states existed carry no state and count as committed.
func admissionFor(s State) Admission {
	if s == StatePending {
		return InFlight
	}
	return Duplicate
}

var (
	// ErrRecordNotFound is returned when no record exists for an event ID.
	ErrRecordNotFound = errors.New("processed event record not found")

	// ErrInvalidEventID is returned when the event ID is empty.
	ErrInvalidEventID = errors.New("invalid event id")

	// ErrEventIDTooLong is returned when the event ID exceeds MaxEventIDLength.
	ErrEventIDTooLong = errors.New("event id exceeds maximum length of 128 characters")
)

// MaxEventIDLength is the maximum allowed length for an event ID.
const MaxEventIDLength = 128

// keyPrefix namespaces records in shared key-value stores.
const keyPrefix = "pingback:event:"

// Record marks one processor event as processed. There is at most one record
// per EventID. A committed record is never modified or removed.
type Record struct {
	EventID     string    `json:"event_id"`
	AccountID   string    `json:"account_id"`
	Source      string    `json:"source"`
	Outcome     Outcome   `json:"outcome"`
	State       State     `json:"state"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ValidateEventID checks that an event ID can be used as a record key.
func ValidateEventID(eventID string) error {
	if strings.TrimSpace(eventID) == "" {
		return ErrInvalidEventID
	}
	if len(eventID) > MaxEventIDLength {
		return ErrEventIDTooLong
	}
	return nil
}

// storageKey returns the key-value store key for an event ID.
func storageKey(eventID string) string {
	return keyPrefix + eventID
}
