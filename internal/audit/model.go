// Package audit provides the append-only audit trail of every callback the
// service processed or rejected.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Status is the processing verdict recorded for a callback.
type Status string

// Audit statuses.
const (
	// StatusValidated marks a verified callback that was admitted and handled.
	StatusValidated Status = "validated"

	// StatusUnvalidated marks a callback rejected by verification or parsing.
	StatusUnvalidated Status = "unvalidated"

	// StatusDuplicate marks a redelivery of an already processed event.
	StatusDuplicate Status = "duplicate"

	// StatusFailed marks a verified callback whose entitlement could not be applied.
	StatusFailed Status = "failed"
)

// Entry is the input for one audit record.
type Entry struct {
	Source    string
	Status    Status
	EventID   string
	AccountID string
	ProductID string
	Kind      string // raw event kind as sent by the processor
	Handled   bool
	Outcome   string
	Credit    int64
	TestMode  bool
	Payload   string
	Reason    string

	// Optional metadata
	RequestID string
	IPAddress string
}

// Log is a stored audit record.
type Log struct {
	ID string
	Entry
	CreatedAt time.Time

	// Tamper detection
	PreviousHash string // SHA-256 hash of previous log entry
}

// Hash returns the SHA-256 digest of the record, chained into the next
// record's PreviousHash.
func (l *Log) Hash() string {
	data := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s|%t|%s|%d|%t|%s|%s|%s|%s|%s|%s",
		l.ID, l.Source, l.Status, l.EventID, l.AccountID, l.ProductID, l.Kind,
		l.Handled, l.Outcome, l.Credit, l.TestMode, l.Payload, l.Reason,
		l.RequestID, l.IPAddress, l.CreatedAt.UTC().Format(time.RFC3339Nano), l.PreviousHash)
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}
