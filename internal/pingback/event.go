// Package pingback implements the callback processing core: caller
// authorization, event parsing, at-most-once admission and entitlement
// application for payment processor pingbacks.
package pingback

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/pingback/internal/idempotency"
	"github.com/onnwee/pingback/internal/validate"
)

var (
	// ErrUnauthorized is returned when the caller address is not allow-listed
	// for the current mode.
	ErrUnauthorized = errors.New("caller not authorized")

	// ErrVerificationFailed is returned when the authenticity check rejects
	// the payload.
	ErrVerificationFailed = errors.New("callback verification failed")

	// ErrNotDeliverable is returned for an authentic callback that the
	// processor does not consider payable.
	ErrNotDeliverable = errors.New("callback not deliverable")

	// ErrInvalidAccount is returned when the account ID is absent or malformed.
	ErrInvalidAccount = errors.New("invalid account id")

	// ErrMissingEventID is returned when the callback carries no event ID.
	ErrMissingEventID = errors.New("missing event id")

	// ErrEventInFlight is returned when another delivery of the same event
	// is still being applied. The processor is expected to redeliver.
	ErrEventInFlight = errors.New("event is being processed by another delivery")
)

// MaxAccountIDLength is the maximum allowed length for an account ID.
const MaxAccountIDLength = 128

// PurchasedKind is the raw kind value processors use for a completed purchase.
const PurchasedKind = 0

// Mode selects the allow-list and verification rules for a callback.
type Mode int

// Operating modes.
const (
	ModeLive Mode = iota
	ModeTest
)

// String returns "live" or "test".
func (m Mode) String() string {
	if m == ModeTest {
		return "test"
	}
	return "live"
}

// IncomingCallback is one raw inbound call. Payload is the raw query string
// or request body; Signature carries a header-borne signature when the
// processor signs the body.
type IncomingCallback struct {
	Payload    string
	Signature  string
	CallerIP   string
	ReceivedAt time.Time
}

// EventAttributes are the raw attributes a verifier extracted from an
// authentic payload.
type EventAttributes struct {
	Source    string
	Kind      string
	ProductID string
	AccountID string
	EventID   string
	Reference string
	TestMode  bool
}

// VerifiedEvent is a callback that passed verification. The zero value is
// not a verified event; values are built with NewVerifiedEvent.
type VerifiedEvent struct {
	attrs    EventAttributes
	verified bool
}

// NewVerifiedEvent wraps the attributes of a payload whose authenticity has
// been checked. Only Verifier implementations call it.
func NewVerifiedEvent(attrs EventAttributes) VerifiedEvent {
	return VerifiedEvent{attrs: attrs, verified: true}
}

// Verified reports whether the event was built through NewVerifiedEvent.
func (v VerifiedEvent) Verified() bool { return v.verified }

// Source returns the processor name.
func (v VerifiedEvent) Source() string { return v.attrs.Source }

// Kind returns the raw event kind.
func (v VerifiedEvent) Kind() string { return v.attrs.Kind }

// ProductID returns the raw product identifier.
func (v VerifiedEvent) ProductID() string { return v.attrs.ProductID }

// AccountID returns the raw account identifier.
func (v VerifiedEvent) AccountID() string { return v.attrs.AccountID }

// EventID returns the processor-assigned transaction identifier.
func (v VerifiedEvent) EventID() string { return v.attrs.EventID }

// Reference returns the processor reference, if any.
func (v VerifiedEvent) Reference() string { return v.attrs.Reference }

// TestMode reports whether the processor flagged the event as a test.
func (v VerifiedEvent) TestMode() bool { return v.attrs.TestMode }

// EventKind classifies a parsed event.
type EventKind int

// Event kinds.
const (
	KindOther EventKind = iota
	KindProductPurchased
)

// String returns the kind as an upper-case word.
func (k EventKind) String() string {
	if k == KindProductPurchased {
		return "PRODUCT_PURCHASED"
	}
	return "OTHER"
}

// Event is the normalized domain event.
type Event struct {
	Source    string
	Kind      EventKind
	RawKind   string
	ProductID string
	AccountID string
	EventID   string
	Reference string
	TestMode  bool
}

// ParseEvent normalizes a verified event. The kind is compared as an integer
// against PurchasedKind; an empty or non-numeric kind is KindOther. The
// product ID is kept as an opaque key and is never rejected here.
func ParseEvent(v VerifiedEvent) (Event, error) {
	if !v.Verified() {
		return Event{}, fmt.Errorf("%w: event was not produced by a verifier", ErrVerificationFailed)
	}

	eventID := strings.TrimSpace(v.EventID())
	if eventID == "" {
		return Event{}, ErrMissingEventID
	}
	if err := idempotency.ValidateEventID(eventID); err != nil {
		return Event{}, err
	}

	accountID, err := normalizeAccountID(v.AccountID())
	if err != nil {
		return Event{}, err
	}

	kind := KindOther
	if n, err := strconv.Atoi(strings.TrimSpace(v.Kind())); err == nil && n == PurchasedKind {
		kind = KindProductPurchased
	}

	return Event{
		Source:    v.Source(),
		Kind:      kind,
		RawKind:   v.Kind(),
		ProductID: v.ProductID(),
		AccountID: accountID,
		EventID:   eventID,
		Reference: v.Reference(),
		TestMode:  v.TestMode(),
	}, nil
}

func normalizeAccountID(raw string) (string, error) {
	id, err := validate.Identifier(raw, MaxAccountIDLength)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAccount, err)
	}
	return id, nil
}

// VerificationError describes a rejected callback. Err is ErrVerificationFailed
// or ErrNotDeliverable. Kind holds the best-effort event kind read from the
// payload, for logging.
type VerificationError struct {
	Err     error
	Kind    string
	Summary string
}

func (e *VerificationError) Error() string {
	if e.Summary == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Summary)
}

func (e *VerificationError) Unwrap() error {
	return e.Err
}
