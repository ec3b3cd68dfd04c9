// Package account provides the account model and stores used to apply
// purchased entitlements (credit balance and account tier).
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tier is the account tier granted by a purchase.
type Tier string

// Account tiers. TierNone is the tier of an account that never bought one.
const (
	TierNone    Tier = "NONE"
	TierStarter Tier = "STARTER"
	TierActive  Tier = "ACTIVE"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("account not found")

	// ErrAccountExists is returned when creating an account whose ID is taken.
	ErrAccountExists = errors.New("account already exists")

	// ErrInvalidTier is returned for a tier outside NONE, STARTER and ACTIVE.
	ErrInvalidTier = errors.New("invalid account tier")

	// ErrNegativeCredit is returned when a mutation would leave a negative balance.
	ErrNegativeCredit = errors.New("account credit cannot be negative")
)

// ParseTier converts a string to a Tier. Matching is case-insensitive.
// An empty string parses as TierNone.
func ParseTier(s string) (Tier, error) {
	switch Tier(strings.ToUpper(strings.TrimSpace(s))) {
	case "", TierNone:
		return TierNone, nil
	case TierStarter:
		return TierStarter, nil
	case TierActive:
		return TierActive, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t == TierNone || t == TierStarter || t == TierActive
}

// Account is the slice of a user record that entitlements touch.
type Account struct {
	ID        string    `json:"id"`
	Credit    int64     `json:"credit"`
	Tier      Tier      `json:"tier"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AddCredit adds amount to the balance. The result must stay non-negative.
func (a *Account) AddCredit(amount int64) error {
	if a.Credit+amount < 0 {
		return ErrNegativeCredit
	}
	a.Credit += amount
	return nil
}

// SetTier changes the account tier.
func (a *Account) SetTier(t Tier) error {
	if !t.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, t)
	}
	a.Tier = t
	return nil
}

// MutateFunc changes an account in place during an atomic update.
// Returning an error aborts the update and leaves the stored account untouched.
type MutateFunc func(a *Account) error

// Store defines account persistence. Update is an atomic read-modify-write:
// concurrent updates of the same account are serialized so that no change is lost.
type Store interface {
	// Find returns a copy of the account. Returns ErrNotFound if it does not exist.
	Find(ctx context.Context, id string) (*Account, error)

	// Update loads the account, applies fn and writes the result back as one unit.
	// Returns the updated account, ErrNotFound if it does not exist, or the error from fn.
	Update(ctx context.Context, id string, fn MutateFunc) (*Account, error)

	// Create inserts a new account. Returns ErrAccountExists if the ID is taken.
	Create(ctx context.Context, a *Account) error
}
