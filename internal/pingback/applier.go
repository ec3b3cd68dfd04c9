package pingback

import (
	"context"
	"errors"

	"github.com/onnwee/pingback/internal/account"
	"github.com/onnwee/pingback/internal/catalog"
	"github.com/onnwee/pingback/internal/idempotency"
)

// Reasons an event is accepted without changing the account.
const (
	ReasonNotPurchase    = "event kind is not a purchase"
	ReasonUnknownProduct = "unknown product"
)

// Effect is the planned account change for an event.
type Effect struct {
	Outcome   idempotency.Outcome
	ProductID string
	Credit    int64
	Tier      account.Tier // empty when the product grants no tier
	Reason    string       // set when Outcome is OutcomeNotHandled
}

// Handled reports whether the effect changes the account.
func (e Effect) Handled() bool {
	return e.Outcome == idempotency.OutcomeApplied
}

// Mutation returns the account change for an applied effect, or nil.
func (e Effect) Mutation() account.MutateFunc {
	if !e.Handled() {
		return nil
	}
	return func(a *account.Account) error {
		if err := a.AddCredit(e.Credit); err != nil {
			return err
		}
		if e.Tier != "" {
			return a.SetTier(e.Tier)
		}
		return nil
	}
}

// Applier maps purchases to account changes through the product catalog.
type Applier struct {
	catalog *catalog.Catalog
	store   account.Store
}

// NewApplier returns an Applier over c that writes to store.
func NewApplier(c *catalog.Catalog, store account.Store) (*Applier, error) {
	if c == nil {
		return nil, errors.New("catalog cannot be nil")
	}
	if store == nil {
		return nil, errors.New("account store cannot be nil")
	}
	return &Applier{catalog: c, store: store}, nil
}

// Plan computes the effect of ev without touching the store. Only purchases
// of catalog products are applied; everything else is OutcomeNotHandled.
func (ap *Applier) Plan(ev Event) Effect {
	eff := Effect{Outcome: idempotency.OutcomeNotHandled, ProductID: ev.ProductID}

	if ev.Kind != KindProductPurchased {
		eff.Reason = ReasonNotPurchase
		return eff
	}

	entry, ok := ap.catalog.Lookup(ev.ProductID)
	if !ok {
		eff.Reason = ReasonUnknownProduct
		return eff
	}

	eff.Outcome = idempotency.OutcomeApplied
	eff.Credit = entry.Credit()
	if entry.GrantsTier() {
		eff.Tier = entry.Tier
	}
	return eff
}

// Apply writes an applied effect to the account as one atomic update.
// Effects that are not handled are a no-op. account.ErrNotFound propagates.
func (ap *Applier) Apply(ctx context.Context, accountID string, eff Effect) (*account.Account, error) {
	fn := eff.Mutation()
	if fn == nil {
		return nil, nil
	}
	return ap.store.Update(ctx, accountID, fn)
}
