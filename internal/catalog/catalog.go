// Package catalog holds the product catalog: the static mapping from a
// processor product identifier to the entitlement it grants.
package catalog

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/onnwee/pingback/internal/account"
)

// Product identifiers sold through the processor.
const (
	ProductStarterAccount = "starter_account_paymentwall"
	ProductActiveAccount  = "active_account_paymentwall"
	ProductCustomCredit1  = "custom_credit1"
)

var (
	// ErrEmptyProductID is returned for an entry without an identifier.
	ErrEmptyProductID = errors.New("product id cannot be empty")

	// ErrDuplicateProduct is returned when two entries share an identifier.
	ErrDuplicateProduct = errors.New("duplicate product id")

	// ErrInvalidPrice is returned for a negative, NaN or infinite price.
	ErrInvalidPrice = errors.New("product price must be a finite non-negative number")
)

// Entry maps one product to its effect. An empty Tier means the purchase only
// adds credit and leaves the account tier alone.
type Entry struct {
	ID    string       `koanf:"id" json:"id"`
	Price float64      `koanf:"price" json:"price"`
	Tier  account.Tier `koanf:"tier" json:"tier,omitempty"`
}

// Credit returns the price rounded half away from zero toward +Inf, the
// amount of credit one purchase grants.
func (e Entry) Credit() int64 {
	return int64(math.Floor(e.Price + 0.5))
}

// GrantsTier reports whether buying this product changes the account tier.
func (e Entry) GrantsTier() bool {
	return e.Tier != ""
}

// Catalog is an immutable set of entries, built once at startup.
// It is safe for concurrent use.
type Catalog struct {
	entries map[string]Entry
}

// New validates entries and builds a catalog from them.
func New(entries []Entry) (*Catalog, error) {
	c := &Catalog{entries: make(map[string]Entry, len(entries))}
	for _, e := range entries {
		e.ID = strings.TrimSpace(e.ID)
		if e.ID == "" {
			return nil, ErrEmptyProductID
		}
		if _, exists := c.entries[e.ID]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateProduct, e.ID)
		}
		if math.IsNaN(e.Price) || math.IsInf(e.Price, 0) || e.Price < 0 {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPrice, e.ID)
		}
		if e.Tier != "" {
			tier, err := account.ParseTier(string(e.Tier))
			if err != nil {
				return nil, fmt.Errorf("product %s: %w", e.ID, err)
			}
			e.Tier = tier
		}
		c.entries[e.ID] = e
	}
	return c, nil
}

// Default builds the catalog of the three products the service was built for.
func Default(starterPrice, activePrice, customCreditPrice float64) (*Catalog, error) {
	return New([]Entry{
		{ID: ProductStarterAccount, Price: starterPrice, Tier: account.TierStarter},
		{ID: ProductActiveAccount, Price: activePrice, Tier: account.TierActive},
		{ID: ProductCustomCredit1, Price: customCreditPrice},
	})
}

// Lookup returns the entry for a product. Unknown products report false.
func (c *Catalog) Lookup(id string) (Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// Len returns the number of products.
func (c *Catalog) Len() int {
	return len(c.entries)
}

// IDs returns the product identifiers in sorted order.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
