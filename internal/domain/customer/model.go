package customer

import (
	"time"

	"github.com/flexprice/billingengine/internal/types"
)

// Customer is the billed party. Its timezone drives every boundary computation.
type Customer struct {
	ID         string `db:"id" json:"id"`
	ExternalID string `db:"external_id" json:"external_id"`
	Name       string `db:"name" json:"name"`
	Currency   string `db:"currency" json:"currency"`

	// Timezone is an IANA name; empty means the configured default
	Timezone string `db:"timezone" json:"timezone"`

	// InvoiceGracePeriodDays overrides the configured grace period when set
	InvoiceGracePeriodDays *int `db:"invoice_grace_period_days" json:"invoice_grace_period_days"`

	TaxCodes     []string `db:"-" json:"tax_codes"`
	Jurisdiction string   `db:"jurisdiction" json:"jurisdiction"`

	types.BaseModel
}

// Location resolves the customer timezone, falling back to def
func (c *Customer) Location(def *time.Location) *time.Location {
	if c == nil || c.Timezone == "" {
		return def
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return def
	}
	return loc
}

// GracePeriodDays returns the customer grace period or def
func (c *Customer) GracePeriodDays(def int) int {
	if c == nil || c.InvoiceGracePeriodDays == nil {
		return def
	}
	return *c.InvoiceGracePeriodDays
}
