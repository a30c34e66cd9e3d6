package creditnote

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

// CreditNote credits back part of a finalized invoice. Its balance is applied to later invoices.
type CreditNote struct {
	ID           string                 `db:"id" json:"id"`
	Number       string                 `db:"number" json:"number"`
	InvoiceID    string                 `db:"invoice_id" json:"invoice_id"`
	CustomerID   string                 `db:"customer_id" json:"customer_id"`
	Reason       types.CreditNoteReason `db:"reason" json:"reason"`
	CreditStatus types.CreditNoteStatus `db:"credit_status" json:"credit_status"`

	CreditAmountCents  decimal.Decimal `db:"credit_amount_cents" json:"credit_amount_cents"`
	TaxesAmountCents   decimal.Decimal `db:"taxes_amount_cents" json:"taxes_amount_cents"`
	TotalAmountCents   decimal.Decimal `db:"total_amount_cents" json:"total_amount_cents"`
	BalanceAmountCents decimal.Decimal `db:"balance_amount_cents" json:"balance_amount_cents"`

	Items []*Item `db:"-" json:"items"`

	IssuingDate time.Time  `db:"issuing_date" json:"issuing_date"`
	VoidedAt    *time.Time `db:"voided_at" json:"voided_at"`

	types.BaseModel
}

// Item credits a portion of one fee
type Item struct {
	ID          string          `db:"id" json:"id"`
	FeeID       string          `db:"fee_id" json:"fee_id"`
	AmountCents decimal.Decimal `db:"amount_cents" json:"amount_cents"`
}

type Repository interface {
	Create(ctx context.Context, cn *CreditNote) error
	Get(ctx context.Context, id string) (*CreditNote, error)
	Update(ctx context.Context, cn *CreditNote) error
	// ListAvailable returns credit notes of a customer with a positive balance, oldest first
	ListAvailable(ctx context.Context, customerID string) ([]*CreditNote, error)
	ListByInvoice(ctx context.Context, invoiceID string) ([]*CreditNote, error)
}
