package wallet

import (
	"time"

	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

// Transaction is a wallet ledger entry
type Transaction struct {
	ID                string                  `db:"id" json:"id"`
	WalletID          string                  `db:"wallet_id" json:"wallet_id"`
	TransactionType   types.TransactionType   `db:"transaction_type" json:"transaction_type"`
	TransactionStatus types.TransactionStatus `db:"transaction_status" json:"transaction_status"`
	Status            types.WalletTxStatus    `db:"tx_status" json:"status"`
	Source            types.TransactionSource `db:"source" json:"source"`

	// Amount is in currency, CreditAmount in wallet credits
	Amount       decimal.Decimal `db:"amount" json:"amount"`
	CreditAmount decimal.Decimal `db:"credit_amount" json:"credit_amount"`
	AmountCents  decimal.Decimal `db:"amount_cents" json:"amount_cents"`

	// RemainingAmountCents is tracked for inbound transactions of traceable wallets
	RemainingAmountCents *decimal.Decimal `db:"remaining_amount_cents" json:"remaining_amount_cents"`

	// Priority orders inbound transactions at consumption, lower first
	Priority int `db:"priority" json:"priority"`

	InvoiceID    string            `db:"invoice_id" json:"invoice_id"`
	CreditNoteID string            `db:"credit_note_id" json:"credit_note_id"`
	Metadata     map[string]string `db:"-" json:"metadata"`

	SettledAt *time.Time `db:"settled_at" json:"settled_at"`
	FailedAt  *time.Time `db:"failed_at" json:"failed_at"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	TenantID  string     `db:"tenant_id" json:"tenant_id"`
}

func (t *Transaction) IsInbound() bool {
	return t.TransactionType == types.TransactionTypeInbound
}

func (t *Transaction) IsSettled() bool {
	return t.Status == types.WalletTxStatusSettled
}

// Remaining returns the unconsumed amount of a traceable inbound transaction
func (t *Transaction) Remaining() decimal.Decimal {
	if t.RemainingAmountCents == nil {
		return decimal.Zero
	}
	return *t.RemainingAmountCents
}

// Consumption records how much of an inbound transaction funded an outbound one
type Consumption struct {
	ID                          string          `db:"id" json:"id"`
	InboundWalletTransactionID  string          `db:"inbound_wallet_transaction_id" json:"inbound_wallet_transaction_id"`
	OutboundWalletTransactionID string          `db:"outbound_wallet_transaction_id" json:"outbound_wallet_transaction_id"`
	AmountCents                 decimal.Decimal `db:"amount_cents" json:"amount_cents"`
	CreatedAt                   time.Time       `db:"created_at" json:"created_at"`
	TenantID                    string          `db:"tenant_id" json:"tenant_id"`
}

// TransactionFilter narrows transaction listings
type TransactionFilter struct {
	WalletID          string
	TransactionType   types.TransactionType
	TransactionStatus []types.TransactionStatus
	Status            []types.WalletTxStatus
	Source            types.TransactionSource
	InvoiceID         string
	// OnlyWithRemaining selects inbound transactions with remaining funds
	OnlyWithRemaining bool
}
