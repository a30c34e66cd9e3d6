package models

import (
	"time"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/shopspring/decimal"
)

// Scope carries the tenant and environment a workflow runs for
type Scope struct {
	TenantID      string `json:"tenant_id"`
	EnvironmentID string `json:"environment_id"`
}

func (s Scope) Validate() error {
	if s.TenantID == "" || s.EnvironmentID == "" {
		return ierr.NewError("tenant ID and environment ID are required").
			WithHint("Tenant ID and environment ID are required").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// BillingSweepWorkflowInput represents the input for the billing sweep workflow
type BillingSweepWorkflowInput struct {
	Scope
	At time.Time `json:"at"`
}

// SweepSummary is the outcome of one sweep
type SweepSummary struct {
	Activated  int      `json:"activated"`
	Terminated int      `json:"terminated"`
	Invoiced   int      `json:"invoiced"`
	Skipped    int      `json:"skipped"`
	Finalized  int      `json:"finalized"`
	Failures   []string `json:"failures,omitempty"`
}

// SubscriptionWorkflowInput is shared by the workflows acting on one subscription
type SubscriptionWorkflowInput struct {
	Scope
	SubscriptionID string    `json:"subscription_id"`
	At             time.Time `json:"at"`
}

func (i *SubscriptionWorkflowInput) Validate() error {
	if i.SubscriptionID == "" {
		return ierr.NewError("subscription ID is required").
			WithHint("Subscription ID is required").
			Mark(ierr.ErrValidation)
	}
	return i.Scope.Validate()
}

// InvoiceResult names the invoice a billing activity issued, if any
type InvoiceResult struct {
	InvoiceID string `json:"invoice_id,omitempty"`
	Status    string `json:"status"`
}

const (
	StatusInvoiced = "invoiced"
	StatusNothing  = "nothing_due"
)

// WalletRefreshWorkflowInput represents the input for the wallet refresh workflow
type WalletRefreshWorkflowInput struct {
	Scope
	WalletID string    `json:"wallet_id"`
	At       time.Time `json:"at"`
}

func (i *WalletRefreshWorkflowInput) Validate() error {
	if i.WalletID == "" {
		return ierr.NewError("wallet ID is required").
			WithHint("Wallet ID is required").
			Mark(ierr.ErrValidation)
	}
	return i.Scope.Validate()
}

// WalletRefreshResult is the refreshed ongoing balance and the recurring top ups it fired
type WalletRefreshResult struct {
	OngoingBalanceCents   decimal.Decimal `json:"ongoing_balance_cents"`
	CreditsOngoingBalance decimal.Decimal `json:"credits_ongoing_balance"`
	TransactionIDs        []string        `json:"transaction_ids,omitempty"`
}
