package dto

import (
	"github.com/flexprice/billingengine/internal/domain/wallet"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/flexprice/billingengine/internal/validator"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// CreateWalletRequest opens a prepaid credit wallet for a customer
type CreateWalletRequest struct {
	CustomerID string          `json:"customer_id" validate:"required"`
	Name       string          `json:"name"`
	Currency   string          `json:"currency" validate:"omitempty,currency"`
	RateAmount decimal.Decimal `json:"rate_amount"`
	Priority   int             `json:"priority" validate:"omitempty,min=1,max=50"`

	// Traceable defaults to the traceable wallets feature flag
	Traceable *bool `json:"traceable,omitempty"`

	AllowedFeeTypes            []types.FeeType `json:"allowed_fee_types,omitempty"`
	AllowedBillableMetricCodes []string        `json:"allowed_billable_metric_codes,omitempty"`

	PaidTopUpMinAmountCents          *decimal.Decimal `json:"paid_top_up_min_amount_cents,omitempty"`
	PaidTopUpMaxAmountCents          *decimal.Decimal `json:"paid_top_up_max_amount_cents,omitempty"`
	InvoiceRequiresSuccessfulPayment bool             `json:"invoice_requires_successful_payment"`

	RecurringTransactionRules []*wallet.RecurringTransactionRule `json:"recurring_transaction_rules,omitempty"`

	// Initial credits
	PaidCredits    decimal.Decimal `json:"paid_credits"`
	GrantedCredits decimal.Decimal `json:"granted_credits"`
}

func (r *CreateWalletRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if r.PaidCredits.IsNegative() || r.GrantedCredits.IsNegative() {
		return ierr.NewError("negative credits").
			WithHint("Initial credits cannot be negative").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// ToWallet builds the wallet. Balances start at zero; initial credits go through top ups.
func (r *CreateWalletRequest) ToWallet(traceableByDefault bool) *wallet.Wallet {
	return &wallet.Wallet{
		CustomerID:                       r.CustomerID,
		Name:                             r.Name,
		Currency:                         r.Currency,
		WalletStatus:                     types.WalletStatusActive,
		RateAmount:                       r.RateAmount,
		Priority:                         lo.Ternary(r.Priority == 0, types.DefaultWalletPriority, r.Priority),
		Traceable:                        lo.FromPtrOr(r.Traceable, traceableByDefault),
		AllowedFeeTypes:                  r.AllowedFeeTypes,
		AllowedBillableMetricCodes:       r.AllowedBillableMetricCodes,
		PaidTopUpMinAmountCents:          r.PaidTopUpMinAmountCents,
		PaidTopUpMaxAmountCents:          r.PaidTopUpMaxAmountCents,
		InvoiceRequiresSuccessfulPayment: r.InvoiceRequiresSuccessfulPayment,
		RecurringTransactionRules:        r.RecurringTransactionRules,
		BalanceCents:                     decimal.Zero,
		CreditsBalance:                   decimal.Zero,
		ConsumedAmountCents:              decimal.Zero,
		ConsumedCredits:                  decimal.Zero,
	}
}

// TopUpRequest adds paid and granted credits to a wallet
type TopUpRequest struct {
	PaidCredits    decimal.Decimal         `json:"paid_credits"`
	GrantedCredits decimal.Decimal         `json:"granted_credits"`
	Source         types.TransactionSource `json:"source" validate:"omitempty,oneof=manual interval threshold"`

	IgnorePaidTopUpLimits bool `json:"ignore_paid_top_up_limits"`
	// Priority of the created inbound transactions, lower is consumed first
	Priority int `json:"priority" validate:"omitempty,min=1,max=50"`

	// InvoiceRequiresSuccessfulPayment holds paid credits until the credit invoice is paid.
	// Nil falls back to the wallet setting.
	InvoiceRequiresSuccessfulPayment *bool `json:"invoice_requires_successful_payment,omitempty"`

	// RecurringRuleID is set on top ups fired by a recurring rule
	RecurringRuleID string `json:"recurring_rule_id,omitempty"`
}

func (r *TopUpRequest) Validate() error {
	if err := validator.ValidateRequest(r); err != nil {
		return err
	}
	if r.PaidCredits.IsNegative() || r.GrantedCredits.IsNegative() {
		return ierr.NewError("negative credits").
			WithHint("Top up credits cannot be negative").
			Mark(ierr.ErrValidation)
	}
	if r.PaidCredits.IsZero() && r.GrantedCredits.IsZero() {
		return ierr.NewError("empty top up").
			WithHint("Paid or granted credits are required").
			Mark(ierr.ErrValidation)
	}
	return nil
}

// OngoingBalance is the advisory balance of a wallet once live usage and drafts are deducted
type OngoingBalance struct {
	WalletID                   string          `json:"wallet_id"`
	BalanceCents               decimal.Decimal `json:"balance_cents"`
	OngoingBalanceCents        decimal.Decimal `json:"ongoing_balance_cents"`
	OngoingUsageBalanceCents   decimal.Decimal `json:"ongoing_usage_balance_cents"`
	CreditsOngoingBalance      decimal.Decimal `json:"credits_ongoing_balance"`
	CreditsOngoingUsageBalance decimal.Decimal `json:"credits_ongoing_usage_balance"`
}

// BalanceBreakdown splits the remaining funds of a traceable wallet by origin
type BalanceBreakdown struct {
	WalletID       string          `json:"wallet_id"`
	GrantedCents   decimal.Decimal `json:"granted_cents"`
	PurchasedCents decimal.Decimal `json:"purchased_cents"`
}
