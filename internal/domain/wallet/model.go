package wallet

import (
	"time"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Wallet holds prepaid credits of a customer
type Wallet struct {
	ID           string             `db:"id" json:"id"`
	CustomerID   string             `db:"customer_id" json:"customer_id"`
	Name         string             `db:"name" json:"name"`
	Currency     string             `db:"currency" json:"currency"`
	WalletStatus types.WalletStatus `db:"wallet_status" json:"wallet_status"`

	// RateAmount is the currency value of one credit
	RateAmount decimal.Decimal `db:"rate_amount" json:"rate_amount"`

	// Priority orders wallets at consumption, lower first
	Priority  int  `db:"priority" json:"priority"`
	Traceable bool `db:"traceable" json:"traceable"`

	BalanceCents        decimal.Decimal `db:"balance_cents" json:"balance_cents"`
	CreditsBalance      decimal.Decimal `db:"credits_balance" json:"credits_balance"`
	ConsumedAmountCents decimal.Decimal `db:"consumed_amount_cents" json:"consumed_amount_cents"`
	ConsumedCredits     decimal.Decimal `db:"consumed_credits" json:"consumed_credits"`

	// Ongoing figures are a projection, recomputed on demand
	OngoingBalanceCents        decimal.Decimal `db:"ongoing_balance_cents" json:"ongoing_balance_cents"`
	OngoingUsageBalanceCents   decimal.Decimal `db:"ongoing_usage_balance_cents" json:"ongoing_usage_balance_cents"`
	CreditsOngoingBalance      decimal.Decimal `db:"credits_ongoing_balance" json:"credits_ongoing_balance"`
	CreditsOngoingUsageBalance decimal.Decimal `db:"credits_ongoing_usage_balance" json:"credits_ongoing_usage_balance"`
	LastBalanceSyncAt          *time.Time      `db:"last_balance_sync_at" json:"last_balance_sync_at"`

	// Applicability. Empty means every fee.
	AllowedFeeTypes            []types.FeeType `db:"-" json:"allowed_fee_types"`
	AllowedBillableMetricCodes []string        `db:"-" json:"allowed_billable_metric_codes"`

	PaidTopUpMinAmountCents          *decimal.Decimal `db:"paid_top_up_min_amount_cents" json:"paid_top_up_min_amount_cents"`
	PaidTopUpMaxAmountCents          *decimal.Decimal `db:"paid_top_up_max_amount_cents" json:"paid_top_up_max_amount_cents"`
	InvoiceRequiresSuccessfulPayment bool             `db:"invoice_requires_successful_payment" json:"invoice_requires_successful_payment"`

	RecurringTransactionRules []*RecurringTransactionRule `db:"-" json:"recurring_transaction_rules"`

	TerminatedAt *time.Time `db:"terminated_at" json:"terminated_at"`

	types.BaseModel
}

func (w *Wallet) IsActive() bool {
	return w.WalletStatus == types.WalletStatusActive
}

// IsRestricted reports whether the wallet limits which fees it covers
func (w *Wallet) IsRestricted() bool {
	return len(w.AllowedFeeTypes) > 0 || len(w.AllowedBillableMetricCodes) > 0
}

// Covers reports whether the wallet applies to a fee of the given type and metric code
func (w *Wallet) Covers(feeType types.FeeType, metricCode string) bool {
	if !w.IsRestricted() {
		return true
	}
	if feeType == types.FeeTypeCharge && metricCode != "" && lo.Contains(w.AllowedBillableMetricCodes, metricCode) {
		return true
	}
	return lo.Contains(w.AllowedFeeTypes, feeType)
}

// CreditsToCents converts credits to cents at the wallet rate
func (w *Wallet) CreditsToCents(credits decimal.Decimal) decimal.Decimal {
	return types.ToCents(credits.Mul(w.RateAmount))
}

// CentsToCredits converts cents to credits at the wallet rate, kept at 5 decimals
func (w *Wallet) CentsToCredits(cents decimal.Decimal) decimal.Decimal {
	if w.RateAmount.IsZero() {
		return decimal.Zero
	}
	return types.FromCents(cents).DivRound(w.RateAmount, types.CreditPrecision)
}

// SyncBalanceCents derives the cent balance from the precise credit balance.
// Cents are rounded once from the exact sum, never summed from rounded parts.
func (w *Wallet) SyncBalanceCents() {
	w.BalanceCents = types.RoundCents(w.CreditsToCents(w.CreditsBalance))
}

func (w *Wallet) Validate() error {
	if w.CustomerID == "" {
		return ierr.NewError("customer_id is required").
			WithHint("Wallet customer is required").
			Mark(ierr.ErrValidation)
	}
	if !w.RateAmount.IsPositive() {
		return ierr.NewError("invalid rate amount").
			WithHint("Wallet rate amount must be positive").
			WithReportableDetails(map[string]any{"rate_amount": w.RateAmount}).
			Mark(ierr.ErrValidation)
	}
	if w.Priority < types.MinWalletPriority || w.Priority > types.MaxWalletPriority {
		return ierr.NewError("invalid priority").
			WithHintf("Wallet priority must be between %d and %d", types.MinWalletPriority, types.MaxWalletPriority).
			WithReportableDetails(map[string]any{"priority": w.Priority}).
			Mark(ierr.ErrValidation)
	}
	if w.PaidTopUpMinAmountCents != nil && w.PaidTopUpMaxAmountCents != nil &&
		w.PaidTopUpMinAmountCents.GreaterThan(*w.PaidTopUpMaxAmountCents) {
		return ierr.NewError("invalid top up limits").
			WithHint("Paid top up minimum cannot exceed the maximum").
			Mark(ierr.ErrValidation)
	}
	for _, r := range w.RecurringTransactionRules {
		if err := r.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CheckPaidTopUpLimits rejects paid amounts outside the configured guardrails
func (w *Wallet) CheckPaidTopUpLimits(amountCents decimal.Decimal) error {
	if w.PaidTopUpMinAmountCents != nil && amountCents.LessThan(*w.PaidTopUpMinAmountCents) {
		return ierr.NewError("paid top up below minimum").
			WithHint("Paid top up amount is below the wallet minimum").
			WithReportableDetails(map[string]any{
				"wallet_id":    w.ID,
				"amount_cents": amountCents,
				"min_cents":    w.PaidTopUpMinAmountCents,
			}).
			Mark(ierr.ErrValidation)
	}
	if w.PaidTopUpMaxAmountCents != nil && amountCents.GreaterThan(*w.PaidTopUpMaxAmountCents) {
		return ierr.NewError("paid top up above maximum").
			WithHint("Paid top up amount exceeds the wallet maximum").
			WithReportableDetails(map[string]any{
				"wallet_id":    w.ID,
				"amount_cents": amountCents,
				"max_cents":    w.PaidTopUpMaxAmountCents,
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// RecurringTransactionRule tops up a wallet on an interval or when it runs low
type RecurringTransactionRule struct {
	ID                               string                 `json:"id"`
	Trigger                          types.RecurringTrigger `json:"trigger"`
	Interval                         types.Interval         `json:"interval,omitempty"`
	ThresholdCredits                 decimal.Decimal        `json:"threshold_credits"`
	Method                           types.RecurringMethod  `json:"method"`
	PaidCredits                      decimal.Decimal        `json:"paid_credits"`
	GrantedCredits                   decimal.Decimal        `json:"granted_credits"`
	TargetOngoingBalance             decimal.Decimal        `json:"target_ongoing_balance"`
	StartedAt                        time.Time              `json:"started_at"`
	IgnorePaidTopUpLimits            bool                   `json:"ignore_paid_top_up_limits"`
	InvoiceRequiresSuccessfulPayment bool                   `json:"invoice_requires_successful_payment"`
}

func (r *RecurringTransactionRule) Validate() error {
	switch r.Trigger {
	case types.RecurringTriggerThreshold:
	case types.RecurringTriggerInterval:
		if err := r.Interval.Validate(); err != nil {
			return err
		}
	default:
		return ierr.NewError("invalid recurring trigger").
			WithHint("Recurring rule trigger must be interval or threshold").
			WithReportableDetails(map[string]any{"trigger": r.Trigger}).
			Mark(ierr.ErrValidation)
	}
	if r.Method == types.RecurringMethodTarget && !r.TargetOngoingBalance.IsPositive() {
		return ierr.NewError("invalid target balance").
			WithHint("Target method needs a positive target ongoing balance").
			Mark(ierr.ErrValidation)
	}
	if r.PaidCredits.IsNegative() || r.GrantedCredits.IsNegative() {
		return ierr.NewError("negative credits").
			WithHint("Recurring rule credits cannot be negative").
			Mark(ierr.ErrValidation)
	}
	return nil
}
