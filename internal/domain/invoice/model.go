package invoice

import (
	"time"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Invoice groups fees for one or more subscriptions of a customer
type Invoice struct {
	ID            string              `db:"id" json:"id"`
	Number        string              `db:"number" json:"number"`
	CustomerID    string              `db:"customer_id" json:"customer_id"`
	InvoiceType   types.InvoiceType   `db:"invoice_type" json:"invoice_type"`
	InvoiceStatus types.InvoiceStatus `db:"invoice_status" json:"invoice_status"`
	PaymentStatus types.PaymentStatus `db:"payment_status" json:"payment_status"`
	Currency      string              `db:"currency" json:"currency"`

	IssuingDate    time.Time  `db:"issuing_date" json:"issuing_date"`
	PaymentDueDate *time.Time `db:"payment_due_date" json:"payment_due_date"`
	// DraftUntil is when the grace period ends and the draft is finalized
	DraftUntil *time.Time `db:"draft_until" json:"draft_until"`

	ReadyToBeRefreshed        bool `db:"ready_to_be_refreshed" json:"ready_to_be_refreshed"`
	RequiresSuccessfulPayment bool `db:"requires_successful_payment" json:"requires_successful_payment"`

	FeesAmountCents                     decimal.Decimal `db:"fees_amount_cents" json:"fees_amount_cents"`
	ProgressiveBillingCreditAmountCents decimal.Decimal `db:"progressive_billing_credit_amount_cents" json:"progressive_billing_credit_amount_cents"`
	CouponsAmountCents                  decimal.Decimal `db:"coupons_amount_cents" json:"coupons_amount_cents"`
	SubTotalExcludingTaxesAmountCents   decimal.Decimal `db:"sub_total_excluding_taxes_amount_cents" json:"sub_total_excluding_taxes_amount_cents"`
	TaxesAmountCents                    decimal.Decimal `db:"taxes_amount_cents" json:"taxes_amount_cents"`
	SubTotalIncludingTaxesAmountCents   decimal.Decimal `db:"sub_total_including_taxes_amount_cents" json:"sub_total_including_taxes_amount_cents"`
	CreditNotesAmountCents              decimal.Decimal `db:"credit_notes_amount_cents" json:"credit_notes_amount_cents"`
	PrepaidCreditAmountCents            decimal.Decimal `db:"prepaid_credit_amount_cents" json:"prepaid_credit_amount_cents"`

	// Set only when every contributing wallet is traceable
	PrepaidGrantedCreditAmountCents   *decimal.Decimal `db:"prepaid_granted_credit_amount_cents" json:"prepaid_granted_credit_amount_cents"`
	PrepaidPurchasedCreditAmountCents *decimal.Decimal `db:"prepaid_purchased_credit_amount_cents" json:"prepaid_purchased_credit_amount_cents"`

	TotalAmountCents decimal.Decimal `db:"total_amount_cents" json:"total_amount_cents"`

	PaymentProviderReference string `db:"payment_provider_reference" json:"payment_provider_reference"`

	FinalizedAt *time.Time `db:"finalized_at" json:"finalized_at"`
	VoidedAt    *time.Time `db:"voided_at" json:"voided_at"`

	Subscriptions     []*InvoiceSubscription   `db:"-" json:"subscriptions"`
	Fees              []*Fee                   `db:"-" json:"fees"`
	AppliedThresholds []*AppliedUsageThreshold `db:"-" json:"applied_thresholds"`

	types.BaseModel
}

func (i *Invoice) IsDraft() bool {
	return i.InvoiceStatus == types.InvoiceStatusDraft
}

// ErrNotDraft reports an invoice that already left draft
func ErrNotDraft(i *Invoice) error {
	return ierr.NewError("invoice is not a draft").
		WithHintf("Invoice %s is %s", i.ID, i.InvoiceStatus).
		WithReportableDetails(map[string]any{"invoice_id": i.ID, "status": i.InvoiceStatus}).
		Mark(ierr.ErrInvalidOperation)
}

// Finalize moves a draft to finalized. Every other transition is rejected.
func (i *Invoice) Finalize(at time.Time) error {
	if err := i.canLeaveDraft(types.InvoiceStatusFinalized); err != nil {
		return err
	}
	i.InvoiceStatus = types.InvoiceStatusFinalized
	i.FinalizedAt = &at
	i.ReadyToBeRefreshed = false
	i.UpdatedAt = at
	return nil
}

// Void moves a draft to voided
func (i *Invoice) Void(at time.Time) error {
	if err := i.canLeaveDraft(types.InvoiceStatusVoided); err != nil {
		return err
	}
	i.InvoiceStatus = types.InvoiceStatusVoided
	i.VoidedAt = &at
	i.UpdatedAt = at
	return nil
}

func (i *Invoice) canLeaveDraft(to types.InvoiceStatus) error {
	if i.InvoiceStatus != types.InvoiceStatusDraft {
		return ierr.NewError("invalid invoice transition").
			WithHintf("Invoice %s cannot move from %s to %s", i.ID, i.InvoiceStatus, to).
			WithReportableDetails(map[string]any{
				"invoice_id": i.ID,
				"from":       i.InvoiceStatus,
				"to":         to,
			}).
			Mark(ierr.ErrInvalidOperation)
	}
	return nil
}

// SubscriptionIDs returns the subscriptions billed on the invoice
func (i *Invoice) SubscriptionIDs() []string {
	return lo.Uniq(lo.Map(i.Subscriptions, func(s *InvoiceSubscription, _ int) string { return s.SubscriptionID }))
}

// ComputeTotals derives every total from the fees and the credits already set on the invoice.
// Order: fees, progressive credit, coupons, taxes, credit notes, prepaid credits.
func (i *Invoice) ComputeTotals() {
	fees := decimal.Zero
	coupons := decimal.Zero
	taxes := decimal.Zero
	for _, f := range i.Fees {
		fees = fees.Add(f.AmountCents)
		coupons = coupons.Add(f.PreciseCouponsAmountCents)
		taxes = taxes.Add(f.TaxesAmountCents)
	}

	i.FeesAmountCents = fees
	i.CouponsAmountCents = types.RoundCents(coupons)
	i.TaxesAmountCents = types.RoundCents(taxes)
	i.SubTotalExcludingTaxesAmountCents = decimal.Max(decimal.Zero,
		fees.Sub(i.ProgressiveBillingCreditAmountCents).Sub(i.CouponsAmountCents))
	i.SubTotalIncludingTaxesAmountCents = i.SubTotalExcludingTaxesAmountCents.Add(i.TaxesAmountCents)
	i.TotalAmountCents = decimal.Max(decimal.Zero,
		i.SubTotalIncludingTaxesAmountCents.Sub(i.CreditNotesAmountCents).Sub(i.PrepaidCreditAmountCents))
}

// AmountDueBeforePrepaid is what wallets may still cover
func (i *Invoice) AmountDueBeforePrepaid() decimal.Decimal {
	return decimal.Max(decimal.Zero, i.SubTotalIncludingTaxesAmountCents.Sub(i.CreditNotesAmountCents))
}

// InvoiceSubscription joins an invoice to a subscription with the boundaries it was billed for
type InvoiceSubscription struct {
	ID              string                `db:"id" json:"id"`
	InvoiceID       string                `db:"invoice_id" json:"invoice_id"`
	SubscriptionID  string                `db:"subscription_id" json:"subscription_id"`
	InvoicingReason types.InvoicingReason `db:"invoicing_reason" json:"invoicing_reason"`

	FromDatetime             time.Time `db:"from_datetime" json:"from_datetime"`
	ToDatetime               time.Time `db:"to_datetime" json:"to_datetime"`
	ChargesFromDatetime      time.Time `db:"charges_from_datetime" json:"charges_from_datetime"`
	ChargesToDatetime        time.Time `db:"charges_to_datetime" json:"charges_to_datetime"`
	FixedChargesFromDatetime time.Time `db:"fixed_charges_from_datetime" json:"fixed_charges_from_datetime"`
	FixedChargesToDatetime   time.Time `db:"fixed_charges_to_datetime" json:"fixed_charges_to_datetime"`
	Timestamp                time.Time `db:"timestamp" json:"timestamp"`
	// FeeBilled is set when the entry carried the subscription fee
	FeeBilled bool `db:"fee_billed" json:"fee_billed"`
	// PeriodKey is the idempotency key of the billed period
	PeriodKey string `db:"period_key" json:"period_key"`
}

// Fee is one invoice line
type Fee struct {
	ID             string        `db:"id" json:"id"`
	InvoiceID      string        `db:"invoice_id" json:"invoice_id"`
	SubscriptionID string        `db:"subscription_id" json:"subscription_id"`
	CustomerID     string        `db:"customer_id" json:"customer_id"`
	FeeType        types.FeeType `db:"fee_type" json:"fee_type"`

	ChargeID           string            `db:"charge_id" json:"charge_id"`
	ChargeFilterID     string            `db:"charge_filter_id" json:"charge_filter_id"`
	FixedChargeID      string            `db:"fixed_charge_id" json:"fixed_charge_id"`
	BillableMetricCode string            `db:"billable_metric_code" json:"billable_metric_code"`
	GroupedBy          map[string]string `db:"-" json:"grouped_by"`

	AmountCents        decimal.Decimal `db:"amount_cents" json:"amount_cents"`
	PreciseAmountCents decimal.Decimal `db:"precise_amount_cents" json:"precise_amount_cents"`
	UnitAmountCents    decimal.Decimal `db:"unit_amount_cents" json:"unit_amount_cents"`
	Units              decimal.Decimal `db:"units" json:"units"`
	EventsCount        int64           `db:"events_count" json:"events_count"`

	PreciseCouponsAmountCents decimal.Decimal `db:"precise_coupons_amount_cents" json:"precise_coupons_amount_cents"`
	TaxesAmountCents          decimal.Decimal `db:"taxes_amount_cents" json:"taxes_amount_cents"`
	TaxesRate                 decimal.Decimal `db:"taxes_rate" json:"taxes_rate"`

	PayInAdvance                   bool   `db:"pay_in_advance" json:"pay_in_advance"`
	PayInAdvanceEventTransactionID string `db:"pay_in_advance_event_transaction_id" json:"pay_in_advance_event_transaction_id"`

	Period             FeePeriod `db:"-" json:"period"`
	InvoiceDisplayName string    `db:"invoice_display_name" json:"invoice_display_name"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// FeePeriod records the windows a fee was computed for
type FeePeriod struct {
	From        time.Time `json:"from_datetime"`
	To          time.Time `json:"to_datetime"`
	ChargesFrom time.Time `json:"charges_from_datetime"`
	ChargesTo   time.Time `json:"charges_to_datetime"`
}

// ClaimKey is the key wallets claim fees by: the fee type, or the metric code for charges
func (f *Fee) ClaimKey() string {
	if f.FeeType == types.FeeTypeCharge && f.BillableMetricCode != "" {
		return "charge:" + f.BillableMetricCode
	}
	return string(f.FeeType)
}

// PayableAmountCents is the fee amount after coupons plus its taxes
func (f *Fee) PayableAmountCents() decimal.Decimal {
	return f.AmountCents.Sub(f.PreciseCouponsAmountCents).Add(f.TaxesAmountCents)
}

// AppliedUsageThreshold records a progressive billing threshold crossed by an invoice
type AppliedUsageThreshold struct {
	ID                       string          `db:"id" json:"id"`
	InvoiceID                string          `db:"invoice_id" json:"invoice_id"`
	SubscriptionID           string          `db:"subscription_id" json:"subscription_id"`
	UsageThresholdID         string          `db:"usage_threshold_id" json:"usage_threshold_id"`
	ChargesFromDatetime      time.Time       `db:"charges_from_datetime" json:"charges_from_datetime"`
	LifetimeUsageAmountCents decimal.Decimal `db:"lifetime_usage_amount_cents" json:"lifetime_usage_amount_cents"`
	RecurringCount           int64           `db:"recurring_count" json:"recurring_count"`
	CreatedAt                time.Time       `db:"created_at" json:"created_at"`
}

// AppliedCoupon is a coupon attached to a customer
type AppliedCoupon struct {
	ID                   string                `db:"id" json:"id"`
	CustomerID           string                `db:"customer_id" json:"customer_id"`
	CouponType           types.CouponType      `db:"coupon_type" json:"coupon_type"`
	AmountCents          decimal.Decimal       `db:"amount_cents" json:"amount_cents"`
	PercentageRate       decimal.Decimal       `db:"percentage_rate" json:"percentage_rate"`
	Frequency            types.CouponFrequency `db:"frequency" json:"frequency"`
	FrequencyDuration    int                   `db:"frequency_duration" json:"frequency_duration"`
	FrequencyRemaining   int                   `db:"frequency_remaining" json:"frequency_remaining"`
	AmountCentsRemaining *decimal.Decimal      `db:"amount_cents_remaining" json:"amount_cents_remaining"`
	Terminated           bool                  `db:"terminated" json:"terminated"`
	CreatedAt            time.Time             `db:"created_at" json:"created_at"`
}

// Filter narrows invoice listings
type Filter struct {
	CustomerID     string
	SubscriptionID string
	InvoiceTypes   []types.InvoiceType
	Statuses       []types.InvoiceStatus
	// DraftUntilBefore selects drafts whose grace period ended
	DraftUntilBefore *time.Time
}
