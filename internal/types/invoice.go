package types

type InvoiceType string

const (
	InvoiceTypeSubscription       InvoiceType = "subscription"
	InvoiceTypeCredit             InvoiceType = "credit"
	InvoiceTypeProgressiveBilling InvoiceType = "progressive_billing"
	InvoiceTypeOneOff             InvoiceType = "one_off"
)

type InvoiceStatus string

const (
	InvoiceStatusDraft     InvoiceStatus = "draft"
	InvoiceStatusFinalized InvoiceStatus = "finalized"
	InvoiceStatusVoided    InvoiceStatus = "voided"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// InvoicingReason records why a subscription appears on an invoice
type InvoicingReason string

const (
	InvoicingReasonSubscriptionStarting    InvoicingReason = "subscription_starting"
	InvoicingReasonSubscriptionPeriodic    InvoicingReason = "subscription_periodic"
	InvoicingReasonSubscriptionTerminating InvoicingReason = "subscription_terminating"
	InvoicingReasonInAdvanceCharge         InvoicingReason = "in_advance_charge"
	InvoicingReasonInAdvanceChargePeriodic InvoicingReason = "in_advance_charge_periodic"
	InvoicingReasonProgressiveBilling      InvoicingReason = "progressive_billing"
	InvoicingReasonTrialEnded              InvoicingReason = "trial_ended"
)

// BillsSubscriptionFee reports whether the reason carries the plan amount for its fee window
func (r InvoicingReason) BillsSubscriptionFee() bool {
	switch r {
	case InvoicingReasonSubscriptionStarting,
		InvoicingReasonSubscriptionPeriodic,
		InvoicingReasonSubscriptionTerminating,
		InvoicingReasonTrialEnded:
		return true
	}
	return false
}

type FeeType string

const (
	FeeTypeSubscription       FeeType = "subscription"
	FeeTypeCharge             FeeType = "charge"
	FeeTypeFixedCharge        FeeType = "fixed_charge"
	FeeTypeCommitment         FeeType = "commitment"
	FeeTypeCredit             FeeType = "credit"
	FeeTypeProgressiveBilling FeeType = "progressive_billing"
)

type CreditNoteReason string

const (
	CreditNoteReasonOrderChange       CreditNoteReason = "order_change"
	CreditNoteReasonOrderCancellation CreditNoteReason = "order_cancellation"
	CreditNoteReasonDuplicatedCharge  CreditNoteReason = "duplicated_charge"
	CreditNoteReasonOther             CreditNoteReason = "other"
)

type CreditNoteStatus string

const (
	CreditNoteStatusAvailable CreditNoteStatus = "available"
	CreditNoteStatusConsumed  CreditNoteStatus = "consumed"
	CreditNoteStatusVoided    CreditNoteStatus = "voided"
)

type CouponType string

const (
	CouponTypeFixedAmount CouponType = "fixed_amount"
	CouponTypePercentage  CouponType = "percentage"
)

type CouponFrequency string

const (
	CouponFrequencyOnce      CouponFrequency = "once"
	CouponFrequencyRecurring CouponFrequency = "recurring"
	CouponFrequencyForever   CouponFrequency = "forever"
)
