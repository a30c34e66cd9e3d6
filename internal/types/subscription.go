package types

type SubscriptionStatus string

const (
	SubscriptionStatusPending    SubscriptionStatus = "pending"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusTerminated SubscriptionStatus = "terminated"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
)

// OnTerminationCreditNote is the policy applied to the unused part of a paid in advance period
type OnTerminationCreditNote string

const (
	OnTerminationCreditNoteCredit OnTerminationCreditNote = "credit"
	OnTerminationCreditNoteSkip   OnTerminationCreditNote = "skip"
)
