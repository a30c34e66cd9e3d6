package types

// Topics used for billing domain events
const (
	TopicUsageEvents    = "usage_events"
	TopicRejectedEvents = "usage_events_rejected"
	TopicBillingEvents  = "billing_events"
)

// BillingEventName is the name carried by a published billing domain event
type BillingEventName string

const (
	EventInvoiceCreated           BillingEventName = "invoice.created"
	EventInvoiceFinalized         BillingEventName = "invoice.finalized"
	EventInvoiceVoided            BillingEventName = "invoice.voided"
	EventInvoicePaymentFailed     BillingEventName = "invoice.payment_failed"
	EventSubscriptionActivated    BillingEventName = "subscription.activated"
	EventSubscriptionTerminated   BillingEventName = "subscription.terminated"
	EventSubscriptionCanceled     BillingEventName = "subscription.canceled"
	EventWalletTransactionCreated BillingEventName = "wallet.transaction.created"
	EventCreditNoteCreated        BillingEventName = "credit_note.created"
	EventUsageThresholdReached    BillingEventName = "usage_threshold.reached"
	EventUsageEventRejected       BillingEventName = "event.rejected"
)
