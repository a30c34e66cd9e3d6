package dto

import (
	"time"

	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/flexprice/billingengine/internal/validator"
	"github.com/samber/lo"
)

// CreateSubscriptionRequest subscribes a customer to a plan. An ExternalID matching an
// active subscription of the customer changes its plan.
type CreateSubscriptionRequest struct {
	CustomerID     string            `json:"customer_id" validate:"required"`
	PlanID         string            `json:"plan_id" validate:"required"`
	ExternalID     string            `json:"external_id"`
	BillingTime    types.BillingTime `json:"billing_time" validate:"omitempty,oneof=calendar anniversary"`
	SubscriptionAt *time.Time        `json:"subscription_at,omitempty"`
	EndingAt       *time.Time        `json:"ending_at,omitempty"`

	OnTerminationCreditNote types.OnTerminationCreditNote `json:"on_termination_credit_note" validate:"omitempty,oneof=credit skip"`
}

func (r *CreateSubscriptionRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// ToSubscription builds a pending subscription requested at the given instant
func (r *CreateSubscriptionRequest) ToSubscription(at time.Time) *subscription.Subscription {
	id := types.GenerateUUIDWithPrefix(types.UUID_PREFIX_SUBSCRIPTION)
	return &subscription.Subscription{
		ID:                      id,
		ExternalID:              lo.Ternary(r.ExternalID != "", r.ExternalID, id),
		CustomerID:              r.CustomerID,
		PlanID:                  r.PlanID,
		SubscriptionStatus:      types.SubscriptionStatusPending,
		BillingTime:             lo.Ternary(r.BillingTime != "", r.BillingTime, types.BillingTimeCalendar),
		SubscriptionAt:          lo.FromPtrOr(r.SubscriptionAt, at),
		EndingAt:                r.EndingAt,
		OnTerminationCreditNote: lo.Ternary(r.OnTerminationCreditNote != "", r.OnTerminationCreditNote, types.OnTerminationCreditNoteCredit),
	}
}
