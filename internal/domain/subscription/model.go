package subscription

import (
	"time"

	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

// Subscription is a customer's enrollment in a plan for a time range
type Subscription struct {
	ID string `db:"id" json:"id"`

	// ExternalID identifies the subscription lineage across upgrades and downgrades
	ExternalID string `db:"external_id" json:"external_id"`

	CustomerID string `db:"customer_id" json:"customer_id"`
	PlanID     string `db:"plan_id" json:"plan_id"`

	SubscriptionStatus types.SubscriptionStatus `db:"subscription_status" json:"subscription_status"`
	BillingTime        types.BillingTime        `db:"billing_time" json:"billing_time"`

	// SubscriptionAt is the requested activation instant and the anniversary anchor
	SubscriptionAt time.Time `db:"subscription_at" json:"subscription_at"`

	StartedAt    *time.Time `db:"started_at" json:"started_at"`
	EndingAt     *time.Time `db:"ending_at" json:"ending_at"`
	TerminatedAt *time.Time `db:"terminated_at" json:"terminated_at"`
	CanceledAt   *time.Time `db:"canceled_at" json:"canceled_at"`
	TrialEndedAt *time.Time `db:"trial_ended_at" json:"trial_ended_at"`

	PreviousSubscriptionID string `db:"previous_subscription_id" json:"previous_subscription_id"`
	NextSubscriptionID     string `db:"next_subscription_id" json:"next_subscription_id"`

	OnTerminationCreditNote types.OnTerminationCreditNote `db:"on_termination_credit_note" json:"on_termination_credit_note"`

	types.BaseModel
}

func (s *Subscription) IsActive() bool {
	return s.SubscriptionStatus == types.SubscriptionStatusActive
}

func (s *Subscription) IsPending() bool {
	return s.SubscriptionStatus == types.SubscriptionStatusPending
}

func (s *Subscription) IsTerminated() bool {
	return s.SubscriptionStatus == types.SubscriptionStatusTerminated
}

// StartInstant is StartedAt once active, SubscriptionAt before
func (s *Subscription) StartInstant() time.Time {
	if s.StartedAt != nil {
		return *s.StartedAt
	}
	return s.SubscriptionAt
}

// TrialEnd is SubscriptionAt plus the trial length. Zero trial returns SubscriptionAt.
func (s *Subscription) TrialEnd(trialPeriodDays decimal.Decimal) time.Time {
	seconds := trialPeriodDays.Mul(decimal.NewFromInt(86400)).IntPart()
	return s.SubscriptionAt.Add(time.Duration(seconds) * time.Second)
}

// InTrial reports whether at is before the trial end
func (s *Subscription) InTrial(trialPeriodDays decimal.Decimal, at time.Time) bool {
	if !trialPeriodDays.IsPositive() {
		return false
	}
	return at.Before(s.TrialEnd(trialPeriodDays))
}

// Filter narrows subscription listings
type Filter struct {
	CustomerID string
	ExternalID string
	PlanID     string
	Statuses   []types.SubscriptionStatus
	IDs        []string
	Limit      int
	Offset     int
}
