package events

import (
	"context"
	"time"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
	"github.com/spf13/cast"
)

// Event is an immutable usage fact
type Event struct {
	ID            string `db:"id" json:"id"`
	TenantID      string `db:"tenant_id" json:"tenant_id"`
	EnvironmentID string `db:"environment_id" json:"environment_id"`

	// TransactionID is the client supplied idempotency key
	TransactionID string `db:"transaction_id" json:"transaction_id"`

	ExternalSubscriptionID string `db:"external_subscription_id" json:"external_subscription_id"`
	ExternalCustomerID     string `db:"external_customer_id" json:"external_customer_id"`

	Code       string                 `db:"code" json:"code"`
	Properties map[string]interface{} `db:"properties" json:"properties"`
	Timestamp  time.Time              `db:"timestamp" json:"timestamp"`

	Source types.EventSource `db:"source" json:"source"`
	// FixedChargeID references the fixed charge a fixed_charge event updates
	FixedChargeID string `db:"fixed_charge_id" json:"fixed_charge_id"`

	IngestedAt time.Time `db:"ingested_at" json:"ingested_at"`
}

// IdempotencyScope is the subscription or, failing that, the customer the transaction id is scoped to
func (e *Event) IdempotencyScope() string {
	if e.ExternalSubscriptionID != "" {
		return "sub:" + e.ExternalSubscriptionID
	}
	return "cust:" + e.ExternalCustomerID
}

func (e *Event) Validate() error {
	if e.TransactionID == "" {
		return ierr.NewError("transaction_id is required").
			WithHint("Event transaction id is required").
			Mark(ierr.ErrValidation)
	}
	if e.ExternalSubscriptionID == "" && e.ExternalCustomerID == "" {
		return ierr.NewError("subscription or customer is required").
			WithHint("Event needs an external subscription id or an external customer id").
			WithReportableDetails(map[string]any{"transaction_id": e.TransactionID}).
			Mark(ierr.ErrValidation)
	}
	if e.Code == "" {
		return ierr.NewError("code is required").
			WithHint("Event code is required").
			WithReportableDetails(map[string]any{"transaction_id": e.TransactionID}).
			Mark(ierr.ErrValidation)
	}
	if e.Timestamp.IsZero() {
		return ierr.NewError("timestamp is required").
			WithHint("Event timestamp is required").
			WithReportableDetails(map[string]any{"transaction_id": e.TransactionID}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// Property returns a property as a string and whether it was present
func (e *Event) Property(key string) (string, bool) {
	v, ok := e.Properties[key]
	if !ok || v == nil {
		return "", false
	}
	return cast.ToString(v), true
}

// DecimalProperty parses a numeric property
func (e *Event) DecimalProperty(key string) (decimal.Decimal, bool, error) {
	v, ok := e.Properties[key]
	if !ok || v == nil {
		return decimal.Zero, false, nil
	}
	d, err := ParseDecimal(v)
	if err != nil {
		return decimal.Zero, true, err
	}
	return d, true, nil
}

// ParseDecimal converts the json scalar types events carry into a decimal
func ParseDecimal(v interface{}) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case float64:
		return decimal.NewFromFloat(t), nil
	case float32:
		return decimal.NewFromFloat32(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case string:
		return decimal.NewFromString(t)
	default:
		return decimal.NewFromString(cast.ToString(v))
	}
}

// Filter selects events for aggregation
type Filter struct {
	ExternalSubscriptionID string
	Code                   string
	Source                 types.EventSource
	FixedChargeID          string
	// From and To are inclusive; a zero From is unbounded
	From time.Time
	To   time.Time
}

// RejectionReason is why an event was quarantined at ingestion
type RejectionReason string

const (
	RejectionInvalidCode                RejectionReason = "invalid_code"
	RejectionMissingAggregationProperty RejectionReason = "missing_aggregation_property"
	RejectionInvalidAggregationProperty RejectionReason = "invalid_aggregation_property"
	RejectionMissingFilterKey           RejectionReason = "missing_filter_key"
	RejectionSubscriptionNotFound       RejectionReason = "subscription_not_found"
	RejectionInvalidEvent               RejectionReason = "invalid_event"
)

// RejectedEvent is an event quarantined at ingestion
type RejectedEvent struct {
	Event  *Event          `json:"event"`
	Reason RejectionReason `json:"reason"`
	Detail string          `json:"detail,omitempty"`
}

// Repository stores events. Insert returns ErrAlreadyExists for a known transaction id.
type Repository interface {
	Insert(ctx context.Context, e *Event) error
	FindByTransactionID(ctx context.Context, scope, transactionID string) (*Event, error)
	List(ctx context.Context, filter *Filter) ([]*Event, error)
}
