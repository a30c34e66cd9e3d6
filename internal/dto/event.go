package dto

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/types"
)

// IngestEventRequest is one usage event as sent by a client
type IngestEventRequest struct {
	TransactionID          string                 `json:"transaction_id"`
	ExternalSubscriptionID string                 `json:"external_subscription_id"`
	ExternalCustomerID     string                 `json:"external_customer_id"`
	Code                   string                 `json:"code"`
	Properties             map[string]interface{} `json:"properties"`
	Timestamp              *time.Time             `json:"timestamp,omitempty"`
	Source                 types.EventSource      `json:"source,omitempty"`
	FixedChargeID          string                 `json:"fixed_charge_id,omitempty"`
}

// ToEvent builds the event; a missing timestamp defaults to the ingestion time
func (r *IngestEventRequest) ToEvent(ctx context.Context, at time.Time) *events.Event {
	ts := at
	if r.Timestamp != nil {
		ts = *r.Timestamp
	}
	source := r.Source
	if source == "" {
		source = types.EventSourceUsage
	}
	return &events.Event{
		ID:                     types.GenerateUUIDWithPrefix(types.UUID_PREFIX_EVENT),
		TenantID:               types.GetTenantID(ctx),
		EnvironmentID:          types.GetEnvironmentID(ctx),
		TransactionID:          r.TransactionID,
		ExternalSubscriptionID: r.ExternalSubscriptionID,
		ExternalCustomerID:     r.ExternalCustomerID,
		Code:                   r.Code,
		Properties:             r.Properties,
		Timestamp:              ts,
		Source:                 source,
		FixedChargeID:          r.FixedChargeID,
		IngestedAt:             at,
	}
}

// IngestResult summarises a batch
type IngestResult struct {
	Created    []*events.Event         `json:"created"`
	Duplicates int                     `json:"duplicates"`
	Rejected   []*events.RejectedEvent `json:"rejected"`
}
