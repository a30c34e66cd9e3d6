package publisher

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/pubsub"
	"github.com/flexprice/billingengine/internal/types"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Event is the envelope of a published billing domain event
type Event struct {
	ID            string                 `json:"id"`
	Name          types.BillingEventName `json:"event_name"`
	TenantID      string                 `json:"tenant_id"`
	EnvironmentID string                 `json:"environment_id"`
	EntityID      string                 `json:"entity_id"`
	Timestamp     time.Time              `json:"timestamp"`
	Payload       jsoniter.RawMessage    `json:"payload"`
}

// EventPublisher publishes billing domain events. Publication is best effort:
// billing state is already committed when an event is published.
type EventPublisher interface {
	Publish(ctx context.Context, name types.BillingEventName, entityID string, payload interface{}) error
	// PublishTo publishes to a topic other than the billing events topic
	PublishTo(ctx context.Context, topic string, name types.BillingEventName, entityID string, payload interface{}) error
}

type eventPublisher struct {
	pubsub pubsub.Publisher
	logger *logger.Logger
}

func NewEventPublisher(ps pubsub.Publisher, logger *logger.Logger) EventPublisher {
	return &eventPublisher{
		pubsub: ps,
		logger: logger,
	}
}

func (p *eventPublisher) Publish(ctx context.Context, name types.BillingEventName, entityID string, payload interface{}) error {
	return p.PublishTo(ctx, types.TopicBillingEvents, name, entityID, payload)
}

func (p *eventPublisher) PublishTo(ctx context.Context, topic string, name types.BillingEventName, entityID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to marshal event payload").
			WithReportableDetails(map[string]any{"event_name": name}).
			Mark(ierr.ErrValidation)
	}

	event := &Event{
		ID:            types.GenerateUUIDWithPrefix(types.UUID_PREFIX_EVENT),
		Name:          name,
		TenantID:      types.GetTenantID(ctx),
		EnvironmentID: types.GetEnvironmentID(ctx),
		EntityID:      entityID,
		Timestamp:     time.Now().UTC(),
		Payload:       raw,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to marshal event").
			Mark(ierr.ErrValidation)
	}

	msg := message.NewMessage(event.ID, body)
	msg.Metadata.Set("tenant_id", event.TenantID)
	msg.Metadata.Set("environment_id", event.EnvironmentID)
	msg.Metadata.Set("event_name", string(name))

	p.logger.WithContext(ctx).Debugw("publishing billing event",
		"event_id", event.ID,
		"event_name", name,
		"entity_id", entityID,
		"topic", topic)

	if err := p.pubsub.Publish(ctx, topic, msg); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to publish event").
			WithReportableDetails(map[string]any{"event_name": name, "topic": topic}).
			Mark(ierr.ErrExternalDependency)
	}
	return nil
}

// Decode parses a published envelope
func Decode(body []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Invalid billing event payload").
			Mark(ierr.ErrValidation)
	}
	return &event, nil
}
