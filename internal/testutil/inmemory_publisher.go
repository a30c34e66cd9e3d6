package testutil

import (
	"context"
	"sync"

	"github.com/flexprice/billingengine/internal/publisher"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

var _ publisher.EventPublisher = (*InMemoryEventPublisher)(nil)

// PublishedEvent is one event recorded by InMemoryEventPublisher
type PublishedEvent struct {
	Topic    string
	Name     types.BillingEventName
	EntityID string
	Payload  interface{}
}

// InMemoryEventPublisher records published billing events
type InMemoryEventPublisher struct {
	mu     sync.Mutex
	events []PublishedEvent
}

func NewInMemoryEventPublisher() *InMemoryEventPublisher {
	return &InMemoryEventPublisher{}
}

func (p *InMemoryEventPublisher) Publish(ctx context.Context, name types.BillingEventName, entityID string, payload interface{}) error {
	return p.PublishTo(ctx, types.TopicBillingEvents, name, entityID, payload)
}

func (p *InMemoryEventPublisher) PublishTo(_ context.Context, topic string, name types.BillingEventName, entityID string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, PublishedEvent{Topic: topic, Name: name, EntityID: entityID, Payload: payload})
	return nil
}

// Events returns the recorded events named name, all of them when name is empty
func (p *InMemoryEventPublisher) Events(name types.BillingEventName) []PublishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return lo.Filter(p.events, func(e PublishedEvent, _ int) bool {
		return name == "" || e.Name == name
	})
}

func (p *InMemoryEventPublisher) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}
