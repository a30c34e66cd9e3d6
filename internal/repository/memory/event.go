package memory

import (
	"context"
	"sync"

	"github.com/flexprice/billingengine/internal/domain/events"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

// EventStore keeps events with a uniqueness index on the idempotency scope
type EventStore struct {
	*Store[*events.Event]

	mu  sync.Mutex
	idx map[string]string
}

var _ events.Repository = (*EventStore)(nil)

func NewEventStore() *EventStore {
	return &EventStore{
		Store: NewStore("event", copyEvent, func(e *events.Event) (string, string) {
			return e.TenantID, e.EnvironmentID
		}),
		idx: make(map[string]string),
	}
}

func copyEvent(e *events.Event) *events.Event {
	if e == nil {
		return nil
	}
	out := *e
	out.Properties = lo.Assign(map[string]interface{}{}, e.Properties)
	return &out
}

func eventKey(tenantID, environmentID, scope, transactionID string) string {
	return tenantID + "|" + environmentID + "|" + scope + "|" + transactionID
}

func (s *EventStore) Insert(ctx context.Context, e *events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(e.TenantID, e.EnvironmentID, e.IdempotencyScope(), e.TransactionID)
	if _, ok := s.idx[key]; ok {
		return ierr.NewError("event already exists").
			WithHint("An event with this transaction id was already ingested").
			WithReportableDetails(map[string]any{"transaction_id": e.TransactionID}).
			Mark(ierr.ErrAlreadyExists)
	}
	if err := s.Store.Create(ctx, e.ID, e); err != nil {
		return err
	}
	s.idx[key] = e.ID
	return nil
}

func (s *EventStore) FindByTransactionID(ctx context.Context, scope, transactionID string) (*events.Event, error) {
	s.mu.Lock()
	id, ok := s.idx[eventKey(types.GetTenantID(ctx), types.GetEnvironmentID(ctx), scope, transactionID)]
	s.mu.Unlock()
	if !ok {
		return nil, s.Store.notFound(transactionID)
	}
	return s.Store.Get(ctx, id)
}

func (s *EventStore) List(ctx context.Context, filter *events.Filter) ([]*events.Event, error) {
	return s.Store.List(ctx, func(_ context.Context, e *events.Event) bool {
		return matchesEventFilter(e, filter)
	}, func(a, b *events.Event) bool {
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.ID < b.ID
	}), nil
}

func matchesEventFilter(e *events.Event, f *events.Filter) bool {
	if f == nil {
		return true
	}
	if f.ExternalSubscriptionID != "" && e.ExternalSubscriptionID != f.ExternalSubscriptionID {
		return false
	}
	if f.Code != "" && e.Code != f.Code {
		return false
	}
	if f.Source != "" && eventSource(e) != f.Source {
		return false
	}
	if f.FixedChargeID != "" && e.FixedChargeID != f.FixedChargeID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

func eventSource(e *events.Event) types.EventSource {
	if e.Source == "" {
		return types.EventSourceUsage
	}
	return e.Source
}
