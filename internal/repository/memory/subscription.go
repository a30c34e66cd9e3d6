package memory

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

type SubscriptionStore struct {
	*Store[*subscription.Subscription]
}

var _ subscription.Repository = (*SubscriptionStore)(nil)

func NewSubscriptionStore() *SubscriptionStore {
	return &SubscriptionStore{
		Store: NewStore("subscription", copySubscription, func(s *subscription.Subscription) (string, string) {
			return baseScope(s.BaseModel)
		}),
	}
}

func copySubscription(s *subscription.Subscription) *subscription.Subscription {
	if s == nil {
		return nil
	}
	out := *s
	return &out
}

func subscriptionLess(a, b *subscription.Subscription) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *SubscriptionStore) Create(ctx context.Context, sub *subscription.Subscription) error {
	return s.Store.Create(ctx, sub.ID, sub)
}

func (s *SubscriptionStore) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	return s.Store.Get(ctx, id)
}

func (s *SubscriptionStore) Update(ctx context.Context, sub *subscription.Subscription) error {
	return s.Store.Update(ctx, sub.ID, sub)
}

func (s *SubscriptionStore) List(ctx context.Context, filter *subscription.Filter) ([]*subscription.Subscription, error) {
	if filter == nil {
		filter = &subscription.Filter{}
	}
	items := s.Store.List(ctx, func(_ context.Context, sub *subscription.Subscription) bool {
		if filter.CustomerID != "" && sub.CustomerID != filter.CustomerID {
			return false
		}
		if filter.ExternalID != "" && sub.ExternalID != filter.ExternalID {
			return false
		}
		if filter.PlanID != "" && sub.PlanID != filter.PlanID {
			return false
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, sub.SubscriptionStatus) {
			return false
		}
		if len(filter.IDs) > 0 && !lo.Contains(filter.IDs, sub.ID) {
			return false
		}
		return true
	}, subscriptionLess)

	if filter.Offset > 0 {
		if filter.Offset >= len(items) {
			return []*subscription.Subscription{}, nil
		}
		items = items[filter.Offset:]
	}
	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	return items, nil
}

func (s *SubscriptionStore) GetActiveByExternalID(ctx context.Context, customerID, externalID string) (*subscription.Subscription, error) {
	return s.Store.First(ctx, func(_ context.Context, sub *subscription.Subscription) bool {
		return sub.CustomerID == customerID &&
			sub.ExternalID == externalID &&
			sub.SubscriptionStatus == types.SubscriptionStatusActive
	}, subscriptionLess)
}

func (s *SubscriptionStore) GetByExternalID(ctx context.Context, externalID string) (*subscription.Subscription, error) {
	items := s.Store.List(ctx, func(_ context.Context, sub *subscription.Subscription) bool {
		return sub.ExternalID == externalID
	}, subscriptionLess)
	if active, ok := lo.Find(items, func(sub *subscription.Subscription) bool { return sub.IsActive() }); ok {
		return active, nil
	}
	if len(items) == 0 {
		return nil, s.Store.notFound(externalID)
	}
	return items[len(items)-1], nil
}
