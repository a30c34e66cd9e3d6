package subscription

import "context"

type Repository interface {
	Create(ctx context.Context, s *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	List(ctx context.Context, filter *Filter) ([]*Subscription, error)
	// GetActiveByExternalID returns the active subscription of a lineage
	GetActiveByExternalID(ctx context.Context, customerID, externalID string) (*Subscription, error)
	// GetByExternalID returns the active subscription of a lineage, or the latest one otherwise
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)
}
