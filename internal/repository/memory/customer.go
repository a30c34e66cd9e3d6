package memory

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/customer"
)

type CustomerStore struct {
	*Store[*customer.Customer]
}

var _ customer.Repository = (*CustomerStore)(nil)

func NewCustomerStore() *CustomerStore {
	return &CustomerStore{
		Store: NewStore("customer", copyCustomer, func(c *customer.Customer) (string, string) {
			return baseScope(c.BaseModel)
		}),
	}
}

func copyCustomer(c *customer.Customer) *customer.Customer {
	if c == nil {
		return nil
	}
	out := *c
	out.TaxCodes = append([]string(nil), c.TaxCodes...)
	if c.InvoiceGracePeriodDays != nil {
		days := *c.InvoiceGracePeriodDays
		out.InvoiceGracePeriodDays = &days
	}
	return &out
}

func (s *CustomerStore) Create(ctx context.Context, c *customer.Customer) error {
	return s.Store.Create(ctx, c.ID, c)
}

func (s *CustomerStore) Get(ctx context.Context, id string) (*customer.Customer, error) {
	return s.Store.Get(ctx, id)
}

func (s *CustomerStore) GetByExternalID(ctx context.Context, externalID string) (*customer.Customer, error) {
	return s.Store.First(ctx, func(_ context.Context, c *customer.Customer) bool {
		return c.ExternalID == externalID
	}, nil)
}

func (s *CustomerStore) Update(ctx context.Context, c *customer.Customer) error {
	return s.Store.Update(ctx, c.ID, c)
}
