package memory

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/billablemetric"
)

type BillableMetricStore struct {
	*Store[*billablemetric.BillableMetric]
}

var _ billablemetric.Repository = (*BillableMetricStore)(nil)

func NewBillableMetricStore() *BillableMetricStore {
	return &BillableMetricStore{
		Store: NewStore("billable metric", clone[*billablemetric.BillableMetric],
			func(m *billablemetric.BillableMetric) (string, string) {
				return baseScope(m.BaseModel)
			}),
	}
}

func (s *BillableMetricStore) Create(ctx context.Context, m *billablemetric.BillableMetric) error {
	if _, err := s.GetByCode(ctx, m.Code); err == nil {
		return errDuplicateCode("billable metric", m.Code)
	}
	return s.Store.Create(ctx, m.ID, m)
}

func (s *BillableMetricStore) Get(ctx context.Context, id string) (*billablemetric.BillableMetric, error) {
	return s.Store.Get(ctx, id)
}

func (s *BillableMetricStore) GetByCode(ctx context.Context, code string) (*billablemetric.BillableMetric, error) {
	return s.Store.First(ctx, func(_ context.Context, m *billablemetric.BillableMetric) bool {
		return m.Code == code
	}, nil)
}

func (s *BillableMetricStore) List(ctx context.Context) ([]*billablemetric.BillableMetric, error) {
	return s.Store.List(ctx, nil, func(a, b *billablemetric.BillableMetric) bool {
		return a.Code < b.Code
	}), nil
}
