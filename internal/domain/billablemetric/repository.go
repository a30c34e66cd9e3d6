package billablemetric

import "context"

type Repository interface {
	Create(ctx context.Context, m *BillableMetric) error
	Get(ctx context.Context, id string) (*BillableMetric, error)
	GetByCode(ctx context.Context, code string) (*BillableMetric, error)
	List(ctx context.Context) ([]*BillableMetric, error)
}
