package memory

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/plan"
	ierr "github.com/flexprice/billingengine/internal/errors"
)

type PlanStore struct {
	*Store[*plan.Plan]
}

var _ plan.Repository = (*PlanStore)(nil)

func NewPlanStore() *PlanStore {
	return &PlanStore{
		Store: NewStore("plan", clone[*plan.Plan], func(p *plan.Plan) (string, string) {
			return baseScope(p.BaseModel)
		}),
	}
}

func (s *PlanStore) Create(ctx context.Context, p *plan.Plan) error {
	if _, err := s.GetByCode(ctx, p.Code); err == nil {
		return errDuplicateCode("plan", p.Code)
	}
	return s.Store.Create(ctx, p.ID, p)
}

func (s *PlanStore) Get(ctx context.Context, id string) (*plan.Plan, error) {
	return s.Store.Get(ctx, id)
}

func (s *PlanStore) GetByCode(ctx context.Context, code string) (*plan.Plan, error) {
	return s.Store.First(ctx, func(_ context.Context, p *plan.Plan) bool {
		return p.Code == code
	}, nil)
}

func (s *PlanStore) Update(ctx context.Context, p *plan.Plan) error {
	return s.Store.Update(ctx, p.ID, p)
}

func errDuplicateCode(entity, code string) error {
	return ierr.NewError(entity+" code already exists").
		WithHintf("A %s with code %s already exists", entity, code).
		WithReportableDetails(map[string]any{"code": code}).
		Mark(ierr.ErrAlreadyExists)
}
