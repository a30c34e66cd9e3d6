package postgres

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
)

const planColumns = `id, tenant_id, environment_id, status, code, name, interval, pay_in_advance,
	bill_charges_monthly, bill_fixed_charges_monthly, trial_period, amount_cents, currency,
	invoice_display_name, parent_id, charges, fixed_charges, usage_thresholds,
	created_at, updated_at, created_by, updated_by`

type planRow struct {
	plan.Plan
	ChargesCol         JSONColumn[[]*plan.Charge]         `db:"charges"`
	FixedChargesCol    JSONColumn[[]*plan.FixedCharge]    `db:"fixed_charges"`
	UsageThresholdsCol JSONColumn[[]*plan.UsageThreshold] `db:"usage_thresholds"`
}

func newPlanRow(p *plan.Plan) *planRow {
	return &planRow{
		Plan:               *p,
		ChargesCol:         NewJSONColumn(p.Charges),
		FixedChargesCol:    NewJSONColumn(p.FixedCharges),
		UsageThresholdsCol: NewJSONColumn(p.UsageThresholds),
	}
}

func (r *planRow) toDomain() *plan.Plan {
	p := r.Plan
	p.Charges = r.ChargesCol.V
	p.FixedCharges = r.FixedChargesCol.V
	p.UsageThresholds = r.UsageThresholdsCol.V
	return &p
}

type planRepository struct {
	client postgres.IClient
	logger *logger.Logger
}

func NewPlanRepository(client postgres.IClient, logger *logger.Logger) plan.Repository {
	return &planRepository{client: client, logger: logger}
}

func (r *planRepository) Create(ctx context.Context, p *plan.Plan) error {
	query := `
		INSERT INTO plans (` + planColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :status, :code, :name, :interval, :pay_in_advance,
			:bill_charges_monthly, :bill_fixed_charges_monthly, :trial_period, :amount_cents, :currency,
			:invoice_display_name, :parent_id, :charges, :fixed_charges, :usage_thresholds,
			:created_at, :updated_at, :created_by, :updated_by
		)`

	r.logger.Debugw("creating plan",
		"plan_id", p.ID,
		"tenant_id", p.TenantID,
	)

	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query, newPlanRow(p))
	return translate(err, "plan", p.ID)
}

func (r *planRepository) Get(ctx context.Context, id string) (*plan.Plan, error) {
	clause, args := scoped(ctx, "").add("id = ?", id).render()
	var row planRow
	if err := r.client.Querier(ctx).GetContext(ctx, &row,
		`SELECT `+planColumns+` FROM plans `+clause, args...); err != nil {
		return nil, translate(err, "plan", id)
	}
	return row.toDomain(), nil
}

// GetByCode returns the parent plan of a code; overrides share their parent's code
func (r *planRepository) GetByCode(ctx context.Context, code string) (*plan.Plan, error) {
	clause, args := scoped(ctx, "").add("code = ?", code).add("parent_id = ''").render()
	var row planRow
	if err := r.client.Querier(ctx).GetContext(ctx, &row,
		`SELECT `+planColumns+` FROM plans `+clause+` ORDER BY created_at LIMIT 1`, args...); err != nil {
		return nil, translate(err, "plan", code)
	}
	return row.toDomain(), nil
}

func (r *planRepository) Update(ctx context.Context, p *plan.Plan) error {
	query := `
		UPDATE plans SET
			name = :name,
			pay_in_advance = :pay_in_advance,
			bill_charges_monthly = :bill_charges_monthly,
			bill_fixed_charges_monthly = :bill_fixed_charges_monthly,
			trial_period = :trial_period,
			amount_cents = :amount_cents,
			invoice_display_name = :invoice_display_name,
			charges = :charges,
			fixed_charges = :fixed_charges,
			usage_thresholds = :usage_thresholds,
			status = :status,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND environment_id = :environment_id`

	res, err := r.client.Querier(ctx).NamedExecContext(ctx, query, newPlanRow(p))
	if err != nil {
		return translate(err, "plan", p.ID)
	}
	return expectRow(res, "plan", p.ID)
}
