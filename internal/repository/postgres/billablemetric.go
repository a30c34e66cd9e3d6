package postgres

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
)

const billableMetricColumns = `id, tenant_id, environment_id, status, code, name, aggregation_type, field_name,
	recurring, expression, rounding_function, rounding_precision, filters, created_at, updated_at, created_by, updated_by`

type billableMetricRow struct {
	billablemetric.BillableMetric
	Filters JSONColumn[[]billablemetric.MetricFilter] `db:"filters"`
}

func (r *billableMetricRow) toDomain() *billablemetric.BillableMetric {
	m := r.BillableMetric
	m.Filters = r.Filters.V
	return &m
}

type billableMetricRepository struct {
	client postgres.IClient
	logger *logger.Logger
}

func NewBillableMetricRepository(client postgres.IClient, logger *logger.Logger) billablemetric.Repository {
	return &billableMetricRepository{client: client, logger: logger}
}

func (r *billableMetricRepository) Create(ctx context.Context, m *billablemetric.BillableMetric) error {
	query := `
		INSERT INTO billable_metrics (` + billableMetricColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :status, :code, :name, :aggregation_type, :field_name,
			:recurring, :expression, :rounding_function, :rounding_precision, :filters,
			:created_at, :updated_at, :created_by, :updated_by
		)`

	r.logger.Debugw("creating billable metric", "metric_id", m.ID, "code", m.Code)

	row := &billableMetricRow{BillableMetric: *m, Filters: NewJSONColumn(m.Filters)}
	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query, row)
	return translate(err, "billable metric", m.ID)
}

func (r *billableMetricRepository) Get(ctx context.Context, id string) (*billablemetric.BillableMetric, error) {
	clause, args := scoped(ctx, "").add("id = ?", id).render()
	var row billableMetricRow
	if err := r.client.Querier(ctx).GetContext(ctx, &row,
		`SELECT `+billableMetricColumns+` FROM billable_metrics `+clause, args...); err != nil {
		return nil, translate(err, "billable metric", id)
	}
	return row.toDomain(), nil
}

func (r *billableMetricRepository) GetByCode(ctx context.Context, code string) (*billablemetric.BillableMetric, error) {
	clause, args := scoped(ctx, "").add("code = ?", code).render()
	var row billableMetricRow
	if err := r.client.Querier(ctx).GetContext(ctx, &row,
		`SELECT `+billableMetricColumns+` FROM billable_metrics `+clause, args...); err != nil {
		return nil, translate(err, "billable metric", code)
	}
	return row.toDomain(), nil
}

func (r *billableMetricRepository) List(ctx context.Context) ([]*billablemetric.BillableMetric, error) {
	clause, args := scoped(ctx, "").render()
	var rows []*billableMetricRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &rows,
		`SELECT `+billableMetricColumns+` FROM billable_metrics `+clause+` ORDER BY created_at, id`, args...); err != nil {
		return nil, translate(err, "billable metric", "")
	}
	out := make([]*billablemetric.BillableMetric, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}
