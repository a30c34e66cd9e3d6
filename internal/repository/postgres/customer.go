package postgres

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/lib/pq"
)

const customerColumns = `id, tenant_id, environment_id, status, external_id, name, currency, timezone,
	invoice_grace_period_days, tax_codes, jurisdiction, created_at, updated_at, created_by, updated_by`

type customerRow struct {
	customer.Customer
	TaxCodes pq.StringArray `db:"tax_codes"`
}

func (r *customerRow) toDomain() *customer.Customer {
	c := r.Customer
	c.TaxCodes = []string(r.TaxCodes)
	return &c
}

type customerRepository struct {
	client postgres.IClient
	logger *logger.Logger
}

func NewCustomerRepository(client postgres.IClient, logger *logger.Logger) customer.Repository {
	return &customerRepository{client: client, logger: logger}
}

func (r *customerRepository) Create(ctx context.Context, c *customer.Customer) error {
	query := `
		INSERT INTO customers (` + customerColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :status, :external_id, :name, :currency, :timezone,
			:invoice_grace_period_days, :tax_codes, :jurisdiction, :created_at, :updated_at, :created_by, :updated_by
		)`

	r.logger.Debugw("creating customer",
		"customer_id", c.ID,
		"tenant_id", c.TenantID,
	)

	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query, &customerRow{Customer: *c, TaxCodes: c.TaxCodes})
	return translate(err, "customer", c.ID)
}

func (r *customerRepository) Get(ctx context.Context, id string) (*customer.Customer, error) {
	w := scoped(ctx, "").add("id = ?", id)
	return r.get(ctx, w, id)
}

func (r *customerRepository) GetByExternalID(ctx context.Context, externalID string) (*customer.Customer, error) {
	w := scoped(ctx, "").add("external_id = ?", externalID)
	return r.get(ctx, w, externalID)
}

func (r *customerRepository) get(ctx context.Context, w *where, key string) (*customer.Customer, error) {
	clause, args := w.render()
	var row customerRow
	if err := r.client.Querier(ctx).GetContext(ctx, &row,
		`SELECT `+customerColumns+` FROM customers `+clause, args...); err != nil {
		return nil, translate(err, "customer", key)
	}
	return row.toDomain(), nil
}

func (r *customerRepository) Update(ctx context.Context, c *customer.Customer) error {
	query := `
		UPDATE customers SET
			name = :name,
			currency = :currency,
			timezone = :timezone,
			invoice_grace_period_days = :invoice_grace_period_days,
			tax_codes = :tax_codes,
			jurisdiction = :jurisdiction,
			status = :status,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND environment_id = :environment_id`

	res, err := r.client.Querier(ctx).NamedExecContext(ctx, query, &customerRow{Customer: *c, TaxCodes: c.TaxCodes})
	if err != nil {
		return translate(err, "customer", c.ID)
	}
	return expectRow(res, "customer", c.ID)
}
