package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/flexprice/billingengine/internal/domain/invoice"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

const invoiceColumns = `id, tenant_id, environment_id, status, number, customer_id, invoice_type, invoice_status,
	payment_status, currency, issuing_date, payment_due_date, draft_until, ready_to_be_refreshed,
	requires_successful_payment, fees_amount_cents, progressive_billing_credit_amount_cents,
	coupons_amount_cents, sub_total_excluding_taxes_amount_cents, taxes_amount_cents,
	sub_total_including_taxes_amount_cents, credit_notes_amount_cents, prepaid_credit_amount_cents,
	prepaid_granted_credit_amount_cents, prepaid_purchased_credit_amount_cents, total_amount_cents,
	payment_provider_reference, finalized_at, voided_at, created_at, updated_at, created_by, updated_by`

const invoiceSubscriptionColumns = `id, tenant_id, environment_id, invoice_id, subscription_id, invoicing_reason,
	from_datetime, to_datetime, charges_from_datetime, charges_to_datetime, fixed_charges_from_datetime,
	fixed_charges_to_datetime, timestamp, fee_billed, period_key`

const feeColumns = `id, tenant_id, environment_id, invoice_id, subscription_id, customer_id, fee_type, charge_id,
	charge_filter_id, fixed_charge_id, billable_metric_code, grouped_by, amount_cents, precise_amount_cents,
	unit_amount_cents, units, events_count, precise_coupons_amount_cents, taxes_amount_cents, taxes_rate,
	pay_in_advance, pay_in_advance_event_transaction_id, period, invoice_display_name, created_at`

const appliedThresholdColumns = `id, tenant_id, environment_id, invoice_id, subscription_id, usage_threshold_id,
	charges_from_datetime, lifetime_usage_amount_cents, recurring_count, created_at`

const appliedCouponColumns = `id, tenant_id, environment_id, customer_id, coupon_type, amount_cents, percentage_rate,
	frequency, frequency_duration, frequency_remaining, amount_cents_remaining, terminated, created_at`

// scope carries the tenant columns for child rows whose domain type has none
type scope struct {
	TenantID      string `db:"tenant_id"`
	EnvironmentID string `db:"environment_id"`
}

func scopeOf(ctx context.Context) scope {
	return scope{TenantID: types.GetTenantID(ctx), EnvironmentID: types.GetEnvironmentID(ctx)}
}

type invoiceSubscriptionRow struct {
	invoice.InvoiceSubscription
	scope
}

type appliedThresholdRow struct {
	invoice.AppliedUsageThreshold
	scope
}

type appliedCouponRow struct {
	invoice.AppliedCoupon
	scope
}

type feeRow struct {
	invoice.Fee
	scope
	GroupedBy JSONColumn[map[string]string] `db:"grouped_by"`
	Period    JSONColumn[invoice.FeePeriod] `db:"period"`
}

func newFeeRow(ctx context.Context, f *invoice.Fee) *feeRow {
	return &feeRow{
		Fee:       *f,
		scope:     scopeOf(ctx),
		GroupedBy: NewJSONColumn(f.GroupedBy),
		Period:    NewJSONColumn(f.Period),
	}
}

func (r *feeRow) toDomain() *invoice.Fee {
	f := r.Fee
	f.GroupedBy = r.GroupedBy.V
	f.Period = r.Period.V
	return &f
}

type invoiceRepository struct {
	client postgres.IClient
	logger *logger.Logger
}

func NewInvoiceRepository(client postgres.IClient, logger *logger.Logger) invoice.Repository {
	return &invoiceRepository{client: client, logger: logger}
}

func (r *invoiceRepository) Create(ctx context.Context, inv *invoice.Invoice) error {
	query := `
		INSERT INTO invoices (` + invoiceColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :status, :number, :customer_id, :invoice_type, :invoice_status,
			:payment_status, :currency, :issuing_date, :payment_due_date, :draft_until, :ready_to_be_refreshed,
			:requires_successful_payment, :fees_amount_cents, :progressive_billing_credit_amount_cents,
			:coupons_amount_cents, :sub_total_excluding_taxes_amount_cents, :taxes_amount_cents,
			:sub_total_including_taxes_amount_cents, :credit_notes_amount_cents, :prepaid_credit_amount_cents,
			:prepaid_granted_credit_amount_cents, :prepaid_purchased_credit_amount_cents, :total_amount_cents,
			:payment_provider_reference, :finalized_at, :voided_at, :created_at, :updated_at, :created_by, :updated_by
		)`

	r.logger.Debugw("creating invoice",
		"invoice_id", inv.ID,
		"customer_id", inv.CustomerID,
		"invoice_type", inv.InvoiceType,
		"fees", len(inv.Fees),
	)

	return r.client.WithTx(ctx, func(ctx context.Context) error {
		if _, err := r.client.Querier(ctx).NamedExecContext(ctx, query, inv); err != nil {
			return translate(err, "invoice", inv.ID)
		}
		return r.writeChildren(ctx, inv)
	})
}

func (r *invoiceRepository) Update(ctx context.Context, inv *invoice.Invoice) error {
	return r.update(ctx, inv, false)
}

func (r *invoiceRepository) UpdateDraft(ctx context.Context, inv *invoice.Invoice) error {
	return r.update(ctx, inv, true)
}

func (r *invoiceRepository) update(ctx context.Context, inv *invoice.Invoice, draftOnly bool) error {
	query := `
		UPDATE invoices SET
			invoice_status = :invoice_status,
			payment_status = :payment_status,
			issuing_date = :issuing_date,
			payment_due_date = :payment_due_date,
			draft_until = :draft_until,
			ready_to_be_refreshed = :ready_to_be_refreshed,
			requires_successful_payment = :requires_successful_payment,
			fees_amount_cents = :fees_amount_cents,
			progressive_billing_credit_amount_cents = :progressive_billing_credit_amount_cents,
			coupons_amount_cents = :coupons_amount_cents,
			sub_total_excluding_taxes_amount_cents = :sub_total_excluding_taxes_amount_cents,
			taxes_amount_cents = :taxes_amount_cents,
			sub_total_including_taxes_amount_cents = :sub_total_including_taxes_amount_cents,
			credit_notes_amount_cents = :credit_notes_amount_cents,
			prepaid_credit_amount_cents = :prepaid_credit_amount_cents,
			prepaid_granted_credit_amount_cents = :prepaid_granted_credit_amount_cents,
			prepaid_purchased_credit_amount_cents = :prepaid_purchased_credit_amount_cents,
			total_amount_cents = :total_amount_cents,
			payment_provider_reference = :payment_provider_reference,
			finalized_at = :finalized_at,
			voided_at = :voided_at,
			status = :status,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND environment_id = :environment_id`
	if draftOnly {
		query += ` AND invoice_status = 'draft'`
	}

	r.logger.Debugw("updating invoice",
		"invoice_id", inv.ID,
		"invoice_status", inv.InvoiceStatus,
		"total_amount_cents", inv.TotalAmountCents,
	)

	return r.client.WithTx(ctx, func(ctx context.Context) error {
		res, err := r.client.Querier(ctx).NamedExecContext(ctx, query, inv)
		if err != nil {
			return translate(err, "invoice", inv.ID)
		}
		if err := expectRow(res, "invoice", inv.ID); err != nil {
			if draftOnly && ierr.IsNotFound(err) {
				return ierr.NewError("invoice is not a draft").
					WithHintf("Invoice %s left draft before this update", inv.ID).
					WithReportableDetails(map[string]any{"invoice_id": inv.ID}).
					Mark(ierr.ErrInvalidOperation)
			}
			return err
		}

		q := r.client.Querier(ctx)
		for _, table := range []string{"fees", "invoice_subscriptions", "applied_usage_thresholds"} {
			if _, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE invoice_id = $1`, inv.ID); err != nil {
				return translate(err, "invoice", inv.ID)
			}
		}
		return r.writeChildren(ctx, inv)
	})
}

func (r *invoiceRepository) writeChildren(ctx context.Context, inv *invoice.Invoice) error {
	q := r.client.Querier(ctx)

	for _, s := range inv.Subscriptions {
		s.InvoiceID = inv.ID
		if _, err := q.NamedExecContext(ctx, `
			INSERT INTO invoice_subscriptions (`+invoiceSubscriptionColumns+`)
			VALUES (
				:id, :tenant_id, :environment_id, :invoice_id, :subscription_id, :invoicing_reason,
				:from_datetime, :to_datetime, :charges_from_datetime, :charges_to_datetime, :fixed_charges_from_datetime,
				:fixed_charges_to_datetime, :timestamp, :fee_billed, :period_key
			)`, &invoiceSubscriptionRow{InvoiceSubscription: *s, scope: scopeOf(ctx)}); err != nil {
			return translate(err, "invoice subscription", s.ID)
		}
	}

	for _, f := range inv.Fees {
		f.InvoiceID = inv.ID
		if err := r.insertFee(ctx, f); err != nil {
			return err
		}
	}

	for _, t := range inv.AppliedThresholds {
		t.InvoiceID = inv.ID
		if _, err := q.NamedExecContext(ctx, `
			INSERT INTO applied_usage_thresholds (`+appliedThresholdColumns+`)
			VALUES (
				:id, :tenant_id, :environment_id, :invoice_id, :subscription_id, :usage_threshold_id,
				:charges_from_datetime, :lifetime_usage_amount_cents, :recurring_count, :created_at
			)`, &appliedThresholdRow{AppliedUsageThreshold: *t, scope: scopeOf(ctx)}); err != nil {
			return translate(err, "applied usage threshold", t.ID)
		}
	}
	return nil
}

// insertFee upserts so a pending fee attached by AttachFees can be rewritten with its invoice
func (r *invoiceRepository) insertFee(ctx context.Context, f *invoice.Fee) error {
	query := `
		INSERT INTO fees (` + feeColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :invoice_id, :subscription_id, :customer_id, :fee_type, :charge_id,
			:charge_filter_id, :fixed_charge_id, :billable_metric_code, :grouped_by, :amount_cents, :precise_amount_cents,
			:unit_amount_cents, :units, :events_count, :precise_coupons_amount_cents, :taxes_amount_cents, :taxes_rate,
			:pay_in_advance, :pay_in_advance_event_transaction_id, :period, :invoice_display_name, :created_at
		)
		ON CONFLICT (id) DO UPDATE SET
			invoice_id = EXCLUDED.invoice_id,
			amount_cents = EXCLUDED.amount_cents,
			precise_amount_cents = EXCLUDED.precise_amount_cents,
			precise_coupons_amount_cents = EXCLUDED.precise_coupons_amount_cents,
			taxes_amount_cents = EXCLUDED.taxes_amount_cents,
			taxes_rate = EXCLUDED.taxes_rate`

	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query, newFeeRow(ctx, f))
	return translate(err, "fee", f.ID)
}

func (r *invoiceRepository) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	clause, args := scoped(ctx, "").add("id = ?", id).render()
	var inv invoice.Invoice
	if err := r.client.Querier(ctx).GetContext(ctx, &inv,
		`SELECT `+invoiceColumns+` FROM invoices `+clause, args...); err != nil {
		return nil, translate(err, "invoice", id)
	}
	if err := r.hydrate(ctx, []*invoice.Invoice{&inv}); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepository) List(ctx context.Context, filter *invoice.Filter) ([]*invoice.Invoice, error) {
	if filter == nil {
		filter = &invoice.Filter{}
	}

	w := scoped(ctx, "i.")
	if filter.CustomerID != "" {
		w.add("i.customer_id = ?", filter.CustomerID)
	}
	if filter.SubscriptionID != "" {
		w.add("EXISTS (SELECT 1 FROM invoice_subscriptions s WHERE s.invoice_id = i.id AND s.subscription_id = ?)", filter.SubscriptionID)
	}
	if len(filter.InvoiceTypes) > 0 {
		w.add("i.invoice_type IN ("+placeholders(len(filter.InvoiceTypes))+")", stringArgs(filter.InvoiceTypes)...)
	}
	if len(filter.Statuses) > 0 {
		w.add("i.invoice_status IN ("+placeholders(len(filter.Statuses))+")", stringArgs(filter.Statuses)...)
	}
	if filter.DraftUntilBefore != nil {
		w.add("i.draft_until IS NOT NULL AND i.draft_until <= ?", *filter.DraftUntilBefore)
	}

	clause, args := w.render()
	var invoices []*invoice.Invoice
	if err := r.client.Querier(ctx).SelectContext(ctx, &invoices,
		`SELECT `+prefixColumns("i.", invoiceColumns)+` FROM invoices i `+clause+` ORDER BY i.created_at, i.id`, args...); err != nil {
		return nil, translate(err, "invoice", "")
	}
	if err := r.hydrate(ctx, invoices); err != nil {
		return nil, err
	}
	return invoices, nil
}

// hydrate loads the child rows of a page of invoices in one query per table
func (r *invoiceRepository) hydrate(ctx context.Context, invoices []*invoice.Invoice) error {
	if len(invoices) == 0 {
		return nil
	}
	ids := lo.Map(invoices, func(inv *invoice.Invoice, _ int) string { return inv.ID })
	in := "invoice_id IN (" + placeholders(len(ids)) + ")"
	q := r.client.Querier(ctx)

	clause, args := scoped(ctx, "").add(in, stringArgs(ids)...).render()

	var subs []*invoiceSubscriptionRow
	if err := q.SelectContext(ctx, &subs,
		`SELECT `+invoiceSubscriptionColumns+` FROM invoice_subscriptions `+clause+` ORDER BY timestamp, id`, args...); err != nil {
		return translate(err, "invoice subscription", "")
	}

	var fees []*feeRow
	if err := q.SelectContext(ctx, &fees,
		`SELECT `+feeColumns+` FROM fees `+clause+` ORDER BY created_at, id`, args...); err != nil {
		return translate(err, "fee", "")
	}

	var thresholds []*appliedThresholdRow
	if err := q.SelectContext(ctx, &thresholds,
		`SELECT `+appliedThresholdColumns+` FROM applied_usage_thresholds `+clause+` ORDER BY created_at, id`, args...); err != nil {
		return translate(err, "applied usage threshold", "")
	}

	subsByInvoice := lo.GroupBy(subs, func(s *invoiceSubscriptionRow) string { return s.InvoiceID })
	feesByInvoice := lo.GroupBy(fees, func(f *feeRow) string { return f.InvoiceID })
	thresholdsByInvoice := lo.GroupBy(thresholds, func(t *appliedThresholdRow) string { return t.InvoiceID })

	for _, inv := range invoices {
		inv.Subscriptions = lo.Map(subsByInvoice[inv.ID], func(s *invoiceSubscriptionRow, _ int) *invoice.InvoiceSubscription {
			c := s.InvoiceSubscription
			return &c
		})
		inv.Fees = lo.Map(feesByInvoice[inv.ID], func(f *feeRow, _ int) *invoice.Fee { return f.toDomain() })
		inv.AppliedThresholds = lo.Map(thresholdsByInvoice[inv.ID], func(t *appliedThresholdRow, _ int) *invoice.AppliedUsageThreshold {
			c := t.AppliedUsageThreshold
			return &c
		})
	}
	return nil
}

func (r *invoiceRepository) ExistsPeriodKey(ctx context.Context, periodKey string) (bool, error) {
	clause, args := scoped(ctx, "s.").
		add("s.period_key = ?", periodKey).
		add("i.invoice_status <> ?", string(types.InvoiceStatusVoided)).
		render()

	var exists bool
	err := r.client.Querier(ctx).GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM invoice_subscriptions s
			JOIN invoices i ON i.id = s.invoice_id
			`+clause+`
		)`, args...)
	if err != nil {
		return false, translate(err, "invoice subscription", periodKey)
	}
	return exists, nil
}

func (r *invoiceRepository) ListInvoiceSubscriptions(ctx context.Context, subscriptionID string) ([]*invoice.InvoiceSubscription, error) {
	clause, args := scoped(ctx, "s.").
		add("s.subscription_id = ?", subscriptionID).
		add("i.invoice_status <> ?", string(types.InvoiceStatusVoided)).
		render()

	var rows []*invoiceSubscriptionRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &rows, `
		SELECT `+prefixColumns("s.", invoiceSubscriptionColumns)+`
		FROM invoice_subscriptions s
		JOIN invoices i ON i.id = s.invoice_id
		`+clause+`
		ORDER BY s.timestamp, s.id`, args...); err != nil {
		return nil, translate(err, "invoice subscription", subscriptionID)
	}
	return lo.Map(rows, func(s *invoiceSubscriptionRow, _ int) *invoice.InvoiceSubscription {
		c := s.InvoiceSubscription
		return &c
	}), nil
}

func (r *invoiceRepository) CreateFee(ctx context.Context, fee *invoice.Fee) error {
	r.logger.Debugw("creating fee",
		"fee_id", fee.ID,
		"subscription_id", fee.SubscriptionID,
		"fee_type", fee.FeeType,
	)
	return r.insertFee(ctx, fee)
}

func (r *invoiceRepository) ListPendingFees(ctx context.Context, subscriptionID string) ([]*invoice.Fee, error) {
	clause, args := scoped(ctx, "").
		add("invoice_id = ''").
		add("subscription_id = ?", subscriptionID).
		render()
	return r.selectFees(ctx, `SELECT `+feeColumns+` FROM fees `+clause+` ORDER BY created_at, id`, args)
}

func (r *invoiceRepository) AttachFees(ctx context.Context, invoiceID string, feeIDs []string) error {
	if len(feeIDs) == 0 {
		return nil
	}
	clause, args := scoped(ctx, "").add("id IN ("+placeholders(len(feeIDs))+")", stringArgs(feeIDs)...).render()
	// invoice id takes the next positional slot after the where arguments
	args = append(args, invoiceID)
	query := `UPDATE fees SET invoice_id = $` + strconv.Itoa(len(args)) + ` ` + clause
	if _, err := r.client.Querier(ctx).ExecContext(ctx, query, args...); err != nil {
		return translate(err, "fee", invoiceID)
	}
	return nil
}

func (r *invoiceRepository) ListPayInAdvanceFees(ctx context.Context, subscriptionID string) ([]*invoice.Fee, error) {
	clause, args := scoped(ctx, "f.").
		add("f.pay_in_advance").
		add("f.subscription_id = ?", subscriptionID).
		add("NOT EXISTS (SELECT 1 FROM invoices i WHERE i.id = f.invoice_id AND i.invoice_status = ?)", string(types.InvoiceStatusVoided)).
		render()
	return r.selectFees(ctx, `SELECT `+prefixColumns("f.", feeColumns)+` FROM fees f `+clause+` ORDER BY f.created_at, f.id`, args)
}

func (r *invoiceRepository) selectFees(ctx context.Context, query string, args []interface{}) ([]*invoice.Fee, error) {
	var rows []*feeRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, translate(err, "fee", "")
	}
	return lo.Map(rows, func(f *feeRow, _ int) *invoice.Fee { return f.toDomain() }), nil
}

func (r *invoiceRepository) ListAppliedThresholds(ctx context.Context, subscriptionID string) ([]*invoice.AppliedUsageThreshold, error) {
	clause, args := scoped(ctx, "t.").
		add("t.subscription_id = ?", subscriptionID).
		add("i.invoice_status <> ?", string(types.InvoiceStatusVoided)).
		render()

	var rows []*appliedThresholdRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &rows, `
		SELECT `+prefixColumns("t.", appliedThresholdColumns)+`
		FROM applied_usage_thresholds t
		JOIN invoices i ON i.id = t.invoice_id
		`+clause+`
		ORDER BY t.created_at, t.id`, args...); err != nil {
		return nil, translate(err, "applied usage threshold", subscriptionID)
	}
	return lo.Map(rows, func(t *appliedThresholdRow, _ int) *invoice.AppliedUsageThreshold {
		c := t.AppliedUsageThreshold
		return &c
	}), nil
}

func (r *invoiceRepository) ListAppliedCoupons(ctx context.Context, customerID string) ([]*invoice.AppliedCoupon, error) {
	clause, args := scoped(ctx, "").
		add("customer_id = ?", customerID).
		add("NOT terminated").
		render()

	var rows []*appliedCouponRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &rows,
		`SELECT `+appliedCouponColumns+` FROM applied_coupons `+clause+` ORDER BY created_at, id`, args...); err != nil {
		return nil, translate(err, "applied coupon", customerID)
	}
	return lo.Map(rows, func(c *appliedCouponRow, _ int) *invoice.AppliedCoupon {
		out := c.AppliedCoupon
		return &out
	}), nil
}

func (r *invoiceRepository) UpdateAppliedCoupon(ctx context.Context, c *invoice.AppliedCoupon) error {
	query := `
		UPDATE applied_coupons SET
			frequency_remaining = :frequency_remaining,
			amount_cents_remaining = :amount_cents_remaining,
			terminated = :terminated
		WHERE id = :id AND tenant_id = :tenant_id AND environment_id = :environment_id`

	res, err := r.client.Querier(ctx).NamedExecContext(ctx, query, &appliedCouponRow{AppliedCoupon: *c, scope: scopeOf(ctx)})
	if err != nil {
		return translate(err, "applied coupon", c.ID)
	}
	return expectRow(res, "applied coupon", c.ID)
}

func (r *invoiceRepository) CreateAppliedCoupon(ctx context.Context, c *invoice.AppliedCoupon) error {
	query := `
		INSERT INTO applied_coupons (` + appliedCouponColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :customer_id, :coupon_type, :amount_cents, :percentage_rate,
			:frequency, :frequency_duration, :frequency_remaining, :amount_cents_remaining, :terminated, :created_at
		)`

	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := r.client.Querier(ctx).NamedExecContext(ctx, query, &appliedCouponRow{AppliedCoupon: *c, scope: scopeOf(ctx)})
	return translate(err, "applied coupon", c.ID)
}
