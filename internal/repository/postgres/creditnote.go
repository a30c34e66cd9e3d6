package postgres

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/creditnote"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

const creditNoteColumns = `id, tenant_id, environment_id, status, number, invoice_id, customer_id, reason,
	credit_status, credit_amount_cents, taxes_amount_cents, total_amount_cents, balance_amount_cents,
	issuing_date, voided_at, created_at, updated_at, created_by, updated_by`

type creditNoteItemRow struct {
	creditnote.Item
	CreditNoteID string `db:"credit_note_id"`
}

type creditNoteRepository struct {
	client postgres.IClient
	logger *logger.Logger
}

func NewCreditNoteRepository(client postgres.IClient, logger *logger.Logger) creditnote.Repository {
	return &creditNoteRepository{client: client, logger: logger}
}

func (r *creditNoteRepository) Create(ctx context.Context, cn *creditnote.CreditNote) error {
	query := `
		INSERT INTO credit_notes (` + creditNoteColumns + `)
		VALUES (
			:id, :tenant_id, :environment_id, :status, :number, :invoice_id, :customer_id, :reason,
			:credit_status, :credit_amount_cents, :taxes_amount_cents, :total_amount_cents, :balance_amount_cents,
			:issuing_date, :voided_at, :created_at, :updated_at, :created_by, :updated_by
		)`

	r.logger.Debugw("creating credit note",
		"credit_note_id", cn.ID,
		"invoice_id", cn.InvoiceID,
		"total_amount_cents", cn.TotalAmountCents,
	)

	return r.client.WithTx(ctx, func(ctx context.Context) error {
		q := r.client.Querier(ctx)
		if _, err := q.NamedExecContext(ctx, query, cn); err != nil {
			return translate(err, "credit note", cn.ID)
		}
		for _, item := range cn.Items {
			if _, err := q.NamedExecContext(ctx, `
				INSERT INTO credit_note_items (id, credit_note_id, fee_id, amount_cents)
				VALUES (:id, :credit_note_id, :fee_id, :amount_cents)`,
				&creditNoteItemRow{Item: *item, CreditNoteID: cn.ID}); err != nil {
				return translate(err, "credit note item", item.ID)
			}
		}
		return nil
	})
}

func (r *creditNoteRepository) Get(ctx context.Context, id string) (*creditnote.CreditNote, error) {
	clause, args := scoped(ctx, "").add("id = ?", id).render()
	var cn creditnote.CreditNote
	if err := r.client.Querier(ctx).GetContext(ctx, &cn,
		`SELECT `+creditNoteColumns+` FROM credit_notes `+clause, args...); err != nil {
		return nil, translate(err, "credit note", id)
	}
	if err := r.loadItems(ctx, []*creditnote.CreditNote{&cn}); err != nil {
		return nil, err
	}
	return &cn, nil
}

// Update persists the status and balance; items are immutable once issued
func (r *creditNoteRepository) Update(ctx context.Context, cn *creditnote.CreditNote) error {
	query := `
		UPDATE credit_notes SET
			credit_status = :credit_status,
			balance_amount_cents = :balance_amount_cents,
			voided_at = :voided_at,
			status = :status,
			updated_at = :updated_at,
			updated_by = :updated_by
		WHERE id = :id AND tenant_id = :tenant_id AND environment_id = :environment_id`

	res, err := r.client.Querier(ctx).NamedExecContext(ctx, query, cn)
	if err != nil {
		return translate(err, "credit note", cn.ID)
	}
	return expectRow(res, "credit note", cn.ID)
}

func (r *creditNoteRepository) ListAvailable(ctx context.Context, customerID string) ([]*creditnote.CreditNote, error) {
	return r.list(ctx, scoped(ctx, "").
		add("customer_id = ?", customerID).
		add("credit_status = ?", string(types.CreditNoteStatusAvailable)).
		add("balance_amount_cents > 0"))
}

func (r *creditNoteRepository) ListByInvoice(ctx context.Context, invoiceID string) ([]*creditnote.CreditNote, error) {
	return r.list(ctx, scoped(ctx, "").add("invoice_id = ?", invoiceID))
}

func (r *creditNoteRepository) list(ctx context.Context, w *where) ([]*creditnote.CreditNote, error) {
	clause, args := w.render()
	var notes []*creditnote.CreditNote
	if err := r.client.Querier(ctx).SelectContext(ctx, &notes,
		`SELECT `+creditNoteColumns+` FROM credit_notes `+clause+` ORDER BY created_at, id`, args...); err != nil {
		return nil, translate(err, "credit note", "")
	}
	if err := r.loadItems(ctx, notes); err != nil {
		return nil, err
	}
	return notes, nil
}

func (r *creditNoteRepository) loadItems(ctx context.Context, notes []*creditnote.CreditNote) error {
	if len(notes) == 0 {
		return nil
	}
	ids := lo.Map(notes, func(cn *creditnote.CreditNote, _ int) string { return cn.ID })
	clause, args := (&where{}).add("credit_note_id IN ("+placeholders(len(ids))+")", stringArgs(ids)...).render()

	var items []*creditNoteItemRow
	if err := r.client.Querier(ctx).SelectContext(ctx, &items,
		`SELECT id, credit_note_id, fee_id, amount_cents FROM credit_note_items `+clause+` ORDER BY id`, args...); err != nil {
		return translate(err, "credit note item", "")
	}

	byNote := lo.GroupBy(items, func(i *creditNoteItemRow) string { return i.CreditNoteID })
	for _, cn := range notes {
		cn.Items = lo.Map(byNote[cn.ID], func(i *creditNoteItemRow, _ int) *creditnote.Item {
			item := i.Item
			return &item
		})
	}
	return nil
}
