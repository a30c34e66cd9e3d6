package memory

import (
	"context"

	"github.com/flexprice/billingengine/internal/domain/creditnote"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

type CreditNoteStore struct {
	*Store[*creditnote.CreditNote]
}

var _ creditnote.Repository = (*CreditNoteStore)(nil)

func NewCreditNoteStore() *CreditNoteStore {
	return &CreditNoteStore{
		Store: NewStore("credit note", copyCreditNote, func(cn *creditnote.CreditNote) (string, string) {
			return baseScope(cn.BaseModel)
		}),
	}
}

func copyCreditNote(cn *creditnote.CreditNote) *creditnote.CreditNote {
	if cn == nil {
		return nil
	}
	out := *cn
	out.Items = lo.Map(cn.Items, func(it *creditnote.Item, _ int) *creditnote.Item {
		c := *it
		return &c
	})
	return &out
}

func creditNoteLess(a, b *creditnote.CreditNote) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *CreditNoteStore) Create(ctx context.Context, cn *creditnote.CreditNote) error {
	return s.Store.Create(ctx, cn.ID, cn)
}

func (s *CreditNoteStore) Get(ctx context.Context, id string) (*creditnote.CreditNote, error) {
	return s.Store.Get(ctx, id)
}

func (s *CreditNoteStore) Update(ctx context.Context, cn *creditnote.CreditNote) error {
	return s.Store.Update(ctx, cn.ID, cn)
}

func (s *CreditNoteStore) ListAvailable(ctx context.Context, customerID string) ([]*creditnote.CreditNote, error) {
	return s.Store.List(ctx, func(_ context.Context, cn *creditnote.CreditNote) bool {
		return cn.CustomerID == customerID &&
			cn.CreditStatus == types.CreditNoteStatusAvailable &&
			cn.BalanceAmountCents.IsPositive()
	}, creditNoteLess), nil
}

func (s *CreditNoteStore) ListByInvoice(ctx context.Context, invoiceID string) ([]*creditnote.CreditNote, error) {
	return s.Store.List(ctx, func(_ context.Context, cn *creditnote.CreditNote) bool {
		return cn.InvoiceID == invoiceID
	}, creditNoteLess), nil
}
