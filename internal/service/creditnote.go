package service

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/domain/creditnote"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

type CreditNoteService interface {
	// CreateForTermination credits the unused days of a subscription fee paid in advance.
	// It returns nil when the policy, the plan or the paid amount leave nothing to credit.
	CreateForTermination(ctx context.Context, sub *subscription.Subscription, p *plan.Plan, at time.Time) (*creditnote.CreditNote, error)
	// ApplyToInvoice consumes available credit note balances against a draft being finalized
	ApplyToInvoice(ctx context.Context, inv *invoice.Invoice, at time.Time) error
	Get(ctx context.Context, id string) (*creditnote.CreditNote, error)
	Void(ctx context.Context, id string, at time.Time) (*creditnote.CreditNote, error)
}

type creditNoteService struct {
	ServiceParams
}

func NewCreditNoteService(params ServiceParams) CreditNoteService {
	return &creditNoteService{ServiceParams: params}
}

func (s *creditNoteService) Get(ctx context.Context, id string) (*creditnote.CreditNote, error) {
	return s.CreditNoteRepo.Get(ctx, id)
}

func (s *creditNoteService) CreateForTermination(ctx context.Context, sub *subscription.Subscription, p *plan.Plan, at time.Time) (*creditnote.CreditNote, error) {
	cn, err := s.createForTermination(ctx, sub, p, at)
	if err != nil || cn == nil {
		return nil, err
	}
	s.publish(ctx, types.EventCreditNoteCreated, cn.ID, cn)
	return cn, nil
}

// createForTermination stores the termination credit note without announcing it
func (s *creditNoteService) createForTermination(ctx context.Context, sub *subscription.Subscription, p *plan.Plan, at time.Time) (*creditnote.CreditNote, error) {
	if !p.PayInAdvance || sub.OnTerminationCreditNote == types.OnTerminationCreditNoteSkip {
		return nil, nil
	}

	cust, err := s.CustomerRepo.Get(ctx, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	loc := s.location(cust)

	inv, fee, err := s.paidSubscriptionFee(ctx, sub.ID, at)
	if err != nil {
		return nil, err
	}
	if fee == nil {
		return nil, nil
	}

	periodDays := types.InclusiveDays(fee.Period.From, fee.Period.To, loc)
	unusedDays := types.DaysBetween(at, fee.Period.To, loc)
	if periodDays <= 0 || unusedDays <= 0 {
		return nil, nil
	}

	paid := fee.AmountCents.Sub(fee.PreciseCouponsAmountCents)
	credited, err := s.creditedAmount(ctx, inv.ID, fee.ID)
	if err != nil {
		return nil, err
	}

	amount := types.RoundCents(paid.Mul(decimal.NewFromInt(int64(unusedDays))).Div(decimal.NewFromInt(int64(periodDays))))
	amount = decimal.Min(amount, paid.Sub(credited))
	if !amount.IsPositive() {
		return nil, nil
	}

	taxes := decimal.Zero
	if paid.IsPositive() {
		taxes = types.RoundCents(fee.TaxesAmountCents.Mul(amount).Div(paid))
	}

	reason := types.CreditNoteReasonOrderCancellation
	if sub.NextSubscriptionID != "" {
		reason = types.CreditNoteReasonOrderChange
	}

	total := amount.Add(taxes)
	cn := &creditnote.CreditNote{
		ID:                 types.GenerateUUIDWithPrefix(types.UUID_PREFIX_CREDIT_NOTE),
		Number:             types.GenerateShortIDWithPrefix(types.SHORT_ID_PREFIX_CREDIT_NOTE),
		InvoiceID:          inv.ID,
		CustomerID:         sub.CustomerID,
		Reason:             reason,
		CreditStatus:       types.CreditNoteStatusAvailable,
		CreditAmountCents:  amount,
		TaxesAmountCents:   taxes,
		TotalAmountCents:   total,
		BalanceAmountCents: total,
		Items: []*creditnote.Item{{
			ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_CREDIT_NOTE_ITEM),
			FeeID:       fee.ID,
			AmountCents: amount,
		}},
		IssuingDate: at,
		BaseModel:   types.GetDefaultBaseModel(ctx, at),
	}

	if err := s.CreditNoteRepo.Create(ctx, cn); err != nil {
		return nil, err
	}

	s.Logger.WithContext(ctx).Infow("credit note created",
		"credit_note_id", cn.ID,
		"subscription_id", sub.ID,
		"invoice_id", inv.ID,
		"unused_days", unusedDays,
		"period_days", periodDays,
		"credit_amount_cents", amount)
	return cn, nil
}

// paidSubscriptionFee finds the subscription fee of a finalized invoice whose
// period contains at
func (s *creditNoteService) paidSubscriptionFee(ctx context.Context, subscriptionID string, at time.Time) (*invoice.Invoice, *invoice.Fee, error) {
	invoices, err := s.InvoiceRepo.List(ctx, &invoice.Filter{
		SubscriptionID: subscriptionID,
		Statuses:       []types.InvoiceStatus{types.InvoiceStatusFinalized},
	})
	if err != nil {
		return nil, nil, err
	}

	var foundInv *invoice.Invoice
	var found *invoice.Fee
	for _, inv := range invoices {
		for _, f := range inv.Fees {
			if f.SubscriptionID != subscriptionID || f.FeeType != types.FeeTypeSubscription {
				continue
			}
			if at.Before(f.Period.From) || at.After(f.Period.To) {
				continue
			}
			if found == nil || f.Period.From.After(found.Period.From) {
				foundInv, found = inv, f
			}
		}
	}
	return foundInv, found, nil
}

// creditedAmount sums what live credit notes of an invoice already credited on a fee
func (s *creditNoteService) creditedAmount(ctx context.Context, invoiceID, feeID string) (decimal.Decimal, error) {
	notes, err := s.CreditNoteRepo.ListByInvoice(ctx, invoiceID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, cn := range notes {
		if cn.CreditStatus == types.CreditNoteStatusVoided {
			continue
		}
		for _, item := range cn.Items {
			if item.FeeID == feeID {
				total = total.Add(item.AmountCents)
			}
		}
	}
	return total, nil
}

func (s *creditNoteService) ApplyToInvoice(ctx context.Context, inv *invoice.Invoice, at time.Time) error {
	notes, err := s.CreditNoteRepo.ListAvailable(ctx, inv.CustomerID)
	if err != nil {
		return err
	}

	due := decimal.Max(decimal.Zero, inv.SubTotalIncludingTaxesAmountCents.Sub(inv.CreditNotesAmountCents))
	for _, cn := range notes {
		if !due.IsPositive() {
			break
		}
		if cn.InvoiceID == inv.ID || !cn.BalanceAmountCents.IsPositive() {
			continue
		}
		applied := decimal.Min(cn.BalanceAmountCents, due)
		cn.BalanceAmountCents = cn.BalanceAmountCents.Sub(applied)
		if cn.BalanceAmountCents.IsZero() {
			cn.CreditStatus = types.CreditNoteStatusConsumed
		}
		cn.UpdatedAt = at
		if err := s.CreditNoteRepo.Update(ctx, cn); err != nil {
			return err
		}
		inv.CreditNotesAmountCents = inv.CreditNotesAmountCents.Add(applied)
		due = due.Sub(applied)

		s.Logger.WithContext(ctx).Debugw("credit note applied",
			"credit_note_id", cn.ID,
			"invoice_id", inv.ID,
			"amount_cents", applied)
	}
	return nil
}

func (s *creditNoteService) Void(ctx context.Context, id string, at time.Time) (*creditnote.CreditNote, error) {
	cn, err := s.CreditNoteRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cn.CreditStatus == types.CreditNoteStatusVoided {
		return nil, ierr.NewError("credit note already voided").
			WithHintf("Credit note %s is already voided", cn.ID).
			Mark(ierr.ErrInvalidOperation)
	}
	if cn.CreditStatus == types.CreditNoteStatusConsumed {
		return nil, ierr.NewError("credit note consumed").
			WithHintf("Credit note %s was fully applied and cannot be voided", cn.ID).
			Mark(ierr.ErrInvalidOperation)
	}

	cn.CreditStatus = types.CreditNoteStatusVoided
	cn.BalanceAmountCents = decimal.Zero
	cn.VoidedAt = &at
	cn.UpdatedAt = at
	if err := s.CreditNoteRepo.Update(ctx, cn); err != nil {
		return nil, err
	}
	return cn, nil
}
