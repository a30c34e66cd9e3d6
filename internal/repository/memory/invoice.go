package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

// InvoiceStore keeps invoice headers and fees apart so fees can exist before
// they are attached to an invoice.
type InvoiceStore struct {
	*Store[*invoice.Invoice]

	feesMu  sync.RWMutex
	fees    map[string]*invoice.Fee
	coupons *Store[*invoice.AppliedCoupon]
}

var _ invoice.Repository = (*InvoiceStore)(nil)

func NewInvoiceStore() *InvoiceStore {
	return &InvoiceStore{
		Store: NewStore("invoice", copyInvoiceHeader, func(i *invoice.Invoice) (string, string) {
			return baseScope(i.BaseModel)
		}),
		fees:    make(map[string]*invoice.Fee),
		coupons: NewStore("applied coupon", copyCoupon, nil),
	}
}

func copyInvoiceHeader(i *invoice.Invoice) *invoice.Invoice {
	if i == nil {
		return nil
	}
	out := *i
	out.Fees = nil
	out.Subscriptions = lo.Map(i.Subscriptions, func(s *invoice.InvoiceSubscription, _ int) *invoice.InvoiceSubscription {
		c := *s
		return &c
	})
	out.AppliedThresholds = lo.Map(i.AppliedThresholds, func(t *invoice.AppliedUsageThreshold, _ int) *invoice.AppliedUsageThreshold {
		c := *t
		return &c
	})
	return &out
}

func copyFee(f *invoice.Fee) *invoice.Fee {
	out := *f
	out.GroupedBy = lo.Assign(map[string]string{}, f.GroupedBy)
	return &out
}

func copyCoupon(c *invoice.AppliedCoupon) *invoice.AppliedCoupon {
	out := *c
	if c.AmountCentsRemaining != nil {
		out.AmountCentsRemaining = types.DecimalPtr(*c.AmountCentsRemaining)
	}
	return &out
}

func (s *InvoiceStore) Create(ctx context.Context, inv *invoice.Invoice) error {
	if err := s.Store.Create(ctx, inv.ID, inv); err != nil {
		return err
	}
	s.putFees(inv.ID, inv.Fees)
	return nil
}

func (s *InvoiceStore) Update(ctx context.Context, inv *invoice.Invoice) error {
	if err := s.Store.Update(ctx, inv.ID, inv); err != nil {
		return err
	}
	s.replaceFees(inv)
	return nil
}

func (s *InvoiceStore) UpdateDraft(ctx context.Context, inv *invoice.Invoice) error {
	err := s.Store.UpdateIf(ctx, inv.ID, inv, func(current *invoice.Invoice) error {
		if !current.IsDraft() {
			return invoice.ErrNotDraft(current)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.replaceFees(inv)
	return nil
}

func (s *InvoiceStore) replaceFees(inv *invoice.Invoice) {
	s.feesMu.Lock()
	for id, f := range s.fees {
		if f.InvoiceID == inv.ID {
			delete(s.fees, id)
		}
	}
	s.feesMu.Unlock()
	s.putFees(inv.ID, inv.Fees)
}

func (s *InvoiceStore) putFees(invoiceID string, fees []*invoice.Fee) {
	s.feesMu.Lock()
	defer s.feesMu.Unlock()
	for _, f := range fees {
		c := copyFee(f)
		c.InvoiceID = invoiceID
		s.fees[c.ID] = c
	}
}

func (s *InvoiceStore) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	inv, err := s.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	s.hydrate(inv)
	return inv, nil
}

func (s *InvoiceStore) hydrate(inv *invoice.Invoice) {
	inv.Fees = s.listFees(func(f *invoice.Fee) bool { return f.InvoiceID == inv.ID })
}

func (s *InvoiceStore) listFees(pred func(*invoice.Fee) bool) []*invoice.Fee {
	s.feesMu.RLock()
	defer s.feesMu.RUnlock()
	var out []*invoice.Fee
	for _, f := range s.fees {
		if pred(f) {
			out = append(out, copyFee(f))
		}
	}
	sortFees(out)
	return out
}

func (s *InvoiceStore) List(ctx context.Context, filter *invoice.Filter) ([]*invoice.Invoice, error) {
	if filter == nil {
		filter = &invoice.Filter{}
	}
	items := s.Store.List(ctx, func(_ context.Context, inv *invoice.Invoice) bool {
		if filter.CustomerID != "" && inv.CustomerID != filter.CustomerID {
			return false
		}
		if filter.SubscriptionID != "" && !lo.Contains(inv.SubscriptionIDs(), filter.SubscriptionID) {
			return false
		}
		if len(filter.InvoiceTypes) > 0 && !lo.Contains(filter.InvoiceTypes, inv.InvoiceType) {
			return false
		}
		if len(filter.Statuses) > 0 && !lo.Contains(filter.Statuses, inv.InvoiceStatus) {
			return false
		}
		if filter.DraftUntilBefore != nil {
			if inv.DraftUntil == nil || inv.DraftUntil.After(*filter.DraftUntilBefore) {
				return false
			}
		}
		return true
	}, func(a, b *invoice.Invoice) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	for _, inv := range items {
		s.hydrate(inv)
	}
	return items, nil
}

func (s *InvoiceStore) live(ctx context.Context) []*invoice.Invoice {
	return s.Store.List(ctx, func(_ context.Context, inv *invoice.Invoice) bool {
		return inv.InvoiceStatus != types.InvoiceStatusVoided
	}, nil)
}

func (s *InvoiceStore) ExistsPeriodKey(ctx context.Context, periodKey string) (bool, error) {
	for _, inv := range s.live(ctx) {
		for _, is := range inv.Subscriptions {
			if is.PeriodKey == periodKey {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *InvoiceStore) ListInvoiceSubscriptions(ctx context.Context, subscriptionID string) ([]*invoice.InvoiceSubscription, error) {
	var out []*invoice.InvoiceSubscription
	for _, inv := range s.live(ctx) {
		for _, is := range inv.Subscriptions {
			if is.SubscriptionID == subscriptionID {
				out = append(out, is)
			}
		}
	}
	return out, nil
}

func (s *InvoiceStore) CreateFee(ctx context.Context, fee *invoice.Fee) error {
	s.feesMu.Lock()
	defer s.feesMu.Unlock()
	s.fees[fee.ID] = copyFee(fee)
	return nil
}

func (s *InvoiceStore) ListPendingFees(ctx context.Context, subscriptionID string) ([]*invoice.Fee, error) {
	return s.listFees(func(f *invoice.Fee) bool {
		return f.InvoiceID == "" && f.SubscriptionID == subscriptionID
	}), nil
}

func (s *InvoiceStore) AttachFees(ctx context.Context, invoiceID string, feeIDs []string) error {
	s.feesMu.Lock()
	defer s.feesMu.Unlock()
	for _, id := range feeIDs {
		if f, ok := s.fees[id]; ok {
			f.InvoiceID = invoiceID
		}
	}
	return nil
}

func (s *InvoiceStore) ListPayInAdvanceFees(ctx context.Context, subscriptionID string) ([]*invoice.Fee, error) {
	voided := lo.SliceToMap(s.Store.List(ctx, func(_ context.Context, inv *invoice.Invoice) bool {
		return inv.InvoiceStatus == types.InvoiceStatusVoided
	}, nil), func(inv *invoice.Invoice) (string, bool) { return inv.ID, true })

	return s.listFees(func(f *invoice.Fee) bool {
		return f.PayInAdvance && f.SubscriptionID == subscriptionID && !voided[f.InvoiceID]
	}), nil
}

func (s *InvoiceStore) ListAppliedThresholds(ctx context.Context, subscriptionID string) ([]*invoice.AppliedUsageThreshold, error) {
	var out []*invoice.AppliedUsageThreshold
	for _, inv := range s.live(ctx) {
		for _, t := range inv.AppliedThresholds {
			if t.SubscriptionID == subscriptionID {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (s *InvoiceStore) ListAppliedCoupons(ctx context.Context, customerID string) ([]*invoice.AppliedCoupon, error) {
	return s.coupons.List(ctx, func(_ context.Context, c *invoice.AppliedCoupon) bool {
		return c.CustomerID == customerID && !c.Terminated
	}, func(a, b *invoice.AppliedCoupon) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}), nil
}

func (s *InvoiceStore) UpdateAppliedCoupon(ctx context.Context, c *invoice.AppliedCoupon) error {
	return s.coupons.Update(ctx, c.ID, c)
}

func (s *InvoiceStore) CreateAppliedCoupon(ctx context.Context, c *invoice.AppliedCoupon) error {
	return s.coupons.Create(ctx, c.ID, c)
}

// sortFees orders fees by creation then id so invoices list them stably
func sortFees(fees []*invoice.Fee) {
	sort.SliceStable(fees, func(i, j int) bool {
		if !fees[i].CreatedAt.Equal(fees[j].CreatedAt) {
			return fees[i].CreatedAt.Before(fees[j].CreatedAt)
		}
		return fees[i].ID < fees[j].ID
	})
}
