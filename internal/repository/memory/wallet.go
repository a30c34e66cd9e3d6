package memory

import (
	"context"
	"sync"

	"github.com/flexprice/billingengine/internal/domain/wallet"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

type WalletStore struct {
	wallets      *Store[*wallet.Wallet]
	transactions *Store[*wallet.Transaction]

	mu           sync.RWMutex
	consumptions []*wallet.Consumption
}

var _ wallet.Repository = (*WalletStore)(nil)

func NewWalletStore() *WalletStore {
	return &WalletStore{
		wallets: NewStore("wallet", copyWallet, func(w *wallet.Wallet) (string, string) {
			return baseScope(w.BaseModel)
		}),
		transactions: NewStore("wallet transaction", copyTransaction, func(t *wallet.Transaction) (string, string) {
			return t.TenantID, ""
		}),
	}
}

func copyWallet(w *wallet.Wallet) *wallet.Wallet {
	if w == nil {
		return nil
	}
	out := *w
	out.AllowedFeeTypes = append([]types.FeeType(nil), w.AllowedFeeTypes...)
	out.AllowedBillableMetricCodes = append([]string(nil), w.AllowedBillableMetricCodes...)
	out.RecurringTransactionRules = lo.Map(w.RecurringTransactionRules, func(r *wallet.RecurringTransactionRule, _ int) *wallet.RecurringTransactionRule {
		c := *r
		return &c
	})
	return &out
}

func copyTransaction(t *wallet.Transaction) *wallet.Transaction {
	if t == nil {
		return nil
	}
	out := *t
	if t.RemainingAmountCents != nil {
		out.RemainingAmountCents = types.DecimalPtr(*t.RemainingAmountCents)
	}
	out.Metadata = lo.Assign(map[string]string{}, t.Metadata)
	return &out
}

func walletLess(a, b *wallet.Wallet) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func transactionLess(a, b *wallet.Transaction) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *WalletStore) CreateWallet(ctx context.Context, w *wallet.Wallet) error {
	return s.wallets.Create(ctx, w.ID, w)
}

func (s *WalletStore) GetWallet(ctx context.Context, id string) (*wallet.Wallet, error) {
	return s.wallets.Get(ctx, id)
}

func (s *WalletStore) UpdateWallet(ctx context.Context, w *wallet.Wallet) error {
	return s.wallets.Update(ctx, w.ID, w)
}

func (s *WalletStore) ListWalletsByCustomer(ctx context.Context, customerID string, status types.WalletStatus) ([]*wallet.Wallet, error) {
	return s.wallets.List(ctx, func(_ context.Context, w *wallet.Wallet) bool {
		return w.CustomerID == customerID && (status == "" || w.WalletStatus == status)
	}, walletLess), nil
}

func (s *WalletStore) ListActiveWallets(ctx context.Context) ([]*wallet.Wallet, error) {
	return s.wallets.List(ctx, func(_ context.Context, w *wallet.Wallet) bool {
		return w.IsActive()
	}, walletLess), nil
}

func (s *WalletStore) CreateTransaction(ctx context.Context, tx *wallet.Transaction) error {
	return s.transactions.Create(ctx, tx.ID, tx)
}

func (s *WalletStore) GetTransaction(ctx context.Context, id string) (*wallet.Transaction, error) {
	return s.transactions.Get(ctx, id)
}

func (s *WalletStore) UpdateTransaction(ctx context.Context, tx *wallet.Transaction) error {
	return s.transactions.Update(ctx, tx.ID, tx)
}

func (s *WalletStore) ListTransactions(ctx context.Context, f *wallet.TransactionFilter) ([]*wallet.Transaction, error) {
	if f == nil {
		f = &wallet.TransactionFilter{}
	}
	return s.transactions.List(ctx, func(_ context.Context, t *wallet.Transaction) bool {
		if f.WalletID != "" && t.WalletID != f.WalletID {
			return false
		}
		if f.TransactionType != "" && t.TransactionType != f.TransactionType {
			return false
		}
		if len(f.TransactionStatus) > 0 && !lo.Contains(f.TransactionStatus, t.TransactionStatus) {
			return false
		}
		if len(f.Status) > 0 && !lo.Contains(f.Status, t.Status) {
			return false
		}
		if f.Source != "" && t.Source != f.Source {
			return false
		}
		if f.InvoiceID != "" && t.InvoiceID != f.InvoiceID {
			return false
		}
		if f.OnlyWithRemaining && !t.Remaining().IsPositive() {
			return false
		}
		return true
	}, func(a, b *wallet.Transaction) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}), nil
}

func (s *WalletStore) ListFundingTransactions(ctx context.Context, walletID string) ([]*wallet.Transaction, error) {
	return s.transactions.List(ctx, func(_ context.Context, t *wallet.Transaction) bool {
		return t.WalletID == walletID && t.IsInbound() && t.IsSettled() && t.Remaining().IsPositive()
	}, transactionLess), nil
}

func (s *WalletStore) CreateConsumptions(ctx context.Context, consumptions []*wallet.Consumption) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range consumptions {
		cp := *c
		s.consumptions = append(s.consumptions, &cp)
	}
	return nil
}

func (s *WalletStore) ListConsumptionsByOutbound(ctx context.Context, outboundID string) ([]*wallet.Consumption, error) {
	return s.listConsumptions(func(c *wallet.Consumption) bool { return c.OutboundWalletTransactionID == outboundID }), nil
}

func (s *WalletStore) ListConsumptionsByInbound(ctx context.Context, inboundID string) ([]*wallet.Consumption, error) {
	return s.listConsumptions(func(c *wallet.Consumption) bool { return c.InboundWalletTransactionID == inboundID }), nil
}

func (s *WalletStore) listConsumptions(pred func(*wallet.Consumption) bool) []*wallet.Consumption {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*wallet.Consumption
	for _, c := range s.consumptions {
		if pred(c) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out
}

// Clear drops every wallet, transaction and consumption
func (s *WalletStore) Clear() {
	s.wallets.Clear()
	s.transactions.Clear()
	s.mu.Lock()
	s.consumptions = nil
	s.mu.Unlock()
}
