package service

import (
	"context"
	"sort"
	"time"

	"github.com/flexprice/billingengine/internal/domain/wallet"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
)

// WalletLedger links outbound transactions of traceable wallets to the inbound
// transactions funding them
type WalletLedger struct {
	repo wallet.Repository
}

func NewWalletLedger(repo wallet.Repository) *WalletLedger {
	return &WalletLedger{repo: repo}
}

// Plan funds amountCents from inbounds, lower priority first, then oldest first.
// The returned consumptions carry no outbound id yet. Nothing is written.
func (l *WalletLedger) Plan(inbounds []*wallet.Transaction, amountCents decimal.Decimal) ([]*wallet.Consumption, error) {
	if !amountCents.IsPositive() {
		return nil, nil
	}

	funding := make([]*wallet.Transaction, 0, len(inbounds))
	available := decimal.Zero
	for _, in := range inbounds {
		if !in.IsInbound() || !in.IsSettled() || !in.Remaining().IsPositive() {
			continue
		}
		funding = append(funding, in)
		available = available.Add(in.Remaining())
	}
	if available.LessThan(amountCents) {
		return nil, ierr.NewError("insufficient wallet funds").
			WithHint("The wallet does not hold enough remaining credits").
			WithReportableDetails(map[string]any{
				"amount_cents":    amountCents,
				"available_cents": available,
			}).
			Mark(ierr.ErrValidation)
	}
	sortFunding(funding)

	left := amountCents
	var plan []*wallet.Consumption
	for _, in := range funding {
		if !left.IsPositive() {
			break
		}
		take := decimal.Min(in.Remaining(), left)
		plan = append(plan, &wallet.Consumption{
			InboundWalletTransactionID: in.ID,
			AmountCents:                take,
		})
		left = left.Sub(take)
	}

	if err := checkConservation(funding, plan, amountCents); err != nil {
		return nil, err
	}
	return plan, nil
}

// Apply records a plan for an outbound transaction and lowers the remaining
// amount of every funding transaction it draws on. Callers run it in a transaction.
func (l *WalletLedger) Apply(ctx context.Context, outbound *wallet.Transaction, inbounds []*wallet.Transaction, plan []*wallet.Consumption, at time.Time) error {
	if len(plan) == 0 {
		return nil
	}

	byID := make(map[string]*wallet.Transaction, len(inbounds))
	for _, in := range inbounds {
		byID[in.ID] = in
	}

	for _, c := range plan {
		in, ok := byID[c.InboundWalletTransactionID]
		if !ok || in.Remaining().LessThan(c.AmountCents) {
			return ierr.NewError("consumption exceeds remaining funds").
				WithHint("Wallet funding changed while consuming").
				WithReportableDetails(map[string]any{
					"inbound_transaction_id":  c.InboundWalletTransactionID,
					"outbound_transaction_id": outbound.ID,
				}).
				Mark(ierr.ErrSystem)
		}
		in.RemainingAmountCents = types.DecimalPtr(in.Remaining().Sub(c.AmountCents))
		if err := l.repo.UpdateTransaction(ctx, in); err != nil {
			return err
		}

		c.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_WALLET_CONSUMPTION)
		c.OutboundWalletTransactionID = outbound.ID
		c.CreatedAt = at
		c.TenantID = outbound.TenantID
	}
	return l.repo.CreateConsumptions(ctx, plan)
}

// Consume plans and applies the funding of an outbound transaction of a wallet
func (l *WalletLedger) Consume(ctx context.Context, outbound *wallet.Transaction, at time.Time) ([]*wallet.Consumption, error) {
	inbounds, err := l.repo.ListFundingTransactions(ctx, outbound.WalletID)
	if err != nil {
		return nil, err
	}
	plan, err := l.Plan(inbounds, outbound.AmountCents)
	if err != nil {
		return nil, err
	}
	if err := l.Apply(ctx, outbound, inbounds, plan, at); err != nil {
		return nil, err
	}
	return plan, nil
}

// Breakdown splits consumptions by the status of their funding transaction
func (l *WalletLedger) Breakdown(ctx context.Context, consumptions []*wallet.Consumption) (granted, purchased decimal.Decimal, err error) {
	granted, purchased = decimal.Zero, decimal.Zero
	for _, c := range consumptions {
		in, err := l.repo.GetTransaction(ctx, c.InboundWalletTransactionID)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		switch in.TransactionStatus {
		case types.TransactionStatusGranted:
			granted = granted.Add(c.AmountCents)
		case types.TransactionStatusPurchased:
			purchased = purchased.Add(c.AmountCents)
		}
	}
	return granted, purchased, nil
}

func sortFunding(txs []*wallet.Transaction) {
	sort.SliceStable(txs, func(i, j int) bool {
		a, b := txs[i], txs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// checkConservation verifies the plan funds exactly amountCents and draws no
// inbound transaction below zero
func checkConservation(funding []*wallet.Transaction, plan []*wallet.Consumption, amountCents decimal.Decimal) error {
	remaining := make(map[string]decimal.Decimal, len(funding))
	for _, in := range funding {
		remaining[in.ID] = in.Remaining()
	}

	total := decimal.Zero
	for _, c := range plan {
		left := remaining[c.InboundWalletTransactionID].Sub(c.AmountCents)
		if left.IsNegative() || !c.AmountCents.IsPositive() {
			return ierr.NewError("ledger conservation violated").
				WithHint("Wallet consumption would overdraw a funding transaction").
				WithReportableDetails(map[string]any{"inbound_transaction_id": c.InboundWalletTransactionID}).
				Mark(ierr.ErrSystem)
		}
		remaining[c.InboundWalletTransactionID] = left
		total = total.Add(c.AmountCents)
	}
	if !total.Equal(amountCents) {
		return ierr.NewError("ledger conservation violated").
			WithHint("Wallet consumption does not match the outbound amount").
			WithReportableDetails(map[string]any{
				"amount_cents":  amountCents,
				"planned_cents": total,
			}).
			Mark(ierr.ErrSystem)
	}
	return nil
}
