package activities

import (
	"context"
	"fmt"

	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/wallet"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/service"
	"github.com/flexprice/billingengine/internal/temporal/models"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

// BillingActivities runs the scheduled billing duties inside temporal activities.
// When registered with Temporal, methods are called by their method names.
type BillingActivities struct {
	billing     service.BillingService
	progressive service.ProgressiveBillingService
	wallets     service.WalletService
	logger      *logger.Logger
}

func NewBillingActivities(params service.ServiceParams) *BillingActivities {
	return &BillingActivities{
		billing:     service.NewBillingService(params),
		progressive: service.NewProgressiveBillingService(params),
		wallets:     service.NewWalletService(params),
		logger:      params.Logger,
	}
}

func scoped(ctx context.Context, s models.Scope) context.Context {
	ctx = types.SetTenantID(ctx, s.TenantID)
	return types.SetEnvironmentID(ctx, s.EnvironmentID)
}

// SweepActivity runs one billing sweep. Per subscription failures are part of
// the summary; only a sweep that could not run fails the activity.
func (a *BillingActivities) SweepActivity(ctx context.Context, input models.BillingSweepWorkflowInput) (*models.SweepSummary, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	ctx = scoped(ctx, input.Scope)

	res, err := a.billing.Sweep(ctx, input.At)
	if err != nil {
		return nil, err
	}

	return &models.SweepSummary{
		Activated:  res.Activated,
		Terminated: res.Terminated,
		Invoiced:   res.Invoiced,
		Skipped:    res.Skipped,
		Finalized:  res.Finalized,
		Failures: lo.Map(res.Failed, func(f service.SweepFailure, _ int) string {
			id, _ := lo.Find([]string{f.SubscriptionID, f.InvoiceID, f.WalletID}, func(s string) bool { return s != "" })
			return fmt.Sprintf("%s %s: %v", f.Stage, id, f.Err)
		}),
	}, nil
}

func (a *BillingActivities) BillSubscriptionActivity(ctx context.Context, input models.SubscriptionWorkflowInput) (*models.InvoiceResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	ctx = scoped(ctx, input.Scope)

	inv, err := a.billing.BillSubscription(ctx, input.SubscriptionID, input.At)
	if err != nil {
		return nil, err
	}
	return invoiceResult(inv), nil
}

func (a *BillingActivities) CheckProgressiveBillingActivity(ctx context.Context, input models.SubscriptionWorkflowInput) (*models.InvoiceResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	ctx = scoped(ctx, input.Scope)

	inv, err := a.progressive.Check(ctx, input.SubscriptionID, input.At)
	if err != nil {
		return nil, err
	}
	return invoiceResult(inv), nil
}

// RefreshWalletActivity recomputes the ongoing balance of a wallet then fires
// the recurring top ups the new balance triggers.
func (a *BillingActivities) RefreshWalletActivity(ctx context.Context, input models.WalletRefreshWorkflowInput) (*models.WalletRefreshResult, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	ctx = scoped(ctx, input.Scope)

	ob, err := a.wallets.RefreshOngoingBalance(ctx, input.WalletID, input.At)
	if err != nil {
		return nil, err
	}

	txs, err := a.wallets.EvaluateRecurringRules(ctx, input.WalletID, input.At)
	if err != nil {
		return nil, err
	}

	a.logger.WithContext(ctx).Debugw("wallet refreshed",
		"wallet_id", input.WalletID,
		"ongoing_balance_cents", ob.OngoingBalanceCents,
		"recurring_top_ups", len(txs))

	return &models.WalletRefreshResult{
		OngoingBalanceCents:   ob.OngoingBalanceCents,
		CreditsOngoingBalance: ob.CreditsOngoingBalance,
		TransactionIDs:        lo.Map(txs, func(tx *wallet.Transaction, _ int) string { return tx.ID }),
	}, nil
}

func invoiceResult(inv *invoice.Invoice) *models.InvoiceResult {
	if inv == nil {
		return &models.InvoiceResult{Status: models.StatusNothing}
	}
	return &models.InvoiceResult{InvoiceID: inv.ID, Status: models.StatusInvoiced}
}
