package service

import (
	"context"
	"sync"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/sentry"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/sourcegraph/conc/pool"
)

// BillingService drives the scheduled side of billing
type BillingService interface {
	// Sweep runs every billing duty due at the given instant. A failure on one
	// subscription or wallet is recorded and never stops the others.
	Sweep(ctx context.Context, at time.Time) (*SweepResult, error)
	// BillSubscription is a single billing attempt of one subscription: its due
	// periodic period and its trial end. It returns nil when nothing was due.
	BillSubscription(ctx context.Context, subscriptionID string, at time.Time) (*invoice.Invoice, error)
}

// Sweep stages
const (
	StageActivate  = "activate"
	StageTerminate = "terminate"
	StageInAdvance = "in_advance"
	StageBill      = "bill"
	StageFinalize  = "finalize"
	StageWallet    = "wallet"
)

type SweepFailure struct {
	SubscriptionID string `json:"subscription_id,omitempty"`
	InvoiceID      string `json:"invoice_id,omitempty"`
	WalletID       string `json:"wallet_id,omitempty"`
	Stage          string `json:"stage"`
	Err            error  `json:"-"`
}

type SweepResult struct {
	Activated  int            `json:"activated"`
	Terminated int            `json:"terminated"`
	Reconciled int            `json:"reconciled"`
	Invoiced   int            `json:"invoiced"`
	Skipped    int            `json:"skipped"`
	Finalized  int            `json:"finalized"`
	Failed     []SweepFailure `json:"failed,omitempty"`

	mu sync.Mutex
}

func (r *SweepResult) add(fn func(r *SweepResult)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

type billingService struct {
	ServiceParams
}

func NewBillingService(params ServiceParams) BillingService {
	return &billingService{ServiceParams: params}
}

func (s *billingService) Sweep(ctx context.Context, at time.Time) (*SweepResult, error) {
	span, ctx := s.Sentry.StartTransaction(ctx, "billing.sweep")
	start := time.Now()
	res := &SweepResult{}

	err := s.sweep(ctx, res, at)
	sentry.FinishSpan(span, err)
	if err != nil {
		s.Sentry.CaptureException(ctx, err, map[string]string{"operation": "billing.sweep"})
		return nil, err
	}

	if s.Metrics != nil {
		s.Metrics.ObserveSweep(time.Since(start).Seconds(), res.Activated, res.Terminated, res.Invoiced, res.Skipped, len(res.Failed))
	}
	s.Logger.WithContext(ctx).Infow("billing sweep completed",
		"at", at,
		"activated", res.Activated,
		"terminated", res.Terminated,
		"reconciled", res.Reconciled,
		"invoiced", res.Invoiced,
		"skipped", res.Skipped,
		"finalized", res.Finalized,
		"failed", len(res.Failed),
		"duration_ms", time.Since(start).Milliseconds())
	return res, nil
}

func (s *billingService) sweep(ctx context.Context, res *SweepResult, at time.Time) error {
	subs := NewSubscriptionService(s.ServiceParams)

	// 1. pending subscriptions whose start has come
	pending, err := s.listSubscriptions(ctx, types.SubscriptionStatusPending)
	if err != nil {
		return err
	}
	pending = lo.Filter(pending, func(sub *subscription.Subscription, _ int) bool {
		return !sub.SubscriptionAt.After(at)
	})
	s.fanOut(ctx, res, StageActivate, pending, func(ctx context.Context, sub *subscription.Subscription) error {
		if _, err := subs.Activate(ctx, sub.ID, at); err != nil {
			if ierr.IsInvalidOperation(err) {
				return nil
			}
			return err
		}
		res.add(func(r *SweepResult) { r.Activated++ })
		return nil
	})

	// 2. subscriptions reaching their ending date
	active, err := s.listSubscriptions(ctx, types.SubscriptionStatusActive)
	if err != nil {
		return err
	}
	ending := lo.Filter(active, func(sub *subscription.Subscription, _ int) bool {
		return sub.EndingAt != nil && !sub.EndingAt.After(at)
	})
	s.fanOut(ctx, res, StageTerminate, ending, func(ctx context.Context, sub *subscription.Subscription) error {
		if _, err := subs.Terminate(ctx, sub.ID, *sub.EndingAt); err != nil {
			if ierr.IsInvalidOperation(err) {
				return nil
			}
			return err
		}
		res.add(func(r *SweepResult) { r.Terminated++ })
		return nil
	})

	active, err = s.listSubscriptions(ctx, types.SubscriptionStatusActive)
	if err != nil {
		return err
	}

	// 3. usage events whose immediate billing failed at ingestion
	s.fanOut(ctx, res, StageInAdvance, active, func(ctx context.Context, sub *subscription.Subscription) error {
		return s.reconcileUsage(ctx, res, sub, at)
	})

	// 4 and 5. due periods and ended trials
	s.fanOut(ctx, res, StageBill, active, func(ctx context.Context, sub *subscription.Subscription) error {
		inv, err := s.BillSubscription(ctx, sub.ID, at)
		if err != nil {
			return err
		}
		res.add(func(r *SweepResult) {
			if inv != nil {
				r.Invoiced++
			} else {
				r.Skipped++
			}
		})
		return nil
	})

	// 6. drafts past their grace period
	drafts, err := NewInvoiceService(s.ServiceParams).FinalizeDueDrafts(ctx, at)
	if err != nil {
		return err
	}
	res.Finalized = len(drafts.Finalized)
	for id, err := range drafts.Failed {
		s.recordFailure(ctx, res, SweepFailure{InvoiceID: id, Stage: StageFinalize, Err: err})
	}

	// 7. wallet projections and recurring top ups
	s.sweepWallets(ctx, res, at)
	return nil
}

// reconcileUsage replays what postProcess does for an event: pay in advance charges
// and, when enabled, usage thresholds. Both skip what was billed already.
func (s *billingService) reconcileUsage(ctx context.Context, res *SweepResult, sub *subscription.Subscription, at time.Time) error {
	fees, err := NewPayInAdvanceService(s.ServiceParams).Reconcile(ctx, sub, at)
	if err != nil {
		return err
	}
	if len(fees) > 0 {
		res.add(func(r *SweepResult) { r.Reconciled += len(fees) })
	}

	_, err = NewProgressiveBillingService(s.ServiceParams).Check(ctx, sub.ID, at)
	return err
}

// fanOut runs fn for every subscription over a bounded pool. Failures are recorded
// against their subscription.
func (s *billingService) fanOut(ctx context.Context, res *SweepResult, stage string, subs []*subscription.Subscription, fn func(ctx context.Context, sub *subscription.Subscription) error) {
	if len(subs) == 0 {
		return
	}
	p := pool.New().WithErrors().WithMaxGoroutines(s.concurrency())
	for _, sub := range subs {
		p.Go(func() error {
			err := fn(ctx, sub)
			if err != nil {
				s.recordFailure(ctx, res, SweepFailure{SubscriptionID: sub.ID, Stage: stage, Err: err})
			}
			return err
		})
	}
	if err := p.Wait(); err != nil {
		s.Logger.WithContext(ctx).Warnw("billing sweep stage had failures", "stage", stage)
	}
}

func (s *billingService) sweepWallets(ctx context.Context, res *SweepResult, at time.Time) {
	wallets, err := s.WalletRepo.ListActiveWallets(ctx)
	if err != nil {
		s.recordFailure(ctx, res, SweepFailure{Stage: StageWallet, Err: err})
		return
	}

	walletService := NewWalletService(s.ServiceParams)
	p := pool.New().WithErrors().WithMaxGoroutines(s.concurrency())
	for _, w := range wallets {
		p.Go(func() error {
			if _, err := walletService.RefreshOngoingBalance(ctx, w.ID, at); err != nil {
				s.recordFailure(ctx, res, SweepFailure{WalletID: w.ID, Stage: StageWallet, Err: err})
				return err
			}
			if _, err := walletService.EvaluateRecurringRules(ctx, w.ID, at); err != nil {
				s.recordFailure(ctx, res, SweepFailure{WalletID: w.ID, Stage: StageWallet, Err: err})
				return err
			}
			return nil
		})
	}
	_ = p.Wait()
}

func (s *billingService) recordFailure(ctx context.Context, res *SweepResult, f SweepFailure) {
	res.add(func(r *SweepResult) { r.Failed = append(r.Failed, f) })
	s.Logger.WithContext(ctx).Errorw("billing sweep item failed",
		"stage", f.Stage,
		"subscription_id", f.SubscriptionID,
		"invoice_id", f.InvoiceID,
		"wallet_id", f.WalletID,
		"error", f.Err)
	s.Sentry.CaptureException(ctx, f.Err, map[string]string{
		"operation":       "billing.sweep",
		"stage":           f.Stage,
		"subscription_id": f.SubscriptionID,
	})
}

func (s *billingService) concurrency() int {
	if n := s.Config.Billing.SweepConcurrency; n > 0 {
		return n
	}
	return 1
}

// listSubscriptions pages through every subscription in status
func (s *billingService) listSubscriptions(ctx context.Context, status types.SubscriptionStatus) ([]*subscription.Subscription, error) {
	size := s.Config.Billing.SweepBatchSize
	if size <= 0 {
		size = 100
	}

	var out []*subscription.Subscription
	for offset := 0; ; offset += size {
		page, err := s.SubRepo.List(ctx, &subscription.Filter{
			Statuses: []types.SubscriptionStatus{status},
			Limit:    size,
			Offset:   offset,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < size {
			return out, nil
		}
	}
}

func (s *billingService) BillSubscription(ctx context.Context, subscriptionID string, at time.Time) (*invoice.Invoice, error) {
	var entries []*SubscriptionBilling
	var customerID string
	err := s.withSubscriptionLocks(ctx, []string{subscriptionID}, func(ctx context.Context) error {
		sub, err := s.SubRepo.Get(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if !sub.IsActive() {
			return nil
		}
		p, err := s.getPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		cust, err := s.CustomerRepo.Get(ctx, sub.CustomerID)
		if err != nil {
			return err
		}
		customerID = cust.ID

		entries, err = s.dueEntries(ctx, sub, p, s.location(cust), at)
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return NewInvoiceService(s.ServiceParams).BillSubscriptions(ctx, customerID, entries, at)
}

// dueEntries returns the unbilled periodic entry of sub and, for pay in advance plans,
// the fee window opened by a trial that just ended. It records the trial end.
func (s *billingService) dueEntries(ctx context.Context, sub *subscription.Subscription, p *plan.Plan, loc *time.Location, at time.Time) ([]*SubscriptionBilling, error) {
	var entries []*SubscriptionBilling

	var lookupErr error
	billed := func(key string) bool {
		exists, err := s.InvoiceRepo.ExistsPeriodKey(ctx, key)
		if err != nil {
			lookupErr = err
		}
		return exists
	}

	due, ok := billingperiod.Due(sub, p, loc, at, billed)
	if lookupErr != nil {
		return nil, lookupErr
	}
	if ok {
		entries = append(entries, &SubscriptionBilling{
			Subscription: sub,
			Plan:         p,
			Boundaries:   due,
			Reason:       types.InvoicingReasonSubscriptionPeriodic,
		})
	}

	if !p.HasTrial() || !billingperiod.PastTrial(sub, p, at) {
		return entries, nil
	}
	// a trial is evaluated again within the window, or once later when a sweep missed it
	recent := billingperiod.TrialEndedWithin(sub, p, at, s.Config.Billing.TrialEvaluationWindow)
	if !recent && sub.TrialEndedAt != nil {
		return entries, nil
	}

	end := billingperiod.TrialEnd(sub, p)
	if p.PayInAdvance {
		b, err := billingperiod.Compute(billingperiod.Input{
			Subscription: sub,
			Plan:         p,
			Timezone:     loc,
			At:           end,
			Kind:         billingperiod.KindTrialEnded,
		})
		if err != nil && !ierr.IsNoBoundaries(err) {
			return nil, err
		}
		if err == nil && !billed(b.PeriodKey(sub.ID, types.InvoicingReasonTrialEnded)) {
			entries = append(entries, &SubscriptionBilling{
				Subscription: sub,
				Plan:         p,
				Boundaries:   b,
				Reason:       types.InvoicingReasonTrialEnded,
			})
		}
		if lookupErr != nil {
			return nil, lookupErr
		}
	}

	if sub.TrialEndedAt != nil {
		return entries, nil
	}
	sub.TrialEndedAt = lo.ToPtr(end)
	sub.UpdatedAt = at
	if err := s.SubRepo.Update(ctx, sub); err != nil {
		return nil, err
	}
	return entries, nil
}
