package service

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/domain/creditnote"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

type SubscriptionService interface {
	// Create subscribes a customer to a plan. When the external id matches an active
	// subscription of the customer the plan is changed instead: upgrades switch at
	// once, downgrades are queued for the end of the current period.
	Create(ctx context.Context, req *dto.CreateSubscriptionRequest, at time.Time) (*subscription.Subscription, error)
	Get(ctx context.Context, id string) (*subscription.Subscription, error)
	List(ctx context.Context, filter *subscription.Filter) ([]*subscription.Subscription, error)
	// Activate starts a pending subscription whose start instant has come, ending the
	// subscription it replaces on the same invoice
	Activate(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error)
	// Terminate ends an active subscription at the given instant, or cancels a pending one
	Terminate(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error)
	Cancel(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error)
}

type subscriptionService struct {
	ServiceParams
}

func NewSubscriptionService(params ServiceParams) SubscriptionService {
	return &subscriptionService{ServiceParams: params}
}

// transition is a lifecycle change computed under the subscription locks. commit
// stores it together with its invoice and credit notes.
type transition struct {
	customer *customer.Customer

	started     *subscription.Subscription
	startedPlan *plan.Plan
	// created is set when started is new rather than pending
	created bool

	ended     *subscription.Subscription
	endedPlan *plan.Plan

	canceled *subscription.Subscription

	entries []*SubscriptionBilling

	invoice     *draftInvoice
	creditNotes []*creditnote.CreditNote
}

func (s *subscriptionService) Get(ctx context.Context, id string) (*subscription.Subscription, error) {
	return s.SubRepo.Get(ctx, id)
}

func (s *subscriptionService) List(ctx context.Context, filter *subscription.Filter) ([]*subscription.Subscription, error) {
	return s.SubRepo.List(ctx, filter)
}

func (s *subscriptionService) Create(ctx context.Context, req *dto.CreateSubscriptionRequest, at time.Time) (*subscription.Subscription, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	cust, err := s.CustomerRepo.Get(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	p, err := s.getPlan(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}

	sub := req.ToSubscription(at)
	sub.BaseModel = types.GetDefaultBaseModel(ctx, at)
	if sub.EndingAt != nil && !sub.EndingAt.After(sub.SubscriptionAt) {
		return nil, ierr.NewError("ending_at must be after subscription_at").
			WithHint("A subscription cannot end before it starts").
			WithReportableDetails(map[string]any{
				"subscription_at": sub.SubscriptionAt,
				"ending_at":       sub.EndingAt,
			}).
			Mark(ierr.ErrValidation)
	}

	if req.ExternalID != "" {
		current, err := s.SubRepo.GetActiveByExternalID(ctx, cust.ID, req.ExternalID)
		if err != nil && !ierr.IsNotFound(err) {
			return nil, err
		}
		if current != nil {
			return s.changePlan(ctx, cust, current, sub, p, at)
		}
	}

	if err := s.SubRepo.Create(ctx, sub); err != nil {
		return nil, err
	}
	s.Logger.WithContext(ctx).Infow("subscription created",
		"subscription_id", sub.ID,
		"customer_id", cust.ID,
		"plan_id", p.ID,
		"subscription_at", sub.SubscriptionAt)

	if sub.SubscriptionAt.After(at) {
		return sub, nil
	}
	return s.Activate(ctx, sub.ID, at)
}

// changePlan moves the lineage of current onto the plan of next
func (s *subscriptionService) changePlan(ctx context.Context, cust *customer.Customer, current, next *subscription.Subscription, p *plan.Plan, at time.Time) (*subscription.Subscription, error) {
	if current.PlanID == p.ID {
		return nil, ierr.NewError("subscription already on plan").
			WithHintf("Subscription %s is already on plan %s", current.ID, p.ID).
			Mark(ierr.ErrInvalidOperation)
	}
	currentPlan, err := s.getPlan(ctx, current.PlanID)
	if err != nil {
		return nil, err
	}

	next.ExternalID = current.ExternalID
	next.PreviousSubscriptionID = current.ID

	if p.DailyAmount().GreaterThanOrEqual(currentPlan.DailyAmount()) {
		return s.upgrade(ctx, cust, current.ID, currentPlan, next, p, at)
	}
	return s.downgrade(ctx, cust, current.ID, currentPlan, next, at)
}

func (s *subscriptionService) upgrade(ctx context.Context, cust *customer.Customer, currentID string, currentPlan *plan.Plan, next *subscription.Subscription, p *plan.Plan, at time.Time) (*subscription.Subscription, error) {
	loc := s.location(cust)
	next.SubscriptionAt = at

	var t *transition
	err := s.withSubscriptionLocks(ctx, []string{currentID, next.ID}, func(ctx context.Context) error {
		current, err := s.activeSubscription(ctx, currentID)
		if err != nil {
			return err
		}
		queued, err := s.dropQueued(ctx, current, at)
		if err != nil {
			return err
		}

		current.NextSubscriptionID = next.ID
		entries, err := s.terminationEntries(ctx, current, currentPlan, loc, at, at)
		if err != nil {
			return err
		}
		markTerminated(current, at, at)
		markActive(next, at, at)

		starting, err := s.startingEntry(next, p, loc)
		if err != nil {
			return err
		}
		if starting != nil {
			entries = append(entries, starting)
		}

		t = &transition{
			customer:    cust,
			started:     next,
			startedPlan: p,
			created:     true,
			ended:       current,
			endedPlan:   currentPlan,
			canceled:    queued,
			entries:     entries,
		}
		return s.commit(ctx, t, at)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithContext(ctx).Infow("subscription upgraded",
		"previous_subscription_id", currentID,
		"subscription_id", next.ID,
		"plan_id", p.ID)
	s.announce(ctx, t, at)
	return next, nil
}

// downgrade queues next to start when the current fee period of the subscription ends
func (s *subscriptionService) downgrade(ctx context.Context, cust *customer.Customer, currentID string, currentPlan *plan.Plan, next *subscription.Subscription, at time.Time) (*subscription.Subscription, error) {
	loc := s.location(cust)

	var queued *subscription.Subscription
	err := s.withSubscriptionLocks(ctx, []string{currentID, next.ID}, func(ctx context.Context) error {
		current, err := s.activeSubscription(ctx, currentID)
		if err != nil {
			return err
		}
		queued, err = s.dropQueued(ctx, current, at)
		if err != nil {
			return err
		}

		end := billingperiod.PeriodContaining(current, currentPlan, loc, at).To
		next.SubscriptionAt = end.Add(time.Nanosecond)
		current.NextSubscriptionID = next.ID
		current.UpdatedAt = at

		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			if queued != nil {
				if err := s.SubRepo.Update(ctx, queued); err != nil {
					return err
				}
			}
			if err := s.SubRepo.Create(ctx, next); err != nil {
				return err
			}
			return s.SubRepo.Update(ctx, current)
		})
	})
	if err != nil {
		return nil, err
	}

	if queued != nil {
		s.publish(ctx, types.EventSubscriptionCanceled, queued.ID, queued)
	}
	s.Logger.WithContext(ctx).Infow("subscription downgrade scheduled",
		"previous_subscription_id", currentID,
		"subscription_id", next.ID,
		"subscription_at", next.SubscriptionAt)
	return next, nil
}

func (s *subscriptionService) Activate(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error) {
	sub, err := s.SubRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var t *transition
	ids := lo.Compact([]string{sub.ID, sub.PreviousSubscriptionID})
	err = s.withSubscriptionLocks(ctx, ids, func(ctx context.Context) error {
		var err error
		t, err = s.activate(ctx, id, at)
		if err != nil {
			return err
		}
		return s.commit(ctx, t, at)
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, t, at)
	return t.started, nil
}

// activate computes the start of a pending subscription and the end of the one it
// replaces. It runs under the locks of both.
func (s *subscriptionService) activate(ctx context.Context, id string, at time.Time) (*transition, error) {
	sub, err := s.SubRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.IsPending() {
		return nil, ierr.NewError("subscription is not pending").
			WithHintf("Subscription %s is %s", sub.ID, sub.SubscriptionStatus).
			Mark(ierr.ErrInvalidOperation)
	}
	if sub.SubscriptionAt.After(at) {
		return nil, ierr.NewError("subscription not yet due").
			WithHintf("Subscription %s starts at %s", sub.ID, sub.SubscriptionAt.Format(time.RFC3339)).
			Mark(ierr.ErrInvalidOperation)
	}

	p, err := s.getPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	cust, err := s.CustomerRepo.Get(ctx, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	loc := s.location(cust)

	t := &transition{customer: cust, started: sub, startedPlan: p}
	if sub.PreviousSubscriptionID != "" {
		prev, err := s.SubRepo.Get(ctx, sub.PreviousSubscriptionID)
		if err != nil {
			return nil, err
		}
		if prev.IsActive() {
			prevPlan, err := s.getPlan(ctx, prev.PlanID)
			if err != nil {
				return nil, err
			}
			endAt := types.MaxTime(sub.SubscriptionAt.Add(-time.Nanosecond), prev.StartInstant())
			prev.NextSubscriptionID = sub.ID
			entries, err := s.terminationEntries(ctx, prev, prevPlan, loc, endAt, sub.SubscriptionAt)
			if err != nil {
				return nil, err
			}
			markTerminated(prev, endAt, at)
			t.ended, t.endedPlan, t.entries = prev, prevPlan, entries
		}
	}

	markActive(sub, sub.SubscriptionAt, at)
	starting, err := s.startingEntry(sub, p, loc)
	if err != nil {
		return nil, err
	}
	if starting != nil {
		t.entries = append(t.entries, starting)
	}
	return t, nil
}

func (s *subscriptionService) Terminate(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error) {
	sub, err := s.SubRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.IsPending() {
		return s.Cancel(ctx, id, at)
	}

	var t *transition
	ids := lo.Compact([]string{sub.ID, sub.NextSubscriptionID})
	err = s.withSubscriptionLocks(ctx, ids, func(ctx context.Context) error {
		var err error
		t, err = s.terminate(ctx, id, at)
		if err != nil {
			return err
		}
		return s.commit(ctx, t, at)
	})
	if err != nil {
		return nil, err
	}
	s.announce(ctx, t, at)
	return t.ended, nil
}

// terminate computes the end of an active subscription and the start of its queued
// successor at the same instant
func (s *subscriptionService) terminate(ctx context.Context, id string, at time.Time) (*transition, error) {
	sub, err := s.activeSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := s.getPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	cust, err := s.CustomerRepo.Get(ctx, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	loc := s.location(cust)

	var next *subscription.Subscription
	var nextPlan *plan.Plan
	if sub.NextSubscriptionID != "" {
		next, err = s.SubRepo.Get(ctx, sub.NextSubscriptionID)
		if err != nil {
			return nil, err
		}
		if !next.IsPending() {
			next = nil
			sub.NextSubscriptionID = ""
		} else if nextPlan, err = s.getPlan(ctx, next.PlanID); err != nil {
			return nil, err
		}
	}

	var nextStart time.Time
	if next != nil {
		nextStart = at
	}
	entries, err := s.terminationEntries(ctx, sub, p, loc, at, nextStart)
	if err != nil {
		return nil, err
	}
	markTerminated(sub, at, at)

	t := &transition{customer: cust, ended: sub, endedPlan: p, entries: entries}
	if next != nil {
		next.SubscriptionAt = at
		markActive(next, at, at)
		starting, err := s.startingEntry(next, nextPlan, loc)
		if err != nil {
			return nil, err
		}
		if starting != nil {
			t.entries = append(t.entries, starting)
		}
		t.started, t.startedPlan = next, nextPlan
	}
	return t, nil
}

func (s *subscriptionService) Cancel(ctx context.Context, id string, at time.Time) (*subscription.Subscription, error) {
	var sub *subscription.Subscription
	err := s.withSubscriptionLocks(ctx, []string{id}, func(ctx context.Context) error {
		var err error
		sub, err = s.SubRepo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !sub.IsPending() {
			return ierr.NewError("only pending subscriptions can be canceled").
				WithHintf("Subscription %s is %s", sub.ID, sub.SubscriptionStatus).
				Mark(ierr.ErrInvalidOperation)
		}
		markCanceled(sub, at)
		return s.SubRepo.Update(ctx, sub)
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithContext(ctx).Infow("subscription canceled", "subscription_id", sub.ID)
	s.publish(ctx, types.EventSubscriptionCanceled, sub.ID, sub)
	return sub, nil
}

func (s *subscriptionService) activeSubscription(ctx context.Context, id string) (*subscription.Subscription, error) {
	sub, err := s.SubRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive() {
		return nil, ierr.NewError("subscription is not active").
			WithHintf("Subscription %s is %s", sub.ID, sub.SubscriptionStatus).
			Mark(ierr.ErrInvalidOperation)
	}
	return sub, nil
}

// dropQueued cancels the pending successor already queued on sub. The caller holds its lock.
func (s *subscriptionService) dropQueued(ctx context.Context, sub *subscription.Subscription, at time.Time) (*subscription.Subscription, error) {
	if sub.NextSubscriptionID == "" {
		return nil, nil
	}
	queued, err := s.SubRepo.Get(ctx, sub.NextSubscriptionID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if !queued.IsPending() {
		return nil, nil
	}
	markCanceled(queued, at)
	return queued, nil
}

// terminationEntries bills the end of sub at endAt: its periodic entry when a billing
// day passed unbilled, then the terminating entry. sub must still be active. A non
// zero nextStart is when its successor starts billing usage.
func (s *subscriptionService) terminationEntries(ctx context.Context, sub *subscription.Subscription, p *plan.Plan, loc *time.Location, endAt, nextStart time.Time) ([]*SubscriptionBilling, error) {
	var entries []*SubscriptionBilling

	var lookupErr error
	due, ok := billingperiod.Due(sub, p, loc, endAt, func(key string) bool {
		exists, err := s.InvoiceRepo.ExistsPeriodKey(ctx, key)
		if err != nil {
			lookupErr = err
		}
		return exists
	})
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

	b, err := billingperiod.Compute(billingperiod.Input{
		Subscription: sub,
		Plan:         p,
		Timezone:     loc,
		At:           endAt,
		Kind:         billingperiod.KindTerminating,
		NextStartAt:  nextStart,
	})
	if err != nil {
		if ierr.IsNoBoundaries(err) {
			return entries, nil
		}
		return nil, err
	}
	return append(entries, &SubscriptionBilling{
		Subscription: sub,
		Plan:         p,
		Boundaries:   b,
		Reason:       types.InvoicingReasonSubscriptionTerminating,
	}), nil
}

// startingEntry bills what a plan charges upfront when a subscription starts:
// the first fee of a pay in advance plan without trial and pay in advance fixed charges
func (s *subscriptionService) startingEntry(sub *subscription.Subscription, p *plan.Plan, loc *time.Location) (*SubscriptionBilling, error) {
	upfrontFee := p.PayInAdvance && !p.HasTrial() && p.AmountCents.IsPositive()
	upfrontFixed := lo.SomeBy(p.FixedCharges, func(fc *plan.FixedCharge) bool { return fc.PayInAdvance })
	if !upfrontFee && !upfrontFixed {
		return nil, nil
	}

	b, err := billingperiod.Compute(billingperiod.Input{
		Subscription: sub,
		Plan:         p,
		Timezone:     loc,
		At:           sub.StartInstant(),
		Kind:         billingperiod.KindStarting,
	})
	if err != nil {
		return nil, err
	}
	return &SubscriptionBilling{
		Subscription: sub,
		Plan:         p,
		Boundaries:   b,
		Reason:       types.InvoicingReasonSubscriptionStarting,
	}, nil
}

// commit stores a transition with its invoice and credit notes in one transaction.
// The invoice is computed first so a billing failure leaves nothing stored. The
// credit note goes before the invoice so finalizing consumes it.
func (s *subscriptionService) commit(ctx context.Context, t *transition, at time.Time) error {
	invoices := &invoiceService{ServiceParams: s.ServiceParams}
	creditNotes := &creditNoteService{ServiceParams: s.ServiceParams}

	if len(t.entries) > 0 {
		d, err := invoices.draft(ctx, t.customer, t.entries, at)
		if err != nil {
			return err
		}
		t.invoice = d
	}

	return s.DB.WithTx(ctx, func(ctx context.Context) error {
		if t.canceled != nil {
			if err := s.SubRepo.Update(ctx, t.canceled); err != nil {
				return err
			}
		}
		if t.started != nil {
			write := s.SubRepo.Update
			if t.created {
				write = s.SubRepo.Create
			}
			if err := write(ctx, t.started); err != nil {
				return err
			}
		}
		if t.ended != nil {
			if err := s.SubRepo.Update(ctx, t.ended); err != nil {
				return err
			}
		}

		credit := func() error {
			cn, err := creditNotes.createForTermination(ctx, t.ended, t.endedPlan, *t.ended.TerminatedAt)
			if err != nil || cn == nil {
				return err
			}
			t.creditNotes = append(t.creditNotes, cn)
			return nil
		}
		if t.ended != nil {
			if err := credit(); err != nil {
				return err
			}
		}
		if t.invoice != nil {
			if err := invoices.save(ctx, t.invoice, at); err != nil {
				return err
			}
		}
		// a periodic entry billed on the termination invoice may have paid the period just ended
		if t.ended != nil && len(t.creditNotes) == 0 && t.invoice != nil {
			return credit()
		}
		return nil
	})
}

// announce publishes a committed transition and collects its invoice
func (s *subscriptionService) announce(ctx context.Context, t *transition, at time.Time) {
	log := s.Logger.WithContext(ctx)
	for _, cn := range t.creditNotes {
		s.publish(ctx, types.EventCreditNoteCreated, cn.ID, cn)
	}
	if t.invoice != nil {
		invoices := &invoiceService{ServiceParams: s.ServiceParams}
		if _, err := invoices.announce(ctx, t.invoice, t.customer, at); err != nil {
			log.Errorw("failed to collect invoice payment",
				"invoice_id", t.invoice.inv.ID,
				"error", err)
		}
	}

	if t.canceled != nil {
		s.publish(ctx, types.EventSubscriptionCanceled, t.canceled.ID, t.canceled)
	}
	if t.ended != nil {
		log.Infow("subscription terminated",
			"subscription_id", t.ended.ID,
			"terminated_at", t.ended.TerminatedAt,
			"next_subscription_id", t.ended.NextSubscriptionID)
		s.publish(ctx, types.EventSubscriptionTerminated, t.ended.ID, t.ended)
	}
	if t.started != nil {
		log.Infow("subscription activated",
			"subscription_id", t.started.ID,
			"plan_id", t.started.PlanID,
			"started_at", t.started.StartedAt)
		s.publish(ctx, types.EventSubscriptionActivated, t.started.ID, t.started)
	}
}

func markActive(sub *subscription.Subscription, startedAt, at time.Time) {
	sub.SubscriptionStatus = types.SubscriptionStatusActive
	sub.StartedAt = lo.ToPtr(startedAt)
	sub.UpdatedAt = at
}

func markTerminated(sub *subscription.Subscription, terminatedAt, at time.Time) {
	sub.SubscriptionStatus = types.SubscriptionStatusTerminated
	sub.TerminatedAt = lo.ToPtr(terminatedAt)
	sub.UpdatedAt = at
}

func markCanceled(sub *subscription.Subscription, at time.Time) {
	sub.SubscriptionStatus = types.SubscriptionStatusCanceled
	sub.CanceledAt = lo.ToPtr(at)
	sub.UpdatedAt = at
}
