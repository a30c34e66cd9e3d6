package service

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

// PayInAdvanceService bills pay in advance charges as their events arrive
type PayInAdvanceService interface {
	// HandleEvent prices the event for every pay in advance charge of its metric.
	// Invoiceable charges get a one fee invoice, the others a pending fee picked up
	// by the next periodic invoice. Replaying an event bills nothing twice.
	HandleEvent(ctx context.Context, sub *subscription.Subscription, event *events.Event, at time.Time) ([]*invoice.Fee, error)
	// Reconcile replays the pay in advance events of sub since the previous charges
	// period started, billing those whose handling failed at ingestion
	Reconcile(ctx context.Context, sub *subscription.Subscription, at time.Time) ([]*invoice.Fee, error)
}

type payInAdvanceService struct {
	ServiceParams
}

func NewPayInAdvanceService(params ServiceParams) PayInAdvanceService {
	return &payInAdvanceService{ServiceParams: params}
}

func (s *payInAdvanceService) HandleEvent(ctx context.Context, sub *subscription.Subscription, event *events.Event, at time.Time) ([]*invoice.Fee, error) {
	if !sub.IsActive() || event.Source == types.EventSourceFixedCharge {
		return nil, nil
	}

	p, err := s.getPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	metric, err := s.BillableMetricRepo.GetByCode(ctx, event.Code)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	charges := lo.Filter(p.Charges, func(c *plan.Charge, _ int) bool {
		return c.PayInAdvance && c.BillableMetricID == metric.ID
	})
	if len(charges) == 0 {
		return nil, nil
	}

	cust, err := s.CustomerRepo.Get(ctx, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	loc := s.location(cust)

	b, err := billingperiod.Compute(billingperiod.Input{
		Subscription: sub,
		Plan:         p,
		Timezone:     loc,
		At:           event.Timestamp,
		Kind:         billingperiod.KindInAdvanceCharge,
	})
	if err != nil {
		if ierr.IsNoBoundaries(err) {
			return nil, nil
		}
		return nil, err
	}

	feeService := NewFeeService(s.ServiceParams)
	invoiceService := NewInvoiceService(s.ServiceParams)
	in := &FeeInput{
		Subscription: sub,
		Plan:         p,
		Boundaries:   b,
		Reason:       types.InvoicingReasonInAdvanceCharge,
		Timezone:     loc,
		At:           at,
	}

	existing, err := s.InvoiceRepo.ListPayInAdvanceFees(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	var billed []*invoice.Fee
	for _, charge := range charges {
		key := b.PeriodKey(sub.ID, types.InvoicingReasonInAdvanceCharge) + "|" + charge.ID + "|" + event.TransactionID
		done, err := s.handled(ctx, charge, event, key, existing)
		if err != nil {
			return nil, err
		}
		if done {
			continue
		}

		fee, err := feeService.PayInAdvanceFee(ctx, in, charge, event)
		if err != nil {
			return nil, err
		}

		if charge.Invoiceable {
			if fee.AmountCents.IsZero() {
				continue
			}
			inv, err := invoiceService.BillSubscriptions(ctx, cust.ID, []*SubscriptionBilling{{
				Subscription: sub,
				Plan:         p,
				Boundaries:   b,
				Reason:       types.InvoicingReasonInAdvanceCharge,
				Fees:         []*invoice.Fee{fee},
				PeriodKey:    key,
			}}, at)
			if err != nil {
				return nil, err
			}
			if inv != nil {
				billed = append(billed, fee)
			}
			continue
		}

		if fee.Units.IsZero() && fee.AmountCents.IsZero() {
			continue
		}
		stored, err := s.storePendingFee(ctx, sub.ID, charge.ID, fee)
		if err != nil {
			return nil, err
		}
		if stored {
			billed = append(billed, fee)
		}
	}
	return billed, nil
}

// handled reports whether the event was billed for charge already
func (s *payInAdvanceService) handled(ctx context.Context, charge *plan.Charge, event *events.Event, key string, existing []*invoice.Fee) (bool, error) {
	if charge.Invoiceable {
		return s.InvoiceRepo.ExistsPeriodKey(ctx, key)
	}
	return lo.ContainsBy(existing, func(f *invoice.Fee) bool {
		return f.ChargeID == charge.ID && f.PayInAdvanceEventTransactionID == event.TransactionID
	}), nil
}

func (s *payInAdvanceService) Reconcile(ctx context.Context, sub *subscription.Subscription, at time.Time) ([]*invoice.Fee, error) {
	if !sub.IsActive() {
		return nil, nil
	}
	p, err := s.getPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}
	metricIDs := lo.Uniq(lo.FilterMap(p.Charges, func(c *plan.Charge, _ int) (string, bool) {
		return c.BillableMetricID, c.PayInAdvance
	}))
	if len(metricIDs) == 0 {
		return nil, nil
	}

	cust, err := s.CustomerRepo.Get(ctx, sub.CustomerID)
	if err != nil {
		return nil, err
	}
	loc := s.location(cust)

	// events ingested just before a billing day belong to the previous period
	from := billingperiod.ChargesPeriodContaining(sub, p, loc, at).From
	if from.After(sub.StartInstant()) {
		from = billingperiod.ChargesPeriodContaining(sub, p, loc, from.Add(-time.Nanosecond)).From
	}
	from = types.MaxTime(from, sub.StartInstant())

	var billed []*invoice.Fee
	for _, id := range metricIDs {
		metric, err := s.getMetric(ctx, id)
		if err != nil {
			return nil, err
		}
		evs, err := s.EventRepo.List(ctx, &events.Filter{
			ExternalSubscriptionID: sub.ExternalID,
			Code:                   metric.Code,
			Source:                 types.EventSourceUsage,
			From:                   from,
			To:                     at,
		})
		if err != nil {
			return nil, err
		}
		for _, ev := range evs {
			fees, err := s.HandleEvent(ctx, sub, ev, at)
			if err != nil {
				return billed, err
			}
			billed = append(billed, fees...)
		}
	}
	if len(billed) > 0 {
		s.Logger.WithContext(ctx).Infow("billed missed pay in advance events",
			"subscription_id", sub.ID,
			"fees", len(billed))
	}
	return billed, nil
}

// storePendingFee keeps a non invoiceable fee once per event and charge
func (s *payInAdvanceService) storePendingFee(ctx context.Context, subscriptionID, chargeID string, fee *invoice.Fee) (bool, error) {
	stored := false
	err := s.Locker.WithLock(ctx, lock.SubscriptionKey(subscriptionID), func(ctx context.Context) error {
		existing, err := s.InvoiceRepo.ListPayInAdvanceFees(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if lo.ContainsBy(existing, func(f *invoice.Fee) bool {
			return f.ChargeID == chargeID && f.PayInAdvanceEventTransactionID == fee.PayInAdvanceEventTransactionID
		}) {
			return nil
		}
		if err := s.InvoiceRepo.CreateFee(ctx, fee); err != nil {
			return err
		}
		stored = true
		return nil
	})
	return stored, err
}
