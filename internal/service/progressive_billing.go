package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// ProgressiveBillingService bills usage early when it crosses a plan usage threshold
type ProgressiveBillingService interface {
	// Check bills the usage of the current charges window not yet billed when it
	// crossed thresholds not yet applied. It returns nil when nothing was crossed.
	Check(ctx context.Context, subscriptionID string, at time.Time) (*invoice.Invoice, error)
}

type progressiveBillingService struct {
	ServiceParams
}

func NewProgressiveBillingService(params ServiceParams) ProgressiveBillingService {
	return &progressiveBillingService{ServiceParams: params}
}

func (s *progressiveBillingService) Check(ctx context.Context, subscriptionID string, at time.Time) (*invoice.Invoice, error) {
	if !s.Config.Billing.Features.ProgressiveBilling {
		return nil, nil
	}

	var inv *invoice.Invoice
	var crossed []*invoice.AppliedUsageThreshold
	err := s.Locker.WithLock(ctx, lock.SubscriptionKey(subscriptionID), func(ctx context.Context) error {
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
		if len(p.UsageThresholds) == 0 {
			return nil
		}

		inv, crossed, err = s.check(ctx, sub, p, at)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, t := range crossed {
		s.publish(ctx, types.EventUsageThresholdReached, t.SubscriptionID, t)
	}
	return inv, nil
}

func (s *progressiveBillingService) check(ctx context.Context, sub *subscription.Subscription, p *plan.Plan, at time.Time) (*invoice.Invoice, []*invoice.AppliedUsageThreshold, error) {
	cust, err := s.CustomerRepo.Get(ctx, sub.CustomerID)
	if err != nil {
		return nil, nil, err
	}
	loc := s.location(cust)

	b, err := billingperiod.Compute(billingperiod.Input{
		Subscription: sub,
		Plan:         p,
		Timezone:     loc,
		At:           at,
		Kind:         billingperiod.KindCurrentUsage,
	})
	if err != nil {
		if ierr.IsNoBoundaries(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	fees, err := NewFeeService(s.ServiceParams).ChargeFees(ctx, &FeeInput{
		Subscription: sub,
		Plan:         p,
		Boundaries:   b,
		Reason:       types.InvoicingReasonProgressiveBilling,
		Timezone:     loc,
		At:           at,
		CurrentUsage: true,
	})
	if err != nil {
		return nil, nil, err
	}
	usage := sumFees(fees)

	applied, err := s.InvoiceRepo.ListAppliedThresholds(ctx, sub.ID)
	if err != nil {
		return nil, nil, err
	}
	applied = lo.Filter(applied, func(t *invoice.AppliedUsageThreshold, _ int) bool {
		return t.ChargesFromDatetime.Equal(b.ChargesFrom)
	})

	crossed := crossedThresholds(p, applied, usage)
	if len(crossed) == 0 {
		return nil, nil, nil
	}

	unbilled, err := s.unbilledFees(ctx, sub.ID, b.ChargesFrom, fees)
	if err != nil {
		return nil, nil, err
	}
	if len(unbilled) == 0 {
		return nil, nil, nil
	}

	rows := make([]*invoice.AppliedUsageThreshold, 0, len(crossed))
	keyParts := make([]string, 0, len(crossed))
	for _, c := range crossed {
		rows = append(rows, &invoice.AppliedUsageThreshold{
			ID:                       types.GenerateUUIDWithPrefix(types.UUID_PREFIX_APPLIED_USAGE_THRESHOLD),
			SubscriptionID:           sub.ID,
			UsageThresholdID:         c.threshold.ID,
			ChargesFromDatetime:      b.ChargesFrom,
			LifetimeUsageAmountCents: usage,
			RecurringCount:           c.count,
			CreatedAt:                at,
		})
		keyParts = append(keyParts, fmt.Sprintf("%s:%d", c.threshold.ID, c.count))
	}

	entryBoundaries := *b
	entryBoundaries.ChargesTo = at
	entryBoundaries.Timestamp = at

	inv, err := NewInvoiceService(s.ServiceParams).BillSubscriptions(ctx, cust.ID, []*SubscriptionBilling{{
		Subscription:      sub,
		Plan:              p,
		Boundaries:        &entryBoundaries,
		Reason:            types.InvoicingReasonProgressiveBilling,
		Fees:              unbilled,
		PeriodKey:         fmt.Sprintf("progressive|%s|%d|%s", sub.ID, b.ChargesFrom.UnixNano(), strings.Join(keyParts, ",")),
		AppliedThresholds: rows,
	}}, at)
	if err != nil {
		return nil, nil, err
	}
	if inv == nil {
		return nil, nil, nil
	}

	s.Logger.WithContext(ctx).Infow("usage thresholds crossed",
		"subscription_id", sub.ID,
		"invoice_id", inv.ID,
		"usage_amount_cents", usage,
		"thresholds", keyParts)
	return inv, rows, nil
}

type crossedThreshold struct {
	threshold *plan.UsageThreshold
	count     int64
}

// crossedThresholds returns the one shot thresholds at or below usage not yet applied,
// ascending, then the recurring threshold when its count grew
func crossedThresholds(p *plan.Plan, applied []*invoice.AppliedUsageThreshold, usage decimal.Decimal) []crossedThreshold {
	fixed, recurring := p.SortedThresholds()
	appliedIDs := lo.SliceToMap(applied, func(t *invoice.AppliedUsageThreshold) (string, bool) {
		return t.UsageThresholdID, true
	})

	var out []crossedThreshold
	largest := decimal.Zero
	for _, t := range fixed {
		largest = decimal.Max(largest, t.AmountCents)
		if t.AmountCents.LessThanOrEqual(usage) && !appliedIDs[t.ID] {
			out = append(out, crossedThreshold{threshold: t})
		}
	}

	if recurring == nil || !usage.GreaterThan(largest) {
		return out
	}
	count := usage.Sub(largest).Div(recurring.AmountCents).Floor().IntPart()
	var appliedCount int64
	for _, t := range applied {
		if t.UsageThresholdID == recurring.ID && t.RecurringCount > appliedCount {
			appliedCount = t.RecurringCount
		}
	}
	if count > appliedCount {
		out = append(out, crossedThreshold{threshold: recurring, count: count})
	}
	return out
}

// unbilledFees diffs the current usage fees against what progressive invoices of the
// same charges window already billed, per charge, filter and group
func (s *progressiveBillingService) unbilledFees(ctx context.Context, subscriptionID string, chargesFrom time.Time, current []*invoice.Fee) ([]*invoice.Fee, error) {
	invoices, err := s.InvoiceRepo.List(ctx, &invoice.Filter{
		SubscriptionID: subscriptionID,
		InvoiceTypes:   []types.InvoiceType{types.InvoiceTypeProgressiveBilling},
		Statuses:       []types.InvoiceStatus{types.InvoiceStatusDraft, types.InvoiceStatusFinalized},
	})
	if err != nil {
		return nil, err
	}

	billedAmount := make(map[string]decimal.Decimal)
	billedUnits := make(map[string]decimal.Decimal)
	for _, inv := range invoices {
		inWindow := lo.ContainsBy(inv.Subscriptions, func(is *invoice.InvoiceSubscription) bool {
			return is.SubscriptionID == subscriptionID && is.ChargesFromDatetime.Equal(chargesFrom)
		})
		if !inWindow {
			continue
		}
		for _, f := range inv.Fees {
			key := progressiveFeeKey(f)
			billedAmount[key] = billedAmount[key].Add(f.AmountCents)
			billedUnits[key] = billedUnits[key].Add(f.Units)
		}
	}

	var out []*invoice.Fee
	for _, f := range current {
		key := progressiveFeeKey(f)
		amount := f.AmountCents.Sub(billedAmount[key])
		if !amount.IsPositive() {
			continue
		}
		fee := *f
		fee.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_FEE)
		fee.AmountCents = amount
		fee.PreciseAmountCents = amount
		fee.Units = decimal.Max(decimal.Zero, f.Units.Sub(billedUnits[key]))
		if fee.Units.IsPositive() {
			fee.UnitAmountCents = amount.Div(fee.Units)
		}
		out = append(out, &fee)
	}
	return out, nil
}

func progressiveFeeKey(f *invoice.Fee) string {
	keys := lo.Keys(f.GroupedBy)
	sort.Strings(keys)
	parts := lo.Map(keys, func(k string, _ int) string { return k + "=" + f.GroupedBy[k] })
	return f.ChargeID + "|" + f.ChargeFilterID + "|" + strings.Join(parts, ",")
}
