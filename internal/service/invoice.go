package service

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/payment"
	"github.com/flexprice/billingengine/internal/tax"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

type InvoiceService interface {
	// BillSubscriptions bills the entries on one draft invoice of the customer. Entries
	// whose period key was already billed are skipped; nil is returned when none is left.
	BillSubscriptions(ctx context.Context, customerID string, entries []*SubscriptionBilling, at time.Time) (*invoice.Invoice, error)
	Get(ctx context.Context, id string) (*invoice.Invoice, error)
	List(ctx context.Context, filter *invoice.Filter) ([]*invoice.Invoice, error)
	Refresh(ctx context.Context, id string, at time.Time) (*invoice.Invoice, error)
	Finalize(ctx context.Context, id string, at time.Time) (*invoice.Invoice, error)
	Void(ctx context.Context, id string, at time.Time) (*invoice.Invoice, error)
	FinalizeDueDrafts(ctx context.Context, at time.Time) (*FinalizeDraftsResult, error)
	HandlePaymentResult(ctx context.Context, id string, succeeded bool, providerReference string, at time.Time) (*invoice.Invoice, error)
	// CreateCreditInvoice bills a paid wallet top up
	CreateCreditInvoice(ctx context.Context, customerID string, amountCents decimal.Decimal, currency string, at time.Time) (*invoice.Invoice, error)
}

// SubscriptionBilling is one subscription entry of an invoice
type SubscriptionBilling struct {
	Subscription *subscription.Subscription
	Plan         *plan.Plan
	Boundaries   *billingperiod.Boundaries
	Reason       types.InvoicingReason

	// Fees are billed as is instead of being computed from the boundaries
	Fees []*invoice.Fee
	// PeriodKey overrides the key derived from the boundaries
	PeriodKey string

	AppliedThresholds []*invoice.AppliedUsageThreshold
}

func (e *SubscriptionBilling) periodKey() string {
	if e.PeriodKey != "" {
		return e.PeriodKey
	}
	return e.Boundaries.PeriodKey(e.Subscription.ID, e.Reason)
}

// FinalizeDraftsResult lists the drafts a grace period run finalized or failed on
type FinalizeDraftsResult struct {
	Finalized []string
	Failed    map[string]error
}

type invoiceService struct {
	ServiceParams
}

func NewInvoiceService(params ServiceParams) InvoiceService {
	return &invoiceService{ServiceParams: params}
}

func (s *invoiceService) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	return s.InvoiceRepo.Get(ctx, id)
}

func (s *invoiceService) List(ctx context.Context, filter *invoice.Filter) ([]*invoice.Invoice, error) {
	return s.InvoiceRepo.List(ctx, filter)
}

func (s *invoiceService) BillSubscriptions(ctx context.Context, customerID string, entries []*SubscriptionBilling, at time.Time) (*invoice.Invoice, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	ids := lo.Map(entries, func(e *SubscriptionBilling, _ int) string { return e.Subscription.ID })

	var d *draftInvoice
	var cust *customer.Customer
	err := s.withSubscriptionLocks(ctx, ids, func(ctx context.Context) error {
		var err error
		cust, err = s.CustomerRepo.Get(ctx, customerID)
		if err != nil {
			return err
		}
		d, err = s.draft(ctx, cust, entries, at)
		if err != nil || d == nil {
			return err
		}
		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			return s.save(ctx, d, at)
		})
	})
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, nil
	}
	return s.announce(ctx, d, cust, at)
}

// draftInvoice is a computed invoice and the side records stored with it
type draftInvoice struct {
	inv           *invoice.Invoice
	pendingFeeIDs []string
	coupons       []*invoice.AppliedCoupon
	finalized     bool
}

// save stores a computed invoice and finalizes it unless it has a grace period.
// Callers hold the subscription locks and a transaction.
func (s *invoiceService) save(ctx context.Context, d *draftInvoice, at time.Time) error {
	if err := s.InvoiceRepo.Create(ctx, d.inv); err != nil {
		return err
	}
	if len(d.pendingFeeIDs) > 0 {
		if err := s.InvoiceRepo.AttachFees(ctx, d.inv.ID, d.pendingFeeIDs); err != nil {
			return err
		}
	}
	for _, c := range d.coupons {
		if err := s.InvoiceRepo.UpdateAppliedCoupon(ctx, c); err != nil {
			return err
		}
	}
	if d.inv.DraftUntil != nil {
		return nil
	}
	if err := s.finalize(ctx, d.inv, at); err != nil {
		return err
	}
	d.finalized = true
	return nil
}

// announce reports a saved invoice and collects it once finalized
func (s *invoiceService) announce(ctx context.Context, d *draftInvoice, cust *customer.Customer, at time.Time) (*invoice.Invoice, error) {
	inv := d.inv
	s.Logger.WithContext(ctx).Infow("invoice created",
		"invoice_id", inv.ID,
		"customer_id", inv.CustomerID,
		"invoice_type", inv.InvoiceType,
		"fees_amount_cents", inv.FeesAmountCents,
		"total_amount_cents", inv.TotalAmountCents)
	if s.Metrics != nil {
		s.Metrics.InvoiceCreated(string(inv.InvoiceType))
	}
	s.publish(ctx, types.EventInvoiceCreated, inv.ID, inv)

	if !d.finalized {
		return inv, nil
	}
	return s.issue(ctx, inv, cust, at)
}

// draft computes the invoice of entries without storing anything. It returns nil
// when every entry was billed already or its subscription is no longer active.
func (s *invoiceService) draft(ctx context.Context, cust *customer.Customer, entries []*SubscriptionBilling, at time.Time) (*draftInvoice, error) {
	loc := s.location(cust)

	inv := &invoice.Invoice{
		ID:            types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE),
		Number:        types.GenerateShortIDWithPrefix(types.SHORT_ID_PREFIX_INVOICE),
		CustomerID:    cust.ID,
		InvoiceType:   types.InvoiceTypeSubscription,
		InvoiceStatus: types.InvoiceStatusDraft,
		PaymentStatus: types.PaymentStatusPending,
		Currency:      cust.Currency,
		IssuingDate:   at,
		BaseModel:     types.GetDefaultBaseModel(ctx, at),
	}

	seen := make(map[string]bool)
	var billed []*SubscriptionBilling
	var pendingFeeIDs []string
	for _, e := range entries {
		key := e.periodKey()
		if seen[key] {
			continue
		}
		seen[key] = true

		if !lifecycleReason(e.Reason) {
			stored, err := s.SubRepo.Get(ctx, e.Subscription.ID)
			if err != nil {
				return nil, err
			}
			if !stored.IsActive() {
				s.Logger.WithContext(ctx).Debugw("subscription no longer active",
					"subscription_id", e.Subscription.ID,
					"status", stored.SubscriptionStatus,
					"reason", e.Reason)
				continue
			}
		}

		exists, err := s.InvoiceRepo.ExistsPeriodKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if exists {
			s.Logger.WithContext(ctx).Debugw("period already billed",
				"subscription_id", e.Subscription.ID,
				"reason", e.Reason,
				"period_key", key)
			continue
		}

		fees, pending, err := s.entryFees(ctx, e, loc, at)
		if err != nil {
			return nil, err
		}
		for _, f := range fees {
			f.InvoiceID = inv.ID
		}
		inv.Fees = append(inv.Fees, fees...)
		pendingFeeIDs = append(pendingFeeIDs, pending...)

		b := e.Boundaries
		inv.Subscriptions = append(inv.Subscriptions, &invoice.InvoiceSubscription{
			ID:                       types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE_SUBSCRIPTION),
			InvoiceID:                inv.ID,
			SubscriptionID:           e.Subscription.ID,
			InvoicingReason:          e.Reason,
			FromDatetime:             b.From,
			ToDatetime:               b.To,
			ChargesFromDatetime:      b.ChargesFrom,
			ChargesToDatetime:        b.ChargesTo,
			FixedChargesFromDatetime: b.FixedChargesFrom,
			FixedChargesToDatetime:   b.FixedChargesTo,
			Timestamp:                b.Timestamp,
			FeeBilled:                b.FeeBilled,
			PeriodKey:                key,
		})
		for _, t := range e.AppliedThresholds {
			t.InvoiceID = inv.ID
			inv.AppliedThresholds = append(inv.AppliedThresholds, t)
		}
		if e.Reason == types.InvoicingReasonProgressiveBilling {
			inv.InvoiceType = types.InvoiceTypeProgressiveBilling
		}
		if e.Plan.Currency != "" {
			inv.Currency = e.Plan.Currency
		}
		billed = append(billed, e)
	}
	if len(inv.Subscriptions) == 0 {
		return nil, nil
	}

	credit, err := s.progressiveCredit(ctx, inv, billed)
	if err != nil {
		return nil, err
	}
	inv.ProgressiveBillingCreditAmountCents = credit

	coupons, err := s.applyCoupons(ctx, inv)
	if err != nil {
		return nil, err
	}
	if err := s.applyTaxes(ctx, inv, cust); err != nil {
		return nil, err
	}
	inv.ComputeTotals()
	s.setGracePeriod(inv, cust, at)
	return &draftInvoice{inv: inv, pendingFeeIDs: pendingFeeIDs, coupons: coupons}, nil
}

// lifecycleReason marks entries billed while their subscription changes status.
// Their stored status is not active yet or not anymore.
func lifecycleReason(r types.InvoicingReason) bool {
	return r == types.InvoicingReasonSubscriptionStarting || r == types.InvoicingReasonSubscriptionTerminating
}

// entryFees computes the fees of an entry and picks up the pending pay in advance
// fees of its charges window. The ids of those pending fees are returned apart.
func (s *invoiceService) entryFees(ctx context.Context, e *SubscriptionBilling, loc *time.Location, at time.Time) ([]*invoice.Fee, []string, error) {
	if e.Fees != nil {
		return e.Fees, nil, nil
	}

	feeService := NewFeeService(s.ServiceParams)
	in := &FeeInput{
		Subscription: e.Subscription,
		Plan:         e.Plan,
		Boundaries:   e.Boundaries,
		Reason:       e.Reason,
		Timezone:     loc,
		At:           at,
	}

	var fees []*invoice.Fee
	subFee, err := feeService.SubscriptionFee(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	if subFee != nil {
		fees = append(fees, subFee)
	}
	chargeFees, err := feeService.ChargeFees(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	fees = append(fees, chargeFees...)
	fixedFees, err := feeService.FixedChargeFees(ctx, in)
	if err != nil {
		return nil, nil, err
	}
	fees = append(fees, fixedFees...)

	pending, err := s.pendingFees(ctx, e, loc)
	if err != nil {
		return nil, nil, err
	}
	fees = append(fees, pending...)

	return fees, lo.Map(pending, func(f *invoice.Fee, _ int) string { return f.ID }), nil
}

// pendingFees returns the non invoiceable pay in advance fees whose event falls
// in the closed charges window of a periodic or terminating entry
func (s *invoiceService) pendingFees(ctx context.Context, e *SubscriptionBilling, loc *time.Location) ([]*invoice.Fee, error) {
	b := e.Boundaries
	switch e.Reason {
	case types.InvoicingReasonSubscriptionPeriodic:
		if !windowClosed(b.ChargesTo, b.Timestamp, loc) {
			return nil, nil
		}
	case types.InvoicingReasonSubscriptionTerminating:
	default:
		return nil, nil
	}

	fees, err := s.InvoiceRepo.ListPendingFees(ctx, e.Subscription.ID)
	if err != nil {
		return nil, err
	}
	return lo.Filter(fees, func(f *invoice.Fee, _ int) bool {
		return !f.Period.ChargesTo.Before(b.ChargesFrom) && !f.Period.ChargesTo.After(b.ChargesTo)
	}), nil
}

// progressiveCredit credits back what progressive billing invoices already billed
// in the charges windows closed by the periodic and terminating entries
func (s *invoiceService) progressiveCredit(ctx context.Context, inv *invoice.Invoice, entries []*SubscriptionBilling) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range entries {
		if e.Reason != types.InvoicingReasonSubscriptionPeriodic && e.Reason != types.InvoicingReasonSubscriptionTerminating {
			continue
		}
		billed, err := s.progressivelyBilled(ctx, e.Subscription.ID, e.Boundaries.ChargesFrom)
		if err != nil {
			return decimal.Zero, err
		}
		if billed.IsZero() {
			continue
		}

		charges := decimal.Zero
		for _, f := range inv.Fees {
			if f.SubscriptionID == e.Subscription.ID && f.FeeType == types.FeeTypeCharge {
				charges = charges.Add(f.AmountCents)
			}
		}
		total = total.Add(decimal.Min(billed, charges))
	}
	return total, nil
}

// progressivelyBilled sums the fees of live progressive billing invoices of the
// charges window starting at chargesFrom
func (s *invoiceService) progressivelyBilled(ctx context.Context, subscriptionID string, chargesFrom time.Time) (decimal.Decimal, error) {
	invoices, err := s.InvoiceRepo.List(ctx, &invoice.Filter{
		SubscriptionID: subscriptionID,
		InvoiceTypes:   []types.InvoiceType{types.InvoiceTypeProgressiveBilling},
		Statuses:       []types.InvoiceStatus{types.InvoiceStatusDraft, types.InvoiceStatusFinalized},
	})
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, inv := range invoices {
		inWindow := lo.ContainsBy(inv.Subscriptions, func(is *invoice.InvoiceSubscription) bool {
			return is.SubscriptionID == subscriptionID && is.ChargesFromDatetime.Equal(chargesFrom)
		})
		if !inWindow {
			continue
		}
		for _, f := range inv.Fees {
			if f.SubscriptionID == subscriptionID {
				total = total.Add(f.AmountCents)
			}
		}
	}
	return total, nil
}

// applyCoupons spreads the customer's coupons over the fees, proportionally to their
// amounts, after the progressive credit. It returns the coupons to persist.
func (s *invoiceService) applyCoupons(ctx context.Context, inv *invoice.Invoice) ([]*invoice.AppliedCoupon, error) {
	if inv.InvoiceType == types.InvoiceTypeCredit {
		return nil, nil
	}
	coupons, err := s.InvoiceRepo.ListAppliedCoupons(ctx, inv.CustomerID)
	if err != nil {
		return nil, err
	}
	if len(coupons) == 0 {
		return nil, nil
	}

	fees := sumFees(inv.Fees)
	remaining := fees.Sub(inv.ProgressiveBillingCreditAmountCents)
	if !remaining.IsPositive() {
		return nil, nil
	}

	var updated []*invoice.AppliedCoupon
	for _, c := range coupons {
		if !remaining.IsPositive() {
			break
		}
		amount := couponAmount(c, remaining)
		if !amount.IsPositive() {
			continue
		}
		for _, f := range inv.Fees {
			if f.AmountCents.IsZero() {
				continue
			}
			share := amount.Mul(f.AmountCents).Div(fees)
			f.PreciseCouponsAmountCents = f.PreciseCouponsAmountCents.Add(share)
		}
		remaining = remaining.Sub(amount)
		consumeCoupon(c, amount)
		updated = append(updated, c)
	}
	return updated, nil
}

func couponAmount(c *invoice.AppliedCoupon, base decimal.Decimal) decimal.Decimal {
	switch c.CouponType {
	case types.CouponTypePercentage:
		return base.Mul(c.PercentageRate).Div(decimal.NewFromInt(100))
	default:
		amount := c.AmountCents
		if c.Frequency == types.CouponFrequencyOnce && c.AmountCentsRemaining != nil {
			amount = *c.AmountCentsRemaining
		}
		return decimal.Min(amount, base)
	}
}

// consumeCoupon updates the remaining amount and uses of a coupon after it applied
func consumeCoupon(c *invoice.AppliedCoupon, amount decimal.Decimal) {
	switch c.Frequency {
	case types.CouponFrequencyOnce:
		if c.CouponType == types.CouponTypeFixedAmount {
			left := c.AmountCents
			if c.AmountCentsRemaining != nil {
				left = *c.AmountCentsRemaining
			}
			left = decimal.Max(decimal.Zero, left.Sub(amount))
			c.AmountCentsRemaining = types.DecimalPtr(left)
			c.Terminated = left.IsZero()
			return
		}
		c.Terminated = true
	case types.CouponFrequencyRecurring:
		c.FrequencyRemaining--
		c.Terminated = c.FrequencyRemaining <= 0
	}
}

// applyTaxes computes the taxes of each fee on its amount after coupons and
// its share of the progressive credit
func (s *invoiceService) applyTaxes(ctx context.Context, inv *invoice.Invoice, cust *customer.Customer) error {
	for _, f := range inv.Fees {
		f.TaxesAmountCents = decimal.Zero
		f.TaxesRate = decimal.Zero
	}
	if inv.InvoiceType == types.InvoiceTypeCredit || len(cust.TaxCodes) == 0 || s.TaxCalculator == nil {
		return nil
	}

	charges := decimal.Zero
	for _, f := range inv.Fees {
		if f.FeeType == types.FeeTypeCharge {
			charges = charges.Add(f.AmountCents)
		}
	}

	for _, f := range inv.Fees {
		taxable := f.AmountCents.Sub(f.PreciseCouponsAmountCents)
		if f.FeeType == types.FeeTypeCharge && charges.IsPositive() && inv.ProgressiveBillingCreditAmountCents.IsPositive() {
			taxable = taxable.Sub(inv.ProgressiveBillingCreditAmountCents.Mul(f.AmountCents).Div(charges))
		}
		if !taxable.IsPositive() {
			continue
		}

		res, err := s.TaxCalculator.Compute(ctx, &tax.Request{
			TaxableAmountCents: taxable,
			TaxCodes:           cust.TaxCodes,
			Jurisdiction:       cust.Jurisdiction,
		})
		if err != nil {
			return err
		}
		f.TaxesAmountCents = res.TaxAmountCents
		f.TaxesRate = res.Rate
	}
	return nil
}

func (s *invoiceService) setGracePeriod(inv *invoice.Invoice, cust *customer.Customer, at time.Time) {
	grace := cust.GracePeriodDays(s.Config.Billing.InvoiceGracePeriodDays)
	due := at.AddDate(0, 0, grace)
	inv.PaymentDueDate = &due
	if grace > 0 {
		inv.DraftUntil = &due
	}
}

func (s *invoiceService) Refresh(ctx context.Context, id string, at time.Time) (*invoice.Invoice, error) {
	var inv *invoice.Invoice
	err := s.withInvoiceLocks(ctx, id, func(ctx context.Context, current *invoice.Invoice) error {
		inv = current
		if !inv.IsDraft() {
			return invoice.ErrNotDraft(inv)
		}
		if err := s.refresh(ctx, inv, at); err != nil {
			return err
		}
		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			return s.InvoiceRepo.UpdateDraft(ctx, inv)
		})
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// withInvoiceLocks holds the locks of the invoice subscriptions and then of the
// invoice, and hands fn the invoice as stored once they are held
func (s *invoiceService) withInvoiceLocks(ctx context.Context, id string, fn func(ctx context.Context, inv *invoice.Invoice) error) error {
	inv, err := s.InvoiceRepo.Get(ctx, id)
	if err != nil {
		return err
	}
	return s.withSubscriptionLocks(ctx, inv.SubscriptionIDs(), func(ctx context.Context) error {
		return s.Locker.WithLock(ctx, lock.InvoiceKey(id), func(ctx context.Context) error {
			current, err := s.InvoiceRepo.Get(ctx, id)
			if err != nil {
				return err
			}
			return fn(ctx, current)
		})
	})
}

// refresh recomputes the fees of a draft from its stored boundaries. Fees that were
// not computed from boundaries (pay in advance, progressive) are kept. The coupon
// total already consumed is spread again over the new fees.
func (s *invoiceService) refresh(ctx context.Context, inv *invoice.Invoice, at time.Time) error {
	if inv.InvoiceType != types.InvoiceTypeSubscription {
		inv.ReadyToBeRefreshed = false
		return nil
	}
	cust, err := s.CustomerRepo.Get(ctx, inv.CustomerID)
	if err != nil {
		return err
	}
	loc := s.location(cust)

	kept := lo.Filter(inv.Fees, func(f *invoice.Fee, _ int) bool { return f.PayInAdvance && f.FeeType == types.FeeTypeCharge })
	couponTotal := lo.Reduce(inv.Fees, func(acc decimal.Decimal, f *invoice.Fee, _ int) decimal.Decimal {
		return acc.Add(f.PreciseCouponsAmountCents)
	}, decimal.Zero)

	fees := kept
	var entries []*SubscriptionBilling
	for _, is := range inv.Subscriptions {
		sub, err := s.SubRepo.Get(ctx, is.SubscriptionID)
		if err != nil {
			return err
		}
		p, err := s.getPlan(ctx, sub.PlanID)
		if err != nil {
			return err
		}
		e := &SubscriptionBilling{
			Subscription: sub,
			Plan:         p,
			Boundaries:   boundariesOf(is),
			Reason:       is.InvoicingReason,
		}
		entries = append(entries, e)
		if is.InvoicingReason == types.InvoicingReasonInAdvanceCharge {
			continue
		}

		computed, _, err := s.entryFees(ctx, &SubscriptionBilling{
			Subscription: sub,
			Plan:         p,
			Boundaries:   e.Boundaries,
			Reason:       e.Reason,
		}, loc, at)
		if err != nil {
			return err
		}
		computed = lo.Filter(computed, func(f *invoice.Fee, _ int) bool {
			return !(f.PayInAdvance && f.FeeType == types.FeeTypeCharge)
		})
		fees = append(fees, computed...)
	}
	for _, f := range fees {
		f.InvoiceID = inv.ID
		f.PreciseCouponsAmountCents = decimal.Zero
	}
	inv.Fees = fees

	credit, err := s.progressiveCredit(ctx, inv, entries)
	if err != nil {
		return err
	}
	inv.ProgressiveBillingCreditAmountCents = credit

	total := sumFees(inv.Fees)
	couponTotal = decimal.Min(couponTotal, decimal.Max(decimal.Zero, total.Sub(credit)))
	if total.IsPositive() && couponTotal.IsPositive() {
		for _, f := range inv.Fees {
			f.PreciseCouponsAmountCents = couponTotal.Mul(f.AmountCents).Div(total)
		}
	}

	if err := s.applyTaxes(ctx, inv, cust); err != nil {
		return err
	}
	inv.ComputeTotals()
	inv.ReadyToBeRefreshed = false
	inv.UpdatedAt = at
	return nil
}

// boundariesOf rebuilds the boundaries an invoice subscription was billed for
func boundariesOf(is *invoice.InvoiceSubscription) *billingperiod.Boundaries {
	return &billingperiod.Boundaries{
		From:             is.FromDatetime,
		To:               is.ToDatetime,
		ChargesFrom:      is.ChargesFromDatetime,
		ChargesTo:        is.ChargesToDatetime,
		FixedChargesFrom: is.FixedChargesFromDatetime,
		FixedChargesTo:   is.FixedChargesToDatetime,
		FeeBilled:        is.FeeBilled,
		Timestamp:        is.Timestamp,
	}
}

func (s *invoiceService) Finalize(ctx context.Context, id string, at time.Time) (*invoice.Invoice, error) {
	var inv *invoice.Invoice
	var cust *customer.Customer
	err := s.withInvoiceLocks(ctx, id, func(ctx context.Context, current *invoice.Invoice) error {
		inv = current
		var err error
		cust, err = s.CustomerRepo.Get(ctx, inv.CustomerID)
		if err != nil {
			return err
		}
		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			return s.finalize(ctx, inv, at)
		})
	})
	if err != nil {
		return nil, err
	}
	return s.issue(ctx, inv, cust, at)
}

// finalize applies credit notes and prepaid credits to a draft and stores it
// finalized. Callers hold the invoice subscription locks and a transaction.
func (s *invoiceService) finalize(ctx context.Context, inv *invoice.Invoice, at time.Time) error {
	if !inv.IsDraft() {
		return invoice.ErrNotDraft(inv)
	}
	if inv.ReadyToBeRefreshed {
		if err := s.refresh(ctx, inv, at); err != nil {
			return err
		}
	}

	if inv.InvoiceType != types.InvoiceTypeCredit {
		inv.ComputeTotals()
		if err := NewCreditNoteService(s.ServiceParams).ApplyToInvoice(ctx, inv, at); err != nil {
			return err
		}
		inv.ComputeTotals()
		if err := NewWalletService(s.ServiceParams).ApplyPrepaidCredits(ctx, inv, at); err != nil {
			return err
		}
	}
	inv.ComputeTotals()
	if err := inv.Finalize(at); err != nil {
		return err
	}
	if inv.TotalAmountCents.IsZero() {
		inv.PaymentStatus = types.PaymentStatusSucceeded
	}
	return s.InvoiceRepo.UpdateDraft(ctx, inv)
}

// issue reports a finalized invoice and starts its payment
func (s *invoiceService) issue(ctx context.Context, inv *invoice.Invoice, cust *customer.Customer, at time.Time) (*invoice.Invoice, error) {
	s.Logger.WithContext(ctx).Infow("invoice finalized",
		"invoice_id", inv.ID,
		"total_amount_cents", inv.TotalAmountCents,
		"prepaid_credit_amount_cents", inv.PrepaidCreditAmountCents,
		"credit_notes_amount_cents", inv.CreditNotesAmountCents)
	if s.Metrics != nil {
		s.Metrics.InvoiceFinalized()
	}
	s.publish(ctx, types.EventInvoiceFinalized, inv.ID, inv)

	if inv.TotalAmountCents.IsPositive() && s.PaymentProvider != nil {
		return s.collectPayment(ctx, inv, cust, at)
	}
	return inv, nil
}

// collectPayment asks the provider to collect a finalized invoice. Provider failures
// leave the payment pending so a later retry can collect it.
func (s *invoiceService) collectPayment(ctx context.Context, inv *invoice.Invoice, cust *customer.Customer, at time.Time) (*invoice.Invoice, error) {
	res, err := s.PaymentProvider.CreatePaymentIntent(ctx, inv, cust)
	if err != nil {
		s.Logger.WithContext(ctx).Errorw("failed to create payment intent",
			"invoice_id", inv.ID,
			"error", err)
		if s.Sentry != nil {
			s.Sentry.CaptureException(ctx, err, map[string]string{"invoice_id": inv.ID})
		}
		return inv, nil
	}

	switch res.Status {
	case payment.StatusSucceeded:
		return s.HandlePaymentResult(ctx, inv.ID, true, res.ProviderReference, at)
	case payment.StatusFailed:
		return s.HandlePaymentResult(ctx, inv.ID, false, res.ProviderReference, at)
	}

	inv.PaymentProviderReference = res.ProviderReference
	if err := s.InvoiceRepo.Update(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *invoiceService) HandlePaymentResult(ctx context.Context, id string, succeeded bool, providerReference string, at time.Time) (*invoice.Invoice, error) {
	inv, err := s.InvoiceRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.InvoiceStatus != types.InvoiceStatusFinalized {
		return nil, ierr.NewError("invoice is not finalized").
			WithHintf("Payment results apply to finalized invoices, invoice %s is %s", inv.ID, inv.InvoiceStatus).
			Mark(ierr.ErrInvalidOperation)
	}
	if inv.PaymentStatus == types.PaymentStatusSucceeded {
		return inv, nil
	}

	inv.PaymentStatus = lo.Ternary(succeeded, types.PaymentStatusSucceeded, types.PaymentStatusFailed)
	if providerReference != "" {
		inv.PaymentProviderReference = providerReference
	}
	inv.UpdatedAt = at

	walletService := NewWalletService(s.ServiceParams)
	err = s.DB.WithTx(ctx, func(ctx context.Context) error {
		if err := s.InvoiceRepo.Update(ctx, inv); err != nil {
			return err
		}
		if inv.InvoiceType != types.InvoiceTypeCredit {
			return nil
		}
		if succeeded {
			return walletService.SettleInvoiceTransactions(ctx, inv.ID, at)
		}
		return walletService.FailInvoiceTransactions(ctx, inv.ID, at)
	})
	if err != nil {
		return nil, err
	}

	if !succeeded {
		s.publish(ctx, types.EventInvoicePaymentFailed, inv.ID, inv)
	}
	return inv, nil
}

func (s *invoiceService) Void(ctx context.Context, id string, at time.Time) (*invoice.Invoice, error) {
	var inv *invoice.Invoice
	var detached []*invoice.Fee
	err := s.withInvoiceLocks(ctx, id, func(ctx context.Context, current *invoice.Invoice) error {
		inv = current
		if err := inv.Void(at); err != nil {
			return err
		}

		// pending pay in advance fees picked up by a periodic entry go back to pending
		inAdvance := lo.ContainsBy(inv.Subscriptions, func(is *invoice.InvoiceSubscription) bool {
			return is.InvoicingReason == types.InvoicingReasonInAdvanceCharge
		})
		if !inAdvance {
			detached, inv.Fees = lo.FilterReject(inv.Fees, func(f *invoice.Fee, _ int) bool {
				return f.PayInAdvance && f.FeeType == types.FeeTypeCharge && f.PayInAdvanceEventTransactionID != ""
			})
		}

		return s.DB.WithTx(ctx, func(ctx context.Context) error {
			if err := s.InvoiceRepo.UpdateDraft(ctx, inv); err != nil {
				return err
			}
			for _, f := range detached {
				f.InvoiceID = ""
				if err := s.InvoiceRepo.CreateFee(ctx, f); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	s.Logger.WithContext(ctx).Infow("invoice voided", "invoice_id", inv.ID, "detached_fees", len(detached))
	s.publish(ctx, types.EventInvoiceVoided, inv.ID, inv)
	return inv, nil
}

func (s *invoiceService) FinalizeDueDrafts(ctx context.Context, at time.Time) (*FinalizeDraftsResult, error) {
	drafts, err := s.InvoiceRepo.List(ctx, &invoice.Filter{
		Statuses:         []types.InvoiceStatus{types.InvoiceStatusDraft},
		DraftUntilBefore: &at,
	})
	if err != nil {
		return nil, err
	}

	result := &FinalizeDraftsResult{Failed: make(map[string]error)}
	for _, inv := range drafts {
		if _, err := s.Finalize(ctx, inv.ID, at); err != nil {
			s.Logger.WithContext(ctx).Errorw("failed to finalize draft invoice",
				"invoice_id", inv.ID,
				"error", err)
			result.Failed[inv.ID] = err
			continue
		}
		result.Finalized = append(result.Finalized, inv.ID)
	}
	return result, nil
}

func (s *invoiceService) CreateCreditInvoice(ctx context.Context, customerID string, amountCents decimal.Decimal, currency string, at time.Time) (*invoice.Invoice, error) {
	cust, err := s.CustomerRepo.Get(ctx, customerID)
	if err != nil {
		return nil, err
	}

	inv := &invoice.Invoice{
		ID:            types.GenerateUUIDWithPrefix(types.UUID_PREFIX_INVOICE),
		Number:        types.GenerateShortIDWithPrefix(types.SHORT_ID_PREFIX_INVOICE),
		CustomerID:    customerID,
		InvoiceType:   types.InvoiceTypeCredit,
		InvoiceStatus: types.InvoiceStatusDraft,
		PaymentStatus: types.PaymentStatusPending,
		Currency:      lo.Ternary(currency != "", currency, cust.Currency),
		IssuingDate:   at,
		BaseModel:     types.GetDefaultBaseModel(ctx, at),
	}
	inv.Fees = []*invoice.Fee{{
		ID:                 types.GenerateUUIDWithPrefix(types.UUID_PREFIX_FEE),
		InvoiceID:          inv.ID,
		CustomerID:         customerID,
		FeeType:            types.FeeTypeCredit,
		AmountCents:        types.RoundCents(amountCents),
		PreciseAmountCents: amountCents,
		UnitAmountCents:    amountCents,
		Units:              decimal.NewFromInt(1),
		InvoiceDisplayName: "Prepaid credits",
		CreatedAt:          at,
	}}
	inv.ComputeTotals()
	inv.PaymentDueDate = &at

	if err := s.InvoiceRepo.Create(ctx, inv); err != nil {
		return nil, err
	}
	if s.Metrics != nil {
		s.Metrics.InvoiceCreated(string(inv.InvoiceType))
	}
	s.publish(ctx, types.EventInvoiceCreated, inv.ID, inv)
	return inv, nil
}

func sumFees(fees []*invoice.Fee) decimal.Decimal {
	total := decimal.Zero
	for _, f := range fees {
		total = total.Add(f.AmountCents)
	}
	return total
}
