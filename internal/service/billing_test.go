package service

import (
	"context"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/billingperiod"
	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/dto"
	"github.com/flexprice/billingengine/internal/testutil"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type BillingServiceSuite struct {
	testutil.BaseServiceTestSuite
	billing       BillingService
	subscriptions SubscriptionService
	invoices      InvoiceService
	customer      *customer.Customer
}

func TestBillingService(t *testing.T) {
	suite.Run(t, new(BillingServiceSuite))
}

func (s *BillingServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	s.setupServices()
	s.customer = s.CreateCustomer("cust_billing", "")
}

func (s *BillingServiceSuite) setupServices() {
	params := newTestParams(&s.BaseServiceTestSuite)
	s.billing = NewBillingService(params)
	s.subscriptions = NewSubscriptionService(params)
	s.invoices = NewInvoiceService(params)
}

func (s *BillingServiceSuite) subscribe(p *plan.Plan, at time.Time, subscriptionAt *time.Time) *subscription.Subscription {
	sub, err := s.subscriptions.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID:     s.customer.ID,
		PlanID:         p.ID,
		SubscriptionAt: subscriptionAt,
	}, at)
	s.Require().NoError(err)
	return sub
}

func (s *BillingServiceSuite) invoicesOf(subscriptionID string) []*invoice.Invoice {
	invoices, err := s.invoices.List(s.GetContext(), &invoice.Filter{SubscriptionID: subscriptionID})
	s.Require().NoError(err)
	return invoices
}

func (s *BillingServiceSuite) TestSweep_BillsPeriodOnce() {
	p := s.CreatePlan(&plan.Plan{
		Name:        "Basic",
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(3000),
	})
	sub := s.subscribe(p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	s.Equal(types.SubscriptionStatusActive, sub.SubscriptionStatus)
	s.Empty(s.invoicesOf(sub.ID))

	res, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(1, res.Invoiced)
	s.Empty(res.Failed)

	for _, at := range []time.Time{
		time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC),
		time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC),
	} {
		res, err = s.billing.Sweep(s.GetContext(), at)
		s.Require().NoError(err)
		s.Equal(0, res.Invoiced, "sweep at %s", at)
		s.Equal(1, res.Skipped, "sweep at %s", at)
	}

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	inv := invoices[0]
	s.Equal(types.InvoiceStatusFinalized, inv.InvoiceStatus)
	s.Equal(types.PaymentStatusSucceeded, inv.PaymentStatus)
	s.True(decimal.NewFromInt(3000).Equal(inv.TotalAmountCents), "total %s", inv.TotalAmountCents)
	s.Require().Len(inv.Subscriptions, 1)
	s.Equal(types.InvoicingReasonSubscriptionPeriodic, inv.Subscriptions[0].InvoicingReason)
	s.Equal([]string{inv.ID}, s.GetPaymentProvider().Invoices)
}

func (s *BillingServiceSuite) TestSweep_CatchesUpMissedBillingDay() {
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(1000),
	})
	sub := s.subscribe(p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	res, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 3, 9, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(1, res.Invoiced)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	is := invoices[0].Subscriptions[0]
	s.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), is.FromDatetime.UTC())
	s.Equal(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC).Add(-time.Nanosecond), is.ToDatetime.UTC())
}

func (s *BillingServiceSuite) TestSweep_ActivatesPendingSubscription() {
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(1000),
	})
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	sub := s.subscribe(p, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), &start)
	s.Equal(types.SubscriptionStatusPending, sub.SubscriptionStatus)

	res, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 1, 9, 23, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(0, res.Activated)

	res, err = s.billing.Sweep(s.GetContext(), start)
	s.Require().NoError(err)
	s.Equal(1, res.Activated)

	got, err := s.subscriptions.Get(s.GetContext(), sub.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusActive, got.SubscriptionStatus)
	s.Require().NotNil(got.StartedAt)
	s.Equal(start, got.StartedAt.UTC())
	s.NotEmpty(s.GetPublisher().Events(types.EventSubscriptionActivated))
}

func (s *BillingServiceSuite) TestSweep_TerminatesAtEndingDate() {
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(3100),
	})
	ending := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	sub, err := s.subscriptions.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.customer.ID,
		PlanID:     p.ID,
		EndingAt:   &ending,
	}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	res, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 1, 20, 1, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(1, res.Terminated)

	got, err := s.subscriptions.Get(s.GetContext(), sub.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusTerminated, got.SubscriptionStatus)
	s.Require().NotNil(got.TerminatedAt)
	s.Equal(ending, got.TerminatedAt.UTC())

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	reasons := lo.Map(invoices[0].Subscriptions, func(is *invoice.InvoiceSubscription, _ int) types.InvoicingReason {
		return is.InvoicingReason
	})
	s.Contains(reasons, types.InvoicingReasonSubscriptionTerminating)
	// 20 of 31 days in arrears
	s.True(decimal.NewFromInt(2000).Equal(invoices[0].FeesAmountCents), "fees %s", invoices[0].FeesAmountCents)
}

func (s *BillingServiceSuite) TestSweep_TrialEndingOnBillingDay() {
	p := s.CreatePlan(&plan.Plan{
		Interval:        types.IntervalMonthly,
		PayInAdvance:    true,
		TrialPeriodDays: decimal.NewFromInt(10),
		AmountCents:     decimal.NewFromInt(1000),
	})
	start := time.Date(2024, 3, 22, 12, 12, 0, 0, time.UTC)
	sub := s.subscribe(p, start, nil)
	s.Empty(s.invoicesOf(sub.ID), "no starting invoice during a trial")

	res, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(1, res.Invoiced)

	res, err = s.billing.Sweep(s.GetContext(), time.Date(2024, 4, 1, 13, 11, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(0, res.Invoiced)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	s.True(decimal.NewFromInt(1000).Equal(invoices[0].FeesAmountCents), "fees %s", invoices[0].FeesAmountCents)

	got, err := s.subscriptions.Get(s.GetContext(), sub.ID)
	s.Require().NoError(err)
	s.Require().NotNil(got.TrialEndedAt)
	s.Equal(time.Date(2024, 4, 1, 12, 12, 0, 0, time.UTC), got.TrialEndedAt.UTC())
}

func (s *BillingServiceSuite) TestSweep_TrialEndingMidPeriod() {
	p := s.CreatePlan(&plan.Plan{
		Interval:        types.IntervalMonthly,
		PayInAdvance:    true,
		TrialPeriodDays: decimal.NewFromInt(14),
		AmountCents:     decimal.NewFromInt(3000),
	})
	sub := s.subscribe(p, time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), nil)

	res, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 4, 15, 0, 30, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(1, res.Invoiced)

	res, err = s.billing.Sweep(s.GetContext(), time.Date(2024, 4, 15, 0, 45, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(0, res.Invoiced)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	is := invoices[0].Subscriptions[0]
	s.Equal(types.InvoicingReasonTrialEnded, is.InvoicingReason)
	// April 15 to 30 is 16 of 30 days
	s.True(decimal.NewFromInt(1600).Equal(invoices[0].FeesAmountCents), "fees %s", invoices[0].FeesAmountCents)
}

func (s *BillingServiceSuite) TestSweep_FinalizesDraftsAfterGracePeriod() {
	s.GetConfig().Billing.InvoiceGracePeriodDays = 3
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(1000),
	})
	sub := s.subscribe(p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	_, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	s.Equal(types.InvoiceStatusDraft, invoices[0].InvoiceStatus)

	res, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(0, res.Finalized)

	res, err = s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(1, res.Finalized)

	inv, err := s.invoices.Get(s.GetContext(), invoices[0].ID)
	s.Require().NoError(err)
	s.Equal(types.InvoiceStatusFinalized, inv.InvoiceStatus)
}

func (s *BillingServiceSuite) TestBillSubscription_SkipsInactive() {
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(1000),
	})
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	sub := s.subscribe(p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), &start)

	inv, err := s.billing.BillSubscription(s.GetContext(), sub.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Nil(inv)
}

func (s *BillingServiceSuite) TestBillSubscriptions_SkipsEntryTerminatedMeanwhile() {
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(1000),
	})
	sub := s.subscribe(p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	billingDay := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	due, err := billingperiod.Compute(billingperiod.Input{
		Subscription: sub,
		Plan:         p,
		Timezone:     time.UTC,
		At:           billingDay,
		Kind:         billingperiod.KindPeriodic,
	})
	s.Require().NoError(err)

	_, err = s.subscriptions.Terminate(s.GetContext(), sub.ID, time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Require().Len(s.invoicesOf(sub.ID), 1)

	inv, err := s.invoices.BillSubscriptions(s.GetContext(), s.customer.ID, []*SubscriptionBilling{{
		Subscription: sub,
		Plan:         p,
		Boundaries:   due,
		Reason:       types.InvoicingReasonSubscriptionPeriodic,
	}}, billingDay)
	s.Require().NoError(err)
	s.Nil(inv)
	s.Len(s.invoicesOf(sub.ID), 1)
}

func (s *BillingServiceSuite) TestScheduler_SweepsConfiguredScopes() {
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(1500),
	})
	sub := s.subscribe(p, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), nil)

	s.GetConfig().Billing.SweepScopes = []config.SweepScope{
		{TenantID: testutil.TestTenantID, EnvironmentID: testutil.TestEnvironmentID},
		{TenantID: "tenant_other", EnvironmentID: "env_other"},
	}
	scheduler := NewBillingScheduler(newTestParams(&s.BaseServiceTestSuite))

	results := scheduler.RunOnce(context.Background(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().Len(results, 2)
	s.Equal(1, results[testutil.TestTenantID+"/"+testutil.TestEnvironmentID].Invoiced)
	s.Equal(0, results["tenant_other/env_other"].Invoiced)
	s.Len(s.invoicesOf(sub.ID), 1)
}
