package service

import (
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/testutil"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type SubscriptionServiceSuite struct {
	testutil.BaseServiceTestSuite
	service  SubscriptionService
	billing  BillingService
	invoices InvoiceService
	testData struct {
		customer *customer.Customer
		plans    struct {
			basic   *plan.Plan
			premium *plan.Plan
		}
	}
}

func TestSubscriptionService(t *testing.T) {
	suite.Run(t, new(SubscriptionServiceSuite))
}

func (s *SubscriptionServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	params := newTestParams(&s.BaseServiceTestSuite)
	s.service = NewSubscriptionService(params)
	s.billing = NewBillingService(params)
	s.invoices = NewInvoiceService(params)

	s.testData.customer = s.CreateCustomer("cust_lifecycle", "")
	s.testData.plans.basic = s.CreatePlan(&plan.Plan{
		Code:        "basic",
		Name:        "Basic",
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(3100),
	})
	s.testData.plans.premium = s.CreatePlan(&plan.Plan{
		Code:        "premium",
		Name:        "Premium",
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(6200),
	})
}

func (s *SubscriptionServiceSuite) create(p *plan.Plan, at time.Time) (*subscription.Subscription, error) {
	return s.service.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.testData.customer.ID,
		PlanID:     p.ID,
		ExternalID: "sub_lineage",
	}, at)
}

func (s *SubscriptionServiceSuite) invoicesOf(subscriptionID string) []*invoice.Invoice {
	invoices, err := s.invoices.List(s.GetContext(), &invoice.Filter{SubscriptionID: subscriptionID})
	s.Require().NoError(err)
	return invoices
}

func (s *SubscriptionServiceSuite) TestCreate_Validation() {
	_, err := s.service.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.testData.customer.ID,
	}, time.Now())
	s.True(ierr.IsValidation(err))

	at := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	ending := at.Add(-time.Hour)
	_, err = s.service.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.testData.customer.ID,
		PlanID:     s.testData.plans.basic.ID,
		EndingAt:   &ending,
	}, at)
	s.True(ierr.IsValidation(err))

	_, err = s.service.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: "cust_missing",
		PlanID:     s.testData.plans.basic.ID,
	}, at)
	s.True(ierr.IsNotFound(err))
}

func (s *SubscriptionServiceSuite) TestCreate_SamePlanRejected() {
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.create(s.testData.plans.basic, at)
	s.Require().NoError(err)

	_, err = s.create(s.testData.plans.basic, at.AddDate(0, 0, 3))
	s.True(ierr.IsInvalidOperation(err))
}

func (s *SubscriptionServiceSuite) TestUpgrade_SwitchesImmediately() {
	current, err := s.create(s.testData.plans.basic, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	at := time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC)
	next, err := s.create(s.testData.plans.premium, at)
	s.Require().NoError(err)

	s.Equal(types.SubscriptionStatusActive, next.SubscriptionStatus)
	s.Equal(current.ID, next.PreviousSubscriptionID)
	s.Equal(current.ExternalID, next.ExternalID)
	s.Require().NotNil(next.StartedAt)
	s.Equal(at, next.StartedAt.UTC())

	old, err := s.service.Get(s.GetContext(), current.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusTerminated, old.SubscriptionStatus)
	s.Equal(next.ID, old.NextSubscriptionID)
	s.Require().NotNil(old.TerminatedAt)
	s.Equal(at, old.TerminatedAt.UTC())

	invoices := s.invoicesOf(current.ID)
	s.Require().Len(invoices, 1)
	s.Equal(types.InvoicingReasonSubscriptionTerminating, invoices[0].Subscriptions[0].InvoicingReason)
	// 11 of 31 days in arrears
	s.True(decimal.NewFromInt(1100).Equal(invoices[0].FeesAmountCents), "fees %s", invoices[0].FeesAmountCents)

	s.Len(s.GetPublisher().Events(types.EventSubscriptionTerminated), 1)
	s.Len(s.GetPublisher().Events(types.EventSubscriptionActivated), 2)
}

func (s *SubscriptionServiceSuite) TestDowngrade_QueuedUntilPeriodEnd() {
	current, err := s.create(s.testData.plans.premium, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	next, err := s.create(s.testData.plans.basic, time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	periodEnd := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	s.Equal(types.SubscriptionStatusPending, next.SubscriptionStatus)
	s.Equal(periodEnd, next.SubscriptionAt.UTC())

	old, err := s.service.Get(s.GetContext(), current.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusActive, old.SubscriptionStatus)
	s.Equal(next.ID, old.NextSubscriptionID)
	s.Empty(s.invoicesOf(current.ID))

	res, err := s.billing.Sweep(s.GetContext(), periodEnd)
	s.Require().NoError(err)
	s.Equal(1, res.Activated)
	s.Empty(res.Failed)

	old, err = s.service.Get(s.GetContext(), current.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusTerminated, old.SubscriptionStatus)
	s.Require().NotNil(old.TerminatedAt)
	s.Equal(periodEnd.Add(-time.Nanosecond), old.TerminatedAt.UTC())

	started, err := s.service.Get(s.GetContext(), next.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusActive, started.SubscriptionStatus)

	invoices := s.invoicesOf(current.ID)
	s.Require().Len(invoices, 1)
	s.True(decimal.NewFromInt(6200).Equal(invoices[0].FeesAmountCents), "fees %s", invoices[0].FeesAmountCents)
}

func (s *SubscriptionServiceSuite) TestUpgrade_DropsQueuedDowngrade() {
	current, err := s.create(s.testData.plans.premium, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	queued, err := s.create(s.testData.plans.basic, time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	enterprise := s.CreatePlan(&plan.Plan{
		Code:        "enterprise",
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(9300),
	})
	next, err := s.create(enterprise, time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusActive, next.SubscriptionStatus)

	dropped, err := s.service.Get(s.GetContext(), queued.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusCanceled, dropped.SubscriptionStatus)
	s.NotNil(dropped.CanceledAt)

	old, err := s.service.Get(s.GetContext(), current.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusTerminated, old.SubscriptionStatus)
	s.Equal(next.ID, old.NextSubscriptionID)
}

func (s *SubscriptionServiceSuite) TestTerminate_PendingIsCanceled() {
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	sub, err := s.service.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID:     s.testData.customer.ID,
		PlanID:         s.testData.plans.basic.ID,
		SubscriptionAt: &start,
	}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusPending, sub.SubscriptionStatus)

	got, err := s.service.Terminate(s.GetContext(), sub.ID, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusCanceled, got.SubscriptionStatus)
	s.Len(s.GetPublisher().Events(types.EventSubscriptionCanceled), 1)

	_, err = s.service.Cancel(s.GetContext(), sub.ID, time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC))
	s.True(ierr.IsInvalidOperation(err))
}

func (s *SubscriptionServiceSuite) TestTerminate_Twice() {
	sub, err := s.create(s.testData.plans.basic, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	at := time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC)
	_, err = s.service.Terminate(s.GetContext(), sub.ID, at)
	s.Require().NoError(err)

	_, err = s.service.Terminate(s.GetContext(), sub.ID, at.Add(time.Hour))
	s.True(ierr.IsInvalidOperation(err))
	s.Len(s.invoicesOf(sub.ID), 1)
}

func (s *SubscriptionServiceSuite) requireTaxCodes(codes ...string) {
	cust := s.testData.customer
	cust.TaxCodes = codes
	s.Require().NoError(s.GetStores().CustomerRepo.Update(s.GetContext(), cust))
}

func (s *SubscriptionServiceSuite) TestTerminate_BillingFailureKeepsSubscriptionActive() {
	sub, err := s.create(s.testData.plans.basic, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.requireTaxCodes("vat")

	at := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	_, err = s.service.Terminate(s.GetContext(), sub.ID, at)
	s.Require().Error(err)
	s.True(ierr.Is(err, ierr.ErrTaxNotFound), "terminate error %v", err)

	got, err := s.service.Get(s.GetContext(), sub.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusActive, got.SubscriptionStatus)
	s.Nil(got.TerminatedAt)
	s.Empty(s.invoicesOf(sub.ID))
	s.Empty(s.GetPublisher().Events(types.EventSubscriptionTerminated))

	s.SetTaxRates(map[string]decimal.Decimal{"vat": decimal.NewFromInt(10)})
	service := NewSubscriptionService(newTestParams(&s.BaseServiceTestSuite))

	ended, err := service.Terminate(s.GetContext(), sub.ID, at)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusTerminated, ended.SubscriptionStatus)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	s.Equal(types.InvoicingReasonSubscriptionTerminating, invoices[0].Subscriptions[0].InvoicingReason)
	s.True(invoices[0].TaxesAmountCents.IsPositive(), "taxes %s", invoices[0].TaxesAmountCents)
}

func (s *SubscriptionServiceSuite) TestUpgrade_BillingFailureChangesNothing() {
	current, err := s.create(s.testData.plans.basic, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.requireTaxCodes("vat")

	_, err = s.create(s.testData.plans.premium, time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	s.Require().Error(err)

	got, err := s.service.Get(s.GetContext(), current.ID)
	s.Require().NoError(err)
	s.Equal(types.SubscriptionStatusActive, got.SubscriptionStatus)
	s.Empty(got.NextSubscriptionID)
	s.Empty(s.invoicesOf(current.ID))

	subs, err := s.service.List(s.GetContext(), &subscription.Filter{CustomerID: s.testData.customer.ID})
	s.Require().NoError(err)
	s.Len(subs, 1)
}

func (s *SubscriptionServiceSuite) TestDowngrade_BoundaryEventBilledOnce() {
	metric := s.CreateMetric(&billablemetric.BillableMetric{
		Code:            "api_calls",
		AggregationType: types.AggregationCount,
	})
	charge := func(id string) []*plan.Charge {
		return []*plan.Charge{{
			ID:               id,
			BillableMetricID: metric.ID,
			ChargeModel:      types.ChargeModelStandard,
			Properties:       plan.Properties{Amount: decimal.NewFromInt(100)},
		}}
	}
	premium := s.CreatePlan(&plan.Plan{Interval: types.IntervalMonthly, AmountCents: decimal.NewFromInt(5000), Charges: charge("chg_premium")})
	basic := s.CreatePlan(&plan.Plan{Interval: types.IntervalMonthly, AmountCents: decimal.NewFromInt(1000), Charges: charge("chg_basic")})

	current, err := s.create(premium, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	next, err := s.create(basic, time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Require().Equal(types.SubscriptionStatusPending, next.SubscriptionStatus)

	boundary := next.SubscriptionAt.Add(-time.Nanosecond)
	_, err = NewEventService(newTestParams(&s.BaseServiceTestSuite)).Ingest(s.GetContext(), []*dto.IngestEventRequest{{
		TransactionID:          "tx_boundary",
		ExternalSubscriptionID: current.ExternalID,
		Code:                   "api_calls",
		Timestamp:              &boundary,
	}}, boundary)
	s.Require().NoError(err)

	_, err = s.billing.Sweep(s.GetContext(), next.SubscriptionAt)
	s.Require().NoError(err)

	invoices := s.invoicesOf(current.ID)
	s.Require().Len(invoices, 1)
	is := invoices[0].Subscriptions[0]
	s.Equal(boundary, is.ChargesToDatetime.UTC())

	fee, ok := lo.Find(invoices[0].Fees, func(f *invoice.Fee) bool { return f.ChargeID == "chg_premium" })
	s.Require().True(ok)
	s.True(decimal.NewFromInt(1).Equal(fee.Units), "units %s", fee.Units)
}
