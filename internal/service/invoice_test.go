package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/payment"
	"github.com/flexprice/billingengine/internal/testutil"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type InvoiceServiceSuite struct {
	testutil.BaseServiceTestSuite
	params   ServiceParams
	billing  BillingService
	invoices InvoiceService
	events   EventService
	customer *customer.Customer
}

func TestInvoiceService(t *testing.T) {
	suite.Run(t, new(InvoiceServiceSuite))
}

func (s *InvoiceServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	s.params = newTestParams(&s.BaseServiceTestSuite)
	s.billing = NewBillingService(s.params)
	s.invoices = NewInvoiceService(s.params)
	s.events = NewEventService(s.params)
	s.customer = s.CreateCustomer("cust_invoices", "")
}

func (s *InvoiceServiceSuite) subscribe(p *plan.Plan, externalID string, at time.Time) *subscription.Subscription {
	sub, err := NewSubscriptionService(s.params).Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.customer.ID,
		PlanID:     p.ID,
		ExternalID: externalID,
	}, at)
	s.Require().NoError(err)
	return sub
}

func (s *InvoiceServiceSuite) invoicesOf(subscriptionID string) []*invoice.Invoice {
	invoices, err := s.invoices.List(s.GetContext(), &invoice.Filter{SubscriptionID: subscriptionID})
	s.Require().NoError(err)
	return invoices
}

func (s *InvoiceServiceSuite) monthlyPlan(amountCents int64) *plan.Plan {
	return s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(amountCents),
	})
}

func (s *InvoiceServiceSuite) TestGracePeriod_KeepsDraftUntilExpiry() {
	s.GetConfig().Billing.InvoiceGracePeriodDays = 3
	sub := s.subscribe(s.monthlyPlan(1000), "sub_grace", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	s.Equal(types.InvoiceStatusDraft, invoices[0].InvoiceStatus)
	s.Empty(s.GetPaymentProvider().Invoices)

	res, err := s.invoices.FinalizeDueDrafts(s.GetContext(), time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Empty(res.Finalized)

	res, err = s.invoices.FinalizeDueDrafts(s.GetContext(), time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal([]string{invoices[0].ID}, res.Finalized)
	s.Empty(res.Failed)

	got, err := s.invoices.Get(s.GetContext(), invoices[0].ID)
	s.Require().NoError(err)
	s.Equal(types.InvoiceStatusFinalized, got.InvoiceStatus)
	s.True(decimal.NewFromInt(1000).Equal(got.TotalAmountCents), "total %s", got.TotalAmountCents)
	s.NotEmpty(s.GetPublisher().Events(types.EventInvoiceFinalized))
}

func (s *InvoiceServiceSuite) TestRefreshAndFinalize_RequireDraft() {
	sub := s.subscribe(s.monthlyPlan(1000), "sub_final", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	s.Require().Equal(types.InvoiceStatusFinalized, invoices[0].InvoiceStatus)

	_, err = s.invoices.Refresh(s.GetContext(), invoices[0].ID, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	s.True(ierr.IsInvalidOperation(err), "refresh error %v", err)

	_, err = s.invoices.Finalize(s.GetContext(), invoices[0].ID, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	s.True(ierr.IsInvalidOperation(err), "finalize error %v", err)
}

func (s *InvoiceServiceSuite) TestPaymentFailure_ThenSuccess() {
	s.GetPaymentProvider().Status = payment.StatusFailed
	sub := s.subscribe(s.monthlyPlan(2500), "sub_pay", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	_, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	inv := invoices[0]
	s.Equal(types.InvoiceStatusFinalized, inv.InvoiceStatus)
	s.Equal(types.PaymentStatusFailed, inv.PaymentStatus)
	s.NotEmpty(s.GetPublisher().Events(types.EventInvoicePaymentFailed))

	paid, err := s.invoices.HandlePaymentResult(s.GetContext(), inv.ID, true, "pi_retry", time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(types.PaymentStatusSucceeded, paid.PaymentStatus)
	s.Equal("pi_retry", paid.PaymentProviderReference)

	again, err := s.invoices.HandlePaymentResult(s.GetContext(), inv.ID, false, "", time.Date(2024, 2, 4, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Equal(types.PaymentStatusSucceeded, again.PaymentStatus)
}

func (s *InvoiceServiceSuite) payInAdvancePlan(invoiceable bool) *plan.Plan {
	metric := s.CreateMetric(&billablemetric.BillableMetric{
		Code:            "seats_added",
		AggregationType: types.AggregationCount,
	})
	return s.CreatePlan(&plan.Plan{
		Interval: types.IntervalMonthly,
		Charges: []*plan.Charge{{
			ID:               "chg_seats",
			BillableMetricID: metric.ID,
			ChargeModel:      types.ChargeModelStandard,
			PayInAdvance:     true,
			Invoiceable:      invoiceable,
			Properties:       plan.Properties{Amount: decimal.NewFromInt(500)},
		}},
	})
}

func (s *InvoiceServiceSuite) seatEvent(transactionID string, ts time.Time) []*dto.IngestEventRequest {
	return []*dto.IngestEventRequest{{
		TransactionID:          transactionID,
		ExternalSubscriptionID: "sub_seats",
		Code:                   "seats_added",
		Timestamp:              &ts,
	}}
}

func (s *InvoiceServiceSuite) TestPayInAdvance_InvoiceableChargeBillsEachEventOnce() {
	sub := s.subscribe(s.payInAdvancePlan(true), "sub_seats", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	_, err := s.events.Ingest(s.GetContext(), s.seatEvent("tx_seat_1", ts), ts)
	s.Require().NoError(err)
	_, err = s.events.Ingest(s.GetContext(), s.seatEvent("tx_seat_1", ts), ts)
	s.Require().NoError(err)

	invoices := lo.Filter(s.invoicesOf(sub.ID), func(inv *invoice.Invoice, _ int) bool {
		return lo.ContainsBy(inv.Subscriptions, func(is *invoice.InvoiceSubscription) bool {
			return is.InvoicingReason == types.InvoicingReasonInAdvanceCharge
		})
	})
	s.Require().Len(invoices, 1)
	s.Require().Len(invoices[0].Fees, 1)
	s.True(decimal.NewFromInt(500).Equal(invoices[0].Fees[0].AmountCents), "fee %s", invoices[0].Fees[0].AmountCents)
	s.Equal("tx_seat_1", invoices[0].Fees[0].PayInAdvanceEventTransactionID)
}

func (s *InvoiceServiceSuite) TestPayInAdvance_NonInvoiceableFeeJoinsPeriodicInvoice() {
	sub := s.subscribe(s.payInAdvancePlan(false), "sub_seats", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	_, err := s.events.Ingest(s.GetContext(), s.seatEvent("tx_seat_1", ts), ts)
	s.Require().NoError(err)
	s.Empty(s.invoicesOf(sub.ID))

	_, err = s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	fee, ok := lo.Find(invoices[0].Fees, func(f *invoice.Fee) bool {
		return f.PayInAdvanceEventTransactionID == "tx_seat_1"
	})
	s.Require().True(ok)
	s.True(decimal.NewFromInt(500).Equal(fee.AmountCents), "fee %s", fee.AmountCents)
}

// gatedInvoices holds the first two readers of one invoice until both read it
type gatedInvoices struct {
	invoice.Repository
	id string

	mu    sync.Mutex
	reads int
	open  chan struct{}
}

func (r *gatedInvoices) Get(ctx context.Context, id string) (*invoice.Invoice, error) {
	if id == r.id {
		r.mu.Lock()
		r.reads++
		n := r.reads
		r.mu.Unlock()
		if n == 2 {
			close(r.open)
		}
		if n <= 2 {
			select {
			case <-r.open:
			case <-time.After(time.Second):
			}
		}
	}
	return r.Repository.Get(ctx, id)
}

func (s *InvoiceServiceSuite) TestFinalize_ConcurrentCallsConsumeWalletOnce() {
	s.GetConfig().Billing.InvoiceGracePeriodDays = 3
	sub := s.subscribe(s.monthlyPlan(1000), "sub_race", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	w, err := NewWalletService(s.params).Create(s.GetContext(), &dto.CreateWalletRequest{
		CustomerID:     s.customer.ID,
		Name:           "credits",
		RateAmount:     decimal.NewFromInt(1),
		GrantedCredits: decimal.NewFromInt(100),
	}, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	_, err = s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	s.Require().True(invoices[0].IsDraft())

	params := s.params
	params.InvoiceRepo = &gatedInvoices{Repository: s.params.InvoiceRepo, id: invoices[0].ID, open: make(chan struct{})}
	service := NewInvoiceService(params)

	at := time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = service.Finalize(s.GetContext(), invoices[0].ID, at)
		}(i)
	}
	wg.Wait()

	succeeded := lo.CountBy(errs, func(err error) bool { return err == nil })
	rejected := lo.CountBy(errs, func(err error) bool { return ierr.IsInvalidOperation(err) })
	s.Equal(1, succeeded, "errors %v", errs)
	s.Equal(1, rejected, "errors %v", errs)

	got, err := NewWalletService(s.params).Get(s.GetContext(), w.ID)
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(9000).Equal(got.BalanceCents), "balance %s", got.BalanceCents)

	inv, err := s.invoices.Get(s.GetContext(), invoices[0].ID)
	s.Require().NoError(err)
	s.Equal(types.InvoiceStatusFinalized, inv.InvoiceStatus)
	s.True(decimal.NewFromInt(1000).Equal(inv.PrepaidCreditAmountCents), "prepaid %s", inv.PrepaidCreditAmountCents)
	s.Len(s.GetPublisher().Events(types.EventInvoiceFinalized), 1)
}

func (s *InvoiceServiceSuite) TestVoid_AfterFinalizeRejected() {
	s.GetConfig().Billing.InvoiceGracePeriodDays = 3
	sub := s.subscribe(s.monthlyPlan(1000), "sub_void", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	_, err := s.billing.Sweep(s.GetContext(), time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)

	stale := invoices[0]
	_, err = s.invoices.Finalize(s.GetContext(), stale.ID, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	stale.InvoiceStatus = types.InvoiceStatusVoided
	err = s.GetStores().InvoiceRepo.UpdateDraft(s.GetContext(), stale)
	s.True(ierr.IsInvalidOperation(err), "update error %v", err)

	_, err = s.invoices.Void(s.GetContext(), stale.ID, time.Date(2024, 2, 3, 0, 0, 0, 0, time.UTC))
	s.True(ierr.IsInvalidOperation(err), "void error %v", err)
}

func (s *InvoiceServiceSuite) TestPayInAdvance_SweepBillsEventThatFailedAtIngestion() {
	sub := s.subscribe(s.payInAdvancePlan(true), "sub_seats", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.customer.TaxCodes = []string{"vat"}
	s.Require().NoError(s.GetStores().CustomerRepo.Update(s.GetContext(), s.customer))

	ts := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	res, err := s.events.Ingest(s.GetContext(), s.seatEvent("tx_seat_1", ts), ts)
	s.Require().NoError(err)
	s.Empty(res.Rejected)
	s.Empty(s.invoicesOf(sub.ID))

	s.SetTaxRates(map[string]decimal.Decimal{"vat": decimal.Zero})
	billing := NewBillingService(newTestParams(&s.BaseServiceTestSuite))

	swept, err := billing.Sweep(s.GetContext(), time.Date(2024, 1, 11, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Empty(swept.Failed)
	s.Equal(1, swept.Reconciled)

	swept, err = billing.Sweep(s.GetContext(), time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Zero(swept.Reconciled)

	invoices := s.invoicesOf(sub.ID)
	s.Require().Len(invoices, 1)
	s.Equal(types.InvoicingReasonInAdvanceCharge, invoices[0].Subscriptions[0].InvoicingReason)
	s.Require().Len(invoices[0].Fees, 1)
	s.Equal("tx_seat_1", invoices[0].Fees[0].PayInAdvanceEventTransactionID)
	s.True(decimal.NewFromInt(500).Equal(invoices[0].Fees[0].AmountCents), "fee %s", invoices[0].Fees[0].AmountCents)
}
