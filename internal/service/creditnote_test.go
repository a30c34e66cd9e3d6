package service

import (
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/testutil"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type CreditNoteServiceSuite struct {
	testutil.BaseServiceTestSuite
	service       CreditNoteService
	subscriptions SubscriptionService
	invoices      InvoiceService
	customer      *customer.Customer
	plan          *plan.Plan
}

func TestCreditNoteService(t *testing.T) {
	suite.Run(t, new(CreditNoteServiceSuite))
}

func (s *CreditNoteServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	params := newTestParams(&s.BaseServiceTestSuite)
	s.service = NewCreditNoteService(params)
	s.subscriptions = NewSubscriptionService(params)
	s.invoices = NewInvoiceService(params)

	s.customer = s.CreateCustomer("cust_credit", "")
	s.plan = s.CreatePlan(&plan.Plan{
		Code:         "advance",
		Interval:     types.IntervalMonthly,
		PayInAdvance: true,
		AmountCents:  decimal.NewFromInt(10000),
	})
}

func (s *CreditNoteServiceSuite) subscribe(at time.Time, onTermination types.OnTerminationCreditNote) *subscription.Subscription {
	sub, err := s.subscriptions.Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID:              s.customer.ID,
		PlanID:                  s.plan.ID,
		OnTerminationCreditNote: onTermination,
	}, at)
	s.Require().NoError(err)
	return sub
}

// startingInvoice returns the finalized invoice that billed the first period upfront
func (s *CreditNoteServiceSuite) startingInvoice(subscriptionID string) *invoice.Invoice {
	invoices, err := s.invoices.List(s.GetContext(), &invoice.Filter{SubscriptionID: subscriptionID})
	s.Require().NoError(err)
	for _, inv := range invoices {
		if inv.Subscriptions[0].InvoicingReason == types.InvoicingReasonSubscriptionStarting {
			return inv
		}
	}
	s.FailNow("no starting invoice")
	return nil
}

func (s *CreditNoteServiceSuite) TestTermination_CreditsUnusedDays() {
	sub := s.subscribe(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), "")
	starting := s.startingInvoice(sub.ID)
	s.Equal(types.InvoiceStatusFinalized, starting.InvoiceStatus)
	s.True(decimal.NewFromInt(10000).Equal(starting.TotalAmountCents), "total %s", starting.TotalAmountCents)

	_, err := s.subscriptions.Terminate(s.GetContext(), sub.ID, time.Date(2023, 2, 21, 10, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	notes, err := s.GetStores().CreditNoteRepo.ListByInvoice(s.GetContext(), starting.ID)
	s.Require().NoError(err)
	s.Require().Len(notes, 1)
	cn := notes[0]
	// 7 unused days of 28
	s.True(decimal.NewFromInt(2500).Equal(cn.CreditAmountCents), "credit %s", cn.CreditAmountCents)
	s.True(decimal.NewFromInt(2500).Equal(cn.BalanceAmountCents), "balance %s", cn.BalanceAmountCents)
	s.Equal(types.CreditNoteReasonOrderCancellation, cn.Reason)
	s.Equal(types.CreditNoteStatusAvailable, cn.CreditStatus)
	s.Require().Len(cn.Items, 1)
	s.Equal(starting.Fees[0].ID, cn.Items[0].FeeID)
	s.NotEmpty(s.GetPublisher().Events(types.EventCreditNoteCreated))
}

func (s *CreditNoteServiceSuite) TestTermination_SkipPolicy() {
	sub := s.subscribe(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), types.OnTerminationCreditNoteSkip)
	starting := s.startingInvoice(sub.ID)

	_, err := s.subscriptions.Terminate(s.GetContext(), sub.ID, time.Date(2023, 2, 21, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	notes, err := s.GetStores().CreditNoteRepo.ListByInvoice(s.GetContext(), starting.ID)
	s.Require().NoError(err)
	s.Empty(notes)
}

func (s *CreditNoteServiceSuite) TestTermination_LastDayCreditsNothing() {
	sub := s.subscribe(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), "")
	starting := s.startingInvoice(sub.ID)

	_, err := s.subscriptions.Terminate(s.GetContext(), sub.ID, time.Date(2023, 2, 28, 18, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	notes, err := s.GetStores().CreditNoteRepo.ListByInvoice(s.GetContext(), starting.ID)
	s.Require().NoError(err)
	s.Empty(notes)
}

func (s *CreditNoteServiceSuite) TestCreditNote_AppliedToNextInvoice() {
	first := s.subscribe(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), "")
	_, err := s.subscriptions.Terminate(s.GetContext(), first.ID, time.Date(2023, 2, 21, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	second := s.subscribe(time.Date(2023, 3, 1, 0, 0, 0, 0, time.UTC), "")
	inv := s.startingInvoice(second.ID)
	s.True(decimal.NewFromInt(10000).Equal(inv.SubTotalIncludingTaxesAmountCents), "subtotal %s", inv.SubTotalIncludingTaxesAmountCents)
	s.True(decimal.NewFromInt(2500).Equal(inv.CreditNotesAmountCents), "credit notes %s", inv.CreditNotesAmountCents)
	s.True(decimal.NewFromInt(7500).Equal(inv.TotalAmountCents), "total %s", inv.TotalAmountCents)

	available, err := s.GetStores().CreditNoteRepo.ListAvailable(s.GetContext(), s.customer.ID)
	s.Require().NoError(err)
	s.Empty(available)
}

func (s *CreditNoteServiceSuite) TestVoid() {
	sub := s.subscribe(time.Date(2023, 2, 1, 0, 0, 0, 0, time.UTC), "")
	starting := s.startingInvoice(sub.ID)
	_, err := s.subscriptions.Terminate(s.GetContext(), sub.ID, time.Date(2023, 2, 21, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)

	notes, err := s.GetStores().CreditNoteRepo.ListByInvoice(s.GetContext(), starting.ID)
	s.Require().NoError(err)
	s.Require().Len(notes, 1)

	at := time.Date(2023, 2, 22, 0, 0, 0, 0, time.UTC)
	voided, err := s.service.Void(s.GetContext(), notes[0].ID, at)
	s.Require().NoError(err)
	s.Equal(types.CreditNoteStatusVoided, voided.CreditStatus)
	s.True(voided.BalanceAmountCents.IsZero())

	_, err = s.service.Void(s.GetContext(), notes[0].ID, at)
	s.True(ierr.IsInvalidOperation(err))
}
