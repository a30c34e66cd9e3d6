package service

import (
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/wallet"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/payment"
	"github.com/flexprice/billingengine/internal/testutil"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type WalletServiceSuite struct {
	testutil.BaseServiceTestSuite
	service  WalletService
	params   ServiceParams
	customer *customer.Customer
	now      time.Time
}

func TestWalletService(t *testing.T) {
	suite.Run(t, new(WalletServiceSuite))
}

func (s *WalletServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	s.params = newTestParams(&s.BaseServiceTestSuite)
	s.service = NewWalletService(s.params)
	s.customer = s.CreateCustomer("cust_wallet", "")
	s.now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *WalletServiceSuite) createWallet(granted int64, traceable bool) *wallet.Wallet {
	w, err := s.service.Create(s.GetContext(), &dto.CreateWalletRequest{
		CustomerID:     s.customer.ID,
		Name:           "credits",
		RateAmount:     decimal.NewFromInt(1),
		Traceable:      lo.ToPtr(traceable),
		GrantedCredits: decimal.NewFromInt(granted),
	}, s.now)
	s.Require().NoError(err)
	return w
}

func (s *WalletServiceSuite) TestCreate() {
	w := s.createWallet(10, false)
	s.Equal(types.WalletStatusActive, w.WalletStatus)
	s.Equal("USD", w.Currency)
	s.Equal(types.DefaultWalletPriority, w.Priority)
	s.True(decimal.NewFromInt(10).Equal(w.CreditsBalance))
	s.True(decimal.NewFromInt(1000).Equal(w.BalanceCents))

	_, err := s.service.Create(s.GetContext(), &dto.CreateWalletRequest{CustomerID: s.customer.ID}, s.now)
	s.True(ierr.IsValidation(err), "zero rate")
}

func (s *WalletServiceSuite) TestTopUp_PaidCreditsSettleWithInvoice() {
	w := s.createWallet(0, false)

	txs, err := s.service.TopUp(s.GetContext(), w.ID, &dto.TopUpRequest{PaidCredits: decimal.NewFromInt(5)}, s.now)
	s.Require().NoError(err)
	s.Require().Len(txs, 1)
	s.Equal(types.TransactionStatusPurchased, txs[0].TransactionStatus)
	s.Equal(types.WalletTxStatusSettled, txs[0].Status)
	s.NotEmpty(txs[0].InvoiceID)

	inv, err := NewInvoiceService(s.params).Get(s.GetContext(), txs[0].InvoiceID)
	s.Require().NoError(err)
	s.Equal(types.InvoiceTypeCredit, inv.InvoiceType)
	s.Equal(types.InvoiceStatusFinalized, inv.InvoiceStatus)
	s.True(decimal.NewFromInt(500).Equal(inv.TotalAmountCents))

	got, err := s.service.Get(s.GetContext(), w.ID)
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(500).Equal(got.BalanceCents))
}

func (s *WalletServiceSuite) TestTopUp_FailedPaymentNeverCredits() {
	w := s.createWallet(0, false)
	s.GetPaymentProvider().Status = payment.StatusFailed

	txs, err := s.service.TopUp(s.GetContext(), w.ID, &dto.TopUpRequest{
		PaidCredits:                      decimal.NewFromInt(5),
		InvoiceRequiresSuccessfulPayment: lo.ToPtr(true),
	}, s.now)
	s.Require().NoError(err)
	s.Require().Len(txs, 1)
	s.Equal(types.WalletTxStatusFailed, txs[0].Status)

	got, err := s.service.Get(s.GetContext(), w.ID)
	s.Require().NoError(err)
	s.True(got.BalanceCents.IsZero())
	s.NotEmpty(s.GetPublisher().Events(types.EventInvoicePaymentFailed))
}

func (s *WalletServiceSuite) TestTraceableConsumption() {
	w := s.createWallet(10, true)
	_, err := s.service.TopUp(s.GetContext(), w.ID, &dto.TopUpRequest{
		PaidCredits: decimal.NewFromInt(5),
		Priority:    1,
	}, s.now.Add(time.Hour))
	s.Require().NoError(err)

	out, err := s.service.Consume(s.GetContext(), w.ID, decimal.NewFromInt(700), types.TransactionStatusInvoiced, "", s.now.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(types.TransactionTypeOutbound, out.TransactionType)

	consumptions, err := s.GetStores().WalletRepo.ListConsumptionsByOutbound(s.GetContext(), out.ID)
	s.Require().NoError(err)
	total := lo.Reduce(consumptions, func(acc decimal.Decimal, c *wallet.Consumption, _ int) decimal.Decimal {
		return acc.Add(c.AmountCents)
	}, decimal.Zero)
	s.True(decimal.NewFromInt(700).Equal(total))

	breakdown, err := s.service.GetBalanceBreakdown(s.GetContext(), w.ID)
	s.Require().NoError(err)
	// the purchased top up has the lower priority and is drained first
	s.True(breakdown.PurchasedCents.IsZero(), "purchased %s", breakdown.PurchasedCents)
	s.True(decimal.NewFromInt(800).Equal(breakdown.GrantedCents), "granted %s", breakdown.GrantedCents)

	got, err := s.service.Get(s.GetContext(), w.ID)
	s.Require().NoError(err)
	s.True(got.BalanceCents.Equal(breakdown.GrantedCents.Add(breakdown.PurchasedCents)))
	s.True(decimal.NewFromInt(700).Equal(got.ConsumedAmountCents))

	_, err = s.service.Consume(s.GetContext(), w.ID, decimal.NewFromInt(801), types.TransactionStatusInvoiced, "", s.now.Add(3*time.Hour))
	s.True(ierr.IsValidation(err))
}

func (s *WalletServiceSuite) TestVoidCredits() {
	w := s.createWallet(10, true)

	tx, err := s.service.VoidCredits(s.GetContext(), w.ID, decimal.NewFromInt(3), s.now)
	s.Require().NoError(err)
	s.Equal(types.TransactionStatusVoided, tx.TransactionStatus)
	s.True(decimal.NewFromInt(300).Equal(tx.AmountCents))

	breakdown, err := s.service.GetBalanceBreakdown(s.GetContext(), w.ID)
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(700).Equal(breakdown.GrantedCents))

	_, err = s.service.VoidCredits(s.GetContext(), w.ID, decimal.NewFromInt(8), s.now)
	s.True(ierr.IsValidation(err))
}

func (s *WalletServiceSuite) TestPrepaidCreditsAppliedAtFinalization() {
	w := s.createWallet(10, false)
	p := s.CreatePlan(&plan.Plan{
		Interval:    types.IntervalMonthly,
		AmountCents: decimal.NewFromInt(3000),
	})
	sub, err := NewSubscriptionService(s.params).Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.customer.ID,
		PlanID:     p.ID,
	}, s.now)
	s.Require().NoError(err)

	inv, err := NewBillingService(s.params).BillSubscription(s.GetContext(), sub.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Require().NotNil(inv)
	s.True(decimal.NewFromInt(1000).Equal(inv.PrepaidCreditAmountCents), "prepaid %s", inv.PrepaidCreditAmountCents)
	s.True(decimal.NewFromInt(2000).Equal(inv.TotalAmountCents), "total %s", inv.TotalAmountCents)

	got, err := s.service.Get(s.GetContext(), w.ID)
	s.Require().NoError(err)
	s.True(got.BalanceCents.IsZero())

	outbound, err := s.GetStores().WalletRepo.ListTransactions(s.GetContext(), &wallet.TransactionFilter{
		InvoiceID:       inv.ID,
		TransactionType: types.TransactionTypeOutbound,
	})
	s.Require().NoError(err)
	s.Len(outbound, 1)

	invoices, err := NewInvoiceService(s.params).List(s.GetContext(), &invoice.Filter{CustomerID: s.customer.ID, InvoiceTypes: []types.InvoiceType{types.InvoiceTypeSubscription}})
	s.Require().NoError(err)
	s.Len(invoices, 1)
}

// usageOnWallet subscribes the wallet customer to a plan billing 100 cents per
// stored gb and ingests 3 gb in the current period
func (s *WalletServiceSuite) usageOnWallet() {
	storage := s.CreateMetric(&billablemetric.BillableMetric{
		Code:            "storage",
		AggregationType: types.AggregationSum,
		FieldName:       "gb",
	})
	p := s.CreatePlan(&plan.Plan{
		Interval: types.IntervalMonthly,
		Charges: []*plan.Charge{{
			ID:               "chg_storage",
			BillableMetricID: storage.ID,
			ChargeModel:      types.ChargeModelStandard,
			Properties:       plan.Properties{Amount: decimal.NewFromInt(100)},
		}},
	})
	_, err := NewSubscriptionService(s.params).Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.customer.ID,
		PlanID:     p.ID,
		ExternalID: "sub_wallet_usage",
	}, s.now)
	s.Require().NoError(err)

	ts := s.now.AddDate(0, 0, 4)
	_, err = NewEventService(s.params).Ingest(s.GetContext(), []*dto.IngestEventRequest{{
		TransactionID:          "tx_storage_1",
		ExternalSubscriptionID: "sub_wallet_usage",
		Code:                   "storage",
		Properties:             map[string]interface{}{"gb": 3},
		Timestamp:              &ts,
	}}, ts)
	s.Require().NoError(err)
}

func (s *WalletServiceSuite) TestRefreshOngoingBalance_DeductsCurrentUsage() {
	w := s.createWallet(10, false)
	s.usageOnWallet()

	ob, err := s.service.RefreshOngoingBalance(s.GetContext(), w.ID, s.now.AddDate(0, 0, 9))
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(300).Equal(ob.OngoingUsageBalanceCents), "usage %s", ob.OngoingUsageBalanceCents)
	s.True(decimal.NewFromInt(700).Equal(ob.OngoingBalanceCents), "ongoing %s", ob.OngoingBalanceCents)
	s.True(decimal.NewFromInt(7).Equal(ob.CreditsOngoingBalance), "credits %s", ob.CreditsOngoingBalance)

	got, err := s.service.Get(s.GetContext(), w.ID)
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(1000).Equal(got.BalanceCents), "the projection never moves the balance")
}

func (s *WalletServiceSuite) TestEvaluateRecurringRules_ThresholdFiresOnce() {
	w, err := s.service.Create(s.GetContext(), &dto.CreateWalletRequest{
		CustomerID:     s.customer.ID,
		RateAmount:     decimal.NewFromInt(1),
		GrantedCredits: decimal.NewFromInt(10),
		RecurringTransactionRules: []*wallet.RecurringTransactionRule{{
			ID:               "rule_low_balance",
			Trigger:          types.RecurringTriggerThreshold,
			ThresholdCredits: decimal.NewFromInt(8),
			Method:           types.RecurringMethodFixed,
			GrantedCredits:   decimal.NewFromInt(5),
		}},
	}, s.now)
	s.Require().NoError(err)

	at := s.now.AddDate(0, 0, 9)
	txs, err := s.service.EvaluateRecurringRules(s.GetContext(), w.ID, at)
	s.Require().NoError(err)
	s.Empty(txs, "ongoing balance above threshold")

	s.usageOnWallet()
	_, err = s.service.RefreshOngoingBalance(s.GetContext(), w.ID, at)
	s.Require().NoError(err)

	txs, err = s.service.EvaluateRecurringRules(s.GetContext(), w.ID, at)
	s.Require().NoError(err)
	s.Require().Len(txs, 1)
	s.Equal(types.TransactionStatusGranted, txs[0].TransactionStatus)
	s.Equal(types.TransactionSourceThreshold, txs[0].Source)
	s.True(decimal.NewFromInt(5).Equal(txs[0].CreditAmount), "credits %s", txs[0].CreditAmount)

	txs, err = s.service.EvaluateRecurringRules(s.GetContext(), w.ID, at)
	s.Require().NoError(err)
	s.Empty(txs, "balance back above threshold")
}
