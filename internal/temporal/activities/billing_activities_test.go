package activities

import (
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/service"
	"github.com/flexprice/billingengine/internal/temporal/models"
	"github.com/flexprice/billingengine/internal/testutil"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type BillingActivitiesSuite struct {
	testutil.BaseServiceTestSuite
	params     service.ServiceParams
	activities *BillingActivities
	customer   *customer.Customer
	scope      models.Scope
	now        time.Time
}

func TestBillingActivities(t *testing.T) {
	suite.Run(t, new(BillingActivitiesSuite))
}

func (s *BillingActivitiesSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()

	stores := s.GetStores()
	s.params = service.ServiceParams{
		Logger:             s.GetLogger(),
		Config:             s.GetConfig(),
		DB:                 s.GetDB(),
		Locker:             s.GetLocker(),
		Clock:              s.GetClock(),
		Cache:              s.GetCache(),
		Metrics:            s.GetMetrics(),
		CustomerRepo:       stores.CustomerRepo,
		BillableMetricRepo: stores.BillableMetricRepo,
		PlanRepo:           stores.PlanRepo,
		SubRepo:            stores.SubscriptionRepo,
		EventRepo:          stores.EventRepo,
		InvoiceRepo:        stores.InvoiceRepo,
		CreditNoteRepo:     stores.CreditNoteRepo,
		WalletRepo:         stores.WalletRepo,
		Aggregation:        s.GetAggregationEngine(),
		TaxCalculator:      s.GetTaxCalculator(),
		PaymentProvider:    s.GetPaymentProvider(),
		EventPublisher:     s.GetPublisher(),
	}
	s.activities = NewBillingActivities(s.params)
	s.customer = s.CreateCustomer("cust_activities", "")
	s.scope = models.Scope{TenantID: testutil.TestTenantID, EnvironmentID: testutil.TestEnvironmentID}
	s.now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func (s *BillingActivitiesSuite) TestSweepActivity_NothingDue() {
	summary, err := s.activities.SweepActivity(s.GetContext(), models.BillingSweepWorkflowInput{Scope: s.scope, At: s.now})
	s.Require().NoError(err)
	s.Zero(summary.Invoiced)
	s.Empty(summary.Failures)
}

func (s *BillingActivitiesSuite) TestSweepActivity_RequiresScope() {
	_, err := s.activities.SweepActivity(s.GetContext(), models.BillingSweepWorkflowInput{At: s.now})
	s.True(ierr.IsValidation(err))
}

func (s *BillingActivitiesSuite) TestBillSubscriptionActivity_UnknownSubscription() {
	_, err := s.activities.BillSubscriptionActivity(s.GetContext(), models.SubscriptionWorkflowInput{
		Scope:          s.scope,
		SubscriptionID: "sub_missing",
		At:             s.now,
	})
	s.True(ierr.IsNotFound(err))
}

func (s *BillingActivitiesSuite) TestBillSubscriptionActivity_RequiresSubscription() {
	_, err := s.activities.BillSubscriptionActivity(s.GetContext(), models.SubscriptionWorkflowInput{Scope: s.scope, At: s.now})
	s.True(ierr.IsValidation(err))
}

func (s *BillingActivitiesSuite) TestRefreshWalletActivity() {
	w, err := service.NewWalletService(s.params).Create(s.GetContext(), &dto.CreateWalletRequest{
		CustomerID:     s.customer.ID,
		Name:           "credits",
		RateAmount:     decimal.NewFromInt(1),
		Traceable:      lo.ToPtr(false),
		GrantedCredits: decimal.NewFromInt(10),
	}, s.now)
	s.Require().NoError(err)

	res, err := s.activities.RefreshWalletActivity(s.GetContext(), models.WalletRefreshWorkflowInput{
		Scope:    s.scope,
		WalletID: w.ID,
		At:       s.now,
	})
	s.Require().NoError(err)
	s.True(decimal.NewFromInt(1000).Equal(res.OngoingBalanceCents))
	s.True(decimal.NewFromInt(10).Equal(res.CreditsOngoingBalance))
	s.Empty(res.TransactionIDs)
}
