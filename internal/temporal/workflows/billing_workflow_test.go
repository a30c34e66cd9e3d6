package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/temporal/activities"
	"github.com/flexprice/billingengine/internal/temporal/models"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
	"go.temporal.io/sdk/testsuite"
)

type BillingWorkflowSuite struct {
	suite.Suite
	testsuite.WorkflowTestSuite

	env        *testsuite.TestWorkflowEnvironment
	activities *activities.BillingActivities
	scope      models.Scope
	at         time.Time
}

func TestBillingWorkflows(t *testing.T) {
	suite.Run(t, new(BillingWorkflowSuite))
}

func (s *BillingWorkflowSuite) SetupTest() {
	s.env = s.NewTestWorkflowEnvironment()
	s.activities = &activities.BillingActivities{}
	s.env.RegisterActivity(s.activities)
	s.scope = models.Scope{TenantID: "tenant_test", EnvironmentID: "env_test"}
	s.at = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
}

func (s *BillingWorkflowSuite) TearDownTest() {
	s.env.AssertExpectations(s.T())
}

func (s *BillingWorkflowSuite) TestBillingSweep() {
	s.env.OnActivity(s.activities.SweepActivity, mock.Anything, models.BillingSweepWorkflowInput{Scope: s.scope, At: s.at}).
		Return(&models.SweepSummary{Invoiced: 2, Finalized: 1}, nil)

	s.env.ExecuteWorkflow(BillingSweepWorkflow, models.BillingSweepWorkflowInput{Scope: s.scope, At: s.at})

	s.Require().True(s.env.IsWorkflowCompleted())
	s.Require().NoError(s.env.GetWorkflowError())

	var result models.SweepSummary
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	s.Equal(2, result.Invoiced)
	s.Equal(1, result.Finalized)
}

func (s *BillingWorkflowSuite) TestBillingSweep_DefaultsToWorkflowClock() {
	var got models.BillingSweepWorkflowInput
	s.env.OnActivity(s.activities.SweepActivity, mock.Anything, mock.Anything).
		Return(func(_ context.Context, input models.BillingSweepWorkflowInput) (*models.SweepSummary, error) {
			got = input
			return &models.SweepSummary{}, nil
		})

	s.env.ExecuteWorkflow(BillingSweepWorkflow, models.BillingSweepWorkflowInput{Scope: s.scope})

	s.Require().NoError(s.env.GetWorkflowError())
	s.False(got.At.IsZero())
}

func (s *BillingWorkflowSuite) TestSubscriptionBilling() {
	input := models.SubscriptionWorkflowInput{Scope: s.scope, SubscriptionID: "sub_1", At: s.at}
	s.env.OnActivity(s.activities.BillSubscriptionActivity, mock.Anything, input).
		Return(&models.InvoiceResult{InvoiceID: "inv_1", Status: models.StatusInvoiced}, nil)

	s.env.ExecuteWorkflow(SubscriptionBillingWorkflow, input)

	s.Require().NoError(s.env.GetWorkflowError())
	var result models.InvoiceResult
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	s.Equal("inv_1", result.InvoiceID)
}

func (s *BillingWorkflowSuite) TestSubscriptionBilling_RetriesThenFails() {
	input := models.SubscriptionWorkflowInput{Scope: s.scope, SubscriptionID: "sub_1", At: s.at}
	s.env.OnActivity(s.activities.BillSubscriptionActivity, mock.Anything, input).
		Return(nil, errors.New("tax provider unavailable")).
		Times(3)

	s.env.ExecuteWorkflow(SubscriptionBillingWorkflow, input)

	s.Require().True(s.env.IsWorkflowCompleted())
	s.Error(s.env.GetWorkflowError())
}

func (s *BillingWorkflowSuite) TestWalletRefresh() {
	input := models.WalletRefreshWorkflowInput{Scope: s.scope, WalletID: "wlt_1", At: s.at}
	s.env.OnActivity(s.activities.RefreshWalletActivity, mock.Anything, input).
		Return(&models.WalletRefreshResult{TransactionIDs: []string{"wtx_1"}}, nil)

	s.env.ExecuteWorkflow(WalletRefreshWorkflow, input)

	s.Require().NoError(s.env.GetWorkflowError())
	var result models.WalletRefreshResult
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	s.Equal([]string{"wtx_1"}, result.TransactionIDs)
}

func (s *BillingWorkflowSuite) TestProgressiveBillingCheck_NothingCrossed() {
	input := models.SubscriptionWorkflowInput{Scope: s.scope, SubscriptionID: "sub_1", At: s.at}
	s.env.OnActivity(s.activities.CheckProgressiveBillingActivity, mock.Anything, input).
		Return(&models.InvoiceResult{Status: models.StatusNothing}, nil)

	s.env.ExecuteWorkflow(ProgressiveBillingCheckWorkflow, input)

	s.Require().NoError(s.env.GetWorkflowError())
	var result models.InvoiceResult
	s.Require().NoError(s.env.GetWorkflowResult(&result))
	s.Empty(result.InvoiceID)
	s.Equal(models.StatusNothing, result.Status)
}
