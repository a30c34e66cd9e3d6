package temporal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/config"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/temporal/models"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

type fakeRun struct {
	client.WorkflowRun
	id string
}

func (r fakeRun) GetRunID() string { return r.id }

// fakeStarter remembers started ids and rejects a second start of the same id
type fakeStarter struct {
	started map[string]client.StartWorkflowOptions
	inputs  map[string]interface{}
	err     error
}

func newFakeStarter() *fakeStarter {
	return &fakeStarter{
		started: map[string]client.StartWorkflowOptions{},
		inputs:  map[string]interface{}{},
	}
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, options client.StartWorkflowOptions, _ interface{}, args ...interface{}) (client.WorkflowRun, error) {
	if f.err != nil {
		return nil, f.err
	}
	if _, ok := f.started[options.ID]; ok {
		return nil, serviceerror.NewWorkflowExecutionAlreadyStarted("workflow already started", "", "run_1")
	}
	f.started[options.ID] = options
	f.inputs[options.ID] = args[0]
	return fakeRun{id: "run_1"}, nil
}

func newTestService(t *testing.T, starter WorkflowStarter) *Service {
	cfg := config.GetDefaultConfig()
	log, err := logger.NewLogger(cfg)
	require.NoError(t, err)
	return NewServiceWithStarter(starter, &cfg.Temporal, log)
}

func testContext() context.Context {
	ctx := types.SetTenantID(context.Background(), "tenant_test")
	return types.SetEnvironmentID(ctx, "env_test")
}

func TestScheduleSubscriptionBilling(t *testing.T) {
	starter := newFakeStarter()
	svc := newTestService(t, starter)
	at := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	id, err := svc.ScheduleSubscriptionBilling(testContext(), "sub_1", at)
	require.NoError(t, err)
	assert.Equal(t, "billing-sub_1-1709251200", id)

	options := starter.started[id]
	assert.Equal(t, enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE, options.WorkflowIDReusePolicy)
	assert.Equal(t, "billing", options.TaskQueue)

	input, ok := starter.inputs[id].(models.SubscriptionWorkflowInput)
	require.True(t, ok)
	assert.Equal(t, "tenant_test", input.TenantID)
	assert.Equal(t, "env_test", input.EnvironmentID)
	assert.True(t, at.Equal(input.At))

	// a duplicate start is a no-op
	again, err := svc.ScheduleSubscriptionBilling(testContext(), "sub_1", at)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.Len(t, starter.started, 1)
}

func TestScheduleSubscriptionBilling_RequiresScope(t *testing.T) {
	svc := newTestService(t, newFakeStarter())

	_, err := svc.ScheduleSubscriptionBilling(context.Background(), "sub_1", time.Now())
	assert.True(t, ierr.IsValidation(err))
}

func TestScheduleSubscriptionBilling_StartFailure(t *testing.T) {
	starter := newFakeStarter()
	starter.err = errors.New("connection refused")
	svc := newTestService(t, starter)

	_, err := svc.ScheduleSubscriptionBilling(testContext(), "sub_1", time.Now())
	require.Error(t, err)
	assert.True(t, ierr.Is(err, ierr.ErrSystem))
}

func TestScheduleWalletRefreshAndProgressiveCheck(t *testing.T) {
	starter := newFakeStarter()
	svc := newTestService(t, starter)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	walletRun, err := svc.ScheduleWalletRefresh(testContext(), "wlt_1", at)
	require.NoError(t, err)
	progressiveRun, err := svc.ScheduleProgressiveBillingCheck(testContext(), "sub_1", at)
	require.NoError(t, err)

	assert.NotEqual(t, walletRun, progressiveRun)
	assert.Len(t, starter.started, 2)
}

func TestStartBillingSweep(t *testing.T) {
	starter := newFakeStarter()
	svc := newTestService(t, starter)

	id, err := svc.StartBillingSweep(testContext(), "0 * * * *")
	require.NoError(t, err)
	assert.Equal(t, "billing-sweep-tenant_test-env_test", id)
	assert.Equal(t, "0 * * * *", starter.started[id].CronSchedule)
}
