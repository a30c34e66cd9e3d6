package temporal

import (
	"context"
	"fmt"
	"time"

	"github.com/flexprice/billingengine/internal/config"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/temporal/models"
	"github.com/flexprice/billingengine/internal/temporal/workflows"
	"github.com/flexprice/billingengine/internal/types"
	enumspb "go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
)

// WorkflowStarter is the part of the temporal client the service starts workflows with
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options client.StartWorkflowOptions, workflow interface{}, args ...interface{}) (client.WorkflowRun, error)
}

// Service starts the billing workflows
type Service struct {
	client WorkflowStarter
	log    *logger.Logger
	cfg    *config.TemporalConfig
}

// NewService creates a new Temporal service
func NewService(client *TemporalClient, cfg *config.TemporalConfig, log *logger.Logger) *Service {
	return NewServiceWithStarter(client.Client, cfg, log)
}

func NewServiceWithStarter(starter WorkflowStarter, cfg *config.TemporalConfig, log *logger.Logger) *Service {
	return &Service{client: starter, log: log, cfg: cfg}
}

func scopeOf(ctx context.Context) models.Scope {
	return models.Scope{
		TenantID:      types.GetTenantID(ctx),
		EnvironmentID: types.GetEnvironmentID(ctx),
	}
}

// SubscriptionBillingWorkflowID is the id of the billing attempt of a subscription at an instant
func SubscriptionBillingWorkflowID(subscriptionID string, at time.Time) string {
	return fmt.Sprintf("billing-%s-%d", subscriptionID, at.Unix())
}

// ScheduleSubscriptionBilling starts one billing attempt of a subscription.
// Starting the same attempt twice is a no-op and returns the id of the first run.
func (s *Service) ScheduleSubscriptionBilling(ctx context.Context, subscriptionID string, at time.Time) (string, error) {
	input := models.SubscriptionWorkflowInput{
		Scope:          scopeOf(ctx),
		SubscriptionID: subscriptionID,
		At:             at.UTC(),
	}
	if err := input.Validate(); err != nil {
		return "", err
	}
	return s.start(ctx, SubscriptionBillingWorkflowID(subscriptionID, at), workflows.SubscriptionBillingWorkflow, input)
}

// ScheduleProgressiveBillingCheck starts a threshold check of a subscription
func (s *Service) ScheduleProgressiveBillingCheck(ctx context.Context, subscriptionID string, at time.Time) (string, error) {
	input := models.SubscriptionWorkflowInput{
		Scope:          scopeOf(ctx),
		SubscriptionID: subscriptionID,
		At:             at.UTC(),
	}
	if err := input.Validate(); err != nil {
		return "", err
	}
	id := fmt.Sprintf("progressive-%s-%d", subscriptionID, at.Unix())
	return s.start(ctx, id, workflows.ProgressiveBillingCheckWorkflow, input)
}

func (s *Service) ScheduleWalletRefresh(ctx context.Context, walletID string, at time.Time) (string, error) {
	input := models.WalletRefreshWorkflowInput{
		Scope:    scopeOf(ctx),
		WalletID: walletID,
		At:       at.UTC(),
	}
	if err := input.Validate(); err != nil {
		return "", err
	}
	id := fmt.Sprintf("wallet-refresh-%s-%d", walletID, at.Unix())
	return s.start(ctx, id, workflows.WalletRefreshWorkflow, input)
}

// StartBillingSweep registers the recurring sweep of the tenant environment in
// context on the given cron schedule.
func (s *Service) StartBillingSweep(ctx context.Context, cronSchedule string) (string, error) {
	input := models.BillingSweepWorkflowInput{Scope: scopeOf(ctx)}
	if err := input.Validate(); err != nil {
		return "", err
	}

	id := fmt.Sprintf("billing-sweep-%s-%s", input.TenantID, input.EnvironmentID)
	run, err := s.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:           id,
		TaskQueue:    s.cfg.TaskQueue,
		CronSchedule: cronSchedule,
	}, workflows.BillingSweepWorkflow, input)
	if err != nil {
		return "", ierr.WithError(err).
			WithHint("Failed to start the billing sweep workflow").
			WithReportableDetails(map[string]interface{}{"workflow_id": id}).
			Mark(ierr.ErrSystem)
	}

	s.log.Infow("scheduled billing sweep workflow",
		"workflow_id", id,
		"run_id", run.GetRunID(),
		"cron", cronSchedule)
	return id, nil
}

func (s *Service) start(ctx context.Context, id string, workflow interface{}, input interface{}) (string, error) {
	options := client.StartWorkflowOptions{
		ID:                    id,
		TaskQueue:             s.cfg.TaskQueue,
		WorkflowIDReusePolicy: enumspb.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}

	run, err := s.client.ExecuteWorkflow(ctx, options, workflow, input)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if ierr.As(err, &started) {
			s.log.WithContext(ctx).Debugw("workflow already started", "workflow_id", id)
			return id, nil
		}
		return "", ierr.WithError(err).
			WithHint("Failed to start workflow").
			WithReportableDetails(map[string]interface{}{"workflow_id": id}).
			Mark(ierr.ErrSystem)
	}

	s.log.WithContext(ctx).Infow("started workflow",
		"workflow_id", id,
		"run_id", run.GetRunID())
	return id, nil
}
