package workflows

import (
	"time"

	"github.com/flexprice/billingengine/internal/temporal/activities"
	"github.com/flexprice/billingengine/internal/temporal/models"
	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Activity method references; temporal resolves them by name
var billing *activities.BillingActivities

func withBillingActivityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute * 3,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    time.Minute,
			MaximumAttempts:    3,
		},
	})
}

// at resolves the billing instant: the requested one, else the workflow clock
func at(ctx workflow.Context, requested time.Time) time.Time {
	if requested.IsZero() {
		return workflow.Now(ctx).UTC()
	}
	return requested.UTC()
}

// BillingSweepWorkflow runs every billing duty of one tenant environment due at input.At.
// Scheduled with a cron schedule it replaces the periodic billing clock.
func BillingSweepWorkflow(ctx workflow.Context, input models.BillingSweepWorkflowInput) (*models.SweepSummary, error) {
	logger := workflow.GetLogger(ctx)
	input.At = at(ctx, input.At)
	logger.Info("Starting billing sweep workflow", "tenantID", input.TenantID, "at", input.At)

	ctx = withBillingActivityOptions(ctx)

	var result models.SweepSummary
	if err := workflow.ExecuteActivity(ctx, billing.SweepActivity, input).Get(ctx, &result); err != nil {
		logger.Error("Billing sweep failed", "error", err)
		return nil, err
	}

	logger.Info("Billing sweep completed",
		"invoiced", result.Invoiced,
		"finalized", result.Finalized,
		"failures", len(result.Failures))
	return &result, nil
}

// SubscriptionBillingWorkflow is a single billing attempt of one subscription
func SubscriptionBillingWorkflow(ctx workflow.Context, input models.SubscriptionWorkflowInput) (*models.InvoiceResult, error) {
	logger := workflow.GetLogger(ctx)
	input.At = at(ctx, input.At)
	logger.Info("Starting subscription billing workflow", "subscriptionID", input.SubscriptionID, "at", input.At)

	ctx = withBillingActivityOptions(ctx)

	var result models.InvoiceResult
	if err := workflow.ExecuteActivity(ctx, billing.BillSubscriptionActivity, input).Get(ctx, &result); err != nil {
		logger.Error("Subscription billing failed", "error", err)
		return nil, err
	}
	return &result, nil
}

func WalletRefreshWorkflow(ctx workflow.Context, input models.WalletRefreshWorkflowInput) (*models.WalletRefreshResult, error) {
	logger := workflow.GetLogger(ctx)
	input.At = at(ctx, input.At)

	ctx = withBillingActivityOptions(ctx)

	var result models.WalletRefreshResult
	if err := workflow.ExecuteActivity(ctx, billing.RefreshWalletActivity, input).Get(ctx, &result); err != nil {
		logger.Error("Wallet refresh failed", "walletID", input.WalletID, "error", err)
		return nil, err
	}
	return &result, nil
}

// ProgressiveBillingCheckWorkflow bills the usage of a subscription early when it
// crossed a usage threshold
func ProgressiveBillingCheckWorkflow(ctx workflow.Context, input models.SubscriptionWorkflowInput) (*models.InvoiceResult, error) {
	logger := workflow.GetLogger(ctx)
	input.At = at(ctx, input.At)

	ctx = withBillingActivityOptions(ctx)

	var result models.InvoiceResult
	if err := workflow.ExecuteActivity(ctx, billing.CheckProgressiveBillingActivity, input).Get(ctx, &result); err != nil {
		logger.Error("Progressive billing check failed", "subscriptionID", input.SubscriptionID, "error", err)
		return nil, err
	}
	return &result, nil
}
