package temporal

import (
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/temporal/activities"
	"github.com/flexprice/billingengine/internal/temporal/workflows"
	"go.temporal.io/sdk/worker"
)

// Registrar is the part of a temporal worker that takes registrations
type Registrar interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

var _ Registrar = worker.Worker(nil)

// RegisterWorkflowsAndActivities registers the billing workflows and activities.
// Names are the function and method names.
func RegisterWorkflowsAndActivities(w Registrar, billingActivities *activities.BillingActivities, log *logger.Logger) {
	w.RegisterWorkflow(workflows.BillingSweepWorkflow)
	w.RegisterWorkflow(workflows.SubscriptionBillingWorkflow)
	w.RegisterWorkflow(workflows.WalletRefreshWorkflow)
	w.RegisterWorkflow(workflows.ProgressiveBillingCheckWorkflow)

	w.RegisterActivity(billingActivities.SweepActivity)
	w.RegisterActivity(billingActivities.BillSubscriptionActivity)
	w.RegisterActivity(billingActivities.RefreshWalletActivity)
	w.RegisterActivity(billingActivities.CheckProgressiveBillingActivity)

	log.Infow("registered temporal workflows and activities",
		"workflows", []string{
			"BillingSweepWorkflow",
			"SubscriptionBillingWorkflow",
			"WalletRefreshWorkflow",
			"ProgressiveBillingCheckWorkflow",
		})
}
