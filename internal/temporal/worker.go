package temporal

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/service"
	"github.com/flexprice/billingengine/internal/temporal/activities"
	"go.temporal.io/sdk/worker"
	"go.uber.org/fx"
)

const workerStopTimeout = 30 * time.Second

// Worker polls the billing task queue
type Worker struct {
	worker    worker.Worker
	taskQueue string
	log       *logger.Logger
}

// NewWorker creates a worker on the billing task queue and registers the billing
// workflows and activities on it. Activities run at most SweepConcurrency at once.
func NewWorker(client *TemporalClient, cfg *config.Configuration, params service.ServiceParams) *Worker {
	w := worker.New(client.Client, cfg.Temporal.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize: cfg.Billing.SweepConcurrency,
		WorkerStopTimeout:                  workerStopTimeout,
	})

	RegisterWorkflowsAndActivities(w, activities.NewBillingActivities(params), params.Logger)

	return &Worker{
		worker:    w,
		taskQueue: cfg.Temporal.TaskQueue,
		log:       params.Logger,
	}
}

// RegisterWithLifecycle starts polling with the application. On stop the worker
// drains its running activities, bounded by the stop context.
func (w *Worker) RegisterWithLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			w.log.Infow("starting temporal worker", "task_queue", w.taskQueue)
			return w.worker.Start()
		},
		OnStop: func(ctx context.Context) error {
			stopped := make(chan struct{})
			go func() {
				defer close(stopped)
				w.worker.Stop()
			}()

			select {
			case <-stopped:
				w.log.Infow("temporal worker stopped", "task_queue", w.taskQueue)
			case <-ctx.Done():
				w.log.Errorw("timed out stopping temporal worker", "task_queue", w.taskQueue)
			}
			return nil
		},
	})
}
