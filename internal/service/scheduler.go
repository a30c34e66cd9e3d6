package service

import (
	"context"
	"sync"
	"time"

	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/types"
	"go.uber.org/fx"
)

// BillingScheduler ticks the billing sweep in process for every configured
// tenant environment. Temporal deployments schedule BillingSweepWorkflow instead.
type BillingScheduler struct {
	ServiceParams
	billing BillingService
	scopes  []config.SweepScope

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewBillingScheduler(params ServiceParams) *BillingScheduler {
	return &BillingScheduler{
		ServiceParams: params,
		billing:       NewBillingService(params),
		scopes:        params.Config.Billing.SweepScopes,
		stop:          make(chan struct{}),
	}
}

// RunOnce sweeps every scope at the given instant. A failing scope is logged
// and does not stop the others.
func (s *BillingScheduler) RunOnce(ctx context.Context, at time.Time) map[string]*SweepResult {
	results := make(map[string]*SweepResult, len(s.scopes))
	for _, scope := range s.scopes {
		scoped := types.SetTenantID(ctx, scope.TenantID)
		scoped = types.SetEnvironmentID(scoped, scope.EnvironmentID)

		res, err := s.billing.Sweep(scoped, at)
		if err != nil {
			s.Logger.WithContext(scoped).Errorw("scheduled sweep failed", "error", err)
			if s.Sentry != nil {
				s.Sentry.CaptureException(scoped, err, map[string]string{"component": "scheduler"})
			}
			continue
		}
		results[scope.TenantID+"/"+scope.EnvironmentID] = res
	}
	return results
}

// Start runs a sweep on every interval until Stop
func (s *BillingScheduler) Start() {
	interval := s.Config.Billing.SweepInterval
	if interval <= 0 {
		s.Logger.Infow("billing scheduler disabled")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.RunOnce(context.Background(), s.now())
			}
		}
	}()
	s.Logger.Infow("billing scheduler started", "interval", interval, "scopes", len(s.scopes))
}

func (s *BillingScheduler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// RegisterWithLifecycle starts the scheduler with the application and stops it on shutdown
func (s *BillingScheduler) RegisterWithLifecycle(lc fx.Lifecycle) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			s.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Stop()
			return nil
		},
	})
}
