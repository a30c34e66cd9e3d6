package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/flexprice/billingengine/internal/aggregation"
	"github.com/flexprice/billingengine/internal/cache"
	"github.com/flexprice/billingengine/internal/clickhouse"
	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/metrics"
	"github.com/flexprice/billingengine/internal/payment"
	"github.com/flexprice/billingengine/internal/payment/stripe"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/flexprice/billingengine/internal/publisher"
	"github.com/flexprice/billingengine/internal/pubsub"
	"github.com/flexprice/billingengine/internal/pubsub/kafka"
	"github.com/flexprice/billingengine/internal/pubsub/memory"
	pubsubRouter "github.com/flexprice/billingengine/internal/pubsub/router"
	"github.com/flexprice/billingengine/internal/repository"
	"github.com/flexprice/billingengine/internal/sentry"
	"github.com/flexprice/billingengine/internal/service"
	"github.com/flexprice/billingengine/internal/tax"
	"github.com/flexprice/billingengine/internal/temporal"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

func init() {
	// Set UTC timezone for the entire application
	time.Local = time.UTC
}

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		panic(err)
	}

	var opts []fx.Option

	// Core dependencies
	opts = append(opts,
		fx.Supply(cfg),
		fx.Provide(
			// Logger
			logger.NewLogger,

			// Cache
			cache.NewCache,

			// Metrics
			metrics.New,

			// Clock
			provideClock,

			// Pubsub and domain event publication
			providePubSub,
			func(ps pubsub.PubSub) pubsub.Publisher { return ps },
			publisher.NewEventPublisher,
			pubsubRouter.NewRouter,

			// Collaborators
			provideAggregationEngine,
			provideTaxCalculator,
			providePaymentProvider,
		),
		// Monitoring
		sentry.Module(),
	)

	// Storage
	opts = append(opts, storageOptions(cfg)...)
	opts = append(opts, repository.Module())

	// Service layer
	opts = append(opts,
		fx.Provide(
			service.NewServiceParams,
			service.NewEventConsumer,
			service.NewBillingScheduler,
		),
	)

	// Temporal
	if cfg.Temporal.Enabled {
		opts = append(opts, fx.Provide(
			provideTemporalConfig,
			provideTemporalClient,
			provideTemporalService,
		))
	}

	opts = append(opts, fx.Invoke(startServer))

	app := fx.New(opts...)
	app.Run()
}

// storageOptions provides the database client and the locker of the storage mode.
// Clickhouse joins whichever mode when enabled.
func storageOptions(cfg *config.Configuration) []fx.Option {
	var opts []fx.Option

	if cfg.Billing.StorageMode == types.StorageModePostgres {
		opts = append(opts, postgres.Module())
	} else {
		opts = append(opts, fx.Provide(
			func() postgres.IClient { return postgres.InlineClient{} },
			func() lock.Locker { return lock.NewMemoryLocker() },
		))
	}

	if cfg.ClickHouse.Enabled {
		opts = append(opts, fx.Provide(clickhouse.NewClickHouseStore))
	}
	return opts
}

func provideClock() types.Clock {
	return types.RealClock{}
}

func providePubSub(cfg *config.Configuration, log *logger.Logger) (pubsub.PubSub, error) {
	if cfg.PubSub.Type == types.KafkaPubSub {
		ps, err := kafka.NewPubSub(cfg, log)
		if err != nil {
			return nil, err
		}
		return ps, nil
	}
	return memory.NewPubSub(log), nil
}

func provideAggregationEngine(cfg *config.Configuration, repo events.Repository, log *logger.Logger) *aggregation.Engine {
	return aggregation.NewEngine(repo, cfg.Billing.Features, log)
}

func provideTaxCalculator(cfg *config.Configuration, log *logger.Logger) tax.Calculator {
	rates := lo.MapValues(cfg.Billing.TaxRates, func(v float64, _ string) decimal.Decimal {
		return decimal.NewFromFloat(v)
	})
	return tax.WithRetry(tax.NewRateTable(rates), tax.DefaultRetryPolicy(), log)
}

// providePaymentProvider returns nil when stripe is disabled; finalized invoices
// then stay pending until a payment result is reported.
func providePaymentProvider(cfg *config.Configuration, log *logger.Logger) payment.Provider {
	if !cfg.Stripe.Enabled {
		return nil
	}
	return payment.WithRetry(stripe.NewProvider(cfg, log), 3, log)
}

func provideTemporalConfig(cfg *config.Configuration) *config.TemporalConfig {
	return &cfg.Temporal
}

func provideTemporalClient(cfg *config.TemporalConfig, log *logger.Logger) (*temporal.TemporalClient, error) {
	return temporal.NewTemporalClient(cfg, log)
}

func provideTemporalService(temporalClient *temporal.TemporalClient, cfg *config.TemporalConfig, log *logger.Logger) *temporal.Service {
	return temporal.NewService(temporalClient, cfg, log)
}

type serverParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *config.Configuration
	Logger    *logger.Logger
	Params    service.ServiceParams
	Router    *pubsubRouter.Router
	PubSub    pubsub.PubSub
	Consumer  *service.EventConsumer
	Scheduler *service.BillingScheduler
	Metrics   *metrics.Collector

	TemporalClient  *temporal.TemporalClient `optional:"true"`
	TemporalService *temporal.Service        `optional:"true"`
}

func startServer(p serverParams) {
	mode := p.Config.Deployment.Mode
	if mode == "" {
		mode = types.ModeLocal
	}

	startMetricsServer(p.Lifecycle, p.Config, p.Metrics, p.Logger)

	switch mode {
	case types.ModeLocal:
		startMessageRouter(p.Lifecycle, p.Router, p.PubSub, p.Consumer, p.Logger)
		if p.TemporalClient != nil {
			startTemporalWorker(p.Lifecycle, p.TemporalClient, p.Config, p.Params)
			scheduleTemporalSweeps(p.Lifecycle, p.TemporalService, p.Config, p.Logger)
		} else {
			p.Scheduler.RegisterWithLifecycle(p.Lifecycle)
		}
	case types.ModeConsumer:
		startMessageRouter(p.Lifecycle, p.Router, p.PubSub, p.Consumer, p.Logger)
	case types.ModeTemporalWorker:
		if p.TemporalClient == nil {
			p.Logger.Fatal("Temporal must be enabled for temporal_worker mode")
		}
		startTemporalWorker(p.Lifecycle, p.TemporalClient, p.Config, p.Params)
		scheduleTemporalSweeps(p.Lifecycle, p.TemporalService, p.Config, p.Logger)
	default:
		p.Logger.Fatalf("Unknown deployment mode: %s", mode)
	}
}

func startTemporalWorker(
	lc fx.Lifecycle,
	temporalClient *temporal.TemporalClient,
	cfg *config.Configuration,
	params service.ServiceParams,
) {
	// stop hooks run in reverse, so the client closes after the worker stopped
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			temporalClient.Close()
			return nil
		},
	})

	worker := temporal.NewWorker(temporalClient, cfg, params)
	worker.RegisterWithLifecycle(lc)
}

// scheduleTemporalSweeps registers the cron sweep of every configured scope
func scheduleTemporalSweeps(lc fx.Lifecycle, svc *temporal.Service, cfg *config.Configuration, log *logger.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			for _, scope := range cfg.Billing.SweepScopes {
				scoped := types.SetTenantID(ctx, scope.TenantID)
				scoped = types.SetEnvironmentID(scoped, scope.EnvironmentID)
				if _, err := svc.StartBillingSweep(scoped, cfg.Billing.SweepSchedule); err != nil {
					log.Errorw("failed to schedule billing sweep",
						"tenant_id", scope.TenantID,
						"environment_id", scope.EnvironmentID,
						"error", err)
				}
			}
			return nil
		},
	})
}

func startMessageRouter(
	lc fx.Lifecycle,
	router *pubsubRouter.Router,
	ps pubsub.PubSub,
	consumer *service.EventConsumer,
	logger *logger.Logger,
) {
	// Register handlers before starting the router
	consumer.Register(router, ps.RouterSubscriber())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting message router")
			go func() {
				if err := router.Run(context.Background()); err != nil {
					logger.Errorw("message router failed", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("stopping message router")
			if err := router.Close(); err != nil {
				return err
			}
			return ps.Close()
		},
	})
}

func startMetricsServer(lc fx.Lifecycle, cfg *config.Configuration, collector *metrics.Collector, log *logger.Logger) {
	if cfg.Metrics.Address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(collector.Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Errorw("metrics server failed", "error", err)
				}
			}()
			log.Infow("metrics server started", "address", cfg.Metrics.Address)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
