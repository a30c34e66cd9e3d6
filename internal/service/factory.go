package service

import (
	"context"
	"sort"
	"time"

	"github.com/flexprice/billingengine/internal/aggregation"
	"github.com/flexprice/billingengine/internal/cache"
	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/creditnote"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/domain/wallet"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/metrics"
	"github.com/flexprice/billingengine/internal/payment"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/flexprice/billingengine/internal/publisher"
	"github.com/flexprice/billingengine/internal/sentry"
	"github.com/flexprice/billingengine/internal/tax"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/samber/lo"
)

// ServiceParams holds common dependencies for services
type ServiceParams struct {
	Logger  *logger.Logger
	Config  *config.Configuration
	DB      postgres.IClient
	Locker  lock.Locker
	Clock   types.Clock
	Cache   cache.Cache
	Metrics *metrics.Collector
	Sentry  *sentry.Service

	// Repositories
	CustomerRepo       customer.Repository
	BillableMetricRepo billablemetric.Repository
	PlanRepo           plan.Repository
	SubRepo            subscription.Repository
	EventRepo          events.Repository
	InvoiceRepo        invoice.Repository
	CreditNoteRepo     creditnote.Repository
	WalletRepo         wallet.Repository

	// Collaborators
	Aggregation     *aggregation.Engine
	TaxCalculator   tax.Calculator
	PaymentProvider payment.Provider

	// Publishers
	EventPublisher publisher.EventPublisher
}

// Common service params
func NewServiceParams(
	logger *logger.Logger,
	config *config.Configuration,
	db postgres.IClient,
	locker lock.Locker,
	clock types.Clock,
	cache cache.Cache,
	metrics *metrics.Collector,
	sentry *sentry.Service,
	customerRepo customer.Repository,
	billableMetricRepo billablemetric.Repository,
	planRepo plan.Repository,
	subRepo subscription.Repository,
	eventRepo events.Repository,
	invoiceRepo invoice.Repository,
	creditNoteRepo creditnote.Repository,
	walletRepo wallet.Repository,
	aggregationEngine *aggregation.Engine,
	taxCalculator tax.Calculator,
	paymentProvider payment.Provider,
	eventPublisher publisher.EventPublisher,
) ServiceParams {
	return ServiceParams{
		Logger:             logger,
		Config:             config,
		DB:                 db,
		Locker:             locker,
		Clock:              clock,
		Cache:              cache,
		Metrics:            metrics,
		Sentry:             sentry,
		CustomerRepo:       customerRepo,
		BillableMetricRepo: billableMetricRepo,
		PlanRepo:           planRepo,
		SubRepo:            subRepo,
		EventRepo:          eventRepo,
		InvoiceRepo:        invoiceRepo,
		CreditNoteRepo:     creditNoteRepo,
		WalletRepo:         walletRepo,
		Aggregation:        aggregationEngine,
		TaxCalculator:      taxCalculator,
		PaymentProvider:    paymentProvider,
		EventPublisher:     eventPublisher,
	}
}

// location resolves the timezone boundaries of a customer are computed in
func (p ServiceParams) location(c *customer.Customer) *time.Location {
	return c.Location(p.Config.Billing.Location())
}

// getPlan reads a plan through the lookup cache
func (p ServiceParams) getPlan(ctx context.Context, id string) (*plan.Plan, error) {
	key := cache.GenerateKey(cache.PrefixPlan, types.GetTenantID(ctx), types.GetEnvironmentID(ctx), id)
	if p.Cache != nil {
		if v, ok := p.Cache.Get(ctx, key); ok {
			if cached, ok := v.(*plan.Plan); ok {
				return cached, nil
			}
		}
	}
	pl, err := p.PlanRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Cache != nil {
		p.Cache.Set(ctx, key, pl, 0)
	}
	return pl, nil
}

// getMetric reads a billable metric through the lookup cache
func (p ServiceParams) getMetric(ctx context.Context, id string) (*billablemetric.BillableMetric, error) {
	key := cache.GenerateKey(cache.PrefixBillableMetric, types.GetTenantID(ctx), types.GetEnvironmentID(ctx), id)
	if p.Cache != nil {
		if v, ok := p.Cache.Get(ctx, key); ok {
			if cached, ok := v.(*billablemetric.BillableMetric); ok {
				return cached, nil
			}
		}
	}
	m, err := p.BillableMetricRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Cache != nil {
		p.Cache.Set(ctx, key, m, 0)
	}
	return m, nil
}

// publish sends a billing domain event. Failures are logged, never returned:
// publication happens after the state change committed.
func (p ServiceParams) publish(ctx context.Context, name types.BillingEventName, entityID string, payload interface{}) {
	if p.EventPublisher == nil {
		return
	}
	if err := p.EventPublisher.Publish(ctx, name, entityID, payload); err != nil {
		p.Logger.WithContext(ctx).Errorw("failed to publish billing event",
			"event_name", name,
			"entity_id", entityID,
			"error", err)
	}
}

// withSubscriptionLocks holds the locks of every subscription id, taken in id order
func (p ServiceParams) withSubscriptionLocks(ctx context.Context, ids []string, fn func(ctx context.Context) error) error {
	return p.withLocks(ctx, lo.Map(ids, func(id string, _ int) string { return lock.SubscriptionKey(id) }), fn)
}

// withWalletLocks holds the locks of every wallet id, taken in id order
func (p ServiceParams) withWalletLocks(ctx context.Context, ids []string, fn func(ctx context.Context) error) error {
	return p.withLocks(ctx, lo.Map(ids, func(id string, _ int) string { return lock.WalletKey(id) }), fn)
}

func (p ServiceParams) withLocks(ctx context.Context, keys []string, fn func(ctx context.Context) error) error {
	sorted := lo.Uniq(keys)
	sort.Strings(sorted)

	var run func(ctx context.Context, i int) error
	run = func(ctx context.Context, i int) error {
		if i == len(sorted) {
			return fn(ctx)
		}
		return p.Locker.WithLock(ctx, sorted[i], func(ctx context.Context) error {
			return run(ctx, i+1)
		})
	}
	return run(ctx, 0)
}

// now reads the clock at an entry point
func (p ServiceParams) now() time.Time {
	if p.Clock == nil {
		return time.Now().UTC()
	}
	return p.Clock.Now()
}
