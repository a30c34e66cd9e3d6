package repository

import (
	"github.com/flexprice/billingengine/internal/clickhouse"
	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/creditnote"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/domain/wallet"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
	clickhouseRepo "github.com/flexprice/billingengine/internal/repository/clickhouse"
	"github.com/flexprice/billingengine/internal/repository/memory"
	postgresRepo "github.com/flexprice/billingengine/internal/repository/postgres"
	"github.com/flexprice/billingengine/internal/types"
	"go.uber.org/fx"
)

// Repositories is the set of stores the services run on
type Repositories struct {
	Customer       customer.Repository
	BillableMetric billablemetric.Repository
	Plan           plan.Repository
	Subscription   subscription.Repository
	Event          events.Repository
	Invoice        invoice.Repository
	CreditNote     creditnote.Repository
	Wallet         wallet.Repository
}

// NewRepositories picks the implementations for the configured storage mode.
// Events go to clickhouse whenever a store is given, whatever the mode.
func NewRepositories(cfg *config.Configuration, db postgres.IClient, ch *clickhouse.ClickHouseStore, log *logger.Logger) (*Repositories, error) {
	var repos *Repositories

	switch cfg.Billing.StorageMode {
	case types.StorageModeMemory:
		repos = &Repositories{
			Customer:       memory.NewCustomerStore(),
			BillableMetric: memory.NewBillableMetricStore(),
			Plan:           memory.NewPlanStore(),
			Subscription:   memory.NewSubscriptionStore(),
			Event:          memory.NewEventStore(),
			Invoice:        memory.NewInvoiceStore(),
			CreditNote:     memory.NewCreditNoteStore(),
			Wallet:         memory.NewWalletStore(),
		}
	case types.StorageModePostgres:
		if db == nil {
			return nil, ierr.NewError("postgres client is required").
				WithHint("Postgres storage needs a database connection").
				Mark(ierr.ErrSystem)
		}
		repos = &Repositories{
			Customer:       postgresRepo.NewCustomerRepository(db, log),
			BillableMetric: postgresRepo.NewBillableMetricRepository(db, log),
			Plan:           postgresRepo.NewPlanRepository(db, log),
			Subscription:   postgresRepo.NewSubscriptionRepository(db, log),
			Event:          memory.NewEventStore(),
			Invoice:        postgresRepo.NewInvoiceRepository(db, log),
			CreditNote:     postgresRepo.NewCreditNoteRepository(db, log),
			Wallet:         postgresRepo.NewWalletRepository(db, log),
		}
	default:
		return nil, ierr.NewError("unknown storage mode").
			WithHintf("Storage mode %q is not supported", cfg.Billing.StorageMode).
			Mark(ierr.ErrValidation)
	}

	if ch != nil {
		repos.Event = clickhouseRepo.NewEventRepository(ch, log)
	} else {
		log.Infow("events are kept in memory", "storage_mode", cfg.Billing.StorageMode)
	}
	return repos, nil
}

// RepositoryParams are the optional backends NewRepositories may use
type RepositoryParams struct {
	fx.In

	Config     *config.Configuration
	Logger     *logger.Logger
	DB         postgres.IClient            `optional:"true"`
	ClickHouse *clickhouse.ClickHouseStore `optional:"true"`
}

// Module provides every repository interface from one Repositories value
func Module() fx.Option {
	return fx.Options(
		fx.Provide(
			func(p RepositoryParams) (*Repositories, error) {
				return NewRepositories(p.Config, p.DB, p.ClickHouse, p.Logger)
			},
			func(r *Repositories) customer.Repository { return r.Customer },
			func(r *Repositories) billablemetric.Repository { return r.BillableMetric },
			func(r *Repositories) plan.Repository { return r.Plan },
			func(r *Repositories) subscription.Repository { return r.Subscription },
			func(r *Repositories) events.Repository { return r.Event },
			func(r *Repositories) invoice.Repository { return r.Invoice },
			func(r *Repositories) creditnote.Repository { return r.CreditNote },
			func(r *Repositories) wallet.Repository { return r.Wallet },
		),
	)
}
