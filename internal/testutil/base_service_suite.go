package testutil

import (
	"context"
	"time"

	"github.com/flexprice/billingengine/internal/aggregation"
	"github.com/flexprice/billingengine/internal/cache"
	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/lock"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/metrics"
	"github.com/flexprice/billingengine/internal/repository/memory"
	"github.com/flexprice/billingengine/internal/tax"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/flexprice/billingengine/internal/validator"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

// Stores holds the in-memory repositories of a test
type Stores struct {
	CustomerRepo       *memory.CustomerStore
	BillableMetricRepo *memory.BillableMetricStore
	PlanRepo           *memory.PlanStore
	SubscriptionRepo   *memory.SubscriptionStore
	EventRepo          *memory.EventStore
	InvoiceRepo        *memory.InvoiceStore
	CreditNoteRepo     *memory.CreditNoteStore
	WalletRepo         *memory.WalletStore
}

// BaseServiceTestSuite provides common functionality for all service test suites
type BaseServiceTestSuite struct {
	suite.Suite
	ctx       context.Context
	stores    Stores
	publisher *InMemoryEventPublisher
	payments  *FakePaymentProvider
	db        *MockPostgresClient
	locker    lock.Locker
	cache     cache.Cache
	clock     *types.FixedClock
	logger    *logger.Logger
	config    *config.Configuration
	metrics   *metrics.Collector
	taxes     *tax.RateTable
}

// SetupSuite is called once before running the tests in the suite
func (s *BaseServiceTestSuite) SetupSuite() {
	validator.NewValidator()

	s.config = config.GetDefaultConfig()
	s.config.Logging.Level = types.LogLevelInfo

	var err error
	s.logger, err = logger.NewLogger(s.config)
	if err != nil {
		s.T().Fatalf("failed to create logger: %v", err)
	}
}

// SetupTest is called before each test
func (s *BaseServiceTestSuite) SetupTest() {
	s.ctx = NewTestContext()
	s.config.Billing = config.DefaultBillingConfig()
	s.stores = Stores{
		CustomerRepo:       memory.NewCustomerStore(),
		BillableMetricRepo: memory.NewBillableMetricStore(),
		PlanRepo:           memory.NewPlanStore(),
		SubscriptionRepo:   memory.NewSubscriptionStore(),
		EventRepo:          memory.NewEventStore(),
		InvoiceRepo:        memory.NewInvoiceStore(),
		CreditNoteRepo:     memory.NewCreditNoteStore(),
		WalletRepo:         memory.NewWalletStore(),
	}
	s.publisher = NewInMemoryEventPublisher()
	s.payments = NewFakePaymentProvider()
	s.db = NewMockPostgresClient(s.logger)
	s.locker = lock.NewMemoryLocker()
	s.cache = cache.NewInMemoryCache(s.config)
	s.clock = types.NewFixedClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	s.metrics = metrics.New()
	s.taxes = tax.NewRateTable(nil)
}

// TearDownTest is called after each test
func (s *BaseServiceTestSuite) TearDownTest() {
	s.publisher.Clear()
}

func (s *BaseServiceTestSuite) GetContext() context.Context {
	return s.ctx
}

func (s *BaseServiceTestSuite) GetConfig() *config.Configuration {
	return s.config
}

func (s *BaseServiceTestSuite) GetStores() Stores {
	return s.stores
}

func (s *BaseServiceTestSuite) GetPublisher() *InMemoryEventPublisher {
	return s.publisher
}

func (s *BaseServiceTestSuite) GetPaymentProvider() *FakePaymentProvider {
	return s.payments
}

func (s *BaseServiceTestSuite) GetDB() *MockPostgresClient {
	return s.db
}

func (s *BaseServiceTestSuite) GetLocker() lock.Locker {
	return s.locker
}

func (s *BaseServiceTestSuite) GetCache() cache.Cache {
	return s.cache
}

func (s *BaseServiceTestSuite) GetClock() *types.FixedClock {
	return s.clock
}

func (s *BaseServiceTestSuite) GetLogger() *logger.Logger {
	return s.logger
}

func (s *BaseServiceTestSuite) GetMetrics() *metrics.Collector {
	return s.metrics
}

func (s *BaseServiceTestSuite) GetTaxCalculator() *tax.RateTable {
	return s.taxes
}

// SetTaxRates replaces the tax table with rates in percent by code
func (s *BaseServiceTestSuite) SetTaxRates(rates map[string]decimal.Decimal) {
	s.taxes = tax.NewRateTable(rates)
}

// GetAggregationEngine builds an engine over the event store with the current flags
func (s *BaseServiceTestSuite) GetAggregationEngine() *aggregation.Engine {
	return aggregation.NewEngine(s.stores.EventRepo, s.config.Billing.Features, s.logger)
}

// GetNow returns the current test time
func (s *BaseServiceTestSuite) GetNow() time.Time {
	return s.clock.Now()
}

func (s *BaseServiceTestSuite) GetUUID() string {
	return types.GenerateUUID()
}

// CreateCustomer stores a customer billed in timezone, UTC when empty
func (s *BaseServiceTestSuite) CreateCustomer(externalID, timezone string) *customer.Customer {
	c := &customer.Customer{
		ID:         types.GenerateUUIDWithPrefix(types.UUID_PREFIX_CUSTOMER),
		ExternalID: externalID,
		Name:       externalID,
		Currency:   "USD",
		Timezone:   timezone,
		BaseModel:  types.GetDefaultBaseModel(s.ctx, s.GetNow()),
	}
	s.Require().NoError(s.stores.CustomerRepo.Create(s.ctx, c))
	return c
}

// CreatePlan stores p, filling its id and base model
func (s *BaseServiceTestSuite) CreatePlan(p *plan.Plan) *plan.Plan {
	if p.ID == "" {
		p.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_PLAN)
	}
	if p.Code == "" {
		p.Code = p.ID
	}
	if p.Currency == "" {
		p.Currency = "USD"
	}
	p.BaseModel = types.GetDefaultBaseModel(s.ctx, s.GetNow())
	s.Require().NoError(s.stores.PlanRepo.Create(s.ctx, p))
	return p
}

// CreateMetric stores m, filling its id and base model
func (s *BaseServiceTestSuite) CreateMetric(m *billablemetric.BillableMetric) *billablemetric.BillableMetric {
	if m.ID == "" {
		m.ID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_BILLABLE_METRIC)
	}
	if m.Name == "" {
		m.Name = m.Code
	}
	m.BaseModel = types.GetDefaultBaseModel(s.ctx, s.GetNow())
	s.Require().NoError(s.stores.BillableMetricRepo.Create(s.ctx, m))
	return m
}
