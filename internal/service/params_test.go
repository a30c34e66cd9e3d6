package service

import (
	"github.com/flexprice/billingengine/internal/testutil"
)

// newTestParams wires every service dependency to the in-memory fixtures of the suite
func newTestParams(s *testutil.BaseServiceTestSuite) ServiceParams {
	stores := s.GetStores()
	return ServiceParams{
		Logger:  s.GetLogger(),
		Config:  s.GetConfig(),
		DB:      s.GetDB(),
		Locker:  s.GetLocker(),
		Clock:   s.GetClock(),
		Cache:   s.GetCache(),
		Metrics: s.GetMetrics(),

		CustomerRepo:       stores.CustomerRepo,
		BillableMetricRepo: stores.BillableMetricRepo,
		PlanRepo:           stores.PlanRepo,
		SubRepo:            stores.SubscriptionRepo,
		EventRepo:          stores.EventRepo,
		InvoiceRepo:        stores.InvoiceRepo,
		CreditNoteRepo:     stores.CreditNoteRepo,
		WalletRepo:         stores.WalletRepo,

		Aggregation:     s.GetAggregationEngine(),
		TaxCalculator:   s.GetTaxCalculator(),
		PaymentProvider: s.GetPaymentProvider(),
		EventPublisher:  s.GetPublisher(),
	}
}
