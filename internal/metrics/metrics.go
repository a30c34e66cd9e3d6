// Package metrics provides Prometheus metrics for the billing engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "billing"

// Collector holds the billing counters. A nil *Collector is valid and records nothing.
type Collector struct {
	Registry *prometheus.Registry

	SweepRuns          prometheus.Counter
	SweepSubscriptions *prometheus.CounterVec
	SweepDuration      prometheus.Histogram

	InvoicesCreated   *prometheus.CounterVec
	InvoicesFinalized prometheus.Counter

	EventsIngested *prometheus.CounterVec

	WalletTransactions *prometheus.CounterVec
}

// New registers every metric on a dedicated registry
func New() *Collector {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Collector{
		Registry: reg,
		SweepRuns: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "Number of billing sweeps run",
		}),
		SweepSubscriptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_subscriptions_total",
			Help:      "Subscriptions handled by billing sweeps, by outcome",
		}, []string{"outcome"}),
		SweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Billing sweep duration in seconds",
			Buckets:   []float64{.05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
		InvoicesCreated: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_created_total",
			Help:      "Invoices created, by invoice type",
		}, []string{"invoice_type"}),
		InvoicesFinalized: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invoices_finalized_total",
			Help:      "Invoices finalized",
		}),
		EventsIngested: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_ingested_total",
			Help:      "Usage events by ingestion result",
		}, []string{"result"}),
		WalletTransactions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wallet_transactions_total",
			Help:      "Wallet transactions created, by type and status",
		}, []string{"transaction_type", "transaction_status"}),
	}
}

func (c *Collector) ObserveSweep(seconds float64, activated, terminated, invoiced, skipped, failed int) {
	if c == nil {
		return
	}
	c.SweepRuns.Inc()
	c.SweepDuration.Observe(seconds)
	c.SweepSubscriptions.WithLabelValues("activated").Add(float64(activated))
	c.SweepSubscriptions.WithLabelValues("terminated").Add(float64(terminated))
	c.SweepSubscriptions.WithLabelValues("invoiced").Add(float64(invoiced))
	c.SweepSubscriptions.WithLabelValues("skipped").Add(float64(skipped))
	c.SweepSubscriptions.WithLabelValues("failed").Add(float64(failed))
}

func (c *Collector) InvoiceCreated(invoiceType string) {
	if c == nil {
		return
	}
	c.InvoicesCreated.WithLabelValues(invoiceType).Inc()
}

func (c *Collector) InvoiceFinalized() {
	if c == nil {
		return
	}
	c.InvoicesFinalized.Inc()
}

// EventsResult records an ingestion batch
func (c *Collector) EventsResult(created, duplicates, rejected int) {
	if c == nil {
		return
	}
	c.EventsIngested.WithLabelValues("created").Add(float64(created))
	c.EventsIngested.WithLabelValues("duplicate").Add(float64(duplicates))
	c.EventsIngested.WithLabelValues("rejected").Add(float64(rejected))
}

func (c *Collector) WalletTransaction(txType, status string) {
	if c == nil {
		return
	}
	c.WalletTransactions.WithLabelValues(txType, status).Inc()
}
