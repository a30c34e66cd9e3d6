package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector(t *testing.T) {
	c := New()

	c.ObserveSweep(0.2, 1, 0, 3, 2, 1)
	c.InvoiceCreated("subscription")
	c.InvoiceCreated("subscription")
	c.EventsResult(5, 1, 2)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.SweepRuns))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.SweepSubscriptions.WithLabelValues("invoiced")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.InvoicesCreated.WithLabelValues("subscription")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.EventsIngested.WithLabelValues("rejected")))
}

func TestNilCollector(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.ObserveSweep(1, 1, 1, 1, 1, 1)
		c.InvoiceCreated("credit")
		c.InvoiceFinalized()
		c.EventsResult(1, 1, 1)
		c.WalletTransaction("inbound", "granted")
	})
}
