package tax

import (
	"context"
	"testing"
	"time"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateTable(t *testing.T) {
	table := NewRateTable(map[string]decimal.Decimal{
		"vat":    decimal.NewFromInt(20),
		"fr:vat": decimal.NewFromFloat(19.6),
		"city":   decimal.NewFromInt(1),
	})

	res, err := table.Compute(context.Background(), &Request{
		TaxableAmountCents: decimal.NewFromInt(1000),
		TaxCodes:           []string{"vat", "city"},
	})
	require.NoError(t, err)
	assert.Equal(t, "210", res.TaxAmountCents.String())
	assert.Equal(t, "21", res.Rate.String())
	assert.Len(t, res.Breakdown, 2)

	res, err = table.Compute(context.Background(), &Request{
		TaxableAmountCents: decimal.NewFromInt(1000),
		TaxCodes:           []string{"vat"},
		Jurisdiction:       "fr",
	})
	require.NoError(t, err)
	assert.Equal(t, "196", res.TaxAmountCents.String())

	_, err = table.Compute(context.Background(), &Request{TaxableAmountCents: decimal.NewFromInt(1), TaxCodes: []string{"gst"}})
	assert.True(t, ierr.IsNotFound(err))
	assert.Equal(t, ierr.ErrCodeTaxNotFound, ierr.Code(err))
}

type flaky struct {
	failures int
	calls    int
	err      error
}

func (f *flaky) Compute(_ context.Context, req *Request) (*Result, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	return &Result{TaxAmountCents: decimal.NewFromInt(5)}, nil
}

func TestRetry(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	failed := ierr.NewError("provider down").Mark(ierr.ErrTaxComputeFailed)

	inner := &flaky{failures: 2, err: failed}
	res, err := WithRetry(inner, policy, logger.NewNoopLogger()).Compute(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "5", res.TaxAmountCents.String())
	assert.Equal(t, 3, inner.calls)

	inner = &flaky{failures: 10, err: failed}
	_, err = WithRetry(inner, policy, logger.NewNoopLogger()).Compute(context.Background(), &Request{})
	assert.True(t, ierr.IsExternalDependency(err))
	assert.Equal(t, 4, inner.calls)

	notFound := ierr.NewError("unknown").Mark(ierr.ErrTaxNotFound)
	inner = &flaky{failures: 10, err: notFound}
	_, err = WithRetry(inner, policy, logger.NewNoopLogger()).Compute(context.Background(), &Request{})
	assert.True(t, ierr.IsNotFound(err))
	assert.Equal(t, 1, inner.calls)
}
