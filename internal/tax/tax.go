package tax

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Request is the taxable amount of one fee
type Request struct {
	TaxableAmountCents decimal.Decimal
	TaxCodes           []string
	Jurisdiction       string
}

// Result is the precise tax of a request
type Result struct {
	TaxAmountCents decimal.Decimal
	// Rate is the total rate in percent
	Rate      decimal.Decimal
	Breakdown []Applied
}

// Applied is the share of one tax code
type Applied struct {
	Code           string
	Rate           decimal.Decimal
	TaxAmountCents decimal.Decimal
}

// Calculator computes taxes. Unknown codes fail with ErrTaxNotFound and provider
// failures with ErrTaxComputeFailed.
type Calculator interface {
	Compute(ctx context.Context, req *Request) (*Result, error)
}

// RateTable is a static code to percent table. Rates may be scoped to a
// jurisdiction with "jurisdiction:code" keys, which win over plain codes.
type RateTable struct {
	rates map[string]decimal.Decimal
}

func NewRateTable(rates map[string]decimal.Decimal) *RateTable {
	copied := make(map[string]decimal.Decimal, len(rates))
	for k, v := range rates {
		copied[k] = v
	}
	return &RateTable{rates: copied}
}

func (t *RateTable) Compute(_ context.Context, req *Request) (*Result, error) {
	out := &Result{TaxAmountCents: decimal.Zero, Rate: decimal.Zero}
	codes := append([]string(nil), req.TaxCodes...)
	sort.Strings(codes)

	for _, code := range codes {
		rate, ok := t.lookup(code, req.Jurisdiction)
		if !ok {
			return nil, ierr.NewError("tax code not found").
				WithHintf("Tax code %s is not configured", code).
				WithReportableDetails(map[string]any{
					"tax_code":     code,
					"jurisdiction": req.Jurisdiction,
				}).
				Mark(ierr.ErrTaxNotFound)
		}
		amount := req.TaxableAmountCents.Mul(rate).Div(hundred)
		out.Rate = out.Rate.Add(rate)
		out.TaxAmountCents = out.TaxAmountCents.Add(amount)
		out.Breakdown = append(out.Breakdown, Applied{Code: code, Rate: rate, TaxAmountCents: amount})
	}
	return out, nil
}

func (t *RateTable) lookup(code, jurisdiction string) (decimal.Decimal, bool) {
	if jurisdiction != "" {
		if rate, ok := t.rates[jurisdiction+":"+code]; ok {
			return rate, true
		}
	}
	rate, ok := t.rates[code]
	return rate, ok
}

// RetryPolicy bounds retries of external dependency failures
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialInterval: 200 * time.Millisecond, MaxInterval: 2 * time.Second}
}

// retrying retries a calculator on external dependency failures only
type retrying struct {
	next   Calculator
	policy RetryPolicy
	logger *logger.Logger
}

// WithRetry wraps a calculator so transient provider failures are retried with exponential backoff
func WithRetry(next Calculator, policy RetryPolicy, log *logger.Logger) Calculator {
	return &retrying{next: next, policy: policy, logger: log}
}

func (r *retrying) Compute(ctx context.Context, req *Request) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.policy.InitialInterval
	b.MaxInterval = r.policy.MaxInterval

	var out *Result
	attempt := 0
	op := func() error {
		attempt++
		res, err := r.next.Compute(ctx, req)
		if err == nil {
			out = res
			return nil
		}
		if !ierr.IsExternalDependency(err) {
			return backoff.Permanent(err)
		}
		r.logger.WithContext(ctx).Warnw("tax computation failed, retrying",
			"attempt", attempt,
			"error", err)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
