package payment

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
)

// Status is the outcome reported by a payment provider
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	// StatusPending means the provider reports the outcome later
	StatusPending Status = "pending"
)

// Result of a payment intent
type Result struct {
	Status            Status
	ProviderReference string
}

// Provider collects the amount due of a finalized invoice
type Provider interface {
	CreatePaymentIntent(ctx context.Context, inv *invoice.Invoice, cust *customer.Customer) (*Result, error)
}

type retrying struct {
	next       Provider
	maxRetries uint64
	logger     *logger.Logger
}

// WithRetry retries external dependency failures of a provider with exponential backoff
func WithRetry(next Provider, maxRetries uint64, log *logger.Logger) Provider {
	return &retrying{next: next, maxRetries: maxRetries, logger: log}
}

func (r *retrying) CreatePaymentIntent(ctx context.Context, inv *invoice.Invoice, cust *customer.Customer) (*Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second

	var out *Result
	op := func() error {
		res, err := r.next.CreatePaymentIntent(ctx, inv, cust)
		if err == nil {
			out = res
			return nil
		}
		if !ierr.IsExternalDependency(err) {
			return backoff.Permanent(err)
		}
		r.logger.WithContext(ctx).Warnw("payment intent failed, retrying",
			"invoice_id", inv.ID,
			"error", err)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)); err != nil {
		return nil, err
	}
	return out, nil
}
