package stripe

import (
	"context"
	"errors"
	"strings"

	"github.com/flexprice/billingengine/internal/config"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/idempotency"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/payment"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/stripe/stripe-go/v82"
)

// Provider charges invoices off session with the customer's default payment method.
// The customer external id is the stripe customer id.
type Provider struct {
	client *stripe.Client
	keys   *idempotency.Generator
	logger *logger.Logger
}

var _ payment.Provider = (*Provider)(nil)

func NewProvider(cfg *config.Configuration, log *logger.Logger) *Provider {
	return &Provider{
		client: stripe.NewClient(cfg.Stripe.SecretKey, nil),
		keys:   idempotency.NewGenerator(),
		logger: log,
	}
}

func (p *Provider) CreatePaymentIntent(ctx context.Context, inv *invoice.Invoice, cust *customer.Customer) (*payment.Result, error) {
	if cust == nil || cust.ExternalID == "" {
		return nil, ierr.NewError("customer has no payment reference").
			WithHint("Customer external id is required to collect payments").
			WithReportableDetails(map[string]any{"invoice_id": inv.ID}).
			Mark(ierr.ErrValidation)
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:     stripe.Int64(inv.TotalAmountCents.IntPart()),
		Currency:   stripe.String(strings.ToLower(inv.Currency)),
		Customer:   stripe.String(cust.ExternalID),
		OffSession: stripe.Bool(true),
		Confirm:    stripe.Bool(true),
		Metadata: map[string]string{
			"invoice_id":     inv.ID,
			"invoice_number": inv.Number,
			"customer_id":    cust.ID,
			"environment_id": types.GetEnvironmentID(ctx),
		},
	}
	params.SetIdempotencyKey(p.keys.GenerateKey(idempotency.ScopePaymentIntent, map[string]interface{}{
		"invoice_id":   inv.ID,
		"amount_cents": inv.TotalAmountCents.IntPart(),
	}))

	intent, err := p.client.V1PaymentIntents.Create(ctx, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			switch stripeErr.Code {
			case stripe.ErrorCodeCardDeclined, stripe.ErrorCodeAuthenticationRequired:
				p.logger.WithContext(ctx).Infow("payment declined",
					"invoice_id", inv.ID,
					"stripe_error_code", stripeErr.Code)
				ref := ""
				if stripeErr.PaymentIntent != nil {
					ref = stripeErr.PaymentIntent.ID
				}
				return &payment.Result{Status: payment.StatusFailed, ProviderReference: ref}, nil
			}
		}
		p.logger.WithContext(ctx).Errorw("failed to create payment intent",
			"invoice_id", inv.ID,
			"error", err)
		return nil, ierr.WithError(err).
			WithHint("Unable to create payment intent").
			WithReportableDetails(map[string]any{"invoice_id": inv.ID}).
			Mark(ierr.ErrExternalDependency)
	}

	return &payment.Result{Status: mapStatus(intent.Status), ProviderReference: intent.ID}, nil
}

func mapStatus(s stripe.PaymentIntentStatus) payment.Status {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return payment.StatusSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		return payment.StatusFailed
	}
	return payment.StatusPending
}
