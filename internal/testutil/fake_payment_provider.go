package testutil

import (
	"context"
	"sync"

	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/payment"
	"github.com/flexprice/billingengine/internal/types"
)

var _ payment.Provider = (*FakePaymentProvider)(nil)

// FakePaymentProvider answers every payment intent with Status, or Err when set
type FakePaymentProvider struct {
	mu     sync.Mutex
	Status payment.Status
	Err    error
	// Invoices are the ids of the invoices a payment was requested for
	Invoices []string
}

func NewFakePaymentProvider() *FakePaymentProvider {
	return &FakePaymentProvider{Status: payment.StatusSucceeded}
}

func (p *FakePaymentProvider) CreatePaymentIntent(ctx context.Context, inv *invoice.Invoice, cust *customer.Customer) (*payment.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Invoices = append(p.Invoices, inv.ID)
	if p.Err != nil {
		return nil, p.Err
	}
	return &payment.Result{
		Status:            p.Status,
		ProviderReference: types.GenerateUUIDWithPrefix("pi"),
	}, nil
}
