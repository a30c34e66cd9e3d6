package stripe

import (
	"testing"

	"github.com/flexprice/billingengine/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v82"
)

func TestMapStatus(t *testing.T) {
	tests := []struct {
		in   stripe.PaymentIntentStatus
		want payment.Status
	}{
		{stripe.PaymentIntentStatusSucceeded, payment.StatusSucceeded},
		{stripe.PaymentIntentStatusCanceled, payment.StatusFailed},
		{stripe.PaymentIntentStatusRequiresPaymentMethod, payment.StatusFailed},
		{stripe.PaymentIntentStatusProcessing, payment.StatusPending},
		{stripe.PaymentIntentStatusRequiresAction, payment.StatusPending},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, mapStatus(tt.in))
		})
	}
}
