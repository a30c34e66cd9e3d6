package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateKey(t *testing.T) {
	g := NewGenerator()

	a := g.GenerateKey(ScopePaymentIntent, map[string]interface{}{"invoice_id": "inv_1", "amount_cents": 3000})
	b := g.GenerateKey(ScopePaymentIntent, map[string]interface{}{"amount_cents": 3000, "invoice_id": "inv_1"})
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "payment_intent-"))

	other := g.GenerateKey(ScopePaymentIntent, map[string]interface{}{"invoice_id": "inv_1", "amount_cents": 2500})
	assert.NotEqual(t, a, other)
}
