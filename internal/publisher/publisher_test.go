package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/pubsub/memory"
	"github.com/flexprice/billingengine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversEnvelope(t *testing.T) {
	log := logger.NewNoopLogger()
	ps := memory.NewPubSub(log)
	defer ps.Close()

	ctx := types.SetTenantID(context.Background(), "tenant_1")
	ctx = types.SetEnvironmentID(ctx, "env_1")

	msgs, err := ps.Subscribe(context.Background(), types.TopicBillingEvents)
	require.NoError(t, err)

	pub := NewEventPublisher(ps, log)
	require.NoError(t, pub.Publish(ctx, types.EventInvoiceFinalized, "inv_1", map[string]string{"number": "INV-1"}))

	select {
	case msg := <-msgs:
		msg.Ack()
		event, err := Decode(msg.Payload)
		require.NoError(t, err)
		assert.Equal(t, types.EventInvoiceFinalized, event.Name)
		assert.Equal(t, "inv_1", event.EntityID)
		assert.Equal(t, "tenant_1", event.TenantID)
		assert.Equal(t, "env_1", event.EnvironmentID)
		assert.JSONEq(t, `{"number":"INV-1"}`, string(event.Payload))
		assert.Equal(t, "invoice.finalized", msg.Metadata.Get("event_name"))
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte("{"))
	require.Error(t, err)
}
