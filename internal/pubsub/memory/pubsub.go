package memory

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/pubsub"
)

// PubSub is an in process pubsub on watermill's gochannel. It backs local mode and tests.
type PubSub struct {
	pubsub *gochannel.GoChannel
	logger *logger.Logger
}

var _ pubsub.PubSub = (*PubSub)(nil)

// NewPubSub creates a new memory-based pubsub
func NewPubSub(logger *logger.Logger) *PubSub {
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{
			// messages published before a subscriber exists are replayed to it
			Persistent:                     true,
			BlockPublishUntilSubscriberAck: false,
			OutputChannelBuffer:            100,
		},
		watermill.NopLogger{},
	)

	return &PubSub{
		pubsub: goChannel,
		logger: logger,
	}
}

func (p *PubSub) Publish(ctx context.Context, topic string, msg *message.Message) error {
	msg.SetContext(ctx)
	return p.pubsub.Publish(topic, msg)
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.pubsub.Subscribe(ctx, topic)
}

func (p *PubSub) RouterSubscriber() message.Subscriber {
	return p.pubsub
}

func (p *PubSub) RouterPublisher() message.Publisher {
	return p.pubsub
}

func (p *PubSub) Close() error {
	return p.pubsub.Close()
}
