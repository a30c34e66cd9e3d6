package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/flexprice/billingengine/internal/config"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/pubsub"
)

// PubSub publishes billing events to and consumes usage events from kafka
type PubSub struct {
	publisher  *kafka.Publisher
	subscriber *kafka.Subscriber
	logger     *logger.Logger
}

var _ pubsub.PubSub = (*PubSub)(nil)

// NewPubSub creates a new kafka-based pubsub
func NewPubSub(cfg *config.Configuration, logger *logger.Logger) (*PubSub, error) {
	saramaConfig := GetSaramaConfig(cfg)

	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Kafka.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
		},
		watermill.NopLogger{},
	)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to create kafka publisher").
			WithReportableDetails(map[string]any{"brokers": cfg.Kafka.Brokers}).
			Mark(ierr.ErrExternalDependency)
	}

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Kafka.Brokers,
			ConsumerGroup:         cfg.Kafka.ConsumerGroup,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaConfig,
		},
		watermill.NopLogger{},
	)
	if err != nil {
		_ = publisher.Close()
		return nil, ierr.WithError(err).
			WithHint("Failed to create kafka subscriber").
			WithReportableDetails(map[string]any{
				"brokers":        cfg.Kafka.Brokers,
				"consumer_group": cfg.Kafka.ConsumerGroup,
			}).
			Mark(ierr.ErrExternalDependency)
	}

	return &PubSub{
		publisher:  publisher,
		subscriber: subscriber,
		logger:     logger,
	}, nil
}

func (p *PubSub) Publish(ctx context.Context, topic string, msg *message.Message) error {
	msg.SetContext(ctx)
	return p.publisher.Publish(topic, msg)
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.subscriber.Subscribe(ctx, topic)
}

func (p *PubSub) RouterSubscriber() message.Subscriber {
	return p.subscriber
}

func (p *PubSub) RouterPublisher() message.Publisher {
	return p.publisher
}

func (p *PubSub) Close() error {
	pubErr := p.publisher.Close()
	subErr := p.subscriber.Close()
	if pubErr != nil {
		return pubErr
	}
	return subErr
}
