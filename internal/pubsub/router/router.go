package router

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/flexprice/billingengine/internal/config"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/pubsub"
	"github.com/flexprice/billingengine/internal/sentry"
	"github.com/flexprice/billingengine/internal/types"
)

// PoisonTopic receives usage messages that failed for good
const PoisonTopic = types.TopicUsageEvents + "_poison"

// Router manages all message routing
type Router struct {
	router *message.Router
	poison message.Publisher
	logger *logger.Logger
	sentry *sentry.Service
	config *config.PubSubConfig
}

// NewRouter creates a new message router. Failed messages are retried with
// exponential backoff and then sent to the poison topic.
func NewRouter(cfg *config.Configuration, ps pubsub.PubSub, logger *logger.Logger, sentry *sentry.Service) (*Router, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to create message router").
			Mark(ierr.ErrSystem)
	}

	poisonQueue, err := middleware.PoisonQueue(ps.RouterPublisher(), PoisonTopic)
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to create poison queue").
			Mark(ierr.ErrSystem)
	}

	router.AddMiddleware(
		poisonQueue,
		middleware.Recoverer,
		middleware.CorrelationID,
		middleware.Retry{
			MaxRetries:          cfg.PubSub.MaxRetries,
			InitialInterval:     cfg.PubSub.InitialInterval,
			MaxInterval:         cfg.PubSub.MaxInterval,
			Multiplier:          cfg.PubSub.Multiplier,
			MaxElapsedTime:      cfg.PubSub.MaxElapsedTime,
			RandomizationFactor: 0.5,
			OnRetryHook: func(retryNum int, delay time.Duration) {
				logger.Infow("retrying message",
					"retry_number", retryNum,
					"max_retries", cfg.PubSub.MaxRetries,
					"delay", delay,
				)
			},
		}.Middleware,
	)

	return &Router{
		router: router,
		poison: ps.RouterPublisher(),
		logger: logger,
		sentry: sentry,
		config: &cfg.PubSub,
	}, nil
}

// AddNoPublishHandler adds a handler that doesn't publish messages. Errors that
// retrying cannot fix skip the retries and go to the poison topic right away.
func (r *Router) AddNoPublishHandler(
	handlerName string,
	topicName string,
	subscriber message.Subscriber,
	handlerFunc func(msg *message.Message) error,
	middlewares ...message.HandlerMiddleware,
) {
	handler := r.router.AddNoPublisherHandler(
		handlerName,
		topicName,
		subscriber,
		func(msg *message.Message) error {
			span, ctx := r.sentry.StartKafkaConsumerSpan(msg.Context(), topicName)
			msg.SetContext(ctx)
			err := handlerFunc(msg)
			sentry.FinishSpan(span, err)
			if err == nil {
				return nil
			}

			r.sentry.CaptureException(ctx, err, map[string]string{"handler": handlerName})
			r.logger.Errorw("handler failed",
				"handler", handlerName,
				"error", err,
				"correlation_id", middleware.MessageCorrelationID(msg),
				"message_uuid", msg.UUID,
			)
			if shouldRetry(err) {
				return err
			}
			return r.poisonNow(msg, err)
		},
	)

	for _, m := range middlewares {
		handler.AddMiddleware(m)
	}
}

func (r *Router) poisonNow(msg *message.Message, cause error) error {
	poisoned := msg.Copy()
	poisoned.Metadata.Set(middleware.ReasonForPoisonedKey, cause.Error())
	if err := r.poison.Publish(PoisonTopic, poisoned); err != nil {
		// fall back to the retry path so the message is not lost
		return cause
	}
	return nil
}

// shouldRetry reports whether a handler error may succeed on a later attempt
func shouldRetry(err error) bool {
	if ierr.IsValidation(err) ||
		ierr.IsNotFound(err) ||
		ierr.IsPermissionDenied(err) ||
		ierr.IsInvalidOperation(err) {
		return false
	}
	return true
}

// Run starts the router and blocks until ctx is done or the router is closed
func (r *Router) Run(ctx context.Context) error {
	r.logger.Info("starting router")
	return r.router.Run(ctx)
}

// Running is closed once all handlers are running
func (r *Router) Running() chan struct{} {
	return r.router.Running()
}

// Close gracefully shuts down the router
func (r *Router) Close() error {
	r.logger.Info("closing router")
	return r.router.Close()
}
