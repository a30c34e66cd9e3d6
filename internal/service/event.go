package service

import (
	"context"
	"sort"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/pubsub/router"
	"github.com/flexprice/billingengine/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
)

type EventService interface {
	// Ingest stores a batch of usage events. Each event is validated on its own:
	// invalid events are quarantined and returned, replayed transaction ids are
	// counted as duplicates, and neither stops the rest of the batch.
	Ingest(ctx context.Context, reqs []*dto.IngestEventRequest, at time.Time) (*dto.IngestResult, error)
	List(ctx context.Context, filter *events.Filter) ([]*events.Event, error)
}

type eventService struct {
	ServiceParams
}

func NewEventService(params ServiceParams) EventService {
	return &eventService{ServiceParams: params}
}

func (s *eventService) List(ctx context.Context, filter *events.Filter) ([]*events.Event, error) {
	return s.EventRepo.List(ctx, filter)
}

func (s *eventService) Ingest(ctx context.Context, reqs []*dto.IngestEventRequest, at time.Time) (*dto.IngestResult, error) {
	res := &dto.IngestResult{}
	for _, req := range reqs {
		ev := req.ToEvent(ctx, at)

		sub, rejected, err := s.check(ctx, ev)
		if err != nil {
			return nil, err
		}
		if rejected != nil {
			s.reject(ctx, res, rejected)
			continue
		}

		if err := s.EventRepo.Insert(ctx, ev); err != nil {
			if ierr.IsAlreadyExists(err) {
				res.Duplicates++
				continue
			}
			return nil, err
		}
		res.Created = append(res.Created, ev)
		s.postProcess(ctx, sub, ev, at)
	}

	if s.Metrics != nil {
		s.Metrics.EventsResult(len(res.Created), res.Duplicates, len(res.Rejected))
	}
	s.Logger.WithContext(ctx).Debugw("events ingested",
		"created", len(res.Created),
		"duplicates", res.Duplicates,
		"rejected", len(res.Rejected))
	return res, nil
}

// check validates ev against its metric and the charges of its subscription.
// Infrastructure failures are returned as errors, invalid events as a rejection.
func (s *eventService) check(ctx context.Context, ev *events.Event) (*subscription.Subscription, *events.RejectedEvent, error) {
	if err := ev.Validate(); err != nil {
		return nil, rejection(ev, events.RejectionInvalidEvent, err), nil
	}

	sub, err := s.resolveSubscription(ctx, ev)
	if err != nil {
		return nil, nil, err
	}

	if ev.Source == types.EventSourceFixedCharge {
		if ev.FixedChargeID == "" {
			return nil, &events.RejectedEvent{Event: ev, Reason: events.RejectionInvalidEvent, Detail: "fixed_charge_id is required"}, nil
		}
		if _, ok, err := ev.DecimalProperty("units"); !ok || err != nil {
			return nil, &events.RejectedEvent{Event: ev, Reason: events.RejectionInvalidAggregationProperty, Detail: "units must be a number"}, nil
		}
		return sub, nil, nil
	}

	metric, err := s.BillableMetricRepo.GetByCode(ctx, ev.Code)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil, &events.RejectedEvent{Event: ev, Reason: events.RejectionInvalidCode, Detail: ev.Code}, nil
		}
		return nil, nil, err
	}

	var charges []*plan.Charge
	if sub != nil {
		p, err := s.getPlan(ctx, sub.PlanID)
		if err != nil {
			return nil, nil, err
		}
		charges = lo.Filter(p.Charges, func(c *plan.Charge, _ int) bool { return c.BillableMetricID == metric.ID })
	}

	if r := checkAggregationProperty(ev, metric, charges); r != nil {
		return nil, r, nil
	}
	if key, ok := missingFilterKey(ev, charges); ok {
		return nil, &events.RejectedEvent{Event: ev, Reason: events.RejectionMissingFilterKey, Detail: key}, nil
	}
	return sub, nil, nil
}

// resolveSubscription finds the subscription an event bills: its external subscription,
// or the only active subscription of its external customer
func (s *eventService) resolveSubscription(ctx context.Context, ev *events.Event) (*subscription.Subscription, error) {
	if ev.ExternalSubscriptionID != "" {
		sub, err := s.SubRepo.GetByExternalID(ctx, ev.ExternalSubscriptionID)
		if ierr.IsNotFound(err) {
			return nil, nil
		}
		return sub, err
	}

	cust, err := s.CustomerRepo.GetByExternalID(ctx, ev.ExternalCustomerID)
	if err != nil {
		if ierr.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	subs, err := s.SubRepo.List(ctx, &subscription.Filter{
		CustomerID: cust.ID,
		Statuses:   []types.SubscriptionStatus{types.SubscriptionStatusActive},
	})
	if err != nil {
		return nil, err
	}
	if len(subs) != 1 {
		return nil, nil
	}
	return subs[0], nil
}

// checkAggregationProperty requires the aggregated property of numeric metrics, and of
// metrics priced by a percentage charge, to be present and numeric
func checkAggregationProperty(ev *events.Event, metric *billablemetric.BillableMetric, charges []*plan.Charge) *events.RejectedEvent {
	if metric.Expression != "" || metric.FieldName == "" {
		return nil
	}
	percentage := lo.SomeBy(charges, func(c *plan.Charge) bool {
		return c.ChargeModel == types.ChargeModelPercentage || c.ChargeModel == types.ChargeModelGraduatedPercentage
	})

	if metric.AggregationType.IsNumeric() || percentage {
		_, ok, err := ev.DecimalProperty(metric.FieldName)
		if !ok {
			return &events.RejectedEvent{Event: ev, Reason: events.RejectionMissingAggregationProperty, Detail: metric.FieldName}
		}
		if err != nil {
			return &events.RejectedEvent{Event: ev, Reason: events.RejectionInvalidAggregationProperty, Detail: metric.FieldName}
		}
		return nil
	}
	if metric.AggregationType.RequiresField() {
		if _, ok := ev.Property(metric.FieldName); !ok {
			return &events.RejectedEvent{Event: ev, Reason: events.RejectionMissingAggregationProperty, Detail: metric.FieldName}
		}
	}
	return nil
}

// missingFilterKey returns a property key every filter of a charge prices on that the
// event does not carry
func missingFilterKey(ev *events.Event, charges []*plan.Charge) (string, bool) {
	for _, c := range charges {
		if len(c.Filters) == 0 {
			continue
		}
		required := lo.Keys(c.Filters[0].Values)
		for _, f := range c.Filters[1:] {
			required = lo.Intersect(required, lo.Keys(f.Values))
		}
		sort.Strings(required)
		for _, key := range required {
			if _, ok := ev.Property(key); !ok {
				return key, true
			}
		}
	}
	return "", false
}

func rejection(ev *events.Event, reason events.RejectionReason, err error) *events.RejectedEvent {
	return &events.RejectedEvent{Event: ev, Reason: reason, Detail: err.Error()}
}

func (s *eventService) reject(ctx context.Context, res *dto.IngestResult, r *events.RejectedEvent) {
	res.Rejected = append(res.Rejected, r)
	s.Logger.WithContext(ctx).Warnw("event rejected",
		"transaction_id", r.Event.TransactionID,
		"code", r.Event.Code,
		"reason", r.Reason,
		"detail", r.Detail)

	if s.EventPublisher == nil {
		return
	}
	if err := s.EventPublisher.PublishTo(ctx, types.TopicRejectedEvents, types.EventUsageEventRejected, r.Event.TransactionID, r); err != nil {
		s.Logger.WithContext(ctx).Errorw("failed to publish rejected event",
			"transaction_id", r.Event.TransactionID,
			"error", err)
	}
}

// postProcess bills what an accepted event triggers right away. The event is stored
// already, so failures are reported and the sweep replays the event later.
func (s *eventService) postProcess(ctx context.Context, sub *subscription.Subscription, ev *events.Event, at time.Time) {
	if sub == nil || !sub.IsActive() {
		return
	}
	log := s.Logger.WithContext(ctx)

	if _, err := NewPayInAdvanceService(s.ServiceParams).HandleEvent(ctx, sub, ev, at); err != nil {
		log.Errorw("failed to bill pay in advance charges",
			"subscription_id", sub.ID,
			"transaction_id", ev.TransactionID,
			"error", err)
		s.Sentry.CaptureException(ctx, err, map[string]string{"operation": "event.pay_in_advance"})
	}

	if !s.Config.Billing.Features.ProgressiveBilling {
		return
	}
	if _, err := NewProgressiveBillingService(s.ServiceParams).Check(ctx, sub.ID, at); err != nil {
		log.Errorw("failed to check usage thresholds",
			"subscription_id", sub.ID,
			"error", err)
		s.Sentry.CaptureException(ctx, err, map[string]string{"operation": "event.progressive_billing"})
	}
}

// UsageMessage is the payload of the usage events topic
type UsageMessage struct {
	TenantID      string                    `json:"tenant_id"`
	EnvironmentID string                    `json:"environment_id"`
	Events        []*dto.IngestEventRequest `json:"events"`
}

// EventConsumer feeds the usage events topic into EventService.Ingest
type EventConsumer struct {
	ServiceParams
	events EventService
}

func NewEventConsumer(params ServiceParams) *EventConsumer {
	return &EventConsumer{
		ServiceParams: params,
		events:        NewEventService(params),
	}
}

// Register adds the consumer to the router
func (c *EventConsumer) Register(r *router.Router, subscriber message.Subscriber) {
	r.AddNoPublishHandler("usage_events_ingest", types.TopicUsageEvents, subscriber, c.Handle)
}

func (c *EventConsumer) Handle(msg *message.Message) error {
	var payload UsageMessage
	if err := jsoniter.ConfigCompatibleWithStandardLibrary.Unmarshal(msg.Payload, &payload); err != nil {
		return ierr.WithError(err).
			WithHint("Usage message is not valid json").
			WithReportableDetails(map[string]any{"message_uuid": msg.UUID}).
			Mark(ierr.ErrValidation)
	}

	tenantID := lo.CoalesceOrEmpty(payload.TenantID, msg.Metadata.Get("tenant_id"))
	environmentID := lo.CoalesceOrEmpty(payload.EnvironmentID, msg.Metadata.Get("environment_id"))
	if tenantID == "" {
		return ierr.NewError("tenant_id is required").
			WithHint("Usage messages must carry a tenant id").
			WithReportableDetails(map[string]any{"message_uuid": msg.UUID}).
			Mark(ierr.ErrValidation)
	}

	ctx := types.SetTenantID(msg.Context(), tenantID)
	ctx = types.SetEnvironmentID(ctx, environmentID)

	res, err := c.events.Ingest(ctx, payload.Events, c.now())
	if err != nil {
		return err
	}
	c.Logger.WithContext(ctx).Infow("usage message consumed",
		"message_uuid", msg.UUID,
		"created", len(res.Created),
		"duplicates", res.Duplicates,
		"rejected", len(res.Rejected))
	return nil
}
