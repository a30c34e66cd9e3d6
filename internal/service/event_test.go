package service

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/flexprice/billingengine/internal/domain/billablemetric"
	"github.com/flexprice/billingengine/internal/domain/customer"
	"github.com/flexprice/billingengine/internal/domain/events"
	"github.com/flexprice/billingengine/internal/domain/invoice"
	"github.com/flexprice/billingengine/internal/domain/plan"
	"github.com/flexprice/billingengine/internal/domain/subscription"
	"github.com/flexprice/billingengine/internal/dto"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/testutil"
	"github.com/flexprice/billingengine/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type EventServiceSuite struct {
	testutil.BaseServiceTestSuite
	service  EventService
	consumer *EventConsumer
	testData struct {
		customer     *customer.Customer
		storage      *billablemetric.BillableMetric
		apiCalls     *billablemetric.BillableMetric
		plan         *plan.Plan
		subscription *subscription.Subscription
		now          time.Time
	}
}

func TestEventService(t *testing.T) {
	suite.Run(t, new(EventServiceSuite))
}

func (s *EventServiceSuite) SetupTest() {
	s.BaseServiceTestSuite.SetupTest()
	params := newTestParams(&s.BaseServiceTestSuite)
	s.service = NewEventService(params)
	s.consumer = NewEventConsumer(params)
	s.setupTestData(params)
}

func (s *EventServiceSuite) setupTestData(params ServiceParams) {
	s.testData.now = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.testData.customer = s.CreateCustomer("cust_events", "")
	s.testData.storage = s.CreateMetric(&billablemetric.BillableMetric{
		Code:            "storage",
		AggregationType: types.AggregationSum,
		FieldName:       "gb",
	})
	s.testData.apiCalls = s.CreateMetric(&billablemetric.BillableMetric{
		Code:            "api_calls",
		AggregationType: types.AggregationCount,
	})
	s.testData.plan = s.CreatePlan(&plan.Plan{
		Code:     "usage",
		Interval: types.IntervalMonthly,
		Charges: []*plan.Charge{
			{
				ID:               "chg_storage",
				BillableMetricID: s.testData.storage.ID,
				ChargeModel:      types.ChargeModelStandard,
				Properties:       plan.Properties{Amount: decimal.NewFromInt(200)},
			},
			{
				ID:               "chg_api_calls",
				BillableMetricID: s.testData.apiCalls.ID,
				ChargeModel:      types.ChargeModelStandard,
				Properties:       plan.Properties{Amount: decimal.NewFromInt(1)},
				Filters: []*plan.ChargeFilter{
					{ID: "flt_eu", Values: map[string][]string{"region": {"eu"}}, Properties: plan.Properties{Amount: decimal.NewFromInt(2)}},
					{ID: "flt_us_gold", Values: map[string][]string{"region": {"us"}, "tier": {"gold"}}, Properties: plan.Properties{Amount: decimal.NewFromInt(3)}},
				},
			},
		},
	})

	sub, err := NewSubscriptionService(params).Create(s.GetContext(), &dto.CreateSubscriptionRequest{
		CustomerID: s.testData.customer.ID,
		PlanID:     s.testData.plan.ID,
		ExternalID: "sub_events",
	}, s.testData.now)
	s.Require().NoError(err)
	s.testData.subscription = sub
}

func (s *EventServiceSuite) storageEvent(transactionID string, gb interface{}, ts time.Time) *dto.IngestEventRequest {
	return &dto.IngestEventRequest{
		TransactionID:          transactionID,
		ExternalSubscriptionID: "sub_events",
		Code:                   "storage",
		Properties:             map[string]interface{}{"gb": gb},
		Timestamp:              &ts,
	}
}

func (s *EventServiceSuite) TestIngest_Idempotent() {
	ts := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	res, err := s.service.Ingest(s.GetContext(), []*dto.IngestEventRequest{
		s.storageEvent("tx_1", 10, ts),
		s.storageEvent("tx_1", 20, ts),
	}, ts)
	s.Require().NoError(err)
	s.Len(res.Created, 1)
	s.Equal(1, res.Duplicates)

	res, err = s.service.Ingest(s.GetContext(), []*dto.IngestEventRequest{s.storageEvent("tx_1", 30, ts)}, ts)
	s.Require().NoError(err)
	s.Empty(res.Created)
	s.Equal(1, res.Duplicates)

	stored, err := s.service.List(s.GetContext(), &events.Filter{ExternalSubscriptionID: "sub_events", Code: "storage"})
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	v, ok, err := stored[0].DecimalProperty("gb")
	s.Require().NoError(err)
	s.True(ok)
	s.True(decimal.NewFromInt(10).Equal(v))
}

func (s *EventServiceSuite) TestIngest_Rejections() {
	ts := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		req    *dto.IngestEventRequest
		reason events.RejectionReason
		detail string
	}{
		{
			name:   "missing transaction id",
			req:    &dto.IngestEventRequest{ExternalSubscriptionID: "sub_events", Code: "storage", Timestamp: &ts},
			reason: events.RejectionInvalidEvent,
		},
		{
			name:   "unknown code",
			req:    &dto.IngestEventRequest{TransactionID: "tx_code", ExternalSubscriptionID: "sub_events", Code: "bandwidth", Timestamp: &ts},
			reason: events.RejectionInvalidCode,
			detail: "bandwidth",
		},
		{
			name:   "missing aggregated property",
			req:    &dto.IngestEventRequest{TransactionID: "tx_missing", ExternalSubscriptionID: "sub_events", Code: "storage", Timestamp: &ts},
			reason: events.RejectionMissingAggregationProperty,
			detail: "gb",
		},
		{
			name:   "non numeric aggregated property",
			req:    s.storageEvent("tx_nan", "lots", ts),
			reason: events.RejectionInvalidAggregationProperty,
			detail: "gb",
		},
		{
			name: "missing filter key",
			req: &dto.IngestEventRequest{
				TransactionID:          "tx_filter",
				ExternalSubscriptionID: "sub_events",
				Code:                   "api_calls",
				Properties:             map[string]interface{}{"tier": "gold"},
				Timestamp:              &ts,
			},
			reason: events.RejectionMissingFilterKey,
			detail: "region",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			s.GetPublisher().Clear()
			res, err := s.service.Ingest(s.GetContext(), []*dto.IngestEventRequest{tt.req}, ts)
			s.Require().NoError(err)
			s.Empty(res.Created)
			s.Require().Len(res.Rejected, 1)
			s.Equal(tt.reason, res.Rejected[0].Reason)
			if tt.detail != "" {
				s.Equal(tt.detail, res.Rejected[0].Detail)
			}

			published := s.GetPublisher().Events(types.EventUsageEventRejected)
			s.Require().Len(published, 1)
			s.Equal(types.TopicRejectedEvents, published[0].Topic)
		})
	}

	stored, err := s.service.List(s.GetContext(), &events.Filter{ExternalSubscriptionID: "sub_events"})
	s.Require().NoError(err)
	s.Empty(stored)
}

func (s *EventServiceSuite) TestIngest_BatchContinuesAfterRejection() {
	ts := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	res, err := s.service.Ingest(s.GetContext(), []*dto.IngestEventRequest{
		s.storageEvent("tx_ok_1", 1, ts),
		s.storageEvent("tx_bad", "x", ts),
		{
			TransactionID:          "tx_ok_2",
			ExternalSubscriptionID: "sub_events",
			Code:                   "api_calls",
			Properties:             map[string]interface{}{"region": "eu"},
			Timestamp:              &ts,
		},
	}, ts)
	s.Require().NoError(err)
	s.Len(res.Created, 2)
	s.Len(res.Rejected, 1)
	s.Equal(0, res.Duplicates)
}

func (s *EventServiceSuite) TestIngest_UsageBilledAtPeriodEnd() {
	var reqs []*dto.IngestEventRequest
	for i, gb := range []int{10, 5, 15} {
		reqs = append(reqs, s.storageEvent(lo.RandomString(8, lo.LettersCharset), gb, time.Date(2024, 1, 5+i*5, 0, 0, 0, 0, time.UTC)))
	}
	// outside the billed window
	reqs = append(reqs, s.storageEvent("tx_february", 100, time.Date(2024, 2, 1, 0, 0, 1, 0, time.UTC)))

	res, err := s.service.Ingest(s.GetContext(), reqs, time.Date(2024, 1, 20, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Len(res.Created, 4)

	params := newTestParams(&s.BaseServiceTestSuite)
	inv, err := NewBillingService(params).BillSubscription(s.GetContext(), s.testData.subscription.ID, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
	s.Require().NoError(err)
	s.Require().NotNil(inv)

	fees := lo.Filter(inv.Fees, func(f *invoice.Fee, _ int) bool { return f.ChargeID == "chg_storage" })
	s.Require().Len(fees, 1)
	s.True(decimal.NewFromInt(30).Equal(fees[0].Units), "units %s", fees[0].Units)
	s.True(decimal.NewFromInt(6000).Equal(fees[0].AmountCents), "amount %s", fees[0].AmountCents)
}

func (s *EventServiceSuite) TestConsumer_Handle() {
	ts := time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC)
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(UsageMessage{
		TenantID:      testutil.TestTenantID,
		EnvironmentID: testutil.TestEnvironmentID,
		Events:        []*dto.IngestEventRequest{s.storageEvent("tx_kafka", 7, ts)},
	})
	s.Require().NoError(err)

	s.Require().NoError(s.consumer.Handle(message.NewMessage(watermill.NewUUID(), payload)))

	stored, err := s.service.List(s.GetContext(), &events.Filter{ExternalSubscriptionID: "sub_events"})
	s.Require().NoError(err)
	s.Require().Len(stored, 1)
	s.Equal("tx_kafka", stored[0].TransactionID)

	// redelivery is absorbed by the transaction id
	s.Require().NoError(s.consumer.Handle(message.NewMessage(watermill.NewUUID(), payload)))
	stored, err = s.service.List(s.GetContext(), &events.Filter{ExternalSubscriptionID: "sub_events"})
	s.Require().NoError(err)
	s.Len(stored, 1)
}

func (s *EventServiceSuite) TestConsumer_RequiresTenant() {
	payload, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(UsageMessage{})
	s.Require().NoError(err)

	err = s.consumer.Handle(message.NewMessage(watermill.NewUUID(), payload))
	s.True(ierr.IsValidation(err))

	err = s.consumer.Handle(message.NewMessage(watermill.NewUUID(), []byte("{not json")))
	s.True(ierr.IsValidation(err))
}
