package clickhouse

import (
	"context"
	"embed"
	"strings"
	"time"

	"github.com/flexprice/billingengine/internal/clickhouse"
	"github.com/flexprice/billingengine/internal/domain/events"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/repository/clickhouse/builder"
	"github.com/flexprice/billingengine/internal/types"
	jsoniter "github.com/json-iterator/go"
	"github.com/samber/lo"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

//go:embed migrations/*.sql
var migrationsFS embed.FS

const eventColumns = `id, tenant_id, environment_id, idempotency_scope, transaction_id, external_subscription_id,
	external_customer_id, code, properties, timestamp, source, fixed_charge_id, ingested_at`

// eventRow is the clickhouse shape of an event; properties are kept as a json string
type eventRow struct {
	ID                     string    `ch:"id"`
	TenantID               string    `ch:"tenant_id"`
	EnvironmentID          string    `ch:"environment_id"`
	IdempotencyScope       string    `ch:"idempotency_scope"`
	TransactionID          string    `ch:"transaction_id"`
	ExternalSubscriptionID string    `ch:"external_subscription_id"`
	ExternalCustomerID     string    `ch:"external_customer_id"`
	Code                   string    `ch:"code"`
	Properties             string    `ch:"properties"`
	Timestamp              time.Time `ch:"timestamp"`
	Source                 string    `ch:"source"`
	FixedChargeID          string    `ch:"fixed_charge_id"`
	IngestedAt             time.Time `ch:"ingested_at"`
}

func (r *eventRow) toDomain() (*events.Event, error) {
	e := &events.Event{
		ID:                     r.ID,
		TenantID:               r.TenantID,
		EnvironmentID:          r.EnvironmentID,
		TransactionID:          r.TransactionID,
		ExternalSubscriptionID: r.ExternalSubscriptionID,
		ExternalCustomerID:     r.ExternalCustomerID,
		Code:                   r.Code,
		Timestamp:              r.Timestamp.UTC(),
		Source:                 types.EventSource(r.Source),
		FixedChargeID:          r.FixedChargeID,
		IngestedAt:             r.IngestedAt.UTC(),
	}
	if r.Properties != "" {
		if err := json.UnmarshalFromString(r.Properties, &e.Properties); err != nil {
			return nil, ierr.WithError(err).
				WithHint("Stored event properties are not valid json").
				WithReportableDetails(map[string]interface{}{"event_id": r.ID}).
				Mark(ierr.ErrDatabase)
		}
	}
	return e, nil
}

// EventRepository stores usage events in clickhouse and aggregates simple metrics there
type EventRepository struct {
	store  *clickhouse.ClickHouseStore
	logger *logger.Logger
}

func NewEventRepository(store *clickhouse.ClickHouseStore, logger *logger.Logger) *EventRepository {
	return &EventRepository{store: store, logger: logger}
}

var _ events.Repository = (*EventRepository)(nil)

// Migrate creates the events table
func (r *EventRepository) Migrate(ctx context.Context) error {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return ierr.WithError(err).WithHint("Failed to read clickhouse migrations").Mark(ierr.ErrSystem)
	}
	for _, entry := range entries {
		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return ierr.WithError(err).WithHint("Failed to read clickhouse migrations").Mark(ierr.ErrSystem)
		}
		r.logger.Infow("applying clickhouse migration", "file", entry.Name())
		if err := r.store.Exec(ctx, "events.migrate", string(content)); err != nil {
			return ierr.WithError(err).
				WithHintf("Failed to apply clickhouse migration %s", entry.Name()).
				Mark(ierr.ErrDatabase)
		}
	}
	return nil
}

// Insert stores an event unless its transaction id was already ingested in the same scope
func (r *EventRepository) Insert(ctx context.Context, event *events.Event) (err error) {
	span := StartRepositorySpan(ctx, "event", "insert", map[string]interface{}{
		"event_id":       event.ID,
		"code":           event.Code,
		"transaction_id": event.TransactionID,
	})
	defer func() { FinishSpan(span, err) }()

	if err := event.Validate(); err != nil {
		return err
	}

	existing, err := r.FindByTransactionID(ctx, event.IdempotencyScope(), event.TransactionID)
	if err != nil && !ierr.IsNotFound(err) {
		return err
	}
	if existing != nil {
		return ierr.NewError("event already exists").
			WithHint("An event with this transaction id was already ingested").
			WithReportableDetails(map[string]interface{}{
				"transaction_id": event.TransactionID,
				"event_id":       existing.ID,
			}).
			Mark(ierr.ErrAlreadyExists)
	}

	properties, err := json.Marshal(lo.Ternary(event.Properties == nil, map[string]interface{}{}, event.Properties))
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to marshal event properties").
			WithReportableDetails(map[string]interface{}{"event_id": event.ID}).
			Mark(ierr.ErrValidation)
	}

	source := event.Source
	if source == "" {
		source = types.EventSourceUsage
	}

	query := `INSERT INTO events (` + eventColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	err = r.store.Exec(ctx, "events.insert", query,
		event.ID,
		event.TenantID,
		event.EnvironmentID,
		event.IdempotencyScope(),
		event.TransactionID,
		event.ExternalSubscriptionID,
		event.ExternalCustomerID,
		event.Code,
		string(properties),
		event.Timestamp.UTC(),
		string(source),
		event.FixedChargeID,
		event.IngestedAt.UTC(),
	)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to insert event").
			WithReportableDetails(map[string]interface{}{
				"event_id": event.ID,
				"code":     event.Code,
			}).
			Mark(ierr.ErrDatabase)
	}
	return nil
}

func (r *EventRepository) FindByTransactionID(ctx context.Context, scope, transactionID string) (*events.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events FINAL
		WHERE tenant_id = ? AND environment_id = ? AND idempotency_scope = ? AND transaction_id = ?
		LIMIT 1`

	var rows []eventRow
	if err := r.store.Select(ctx, "events.find_by_transaction_id", &rows, query,
		types.GetTenantID(ctx), types.GetEnvironmentID(ctx), scope, transactionID); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to look up event").
			WithReportableDetails(map[string]interface{}{"transaction_id": transactionID}).
			Mark(ierr.ErrDatabase)
	}
	if len(rows) == 0 {
		return nil, ierr.NewError("event not found").
			WithHint("No event was ingested with this transaction id").
			WithReportableDetails(map[string]interface{}{"transaction_id": transactionID}).
			Mark(ierr.ErrNotFound)
	}
	return rows[0].toDomain()
}

// List returns the events of a filter ordered by timestamp then id
func (r *EventRepository) List(ctx context.Context, filter *events.Filter) (_ []*events.Event, err error) {
	span := StartRepositorySpan(ctx, "event", "list", map[string]interface{}{
		"filter": filter,
	})
	defer func() { FinishSpan(span, err) }()

	conditions, args := builder.Conditions(ctx, filter)
	query := `SELECT ` + eventColumns + ` FROM events FINAL WHERE ` +
		strings.Join(conditions, " AND ") + ` ORDER BY timestamp, id`

	var rows []eventRow
	if err := r.store.Select(ctx, "events.list", &rows, query, args...); err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to list events").
			Mark(ierr.ErrDatabase)
	}

	out := make([]*events.Event, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
