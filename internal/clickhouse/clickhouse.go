package clickhouse

import (
	"context"

	clickhouse_go "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/flexprice/billingengine/internal/config"
	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/sentry"
)

// ClickHouseStore owns the clickhouse connection. Statements go through the
// traced helpers so each one gets its own sentry span.
type ClickHouseStore struct {
	conn   driver.Conn
	sentry *sentry.Service
}

func NewClickHouseStore(cfg *config.Configuration, sentryService *sentry.Service) (*ClickHouseStore, error) {
	conn, err := clickhouse_go.Open(cfg.ClickHouse.GetClientOptions())
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to initialize clickhouse client").
			Mark(ierr.ErrDatabase)
	}

	return &ClickHouseStore{
		conn:   conn,
		sentry: sentryService,
	}, nil
}

// GetRawConn returns the untraced connection
func (s *ClickHouseStore) GetRawConn() driver.Conn {
	return s.conn
}

func (s *ClickHouseStore) Close() error {
	return s.conn.Close()
}

func (s *ClickHouseStore) Exec(ctx context.Context, operation, query string, args ...any) error {
	span, ctx := s.sentry.StartClickHouseSpan(ctx, operation, spanParams(query, len(args)))
	err := s.conn.Exec(ctx, query, args...)
	sentry.FinishSpan(span, err)
	return err
}

func (s *ClickHouseStore) Select(ctx context.Context, operation string, dest any, query string, args ...any) error {
	span, ctx := s.sentry.StartClickHouseSpan(ctx, operation, spanParams(query, len(args)))
	err := s.conn.Select(ctx, dest, query, args...)
	sentry.FinishSpan(span, err)
	return err
}

// ScanRow runs a single row query and scans it into dest
func (s *ClickHouseStore) ScanRow(ctx context.Context, operation, query string, args []any, dest ...any) error {
	span, ctx := s.sentry.StartClickHouseSpan(ctx, operation, spanParams(query, len(args)))
	err := s.conn.QueryRow(ctx, query, args...).Scan(dest...)
	sentry.FinishSpan(span, err)
	return err
}

func (s *ClickHouseStore) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func spanParams(query string, argsCount int) map[string]interface{} {
	return map[string]interface{}{
		"query":      truncateQuery(query),
		"args_count": argsCount,
	}
}

// truncateQuery keeps span payloads small
func truncateQuery(query string) string {
	const maxQueryLength = 1000
	if len(query) > maxQueryLength {
		return query[:maxQueryLength] + "..."
	}
	return query
}
