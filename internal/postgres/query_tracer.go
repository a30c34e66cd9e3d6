package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/flexprice/billingengine/internal/logger"
	"github.com/jmoiron/sqlx"
)

// queryTracer times one statement and logs it at debug, or at error on failure
type queryTracer struct {
	logger *logger.Logger
	query  string
	start  time.Time
	txID   string
}

func newQueryTracer(log *logger.Logger, query, txID string) *queryTracer {
	return &queryTracer{
		logger: log,
		query:  query,
		start:  time.Now(),
		txID:   txID,
	}
}

func (qt *queryTracer) done(err error) {
	fields := []interface{}{
		"duration_ms", time.Since(qt.start).Milliseconds(),
		"query", qt.query,
	}
	if qt.txID != "" {
		fields = append(fields, "tx_id", qt.txID)
	}
	if err != nil && err != sql.ErrNoRows {
		fields = append(fields, "error", err.Error())
		qt.logger.Errorw("database query failed", fields...)
		return
	}
	qt.logger.Debugw("database query completed", fields...)
}

// TracedQuerier wraps a Querier with query logging
type TracedQuerier struct {
	q      Querier
	logger *logger.Logger
	txID   string
}

func NewTracedQuerier(q Querier, log *logger.Logger, txID string) *TracedQuerier {
	return &TracedQuerier{q: q, logger: log, txID: txID}
}

func (tq *TracedQuerier) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	t := newQueryTracer(tq.logger, query, tq.txID)
	res, err := tq.q.ExecContext(ctx, query, args...)
	t.done(err)
	return res, err
}

func (tq *TracedQuerier) QueryxContext(ctx context.Context, query string, args ...interface{}) (*sqlx.Rows, error) {
	t := newQueryTracer(tq.logger, query, tq.txID)
	rows, err := tq.q.QueryxContext(ctx, query, args...)
	t.done(err)
	return rows, err
}

func (tq *TracedQuerier) GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	t := newQueryTracer(tq.logger, query, tq.txID)
	err := tq.q.GetContext(ctx, dest, query, args...)
	t.done(err)
	return err
}

func (tq *TracedQuerier) SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error {
	t := newQueryTracer(tq.logger, query, tq.txID)
	err := tq.q.SelectContext(ctx, dest, query, args...)
	t.done(err)
	return err
}

func (tq *TracedQuerier) NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error) {
	t := newQueryTracer(tq.logger, query, tq.txID)
	res, err := tq.q.NamedExecContext(ctx, query, arg)
	t.done(err)
	return res, err
}
