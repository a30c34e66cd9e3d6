// Package postgres implements the billing repositories on sqlx. Aggregates
// owned by a parent row (plan charges, metric filters, rule lists) are stored
// as jsonb columns next to it.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strings"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/postgres"
	"github.com/flexprice/billingengine/internal/types"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// JSONColumn stores any json serialisable value in a jsonb column
type JSONColumn[T any] struct {
	V T
}

func NewJSONColumn[T any](v T) JSONColumn[T] {
	return JSONColumn[T]{V: v}
}

func (c JSONColumn[T]) Value() (driver.Value, error) {
	b, err := json.Marshal(c.V)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (c *JSONColumn[T]) Scan(src interface{}) error {
	var b []byte
	switch v := src.(type) {
	case nil:
		var zero T
		c.V = zero
		return nil
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source %T", src)
	}
	return json.Unmarshal(b, &c.V)
}

// where builds a conjunction of predicates with positional arguments,
// starting with the tenant scope of ctx
type where struct {
	clauses []string
	args    []interface{}
}

func scoped(ctx context.Context, prefix string) *where {
	w := &where{}
	w.add(prefix+"tenant_id = ?", types.GetTenantID(ctx))
	w.add(prefix+"environment_id = ?", types.GetEnvironmentID(ctx))
	return w
}

// add appends a predicate; each ? is numbered when the query is rendered
func (w *where) add(clause string, args ...interface{}) *where {
	w.clauses = append(w.clauses, clause)
	w.args = append(w.args, args...)
	return w
}

// render returns the WHERE clause and its arguments numbered from 1
func (w *where) render() (string, []interface{}) {
	joined := strings.Join(w.clauses, " AND ")
	var b strings.Builder
	n := 0
	for _, r := range joined {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return "WHERE " + b.String(), w.args
}

// placeholders returns n question marks for an IN list
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// prefixColumns qualifies a column list with a table alias
func prefixColumns(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = prefix + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

func stringArgs[T ~string](values []T) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = string(v)
	}
	return out
}

// translate maps driver errors onto the error kinds services branch on
func translate(err error, entity, id string) error {
	if err == nil {
		return nil
	}
	if ierr.Is(err, sql.ErrNoRows) {
		return ierr.NewError(entity+" not found").
			WithHintf("The %s was not found", entity).
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrNotFound)
	}
	if postgres.IsUniqueViolation(err) {
		return ierr.WithError(err).
			WithHintf("A %s with this identity already exists", entity).
			WithReportableDetails(map[string]any{"id": id}).
			Mark(ierr.ErrAlreadyExists)
	}
	return ierr.WithError(err).
		WithHintf("Failed to access %s", entity).
		WithReportableDetails(map[string]any{"id": id}).
		Mark(ierr.ErrDatabase)
}

// expectRow reports a not found error when an update touched nothing
func expectRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err, entity, id)
	}
	if n == 0 {
		return translate(sql.ErrNoRows, entity, id)
	}
	return nil
}
