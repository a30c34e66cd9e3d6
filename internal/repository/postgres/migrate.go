package postgres

import (
	"context"
	"embed"
	"io"
	"sort"
	"strings"

	ierr "github.com/flexprice/billingengine/internal/errors"
	"github.com/flexprice/billingengine/internal/logger"
	"github.com/flexprice/billingengine/internal/postgres"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration is one embedded schema file, versioned by its file name
type Migration struct {
	Version string
	SQL     string
}

// Migrations returns the embedded migrations in apply order
func Migrations() ([]Migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, ierr.WithError(err).
			WithHint("Failed to read embedded migrations").
			Mark(ierr.ErrSystem)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		content, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, ierr.WithError(err).
				WithHintf("Failed to read migration %s", name).
				Mark(ierr.ErrSystem)
		}
		out = append(out, Migration{Version: strings.TrimSuffix(name, ".sql"), SQL: string(content)})
	}
	return out, nil
}

// WriteMigrations prints every migration without touching the database
func WriteMigrations(w io.Writer) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, err := io.WriteString(w, "-- "+m.Version+"\n"+m.SQL+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// Migrate applies pending migrations, each in its own transaction
func Migrate(ctx context.Context, client postgres.IClient, log *logger.Logger) error {
	q := client.Querier(ctx)
	if _, err := q.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    VARCHAR(255) PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return translate(err, "schema migration", "")
	}

	var applied []string
	if err := q.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return translate(err, "schema migration", "")
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	migrations, err := Migrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if done[m.Version] {
			continue
		}
		log.Infow("applying migration", "version", m.Version)

		err := client.WithTx(ctx, func(ctx context.Context) error {
			q := client.Querier(ctx)
			if _, err := q.ExecContext(ctx, m.SQL); err != nil {
				return translate(err, "schema migration", m.Version)
			}
			if _, err := q.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.Version); err != nil {
				return translate(err, "schema migration", m.Version)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
