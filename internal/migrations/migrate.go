// Package migrations embeds and applies the control plane's SQL schema,
// backing the `controlplane migrate` CLI command (spec §6). The pack
// carries no dedicated migration library, so this is a deliberately small
// hand-rolled runner: embed.FS plus a schema_migrations ledger table,
// applied in lexical filename order inside one transaction each.
package migrations

import (
	"context"
	"embed"
	"path"
	"sort"

	"github.com/gravitational/trace"
	"github.com/jmoiron/sqlx"

	"github.com/nixci/runner/internal/logging"
)

//go:embed sql/*.sql
var sqlFS embed.FS

var log = logging.ForComponent("migrations")

const ledgerTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)
`

// Apply runs every embedded migration not yet recorded in
// schema_migrations, in filename order, each inside its own transaction.
func Apply(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, ledgerTable); err != nil {
		return trace.Wrap(err, "creating schema_migrations")
	}

	entries, err := sqlFS.ReadDir("sql")
	if err != nil {
		return trace.Wrap(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var applied []string
	if err := db.SelectContext(ctx, &applied, `SELECT version FROM schema_migrations`); err != nil {
		return trace.Wrap(err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	for _, name := range names {
		if done[name] {
			continue
		}
		data, err := sqlFS.ReadFile(path.Join("sql", name))
		if err != nil {
			return trace.Wrap(err)
		}
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return trace.Wrap(err)
		}
		if _, err := tx.ExecContext(ctx, string(data)); err != nil {
			tx.Rollback() //nolint:errcheck
			return trace.Wrap(err, "applying migration %v", name)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, name); err != nil {
			tx.Rollback() //nolint:errcheck
			return trace.Wrap(err)
		}
		if err := tx.Commit(); err != nil {
			return trace.Wrap(err)
		}
		log.WithField("migration", name).Info("applied migration")
	}
	return nil
}
