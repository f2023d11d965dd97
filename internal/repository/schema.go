package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaMigrations = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    name TEXT NOT NULL,
    applied_at TIMESTAMP NOT NULL
);
`

const schemaAnalyses = `
CREATE TABLE IF NOT EXISTS analyses (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    digest TEXT NOT NULL,
    status TEXT NOT NULL,
    accounts_analyzed INTEGER NOT NULL,
    transactions_analyzed INTEGER NOT NULL,
    accounts_flagged INTEGER NOT NULL,
    rings_detected INTEGER NOT NULL,
    rows_rejected INTEGER NOT NULL,
    processing_seconds REAL NOT NULL,
    report TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_analyses_tenant ON analyses(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_analyses_digest ON analyses(tenant_id, digest);
CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses(tenant_id, status);
`

// schemaTriageRules holds operator CEL rules applied to detected rings.
// Deleted rules are kept with enabled = 0.
const schemaTriageRules = `
CREATE TABLE IF NOT EXISTS triage_rules (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    description TEXT,
    version TEXT NOT NULL,
    expression TEXT NOT NULL,
    bands TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (id, tenant_id)
);

CREATE INDEX IF NOT EXISTS idx_triage_rules_enabled ON triage_rules(tenant_id, enabled);
`

// migration is one forward-only schema step. Versions are never reused.
type migration struct {
	version int
	name    string
	stmt    string
}

var migrations = []migration{
	{1, "create_analyses", schemaAnalyses},
	{2, "create_triage_rules", schemaTriageRules},
}

// migrate applies pending migrations in version order, each in its own
// transaction together with its schema_migrations row.
func (r *SQLRepository) migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schemaMigrations); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := r.appliedVersions(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		if err := r.apply(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

func (r *SQLRepository) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func (r *SQLRepository) apply(ctx context.Context, m migration) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, m.stmt); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		r.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, time.Now().UTC(),
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, 0 for an empty database.
func (r *SQLRepository) SchemaVersion(ctx context.Context) (int, error) {
	var v sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}
