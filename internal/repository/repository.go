// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultListLimit caps ListReports when no limit is given.
const DefaultListLimit = 50

const migrateTimeout = 30 * time.Second

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	ctx, cancel := context.WithTimeout(context.Background(), migrateTimeout)
	defer cancel()
	if err := repo.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

// SaveReport stores an analysis report with tenant isolation.
// Saving the same analysis ID again replaces the stored report.
func (r *SQLRepository) SaveReport(ctx context.Context, tenantID string, report *domain.Report) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if report == nil || report.AnalysisID == "" {
		return fmt.Errorf("%w: analysis ID is required", ErrInvalidInput)
	}

	body, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	createdAt := report.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	s := report.Summary

	query := `
		INSERT INTO analyses (
			id, tenant_id, digest, status,
			accounts_analyzed, transactions_analyzed, accounts_flagged, rings_detected, rows_rejected,
			processing_seconds, report, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			digest = excluded.digest,
			status = excluded.status,
			accounts_analyzed = excluded.accounts_analyzed,
			transactions_analyzed = excluded.transactions_analyzed,
			accounts_flagged = excluded.accounts_flagged,
			rings_detected = excluded.rings_detected,
			rows_rejected = excluded.rows_rejected,
			processing_seconds = excluded.processing_seconds,
			report = excluded.report
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		report.AnalysisID, tenantID, report.Digest, report.Status,
		s.TotalAccountsAnalyzed, s.TransactionsAnalyzed, s.SuspiciousAccountsFlagged, s.FraudRingsDetected, s.RowsRejected,
		s.ProcessingTimeSeconds, string(body), createdAt,
	)
	return err
}

// GetReport retrieves a full report by analysis ID with tenant isolation.
func (r *SQLRepository) GetReport(ctx context.Context, tenantID string, analysisID string) (*domain.Report, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `SELECT report FROM analyses WHERE tenant_id = ? AND id = ?`

	var body string
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, analysisID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var report domain.Report
	if err := json.Unmarshal([]byte(body), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", analysisID, err)
	}
	return &report, nil
}

// ListReports returns the most recent analyses for a tenant, newest first.
func (r *SQLRepository) ListReports(ctx context.Context, tenantID string, limit int) ([]*domain.ReportSummary, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `
		SELECT id, digest, status,
			   accounts_analyzed, transactions_analyzed, accounts_flagged, rings_detected, rows_rejected,
			   processing_seconds, created_at
		FROM analyses
		WHERE tenant_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := []*domain.ReportSummary{}
	for rows.Next() {
		var rs domain.ReportSummary
		s := &rs.Summary
		if err := rows.Scan(
			&rs.AnalysisID, &rs.Digest, &rs.Status,
			&s.TotalAccountsAnalyzed, &s.TransactionsAnalyzed, &s.SuspiciousAccountsFlagged, &s.FraudRingsDetected, &s.RowsRejected,
			&s.ProcessingTimeSeconds, &rs.CreatedAt,
		); err != nil {
			return nil, err
		}
		summaries = append(summaries, &rs)
	}

	return summaries, rows.Err()
}

// SaveTriageRule creates or updates a triage rule with tenant isolation.
func (r *SQLRepository) SaveTriageRule(ctx context.Context, tenantID string, rule *domain.TriageRule) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule ID is required", ErrInvalidInput)
	}

	bands, err := json.Marshal(rule.Bands)
	if err != nil {
		return fmt.Errorf("failed to encode bands: %w", err)
	}

	enabled := 0
	if rule.Enabled {
		enabled = 1
	}
	version := rule.Version
	if version == "" {
		version = "1.0.0"
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO triage_rules (
			id, tenant_id, name, description, version, expression, bands, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, tenant_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			version = excluded.version,
			expression = excluded.expression,
			bands = excluded.bands,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, tenantID, rule.Name, rule.Description,
		version, rule.Expression, string(bands), enabled,
		now, now,
	)
	return err
}

// GetTriageRule retrieves an enabled triage rule with tenant isolation.
func (r *SQLRepository) GetTriageRule(ctx context.Context, tenantID string, ruleID string) (*domain.TriageRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled, created_at, updated_at
		FROM triage_rules
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	rule, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query), tenantID, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rule, err
}

// ListTriageRules retrieves all enabled triage rules for a tenant.
func (r *SQLRepository) ListTriageRules(ctx context.Context, tenantID string) ([]*domain.TriageRule, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, name, description, version, expression, bands, enabled, created_at, updated_at
		FROM triage_rules
		WHERE tenant_id = ? AND enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.TriageRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// DeleteTriageRule soft-deletes a triage rule by setting enabled = 0.
func (r *SQLRepository) DeleteTriageRule(ctx context.Context, tenantID string, ruleID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		UPDATE triage_rules
		SET enabled = 0, updated_at = ?
		WHERE tenant_id = ? AND id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), tenantID, ruleID)
	if err != nil {
		return err
	}

	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.TriageRule, error) {
	var rule domain.TriageRule
	var description sql.NullString
	var bands string
	var enabled int

	if err := row.Scan(
		&rule.ID, &rule.TenantID, &rule.Name, &description,
		&rule.Version, &rule.Expression, &bands, &enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Description = description.String
	rule.Enabled = enabled == 1
	if err := json.Unmarshal([]byte(bands), &rule.Bands); err != nil {
		return nil, fmt.Errorf("failed to parse bands for rule %s: %w", rule.ID, err)
	}
	return &rule, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	out := make([]byte, 0, len(query)+8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			out = append(out, query[i])
			continue
		}
		out = append(out, '$')
		out = strconv.AppendInt(out, int64(n), 10)
		n++
	}
	return string(out)
}
