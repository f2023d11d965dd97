package graphdb

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultBatchSize bounds the rows sent in one UNWIND statement.
const DefaultBatchSize = 500

const (
	cypherAccounts = `UNWIND $rows AS row
MERGE (a:Account {id: row.id, tenant: $tenant})
SET a.suspicious = row.suspicious, a.suspicion_score = row.score`

	cypherTransfers = `UNWIND $rows AS row
MATCH (s:Account {id: row.source, tenant: $tenant})
MATCH (r:Account {id: row.target, tenant: $tenant})
MERGE (s)-[t:TRANSFER {transaction_id: row.transaction_id, analysis_id: $analysis_id}]->(r)
SET t.amount = row.amount, t.timestamp = row.timestamp`

	cypherRings = `UNWIND $rows AS row
MERGE (g:Ring {ring_id: row.ring_id, analysis_id: $analysis_id, tenant: $tenant})
SET g.pattern_type = row.pattern_type, g.risk_score = row.risk_score
WITH g, row
UNWIND row.members AS member
MATCH (a:Account {id: member, tenant: $tenant})
MERGE (a)-[:MEMBER_OF]->(g)`
)

// ExportStats counts what one export wrote.
type ExportStats struct {
	Accounts  int
	Transfers int
	Rings     int
}

// Exporter writes reports into the graph database.
type Exporter struct {
	client    Client
	batchSize int
	logger    *slog.Logger
}

// NewExporter creates an exporter. batchSize <= 0 uses DefaultBatchSize.
func NewExporter(client Client, batchSize int, logger *slog.Logger) *Exporter {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{client: client, batchSize: batchSize, logger: logger}
}

// Export merges the report's accounts, transfers and rings. Accounts are
// written first so the transfer and membership MATCH clauses find them.
func (e *Exporter) Export(ctx context.Context, report *domain.Report) (ExportStats, error) {
	var stats ExportStats
	if report == nil {
		return stats, nil
	}

	base := map[string]any{
		"tenant":      report.TenantID,
		"analysis_id": report.AnalysisID,
	}

	accounts := make([]any, 0, len(report.Graph.Nodes))
	for _, n := range report.Graph.Nodes {
		accounts = append(accounts, map[string]any{
			"id":         n.ID,
			"suspicious": n.Suspicious,
			"score":      n.SuspicionScore,
		})
	}
	if err := e.writeBatches(ctx, cypherAccounts, base, accounts); err != nil {
		return stats, fmt.Errorf("export accounts: %w", err)
	}
	stats.Accounts = len(accounts)

	transfers := make([]any, 0, len(report.Graph.Edges))
	for _, edge := range report.Graph.Edges {
		transfers = append(transfers, map[string]any{
			"source":         edge.Source,
			"target":         edge.Target,
			"transaction_id": edge.TransactionID,
			"amount":         edge.Amount,
			"timestamp":      edge.Timestamp,
		})
	}
	if err := e.writeBatches(ctx, cypherTransfers, base, transfers); err != nil {
		return stats, fmt.Errorf("export transfers: %w", err)
	}
	stats.Transfers = len(transfers)

	rings := make([]any, 0, len(report.FraudRings))
	for _, ring := range report.FraudRings {
		members := make([]any, len(ring.MemberAccounts))
		for i, m := range ring.MemberAccounts {
			members[i] = m
		}
		rings = append(rings, map[string]any{
			"ring_id":      ring.RingID,
			"pattern_type": string(ring.PatternType),
			"risk_score":   ring.RiskScore,
			"members":      members,
		})
	}
	if err := e.writeBatches(ctx, cypherRings, base, rings); err != nil {
		return stats, fmt.Errorf("export rings: %w", err)
	}
	stats.Rings = len(rings)

	e.logger.Debug("graph export complete",
		"analysis_id", report.AnalysisID,
		"tenant_id", report.TenantID,
		"accounts", stats.Accounts,
		"transfers", stats.Transfers,
		"rings", stats.Rings,
	)
	return stats, nil
}

func (e *Exporter) writeBatches(ctx context.Context, cypher string, base map[string]any, rows []any) error {
	for start := 0; start < len(rows); start += e.batchSize {
		end := min(start+e.batchSize, len(rows))

		params := make(map[string]any, len(base)+1)
		for k, v := range base {
			params[k] = v
		}
		params["rows"] = rows[start:end]

		if _, err := e.client.ExecuteWrite(ctx, cypher, params); err != nil {
			return err
		}
	}
	return nil
}

// Ping verifies graph connectivity.
func (e *Exporter) Ping(ctx context.Context) error {
	return e.client.VerifyConnectivity(ctx)
}

// Close closes the underlying client.
func (e *Exporter) Close(ctx context.Context) error {
	return e.client.Close(ctx)
}
