// Package report shapes engine output into the externally visible report.
package report

import (
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Build assembles a report from an engine result. Suspicious accounts are
// ordered by descending score; ties keep the order in which accounts were
// flagged. The graph overlay lists every account and every transaction,
// independent of detection.
func Build(txs []domain.Transaction, result *domain.AnalysisResult, rejected int, elapsed time.Duration) *domain.Report {
	if result == nil {
		result = &domain.AnalysisResult{}
	}

	accounts := make([]domain.SuspiciousAccount, len(result.SuspiciousAccounts))
	copy(accounts, result.SuspiciousAccounts)
	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].SuspicionScore > accounts[j].SuspicionScore
	})

	rings := make([]domain.FraudRing, len(result.FraudRings))
	copy(rings, result.FraudRings)

	overlay := Overlay(txs, result.SuspiciousAccounts)

	return &domain.Report{
		SuspiciousAccounts: accounts,
		FraudRings:         rings,
		Graph:              overlay,
		Summary: domain.Summary{
			TotalAccountsAnalyzed:     len(overlay.Nodes),
			TransactionsAnalyzed:      len(txs),
			SuspiciousAccountsFlagged: len(accounts),
			FraudRingsDetected:        len(rings),
			RowsRejected:              rejected,
			ProcessingTimeSeconds:     roundSeconds(elapsed),
		},
	}
}

// Overlay builds the visualization graph: one node per account in
// first-appearance order and one edge per transaction.
func Overlay(txs []domain.Transaction, flagged []domain.SuspiciousAccount) domain.GraphOverlay {
	scores := make(map[string]float64, len(flagged))
	for _, a := range flagged {
		scores[a.AccountID] = a.SuspicionScore
	}

	overlay := domain.GraphOverlay{
		Nodes: []domain.GraphNode{},
		Edges: make([]domain.GraphEdge, 0, len(txs)),
	}
	seen := make(map[string]struct{})
	addNode := func(id string) {
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		score, suspicious := scores[id]
		overlay.Nodes = append(overlay.Nodes, domain.GraphNode{
			ID:             id,
			Suspicious:     suspicious,
			SuspicionScore: score,
		})
	}

	for _, tx := range txs {
		addNode(tx.SenderID)
		addNode(tx.ReceiverID)
		overlay.Edges = append(overlay.Edges, domain.GraphEdge{
			Source:        tx.SenderID,
			Target:        tx.ReceiverID,
			Amount:        tx.Amount,
			TransactionID: tx.ID,
			Timestamp:     tx.Timestamp,
		})
	}
	return overlay
}

func roundSeconds(d time.Duration) float64 {
	return float64(d.Round(time.Millisecond)) / float64(time.Second)
}
