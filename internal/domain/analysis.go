package domain

import (
	"time"
)

// PatternType classifies a fraud ring.
type PatternType string

const (
	PatternCycle          PatternType = "cycle"
	PatternSmurfingFanIn  PatternType = "smurfing_fan_in"
	PatternSmurfingFanOut PatternType = "smurfing_fan_out"
	PatternShellLayering  PatternType = "shell_layering"
)

// Valid reports whether p is a known pattern type.
func (p PatternType) Valid() bool {
	switch p {
	case PatternCycle, PatternSmurfingFanIn, PatternSmurfingFanOut, PatternShellLayering:
		return true
	}
	return false
}

// SuspiciousAccount is the merged finding for one flagged account.
type SuspiciousAccount struct {
	AccountID        string   `json:"account_id"`
	SuspicionScore   float64  `json:"suspicion_score"`
	DetectedPatterns []string `json:"detected_patterns"`
	RingID           string   `json:"ring_id"`
}

// FraudRing is a group of accounts implicated together in one detected pattern.
// Rings are never modified after creation.
type FraudRing struct {
	RingID         string      `json:"ring_id"`
	MemberAccounts []string    `json:"member_accounts"`
	PatternType    PatternType `json:"pattern_type"`
	RiskScore      float64     `json:"risk_score"`
}

// AnalysisResult is the raw engine output. Accounts are in the order they were
// first flagged, rings in creation order.
type AnalysisResult struct {
	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
}

// Report status constants.
const (
	StatusAlert   = "ALRT" // at least one ring needs attention
	StatusNoAlert = "NALT"
)

// Report is the externally visible result of one analysis.
type Report struct {
	AnalysisID string    `json:"analysis_id"`
	TenantID   string    `json:"tenant_id"`
	Digest     string    `json:"digest"`
	Status     string    `json:"status"`
	Reasons    []string  `json:"reasons,omitempty"`
	Cached     bool      `json:"cached"`
	CreatedAt  time.Time `json:"created_at"`

	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
	RingDecisions      []RingDecision      `json:"ring_decisions,omitempty"`
	Graph              GraphOverlay        `json:"graph"`
	Summary            Summary             `json:"summary"`
}

// GraphOverlay is the visualization view of the transaction graph.
type GraphOverlay struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphNode is one account in the overlay.
type GraphNode struct {
	ID             string  `json:"id"`
	Suspicious     bool    `json:"suspicious"`
	SuspicionScore float64 `json:"suspicion_score,omitempty"`
}

// GraphEdge is one transaction in the overlay.
type GraphEdge struct {
	Source        string    `json:"source"`
	Target        string    `json:"target"`
	Amount        float64   `json:"amount"`
	TransactionID string    `json:"transaction_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Summary holds the headline counters of an analysis.
type Summary struct {
	TotalAccountsAnalyzed     int     `json:"total_accounts_analyzed"`
	TransactionsAnalyzed      int     `json:"transactions_analyzed"`
	SuspiciousAccountsFlagged int     `json:"suspicious_accounts_flagged"`
	FraudRingsDetected        int     `json:"fraud_rings_detected"`
	RowsRejected              int     `json:"rows_rejected"`
	ProcessingTimeSeconds     float64 `json:"processing_time_seconds"`
}

// ReportSummary is the listing view of a stored report.
type ReportSummary struct {
	AnalysisID string    `json:"analysis_id"`
	Status     string    `json:"status"`
	Digest     string    `json:"digest"`
	Summary    Summary   `json:"summary"`
	CreatedAt  time.Time `json:"created_at"`
}

// AnalysisMessage is the bus payload requesting an asynchronous analysis.
type AnalysisMessage struct {
	AnalysisID   string        `json:"analysis_id"`
	TenantID     string        `json:"tenant_id"`
	TraceID      string        `json:"trace_id"`
	Transactions []Transaction `json:"transactions"`
	Rejected     []RowError    `json:"rejected,omitempty"`
}

// RingEvent is published once per detected ring.
type RingEvent struct {
	AnalysisID string    `json:"analysis_id"`
	TenantID   string    `json:"tenant_id"`
	Ring       FraudRing `json:"ring"`
}
