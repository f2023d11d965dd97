package domain

import "time"

// TriageRule is an operator-defined CEL expression evaluated against every
// detected ring. The expression result is mapped to an outcome through Bands.
type TriageRule struct {
	ID          string       `json:"id" validate:"required,max=64"`
	TenantID    string       `json:"tenant_id,omitempty"`
	Name        string       `json:"name" validate:"required"`
	Description string       `json:"description"`
	Version     string       `json:"version"`
	Expression  string       `json:"expression" validate:"required"`
	Bands       []TriageBand `json:"bands" validate:"dive"`
	Enabled     bool         `json:"enabled"`
	CreatedAt   time.Time    `json:"created_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at,omitempty"`
}

// TriageBand maps a score range to an outcome. Lower is inclusive, upper exclusive.
type TriageBand struct {
	LowerLimit *float64 `json:"lower_limit,omitempty"`
	UpperLimit *float64 `json:"upper_limit,omitempty"`
	Outcome    string   `json:"outcome" validate:"required,oneof=.pass .review .fail"`
	Reason     string   `json:"reason"`
}

// RingDecision is the outcome of one triage rule applied to one ring.
type RingDecision struct {
	RingID  string  `json:"ring_id"`
	RuleID  string  `json:"rule_id"`
	Outcome string  `json:"outcome"`
	Score   float64 `json:"score"`
	Reason  string  `json:"reason"`
}

// Triage outcomes.
const (
	OutcomePass   = ".pass"
	OutcomeFail   = ".fail"
	OutcomeReview = ".review"
	OutcomeError  = ".err"
)
