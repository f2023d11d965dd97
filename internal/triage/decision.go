package triage

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// DefaultAlertThreshold is the fallback ring risk that raises an alert.
const DefaultAlertThreshold = 65.0

// Processor turns ring decisions into the report status.
type Processor struct {
	// AlertThreshold applies when no triage rules are loaded: any ring at or
	// above it raises an alert.
	AlertThreshold float64
}

// NewProcessor creates a processor with the given fallback threshold.
func NewProcessor(alertThreshold float64) *Processor {
	if alertThreshold <= 0 {
		alertThreshold = DefaultAlertThreshold
	}
	return &Processor{AlertThreshold: alertThreshold}
}

// Decision is the aggregated triage outcome of one analysis.
type Decision struct {
	Status  string
	Reasons []string
}

// Decide alerts when any rule failed a ring. Review outcomes are reported as
// reasons but do not alert on their own. Without decisions (no rules loaded)
// the ring risk scores are compared against AlertThreshold.
func (p *Processor) Decide(rings []domain.FraudRing, decisions []domain.RingDecision) Decision {
	d := Decision{Status: domain.StatusNoAlert}

	if len(decisions) == 0 {
		for _, r := range rings {
			if r.RiskScore >= p.AlertThreshold {
				d.Status = domain.StatusAlert
				d.Reasons = append(d.Reasons, fmt.Sprintf("%s: %s risk %.1f", r.RingID, r.PatternType, r.RiskScore))
			}
		}
		return d
	}

	for _, rd := range decisions {
		switch rd.Outcome {
		case domain.OutcomeFail:
			d.Status = domain.StatusAlert
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: %s", rd.RingID, rd.Reason))
		case domain.OutcomeReview:
			d.Reasons = append(d.Reasons, fmt.Sprintf("%s: %s", rd.RingID, rd.Reason))
		}
	}
	return d
}
