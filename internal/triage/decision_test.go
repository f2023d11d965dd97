package triage

import (
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestDecideWithoutRules(t *testing.T) {
	p := NewProcessor(65)

	tests := []struct {
		name  string
		rings []domain.FraudRing
		want  string
	}{
		{"no rings", nil, domain.StatusNoAlert},
		{"below threshold", []domain.FraudRing{{RingID: "RING_001", RiskScore: 60}}, domain.StatusNoAlert},
		{"at threshold", []domain.FraudRing{{RingID: "RING_001", RiskScore: 65}}, domain.StatusAlert},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.rings, nil)
			if d.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, d.Status)
			}
		})
	}
}

func TestDecideWithRuleOutcomes(t *testing.T) {
	p := NewProcessor(65)
	rings := sampleRings()

	review := p.Decide(rings, []domain.RingDecision{
		{RingID: "RING_001", Outcome: domain.OutcomeReview, Reason: "check"},
		{RingID: "RING_002", Outcome: domain.OutcomePass},
	})
	if review.Status != domain.StatusNoAlert {
		t.Errorf("expected review alone not to alert, got %s", review.Status)
	}
	if len(review.Reasons) != 1 || review.Reasons[0] != "RING_001: check" {
		t.Errorf("unexpected reasons %v", review.Reasons)
	}

	fail := p.Decide(rings, []domain.RingDecision{
		{RingID: "RING_002", Outcome: domain.OutcomeFail, Reason: "layering"},
	})
	if fail.Status != domain.StatusAlert {
		t.Errorf("expected alert, got %s", fail.Status)
	}
}
