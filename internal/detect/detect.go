// Package detect implements the graph pattern detectors. Every detector is a
// read-only pass over a graph.Graph that proposes rings; numbering and merging
// of the proposals is left to the caller.
package detect

import (
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Candidate is a ring proposed by a detector.
type Candidate struct {
	Pattern domain.PatternType
	Members []string
	Score   float64
	// Tag is the pattern tag recorded on every flagged account.
	Tag string
	// Flagged lists the accounts that receive a finding.
	Flagged []string
}

// CycleTag returns the pattern tag of a cycle of the given length.
func CycleTag(length int) string {
	return fmt.Sprintf("cycle_length_%d", length)
}

// round2 trims float noise from derived scores.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
