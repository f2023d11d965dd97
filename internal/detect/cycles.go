package detect

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// Cycles enumerates elementary directed cycles of length MinCycleLength to
// MaxCycleLength. Each cycle is reported once, rooted at its member with the
// lowest node index, with members in traversal order. Legitimate high-volume
// accounts never take part in a search, which voids every loop through them.
func Cycles(g *graph.Graph) []Candidate {
	n := g.NodeCount()
	excluded := make([]bool, n)
	for v := 0; v < n; v++ {
		excluded[v] = g.IsLegitimateHighVolume(v)
	}

	s := &cycleSearch{
		g:        g,
		excluded: excluded,
		onPath:   make([]bool, n),
		path:     make([]int, 0, MaxCycleLength),
	}
	for start := 0; start < n; start++ {
		if excluded[start] {
			continue
		}
		s.start = start
		s.visit(start)
	}
	return s.found
}

type cycleSearch struct {
	g        *graph.Graph
	excluded []bool
	onPath   []bool
	path     []int
	start    int
	found    []Candidate
}

func (s *cycleSearch) visit(v int) {
	s.path = append(s.path, v)
	s.onPath[v] = true

	for _, w := range s.g.Successors(v) {
		switch {
		case w == s.start:
			if len(s.path) >= MinCycleLength {
				s.record()
			}
		case w < s.start, s.onPath[w], s.excluded[w]:
			// rooted elsewhere, already on the path, or a merchant/payroll account
		case len(s.path) < MaxCycleLength:
			s.visit(w)
		}
	}

	s.onPath[v] = false
	s.path = s.path[:len(s.path)-1]
}

func (s *cycleSearch) record() {
	members := s.g.IDs(s.path)
	score := CycleScoreLong
	if len(members) == MinCycleLength {
		score = CycleScoreTriangle
	}
	s.found = append(s.found, Candidate{
		Pattern: domain.PatternCycle,
		Members: members,
		Score:   score,
		Tag:     CycleTag(len(members)),
		Flagged: members,
	})
}
