package detect

import (
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// FanIn finds accounts receiving at least SmurfMinEdges transactions within
// SmurfWindow. Only the hub is flagged; senders are listed as ring members.
func FanIn(g *graph.Graph) []Candidate {
	return smurf(g, fanIn)
}

// FanOut finds accounts sending at least SmurfMinEdges transactions within
// SmurfWindow. Only the hub is flagged; receivers are listed as ring members.
func FanOut(g *graph.Graph) []Candidate {
	return smurf(g, fanOut)
}

type direction int

const (
	fanIn direction = iota
	fanOut
)

func smurf(g *graph.Graph, dir direction) []Candidate {
	var found []Candidate
	for hub := 0; hub < g.NodeCount(); hub++ {
		if g.IsLegitimateHighVolume(hub) {
			continue
		}

		edges := g.OutEdges(hub)
		if dir == fanIn {
			edges = g.InEdges(hub)
		}
		if len(edges) < SmurfMinEdges || Spread(g, edges) > SmurfWindow {
			continue
		}

		members := []string{g.ID(hub)}
		seen := map[int]bool{hub: true}
		for _, e := range edges {
			edge := g.Edge(e)
			other := edge.To
			if dir == fanIn {
				other = edge.From
			}
			if !seen[other] {
				seen[other] = true
				members = append(members, g.ID(other))
			}
		}

		c := Candidate{
			Members: members,
			Score:   SmurfScore(len(edges)),
			Flagged: []string{g.ID(hub)},
		}
		if dir == fanIn {
			c.Pattern, c.Tag = domain.PatternSmurfingFanIn, TagFanIn
		} else {
			c.Pattern, c.Tag = domain.PatternSmurfingFanOut, TagFanOut
		}
		found = append(found, c)
	}
	return found
}

// SmurfScore is the hub score for a given number of transactions.
func SmurfScore(edges int) float64 {
	return round2(math.Min(SmurfBaseScore+SmurfPerEdgeScore*float64(edges), SmurfMaxScore))
}

// Spread returns the time between the earliest and latest of the given edges.
func Spread(g *graph.Graph, edges []int) time.Duration {
	if len(edges) == 0 {
		return 0
	}
	first := g.Edge(edges[0]).Timestamp
	last := first
	for _, e := range edges[1:] {
		ts := g.Edge(e).Timestamp
		if ts.Before(first) {
			first = ts
		}
		if ts.After(last) {
			last = ts
		}
	}
	return last.Sub(first)
}
