package detect

import (
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

// ShellChains finds maximal runs of pass-through accounts (exactly one
// transaction in and one out) of at least ShellMinRun accounts. The ring lists
// the account feeding the run, the run itself, and the account it drains into.
// Every member is flagged except an entry or exit account that looks like a
// merchant or payroll account, which stays listed in the ring only. Runs that close on themselves are loops, not chains,
// and are skipped.
func ShellChains(g *graph.Graph, logger *slog.Logger) []Candidate {
	if logger == nil {
		logger = slog.Default()
	}

	n := g.NodeCount()
	visited := make([]bool, n)
	var found []Candidate

	for v := 0; v < n; v++ {
		if visited[v] || !g.IsPassThrough(v) {
			continue
		}

		head, loop := rewind(g, v, visited)
		if loop {
			logger.Debug("pass-through loop skipped", "account_id", g.ID(v))
			continue
		}

		run := []int{head}
		onRun := map[int]bool{head: true}
		visited[head] = true
		for cur := head; ; {
			next, _ := g.Successor(cur)
			if !g.IsPassThrough(next) {
				break
			}
			if onRun[next] {
				logger.Warn("shell walk revisited an account",
					"account_id", g.ID(next),
					"chain_head", g.ID(head),
				)
				break
			}
			run = append(run, next)
			onRun[next] = true
			visited[next] = true
			cur = next
		}

		if len(run) < ShellMinRun {
			continue
		}

		entry, _ := g.Predecessor(head)
		exit, _ := g.Successor(run[len(run)-1])
		nodes := make([]int, 0, len(run)+2)
		nodes = append(nodes, entry)
		nodes = append(nodes, run...)
		if exit != entry {
			nodes = append(nodes, exit)
		}

		flagged := make([]int, 0, len(nodes))
		for _, n := range nodes {
			if (n == entry || n == exit) && g.IsLegitimateHighVolume(n) {
				logger.Debug("high-volume chain endpoint not flagged",
					"account_id", g.ID(n),
					"chain_head", g.ID(head),
				)
				continue
			}
			flagged = append(flagged, n)
		}

		found = append(found, Candidate{
			Pattern: domain.PatternShellLayering,
			Members: g.IDs(nodes),
			Score:   ShellScore,
			Tag:     TagShellLayering,
			Flagged: g.IDs(flagged),
		})
	}
	return found
}

// rewind walks backwards from a pass-through account to the first account of
// its run. It reports loop when the walk comes back to where it started; in
// that case every account of the loop is marked visited.
func rewind(g *graph.Graph, v int, visited []bool) (head int, loop bool) {
	seen := map[int]bool{v: true}
	head = v
	for {
		prev, _ := g.Predecessor(head)
		if !g.IsPassThrough(prev) {
			return head, false
		}
		if seen[prev] {
			for u := range seen {
				visited[u] = true
			}
			return head, true
		}
		seen[prev] = true
		head = prev
	}
}
