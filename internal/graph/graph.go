// Package graph builds the directed transaction multigraph analyzed by the engine.
//
// Accounts are stored in an arena and addressed by their index, which is the
// order in which they first appear in the input. Every transaction becomes its
// own edge, so parallel transfers between the same pair of accounts stay
// visible to temporal analysis.
package graph

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Edge is one transaction between two account indices.
type Edge struct {
	From          int
	To            int
	Amount        float64
	Timestamp     time.Time
	TransactionID string
}

// Graph is an immutable directed multigraph of accounts.
type Graph struct {
	ids   []string
	index map[string]int
	edges []Edge
	in    [][]int // edge indices per node
	out   [][]int
	succ  [][]int // distinct successors in first-seen order
}

// Build constructs the graph from transactions in input order.
func Build(txs []domain.Transaction) *Graph {
	g := &Graph{
		index: make(map[string]int),
		edges: make([]Edge, 0, len(txs)),
	}
	seen := make(map[[2]int]struct{}, len(txs))

	for _, tx := range txs {
		from := g.node(tx.SenderID)
		to := g.node(tx.ReceiverID)

		e := len(g.edges)
		g.edges = append(g.edges, Edge{
			From:          from,
			To:            to,
			Amount:        tx.Amount,
			Timestamp:     tx.Timestamp,
			TransactionID: tx.ID,
		})
		g.out[from] = append(g.out[from], e)
		g.in[to] = append(g.in[to], e)

		pair := [2]int{from, to}
		if _, ok := seen[pair]; !ok {
			seen[pair] = struct{}{}
			g.succ[from] = append(g.succ[from], to)
		}
	}
	return g
}

func (g *Graph) node(id string) int {
	if i, ok := g.index[id]; ok {
		return i
	}
	i := len(g.ids)
	g.ids = append(g.ids, id)
	g.index[id] = i
	g.in = append(g.in, nil)
	g.out = append(g.out, nil)
	g.succ = append(g.succ, nil)
	return i
}

// NodeCount returns the number of distinct accounts.
func (g *Graph) NodeCount() int { return len(g.ids) }

// EdgeCount returns the number of transactions.
func (g *Graph) EdgeCount() int { return len(g.edges) }

// ID returns the account identifier of node n.
func (g *Graph) ID(n int) string { return g.ids[n] }

// IDs returns account identifiers for a list of nodes.
func (g *Graph) IDs(nodes []int) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = g.ids[n]
	}
	return out
}

// Index returns the node index of an account.
func (g *Graph) Index(id string) (int, bool) {
	i, ok := g.index[id]
	return i, ok
}

// Edge returns edge e.
func (g *Graph) Edge(e int) Edge { return g.edges[e] }

// InDegree counts incoming transactions, parallel edges included.
func (g *Graph) InDegree(n int) int { return len(g.in[n]) }

// OutDegree counts outgoing transactions, parallel edges included.
func (g *Graph) OutDegree(n int) int { return len(g.out[n]) }

// InEdges returns the indices of incoming edges in input order.
// The returned slice must not be modified.
func (g *Graph) InEdges(n int) []int { return g.in[n] }

// OutEdges returns the indices of outgoing edges in input order.
// The returned slice must not be modified.
func (g *Graph) OutEdges(n int) []int { return g.out[n] }

// Successors returns the distinct accounts n pays, in first-seen order.
// The returned slice must not be modified.
func (g *Graph) Successors(n int) []int { return g.succ[n] }

// IsPassThrough reports whether n has exactly one incoming and one outgoing transaction.
func (g *Graph) IsPassThrough(n int) bool {
	return len(g.in[n]) == 1 && len(g.out[n]) == 1
}

// Predecessor returns the sender of n's first incoming transaction.
func (g *Graph) Predecessor(n int) (int, bool) {
	if len(g.in[n]) == 0 {
		return 0, false
	}
	return g.edges[g.in[n][0]].From, true
}

// Successor returns the receiver of n's first outgoing transaction.
func (g *Graph) Successor(n int) (int, bool) {
	if len(g.out[n]) == 0 {
		return 0, false
	}
	return g.edges[g.out[n][0]].To, true
}
