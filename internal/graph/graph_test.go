package graph

import (
	"fmt"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func tx(id, from, to string, hours int) domain.Transaction {
	return domain.Transaction{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Amount:     100,
		Timestamp:  base.Add(time.Duration(hours) * time.Hour),
	}
}

func TestBuildPreservesParallelEdges(t *testing.T) {
	g := Build([]domain.Transaction{
		tx("t1", "A", "B", 0),
		tx("t2", "A", "B", 1),
		tx("t3", "B", "C", 2),
	})

	if g.NodeCount() != 3 {
		t.Fatalf("expected 3 nodes, got %d", g.NodeCount())
	}
	if g.EdgeCount() != 3 {
		t.Fatalf("expected 3 edges, got %d", g.EdgeCount())
	}

	a, _ := g.Index("A")
	b, _ := g.Index("B")
	if g.OutDegree(a) != 2 {
		t.Errorf("expected out-degree 2 for A, got %d", g.OutDegree(a))
	}
	if g.InDegree(b) != 2 {
		t.Errorf("expected in-degree 2 for B, got %d", g.InDegree(b))
	}
	if len(g.Successors(a)) != 1 {
		t.Errorf("expected 1 distinct successor for A, got %d", len(g.Successors(a)))
	}

	first := g.Edge(g.InEdges(b)[0])
	if first.TransactionID != "t1" {
		t.Errorf("expected first incoming edge t1, got %s", first.TransactionID)
	}
}

func TestBuildFirstAppearanceOrder(t *testing.T) {
	g := Build([]domain.Transaction{
		tx("t1", "Z", "M", 0),
		tx("t2", "A", "Z", 0),
	})

	want := []string{"Z", "M", "A"}
	for i, id := range want {
		if g.ID(i) != id {
			t.Errorf("node %d: expected %s, got %s", i, id, g.ID(i))
		}
	}
	if _, ok := g.Index("missing"); ok {
		t.Error("expected unknown account to be absent")
	}
}

func TestBuildEmpty(t *testing.T) {
	g := Build(nil)
	if g.NodeCount() != 0 || g.EdgeCount() != 0 {
		t.Errorf("expected empty graph, got %d nodes %d edges", g.NodeCount(), g.EdgeCount())
	}
}

func TestPassThroughNeighbours(t *testing.T) {
	g := Build([]domain.Transaction{
		tx("t1", "A", "B", 0),
		tx("t2", "B", "C", 1),
	})
	b, _ := g.Index("B")

	if !g.IsPassThrough(b) {
		t.Fatal("expected B to be pass-through")
	}
	if p, ok := g.Predecessor(b); !ok || g.ID(p) != "A" {
		t.Errorf("expected predecessor A, got %v %v", p, ok)
	}
	if s, ok := g.Successor(b); !ok || g.ID(s) != "C" {
		t.Errorf("expected successor C, got %v %v", s, ok)
	}

	a, _ := g.Index("A")
	if _, ok := g.Predecessor(a); ok {
		t.Error("expected A to have no predecessor")
	}
}

func TestIsLegitimateHighVolume(t *testing.T) {
	tests := []struct {
		name string
		in   int
		out  int
		want bool
	}{
		{"merchant", 80, 2, true},
		{"merchant boundary in", 50, 0, false},
		{"merchant too many payouts", 80, 5, false},
		{"payroll", 2, 60, true},
		{"payroll boundary out", 0, 50, false},
		{"payroll funded too often", 3, 60, false},
		{"ordinary", 4, 4, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var txs []domain.Transaction
			for i := 0; i < tt.in; i++ {
				txs = append(txs, tx(fmt.Sprintf("in-%d", i), fmt.Sprintf("P%d", i), "HUB", 0))
			}
			for i := 0; i < tt.out; i++ {
				txs = append(txs, tx(fmt.Sprintf("out-%d", i), "HUB", fmt.Sprintf("R%d", i), 0))
			}
			if len(txs) == 0 {
				t.Skip("no edges")
			}

			g := Build(txs)
			hub, _ := g.Index("HUB")
			if got := g.IsLegitimateHighVolume(hub); got != tt.want {
				t.Errorf("in=%d out=%d: expected %v, got %v", tt.in, tt.out, tt.want, got)
			}
		})
	}
}

func TestIsLegitimateHighVolumeCountsParallelEdges(t *testing.T) {
	var txs []domain.Transaction
	for i := 0; i < 51; i++ {
		txs = append(txs, tx(fmt.Sprintf("t%d", i), "PAYER", "SHOP", i))
	}
	g := Build(txs)
	shop, _ := g.Index("SHOP")
	if !g.IsLegitimateHighVolume(shop) {
		t.Error("expected 51 transactions from one payer to count as in-degree 51")
	}
}
