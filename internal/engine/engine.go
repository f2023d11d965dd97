// Package engine runs the forensic graph analysis: it builds the transaction
// graph, runs every detector over it and merges the findings.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
)

var tracer = otel.Tracer("kestrel-engine")

// Engine is stateless between calls and safe for concurrent use.
type Engine struct {
	logger *slog.Logger
}

// New creates an engine. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger}
}

// pass is one detector run over the shared graph.
type pass struct {
	name string
	run  func(*graph.Graph) []detect.Candidate
}

// Analyze runs all detectors over the transactions. The output depends only on
// the input: detectors run in parallel on the immutable graph, then their
// candidates are merged sequentially in the order cycles, fan-in, fan-out,
// shell chains. The context only carries tracing; analysis is not cancellable.
func (e *Engine) Analyze(ctx context.Context, txs []domain.Transaction) *domain.AnalysisResult {
	ctx, span := tracer.Start(ctx, "engine.Analyze",
		trace.WithAttributes(attribute.Int("transactions", len(txs))),
	)
	defer span.End()

	g := graph.Build(txs)

	passes := []pass{
		{"cycles", detect.Cycles},
		{"fan_in", detect.FanIn},
		{"fan_out", detect.FanOut},
		{"shell_chains", func(g *graph.Graph) []detect.Candidate {
			return detect.ShellChains(g, e.logger)
		}},
	}

	results := make([][]detect.Candidate, len(passes))
	var wg sync.WaitGroup
	for i, p := range passes {
		wg.Add(1)
		go func(i int, p pass) {
			defer wg.Done()
			_, ps := tracer.Start(ctx, "detect."+p.name)
			results[i] = p.run(g)
			ps.SetAttributes(attribute.Int("candidates", len(results[i])))
			ps.End()
		}(i, p)
	}
	wg.Wait()

	agg := NewAggregator()
	for _, candidates := range results {
		for _, c := range candidates {
			agg.AddRing(c)
		}
	}
	result := agg.Result()

	span.SetAttributes(
		attribute.Int("accounts", g.NodeCount()),
		attribute.Int("rings", len(result.FraudRings)),
	)
	e.logger.Debug("analysis complete",
		"accounts", g.NodeCount(),
		"transactions", g.EdgeCount(),
		"rings", len(result.FraudRings),
		"flagged", len(result.SuspiciousAccounts),
	)
	return result
}
