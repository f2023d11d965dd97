// Package worker runs queued analyses from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// GlobalTenantID subscribes to messages published without a tenant split.
const GlobalTenantID = "_global"

// Analyzer runs one analysis.
type Analyzer interface {
	Analyze(ctx context.Context, req analysis.Request) (*domain.Report, error)
}

// Worker consumes analysis requests from the EventBus.
type Worker struct {
	bus      domain.EventBus
	analyzer Analyzer
	logger   *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs to consume for. Empty subscribes GlobalTenantID only.
	TenantIDs []string
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, analyzer Analyzer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:      bus,
		analyzer: analyzer,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start subscribes for every configured tenant. A tenant that fails to
// subscribe is logged and skipped; Start fails only if none succeed.
func (w *Worker) Start(cfg Config) error {
	tenants := cfg.TenantIDs
	if len(tenants) == 0 {
		tenants = []string{GlobalTenantID}
	}

	started := 0
	for _, tenantID := range tenants {
		sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicAnalysisRequested, w.handleMessage)
		if err != nil {
			w.logger.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
		w.mu.Lock()
		w.subscriptions = append(w.subscriptions, sub)
		w.mu.Unlock()
		started++
	}

	if started == 0 {
		return fmt.Errorf("worker could not subscribe for any of %d tenants", len(tenants))
	}

	w.logger.Info("workers started",
		"tenant_count", started,
		"topic", domain.TopicAnalysisRequested,
	)
	return nil
}

func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	if err := w.process(ctx, msg); err != nil {
		w.failed.Add(1)
		return err
	}
	w.processed.Add(1)
	return nil
}

// process decodes an AnalysisMessage and runs it. The message tenant wins
// over the envelope tenant so global subscriptions keep tenants apart.
func (w *Worker) process(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var req domain.AnalysisMessage
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.logger.Error("failed to parse analysis message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = msg.TenantID
	}
	traceID := req.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	w.logger.Debug("processing analysis",
		"analysis_id", req.AnalysisID,
		"tenant_id", tenantID,
		"trace_id", traceID,
		"transactions", len(req.Transactions),
	)

	rep, err := w.analyzer.Analyze(ctx, analysis.Request{
		AnalysisID:   req.AnalysisID,
		TenantID:     tenantID,
		TraceID:      traceID,
		Transactions: req.Transactions,
		Rejected:     req.Rejected,
		Source:       metrics.SourceAsync,
	})
	if err != nil {
		w.logger.Error("async analysis failed",
			"analysis_id", req.AnalysisID,
			"tenant_id", tenantID,
			"error", err,
		)
		return err
	}

	w.logger.Info("async analysis processed",
		"analysis_id", rep.AnalysisID,
		"tenant_id", tenantID,
		"status", rep.Status,
		"cached", rep.Cached,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight analyses.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	w.logger.Info("workers stopped")
	return nil
}

// Stats is a snapshot of worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscription_count"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Failed:            w.failed.Load(),
	}
}
