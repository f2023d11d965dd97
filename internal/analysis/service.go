// Package analysis runs one end-to-end fraud analysis: engine, triage,
// report, persistence and fan-out of the results.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/graphdb"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/report"
	"github.com/opensource-finance/kestrel/internal/triage"
)

var tracer = otel.Tracer("kestrel-analysis")

var (
	// ErrTimeBudgetExceeded is returned when the engine runs past the
	// configured budget. The engine is not interrupted; its result is dropped.
	ErrTimeBudgetExceeded = errors.New("analysis exceeded time budget")

	// ErrEngineFault is returned when the engine panics. The panic is
	// recovered and logged with its stack.
	ErrEngineFault = errors.New("engine fault")

	// ErrTenantRequired is returned for requests without a tenant.
	ErrTenantRequired = errors.New("tenantID is required")

	// ErrBusUnavailable is returned by Submit when no event bus is wired.
	ErrBusUnavailable = errors.New("event bus not available")
)

// Request is one batch of transactions to analyze.
type Request struct {
	// AnalysisID is generated when empty.
	AnalysisID   string
	TenantID     string
	TraceID      string
	Transactions []domain.Transaction
	Rejected     []domain.RowError

	// Source labels metrics: metrics.SourceSync or metrics.SourceAsync.
	Source string
}

// Options tune the service.
type Options struct {
	TimeBudget time.Duration
	ReportTTL  time.Duration
}

// Deps are the collaborators of a Service. Only Engine is required; every
// other dependency is skipped when nil.
type Deps struct {
	Engine     *engine.Engine
	Triage     *triage.Engine
	Processor  *triage.Processor
	Repository domain.Repository
	Cache      domain.Cache
	Bus        domain.EventBus
	Exporter   *graphdb.Exporter
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Service orchestrates analyses.
type Service struct {
	deps    Deps
	opts    Options
	now     func() time.Time
	analyze func(context.Context, []domain.Transaction) *domain.AnalysisResult
}

// NewService creates a service. A nil logger uses slog.Default, a nil engine
// gets a fresh one and a nil processor uses the default alert threshold.
func NewService(deps Deps, opts Options) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Engine == nil {
		deps.Engine = engine.New(deps.Logger)
	}
	if deps.Processor == nil {
		deps.Processor = triage.NewProcessor(triage.DefaultAlertThreshold)
	}
	return &Service{
		deps:    deps,
		opts:    opts,
		now:     time.Now,
		analyze: deps.Engine.Analyze,
	}
}

// Analyze runs a batch through the pipeline and returns its report. Reports
// are cached per tenant by input digest; a cache hit is returned with Cached
// set. Persistence, events, export and metrics never fail an analysis.
func (s *Service) Analyze(ctx context.Context, req Request) (*domain.Report, error) {
	if req.TenantID == "" {
		return nil, ErrTenantRequired
	}
	if req.Source == "" {
		req.Source = metrics.SourceSync
	}

	ctx, span := tracer.Start(ctx, "analysis.Analyze",
		trace.WithAttributes(
			attribute.String("tenant.id", req.TenantID),
			attribute.Int("transactions", len(req.Transactions)),
		),
	)
	defer span.End()

	digest := ingest.Digest(req.Transactions, len(req.Rejected))
	cacheKey := s.cacheKey(digest)
	if cached := s.lookup(ctx, req.TenantID, cacheKey); cached != nil {
		cached.Cached = true
		span.SetAttributes(attribute.Bool("cache.hit", true))
		s.deps.Metrics.ObserveAnalysis(cached, metrics.SourceCache, 0)

		// A queued request was promised its own ID; store the cached result there.
		if req.AnalysisID != "" && req.AnalysisID != cached.AnalysisID {
			cached.AnalysisID = req.AnalysisID
			cached.CreatedAt = s.now().UTC()
			s.save(ctx, cached)
		}
		return cached, nil
	}

	analysisID := req.AnalysisID
	if analysisID == "" {
		analysisID = uuid.New().String()
	}

	start := s.now()
	result, err := s.runEngine(ctx, req.Transactions)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine failed")
		s.deps.Logger.Error("analysis failed",
			"analysis_id", analysisID,
			"tenant_id", req.TenantID,
			"error", err,
		)
		return nil, err
	}
	elapsed := s.now().Sub(start)

	rep := report.Build(req.Transactions, result, len(req.Rejected), elapsed)
	rep.AnalysisID = analysisID
	rep.TenantID = req.TenantID
	rep.Digest = digest
	rep.CreatedAt = s.now().UTC()

	var decisions []domain.RingDecision
	if s.deps.Triage != nil && len(rep.FraudRings) > 0 {
		decisions = s.deps.Triage.EvaluateRings(ctx, rep.FraudRings)
	}
	decision := s.deps.Processor.Decide(rep.FraudRings, decisions)
	rep.Status = decision.Status
	rep.Reasons = decision.Reasons
	rep.RingDecisions = decisions

	span.SetAttributes(
		attribute.String("analysis.id", analysisID),
		attribute.String("analysis.status", rep.Status),
		attribute.Int("rings", len(rep.FraudRings)),
	)

	s.persist(ctx, rep, cacheKey)
	s.publish(ctx, rep)
	s.export(ctx, rep)
	s.deps.Metrics.ObserveAnalysis(rep, req.Source, elapsed)

	s.deps.Logger.Info("analysis complete",
		"analysis_id", analysisID,
		"tenant_id", req.TenantID,
		"trace_id", req.TraceID,
		"status", rep.Status,
		"accounts", rep.Summary.TotalAccountsAnalyzed,
		"transactions", rep.Summary.TransactionsAnalyzed,
		"flagged", rep.Summary.SuspiciousAccountsFlagged,
		"rings", rep.Summary.FraudRingsDetected,
		"rows_rejected", rep.Summary.RowsRejected,
		"duration_ms", elapsed.Milliseconds(),
	)

	return rep, nil
}

// Submit queues a batch for the asynchronous worker and returns the analysis
// ID under which the report will be stored.
func (s *Service) Submit(ctx context.Context, req Request) (string, error) {
	if req.TenantID == "" {
		return "", ErrTenantRequired
	}
	if s.deps.Bus == nil {
		return "", ErrBusUnavailable
	}

	analysisID := req.AnalysisID
	if analysisID == "" {
		analysisID = uuid.New().String()
	}

	payload, err := json.Marshal(domain.AnalysisMessage{
		AnalysisID:   analysisID,
		TenantID:     req.TenantID,
		TraceID:      req.TraceID,
		Transactions: req.Transactions,
		Rejected:     req.Rejected,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	if err := s.deps.Bus.Publish(ctx, req.TenantID, domain.TopicAnalysisRequested, payload); err != nil {
		return "", fmt.Errorf("failed to queue analysis: %w", err)
	}

	s.deps.Logger.Info("analysis queued",
		"analysis_id", analysisID,
		"tenant_id", req.TenantID,
		"transactions", len(req.Transactions),
	)
	return analysisID, nil
}

// runEngine applies the time budget around the engine call.
func (s *Service) runEngine(ctx context.Context, txs []domain.Transaction) (*domain.AnalysisResult, error) {
	budget := s.opts.TimeBudget
	if budget <= 0 {
		return s.safeAnalyze(ctx, txs)
	}

	type outcome struct {
		res *domain.AnalysisResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.safeAnalyze(ctx, txs)
		done <- outcome{res: res, err: err}
	}()

	timer := time.NewTimer(budget)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.res, out.err
	case <-timer.C:
		return nil, fmt.Errorf("%w (%s)", ErrTimeBudgetExceeded, budget)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// safeAnalyze turns an engine panic into ErrEngineFault.
func (s *Service) safeAnalyze(ctx context.Context, txs []domain.Transaction) (res *domain.AnalysisResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.deps.Logger.Error("engine panic",
				"panic", rec,
				"transactions", len(txs),
				"stack", string(debug.Stack()),
			)
			res, err = nil, fmt.Errorf("%w: %v", ErrEngineFault, rec)
		}
	}()
	return s.analyze(ctx, txs), nil
}

// cacheKey ties a cached report to the triage rule set that decided it.
func (s *Service) cacheKey(digest string) string {
	if s.deps.Triage == nil {
		return digest
	}
	return digest + ":r" + strconv.FormatUint(s.deps.Triage.Generation(), 10)
}

func (s *Service) lookup(ctx context.Context, tenantID, key string) *domain.Report {
	if s.deps.Cache == nil {
		return nil
	}
	cached, err := s.deps.Cache.GetReport(ctx, tenantID, key)
	if err != nil {
		s.deps.Logger.Warn("report cache lookup failed", "tenant_id", tenantID, "error", err)
		return nil
	}
	return cached
}

func (s *Service) save(ctx context.Context, rep *domain.Report) {
	if s.deps.Repository == nil {
		return
	}
	if err := s.deps.Repository.SaveReport(ctx, rep.TenantID, rep); err != nil {
		s.deps.Logger.Error("failed to save report", "analysis_id", rep.AnalysisID, "error", err)
	}
}

func (s *Service) persist(ctx context.Context, rep *domain.Report, cacheKey string) {
	s.save(ctx, rep)
	if s.deps.Cache != nil {
		if err := s.deps.Cache.SetReport(ctx, rep.TenantID, cacheKey, rep, s.opts.ReportTTL); err != nil {
			s.deps.Logger.Warn("failed to cache report", "analysis_id", rep.AnalysisID, "error", err)
		}
	}
}

func (s *Service) publish(ctx context.Context, rep *domain.Report) {
	if s.deps.Bus == nil {
		return
	}

	send := func(topic string, v any) {
		payload, err := json.Marshal(v)
		if err == nil {
			err = s.deps.Bus.Publish(ctx, rep.TenantID, topic, payload)
		}
		if err != nil {
			s.deps.Logger.Warn("failed to publish event",
				"topic", topic,
				"analysis_id", rep.AnalysisID,
				"error", err,
			)
		}
	}

	summary := domain.ReportSummary{
		AnalysisID: rep.AnalysisID,
		Status:     rep.Status,
		Digest:     rep.Digest,
		Summary:    rep.Summary,
		CreatedAt:  rep.CreatedAt,
	}
	send(domain.TopicAnalysisCompleted, summary)

	for _, ring := range rep.FraudRings {
		send(domain.TopicRingDetected, domain.RingEvent{
			AnalysisID: rep.AnalysisID,
			TenantID:   rep.TenantID,
			Ring:       ring,
		})
	}

	if rep.Status == domain.StatusAlert {
		send(domain.TopicAlert, summary)
	}
}

func (s *Service) export(ctx context.Context, rep *domain.Report) {
	if s.deps.Exporter == nil {
		return
	}
	if _, err := s.deps.Exporter.Export(ctx, rep); err != nil {
		s.deps.Logger.Error("graph export failed", "analysis_id", rep.AnalysisID, "error", err)
	}
}
