package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/analysis"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// recorder is an Analyzer that remembers requests.
type recorder struct {
	mu   sync.Mutex
	reqs []analysis.Request
	err  error
}

func (r *recorder) Analyze(_ context.Context, req analysis.Request) (*domain.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reqs = append(r.reqs, req)
	if r.err != nil {
		return nil, r.err
	}
	return &domain.Report{AnalysisID: req.AnalysisID, TenantID: req.TenantID, Status: domain.StatusNoAlert}, nil
}

func (r *recorder) requests() []analysis.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]analysis.Request(nil), r.reqs...)
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func publish(t *testing.T, b domain.EventBus, tenantID string, msg domain.AnalysisMessage) {
	t.Helper()
	payload, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(context.Background(), tenantID, domain.TopicAnalysisRequested, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	t.Run("StartAndStop", func(t *testing.T) {
		w := NewWorker(eventBus, &recorder{}, nil)
		if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 || stats.Topics[0] != domain.TopicAnalysisRequested {
			t.Errorf("unexpected stats %+v", stats)
		}

		if err := w.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected no subscriptions after stop")
		}
	})

	t.Run("ProcessAnalysis", func(t *testing.T) {
		rec := &recorder{}
		w := NewWorker(eventBus, rec, nil)
		_ = w.Start(Config{TenantIDs: []string{"tenant-001"}})
		defer w.Stop()

		publish(t, eventBus, "tenant-001", domain.AnalysisMessage{
			AnalysisID: "an-42",
			TenantID:   "tenant-001",
			TraceID:    "trace-42",
			Transactions: []domain.Transaction{
				{ID: "T1", SenderID: "A", ReceiverID: "B", Amount: 1, Timestamp: time.Now()},
			},
			Rejected: []domain.RowError{{Line: 3, Reason: "bad amount"}},
		})

		eventually(t, func() bool { return len(rec.requests()) == 1 })

		req := rec.requests()[0]
		if req.AnalysisID != "an-42" || req.TenantID != "tenant-001" || req.TraceID != "trace-42" {
			t.Errorf("unexpected request %+v", req)
		}
		if len(req.Transactions) != 1 || len(req.Rejected) != 1 {
			t.Errorf("payload not forwarded: %+v", req)
		}
		if req.Source != metrics.SourceAsync {
			t.Errorf("expected async source, got %s", req.Source)
		}
		eventually(t, func() bool { return w.GetStats().Processed == 1 })
	})

	t.Run("TraceFallsBackToMessageID", func(t *testing.T) {
		rec := &recorder{}
		w := NewWorker(eventBus, rec, nil)
		_ = w.Start(Config{TenantIDs: []string{"tenant-trace"}})
		defer w.Stop()

		publish(t, eventBus, "tenant-trace", domain.AnalysisMessage{AnalysisID: "x"})
		eventually(t, func() bool { return len(rec.requests()) == 1 })

		req := rec.requests()[0]
		if req.TraceID == "" {
			t.Error("expected trace ID from message envelope")
		}
		if req.TenantID != "tenant-trace" {
			t.Errorf("expected envelope tenant, got %s", req.TenantID)
		}
	})

	t.Run("MultiTenant", func(t *testing.T) {
		rec := &recorder{}
		w := NewWorker(eventBus, rec, nil)
		_ = w.Start(Config{TenantIDs: []string{"tenant-a", "tenant-b"}})
		defer w.Stop()

		if w.GetStats().SubscriptionCount != 2 {
			t.Fatalf("expected 2 subscriptions, got %d", w.GetStats().SubscriptionCount)
		}

		publish(t, eventBus, "tenant-a", domain.AnalysisMessage{AnalysisID: "a", TenantID: "tenant-a"})
		publish(t, eventBus, "tenant-b", domain.AnalysisMessage{AnalysisID: "b", TenantID: "tenant-b"})
		publish(t, eventBus, "tenant-c", domain.AnalysisMessage{AnalysisID: "c", TenantID: "tenant-c"})

		eventually(t, func() bool { return len(rec.requests()) == 2 })
		time.Sleep(20 * time.Millisecond)
		if n := len(rec.requests()); n != 2 {
			t.Errorf("unsubscribed tenant was processed, got %d requests", n)
		}
	})

	t.Run("Global", func(t *testing.T) {
		rec := &recorder{}
		w := NewWorker(eventBus, rec, nil)
		_ = w.Start(Config{})
		defer w.Stop()

		publish(t, eventBus, GlobalTenantID, domain.AnalysisMessage{AnalysisID: "g", TenantID: "tenant-real"})
		eventually(t, func() bool { return len(rec.requests()) == 1 })

		if got := rec.requests()[0].TenantID; got != "tenant-real" {
			t.Errorf("message tenant should win, got %s", got)
		}
	})

	t.Run("Failures", func(t *testing.T) {
		rec := &recorder{err: errors.New("boom")}
		w := NewWorker(eventBus, rec, nil)
		_ = w.Start(Config{TenantIDs: []string{"tenant-fail"}})
		defer w.Stop()

		publish(t, eventBus, "tenant-fail", domain.AnalysisMessage{AnalysisID: "f"})
		_ = eventBus.Publish(context.Background(), "tenant-fail", domain.TopicAnalysisRequested, []byte("{not json"))

		eventually(t, func() bool { return w.GetStats().Failed == 2 })
		if w.GetStats().Processed != 0 {
			t.Errorf("expected no successes, got %d", w.GetStats().Processed)
		}
	})
}

func TestWorkerStartFailsWithoutSubscriptions(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	_ = eventBus.Close()

	w := NewWorker(eventBus, &recorder{}, nil)
	if err := w.Start(Config{TenantIDs: []string{"t"}}); err == nil {
		t.Error("expected error when no subscription succeeds")
	}
}

func TestWorkerEndToEnd(t *testing.T) {
	eventBus := bus.NewChannelBus(10)
	defer eventBus.Close()

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: repository.MemoryPath})
	if err != nil {
		t.Fatalf("repository: %v", err)
	}
	defer repo.Close()

	svc := analysis.NewService(analysis.Deps{Repository: repo, Bus: eventBus}, analysis.Options{TimeBudget: 5 * time.Second})
	w := NewWorker(eventBus, svc, nil)
	if err := w.Start(Config{TenantIDs: []string{"tenant-001"}}); err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	id, err := svc.Submit(context.Background(), analysis.Request{
		TenantID: "tenant-001",
		Transactions: []domain.Transaction{
			{ID: "T1", SenderID: "A", ReceiverID: "B", Amount: 100, Timestamp: base},
			{ID: "T2", SenderID: "B", ReceiverID: "C", Amount: 100, Timestamp: base.Add(time.Hour)},
			{ID: "T3", SenderID: "C", ReceiverID: "A", Amount: 100, Timestamp: base.Add(2 * time.Hour)},
		},
	})
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	var rep *domain.Report
	eventually(t, func() bool {
		rep, err = repo.GetReport(context.Background(), "tenant-001", id)
		return err == nil
	})
	if rep.Status != domain.StatusAlert || len(rep.FraudRings) != 1 {
		t.Errorf("unexpected stored report %+v", rep)
	}
}
