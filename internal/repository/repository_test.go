package repository

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()
	cfg := domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	}
	repo, err := New(cfg)
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func sampleReport(id string, created time.Time) *domain.Report {
	return &domain.Report{
		AnalysisID: id,
		TenantID:   "tenant-001",
		Digest:     "digest-" + id,
		Status:     domain.StatusAlert,
		CreatedAt:  created,
		SuspiciousAccounts: []domain.SuspiciousAccount{
			{AccountID: "A", SuspicionScore: 98.5, DetectedPatterns: []string{"cycle_length_3"}, RingID: "RING_001"},
		},
		FraudRings: []domain.FraudRing{
			{RingID: "RING_001", MemberAccounts: []string{"A", "B", "C"}, PatternType: domain.PatternCycle, RiskScore: 98.5},
		},
		Summary: domain.Summary{
			TotalAccountsAnalyzed:     3,
			TransactionsAnalyzed:      3,
			SuspiciousAccountsFlagged: 1,
			FraudRingsDetected:        1,
			ProcessingTimeSeconds:     0.012,
		},
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetReport", func(t *testing.T) {
		report := sampleReport("an-001", time.Now().UTC())
		if err := repo.SaveReport(ctx, tenantID, report); err != nil {
			t.Fatalf("SaveReport failed: %v", err)
		}

		got, err := repo.GetReport(ctx, tenantID, "an-001")
		if err != nil {
			t.Fatalf("GetReport failed: %v", err)
		}
		if got.Digest != report.Digest || got.Status != domain.StatusAlert {
			t.Errorf("unexpected report %+v", got)
		}
		if len(got.FraudRings) != 1 || got.FraudRings[0].PatternType != domain.PatternCycle {
			t.Errorf("expected ring to round-trip, got %+v", got.FraudRings)
		}
	})

	t.Run("SaveReportTwiceReplaces", func(t *testing.T) {
		report := sampleReport("an-001", time.Now().UTC())
		report.Status = domain.StatusNoAlert
		if err := repo.SaveReport(ctx, tenantID, report); err != nil {
			t.Fatalf("SaveReport failed: %v", err)
		}
		got, _ := repo.GetReport(ctx, tenantID, "an-001")
		if got.Status != domain.StatusNoAlert {
			t.Errorf("expected replaced status, got %s", got.Status)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		_, err := repo.GetReport(ctx, "tenant-002", "an-001")
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound for other tenant, got %v", err)
		}
	})

	t.Run("EmptyTenantRejected", func(t *testing.T) {
		if err := repo.SaveReport(ctx, "", sampleReport("x", time.Now())); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
		if _, err := repo.ListTriageRules(ctx, ""); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput, got %v", err)
		}
	})

	t.Run("ListReports", func(t *testing.T) {
		base := time.Now().UTC().Add(time.Hour)
		for i, id := range []string{"an-010", "an-011", "an-012"} {
			if err := repo.SaveReport(ctx, tenantID, sampleReport(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
				t.Fatalf("SaveReport failed: %v", err)
			}
		}

		list, err := repo.ListReports(ctx, tenantID, 2)
		if err != nil {
			t.Fatalf("ListReports failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 summaries, got %d", len(list))
		}
		if list[0].AnalysisID != "an-012" || list[1].AnalysisID != "an-011" {
			t.Errorf("expected newest first, got %s, %s", list[0].AnalysisID, list[1].AnalysisID)
		}
		if list[0].Summary.FraudRingsDetected != 1 {
			t.Errorf("unexpected summary %+v", list[0].Summary)
		}

		empty, err := repo.ListReports(ctx, "tenant-none", 0)
		if err != nil || len(empty) != 0 {
			t.Errorf("expected empty list, got %v, %v", empty, err)
		}
	})
}

func TestTriageRules(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	tenantID := "tenant-001"
	limit := 90.0

	rule := &domain.TriageRule{
		ID:         "cycle-fail",
		Name:       "Cycles fail",
		Expression: `pattern_type == "cycle"`,
		Bands:      []domain.TriageBand{{LowerLimit: &limit, Outcome: domain.OutcomeFail, Reason: "cycle"}},
		Enabled:    true,
	}

	t.Run("SaveAndGet", func(t *testing.T) {
		if err := repo.SaveTriageRule(ctx, tenantID, rule); err != nil {
			t.Fatalf("SaveTriageRule failed: %v", err)
		}
		got, err := repo.GetTriageRule(ctx, tenantID, "cycle-fail")
		if err != nil {
			t.Fatalf("GetTriageRule failed: %v", err)
		}
		if got.Expression != rule.Expression || got.Version != "1.0.0" {
			t.Errorf("unexpected rule %+v", got)
		}
		if len(got.Bands) != 1 || *got.Bands[0].LowerLimit != 90 {
			t.Errorf("expected bands to round-trip, got %+v", got.Bands)
		}
	})

	t.Run("Update", func(t *testing.T) {
		updated := *rule
		updated.Name = "Cycles always fail"
		if err := repo.SaveTriageRule(ctx, tenantID, &updated); err != nil {
			t.Fatalf("SaveTriageRule failed: %v", err)
		}
		rules, err := repo.ListTriageRules(ctx, tenantID)
		if err != nil {
			t.Fatalf("ListTriageRules failed: %v", err)
		}
		if len(rules) != 1 || rules[0].Name != "Cycles always fail" {
			t.Errorf("expected single updated rule, got %+v", rules)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if err := repo.DeleteTriageRule(ctx, tenantID, "cycle-fail"); err != nil {
			t.Fatalf("DeleteTriageRule failed: %v", err)
		}
		if _, err := repo.GetTriageRule(ctx, tenantID, "cycle-fail"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound after delete, got %v", err)
		}
		if err := repo.DeleteTriageRule(ctx, tenantID, "cycle-fail"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestInMemorySQLite(t *testing.T) {
	repo, err := New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: MemoryPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	if err := repo.SaveReport(context.Background(), "t", sampleReport("mem-1", time.Now().UTC())); err != nil {
		t.Fatalf("SaveReport failed: %v", err)
	}
	if _, err := repo.GetReport(context.Background(), "t", "mem-1"); err != nil {
		t.Errorf("GetReport failed: %v", err)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	if got := pg.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Errorf("unexpected rebind %q", got)
	}
	lite := &SQLRepository{driver: "sqlite"}
	if got := lite.rebind("a = ?"); got != "a = ?" {
		t.Errorf("expected sqlite query unchanged, got %q", got)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "app", PostgresPassword: "s3cret pass"})
	for _, want := range []string{"host=localhost", "port=5432", "dbname=kestrel", "sslmode=disable", "user=app", "password='s3cret pass'"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("expected %q in %q", want, dsn)
		}
	}
}

func TestMigrationsRecordedOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "migrate.db")
	cfg := domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path}

	for i := 0; i < 2; i++ {
		repo, err := New(cfg)
		if err != nil {
			t.Fatalf("open %d failed: %v", i, err)
		}
		sqlRepo := repo.(*SQLRepository)
		v, err := sqlRepo.SchemaVersion(context.Background())
		if err != nil {
			t.Fatalf("SchemaVersion failed: %v", err)
		}
		if v != len(migrations) {
			t.Errorf("open %d: expected schema version %d, got %d", i, len(migrations), v)
		}

		var rows int
		if err := sqlRepo.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&rows); err != nil {
			t.Fatalf("count failed: %v", err)
		}
		if rows != len(migrations) {
			t.Errorf("open %d: expected %d migration rows, got %d", i, len(migrations), rows)
		}
		repo.Close()
	}
}
