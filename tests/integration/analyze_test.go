//go:build integration
// +build integration

// Package integration provides end-to-end tests against a running Kestrel
// server.
//
// Each test uploads a CSV batch to POST /analyze and checks the detected
// rings and flagged accounts:
//
//	CSV → ingest → graph → detectors → aggregator → report
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// The server must be started with no triage rules loaded so the report
// status follows the default alert threshold (65.0).
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: fmt.Sprintf("it-%d", time.Now().UnixNano()),
	}
}

// ============================================================================
// API Response Types (matching Kestrel's API contract)
// ============================================================================

type Report struct {
	AnalysisID         string              `json:"analysis_id"`
	TenantID           string              `json:"tenant_id"`
	Status             string              `json:"status"`
	Cached             bool                `json:"cached"`
	SuspiciousAccounts []SuspiciousAccount `json:"suspicious_accounts"`
	FraudRings         []FraudRing         `json:"fraud_rings"`
	Graph              struct {
		Nodes []json.RawMessage `json:"nodes"`
		Edges []json.RawMessage `json:"edges"`
	} `json:"graph"`
	Summary struct {
		TotalAccountsAnalyzed int `json:"total_accounts_analyzed"`
		TransactionsAnalyzed  int `json:"transactions_analyzed"`
		RowsRejected          int `json:"rows_rejected"`
	} `json:"summary"`
}

type SuspiciousAccount struct {
	AccountID        string   `json:"account_id"`
	SuspicionScore   float64  `json:"suspicion_score"`
	DetectedPatterns []string `json:"detected_patterns"`
	RingID           string   `json:"ring_id"`
}

type FraudRing struct {
	RingID         string   `json:"ring_id"`
	MemberAccounts []string `json:"member_accounts"`
	PatternType    string   `json:"pattern_type"`
	RiskScore      float64  `json:"risk_score"`
}

// ============================================================================
// Test Helper Functions
// ============================================================================

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// batch builds a CSV body. Each row is sender, receiver, hours after base.
type row struct {
	from, to string
	hours    float64
}

func batch(rows []row) string {
	var sb strings.Builder
	sb.WriteString("transaction_id,sender_id,receiver_id,amount,timestamp\n")
	for i, r := range rows {
		ts := base.Add(time.Duration(r.hours * float64(time.Hour)))
		fmt.Fprintf(&sb, "TX%04d,%s,%s,%d.00,%s\n", i+1, r.from, r.to, 100+i, ts.Format(time.RFC3339))
	}
	return sb.String()
}

func post(t *testing.T, config TestConfig, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()

	httpReq, err := http.NewRequest(http.MethodPost, config.BaseURL+"/analyze", body)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(httpReq)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp, respBody
}

func analyze(t *testing.T, config TestConfig, csvBody string) Report {
	t.Helper()

	resp, body := post(t, config, "text/csv", strings.NewReader(csvBody))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}

	var report Report
	if err := json.Unmarshal(body, &report); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return report
}

func account(r Report, id string) (SuspiciousAccount, bool) {
	for _, a := range r.SuspiciousAccounts {
		if a.AccountID == id {
			return a, true
		}
	}
	return SuspiciousAccount{}, false
}

// ============================================================================
// SCENARIO A: Three-account cycle
// ============================================================================

func TestTriangleCycle_Alert(t *testing.T) {
	config := getTestConfig()

	report := analyze(t, config, batch([]row{
		{"A", "B", 0}, {"B", "C", 1}, {"C", "A", 2},
	}))

	if len(report.FraudRings) != 1 {
		t.Fatalf("Expected 1 ring, got %d: %+v", len(report.FraudRings), report.FraudRings)
	}
	ring := report.FraudRings[0]
	if ring.PatternType != "cycle" || ring.RiskScore != 98.5 || ring.RingID != "RING_001" {
		t.Errorf("Unexpected ring %+v", ring)
	}
	for _, id := range []string{"A", "B", "C"} {
		acc, ok := account(report, id)
		if !ok {
			t.Errorf("Expected %s flagged", id)
			continue
		}
		if acc.SuspicionScore != 98.5 || acc.RingID != "RING_001" {
			t.Errorf("Unexpected finding for %s: %+v", id, acc)
		}
	}
	if report.Status != "ALRT" {
		t.Errorf("Expected ALRT, got %s", report.Status)
	}

	t.Logf("✓ Cycle detected: %s", report.AnalysisID)
}

// ============================================================================
// SCENARIO B: Fan-in smurfing
// ============================================================================

func TestFanInSmurfing_Alert(t *testing.T) {
	config := getTestConfig()

	var rows []row
	for i := range 12 {
		rows = append(rows, row{fmt.Sprintf("S%02d", i), "HUB", float64(i) * 0.8})
	}
	report := analyze(t, config, batch(rows))

	if len(report.FraudRings) != 1 {
		t.Fatalf("Expected 1 ring, got %d", len(report.FraudRings))
	}
	ring := report.FraudRings[0]
	if ring.PatternType != "smurfing_fan_in" {
		t.Errorf("Expected smurfing_fan_in, got %s", ring.PatternType)
	}
	if ring.RiskScore != 87.4 {
		t.Errorf("Expected score 87.4, got %v", ring.RiskScore)
	}
	if len(ring.MemberAccounts) != 13 {
		t.Errorf("Expected 13 members, got %d", len(ring.MemberAccounts))
	}
	if len(report.SuspiciousAccounts) != 1 || report.SuspiciousAccounts[0].AccountID != "HUB" {
		t.Errorf("Expected only the hub flagged, got %+v", report.SuspiciousAccounts)
	}
}

func TestFanInOutsideWindow_NoAlert(t *testing.T) {
	config := getTestConfig()

	var rows []row
	for i := range 11 {
		rows = append(rows, row{fmt.Sprintf("S%02d", i), "HUB", float64(i) * 7.3})
	}
	report := analyze(t, config, batch(rows))

	if len(report.FraudRings) != 0 {
		t.Errorf("Expected no rings for a 73h spread, got %+v", report.FraudRings)
	}
	if report.Status != "NALT" {
		t.Errorf("Expected NALT, got %s", report.Status)
	}
}

// ============================================================================
// SCENARIO C: Merchant inside a cycle
// ============================================================================

func TestMerchantCycle_Suppressed(t *testing.T) {
	config := getTestConfig()

	rows := []row{{"A", "SHOP", 0}, {"SHOP", "B", 1}, {"B", "A", 2}, {"SHOP", "X", 3}}
	for i := range 79 {
		rows = append(rows, row{fmt.Sprintf("CUST%02d", i), "SHOP", 4 + float64(i)})
	}
	report := analyze(t, config, batch(rows))

	for _, ring := range report.FraudRings {
		if ring.PatternType == "cycle" {
			t.Errorf("Expected cycle through merchant suppressed, got %+v", ring)
		}
	}
	if _, ok := account(report, "SHOP"); ok {
		t.Error("Merchant must not be flagged")
	}
}

// ============================================================================
// SCENARIO D: Shell layering chain
// ============================================================================

func TestShellChain_Alert(t *testing.T) {
	config := getTestConfig()

	report := analyze(t, config, batch([]row{
		{"A", "B", 0}, {"B", "C", 1}, {"C", "D", 2}, {"D", "E", 3},
	}))

	if len(report.FraudRings) != 1 {
		t.Fatalf("Expected 1 ring, got %d", len(report.FraudRings))
	}
	ring := report.FraudRings[0]
	if ring.PatternType != "shell_layering" || ring.RiskScore != 65.0 {
		t.Errorf("Unexpected ring %+v", ring)
	}
	if len(ring.MemberAccounts) != 5 {
		t.Errorf("Expected 5 members, got %v", ring.MemberAccounts)
	}
	if len(report.SuspiciousAccounts) != 5 {
		t.Errorf("Expected 5 flagged accounts, got %d", len(report.SuspiciousAccounts))
	}
}

// ============================================================================
// SCENARIO E: Header only
// ============================================================================

func TestHeaderOnly_Empty(t *testing.T) {
	config := getTestConfig()

	report := analyze(t, config, "transaction_id,sender_id,receiver_id,amount,timestamp\n")

	if len(report.FraudRings) != 0 || len(report.SuspiciousAccounts) != 0 {
		t.Errorf("Expected empty outputs, got %+v", report)
	}
	if report.Status != "NALT" {
		t.Errorf("Expected NALT, got %s", report.Status)
	}
}

// ============================================================================
// Input handling
// ============================================================================

func TestMultipartUpload(t *testing.T) {
	config := getTestConfig()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "batch.csv")
	fw.Write([]byte(batch([]row{{"A", "B", 0}, {"B", "C", 1}, {"C", "A", 2}})))
	mw.Close()

	resp, body := post(t, config, mw.FormDataContentType(), &buf)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, string(body))
	}
}

func TestNonCSV_Error(t *testing.T) {
	config := getTestConfig()

	resp, _ := post(t, config, "application/json", strings.NewReader(`{"transactions":[]}`))
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-CSV input, got %d", resp.StatusCode)
	}
}

func TestMalformedRows_Rejected(t *testing.T) {
	config := getTestConfig()

	csvBody := batch([]row{{"A", "B", 0}}) + "TX9999,C,D,not-a-number,2026-03-01T09:00:00Z\n"
	report := analyze(t, config, csvBody)

	if report.Summary.RowsRejected != 1 {
		t.Errorf("Expected 1 rejected row, got %d", report.Summary.RowsRejected)
	}
	if report.Summary.TransactionsAnalyzed != 1 {
		t.Errorf("Expected 1 analyzed transaction, got %d", report.Summary.TransactionsAnalyzed)
	}
}

// ============================================================================
// Persistence and caching
// ============================================================================

func TestReportPersistedAndCached(t *testing.T) {
	config := getTestConfig()
	csvBody := batch([]row{{"A", "B", 0}, {"B", "C", 1}, {"C", "A", 2}})

	first := analyze(t, config, csvBody)
	second := analyze(t, config, csvBody)
	if !second.Cached {
		t.Error("Expected resubmission to be served from cache")
	}
	if second.AnalysisID != first.AnalysisID {
		t.Errorf("Expected cached analysis %s, got %s", first.AnalysisID, second.AnalysisID)
	}

	req, _ := http.NewRequest(http.MethodGet, config.BaseURL+"/analyses/"+first.AnalysisID, nil)
	req.Header.Set("X-Tenant-ID", config.TenantID)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected stored report, got %d", resp.StatusCode)
	}
}
