// Validation tool for scoring Kestrel against labeled accounts.
//
// Usage:
//
//	go run ./cmd/validate -csv transactions.csv -truth labels.csv
//
// This tool:
//  1. Parses the transaction CSV the same way POST /analyze does
//  2. Runs the detection engine in-process and times it
//  3. Compares flagged accounts with the account_id,label ground truth
//  4. Prints precision, recall, F1, false-positive rate and target checks
//
// The exit code is 1 when any target is missed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/validation"
)

func main() {
	csvPath := flag.String("csv", "", "Path to transaction CSV file")
	truthPath := flag.String("truth", "", "Path to account_id,label ground truth CSV")
	asJSON := flag.Bool("json", false, "Print metrics as JSON")
	verbose := flag.Bool("verbose", false, "Log engine debug output")
	flag.Parse()

	if *csvPath == "" || *truthPath == "" {
		fmt.Println("Usage: validate -csv transactions.csv -truth labels.csv [-json]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(2)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	logger := logging.NewWithWriter(domain.LoggingConfig{Level: level, Format: "text"}, os.Stderr)

	batch, err := readBatch(*csvPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to read transactions: %v\n", err)
		os.Exit(1)
	}
	truth, err := readTruth(*truthPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to read ground truth: %v\n", err)
		os.Exit(1)
	}

	start := time.Now()
	result := engine.New(logger).Analyze(context.Background(), batch.Transactions)
	elapsed := time.Since(start)

	m := validation.Evaluate(result, truth, elapsed, len(batch.Transactions))

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(m)
	} else {
		printResults(os.Stdout, m, result, len(batch.Rejected))
	}

	if !m.Passed() {
		os.Exit(1)
	}
}

func readBatch(path string) (*ingest.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ingest.ParseCSV(f, ingest.Options{})
}

func readTruth(path string) (*validation.GroundTruth, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return validation.LoadGroundTruth(f)
}

func printResults(w io.Writer, m validation.Metrics, result *domain.AnalysisResult, rejected int) {
	fmt.Fprintln(w, "KESTREL VALIDATION REPORT")
	fmt.Fprintln(w, "=========================")

	fmt.Fprintf(w, "\nDATASET\n")
	fmt.Fprintf(w, "   Transactions:     %d\n", m.Transactions)
	fmt.Fprintf(w, "   Rows rejected:    %d\n", rejected)
	fmt.Fprintf(w, "   Processing time:  %.4fs\n", m.ElapsedSeconds)

	fmt.Fprintf(w, "\nDETECTION\n")
	fmt.Fprintf(w, "   Flagged accounts: %d\n", m.Flagged)
	fmt.Fprintf(w, "   Fraud rings:      %d\n", m.Rings)
	counts := map[domain.PatternType]int{}
	for _, ring := range result.FraudRings {
		counts[ring.PatternType]++
	}
	patterns := make([]string, 0, len(counts))
	for p := range counts {
		patterns = append(patterns, string(p))
	}
	sort.Strings(patterns)
	for _, p := range patterns {
		fmt.Fprintf(w, "     - %-18s %d\n", p, counts[domain.PatternType(p)])
	}

	fmt.Fprintf(w, "\nCONFUSION MATRIX\n")
	fmt.Fprintf(w, "   True positives:   %d\n", m.TruePositives)
	fmt.Fprintf(w, "   False positives:  %d\n", m.FalsePositives)
	fmt.Fprintf(w, "   False negatives:  %d\n", m.FalseNegatives)
	fmt.Fprintf(w, "   True negatives:   %d\n", m.TrueNegatives)

	fmt.Fprintf(w, "\nMETRICS\n")
	fmt.Fprintf(w, "   Precision:        %6.2f%%  %s (target >= %.0f%%)\n", 100*m.Precision, mark(m.MeetsPrecision), 100*validation.MinPrecision)
	fmt.Fprintf(w, "   Recall:           %6.2f%%  %s (target >= %.0f%%)\n", 100*m.Recall, mark(m.MeetsRecall), 100*validation.MinRecall)
	fmt.Fprintf(w, "   F1 score:         %6.2f%%\n", 100*m.F1)
	fmt.Fprintf(w, "   False positives:  %6.2f%%  %s (target < %.0f%%)\n", 100*m.FalsePositiveRate, mark(m.FPControlOK), 100*validation.MaxFalsePositive)
	fmt.Fprintf(w, "   Ring coverage:    %6.2f%%\n", 100*m.RingCoverage)
	fmt.Fprintf(w, "   Time:             %s (target <= %s up to %d transactions)\n", mark(m.MeetsTime), validation.MaxElapsed, validation.TimedBatchSize)

	listAccounts(w, "Missed fraud", m.MissedFraud)
	listAccounts(w, "Flagged legitimate", m.FlaggedLegit)

	fmt.Fprintln(w)
	if m.Passed() {
		fmt.Fprintln(w, "ALL TARGETS MET")
	} else {
		fmt.Fprintln(w, "SOME TARGETS MISSED")
	}
}

func listAccounts(w io.Writer, title string, ids []string) {
	if len(ids) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%s (%d):\n", title, len(ids))
	for i, id := range ids {
		if i == 5 {
			fmt.Fprintf(w, "   ... and %d more\n", len(ids)-5)
			break
		}
		fmt.Fprintf(w, "   - %s\n", id)
	}
}

func mark(ok bool) string {
	if ok {
		return "PASS"
	}
	return "FAIL"
}
