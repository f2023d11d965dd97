// Package validation scores engine output against labeled ground truth.
package validation

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/ingest"
)

// Targets a run must meet to pass.
const (
	MinPrecision     = 0.70
	MinRecall        = 0.60
	MaxFalsePositive = 0.15 // exclusive
	MaxElapsed       = 30 * time.Second

	// TimedBatchSize is the largest batch the elapsed target applies to.
	TimedBatchSize = 10_000
)

// Labels accepted in the ground truth file.
const (
	LabelFraud      = "fraud"
	LabelLegitimate = "legitimate"
)

// ErrInvalidGroundTruth is returned for an unreadable ground truth file.
var ErrInvalidGroundTruth = errors.New("invalid ground truth")

// GroundTruth holds the labeled accounts.
type GroundTruth struct {
	Fraud      map[string]bool
	Legitimate map[string]bool
}

// LoadGroundTruth reads "account_id,label" rows. Account IDs are normalized
// the same way ingestion does so they match engine output.
func LoadGroundTruth(r io.Reader) (*GroundTruth, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGroundTruth, err)
	}
	idCol, labelCol := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "account_id":
			idCol = i
		case "label":
			labelCol = i
		}
	}
	if idCol < 0 || labelCol < 0 {
		return nil, fmt.Errorf("%w: header must contain account_id and label", ErrInvalidGroundTruth)
	}

	gt := &GroundTruth{Fraud: map[string]bool{}, Legitimate: map[string]bool{}}
	line := 1
	for {
		record, err := cr.Read()
		line++
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidGroundTruth, line, err)
		}
		if len(record) <= max(idCol, labelCol) {
			return nil, fmt.Errorf("%w: line %d: too few columns", ErrInvalidGroundTruth, line)
		}

		id := ingest.NormalizeAccountID(record[idCol])
		if id == "" {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(record[labelCol])) {
		case LabelFraud:
			gt.Fraud[id] = true
		case LabelLegitimate:
			gt.Legitimate[id] = true
		default:
			return nil, fmt.Errorf("%w: line %d: unknown label %q", ErrInvalidGroundTruth, line, record[labelCol])
		}
	}
	return gt, nil
}

// Metrics is the scored outcome of one run.
type Metrics struct {
	TruePositives  int `json:"true_positives"`
	FalsePositives int `json:"false_positives"`
	FalseNegatives int `json:"false_negatives"`
	TrueNegatives  int `json:"true_negatives"`

	Precision         float64 `json:"precision"`
	Recall            float64 `json:"recall"`
	F1                float64 `json:"f1_score"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
	RingCoverage      float64 `json:"ring_coverage"`

	Flagged        int      `json:"flagged_accounts"`
	Rings          int      `json:"fraud_rings"`
	Transactions   int      `json:"transactions"`
	ElapsedSeconds float64  `json:"elapsed_seconds"`
	MissedFraud    []string `json:"missed_fraud,omitempty"`
	FlaggedLegit   []string `json:"flagged_legitimate,omitempty"`

	MeetsPrecision bool `json:"meets_precision_target"`
	MeetsRecall    bool `json:"meets_recall_target"`
	FPControlOK    bool `json:"fp_control_ok"`
	MeetsTime      bool `json:"meets_time_target"`
}

// Passed reports whether every target is met.
func (m Metrics) Passed() bool {
	return m.MeetsPrecision && m.MeetsRecall && m.FPControlOK && m.MeetsTime
}

// Evaluate compares flagged accounts against the labels. Accounts absent from
// the ground truth do not count either way.
func Evaluate(result *domain.AnalysisResult, truth *GroundTruth, elapsed time.Duration, txCount int) Metrics {
	flagged := make(map[string]bool, len(result.SuspiciousAccounts))
	for _, acc := range result.SuspiciousAccounts {
		flagged[acc.AccountID] = true
	}
	inRing := make(map[string]bool)
	for _, ring := range result.FraudRings {
		for _, member := range ring.MemberAccounts {
			inRing[member] = true
		}
	}

	m := Metrics{
		Flagged:        len(flagged),
		Rings:          len(result.FraudRings),
		Transactions:   txCount,
		ElapsedSeconds: elapsed.Seconds(),
	}

	covered := 0
	for id := range truth.Fraud {
		if flagged[id] {
			m.TruePositives++
		} else {
			m.FalseNegatives++
			m.MissedFraud = append(m.MissedFraud, id)
		}
		if inRing[id] {
			covered++
		}
	}
	for id := range truth.Legitimate {
		if flagged[id] {
			m.FalsePositives++
			m.FlaggedLegit = append(m.FlaggedLegit, id)
		} else {
			m.TrueNegatives++
		}
	}
	slices.Sort(m.MissedFraud)
	slices.Sort(m.FlaggedLegit)

	m.Precision = ratio(m.TruePositives, m.TruePositives+m.FalsePositives)
	m.Recall = ratio(m.TruePositives, m.TruePositives+m.FalseNegatives)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.FalsePositiveRate = ratio(m.FalsePositives, m.FalsePositives+m.TrueNegatives)
	m.RingCoverage = ratio(covered, len(truth.Fraud))

	m.MeetsPrecision = m.Precision >= MinPrecision
	m.MeetsRecall = m.Recall >= MinRecall
	m.FPControlOK = m.FalsePositiveRate < MaxFalsePositive
	m.MeetsTime = txCount > TimedBatchSize || elapsed <= MaxElapsed
	return m
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
