package engine

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/detect"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Aggregator numbers rings and merges per-account findings for one analysis.
// It is not safe for concurrent use.
//
// Merge policy: a finding creates the account's record when none exists and
// replaces score and ring when its score is strictly higher. A finding that
// does not win still adds its pattern tag, so the record keeps every pattern
// the account was seen in.
type Aggregator struct {
	seq     int
	rings   []domain.FraudRing
	records map[string]*record
	order   []string
}

type record struct {
	account domain.SuspiciousAccount
	tags    map[string]struct{}
}

// NewAggregator returns an empty aggregator whose first ring is RING_001.
func NewAggregator() *Aggregator {
	return &Aggregator{records: make(map[string]*record)}
}

// AddRing assigns the next ring ID to a candidate, stores the ring and submits
// a finding for every flagged account.
func (a *Aggregator) AddRing(c detect.Candidate) domain.FraudRing {
	a.seq++
	ring := domain.FraudRing{
		RingID:         fmt.Sprintf("RING_%03d", a.seq),
		MemberAccounts: append([]string(nil), c.Members...),
		PatternType:    c.Pattern,
		RiskScore:      c.Score,
	}
	a.rings = append(a.rings, ring)

	for _, account := range c.Flagged {
		a.Submit(account, c.Tag, c.Score, ring.RingID)
	}
	return ring
}

// Submit applies one finding to an account's record.
func (a *Aggregator) Submit(accountID, tag string, score float64, ringID string) {
	rec, ok := a.records[accountID]
	if !ok {
		a.records[accountID] = &record{
			account: domain.SuspiciousAccount{
				AccountID:        accountID,
				SuspicionScore:   score,
				DetectedPatterns: []string{tag},
				RingID:           ringID,
			},
			tags: map[string]struct{}{tag: {}},
		}
		a.order = append(a.order, accountID)
		return
	}

	if score > rec.account.SuspicionScore {
		rec.account.SuspicionScore = score
		rec.account.RingID = ringID
	}
	if _, seen := rec.tags[tag]; !seen {
		rec.tags[tag] = struct{}{}
		rec.account.DetectedPatterns = append(rec.account.DetectedPatterns, tag)
	}
}

// Result returns the accumulated records in first-flagged order and the rings
// in creation order. The returned slices are never nil.
func (a *Aggregator) Result() *domain.AnalysisResult {
	accounts := make([]domain.SuspiciousAccount, 0, len(a.order))
	for _, id := range a.order {
		acct := a.records[id].account
		acct.DetectedPatterns = append([]string(nil), acct.DetectedPatterns...)
		accounts = append(accounts, acct)
	}

	rings := make([]domain.FraudRing, len(a.rings))
	copy(rings, a.rings)

	return &domain.AnalysisResult{
		SuspiciousAccounts: accounts,
		FraudRings:         rings,
	}
}
