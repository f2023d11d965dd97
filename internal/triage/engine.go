// Package triage evaluates operator-defined CEL rules against detected rings
// and turns the outcomes into an alert decision.
package triage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrNilRule is returned when a rule is missing.
var ErrNilRule = errors.New("triage rule is required")

// Engine is the CEL-based ring triage engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*compiledRule
	maxWorkers int
	generation atomic.Uint64
}

type compiledRule struct {
	rule    *domain.TriageRule
	program cel.Program
}

// NewEngine creates a triage engine with an empty rule set.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 8
	}

	env, err := cel.NewEnv(
		cel.Variable("ring", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ring_id", cel.StringType),
		cel.Variable("pattern_type", cel.StringType),
		cel.Variable("risk_score", cel.DoubleType),
		cel.Variable("member_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*compiledRule),
		maxWorkers: maxWorkers,
	}, nil
}

// ValidateRule compiles a rule without loading it.
func (e *Engine) ValidateRule(rule *domain.TriageRule) error {
	if rule == nil {
		return ErrNilRule
	}
	_, err := e.compile(rule)
	return err
}

// LoadRule compiles and loads a rule, replacing any rule with the same ID.
func (e *Engine) LoadRule(rule *domain.TriageRule) error {
	if rule == nil {
		return ErrNilRule
	}
	c, err := e.compile(rule)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.compiled[rule.ID] = c
	e.generation.Add(1)
	e.mu.Unlock()
	return nil
}

// UnloadRule removes a rule. Unknown IDs are ignored.
func (e *Engine) UnloadRule(ruleID string) {
	e.mu.Lock()
	if _, ok := e.compiled[ruleID]; ok {
		delete(e.compiled, ruleID)
		e.generation.Add(1)
	}
	e.mu.Unlock()
}

// ReloadRules atomically replaces the loaded rule set with the enabled rules.
// On error the previous set stays active.
func (e *Engine) ReloadRules(rules []*domain.TriageRule) error {
	next := make(map[string]*compiledRule, len(rules))
	for _, r := range rules {
		if r == nil || !r.Enabled {
			continue
		}
		c, err := e.compile(r)
		if err != nil {
			return err
		}
		next[r.ID] = c
	}

	e.mu.Lock()
	e.compiled = next
	e.generation.Add(1)
	e.mu.Unlock()
	return nil
}

// Generation changes every time the loaded rule set changes. Results triaged
// under one generation are stale under the next.
func (e *Engine) Generation() uint64 {
	return e.generation.Load()
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedRules returns the loaded rules ordered by ID.
func (e *Engine) LoadedRules() []*domain.TriageRule {
	rules := e.snapshot()
	out := make([]*domain.TriageRule, len(rules))
	for i, c := range rules {
		out[i] = c.rule
	}
	return out
}

func (e *Engine) snapshot() []*compiledRule {
	e.mu.RLock()
	rules := make([]*compiledRule, 0, len(e.compiled))
	for _, c := range e.compiled {
		rules = append(rules, c)
	}
	e.mu.RUnlock()

	sort.Slice(rules, func(i, j int) bool { return rules[i].rule.ID < rules[j].rule.ID })
	return rules
}

// EvaluateRings applies every loaded rule to every ring. Results are ordered
// by ring, then by rule ID.
func (e *Engine) EvaluateRings(ctx context.Context, rings []domain.FraudRing) []domain.RingDecision {
	rules := e.snapshot()
	if len(rules) == 0 || len(rings) == 0 {
		return nil
	}

	results := make([]domain.RingDecision, len(rings)*len(rules))
	var wg sync.WaitGroup
	sem := make(chan struct{}, e.maxWorkers)

	for i := range rings {
		activation := activationFor(rings[i])
		for j, rule := range rules {
			wg.Add(1)
			go func(idx int, ring *domain.FraudRing, r *compiledRule) {
				defer wg.Done()

				sem <- struct{}{}
				defer func() { <-sem }()

				results[idx] = e.evaluate(ctx, ring, r, activation)
			}(i*len(rules)+j, &rings[i], rule)
		}
	}
	wg.Wait()

	return results
}

func activationFor(ring domain.FraudRing) map[string]any {
	members := make([]any, len(ring.MemberAccounts))
	for i, m := range ring.MemberAccounts {
		members[i] = m
	}
	return map[string]any{
		"ring": map[string]any{
			"id":           ring.RingID,
			"pattern_type": string(ring.PatternType),
			"risk_score":   ring.RiskScore,
			"members":      members,
		},
		"ring_id":      ring.RingID,
		"pattern_type": string(ring.PatternType),
		"risk_score":   ring.RiskScore,
		"member_count": int64(len(ring.MemberAccounts)),
	}
}

func (e *Engine) evaluate(ctx context.Context, ring *domain.FraudRing, r *compiledRule, activation map[string]any) domain.RingDecision {
	d := domain.RingDecision{RingID: ring.RingID, RuleID: r.rule.ID}

	if err := ctx.Err(); err != nil {
		d.Outcome = domain.OutcomeError
		d.Reason = err.Error()
		return d
	}

	out, _, err := r.program.Eval(activation)
	if err != nil {
		d.Outcome = domain.OutcomeError
		d.Reason = fmt.Sprintf("evaluation error: %v", err)
		return d
	}

	d.Score = toScore(out)
	d.Outcome, d.Reason = matchBand(d.Score, r.rule.Bands)
	return d
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// matchBand returns the outcome of the first band containing score.
// Lower limits are inclusive, upper limits exclusive, nil means unbounded.
func matchBand(score float64, bands []domain.TriageBand) (string, string) {
	for _, band := range bands {
		if band.LowerLimit != nil && score < *band.LowerLimit {
			continue
		}
		if band.UpperLimit != nil && score >= *band.UpperLimit {
			continue
		}
		return band.Outcome, band.Reason
	}
	return domain.OutcomePass, "no matching band"
}

func (e *Engine) compile(rule *domain.TriageRule) (*compiledRule, error) {
	ast, issues := e.env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("rule %s: expression must return bool, int, or double, got %s", rule.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &compiledRule{rule: rule, program: program}, nil
}
