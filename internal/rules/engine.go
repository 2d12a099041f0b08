// Package rules provides the CEL-Go based hypothesis rule engine.
package rules

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/harrier/internal/domain"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu            sync.RWMutex
	env           *cel.Env
	compiledRules map[string]*CompiledRule
	maxWorkers    int
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Config  *domain.RuleConfig
	Program cel.Program
}

// NewEngine creates a new rule evaluation engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	// Every fact is exposed both as a top-level variable and under facts.
	env, err := cel.NewEnv(
		cel.Variable("facts", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("subject", cel.StringType),
		cel.Variable("events", cel.IntType),
		cel.Variable("deletions", cel.IntType),
		cel.Variable("encrypted", cel.IntType),
		cel.Variable("off_hours_ratio", cel.DoubleType),
		cel.Variable("unusual_processes", cel.IntType),
		cel.Variable("anomaly_score", cel.DoubleType),
		cel.Variable("failures", cel.IntType),
		cel.Variable("custom_protection_failures", cel.IntType),
		cel.Variable("deletions_after_failure", cel.IntType),
		cel.Variable("operations", cel.MapType(cel.StringType, cel.IntType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:           env,
		compiledRules: make(map[string]*CompiledRule),
		maxWorkers:    maxWorkers,
	}, nil
}

// ValidateRule compiles and validates a rule without mutating loaded engine rules.
func (e *Engine) ValidateRule(cfg *domain.RuleConfig) error {
	if cfg == nil {
		return fmt.Errorf("%w: rule config is required", domain.ErrValidation)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileRule(cfg)
	return err
}

// LoadRule compiles and loads a rule into the engine.
func (e *Engine) LoadRule(cfg *domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileRule(cfg)
	if err != nil {
		return err
	}

	e.compiledRules[cfg.ID] = compiled

	return nil
}

// LoadRules compiles and loads multiple rules.
func (e *Engine) LoadRules(configs []*domain.RuleConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadRule(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Evaluation pairs a rule with its result.
type Evaluation struct {
	Rule   *domain.RuleConfig
	Result domain.RuleResult
}

// EvaluateAll evaluates all loaded rules in parallel. Results are ordered
// by rule id.
func (e *Engine) EvaluateAll(ctx context.Context, facts Facts) ([]Evaluation, error) {
	e.mu.RLock()
	rules := make([]*CompiledRule, 0, len(e.compiledRules))
	for _, rule := range e.compiledRules {
		rules = append(rules, rule)
	}
	e.mu.RUnlock()

	if len(rules) == 0 {
		return nil, nil
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Config.ID < rules[j].Config.ID })

	activation := facts.Activation()

	// Each goroutine writes its own slot
	results := make([]Evaluation, len(rules))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.maxWorkers)

	for i, rule := range rules {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = Evaluation{Rule: rule.Config, Result: e.evaluateRule(rule, activation)}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Hypotheses turns fired evaluations into hypotheses about subject.
func Hypotheses(evals []Evaluation, subject string) []domain.Hypothesis {
	var out []domain.Hypothesis
	for _, ev := range evals {
		if !ev.Result.Fired {
			continue
		}
		cfg := ev.Rule
		reason := cfg.Description
		if reason == "" {
			reason = fmt.Sprintf("rule %s matched (score %.2f)", cfg.Name, ev.Result.Score)
		}
		severity := cfg.Severity
		if severity == "" {
			severity = domain.SeverityMedium
		}
		out = append(out, domain.Hypothesis{
			Type:          cfg.Type,
			Severity:      severity,
			Reason:        reason,
			EvidenceCount: 1,
			Confidence:    clamp01(cfg.Confidence),
			Subject:       subject,
			RuleID:        cfg.ID,
		})
	}
	return out
}

// evaluateRule evaluates a single rule and returns the result.
func (e *Engine) evaluateRule(rule *CompiledRule, activation map[string]any) domain.RuleResult {
	start := time.Now()

	result := domain.RuleResult{
		RuleID: rule.Config.ID,
	}

	// Evaluate CEL expression
	out, _, err := rule.Program.Eval(activation)
	if err != nil {
		result.Error = fmt.Sprintf("evaluation error: %v", err)
		result.ProcessMs = time.Since(start).Milliseconds()
		return result
	}

	result.Score = toScore(out)
	result.Fired = fired(out, result.Score, rule.Config.Threshold)
	result.ProcessMs = time.Since(start).Milliseconds()

	return result
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

// fired reports whether a result triggers its rule. A bool fires on true;
// a number fires at or above threshold, or above zero without one.
func fired(val ref.Val, score, threshold float64) bool {
	if b, ok := val.(types.Bool); ok {
		return bool(b)
	}
	if threshold > 0 {
		return score >= threshold
	}
	return score > 0
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiledRules)
}

// ReloadRules clears all existing rules and loads new ones.
// This enables hot-reloading of rules from the database.
func (e *Engine) ReloadRules(configs []*domain.RuleConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newRules := make(map[string]*CompiledRule)

	// Load new rules
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}

		compiled, err := e.compileRule(cfg)
		if err != nil {
			return err
		}
		newRules[cfg.ID] = compiled
	}

	e.compiledRules = newRules

	return nil
}

// GetLoadedRules returns the currently loaded rule configurations, ordered
// by id.
func (e *Engine) GetLoadedRules() []*domain.RuleConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	rules := make([]*domain.RuleConfig, 0, len(e.compiledRules))
	for _, compiled := range e.compiledRules {
		rules = append(rules, compiled.Config)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// WeightOf returns the configured weight of the rule behind h, or the
// pattern weight when the rule sets none.
func (e *Engine) WeightOf(h domain.Hypothesis) float64 {
	if h.RuleID != "" {
		e.mu.RLock()
		compiled, ok := e.compiledRules[h.RuleID]
		e.mu.RUnlock()
		if ok && compiled.Config.Weight > 0 {
			return compiled.Config.Weight
		}
	}
	return PatternWeight(h.Type)
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiledRules = make(map[string]*CompiledRule)
	return nil
}

func (e *Engine) compileRule(cfg *domain.RuleConfig) (*CompiledRule, error) {
	if cfg.ID == "" || cfg.Type == "" {
		return nil, fmt.Errorf("%w: rule id and type are required", domain.ErrValidation)
	}
	if cfg.Confidence < 0 || cfg.Confidence > 1 {
		return nil, fmt.Errorf("%w: rule %s: confidence must be in [0,1]", domain.ErrValidation, cfg.ID)
	}

	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrValidation, cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, int, or double, got %s", domain.ErrValidation, cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", cfg.ID, err)
	}

	return &CompiledRule{
		Config:  cfg,
		Program: program,
	}, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
