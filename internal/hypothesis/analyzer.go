package hypothesis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/risk"
	"github.com/opensource-finance/harrier/internal/rules"
)

// EngineVersion is stamped on every analysis run.
const EngineVersion = "harrier-1.0"

// Input is the evidence of one hypothesis pass. Subject may be empty for
// a case-wide pass.
type Input struct {
	Subject  string
	Events   []*domain.ActivityEvent
	Timeline []*domain.TimelineEvent
	Failures []*domain.Failure
	Links    []*domain.CaseLink
	TraceID  string
}

// Analyzer runs the built-in and operator-defined rules over a case.
type Analyzer struct {
	engine *rules.Engine
	night  domain.NightWindow
	loc    *time.Location
	now    func() time.Time
}

// NewAnalyzer creates an analyzer. engine may be nil, leaving only the
// built-in rules.
func NewAnalyzer(engine *rules.Engine, cfg domain.AnalysisConfig) *Analyzer {
	cfg = cfg.WithDefaults()
	return &Analyzer{
		engine: engine,
		night:  cfg.NightWindow(),
		loc:    cfg.Location(),
		now:    time.Now,
	}
}

// Facts collects the rule inputs of a pass.
func (a *Analyzer) Facts(ctx context.Context, cc *CaseContext, in Input) (rules.Facts, *domain.Baseline) {
	b := cc.Baseline(ctx, in.Subject)
	stats := Summarize(in.Events, b, a.night, a.loc)

	custom := 0
	for _, f := range in.Failures {
		if f != nil && f.Type == domain.FailureCustomProtection {
			custom++
		}
	}

	return rules.Facts{
		Subject:                  in.Subject,
		Events:                   stats.Events,
		Deletions:                stats.Deletions,
		Encrypted:                stats.Encrypted,
		OffHoursRatio:            stats.OffHoursRatio,
		UnusualProcesses:         stats.UnusualProcesses,
		AnomalyScore:             stats.Score(b),
		Failures:                 len(in.Failures),
		CustomProtectionFailures: custom,
		DeletionsAfterFailure:    len(DeletionsAfterFailure(in.Timeline, in.Failures, in.Links)),
		Operations:               stats.Operations,
	}, b
}

// Analyze produces an analysis run. Hypotheses keep rule order: built-in
// rules first, then operator rules sorted by id.
func (a *Analyzer) Analyze(ctx context.Context, cc *CaseContext, in Input) (*domain.AnalysisRun, error) {
	start := a.now()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	facts, _ := a.Facts(ctx, cc, in)
	hyps := rules.Builtins(facts)
	weightOf := func(h domain.Hypothesis) float64 { return rules.PatternWeight(h.Type) }

	evaluated := 0
	if a.engine != nil {
		evals, err := a.engine.EvaluateAll(ctx, facts)
		if err != nil {
			return nil, err
		}
		evaluated = len(evals)
		hyps = append(hyps, rules.Hypotheses(evals, in.Subject)...)
		weightOf = a.engine.WeightOf
	}
	if hyps == nil {
		hyps = []domain.Hypothesis{}
	}

	score, contributions := rules.Combine(hyps, facts.AnomalyScore, cc.Sensitivity, weightOf)

	return &domain.AnalysisRun{
		ID:            uuid.New().String(),
		CaseID:        cc.CaseID,
		Subject:       in.Subject,
		Sensitivity:   cc.Sensitivity,
		Hypotheses:    hyps,
		AnomalyScore:  facts.AnomalyScore,
		RiskScore:     score,
		Severity:      risk.CaseSeverity(score),
		Contributions: contributions,
		CreatedAt:     start.UTC(),
		Metadata: domain.RunMetadata{
			TraceID:         in.TraceID,
			EventsAnalyzed:  facts.Events,
			RulesEvaluated:  evaluated,
			TotalMs:         a.now().Sub(start).Milliseconds(),
			BaselineDefault: cc.Defaulted(in.Subject),
			EngineVersion:   EngineVersion,
		},
	}, nil
}
