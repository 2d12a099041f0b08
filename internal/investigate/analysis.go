package investigate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/hypothesis"
)

// HypothesesRequest selects the sensitivity of a case pass.
type HypothesesRequest struct {
	Sensitivity domain.Sensitivity `json:"sensitivity,omitempty"`
	TraceID     string             `json:"traceId,omitempty"`
}

// BehaviorRequest analyzes one user. When Events is empty the stored
// activity of UserID is used, or of every account of its identity once the
// case has been built.
type BehaviorRequest struct {
	UserID      string                  `json:"userId"`
	Events      []*domain.ActivityEvent `json:"events,omitempty"`
	Sensitivity domain.Sensitivity      `json:"sensitivity,omitempty"`
	TraceID     string                  `json:"traceId,omitempty"`
}

// BehaviorResult is a run with the alert it raised, if any.
type BehaviorResult struct {
	Run   *domain.AnalysisRun `json:"run"`
	Alert *domain.Alert       `json:"alert,omitempty"`
}

func (s *Service) sensitivity(v domain.Sensitivity) (domain.Sensitivity, error) {
	if v == "" {
		return s.cfg.Sensitivity, nil
	}
	if !v.Valid() {
		return "", fmt.Errorf("%w: unknown sensitivity %q", domain.ErrValidation, v)
	}
	return v, nil
}

func (s *Service) caseContext(caseID string, sens domain.Sensitivity) *hypothesis.CaseContext {
	return hypothesis.NewCaseContext(caseID, sens, s.baselines).WithTimeout(s.cfg.StoreTimeout)
}

// Hypotheses runs one case-wide pass over the forensic records and one
// pass per subject over its activity. Users that resolve to an identity are
// analyzed together under the identity id. Every run is stored and
// published. The case-wide run comes first, then subjects in id order.
func (s *Service) Hypotheses(ctx context.Context, caseID string, req HypothesesRequest) (runs []*domain.AnalysisRun, err error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	sens, err := s.sensitivity(req.Sensitivity)
	if err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "investigate.Hypotheses", caseID,
		attribute.String("sensitivity", string(sens)),
	)
	defer func() { endSpan(span, err) }()

	var (
		timeline []*domain.TimelineEvent
		failures []*domain.Failure
		links    []*domain.CaseLink
		activity []*domain.ActivityEvent
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		timeline, err = fetch(gctx, s, "list_timeline", func(ctx context.Context) ([]*domain.TimelineEvent, error) {
			return s.repo.ListTimeline(ctx, caseID)
		})
		return err
	})
	g.Go(func() (err error) {
		failures, err = fetch(gctx, s, "list_failures", func(ctx context.Context) ([]*domain.Failure, error) {
			return s.repo.ListFailures(ctx, caseID)
		})
		return err
	})
	g.Go(func() (err error) {
		links, err = fetch(gctx, s, "list_links", func(ctx context.Context) ([]*domain.CaseLink, error) {
			return s.repo.ListCaseLinks(ctx, caseID)
		})
		return err
	})
	g.Go(func() (err error) {
		activity, err = fetch(gctx, s, "list_activity", func(ctx context.Context) ([]*domain.ActivityEvent, error) {
			return s.repo.ListActivity(ctx, caseID, "", time.Time{})
		})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("failed to read case evidence: %w", err)
	}

	idx := s.identityIndex(caseID)
	byUser := make(map[string][]*domain.ActivityEvent)
	for _, ev := range activity {
		subject := idx.subject(ev.UserID)
		byUser[subject] = append(byUser[subject], ev)
	}
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)

	cc := s.caseContext(caseID, sens)
	inputs := make([]hypothesis.Input, 0, len(users)+1)
	inputs = append(inputs, hypothesis.Input{
		Events:   activity,
		Timeline: timeline,
		Failures: failures,
		Links:    links,
		TraceID:  req.TraceID,
	})
	for _, u := range users {
		inputs = append(inputs, hypothesis.Input{
			Subject: u,
			Events:  byUser[u],
			TraceID: req.TraceID,
		})
	}

	runs = make([]*domain.AnalysisRun, len(inputs))
	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxWorkers)
	for i, in := range inputs {
		g.Go(func() error {
			run, err := s.analyzer.Analyze(gctx, cc, in)
			if err != nil {
				return fmt.Errorf("analysis of %q failed: %w", in.Subject, err)
			}
			if err := s.saveRun(gctx, run); err != nil {
				return err
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("case hypotheses generated",
		"case_id", caseID,
		"sensitivity", sens,
		"runs", len(runs),
		"case_risk", runs[0].RiskScore,
		"case_severity", runs[0].Severity,
	)
	return runs, nil
}

// BehaviorAnalyze scores one user's activity against their baseline,
// raises an alert when the risk crosses the threshold and folds the events
// into the baseline afterwards.
func (s *Service) BehaviorAnalyze(ctx context.Context, caseID string, req BehaviorRequest) (res *BehaviorResult, err error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: userId is required", domain.ErrValidation)
	}
	sens, err := s.sensitivity(req.Sensitivity)
	if err != nil {
		return nil, err
	}
	idx := s.identityIndex(caseID)
	subject := idx.subject(req.UserID)
	ctx, span := s.startSpan(ctx, "investigate.BehaviorAnalyze", caseID,
		attribute.String("user.id", req.UserID),
		attribute.String("subject", subject),
	)
	defer func() { endSpan(span, err) }()

	events := req.Events
	if len(events) == 0 {
		events, err = s.subjectActivity(ctx, caseID, req.UserID, subject, idx)
		if err != nil {
			return nil, fmt.Errorf("failed to list activity: %w", err)
		}
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: no activity for user %s", domain.ErrValidation, req.UserID)
	}

	cc := s.caseContext(caseID, sens)
	run, err := s.analyzer.Analyze(ctx, cc, hypothesis.Input{
		Subject: subject,
		Events:  events,
		TraceID: req.TraceID,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis failed: %w", err)
	}

	alert, err := s.alerts.Process(ctx, run, events)
	if err != nil {
		return nil, err
	}
	if alert != nil {
		s.metrics.IncrementAlert(string(alert.Severity))
	}
	if err := s.saveRun(ctx, run); err != nil {
		return nil, err
	}

	if _, err := s.baselines.Observe(ctx, caseID, subject, events); err != nil {
		s.logger.Warn("failed to update baseline",
			"case_id", caseID,
			"subject", subject,
			"error", err,
		)
	}
	return &BehaviorResult{Run: run, Alert: alert}, nil
}

// subjectActivity lists the stored activity of userID, or of every user id
// that resolves to subject when userID belongs to a wider identity.
func (s *Service) subjectActivity(ctx context.Context, caseID, userID, subject string, idx *identityIndex) ([]*domain.ActivityEvent, error) {
	if subject == userID {
		return fetch(ctx, s, "list_activity", func(ctx context.Context) ([]*domain.ActivityEvent, error) {
			return s.repo.ListActivity(ctx, caseID, userID, time.Time{})
		})
	}
	all, err := fetch(ctx, s, "list_activity", func(ctx context.Context) ([]*domain.ActivityEvent, error) {
		return s.repo.ListActivity(ctx, caseID, "", time.Time{})
	})
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, ev := range all {
		if idx.subject(ev.UserID) == subject {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Profile summarizes the rhythm of an event stream.
func (s *Service) Profile(events []*domain.ActivityEvent) (*domain.BehaviorProfile, error) {
	return hypothesis.Profile(events)
}

// Runs lists the stored analysis runs of a case.
func (s *Service) Runs(ctx context.Context, caseID string) ([]*domain.AnalysisRun, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}
	return fetch(ctx, s, "list_runs", func(ctx context.Context) ([]*domain.AnalysisRun, error) {
		return s.repo.ListAnalysisRuns(ctx, caseID)
	})
}

func (s *Service) saveRun(ctx context.Context, run *domain.AnalysisRun) error {
	err := s.retry(ctx, "save_run", func(ctx context.Context) error {
		return s.repo.SaveAnalysisRun(ctx, run.CaseID, run)
	})
	if err != nil {
		return fmt.Errorf("failed to save analysis run: %w", err)
	}
	for _, h := range run.Hypotheses {
		s.metrics.IncrementHypothesis(h.Type, string(h.Severity))
	}
	s.publish(ctx, run.CaseID, domain.TopicHypothesis, run)
	return nil
}
