// Package alerting turns analysis runs into alerts with a custody record.
package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/harrier/internal/custody"
	"github.com/opensource-finance/harrier/internal/domain"
)

// DefaultThreshold is the case risk score at which an alert is raised.
const DefaultThreshold = 40

// DataSource names the evidence captured for every alert.
const DataSource = "Behavioral Event Stream"

// Recommended actions
const (
	ActionImmediate = "Immediate investigation of the anomalous activity"
	ActionReview    = "Review the user's activity logs"
)

// immediateAnomaly is the anomaly score above which investigation is urgent.
const immediateAnomaly = 20

// Processor decides whether a run raises an alert and records it.
type Processor struct {
	// Threshold at or above which a run raises an alert
	AlertThreshold float64

	keeper *custody.Keeper
	bus    domain.EventBus
	logger *slog.Logger
	now    func() time.Time
}

// NewProcessor creates a processor. keeper and bus may be nil; alerts are
// then returned without a custody record or without being published.
func NewProcessor(threshold float64, keeper *custody.Keeper, bus domain.EventBus) *Processor {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Processor{
		AlertThreshold: threshold,
		keeper:         keeper,
		bus:            bus,
		logger:         slog.Default(),
		now:            time.Now,
	}
}

// ShouldAlert reports whether run reaches the threshold.
func (p *Processor) ShouldAlert(run *domain.AnalysisRun) bool {
	return run != nil && run.RiskScore >= p.AlertThreshold
}

// Severity grades an alert by its risk score.
func Severity(riskScore float64) domain.Severity {
	if riskScore >= 70 {
		return domain.SeverityCritical
	}
	return domain.SeverityHigh
}

// RecommendedActions returns the follow-up for an anomaly score.
func RecommendedActions(anomaly float64) []string {
	if anomaly > immediateAnomaly {
		return []string{ActionImmediate}
	}
	return []string{ActionReview}
}

// StorageLocation is where the evidence of an alert is kept.
func StorageLocation(caseID, alertID string) string {
	return fmt.Sprintf("evidence/%s/%s/", caseID, alertID)
}

// Process raises an alert for run when it reaches the threshold. The
// events become the custody payload. A run below the threshold returns
// nil and no error. The alert id is written back to run.
func (p *Processor) Process(ctx context.Context, run *domain.AnalysisRun, events []*domain.ActivityEvent) (*domain.Alert, error) {
	if !p.ShouldAlert(run) {
		return nil, nil
	}

	alert := &domain.Alert{
		ID:           uuid.New().String(),
		CaseID:       run.CaseID,
		Subject:      run.Subject,
		Confidence:   run.RiskScore / 100,
		Severity:     Severity(run.RiskScore),
		RiskScore:    run.RiskScore,
		AnomalyScore: run.AnomalyScore,
		Patterns:     run.Hypotheses,
		Recommended:  RecommendedActions(run.AnomalyScore),
		CreatedAt:    p.now().UTC(),
	}

	if p.keeper != nil {
		if events == nil {
			events = []*domain.ActivityEvent{}
		}
		rec, err := p.keeper.Acquire(ctx, run.CaseID, alert.ID, DataSource, StorageLocation(run.CaseID, alert.ID), events)
		if err != nil {
			return nil, fmt.Errorf("failed to preserve evidence: %w", err)
		}
		alert.Custody = rec
	}
	run.AlertID = alert.ID

	p.publish(ctx, alert)

	p.logger.Info("alert raised",
		"case_id", alert.CaseID,
		"alert_id", alert.ID,
		"subject", alert.Subject,
		"severity", alert.Severity,
		"risk_score", alert.RiskScore,
		"reasons", Reasons(alert),
	)
	return alert, nil
}

// publish is best effort; the alert is already preserved.
func (p *Processor) publish(ctx context.Context, alert *domain.Alert) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(alert)
	if err != nil {
		p.logger.Error("failed to encode alert", "alert_id", alert.ID, "error", err)
		return
	}
	if err := p.bus.Publish(ctx, alert.CaseID, domain.TopicAlert, payload); err != nil {
		p.logger.Warn("failed to publish alert",
			"case_id", alert.CaseID,
			"alert_id", alert.ID,
			"error", err,
		)
	}
}

// Reasons extracts the hypothesis reasons of an alert.
func Reasons(alert *domain.Alert) []string {
	var reasons []string
	for _, h := range alert.Patterns {
		if h.Reason != "" {
			reasons = append(reasons, h.Reason)
		}
	}
	return reasons
}
