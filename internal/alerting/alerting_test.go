package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/harrier/internal/custody"
	"github.com/opensource-finance/harrier/internal/domain"
)

type custodyStore struct {
	mu      sync.Mutex
	records map[string]*domain.EvidenceCustodyRecord
}

func newCustodyStore() *custodyStore {
	return &custodyStore{records: make(map[string]*domain.EvidenceCustodyRecord)}
}

func (s *custodyStore) SaveCustodyRecord(_ context.Context, rec *domain.EvidenceCustodyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.CaseID+"/"+rec.ArtifactID] = rec
	return nil
}

func (s *custodyStore) GetCustodyRecord(_ context.Context, caseID, artifactID string) (*domain.EvidenceCustodyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[caseID+"/"+artifactID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rec, nil
}

func (s *custodyStore) AppendCustodyEntry(_ context.Context, caseID, artifactID string, entry domain.CustodyEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[caseID+"/"+artifactID]
	if !ok {
		return domain.ErrNotFound
	}
	rec.CustodianLog = append(rec.CustodianLog, entry)
	return nil
}

type recordingBus struct {
	mu        sync.Mutex
	published []*domain.Message
	err       error
}

func (b *recordingBus) Publish(_ context.Context, caseID, topic string, payload []byte) error {
	if b.err != nil {
		return b.err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, &domain.Message{CaseID: caseID, Topic: topic, Payload: payload})
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, string, domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Request(context.Context, string, string, []byte) ([]byte, error) {
	return nil, errors.New("not supported")
}

func (b *recordingBus) Ping(context.Context) error { return nil }
func (b *recordingBus) Close() error               { return nil }

func run(score, anomaly float64) *domain.AnalysisRun {
	return &domain.AnalysisRun{
		ID:           "run-1",
		CaseID:       "case-001",
		Subject:      "user-001",
		RiskScore:    score,
		AnomalyScore: anomaly,
		Hypotheses: []domain.Hypothesis{
			{Type: domain.PatternAntiForensic, Severity: domain.SeverityHigh, Reason: "5 deletions and 0 encrypted files"},
		},
	}
}

func TestProcessor(t *testing.T) {
	ctx := context.Background()
	store := newCustodyStore()
	bus := &recordingBus{}
	proc := NewProcessor(0, custody.NewKeeper(store, nil), bus)

	ts := time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)
	events := []*domain.ActivityEvent{{ID: "e1", UserID: "user-001", Timestamp: &ts, Operation: "DELETE"}}

	t.Run("BelowThreshold", func(t *testing.T) {
		alert, err := proc.Process(ctx, run(39.9, 0), events)
		if err != nil {
			t.Fatalf("process failed: %v", err)
		}
		if alert != nil {
			t.Errorf("expected no alert below threshold, got %+v", alert)
		}
	})

	t.Run("HighAlert", func(t *testing.T) {
		r := run(60, 0)
		alert, err := proc.Process(ctx, r, events)
		if err != nil {
			t.Fatalf("process failed: %v", err)
		}
		if alert == nil {
			t.Fatal("expected an alert at 60")
		}
		if alert.Severity != domain.SeverityHigh {
			t.Errorf("expected HIGH, got %s", alert.Severity)
		}
		if alert.Confidence != 0.6 {
			t.Errorf("expected confidence 0.6, got %v", alert.Confidence)
		}
		if len(alert.Recommended) != 1 || alert.Recommended[0] != ActionReview {
			t.Errorf("expected log review, got %v", alert.Recommended)
		}
		if r.AlertID != alert.ID {
			t.Errorf("expected run to carry alert id %s, got %s", alert.ID, r.AlertID)
		}

		rec := alert.Custody
		if rec == nil {
			t.Fatal("expected a custody record")
		}
		if rec.ArtifactID != alert.ID || rec.DataSource != DataSource {
			t.Errorf("unexpected custody record: %+v", rec)
		}
		if rec.StorageLocation != "evidence/case-001/"+alert.ID+"/" {
			t.Errorf("unexpected storage location %s", rec.StorageLocation)
		}
		if len(rec.CustodianLog) != 1 || rec.CustodianLog[0].Custodian != custody.SystemCustodian {
			t.Errorf("unexpected custodian log: %+v", rec.CustodianLog)
		}
		if _, err := custody.Verify(rec, time.Now()); err != nil {
			t.Errorf("custody record should verify: %v", err)
		}
		if _, err := store.GetCustodyRecord(ctx, "case-001", alert.ID); err != nil {
			t.Errorf("custody record not stored: %v", err)
		}
	})

	t.Run("CriticalAlertWithAnomaly", func(t *testing.T) {
		alert, _ := proc.Process(ctx, run(70, 25), events)
		if alert.Severity != domain.SeverityCritical {
			t.Errorf("expected CRITICAL, got %s", alert.Severity)
		}
		if alert.Recommended[0] != ActionImmediate {
			t.Errorf("expected immediate investigation, got %v", alert.Recommended)
		}
	})

	t.Run("Published", func(t *testing.T) {
		bus.mu.Lock()
		defer bus.mu.Unlock()
		if len(bus.published) != 2 {
			t.Fatalf("expected 2 published alerts, got %d", len(bus.published))
		}
		msg := bus.published[0]
		if msg.Topic != domain.TopicAlert || msg.CaseID != "case-001" {
			t.Errorf("unexpected message: %+v", msg)
		}
		var decoded domain.Alert
		if err := json.Unmarshal(msg.Payload, &decoded); err != nil {
			t.Fatalf("payload is not an alert: %v", err)
		}
		if decoded.Subject != "user-001" {
			t.Errorf("expected subject user-001, got %s", decoded.Subject)
		}
	})
}

func TestPublishFailureDoesNotFail(t *testing.T) {
	proc := NewProcessor(40, nil, &recordingBus{err: domain.ErrConnectivity})

	alert, err := proc.Process(context.Background(), run(50, 0), nil)
	if err != nil {
		t.Fatalf("publish failure should not fail the alert: %v", err)
	}
	if alert == nil || alert.Custody != nil {
		t.Errorf("expected an alert without custody, got %+v", alert)
	}
}

func TestCustomThreshold(t *testing.T) {
	proc := NewProcessor(80, nil, nil)
	if proc.ShouldAlert(run(79, 0)) {
		t.Error("79 should not reach threshold 80")
	}
	if !proc.ShouldAlert(run(80, 0)) {
		t.Error("80 should reach threshold 80")
	}
	if proc.ShouldAlert(nil) {
		t.Error("nil run should not alert")
	}
}

func TestReasons(t *testing.T) {
	alert := &domain.Alert{Patterns: []domain.Hypothesis{{Reason: "a"}, {}, {Reason: "b"}}}
	reasons := Reasons(alert)
	if len(reasons) != 2 || reasons[0] != "a" || reasons[1] != "b" {
		t.Errorf("unexpected reasons: %v", reasons)
	}
}

func TestAlertLogCarriesReasons(t *testing.T) {
	var buf bytes.Buffer
	proc := NewProcessor(40, nil, nil)
	proc.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	if _, err := proc.Process(context.Background(), run(60, 0), nil); err != nil {
		t.Fatalf("process: %v", err)
	}
	var entry struct {
		Msg     string   `json:"msg"`
		Reasons []string `json:"reasons"`
	}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log entry: %v", err)
	}
	if entry.Msg != "alert raised" || len(entry.Reasons) != 1 || entry.Reasons[0] != "5 deletions and 0 encrypted files" {
		t.Errorf("unexpected log entry: %s", buf.String())
	}
}
