package hypothesis

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/rules"
)

type memoryStore struct {
	mu      sync.Mutex
	data    map[string]*domain.Baseline
	loadErr error
	block   bool
	saves   int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{data: make(map[string]*domain.Baseline)}
}

func (s *memoryStore) Load(ctx context.Context, caseID, key string) (*domain.Baseline, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.data[caseID+"/"+key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return b, nil
}

func (s *memoryStore) Save(_ context.Context, caseID string, b *domain.Baseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	s.data[caseID+"/"+b.IdentityKey] = b
	return nil
}

var day = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func at(t time.Time) *time.Time { return &t }

func ops(n int, op, fileType, process string, start time.Time) []*domain.ActivityEvent {
	out := make([]*domain.ActivityEvent, n)
	for i := range out {
		out[i] = &domain.ActivityEvent{
			ID:          op + "-" + string(rune('a'+i)),
			UserID:      "user-1",
			Timestamp:   at(start.Add(time.Duration(i) * time.Minute)),
			Operation:   op,
			FileType:    fileType,
			ProcessName: process,
		}
	}
	return out
}

func TestCaseContextBaseline(t *testing.T) {
	ctx := context.Background()

	t.Run("MissingIsCreatedAndSaved", func(t *testing.T) {
		store := newMemoryStore()
		cc := NewCaseContext("case-1", domain.SensitivityLow, store)

		b := cc.Baseline(ctx, "user-1")
		assert.Equal(t, 125.0, b.AvgDailyOps)
		assert.Equal(t, 0.03, b.AvgOffHoursRatio)
		assert.True(t, cc.Defaulted("user-1"))
		assert.Equal(t, 1, store.saves)

		// cached for the life of the context
		cc.Baseline(ctx, "user-1")
		assert.Equal(t, 1, store.saves)
	})

	t.Run("StoredBaselineIsUsed", func(t *testing.T) {
		store := newMemoryStore()
		store.data["case-1/user-2"] = &domain.Baseline{IdentityKey: "user-2", AvgDailyOps: 10}
		cc := NewCaseContext("case-1", domain.SensitivityLow, store)

		assert.Equal(t, 10.0, cc.Baseline(ctx, "user-2").AvgDailyOps)
		assert.False(t, cc.Defaulted("user-2"))
	})

	t.Run("StoreErrorDegrades", func(t *testing.T) {
		store := newMemoryStore()
		store.loadErr = errors.New("cache down")
		cc := NewCaseContext("case-1", domain.SensitivityLow, store)

		b := cc.Baseline(ctx, "user-3")
		assert.Equal(t, 125.0, b.AvgDailyOps)
		assert.Equal(t, 0, store.saves)
	})

	t.Run("TimeoutDegrades", func(t *testing.T) {
		store := newMemoryStore()
		store.block = true
		cc := NewCaseContext("case-1", domain.SensitivityLow, store).WithTimeout(20 * time.Millisecond)

		start := time.Now()
		b := cc.Baseline(ctx, "user-4")
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 125.0, b.AvgDailyOps)
		assert.True(t, cc.Defaulted("user-4"))
	})

	t.Run("NilStore", func(t *testing.T) {
		cc := NewCaseContext("case-1", "", nil)
		assert.Equal(t, domain.SensitivityLow, cc.Sensitivity)
		assert.Equal(t, 125.0, cc.Baseline(ctx, "").AvgDailyOps)
	})
}

func TestAnomalyScore(t *testing.T) {
	night := domain.NightWindow{StartHour: 22, EndHour: 6}
	b := domain.DefaultBaseline("user-1")

	tests := []struct {
		name   string
		events []*domain.ActivityEvent
		want   float64
	}{
		{"quiet", ops(10, "READ", "", "chrome.exe", day), 0},
		{"volume", ops(251, "READ", "", "chrome.exe", day), 15},
		{"off hours", ops(3, "READ", "", "Explorer.EXE", day.Add(13*time.Hour)), 20},
		{"unusual processes", ops(6, "READ", "", "mimikatz.exe", day), 25},
		{"five unusual is tolerated", ops(5, "READ", "", "mimikatz.exe", day), 0},
		{"capped", ops(300, "READ", "", "nc.exe", day.Add(13*time.Hour)), 60},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AnomalyScore(tt.events, b, night, time.UTC))
		})
	}
}

func TestSummarize(t *testing.T) {
	events := append(ops(5, "delete", "", "", day), ops(3, "WRITE", "encrypted", "", day)...)
	events = append(events, &domain.ActivityEvent{ID: "untimed", Operation: "READ"})

	s := Summarize(events, domain.DefaultBaseline("u"), domain.NightWindow{StartHour: 22, EndHour: 6}, nil)
	assert.Equal(t, 9, s.Events)
	assert.Equal(t, 8, s.Timed)
	assert.Equal(t, 5, s.Deletions)
	assert.Equal(t, 3, s.Encrypted)
	assert.Equal(t, map[string]int{"DELETE": 5, "WRITE": 3, "READ": 1}, s.Operations)
}

func TestDeletionsAfterFailure(t *testing.T) {
	failure := &domain.Failure{ID: "f1", Type: "DECRYPTION", Timestamp: day}
	timeline := []*domain.TimelineEvent{
		{ID: "t1", Timestamp: day.Add(time.Hour), Description: "File Deletion: report.docx"},
		{ID: "t2", Timestamp: day.Add(-time.Hour), Description: "File Deletion: early.docx"},
		{ID: "t3", Timestamp: day.Add(time.Hour), Description: "File Opened"},
		{ID: "t4", Timestamp: day.Add(2 * time.Hour), Description: "File Deletion: far.docx"},
		{ID: "t5", Timestamp: day.Add(3 * time.Hour), Description: "File Deletion: direct.docx"},
	}
	link := func(fromLabel, from, toLabel, to string) *domain.CaseLink {
		return &domain.CaseLink{FromID: from, FromLabel: fromLabel, ToID: to, ToLabel: toLabel, Type: domain.LinkRelatedTo}
	}
	links := []*domain.CaseLink{
		// two hops through a file
		link(domain.LabelFile, "file-1", domain.LabelFailure, "f1"),
		link(domain.LabelTimelineEvent, "t1", domain.LabelFile, "file-1"),
		link(domain.LabelFile, "file-1", domain.LabelTimelineEvent, "t2"),
		link(domain.LabelFile, "file-1", domain.LabelTimelineEvent, "t3"),
		// three hops away
		link(domain.LabelTimelineEvent, "t1", domain.LabelFile, "file-2"),
		link(domain.LabelFile, "file-2", domain.LabelTimelineEvent, "t4"),
		// direct, labels inferred
		{FromID: "t5", ToID: "f1"},
	}

	got := DeletionsAfterFailure(timeline, []*domain.Failure{failure}, links)
	assert.Equal(t, []string{"t1", "t5"}, got)

	t.Run("OtherLinkTypesIgnored", func(t *testing.T) {
		other := []*domain.CaseLink{{FromID: "t5", FromLabel: domain.LabelTimelineEvent, ToID: "f1", ToLabel: domain.LabelFailure, Type: "MENTIONS"}}
		assert.Empty(t, DeletionsAfterFailure(timeline, []*domain.Failure{failure}, other))
	})

	t.Run("NoFailures", func(t *testing.T) {
		assert.Empty(t, DeletionsAfterFailure(timeline, nil, links))
	})

	t.Run("NilEntriesSkipped", func(t *testing.T) {
		withNils := append([]*domain.TimelineEvent{nil}, timeline...)
		withNils = append(withNils, nil)
		var got []string
		assert.NotPanics(t, func() {
			got = DeletionsAfterFailure(withNils, []*domain.Failure{nil, failure, nil}, append(links, nil))
		})
		assert.Equal(t, []string{"t1", "t5"}, got)
	})
}

func TestProfile(t *testing.T) {
	t.Run("EmptyIsInvalid", func(t *testing.T) {
		_, err := Profile(nil)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("Regular", func(t *testing.T) {
		p, err := Profile(ops(3, "READ", "", "", day))
		require.NoError(t, err)
		assert.Equal(t, 3, p.HourHistogram[10])
		assert.InDelta(t, 1.0, p.Routine, 1e-9)
		assert.InDelta(t, -1.0, p.Burstiness, 1e-9)
		assert.Equal(t, 0.0, p.Secrecy)
		assert.InDelta(t, 0.0, p.MultiRelRisk, 1e-9)
	})

	t.Run("SecretNightChats", func(t *testing.T) {
		night := day.Add(13 * time.Hour) // 23:00
		events := []*domain.ActivityEvent{
			{ID: "3", Timestamp: at(night.Add(2 * time.Hour)), Type: "post", Location: "home"},
			{ID: "1", Timestamp: at(night), Type: "dm", Location: "home"},
			{ID: "2", Timestamp: at(night.Add(30 * time.Minute)), Type: "dm", Location: "hotel"},
		}
		p, err := Profile(events)
		require.NoError(t, err)

		assert.Equal(t, 3, p.Events)
		assert.Equal(t, 2, p.TypeDiversity)
		assert.Equal(t, 2, p.LocationDiversity)
		assert.Equal(t, 1.0, p.NightRatio)
		assert.InDelta(t, -1.0/3, p.Burstiness, 1e-9)
		assert.InDelta(t, 0.8, p.Secrecy, 1e-9)

		entropy := -(2.0/3*math.Log(2.0/3) + 1.0/3*math.Log(1.0/3))
		routine := 1 - entropy/math.Log(24)
		assert.InDelta(t, routine, p.Routine, 1e-9)
		assert.InDelta(t, 0.6*0.8+0.4*(1-routine), p.MultiRelRisk, 1e-9)
	})
}

func TestAnalyze(t *testing.T) {
	ctx := context.Background()
	analyzer := NewAnalyzer(nil, domain.DefaultAnalysisConfig())
	deletions := ops(5, "DELETE", "", "explorer.exe", day)

	tests := []struct {
		sensitivity domain.Sensitivity
		score       float64
		severity    domain.Severity
	}{
		{domain.SensitivityLow, 40, domain.SeverityHigh},
		{domain.SensitivityMedium, 60, domain.SeverityHigh},
		{domain.SensitivityHigh, 80, domain.SeverityCritical},
	}

	for _, tt := range tests {
		t.Run(string(tt.sensitivity), func(t *testing.T) {
			cc := NewCaseContext("case-1", tt.sensitivity, newMemoryStore())
			run, err := analyzer.Analyze(ctx, cc, Input{Subject: "user-1", Events: deletions})
			require.NoError(t, err)

			require.Len(t, run.Hypotheses, 1)
			h := run.Hypotheses[0]
			assert.Equal(t, domain.PatternAntiForensic, h.Type)
			assert.Equal(t, domain.SeverityHigh, h.Severity)
			assert.Equal(t, "user-1", h.Subject)

			assert.Equal(t, tt.score, run.RiskScore)
			assert.Equal(t, tt.severity, run.Severity)
			assert.Equal(t, 0.0, run.AnomalyScore)
			assert.NotEmpty(t, run.ID)
			assert.True(t, run.Metadata.BaselineDefault)
			assert.Equal(t, 5, run.Metadata.EventsAnalyzed)
		})
	}

	t.Run("CoverUpAndOperatorRule", func(t *testing.T) {
		engine, err := rules.NewEngine(2)
		require.NoError(t, err)
		defer engine.Close()
		require.NoError(t, engine.LoadRule(&domain.RuleConfig{
			ID:         "many-failures",
			Expression: "failures >= 2",
			Type:       domain.PatternPrivilegeEscalation,
			Severity:   domain.SeverityHigh,
			Confidence: 0.6,
			Enabled:    true,
		}))

		a := NewAnalyzer(engine, domain.DefaultAnalysisConfig())
		cc := NewCaseContext("case-1", domain.SensitivityLow, nil)
		run, err := a.Analyze(ctx, cc, Input{
			Failures: []*domain.Failure{
				{ID: "f1", Type: domain.FailureCustomProtection, Timestamp: day},
				{ID: "f2", Type: "DECRYPTION", Timestamp: day},
			},
		})
		require.NoError(t, err)

		require.Len(t, run.Hypotheses, 2)
		assert.Equal(t, domain.PatternDeliberateCoverUp, run.Hypotheses[0].Type)
		assert.Equal(t, domain.SeverityCritical, run.Hypotheses[0].Severity)
		assert.Equal(t, "many-failures", run.Hypotheses[1].RuleID)
		// 10 for the cover-up plus 50 for escalation
		assert.Equal(t, 60.0, run.RiskScore)
		assert.Equal(t, 1, run.Metadata.RulesEvaluated)
	})

	t.Run("NothingFound", func(t *testing.T) {
		cc := NewCaseContext("case-1", domain.SensitivityHigh, nil)
		run, err := analyzer.Analyze(ctx, cc, Input{Subject: "user-9"})
		require.NoError(t, err)
		assert.Empty(t, run.Hypotheses)
		assert.NotNil(t, run.Hypotheses)
		assert.Equal(t, 0.0, run.RiskScore)
		assert.Equal(t, domain.SeverityLow, run.Severity)
	})

	t.Run("Cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := analyzer.Analyze(cctx, NewCaseContext("case-1", domain.SensitivityLow, nil), Input{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
