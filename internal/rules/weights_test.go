package rules

import (
	"testing"

	"github.com/opensource-finance/harrier/internal/domain"
)

func TestCombine(t *testing.T) {
	anti := domain.Hypothesis{Type: domain.PatternAntiForensic}
	priv := domain.Hypothesis{Type: domain.PatternPrivilegeEscalation}
	other := domain.Hypothesis{Type: domain.PatternTemporalInconsistency}

	tests := []struct {
		name        string
		hyps        []domain.Hypothesis
		anomaly     float64
		sensitivity domain.Sensitivity
		want        float64
	}{
		{"anti-forensic low", []domain.Hypothesis{anti}, 0, domain.SensitivityLow, 40},
		{"anti-forensic medium", []domain.Hypothesis{anti}, 0, domain.SensitivityMedium, 60},
		{"anti-forensic high", []domain.Hypothesis{anti}, 0, domain.SensitivityHigh, 80},
		{"with anomaly", []domain.Hypothesis{anti, other}, 15, domain.SensitivityLow, 65},
		{"clamped before multiplier", []domain.Hypothesis{anti, priv, other}, 60, domain.SensitivityLow, 100},
		{"clamped after multiplier", []domain.Hypothesis{priv, other}, 0, domain.SensitivityHigh, 100},
		{"unknown sensitivity acts as low", []domain.Hypothesis{other}, 0, "EXTREME", 10},
		{"nothing", nil, 0, domain.SensitivityHigh, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, contributions := Combine(tt.hyps, tt.anomaly, tt.sensitivity, nil)
			if got != tt.want {
				t.Errorf("expected %.2f, got %.2f", tt.want, got)
			}
			if len(contributions) != len(tt.hyps) {
				t.Errorf("expected %d contributions, got %d", len(tt.hyps), len(contributions))
			}
		})
	}
}

func TestCombineCustomWeight(t *testing.T) {
	weightOf := func(h domain.Hypothesis) float64 {
		if h.RuleID == "custom" {
			return 5
		}
		return PatternWeight(h.Type)
	}
	got, contributions := Combine([]domain.Hypothesis{{Type: "X", RuleID: "custom"}}, 0, domain.SensitivityMedium, weightOf)
	if got != 7.5 {
		t.Errorf("expected 7.5, got %v", got)
	}
	if contributions[0].Weight != 5 || contributions[0].Contribution != 7.5 {
		t.Errorf("unexpected contribution: %+v", contributions[0])
	}
}

func TestBuiltins(t *testing.T) {
	t.Run("AntiForensicByDeletions", func(t *testing.T) {
		h, ok := AntiForensic(Facts{Deletions: 5})
		if !ok {
			t.Fatal("expected anti-forensic hypothesis for 5 deletions")
		}
		if h.Severity != domain.SeverityHigh || h.EvidenceCount != 5 {
			t.Errorf("unexpected hypothesis: %+v", h)
		}
		if h.Confidence != 0.75 {
			t.Errorf("expected confidence 0.75, got %v", h.Confidence)
		}
	})

	t.Run("AntiForensicByEncryption", func(t *testing.T) {
		if _, ok := AntiForensic(Facts{Encrypted: 3}); !ok {
			t.Error("expected anti-forensic hypothesis for 3 encrypted files")
		}
		if _, ok := AntiForensic(Facts{Deletions: 4, Encrypted: 2}); ok {
			t.Error("4 deletions and 2 encrypted files should not fire")
		}
	})

	t.Run("ConfidenceCapped", func(t *testing.T) {
		h, _ := AntiForensic(Facts{Deletions: 100})
		if h.Confidence != 0.95 {
			t.Errorf("expected capped confidence 0.95, got %v", h.Confidence)
		}
	})

	t.Run("TemporalInconsistency", func(t *testing.T) {
		h, ok := TemporalInconsistency(Facts{DeletionsAfterFailure: 2})
		if !ok || h.EvidenceCount != 2 || h.Confidence != 0.80 {
			t.Errorf("unexpected hypothesis: %+v %v", h, ok)
		}
		if _, ok := TemporalInconsistency(Facts{}); ok {
			t.Error("no deletions after failure should not fire")
		}
	})

	t.Run("CoverUp", func(t *testing.T) {
		h, ok := CoverUp(Facts{CustomProtectionFailures: 1})
		if !ok || h.Severity != domain.SeverityCritical || h.Confidence != 0.85 {
			t.Errorf("unexpected hypothesis: %+v %v", h, ok)
		}
	})

	t.Run("FixedOrder", func(t *testing.T) {
		hyps := Builtins(Facts{Deletions: 6, DeletionsAfterFailure: 1, CustomProtectionFailures: 1})
		if len(hyps) != 3 {
			t.Fatalf("expected 3 hypotheses, got %d", len(hyps))
		}
		want := []string{domain.PatternDeliberateCoverUp, domain.PatternAntiForensic, domain.PatternTemporalInconsistency}
		for i, h := range hyps {
			if h.Type != want[i] {
				t.Errorf("hypothesis %d: expected %s, got %s", i, want[i], h.Type)
			}
		}
	})
}
