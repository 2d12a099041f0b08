package domain

// Severity grades hypotheses, alerts and pair scores.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Rank orders severities so they can be compared.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// Sensitivity scales the final case risk score.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "LOW"
	SensitivityMedium Sensitivity = "MEDIUM"
	SensitivityHigh   Sensitivity = "HIGH"
)

// Valid reports whether s is a known sensitivity.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// Multiplier returns the score multiplier; unknown values act as LOW.
func (s Sensitivity) Multiplier() float64 {
	switch s {
	case SensitivityMedium:
		return 1.5
	case SensitivityHigh:
		return 2.0
	default:
		return 1.0
	}
}

// Hypothesis pattern types
const (
	PatternAntiForensic          = "ANTI_FORENSIC_BEHAVIOR"
	PatternPrivilegeEscalation   = "PRIVILEGE_ESCALATION_ATTEMPT"
	PatternTemporalInconsistency = "TEMPORAL_INCONSISTENCY"
	PatternDeliberateCoverUp     = "DELIBERATE_COVER_UP"
)

// PatternContribution shows how one detected pattern moved the case score.
type PatternContribution struct {
	Pattern      string  `json:"pattern"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
}
