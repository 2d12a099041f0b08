package domain

// RuleConfig is an operator-defined hypothesis rule.
type RuleConfig struct {
	ID          string `json:"id"`
	CaseID      string `json:"caseId"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version"`

	// CEL expression evaluated over analysis facts. A bool result fires on
	// true; a numeric result fires when it reaches Threshold.
	Expression string  `json:"expression"`
	Threshold  float64 `json:"threshold,omitempty"`

	// Hypothesis emitted when the rule fires
	Type       string   `json:"type"`
	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`

	// Contribution to the case score; zero falls back to the pattern weight
	Weight float64 `json:"weight"`

	// Whether rule is active
	Enabled bool `json:"enabled"`
}

// RuleResult is the output of a rule evaluation.
type RuleResult struct {
	RuleID    string  `json:"ruleId"`
	Fired     bool    `json:"fired"`
	Score     float64 `json:"score"`
	Error     string  `json:"error,omitempty"`
	ProcessMs int64   `json:"processMs"`
}

// GlobalCaseID scopes rules that apply to every case.
const GlobalCaseID = "*"
