package domain

import (
	"time"
)

// ActivityEvent is one endpoint operation attributed to a user.
type ActivityEvent struct {
	ID          string     `json:"id"`
	CaseID      string     `json:"caseId"`
	UserID      string     `json:"userId"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Operation   string     `json:"operation"`
	FileType    string     `json:"fileType,omitempty"`
	ProcessName string     `json:"processName,omitempty"`
	FilePath    string     `json:"filePath,omitempty"`
	Type        string     `json:"type,omitempty"`
	Location    string     `json:"location,omitempty"`
}

// TimelineEvent is a forensic timeline entry.
type TimelineEvent struct {
	ID          string    `json:"id"`
	CaseID      string    `json:"caseId"`
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
}

// Failure is a recorded protection or control failure.
type Failure struct {
	ID        string    `json:"id"`
	CaseID    string    `json:"caseId"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// FailureCustomProtection is the failure type that signals a cover-up.
const FailureCustomProtection = "CUSTOM_PROTECTION"

// Severity derives the graph severity of a failure.
func (f *Failure) Severity() Severity {
	if f.Type == FailureCustomProtection {
		return SeverityCritical
	}
	return SeverityHigh
}

// FileArtifact is a file of interest with its assessed risk.
type FileArtifact struct {
	ID        string  `json:"id"`
	CaseID    string  `json:"caseId"`
	Path      string  `json:"path"`
	Hash      string  `json:"hash,omitempty"`
	RiskScore float64 `json:"riskScore"`
}

// Case link node labels
const (
	LabelTimelineEvent = "TimelineEvent"
	LabelFailure       = "Failure"
	LabelFile          = "File"
)

// LinkRelatedTo is the only case link type traversed by the engine.
const LinkRelatedTo = "RELATED_TO"

// CaseLink connects two case entities.
type CaseLink struct {
	CaseID    string `json:"caseId"`
	FromID    string `json:"from"`
	FromLabel string `json:"fromLabel"`
	ToID      string `json:"to"`
	ToLabel   string `json:"toLabel"`
	Type      string `json:"type"`
}

// Hypothesis is one explainable finding about a case or identity.
type Hypothesis struct {
	Type          string   `json:"type"`
	Severity      Severity `json:"severity"`
	Reason        string   `json:"reason"`
	EvidenceCount int      `json:"evidenceCount"`
	Confidence    float64  `json:"confidence"`
	Subject       string   `json:"subject,omitempty"`
	RuleID        string   `json:"ruleId,omitempty"`
}

// AnalysisRun is an append-only record of one hypothesis pass.
type AnalysisRun struct {
	ID            string                `json:"id"`
	CaseID        string                `json:"caseId"`
	Subject       string                `json:"subject,omitempty"`
	Sensitivity   Sensitivity           `json:"sensitivity"`
	Hypotheses    []Hypothesis          `json:"hypotheses"`
	AnomalyScore  float64               `json:"anomalyScore"`
	RiskScore     float64               `json:"riskScore"`
	Severity      Severity              `json:"severity"`
	Contributions []PatternContribution `json:"contributions,omitempty"`
	AlertID       string                `json:"alertId,omitempty"`
	CreatedAt     time.Time             `json:"createdAt"`
	Metadata      RunMetadata           `json:"metadata"`
}

// RunMetadata contains processing information.
type RunMetadata struct {
	TraceID         string `json:"traceId,omitempty"`
	EventsAnalyzed  int    `json:"eventsAnalyzed"`
	RulesEvaluated  int    `json:"rulesEvaluated"`
	TotalMs         int64  `json:"totalMs"`
	BaselineDefault bool   `json:"baselineDefault"`
	EngineVersion   string `json:"engineVersion"`
}

// Baseline is the behavioral norm of one identity.
type Baseline struct {
	IdentityKey      string    `json:"identity"`
	AvgDailyOps      float64   `json:"avgDailyOps"`
	AvgOffHoursRatio float64   `json:"avgOffHoursRatio"`
	UsualProcesses   []string  `json:"usualProcesses"`
	Observations     int       `json:"observations"`
	Days             int       `json:"days"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// DefaultBaseline is the conservative norm used before any observation.
func DefaultBaseline(identityKey string) *Baseline {
	return &Baseline{
		IdentityKey:      identityKey,
		AvgDailyOps:      125,
		AvgOffHoursRatio: 0.03,
		UsualProcesses:   []string{"explorer.exe", "chrome.exe", "outlook.exe"},
	}
}

// Alert is raised when a case risk score crosses the alert threshold.
type Alert struct {
	ID           string                 `json:"alertId"`
	CaseID       string                 `json:"caseId"`
	Subject      string                 `json:"subject"`
	Confidence   float64                `json:"confidence"`
	Severity     Severity               `json:"severity"`
	RiskScore    float64                `json:"riskScore"`
	AnomalyScore float64                `json:"anomalyScore"`
	Patterns     []Hypothesis           `json:"detectedPatterns"`
	Recommended  []string               `json:"recommendedActions"`
	CreatedAt    time.Time              `json:"timestamp"`
	Custody      *EvidenceCustodyRecord `json:"custody,omitempty"`
}
