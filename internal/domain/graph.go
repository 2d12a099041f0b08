package domain

import (
	"context"
)

// GraphStore is the property-graph boundary. Every write is an idempotent
// MERGE keyed by (label, key).
type GraphStore interface {
	// Bootstrap creates uniqueness constraints and indexes if absent.
	Bootstrap(ctx context.Context) error

	// UpsertNode merges a node by label and key and sets attrs.
	UpsertNode(ctx context.Context, label string, key map[string]any, attrs map[string]any) error

	// UpsertEdge merges an edge between two merged nodes.
	UpsertEdge(ctx context.Context, edge EdgeUpsert) error

	// LinkCandidates returns people sharing stays or calls with seed.
	LinkCandidates(ctx context.Context, caseID, seed string, k int) (*LinkCandidates, error)

	// SuspiciousPaths returns short paths from high-risk files to critical failures.
	SuspiciousPaths(ctx context.Context, caseID string, limit int) ([]SuspiciousPath, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close(ctx context.Context) error
}

// NodeRef addresses a node by label and key properties.
type NodeRef struct {
	Label string         `json:"label"`
	Key   map[string]any `json:"key"`
}

// EdgeUpsert describes one edge write. Attrs overwrite existing values;
// properties named in Accumulate are added to the stored value instead.
type EdgeUpsert struct {
	Type       string         `json:"type"`
	From       NodeRef        `json:"from"`
	To         NodeRef        `json:"to"`
	Attrs      map[string]any `json:"attrs,omitempty"`
	Accumulate []string       `json:"accumulate,omitempty"`
}

// LinkCandidate is a person related to a seed by a shared signal.
type LinkCandidate struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// LinkCandidates groups candidates by signal.
type LinkCandidates struct {
	Seed    string          `json:"seed"`
	CoStays []LinkCandidate `json:"coStays"`
	Calls   []LinkCandidate `json:"calls"`
}

// SuspiciousPath connects a high-risk file to a critical failure.
type SuspiciousPath struct {
	FileID    string   `json:"fileId"`
	FailureID string   `json:"failureId"`
	Nodes     []string `json:"nodes"`
	Length    int      `json:"length"`
	RiskScore float64  `json:"riskScore"`
}

// Graph labels and relationship types
const (
	LabelAccount  = "Account"
	LabelIdentity = "Identity"
	LabelPerson   = "Person"
	LabelPlace    = "Place"

	RelAliasOf   = "ALIAS_OF"
	RelMemberOf  = "MEMBER_OF"
	RelContacted = "CONTACTED"
	RelStayedAt  = "STAYED_AT"
	RelCalled    = "CALLED"
)

// GraphConfig holds configuration for the property-graph store.
type GraphConfig struct {
	// Driver is "memory" or "neo4j"
	Driver string `json:"driver" yaml:"driver"`

	URI            string `json:"uri" yaml:"uri"`
	Database       string `json:"database" yaml:"database"`
	Username       string `json:"username" yaml:"username"`
	Password       string `json:"-" yaml:"password"`
	MaxConnections int    `json:"maxConnections" yaml:"max_connections"`
}
