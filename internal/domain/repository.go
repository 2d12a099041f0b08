// Package domain defines the core interfaces and types for Harrier.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for relational persistence.
// All methods require caseID; a zero since/from/to bound means unbounded.
type Repository interface {
	// Accounts: first-non-null-wins upsert, returns the stored id
	SaveAccount(ctx context.Context, caseID string, acc *RawAccount) (string, error)
	ListAccounts(ctx context.Context, caseID string, since time.Time) ([]*RawAccount, error)

	// Communication and payment events
	SaveEvent(ctx context.Context, caseID string, ev *Event) error
	ListEvents(ctx context.Context, caseID string, since time.Time) ([]*Event, error)

	// Location evidence; an empty personID lists every person
	SavePing(ctx context.Context, caseID string, p *Ping) error
	ListPings(ctx context.Context, caseID, personID string, from, to time.Time) ([]*Ping, error)
	SaveHotelStay(ctx context.Context, caseID string, s *HotelStay) error
	ListHotelStays(ctx context.Context, caseID, personID string, from, to time.Time) ([]*HotelStay, error)
	SaveCall(ctx context.Context, caseID string, c *Call) error
	ListCalls(ctx context.Context, caseID string, since time.Time) ([]*Call, error)
	CountCalls(ctx context.Context, caseID, a, b string, from, to time.Time) (int, error)

	// Forensic evidence
	SaveTimelineEvent(ctx context.Context, caseID string, ev *TimelineEvent) error
	ListTimeline(ctx context.Context, caseID string) ([]*TimelineEvent, error)
	SaveFailure(ctx context.Context, caseID string, f *Failure) error
	ListFailures(ctx context.Context, caseID string) ([]*Failure, error)
	SaveFile(ctx context.Context, caseID string, f *FileArtifact) error
	ListFiles(ctx context.Context, caseID string) ([]*FileArtifact, error)
	SaveCaseLink(ctx context.Context, caseID string, l *CaseLink) error
	ListCaseLinks(ctx context.Context, caseID string) ([]*CaseLink, error)
	SaveActivity(ctx context.Context, caseID string, ev *ActivityEvent) error
	ListActivity(ctx context.Context, caseID, userID string, since time.Time) ([]*ActivityEvent, error)

	// Rule configuration operations
	SaveRuleConfig(ctx context.Context, caseID string, rule *RuleConfig) error
	GetRuleConfig(ctx context.Context, caseID string, ruleID string) (*RuleConfig, error)
	ListRuleConfigs(ctx context.Context, caseID string) ([]*RuleConfig, error)

	// Hypothesis runs are append-only
	SaveAnalysisRun(ctx context.Context, caseID string, run *AnalysisRun) error
	ListAnalysisRuns(ctx context.Context, caseID string) ([]*AnalysisRun, error)

	// Chain of custody
	SaveCustodyRecord(ctx context.Context, caseID string, rec *EvidenceCustodyRecord) error
	GetCustodyRecord(ctx context.Context, caseID string, artifactID string) (*EvidenceCustodyRecord, error)
	AppendCustodyEntry(ctx context.Context, caseID string, artifactID string, entry CustodyEntry) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string `json:"driver" yaml:"driver"`

	// SQLite specific
	SQLitePath string `json:"sqlitePath" yaml:"sqlite_path"`

	// PostgreSQL specific
	PostgresHost     string `json:"postgresHost" yaml:"postgres_host"`
	PostgresPort     int    `json:"postgresPort" yaml:"postgres_port"`
	PostgresUser     string `json:"postgresUser" yaml:"postgres_user"`
	PostgresPassword string `json:"-" yaml:"postgres_password"`
	PostgresDB       string `json:"postgresDb" yaml:"postgres_db"`
	PostgresSSLMode  string `json:"postgresSslMode" yaml:"postgres_sslmode"`

	// Connection pool settings
	MaxOpenConns    int           `json:"maxOpenConns" yaml:"max_open_conns"`
	MaxIdleConns    int           `json:"maxIdleConns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"conn_max_lifetime"`
}
