// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

var (
	ErrNotFound     = domain.ErrNotFound
	ErrInvalidInput = domain.ErrValidation
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported driver: %s", ErrInvalidInput, cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", classify(err))
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
		now:    time.Now,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return classify(err)
		}
	}
	return nil
}

func requireCase(caseID string) error {
	if caseID == "" {
		return fmt.Errorf("%w: caseID is required", ErrInvalidInput)
	}
	return nil
}

// classify marks errors of an unreachable database as ErrConnectivity so
// callers know they may retry.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrConnectivity) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	return err
}

// SaveRuleConfig stores a rule configuration for a case, or for every case
// when caseID is domain.GlobalCaseID.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, caseID string, rule *domain.RuleConfig) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if rule == nil || rule.ID == "" || rule.Expression == "" {
		return fmt.Errorf("%w: rule id and expression are required", ErrInvalidInput)
	}

	version := rule.Version
	if version == "" {
		version = "1.0.0"
	}
	now := r.now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, case_id, name, description, version, expression, threshold,
			type, severity, confidence, weight, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id, case_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			threshold = excluded.threshold,
			type = excluded.type,
			severity = excluded.severity,
			confidence = excluded.confidence,
			weight = excluded.weight,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, caseID, rule.Name, rule.Description, version,
		rule.Expression, rule.Threshold, rule.Type, string(rule.Severity),
		rule.Confidence, rule.Weight, boolInt(rule.Enabled),
		now, now,
	)
	return classify(err)
}

const ruleColumns = `id, case_id, name, description, version, expression, threshold,
	type, severity, confidence, weight, enabled`

func scanRule(s scanner) (*domain.RuleConfig, error) {
	var cfg domain.RuleConfig
	var description sql.NullString
	var severity string
	var enabled int

	if err := s.Scan(
		&cfg.ID, &cfg.CaseID, &cfg.Name, &description, &cfg.Version,
		&cfg.Expression, &cfg.Threshold, &cfg.Type, &severity,
		&cfg.Confidence, &cfg.Weight, &enabled,
	); err != nil {
		return nil, err
	}
	cfg.Description = description.String
	cfg.Severity = domain.Severity(severity)
	cfg.Enabled = enabled == 1
	return &cfg, nil
}

// GetRuleConfig retrieves the latest enabled version of a rule. A rule
// stored for the case shadows a global rule with the same id.
func (r *SQLRepository) GetRuleConfig(ctx context.Context, caseID string, ruleID string) (*domain.RuleConfig, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE case_id IN (?, ?) AND id = ? AND enabled = 1
		ORDER BY CASE WHEN case_id = ? THEN 0 ELSE 1 END, version DESC
		LIMIT 1
	`

	cfg, err := scanRule(r.db.QueryRowContext(ctx, r.rebind(query),
		caseID, domain.GlobalCaseID, ruleID, caseID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: rule %s", ErrNotFound, ruleID)
	}
	if err != nil {
		return nil, classify(err)
	}
	return cfg, nil
}

// ListRuleConfigs retrieves the active rules of a case, including global
// rules it does not shadow, ordered by name.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context, caseID string) ([]*domain.RuleConfig, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	query := `
		SELECT ` + ruleColumns + `
		FROM rule_configs
		WHERE case_id IN (?, ?) AND enabled = 1
		ORDER BY id, CASE WHEN case_id = ? THEN 0 ELSE 1 END, version DESC
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID, domain.GlobalCaseID, caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	seen := make(map[string]bool)
	for rows.Next() {
		cfg, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		if seen[cfg.ID] {
			continue
		}
		seen[cfg.ID] = true
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	sort.SliceStable(configs, func(i, j int) bool { return configs[i].Name < configs[j].Name })
	return configs, nil
}

// SaveAnalysisRun appends a hypothesis run. Runs are never updated.
func (r *SQLRepository) SaveAnalysisRun(ctx context.Context, caseID string, run *domain.AnalysisRun) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: run is required", ErrInvalidInput)
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = r.now()
	}

	hypotheses, err := json.Marshal(run.Hypotheses)
	if err != nil {
		return fmt.Errorf("%w: hypotheses: %v", ErrInvalidInput, err)
	}
	contributions, _ := json.Marshal(run.Contributions)
	metadata, _ := json.Marshal(run.Metadata)

	query := `
		INSERT INTO analysis_runs (
			id, case_id, subject, sensitivity, hypotheses, anomaly_score,
			risk_score, severity, contributions, alert_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		run.ID, caseID, nullString(run.Subject), string(run.Sensitivity),
		string(hypotheses), run.AnomalyScore, run.RiskScore, string(run.Severity),
		string(contributions), nullString(run.AlertID), string(metadata),
		run.CreatedAt.UTC(),
	)
	return classify(err)
}

// ListAnalysisRuns returns every run of a case, oldest first.
func (r *SQLRepository) ListAnalysisRuns(ctx context.Context, caseID string) ([]*domain.AnalysisRun, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, case_id, subject, sensitivity, hypotheses, anomaly_score,
			   risk_score, severity, contributions, alert_id, metadata, created_at
		FROM analysis_runs
		WHERE case_id = ?
		ORDER BY created_at, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var runs []*domain.AnalysisRun
	for rows.Next() {
		var run domain.AnalysisRun
		var subject, contributions, alertID sql.NullString
		var sensitivity, severity, hypotheses, metadata string

		if err := rows.Scan(
			&run.ID, &run.CaseID, &subject, &sensitivity, &hypotheses,
			&run.AnomalyScore, &run.RiskScore, &severity, &contributions,
			&alertID, &metadata, &run.CreatedAt,
		); err != nil {
			return nil, err
		}

		run.Subject = subject.String
		run.AlertID = alertID.String
		run.Sensitivity = domain.Sensitivity(sensitivity)
		run.Severity = domain.Severity(severity)
		run.CreatedAt = run.CreatedAt.UTC()
		if err := json.Unmarshal([]byte(hypotheses), &run.Hypotheses); err != nil {
			return nil, fmt.Errorf("failed to parse hypotheses of run %s: %w", run.ID, err)
		}
		if contributions.String != "" {
			json.Unmarshal([]byte(contributions.String), &run.Contributions)
		}
		json.Unmarshal([]byte(metadata), &run.Metadata)
		runs = append(runs, &run)
	}

	return runs, classify(rows.Err())
}

// SaveCustodyRecord stores a new custody record. A record that already
// exists is left untouched.
func (r *SQLRepository) SaveCustodyRecord(ctx context.Context, caseID string, rec *domain.EvidenceCustodyRecord) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if rec == nil || rec.ArtifactID == "" {
		return fmt.Errorf("%w: artifact id is required", ErrInvalidInput)
	}

	log, err := json.Marshal(rec.CustodianLog)
	if err != nil {
		return fmt.Errorf("%w: custodian log: %v", ErrInvalidInput, err)
	}

	query := `
		INSERT INTO custody_records (
			case_id, artifact_id, acquisition_time, data_source,
			storage_location, integrity_hash, payload, custodian_log
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, artifact_id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		caseID, rec.ArtifactID, rec.AcquisitionTime.UTC(), rec.DataSource,
		rec.StorageLocation, rec.IntegrityHash, string(rec.Payload), string(log),
	)
	return classify(err)
}

// GetCustodyRecord retrieves a custody record by artifact id.
func (r *SQLRepository) GetCustodyRecord(ctx context.Context, caseID string, artifactID string) (*domain.EvidenceCustodyRecord, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	query := `
		SELECT case_id, artifact_id, acquisition_time, data_source,
			   storage_location, integrity_hash, payload, custodian_log
		FROM custody_records
		WHERE case_id = ? AND artifact_id = ?
	`

	var rec domain.EvidenceCustodyRecord
	var payload, log string

	err := r.db.QueryRowContext(ctx, r.rebind(query), caseID, artifactID).Scan(
		&rec.CaseID, &rec.ArtifactID, &rec.AcquisitionTime, &rec.DataSource,
		&rec.StorageLocation, &rec.IntegrityHash, &payload, &log,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: custody record %s", ErrNotFound, artifactID)
	}
	if err != nil {
		return nil, classify(err)
	}

	rec.AcquisitionTime = rec.AcquisitionTime.UTC()
	rec.Payload = json.RawMessage(payload)
	if err := json.Unmarshal([]byte(log), &rec.CustodianLog); err != nil {
		return nil, fmt.Errorf("failed to parse custodian log of %s: %w", artifactID, err)
	}
	return &rec, nil
}

// AppendCustodyEntry adds a hand-off to the custodian log of a record.
// The payload and hash are never touched.
func (r *SQLRepository) AppendCustodyEntry(ctx context.Context, caseID string, artifactID string, entry domain.CustodyEntry) error {
	if err := requireCase(caseID); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	query := `SELECT custodian_log FROM custody_records WHERE case_id = ? AND artifact_id = ?`
	if r.driver == "postgres" {
		query += " FOR UPDATE"
	}

	var raw string
	err = tx.QueryRowContext(ctx, r.rebind(query), caseID, artifactID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: custody record %s", ErrNotFound, artifactID)
	}
	if err != nil {
		return classify(err)
	}

	var log []domain.CustodyEntry
	if err := json.Unmarshal([]byte(raw), &log); err != nil {
		return fmt.Errorf("failed to parse custodian log of %s: %w", artifactID, err)
	}
	entry.Timestamp = entry.Timestamp.UTC()
	log = append(log, entry)
	updated, _ := json.Marshal(log)

	if _, err := tx.ExecContext(ctx,
		r.rebind(`UPDATE custody_records SET custodian_log = ? WHERE case_id = ? AND artifact_id = ?`),
		string(updated), caseID, artifactID,
	); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConnectivity, err)
	}
	return nil
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			fmt.Fprintf(&b, "$%d", n)
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

type scanner interface {
	Scan(dest ...any) error
}

// filter accumulates WHERE clauses. Zero time bounds are skipped.
type filter struct {
	clauses []string
	args    []any
}

func newFilter(caseID string) *filter {
	return &filter{clauses: []string{"case_id = ?"}, args: []any{caseID}}
}

func (f *filter) eq(col string, v string) *filter {
	if v != "" {
		f.clauses = append(f.clauses, col+" = ?")
		f.args = append(f.args, v)
	}
	return f
}

func (f *filter) since(col string, t time.Time) *filter {
	if !t.IsZero() {
		f.clauses = append(f.clauses, col+" >= ?")
		f.args = append(f.args, t.UTC())
	}
	return f
}

func (f *filter) until(col string, t time.Time) *filter {
	if !t.IsZero() {
		f.clauses = append(f.clauses, col+" <= ?")
		f.args = append(f.args, t.UTC())
	}
	return f
}

func (f *filter) where() string {
	return " WHERE " + strings.Join(f.clauses, " AND ")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	ts := t.Time.UTC()
	return &ts
}

func jsonText(v map[string]any) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func jsonMap(s sql.NullString) map[string]any {
	if !s.Valid || s.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil
	}
	return m
}
