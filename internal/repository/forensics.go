package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/harrier/internal/domain"
)

// SaveTimelineEvent upserts a forensic timeline entry.
func (r *SQLRepository) SaveTimelineEvent(ctx context.Context, caseID string, ev *domain.TimelineEvent) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if ev == nil || ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: timeline timestamp is required", ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	query := `
		INSERT INTO timeline_events (id, case_id, ts, description)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			ts = excluded.ts,
			description = excluded.description
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), ev.ID, caseID, ev.Timestamp.UTC(), ev.Description)
	return classify(err)
}

// ListTimeline returns the timeline of a case in timestamp order.
func (r *SQLRepository) ListTimeline(ctx context.Context, caseID string) ([]*domain.TimelineEvent, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, case_id, ts, description
		FROM timeline_events
		WHERE case_id = ?
		ORDER BY ts, id
	`), caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []*domain.TimelineEvent
	for rows.Next() {
		var ev domain.TimelineEvent
		if err := rows.Scan(&ev.ID, &ev.CaseID, &ev.Timestamp, &ev.Description); err != nil {
			return nil, err
		}
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, &ev)
	}

	return events, classify(rows.Err())
}

// SaveFailure upserts a protection failure.
func (r *SQLRepository) SaveFailure(ctx context.Context, caseID string, f *domain.Failure) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if f == nil || f.Type == "" {
		return fmt.Errorf("%w: failure type is required", ErrInvalidInput)
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}

	query := `
		INSERT INTO failures (id, case_id, type, ts)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			type = excluded.type,
			ts = excluded.ts
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), f.ID, caseID, f.Type, f.Timestamp.UTC())
	return classify(err)
}

// ListFailures returns the failures of a case in timestamp order.
func (r *SQLRepository) ListFailures(ctx context.Context, caseID string) ([]*domain.Failure, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, case_id, type, ts
		FROM failures
		WHERE case_id = ?
		ORDER BY ts, id
	`), caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var failures []*domain.Failure
	for rows.Next() {
		var f domain.Failure
		if err := rows.Scan(&f.ID, &f.CaseID, &f.Type, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Timestamp = f.Timestamp.UTC()
		failures = append(failures, &f)
	}

	return failures, classify(rows.Err())
}

// SaveFile upserts a file artifact.
func (r *SQLRepository) SaveFile(ctx context.Context, caseID string, f *domain.FileArtifact) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if f == nil || f.Path == "" {
		return fmt.Errorf("%w: file path is required", ErrInvalidInput)
	}
	if f.ID == "" {
		f.ID = uuid.New().String()
	}

	query := `
		INSERT INTO files (id, case_id, path, hash, risk_score)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			path = excluded.path,
			hash = excluded.hash,
			risk_score = excluded.risk_score
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query), f.ID, caseID, f.Path, nullString(f.Hash), f.RiskScore)
	return classify(err)
}

// ListFiles returns the file artifacts of a case ordered by id.
func (r *SQLRepository) ListFiles(ctx context.Context, caseID string) ([]*domain.FileArtifact, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT id, case_id, path, hash, risk_score
		FROM files
		WHERE case_id = ?
		ORDER BY id
	`), caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var files []*domain.FileArtifact
	for rows.Next() {
		var f domain.FileArtifact
		var hash sql.NullString
		if err := rows.Scan(&f.ID, &f.CaseID, &f.Path, &hash, &f.RiskScore); err != nil {
			return nil, err
		}
		f.Hash = hash.String
		files = append(files, &f)
	}

	return files, classify(rows.Err())
}

// SaveCaseLink stores a link between two case entities. Duplicates are
// ignored.
func (r *SQLRepository) SaveCaseLink(ctx context.Context, caseID string, l *domain.CaseLink) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if l == nil || l.FromID == "" || l.ToID == "" {
		return fmt.Errorf("%w: link endpoints are required", ErrInvalidInput)
	}
	linkType := l.Type
	if linkType == "" {
		linkType = domain.LinkRelatedTo
	}

	query := `
		INSERT INTO case_links (case_id, from_id, from_label, to_id, to_label, type)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, from_id, to_id, type) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		caseID, l.FromID, l.FromLabel, l.ToID, l.ToLabel, linkType,
	)
	return classify(err)
}

// ListCaseLinks returns the links of a case.
func (r *SQLRepository) ListCaseLinks(ctx context.Context, caseID string) ([]*domain.CaseLink, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(`
		SELECT case_id, from_id, from_label, to_id, to_label, type
		FROM case_links
		WHERE case_id = ?
		ORDER BY from_id, to_id, type
	`), caseID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var links []*domain.CaseLink
	for rows.Next() {
		var l domain.CaseLink
		if err := rows.Scan(&l.CaseID, &l.FromID, &l.FromLabel, &l.ToID, &l.ToLabel, &l.Type); err != nil {
			return nil, err
		}
		links = append(links, &l)
	}

	return links, classify(rows.Err())
}

// SaveActivity upserts an endpoint activity event.
func (r *SQLRepository) SaveActivity(ctx context.Context, caseID string, ev *domain.ActivityEvent) error {
	if err := requireCase(caseID); err != nil {
		return err
	}
	if ev == nil || ev.UserID == "" || ev.Operation == "" {
		return fmt.Errorf("%w: activity user and operation are required", ErrInvalidInput)
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}

	query := `
		INSERT INTO activity_events (
			id, case_id, user_id, ts, operation, file_type,
			process_name, file_path, type, location
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id, id) DO UPDATE SET
			user_id = excluded.user_id,
			ts = excluded.ts,
			operation = excluded.operation,
			file_type = excluded.file_type,
			process_name = excluded.process_name,
			file_path = excluded.file_path,
			type = excluded.type,
			location = excluded.location
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, caseID, ev.UserID, nullTime(ev.Timestamp), ev.Operation,
		nullString(ev.FileType), nullString(ev.ProcessName), nullString(ev.FilePath),
		nullString(ev.Type), nullString(ev.Location),
	)
	return classify(err)
}

// ListActivity returns the activity of one user, or of every user when
// userID is empty. A non-zero since drops untimed events.
func (r *SQLRepository) ListActivity(ctx context.Context, caseID, userID string, since time.Time) ([]*domain.ActivityEvent, error) {
	if err := requireCase(caseID); err != nil {
		return nil, err
	}

	f := newFilter(caseID).eq("user_id", userID).since("ts", since)
	query := `
		SELECT id, case_id, user_id, ts, operation, file_type,
			   process_name, file_path, type, location
		FROM activity_events` + f.where() + `
		ORDER BY CASE WHEN ts IS NULL THEN 0 ELSE 1 END, ts, id
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), f.args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var events []*domain.ActivityEvent
	for rows.Next() {
		var ev domain.ActivityEvent
		var ts sql.NullTime
		var fileType, process, path, typ, location sql.NullString

		if err := rows.Scan(
			&ev.ID, &ev.CaseID, &ev.UserID, &ts, &ev.Operation,
			&fileType, &process, &path, &typ, &location,
		); err != nil {
			return nil, err
		}

		ev.Timestamp = timePtr(ts)
		ev.FileType = fileType.String
		ev.ProcessName = process.String
		ev.FilePath = path.String
		ev.Type = typ.String
		ev.Location = location.String
		events = append(events, &ev)
	}

	return events, classify(rows.Err())
}
