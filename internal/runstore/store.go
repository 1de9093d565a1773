package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hochfrequenz/adw-orchestrator/internal/domain"
)

var (
	// ErrNotFound is returned when a run does not exist
	ErrNotFound = errors.New("run not found")

	// ErrActiveRunExists is returned when the issue already has a pending or running run
	ErrActiveRunExists = errors.New("issue already has an active run")

	// ErrConflict is returned when the stored status no longer matches the expected one
	ErrConflict = errors.New("run was modified concurrently")
)

// Store provides SQLite-backed persistence for workflow runs, phase attempts and logs
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path. ":memory:" opens a
// private in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// One connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"}
	if dbPath != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

const runColumns = `adw_id, issue_number, workflow_type, status, branch_name, plan_file,
	pull_request_url, implementation_summary, error_message, error_phase, error_kind,
	created_at, started_at, completed_at, resumed_at`

const phaseColumns = `id, adw_id, phase, attempt, status, started_at, completed_at,
	output_ref, artifacts, error_message, error_kind, created_at`

// idAttempts bounds how often CreateRun draws a new adw_id after a collision
const idAttempts = 5

// CreateRun inserts a new run. It fails with ErrActiveRunExists when the
// issue already has a pending or running run. If run.ADWID is already taken
// a fresh id is assigned to run and the insert is retried.
func (s *Store) CreateRun(ctx context.Context, run *domain.WorkflowRun) error {
	for attempt := 1; ; attempt++ {
		err := s.insertRun(ctx, run)
		if !isUniqueViolation(err) {
			return err
		}
		if !strings.Contains(err.Error(), "workflow_runs.adw_id") {
			return ErrActiveRunExists
		}
		if attempt >= idAttempts {
			return fmt.Errorf("allocating adw_id after %d attempts: %w", attempt, err)
		}
		run.ADWID = domain.NewADWID()
	}
}

func (s *Store) insertRun(ctx context.Context, run *domain.WorkflowRun) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (`+runColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		run.ADWID,
		run.IssueNumber,
		string(run.Type),
		string(run.Status),
		run.BranchName,
		run.PlanFile,
		run.PullRequestURL,
		run.ImplementationSummary,
		run.ErrorMessage,
		string(run.ErrorPhase),
		string(run.ErrorKind),
		run.CreatedAt.UTC(),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullTime(run.ResumedAt),
		s.now(),
	)
	return err
}

// GetRun retrieves a run with its phase attempts in creation order
func (s *Store) GetRun(ctx context.Context, adwID string) (*domain.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE adw_id = ?`, adwID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	run.Phases, err = s.ListPhaseRuns(ctx, adwID)
	if err != nil {
		return nil, err
	}
	return run, nil
}

// UpdateRun writes every mutable field of run, provided the stored status
// still equals expected. Returns ErrConflict when another writer moved the
// run first, ErrActiveRunExists when reactivating would duplicate an active
// run for the same issue.
func (s *Store) UpdateRun(ctx context.Context, run *domain.WorkflowRun, expected domain.RunStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs SET
			status = ?,
			branch_name = ?,
			plan_file = ?,
			pull_request_url = ?,
			implementation_summary = ?,
			error_message = ?,
			error_phase = ?,
			error_kind = ?,
			started_at = ?,
			completed_at = ?,
			resumed_at = ?,
			updated_at = ?
		WHERE adw_id = ? AND status = ?
	`,
		string(run.Status),
		run.BranchName,
		run.PlanFile,
		run.PullRequestURL,
		run.ImplementationSummary,
		run.ErrorMessage,
		string(run.ErrorPhase),
		string(run.ErrorKind),
		nullTime(run.StartedAt),
		nullTime(run.CompletedAt),
		nullTime(run.ResumedAt),
		s.now(),
		run.ADWID,
		string(expected),
	)
	if isUniqueViolation(err) {
		return ErrActiveRunExists
	}
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM workflow_runs WHERE adw_id = ?`, run.ADWID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// ListOptions specifies filters for listing runs
type ListOptions struct {
	Status      domain.RunStatus
	IssueNumber int
	Limit       int
	Offset      int
}

// ListRuns returns one page of runs, newest first, plus the total number of
// runs matching the filters. Phases are not loaded.
func (s *Store) ListRuns(ctx context.Context, opts ListOptions) ([]*domain.WorkflowRun, int, error) {
	where := " WHERE 1=1"
	var args []interface{}

	if opts.Status != "" {
		where += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	if opts.IssueNumber != 0 {
		where += " AND issue_number = ?"
		args = append(args, opts.IssueNumber)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workflow_runs`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + runColumns + ` FROM workflow_runs` + where + ` ORDER BY created_at DESC, rowid DESC`
	if opts.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, opts.Limit, opts.Offset)
	}

	runs, err := s.queryRuns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, nil
}

// ListRunsByStatus returns every run in status, oldest first
func (s *Store) ListRunsByStatus(ctx context.Context, status domain.RunStatus) ([]*domain.WorkflowRun, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE status = ? ORDER BY created_at, rowid`, string(status))
}

// ListOverdueRuns returns running runs whose current execution began before cutoff
func (s *Store) ListOverdueRuns(ctx context.Context, cutoff time.Time) ([]*domain.WorkflowRun, error) {
	running, err := s.ListRunsByStatus(ctx, domain.RunRunning)
	if err != nil {
		return nil, err
	}
	var overdue []*domain.WorkflowRun
	for _, run := range running {
		if run.StartedAt != nil && run.ActiveSince().Before(cutoff) {
			overdue = append(overdue, run)
		}
	}
	return overdue, nil
}

// CountByStatus returns the number of runs in each status
func (s *Store) CountByStatus(ctx context.Context) (map[domain.RunStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM workflow_runs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.RunStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.RunStatus(status)] = n
	}
	return counts, rows.Err()
}

// CreatePhaseRun inserts a phase attempt, assigning its ID and an attempt
// number one higher than any earlier attempt of the same phase.
func (s *Store) CreatePhaseRun(ctx context.Context, pr *domain.PhaseRun) error {
	artifacts, err := json.Marshal(pr.Artifacts)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var attempt int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt), 0) + 1 FROM workflow_phase_runs WHERE adw_id = ? AND phase = ?`,
		pr.ADWID, string(pr.Phase)).Scan(&attempt); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO workflow_phase_runs (adw_id, phase, attempt, status, started_at, completed_at,
			output_ref, artifacts, error_message, error_kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		pr.ADWID,
		string(pr.Phase),
		attempt,
		string(pr.Status),
		nullTime(pr.StartedAt),
		nullTime(pr.CompletedAt),
		pr.OutputRef,
		string(artifacts),
		pr.ErrorMessage,
		string(pr.ErrorKind),
		pr.CreatedAt.UTC(),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	pr.ID = id
	pr.Attempt = attempt
	return nil
}

// UpdatePhaseRun records the outcome of a running phase attempt. Attempts
// that already ended are never rewritten: ErrConflict is returned instead.
func (s *Store) UpdatePhaseRun(ctx context.Context, pr *domain.PhaseRun) error {
	artifacts, err := json.Marshal(pr.Artifacts)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_phase_runs SET
			status = ?, started_at = ?, completed_at = ?, output_ref = ?,
			artifacts = ?, error_message = ?, error_kind = ?
		WHERE id = ? AND status = ?
	`,
		string(pr.Status),
		nullTime(pr.StartedAt),
		nullTime(pr.CompletedAt),
		pr.OutputRef,
		string(artifacts),
		pr.ErrorMessage,
		string(pr.ErrorKind),
		pr.ID,
		string(domain.PhaseRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM workflow_phase_runs WHERE id = ?`, pr.ID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrConflict
}

// ListPhaseRuns returns every attempt of every phase of a run in creation order
func (s *Store) ListPhaseRuns(ctx context.Context, adwID string) ([]*domain.PhaseRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+phaseColumns+` FROM workflow_phase_runs WHERE adw_id = ? ORDER BY id`, adwID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	phases := []*domain.PhaseRun{}
	for rows.Next() {
		pr, err := scanPhaseRun(rows)
		if err != nil {
			return nil, err
		}
		phases = append(phases, pr)
	}
	return phases, rows.Err()
}

// AppendLog appends a log entry and assigns its ID
func (s *Store) AppendLog(ctx context.Context, entry *domain.LogEntry) error {
	contextJSON := []byte("{}")
	if len(entry.Context) > 0 {
		var err error
		if contextJSON, err = json.Marshal(entry.Context); err != nil {
			return err
		}
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_logs (adw_id, phase, timestamp, level, message, context)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.ADWID,
		string(entry.Phase),
		entry.Timestamp.UTC(),
		string(entry.Level),
		entry.Message,
		string(contextJSON),
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return ErrNotFound
		}
		return err
	}
	entry.ID, err = res.LastInsertId()
	return err
}

// ListLogs returns a run's log entries in insertion order
func (s *Store) ListLogs(ctx context.Context, adwID string) ([]*domain.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, adw_id, phase, timestamp, level, message, context
		FROM workflow_logs WHERE adw_id = ? ORDER BY id
	`, adwID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []*domain.LogEntry{}
	for rows.Next() {
		var entry domain.LogEntry
		var phase, level, contextJSON string
		if err := rows.Scan(&entry.ID, &entry.ADWID, &phase, &entry.Timestamp, &level, &entry.Message, &contextJSON); err != nil {
			return nil, err
		}
		entry.Phase = domain.Phase(phase)
		entry.Level = domain.LogLevel(level)
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &entry.Context); err != nil {
				return nil, fmt.Errorf("decoding log context %d: %w", entry.ID, err)
			}
		}
		logs = append(logs, &entry)
	}
	return logs, rows.Err()
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*domain.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []*domain.WorkflowRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	var workflowType, status, errorPhase, errorKind string
	var startedAt, completedAt, resumedAt sql.NullTime

	err := row.Scan(&run.ADWID, &run.IssueNumber, &workflowType, &status, &run.BranchName, &run.PlanFile,
		&run.PullRequestURL, &run.ImplementationSummary, &run.ErrorMessage, &errorPhase, &errorKind,
		&run.CreatedAt, &startedAt, &completedAt, &resumedAt)
	if err != nil {
		return nil, err
	}

	run.Type = domain.WorkflowType(workflowType)
	run.Status = domain.RunStatus(status)
	run.ErrorPhase = domain.Phase(errorPhase)
	run.ErrorKind = domain.ErrorKind(errorKind)
	run.StartedAt = timePtr(startedAt)
	run.CompletedAt = timePtr(completedAt)
	run.ResumedAt = timePtr(resumedAt)
	return &run, nil
}

func scanPhaseRun(row scanner) (*domain.PhaseRun, error) {
	var pr domain.PhaseRun
	var phase, status, artifacts, errorKind string
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&pr.ID, &pr.ADWID, &phase, &pr.Attempt, &status, &startedAt, &completedAt,
		&pr.OutputRef, &artifacts, &pr.ErrorMessage, &errorKind, &pr.CreatedAt)
	if err != nil {
		return nil, err
	}

	pr.Phase = domain.Phase(phase)
	pr.Status = domain.PhaseStatus(status)
	pr.ErrorKind = domain.ErrorKind(errorKind)
	pr.StartedAt = timePtr(startedAt)
	pr.CompletedAt = timePtr(completedAt)
	if artifacts != "" {
		if err := json.Unmarshal([]byte(artifacts), &pr.Artifacts); err != nil {
			return nil, fmt.Errorf("decoding artifacts of phase run %d: %w", pr.ID, err)
		}
	}
	return &pr, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		// Primary key collisions carry their own extended code
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY
	}
	return strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
