package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/plugsync/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRunNotFound is returned when a run ID is not in the journal.
var ErrRunNotFound = errors.New("run not found")

// SQLiteStore is the run journal backed by SQLite.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// RecordDryRuns makes RecordRun keep dry-run reports too.
	RecordDryRuns bool

	// Actor is written to audit entries. Defaults to $USER.
	Actor string
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.Path == ":memory:" {
		// Every connection to :memory: opens a separate database.
		cfg.MaxOpenConns = 1
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Actor == "" {
		cfg.Actor = os.Getenv("USER")
	}
	if cfg.Actor == "" {
		cfg.Actor = "plugsync"
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Open creates, initializes and migrates a store in one call.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if s.path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// RecordRun stores a run report with its operation outcomes and an audit
// entry. Recording the same run ID again replaces the earlier record.
// Dry runs are skipped unless Config.RecordDryRuns is set.
func (s *SQLiteStore) RecordRun(ctx context.Context, report *engine.Report) error {
	if report == nil {
		return fmt.Errorf("report is nil")
	}
	if report.DryRun && !s.cfg.RecordDryRuns {
		return nil
	}

	counts, err := json.Marshal(report.Counts)
	if err != nil {
		return fmt.Errorf("failed to encode counts: %w", err)
	}
	violations := []byte("[]")
	if len(report.Violations) > 0 {
		if violations, err = json.Marshal(report.Violations); err != nil {
			return fmt.Errorf("failed to encode violations: %w", err)
		}
	}

	var completedAt *time.Time
	if !report.CompletedAt.IsZero() {
		completedAt = &report.CompletedAt
	}
	var errMsg *string
	if report.Error != "" {
		errMsg = &report.Error
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (id, plan_id, scope, status, dry_run, force, started_at, completed_at, error, counts, violations, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plan_id = excluded.plan_id,
			scope = excluded.scope,
			status = excluded.status,
			dry_run = excluded.dry_run,
			force = excluded.force,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			error = excluded.error,
			counts = excluded.counts,
			violations = excluded.violations
	`,
		report.RunID,
		report.PlanID,
		report.Scope,
		string(report.Status),
		report.DryRun,
		report.Force,
		report.StartedAt,
		completedAt,
		errMsg,
		string(counts),
		string(violations),
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM operations WHERE run_id = ?`, report.RunID); err != nil {
		return fmt.Errorf("failed to clear operations: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO operations (run_id, seq, operation_id, kind, action, key, status, remote_id, attempts, duration_ms, code, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare operation insert: %w", err)
	}
	defer stmt.Close()

	for i := range report.Results {
		r := &report.Results[i]
		_, err := stmt.ExecContext(ctx,
			report.RunID,
			i,
			r.OperationID,
			string(r.Kind),
			string(r.Action),
			r.Key,
			string(r.Status),
			r.RemoteID,
			r.Attempts,
			r.Duration.Milliseconds(),
			r.Code,
			r.Error,
		)
		if err != nil {
			return fmt.Errorf("failed to record operation %s: %w", r.OperationID, err)
		}
	}

	action := AuditRunApplied
	if report.DryRun {
		action = AuditRunPlanned
	}
	details, err := json.Marshal(map[string]interface{}{
		"status":     report.Status,
		"force":      report.Force,
		"operations": len(report.Results),
	})
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}
	if err := insertAudit(ctx, tx, &AuditEntry{
		Action:    action,
		Actor:     s.cfg.Actor,
		RunID:     &report.RunID,
		Scope:     &report.Scope,
		Details:   stringPtr(string(details)),
		Timestamp: time.Now(),
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, plan_id, scope, status, dry_run, force, started_at, completed_at, error, counts, violations, created_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	query := `
		SELECT id, plan_id, scope, status, dry_run, force, started_at, completed_at, error, counts, violations, created_at
		FROM runs
		WHERE (? = '' OR scope = ?) AND (? = '' OR status = ?)
		ORDER BY started_at DESC, created_at DESC
		LIMIT ? OFFSET ?
	`

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query,
		filter.Scope, filter.Scope,
		string(filter.Status), string(filter.Status),
		limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	var (
		status      string
		completedAt sql.NullTime
		errMsg      sql.NullString
		counts      string
		violations  string
	)

	err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.Scope,
		&status,
		&run.DryRun,
		&run.Force,
		&run.StartedAt,
		&completedAt,
		&errMsg,
		&counts,
		&violations,
		&run.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.Status = engine.RunStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		run.CompletedAt = &t
	}
	run.Error = errMsg.String
	if err := json.Unmarshal([]byte(counts), &run.Counts); err != nil {
		return nil, fmt.Errorf("failed to decode counts of run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(violations), &run.Violations); err != nil {
		return nil, fmt.Errorf("failed to decode violations of run %s: %w", run.ID, err)
	}

	return run, nil
}

// ListOperations returns the operation outcomes of a run in plan order.
func (s *SQLiteStore) ListOperations(ctx context.Context, runID string) ([]*OperationRecord, error) {
	query := `
		SELECT id, run_id, seq, operation_id, kind, action, key, status, remote_id, attempts, duration_ms, code, error
		FROM operations
		WHERE run_id = ?
		ORDER BY seq
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	records := []*OperationRecord{}
	for rows.Next() {
		rec := &OperationRecord{}
		var kind, action, status string
		var durationMs int64
		err := rows.Scan(
			&rec.ID,
			&rec.RunID,
			&rec.Seq,
			&rec.OperationID,
			&kind,
			&action,
			&rec.Key,
			&status,
			&rec.RemoteID,
			&rec.Attempts,
			&durationMs,
			&rec.Code,
			&rec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		rec.Kind = engine.EntityKind(kind)
		rec.Action = engine.OperationType(action)
		rec.Status = engine.ResultStatus(status)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating operations: %w", err)
	}

	return records, nil
}

// DeleteRun deletes a run with its operations and events.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	return tx.Commit()
}

// Publish appends an event to the journal. Events may arrive before the run
// they belong to is recorded.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}

	var data *string
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to encode event data: %w", err)
		}
		data = stringPtr(string(b))
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	level := event.Level
	if level == "" {
		level = event.Type.Severity()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, run_id, operation_id, type, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.RunID,
		event.OperationID,
		string(event.Type),
		level,
		event.Message,
		data,
		ts,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// GetEvents returns the events of a run in time order. A limit of zero or
// less returns all of them.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID string, limit int) ([]*Event, error) {
	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, operation_id, type, level, message, data, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp, rowid
		LIMIT ?
	`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		ev := &Event{}
		var eventType string
		var data sql.NullString
		err := rows.Scan(
			&ev.ID,
			&ev.RunID,
			&ev.OperationID,
			&eventType,
			&ev.Level,
			&ev.Message,
			&data,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Type = engine.EventType(eventType)
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &ev.Data); err != nil {
				return nil, fmt.Errorf("failed to decode event data: %w", err)
			}
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, entry *AuditEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO audit (action, actor, run_id, scope, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		entry.Action,
		entry.Actor,
		entry.RunID,
		entry.Scope,
		entry.Details,
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries, newest first, optionally filtered by
// action.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, run_id, scope, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	if limit <= 0 {
		limit = -1
	}

	rows, err := s.db.QueryContext(ctx, query, action, action, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.RunID,
			&entry.Scope,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

func stringPtr(s string) *string {
	return &s
}
