package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/avennor/ensemble/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) UpsertDefinition(ctx context.Context, name string, raw []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO definitions (name, definition, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(name) DO UPDATE SET definition=excluded.definition, updated_at=CURRENT_TIMESTAMP`,
		name, string(raw),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "upsert definition %s: %s", name, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, name string) ([]byte, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT definition FROM definitions WHERE name = ?`, name,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "definition not found: %s", name)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get definition %s: %s", name, err.Error()).WithCause(err)
	}
	return []byte(raw), nil
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, definition FROM definitions ORDER BY name`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list definitions: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, err
		}
		out[name] = []byte(raw)
	}
	return out, rows.Err()
}

// --- Instance snapshots ---

func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *schema.Instance) error {
	snapshot, err := json.Marshal(inst)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "marshal instance %s: %s", inst.ID, err.Error()).WithCause(err)
	}
	var finished any
	if inst.FinishedAt != nil {
		finished = *inst.FinishedAt
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, workflow, status, snapshot, created_at, finished_at) VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, snapshot=excluded.snapshot, finished_at=excluded.finished_at`,
		inst.ID, inst.Workflow, string(inst.Status), string(snapshot), inst.CreatedAt, finished,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "save instance %s: %s", inst.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.Instance, error) {
	var snapshot string
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM instances WHERE id = ?`, id,
	).Scan(&snapshot)
	if err == sql.ErrNoRows {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "instance not found: %s", id)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get instance %s: %s", id, err.Error()).WithCause(err)
	}
	inst := &schema.Instance{}
	if err := json.Unmarshal([]byte(snapshot), inst); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode instance %s: %s", id, err.Error()).WithCause(err)
	}
	return inst, nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context) ([]*schema.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT snapshot FROM instances ORDER BY created_at`)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list instances: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.Instance
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		inst := &schema.Instance{}
		if err := json.Unmarshal([]byte(snapshot), inst); err != nil {
			continue // skip corrupt rows rather than failing recovery
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// --- Status events ---

func (s *LibSQLStore) AppendStatusEvent(ctx context.Context, ev *schema.StatusEvent) error {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO status_events (instance_id, workflow, step_id, role, status, message, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.InstanceID, ev.Workflow, nullString(ev.StepID), nullString(ev.Role), ev.Status, nullString(ev.Message), ts,
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append status event: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListStatusEvents(ctx context.Context, instanceID string) ([]*schema.StatusEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, workflow, step_id, role, status, message, timestamp
		 FROM status_events WHERE instance_id = ? ORDER BY id`, instanceID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list status events: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*schema.StatusEvent
	for rows.Next() {
		ev := &schema.StatusEvent{}
		var stepID, role, message sql.NullString
		if err := rows.Scan(&ev.InstanceID, &ev.Workflow, &stepID, &role, &ev.Status, &message, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.StepID = stepID.String
		ev.Role = role.String
		ev.Message = message.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Scheduled starts ---

func (s *LibSQLStore) CreateScheduledStart(ctx context.Context, job *ScheduledStart) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_starts (id, workflow, user_task, cron_expression, enabled, next_run_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Workflow, job.UserTask, job.CronExpression, job.Enabled, nullTime(job.NextRunAt), timeOrNow(job.CreatedAt),
	)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "create scheduled start %s: %s", job.ID, err.Error()).WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListScheduledStarts(ctx context.Context, onlyEnabled bool) ([]*ScheduledStart, error) {
	query := `SELECT id, workflow, user_task, cron_expression, enabled, last_run_at, next_run_at, last_run_status, created_at
	          FROM scheduled_starts`
	if onlyEnabled {
		query += ` WHERE enabled = 1`
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list scheduled starts: %s", err.Error()).WithCause(err)
	}
	defer rows.Close()

	var out []*ScheduledStart
	for rows.Next() {
		job := &ScheduledStart{}
		var lastRun, nextRun sql.NullTime
		var status sql.NullString
		if err := rows.Scan(&job.ID, &job.Workflow, &job.UserTask, &job.CronExpression,
			&job.Enabled, &lastRun, &nextRun, &status, &job.CreatedAt); err != nil {
			return nil, err
		}
		if lastRun.Valid {
			job.LastRunAt = &lastRun.Time
		}
		if nextRun.Valid {
			job.NextRunAt = &nextRun.Time
		}
		job.LastRunStatus = status.String
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduledStart(ctx context.Context, id string, update ScheduledStartUpdate) error {
	job := `UPDATE scheduled_starts SET `
	var sets []string
	var args []any
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	for i, set := range sets {
		if i > 0 {
			job += ", "
		}
		job += set
	}
	job += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, job, args...)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update scheduled start %s: %s", id, err.Error()).WithCause(err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeNotFound, "scheduled start not found: %s", id)
	}
	return nil
}

func (s *LibSQLStore) DeleteScheduledStart(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_starts WHERE id = ?`, id)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "delete scheduled start %s: %s", id, err.Error()).WithCause(err)
	}
	return nil
}

// --- helpers ---

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}
