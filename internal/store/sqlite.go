package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/study"
)

// timeLayout writes fractional seconds fixed-width so stored timestamps
// compare chronologically as text. Reads accept any RFC3339 form.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists everything in a single-file database. WAL mode
// keeps readers unblocked during writes; one writer connection avoids
// SQLITE_BUSY churn.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema. ":memory:" gives a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_definitions (
			id TEXT PRIMARY KEY,
			control_type TEXT NOT NULL UNIQUE,
			label TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			field_schema TEXT NOT NULL,
			pipeline_position TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0,
			applicable_modes TEXT NOT NULL,
			required INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER,
			max_retries INTEGER NOT NULL DEFAULT 2,
			circuit_breaker_threshold INTEGER NOT NULL DEFAULT 5,
			circuit_breaker_window_minutes INTEGER NOT NULL DEFAULT 60,
			enabled INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_definitions_position
			ON checkpoint_definitions(pipeline_position, sort_order)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_instances (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			definition_id TEXT NOT NULL,
			control_type TEXT NOT NULL,
			label TEXT NOT NULL,
			field_schema TEXT NOT NULL,
			required INTEGER NOT NULL DEFAULT 0,
			timeout_seconds INTEGER,
			max_retries INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			payload TEXT,
			submit_result TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			offered_at TEXT,
			submitted_at TEXT,
			failed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE(task_id, definition_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_task ON checkpoint_instances(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_breaker
			ON checkpoint_instances(definition_id, state, failed_at)`,
		`CREATE TABLE IF NOT EXISTS participants (
			id TEXT PRIMARY KEY,
			study_group TEXT NOT NULL,
			phase1_ticker TEXT NOT NULL,
			phase2_ticker TEXT NOT NULL,
			phase3_ticker TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			participant_id TEXT NOT NULL REFERENCES participants(id),
			current_phase INTEGER NOT NULL DEFAULT 1,
			current_mode TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id),
			phase INTEGER NOT NULL,
			mode TEXT NOT NULL,
			ticker TEXT NOT NULL,
			query_text TEXT NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			time_on_task_seconds INTEGER NOT NULL DEFAULT 0,
			pageindex_retrieval_id TEXT NOT NULL DEFAULT '',
			retrieved_nodes TEXT,
			selected_node_ids TEXT,
			rejected_node_ids TEXT,
			generated_summary TEXT NOT NULL DEFAULT '',
			edited_summary TEXT NOT NULL DEFAULT '',
			flagged_spans TEXT,
			characters_edited INTEGER NOT NULL DEFAULT 0,
			retrieval_completed_at TEXT,
			generation_completed_at TEXT,
			edit_completed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_phase
			ON tasks(session_id, phase, started_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) guard() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func formatTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseStoredTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseStoredTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseStoredTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func toJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(raw), nil
}

// jsonOrNull maps empty collections to NULL so optional columns stay
// distinguishable from present-but-empty ones written by older rows.
func jsonOrNull(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	return toJSON(v)
}

func fromJSON(ns sql.NullString, dst any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(ns.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal json column: %w", err)
	}
	return nil
}

const definitionColumns = `id, control_type, label, description, field_schema,
	pipeline_position, sort_order, applicable_modes, required, timeout_seconds,
	max_retries, circuit_breaker_threshold, circuit_breaker_window_minutes,
	enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanDefinition(row rowScanner) (*checkpoint.Definition, error) {
	var (
		d                    checkpoint.Definition
		schemaJSON           string
		position             string
		modesJSON            string
		timeout              sql.NullInt64
		createdAt, updatedAt string
	)
	err := row.Scan(&d.ID, &d.ControlType, &d.Label, &d.Description, &schemaJSON,
		&position, &d.SortOrder, &modesJSON, &d.Required, &timeout,
		&d.MaxRetries, &d.FailureThreshold, &d.BreakerWindowMins,
		&d.Enabled, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &d.FieldSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal field_schema: %w", err)
	}
	if err := json.Unmarshal([]byte(modesJSON), &d.ApplicableModes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal applicable_modes: %w", err)
	}
	d.PipelinePosition = checkpoint.Position(position)
	if timeout.Valid {
		v := int(timeout.Int64)
		d.TimeoutSeconds = &v
	}
	if d.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if d.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &d, nil
}

func (s *SQLiteStore) definitionArgs(d *checkpoint.Definition) ([]any, error) {
	schemaJSON, err := toJSON(d.FieldSchema)
	if err != nil {
		return nil, err
	}
	modesJSON, err := toJSON(d.ApplicableModes)
	if err != nil {
		return nil, err
	}
	var timeout any
	if d.TimeoutSeconds != nil {
		timeout = *d.TimeoutSeconds
	}
	return []any{
		d.ID, d.ControlType, d.Label, d.Description, schemaJSON,
		string(d.PipelinePosition), d.SortOrder, modesJSON, d.Required, timeout,
		d.MaxRetries, d.FailureThreshold, d.BreakerWindowMins,
		d.Enabled, formatTime(d.CreatedAt), formatTime(d.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) CreateDefinition(ctx context.Context, d *checkpoint.Definition) error {
	if err := s.guard(); err != nil {
		return err
	}
	args, err := s.definitionArgs(d)
	if err != nil {
		return err
	}
	query := `INSERT INTO checkpoint_definitions (` + definitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		if _, lookupErr := s.GetDefinitionByControlType(ctx, d.ControlType); lookupErr == nil {
			return checkpoint.ErrDuplicateControlType
		}
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*checkpoint.Definition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE id = ?`, id)
	d, err := s.scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) GetDefinitionByControlType(ctx context.Context, controlType string) (*checkpoint.Definition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE control_type = ?`, controlType)
	d, err := s.scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	return d, nil
}

func (s *SQLiteStore) ListDefinitions(ctx context.Context, filter checkpoint.DefinitionFilter) ([]*checkpoint.Definition, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	query := `SELECT ` + definitionColumns + ` FROM checkpoint_definitions`
	var (
		where []string
		args  []any
	)
	if filter.Position != "" {
		where = append(where, "pipeline_position = ?")
		args = append(args, string(filter.Position))
	}
	if filter.EnabledOnly {
		where = append(where, "enabled = 1")
	}
	for i, clause := range where {
		if i == 0 {
			query += " WHERE " + clause
		} else {
			query += " AND " + clause
		}
	}
	query += " ORDER BY pipeline_position ASC, sort_order ASC, created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*checkpoint.Definition
	for rows.Next() {
		d, err := s.scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		// Mode applicability is a JSON membership test; cheaper in Go
		// than in SQL for the handful of definitions an admin manages.
		if filter.Mode != "" && !d.AppliesTo(filter.Mode) {
			continue
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateDefinition(ctx context.Context, d *checkpoint.Definition) error {
	if err := s.guard(); err != nil {
		return err
	}
	args, err := s.definitionArgs(d)
	if err != nil {
		return err
	}
	// Shift id to the WHERE position.
	args = append(args[1:], d.ID)
	query := `UPDATE checkpoint_definitions SET
		control_type = ?, label = ?, description = ?, field_schema = ?,
		pipeline_position = ?, sort_order = ?, applicable_modes = ?, required = ?,
		timeout_seconds = ?, max_retries = ?, circuit_breaker_threshold = ?,
		circuit_breaker_window_minutes = ?, enabled = ?, created_at = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if other, lookupErr := s.GetDefinitionByControlType(ctx, d.ControlType); lookupErr == nil && other.ID != d.ID {
			return checkpoint.ErrDuplicateControlType
		}
		return fmt.Errorf("failed to update definition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

const instanceColumns = `id, task_id, definition_id, control_type, label,
	field_schema, required, timeout_seconds, max_retries, state, payload,
	submit_result, attempt_count, last_error, offered_at, submitted_at,
	failed_at, created_at, updated_at`

func (s *SQLiteStore) scanInstance(row rowScanner) (*checkpoint.Instance, error) {
	var (
		inst                             checkpoint.Instance
		schemaJSON, state                string
		timeout                          sql.NullInt64
		payload, submitResult            sql.NullString
		offeredAt, submittedAt, failedAt sql.NullString
		createdAt, updatedAt             string
	)
	err := row.Scan(&inst.ID, &inst.TaskID, &inst.DefinitionID, &inst.ControlType,
		&inst.Label, &schemaJSON, &inst.Required, &timeout, &inst.MaxRetries,
		&state, &payload, &submitResult, &inst.AttemptCount, &inst.LastError,
		&offeredAt, &submittedAt, &failedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(schemaJSON), &inst.FieldSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal field_schema: %w", err)
	}
	if err := fromJSON(payload, &inst.Payload); err != nil {
		return nil, err
	}
	if err := fromJSON(submitResult, &inst.SubmitResult); err != nil {
		return nil, err
	}
	inst.State = checkpoint.State(state)
	if timeout.Valid {
		v := int(timeout.Int64)
		inst.TimeoutSeconds = &v
	}
	if inst.OfferedAt, err = parseStoredTimePtr(offeredAt); err != nil {
		return nil, fmt.Errorf("failed to parse offered_at: %w", err)
	}
	if inst.SubmittedAt, err = parseStoredTimePtr(submittedAt); err != nil {
		return nil, fmt.Errorf("failed to parse submitted_at: %w", err)
	}
	if inst.FailedAt, err = parseStoredTimePtr(failedAt); err != nil {
		return nil, fmt.Errorf("failed to parse failed_at: %w", err)
	}
	if inst.CreatedAt, err = parseStoredTime(createdAt); err != nil {
		return nil, fmt.Errorf("failed to parse created_at: %w", err)
	}
	if inst.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &inst, nil
}

func (s *SQLiteStore) instanceArgs(inst *checkpoint.Instance) ([]any, error) {
	schemaJSON, err := toJSON(inst.FieldSchema)
	if err != nil {
		return nil, err
	}
	payload, err := jsonOrNull(inst.Payload, inst.Payload == nil)
	if err != nil {
		return nil, err
	}
	submitResult, err := jsonOrNull(inst.SubmitResult, inst.SubmitResult == nil)
	if err != nil {
		return nil, err
	}
	var timeout any
	if inst.TimeoutSeconds != nil {
		timeout = *inst.TimeoutSeconds
	}
	return []any{
		inst.ID, inst.TaskID, inst.DefinitionID, inst.ControlType, inst.Label,
		schemaJSON, inst.Required, timeout, inst.MaxRetries, string(inst.State),
		payload, submitResult, inst.AttemptCount, inst.LastError,
		formatTimePtr(inst.OfferedAt), formatTimePtr(inst.SubmittedAt),
		formatTimePtr(inst.FailedAt), formatTime(inst.CreatedAt), formatTime(inst.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, inst *checkpoint.Instance) (*checkpoint.Instance, bool, error) {
	if err := s.guard(); err != nil {
		return nil, false, err
	}
	args, err := s.instanceArgs(inst)
	if err != nil {
		return nil, false, err
	}
	query := `INSERT OR IGNORE INTO checkpoint_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		existing, err := s.FindInstance(ctx, inst.TaskID, inst.DefinitionID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return inst.Clone(), true, nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*checkpoint.Instance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM checkpoint_instances WHERE id = ?`, id)
	inst, err := s.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) FindInstance(ctx context.Context, taskID, definitionID string) (*checkpoint.Instance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM checkpoint_instances WHERE task_id = ? AND definition_id = ?`,
		taskID, definitionID)
	inst, err := s.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find instance: %w", err)
	}
	return inst, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, taskID string) ([]*checkpoint.Instance, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM checkpoint_instances
			WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*checkpoint.Instance
	for rows.Next() {
		inst, err := s.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, inst *checkpoint.Instance) error {
	if err := s.guard(); err != nil {
		return err
	}
	args, err := s.instanceArgs(inst)
	if err != nil {
		return err
	}
	args = append(args[1:], inst.ID)
	query := `UPDATE checkpoint_instances SET
		task_id = ?, definition_id = ?, control_type = ?, label = ?,
		field_schema = ?, required = ?, timeout_seconds = ?, max_retries = ?,
		state = ?, payload = ?, submit_result = ?, attempt_count = ?,
		last_error = ?, offered_at = ?, submitted_at = ?, failed_at = ?,
		created_at = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CountRecentExhaustedFailures(ctx context.Context, definitionID string, cutoff time.Time) (int, error) {
	if err := s.guard(); err != nil {
		return 0, err
	}
	query := `SELECT COUNT(*) FROM checkpoint_instances
		WHERE definition_id = ?
		  AND state IN ('failed', 'timed_out')
		  AND attempt_count >= 1
		  AND attempt_count >= max_retries
		  AND failed_at IS NOT NULL
		  AND failed_at >= ?`
	var count int
	if err := s.db.QueryRowContext(ctx, query, definitionID, formatTime(cutoff)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count exhausted failures: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) CreateParticipant(ctx context.Context, p *study.Participant) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `INSERT INTO participants (id, study_group, phase1_ticker, phase2_ticker, phase3_ticker)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, p.ID, string(p.Group),
		p.Phase1Ticker, p.Phase2Ticker, p.Phase3Ticker); err != nil {
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, id string) (*study.Participant, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	var (
		p     study.Participant
		group string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, study_group, phase1_ticker, phase2_ticker, phase3_ticker
			FROM participants WHERE id = ?`, id).
		Scan(&p.ID, &group, &p.Phase1Ticker, &p.Phase2Ticker, &p.Phase3Ticker)
	if err == sql.ErrNoRows {
		return nil, study.ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participant: %w", err)
	}
	p.Group = study.Group(group)
	return &p, nil
}

func (s *SQLiteStore) CreateSession(ctx context.Context, sess *study.Session) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `INSERT INTO sessions (id, participant_id, current_phase, current_mode, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, sess.ID, sess.ParticipantID,
		sess.CurrentPhase, string(sess.CurrentMode), formatTime(sess.StartedAt),
		formatTimePtr(sess.EndedAt)); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (s *SQLiteStore) scanSession(row rowScanner) (*study.Session, error) {
	var (
		sess      study.Session
		mode      string
		startedAt string
		endedAt   sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.ParticipantID, &sess.CurrentPhase, &mode, &startedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	sess.CurrentMode = study.Mode(mode)
	if sess.StartedAt, err = parseStoredTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if sess.EndedAt, err = parseStoredTimePtr(endedAt); err != nil {
		return nil, fmt.Errorf("failed to parse ended_at: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*study.Session, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, participant_id, current_phase, current_mode, started_at, ended_at
			FROM sessions WHERE id = ?`, id)
	sess, err := s.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, study.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) UpdateSession(ctx context.Context, sess *study.Session) error {
	if err := s.guard(); err != nil {
		return err
	}
	query := `UPDATE sessions SET participant_id = ?, current_phase = ?, current_mode = ?,
		started_at = ?, ended_at = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, sess.ParticipantID, sess.CurrentPhase,
		string(sess.CurrentMode), formatTime(sess.StartedAt), formatTimePtr(sess.EndedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return study.ErrSessionNotFound
	}
	return nil
}

const taskColumns = `id, session_id, phase, mode, ticker, query_text, started_at,
	completed_at, time_on_task_seconds, pageindex_retrieval_id, retrieved_nodes,
	selected_node_ids, rejected_node_ids, generated_summary, edited_summary,
	flagged_spans, characters_edited, retrieval_completed_at,
	generation_completed_at, edit_completed_at, updated_at`

func (s *SQLiteStore) scanTask(row rowScanner) (*study.Task, error) {
	var (
		t                             study.Task
		mode, startedAt, updatedAt    string
		completedAt                   sql.NullString
		nodesJSON, selectedJSON       sql.NullString
		rejectedJSON, spansJSON       sql.NullString
		retrievalDone, generationDone sql.NullString
		editDone                      sql.NullString
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.Phase, &mode, &t.Ticker, &t.QueryText,
		&startedAt, &completedAt, &t.TimeOnTaskSeconds, &t.RetrievalID,
		&nodesJSON, &selectedJSON, &rejectedJSON, &t.GeneratedSummary,
		&t.EditedSummary, &spansJSON, &t.CharactersEdited,
		&retrievalDone, &generationDone, &editDone, &updatedAt)
	if err != nil {
		return nil, err
	}
	t.Mode = study.Mode(mode)
	if err := fromJSON(nodesJSON, &t.RetrievedNodes); err != nil {
		return nil, err
	}
	if err := fromJSON(selectedJSON, &t.SelectedNodeIDs); err != nil {
		return nil, err
	}
	if err := fromJSON(rejectedJSON, &t.RejectedNodeIDs); err != nil {
		return nil, err
	}
	if err := fromJSON(spansJSON, &t.FlaggedSpans); err != nil {
		return nil, err
	}
	if t.StartedAt, err = parseStoredTime(startedAt); err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if t.CompletedAt, err = parseStoredTimePtr(completedAt); err != nil {
		return nil, fmt.Errorf("failed to parse completed_at: %w", err)
	}
	if t.RetrievalCompletedAt, err = parseStoredTimePtr(retrievalDone); err != nil {
		return nil, fmt.Errorf("failed to parse retrieval_completed_at: %w", err)
	}
	if t.GenerationCompletedAt, err = parseStoredTimePtr(generationDone); err != nil {
		return nil, fmt.Errorf("failed to parse generation_completed_at: %w", err)
	}
	if t.EditCompletedAt, err = parseStoredTimePtr(editDone); err != nil {
		return nil, fmt.Errorf("failed to parse edit_completed_at: %w", err)
	}
	if t.UpdatedAt, err = parseStoredTime(updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &t, nil
}

func (s *SQLiteStore) taskArgs(t *study.Task) ([]any, error) {
	nodes, err := jsonOrNull(t.RetrievedNodes, t.RetrievedNodes == nil)
	if err != nil {
		return nil, err
	}
	selected, err := jsonOrNull(t.SelectedNodeIDs, t.SelectedNodeIDs == nil)
	if err != nil {
		return nil, err
	}
	rejected, err := jsonOrNull(t.RejectedNodeIDs, t.RejectedNodeIDs == nil)
	if err != nil {
		return nil, err
	}
	spans, err := jsonOrNull(t.FlaggedSpans, t.FlaggedSpans == nil)
	if err != nil {
		return nil, err
	}
	return []any{
		t.ID, t.SessionID, t.Phase, string(t.Mode), t.Ticker, t.QueryText,
		formatTime(t.StartedAt), formatTimePtr(t.CompletedAt), t.TimeOnTaskSeconds,
		t.RetrievalID, nodes, selected, rejected, t.GeneratedSummary,
		t.EditedSummary, spans, t.CharactersEdited,
		formatTimePtr(t.RetrievalCompletedAt), formatTimePtr(t.GenerationCompletedAt),
		formatTimePtr(t.EditCompletedAt), formatTime(t.UpdatedAt),
	}, nil
}

func (s *SQLiteStore) CreateTask(ctx context.Context, t *study.Task) error {
	if err := s.guard(); err != nil {
		return err
	}
	args, err := s.taskArgs(t)
	if err != nil {
		return err
	}
	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*study.Task, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, study.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) UpdateTask(ctx context.Context, t *study.Task) error {
	if err := s.guard(); err != nil {
		return err
	}
	args, err := s.taskArgs(t)
	if err != nil {
		return err
	}
	args = append(args[1:], t.ID)
	query := `UPDATE tasks SET
		session_id = ?, phase = ?, mode = ?, ticker = ?, query_text = ?,
		started_at = ?, completed_at = ?, time_on_task_seconds = ?,
		pageindex_retrieval_id = ?, retrieved_nodes = ?, selected_node_ids = ?,
		rejected_node_ids = ?, generated_summary = ?, edited_summary = ?,
		flagged_spans = ?, characters_edited = ?, retrieval_completed_at = ?,
		generation_completed_at = ?, edit_completed_at = ?, updated_at = ?
		WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return study.ErrTaskNotFound
	}
	return nil
}

func (s *SQLiteStore) CurrentTask(ctx context.Context, sessionID string, phase int) (*study.Task, error) {
	if err := s.guard(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
			WHERE session_id = ? AND phase = ?
			ORDER BY started_at DESC, id DESC LIMIT 1`, sessionID, phase)
	t, err := s.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, study.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current task: %w", err)
	}
	return t, nil
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.guard(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Double-close is a no-op.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Path returns the database file path.
func (s *SQLiteStore) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}
