package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/finrisklabs/finrisk/internal/checkpoint"
	"github.com/finrisklabs/finrisk/internal/study"
)

// MySQLStore persists to MySQL/MariaDB for deployments where several
// service replicas share one database. Connection pooling and InnoDB
// row locking carry the concurrency; the (task_id, definition_id)
// unique key arbitrates instance-creation races across replicas.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Store = (*MySQLStore)(nil)

// NewMySQLStore connects using a go-sql-driver DSN, e.g.
// "user:pass@tcp(localhost:3306)/finrisk". Time parsing and UTC session
// location are forced regardless of the DSN flags.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MySQL DSN: %w", err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_definitions (
			id VARCHAR(36) PRIMARY KEY,
			control_type VARCHAR(64) NOT NULL,
			label VARCHAR(255) NOT NULL,
			description TEXT NOT NULL,
			field_schema JSON NOT NULL,
			pipeline_position VARCHAR(32) NOT NULL,
			sort_order INT NOT NULL DEFAULT 0,
			applicable_modes JSON NOT NULL,
			required TINYINT(1) NOT NULL DEFAULT 0,
			timeout_seconds INT NULL,
			max_retries INT NOT NULL DEFAULT 2,
			circuit_breaker_threshold INT NOT NULL DEFAULT 5,
			circuit_breaker_window_minutes INT NOT NULL DEFAULT 60,
			enabled TINYINT(1) NOT NULL DEFAULT 1,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY unique_control_type (control_type),
			INDEX idx_definitions_position (pipeline_position, sort_order)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS checkpoint_instances (
			id VARCHAR(36) PRIMARY KEY,
			task_id VARCHAR(36) NOT NULL,
			definition_id VARCHAR(36) NOT NULL,
			control_type VARCHAR(64) NOT NULL,
			label VARCHAR(255) NOT NULL,
			field_schema JSON NOT NULL,
			required TINYINT(1) NOT NULL DEFAULT 0,
			timeout_seconds INT NULL,
			max_retries INT NOT NULL DEFAULT 0,
			state VARCHAR(16) NOT NULL,
			payload JSON NULL,
			submit_result JSON NULL,
			attempt_count INT NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL,
			offered_at DATETIME(6) NULL,
			submitted_at DATETIME(6) NULL,
			failed_at DATETIME(6) NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			UNIQUE KEY unique_task_definition (task_id, definition_id),
			INDEX idx_instances_task (task_id),
			INDEX idx_instances_breaker (definition_id, state, failed_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS participants (
			id VARCHAR(8) PRIMARY KEY,
			study_group VARCHAR(4) NOT NULL,
			phase1_ticker VARCHAR(10) NOT NULL,
			phase2_ticker VARCHAR(10) NOT NULL,
			phase3_ticker VARCHAR(10) NOT NULL
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id VARCHAR(36) PRIMARY KEY,
			participant_id VARCHAR(8) NOT NULL,
			current_phase INT NOT NULL DEFAULT 1,
			current_mode VARCHAR(16) NOT NULL,
			started_at DATETIME(6) NOT NULL,
			ended_at DATETIME(6) NULL,
			INDEX idx_sessions_participant (participant_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id VARCHAR(36) PRIMARY KEY,
			session_id VARCHAR(36) NOT NULL,
			phase INT NOT NULL,
			mode VARCHAR(16) NOT NULL,
			ticker VARCHAR(10) NOT NULL,
			query_text TEXT NOT NULL,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			time_on_task_seconds INT NOT NULL DEFAULT 0,
			pageindex_retrieval_id VARCHAR(100) NOT NULL DEFAULT '',
			retrieved_nodes JSON NULL,
			selected_node_ids JSON NULL,
			rejected_node_ids JSON NULL,
			generated_summary MEDIUMTEXT NOT NULL,
			edited_summary MEDIUMTEXT NOT NULL,
			flagged_spans JSON NULL,
			characters_edited INT NOT NULL DEFAULT 0,
			retrieval_completed_at DATETIME(6) NULL,
			generation_completed_at DATETIME(6) NULL,
			edit_completed_at DATETIME(6) NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_tasks_session_phase (session_id, phase, started_at)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`,
	}
	for _, stmt := range statements {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (m *MySQLStore) guard() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func nullTimeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timeFromNull(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func (m *MySQLStore) scanDefinition(row rowScanner) (*checkpoint.Definition, error) {
	var (
		d          checkpoint.Definition
		schemaJSON []byte
		position   string
		modesJSON  []byte
		timeout    sql.NullInt64
	)
	err := row.Scan(&d.ID, &d.ControlType, &d.Label, &d.Description, &schemaJSON,
		&position, &d.SortOrder, &modesJSON, &d.Required, &timeout,
		&d.MaxRetries, &d.FailureThreshold, &d.BreakerWindowMins,
		&d.Enabled, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schemaJSON, &d.FieldSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal field_schema: %w", err)
	}
	if err := json.Unmarshal(modesJSON, &d.ApplicableModes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal applicable_modes: %w", err)
	}
	d.PipelinePosition = checkpoint.Position(position)
	if timeout.Valid {
		v := int(timeout.Int64)
		d.TimeoutSeconds = &v
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return &d, nil
}

func (m *MySQLStore) definitionArgs(d *checkpoint.Definition) ([]any, error) {
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
		d.Enabled, d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	}, nil
}

func (m *MySQLStore) CreateDefinition(ctx context.Context, d *checkpoint.Definition) error {
	if err := m.guard(); err != nil {
		return err
	}
	args, err := m.definitionArgs(d)
	if err != nil {
		return err
	}
	query := `INSERT INTO checkpoint_definitions (` + definitionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		if _, lookupErr := m.GetDefinitionByControlType(ctx, d.ControlType); lookupErr == nil {
			return checkpoint.ErrDuplicateControlType
		}
		return fmt.Errorf("failed to insert definition: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetDefinition(ctx context.Context, id string) (*checkpoint.Definition, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE id = ?`, id)
	d, err := m.scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	return d, nil
}

func (m *MySQLStore) GetDefinitionByControlType(ctx context.Context, controlType string) (*checkpoint.Definition, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT `+definitionColumns+` FROM checkpoint_definitions WHERE control_type = ?`, controlType)
	d, err := m.scanDefinition(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load definition: %w", err)
	}
	return d, nil
}

func (m *MySQLStore) ListDefinitions(ctx context.Context, filter checkpoint.DefinitionFilter) ([]*checkpoint.Definition, error) {
	if err := m.guard(); err != nil {
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

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*checkpoint.Definition
	for rows.Next() {
		d, err := m.scanDefinition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
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

func (m *MySQLStore) UpdateDefinition(ctx context.Context, d *checkpoint.Definition) error {
	if err := m.guard(); err != nil {
		return err
	}
	args, err := m.definitionArgs(d)
	if err != nil {
		return err
	}
	args = append(args[1:], d.ID)
	query := `UPDATE checkpoint_definitions SET
		control_type = ?, label = ?, description = ?, field_schema = ?,
		pipeline_position = ?, sort_order = ?, applicable_modes = ?, required = ?,
		timeout_seconds = ?, max_retries = ?, circuit_breaker_threshold = ?,
		circuit_breaker_window_minutes = ?, enabled = ?, created_at = ?, updated_at = ?
		WHERE id = ?`
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		if other, lookupErr := m.GetDefinitionByControlType(ctx, d.ControlType); lookupErr == nil && other.ID != d.ID {
			return checkpoint.ErrDuplicateControlType
		}
		return fmt.Errorf("failed to update definition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		// MySQL reports zero affected rows for no-op updates too, so
		// distinguish a missing row from an identical one.
		if _, err := m.GetDefinition(ctx, d.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLStore) scanInstance(row rowScanner) (*checkpoint.Instance, error) {
	var (
		inst                             checkpoint.Instance
		schemaJSON                       []byte
		state                            string
		timeout                          sql.NullInt64
		payload, submitResult            []byte
		offeredAt, submittedAt, failedAt sql.NullTime
	)
	err := row.Scan(&inst.ID, &inst.TaskID, &inst.DefinitionID, &inst.ControlType,
		&inst.Label, &schemaJSON, &inst.Required, &timeout, &inst.MaxRetries,
		&state, &payload, &submitResult, &inst.AttemptCount, &inst.LastError,
		&offeredAt, &submittedAt, &failedAt, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(schemaJSON, &inst.FieldSchema); err != nil {
		return nil, fmt.Errorf("failed to unmarshal field_schema: %w", err)
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &inst.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	if len(submitResult) > 0 {
		if err := json.Unmarshal(submitResult, &inst.SubmitResult); err != nil {
			return nil, fmt.Errorf("failed to unmarshal submit_result: %w", err)
		}
	}
	inst.State = checkpoint.State(state)
	if timeout.Valid {
		v := int(timeout.Int64)
		inst.TimeoutSeconds = &v
	}
	inst.OfferedAt = timeFromNull(offeredAt)
	inst.SubmittedAt = timeFromNull(submittedAt)
	inst.FailedAt = timeFromNull(failedAt)
	inst.CreatedAt = inst.CreatedAt.UTC()
	inst.UpdatedAt = inst.UpdatedAt.UTC()
	return &inst, nil
}

func (m *MySQLStore) instanceArgs(inst *checkpoint.Instance) ([]any, error) {
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
		nullTimeArg(inst.OfferedAt), nullTimeArg(inst.SubmittedAt),
		nullTimeArg(inst.FailedAt), inst.CreatedAt.UTC(), inst.UpdatedAt.UTC(),
	}, nil
}

func (m *MySQLStore) CreateInstance(ctx context.Context, inst *checkpoint.Instance) (*checkpoint.Instance, bool, error) {
	if err := m.guard(); err != nil {
		return nil, false, err
	}
	args, err := m.instanceArgs(inst)
	if err != nil {
		return nil, false, err
	}
	query := `INSERT IGNORE INTO checkpoint_instances (` + instanceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if affected == 0 {
		existing, err := m.FindInstance(ctx, inst.TaskID, inst.DefinitionID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return inst.Clone(), true, nil
}

func (m *MySQLStore) GetInstance(ctx context.Context, id string) (*checkpoint.Instance, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM checkpoint_instances WHERE id = ?`, id)
	inst, err := m.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load instance: %w", err)
	}
	return inst, nil
}

func (m *MySQLStore) FindInstance(ctx context.Context, taskID, definitionID string) (*checkpoint.Instance, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM checkpoint_instances WHERE task_id = ? AND definition_id = ?`,
		taskID, definitionID)
	inst, err := m.scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, checkpoint.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find instance: %w", err)
	}
	return inst, nil
}

func (m *MySQLStore) ListInstances(ctx context.Context, taskID string) ([]*checkpoint.Instance, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+instanceColumns+` FROM checkpoint_instances
			WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*checkpoint.Instance
	for rows.Next() {
		inst, err := m.scanInstance(rows)
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

func (m *MySQLStore) UpdateInstance(ctx context.Context, inst *checkpoint.Instance) error {
	if err := m.guard(); err != nil {
		return err
	}
	args, err := m.instanceArgs(inst)
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
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		if _, err := m.GetInstance(ctx, inst.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLStore) CountRecentExhaustedFailures(ctx context.Context, definitionID string, cutoff time.Time) (int, error) {
	if err := m.guard(); err != nil {
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
	if err := m.db.QueryRowContext(ctx, query, definitionID, cutoff.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count exhausted failures: %w", err)
	}
	return count, nil
}

func (m *MySQLStore) CreateParticipant(ctx context.Context, p *study.Participant) error {
	if err := m.guard(); err != nil {
		return err
	}
	query := `INSERT INTO participants (id, study_group, phase1_ticker, phase2_ticker, phase3_ticker)
		VALUES (?, ?, ?, ?, ?)`
	if _, err := m.db.ExecContext(ctx, query, p.ID, string(p.Group),
		p.Phase1Ticker, p.Phase2Ticker, p.Phase3Ticker); err != nil {
		return fmt.Errorf("failed to insert participant: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetParticipant(ctx context.Context, id string) (*study.Participant, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	var (
		p     study.Participant
		group string
	)
	err := m.db.QueryRowContext(ctx,
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

func (m *MySQLStore) CreateSession(ctx context.Context, sess *study.Session) error {
	if err := m.guard(); err != nil {
		return err
	}
	query := `INSERT INTO sessions (id, participant_id, current_phase, current_mode, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if _, err := m.db.ExecContext(ctx, query, sess.ID, sess.ParticipantID,
		sess.CurrentPhase, string(sess.CurrentMode), sess.StartedAt.UTC(),
		nullTimeArg(sess.EndedAt)); err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	return nil
}

func (m *MySQLStore) scanSession(row rowScanner) (*study.Session, error) {
	var (
		sess    study.Session
		mode    string
		endedAt sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.ParticipantID, &sess.CurrentPhase, &mode, &sess.StartedAt, &endedAt)
	if err != nil {
		return nil, err
	}
	sess.CurrentMode = study.Mode(mode)
	sess.StartedAt = sess.StartedAt.UTC()
	sess.EndedAt = timeFromNull(endedAt)
	return &sess, nil
}

func (m *MySQLStore) GetSession(ctx context.Context, id string) (*study.Session, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT id, participant_id, current_phase, current_mode, started_at, ended_at
			FROM sessions WHERE id = ?`, id)
	sess, err := m.scanSession(row)
	if err == sql.ErrNoRows {
		return nil, study.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

func (m *MySQLStore) UpdateSession(ctx context.Context, sess *study.Session) error {
	if err := m.guard(); err != nil {
		return err
	}
	query := `UPDATE sessions SET participant_id = ?, current_phase = ?, current_mode = ?,
		started_at = ?, ended_at = ? WHERE id = ?`
	res, err := m.db.ExecContext(ctx, query, sess.ParticipantID, sess.CurrentPhase,
		string(sess.CurrentMode), sess.StartedAt.UTC(), nullTimeArg(sess.EndedAt), sess.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		if _, err := m.GetSession(ctx, sess.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLStore) scanTask(row rowScanner) (*study.Task, error) {
	var (
		t                             study.Task
		mode                          string
		completedAt                   sql.NullTime
		nodesJSON, selectedJSON       []byte
		rejectedJSON, spansJSON       []byte
		retrievalDone, generationDone sql.NullTime
		editDone                      sql.NullTime
	)
	err := row.Scan(&t.ID, &t.SessionID, &t.Phase, &mode, &t.Ticker, &t.QueryText,
		&t.StartedAt, &completedAt, &t.TimeOnTaskSeconds, &t.RetrievalID,
		&nodesJSON, &selectedJSON, &rejectedJSON, &t.GeneratedSummary,
		&t.EditedSummary, &spansJSON, &t.CharactersEdited,
		&retrievalDone, &generationDone, &editDone, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Mode = study.Mode(mode)
	if len(nodesJSON) > 0 {
		if err := json.Unmarshal(nodesJSON, &t.RetrievedNodes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal retrieved_nodes: %w", err)
		}
	}
	if len(selectedJSON) > 0 {
		if err := json.Unmarshal(selectedJSON, &t.SelectedNodeIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal selected_node_ids: %w", err)
		}
	}
	if len(rejectedJSON) > 0 {
		if err := json.Unmarshal(rejectedJSON, &t.RejectedNodeIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal rejected_node_ids: %w", err)
		}
	}
	if len(spansJSON) > 0 {
		if err := json.Unmarshal(spansJSON, &t.FlaggedSpans); err != nil {
			return nil, fmt.Errorf("failed to unmarshal flagged_spans: %w", err)
		}
	}
	t.StartedAt = t.StartedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.CompletedAt = timeFromNull(completedAt)
	t.RetrievalCompletedAt = timeFromNull(retrievalDone)
	t.GenerationCompletedAt = timeFromNull(generationDone)
	t.EditCompletedAt = timeFromNull(editDone)
	return &t, nil
}

func (m *MySQLStore) taskArgs(t *study.Task) ([]any, error) {
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
		t.StartedAt.UTC(), nullTimeArg(t.CompletedAt), t.TimeOnTaskSeconds,
		t.RetrievalID, nodes, selected, rejected, t.GeneratedSummary,
		t.EditedSummary, spans, t.CharactersEdited,
		nullTimeArg(t.RetrievalCompletedAt), nullTimeArg(t.GenerationCompletedAt),
		nullTimeArg(t.EditCompletedAt), t.UpdatedAt.UTC(),
	}, nil
}

func (m *MySQLStore) CreateTask(ctx context.Context, t *study.Task) error {
	if err := m.guard(); err != nil {
		return err
	}
	args, err := m.taskArgs(t)
	if err != nil {
		return err
	}
	query := `INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := m.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (m *MySQLStore) GetTask(ctx context.Context, id string) (*study.Task, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := m.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, study.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return t, nil
}

func (m *MySQLStore) UpdateTask(ctx context.Context, t *study.Task) error {
	if err := m.guard(); err != nil {
		return err
	}
	args, err := m.taskArgs(t)
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
	res, err := m.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		if _, err := m.GetTask(ctx, t.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *MySQLStore) CurrentTask(ctx context.Context, sessionID string, phase int) (*study.Task, error) {
	if err := m.guard(); err != nil {
		return nil, err
	}
	row := m.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
			WHERE session_id = ? AND phase = ?
			ORDER BY started_at DESC, id DESC LIMIT 1`, sessionID, phase)
	t, err := m.scanTask(row)
	if err == sql.ErrNoRows {
		return nil, study.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load current task: %w", err)
	}
	return t, nil
}

// Ping verifies the database connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.guard(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Close closes the connection pool. Double-close is a no-op.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}
