package execution

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Store persists executions, steps, logs, and AI request records.
type Store struct {
	db *sql.DB
}

// NewStore migrates the execution tables on the shared database.
func NewStore(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_executions (
			id                  TEXT PRIMARY KEY,
			organization_id     TEXT NOT NULL,
			workflow_id         TEXT NOT NULL,
			workflow_version_id TEXT NOT NULL DEFAULT '',
			trigger_id          TEXT NOT NULL DEFAULT '',
			trigger_type        TEXT NOT NULL DEFAULT 'manual',
			status              TEXT NOT NULL DEFAULT 'pending',
			input               TEXT NOT NULL DEFAULT '{}',
			output              TEXT NOT NULL DEFAULT '{}',
			context             TEXT NOT NULL DEFAULT '{}',
			error               TEXT NOT NULL DEFAULT '',
			started_by          TEXT NOT NULL DEFAULT '',
			retry_count         INTEGER NOT NULL DEFAULT 0,
			max_retries         INTEGER NOT NULL DEFAULT 3,
			parent_execution_id TEXT NOT NULL DEFAULT '',
			tokens_used         INTEGER NOT NULL DEFAULT 0,
			cost_cents          INTEGER NOT NULL DEFAULT 0,
			queued_at           TEXT NOT NULL,
			started_at          TEXT,
			finished_at         TEXT,
			duration_ms         INTEGER NOT NULL DEFAULT 0,
			lease_expires_at    TEXT,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_steps (
			id           TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			node_id      TEXT NOT NULL,
			node_type    TEXT NOT NULL,
			step_number  INTEGER NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			input        TEXT NOT NULL DEFAULT '{}',
			output       TEXT NOT NULL DEFAULT '{}',
			error        TEXT NOT NULL DEFAULT '',
			retry_count  INTEGER NOT NULL DEFAULT 0,
			started_at   TEXT,
			finished_at  TEXT,
			duration_ms  INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			UNIQUE(execution_id, step_number)
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			id           TEXT PRIMARY KEY,
			execution_id TEXT NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
			step_id      TEXT NOT NULL DEFAULT '',
			node_id      TEXT NOT NULL DEFAULT '',
			level        TEXT NOT NULL DEFAULT 'info',
			message      TEXT NOT NULL,
			details      TEXT NOT NULL DEFAULT '{}',
			created_at   TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ai_requests (
			id              TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			execution_id    TEXT NOT NULL DEFAULT '',
			step_id         TEXT NOT NULL DEFAULT '',
			model           TEXT NOT NULL,
			prompt          TEXT NOT NULL,
			response        TEXT NOT NULL DEFAULT '',
			input_tokens    INTEGER NOT NULL DEFAULT 0,
			output_tokens   INTEGER NOT NULL DEFAULT 0,
			total_tokens    INTEGER NOT NULL DEFAULT 0,
			cost_cents      INTEGER NOT NULL DEFAULT 0,
			latency_ms      INTEGER NOT NULL DEFAULT 0,
			cached          INTEGER NOT NULL DEFAULT 0,
			error           TEXT NOT NULL DEFAULT '',
			created_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON workflow_executions(workflow_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_org_status ON workflow_executions(organization_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_execution ON execution_steps(execution_id, step_number)`,
		`CREATE INDEX IF NOT EXISTS idx_logs_execution ON execution_logs(execution_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_requests_org ON ai_requests(organization_id, created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("migrate execution tables: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Create inserts a pending execution.
func (s *Store) Create(e *Execution) (*Execution, error) {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.Status = StatusPending
	e.QueuedAt = now
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.TriggerType == "" {
		e.TriggerType = "manual"
	}

	input, _ := json.Marshal(orEmpty(e.Input))
	contextJSON, _ := json.Marshal(orEmpty(e.Context))
	_, err := s.db.Exec(`INSERT INTO workflow_executions
		(id, organization_id, workflow_id, workflow_version_id, trigger_id, trigger_type, status, input, context, started_by, retry_count, max_retries, parent_execution_id, queued_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.WorkflowID, e.VersionID, e.TriggerID, e.TriggerType,
		string(input), string(contextJSON), e.StartedBy, e.RetryCount, e.MaxRetries, e.ParentID,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return e, nil
}

// Get returns one execution by id.
func (s *Store) Get(id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+execColumns+` FROM workflow_executions WHERE id = ?`, id)
	return scanExecution(row)
}

// GetInOrg returns an execution only within its owning organization.
func (s *Store) GetInOrg(orgID, id string) (*Execution, error) {
	row := s.db.QueryRow(`SELECT `+execColumns+` FROM workflow_executions WHERE id = ? AND organization_id = ?`, id, orgID)
	return scanExecution(row)
}

// List returns executions for an organization, optionally filtered by
// workflow and status, newest first.
func (s *Store) List(orgID, workflowID, status string, limit, offset int) ([]Execution, int, error) {
	where := `organization_id = ?`
	args := []any{orgID}
	if workflowID != "" {
		where += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM workflow_executions WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+execColumns+` FROM workflow_executions WHERE `+where+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Execution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, total, rows.Err()
}

// MarkRunning transitions pending|paused -> running and takes a lease.
// The guarded UPDATE makes claiming race-safe across workers.
func (s *Store) MarkRunning(id string, leaseUntil time.Time) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE workflow_executions
		SET status = 'running', started_at = COALESCE(started_at, ?), lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending', 'paused')`,
		now.Format(time.RFC3339Nano), leaseUntil.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(id, StatusRunning)
	}
	return nil
}

// ExtendLease pushes the running lease forward.
func (s *Store) ExtendLease(id string, until time.Time) error {
	_, err := s.db.Exec(`UPDATE workflow_executions SET lease_expires_at = ? WHERE id = ? AND status = 'running'`,
		until.UTC().Format(time.RFC3339Nano), id)
	return err
}

// StaleRunning returns running executions whose lease expired before
// the cutoff, for the scheduler's watchdog to fail or requeue.
func (s *Store) StaleRunning(cutoff time.Time) ([]Execution, error) {
	rows, err := s.db.Query(`SELECT `+execColumns+` FROM workflow_executions
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Pending returns queued executions, oldest first, for startup
// recovery after a crash.
func (s *Store) Pending(limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`SELECT `+execColumns+` FROM workflow_executions
		WHERE status = 'pending' ORDER BY queued_at LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Execution, 0)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Complete transitions running -> completed with the final output.
func (s *Store) Complete(id string, output map[string]any) error {
	return s.finish(id, StatusCompleted, output, "")
}

// Fail transitions running -> failed with an error message.
func (s *Store) Fail(id, errMsg string) error {
	return s.finish(id, StatusFailed, nil, errMsg)
}

// Cancel transitions pending|running|paused -> cancelled.
func (s *Store) Cancel(id string) error {
	now := time.Now().UTC()
	res, err := s.db.Exec(`UPDATE workflow_executions
		SET status = 'cancelled', finished_at = ?, updated_at = ?,
			duration_ms = CASE WHEN started_at IS NULL THEN 0
				ELSE CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER) END
		WHERE id = ? AND status IN ('pending', 'running', 'paused')`,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(id, StatusCancelled)
	}
	return nil
}

// Requeue returns a running execution with an expired lease to the
// queue. The lease guard means a live worker's execution is never
// yanked; losing the race to a heartbeat is not an error.
func (s *Store) Requeue(id string, cutoff time.Time) error {
	_, err := s.db.Exec(`UPDATE workflow_executions
		SET status = 'pending', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id, cutoff.UTC().Format(time.RFC3339Nano))
	return err
}

// Pause transitions running -> paused.
func (s *Store) Pause(id string) error {
	res, err := s.db.Exec(`UPDATE workflow_executions SET status = 'paused', updated_at = ? WHERE id = ? AND status = 'running'`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(id, StatusPaused)
	}
	return nil
}

func (s *Store) finish(id, status string, output map[string]any, errMsg string) error {
	now := time.Now().UTC()
	outputJSON, _ := json.Marshal(orEmpty(output))
	res, err := s.db.Exec(`UPDATE workflow_executions
		SET status = ?, output = ?, error = ?, finished_at = ?, updated_at = ?,
			duration_ms = CASE WHEN started_at IS NULL THEN 0
				ELSE CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER) END
		WHERE id = ? AND status = 'running'`,
		status, string(outputJSON), errMsg,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(id, status)
	}
	return nil
}

func (s *Store) transitionConflict(id, to string) error {
	e, err := s.Get(id)
	if err != nil {
		return err
	}
	return CheckTransition(e.Status, to)
}

// SaveContext writes the execution's merged context in one shot.
func (s *Store) SaveContext(id string, context map[string]any) error {
	contextJSON, _ := json.Marshal(orEmpty(context))
	_, err := s.db.Exec(`UPDATE workflow_executions SET context = ?, updated_at = ? WHERE id = ?`,
		string(contextJSON), time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// AddUsage accumulates token and cost counters on the execution.
func (s *Store) AddUsage(id string, tokens, costCents int64) error {
	_, err := s.db.Exec(`UPDATE workflow_executions SET tokens_used = tokens_used + ?, cost_cents = cost_cents + ?, updated_at = ? WHERE id = ?`,
		tokens, costCents, time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// CreateRetry inserts a new pending execution inheriting the failed
// parent's input, trigger, and context, with the retry counter bumped.
func (s *Store) CreateRetry(parent *Execution) (*Execution, error) {
	if !parent.CanRetry() {
		return nil, apperr.New(apperr.KindConflict, "execution %s cannot be retried", parent.ID)
	}
	retry := &Execution{
		OrgID:       parent.OrgID,
		WorkflowID:  parent.WorkflowID,
		VersionID:   parent.VersionID,
		TriggerID:   parent.TriggerID,
		TriggerType: parent.TriggerType,
		Input:       parent.Input,
		Context:     parent.Context,
		StartedBy:   parent.StartedBy,
		RetryCount:  parent.RetryCount + 1,
		MaxRetries:  parent.MaxRetries,
		ParentID:    parent.ID,
	}
	return s.Create(retry)
}

// CreateStep appends the next step of an execution with a dense
// 1-based number. The number is assigned inside the INSERT so
// concurrent branches of one execution never collide.
func (s *Store) CreateStep(execID, nodeID, nodeType string, input map[string]any) (*Step, error) {
	now := time.Now().UTC()
	inputJSON, _ := json.Marshal(orEmpty(input))

	st := &Step{
		ID:        uuid.NewString(),
		ExecID:    execID,
		NodeID:    nodeID,
		NodeType:  nodeType,
		Status:    StepPending,
		Input:     input,
		CreatedAt: now,
	}
	_, err := s.db.Exec(`INSERT INTO execution_steps (id, execution_id, node_id, node_type, step_number, status, input, created_at)
		VALUES (?, ?, ?, ?,
			(SELECT COALESCE(MAX(step_number), 0) + 1 FROM execution_steps WHERE execution_id = ?),
			'pending', ?, ?)`,
		st.ID, execID, nodeID, nodeType, execID, string(inputJSON), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert step: %w", err)
	}
	if err := s.db.QueryRow(`SELECT step_number FROM execution_steps WHERE id = ?`, st.ID).Scan(&st.Number); err != nil {
		return nil, err
	}
	return st, nil
}

// StartStep marks a step running.
func (s *Store) StartStep(id string) error {
	_, err := s.db.Exec(`UPDATE execution_steps SET status = 'running', started_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id)
	return err
}

// CompleteStep marks a step completed with its output.
func (s *Store) CompleteStep(id string, output map[string]any) error {
	return s.finishStep(id, StepCompleted, output, "")
}

// FailStep marks a step failed.
func (s *Store) FailStep(id, errMsg string) error {
	return s.finishStep(id, StepFailed, nil, errMsg)
}

// SkipStep marks a step skipped without running it.
func (s *Store) SkipStep(id string) error {
	return s.finishStep(id, StepSkipped, nil, "")
}

func (s *Store) finishStep(id, status string, output map[string]any, errMsg string) error {
	now := time.Now().UTC()
	outputJSON, _ := json.Marshal(orEmpty(output))
	_, err := s.db.Exec(`UPDATE execution_steps
		SET status = ?, output = ?, error = ?, finished_at = ?,
			duration_ms = CASE WHEN started_at IS NULL THEN 0
				ELSE CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER) END
		WHERE id = ?`,
		status, string(outputJSON), errMsg, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), id)
	return err
}

// ListSteps returns an execution's steps in step order.
func (s *Store) ListSteps(execID string) ([]Step, error) {
	rows, err := s.db.Query(`SELECT id, execution_id, node_id, node_type, step_number, status, input, output, error, retry_count, started_at, finished_at, duration_ms, created_at
		FROM execution_steps WHERE execution_id = ? ORDER BY step_number`, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Step, 0)
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			continue
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// AppendLog writes one log line for an execution.
func (s *Store) AppendLog(execID, stepID, nodeID, level, message string, details map[string]any) error {
	detailsJSON, _ := json.Marshal(orEmpty(details))
	_, err := s.db.Exec(`INSERT INTO execution_logs (id, execution_id, step_id, node_id, level, message, details, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), execID, stepID, nodeID, level, message, string(detailsJSON),
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// ListLogs returns an execution's log lines in order, optionally
// filtered by level.
func (s *Store) ListLogs(execID, level string) ([]LogEntry, error) {
	query := `SELECT id, execution_id, step_id, node_id, level, message, details, created_at
		FROM execution_logs WHERE execution_id = ?`
	args := []any{execID}
	if level != "" {
		query += ` AND level = ?`
		args = append(args, level)
	}
	rows, err := s.db.Query(query+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]LogEntry, 0)
	for rows.Next() {
		var (
			l         LogEntry
			details   string
			createdAt string
		)
		if err := rows.Scan(&l.ID, &l.ExecID, &l.StepID, &l.NodeID, &l.Level, &l.Message, &details, &createdAt); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(details), &l.Details)
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, l)
	}
	return out, rows.Err()
}

// RecordAIRequest persists one model call. Total tokens are always
// derived from the input and output counts.
func (s *Store) RecordAIRequest(r *AIRequest) (*AIRequest, error) {
	now := time.Now().UTC()
	r.ID = uuid.NewString()
	r.TotalTokens = r.InputTokens + r.OutputTokens
	r.CreatedAt = now
	cached := 0
	if r.Cached {
		cached = 1
	}
	_, err := s.db.Exec(`INSERT INTO ai_requests (id, organization_id, execution_id, step_id, model, prompt, response, input_tokens, output_tokens, total_tokens, cost_cents, latency_ms, cached, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OrgID, r.ExecID, r.StepID, r.Model, r.Prompt, r.Response,
		r.InputTokens, r.OutputTokens, r.TotalTokens, r.CostCents, r.LatencyMS, cached, r.Error,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert ai request: %w", err)
	}
	return r, nil
}

// ListAIRequests returns an execution's model calls in order.
func (s *Store) ListAIRequests(execID string) ([]AIRequest, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, execution_id, step_id, model, prompt, response, input_tokens, output_tokens, total_tokens, cost_cents, latency_ms, cached, error, created_at
		FROM ai_requests WHERE execution_id = ? ORDER BY created_at`, execID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]AIRequest, 0)
	for rows.Next() {
		var (
			r         AIRequest
			cached    int
			createdAt string
		)
		if err := rows.Scan(&r.ID, &r.OrgID, &r.ExecID, &r.StepID, &r.Model, &r.Prompt, &r.Response,
			&r.InputTokens, &r.OutputTokens, &r.TotalTokens, &r.CostCents, &r.LatencyMS, &cached, &r.Error, &createdAt); err != nil {
			continue
		}
		r.Cached = cached == 1
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PurgeOlderThan deletes terminal executions finished before the
// cutoff; steps, logs, and AI requests cascade with them.
func (s *Store) PurgeOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM workflow_executions
		WHERE status IN ('completed', 'failed', 'cancelled') AND finished_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// PurgeLogsOlderThan deletes log lines older than the cutoff without
// touching their executions.
func (s *Store) PurgeLogsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM execution_logs WHERE created_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

const execColumns = `id, organization_id, workflow_id, workflow_version_id, trigger_id, trigger_type, status, input, output, context, error, started_by, retry_count, max_retries, parent_execution_id, tokens_used, cost_cents, queued_at, started_at, finished_at, duration_ms, lease_expires_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(sc scanner) (*Execution, error) {
	var (
		e                              Execution
		input, output, contextJSON     string
		queuedAt, createdAt, updatedAt string
		startedAt, finishedAt, lease   sql.NullString
	)
	if err := sc.Scan(&e.ID, &e.OrgID, &e.WorkflowID, &e.VersionID, &e.TriggerID, &e.TriggerType,
		&e.Status, &input, &output, &contextJSON, &e.Error, &e.StartedBy, &e.RetryCount, &e.MaxRetries,
		&e.ParentID, &e.TokensUsed, &e.CostCents, &queuedAt, &startedAt, &finishedAt, &e.DurationMS,
		&lease, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(input), &e.Input)
	_ = json.Unmarshal([]byte(output), &e.Output)
	_ = json.Unmarshal([]byte(contextJSON), &e.Context)
	e.QueuedAt, _ = time.Parse(time.RFC3339Nano, queuedAt)
	e.StartedAt = nullableTime(startedAt)
	e.FinishedAt = nullableTime(finishedAt)
	e.LeaseExpires = nullableTime(lease)
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

func scanStep(sc scanner) (*Step, error) {
	var (
		st                    Step
		input, output         string
		startedAt, finishedAt sql.NullString
		createdAt             string
	)
	if err := sc.Scan(&st.ID, &st.ExecID, &st.NodeID, &st.NodeType, &st.Number, &st.Status,
		&input, &output, &st.Error, &st.RetryCount, &startedAt, &finishedAt, &st.DurationMS, &createdAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(input), &st.Input)
	_ = json.Unmarshal([]byte(output), &st.Output)
	st.StartedAt = nullableTime(startedAt)
	st.FinishedAt = nullableTime(finishedAt)
	st.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &st, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
