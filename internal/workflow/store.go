package workflow

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// Store persists workflows and their versions, variables, triggers,
// and templates. Every definition write is validated first.
type Store struct {
	db *sql.DB
}

// NewStore migrates the workflow tables on the shared database.
func NewStore(db *sql.DB) (*Store, error) {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id               TEXT PRIMARY KEY,
			organization_id  TEXT NOT NULL,
			name             TEXT NOT NULL,
			description      TEXT NOT NULL DEFAULT '',
			tags             TEXT NOT NULL DEFAULT '[]',
			status           TEXT NOT NULL DEFAULT 'draft',
			is_active        INTEGER NOT NULL DEFAULT 0,
			version          INTEGER NOT NULL DEFAULT 1,
			current_version  TEXT,
			definition       TEXT NOT NULL,
			created_by       TEXT NOT NULL,
			execution_count  INTEGER NOT NULL DEFAULT 0,
			success_count    INTEGER NOT NULL DEFAULT 0,
			failure_count    INTEGER NOT NULL DEFAULT 0,
			last_executed_at TEXT,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_versions (
			id             TEXT PRIMARY KEY,
			workflow_id    TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			version_number INTEGER NOT NULL,
			definition     TEXT NOT NULL,
			change_summary TEXT NOT NULL DEFAULT '',
			created_by     TEXT NOT NULL,
			created_at     TEXT NOT NULL,
			UNIQUE(workflow_id, version_number)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_variables (
			id            TEXT PRIMARY KEY,
			workflow_id   TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			name          TEXT NOT NULL,
			data_type     TEXT NOT NULL,
			scope         TEXT NOT NULL DEFAULT 'global',
			value         TEXT,
			default_value TEXT,
			is_required   INTEGER NOT NULL DEFAULT 0,
			is_secret     INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			UNIQUE(workflow_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS workflow_triggers (
			id                TEXT PRIMARY KEY,
			workflow_id       TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
			trigger_type      TEXT NOT NULL,
			name              TEXT NOT NULL DEFAULT '',
			is_active         INTEGER NOT NULL DEFAULT 1,
			cron_expression   TEXT NOT NULL DEFAULT '',
			timezone          TEXT NOT NULL DEFAULT 'UTC',
			webhook_token     TEXT,
			webhook_secret    TEXT NOT NULL DEFAULT '',
			event_name        TEXT NOT NULL DEFAULT '',
			config            TEXT NOT NULL DEFAULT '{}',
			execution_count   INTEGER NOT NULL DEFAULT 0,
			last_triggered_at TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_triggers_webhook_token
			ON workflow_triggers(webhook_token) WHERE webhook_token IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS workflow_templates (
			id              TEXT PRIMARY KEY,
			organization_id TEXT,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			category        TEXT NOT NULL DEFAULT '',
			definition      TEXT NOT NULL,
			is_public       INTEGER NOT NULL DEFAULT 0,
			use_count       INTEGER NOT NULL DEFAULT 0,
			created_by      TEXT NOT NULL,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_org ON workflows(organization_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_triggers_type ON workflow_triggers(trigger_type, is_active)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("migrate workflow tables: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Create validates the definition and writes a new draft workflow with
// version 1 and its initial version snapshot.
func (s *Store) Create(orgID, name, description string, tags []string, def *Definition, createdBy string) (*Workflow, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation("workflow name is required")
	}
	if _, err := Validate(def); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	w := &Workflow{
		ID:         uuid.NewString(),
		OrgID:      orgID,
		Name:       name,
		Description: description,
		Tags:       tags,
		Status:     StatusDraft,
		Version:    1,
		Definition: def,
		CreatedBy:  createdBy,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	defJSON, err := def.Encode()
	if err != nil {
		return nil, err
	}
	tagsJSON, _ := json.Marshal(tags)
	versionID := uuid.NewString()
	w.CurrentVersion = versionID

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO workflows (id, organization_id, name, description, tags, status, is_active, version, current_version, definition, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'draft', 0, 1, ?, ?, ?, ?, ?)`,
		w.ID, orgID, name, description, string(tagsJSON), versionID, string(defJSON), createdBy,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert workflow: %w", err)
	}
	_, err = tx.Exec(`INSERT INTO workflow_versions (id, workflow_id, version_number, definition, change_summary, created_by, created_at)
		VALUES (?, ?, 1, ?, 'initial version', ?, ?)`,
		versionID, w.ID, string(defJSON), createdBy, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert initial version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return w, nil
}

// Get returns one workflow by id.
func (s *Store) Get(id string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	return scanWorkflow(row)
}

// GetInOrg returns a workflow only when it belongs to the organization,
// so cross-tenant ids read as not found.
func (s *Store) GetInOrg(orgID, id string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ? AND organization_id = ?`, id, orgID)
	return scanWorkflow(row)
}

// List returns an organization's workflows, optionally filtered by
// status, newest first, with limit/offset pagination.
func (s *Store) List(orgID, status string, limit, offset int) ([]Workflow, int, error) {
	where := `organization_id = ?`
	args := []any{orgID}
	if status != "" {
		where += ` AND status = ?`
		args = append(args, status)
	}

	var total int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM workflows WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+workflowColumns+` FROM workflows WHERE `+where+
		` ORDER BY created_at DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]Workflow, 0, limit)
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			continue
		}
		out = append(out, *w)
	}
	return out, total, rows.Err()
}

// UpdateMeta changes name, description, and tags.
func (s *Store) UpdateMeta(id, name, description string, tags []string) error {
	tagsJSON, _ := json.Marshal(tags)
	res, err := s.db.Exec(`UPDATE workflows SET name = ?, description = ?, tags = ?, updated_at = ? WHERE id = ?`,
		name, description, string(tagsJSON), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// SetStatus transitions a workflow's lifecycle status. An active
// status forces the active flag on; every other status forces it off.
func (s *Store) SetStatus(id, status string) error {
	if !ValidStatus(status) {
		return apperr.Validation("unknown workflow status %q", status)
	}
	active := 0
	if status == StatusActive {
		active = 1
	}
	res, err := s.db.Exec(`UPDATE workflows SET status = ?, is_active = ?, updated_at = ? WHERE id = ?`,
		status, active, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Delete removes a workflow; versions, variables, and triggers cascade.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateVersion validates the definition, writes an immutable snapshot
// numbered workflow.version+1, and atomically points the workflow at it.
func (s *Store) CreateVersion(workflowID string, def *Definition, author, summary string) (*Version, error) {
	if _, err := Validate(def); err != nil {
		return nil, err
	}
	defJSON, err := def.Encode()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRow(`SELECT version FROM workflows WHERE id = ?`, workflowID).Scan(&current); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	v := &Version{
		ID:            uuid.NewString(),
		WorkflowID:    workflowID,
		Number:        current + 1,
		Definition:    def,
		ChangeSummary: summary,
		Author:        author,
		CreatedAt:     now,
	}
	_, err = tx.Exec(`INSERT INTO workflow_versions (id, workflow_id, version_number, definition, change_summary, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, workflowID, v.Number, string(defJSON), summary, author, now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert version: %w", err)
	}
	_, err = tx.Exec(`UPDATE workflows SET version = ?, current_version = ?, definition = ?, updated_at = ? WHERE id = ?`,
		v.Number, v.ID, string(defJSON), now.Format(time.RFC3339Nano), workflowID)
	if err != nil {
		return nil, fmt.Errorf("point workflow at version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return v, nil
}

// Rollback copies version n's definition back into the workflow without
// destroying any later versions.
func (s *Store) Rollback(workflowID string, n int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var versionID, defJSON string
	err = tx.QueryRow(`SELECT id, definition FROM workflow_versions WHERE workflow_id = ? AND version_number = ?`,
		workflowID, n).Scan(&versionID, &defJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return apperr.NotFound("version %d not found", n)
		}
		return err
	}

	res, err := tx.Exec(`UPDATE workflows SET current_version = ?, definition = ?, updated_at = ? WHERE id = ?`,
		versionID, defJSON, time.Now().UTC().Format(time.RFC3339Nano), workflowID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// GetVersion returns one version snapshot.
func (s *Store) GetVersion(workflowID string, n int) (*Version, error) {
	row := s.db.QueryRow(`SELECT id, workflow_id, version_number, definition, change_summary, created_by, created_at
		FROM workflow_versions WHERE workflow_id = ? AND version_number = ?`, workflowID, n)
	return scanVersion(row)
}

// ListVersions returns a workflow's versions, newest first.
func (s *Store) ListVersions(workflowID string) ([]Version, error) {
	rows, err := s.db.Query(`SELECT id, workflow_id, version_number, definition, change_summary, created_by, created_at
		FROM workflow_versions WHERE workflow_id = ? ORDER BY version_number DESC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Version, 0)
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			continue
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// PruneVersions deletes versions beyond the most recent keep, never
// touching the workflow's current version. Returns rows deleted.
func (s *Store) PruneVersions(workflowID string, keep int) (int64, error) {
	if keep < 1 {
		keep = 1
	}
	res, err := s.db.Exec(`DELETE FROM workflow_versions
		WHERE workflow_id = ?
		  AND id != (SELECT current_version FROM workflows WHERE id = ?)
		  AND version_number NOT IN (
			SELECT version_number FROM workflow_versions WHERE workflow_id = ?
			ORDER BY version_number DESC LIMIT ?
		  )`, workflowID, workflowID, workflowID, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// AllIDs returns the id of every workflow across all organizations.
// Used by background maintenance, not by tenant-facing paths.
func (s *Store) AllIDs() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM workflows`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// SetVariable upserts a typed variable on a workflow.
func (s *Store) SetVariable(v *Variable) (*Variable, error) {
	if v.Name == "" {
		return nil, apperr.Validation("variable name is required")
	}
	if !ValidVariableType(v.Type) {
		return nil, apperr.Validation("unknown variable type %q", v.Type)
	}
	if !CheckVariableValue(v.Type, v.Value) {
		return nil, apperr.Validation("variable %q value does not match type %s", v.Name, v.Type)
	}
	if v.Scope == "" {
		v.Scope = ScopeGlobal
	}

	now := time.Now().UTC()
	valueJSON, _ := json.Marshal(v.Value)
	defaultJSON, _ := json.Marshal(v.Default)
	required, secret := 0, 0
	if v.Required {
		required = 1
	}
	if v.Secret {
		secret = 1
	}

	if v.ID == "" {
		v.ID = uuid.NewString()
		v.CreatedAt = now
	}
	v.UpdatedAt = now
	_, err := s.db.Exec(`INSERT INTO workflow_variables (id, workflow_id, name, data_type, scope, value, default_value, is_required, is_secret, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(workflow_id, name) DO UPDATE SET
			data_type = excluded.data_type,
			scope = excluded.scope,
			value = excluded.value,
			default_value = excluded.default_value,
			is_required = excluded.is_required,
			is_secret = excluded.is_secret,
			updated_at = excluded.updated_at`,
		v.ID, v.WorkflowID, v.Name, v.Type, v.Scope, string(valueJSON), string(defaultJSON),
		required, secret, now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("upsert variable: %w", err)
	}
	return v, nil
}

// ListVariables returns a workflow's variables by name.
func (s *Store) ListVariables(workflowID string) ([]Variable, error) {
	rows, err := s.db.Query(`SELECT id, workflow_id, name, data_type, scope, value, default_value, is_required, is_secret, created_at, updated_at
		FROM workflow_variables WHERE workflow_id = ? ORDER BY name`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Variable, 0)
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			continue
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// DeleteVariable removes a variable by name.
func (s *Store) DeleteVariable(workflowID, name string) error {
	res, err := s.db.Exec(`DELETE FROM workflow_variables WHERE workflow_id = ? AND name = ?`, workflowID, name)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CreateTrigger validates and stores a trigger. Scheduled triggers must
// carry a parseable cron expression and a known timezone; webhook
// triggers are assigned a unique URL token.
func (s *Store) CreateTrigger(t *Trigger) (*Trigger, error) {
	switch t.Type {
	case TriggerManual:
	case TriggerScheduled:
		if _, err := cron.ParseStandard(t.CronExpression); err != nil {
			return nil, apperr.Validation("invalid cron expression %q: %v", t.CronExpression, err)
		}
		if t.Timezone == "" {
			t.Timezone = "UTC"
		}
		if _, err := time.LoadLocation(t.Timezone); err != nil {
			return nil, apperr.Validation("unknown timezone %q", t.Timezone)
		}
	case TriggerWebhook:
		if t.WebhookToken == "" {
			t.WebhookToken = uuid.NewString()
		}
	case TriggerEvent:
		if t.EventName == "" {
			return nil, apperr.Validation("event triggers require an event name")
		}
	default:
		return nil, apperr.Validation("unknown trigger type %q", t.Type)
	}

	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.Active = true
	t.CreatedAt = now
	t.UpdatedAt = now
	configJSON, _ := json.Marshal(t.Config)

	var token any
	if t.WebhookToken != "" {
		token = t.WebhookToken
	}
	_, err := s.db.Exec(`INSERT INTO workflow_triggers (id, workflow_id, trigger_type, name, is_active, cron_expression, timezone, webhook_token, webhook_secret, event_name, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.WorkflowID, t.Type, t.Name, t.CronExpression, t.Timezone, token, t.WebhookSecret,
		t.EventName, string(configJSON), now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert trigger: %w", err)
	}
	return t, nil
}

// GetTrigger returns one trigger by id.
func (s *Store) GetTrigger(id string) (*Trigger, error) {
	row := s.db.QueryRow(`SELECT `+triggerColumns+` FROM workflow_triggers WHERE id = ?`, id)
	return scanTrigger(row)
}

// TriggerByWebhookToken resolves an inbound webhook URL token.
func (s *Store) TriggerByWebhookToken(token string) (*Trigger, error) {
	row := s.db.QueryRow(`SELECT `+triggerColumns+` FROM workflow_triggers WHERE webhook_token = ?`, token)
	return scanTrigger(row)
}

// ListTriggers returns a workflow's triggers.
func (s *Store) ListTriggers(workflowID string) ([]Trigger, error) {
	return s.queryTriggers(`SELECT `+triggerColumns+` FROM workflow_triggers WHERE workflow_id = ? ORDER BY created_at`, workflowID)
}

// ActiveTriggersByType returns every active trigger of one type across
// all workflows, used by the cron scanner and event bus.
func (s *Store) ActiveTriggersByType(triggerType string) ([]Trigger, error) {
	return s.queryTriggers(`SELECT `+triggerColumns+` FROM workflow_triggers WHERE trigger_type = ? AND is_active = 1`, triggerType)
}

// SetTriggerActive flips a trigger's active flag.
func (s *Store) SetTriggerActive(id string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	res, err := s.db.Exec(`UPDATE workflow_triggers SET is_active = ?, updated_at = ? WHERE id = ?`,
		flag, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteTrigger removes a trigger.
func (s *Store) DeleteTrigger(id string) error {
	res, err := s.db.Exec(`DELETE FROM workflow_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MarkTriggered bumps the trigger's firing stats.
func (s *Store) MarkTriggered(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE workflow_triggers SET execution_count = execution_count + 1, last_triggered_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), id)
	return err
}

// RecordExecution bumps the workflow's execution statistics after a
// terminal execution state.
func (s *Store) RecordExecution(workflowID string, success bool, at time.Time) error {
	col := "failure_count"
	if success {
		col = "success_count"
	}
	_, err := s.db.Exec(`UPDATE workflows SET execution_count = execution_count + 1, `+col+` = `+col+` + 1, last_executed_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC().Format(time.RFC3339Nano), at.UTC().Format(time.RFC3339Nano), workflowID)
	return err
}

// Statistics summarizes a workflow's execution history.
func (s *Store) Statistics(workflowID string) (*Statistics, error) {
	row := s.db.QueryRow(`SELECT execution_count, success_count, failure_count, last_executed_at FROM workflows WHERE id = ?`, workflowID)
	var (
		st   Statistics
		last sql.NullString
	)
	if err := row.Scan(&st.ExecutionCount, &st.SuccessCount, &st.FailureCount, &last); err != nil {
		return nil, err
	}
	st.LastExecutedAt = nullableTime(last)
	if st.ExecutionCount > 0 {
		st.SuccessRate = float64(st.SuccessCount) / float64(st.ExecutionCount)
	}
	return &st, nil
}

// CreateTemplate stores a reusable blueprint.
func (s *Store) CreateTemplate(t *Template) (*Template, error) {
	if t.Name == "" {
		return nil, apperr.Validation("template name is required")
	}
	if _, err := Validate(t.Definition); err != nil {
		return nil, err
	}
	defJSON, err := t.Definition.Encode()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	t.ID = uuid.NewString()
	t.CreatedAt = now
	t.UpdatedAt = now
	public := 0
	if t.Public {
		public = 1
	}
	var orgID any
	if t.OrgID != "" {
		orgID = t.OrgID
	}
	_, err = s.db.Exec(`INSERT INTO workflow_templates (id, organization_id, name, description, category, definition, is_public, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, orgID, t.Name, t.Description, t.Category, string(defJSON), public, t.CreatedBy,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert template: %w", err)
	}
	return t, nil
}

// ListTemplates returns the templates visible to an organization: its
// own plus public ones.
func (s *Store) ListTemplates(orgID string) ([]Template, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, name, description, category, definition, is_public, use_count, created_by, created_at, updated_at
		FROM workflow_templates WHERE organization_id = ? OR is_public = 1 ORDER BY name`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Template, 0)
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// Instantiate creates a new workflow in orgID from a template's
// definition and bumps the template's use count.
func (s *Store) Instantiate(templateID, orgID, name, createdBy string) (*Workflow, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, name, description, category, definition, is_public, use_count, created_by, created_at, updated_at
		FROM workflow_templates WHERE id = ?`, templateID)
	tpl, err := scanTemplate(row)
	if err != nil {
		return nil, err
	}
	if !tpl.Public && tpl.OrgID != orgID {
		return nil, apperr.NotFound("template %s not found", templateID)
	}
	if name == "" {
		name = tpl.Name
	}
	w, err := s.Create(orgID, name, tpl.Description, nil, tpl.Definition, createdBy)
	if err != nil {
		return nil, err
	}
	_, _ = s.db.Exec(`UPDATE workflow_templates SET use_count = use_count + 1 WHERE id = ?`, templateID)
	return w, nil
}

const workflowColumns = `id, organization_id, name, description, tags, status, is_active, version, current_version, definition, created_by, execution_count, success_count, failure_count, last_executed_at, created_at, updated_at`

const triggerColumns = `id, workflow_id, trigger_type, name, is_active, cron_expression, timezone, webhook_token, webhook_secret, event_name, config, execution_count, last_triggered_at, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(sc scanner) (*Workflow, error) {
	var (
		w                       Workflow
		tags, defJSON           string
		active                  int
		currentVersion, lastRun sql.NullString
		createdAt, updatedAt    string
	)
	if err := sc.Scan(&w.ID, &w.OrgID, &w.Name, &w.Description, &tags, &w.Status, &active, &w.Version,
		&currentVersion, &defJSON, &w.CreatedBy, &w.ExecutionCount, &w.SuccessCount, &w.FailureCount,
		&lastRun, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	w.Active = active == 1
	w.CurrentVersion = currentVersion.String
	_ = json.Unmarshal([]byte(tags), &w.Tags)
	def, err := ParseDefinition([]byte(defJSON))
	if err != nil {
		return nil, err
	}
	w.Definition = def
	w.LastExecutedAt = nullableTime(lastRun)
	w.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	w.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &w, nil
}

func scanVersion(sc scanner) (*Version, error) {
	var (
		v         Version
		defJSON   string
		createdAt string
	)
	if err := sc.Scan(&v.ID, &v.WorkflowID, &v.Number, &defJSON, &v.ChangeSummary, &v.Author, &createdAt); err != nil {
		return nil, err
	}
	def, err := ParseDefinition([]byte(defJSON))
	if err != nil {
		return nil, err
	}
	v.Definition = def
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &v, nil
}

func scanVariable(sc scanner) (*Variable, error) {
	var (
		v                     Variable
		value, defaultValue   sql.NullString
		required, secret      int
		createdAt, updatedAt  string
	)
	if err := sc.Scan(&v.ID, &v.WorkflowID, &v.Name, &v.Type, &v.Scope, &value, &defaultValue, &required, &secret, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if value.Valid {
		_ = json.Unmarshal([]byte(value.String), &v.Value)
	}
	if defaultValue.Valid {
		_ = json.Unmarshal([]byte(defaultValue.String), &v.Default)
	}
	v.Required = required == 1
	v.Secret = secret == 1
	v.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	v.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &v, nil
}

func scanTrigger(sc scanner) (*Trigger, error) {
	var (
		t                    Trigger
		active               int
		token, lastTriggered sql.NullString
		configJSON           string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&t.ID, &t.WorkflowID, &t.Type, &t.Name, &active, &t.CronExpression, &t.Timezone,
		&token, &t.WebhookSecret, &t.EventName, &configJSON, &t.ExecutionCount, &lastTriggered,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Active = active == 1
	t.WebhookToken = token.String
	_ = json.Unmarshal([]byte(configJSON), &t.Config)
	t.LastTriggeredAt = nullableTime(lastTriggered)
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func scanTemplate(sc scanner) (*Template, error) {
	var (
		t                    Template
		orgID                sql.NullString
		defJSON              string
		public               int
		createdAt, updatedAt string
	)
	if err := sc.Scan(&t.ID, &orgID, &t.Name, &t.Description, &t.Category, &defJSON, &public, &t.UseCount, &t.CreatedBy, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.OrgID = orgID.String
	def, err := ParseDefinition([]byte(defJSON))
	if err != nil {
		return nil, err
	}
	t.Definition = def
	t.Public = public == 1
	t.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	t.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &t, nil
}

func (s *Store) queryTriggers(query string, args ...any) ([]Trigger, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Trigger, 0)
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			continue
		}
		out = append(out, *t)
	}
	return out, rows.Err()
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
