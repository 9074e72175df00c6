// Package execution persists workflow runs: the execution record and
// its state machine, per-node steps, log lines, and AI request records.
package execution

import "time"

// Execution states.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusPaused    = "paused"
)

// Step states. A skipped step had a false inbound edge condition.
const (
	StepPending   = "pending"
	StepRunning   = "running"
	StepCompleted = "completed"
	StepFailed    = "failed"
	StepSkipped   = "skipped"
)

// Log levels.
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Execution is one run of a workflow.
type Execution struct {
	ID           string         `json:"id"`
	OrgID        string         `json:"organization_id"`
	WorkflowID   string         `json:"workflow_id"`
	VersionID    string         `json:"workflow_version_id,omitempty"`
	TriggerID    string         `json:"trigger_id,omitempty"`
	TriggerType  string         `json:"trigger_type"`
	Status       string         `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	Error        string         `json:"error,omitempty"`
	StartedBy    string         `json:"started_by,omitempty"`
	RetryCount   int            `json:"retry_count"`
	MaxRetries   int            `json:"max_retries"`
	ParentID     string         `json:"parent_execution_id,omitempty"`
	TokensUsed   int64          `json:"tokens_used"`
	CostCents    int64          `json:"cost_cents"`
	QueuedAt     time.Time      `json:"queued_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
	LeaseExpires *time.Time     `json:"-"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// Terminal reports whether the execution has reached a final state.
func (e *Execution) Terminal() bool {
	return TerminalStatus(e.Status)
}

// CanRetry reports whether a failed execution has retry budget left.
func (e *Execution) CanRetry() bool {
	return e.Status == StatusFailed && e.RetryCount < e.MaxRetries
}

// TerminalStatus reports whether s is a final execution state.
func TerminalStatus(s string) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Step is one node invocation within an execution. Step numbers are a
// dense 1-based sequence per execution.
type Step struct {
	ID         string         `json:"id"`
	ExecID     string         `json:"execution_id"`
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type"`
	Number     int            `json:"step_number"`
	Status     string         `json:"status"`
	Input      map[string]any `json:"input,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	RetryCount int            `json:"retry_count"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// LogEntry is one log line attached to an execution, optionally scoped
// to a step.
type LogEntry struct {
	ID        string         `json:"id"`
	ExecID    string         `json:"execution_id"`
	StepID    string         `json:"step_id,omitempty"`
	NodeID    string         `json:"node_id,omitempty"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AIRequest records one model call made on behalf of an execution.
// TotalTokens is always InputTokens + OutputTokens.
type AIRequest struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"organization_id"`
	ExecID       string    `json:"execution_id,omitempty"`
	StepID       string    `json:"step_id,omitempty"`
	Model        string    `json:"model"`
	Prompt       string    `json:"prompt"`
	Response     string    `json:"response,omitempty"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	CostCents    int64     `json:"cost_cents"`
	LatencyMS    int64     `json:"latency_ms"`
	Cached       bool      `json:"cached"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
