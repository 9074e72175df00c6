package workflow

import "time"

// Workflow status values.
const (
	StatusDraft    = "draft"
	StatusActive   = "active"
	StatusPaused   = "paused"
	StatusArchived = "archived"
)

// Trigger types.
const (
	TriggerManual    = "manual"
	TriggerScheduled = "scheduled"
	TriggerWebhook   = "webhook"
	TriggerEvent     = "event"
)

// Variable data types and scopes.
const (
	VarString  = "string"
	VarNumber  = "number"
	VarBoolean = "boolean"
	VarArray   = "array"
	VarObject  = "object"

	ScopeGlobal      = "global"
	ScopeLocal       = "local"
	ScopeEnvironment = "environment"
)

// Workflow is a named, versioned automation graph owned by one
// organization.
type Workflow struct {
	ID             string      `json:"id"`
	OrgID          string      `json:"organization_id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Status         string      `json:"status"`
	Active         bool        `json:"is_active"`
	Version        int         `json:"version"`
	CurrentVersion string      `json:"current_version_id,omitempty"`
	Definition     *Definition `json:"definition"`
	CreatedBy      string      `json:"created_by"`

	ExecutionCount int        `json:"execution_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is an immutable snapshot of a workflow definition.
type Version struct {
	ID            string      `json:"id"`
	WorkflowID    string      `json:"workflow_id"`
	Number        int         `json:"version_number"`
	Definition    *Definition `json:"definition"`
	ChangeSummary string      `json:"change_summary,omitempty"`
	Author        string      `json:"created_by"`
	CreatedAt     time.Time   `json:"created_at"`
}

// Variable is a typed named value attached to a workflow.
type Variable struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	Name       string    `json:"name"`
	Type       string    `json:"data_type"`
	Scope      string    `json:"scope"`
	Value      any       `json:"value,omitempty"`
	Default    any       `json:"default_value,omitempty"`
	Required   bool      `json:"is_required"`
	Secret     bool      `json:"is_secret"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Redacted returns a copy safe to hand to read APIs: secret variables
// have their values masked. The runner reads the store directly and is
// unaffected.
func (v Variable) Redacted() Variable {
	if v.Secret {
		if v.Value != nil {
			v.Value = "********"
		}
		if v.Default != nil {
			v.Default = "********"
		}
	}
	return v
}

// Trigger fires executions of a workflow. Scheduled triggers carry a
// cron expression and timezone; webhook triggers carry a unique URL
// token and a shared secret.
type Trigger struct {
	ID              string     `json:"id"`
	WorkflowID      string     `json:"workflow_id"`
	Type            string     `json:"trigger_type"`
	Name            string     `json:"name,omitempty"`
	Active          bool       `json:"is_active"`
	CronExpression  string     `json:"cron_expression,omitempty"`
	Timezone        string     `json:"timezone,omitempty"`
	WebhookToken    string     `json:"webhook_token,omitempty"`
	WebhookSecret   string     `json:"-"`
	EventName       string     `json:"event_name,omitempty"`
	Config          map[string]any `json:"config,omitempty"`
	ExecutionCount  int        `json:"execution_count"`
	LastTriggeredAt *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Template is a reusable workflow blueprint, instantiable into a new
// workflow within any organization that can read it.
type Template struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"organization_id,omitempty"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Category    string      `json:"category,omitempty"`
	Definition  *Definition `json:"definition"`
	Public      bool        `json:"is_public"`
	UseCount    int         `json:"use_count"`
	CreatedBy   string      `json:"created_by"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Statistics summarizes a workflow's execution history.
type Statistics struct {
	ExecutionCount int        `json:"execution_count"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	SuccessRate    float64    `json:"success_rate"`
	LastExecutedAt *time.Time `json:"last_executed_at,omitempty"`
}

// ValidStatus reports whether s is a known workflow status.
func ValidStatus(s string) bool {
	switch s {
	case StatusDraft, StatusActive, StatusPaused, StatusArchived:
		return true
	}
	return false
}

// ValidVariableType reports whether t is a known variable data type.
func ValidVariableType(t string) bool {
	switch t {
	case VarString, VarNumber, VarBoolean, VarArray, VarObject:
		return true
	}
	return false
}

// CheckVariableValue reports whether v conforms to the declared type.
// JSON numbers arrive as float64; nil is allowed for optional values.
func CheckVariableValue(dataType string, v any) bool {
	if v == nil {
		return true
	}
	switch dataType {
	case VarString:
		_, ok := v.(string)
		return ok
	case VarNumber:
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case VarBoolean:
		_, ok := v.(bool)
		return ok
	case VarArray:
		_, ok := v.([]any)
		return ok
	case VarObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}
