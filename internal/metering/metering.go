// Package metering enforces per-organization usage quotas and keeps an
// append-only ledger of usage events. Quotas are the enforcement source
// of truth; the ledger exists for billing and analytics.
package metering

import "time"

// Quota resource kinds.
const (
	ResourceWorkflows  = "workflows"
	ResourceExecutions = "executions"
	ResourceAPICalls   = "api_calls"
	ResourceStorage    = "storage"
	ResourceMembers    = "members"
	ResourceAITokens   = "ai_tokens"
	ResourceDocuments  = "documents"
)

// Quota accounting periods. A total quota never resets.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
	PeriodYearly  = "yearly"
	PeriodTotal   = "total"
)

// Threshold percentages for usage notifications.
const (
	WarningThresholdPct = 80
	AlertThresholdPct   = 95
)

// Quota is one (organization, resource) counter with a limit.
type Quota struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"organization_id"`
	Resource     string     `json:"quota_type"`
	Period       string     `json:"period"`
	Limit        int64      `json:"limit_value"`
	CurrentUsage int64      `json:"current_usage"`
	Enforced     bool       `json:"is_enforced"`
	PeriodStart  time.Time  `json:"period_start"`
	LastResetAt  *time.Time `json:"last_reset_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// PercentUsed returns usage as a percentage of the limit.
func (q *Quota) PercentUsed() float64 {
	if q.Limit <= 0 {
		return 0
	}
	return float64(q.CurrentUsage) / float64(q.Limit) * 100
}

// Warning reports whether usage crossed the warning threshold.
func (q *Quota) Warning() bool { return q.PercentUsed() >= WarningThresholdPct }

// Alert reports whether usage crossed the alert threshold.
func (q *Quota) Alert() bool { return q.PercentUsed() >= AlertThresholdPct }

// Remaining returns the headroom left under the limit, never negative.
func (q *Quota) Remaining() int64 {
	if r := q.Limit - q.CurrentUsage; r > 0 {
		return r
	}
	return 0
}

// UsageEvent is one ledger row: a charged unit of usage.
type UsageEvent struct {
	ID        string         `json:"id"`
	OrgID     string         `json:"organization_id"`
	Resource  string         `json:"resource"`
	Quantity  int64          `json:"quantity"`
	CostCents int64          `json:"cost_cents"`
	Ref       string         `json:"ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// defaultQuota describes one quota seeded for a new organization.
type defaultQuota struct {
	Resource string
	Period   string
	Limit    int64
	Enforced bool
}

func defaultQuotas() []defaultQuota {
	return []defaultQuota{
		{Resource: ResourceWorkflows, Period: PeriodTotal, Limit: 100, Enforced: true},
		{Resource: ResourceExecutions, Period: PeriodMonthly, Limit: 10000, Enforced: true},
		{Resource: ResourceAPICalls, Period: PeriodDaily, Limit: 50000, Enforced: true},
		{Resource: ResourceMembers, Period: PeriodTotal, Limit: 25, Enforced: true},
		{Resource: ResourceAITokens, Period: PeriodMonthly, Limit: 2000000, Enforced: true},
		{Resource: ResourceDocuments, Period: PeriodTotal, Limit: 1000, Enforced: true},
		{Resource: ResourceStorage, Period: PeriodTotal, Limit: 10 * 1024 * 1024 * 1024, Enforced: false},
	}
}

// periodStart truncates now to the start of the quota's period.
func periodStart(period string, now time.Time) time.Time {
	now = now.UTC()
	switch period {
	case PeriodDaily:
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodWeekly:
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday start
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	case PeriodYearly:
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Time{}
	}
}

// needsReset reports whether a periodic quota's window has rolled over.
func needsReset(q *Quota, now time.Time) bool {
	if q.Period == PeriodTotal {
		return false
	}
	return periodStart(q.Period, now).After(q.PeriodStart)
}
