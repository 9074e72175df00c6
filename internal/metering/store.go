package metering

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowpilot-ai/flowpilot/internal/apperr"
)

// AlertFunc receives quota threshold crossings from Charge.
type AlertFunc func(q *Quota, thresholdPct int)

// Store persists quotas and the usage ledger.
type Store struct {
	db    *sql.DB
	alert AlertFunc
}

// OnThreshold registers a callback fired when a charge pushes a quota
// across the warning or alert threshold. Fires once per crossing, so a
// period reset re-arms it. The callback runs on the charging goroutine.
func (s *Store) OnThreshold(fn AlertFunc) { s.alert = fn }

// NewStore migrates the metering tables on the shared database.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage_quotas (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		quota_type      TEXT NOT NULL,
		period          TEXT NOT NULL,
		limit_value     INTEGER NOT NULL,
		current_usage   INTEGER NOT NULL DEFAULT 0,
		is_enforced     INTEGER NOT NULL DEFAULT 1,
		period_start    TEXT NOT NULL DEFAULT '',
		last_reset_at   TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		UNIQUE(organization_id, quota_type)
	)`); err != nil {
		return nil, fmt.Errorf("create usage_quotas table: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS usage_events (
		id              TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		resource        TEXT NOT NULL,
		quantity        INTEGER NOT NULL,
		cost_cents      INTEGER NOT NULL DEFAULT 0,
		ref             TEXT NOT NULL DEFAULT '',
		metadata        TEXT NOT NULL DEFAULT '{}',
		created_at      TEXT NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("create usage_events table: %w", err)
	}

	_, _ = db.Exec(`CREATE INDEX IF NOT EXISTS idx_usage_events_org ON usage_events(organization_id, resource, created_at)`)

	return &Store{db: db}, nil
}

// SeedDefaults creates the default quota set for a new organization.
// Existing quotas are left untouched.
func (s *Store) SeedDefaults(orgID string) error {
	now := time.Now().UTC()
	for _, d := range defaultQuotas() {
		enforced := 0
		if d.Enforced {
			enforced = 1
		}
		_, err := s.db.Exec(`INSERT INTO usage_quotas (id, organization_id, quota_type, period, limit_value, current_usage, is_enforced, period_start, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)
			ON CONFLICT(organization_id, quota_type) DO NOTHING`,
			uuid.NewString(), orgID, d.Resource, d.Period, d.Limit, enforced,
			periodStart(d.Period, now).Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("seed quota %s: %w", d.Resource, err)
		}
	}
	return nil
}

// Get returns one quota, resetting its window first if it rolled over.
func (s *Store) Get(orgID, resource string) (*Quota, error) {
	q, err := s.get(orgID, resource)
	if err != nil {
		return nil, err
	}
	if needsReset(q, time.Now()) {
		if err := s.resetQuota(q); err != nil {
			return nil, err
		}
		return s.get(orgID, resource)
	}
	return q, nil
}

func (s *Store) get(orgID, resource string) (*Quota, error) {
	row := s.db.QueryRow(`SELECT id, organization_id, quota_type, period, limit_value, current_usage, is_enforced, period_start, last_reset_at, created_at, updated_at
		FROM usage_quotas WHERE organization_id = ? AND quota_type = ?`, orgID, resource)
	return scanQuota(row)
}

// List returns all of an organization's quotas.
func (s *Store) List(orgID string) ([]Quota, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, quota_type, period, limit_value, current_usage, is_enforced, period_start, last_reset_at, created_at, updated_at
		FROM usage_quotas WHERE organization_id = ? ORDER BY quota_type`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Quota, 0)
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			continue
		}
		out = append(out, *q)
	}
	return out, rows.Err()
}

// SetLimit updates a quota's limit and enforcement flag.
func (s *Store) SetLimit(orgID, resource string, limit int64, enforced bool) error {
	flag := 0
	if enforced {
		flag = 1
	}
	res, err := s.db.Exec(`UPDATE usage_quotas SET limit_value = ?, is_enforced = ?, updated_at = ?
		WHERE organization_id = ? AND quota_type = ?`,
		limit, flag, time.Now().UTC().Format(time.RFC3339Nano), orgID, resource)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Charge atomically adds quantity to the quota. When the quota is
// enforced and the charge would exceed the limit, nothing is written
// and a quota error is returned. An unknown quota is unmetered and
// always passes.
func (s *Store) Charge(orgID, resource string, quantity int64) (*Quota, error) {
	q, err := s.Get(orgID, resource)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if q.Enforced {
		res, err := s.db.Exec(`UPDATE usage_quotas SET current_usage = current_usage + ?, updated_at = ?
			WHERE organization_id = ? AND quota_type = ? AND current_usage + ? <= limit_value`,
			quantity, now, orgID, resource, quantity)
		if err != nil {
			return nil, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return q, apperr.QuotaExceeded(resource, q.Limit)
		}
	} else {
		if _, err := s.db.Exec(`UPDATE usage_quotas SET current_usage = current_usage + ?, updated_at = ?
			WHERE organization_id = ? AND quota_type = ?`, quantity, now, orgID, resource); err != nil {
			return nil, err
		}
	}
	updated, err := s.get(orgID, resource)
	if err != nil {
		return nil, err
	}
	if s.alert != nil {
		before := q.PercentUsed()
		after := updated.PercentUsed()
		for _, pct := range []int{WarningThresholdPct, AlertThresholdPct} {
			if before < float64(pct) && after >= float64(pct) {
				s.alert(updated, pct)
			}
		}
	}
	return updated, nil
}

// Release subtracts quantity from a quota, flooring at zero, for
// resources whose usage can shrink (deleted workflows, removed members).
func (s *Store) Release(orgID, resource string, quantity int64) error {
	_, err := s.db.Exec(`UPDATE usage_quotas
		SET current_usage = MAX(0, current_usage - ?), updated_at = ?
		WHERE organization_id = ? AND quota_type = ?`,
		quantity, time.Now().UTC().Format(time.RFC3339Nano), orgID, resource)
	return err
}

// ResetDuePeriods rolls every periodic quota whose window has passed.
// Returns the number of quotas reset.
func (s *Store) ResetDuePeriods(now time.Time) (int, error) {
	rows, err := s.db.Query(`SELECT id, organization_id, quota_type, period, limit_value, current_usage, is_enforced, period_start, last_reset_at, created_at, updated_at
		FROM usage_quotas WHERE period != 'total'`)
	if err != nil {
		return 0, err
	}
	var due []Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			continue
		}
		if needsReset(q, now) {
			due = append(due, *q)
		}
	}
	rows.Close()

	for i := range due {
		if err := s.resetQuota(&due[i]); err != nil {
			return i, err
		}
	}
	return len(due), nil
}

func (s *Store) resetQuota(q *Quota) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE usage_quotas SET current_usage = 0, period_start = ?, last_reset_at = ?, updated_at = ? WHERE id = ?`,
		periodStart(q.Period, now).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano), q.ID)
	return err
}

// RecordEvent appends one usage ledger row.
func (s *Store) RecordEvent(e *UsageEvent) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.CreatedAt = time.Now().UTC()
	metadata, _ := json.Marshal(e.Metadata)
	_, err := s.db.Exec(`INSERT INTO usage_events (id, organization_id, resource, quantity, cost_cents, ref, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrgID, e.Resource, e.Quantity, e.CostCents, e.Ref, string(metadata),
		e.CreatedAt.Format(time.RFC3339Nano))
	return err
}

// UsageSummary aggregates ledger quantity and cost per resource for an
// organization since the cutoff.
func (s *Store) UsageSummary(orgID string, since time.Time) (map[string]struct{ Quantity, CostCents int64 }, error) {
	rows, err := s.db.Query(`SELECT resource, COALESCE(SUM(quantity), 0), COALESCE(SUM(cost_cents), 0)
		FROM usage_events WHERE organization_id = ? AND created_at >= ? GROUP BY resource`,
		orgID, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{ Quantity, CostCents int64 })
	for rows.Next() {
		var (
			resource string
			agg      struct{ Quantity, CostCents int64 }
		)
		if err := rows.Scan(&resource, &agg.Quantity, &agg.CostCents); err != nil {
			return nil, err
		}
		out[resource] = agg
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanQuota(sc scanner) (*Quota, error) {
	var (
		q                    Quota
		enforced             int
		start                string
		lastReset            sql.NullString
		createdAt, updatedAt string
	)
	if err := sc.Scan(&q.ID, &q.OrgID, &q.Resource, &q.Period, &q.Limit, &q.CurrentUsage,
		&enforced, &start, &lastReset, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	q.Enforced = enforced == 1
	q.PeriodStart, _ = time.Parse(time.RFC3339Nano, start)
	if lastReset.Valid && lastReset.String != "" {
		t, err := time.Parse(time.RFC3339Nano, lastReset.String)
		if err == nil {
			q.LastResetAt = &t
		}
	}
	q.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	q.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &q, nil
}

// IsNotFound reports whether err is sql.ErrNoRows.
func IsNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
