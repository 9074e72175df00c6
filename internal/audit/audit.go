// Package audit provides an append-only log of security-sensitive events:
// logins, permission denials, credential changes, quota rejections. Entries
// are immutable once recorded.
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit events.
type EventType string

const (
	EventLoginSuccess        EventType = "auth.login"
	EventLoginFailed         EventType = "auth.login_failed"
	EventAuthorizationDenied EventType = "auth.authorization_denied"
	EventPasswordChanged     EventType = "auth.password_changed"
	EventSessionRevoked      EventType = "auth.session_revoked"
	EventTokenRotated        EventType = "auth.token_rotated"

	EventAPIKeyCreated EventType = "apikey.created"
	EventAPIKeyRevoked EventType = "apikey.revoked"

	EventOrgCreated    EventType = "org.created"
	EventMemberAdded   EventType = "org.member_added"
	EventMemberRemoved EventType = "org.member_removed"
	EventRoleChanged   EventType = "org.role_changed"

	EventConnectorCreated EventType = "connector.created"
	EventConnectorUpdated EventType = "connector.updated"
	EventConnectorDeleted EventType = "connector.deleted"

	EventWorkflowCreated  EventType = "workflow.created"
	EventWorkflowDeleted  EventType = "workflow.deleted"
	EventWorkflowRollback EventType = "workflow.rolled_back"

	EventExecutionCancelled EventType = "execution.cancelled"
	EventQuotaExceeded      EventType = "quota.exceeded"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	OrgID     string    `json:"organization_id,omitempty"`
	Actor     string    `json:"actor,omitempty"` // who initiated (user, api key, system)
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
	Before    any       `json:"before,omitempty"` // state before change
	After     any       `json:"after,omitempty"`  // state after change
}

// Log is an append-only in-memory event buffer, used as the hot cache
// in front of the persistent store.
type Log struct {
	events []Event
	mu     sync.RWMutex
	maxLen int // ring buffer size (0 = unbounded)
}

// NewLog creates a new audit log. maxLen=0 means unbounded.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		maxLen: maxLen,
	}
}

// Record appends an event to the log.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)

	// Ring buffer: drop oldest if over capacity
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}
}

// Filter selects events. Zero fields match everything; limit=0 means all.
type Filter struct {
	OrgID  string
	Type   EventType
	Actor  string
	Since  time.Time
	Until  time.Time
	Cursor string
	Limit  int
}

// Query returns filtered events, newest first.
func (l *Log) Query(f Filter) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []Event

	// Walk backwards (newest first)
	for i := len(l.events) - 1; i >= 0; i-- {
		evt := l.events[i]

		if f.OrgID != "" && evt.OrgID != f.OrgID {
			continue
		}
		if f.Type != "" && evt.Type != f.Type {
			continue
		}
		if f.Actor != "" && evt.Actor != f.Actor {
			continue
		}
		if !f.Since.IsZero() && evt.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && evt.Timestamp.After(f.Until) {
			continue
		}

		result = append(result, evt)

		if f.Limit > 0 && len(result) >= f.Limit {
			break
		}
	}

	return result
}

// Recent returns the N most recent events.
func (l *Log) Recent(n int) []Event {
	return l.Query(Filter{Limit: n})
}

// Count returns total event count.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all buffered events (for API responses).
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
