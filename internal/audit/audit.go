// Package audit provides an append-only, ring-buffered log of every
// decision and policy mutation the coordinator makes (spec E.3).
package audit

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType classifies audit log entries.
type EventType string

const (
	EventDetect         EventType = "detect"
	EventAllow          EventType = "path.allow"
	EventSuppress       EventType = "path.suppress"
	EventPromoted       EventType = "adaptive.promoted"
	EventEvicted        EventType = "adaptive.evicted"
	EventSnapshotBuilt  EventType = "snapshot.built"
	EventAgentDegraded  EventType = "agent.degraded"
	EventImportRejected EventType = "serialize.import_rejected"
)

// Event is a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	ServiceID string    `json:"service_id,omitempty"`
	Path      string    `json:"path,omitempty"`
	Summary   string    `json:"summary"`
	Detail    any       `json:"detail,omitempty"`
}

// pathKey indexes events the same way adaptive.Layer keys its own
// records: by (service_id, path), since "show me what happened to this
// path" is the query an operator actually runs, not an arbitrary
// time-range scan.
type pathKey struct {
	serviceID string
	path      string
}

// Log is an append-only, ring-buffered audit log, indexed by
// (service_id, path) as events are recorded. A zero maxLen means
// unbounded growth, which production deployments should avoid.
type Log struct {
	mu     sync.RWMutex
	events []Event
	byPath map[pathKey][]Event
	maxLen int
}

// NewLog creates a log capped at maxLen entries (0 = unbounded). The cap
// applies independently to the global ring and to each (service_id,
// path) bucket.
func NewLog(maxLen int) *Log {
	return &Log{
		events: make([]Event, 0, 1024),
		byPath: make(map[pathKey][]Event),
		maxLen: maxLen,
	}
}

// Record appends evt, assigning an ID and timestamp if absent, and trims
// the oldest entries once the global log or evt's (service_id, path)
// bucket exceeds its cap.
func (l *Log) Record(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, evt)
	if l.maxLen > 0 && len(l.events) > l.maxLen {
		l.events = l.events[len(l.events)-l.maxLen:]
	}

	if evt.ServiceID == "" {
		return
	}
	k := pathKey{serviceID: evt.ServiceID, path: evt.Path}
	bucket := append(l.byPath[k], evt)
	if l.maxLen > 0 && len(bucket) > l.maxLen {
		bucket = bucket[len(bucket)-l.maxLen:]
	}
	l.byPath[k] = bucket
}

// Emit is a convenience wrapper around Record for the common case.
func (l *Log) Emit(typ EventType, serviceID, path, summary string) {
	l.Record(Event{Type: typ, ServiceID: serviceID, Path: path, Summary: summary})
}

// ForPath returns every recorded event for one (service_id, path) pair,
// oldest first — the audit trail behind a single adaptive record.
func (l *Log) ForPath(serviceID, path string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	bucket := l.byPath[pathKey{serviceID: serviceID, path: path}]
	out := make([]Event, len(bucket))
	copy(out, bucket)
	return out
}

// ForService returns every recorded event for serviceID across all
// paths, newest first.
func (l *Log) ForService(serviceID string) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Event
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].ServiceID == serviceID {
			out = append(out, l.events[i])
		}
	}
	return out
}

// Recent returns the n most recently recorded events, newest first,
// across all services.
func (l *Log) Recent(n int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || n > len(l.events) {
		n = len(l.events)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = l.events[len(l.events)-1-i]
	}
	return out
}

// Count returns the total number of events currently retained.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// MarshalJSON exports all retained events, for API responses.
func (l *Log) MarshalJSON() ([]byte, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return json.Marshal(l.events)
}
