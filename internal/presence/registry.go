package presence

import (
	"sync"
	"time"

	"github.com/pscheid92/usagepulse/internal/adapter/metrics"
)

type record struct {
	lastSeen time.Time
	sessions map[string]struct{}
}

// Registry maps device ids to their most recent heartbeat and the sessions
// currently bound to them. All access goes through a single mutex.
type Registry struct {
	mu       sync.Mutex
	records  map[string]*record
	bindings map[string]string // session id -> device id
	metrics  *metrics.PresenceMetrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.PresenceMetrics) *Registry {
	return &Registry{
		records:  make(map[string]*record),
		bindings: make(map[string]string),
		metrics:  m,
	}
}

// Touch creates or refreshes the record for deviceID and binds sessionID to it.
// A session announcing a different device is moved off its previous record.
func (r *Registry) Touch(deviceID, sessionID string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.bindings[sessionID]; ok && prev != deviceID {
		if rec, ok := r.records[prev]; ok {
			delete(rec.sessions, sessionID)
		}
	}

	rec, ok := r.records[deviceID]
	if !ok {
		rec = &record{sessions: make(map[string]struct{})}
		r.records[deviceID] = rec
	}
	rec.lastSeen = now
	rec.sessions[sessionID] = struct{}{}
	r.bindings[sessionID] = deviceID
}

// Unbind drops sessionID from the device's record. The record itself and its
// last-seen time are kept until TTL expiry.
func (r *Registry) Unbind(sessionID, deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.bindings[sessionID] == deviceID {
		delete(r.bindings, sessionID)
	}
	if rec, ok := r.records[deviceID]; ok {
		delete(rec.sessions, sessionID)
	}
}

// LiveCount prunes every record whose last heartbeat is more than ttl before
// now and returns the number of records left. This is the only place records
// expire.
func (r *Registry) LiveCount(now time.Time, ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for deviceID, rec := range r.records {
		if now.Sub(rec.lastSeen) <= ttl {
			continue
		}
		for sessionID := range rec.sessions {
			if r.bindings[sessionID] == deviceID {
				delete(r.bindings, sessionID)
			}
		}
		delete(r.records, deviceID)
		pruned++
	}

	count := len(r.records)
	if r.metrics != nil {
		r.metrics.RecordsPruned.Add(float64(pruned))
		r.metrics.LiveDevices.Set(float64(count))
	}
	return count
}

// Sessions returns the session ids currently bound to deviceID.
func (r *Registry) Sessions(deviceID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[deviceID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(rec.sessions))
	for id := range rec.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Contains reports whether a record exists for deviceID, expired or not.
func (r *Registry) Contains(deviceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[deviceID]
	return ok
}

// Len returns the number of records held, including ones not yet pruned.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}
