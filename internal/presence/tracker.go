// Package presence tracks which agents currently hold a live connection.
// State is in-memory only: a hub restart starts empty and is rebuilt as
// agents reconnect.
package presence

import (
	"sync"
	"time"
)

// Status is an agent's liveness state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ConnRef is an opaque handle to a live connection. The gateway owns the
// connection it names; the tracker only stores the reference.
type ConnRef string

// Record is the presence state for one agent identifier.
type Record struct {
	AgentID  string    `json:"agent_id"`
	Status   Status    `json:"status"`
	ConnRef  ConnRef   `json:"-"`
	LastSeen time.Time `json:"last_seen"`
}

// Tracker is a thread-safe map of agent identifier to presence record.
// Records are kept after disconnect so LastSeen survives within the
// process lifetime.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// MarkOnline records a live connection for an agent. Idempotent: a second
// call for the same agent replaces the prior connection reference, so at
// most one connection is ever current per identifier.
func (t *Tracker) MarkOnline(agentID string, ref ConnRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[agentID]
	if !ok {
		rec = &Record{AgentID: agentID}
		t.records[agentID] = rec
	}
	rec.Status = StatusOnline
	rec.ConnRef = ref
	rec.LastSeen = t.now()
}

// MarkOffline flips the agent offline and clears the connection reference.
// LastSeen is retained. Unknown agents are a no-op.
func (t *Tracker) MarkOffline(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[agentID]
	if !ok {
		return
	}
	rec.Status = StatusOffline
	rec.ConnRef = ""
	rec.LastSeen = t.now()
}

// MarkOfflineRef flips the agent offline only if ref is still the current
// connection reference. A close event from a superseded connection is a
// no-op, so tearing down the old socket never knocks the new one offline.
func (t *Tracker) MarkOfflineRef(agentID string, ref ConnRef) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[agentID]
	if !ok || rec.ConnRef != ref {
		return
	}
	rec.Status = StatusOffline
	rec.ConnRef = ""
	rec.LastSeen = t.now()
}

// Lookup returns a copy of the agent's presence record, or ok=false if the
// agent has never connected. Never blocks on I/O.
func (t *Tracker) Lookup(agentID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	rec, ok := t.records[agentID]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// IsOnline reports whether the agent currently has a live connection.
func (t *Tracker) IsOnline(agentID string) bool {
	rec, ok := t.Lookup(agentID)
	return ok && rec.Status == StatusOnline
}

// OnlineCount returns the number of agents currently online.
func (t *Tracker) OnlineCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n := 0
	for _, rec := range t.records {
		if rec.Status == StatusOnline {
			n++
		}
	}
	return n
}

// Snapshot returns copies of all presence records, online and offline.
func (t *Tracker) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Record, 0, len(t.records))
	for _, rec := range t.records {
		out = append(out, *rec)
	}
	return out
}
