// Package correlation owns command identity: correlation id generation and
// the in-flight registry that enforces at-most-one-concurrent-execution per
// command id.
package correlation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// NewID generates a correlation id in the wire format the dev-console server
// produces itself: prefix_timestamp_random (e.g., "dom_click_1708300000000000000_4821...").
func NewID(prefix string) string {
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixNano(), uuid.NewString())
}

// Entry describes one in-flight command.
type Entry struct {
	CommandID string    `json:"command_id"`
	StartedAt time.Time `json:"started_at"`
	TimeoutMs int64     `json:"timeout_ms"`
}

// ElapsedMs reports how long the command has been in flight.
func (e Entry) ElapsedMs() int64 {
	return time.Since(e.StartedAt).Milliseconds()
}

// Registry tracks in-flight commands by id. At most one entry exists per id;
// a second Begin for the same id is refused, which is how redelivered
// commands from the polling transport are skipped.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Begin registers a command id. Returns false if the id is already in flight.
func (r *Registry) Begin(commandID string, timeout time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[commandID]; exists {
		return false
	}
	r.entries[commandID] = Entry{
		CommandID: commandID,
		StartedAt: time.Now(),
		TimeoutMs: timeout.Milliseconds(),
	}
	return true
}

// End removes a command id. Called on every terminal outcome, regardless of
// cause, so a later redelivery of the same id can execute again.
func (r *Registry) End(commandID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, commandID)
}

// InFlight reports whether the id currently has an entry.
func (r *Registry) InFlight(commandID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.entries[commandID]
	return exists
}

// Len returns the number of in-flight commands.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Snapshot returns a copy of all in-flight entries for diagnostics.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}
