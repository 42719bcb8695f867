// Package recorder is the dispatch flight recorder: a rotating JSONL trace
// of command lifecycle events for post-mortem debugging of delivery issues.
package recorder

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 3
	TraceDir        = "data/traces"
)

// Event is a single flight-recorder record.
type Event struct {
	Timestamp time.Time              `json:"ts"`
	Event     string                 `json:"event"`
	CommandID string                 `json:"command_id,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Recorder writes dispatch lifecycle events to a rotating JSONL trace.
type Recorder struct {
	mu       sync.Mutex
	file     *os.File
	encoder  *json.Encoder
	basePath string
}

// New creates a recorder rooted at basePath, creating the directory.
func New(basePath string) (*Recorder, error) {
	if basePath == "" {
		basePath = TraceDir
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, err
	}
	return &Recorder{basePath: basePath}, nil
}

// Start opens a fresh trace for one agent session, rotating old traces so
// only the last few are kept.
func (r *Recorder) Start(sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}

	if err := r.rotate(); err != nil {
		return fmt.Errorf("rotate traces: %w", err)
	}

	filename := fmt.Sprintf("dispatch_%s_%d.jsonl", sessionID, time.Now().UnixMilli())
	f, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return err
	}

	r.file = f
	r.encoder = json.NewEncoder(f)
	return nil
}

// Record appends one lifecycle event. The command id is lifted out of the
// fields when present so traces grep cleanly by command. A recorder that was
// never started swallows events.
func (r *Recorder) Record(event string, fields map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.encoder == nil {
		return
	}

	evt := Event{
		Timestamp: time.Now(),
		Event:     event,
		Fields:    fields,
	}
	if id, ok := fields["id"].(string); ok {
		evt.CommandID = id
	}

	_ = r.encoder.Encode(evt)
}

// rotate keeps only the newest MaxRotatedFiles traces.
func (r *Recorder) rotate() error {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return err
	}

	var traces []struct {
		Name string
		Time time.Time
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, struct {
			Name string
			Time time.Time
		}{e.Name(), info.ModTime()})
	}

	sort.Slice(traces, func(i, j int) bool {
		return traces[i].Time.After(traces[j].Time)
	})

	if len(traces) >= MaxRotatedFiles {
		// Keep N-1 to make room for the new trace.
		for i := MaxRotatedFiles - 1; i < len(traces); i++ {
			_ = os.Remove(filepath.Join(r.basePath, traces[i].Name))
		}
	}
	return nil
}

// Close finishes the current trace.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		r.encoder = nil
		return err
	}
	return nil
}
