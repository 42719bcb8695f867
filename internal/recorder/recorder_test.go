package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestRecorderRotation(t *testing.T) {
	tempDir := t.TempDir()

	r, err := New(tempDir)
	if err != nil {
		t.Fatal(err)
	}

	// Create more than MaxRotatedFiles
	for i := 0; i < MaxRotatedFiles+2; i++ {
		if err := r.Start("sess"); err != nil {
			t.Fatal(err)
		}
		r.Record("command_received", map[string]interface{}{"id": "q1"})
		time.Sleep(10 * time.Millisecond) // Ensure different mod times
	}

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != MaxRotatedFiles {
		t.Errorf("expected %d files, got %d", MaxRotatedFiles, len(entries))
	}
}

func TestRecorderLifecycleTrace(t *testing.T) {
	tempDir := t.TempDir()

	r, err := New(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Start("session1"); err != nil {
		t.Fatal(err)
	}

	r.Record("command_received", map[string]interface{}{"id": "q1", "type": "dom_action"})
	r.Record("command_terminal", map[string]interface{}{"id": "q1", "status": "complete"})
	r.Close()

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 trace, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "dispatch_session1_") {
		t.Errorf("unexpected trace name %q", entries[0].Name())
	}

	content, err := os.ReadFile(filepath.Join(tempDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d", len(lines))
	}

	var evt Event
	if err := json.Unmarshal([]byte(lines[0]), &evt); err != nil {
		t.Fatalf("decoding record: %v", err)
	}
	if evt.Event != "command_received" || evt.CommandID != "q1" {
		t.Errorf("unexpected record: %+v", evt)
	}
}

func TestRecorderWithoutStartSwallowsEvents(t *testing.T) {
	tempDir := t.TempDir()

	r, err := New(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	r.Record("command_received", map[string]interface{}{"id": "q1"})

	entries, err := os.ReadDir(tempDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no trace files, got %d", len(entries))
	}
}
