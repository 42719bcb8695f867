package correlation

import (
	"strings"
	"testing"
	"time"
)

func TestNewIDFormat(t *testing.T) {
	id := NewID("dom_click")
	if !strings.HasPrefix(id, "dom_click_") {
		t.Errorf("expected dom_click_ prefix, got %q", id)
	}
	parts := strings.Split(strings.TrimPrefix(id, "dom_click_"), "_")
	if len(parts) != 2 {
		t.Fatalf("expected timestamp_random suffix, got %q", id)
	}

	other := NewID("dom_click")
	if id == other {
		t.Error("expected distinct ids from consecutive calls")
	}
}

func TestRegistryDuplicateRefused(t *testing.T) {
	r := NewRegistry()

	if !r.Begin("q1", time.Minute) {
		t.Fatal("first Begin should succeed")
	}
	if r.Begin("q1", time.Minute) {
		t.Fatal("duplicate Begin must be refused")
	}
	if !r.InFlight("q1") {
		t.Error("q1 should be in flight")
	}
	if r.Len() != 1 {
		t.Errorf("expected 1 entry, got %d", r.Len())
	}
}

func TestRegistryEndAllowsReentry(t *testing.T) {
	r := NewRegistry()

	r.Begin("q2", time.Minute)
	r.End("q2")

	if r.InFlight("q2") {
		t.Error("q2 should be cleared after End")
	}
	if !r.Begin("q2", time.Minute) {
		t.Error("Begin should succeed again after End")
	}
}

func TestRegistryEndUnknownIsNoop(t *testing.T) {
	r := NewRegistry()
	r.End("never-registered")
	if r.Len() != 0 {
		t.Errorf("expected empty registry, got %d", r.Len())
	}
}

func TestRegistrySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Begin("a", 60*time.Second)
	r.Begin("b", 5*time.Second)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(snap))
	}
	for _, e := range snap {
		if e.CommandID != "a" && e.CommandID != "b" {
			t.Errorf("unexpected entry %q", e.CommandID)
		}
		if e.TimeoutMs <= 0 {
			t.Errorf("entry %q missing timeout", e.CommandID)
		}
		if e.ElapsedMs() < 0 {
			t.Errorf("entry %q negative elapsed", e.CommandID)
		}
	}
}
