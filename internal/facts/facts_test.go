package facts

import (
	"testing"
	"time"

	"pilotnerd-agent/internal/config"
)

func testConfig() config.FactsConfig {
	return config.FactsConfig{
		Enable:          true,
		SchemaPath:      "../../schemas/dispatch.mg",
		FactBufferLimit: 1000,
	}
}

func TestEngineLoadSchema(t *testing.T) {
	if _, err := NewEngine(testConfig()); err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
}

func TestEngineAddAndIndex(t *testing.T) {
	e, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	e.Add("command_received", "q1", "dom_action")
	e.Add("command_terminal", "q1", "complete", "")
	e.Add("command_received", "q2", "browser_action")

	if e.Len() != 3 {
		t.Errorf("expected 3 buffered facts, got %d", e.Len())
	}
	received := e.FactsByPredicate("command_received")
	if len(received) != 2 {
		t.Errorf("expected 2 command_received facts, got %d", len(received))
	}
	if received[0].Args[0] != "q1" || received[1].Args[0] != "q2" {
		t.Errorf("facts out of order: %v", received)
	}
}

func TestEngineQuery(t *testing.T) {
	e, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	e.Add("command_terminal", "q1", "error", "missing_match_evidence")
	e.Add("command_terminal", "q2", "complete", "")
	e.Add("command_terminal", "q3", "error", "frame_not_found")

	results, err := e.Query(`command_terminal(Id, "error", Reason).`)
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 bindings, got %d: %v", len(results), results)
	}
	for _, b := range results {
		id, _ := b["Id"].(string)
		if id != "q1" && id != "q3" {
			t.Errorf("unexpected binding: %v", b)
		}
		if b["Reason"] == nil || b["Reason"] == "" {
			t.Errorf("reason not bound: %v", b)
		}
	}
}

func TestEngineDerivedRules(t *testing.T) {
	e, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	e.Add("command_terminal", "q1", "timeout", "took too long")
	e.Add("command_terminal", "q2", "complete", "")

	derived, err := e.Evaluate("timed_out_command")
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if len(derived) != 1 {
		t.Fatalf("expected 1 timed_out_command, got %d", len(derived))
	}
	if derived[0].Args[0] != "q1" {
		t.Errorf("expected q1 derived, got %v", derived[0])
	}
}

func TestEngineBufferLimitEvictsOldest(t *testing.T) {
	cfg := testConfig()
	cfg.SchemaPath = ""
	cfg.FactBufferLimit = 5
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	for i := 0; i < 8; i++ {
		e.Add("frame_resolved", i)
	}
	if e.Len() != 5 {
		t.Errorf("expected buffer capped at 5, got %d", e.Len())
	}
	kept := e.FactsByPredicate("frame_resolved")
	if kept[0].Args[0] != 3 {
		t.Errorf("expected oldest facts evicted, first is %v", kept[0].Args)
	}
}

func TestEngineWithin(t *testing.T) {
	cfg := testConfig()
	cfg.SchemaPath = ""
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	old := Fact{Predicate: "breaker_transition", Args: []interface{}{"closed", "open"}, Timestamp: time.Now().Add(-time.Hour)}
	recent := Fact{Predicate: "breaker_transition", Args: []interface{}{"open", "half-open"}, Timestamp: time.Now()}
	if err := e.AddFacts([]Fact{old, recent}); err != nil {
		t.Fatalf("AddFacts failed: %v", err)
	}

	got := e.Within("breaker_transition", time.Now().Add(-time.Minute), time.Time{})
	if len(got) != 1 || got[0].Args[1] != "half-open" {
		t.Errorf("expected only the recent transition, got %v", got)
	}
}

func TestEngineDisabled(t *testing.T) {
	e, err := NewEngine(config.FactsConfig{Enable: false})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	e.Add("command_received", "q1", "dom_action")
	if e.Len() != 0 {
		t.Error("disabled engine must not buffer facts")
	}
	if _, err := e.Query(`command_received(Id, Type).`); err == nil {
		t.Error("disabled engine should refuse queries")
	}
}

func TestEngineAddRule(t *testing.T) {
	e, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	rule := `
Decl slow_registration(Id).

slow_registration(Id) :-
    command_registered(Id, TimeoutMs),
    TimeoutMs >= 60000.
`
	if err := e.AddRule(rule); err != nil {
		t.Fatalf("AddRule failed: %v", err)
	}
}

func TestEngineQueryParseError(t *testing.T) {
	e, err := NewEngine(testConfig())
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	if _, err := e.Query("not a query ((("); err == nil {
		t.Error("expected parse error")
	}
}

func TestEnginePredicateCounts(t *testing.T) {
	cfg := testConfig()
	cfg.SchemaPath = ""
	e, err := NewEngine(cfg)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	e.Add("command_received", "q1", "dom_action")
	e.Add("command_received", "q2", "dom_action")
	e.Add("breaker_transition", "closed", "open")

	counts := e.PredicateCounts()
	if len(counts) != 2 {
		t.Fatalf("expected 2 predicates, got %v", counts)
	}
	if counts[0].Predicate != "breaker_transition" || counts[0].Count != 1 {
		t.Errorf("unexpected first entry: %+v", counts[0])
	}
	if counts[1].Predicate != "command_received" || counts[1].Count != 2 {
		t.Errorf("unexpected second entry: %+v", counts[1])
	}
}
