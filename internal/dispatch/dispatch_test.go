package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"pilotnerd-agent/internal/correlation"
	"pilotnerd-agent/internal/executor"
	"pilotnerd-agent/internal/frames"
	"pilotnerd-agent/internal/transport"
)

// fakeBridge plays the browser side: frame listing, probing, page actions
// and navigation, scripted per test.
type fakeBridge struct {
	mu     sync.Mutex
	frames []frames.Frame
	// run is invoked for every page action; nil means success with evidence.
	run func(frame frames.Frame, action, selector string, options map[string]interface{}) (map[string]interface{}, error)
	nav func(tabID int, action, url string) (map[string]interface{}, error)
}

func (b *fakeBridge) Frames(ctx context.Context, tabID int) ([]frames.Frame, error) {
	return b.frames, nil
}

func (b *fakeBridge) Probe(ctx context.Context, tabID int, frame frames.Frame, sel frames.Selector) (bool, error) {
	return false, nil
}

func (b *fakeBridge) Run(ctx context.Context, tabID int, frame frames.Frame, world executor.World, action, selector string, options map[string]interface{}) (map[string]interface{}, error) {
	b.mu.Lock()
	run := b.run
	b.mu.Unlock()
	if run != nil {
		return run(frame, action, selector, options)
	}
	return map[string]interface{}{
		"success": true,
		"matched": map[string]interface{}{"selector": selector, "tag": "button"},
	}, nil
}

func (b *fakeBridge) Navigate(ctx context.Context, tabID int, action, url string) (map[string]interface{}, error) {
	if b.nav != nil {
		return b.nav(tabID, action, url)
	}
	return map[string]interface{}{"success": true, "action": action, "url": url}, nil
}

// fakeSink collects delivered results and acks.
type fakeSink struct {
	mu      sync.Mutex
	results []transport.CommandResult
	acks    []string
}

func (s *fakeSink) QueueResult(res transport.CommandResult) {
	s.mu.Lock()
	s.results = append(s.results, res)
	s.mu.Unlock()
}

func (s *fakeSink) Ack(id string) {
	s.mu.Lock()
	s.acks = append(s.acks, id)
	s.mu.Unlock()
}

func (s *fakeSink) delivered() []transport.CommandResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]transport.CommandResult, len(s.results))
	copy(out, s.results)
	return out
}

func threeFrameBridge() *fakeBridge {
	return &fakeBridge{frames: []frames.Frame{
		{ID: "frame-0", TopLevel: true},
		{ID: "frame-1"},
		{ID: "frame-2"},
	}}
}

func newDispatcher(cfg Config, bridge *fakeBridge, sink *fakeSink) *Dispatcher {
	return New(cfg, Deps{
		Registry:  correlation.NewRegistry(),
		Resolver:  frames.NewResolver(bridge),
		Executor:  executor.New(bridge, bridge, executor.Config{WaitPollInterval: 10 * time.Millisecond}),
		Navigator: bridge,
		Sink:      sink,
	})
}

func TestHandleDeliversComplete(t *testing.T) {
	bridge := threeFrameBridge()
	bridge.run = func(frame frames.Frame, action, selector string, options map[string]interface{}) (map[string]interface{}, error) {
		if frame.ID == "frame-1" {
			return map[string]interface{}{
				"success": true,
				"matched": map[string]interface{}{"selector": selector, "tag": "button"},
			}, nil
		}
		return map[string]interface{}{"success": false, "error": "no such element"}, nil
	}
	sink := &fakeSink{}
	d := newDispatcher(Config{}, bridge, sink)

	d.Handle(context.Background(), transport.Command{
		ID:            "q1",
		Type:          TypeDOMAction,
		Params:        json.RawMessage(`{"action":"click","selector":"#submit"}`),
		CorrelationID: "c1",
	})

	results := sink.delivered()
	if len(results) != 1 {
		t.Fatalf("expected exactly one delivery, got %d", len(results))
	}
	res := results[0]
	if res.ID != "q1" || res.CorrelationID != "c1" || res.Status != "complete" {
		t.Errorf("unexpected result: %+v", res)
	}

	var payload map[string]interface{}
	if err := json.Unmarshal(res.Result, &payload); err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if payload["frame_id"] != "frame-1" {
		t.Errorf("expected winning frame annotation, got %v", payload)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.acks) != 1 || sink.acks[0] != "q1" {
		t.Errorf("expected ack for q1, got %v", sink.acks)
	}
}

func TestHandleDowngradesMissingEvidence(t *testing.T) {
	bridge := threeFrameBridge()
	bridge.run = func(frame frames.Frame, action, selector string, options map[string]interface{}) (map[string]interface{}, error) {
		if frame.ID == "frame-1" {
			return map[string]interface{}{"success": true}, nil
		}
		return map[string]interface{}{"success": false}, nil
	}
	sink := &fakeSink{}
	d := newDispatcher(Config{}, bridge, sink)

	d.Handle(context.Background(), transport.Command{
		ID:     "q1",
		Type:   TypeDOMAction,
		Params: json.RawMessage(`{"action":"click","selector":"#submit"}`),
	})

	results := sink.delivered()
	if len(results) != 1 {
		t.Fatalf("expected one delivery, got %d", len(results))
	}
	if results[0].Status != "error" || results[0].Error != "missing_match_evidence" {
		t.Errorf("expected missing_match_evidence error, got %+v", results[0])
	}
}

func TestHandleConditionalWaitTimesOut(t *testing.T) {
	bridge := &fakeBridge{frames: []frames.Frame{{ID: "frame-0", TopLevel: true}}}
	bridge.run = func(frame frames.Frame, action, selector string, options map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"success": false, "error": "not found"}, nil
	}
	sink := &fakeSink{}
	d := newDispatcher(Config{}, bridge, sink)

	d.Handle(context.Background(), transport.Command{
		ID:     "q1",
		Type:   TypeDOMAction,
		Params: json.RawMessage(`{"action":"wait_for","selector":"#missing","timeout_ms":200}`),
	})

	results := sink.delivered()
	if len(results) != 1 {
		t.Fatalf("expected one delivery, got %d", len(results))
	}
	if results[0].Status != StatusTimeout {
		t.Fatalf("expected timeout status, got %+v", results[0])
	}
	if !strings.Contains(results[0].Error, "not found within 200ms") {
		t.Errorf("expected diagnostic mentioning the window, got %q", results[0].Error)
	}
}

func TestHandleDuplicateIDSkipped(t *testing.T) {
	release := make(chan struct{})
	bridge := &fakeBridge{frames: []frames.Frame{{ID: "frame-0", TopLevel: true}}}
	bridge.run = func(frame frames.Frame, action, selector string, options map[string]interface{}) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{
			"success": true,
			"matched": map[string]interface{}{"selector": selector},
		}, nil
	}
	sink := &fakeSink{}
	d := newDispatcher(Config{}, bridge, sink)

	cmd := transport.Command{
		ID:     "q2",
		Type:   TypeDOMAction,
		Params: json.RawMessage(`{"action":"click","selector":"#x"}`),
	}

	done := make(chan struct{})
	go func() {
		d.Handle(context.Background(), cmd)
		close(done)
	}()
	// Let the first handling register before redelivering.
	time.Sleep(50 * time.Millisecond)

	d.Handle(context.Background(), cmd) // returns immediately, no delivery
	if got := len(sink.delivered()); got != 0 {
		t.Fatalf("duplicate must not deliver, got %d results", got)
	}

	close(release)
	<-done

	results := sink.delivered()
	if len(results) != 1 {
		t.Fatalf("expected exactly one delivery for q2, got %d", len(results))
	}
	if results[0].Status != "complete" {
		t.Errorf("expected complete, got %+v", results[0])
	}
}

func TestHandleTimeoutClearsRegistryAndDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	bridge := &fakeBridge{frames: []frames.Frame{{ID: "frame-0", TopLevel: true}}}
	bridge.run = func(frame frames.Frame, action, selector string, options map[string]interface{}) (map[string]interface{}, error) {
		<-release
		return map[string]interface{}{"success": true, "matched": map[string]interface{}{"selector": selector}}, nil
	}
	sink := &fakeSink{}
	registry := correlation.NewRegistry()
	d := New(Config{ActionTimeout: 50 * time.Millisecond}, Deps{
		Registry:  registry,
		Resolver:  frames.NewResolver(bridge),
		Executor:  executor.New(bridge, bridge, executor.Config{}),
		Navigator: bridge,
		Sink:      sink,
	})

	d.Handle(context.Background(), transport.Command{
		ID:     "q3",
		Type:   TypeDOMAction,
		Params: json.RawMessage(`{"action":"click","selector":"#slow"}`),
	})

	results := sink.delivered()
	if len(results) != 1 || results[0].Status != StatusTimeout {
		t.Fatalf("expected one timeout delivery, got %v", results)
	}
	if !strings.Contains(results[0].Error, "timed out after") ||
		!strings.Contains(results[0].Error, "smaller steps") {
		t.Errorf("timeout diagnostic should be actionable, got %q", results[0].Error)
	}
	if registry.InFlight("q3") {
		t.Error("registry entry must be cleared on timeout")
	}

	// The abandoned worker settles late; its result is discarded.
	close(release)
	time.Sleep(50 * time.Millisecond)
	if got := len(sink.delivered()); got != 1 {
		t.Errorf("late result must be discarded, got %d deliveries", got)
	}
}

func TestHandleRedeliveryAfterTerminalRunsAgain(t *testing.T) {
	bridge := &fakeBridge{frames: []frames.Frame{{ID: "frame-0", TopLevel: true}}}
	sink := &fakeSink{}
	d := newDispatcher(Config{}, bridge, sink)

	cmd := transport.Command{
		ID:     "q4",
		Type:   TypeDOMAction,
		Params: json.RawMessage(`{"action":"click","selector":"#x"}`),
	}
	d.Handle(context.Background(), cmd)
	d.Handle(context.Background(), cmd)

	if got := len(sink.delivered()); got != 2 {
		t.Errorf("a finished id must be executable again, got %d deliveries", got)
	}
}

func TestHandleBrowserAction(t *testing.T) {
	t.Run("navigate delivers complete", func(t *testing.T) {
		bridge := threeFrameBridge()
		sink := &fakeSink{}
		d := newDispatcher(Config{}, bridge, sink)

		d.Handle(context.Background(), transport.Command{
			ID:     "n1",
			Type:   TypeBrowserAction,
			Params: json.RawMessage(`{"url":"https://example.test/"}`),
		})

		results := sink.delivered()
		if len(results) != 1 || results[0].Status != "complete" {
			t.Fatalf("expected complete navigate, got %v", results)
		}
	})

	t.Run("missing url and action is an error", func(t *testing.T) {
		bridge := threeFrameBridge()
		sink := &fakeSink{}
		d := newDispatcher(Config{}, bridge, sink)

		d.Handle(context.Background(), transport.Command{
			ID:     "n2",
			Type:   TypeBrowserAction,
			Params: json.RawMessage(`{}`),
		})

		results := sink.delivered()
		if len(results) != 1 || results[0].Status != "error" {
			t.Fatalf("expected error, got %v", results)
		}
	})
}

func TestHandleInvalidFrameSelector(t *testing.T) {
	bridge := threeFrameBridge()
	sink := &fakeSink{}
	d := newDispatcher(Config{}, bridge, sink)

	d.Handle(context.Background(), transport.Command{
		ID:     "q5",
		Type:   TypeDOMAction,
		Params: json.RawMessage(`{"action":"click","selector":"#x","frame":-1}`),
	})

	results := sink.delivered()
	if len(results) != 1 || results[0].Status != "error" {
		t.Fatalf("expected error delivery, got %v", results)
	}
	if !strings.Contains(results[0].Error, "invalid_frame") {
		t.Errorf("expected invalid_frame reason, got %q", results[0].Error)
	}
}

func TestObserverSeesLifecycle(t *testing.T) {
	bridge := threeFrameBridge()
	sink := &fakeSink{}
	var mu sync.Mutex
	var events []string
	d := New(Config{}, Deps{
		Registry:  correlation.NewRegistry(),
		Resolver:  frames.NewResolver(bridge),
		Executor:  executor.New(bridge, bridge, executor.Config{}),
		Navigator: bridge,
		Sink:      sink,
		Observer: func(event string, fields map[string]interface{}) {
			mu.Lock()
			events = append(events, event)
			mu.Unlock()
		},
	})

	d.Handle(context.Background(), transport.Command{
		ID:     "q6",
		Type:   TypeDOMAction,
		Params: json.RawMessage(`{"action":"get_text","selector":"#x"}`),
	})

	mu.Lock()
	defer mu.Unlock()
	want := []string{"command_received", "command_registered", "frame_resolved", "command_terminal"}
	if len(events) != len(want) {
		t.Fatalf("expected %v, got %v", want, events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], events[i])
		}
	}
}
