// Package executor invokes the page-action capability against resolved
// frame targets. It owns the three action shapes (enumeration, conditional
// wait, standard), multi-frame result reduction, and the automatic fallback
// between script execution worlds when the primary one is blocked.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pilotnerd-agent/internal/frames"
)

// World selects the script-execution realm for a page action.
type World string

const (
	WorldAuto     World = "auto"
	WorldMain     World = "main"
	WorldIsolated World = "isolated"
)

// Environment-specific rejections. Only these trigger world fallback; any
// other failure surfaces verbatim.
var (
	// ErrBlockedByCSP: the page's content policy refused main-world script injection.
	ErrBlockedByCSP = errors.New("csp_blocked")
	// ErrMissingBridge: the injection bridge is absent from the frame.
	ErrMissingBridge = errors.New("bridge_missing")
)

// IsEnvironmentFailure reports whether an actor error is one of the narrow
// rejection classes that world fallback can work around.
func IsEnvironmentFailure(err error) bool {
	return errors.Is(err, ErrBlockedByCSP) || errors.Is(err, ErrMissingBridge)
}

// PageActor is the page-action capability: run one action against one frame
// in a given world. The returned payload is the raw, duck-typed result the
// reconciler will judge.
type PageActor interface {
	Run(ctx context.Context, tabID int, frame frames.Frame, world World, action, selector string, options map[string]interface{}) (map[string]interface{}, error)
}

// FrameLister enumerates the live frames of a tab, top-level first.
type FrameLister interface {
	Frames(ctx context.Context, tabID int) ([]frames.Frame, error)
}

// maxEnumerationEntries caps concatenated enumeration output across frames.
const maxEnumerationEntries = 100

// Spec describes one execution.
type Spec struct {
	Target   frames.Target
	Action   string
	Selector string
	Options  map[string]interface{}
}

// Result is the executor's output for one command: the reduced payload, plus
// timeout bookkeeping for conditional waits.
type Result struct {
	Payload  map[string]interface{}
	TimedOut bool
	Message  string
}

// Config tunes executor timing.
type Config struct {
	// WaitPollInterval is the cadence of conditional-wait re-checks (default 80ms).
	WaitPollInterval time.Duration
	// DefaultWaitTimeout bounds a conditional wait when the command carries
	// no timeout_ms option (default 5s).
	DefaultWaitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.WaitPollInterval <= 0 {
		c.WaitPollInterval = 80 * time.Millisecond
	}
	if c.DefaultWaitTimeout <= 0 {
		c.DefaultWaitTimeout = 5 * time.Second
	}
	return c
}

// Executor runs commands against resolved targets.
type Executor struct {
	actor  PageActor
	lister FrameLister
	cfg    Config
}

// New wires an Executor to the page-action and frame-listing capabilities.
func New(actor PageActor, lister FrameLister, cfg Config) *Executor {
	return &Executor{actor: actor, lister: lister, cfg: cfg.withDefaults()}
}

// Execute runs one command against its target and returns the reduced result.
func (e *Executor) Execute(ctx context.Context, spec Spec) (Result, error) {
	targeted, err := e.expandTarget(ctx, spec.Target)
	if err != nil {
		return Result{}, err
	}

	switch shapeOf(spec.Action) {
	case shapeEnumeration:
		return e.runEnumeration(ctx, spec, targeted)
	case shapeConditionalWait:
		return e.runConditionalWait(ctx, spec, targeted)
	default:
		payload, err := e.runOnce(ctx, spec, targeted)
		if err != nil {
			return Result{}, err
		}
		return Result{Payload: payload}, nil
	}
}

type shape int

const (
	shapeStandard shape = iota
	shapeEnumeration
	shapeConditionalWait
)

func shapeOf(action string) shape {
	switch action {
	case "list_interactive":
		return shapeEnumeration
	case "wait_for":
		return shapeConditionalWait
	default:
		return shapeStandard
	}
}

// expandTarget resolves the target to concrete frames, preserving top-level
// knowledge from the live frame list. Frames that disappeared since
// resolution are skipped; none left is an error.
func (e *Executor) expandTarget(ctx context.Context, target frames.Target) ([]frames.Frame, error) {
	live, err := e.lister.Frames(ctx, target.TabID)
	if err != nil {
		return nil, fmt.Errorf("listing frames of tab %d: %w", target.TabID, err)
	}
	if target.AllFrames {
		if len(live) == 0 {
			return nil, fmt.Errorf("tab %d has no frames", target.TabID)
		}
		return live, nil
	}

	wanted := make(map[string]bool, len(target.FrameIDs))
	for _, id := range target.FrameIDs {
		wanted[id] = true
	}
	out := make([]frames.Frame, 0, len(target.FrameIDs))
	for _, f := range live {
		if wanted[f.ID] {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: resolved frames of tab %d are gone", frames.ErrFrameNotFound, target.TabID)
	}
	return out, nil
}

// runInFrame executes the action in one frame, applying world fallback.
// Fallback fires only in auto mode and only for the narrow environment
// rejection classes; explicit worlds and other failures surface verbatim.
func (e *Executor) runInFrame(ctx context.Context, spec Spec, frame frames.Frame) (map[string]interface{}, error) {
	world := worldOf(spec.Options)

	primary := world
	if world == WorldAuto {
		primary = WorldMain
	}

	payload, err := e.actor.Run(ctx, spec.Target.TabID, frame, primary, spec.Action, spec.Selector, spec.Options)
	if err != nil && world == WorldAuto && IsEnvironmentFailure(err) {
		payload, err = e.actor.Run(ctx, spec.Target.TabID, frame, WorldIsolated, spec.Action, spec.Selector, spec.Options)
	}
	return payload, err
}

func worldOf(options map[string]interface{}) World {
	if options != nil {
		if raw, ok := options["world"].(string); ok {
			switch World(raw) {
			case WorldMain, WorldIsolated:
				return World(raw)
			}
		}
	}
	return WorldAuto
}

// runOnce performs one pass over the targeted frames and reduces the results.
func (e *Executor) runOnce(ctx context.Context, spec Spec, targeted []frames.Frame) (map[string]interface{}, error) {
	outcomes := make([]frameOutcome, 0, len(targeted))
	for _, f := range targeted {
		payload, err := e.runInFrame(ctx, spec, f)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if len(targeted) == 1 {
				// Single-frame commands surface the failure verbatim.
				return nil, err
			}
			payload = map[string]interface{}{"success": false, "error": err.Error()}
		}
		outcomes = append(outcomes, frameOutcome{frame: f, payload: payload})
	}
	return reduce(outcomes), nil
}

type frameOutcome struct {
	frame   frames.Frame
	payload map[string]interface{}
}

func (o frameOutcome) success() bool {
	ok, _ := o.payload["success"].(bool)
	return ok
}

// reduce merges per-frame results: prefer the top-level frame's result when
// successful, else the first success, else fall back to the top-level result
// even when failed, else the first frame's. The winning payload is annotated
// with its originating frame id.
func reduce(outcomes []frameOutcome) map[string]interface{} {
	if len(outcomes) == 0 {
		return nil
	}

	var topLevel *frameOutcome
	for i := range outcomes {
		if outcomes[i].frame.TopLevel {
			topLevel = &outcomes[i]
			break
		}
	}

	winner := &outcomes[0]
	switch {
	case topLevel != nil && topLevel.success():
		winner = topLevel
	default:
		found := false
		for i := range outcomes {
			if outcomes[i].success() {
				winner = &outcomes[i]
				found = true
				break
			}
		}
		if !found && topLevel != nil {
			winner = topLevel
		}
	}

	return annotate(winner.payload, winner.frame.ID)
}

// annotate stamps the originating frame onto a payload copy.
func annotate(payload map[string]interface{}, frameID string) map[string]interface{} {
	out := make(map[string]interface{}, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["frame_id"] = frameID
	return out
}

// runEnumeration runs the action once per targeted frame and concatenates
// entries across frames, capped at maxEnumerationEntries, each annotated with
// its originating frame id.
func (e *Executor) runEnumeration(ctx context.Context, spec Spec, targeted []frames.Frame) (Result, error) {
	entries := make([]interface{}, 0, maxEnumerationEntries)
	frameCount := 0

	for _, f := range targeted {
		payload, err := e.runInFrame(ctx, spec, f)
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			// An unreachable frame contributes no entries; enumeration
			// reports what it could see.
			continue
		}
		frameCount++

		raw, _ := payload["entries"].([]interface{})
		for _, entry := range raw {
			if len(entries) >= maxEnumerationEntries {
				break
			}
			if m, ok := entry.(map[string]interface{}); ok {
				entries = append(entries, annotate(m, f.ID))
			} else {
				entries = append(entries, map[string]interface{}{"value": entry, "frame_id": f.ID})
			}
		}
		if len(entries) >= maxEnumerationEntries {
			break
		}
	}

	return Result{Payload: map[string]interface{}{
		"success":        true,
		"action":         spec.Action,
		"selector":       spec.Selector,
		"entries":        entries,
		"count":          len(entries),
		"frames_visited": frameCount,
	}}, nil
}

// runConditionalWait checks the condition immediately, then re-polls on the
// configured interval until the per-call timeout. Polling is driven here, not
// inside the page, so it stays cancellable. Expiry returns a
// timeout-flavored result carrying the last per-frame payload.
func (e *Executor) runConditionalWait(ctx context.Context, spec Spec, targeted []frames.Frame) (Result, error) {
	timeout := e.cfg.DefaultWaitTimeout
	if spec.Options != nil {
		if raw, ok := spec.Options["timeout_ms"].(float64); ok && raw > 0 {
			timeout = time.Duration(raw) * time.Millisecond
		}
	}

	deadline := time.Now().Add(timeout)
	var last map[string]interface{}

	for {
		payload, err := e.runOnce(ctx, spec, targeted)
		if err != nil {
			return Result{}, err
		}
		if ok, _ := payload["success"].(bool); ok {
			return Result{Payload: payload}, nil
		}
		last = payload

		if time.Now().After(deadline) {
			break
		}

		timer := time.NewTimer(e.cfg.WaitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, ctx.Err()
		case <-timer.C:
		}
	}

	return Result{
		Payload:  last,
		TimedOut: true,
		Message:  fmt.Sprintf("condition %q not found within %dms", spec.Selector, timeout.Milliseconds()),
	}, nil
}
