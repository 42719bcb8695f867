// Package frames maps a logical command target (tab + optional frame
// selector) to concrete frame identifiers by probing the page.
package frames

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// Selector kinds. A command's "frame" param is absent or "all" (every frame),
// a non-negative integer (ordinal among sibling frames), or any other string
// (CSS match against the frame's host element).
const (
	KindAll     = "all"
	KindOrdinal = "ordinal"
	KindCSS     = "css"
)

var (
	// ErrInvalidFrame is returned for frame selectors that can never match.
	ErrInvalidFrame = errors.New("invalid_frame")
	// ErrFrameNotFound is returned when probing finds no matching frame.
	ErrFrameNotFound = errors.New("frame_not_found")
)

// Selector is a parsed frame selector.
type Selector struct {
	Kind    string
	Ordinal int
	CSS     string
}

// ParseSelector converts the raw "frame" command param into a Selector.
// JSON numbers arrive as float64; anything non-integral or negative is invalid.
func ParseSelector(raw interface{}) (Selector, error) {
	switch v := raw.(type) {
	case nil:
		return Selector{Kind: KindAll}, nil
	case string:
		if v == "" || v == "all" {
			return Selector{Kind: KindAll}, nil
		}
		return Selector{Kind: KindCSS, CSS: v}, nil
	case int:
		if v < 0 {
			return Selector{}, fmt.Errorf("%w: ordinal %d", ErrInvalidFrame, v)
		}
		return Selector{Kind: KindOrdinal, Ordinal: v}, nil
	case float64:
		if v < 0 || v != math.Trunc(v) {
			return Selector{}, fmt.Errorf("%w: ordinal %v", ErrInvalidFrame, v)
		}
		return Selector{Kind: KindOrdinal, Ordinal: int(v)}, nil
	default:
		return Selector{}, fmt.Errorf("%w: unsupported selector type %T", ErrInvalidFrame, raw)
	}
}

// Frame identifies one frame of a tab as reported by the browser bridge.
type Frame struct {
	ID       string
	TopLevel bool
}

// Prober is the per-frame probe capability. Probe runs inside the frame: a
// frame matches an ordinal by inspecting its own position within its parent's
// frame list (a frame cannot see its own index without consulting its
// parent), or matches CSS against its own host element. The top-level frame
// never matches an ordinal because it has no parent.
type Prober interface {
	Frames(ctx context.Context, tabID int) ([]Frame, error)
	Probe(ctx context.Context, tabID int, frame Frame, sel Selector) (bool, error)
}

// Target is the resolved execution target. Either AllFrames is set or
// FrameIDs carries at least one concrete frame id.
type Target struct {
	TabID     int
	AllFrames bool
	FrameIDs  []string
}

// Resolver turns selectors into Targets.
type Resolver struct {
	prober Prober
}

// NewResolver wires a Resolver to a probe capability.
func NewResolver(p Prober) *Resolver {
	return &Resolver{prober: p}
}

// Resolve determines the frames a command targets. A selector of "all" skips
// probing entirely. Otherwise a lightweight probe is broadcast into every
// frame of the tab and distinct matches are collected; a probe error in one
// frame (it may have detached mid-resolve) counts as no match rather than
// failing the whole command.
func (r *Resolver) Resolve(ctx context.Context, tabID int, sel Selector) (Target, error) {
	if sel.Kind == KindAll {
		return Target{TabID: tabID, AllFrames: true}, nil
	}

	all, err := r.prober.Frames(ctx, tabID)
	if err != nil {
		return Target{}, fmt.Errorf("enumerating frames of tab %d: %w", tabID, err)
	}

	seen := make(map[string]struct{}, len(all))
	matched := make([]string, 0, 1)
	for _, f := range all {
		ok, probeErr := r.prober.Probe(ctx, tabID, f, sel)
		if probeErr != nil || !ok {
			continue
		}
		if _, dup := seen[f.ID]; dup {
			continue
		}
		seen[f.ID] = struct{}{}
		matched = append(matched, f.ID)
	}

	if len(matched) == 0 {
		return Target{}, fmt.Errorf("%w: tab %d selector %s", ErrFrameNotFound, tabID, describe(sel))
	}
	return Target{TabID: tabID, FrameIDs: matched}, nil
}

func describe(sel Selector) string {
	switch sel.Kind {
	case KindOrdinal:
		return fmt.Sprintf("frame[%d]", sel.Ordinal)
	case KindCSS:
		return sel.CSS
	default:
		return sel.Kind
	}
}
