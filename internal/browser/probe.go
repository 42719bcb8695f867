package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/proto"

	"pilotnerd-agent/internal/executor"
	"pilotnerd-agent/internal/frames"
)

// ordinalProbeScript answers "am I my parent's Nth frame" from inside the
// frame. The top-level frame has no parent slot and never matches. Cross
// origin parents throw on access, which counts as no match.
const ordinalProbeScript = `(function (i) {
  try {
    return window.parent !== window && window.parent.frames[i] === window;
  } catch (e) {
    return false;
  }
})`

// cssProbeScript matches the frame's host element against a CSS selector.
const cssProbeScript = `(function (sel) {
  try {
    return !!(window.frameElement && window.frameElement.matches(sel));
  } catch (e) {
    return false;
  }
})`

// Frames lists every frame of a tab, top-level first. Implements the listing
// half of frames.Prober.
func (b *Bridge) Frames(ctx context.Context, tabID int) ([]frames.Frame, error) {
	s, err := b.tab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	res, err := proto.PageGetFrameTree{}.Call(s.page.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("frame tree of tab %d: %w", tabID, err)
	}
	return flattenFrameTree(res.FrameTree), nil
}

func flattenFrameTree(root *proto.PageFrameTree) []frames.Frame {
	if root == nil || root.Frame == nil {
		return nil
	}
	out := []frames.Frame{{ID: string(root.Frame.ID), TopLevel: true}}
	var walk func(node *proto.PageFrameTree)
	walk = func(node *proto.PageFrameTree) {
		for _, child := range node.ChildFrames {
			if child.Frame == nil {
				continue
			}
			out = append(out, frames.Frame{ID: string(child.Frame.ID)})
			walk(child)
		}
	}
	walk(root)
	return out
}

// Probe asks one frame whether it matches a selector by running the check
// inside the frame itself. Implements the probing half of frames.Prober.
func (b *Bridge) Probe(ctx context.Context, tabID int, frame frames.Frame, sel frames.Selector) (bool, error) {
	s, err := b.tab(ctx, tabID)
	if err != nil {
		return false, err
	}

	var expr string
	switch sel.Kind {
	case frames.KindOrdinal:
		expr = fmt.Sprintf("%s(%d)", ordinalProbeScript, sel.Ordinal)
	case frames.KindCSS:
		expr = fmt.Sprintf("%s(%s)", cssProbeScript, jsArg(sel.CSS))
	default:
		return false, fmt.Errorf("unsupported probe selector kind %q", sel.Kind)
	}

	probeCtx, cancel := context.WithTimeout(ctx, b.cfg.ProbeTimeout())
	defer cancel()

	ctxID, err := s.contextFor(probeCtx, frame.ID, executor.WorldMain, frame.TopLevel)
	if err != nil {
		// No reachable context means the frame cannot match anything.
		return false, nil
	}
	val, err := s.eval(probeCtx, expr, ctxID)
	if err != nil {
		return false, err
	}
	matched, _ := val.(bool)
	return matched, nil
}
