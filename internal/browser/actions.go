package browser

import (
	"context"
	"fmt"
	"log"
	"strings"

	"pilotnerd-agent/internal/executor"
	"pilotnerd-agent/internal/frames"
)

// Run executes one dom_action inside a specific frame and world. It
// implements executor.PageActor. Environment failures are classified so the
// executor's auto world fallback can react: a CSP refusal maps to
// executor.ErrBlockedByCSP, an untracked main-world context to
// executor.ErrMissingBridge.
func (b *Bridge) Run(ctx context.Context, tabID int, frame frames.Frame, world executor.World, action, selector string, options map[string]interface{}) (map[string]interface{}, error) {
	s, err := b.tab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	ctxID, err := s.contextFor(ctx, frame.ID, world, frame.TopLevel)
	if err != nil {
		return nil, err
	}
	val, err := s.eval(ctx, actionExpr(action, selector, options), ctxID)
	if err != nil {
		return nil, classifyEvalError(err)
	}
	payload, ok := val.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("action %s returned non-object result (%T)", action, val)
	}
	return payload, nil
}

// Navigate performs a browser_action on a tab. Implements dispatch.Navigator.
func (b *Bridge) Navigate(ctx context.Context, tabID int, action, url string) (map[string]interface{}, error) {
	s, err := b.tab(ctx, tabID)
	if err != nil {
		return nil, err
	}
	page := s.page.Context(ctx)

	switch action {
	case "navigate":
		if err := page.Navigate(url); err != nil {
			return nil, fmt.Errorf("navigate to %s: %w", url, err)
		}
	case "refresh":
		if err := page.Reload(); err != nil {
			return nil, fmt.Errorf("refresh: %w", err)
		}
	case "back":
		if err := page.NavigateBack(); err != nil {
			return nil, fmt.Errorf("navigate back: %w", err)
		}
	case "forward":
		if err := page.NavigateForward(); err != nil {
			return nil, fmt.Errorf("navigate forward: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported browser action %q", action)
	}

	// Settling is best effort; a page stuck loading should not hang the
	// command past the dispatcher's own deadline.
	_ = page.WaitLoad()

	info, infoErr := page.Info()
	payload := map[string]interface{}{
		"success": true,
		"action":  action,
	}
	if infoErr == nil {
		payload["url"] = info.URL
		payload["title"] = info.Title
	} else if url != "" {
		payload["url"] = url
	}
	return payload, nil
}

// ActionToast flashes a status toast in the tab's top frame. Implements
// dispatch.Notifier. Failures are logged and otherwise ignored.
func (b *Bridge) ActionToast(tabID int, label, detail, state string, durationMs int) {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.ProbeTimeout())
	defer cancel()
	s, err := b.tab(ctx, tabID)
	if err != nil {
		log.Printf("[browser] toast skipped: %v", err)
		return
	}
	if _, err := s.eval(ctx, toastExpr(label, detail, state, durationMs), 0); err != nil {
		log.Printf("[browser] toast failed: %v", err)
	}
}

// classifyEvalError maps DevTools evaluation failures onto the executor's
// environment error taxonomy.
func classifyEvalError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "Content Security Policy") ||
		strings.Contains(msg, "Refused to evaluate"):
		return fmt.Errorf("%w: %v", executor.ErrBlockedByCSP, err)
	case strings.Contains(msg, "Cannot find context with specified id") ||
		strings.Contains(msg, "Execution context was destroyed"):
		return fmt.Errorf("%w: %v", executor.ErrMissingBridge, err)
	default:
		return err
	}
}
