// Package dispatch owns the command lifecycle: a received command is
// registered in the in-flight registry, resolved to concrete frames,
// executed, reconciled, and delivered as exactly one terminal result. The
// registry entry is removed on every terminal path so a redelivery of the
// same id can run again.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"pilotnerd-agent/internal/correlation"
	"pilotnerd-agent/internal/executor"
	"pilotnerd-agent/internal/frames"
	"pilotnerd-agent/internal/reconcile"
	"pilotnerd-agent/internal/transport"
)

// Command types the server issues.
const (
	TypeDOMAction     = "dom_action"
	TypeBrowserAction = "browser_action"
)

// StatusTimeout joins the reconciler's complete/error as the third terminal
// status.
const StatusTimeout = "timeout"

// ResultSink receives terminal results and delivery acks. Implemented by the
// transport client; delivery is fire-and-forget from the dispatcher's view.
type ResultSink interface {
	QueueResult(transport.CommandResult)
	Ack(commandID string)
}

// Navigator is the tab-level navigation capability (navigate, refresh,
// back, forward). These act on the tab, not on an element, so they bypass
// frame resolution.
type Navigator interface {
	Navigate(ctx context.Context, tabID int, action, url string) (map[string]interface{}, error)
}

// Notifier mirrors command outcomes into the page as a toast. Best-effort;
// implementations swallow their own failures.
type Notifier interface {
	ActionToast(tabID int, label, detail, state string, durationMs int)
}

// Config tunes per-kind command timeouts.
type Config struct {
	// ActionTimeout bounds dom_action commands (default 60s).
	ActionTimeout time.Duration
	// NavigateTimeout bounds browser_action commands (default 60s).
	NavigateTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 60 * time.Second
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 60 * time.Second
	}
	return c
}

// Deps are the dispatcher's collaborators. Notifier and Observer are
// optional.
type Deps struct {
	Registry  *correlation.Registry
	Resolver  *frames.Resolver
	Executor  *executor.Executor
	Navigator Navigator
	Sink      ResultSink
	Notifier  Notifier
	// Observer receives lifecycle events (command_received,
	// command_registered, command_duplicate, command_terminal) for the
	// flight recorder and the fact engine.
	Observer func(event string, fields map[string]interface{})
}

// Dispatcher runs commands to exactly one terminal delivery each.
type Dispatcher struct {
	cfg  Config
	deps Deps
}

// New builds a Dispatcher.
func New(cfg Config, deps Deps) *Dispatcher {
	return &Dispatcher{cfg: cfg.withDefaults(), deps: deps}
}

// outcome is the settled result of the execution phase.
type outcome struct {
	status  string
	reason  string
	payload map[string]interface{}
}

// Handle drives one command through its lifecycle. It blocks until the
// command settles or times out; callers run it on its own goroutine. A
// duplicate id still in flight is skipped silently.
func (d *Dispatcher) Handle(ctx context.Context, cmd transport.Command) {
	d.deps.Sink.Ack(cmd.ID)
	d.event("command_received", map[string]interface{}{
		"id": cmd.ID, "type": cmd.Type, "correlation_id": cmd.CorrelationID,
	})

	timeout := d.timeoutFor(cmd.Type)
	if !d.deps.Registry.Begin(cmd.ID, timeout) {
		log.Printf("[dispatch] command %s already in flight, skipping redelivery", cmd.ID)
		d.event("command_duplicate", map[string]interface{}{"id": cmd.ID})
		return
	}
	d.event("command_registered", map[string]interface{}{
		"id": cmd.ID, "timeout_ms": timeout.Milliseconds(),
	})

	// The worker is not cancelled when the timer wins: a late settle simply
	// lands in the buffered channel and is discarded, matching the
	// abandon-in-place timeout model. Shutdown still cancels it through ctx.
	settled := make(chan outcome, 1)
	go func() {
		settled <- d.execute(ctx, cmd)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var o outcome
	select {
	case o = <-settled:
	case <-timer.C:
		o = outcome{
			status: StatusTimeout,
			reason: fmt.Sprintf(
				"%s %s timed out after %s waiting for the page. Break the task into smaller steps and check whether the page is stuck reloading or looping.",
				cmd.Type, cmd.ID, timeout),
		}
	case <-ctx.Done():
		d.deps.Registry.End(cmd.ID)
		return
	}

	d.deps.Registry.End(cmd.ID)
	d.deliver(cmd, o)
}

func (d *Dispatcher) timeoutFor(cmdType string) time.Duration {
	if cmdType == TypeBrowserAction {
		return d.cfg.NavigateTimeout
	}
	return d.cfg.ActionTimeout
}

// execute runs the resolve -> execute -> reconcile phase for one command.
func (d *Dispatcher) execute(ctx context.Context, cmd transport.Command) outcome {
	switch cmd.Type {
	case TypeBrowserAction:
		return d.executeBrowserAction(ctx, cmd)
	case TypeDOMAction:
		return d.executeDOMAction(ctx, cmd)
	default:
		return outcome{status: string(reconcile.StatusError), reason: "unknown command type: " + cmd.Type}
	}
}

func (d *Dispatcher) executeDOMAction(ctx context.Context, cmd transport.Command) outcome {
	var params map[string]interface{}
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return outcome{status: string(reconcile.StatusError), reason: "invalid params: " + err.Error()}
	}

	action, _ := params["action"].(string)
	if action == "" {
		return outcome{status: string(reconcile.StatusError), reason: "missing action"}
	}
	selector, _ := params["selector"].(string)

	sel, err := frames.ParseSelector(params["frame"])
	if err != nil {
		return outcome{status: string(reconcile.StatusError), reason: err.Error()}
	}
	target, err := d.deps.Resolver.Resolve(ctx, cmd.TabID, sel)
	if err != nil {
		return outcome{status: string(reconcile.StatusError), reason: err.Error()}
	}
	d.event("frame_resolved", map[string]interface{}{
		"id": cmd.ID, "all_frames": target.AllFrames, "frame_count": len(target.FrameIDs),
	})

	res, err := d.deps.Executor.Execute(ctx, executor.Spec{
		Target:   target,
		Action:   action,
		Selector: selector,
		Options:  params,
	})
	if err != nil {
		return outcome{status: string(reconcile.StatusError), reason: err.Error()}
	}
	if res.TimedOut {
		return outcome{status: StatusTimeout, reason: res.Message, payload: res.Payload}
	}

	v := reconcile.Reconcile(action, res.Payload)
	return outcome{status: string(v.Status), reason: v.Reason, payload: v.Payload}
}

func (d *Dispatcher) executeBrowserAction(ctx context.Context, cmd transport.Command) outcome {
	var params struct {
		Action string `json:"action"`
		URL    string `json:"url"`
	}
	if err := json.Unmarshal(cmd.Params, &params); err != nil {
		return outcome{status: string(reconcile.StatusError), reason: "invalid params: " + err.Error()}
	}
	action := params.Action
	if action == "" {
		if params.URL == "" {
			return outcome{status: string(reconcile.StatusError), reason: "missing action or url"}
		}
		action = "navigate"
	}

	payload, err := d.deps.Navigator.Navigate(ctx, cmd.TabID, action, params.URL)
	if err != nil {
		return outcome{status: string(reconcile.StatusError), reason: err.Error()}
	}
	v := reconcile.Reconcile(action, payload)
	return outcome{status: string(v.Status), reason: v.Reason, payload: v.Payload}
}

// deliver queues the single terminal result and mirrors it as a toast.
func (d *Dispatcher) deliver(cmd transport.Command, o outcome) {
	res := transport.CommandResult{
		ID:            cmd.ID,
		CorrelationID: cmd.CorrelationID,
		Status:        o.status,
	}
	if o.status != string(reconcile.StatusComplete) {
		res.Error = o.reason
	}
	if o.payload != nil {
		raw, err := json.Marshal(o.payload)
		if err != nil {
			log.Printf("[dispatch] command %s: payload not serializable: %v", cmd.ID, err)
		} else {
			res.Result = raw
		}
	}
	d.deps.Sink.QueueResult(res)

	d.event("command_terminal", map[string]interface{}{
		"id": cmd.ID, "status": o.status, "reason": o.reason,
	})

	if d.deps.Notifier != nil {
		go d.deps.Notifier.ActionToast(cmd.TabID, cmd.Type, o.reason, o.status, 2500)
	}
}

func (d *Dispatcher) event(event string, fields map[string]interface{}) {
	if d.deps.Observer != nil {
		d.deps.Observer(event, fields)
	}
}
