package mcp

import (
	"context"
	"fmt"

	"pilotnerd-agent/internal/breaker"
	"pilotnerd-agent/internal/config"
	"pilotnerd-agent/internal/correlation"
)

// AgentStatusTool reports a one-shot health snapshot of the whole agent.
type AgentStatusTool struct {
	cfg  config.Config
	deps Deps
}

func (t *AgentStatusTool) Name() string { return "agent_status" }

func (t *AgentStatusTool) Description() string {
	return "Snapshot of agent health: browser connection, sync channel, breaker state, in-flight commands, and fact buffer size."
}

func (t *AgentStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *AgentStatusTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	out := map[string]interface{}{
		"name":       t.cfg.Server.Name,
		"version":    t.cfg.Server.Version,
		"session_id": t.deps.SessionID,
	}
	if t.deps.Bridge != nil {
		out["browser_connected"] = t.deps.Bridge.IsConnected()
		out["control_url"] = t.deps.Bridge.ControlURL()
	}
	if t.deps.Breaker != nil {
		out["breaker"] = t.deps.Breaker.Stats()
	}
	if t.deps.Registry != nil {
		out["in_flight_commands"] = t.deps.Registry.Len()
	}
	if t.deps.Client != nil {
		out["next_poll_ms"] = t.deps.Client.NextPoll().Milliseconds()
		out["pending_results"] = t.deps.Client.PendingResults()
	}
	if t.deps.Facts != nil {
		out["fact_count"] = t.deps.Facts.Len()
	}
	return out, nil
}

// BreakerStatsTool exposes the sync-channel circuit breaker counters.
type BreakerStatsTool struct {
	brk *breaker.Breaker
}

func (t *BreakerStatsTool) Name() string { return "breaker_stats" }

func (t *BreakerStatsTool) Description() string {
	return "Circuit breaker state and counters for the sync channel (state, consecutive failures, totals, current backoff)."
}

func (t *BreakerStatsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *BreakerStatsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.brk == nil {
		return nil, fmt.Errorf("breaker unavailable")
	}
	return t.brk.Stats(), nil
}

// PendingCommandsTool lists every command currently in flight with elapsed time.
type PendingCommandsTool struct {
	registry *correlation.Registry
}

func (t *PendingCommandsTool) Name() string { return "pending_commands" }

func (t *PendingCommandsTool) Description() string {
	return "In-flight commands from the correlation registry: id, start time, timeout, and elapsed milliseconds."
}

func (t *PendingCommandsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}

func (t *PendingCommandsTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.registry == nil {
		return nil, fmt.Errorf("registry unavailable")
	}
	entries := t.registry.Snapshot()
	rows := make([]map[string]interface{}, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, map[string]interface{}{
			"command_id": e.CommandID,
			"started_at": e.StartedAt,
			"timeout_ms": e.TimeoutMs,
			"elapsed_ms": e.ElapsedMs(),
		})
	}
	return map[string]interface{}{
		"count":    len(rows),
		"commands": rows,
	}, nil
}
