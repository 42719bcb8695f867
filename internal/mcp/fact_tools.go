package mcp

import (
	"context"
	"fmt"
	"time"

	"pilotnerd-agent/internal/facts"
)

// ReadFactsTool reads raw facts from the buffer, optionally filtered by predicate.
type ReadFactsTool struct {
	engine *facts.Engine
}

func (t *ReadFactsTool) Name() string { return "read_facts" }

func (t *ReadFactsTool) Description() string {
	return "Read recorded dispatch facts, newest last. Optional predicate filter and limit; also reports per-predicate counts."
}

func (t *ReadFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Only return facts for this predicate (e.g. command_terminal).",
			},
			"limit": map[string]interface{}{
				"type":        "integer",
				"description": "Maximum facts to return (default 25, max 500).",
			},
		},
	}
}

func (t *ReadFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}
	predicate := argString(args["predicate"])
	limit := clampLimit(asInt(args["limit"]))

	var source []facts.Fact
	if predicate != "" {
		source = t.engine.FactsByPredicate(predicate)
	} else {
		source = t.engine.Facts()
	}
	if len(source) > limit {
		source = source[len(source)-limit:]
	}

	return map[string]interface{}{
		"count":      len(source),
		"facts":      source,
		"predicates": t.engine.PredicateCounts(),
	}, nil
}

// QueryFactsTool runs one Mangle query against the store.
type QueryFactsTool struct {
	engine *facts.Engine
}

func (t *QueryFactsTool) Name() string { return "query_facts" }

func (t *QueryFactsTool) Description() string {
	return `Run a Mangle query against the dispatch facts, e.g. command_terminal(Id, "error", Reason). Returns variable bindings.`
}

func (t *QueryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query atom ending with a period.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *QueryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}
	query := argString(args["query"])
	if query == "" {
		return nil, fmt.Errorf("missing query")
	}
	bindings, err := t.engine.Query(query)
	if err != nil {
		return nil, fmt.Errorf("query %q: %w", query, err)
	}
	return map[string]interface{}{
		"query":    query,
		"count":    len(bindings),
		"bindings": bindings,
	}, nil
}

// EvaluateRuleTool materializes a derived predicate from the loaded rules.
type EvaluateRuleTool struct {
	engine *facts.Engine
}

func (t *EvaluateRuleTool) Name() string { return "evaluate_rule" }

func (t *EvaluateRuleTool) Description() string {
	return "Evaluate a derived predicate from the dispatch schema (e.g. timed_out_command, failed_command, breaker_opened) and return its facts."
}

func (t *EvaluateRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Derived predicate name.",
			},
		},
		"required": []string{"predicate"},
	}
}

func (t *EvaluateRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}
	predicate := argString(args["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	derived, err := t.engine.Evaluate(predicate)
	if err != nil {
		return nil, fmt.Errorf("evaluate %s: %w", predicate, err)
	}
	return map[string]interface{}{
		"predicate": predicate,
		"count":     len(derived),
		"facts":     derived,
	}, nil
}

// SubmitRuleTool adds a Mangle rule at runtime for ad-hoc diagnostics.
type SubmitRuleTool struct {
	engine *facts.Engine
}

func (t *SubmitRuleTool) Name() string { return "submit_rule" }

func (t *SubmitRuleTool) Description() string {
	return "Add a Mangle rule (with any new Decls) to the running engine, then evaluate it with evaluate_rule."
}

func (t *SubmitRuleTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"rule": map[string]interface{}{
				"type":        "string",
				"description": "Mangle source: optional Decl lines plus one or more rules.",
			},
		},
		"required": []string{"rule"},
	}
}

func (t *SubmitRuleTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}
	rule := argString(args["rule"])
	if rule == "" {
		return nil, fmt.Errorf("missing rule")
	}
	if err := t.engine.AddRule(rule); err != nil {
		return nil, fmt.Errorf("add rule: %w", err)
	}
	return map[string]interface{}{"success": true}, nil
}

// RecentFactsTool reads facts recorded within a trailing time window.
type RecentFactsTool struct {
	engine *facts.Engine
}

func (t *RecentFactsTool) Name() string { return "recent_facts" }

func (t *RecentFactsTool) Description() string {
	return "Facts for one predicate recorded within the last N seconds (default 60)."
}

func (t *RecentFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Predicate to read.",
			},
			"window_seconds": map[string]interface{}{
				"type":        "integer",
				"description": "Trailing window size in seconds (default 60).",
			},
		},
		"required": []string{"predicate"},
	}
}

func (t *RecentFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}
	predicate := argString(args["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	window := asInt(args["window_seconds"])
	if window <= 0 {
		window = 60
	}
	now := time.Now()
	recent := t.engine.Within(predicate, now.Add(-time.Duration(window)*time.Second), now)
	return map[string]interface{}{
		"predicate":      predicate,
		"window_seconds": window,
		"count":          len(recent),
		"facts":          recent,
	}, nil
}

func argString(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}

func asInt(v any) int {
	switch value := v.(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	default:
		return 0
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 25
	}
	if limit > 500 {
		return 500
	}
	return limit
}
