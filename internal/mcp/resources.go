package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"pilotnerd-agent/internal/facts"

	"github.com/mark3labs/mcp-go/mcp"
)

const resourceMIMEJSON = "application/json"

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"pilotnerd://about",
			"PilotNERD About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("High-level agent info and diagnostics usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"pilotnerd://facts/{predicate}{?limit}",
			"Dispatch Facts",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Read a slice of dispatch lifecycle facts for one predicate."),
		),
		s.handleFactsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	payload := map[string]interface{}{
		"name":       s.cfg.Server.Name,
		"version":    s.cfg.Server.Version,
		"session_id": s.deps.SessionID,
		"notes": []string{
			"Resources are read-only context endpoints; use tools for queries and rules.",
			"Dispatch lifecycle facts live under pilotnerd://facts/{predicate}.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	}

	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleFactsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	if s.deps.Facts == nil {
		return nil, fmt.Errorf("fact engine unavailable")
	}

	predicate := resourceArg(request.Params.Arguments["predicate"])
	if predicate == "" {
		return nil, fmt.Errorf("missing predicate")
	}
	limit := clampLimit(asInt(request.Params.Arguments["limit"]))

	source := s.deps.Facts.FactsByPredicate(predicate)
	if len(source) > limit {
		source = source[len(source)-limit:]
	}
	if source == nil {
		source = []facts.Fact{}
	}

	payload := map[string]interface{}{
		"predicate": predicate,
		"limit":     limit,
		"count":     len(source),
		"facts":     source,
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

// resourceArg handles URI-template arguments, which arrive as strings or
// string slices depending on the expansion.
func resourceArg(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	case []string:
		if len(value) == 0 {
			return ""
		}
		return value[0]
	default:
		return fmt.Sprintf("%v", value)
	}
}
