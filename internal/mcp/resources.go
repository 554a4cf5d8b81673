package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

const (
	resourceMIMEJSON = "application/json"
)

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"fasto://about",
			"Fasto About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info and usage notes."),
		),
		s.handleAboutResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"fasto://workflows",
			"Workflows",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Registered workflows with their trigger phrases and steps."),
		),
		s.handleWorkflowsResource,
	)

	s.mcpServer.AddResource(
		mcp.NewResource(
			"fasto://destinations",
			"Destinations",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("The navigation catalog: labels, URLs, tabs and synonyms."),
		),
		s.handleDestinationsResource,
	)
}

func jsonResource(uri string, payload interface{}) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, map[string]interface{}{
		"name":    s.cfg.Server.Name,
		"version": s.cfg.Server.Version,
		"app_url": s.cfg.Browser.AppURL,
		"notes": []string{
			"fasto-command is the main entry point; it routes text exactly like a spoken command.",
			"All commands and tool mutations run one at a time on the command queue.",
			"While a workflow waits for an answer, use fasto-workflow-input or fasto-command with the answer.",
		},
		"timestamp_ms": time.Now().UnixMilli(),
	})
}

type workflowInfo struct {
	Type          string   `json:"type"`
	Description   string   `json:"description,omitempty"`
	Triggers      []string `json:"triggers"`
	Steps         []string `json:"steps"`
	PersistAction string   `json:"persist_action,omitempty"`
	Source        string   `json:"source,omitempty"`
}

func (s *Server) handleWorkflowsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	defs := s.deps.Assistant.Workflows().List()
	out := make([]workflowInfo, 0, len(defs))
	for _, d := range defs {
		info := workflowInfo{
			Type:          string(d.Type),
			Description:   d.Description,
			Triggers:      d.Triggers,
			PersistAction: d.PersistAction,
			Source:        d.Source,
		}
		for _, st := range d.Steps {
			info.Steps = append(info.Steps, st.ID)
		}
		out = append(out, info)
	}
	return jsonResource(request.Params.URI, map[string]interface{}{"workflows": out})
}

func (s *Server) handleDestinationsResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return jsonResource(request.Params.URI, map[string]interface{}{
		"destinations": s.deps.Assistant.Resolver().Entries(),
	})
}
