package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"fasto-agent/internal/assistant"
	"fasto-agent/internal/browser"
	"fasto-agent/internal/config"
	"fasto-agent/internal/mangle"
	"fasto-agent/internal/navigation"

	"github.com/gorilla/mux"
	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Navigator performs a navigation with tab verification.
type Navigator interface {
	Perform(ctx context.Context, target, tab string) (navigation.Outcome, error)
}

// Deps are the components the tools operate on. Sessions, Navigator and
// Engine may be nil; the tools that need them then report unavailability.
type Deps struct {
	Assistant *assistant.Assistant
	Navigator Navigator
	Engine    *mangle.Engine
	Sessions  *browser.SessionManager
}

// Server exposes the assistant over the Model Context Protocol.
type Server struct {
	cfg       config.Config
	deps      Deps
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer constructs the server and registers every tool and resource.
func NewServer(cfg config.Config, deps Deps) (*Server, error) {
	if deps.Assistant == nil {
		return nil, fmt.Errorf("assistant is required")
	}
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithRecovery(),
	)

	s := &Server{
		cfg:       cfg,
		deps:      deps,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}
	s.registerAllTools()
	s.registerAllResources()
	return s, nil
}

// Start serves over stdio.
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE serves over HTTP using SSE endpoints until ctx ends.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	r := mux.NewRouter()
	r.Handle("/sse", sseServer.SSEHandler())
	r.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Printf("[mcp] SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a tool directly.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]interface{}) (interface{}, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists registered tools.
func (s *Server) ToolNames() []string {
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	return out
}

func (s *Server) registerAllTools() {
	a := s.deps.Assistant

	// Conversation
	s.registerTool(&CommandTool{assistant: a})
	s.registerTool(&WorkflowStatusTool{assistant: a})
	s.registerTool(&WorkflowInputTool{assistant: a})
	s.registerTool(&WorkflowCancelTool{assistant: a})

	// Direct operations, serialized on the command queue
	s.registerTool(&NavigateTool{assistant: a, nav: s.deps.Navigator})
	s.registerTool(&DispatchActionTool{assistant: a})
	s.registerTool(&ContextTool{assistant: a})
	s.registerTool(&QueueStatusTool{assistant: a})

	// Diagnostics
	s.registerTool(&DiagnoseTool{engine: s.deps.Engine})
	s.registerTool(&SessionsTool{sessions: s.deps.Sessions})
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	s.mcpServer.AddTool(mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema), s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(string(marshalToolPayload(tool.Name(), result)))},
		}, nil
	}
}

func marshalToolPayload(toolName string, result interface{}) []byte {
	payload, err := json.Marshal(result)
	if err == nil {
		return payload
	}
	fallback := map[string]interface{}{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, err),
	}
	if payload, err := json.Marshal(fallback); err == nil {
		return payload
	}
	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
