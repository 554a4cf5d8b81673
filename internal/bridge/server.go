// Package bridge serves the overlay UI: a WebSocket that streams hub events
// and accepts commands, plus a small JSON API for scripts and health checks.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"fasto-agent/internal/assistant"
	"fasto-agent/internal/config"
	"fasto-agent/internal/events"
	"fasto-agent/internal/workflow"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 64 << 10
	replyTimeout   = 2 * time.Minute

	// KindReply is the stream message carrying a command's reply to the
	// connection that sent it.
	KindReply events.Kind = "fastoReply"
)

// Server is the bridge HTTP surface.
type Server struct {
	cfg       config.BridgeConfig
	assistant *assistant.Assistant
	hub       *events.Hub
	metrics   http.Handler
	upgrader  websocket.Upgrader
	router    *mux.Router
}

// NewServer builds the routes. metrics may be nil.
func NewServer(cfg config.BridgeConfig, a *assistant.Assistant, hub *events.Hub, metrics http.Handler) *Server {
	s := &Server{
		cfg:       cfg,
		assistant: a,
		hub:       hub,
		metrics:   metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.handleWebSocket)
	// Method mismatches only answer 405 on the root router.
	r.HandleFunc("/api/commands", s.handleCommand).Methods(http.MethodPost)
	r.HandleFunc("/api/workflow", s.handleWorkflow).Methods(http.MethodGet)
	r.HandleFunc("/api/workflow/input", s.handleWorkflowInput).Methods(http.MethodPost)
	r.HandleFunc("/api/workflow/cancel", s.handleWorkflowCancel).Methods(http.MethodPost)
	r.HandleFunc("/api/context", s.handleContext).Methods(http.MethodGet)
	r.HandleFunc("/api/context", s.handleClearContext).Methods(http.MethodDelete)
	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured port until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[bridge] listening on :%d", s.cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	log.Printf("[bridge] rejected websocket origin %q", origin)
	return false
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"running":     s.assistant.Queue().Running(),
		"pending":     s.assistant.Queue().Pending(),
		"workflow":    s.assistant.Runner().Active(),
		"subscribers": s.hub.Subscribers(),
	})
}

type commandRequest struct {
	Command string `json:"command"`
	Value   string `json:"value"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, http.StatusBadRequest, errors.New("command is required"))
		return
	}
	s.writeReply(w, r, s.assistant.Submit(req.Command))
}

func (s *Server) handleWorkflow(w http.ResponseWriter, _ *http.Request) {
	snap, ok := s.assistant.Runner().Snapshot()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]interface{}{"active": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"active":   !snap.Status.Terminal(),
		"workflow": snap,
	})
}

func (s *Server) handleWorkflowInput(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Value) == "" {
		writeError(w, http.StatusBadRequest, errors.New("value is required"))
		return
	}
	s.writeReply(w, r, s.assistant.Input(req.Value))
}

func (s *Server) handleWorkflowCancel(w http.ResponseWriter, _ *http.Request) {
	snap, err := s.assistant.Runner().Cancel()
	if errors.Is(err, workflow.ErrNoActiveWorkflow) {
		writeError(w, http.StatusConflict, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": true, "workflow": snap})
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	summary, err := s.assistant.Context().Summary(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"context": summary})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	if err := s.assistant.Context().ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeReply(w http.ResponseWriter, r *http.Request, ch <-chan assistant.Reply) {
	ctx, cancel := context.WithTimeout(r.Context(), replyTimeout)
	defer cancel()
	select {
	case reply := <-ch:
		writeJSON(w, http.StatusOK, reply)
	case <-ctx.Done():
		writeError(w, http.StatusGatewayTimeout, fmt.Errorf("waiting for reply: %w", ctx.Err()))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[bridge] encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
