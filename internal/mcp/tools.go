package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fasto-agent/internal/assistant"
	"fasto-agent/internal/browser"
	"fasto-agent/internal/bus"
	"fasto-agent/internal/contextstore"
	"fasto-agent/internal/mangle"
	"fasto-agent/internal/navigation"
	"fasto-agent/internal/workflow"
)

// CommandTool submits free text exactly as if it had been spoken.
type CommandTool struct {
	assistant *assistant.Assistant
}

func (t *CommandTool) Name() string { return "fasto-command" }
func (t *CommandTool) Description() string {
	return `Submit a natural-language command to the assistant ("open leads", "schedule a shift", "cancel").

Commands run one at a time on the command queue. When a workflow is waiting for an answer,
the text is taken as that answer. The reply carries the routed intent, the spoken text and
any workflow snapshot, action result or navigation outcome.`
}
func (t *CommandTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{
				"type":        "string",
				"description": "The utterance to route",
			},
		},
		"required": []string{"command"},
	}
}
func (t *CommandTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	text := getStringArg(args, "command")
	if text == "" {
		return nil, fmt.Errorf("command is required")
	}
	return awaitReply(ctx, t.assistant.Submit(text))
}

// WorkflowStatusTool reports the active or most recent workflow run.
type WorkflowStatusTool struct {
	assistant *assistant.Assistant
}

func (t *WorkflowStatusTool) Name() string { return "fasto-workflow-status" }
func (t *WorkflowStatusTool) Description() string {
	return "Show the active (or most recent) workflow run: status, pending question, collected data and trace."
}
func (t *WorkflowStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *WorkflowStatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	snap, ok := t.assistant.Runner().Snapshot()
	if !ok {
		return map[string]interface{}{"active": false}, nil
	}
	return map[string]interface{}{
		"active":   !snap.Status.Terminal(),
		"waiting":  snap.Status == workflow.StatusWaitingInput,
		"workflow": snap,
	}, nil
}

// WorkflowInputTool answers the pending workflow question.
type WorkflowInputTool struct {
	assistant *assistant.Assistant
}

func (t *WorkflowInputTool) Name() string { return "fasto-workflow-input" }
func (t *WorkflowInputTool) Description() string {
	return "Answer the question the active workflow is waiting on. Never starts a new command."
}
func (t *WorkflowInputTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"value": map[string]interface{}{
				"type":        "string",
				"description": "The answer, e.g. \"tomorrow at 3pm\" or \"yes\"",
			},
		},
		"required": []string{"value"},
	}
}
func (t *WorkflowInputTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	value := getStringArg(args, "value")
	if value == "" {
		return nil, fmt.Errorf("value is required")
	}
	return awaitReply(ctx, t.assistant.Input(value))
}

// WorkflowCancelTool stops the active workflow.
type WorkflowCancelTool struct {
	assistant *assistant.Assistant
}

func (t *WorkflowCancelTool) Name() string { return "fasto-workflow-cancel" }
func (t *WorkflowCancelTool) Description() string {
	return "Cancel the active workflow. Takes effect immediately, even while a step is running."
}
func (t *WorkflowCancelTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *WorkflowCancelTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	snap, err := t.assistant.Runner().Cancel()
	if errors.Is(err, workflow.ErrNoActiveWorkflow) {
		return map[string]interface{}{"cancelled": false, "message": "no active workflow"}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"cancelled": true, "workflow": snap}, nil
}

// NavigateTool lands on a catalog destination or an explicit URL.
type NavigateTool struct {
	assistant *assistant.Assistant
	nav       Navigator
}

func (t *NavigateTool) Name() string { return "fasto-navigate" }
func (t *NavigateTool) Description() string {
	return `Navigate the application.

Pass "destination" to resolve free text against the route catalog ("time cards" lands on Timesheets),
or "url" with an optional "tab" for an explicit target. The outcome reports how the page was reached:
already-active, routed, tab-activated, tab-clicked, forced, hard-reload or failed.`
}
func (t *NavigateTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"destination": map[string]interface{}{
				"type":        "string",
				"description": "Free-text destination resolved through the catalog",
			},
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Explicit in-app path or absolute URL",
			},
			"tab": map[string]interface{}{
				"type":        "string",
				"description": "Tab to activate after landing (with url)",
			},
		},
	}
}
func (t *NavigateTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.nav == nil {
		return nil, fmt.Errorf("navigate: %w", errUnavailable)
	}
	target, tab := getStringArg(args, "url"), getStringArg(args, "tab")
	var entry *navigation.Entry
	if dest := getStringArg(args, "destination"); dest != "" {
		e, ok := t.assistant.Resolver().Resolve(dest)
		if !ok {
			return map[string]interface{}{"success": false, "message": fmt.Sprintf("no destination matches %q", dest)}, nil
		}
		entry = &e
		target, tab = e.URL, e.Subtab
	}
	if target == "" {
		return nil, fmt.Errorf("destination or url is required")
	}

	var outcome navigation.Outcome
	err := runQueued(ctx, t.assistant.Queue(), "navigate "+target, func(ctx context.Context) error {
		var err error
		outcome, err = t.nav.Perform(ctx, target, tab)
		return err
	})
	result := map[string]interface{}{
		"success": err == nil && outcome != navigation.OutcomeFailed,
		"url":     target,
		"outcome": outcome,
	}
	if entry != nil {
		result["destination"] = entry.Label
	}
	if err != nil {
		result["error"] = err.Error()
	}
	return result, nil
}

// DispatchActionTool sends an action straight to the bus.
type DispatchActionTool struct {
	assistant *assistant.Assistant
}

func (t *DispatchActionTool) Name() string { return "fasto-dispatch-action" }
func (t *DispatchActionTool) Description() string {
	return `Dispatch a domain action ("lead.rename", "project.save", ...) on the action bus.

The UI handler runs first; when it declines, the backend fallback mutates the record directly
and the result is marked fallback=true. Returns the correlated result.`
}
func (t *DispatchActionTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"type": map[string]interface{}{
				"type":        "string",
				"description": "Action type",
			},
			"payload": map[string]interface{}{
				"type":        "object",
				"description": "Action payload, e.g. {\"id\": \"L-1\", \"name\": \"Acme\"}",
			},
			"id": map[string]interface{}{
				"type":        "string",
				"description": "Optional action id (generated when empty)",
			},
		},
		"required": []string{"type"},
	}
}
func (t *DispatchActionTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	action := bus.Action{
		ID:      getStringArg(args, "id"),
		Type:    getStringArg(args, "type"),
		Payload: getMapArg(args, "payload"),
	}
	if action.Type == "" {
		return nil, fmt.Errorf("type is required")
	}
	var result bus.Result
	err := runQueued(ctx, t.assistant.Queue(), "action "+action.Type, func(ctx context.Context) error {
		result = t.assistant.Bus().Dispatch(ctx, action)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ContextTool reads and writes the remembered entity ids.
type ContextTool struct {
	assistant *assistant.Assistant
}

func (t *ContextTool) Name() string { return "fasto-context" }
func (t *ContextTool) Description() string {
	return `Inspect or change what the assistant remembers about recently touched records.

operation=get (default) returns every remembered id, operation=set stores "id" for "kind",
operation=clear forgets everything. Kinds: lead, project, invoice, schedule, work_order, expense, payment.`
}
func (t *ContextTool) InputSchema() map[string]interface{} {
	kinds := make([]string, 0, len(contextstore.Kinds))
	for _, k := range contextstore.Kinds {
		kinds = append(kinds, string(k))
	}
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"operation": map[string]interface{}{
				"type": "string",
				"enum": []string{"get", "set", "clear"},
			},
			"kind": map[string]interface{}{
				"type": "string",
				"enum": kinds,
			},
			"id": map[string]interface{}{
				"type": "string",
			},
		},
	}
}
func (t *ContextTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	store := t.assistant.Context()
	switch op := getStringArg(args, "operation"); op {
	case "", "get":
		if kind := getStringArg(args, "kind"); kind != "" {
			id, ok := store.GetLast(ctx, contextstore.Kind(kind))
			return map[string]interface{}{"kind": kind, "id": id, "found": ok}, nil
		}
		summary, err := store.Summary(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"context": summary, "keys": contextstore.SummaryKeys(summary)}, nil
	case "set":
		kind, id := getStringArg(args, "kind"), getStringArg(args, "id")
		if kind == "" || id == "" {
			return nil, fmt.Errorf("kind and id are required")
		}
		if err := store.SetLast(ctx, contextstore.Kind(kind), id); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true, "kind": kind, "id": id}, nil
	case "clear":
		if err := store.ClearAll(ctx); err != nil {
			return nil, err
		}
		return map[string]interface{}{"success": true}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}

// QueueStatusTool reports what the command queue is doing.
type QueueStatusTool struct {
	assistant *assistant.Assistant
}

func (t *QueueStatusTool) Name() string { return "fasto-queue-status" }
func (t *QueueStatusTool) Description() string {
	return "Show the running command and how many are queued behind it."
}
func (t *QueueStatusTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *QueueStatusTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	q := t.assistant.Queue()
	return map[string]interface{}{
		"running":          q.Running(),
		"pending":          q.Pending(),
		"workflow_active":  t.assistant.Runner().Active(),
		"workflow_waiting": t.assistant.Runner().Waiting(),
	}, nil
}

// DiagnoseTool reports derived automation problems from the fact store.
type DiagnoseTool struct {
	engine *mangle.Engine
}

func (t *DiagnoseTool) Name() string { return "fasto-diagnose" }
func (t *DiagnoseTool) Description() string {
	return `Explain what went wrong recently.

Without arguments it returns the built-in diagnosis: actions the UI did not handle (ui_fallback),
failed actions, failed workflow steps, missing elements and degraded navigations.
Pass "query" (e.g. "step_failed(Run, Step).") to run an arbitrary Mangle query, or
"predicate" (with "since_ms", default 60000; 0 for the whole buffer) for raw facts.`
}
func (t *DiagnoseTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "Mangle query with variables",
			},
			"predicate": map[string]interface{}{
				"type":        "string",
				"description": "Raw predicate for a temporal slice",
			},
			"since_ms": map[string]interface{}{
				"type":        "integer",
				"description": "Only facts newer than this many milliseconds; 0 returns every buffered fact",
			},
		},
	}
}
func (t *DiagnoseTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.engine == nil || !t.engine.Ready() {
		return nil, fmt.Errorf("diagnose: %w", errUnavailable)
	}
	if q := getStringArg(args, "query"); q != "" {
		results, err := t.engine.Query(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"query": q, "results": results, "count": len(results)}, nil
	}
	if pred := getStringArg(args, "predicate"); pred != "" {
		var facts []mangle.Fact
		if since := time.Duration(getIntArg(args, "since_ms", 60_000)) * time.Millisecond; since > 0 {
			now := time.Now()
			facts = t.engine.QueryTemporal(pred, now.Add(-since), now)
		} else {
			facts = t.engine.FactsByPredicate(pred)
		}
		return map[string]interface{}{"predicate": pred, "facts": facts, "count": len(facts)}, nil
	}
	d, err := t.engine.Diagnose(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"healthy": d.Empty(), "diagnosis": d}, nil
}

// SessionsTool lists and opens browser sessions.
type SessionsTool struct {
	sessions *browser.SessionManager
}

func (t *SessionsTool) Name() string { return "fasto-sessions" }
func (t *SessionsTool) Description() string {
	return `List browser sessions, or open/attach the application page.

operation=list (default), operation=open with optional "url" (defaults to the configured app URL),
operation=attach to adopt the tab already showing the app.`
}
func (t *SessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"operation": map[string]interface{}{
				"type": "string",
				"enum": []string{"list", "open", "attach"},
			},
			"url": map[string]interface{}{
				"type": "string",
			},
		},
	}
}
func (t *SessionsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, fmt.Errorf("sessions: %w", errUnavailable)
	}
	var (
		s   *browser.Session
		err error
	)
	switch op := getStringArg(args, "operation"); op {
	case "", "list":
		return map[string]interface{}{
			"connected": t.sessions.IsConnected(),
			"sessions":  t.sessions.List(),
		}, nil
	case "open":
		s, err = t.sessions.Open(ctx, getStringArg(args, "url"))
	case "attach":
		s, err = t.sessions.AttachApp(ctx)
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "session": s}, nil
}
