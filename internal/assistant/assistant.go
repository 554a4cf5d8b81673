// Package assistant turns utterances into automation. Every command runs on
// the command queue, so overlapping requests never interleave their clicks.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"fasto-agent/internal/bus"
	"fasto-agent/internal/contextstore"
	"fasto-agent/internal/events"
	"fasto-agent/internal/handlers"
	"fasto-agent/internal/navigation"
	"fasto-agent/internal/queue"
	"fasto-agent/internal/workflow"
)

// ErrEmptyCommand is returned for blank input.
var ErrEmptyCommand = errors.New("empty command")

// Navigator lands on a catalog destination.
type Navigator interface {
	Go(ctx context.Context, e navigation.Entry) (navigation.Outcome, error)
}

// Fallback answers commands nothing else understood, typically a
// conversational agent.
type Fallback func(ctx context.Context, text string) (string, error)

// Reply is what a command produced.
type Reply struct {
	Command  string             `json:"command"`
	Intent   Intent             `json:"intent"`
	Text     string             `json:"text"`
	Workflow *workflow.Snapshot `json:"workflow,omitempty"`
	Action   *bus.Result        `json:"action,omitempty"`
	Outcome  navigation.Outcome `json:"outcome,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Deps are the assistant's collaborators.
type Deps struct {
	Queue     *queue.Queue
	Workflows *workflow.Registry
	Resolver  *navigation.Resolver
	Navigator Navigator
	Bus       *bus.Bus
	Context   *contextstore.Context
	Events    events.Sink
	// RunnerOptions configure the workflow runner the assistant owns.
	RunnerOptions []workflow.Option
}

// Option configures an Assistant.
type Option func(*Assistant)

// WithFallback sets the last-resort handler.
func WithFallback(f Fallback) Option { return func(a *Assistant) { a.fallback = f } }

// Assistant routes commands in order: pending workflow input, cancel
// phrases, workflow triggers, entity actions, navigation, then the fallback.
type Assistant struct {
	queue     *queue.Queue
	workflows *workflow.Registry
	runner    *workflow.Runner
	resolver  *navigation.Resolver
	nav       Navigator
	bus       *bus.Bus
	context   *contextstore.Context
	sink      events.Sink
	fallback  Fallback

	mu       sync.Mutex
	finished map[string]string
}

// New wires an assistant and the workflow runner it drives.
func New(d Deps, opts ...Option) *Assistant {
	a := &Assistant{
		queue:     d.Queue,
		workflows: d.Workflows,
		resolver:  d.Resolver,
		nav:       d.Navigator,
		bus:       d.Bus,
		context:   d.Context,
		sink:      d.Events,
		finished:  map[string]string{},
	}
	if a.sink == nil {
		a.sink = events.Discard
	}
	if a.context == nil {
		a.context = contextstore.New(nil)
	}
	if a.bus == nil {
		a.bus = bus.New(a.sink)
	}
	if a.queue == nil {
		a.queue = queue.New(context.Background())
	}
	if a.workflows == nil {
		a.workflows, _ = workflow.NewRegistry(workflow.Builtin()...)
	}
	if a.resolver == nil {
		a.resolver = navigation.NewResolver(navigation.DefaultCatalog())
	}
	for _, opt := range opts {
		opt(a)
	}
	runnerOpts := append([]workflow.Option{workflow.WithEvents(a.sink)}, d.RunnerOptions...)
	runnerOpts = append(runnerOpts, workflow.OnComplete(a.completed), workflow.OnError(a.failed))
	a.runner = workflow.NewRunner(a.workflows, runnerOpts...)
	return a
}

// Runner exposes the workflow runner for status and cancellation.
func (a *Assistant) Runner() *workflow.Runner { return a.runner }

// Workflows returns the definition registry.
func (a *Assistant) Workflows() *workflow.Registry { return a.workflows }

// Queue returns the command queue.
func (a *Assistant) Queue() *queue.Queue { return a.queue }

// Context returns the context store facade.
func (a *Assistant) Context() *contextstore.Context { return a.context }

// Resolver returns the navigation catalog resolver.
func (a *Assistant) Resolver() *navigation.Resolver { return a.resolver }

// Bus returns the action bus.
func (a *Assistant) Bus() *bus.Bus { return a.bus }

// Submit enqueues a command. The channel receives its reply once it and
// every earlier command have settled.
func (a *Assistant) Submit(text string) <-chan Reply {
	out := make(chan Reply, 1)
	var reply Reply
	done := a.queue.Enqueue(taskName(text), func(ctx context.Context) error {
		var err error
		reply, err = a.HandleCommand(ctx, text)
		return err
	})
	go func() {
		err := <-done
		if err != nil && reply.Intent == "" {
			reply = Reply{Command: text, Intent: IntentUnknown, Error: err.Error()}
		}
		out <- reply
	}()
	return out
}

// Input answers the waiting workflow step through the queue. Unlike Submit it
// never falls through to intent routing.
func (a *Assistant) Input(value string) <-chan Reply {
	out := make(chan Reply, 1)
	var reply Reply
	done := a.queue.Enqueue(taskName(value), func(ctx context.Context) error {
		snap, err := a.runner.ProvideUserInput(ctx, value)
		if errors.Is(err, workflow.ErrNoPendingInput) {
			reply = Reply{Command: value, Intent: IntentWorkflowInput, Text: "Nothing is waiting for an answer.", Error: err.Error()}
			return nil
		}
		reply = a.workflowReply(value, IntentWorkflowInput, snap, err)
		return nil
	})
	go func() {
		if err := <-done; err != nil && reply.Intent == "" {
			reply = Reply{Command: value, Intent: IntentWorkflowInput, Error: err.Error()}
		}
		out <- reply
	}()
	return out
}

// Listen submits every fastoCommand event published on hub until ctx ends.
func (a *Assistant) Listen(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(32, events.KindCommand)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if cmd, ok := ev.Payload.(events.Command); ok {
				a.Submit(cmd.Command)
			}
		}
	}
}

// HandleCommand routes one command synchronously. Callers other than the
// queue must not run it concurrently with queued commands.
func (a *Assistant) HandleCommand(ctx context.Context, text string) (Reply, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, ErrEmptyCommand
	}
	log.Printf("[assistant] command: %q", text)

	if a.runner.Waiting() {
		if isCancel(text) {
			return a.cancel(text), nil
		}
		snap, err := a.runner.ProvideUserInput(ctx, text)
		if !errors.Is(err, workflow.ErrNoPendingInput) {
			return a.workflowReply(text, IntentWorkflowInput, snap, err), nil
		}
	}
	if isCancel(text) {
		return a.cancel(text), nil
	}
	if isClearContext(text) {
		return a.clearContext(ctx, text), nil
	}
	if def, ok := a.workflows.Match(text); ok {
		return a.startWorkflow(ctx, text, def), nil
	}
	if action, subject, ok := parseAction(text); ok {
		// "open the lead list" names a destination, not a lead called "list".
		if strings.HasSuffix(action.Type, "."+handlers.VerbOpen) {
			if entry, ok := a.resolver.Lookup(subject); ok {
				return a.navigate(ctx, text, entry), nil
			}
		}
		return a.dispatch(ctx, text, action), nil
	}
	if entry, ok := a.resolver.Resolve(text); ok {
		return a.navigate(ctx, text, entry), nil
	}
	if a.fallback != nil {
		answer, err := a.fallback(ctx, text)
		if err != nil {
			log.Printf("[assistant] fallback: %v", err)
			return a.say(Reply{Command: text, Intent: IntentFallback, Text: "Sorry, something went wrong answering that.", Error: err.Error()}), nil
		}
		return a.say(Reply{Command: text, Intent: IntentFallback, Text: answer}), nil
	}
	return a.say(Reply{Command: text, Intent: IntentUnknown, Text: "Sorry, I don't know how to help with that yet."}), nil
}

func (a *Assistant) cancel(text string) Reply {
	snap, err := a.runner.Cancel()
	if errors.Is(err, workflow.ErrNoActiveWorkflow) {
		return a.say(Reply{Command: text, Intent: IntentCancel, Text: "There's nothing to cancel."})
	}
	return a.say(Reply{Command: text, Intent: IntentCancel, Text: "Okay, I cancelled that.", Workflow: &snap})
}

func (a *Assistant) clearContext(ctx context.Context, text string) Reply {
	if err := a.context.ClearAll(ctx); err != nil {
		log.Printf("[assistant] clear context: %v", err)
		return a.say(Reply{Command: text, Intent: IntentClearContext, Text: "I couldn't clear what I remember.", Error: err.Error()})
	}
	return a.say(Reply{Command: text, Intent: IntentClearContext, Text: "Okay, starting fresh."})
}

func (a *Assistant) startWorkflow(ctx context.Context, text string, def *workflow.Definition) Reply {
	snap, err := a.runner.Start(ctx, def.Type, a.seed(ctx, def))
	if errors.Is(err, workflow.ErrWorkflowActive) {
		return a.say(Reply{Command: text, Intent: IntentWorkflow, Text: "Let's finish what we're doing first, or say cancel.", Error: err.Error()})
	}
	return a.workflowReply(text, IntentWorkflow, snap, err)
}

var tokenRe = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// seed pre-fills "<kind>_id" fields a definition refers to with the last
// touched entity of that kind.
func (a *Assistant) seed(ctx context.Context, def *workflow.Definition) map[string]string {
	refs := map[string]bool{}
	for _, s := range def.Steps {
		refs[s.Field] = true
		for _, m := range tokenRe.FindAllStringSubmatch(s.Target+" "+s.Value, -1) {
			refs[m[1]] = true
		}
	}
	initial := map[string]string{}
	for _, k := range contextstore.Kinds {
		key := string(k) + "_id"
		if !refs[key] {
			continue
		}
		if id, ok := a.context.GetLast(ctx, k); ok {
			initial[key] = id
		}
	}
	return initial
}

func (a *Assistant) workflowReply(text string, intent Intent, snap workflow.Snapshot, err error) Reply {
	r := Reply{Command: text, Intent: intent, Workflow: &snap}
	if err != nil {
		r.Error = err.Error()
	}
	switch snap.Status {
	case workflow.StatusWaitingInput:
		r.Text = snap.Question
	case workflow.StatusCompleted:
		a.mu.Lock()
		r.Text = a.finished[snap.RunID]
		delete(a.finished, snap.RunID)
		a.mu.Unlock()
	case workflow.StatusError:
		r.Text = "Sorry, I couldn't finish that."
	}
	return r
}

// completed persists the run through the bus when no commit step saved it.
func (a *Assistant) completed(s workflow.Snapshot) {
	text := "Done."
	if !s.Committed && s.PersistAction != "" {
		res := a.bus.Dispatch(context.Background(), persistAction(s))
		if res.Success {
			text = res.Message
		} else {
			text = "I collected everything but couldn't save it. " + res.Message
		}
	}
	a.mu.Lock()
	a.finished[s.RunID] = text
	a.mu.Unlock()
	a.sink.Publish(events.Speak{Text: text})
}

func (a *Assistant) failed(s workflow.Snapshot, err error) {
	log.Printf("[assistant] workflow %s failed: %v", s.Type, err)
}

// persistAction maps collected data onto the bus payload shape: "<kind>_id"
// and "<kind>_name" address the target, the rest become fields.
func persistAction(s workflow.Snapshot) bus.Action {
	kind := s.PersistAction
	if i := strings.LastIndex(kind, "."); i > 0 {
		kind = kind[:i]
	}
	payload := map[string]any{"workflow": string(s.Type), "run_id": s.RunID}
	fields := map[string]any{}
	for k, v := range s.Data {
		switch {
		case v == "" || strings.HasPrefix(k, "_"):
		case k == kind+"_id":
			payload["id"] = v
		case k == kind+"_name":
			payload["name"] = v
		case k == "note":
			payload["note"] = v
		default:
			fields[k] = v
		}
	}
	if len(fields) > 0 {
		payload["fields"] = fields
	}
	return bus.Action{Type: s.PersistAction, Payload: payload}
}

func (a *Assistant) dispatch(ctx context.Context, text string, action bus.Action) Reply {
	res := a.bus.Dispatch(ctx, action)
	return a.say(Reply{Command: text, Intent: IntentAction, Text: res.Message, Action: &res})
}

func (a *Assistant) navigate(ctx context.Context, text string, e navigation.Entry) Reply {
	r := Reply{Command: text, Intent: IntentNavigate}
	if a.nav == nil {
		r.Text = "I can't reach the app right now."
		return a.say(r)
	}
	out, err := a.nav.Go(ctx, e)
	r.Outcome = out
	switch {
	case err != nil:
		r.Error = err.Error()
		r.Text = fmt.Sprintf("I couldn't open %s.", e.Label)
	case out == navigation.OutcomeFailed:
		r.Text = fmt.Sprintf("I couldn't open %s.", e.Label)
	case out == navigation.OutcomeAlreadyActive:
		r.Text = fmt.Sprintf("You're already on %s.", e.Label)
	default:
		r.Text = fmt.Sprintf("Opening %s.", e.Label)
	}
	return a.say(r)
}

func (a *Assistant) say(r Reply) Reply {
	if r.Text != "" {
		a.sink.Publish(events.Speak{Text: r.Text})
	}
	return r
}

func taskName(text string) string {
	const limit = 40
	t := []rune(strings.TrimSpace(text))
	if len(t) > limit {
		return "command: " + string(t[:limit]) + "..."
	}
	return "command: " + string(t)
}
