package assistant

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fasto-agent/internal/bus"
	"fasto-agent/internal/contextstore"
	"fasto-agent/internal/dom"
	"fasto-agent/internal/events"
	"fasto-agent/internal/navigation"
	"fasto-agent/internal/queue"
	"fasto-agent/internal/workflow"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pageStub struct{ works bool }

func (p pageStub) Click(context.Context, string) bool { return p.works }
func (p pageStub) FillInputField(context.Context, string, string) bool { return p.works }
func (p pageStub) SelectDropdownOption(context.Context, string, string, dom.OptionMatcher) bool {
	return p.works
}

type navStub struct {
	mu      sync.Mutex
	entries []navigation.Entry
	routes  []string
	outcome navigation.Outcome
}

func (n *navStub) Perform(_ context.Context, target, _ string) (navigation.Outcome, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.routes = append(n.routes, target)
	return navigation.OutcomeRouted, nil
}

func (n *navStub) Go(_ context.Context, e navigation.Entry) (navigation.Outcome, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, e)
	if n.outcome == "" {
		return navigation.OutcomeRouted, nil
	}
	return n.outcome, nil
}

func (n *navStub) Labels() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, e := range n.entries {
		out = append(out, e.Label)
	}
	return out
}

type speechSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *speechSink) Publish(p events.Payload) {
	if sp, ok := p.(events.Speak); ok {
		s.mu.Lock()
		s.lines = append(s.lines, sp.Text)
		s.mu.Unlock()
	}
}

func (s *speechSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

type fixture struct {
	assistant *Assistant
	nav       *navStub
	speech    *speechSink
	context   *contextstore.Context

	mu      sync.Mutex
	actions []bus.Action
}

func newFixture(t *testing.T, pageWorks bool, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{nav: &navStub{}, speech: &speechSink{}, context: contextstore.New(nil)}
	b := bus.New(f.speech)
	b.Register(bus.HandlerFunc(func(_ context.Context, a bus.Action) (bus.Result, error) {
		f.mu.Lock()
		f.actions = append(f.actions, a)
		f.mu.Unlock()
		return bus.Result{Handled: true, Success: true, Message: "Saved " + a.Type + "."}, nil
	}))
	q := queue.New(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	now := time.Date(2026, time.October, 19, 9, 0, 0, 0, time.UTC)
	f.assistant = New(Deps{
		Queue:     q,
		Navigator: f.nav,
		Bus:       b,
		Context:   f.context,
		Events:    f.speech,
		RunnerOptions: []workflow.Option{
			workflow.WithActuator(pageStub{works: pageWorks}),
			workflow.WithNavigator(f.nav),
			workflow.WithClock(func() time.Time { return now }),
			workflow.WithLocation(time.UTC),
			workflow.WithSpeechPacing(0, 0),
		},
	}, opts...)
	t.Cleanup(f.assistant.Runner().Close)
	return f
}

func (f *fixture) Actions() []bus.Action {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.Action(nil), f.actions...)
}

func await(t *testing.T, ch <-chan Reply) Reply {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("reply never arrived")
		return Reply{}
	}
}

func (f *fixture) handle(t *testing.T, text string) Reply {
	t.Helper()
	return await(t, f.assistant.Submit(text))
}

func TestQueuedConversationPersistsWhenUIDidNotSave(t *testing.T) {
	f := newFixture(t, false)

	// Submitted back to back; the queue keeps them in order.
	var replies []<-chan Reply
	for _, text := range []string{"create a shift", "tomorrow", "7am to 4pm", "Roof Repair – 123 Oak St", "yes"} {
		replies = append(replies, f.assistant.Submit(text))
	}

	first := await(t, replies[0])
	assert.Equal(t, IntentWorkflow, first.Intent)
	assert.Equal(t, "What day is the shift?", first.Text)
	for _, ch := range replies[1:4] {
		r := await(t, ch)
		assert.Equal(t, IntentWorkflowInput, r.Intent)
		require.NotNil(t, r.Workflow)
		assert.Equal(t, workflow.StatusWaitingInput, r.Workflow.Status)
	}
	last := await(t, replies[4])
	require.NotNil(t, last.Workflow)
	assert.Equal(t, workflow.StatusCompleted, last.Workflow.Status)
	assert.False(t, last.Workflow.Committed)
	assert.Equal(t, "Saved schedule.create.", last.Text)

	actions := f.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, "schedule.create", actions[0].Type)
	assert.Equal(t, map[string]any{
		"date":      "2026-10-20",
		"startTime": "07:00",
		"endTime":   "16:00",
		"job_name":  "Roof Repair – 123 Oak St",
	}, actions[0].Payload["fields"])
	assert.Contains(t, f.speech.Lines(), "Saved schedule.create.")
	assert.Zero(t, f.assistant.Queue().Pending())
}

func TestCommittedWorkflowIsNotPersistedAgain(t *testing.T) {
	f := newFixture(t, true)
	for _, text := range []string{"log an expense", "$42", "gas for the truck", "fuel", "today"} {
		f.handle(t, text)
	}
	r := f.handle(t, "go ahead")
	require.NotNil(t, r.Workflow)
	assert.Equal(t, workflow.StatusCompleted, r.Workflow.Status)
	assert.True(t, r.Workflow.Committed)
	assert.Equal(t, "Done.", r.Text)
	assert.Empty(t, f.Actions())
}

func TestWorkflowSeedsRememberedEntity(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.context.SetLastLeadID(context.Background(), "L-7"))

	r := f.handle(t, "add a lead note")
	require.NotNil(t, r.Workflow)
	assert.Equal(t, "L-7", r.Workflow.Data["lead_id"])
	assert.Equal(t, "note", r.Workflow.PendingField)

	f.handle(t, "Call back Friday")
	f.handle(t, "yes")

	actions := f.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, "lead.add_note", actions[0].Type)
	assert.Equal(t, "L-7", actions[0].Payload["id"])
	assert.Equal(t, "Call back Friday", actions[0].Payload["note"])
}

func TestCancelDuringWorkflow(t *testing.T) {
	f := newFixture(t, true)

	r := f.handle(t, "new lead")
	assert.Equal(t, "name", r.Workflow.PendingField)

	r = f.handle(t, "Never mind.")
	assert.Equal(t, IntentCancel, r.Intent)
	require.NotNil(t, r.Workflow)
	assert.Equal(t, workflow.StatusCancelled, r.Workflow.Status)
	assert.False(t, f.assistant.Runner().Active())

	r = f.handle(t, "Ann Smith")
	assert.Equal(t, IntentUnknown, r.Intent)

	r = f.handle(t, "cancel")
	assert.Equal(t, "There's nothing to cancel.", r.Text)
}

func TestInputNeverRoutesAsCommand(t *testing.T) {
	f := newFixture(t, true)

	r := await(t, f.assistant.Input("open leads"))
	assert.Equal(t, IntentWorkflowInput, r.Intent)
	assert.Equal(t, workflow.ErrNoPendingInput.Error(), r.Error)
	assert.Empty(t, f.nav.Labels())

	f.handle(t, "new lead")
	r = await(t, f.assistant.Input("cancel"))
	require.NotNil(t, r.Workflow)
	assert.Equal(t, workflow.StatusWaitingInput, r.Workflow.Status)
	assert.True(t, f.assistant.Runner().Active())
}

func TestActionCommandsGoThroughTheBus(t *testing.T) {
	f := newFixture(t, true)

	r := f.handle(t, "Rename the lead Ann to Ann Smith.")
	assert.Equal(t, IntentAction, r.Intent)
	require.NotNil(t, r.Action)
	assert.True(t, r.Action.Success)

	actions := f.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, "lead.rename", actions[0].Type)
	assert.Equal(t, "Ann", actions[0].Payload["name"])
	assert.Equal(t, "Ann Smith", actions[0].Payload["new_name"])
}

func TestNavigationCommands(t *testing.T) {
	f := newFixture(t, true)

	r := f.handle(t, "show me work orders")
	assert.Equal(t, IntentNavigate, r.Intent)
	assert.Equal(t, "Opening Work Orders.", r.Text)
	assert.Equal(t, navigation.OutcomeRouted, r.Outcome)

	f.nav.outcome = navigation.OutcomeAlreadyActive
	r = f.handle(t, "go to the schedule")
	assert.Equal(t, "You're already on Schedule.", r.Text)
	assert.Equal(t, []string{"Work Orders", "Schedule"}, f.nav.Labels())
}

func TestOpenCatalogPhrasesNavigate(t *testing.T) {
	f := newFixture(t, true)

	for _, tt := range []struct{ in, label string }{
		{"open the lead list", "Leads"},
		{"open the job list", "Projects"},
		{"open the invoice list", "Invoices"},
		{"pull up the payment history", "Payments"},
	} {
		r := f.handle(t, tt.in)
		assert.Equal(t, IntentNavigate, r.Intent, tt.in)
	}
	assert.Equal(t, []string{"Leads", "Projects", "Invoices", "Payments"}, f.nav.Labels())
	assert.Empty(t, f.Actions())

	r := f.handle(t, "pull up the customer Jane Doe")
	assert.Equal(t, IntentAction, r.Intent)
	actions := f.Actions()
	require.Len(t, actions, 1)
	assert.Equal(t, "lead.open", actions[0].Type)
}

func TestFallbackAndUnknown(t *testing.T) {
	f := newFixture(t, true, WithFallback(func(_ context.Context, text string) (string, error) {
		if text == "explode" {
			return "", errors.New("model offline")
		}
		return "It's sunny.", nil
	}))
	r := f.handle(t, "what's the weather")
	assert.Equal(t, IntentFallback, r.Intent)
	assert.Equal(t, "It's sunny.", r.Text)

	r = f.handle(t, "explode")
	assert.Equal(t, "model offline", r.Error)

	plain := newFixture(t, true)
	r = plain.handle(t, "what's the weather")
	assert.Equal(t, IntentUnknown, r.Intent)
	assert.Contains(t, plain.speech.Lines(), r.Text)
}

func TestClearContext(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	require.NoError(t, f.context.SetLastInvoiceID(ctx, "I-1"))

	r := f.handle(t, "start over")
	assert.Equal(t, IntentClearContext, r.Intent)
	_, ok := f.context.LastInvoiceID(ctx)
	assert.False(t, ok)
}

func TestEmptyCommand(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.assistant.HandleCommand(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyCommand)

	r := f.handle(t, "")
	assert.Equal(t, IntentUnknown, r.Intent)
	assert.Equal(t, ErrEmptyCommand.Error(), r.Error)
}

func TestListenSubmitsHubCommands(t *testing.T) {
	f := newFixture(t, true)
	hub := events.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.assistant.Listen(ctx, hub)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	hub.Publish(events.Command{Command: "open the invoices"})
	require.Eventually(t, func() bool { return len(f.nav.Labels()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"Invoices"}, f.nav.Labels())
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		in      string
		typ     string
		payload map[string]any
	}{
		{"rename that lead to Bob's Roofing", "lead.rename", map[string]any{"new_name": "Bob's Roofing"}},
		{"change the name of the project Oak St to Oak Street Reroof", "project.rename", map[string]any{"name": "Oak St", "new_name": "Oak Street Reroof"}},
		{"mark the invoice for Smith as paid", "invoice.mark_paid", map[string]any{"name": "Smith"}},
		{"mark that invoice paid", "invoice.mark_paid", map[string]any{}},
		{"set the work order status to In Progress", "work_order.set_status", map[string]any{"status": "in_progress"}},
		{"mark the lead Ann as won", "lead.set_status", map[string]any{"name": "Ann", "status": "won"}},
		{"add a note to the project Oak saying Call the roofer", "project.add_note", map[string]any{"name": "Oak", "note": "Call the roofer"}},
		{"open the shift", "schedule.open", map[string]any{}},
		{"pull up the customer Jane Doe", "lead.open", map[string]any{"name": "Jane Doe"}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			a, _, ok := parseAction(tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.typ, a.Type)
			assert.Equal(t, tt.payload, a.Payload)
		})
	}

	for _, in := range []string{"open the invoices", "show me leads", "rename everything"} {
		_, _, ok := parseAction(in)
		assert.False(t, ok, in)
	}
}

func TestCancelPhrases(t *testing.T) {
	for _, s := range []string{"cancel", "Never mind.", "forget it!", "stop"} {
		assert.True(t, isCancel(s), s)
	}
	for _, s := range []string{"no, wait", "cancel the invoice for Smith", "don't stop"} {
		assert.False(t, isCancel(s), s)
	}
}
