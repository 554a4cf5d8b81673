package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"fasto-agent/internal/dom"
	"fasto-agent/internal/navigation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeActuator records every call and fails locators listed in missing.
type fakeActuator struct {
	mu      sync.Mutex
	calls   []string
	missing map[string]bool
}

func (f *fakeActuator) record(call, locator string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return !f.missing[locator]
}

func (f *fakeActuator) Click(_ context.Context, locator string) bool {
	return f.record("click "+locator, locator)
}

func (f *fakeActuator) FillInputField(_ context.Context, locator, value string) bool {
	return f.record(fmt.Sprintf("fill %s=%s", locator, value), locator)
}

func (f *fakeActuator) SelectDropdownOption(_ context.Context, trigger, want string, _ dom.OptionMatcher) bool {
	return f.record(fmt.Sprintf("select %s=%s", trigger, want), trigger)
}

func (f *fakeActuator) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeNavigator struct {
	mu      sync.Mutex
	targets []string
}

func (f *fakeNavigator) Perform(_ context.Context, target, tab string) (navigation.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target+"#"+tab)
	return navigation.OutcomeRouted, nil
}

type speech struct {
	mu    sync.Mutex
	lines []string
}

func (s *speech) say(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, text)
}

func (s *speech) Last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

type harness struct {
	runner   *Runner
	act      *fakeActuator
	nav      *fakeNavigator
	speech   *speech
	mu       sync.Mutex
	done     []Snapshot
	failures []error
}

// monday is 2026-10-19 10:00 in Chicago.
func monday(t *testing.T) (time.Time, *time.Location) {
	loc, err := time.LoadLocation("America/Chicago")
	require.NoError(t, err)
	return time.Date(2026, time.October, 19, 10, 0, 0, 0, loc), loc
}

func newHarness(t *testing.T, defs ...*Definition) *harness {
	t.Helper()
	reg, err := NewRegistry(append(Builtin(), defs...)...)
	require.NoError(t, err)
	now, loc := monday(t)
	h := &harness{act: &fakeActuator{missing: map[string]bool{}}, nav: &fakeNavigator{}, speech: &speech{}}
	h.runner = NewRunner(reg,
		WithActuator(h.act),
		WithNavigator(h.nav),
		WithSpeaker(h.speech.say),
		WithClock(func() time.Time { return now }),
		WithLocation(loc),
		OnComplete(func(s Snapshot) {
			h.mu.Lock()
			h.done = append(h.done, s)
			h.mu.Unlock()
		}),
		OnError(func(_ Snapshot, err error) {
			h.mu.Lock()
			h.failures = append(h.failures, err)
			h.mu.Unlock()
		}),
	)
	t.Cleanup(h.runner.Close)
	return h
}

func (h *harness) start(t *testing.T, typ Type, initial map[string]string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := h.runner.Start(ctx, typ, initial)
	require.NoError(t, err)
	return s
}

func (h *harness) answer(t *testing.T, reply string) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := h.runner.ProvideUserInput(ctx, reply)
	require.NoError(t, err)
	return s
}

func TestCreateShiftEndToEnd(t *testing.T) {
	h := newHarness(t)

	s := h.start(t, CreateShift, map[string]string{})
	require.Equal(t, StatusWaitingInput, s.Status)
	assert.Equal(t, "date", s.PendingField)
	assert.Equal(t, "What day is the shift?", s.Question)

	s = h.answer(t, "tomorrow")
	assert.Equal(t, "2026-10-20", s.Data["date"])

	s = h.answer(t, "7am to 4pm")
	assert.Equal(t, "07:00", s.Data["startTime"])
	assert.Equal(t, "16:00", s.Data["endTime"])
	_, compound := s.Data["shift_time"]
	assert.False(t, compound, "range answers merge into startTime/endTime")

	s = h.answer(t, "Roof Repair – 123 Oak St")
	assert.Equal(t, "Roof Repair – 123 Oak St", s.Data["job_name"])
	require.Equal(t, StatusWaitingInput, s.Status)
	assert.Contains(t, s.Question, "Tuesday, October 20, 2026")
	assert.Contains(t, s.Question, "7:00 AM")
	assert.Contains(t, s.Question, "4:00 PM")
	assert.Contains(t, s.Question, "Roof Repair – 123 Oak St")

	s = h.answer(t, "yes")
	require.Equal(t, StatusCompleted, s.Status)
	assert.True(t, s.Committed)
	assert.Contains(t, s.Summary, "Tuesday, October 20, 2026")
	assert.Contains(t, s.Summary, "from 7:00 AM to 4:00 PM")
	assert.Contains(t, s.Summary, "Roof Repair – 123 Oak St")
	assert.False(t, h.runner.Active())

	assert.Equal(t, []string{
		"click action:shift-create",
		"fill field:date=2026-10-20",
		"fill field:start_time=07:00",
		"fill field:end_time=16:00",
		"fill field:job_name=Roof Repair – 123 Oak St",
		"click action:save-shift",
	}, h.act.Calls())
	assert.Equal(t, []string{"/schedule#"}, h.nav.targets)

	require.Len(t, h.done, 1)
	assert.Equal(t, "schedule.create", h.done[0].PersistAction)
}

func TestSkipIfNeverRunsAction(t *testing.T) {
	def := &Definition{
		Type: "skip-test",
		Steps: []Step{
			{ID: "maybe-click", Action: ActionClick, Target: "action:never", SkipIf: present("done")},
			{ID: "click", Action: ActionClick, Target: "action:always"},
		},
	}
	h := newHarness(t, def)

	s := h.start(t, "skip-test", map[string]string{"done": "yes"})
	require.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, []string{"click action:always"}, h.act.Calls())
	assert.Equal(t, []string{"click"}, s.Trace)
}

func TestAskRetriesInvalidInputInPlace(t *testing.T) {
	def := &Definition{
		Type: "ask-test",
		Steps: []Step{
			{ID: "phone", Action: ActionAsk, Field: "phone", Question: "Number?", Transform: PhoneTransform},
			{ID: "count", Action: ActionAsk, Field: "count", Question: "How many?", Validate: func(v string, _ Data) error {
				if v != "3" {
					return errors.New("it has to be three")
				}
				return nil
			}},
		},
	}
	h := newHarness(t, def)
	h.start(t, "ask-test", nil)

	s := h.answer(t, "12")
	assert.Equal(t, StatusWaitingInput, s.Status)
	assert.Equal(t, "phone", s.PendingField)
	assert.Equal(t, 0, s.StepIndex)
	_, set := s.Data["phone"]
	assert.False(t, set)

	s = h.answer(t, "555 867 5309")
	assert.Equal(t, "(555) 867-5309", s.Data["phone"])
	assert.Equal(t, "count", s.PendingField)

	s = h.answer(t, "4")
	assert.Equal(t, "count", s.PendingField)
	_, set = s.Data["count"]
	assert.False(t, set)
	assert.Contains(t, h.speech.lines, "It has to be three.")

	s = h.answer(t, "3")
	assert.Equal(t, StatusCompleted, s.Status)
	assert.Equal(t, "3", s.Data["count"])
}

func TestConfirmNegativeKeepsCursor(t *testing.T) {
	h := newHarness(t)
	h.start(t, CreateShift, map[string]string{"date": "2026-10-20", "startTime": "07:00", "endTime": "16:00", "job_name": "Oak St"})

	before, ok := h.runner.Snapshot()
	require.True(t, ok)
	require.Equal(t, "confirm", before.StepID)

	s := h.answer(t, "no, wait")
	assert.Equal(t, StatusWaitingInput, s.Status)
	assert.Equal(t, before.StepIndex, s.StepIndex)
	assert.Contains(t, s.Question, "Tell me what to change")
	assert.Empty(t, h.act.Calls())

	s = h.answer(t, "maybe later?")
	assert.Equal(t, before.StepIndex, s.StepIndex)
	assert.Contains(t, s.Question, `I heard "maybe later?"`)
	assert.Empty(t, h.act.Calls())
}

func TestConfirmAcceptsCorrection(t *testing.T) {
	h := newHarness(t)
	h.start(t, CreateShift, map[string]string{"date": "2026-10-20", "startTime": "07:00", "endTime": "16:00", "job_name": "Oak St"})

	s := h.answer(t, "change the job to Gutter Cleaning on Elm")
	assert.Equal(t, "Gutter Cleaning on Elm", s.Data["job_name"])
	assert.Contains(t, s.Question, "Got it.")

	s = h.answer(t, "change the time to 8am to 5pm")
	assert.Equal(t, "08:00", s.Data["startTime"])
	assert.Equal(t, "17:00", s.Data["endTime"])

	s = h.answer(t, "set the mood to happy")
	assert.Contains(t, s.Question, "I don't have a mood to change.")

	s = h.answer(t, "yeah go ahead")
	assert.Equal(t, StatusCompleted, s.Status)
}

func TestSingleActiveWorkflow(t *testing.T) {
	h := newHarness(t)
	h.start(t, CreateLead, nil)

	_, err := h.runner.Start(context.Background(), LogExpense, nil)
	assert.ErrorIs(t, err, ErrWorkflowActive)

	_, err = h.runner.Start(context.Background(), "nope", nil)
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
}

func TestCancelRejectsLateInput(t *testing.T) {
	h := newHarness(t)
	h.start(t, CreateLead, nil)

	s, err := h.runner.Cancel()
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, s.Status)
	assert.False(t, h.runner.Active())

	_, err = h.runner.ProvideUserInput(context.Background(), "Ann Smith")
	assert.ErrorIs(t, err, ErrNoPendingInput)

	_, err = h.runner.Cancel()
	assert.ErrorIs(t, err, ErrNoActiveWorkflow)

	s = h.start(t, CreateLead, nil)
	assert.Equal(t, "name", s.PendingField)
	_, hasName := s.Data["name"]
	assert.False(t, hasName, "late input must not leak into a new run")
}

func TestRequiredStepFailureIsTerminal(t *testing.T) {
	def := &Definition{
		Type: "fail-test",
		Steps: []Step{
			{ID: "open", Action: ActionClick, Target: "action:open-dialog"},
			{ID: "after", Action: ActionClick, Target: "action:after"},
		},
	}
	h := newHarness(t, def)
	h.act.missing["action:open-dialog"] = true

	s := h.start(t, "fail-test", nil)
	assert.Equal(t, StatusError, s.Status)
	assert.Contains(t, s.Error, "action:open-dialog")
	assert.Equal(t, []string{"click action:open-dialog"}, h.act.Calls())
	require.Len(t, h.failures, 1)
	assert.Contains(t, h.speech.Last(), "Sorry, I couldn't finish that.")
	assert.False(t, h.runner.Active())
}

func TestOptionalFailureSkipsDependentSteps(t *testing.T) {
	h := newHarness(t)
	h.act.missing["action:shift-create"] = true
	h.start(t, CreateShift, map[string]string{"date": "2026-10-20", "startTime": "07:00", "endTime": "16:00", "job_name": "Oak St"})

	s := h.answer(t, "do it")
	require.Equal(t, StatusCompleted, s.Status)
	assert.False(t, s.Committed)
	assert.Equal(t, []string{"click action:shift-create"}, h.act.Calls())
	assert.Equal(t, []string{"open-schedule", "confirm", "open-form"}, s.Trace)
}

func TestTargetInterpolation(t *testing.T) {
	h := newHarness(t)
	h.start(t, AddLeadNote, map[string]string{"lead_id": "L-42", "lead_name": "Ann"})

	h.answer(t, "Prefers text messages")
	s := h.answer(t, "yes")
	require.Equal(t, StatusCompleted, s.Status)
	assert.True(t, s.Committed)
	assert.Contains(t, h.act.Calls(), `click [data-fasto-lead-id="L-42"] [data-fasto-action="add-lead-note"]`)
	assert.Contains(t, h.act.Calls(), "fill field:note=Prefers text messages")
}

func TestWaitingAndSnapshot(t *testing.T) {
	h := newHarness(t)
	_, ok := h.runner.Snapshot()
	assert.False(t, ok)

	h.start(t, LogExpense, nil)
	assert.True(t, h.runner.Waiting())

	s := h.answer(t, "$1,250.5")
	assert.Equal(t, "1250.50", s.Data["amount"])
	h.answer(t, "shingles")
	s = h.answer(t, "Materials")
	assert.Equal(t, "materials", s.Data["category"])
	s = h.answer(t, "today")
	assert.Equal(t, "2026-10-19", s.Data["date"])
	assert.Contains(t, s.Question, "I'll log $1250.50 for shingles under materials on Monday, October 19, 2026.")
}

func TestInterpolate(t *testing.T) {
	d := Data{"lead_id": "42", "name": "Ann"}
	assert.Equal(t, `[data-fasto-lead-id="42"]`, Interpolate(`[data-fasto-lead-id="${lead_id}"]`, d))
	assert.Equal(t, "Ann / ", Interpolate("${name} / ${missing}", d))
	assert.Equal(t, "plain", Interpolate("plain", d))
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want string
	}{
		{"no type", Definition{Steps: []Step{{ID: "a", Action: ActionWait}}}, "type is required"},
		{"no steps", Definition{Type: "x"}, "no steps"},
		{"dup id", Definition{Type: "x", Steps: []Step{{ID: "a", Action: ActionWait}, {ID: "a", Action: ActionWait}}}, "duplicate"},
		{"bad action", Definition{Type: "x", Steps: []Step{{ID: "a", Action: "dance"}}}, "unknown action"},
		{"click target", Definition{Type: "x", Steps: []Step{{ID: "a", Action: ActionClick}}}, "needs a target"},
		{"forward needs", Definition{Type: "x", Steps: []Step{{ID: "a", Action: ActionWait, Needs: []string{"b"}}, {ID: "b", Action: ActionWait}}}, "needs unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	for _, d := range Builtin() {
		assert.NoError(t, d.Validate(), d.Type)
	}
}
