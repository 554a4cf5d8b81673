package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode"

	"fasto-agent/internal/dom"
	"fasto-agent/internal/events"
	"fasto-agent/internal/navigation"

	"github.com/google/uuid"
)

var (
	ErrWorkflowActive   = errors.New("a workflow is already active")
	ErrNoPendingInput   = errors.New("no workflow is waiting for input")
	ErrNoActiveWorkflow = errors.New("no active workflow")
	ErrCancelled        = errors.New("workflow cancelled")
	ErrUnknownWorkflow  = errors.New("unknown workflow")
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusActive       Status = "active"
	StatusWaitingInput Status = "waiting_input"
	StatusCompleted    Status = "completed"
	StatusCancelled    Status = "cancelled"
	StatusError        Status = "error"
)

// Event-only statuses reported on the hub between lifecycle transitions.
const (
	StatusStep           = "step"
	StatusOptionalFailed = "optional_failed"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusError
}

// Actuator is the subset of dom.Actuator that steps use.
type Actuator interface {
	Click(ctx context.Context, locator string) bool
	FillInputField(ctx context.Context, locator, value string) bool
	SelectDropdownOption(ctx context.Context, trigger, want string, matcher dom.OptionMatcher) bool
}

// Navigator performs navigate steps.
type Navigator interface {
	Perform(ctx context.Context, target, tab string) (navigation.Outcome, error)
}

// Lookup resolves definitions by type.
type Lookup interface {
	Get(t Type) (*Definition, bool)
}

// Speaker voices text and returns once it has been spoken.
type Speaker func(ctx context.Context, text string)

// Snapshot is a point-in-time copy of a run.
type Snapshot struct {
	RunID         string    `json:"run_id"`
	Type          Type      `json:"type"`
	Status        Status    `json:"status"`
	StepIndex     int       `json:"step_index"`
	StepID        string    `json:"step_id,omitempty"`
	PendingField  string    `json:"pending_field,omitempty"`
	Question      string    `json:"question,omitempty"`
	Data          Data      `json:"data"`
	Trace         []string  `json:"trace"`
	Committed     bool      `json:"committed"`
	PersistAction string    `json:"persist_action,omitempty"`
	Summary       string    `json:"summary,omitempty"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
}

// Runner owns the single active workflow slot.
type Runner struct {
	mu     sync.Mutex
	active *run
	last   *run

	defs       Lookup
	act        Actuator
	nav        Navigator
	sink       events.Sink
	speaker    Speaker
	now        func() time.Time
	loc        *time.Location
	pace       time.Duration
	minSpeech  time.Duration
	onAsk      func(Snapshot)
	onComplete func(Snapshot)
	onError    func(Snapshot, error)
}

// Option configures a Runner.
type Option func(*Runner)

func WithActuator(a Actuator) Option   { return func(r *Runner) { r.act = a } }
func WithNavigator(n Navigator) Option { return func(r *Runner) { r.nav = n } }
func WithSpeaker(s Speaker) Option     { return func(r *Runner) { r.speaker = s } }

func WithEvents(sink events.Sink) Option {
	return func(r *Runner) {
		if sink != nil {
			r.sink = sink
		}
	}
}

// WithClock replaces time.Now for date and time interpretation.
func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

// WithLocation sets the timezone replies are interpreted in.
func WithLocation(loc *time.Location) Option {
	return func(r *Runner) {
		if loc != nil {
			r.loc = loc
		}
	}
}

// WithSpeechPacing sets how long published speech is assumed to take per
// character when no Speaker is registered. Zero disables the wait.
func WithSpeechPacing(perChar, min time.Duration) Option {
	return func(r *Runner) { r.pace, r.minSpeech = perChar, min }
}

// OnAsk is called whenever a run suspends for input.
func OnAsk(fn func(Snapshot)) Option { return func(r *Runner) { r.onAsk = fn } }

// OnComplete is called with the final collected data.
func OnComplete(fn func(Snapshot)) Option { return func(r *Runner) { r.onComplete = fn } }

// OnError is called when a required step fails.
func OnError(fn func(Snapshot, error)) Option { return func(r *Runner) { r.onError = fn } }

// NewRunner creates a runner over a set of definitions.
func NewRunner(defs Lookup, opts ...Option) *Runner {
	r := &Runner{
		defs:      defs,
		sink:      events.Discard,
		now:       time.Now,
		loc:       time.Local,
		pace:      55 * time.Millisecond,
		minSpeech: 600 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type run struct {
	id      string
	def     *Definition
	steps   []Step
	index   int
	data    Data
	status  Status
	err     string
	trace   []string
	ok      map[string]bool
	commit  bool
	field   string
	prompt  string
	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	input  chan string

	// settled is closed when the run parks for input or ends. Each
	// ProvideUserInput installs a fresh channel before resuming the run.
	settled   chan struct{}
	signalled bool
}

func (r *run) signal() {
	if !r.signalled {
		r.signalled = true
		close(r.settled)
	}
}

func (r *run) needsMet(s Step) bool {
	for _, n := range s.Needs {
		if !r.ok[n] {
			return false
		}
	}
	return true
}

// Start begins a workflow and returns once it first waits for input or ends.
// initial seeds the collected data.
func (rn *Runner) Start(ctx context.Context, t Type, initial map[string]string) (Snapshot, error) {
	def, ok := rn.defs.Get(t)
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, t)
	}

	rn.mu.Lock()
	if rn.active != nil {
		rn.mu.Unlock()
		return Snapshot{}, ErrWorkflowActive
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{
		id:      uuid.NewString(),
		def:     def,
		steps:   append([]Step(nil), def.Steps...),
		data:    Data{},
		status:  StatusActive,
		ok:      map[string]bool{},
		started: rn.now(),
		ctx:     runCtx,
		cancel:  cancel,
		input:   make(chan string),
		settled: make(chan struct{}),
	}
	for k, v := range initial {
		r.data[k] = v
	}
	rn.active = r
	wait := r.settled
	rn.mu.Unlock()

	log.Printf("[workflow:%s] run %s started", t, r.id)
	rn.sink.Publish(events.Workflow{RunID: r.id, Type: string(t), Status: string(StatusActive)})
	go rn.execute(r)
	return rn.await(ctx, r, wait)
}

// ProvideUserInput answers the pending ask or confirm step and returns once
// the run waits again or ends. It fails with ErrNoPendingInput when nothing
// is waiting, including after cancellation.
func (rn *Runner) ProvideUserInput(ctx context.Context, value string) (Snapshot, error) {
	rn.mu.Lock()
	r := rn.active
	if r == nil || r.status != StatusWaitingInput {
		rn.mu.Unlock()
		return Snapshot{}, ErrNoPendingInput
	}
	r.status = StatusActive
	r.settled = make(chan struct{})
	r.signalled = false
	wait := r.settled
	rn.mu.Unlock()

	select {
	case r.input <- value:
	case <-r.ctx.Done():
		return Snapshot{}, ErrNoPendingInput
	}
	return rn.await(ctx, r, wait)
}

// Cancel ends the active run from any non-terminal state. A suspended ask
// returns ErrCancelled and in-flight actuator polls are abandoned.
func (rn *Runner) Cancel() (Snapshot, error) {
	rn.mu.Lock()
	r := rn.active
	if r == nil {
		rn.mu.Unlock()
		return Snapshot{}, ErrNoActiveWorkflow
	}
	r.status = StatusCancelled
	rn.active = nil
	rn.last = r
	r.cancel()
	r.signal()
	snap := rn.snapshotLocked(r)
	rn.mu.Unlock()

	log.Printf("[workflow:%s] run %s cancelled at step %d", r.def.Type, r.id, snap.StepIndex)
	rn.sink.Publish(events.Workflow{RunID: r.id, Type: string(r.def.Type), Status: string(StatusCancelled), Step: snap.StepID})
	return snap, nil
}

// Snapshot returns the active run, or the most recently finished one.
func (rn *Runner) Snapshot() (Snapshot, bool) {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	switch {
	case rn.active != nil:
		return rn.snapshotLocked(rn.active), true
	case rn.last != nil:
		return rn.snapshotLocked(rn.last), true
	}
	return Snapshot{}, false
}

// Active reports whether a run occupies the slot.
func (rn *Runner) Active() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.active != nil
}

// Waiting reports whether the active run is suspended for input.
func (rn *Runner) Waiting() bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.active != nil && rn.active.status == StatusWaitingInput
}

// Close cancels any active run.
func (rn *Runner) Close() {
	if _, err := rn.Cancel(); err != nil && !errors.Is(err, ErrNoActiveWorkflow) {
		log.Printf("[workflow] close: %v", err)
	}
}

func (rn *Runner) await(ctx context.Context, r *run, wait <-chan struct{}) (Snapshot, error) {
	select {
	case <-wait:
	case <-ctx.Done():
		return rn.snapshot(r), ctx.Err()
	}
	return rn.snapshot(r), nil
}

func (rn *Runner) snapshot(r *run) Snapshot {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.snapshotLocked(r)
}

func (rn *Runner) snapshotLocked(r *run) Snapshot {
	s := Snapshot{
		RunID:         r.id,
		Type:          r.def.Type,
		Status:        r.status,
		StepIndex:     r.index,
		Data:          r.data.Clone(),
		Trace:         append([]string(nil), r.trace...),
		Committed:     r.commit,
		PersistAction: r.def.PersistAction,
		Error:         r.err,
		StartedAt:     r.started,
	}
	if r.index < len(r.steps) {
		s.StepID = r.steps[r.index].ID
	}
	if r.status == StatusWaitingInput {
		s.PendingField = r.field
		s.Question = r.prompt
	}
	if r.status == StatusCompleted {
		s.Summary = r.def.Summarize(r.data)
	}
	return s
}

func (rn *Runner) logf(r *run, format string, args ...any) {
	log.Printf("[workflow:%s] "+format, append([]any{r.def.Type}, args...)...)
}

// execute walks the steps strictly in order.
func (rn *Runner) execute(r *run) {
	defer func() {
		if p := recover(); p != nil {
			rn.fail(r, Step{}, fmt.Errorf("internal error: %v", p))
		}
	}()

	for {
		rn.mu.Lock()
		if r.status.Terminal() {
			rn.mu.Unlock()
			return
		}
		if r.index >= len(r.steps) {
			rn.mu.Unlock()
			rn.complete(r)
			return
		}
		step := r.steps[r.index]
		data := r.data.Clone()
		needsMet := r.needsMet(step)
		rn.mu.Unlock()

		if !needsMet || (step.SkipIf != nil && step.SkipIf(data)) {
			rn.logf(r, "skip %s", step.ID)
			if !rn.advance(r, step, false, false) {
				return
			}
			continue
		}

		rn.sink.Publish(events.Workflow{RunID: r.id, Type: string(r.def.Type), Status: StatusStep, Step: step.ID, Action: string(step.Action)})
		err := rn.runStep(r, step, data)
		switch {
		case errors.Is(err, ErrCancelled) || r.ctx.Err() != nil:
			return
		case err != nil && step.Optional:
			rn.logf(r, "optional step %s failed: %v", step.ID, err)
			rn.sink.Publish(events.Workflow{RunID: r.id, Type: string(r.def.Type), Status: StatusOptionalFailed, Step: step.ID, Action: string(step.Action), Error: err.Error()})
			if !rn.advance(r, step, true, false) {
				return
			}
		case err != nil:
			rn.fail(r, step, err)
			return
		default:
			if !rn.advance(r, step, true, true) {
				return
			}
		}
	}
}

// advance moves past step. It returns false once the run is terminal.
func (rn *Runner) advance(r *run, step Step, executed, succeeded bool) bool {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	if r.status.Terminal() {
		return false
	}
	r.index++
	if executed {
		r.trace = append(r.trace, step.ID)
	}
	if succeeded {
		r.ok[step.ID] = true
		if step.Commit {
			r.commit = true
		}
	}
	return true
}

func (rn *Runner) runStep(r *run, step Step, data Data) error {
	ctx := r.ctx
	target := Interpolate(step.Target, data)

	switch step.Action {
	case ActionNavigate:
		rn.speak(ctx, r, Interpolate(step.SpeakText, data))
		if rn.nav == nil {
			return fmt.Errorf("navigation is not available")
		}
		out, err := rn.nav.Perform(ctx, target, Interpolate(step.Tab, data))
		if err != nil {
			return fmt.Errorf("navigate to %s: %w", target, err)
		}
		if out == navigation.OutcomeFailed {
			return fmt.Errorf("couldn't open %s", target)
		}
	case ActionClick:
		if rn.act == nil {
			return fmt.Errorf("the page is not available")
		}
		if !rn.act.Click(ctx, target) {
			return rn.notFound(ctx, target)
		}
	case ActionFill:
		if rn.act == nil {
			return fmt.Errorf("the page is not available")
		}
		if !rn.act.FillInputField(ctx, target, stepValue(step, data)) {
			return rn.notFound(ctx, target)
		}
	case ActionSelect:
		if rn.act == nil {
			return fmt.Errorf("the page is not available")
		}
		if !rn.act.SelectDropdownOption(ctx, target, stepValue(step, data), nil) {
			return rn.notFound(ctx, target)
		}
	case ActionWait:
		if !sleep(ctx, time.Duration(step.WaitMs)*time.Millisecond) {
			return ErrCancelled
		}
	case ActionSpeak:
		rn.speak(ctx, r, Interpolate(step.SpeakText, data))
	case ActionAsk:
		return rn.ask(r, step)
	case ActionConfirm:
		return rn.confirm(r, step)
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return nil
}

func (rn *Runner) notFound(ctx context.Context, target string) error {
	if ctx.Err() != nil {
		return ErrCancelled
	}
	return fmt.Errorf("couldn't find %s on the page", target)
}

func stepValue(s Step, data Data) string {
	if s.Value != "" {
		return Interpolate(s.Value, data)
	}
	return data[s.Field]
}

func (rn *Runner) ask(r *run, step Step) error {
	question := Interpolate(step.Question, rn.data(r))
	if question == "" {
		question = fmt.Sprintf("What's the %s?", Label(step.Field))
	}
	for {
		reply, err := rn.wait(r, step, question)
		if err != nil {
			return err
		}
		problem, ok := rn.accept(r, step, reply)
		if ok {
			return nil
		}
		rn.logf(r, "rejected %q for %s: %s", reply, step.ID, problem)
		rn.speak(r.ctx, r, problem)
	}
}

// accept transforms and validates a reply and stores it. Nothing is written
// unless the reply is valid.
func (rn *Runner) accept(r *run, step Step, reply string) (string, bool) {
	value := strings.TrimSpace(reply)
	if value == "" {
		return "I didn't catch that.", false
	}
	t := Transformed{Value: value}
	if step.Transform != nil {
		var err error
		if t, err = step.Transform(value, rn.env()); err != nil {
			return sentence(err), false
		}
	}

	rn.mu.Lock()
	defer rn.mu.Unlock()
	if t.Fields != nil {
		for k, v := range t.Fields {
			r.data[k] = v
		}
		return "", true
	}
	if step.Validate != nil {
		if err := step.Validate(t.Value, r.data.Clone()); err != nil {
			return sentence(err), false
		}
	}
	if step.Field != "" {
		r.data[step.Field] = t.Value
	}
	return "", true
}

func (rn *Runner) confirm(r *run, step Step) error {
	question := step.Question
	if question == "" {
		question = "Should I go ahead?"
	}
	prompt := r.def.Summarize(rn.data(r)) + " " + question
	for {
		reply, err := rn.wait(r, step, prompt)
		if err != nil {
			return err
		}
		if c, ok := ParseCorrection(reply); ok {
			if problem, ok := rn.correct(r, c); ok {
				prompt = "Got it. " + r.def.Summarize(rn.data(r)) + " " + question
			} else {
				prompt = problem + " " + question
			}
			continue
		}
		switch ClassifyReply(reply) {
		case ReplyAffirmative:
			return nil
		case ReplyNegative:
			prompt = `Okay, I won't go ahead yet. Tell me what to change, for example "change the date to Friday", or say cancel.`
		default:
			prompt = fmt.Sprintf("I heard %q. %s Please say yes or no.", reply, question)
		}
	}
}

// correct re-answers the ask step named by c.
func (rn *Runner) correct(r *run, c Correction) (string, bool) {
	label := strings.TrimPrefix(c.Label, "the ")
	for _, s := range r.steps {
		if s.Action != ActionAsk {
			continue
		}
		for _, l := range s.labels() {
			if l == label {
				problem, ok := rn.accept(r, s, c.Value)
				if ok {
					rn.logf(r, "corrected %s", s.ID)
				}
				return problem, ok
			}
		}
	}
	return fmt.Sprintf("I don't have a %s to change.", label), false
}

// wait speaks prompt, parks the run and blocks until input or cancellation.
func (rn *Runner) wait(r *run, step Step, prompt string) (string, error) {
	rn.speak(r.ctx, r, prompt)

	rn.mu.Lock()
	if r.status.Terminal() {
		rn.mu.Unlock()
		return "", ErrCancelled
	}
	snap := rn.snapshotLocked(r)
	rn.mu.Unlock()
	snap.Status = StatusWaitingInput
	snap.PendingField = step.Field
	snap.Question = prompt
	if rn.onAsk != nil {
		rn.onAsk(snap)
	}

	rn.mu.Lock()
	if r.status.Terminal() {
		rn.mu.Unlock()
		return "", ErrCancelled
	}
	r.status = StatusWaitingInput
	r.field = step.Field
	r.prompt = prompt
	r.signal()
	rn.mu.Unlock()
	rn.sink.Publish(events.Workflow{RunID: r.id, Type: string(r.def.Type), Status: string(StatusWaitingInput), Step: step.ID, Action: string(step.Action)})

	select {
	case v := <-r.input:
		return v, nil
	case <-r.ctx.Done():
		return "", ErrCancelled
	}
}

func (rn *Runner) complete(r *run) {
	rn.mu.Lock()
	if r.status.Terminal() {
		rn.mu.Unlock()
		return
	}
	r.status = StatusCompleted
	rn.active = nil
	rn.last = r
	snap := rn.snapshotLocked(r)
	rn.mu.Unlock()

	rn.logf(r, "run %s completed (committed=%v)", r.id, snap.Committed)
	rn.sink.Publish(events.Workflow{RunID: r.id, Type: string(r.def.Type), Status: string(StatusCompleted)})
	if rn.onComplete != nil {
		rn.onComplete(snap)
	}
	rn.finish(r)
}

func (rn *Runner) fail(r *run, step Step, err error) {
	rn.mu.Lock()
	if r.status.Terminal() {
		rn.mu.Unlock()
		return
	}
	r.status = StatusError
	r.err = err.Error()
	rn.active = nil
	rn.last = r
	snap := rn.snapshotLocked(r)
	rn.mu.Unlock()

	rn.logf(r, "run %s failed at %s: %v", r.id, step.ID, err)
	rn.sink.Publish(events.Workflow{RunID: r.id, Type: string(r.def.Type), Status: string(StatusError), Step: step.ID, Action: string(step.Action), Error: err.Error()})
	rn.speak(context.Background(), r, fmt.Sprintf("Sorry, I couldn't finish that. %s", sentence(err)))
	if rn.onError != nil {
		rn.onError(snap, err)
	}
	rn.finish(r)
}

// finish releases the caller blocked in Start or ProvideUserInput.
func (rn *Runner) finish(r *run) {
	rn.mu.Lock()
	r.signal()
	rn.mu.Unlock()
	r.cancel()
}

func (rn *Runner) data(r *run) Data {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return r.data.Clone()
}

func (rn *Runner) env() Env {
	return Env{Now: rn.now().In(rn.loc), Location: rn.loc}
}

// speak voices text through the registered Speaker or publishes it and waits
// roughly as long as it takes to say.
func (rn *Runner) speak(ctx context.Context, r *run, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	rn.logf(r, "say: %s", text)
	if rn.speaker != nil {
		rn.speaker(ctx, text)
		return
	}
	rn.sink.Publish(events.Speak{Text: text})
	if rn.pace <= 0 {
		return
	}
	d := time.Duration(len(text)) * rn.pace
	if d < rn.minSpeech {
		d = rn.minSpeech
	}
	sleep(ctx, d)
}

// sentence renders an error as a spoken sentence.
func sentence(err error) string {
	s := strings.TrimSpace(err.Error())
	if s == "" {
		return ""
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	s = string(runes)
	if !strings.HasSuffix(s, ".") && !strings.HasSuffix(s, "?") && !strings.HasSuffix(s, "!") {
		s += "."
	}
	return s
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
