package dom

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"fasto-agent/internal/events"
)

// FrameInterval approximates one animation frame at 60Hz.
const FrameInterval = 16 * time.Millisecond

const highlightStyle = "outline: 3px solid #7c3aed; outline-offset: 2px; box-shadow: 0 0 0 6px rgba(124, 58, 237, 0.35); transition: outline 120ms ease, box-shadow 120ms ease;"

// Timeouts bounds every DOM search.
type Timeouts struct {
	// Element is used for targets on an already rendered page.
	Element time.Duration
	// Menu is used for options inside an already open menu or popover.
	Menu time.Duration
	// Dialog is used for modals expected to mount after a click.
	Dialog time.Duration
	// Settle is the fixed pause after opening a dropdown.
	Settle time.Duration
}

// DefaultTimeouts mirrors the assistant defaults in config.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Element: 3 * time.Second,
		Menu:    500 * time.Millisecond,
		Dialog:  2 * time.Second,
		Settle:  150 * time.Millisecond,
	}
}

// Actuator performs synthetic UI interactions and narrates them as
// fasto-visual-step events.
type Actuator struct {
	doc       Document
	sink      events.Sink
	timeouts  Timeouts
	highlight time.Duration
	frame     time.Duration
}

// Option configures an Actuator.
type Option func(*Actuator)

func WithEvents(sink events.Sink) Option {
	return func(a *Actuator) {
		if sink != nil {
			a.sink = sink
		}
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(a *Actuator) { a.timeouts = t }
}

func WithHighlight(d time.Duration) Option {
	return func(a *Actuator) { a.highlight = d }
}

// WithFrameInterval overrides the polling cadence (tests).
func WithFrameInterval(d time.Duration) Option {
	return func(a *Actuator) {
		if d > 0 {
			a.frame = d
		}
	}
}

// NewActuator binds an actuator to a document.
func NewActuator(doc Document, opts ...Option) *Actuator {
	a := &Actuator{
		doc:       doc,
		sink:      events.Discard,
		timeouts:  DefaultTimeouts(),
		highlight: 400 * time.Millisecond,
		frame:     FrameInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Timeouts returns the configured bounds.
func (a *Actuator) Timeouts() Timeouts { return a.timeouts }

// Document returns the underlying document.
func (a *Actuator) Document() Document { return a.doc }

// WaitForElement polls once per frame until an element matching locator exists
// and is laid out, or timeout elapses.
func (a *Actuator) WaitForElement(ctx context.Context, locator string, timeout time.Duration) (Node, bool) {
	return a.waitFor(ctx, ParseLocator(locator), timeout)
}

// WaitForDialog waits for a modal container. An empty name matches any dialog.
func (a *Actuator) WaitForDialog(ctx context.Context, name string, timeout time.Duration) (Node, bool) {
	if timeout <= 0 {
		timeout = a.timeouts.Dialog
	}
	loc := Locator{Selector: fmt.Sprintf(`[%s], [role="dialog"], [role="alertdialog"]`, AttrDialog)}
	if name != "" {
		loc = Locator{Selector: attrSelector(AttrDialog, name)}
	}
	return a.waitFor(ctx, loc, timeout)
}

// Query returns the first visible match without waiting.
func (a *Actuator) Query(ctx context.Context, locator string) (Node, bool) {
	return a.firstVisible(ctx, ParseLocator(locator))
}

func (a *Actuator) waitFor(ctx context.Context, loc Locator, timeout time.Duration) (Node, bool) {
	if timeout <= 0 {
		timeout = a.timeouts.Element
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(a.frame)
	defer ticker.Stop()

	for {
		if n, ok := a.firstVisible(ctx, loc); ok {
			return n, true
		}
		if time.Now().After(deadline) {
			return nil, false
		}
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
		}
	}
}

func (a *Actuator) firstVisible(ctx context.Context, loc Locator) (Node, bool) {
	nodes, err := a.doc.QueryAll(ctx, loc.Selector)
	if err != nil {
		return nil, false
	}
	for _, n := range nodes {
		if loc.Text != "" && !strings.EqualFold(strings.TrimSpace(n.Text()), strings.TrimSpace(loc.Text)) {
			continue
		}
		if n.Visible() {
			return n, true
		}
	}
	return nil, false
}

// HighlightElement outlines n for d and then restores its prior inline style
// exactly. It never fails; style errors are logged.
func (a *Actuator) HighlightElement(ctx context.Context, n Node, d time.Duration) {
	if n == nil {
		return
	}
	prior := n.InlineStyle()
	if err := n.SetInlineStyle(joinStyle(prior, highlightStyle)); err != nil {
		log.Printf("[dom] highlight %s: %v", Describe(n), err)
		return
	}
	defer func() {
		if err := n.SetInlineStyle(prior); err != nil {
			log.Printf("[dom] restore style %s: %v", Describe(n), err)
		}
	}()
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func joinStyle(prior, extra string) string {
	prior = strings.TrimSpace(prior)
	if prior == "" {
		return extra
	}
	if !strings.HasSuffix(prior, ";") {
		prior += ";"
	}
	return prior + " " + extra
}

// clickSequence is what a real pointer produces.
var clickSequence = []string{"pointerdown", "mousedown", "pointerup", "mouseup", "click"}

// SimulateClick focuses n and dispatches the full pointer/mouse sequence.
func (a *Actuator) SimulateClick(n Node) bool {
	if n == nil {
		return false
	}
	if err := n.Focus(); err != nil {
		log.Printf("[dom] focus %s: %v", Describe(n), err)
	}
	if err := n.Dispatch(clickSequence...); err != nil {
		log.Printf("[dom] click %s: %v", Describe(n), err)
		return false
	}
	return true
}

// Click waits for locator, scrolls it into view, highlights it and clicks it.
func (a *Actuator) Click(ctx context.Context, locator string) bool {
	return a.ClickWithin(ctx, locator, a.timeouts.Element)
}

// ClickWithin is Click with an explicit timeout.
func (a *Actuator) ClickWithin(ctx context.Context, locator string, timeout time.Duration) bool {
	a.step("click", locator, events.StepStarted, "")
	n, ok := a.WaitForElement(ctx, locator, timeout)
	if !ok {
		a.step("click", locator, events.StepFailed, "")
		return false
	}
	a.scroll(n)
	a.HighlightElement(ctx, n, a.highlight)
	ok = a.SimulateClick(n)
	a.step("click", locator, status(ok), Describe(n))
	return ok
}

// FillInputField locates a field, highlights it, and writes value so the host
// framework observes exactly one change. Returns false if the field is absent.
func (a *Actuator) FillInputField(ctx context.Context, locator, value string) bool {
	a.step("fill", locator, events.StepStarted, "")
	n, ok := a.WaitForElement(ctx, locator, a.timeouts.Element)
	if !ok {
		a.step("fill", locator, events.StepFailed, "")
		return false
	}
	a.scroll(n)
	a.HighlightElement(ctx, n, a.highlight)
	ok = a.fill(n, value)
	a.step("fill", locator, status(ok), Describe(n))
	return ok
}

func (a *Actuator) fill(n Node, value string) bool {
	if err := n.Focus(); err != nil {
		log.Printf("[dom] focus %s: %v", Describe(n), err)
	}
	// Selects and date inputs have no text selection.
	_ = n.SelectText()
	if err := n.SetNativeValue(value); err != nil {
		log.Printf("[dom] set value %s: %v", Describe(n), err)
		return false
	}
	if err := n.Dispatch("input", "change"); err != nil {
		log.Printf("[dom] input events %s: %v", Describe(n), err)
		return false
	}
	return true
}

// OptionMatcher is the caller-supplied last-resort option test.
type OptionMatcher func(text, value string) bool

// OptionInfo describes a dropdown choice.
type OptionInfo struct {
	Text  string
	Value string
}

// MatchOption returns the index of the option to pick: exact value first,
// then case-insensitive text containment, then matcher. -1 means no match.
func MatchOption(options []OptionInfo, want string, matcher OptionMatcher) int {
	want = strings.TrimSpace(want)
	if want != "" {
		for i, o := range options {
			if o.Value == want {
				return i
			}
		}
		lw := strings.ToLower(want)
		for i, o := range options {
			if strings.Contains(strings.ToLower(strings.TrimSpace(o.Text)), lw) {
				return i
			}
		}
	}
	if matcher != nil {
		for i, o := range options {
			if matcher(o.Text, o.Value) {
				return i
			}
		}
	}
	return -1
}

const optionSelector = `[role="option"], [data-fasto-option], [cmdk-item], [role="menuitemradio"]`

// SelectDropdownOption opens the dropdown behind trigger, waits a settle delay,
// and clicks the matching option. With no match the dropdown is dismissed and
// false is returned. Native <select> elements are set directly.
func (a *Actuator) SelectDropdownOption(ctx context.Context, trigger, want string, matcher OptionMatcher) bool {
	a.step("select", trigger, events.StepStarted, "")
	ok := a.selectOption(ctx, trigger, want, matcher)
	a.step("select", trigger, status(ok), want)
	return ok
}

func (a *Actuator) selectOption(ctx context.Context, trigger, want string, matcher OptionMatcher) bool {
	tn, ok := a.WaitForElement(ctx, trigger, a.timeouts.Element)
	if !ok {
		return false
	}
	a.scroll(tn)
	a.HighlightElement(ctx, tn, a.highlight)

	if tn.Tag() == "select" {
		return a.selectNative(ctx, trigger, tn, want, matcher)
	}

	if !a.SimulateClick(tn) {
		return false
	}
	if !sleep(ctx, a.timeouts.Settle) {
		return false
	}

	var nodes []Node
	deadline := time.Now().Add(a.timeouts.Menu)
	for {
		nodes = a.visible(ctx, optionSelector)
		if len(nodes) > 0 || time.Now().After(deadline) {
			break
		}
		if !sleep(ctx, a.frame) {
			return false
		}
	}

	infos := make([]OptionInfo, len(nodes))
	for i, n := range nodes {
		infos[i] = optionInfo(n)
	}
	idx := MatchOption(infos, want, matcher)
	if idx < 0 {
		a.dismiss(ctx)
		return false
	}
	a.HighlightElement(ctx, nodes[idx], a.highlight/2)
	return a.SimulateClick(nodes[idx])
}

func (a *Actuator) selectNative(ctx context.Context, trigger string, sel Node, want string, matcher OptionMatcher) bool {
	loc := ParseLocator(trigger)
	nodes, err := a.doc.QueryAll(ctx, loc.Selector+" option")
	if err != nil {
		return false
	}
	infos := make([]OptionInfo, len(nodes))
	for i, n := range nodes {
		infos[i] = optionInfo(n)
	}
	idx := MatchOption(infos, want, matcher)
	if idx < 0 {
		return false
	}
	return a.fill(sel, infos[idx].Value)
}

func optionInfo(n Node) OptionInfo {
	info := OptionInfo{Text: n.Text()}
	for _, attr := range []string{AttrOption, "data-value", "value"} {
		if v, ok := n.Attribute(attr); ok {
			info.Value = v
			break
		}
	}
	return info
}

func (a *Actuator) visible(ctx context.Context, selector string) []Node {
	nodes, err := a.doc.QueryAll(ctx, selector)
	if err != nil {
		return nil
	}
	out := nodes[:0]
	for _, n := range nodes {
		if n.Visible() {
			out = append(out, n)
		}
	}
	return out
}

// dismiss closes an open popover by clicking the page body.
func (a *Actuator) dismiss(ctx context.Context) {
	nodes, err := a.doc.QueryAll(ctx, "body")
	if err != nil || len(nodes) == 0 {
		return
	}
	_ = nodes[0].Dispatch(clickSequence...)
}

// ScrollIntoView scrolls the first match of locator into view.
func (a *Actuator) ScrollIntoView(ctx context.Context, locator string) bool {
	n, ok := a.WaitForElement(ctx, locator, a.timeouts.Element)
	if !ok {
		return false
	}
	return a.scroll(n)
}

func (a *Actuator) scroll(n Node) bool {
	if err := n.ScrollIntoView(); err != nil {
		log.Printf("[dom] scroll %s: %v", Describe(n), err)
		return false
	}
	return true
}

func (a *Actuator) step(action, locator string, st events.StepStatus, element string) {
	a.sink.Publish(events.VisualStep{Action: action, Step: locator, Status: st, Element: element})
}

func status(ok bool) events.StepStatus {
	if ok {
		return events.StepSucceeded
	}
	return events.StepFailed
}

// sleep waits d or until ctx ends; false means ctx ended.
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
