// Package domtest is an in-memory dom.Document for tests. It understands the
// selector subset the actuator emits and models a virtual-DOM framework's
// value tracker: assigning .value directly is invisible to change handlers,
// the native setter is not.
package domtest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"fasto-agent/internal/dom"
)

// Document is a flat list of elements in document order.
type Document struct {
	mu       sync.Mutex
	elements []*Element
	queries  int
	// QueryErr, when set, is returned from every QueryAll.
	QueryErr error
}

// New creates an empty document with a body element.
func New() *Document {
	d := &Document{}
	d.Add("body", nil)
	return d
}

// Element is a fake DOM node.
type Element struct {
	doc    *Document
	parent *Element

	tag     string
	attrs   map[string]string
	text    string
	visible bool
	style   string

	value   string
	tracker string
	focused bool

	dispatched []string
	listeners  map[string][]func(*Element)
	changes    []string
}

// Add appends an element. attrs may be nil.
func (d *Document) Add(tag string, attrs map[string]string) *Element {
	e := &Element{
		doc:       d,
		tag:       strings.ToLower(tag),
		attrs:     map[string]string{},
		visible:   true,
		listeners: map[string][]func(*Element){},
	}
	for k, v := range attrs {
		e.attrs[k] = v
	}
	if v, ok := e.attrs["value"]; ok {
		e.value, e.tracker = v, v
	}
	d.mu.Lock()
	d.elements = append(d.elements, e)
	d.mu.Unlock()
	return e
}

// Child adds an element whose parent is e.
func (e *Element) Child(tag string, attrs map[string]string) *Element {
	c := e.doc.Add(tag, attrs)
	e.doc.mu.Lock()
	c.parent = e
	e.doc.mu.Unlock()
	return c
}

// Remove detaches e from the document.
func (e *Element) Remove() {
	d := e.doc
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, el := range d.elements {
		if el == e {
			d.elements = append(d.elements[:i], d.elements[i+1:]...)
			return
		}
	}
}

// Queries reports how many QueryAll calls were made.
func (d *Document) Queries() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queries
}

// QueryAll implements dom.Document.
func (d *Document) QueryAll(_ context.Context, selector string) ([]dom.Node, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queries++
	if d.QueryErr != nil {
		return nil, d.QueryErr
	}
	var out []dom.Node
	for _, e := range d.elements {
		for _, alt := range strings.Split(selector, ",") {
			if matches(e, strings.TrimSpace(alt)) {
				out = append(out, e)
				break
			}
		}
	}
	return out, nil
}

// matches supports `tag`, `[attr]`, `[attr="v"]`, compound forms of those and
// one level of descendant combinator.
func matches(e *Element, sel string) bool {
	if sel == "" {
		return false
	}
	if ancestor, rest, ok := splitDescendant(sel); ok {
		if !matches(e, rest) {
			return false
		}
		for p := e.parent; p != nil; p = p.parent {
			if matches(p, ancestor) {
				return true
			}
		}
		return false
	}

	i := 0
	for i < len(sel) && sel[i] != '[' {
		i++
	}
	if tag := sel[:i]; tag != "" && tag != e.tag {
		return false
	}
	for i < len(sel) {
		if sel[i] != '[' {
			return false
		}
		end := closingBracket(sel, i)
		if end < 0 {
			return false
		}
		name, want, hasValue := strings.Cut(sel[i+1:end], "=")
		got, ok := e.attrs[name]
		if !ok {
			return false
		}
		if hasValue && got != unquote(want) {
			return false
		}
		i = end + 1
	}
	return true
}

func splitDescendant(sel string) (string, string, bool) {
	depth := 0
	inQuote := false
	for i := len(sel) - 1; i >= 0; i-- {
		switch c := sel[i]; {
		case c == '"' && (i == 0 || sel[i-1] != '\\'):
			inQuote = !inQuote
		case inQuote:
		case c == ']':
			depth++
		case c == '[':
			depth--
		case c == ' ' && depth == 0:
			return strings.TrimSpace(sel[:i]), sel[i+1:], true
		}
	}
	return "", "", false
}

func closingBracket(sel string, open int) int {
	inQuote := false
	for i := open + 1; i < len(sel); i++ {
		switch {
		case sel[i] == '"' && sel[i-1] != '\\':
			inQuote = !inQuote
		case sel[i] == ']' && !inQuote:
			return i
		}
	}
	return -1
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		v = v[1 : len(v)-1]
	}
	return strings.NewReplacer(`\"`, `"`, `\\`, `\`).Replace(v)
}

// SetText sets the element's text content.
func (e *Element) SetText(text string) *Element {
	e.doc.mu.Lock()
	e.text = text
	e.doc.mu.Unlock()
	return e
}

// SetVisible toggles layout visibility.
func (e *Element) SetVisible(v bool) *Element {
	e.doc.mu.Lock()
	e.visible = v
	e.doc.mu.Unlock()
	return e
}

// SetAttr sets or replaces an attribute.
func (e *Element) SetAttr(name, value string) *Element {
	e.doc.mu.Lock()
	e.attrs[name] = value
	e.doc.mu.Unlock()
	return e
}

// SetStyle sets the inline style attribute.
func (e *Element) SetStyle(style string) *Element {
	e.doc.mu.Lock()
	e.style = style
	e.doc.mu.Unlock()
	return e
}

// AssignValue mimics `el.value = v`: the framework tracker sees the new value,
// so a following input event is deduplicated away.
func (e *Element) AssignValue(v string) {
	e.doc.mu.Lock()
	e.value, e.tracker = v, v
	e.doc.mu.Unlock()
}

// On registers a listener for a dispatched event name.
func (e *Element) On(name string, fn func(*Element)) *Element {
	e.doc.mu.Lock()
	e.listeners[name] = append(e.listeners[name], fn)
	e.doc.mu.Unlock()
	return e
}

// OnClick is On("click", fn).
func (e *Element) OnClick(fn func(*Element)) *Element {
	return e.On("click", fn)
}

// Value returns the current value.
func (e *Element) Value() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.value
}

// Changes returns the values seen by the framework change handler, one per firing.
func (e *Element) Changes() []string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return append([]string(nil), e.changes...)
}

// Dispatched returns every event name dispatched on the element.
func (e *Element) Dispatched() []string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return append([]string(nil), e.dispatched...)
}

// Focused reports whether Focus was called.
func (e *Element) Focused() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.focused
}

// Style returns the current inline style.
func (e *Element) Style() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.style
}

// dom.Node implementation.

func (e *Element) Tag() string { return e.tag }

func (e *Element) Attribute(name string) (string, bool) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if name == "value" && (e.tag == "input" || e.tag == "textarea" || e.tag == "select") {
		return e.value, true
	}
	v, ok := e.attrs[name]
	return v, ok
}

func (e *Element) Text() string {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.text
}

func (e *Element) Visible() bool {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return e.visible
}

func (e *Element) Focus() error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	e.focused = true
	return nil
}

func (e *Element) ScrollIntoView() error { return nil }

func (e *Element) Dispatch(names ...string) error {
	for _, name := range names {
		e.doc.mu.Lock()
		e.dispatched = append(e.dispatched, name)
		fire := false
		if (name == "input" || name == "change") && e.value != e.tracker {
			e.tracker = e.value
			e.changes = append(e.changes, e.value)
			fire = true
		}
		listeners := append([]func(*Element){}, e.listeners[name]...)
		if fire {
			listeners = append(listeners, e.listeners["framework-change"]...)
		}
		e.doc.mu.Unlock()
		for _, fn := range listeners {
			fn(e)
		}
	}
	return nil
}

func (e *Element) SetNativeValue(value string) error {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	switch e.tag {
	case "input", "textarea", "select":
		e.value = value
		return nil
	}
	return fmt.Errorf("%s has no value property", e.tag)
}

func (e *Element) SelectText() error {
	if e.tag != "input" && e.tag != "textarea" {
		return fmt.Errorf("%s has no text selection", e.tag)
	}
	return nil
}

func (e *Element) InlineStyle() string { return e.Style() }

func (e *Element) SetInlineStyle(style string) error {
	e.SetStyle(style)
	return nil
}
