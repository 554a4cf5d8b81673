// Package dom drives the host application's DOM the way a human operator
// would. Targets are found through the data-fasto-* attribute contract and
// every primitive is timeout bounded: expected failures come back as false or
// a nil node, never as an error.
package dom

import (
	"context"
	"fmt"
	"strings"
)

// Node is a live element in the page.
type Node interface {
	Tag() string
	Attribute(name string) (string, bool)
	Text() string
	// Visible reports whether the element is laid out (non-null offsetParent
	// and not hidden by computed style).
	Visible() bool
	Focus() error
	ScrollIntoView() error
	// Dispatch fires synthetic DOM events in order. Pointer and mouse names get
	// PointerEvent/MouseEvent, everything else a bubbling Event.
	Dispatch(names ...string) error
	// SetNativeValue assigns value through the prototype's property setter so
	// framework value trackers do not swallow the following input event.
	SetNativeValue(value string) error
	SelectText() error
	InlineStyle() string
	SetInlineStyle(style string) error
}

// Document searches the whole page, portals included.
type Document interface {
	QueryAll(ctx context.Context, selector string) ([]Node, error)
}

// Attribute names of the automation contract.
const (
	AttrAction = "data-fasto-action"
	AttrField  = "data-fasto-field"
	AttrDialog = "data-fasto-dialog"
	AttrPage   = "data-fasto-page"
	AttrTab    = "data-fasto-tab"
	AttrOption = "data-fasto-option"
	AttrState  = "data-state"
)

// EntityAttr returns the id attribute for an entity kind, e.g. data-fasto-lead-id.
func EntityAttr(kind string) string {
	return "data-fasto-" + strings.ReplaceAll(kind, "_", "-") + "-id"
}

// Locator is a resolved target: a CSS selector plus an optional exact text filter.
type Locator struct {
	Selector string
	Text     string
}

func (l Locator) String() string {
	if l.Text != "" {
		return fmt.Sprintf("%s (text %q)", l.Selector, l.Text)
	}
	return l.Selector
}

// clickableSelector is searched by text: locators.
const clickableSelector = `button, a, [role="button"], [role="tab"], [role="menuitem"], [role="option"]`

// ParseLocator expands shorthand targets:
//
//	action:save-shift   -> [data-fasto-action="save-shift"]
//	field:job_name      -> [data-fasto-field="job_name"]
//	dialog:new-shift    -> [data-fasto-dialog="new-shift"]
//	page:schedule       -> [data-fasto-page="schedule"]
//	tab:work-orders     -> [data-fasto-tab="work-orders"]
//	lead-id:42          -> [data-fasto-lead-id="42"]
//	text:Save           -> clickable element whose text is "Save"
//
// Anything else is treated as a raw CSS selector.
func ParseLocator(raw string) Locator {
	raw = strings.TrimSpace(raw)
	prefix, value, ok := strings.Cut(raw, ":")
	if !ok || value == "" || strings.ContainsAny(prefix, " []#.>=") {
		return Locator{Selector: raw}
	}
	switch prefix {
	case "action":
		return Locator{Selector: attrSelector(AttrAction, value)}
	case "field":
		return Locator{Selector: attrSelector(AttrField, value)}
	case "dialog":
		return Locator{Selector: attrSelector(AttrDialog, value)}
	case "page":
		return Locator{Selector: attrSelector(AttrPage, value)}
	case "tab":
		return Locator{Selector: attrSelector(AttrTab, value)}
	case "option":
		return Locator{Selector: attrSelector(AttrOption, value)}
	case "text":
		return Locator{Selector: clickableSelector, Text: value}
	}
	if kind, found := strings.CutSuffix(prefix, "-id"); found && kind != "" {
		return Locator{Selector: attrSelector(EntityAttr(kind), value)}
	}
	return Locator{Selector: raw}
}

func attrSelector(attr, value string) string {
	return fmt.Sprintf(`[%s="%s"]`, attr, cssEscape(value))
}

func cssEscape(s string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s)
}

// Describe renders a short label for narration and logs.
func Describe(n Node) string {
	if n == nil {
		return ""
	}
	for _, attr := range []string{AttrAction, AttrField, AttrDialog, AttrTab, AttrPage, AttrOption} {
		if v, ok := n.Attribute(attr); ok && v != "" {
			return fmt.Sprintf("%s[%s=%s]", n.Tag(), attr, v)
		}
	}
	if text := strings.TrimSpace(n.Text()); text != "" {
		if len(text) > 40 {
			text = text[:40]
		}
		return fmt.Sprintf("%s %q", n.Tag(), text)
	}
	return n.Tag()
}
