package dom

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-rod/rod"
)

// RodDocument adapts a go-rod page.
type RodDocument struct {
	page *rod.Page
}

// NewRodDocument wraps page.
func NewRodDocument(page *rod.Page) *RodDocument {
	return &RodDocument{page: page}
}

// Page returns the wrapped page.
func (d *RodDocument) Page() *rod.Page { return d.page }

// QueryAll runs querySelectorAll against the whole document. It does not wait.
func (d *RodDocument) QueryAll(ctx context.Context, selector string) ([]Node, error) {
	els, err := d.page.Context(ctx).Elements(selector)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	nodes := make([]Node, 0, len(els))
	for _, el := range els {
		nodes = append(nodes, &RodNode{el: el})
	}
	return nodes, nil
}

// RodNode adapts a go-rod element.
type RodNode struct {
	el  *rod.Element
	tag string
}

func (n *RodNode) Tag() string {
	if n.tag != "" {
		return n.tag
	}
	res, err := n.el.Eval(`function() { return this.tagName.toLowerCase() }`)
	if err != nil {
		return ""
	}
	n.tag = res.Value.Str()
	return n.tag
}

func (n *RodNode) Attribute(name string) (string, bool) {
	if name == "value" {
		if v, err := n.el.Property("value"); err == nil && !v.Nil() {
			return v.Str(), true
		}
	}
	v, err := n.el.Attribute(name)
	if err != nil || v == nil {
		return "", false
	}
	return *v, true
}

func (n *RodNode) Text() string {
	text, err := n.el.Text()
	if err != nil {
		return ""
	}
	return text
}

func (n *RodNode) Visible() bool {
	ok, err := n.el.Visible()
	return err == nil && ok
}

func (n *RodNode) Focus() error {
	return n.el.Focus()
}

func (n *RodNode) ScrollIntoView() error {
	return n.el.ScrollIntoView()
}

const dispatchJS = `function(names) {
	const rect = this.getBoundingClientRect();
	const init = {
		bubbles: true, cancelable: true, composed: true, view: window, button: 0,
		clientX: rect.left + rect.width / 2, clientY: rect.top + rect.height / 2,
	};
	for (const name of names) {
		let ev;
		if (name.startsWith('pointer')) {
			ev = new PointerEvent(name, Object.assign({ pointerId: 1, pointerType: 'mouse', isPrimary: true }, init));
		} else if (name.startsWith('mouse') || name === 'click') {
			ev = new MouseEvent(name, init);
		} else {
			ev = new Event(name, { bubbles: true, cancelable: true });
		}
		this.dispatchEvent(ev);
	}
}`

func (n *RodNode) Dispatch(names ...string) error {
	_, err := n.el.Eval(dispatchJS, names)
	return err
}

const nativeValueJS = `function(value) {
	const proto = this instanceof HTMLTextAreaElement ? HTMLTextAreaElement.prototype
		: this instanceof HTMLSelectElement ? HTMLSelectElement.prototype
		: HTMLInputElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	if (!desc || !desc.set) { throw new Error('no native value setter'); }
	desc.set.call(this, value);
}`

func (n *RodNode) SetNativeValue(value string) error {
	_, err := n.el.Eval(nativeValueJS, value)
	return err
}

func (n *RodNode) SelectText() error {
	switch n.Tag() {
	case "input", "textarea":
		return n.el.SelectAllText()
	}
	return fmt.Errorf("%s has no text selection", n.Tag())
}

func (n *RodNode) InlineStyle() string {
	res, err := n.el.Eval(`function() { return this.getAttribute('style') || '' }`)
	if err != nil {
		return ""
	}
	return res.Value.Str()
}

func (n *RodNode) SetInlineStyle(style string) error {
	js := `function(style) { this.setAttribute('style', style) }`
	if strings.TrimSpace(style) == "" {
		js = `function() { this.removeAttribute('style') }`
	}
	_, err := n.el.Eval(js, style)
	return err
}
