package navigation

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"fasto-agent/internal/dom"
	"fasto-agent/internal/events"
)

// Router is the host application's navigation surface.
type Router interface {
	// Location returns the page's current URL.
	Location(ctx context.Context) (*url.URL, error)
	// Push performs a client-side route change (history push plus the
	// app's fasto-navigate bridge listener).
	Push(ctx context.Context, target string) error
	// Hard performs a full page load.
	Hard(ctx context.Context, target string) error
}

// TabParam is the query parameter carrying a destination's subtab.
const TabParam = "tab"

// Outcome records how a navigation request was finally satisfied.
type Outcome string

const (
	OutcomeExternal      Outcome = "external"
	OutcomeAlreadyActive Outcome = "already-active"
	OutcomeRouted        Outcome = "routed"
	OutcomeTabActivated  Outcome = "tab-activated"
	OutcomeTabClicked    Outcome = "tab-clicked"
	OutcomeForced        Outcome = "forced"
	OutcomeHardReload    Outcome = "hard-reload"
	OutcomeFailed        Outcome = "failed"
)

// Navigator performs navigate, verify, retry and finally hard-reload.
type Navigator struct {
	router   Router
	act      *dom.Actuator
	sink     events.Sink
	settle   time.Duration
	tabWait  time.Duration
	tabParam string
}

// NavigatorOption configures a Navigator.
type NavigatorOption func(*Navigator)

func WithEvents(sink events.Sink) NavigatorOption {
	return func(n *Navigator) {
		if sink != nil {
			n.sink = sink
		}
	}
}

// WithSettleDelay sets the pause between a route push and pathname verification.
func WithSettleDelay(d time.Duration) NavigatorOption {
	return func(n *Navigator) { n.settle = d }
}

// WithTabWait sets how long a tab marker may take to report data-state="active".
func WithTabWait(d time.Duration) NavigatorOption {
	return func(n *Navigator) {
		if d > 0 {
			n.tabWait = d
		}
	}
}

// NewNavigator wires a router and the actuator used for tab verification.
func NewNavigator(router Router, act *dom.Actuator, opts ...NavigatorOption) *Navigator {
	n := &Navigator{
		router:   router,
		act:      act,
		sink:     events.Discard,
		settle:   300 * time.Millisecond,
		tabWait:  1500 * time.Millisecond,
		tabParam: TabParam,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Go navigates to a catalog entry.
func (n *Navigator) Go(ctx context.Context, e Entry) (Outcome, error) {
	return n.Perform(ctx, e.URL, e.Subtab)
}

// Perform navigates to target and, when tab is set (or encoded in target's
// query), keeps going until that tab's panel is active. Router failures are
// only returned when even the hard reload failed.
func (n *Navigator) Perform(ctx context.Context, target, tab string) (Outcome, error) {
	out, err := n.perform(ctx, target, tab)
	if err != nil {
		log.Printf("[nav] %s tab=%q failed: %v", target, tab, err)
	} else {
		log.Printf("[nav] %s tab=%q -> %s", target, tab, out)
	}
	n.sink.Publish(events.NavigationResult{URL: target, Tab: tab, Outcome: string(out)})
	return out, err
}

func (n *Navigator) perform(ctx context.Context, target, tab string) (Outcome, error) {
	dest, err := url.Parse(target)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("parse %q: %w", target, err)
	}

	if dest.IsAbs() && (dest.Scheme == "http" || dest.Scheme == "https") {
		if err := n.router.Hard(ctx, target); err != nil {
			return OutcomeFailed, err
		}
		return OutcomeExternal, nil
	}

	if tab == "" {
		tab = dest.Query().Get(n.tabParam)
	}
	withTab := n.withTab(dest, tab)

	cur, err := n.router.Location(ctx)
	if err != nil {
		return n.hard(ctx, withTab)
	}

	if samePath(cur.Path, dest.Path) {
		if tab == "" {
			if cur.RawQuery == dest.RawQuery {
				return OutcomeAlreadyActive, nil
			}
			if err := n.push(ctx, target, ""); err != nil {
				return n.hard(ctx, target)
			}
			return OutcomeRouted, nil
		}
		if n.tabActive(ctx, tab) {
			return OutcomeAlreadyActive, nil
		}
		if err := n.push(ctx, withTab, tab); err != nil {
			return n.hard(ctx, withTab)
		}
		return n.activateTab(ctx, withTab, tab)
	}

	if err := n.push(ctx, withTab, tab); err != nil {
		return n.hard(ctx, withTab)
	}
	if !sleep(ctx, n.settle) {
		return OutcomeFailed, ctx.Err()
	}
	loc, err := n.router.Location(ctx)
	if err != nil || !samePath(loc.Path, dest.Path) {
		return n.hard(ctx, withTab)
	}
	if tab == "" {
		return OutcomeRouted, nil
	}
	return n.activateTab(ctx, withTab, tab)
}

// activateTab runs after the route push: poll the marker, click the trigger
// (retrying once), force the URL, and finally reload.
func (n *Navigator) activateTab(ctx context.Context, withTab, tab string) (Outcome, error) {
	if n.waitActive(ctx, tab) {
		return OutcomeTabActivated, nil
	}
	for attempt := 0; attempt < 2; attempt++ {
		if n.clickTrigger(ctx, tab) && n.waitActive(ctx, tab) {
			return OutcomeTabClicked, nil
		}
		if ctx.Err() != nil {
			return OutcomeFailed, ctx.Err()
		}
	}
	if err := n.router.Push(ctx, withTab); err == nil && n.waitActive(ctx, tab) {
		return OutcomeForced, nil
	}
	return n.hard(ctx, withTab)
}

// push routes and fires the redundant tab signals.
func (n *Navigator) push(ctx context.Context, target, tab string) error {
	n.sink.Publish(events.Navigate{URL: target, Tab: tab})
	if err := n.router.Push(ctx, target); err != nil {
		return err
	}
	if tab != "" {
		n.sink.Publish(events.AssistantNavigate{Tab: tab})
		n.sink.Publish(events.TabChange{Tab: tab})
	}
	return nil
}

func (n *Navigator) hard(ctx context.Context, target string) (Outcome, error) {
	if err := n.router.Hard(ctx, target); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeHardReload, nil
}

// ActiveMarker selects a panel that is mounted and active. Presence alone is
// not enough: inactive tabs stay mounted.
func ActiveMarker(tab string) string {
	return fmt.Sprintf(`[%s="%s"][%s="active"]`, dom.AttrPage, tab, dom.AttrState)
}

func (n *Navigator) tabActive(ctx context.Context, tab string) bool {
	_, ok := n.act.Query(ctx, ActiveMarker(tab))
	return ok
}

func (n *Navigator) waitActive(ctx context.Context, tab string) bool {
	_, ok := n.act.WaitForElement(ctx, ActiveMarker(tab), n.tabWait)
	return ok
}

// triggerLocators are tried in order to find a tab's clickable control.
func triggerLocators(tab string) []string {
	return []string{
		fmt.Sprintf(`[%s="%s"]`, dom.AttrTab, tab),
		fmt.Sprintf(`[role="tab"][data-value="%s"]`, tab),
		fmt.Sprintf(`[role="tab"][value="%s"]`, tab),
		fmt.Sprintf(`[role="tab"][aria-controls="%s"]`, tab),
	}
}

func (n *Navigator) clickTrigger(ctx context.Context, tab string) bool {
	menu := n.act.Timeouts().Menu
	for _, loc := range triggerLocators(tab) {
		if n.act.ClickWithin(ctx, loc, menu) {
			return true
		}
	}
	return false
}

func (n *Navigator) withTab(dest *url.URL, tab string) string {
	u := *dest
	if tab != "" {
		q := u.Query()
		q.Set(n.tabParam, tab)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func samePath(a, b string) bool {
	norm := func(p string) string {
		p = strings.TrimSuffix(p, "/")
		if p == "" {
			return "/"
		}
		return p
	}
	return norm(a) == norm(b)
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
