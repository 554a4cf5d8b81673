package browser

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"time"

	"fasto-agent/internal/events"

	"github.com/go-rod/rod"
)

// hookJS queues fastoCommand events dispatched by the page (mic button, chat
// box) until the agent drains them. Events the agent dispatched itself carry
// fromAgent and are ignored.
const hookJS = `(function () {
	const w = window;
	if (w.__fastoHooked) return true;
	w.__fastoHooked = true;
	w.__fastoInbox = [];
	w.addEventListener('fastoCommand', function (ev) {
		try {
			const d = ev.detail;
			if (d && d.fromAgent) return;
			const cmd = typeof d === 'string' ? d : (d && (d.command || d.text)) || '';
			if (String(cmd).trim()) w.__fastoInbox.push({ command: String(cmd), ts: Date.now() });
		} catch (e) {}
	});
	return true;
})()`

const drainJS = `() => {
	const buf = Array.isArray(window.__fastoInbox) ? window.__fastoInbox : [];
	window.__fastoInbox = [];
	if (!window.__fastoHooked) { ` + hookJS + `; }
	return buf;
}`

// installHooks registers the inbox on every future document and the current one.
func installHooks(page *rod.Page) error {
	if _, err := page.EvalOnNewDocument(hookJS); err != nil {
		return err
	}
	_, err := page.Eval(`() => ` + hookJS)
	return err
}

type inboxEntry struct {
	Command string  `json:"command"`
	TS      float64 `json:"ts"`
}

// decodeInbox parses a drained inbox, dropping blank commands.
func decodeInbox(raw []byte) []string {
	var entries []inboxEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if c := strings.TrimSpace(e.Command); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// pollInbox drains the in-page inbox every interval and publishes each
// command to sink, in order.
func pollInbox(ctx context.Context, page *rod.Page, interval time.Duration, sink events.Sink, onCommand func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{JS: drainJS, ByValue: true, AwaitPromise: true})
			if err != nil || res == nil || res.Value.Nil() {
				continue
			}
			raw, err := res.Value.MarshalJSON()
			if err != nil {
				continue
			}
			for _, cmd := range decodeInbox(raw) {
				log.Printf("[inbox] command %q", cmd)
				sink.Publish(events.Command{Command: cmd})
				if onCommand != nil {
					onCommand()
				}
			}
		}
	}
}

// forwarded reports whether a hub event should be re-dispatched into the page.
// Commands came from the page, and route changes go through Router.Push.
func forwarded(k events.Kind) bool {
	switch k {
	case events.KindCommand, events.KindNavigate, events.KindNavigationResult:
		return false
	}
	return k != ""
}

const dispatchEventJS = `(type, detail) => {
	window.dispatchEvent(new CustomEvent(type, { detail: detail }));
	return true;
}`

// Emitter mirrors hub events into the primary page as CustomEvents so the
// application's listeners (speech, overlay, tab signals) receive them.
type Emitter struct {
	m *SessionManager
}

// NewEmitter creates an emitter over m's primary session.
func NewEmitter(m *SessionManager) *Emitter { return &Emitter{m: m} }

// Run forwards events until ctx ends.
func (e *Emitter) Run(ctx context.Context, hub *events.Hub) {
	ch, cancel := hub.Subscribe(256)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !forwarded(ev.Kind()) {
				continue
			}
			_, page, err := e.m.Primary()
			if err != nil {
				continue
			}
			if _, err := page.Context(ctx).Eval(dispatchEventJS, string(ev.Kind()), ev.Payload); err != nil && ctx.Err() == nil {
				log.Printf("[browser] dispatch %s: %v", ev.Kind(), err)
			}
		}
	}
}
