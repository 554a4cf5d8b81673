// Package browser owns the Chrome instance the agent drives and the pages of
// the back-office application it automates.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"fasto-agent/internal/config"
	"fasto-agent/internal/dom"
	"fasto-agent/internal/events"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
)

var (
	ErrNotConnected = errors.New("browser not connected")
	ErrNoSession    = errors.New("no application session")
)

// Session describes a tracked application page.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta   Session
	page   *rod.Page
	cancel context.CancelFunc
}

// SessionManager owns the Chrome connection and the application sessions.
// The most recently opened or attached session is the primary one the
// assistant drives.
type SessionManager struct {
	cfg  config.BrowserConfig
	sink events.Sink

	mu         sync.RWMutex
	browser    *rod.Browser
	sessions   map[string]*sessionRecord
	primary    string
	controlURL string
}

// NewSessionManager creates a manager that forwards in-page commands to sink.
func NewSessionManager(cfg config.BrowserConfig, sink events.Sink) *SessionManager {
	if sink == nil {
		sink = events.Discard
	}
	return &SessionManager{
		cfg:      cfg,
		sink:     sink,
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches one. A healthy existing
// connection is reused.
func (m *SessionManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		log.Printf("[browser] stale connection detected, reconnecting")
		_ = m.browser.Close()
		m.browser = nil
		m.controlURL = ""
		for id, rec := range m.sessions {
			if rec.cancel != nil {
				rec.cancel()
			}
			delete(m.sessions, id)
		}
		m.primary = ""
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" && len(m.cfg.Launch) > 0 {
		bin := m.cfg.Launch[0]
		l := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless())
		for _, f := range parseLaunchFlags(m.cfg.Launch[1:]) {
			l = l.Set(f.name, f.values...)
		}
		u, err := l.Launch()
		if err != nil {
			alt, altErr := launcher.New().Bin(bin).Headless(m.cfg.IsHeadless()).Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			u = alt
		}
		controlURL = u
	}
	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}
	m.browser = b
	m.controlURL = controlURL
	log.Printf("[browser] connected at %s", controlURL)
	return nil
}

type launchFlag struct {
	name   flags.Flag
	values []string
}

// parseLaunchFlags turns "--name=value" and "--name" into launcher flags.
func parseLaunchFlags(raw []string) []launchFlag {
	out := make([]launchFlag, 0, len(raw))
	for _, r := range raw {
		s := strings.TrimLeft(strings.TrimSpace(r), "-")
		if s == "" {
			continue
		}
		name, val, ok := strings.Cut(s, "=")
		f := launchFlag{name: flags.Flag(name)}
		if ok {
			f.values = []string{val}
		}
		out = append(out, f)
	}
	return out
}

// ControlURL returns the DevTools WebSocket URL.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected reports whether a browser is attached.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown stops inbox polling and closes the browser. Pages of an attached
// browser are left open for the operator.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	launched := m.cfg.DebuggerURL == ""
	for id, rec := range m.sessions {
		if rec.cancel != nil {
			rec.cancel()
		}
		if launched && rec.page != nil {
			_ = rec.page.Close()
		}
		delete(m.sessions, id)
	}
	m.primary = ""

	var err error
	if m.browser != nil {
		if launched {
			err = m.browser.Close()
		}
		m.browser = nil
	}
	m.controlURL = ""
	log.Printf("[browser] shutdown complete")
	return err
}

// List returns metadata for all sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, rec := range m.sessions {
		out = append(out, rec.meta)
	}
	return out
}

// Open loads url in a new page, installs the in-page hooks and makes the page
// the primary session. An empty url opens the configured application.
func (m *SessionManager) Open(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, ErrNotConnected
	}
	if url == "" {
		url = m.cfg.AppURL
	}

	page, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             m.cfg.GetViewportWidth(),
		Height:            m.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
	}).Call(page); err != nil {
		log.Printf("[browser] set viewport: %v", err)
	}
	if err := installHooks(page); err != nil {
		log.Printf("[browser] install hooks: %v", err)
	}
	if url != "" {
		if err := page.Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
			log.Printf("[browser] load %s: %v", url, err)
		} else {
			_ = page.Timeout(m.cfg.NavigationTimeout()).WaitLoad()
		}
	}

	return m.track(ctx, page, Session{TargetID: string(page.TargetID), URL: url, Status: "active"}), nil
}

// Attach binds to an existing tab, such as one the operator already has open.
func (m *SessionManager) Attach(ctx context.Context, targetID string) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, ErrNotConnected
	}

	page, err := b.PageFromTarget(proto.TargetTargetID(targetID))
	if err != nil {
		return nil, fmt.Errorf("attach to target %s: %w", targetID, err)
	}
	if err := installHooks(page); err != nil {
		log.Printf("[browser] install hooks: %v", err)
	}
	meta := Session{TargetID: targetID, Status: "attached"}
	if info, err := page.Info(); err == nil {
		meta.URL, meta.Title = info.URL, info.Title
	}
	return m.track(ctx, page, meta), nil
}

// AttachApp attaches to the first open tab showing the configured
// application, or opens a new one.
func (m *SessionManager) AttachApp(ctx context.Context) (*Session, error) {
	m.mu.RLock()
	b := m.browser
	m.mu.RUnlock()
	if b == nil {
		return nil, ErrNotConnected
	}
	if m.cfg.AppURL != "" {
		if pages, err := b.Pages(); err == nil {
			for _, p := range pages {
				info, err := p.Info()
				if err == nil && strings.HasPrefix(info.URL, m.cfg.AppURL) {
					return m.Attach(ctx, string(p.TargetID))
				}
			}
		}
	}
	return m.Open(ctx, "")
}

func (m *SessionManager) track(ctx context.Context, page *rod.Page, meta Session) *Session {
	now := time.Now()
	meta.ID = uuid.NewString()
	meta.CreatedAt, meta.LastActive = now, now

	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.sessions[meta.ID] = &sessionRecord{meta: meta, page: page, cancel: cancel}
	m.primary = meta.ID
	m.mu.Unlock()

	go pollInbox(pollCtx, page, m.cfg.InboxPollInterval(), m.sink, func() { m.touch(meta.ID) })
	log.Printf("[browser] session %s tracking %s", meta.ID, meta.URL)
	return &meta
}

func (m *SessionManager) touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.sessions[id]; ok {
		rec.meta.LastActive = time.Now()
	}
}

// Close stops tracking a session and closes its page.
func (m *SessionManager) Close(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		if m.primary == sessionID {
			m.primary = ""
		}
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoSession, sessionID)
	}
	if rec.cancel != nil {
		rec.cancel()
	}
	if rec.page != nil {
		return rec.page.Close()
	}
	return nil
}

// Page returns a session's page.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// Primary returns the session the assistant drives.
func (m *SessionManager) Primary() (Session, *rod.Page, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[m.primary]
	if !ok || rec.page == nil {
		return Session{}, nil, ErrNoSession
	}
	return rec.meta, rec.page, nil
}

// GetSession returns a session's metadata.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// Document returns a DOM view of the primary session that always follows the
// current primary page.
func (m *SessionManager) Document() dom.Document {
	return primaryDocument{m}
}

type primaryDocument struct{ m *SessionManager }

func (d primaryDocument) QueryAll(ctx context.Context, selector string) ([]dom.Node, error) {
	_, page, err := d.m.Primary()
	if err != nil {
		return nil, err
	}
	return dom.NewRodDocument(page).QueryAll(ctx, selector)
}
