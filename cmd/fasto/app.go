package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fasto-agent/internal/assistant"
	"fasto-agent/internal/backend"
	"fasto-agent/internal/bridge"
	"fasto-agent/internal/browser"
	"fasto-agent/internal/bus"
	"fasto-agent/internal/config"
	"fasto-agent/internal/contextstore"
	"fasto-agent/internal/dom"
	"fasto-agent/internal/events"
	"fasto-agent/internal/handlers"
	"fasto-agent/internal/mangle"
	mcpserver "fasto-agent/internal/mcp"
	"fasto-agent/internal/metrics"
	"fasto-agent/internal/navigation"
	"fasto-agent/internal/queue"
	"fasto-agent/internal/recorder"
	"fasto-agent/internal/workflow"
)

const (
	shutdownTimeout = 5 * time.Second
	minSpeech       = 600 * time.Millisecond
)

// app holds every long-lived component of a serve process.
type app struct {
	cfg config.Config

	hub       *events.Hub
	queue     *queue.Queue
	sessions  *browser.SessionManager
	navigator *navigation.Navigator
	assistant *assistant.Assistant
	engine    *mangle.Engine
	metrics   *metrics.Metrics
	recorder  *recorder.Recorder

	closers []func() error
}

// newApp wires the components without touching the browser.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	a := &app{cfg: cfg, hub: events.NewHub()}

	engine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return nil, fmt.Errorf("initialize mangle engine: %w", err)
	}
	a.engine = engine

	var queueOpts []queue.Option
	if cfg.Metrics.Enable {
		a.metrics = metrics.New(cfg.Metrics.Runtime)
		queueOpts = append(queueOpts, queue.WithObserver(a.metrics.ObserveCommand))
	}
	a.queue = queue.New(ctx, queueOpts...)
	if a.metrics != nil {
		a.metrics.TrackQueue(a.queue.Pending)
	}

	if cfg.Recorder.Enable {
		rec, err := recorder.NewRecorder(cfg.Recorder.Dir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("initialize recorder: %w", err)
		}
		a.recorder = rec
		a.closers = append(a.closers, rec.Close)
	}

	a.sessions = browser.NewSessionManager(cfg.Browser, a.hub)
	act := dom.NewActuator(a.sessions.Document(),
		dom.WithEvents(a.hub),
		dom.WithHighlight(cfg.Assistant.HighlightDuration()),
		dom.WithTimeouts(dom.Timeouts{
			Element: cfg.Assistant.ElementWait(),
			Menu:    cfg.Assistant.MenuWait(),
			Dialog:  cfg.Assistant.DialogWait(),
			Settle:  dom.DefaultTimeouts().Settle,
		}),
	)
	router := browser.NewRouter(browser.PrimaryPage(a.sessions), cfg.Browser.AppURL, cfg.Browser.NavigationTimeout())
	a.navigator = navigation.NewNavigator(router, act,
		navigation.WithEvents(a.hub),
		navigation.WithSettleDelay(cfg.Assistant.SettleDelay()),
		navigation.WithTabWait(cfg.Assistant.TabActivationWait()),
	)

	catalog, err := loadCatalog(cfg.Assistant)
	if err != nil {
		a.Close()
		return nil, err
	}

	store, err := openStore(ctx, cfg.ContextStore)
	if err != nil {
		a.Close()
		return nil, err
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	memory := contextstore.New(store)

	be, err := openBackend(cfg.Backend)
	if err != nil {
		a.Close()
		return nil, err
	}
	if be != nil {
		a.closers = append(a.closers, be.Close)
	}

	b := bus.New(a.hub)
	handlers.RegisterAll(b, handlers.Deps{
		Actuator:  act,
		Navigator: a.navigator,
		Backend:   be,
		Context:   memory,
		Events:    a.hub,
	})

	registry, err := loadWorkflows(cfg.Workflows)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.assistant = assistant.New(assistant.Deps{
		Queue:     a.queue,
		Workflows: registry,
		Resolver:  navigation.NewResolver(catalog),
		Navigator: a.navigator,
		Bus:       b,
		Context:   memory,
		Events:    a.hub,
		RunnerOptions: []workflow.Option{
			workflow.WithActuator(act),
			workflow.WithNavigator(a.navigator),
			workflow.WithLocation(cfg.Assistant.Location()),
			workflow.WithSpeechPacing(cfg.Assistant.SpeechPace(), minSpeech),
		},
	})
	return a, nil
}

func loadCatalog(cfg config.AssistantConfig) ([]navigation.Entry, error) {
	if cfg.Catalog == "" {
		return navigation.DefaultCatalog(), nil
	}
	entries, err := navigation.LoadCatalog(cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("load navigation catalog: %w", err)
	}
	log.Printf("[fasto] navigation catalog: %d entries from %s", len(entries), cfg.Catalog)
	return entries, nil
}

func loadWorkflows(cfg config.WorkflowsConfig) (*workflow.Registry, error) {
	registry, err := workflow.NewRegistry(workflow.Builtin()...)
	if err != nil {
		return nil, fmt.Errorf("register builtin workflows: %w", err)
	}
	n, err := registry.LoadDir(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("load workflows: %w", err)
	}
	if n > 0 {
		log.Printf("[fasto] loaded %d workflow(s) from %s", n, cfg.Dir)
	}
	return registry, nil
}

func openStore(ctx context.Context, cfg config.ContextStoreConfig) (contextstore.Store, error) {
	switch cfg.Driver {
	case "redis":
		r, err := contextstore.NewRedis(ctx, contextstore.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			SessionID: cfg.SessionID,
		})
		if err != nil {
			return nil, fmt.Errorf("connect context store: %w", err)
		}
		log.Printf("[fasto] context store: redis %s (session %s)", cfg.RedisAddr, cfg.SessionID)
		return r, nil
	default:
		return contextstore.NewMemory(), nil
	}
}

func openBackend(cfg config.BackendConfig) (backend.Backend, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		log.Printf("[fasto] no backend configured; UI-only actions")
		return nil, nil
	}
	if dir := filepath.Dir(cfg.DSN); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create backend directory: %w", err)
		}
	}
	db, err := backend.OpenSQLite(cfg.DSN)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// run starts the hub consumers, the browser and the bridge. It returns once
// they are running; ctx ends them.
func (a *app) run(ctx context.Context, wg *sync.WaitGroup) error {
	consumers := []func(context.Context, *events.Hub){
		a.engine.Run,
		a.assistant.Listen,
		browser.NewEmitter(a.sessions).Run,
	}
	if a.metrics != nil {
		consumers = append(consumers, a.metrics.Run)
	}
	if a.recorder != nil {
		if err := a.recorder.Start(a.cfg.ContextStore.SessionID); err != nil {
			return fmt.Errorf("start recorder: %w", err)
		}
		consumers = append(consumers, a.recorder.Run)
	}
	for _, run := range consumers {
		wg.Add(1)
		go func(run func(context.Context, *events.Hub)) {
			defer wg.Done()
			run(ctx, a.hub)
		}(run)
	}
	if a.metrics != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.engine.Watch(ctx, mangle.DiagnosisPredicates, func(ev mangle.WatchEvent) {
				a.metrics.SetDiagnosis(ev.Predicate, len(ev.Facts))
			})
		}()
	}

	if a.cfg.Browser.AutoStart {
		if err := a.sessions.Start(ctx); err != nil {
			return fmt.Errorf("initialize browser: %w", err)
		}
		if _, err := a.sessions.AttachApp(ctx); err != nil {
			log.Printf("[fasto] no open app tab (%v); opening %s", err, a.cfg.Browser.AppURL)
			if _, err := a.sessions.Open(ctx, ""); err != nil {
				return fmt.Errorf("open app: %w", err)
			}
		}
	} else {
		log.Printf("[fasto] browser auto-start disabled; use fasto-sessions to launch/attach later")
	}

	if a.cfg.Bridge.Enable {
		srv := bridge.NewServer(a.cfg.Bridge, a.assistant, a.hub, a.metricsHandler())
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				log.Printf("[bridge] stopped: %v", err)
			}
		}()
	}
	return nil
}

func (a *app) metricsHandler() http.Handler {
	if a.metrics == nil {
		return nil
	}
	return a.metrics.Handler()
}

func (a *app) mcpServer() (*mcpserver.Server, error) {
	return mcpserver.NewServer(a.cfg, mcpserver.Deps{
		Assistant: a.assistant,
		Navigator: a.navigator,
		Engine:    a.engine,
		Sessions:  a.sessions,
	})
}

// Close releases everything in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	if a.assistant != nil {
		a.assistant.Runner().Close()
	}
	if a.queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		cancel()
	}
	if a.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := a.sessions.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown browser: %w", err))
		}
		cancel()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
