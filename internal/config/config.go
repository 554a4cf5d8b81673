package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level Fasto config.
	WorkspaceDirName = ".fasto"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the Fasto automation agent.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Browser      BrowserConfig      `yaml:"browser"`
	MCP          MCPConfig          `yaml:"mcp"`
	Bridge       BridgeConfig       `yaml:"bridge"`
	Assistant    AssistantConfig    `yaml:"assistant"`
	ContextStore ContextStoreConfig `yaml:"context_store"`
	Backend      BackendConfig      `yaml:"backend"`
	Workflows    WorkflowsConfig    `yaml:"workflows"`
	Mangle       MangleConfig       `yaml:"mangle"`
	Recorder     RecorderConfig     `yaml:"recorder"`
	Metrics      MetricsConfig      `yaml:"metrics"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the agent launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: false, operators watch the UI).
	Headless *bool `yaml:"headless"`
	// AppURL is the back-office application the assistant drives.
	AppURL string `yaml:"app_url"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// InboxPollMs controls how often in-page fastoCommand events are drained.
	InboxPollMs int `yaml:"inbox_poll_ms"`
	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
	// Disable skips the MCP surface entirely.
	Disable bool `yaml:"disable"`
}

// BridgeConfig configures the HTTP/WebSocket bridge used by the overlay UI.
type BridgeConfig struct {
	Enable         bool     `yaml:"enable"`
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// AssistantConfig holds the timing knobs of the automation layer.
type AssistantConfig struct {
	// IANA timezone used to interpret "tomorrow", "7am" and friends. Empty means local.
	Timezone string `yaml:"timezone"`
	// Highlight duration applied before clicks and fills (e.g., "400ms").
	Highlight string `yaml:"highlight"`
	// Timeout for elements expected on an already-rendered page.
	ElementTimeout string `yaml:"element_timeout"`
	// Timeout for menus and popovers that are already open.
	MenuTimeout string `yaml:"menu_timeout"`
	// Timeout for dialogs to mount after a click.
	DialogTimeout string `yaml:"dialog_timeout"`
	// Settle delay after an SPA route change before verifying the pathname.
	NavigationSettle string `yaml:"navigation_settle"`
	// How long to wait for a tab marker to report data-state="active".
	TabActivationTimeout string `yaml:"tab_activation_timeout"`
	// Speech pacing used to estimate how long a spoken prompt takes.
	SpeechMsPerChar int `yaml:"speech_ms_per_char"`
	// Catalog is an optional YAML file extending (or replacing) the navigation catalog.
	Catalog string `yaml:"catalog"`
}

// ContextStoreConfig selects where last-touched entity ids live.
type ContextStoreConfig struct {
	// Driver is "memory" (default) or "redis".
	Driver        string `yaml:"driver"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// SessionID scopes keys; one browser tab is one session.
	SessionID string `yaml:"session_id"`
}

// BackendConfig configures the direct-mutation fallback backend.
type BackendConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// WorkflowsConfig points at externally defined workflow scripts.
type WorkflowsConfig struct {
	Dir string `yaml:"dir"`
}

// MangleConfig controls the embedded deductive engine for automation facts.
type MangleConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
	// Rules are extra Mangle clauses added on top of the schema.
	Rules []string `yaml:"rules"`
}

// RecorderConfig controls the JSONL flight recorder.
type RecorderConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// MetricsConfig controls the Prometheus endpoint served by the bridge.
type MetricsConfig struct {
	Enable bool `yaml:"enable"`
	// Runtime adds Go runtime and process collectors.
	Runtime bool `yaml:"runtime"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "fasto-agent",
			Version: "0.3.0",
			LogFile: "fasto-agent.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			AppURL:                   "http://localhost:5173",
			DefaultNavigationTimeout: "15s",
			InboxPollMs:              500,
			ViewportWidth:            1440,
			ViewportHeight:           900,
		},
		Bridge: BridgeConfig{
			Enable: true,
			Port:   8787,
		},
		Assistant: AssistantConfig{
			Highlight:            "400ms",
			ElementTimeout:       "3s",
			MenuTimeout:          "500ms",
			DialogTimeout:        "2s",
			NavigationSettle:     "300ms",
			TabActivationTimeout: "1500ms",
			SpeechMsPerChar:      55,
		},
		ContextStore: ContextStoreConfig{
			Driver:    "memory",
			RedisAddr: "localhost:6379",
			SessionID: "default",
		},
		Backend: BackendConfig{
			Driver: "sqlite",
			DSN:    "fasto.db",
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		Recorder: RecorderConfig{
			Enable: true,
			Dir:    "data/traces",
		},
		Metrics: MetricsConfig{
			Enable:  true,
			Runtime: true,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .fasto/config.yaml file.
// Returns the workspace root directory (parent of .fasto/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .fasto/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .fasto/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	for _, d := range []string{wsDir, filepath.Join(wsDir, "workflows"), filepath.Join(wsDir, "data")} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# Fasto project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# browser:
#   app_url: "http://localhost:5173"
#   headless: false

# context_store:
#   driver: redis
#   redis_addr: "localhost:6379"

# workflows:
#   dir: ".fasto/workflows"

# backend:
#   dsn: ".fasto/data/fasto.db"
`
	if err := os.WriteFile(filepath.Join(wsDir, WorkspaceConfigFile), []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignore := "# Runtime data (traces, sqlite) - do not version control\ndata/\n"
	if err := os.WriteFile(filepath.Join(wsDir, ".gitignore"), []byte(gitignore), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Backend.DSN = resolve(cfg.Backend.DSN)
	cfg.Workflows.Dir = resolve(cfg.Workflows.Dir)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Recorder.Dir = resolve(cfg.Recorder.Dir)
	cfg.Assistant.Catalog = resolve(cfg.Assistant.Catalog)
	return cfg
}

// Validate ensures required fields exist so the agent can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	switch c.ContextStore.Driver {
	case "", "memory":
	case "redis":
		if c.ContextStore.RedisAddr == "" {
			return errors.New("context_store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown context_store.driver %q", c.ContextStore.Driver)
	}
	if c.Backend.Driver != "" && c.Backend.Driver != "sqlite" {
		return fmt.Errorf("unknown backend.driver %q", c.Backend.Driver)
	}
	if c.Bridge.Enable && (c.Bridge.Port <= 0 || c.Bridge.Port > 65535) {
		return fmt.Errorf("bridge.port %d is out of range", c.Bridge.Port)
	}
	if c.Assistant.Timezone != "" {
		if _, err := time.LoadLocation(c.Assistant.Timezone); err != nil {
			return fmt.Errorf("assistant.timezone: %w", err)
		}
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 15*time.Second)
}

// InboxPollInterval returns how often the in-page inbox is drained.
func (b BrowserConfig) InboxPollInterval() time.Duration {
	if b.InboxPollMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(b.InboxPollMs) * time.Millisecond
}

// IsHeadless returns whether Chrome should run in headless mode (default: false).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return false
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1440
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 900
	}
	return b.ViewportHeight
}

func (a AssistantConfig) HighlightDuration() time.Duration {
	return parseDuration(a.Highlight, 400*time.Millisecond)
}

func (a AssistantConfig) ElementWait() time.Duration {
	return parseDuration(a.ElementTimeout, 3*time.Second)
}

func (a AssistantConfig) MenuWait() time.Duration {
	return parseDuration(a.MenuTimeout, 500*time.Millisecond)
}

func (a AssistantConfig) DialogWait() time.Duration {
	return parseDuration(a.DialogTimeout, 2*time.Second)
}

func (a AssistantConfig) SettleDelay() time.Duration {
	return parseDuration(a.NavigationSettle, 300*time.Millisecond)
}

func (a AssistantConfig) TabActivationWait() time.Duration {
	return parseDuration(a.TabActivationTimeout, 1500*time.Millisecond)
}

// Location returns the configured timezone, or time.Local.
func (a AssistantConfig) Location() *time.Location {
	if a.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(a.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// SpeechPace returns the per-character speaking estimate.
func (a AssistantConfig) SpeechPace() time.Duration {
	if a.SpeechMsPerChar <= 0 {
		return 55 * time.Millisecond
	}
	return time.Duration(a.SpeechMsPerChar) * time.Millisecond
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
