package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures all tunable settings for the PilotNERD agent.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sync     SyncConfig     `yaml:"sync"`
	Browser  BrowserConfig  `yaml:"browser"`
	Breaker  BreakerConfig  `yaml:"breaker"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Facts    FactsConfig    `yaml:"facts"`
	MCP      MCPConfig      `yaml:"mcp"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// SyncConfig configures the polling channel to the local dev-console server.
type SyncConfig struct {
	// Base URL of the control server (e.g., http://127.0.0.1:4100).
	ServerURL string `yaml:"server_url"`
	// Default poll interval when the server does not dictate one (e.g., "1s").
	PollInterval string `yaml:"poll_interval"`
	// Batcher debounce window before a flush (e.g., "250ms").
	FlushDebounce string `yaml:"flush_debounce"`
	// Batcher size threshold that forces an immediate flush.
	FlushThreshold int `yaml:"flush_threshold"`
	// HTTP timeout for a single sync round trip (e.g., "10s").
	RequestTimeout string `yaml:"request_timeout"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode.
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the agent launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Per-frame probe timeout during target resolution (e.g., "2s").
	FrameProbeTimeout string `yaml:"frame_probe_timeout"`
}

// BreakerConfig configures the circuit breaker guarding the sync channel.
// The zero value of any field falls back to the documented default.
type BreakerConfig struct {
	// Consecutive failures before the circuit opens (default: 5).
	MaxFailures int `yaml:"max_failures"`
	// Cooldown before an open circuit allows a half-open probe (e.g., "30s").
	ResetTimeout string `yaml:"reset_timeout"`
	// First non-zero backoff step (e.g., "1s").
	InitialBackoff string `yaml:"initial_backoff"`
	// Backoff ceiling (e.g., "30s").
	MaxBackoff string `yaml:"max_backoff"`
}

// DispatchConfig controls command lifecycle timing.
type DispatchConfig struct {
	// Terminal timeout for dom_action commands (e.g., "60s").
	ActionTimeout string `yaml:"action_timeout"`
	// Terminal timeout for navigate commands (e.g., "60s").
	NavigateTimeout string `yaml:"navigate_timeout"`
	// Interval between conditional-wait re-checks (e.g., "80ms").
	WaitPollInterval string `yaml:"wait_poll_interval"`
	// Optional directory for the dispatch flight recorder (empty disables it).
	TraceDir string `yaml:"trace_dir"`
}

// FactsConfig controls the embedded deductive telemetry engine.
type FactsConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

type MCPConfig struct {
	// Enable the local diagnostics MCP server.
	Enable bool `yaml:"enable"`
	// When set, hosts the diagnostics server over SSE on this port instead of stdio.
	SSEPort int `yaml:"sse_port"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "pilotnerd-agent",
			Version: "0.0.3",
			LogFile: "pilotnerd-agent.log",
		},
		Sync: SyncConfig{
			ServerURL:      "http://127.0.0.1:4100",
			PollInterval:   "1s",
			FlushDebounce:  "250ms",
			FlushThreshold: 20,
			RequestTimeout: "10s",
		},
		Browser: BrowserConfig{
			AutoStart:            true,
			DefaultAttachTimeout: "10s",
			FrameProbeTimeout:    "2s",
		},
		Breaker: BreakerConfig{
			MaxFailures:    5,
			ResetTimeout:   "30s",
			InitialBackoff: "1s",
			MaxBackoff:     "30s",
		},
		Dispatch: DispatchConfig{
			ActionTimeout:    "60s",
			NavigateTimeout:  "60s",
			WaitPollInterval: "80ms",
			TraceDir:         "data/traces",
		},
		Facts: FactsConfig{
			Enable:          true,
			SchemaPath:      "schemas/dispatch.mg",
			FactBufferLimit: 2048,
		},
		MCP: MCPConfig{
			Enable:  false,
			SSEPort: 0,
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

// Validate ensures required fields exist so the agent can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Sync.ServerURL == "" {
		return errors.New("sync.server_url is required")
	}
	if _, err := url.Parse(c.Sync.ServerURL); err != nil {
		return fmt.Errorf("sync.server_url is not a valid URL: %w", err)
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Sync.FlushThreshold < 0 {
		return errors.New("sync.flush_threshold must not be negative")
	}
	if c.Breaker.MaxFailures < 0 {
		return errors.New("breaker.max_failures must not be negative")
	}
	return nil
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// GetPollInterval returns the parsed default poll interval with a sane default.
func (s SyncConfig) GetPollInterval() time.Duration {
	return parseDurationOr(s.PollInterval, time.Second)
}

// GetFlushDebounce returns the parsed batcher debounce window.
func (s SyncConfig) GetFlushDebounce() time.Duration {
	return parseDurationOr(s.FlushDebounce, 250*time.Millisecond)
}

// GetFlushThreshold returns the batch size that forces a flush.
func (s SyncConfig) GetFlushThreshold() int {
	if s.FlushThreshold <= 0 {
		return 20
	}
	return s.FlushThreshold
}

// GetRequestTimeout returns the per-request HTTP timeout.
func (s SyncConfig) GetRequestTimeout() time.Duration {
	return parseDurationOr(s.RequestTimeout, 10*time.Second)
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	return parseDurationOr(b.DefaultAttachTimeout, 10*time.Second)
}

// ProbeTimeout returns the per-frame probe timeout.
func (b BrowserConfig) ProbeTimeout() time.Duration {
	return parseDurationOr(b.FrameProbeTimeout, 2*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetMaxFailures returns the consecutive-failure threshold.
func (b BreakerConfig) GetMaxFailures() int {
	if b.MaxFailures <= 0 {
		return 5
	}
	return b.MaxFailures
}

// GetResetTimeout returns the open-state cooldown.
func (b BreakerConfig) GetResetTimeout() time.Duration {
	return parseDurationOr(b.ResetTimeout, 30*time.Second)
}

// GetInitialBackoff returns the first backoff step.
func (b BreakerConfig) GetInitialBackoff() time.Duration {
	return parseDurationOr(b.InitialBackoff, time.Second)
}

// GetMaxBackoff returns the backoff ceiling.
func (b BreakerConfig) GetMaxBackoff() time.Duration {
	return parseDurationOr(b.MaxBackoff, 30*time.Second)
}

// GetActionTimeout returns the dom_action terminal timeout.
func (d DispatchConfig) GetActionTimeout() time.Duration {
	return parseDurationOr(d.ActionTimeout, 60*time.Second)
}

// GetNavigateTimeout returns the navigate terminal timeout.
func (d DispatchConfig) GetNavigateTimeout() time.Duration {
	return parseDurationOr(d.NavigateTimeout, 60*time.Second)
}

// GetWaitPollInterval returns the conditional-wait polling cadence.
func (d DispatchConfig) GetWaitPollInterval() time.Duration {
	return parseDurationOr(d.WaitPollInterval, 80*time.Millisecond)
}
