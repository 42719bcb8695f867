package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	// Server defaults
	if cfg.Server.Name != "pilotnerd-agent" {
		t.Errorf("expected server name 'pilotnerd-agent', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogFile != "pilotnerd-agent.log" {
		t.Errorf("expected log file 'pilotnerd-agent.log', got %q", cfg.Server.LogFile)
	}

	// Sync defaults
	if cfg.Sync.ServerURL != "http://127.0.0.1:4100" {
		t.Errorf("expected default server URL, got %q", cfg.Sync.ServerURL)
	}
	if cfg.Sync.GetPollInterval() != time.Second {
		t.Errorf("expected poll interval 1s, got %v", cfg.Sync.GetPollInterval())
	}
	if cfg.Sync.GetFlushDebounce() != 250*time.Millisecond {
		t.Errorf("expected flush debounce 250ms, got %v", cfg.Sync.GetFlushDebounce())
	}
	if cfg.Sync.GetFlushThreshold() != 20 {
		t.Errorf("expected flush threshold 20, got %d", cfg.Sync.GetFlushThreshold())
	}

	// Breaker defaults
	if cfg.Breaker.GetMaxFailures() != 5 {
		t.Errorf("expected max failures 5, got %d", cfg.Breaker.GetMaxFailures())
	}
	if cfg.Breaker.GetResetTimeout() != 30*time.Second {
		t.Errorf("expected reset timeout 30s, got %v", cfg.Breaker.GetResetTimeout())
	}
	if cfg.Breaker.GetInitialBackoff() != time.Second {
		t.Errorf("expected initial backoff 1s, got %v", cfg.Breaker.GetInitialBackoff())
	}
	if cfg.Breaker.GetMaxBackoff() != 30*time.Second {
		t.Errorf("expected max backoff 30s, got %v", cfg.Breaker.GetMaxBackoff())
	}

	// Dispatch defaults
	if cfg.Dispatch.GetActionTimeout() != 60*time.Second {
		t.Errorf("expected action timeout 60s, got %v", cfg.Dispatch.GetActionTimeout())
	}
	if cfg.Dispatch.GetNavigateTimeout() != 60*time.Second {
		t.Errorf("expected navigate timeout 60s, got %v", cfg.Dispatch.GetNavigateTimeout())
	}
	if cfg.Dispatch.GetWaitPollInterval() != 80*time.Millisecond {
		t.Errorf("expected wait poll interval 80ms, got %v", cfg.Dispatch.GetWaitPollInterval())
	}

	// Facts defaults
	if !cfg.Facts.Enable {
		t.Error("expected Facts.Enable to be true")
	}
	if cfg.Facts.FactBufferLimit != 2048 {
		t.Errorf("expected fact buffer limit 2048, got %d", cfg.Facts.FactBufferLimit)
	}

	// MCP defaults
	if cfg.MCP.Enable {
		t.Error("expected MCP.Enable to be false")
	}
}

func TestLoadMissingPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty config path")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
server:
  name: custom-agent
sync:
  server_url: http://localhost:9999
  poll_interval: 2s
browser:
  auto_start: false
breaker:
  max_failures: 3
  reset_timeout: 10s
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Name != "custom-agent" {
		t.Errorf("expected overridden name, got %q", cfg.Server.Name)
	}
	if cfg.Sync.ServerURL != "http://localhost:9999" {
		t.Errorf("expected overridden server URL, got %q", cfg.Sync.ServerURL)
	}
	if cfg.Sync.GetPollInterval() != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %v", cfg.Sync.GetPollInterval())
	}
	if cfg.Breaker.GetMaxFailures() != 3 {
		t.Errorf("expected max failures 3, got %d", cfg.Breaker.GetMaxFailures())
	}
	if cfg.Breaker.GetResetTimeout() != 10*time.Second {
		t.Errorf("expected reset timeout 10s, got %v", cfg.Breaker.GetResetTimeout())
	}
	// Untouched sections keep defaults
	if cfg.Sync.GetFlushThreshold() != 20 {
		t.Errorf("expected default flush threshold, got %d", cfg.Sync.GetFlushThreshold())
	}
	if cfg.Dispatch.GetActionTimeout() != 60*time.Second {
		t.Errorf("expected default action timeout, got %v", cfg.Dispatch.GetActionTimeout())
	}
}

func TestValidate(t *testing.T) {
	t.Run("missing server name", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Name = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for missing server name")
		}
	})

	t.Run("missing sync URL", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Sync.ServerURL = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for missing sync URL")
		}
	})

	t.Run("auto start without browser endpoint", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Browser.AutoStart = true
		cfg.Browser.DebuggerURL = ""
		cfg.Browser.Launch = nil
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for auto start without endpoint")
		}
	})

	t.Run("debugger URL satisfies auto start", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Browser.DebuggerURL = "ws://localhost:9222"
		if err := cfg.Validate(); err != nil {
			t.Errorf("unexpected validation error: %v", err)
		}
	})

	t.Run("negative flush threshold", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Browser.DebuggerURL = "ws://localhost:9222"
		cfg.Sync.FlushThreshold = -1
		if err := cfg.Validate(); err == nil {
			t.Error("expected validation error for negative flush threshold")
		}
	})
}

func TestDurationFallbacks(t *testing.T) {
	s := SyncConfig{PollInterval: "garbage", FlushDebounce: ""}
	if s.GetPollInterval() != time.Second {
		t.Errorf("expected fallback poll interval, got %v", s.GetPollInterval())
	}
	if s.GetFlushDebounce() != 250*time.Millisecond {
		t.Errorf("expected fallback debounce, got %v", s.GetFlushDebounce())
	}

	b := BreakerConfig{ResetTimeout: "not-a-duration"}
	if b.GetResetTimeout() != 30*time.Second {
		t.Errorf("expected fallback reset timeout, got %v", b.GetResetTimeout())
	}
}
