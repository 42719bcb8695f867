package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pilotnerd-agent/internal/breaker"
	"pilotnerd-agent/internal/browser"
	"pilotnerd-agent/internal/config"
	"pilotnerd-agent/internal/correlation"
	"pilotnerd-agent/internal/dispatch"
	"pilotnerd-agent/internal/executor"
	"pilotnerd-agent/internal/facts"
	"pilotnerd-agent/internal/frames"
	mcpserver "pilotnerd-agent/internal/mcp"
	"pilotnerd-agent/internal/recorder"
	"pilotnerd-agent/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the PilotNERD agent config file")
	serverURL := flag.String("server-url", "", "Override the control server URL from config")
	ssePort := flag.Int("sse-port", 0, "Optional MCP SSE port override (implies MCP enabled)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *serverURL != "" {
		cfg.Sync.ServerURL = *serverURL
	}
	if *ssePort != 0 {
		cfg.MCP.Enable = true
		cfg.MCP.SSEPort = *ssePort
	}

	// The MCP stdio transport owns stdout, so logs go to a file when one is
	// configured and are dropped otherwise.
	if cfg.MCP.Enable && cfg.MCP.SSEPort == 0 {
		if cfg.Server.LogFile != "" {
			logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				log.SetOutput(logFile)
				defer logFile.Close()
			} else {
				log.SetOutput(io.Discard)
			}
		} else {
			log.SetOutput(io.Discard)
		}
	}

	sessionID := correlation.NewID("session")

	engine, err := facts.NewEngine(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize fact engine: %v", err)
	}

	rec, err := recorder.New(cfg.Dispatch.TraceDir)
	if err != nil {
		log.Fatalf("failed to initialize flight recorder: %v", err)
	}
	if err := rec.Start(sessionID); err != nil {
		log.Printf("[agent] flight recorder disabled: %v", err)
	}
	defer rec.Close()

	bridge := browser.NewBridge(cfg.Browser)
	if cfg.Browser.AutoStart {
		if err := bridge.Start(ctx); err != nil {
			log.Fatalf("failed to attach to browser: %v", err)
		}
		defer bridge.Shutdown(context.Background())
	} else {
		log.Printf("[agent] browser auto-start disabled; commands will fail until Chrome is reachable")
	}

	brk := breaker.New(breaker.Config{
		MaxFailures:    cfg.Breaker.GetMaxFailures(),
		ResetTimeout:   cfg.Breaker.GetResetTimeout(),
		InitialBackoff: cfg.Breaker.GetInitialBackoff(),
		MaxBackoff:     cfg.Breaker.GetMaxBackoff(),
	})
	client := transport.NewClient(transport.Config{
		ServerURL:      cfg.Sync.ServerURL,
		SessionID:      sessionID,
		Version:        cfg.Server.Version,
		RequestTimeout: cfg.Sync.GetRequestTimeout(),
		PollInterval:   cfg.Sync.GetPollInterval(),
		FlushDebounce:  cfg.Sync.GetFlushDebounce(),
		FlushThreshold: cfg.Sync.GetFlushThreshold(),
	}, brk)
	brk.OnTransition(func(from, to breaker.State) {
		log.Printf("[breaker] %s -> %s", from, to)
		engine.Add("breaker_transition", from.String(), to.String())
		rec.Record("breaker_transition", map[string]interface{}{
			"from": from.String(), "to": to.String(),
		})
		client.QueueLog(transport.AgentLog{
			Level:    "warn",
			Source:   "breaker",
			Category: "sync",
			Message:  "circuit " + from.String() + " -> " + to.String(),
		})
	})
	announceSettings(ctx, client, bridge)

	registry := correlation.NewRegistry()
	dispatcher := dispatch.New(dispatch.Config{
		ActionTimeout:   cfg.Dispatch.GetActionTimeout(),
		NavigateTimeout: cfg.Dispatch.GetNavigateTimeout(),
	}, dispatch.Deps{
		Registry: registry,
		Resolver: frames.NewResolver(bridge),
		Executor: executor.New(bridge, bridge, executor.Config{
			WaitPollInterval: cfg.Dispatch.GetWaitPollInterval(),
		}),
		Navigator: bridge,
		Sink:      client,
		Notifier:  bridge,
		Observer:  lifecycleObserver(rec, engine),
	})

	if cfg.MCP.Enable {
		diag, err := mcpserver.NewServer(cfg, mcpserver.Deps{
			Bridge:    bridge,
			Breaker:   brk,
			Registry:  registry,
			Facts:     engine,
			Client:    client,
			SessionID: sessionID,
		})
		if err != nil {
			log.Fatalf("failed to initialize MCP server: %v", err)
		}
		go func() {
			var serveErr error
			if cfg.MCP.SSEPort > 0 {
				log.Printf("[mcp] SSE diagnostics server on port %d", cfg.MCP.SSEPort)
				serveErr = diag.StartSSE(ctx, cfg.MCP.SSEPort)
			} else {
				log.Printf("[mcp] stdio diagnostics server")
				serveErr = diag.Start(ctx)
			}
			if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
				log.Printf("[mcp] server exited: %v", serveErr)
			}
		}()
	}

	log.Printf("[agent] session %s polling %s", sessionID, cfg.Sync.ServerURL)
	runErr := client.Run(ctx, func(cmd transport.Command) {
		go dispatcher.Handle(ctx, cmd)
	})
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Fatalf("sync loop exited with error: %v", runErr)
	}
	log.Printf("[agent] shut down")
}

// announceSettings stages the settings block delivered with the next sync.
// Tab tracking is best effort; a disconnected browser still reports the
// agent as enabled.
func announceSettings(ctx context.Context, client *transport.Client, bridge *browser.Bridge) {
	settings := transport.Settings{PilotEnabled: true}
	if bridge.IsConnected() {
		if tab, err := bridge.ActiveTab(ctx); err == nil {
			settings.TrackingEnabled = true
			settings.TrackedTabID = tab.ID
			settings.TrackedTabURL = tab.URL
			settings.TrackedTabTitle = tab.Title
		}
	}
	client.SetSettings(settings)
}
