package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"pilotnerd-agent/internal/breaker"
)

const (
	minPollInterval = 100 * time.Millisecond
	maxPollInterval = 60 * time.Second
)

// Config tunes the sync client.
type Config struct {
	// ServerURL is the control server base URL; the client POSTs to
	// ServerURL + "/sync".
	ServerURL string
	SessionID string
	Version   string

	// RequestTimeout bounds a single sync round trip (default 10s).
	RequestTimeout time.Duration

	// PollInterval is the cadence between syncs when the server does not
	// dictate one (default 1s).
	PollInterval time.Duration

	// Batcher tuning shared by the log and result batchers.
	FlushDebounce  time.Duration
	FlushThreshold int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	return c
}

// Client owns the agent's side of the /sync channel: it batches outbound
// logs and command results, POSTs them on the poll cadence, and hands back
// any commands the server returns. Every round trip runs inside the shared
// circuit breaker, so a failing server trips backoff for all outbound kinds
// at once.
type Client struct {
	cfg      Config
	endpoint string
	http     *http.Client
	brk      *breaker.Breaker

	logs    *batcher[AgentLog]
	results *batcher[CommandResult]

	mu             sync.Mutex
	settings       *Settings
	lastAck        string
	pendingLogs    []AgentLog
	pendingResults []CommandResult
	nextPoll       time.Duration

	kick chan struct{}
}

// NewClient builds a sync client gated by brk.
func NewClient(cfg Config, brk *breaker.Breaker) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg:      cfg,
		endpoint: cfg.ServerURL + "/sync",
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		brk:      brk,
		nextPoll: cfg.PollInterval,
		kick:     make(chan struct{}, 1),
	}
	c.logs = newBatcher(cfg.FlushThreshold, cfg.FlushDebounce, c.stageLogs)
	c.results = newBatcher(cfg.FlushThreshold, cfg.FlushDebounce, c.stageResults)
	return c
}

// QueueResult queues one terminal command result for delivery. It never
// blocks; delivery rides the next sync round trip.
func (c *Client) QueueResult(res CommandResult) {
	c.results.Add(res)
}

// QueueLog queues one internal log record for forwarding.
func (c *Client) QueueLog(l AgentLog) {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	c.logs.Add(l)
}

// SetSettings updates the settings block mirrored on every sync.
func (c *Client) SetSettings(s Settings) {
	c.mu.Lock()
	c.settings = &s
	c.mu.Unlock()
}

// Ack records the last processed command id, sent with the next sync.
func (c *Client) Ack(commandID string) {
	c.mu.Lock()
	c.lastAck = commandID
	c.mu.Unlock()
}

func (c *Client) stageLogs(batch []AgentLog) {
	c.mu.Lock()
	c.pendingLogs = append(c.pendingLogs, batch...)
	c.mu.Unlock()
	c.wake()
}

func (c *Client) stageResults(batch []CommandResult) {
	c.mu.Lock()
	c.pendingResults = append(c.pendingResults, batch...)
	c.mu.Unlock()
	c.wake()
}

func (c *Client) wake() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Sync performs one round trip: drains staged outbound records into the
// request, POSTs through the breaker, and returns any commands. On failure
// the drained results are restored for the next attempt; logs are dropped
// rather than allowed to pile up against a dead server.
func (c *Client) Sync(ctx context.Context) ([]Command, error) {
	c.logs.Flush()
	c.results.Flush()

	c.mu.Lock()
	req := SyncRequest{
		SessionID:      c.cfg.SessionID,
		AgentVersion:   c.cfg.Version,
		Settings:       c.settings,
		AgentLogs:      c.pendingLogs,
		LastCommandAck: c.lastAck,
		CommandResults: c.pendingResults,
	}
	drainedResults := c.pendingResults
	c.pendingLogs = nil
	c.pendingResults = nil
	c.mu.Unlock()

	var resp SyncResponse
	err := c.brk.Execute(ctx, func(ctx context.Context) error {
		return c.post(ctx, req, &resp)
	})
	if err != nil {
		if len(drainedResults) > 0 {
			c.mu.Lock()
			c.pendingResults = append(drainedResults, c.pendingResults...)
			c.mu.Unlock()
		}
		return nil, err
	}

	if resp.NextPollMs > 0 {
		c.mu.Lock()
		c.nextPoll = clampPoll(time.Duration(resp.NextPollMs) * time.Millisecond)
		c.mu.Unlock()
	}
	return resp.Commands, nil
}

func (c *Client) post(ctx context.Context, req SyncRequest, resp *SyncResponse) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encoding sync request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building sync request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("posting sync: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("sync: server returned %s", httpResp.Status)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("decoding sync response: %w", err)
	}
	return nil
}

// NextPoll reports the current poll interval, server-dictated when the last
// response carried next_poll_ms.
func (c *Client) NextPoll() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextPoll
}

// PendingResults reports how many results are staged but undelivered.
func (c *Client) PendingResults() int {
	c.mu.Lock()
	staged := len(c.pendingResults)
	c.mu.Unlock()
	return staged + c.results.Len()
}

// Run polls the sync channel until ctx is cancelled, invoking handle for
// every received command. A flushed batch wakes the loop early so results
// do not wait out a full poll interval.
func (c *Client) Run(ctx context.Context, handle func(Command)) error {
	for {
		commands, err := c.Sync(ctx)
		switch {
		case err == nil:
			for _, cmd := range commands {
				handle(cmd)
			}
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, breaker.ErrOpen):
			// Fail-fast round; the breaker reopens the channel on its own
			// schedule. Nothing to log on every spin.
		default:
			log.Printf("[sync] round trip failed: %v", err)
		}

		timer := time.NewTimer(c.NextPoll())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.kick:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func clampPoll(d time.Duration) time.Duration {
	if d < minPollInterval {
		return minPollInterval
	}
	if d > maxPollInterval {
		return maxPollInterval
	}
	return d
}
