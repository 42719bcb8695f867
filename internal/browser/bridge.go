// Package browser attaches to Chrome over the DevTools protocol via Rod and
// exposes the page-level capabilities the dispatch pipeline needs: frame
// discovery and probing, per-frame script execution in a chosen world, tab
// navigation, and toast notifications.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"pilotnerd-agent/internal/config"
)

// TabInfo describes one open tab for settings reporting.
type TabInfo struct {
	ID    int
	URL   string
	Title string
}

// Bridge owns the Rod browser connection. Tab ids are ordinal page indexes
// as reported by the browser, with 0 the first (active) tab.
type Bridge struct {
	cfg config.BrowserConfig

	mu         sync.RWMutex
	browser    *rod.Browser
	controlURL string
	tabs       map[proto.TargetTargetID]*tabSession
}

// NewBridge builds a Bridge from browser config. Call Start before use.
func NewBridge(cfg config.BrowserConfig) *Bridge {
	return &Bridge{
		cfg:  cfg,
		tabs: make(map[proto.TargetTargetID]*tabSession),
	}
}

// Start connects to an existing Chrome or launches a new one using Rod's launcher.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		if _, err := b.browser.Version(); err == nil {
			return nil
		}
		log.Printf("[browser] stale connection detected, reconnecting")
		_ = b.browser.Close()
		b.browser = nil
		b.controlURL = ""
		b.dropSessionsLocked()
	}

	controlURL := b.cfg.DebuggerURL
	if controlURL == "" && len(b.cfg.Launch) > 0 {
		bin := b.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(b.cfg.IsHeadless())
		for _, rawFlag := range b.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			// Fallback: let Rod pick the port and defaults.
			fallback := launcher.New().Bin(bin).Headless(b.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			controlURL = alt
		} else {
			controlURL = url
		}
	}

	if controlURL == "" {
		return errors.New("no debugger_url or launch command provided")
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	b.browser = browser
	b.controlURL = controlURL
	log.Printf("[browser] connected at %s", controlURL)
	return nil
}

// Shutdown closes per-tab sessions and the browser connection.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dropSessionsLocked()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	b.controlURL = ""
	return err
}

func (b *Bridge) dropSessionsLocked() {
	for _, s := range b.tabs {
		s.close()
	}
	b.tabs = make(map[proto.TargetTargetID]*tabSession)
}

// IsConnected reports whether the browser connection is live.
func (b *Bridge) IsConnected() bool {
	b.mu.RLock()
	browser := b.browser
	b.mu.RUnlock()
	if browser == nil {
		return false
	}
	_, err := browser.Version()
	return err == nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (b *Bridge) ControlURL() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.controlURL
}

// ActiveTab reports tab 0 for settings announcements.
func (b *Bridge) ActiveTab(ctx context.Context) (TabInfo, error) {
	s, err := b.tab(ctx, 0)
	if err != nil {
		return TabInfo{}, err
	}
	info, err := s.page.Context(ctx).Info()
	if err != nil {
		return TabInfo{}, fmt.Errorf("tab info: %w", err)
	}
	return TabInfo{ID: 0, URL: info.URL, Title: info.Title}, nil
}

// tab resolves an ordinal tab id to its session, creating one on first use.
// Sessions for pages that have gone away are discarded lazily.
func (b *Bridge) tab(ctx context.Context, tabID int) (*tabSession, error) {
	b.mu.RLock()
	browser := b.browser
	b.mu.RUnlock()
	if browser == nil {
		return nil, errors.New("browser not connected")
	}

	pages, err := browser.Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if tabID < 0 || tabID >= len(pages) {
		return nil, fmt.Errorf("unknown tab %d (have %d)", tabID, len(pages))
	}
	page := pages[tabID]

	b.mu.Lock()
	defer b.mu.Unlock()
	live := make(map[proto.TargetTargetID]bool, len(pages))
	for _, p := range pages {
		live[p.TargetID] = true
	}
	for id, s := range b.tabs {
		if !live[id] {
			s.close()
			delete(b.tabs, id)
		}
	}
	if s, ok := b.tabs[page.TargetID]; ok {
		return s, nil
	}
	s, err := newTabSession(page)
	if err != nil {
		return nil, err
	}
	b.tabs[page.TargetID] = s
	return s, nil
}
