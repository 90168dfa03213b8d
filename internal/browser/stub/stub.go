// Package stub provides an in-process browser for development and tests. It
// renders a synthetic page per URL so the engine can run without Chrome.
package stub

import (
	"context"
	"errors"
	"fmt"
	"html"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Config shapes the fake browsers.
type Config struct {
	// Latency is how long each Render takes.
	Latency  time.Duration
	MemoryMB int
}

// Launcher implements scan.BrowserLauncher.
type Launcher struct {
	cfg      Config
	launched atomic.Int64
}

// NewLauncher creates a stub launcher.
func NewLauncher(cfg Config) *Launcher {
	return &Launcher{cfg: cfg}
}

// Launched reports how many browsers were started.
func (l *Launcher) Launched() int64 {
	return l.launched.Load()
}

// Launch returns a new stub browser.
func (l *Launcher) Launch(ctx context.Context) (scan.Browser, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch stub browser: %w", err)
	}
	l.launched.Add(1)
	return &Browser{cfg: l.cfg}, nil
}

// Browser implements scan.Browser without a real engine.
type Browser struct {
	cfg    Config
	closed atomic.Bool
}

// Render waits Latency (or until ctx ends) and returns a synthetic document.
func (b *Browser) Render(ctx context.Context, req scan.RenderRequest) (scan.Render, error) {
	if b.closed.Load() {
		return scan.Render{}, errors.New("stub browser closed")
	}
	start := time.Now()
	if b.cfg.Latency > 0 {
		timer := time.NewTimer(b.cfg.Latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return scan.Render{}, fmt.Errorf("render %s: %w", req.URL, ctx.Err())
		}
	}
	title := "stub: " + req.URL
	doc := fmt.Sprintf("<html><head><title>%s</title></head><body><h1>%s</h1></body></html>",
		html.EscapeString(title), html.EscapeString(req.URL))
	return scan.Render{
		URL:        req.URL,
		FinalURL:   req.URL,
		StatusCode: 200,
		Title:      title,
		HTML:       []byte(doc),
		Duration:   time.Since(start),
	}, nil
}

// MemoryMB returns the configured footprint.
func (b *Browser) MemoryMB(context.Context) (int, error) {
	if b.closed.Load() {
		return 0, errors.New("stub browser closed")
	}
	return b.cfg.MemoryMB, nil
}

// Close marks the browser closed.
func (b *Browser) Close() error {
	b.closed.Store(true)
	return nil
}
