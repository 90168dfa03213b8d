// Package headless launches Chrome instances through chromedp. Each launched
// Browser owns one Chrome process; every Render opens a fresh tab in it.
package headless

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

const bytesPerMB = 1 << 20

// Config controls how Chrome is started and driven.
type Config struct {
	UserAgent         string
	NavigationTimeout time.Duration
	// ExecPath overrides Chrome discovery when set.
	ExecPath string
	// Settle is how long to wait after the DOM is ready before capturing it.
	Settle time.Duration
}

// Launcher implements scan.BrowserLauncher.
type Launcher struct {
	cfg Config
}

// NewLauncher returns a chromedp launcher.
func NewLauncher(cfg Config) *Launcher {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.Settle < 0 {
		cfg.Settle = 0
	}
	return &Launcher{cfg: cfg}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts a Chrome process and waits until it accepts commands or ctx
// ends.
func (l *Launcher) Launch(ctx context.Context) (scan.Browser, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	b := &Browser{
		cfg:           l.cfg,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}

	started := make(chan error, 1)
	go func() {
		started <- chromedp.Run(browserCtx)
	}()
	select {
	case err := <-started:
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("start chrome: %w", err)
		}
		return b, nil
	case <-ctx.Done():
		_ = b.Close()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	}
}

// Browser implements scan.Browser for a single Chrome process.
type Browser struct {
	cfg           Config
	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
	heapBytes     atomic.Int64
	closeOnce     sync.Once
}

// Render opens a tab, navigates to req.URL and returns the rendered DOM.
func (b *Browser) Render(ctx context.Context, req scan.RenderRequest) (scan.Render, error) {
	if b.browserCtx.Err() != nil {
		return scan.Render{}, errors.New("browser is closed")
	}
	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx)
	defer tabCancel()
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, b.cfg.NavigationTimeout)
	defer cancel()

	meta := newResponseMeta()
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	var (
		html     string
		finalURL string
		title    string
	)
	waitFor := "body"
	if req.WaitSelector != "" {
		waitFor = req.WaitSelector
	}
	actions := []chromedp.Action{
		b.setupAction(req),
		chromedp.Navigate(req.URL),
		chromedp.WaitReady(waitFor, chromedp.ByQuery),
	}
	if b.cfg.Settle > 0 {
		actions = append(actions, chromedp.Sleep(b.cfg.Settle))
	}
	actions = append(actions,
		chromedp.Location(&finalURL),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		b.measureHeapAction(),
	)

	start := time.Now()
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return scan.Render{}, fmt.Errorf("render %s: %w", req.URL, ctx.Err())
		}
		return scan.Render{}, fmt.Errorf("render %s: %w", req.URL, err)
	}
	status, responseURL := meta.snapshotWithFallbacks(req.URL, finalURL)
	return scan.Render{
		URL:        req.URL,
		FinalURL:   responseURL,
		StatusCode: status,
		Title:      title,
		HTML:       []byte(html),
		Duration:   time.Since(start),
	}, nil
}

func (b *Browser) setupAction(req scan.RenderRequest) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := performance.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable performance domain: %w", err)
		}
		if b.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(b.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		if req.Viewport != nil {
			override := emulation.SetDeviceMetricsOverride(int64(req.Viewport.Width), int64(req.Viewport.Height), 1, false)
			if err := override.Do(ctx); err != nil {
				return fmt.Errorf("set viewport: %w", err)
			}
		}
		if len(req.Headers) > 0 {
			if err := network.SetExtraHTTPHeaders(toNetworkHeaders(req.Headers)).Do(ctx); err != nil {
				return fmt.Errorf("set extra headers: %w", err)
			}
		}
		return nil
	})
}

// measureHeapAction records the tab's JS heap so MemoryMB reflects the last
// page this browser rendered.
func (b *Browser) measureHeapAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		metrics, err := performance.GetMetrics().Do(ctx)
		if err != nil {
			return nil //nolint:nilerr // memory sampling is best effort
		}
		for _, m := range metrics {
			if m.Name == "JSHeapTotalSize" {
				b.heapBytes.Store(int64(m.Value))
			}
		}
		return nil
	})
}

// MemoryMB reports the JS heap measured during the most recent render.
func (b *Browser) MemoryMB(context.Context) (int, error) {
	if b.browserCtx.Err() != nil {
		return 0, errors.New("browser is closed")
	}
	return int(b.heapBytes.Load() / bytesPerMB), nil
}

// Close terminates the Chrome process.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		b.browserCancel()
		b.allocCancel()
	})
	return nil
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != 0 {
		// First document response wins; later ones are iframes.
		return
	}
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string) {
	m.mu.RLock()
	status, url := m.status, m.url
	m.mu.RUnlock()
	switch {
	case finalURL != "":
		url = finalURL
	case url == "":
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, url
}

func toNetworkHeaders(h map[string]string) network.Headers {
	headers := make(network.Headers, len(h))
	for key, value := range h {
		headers[key] = value
	}
	return headers
}
