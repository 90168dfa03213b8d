// Package safety enforces the hard limits that keep one job or tenant from
// degrading the engine: payload validation, per-tenant fixed-window rate
// limits, per-job timeouts and an aggregate memory ceiling.
package safety

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Config holds the guard limits. Zero values take the defaults noted per field.
type Config struct {
	RateLimit         int           // requests per window per tenant, default 10
	RateWindow        time.Duration // default 1m
	MemoryCeilingMB   int           // 0 disables the memory check
	MaxURLs           int           // default 25
	MaxURLLength      int           // default 2048
	MaxSelectorLength int           // default 512
	MaxViewport       int           // default 4096 on either axis
	MaxHeaders        int           // default 32
	// BlockedHosts are exact hosts or "*.suffix" patterns targets may not use.
	BlockedHosts []string
}

func (c Config) withDefaults() Config {
	if c.RateLimit <= 0 {
		c.RateLimit = 10
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.MaxURLs <= 0 {
		c.MaxURLs = 25
	}
	if c.MaxURLLength <= 0 {
		c.MaxURLLength = 2048
	}
	if c.MaxSelectorLength <= 0 {
		c.MaxSelectorLength = 512
	}
	if c.MaxViewport <= 0 {
		c.MaxViewport = 4096
	}
	if c.MaxHeaders <= 0 {
		c.MaxHeaders = 32
	}
	return c
}

// MemoryReader reports the aggregate memory footprint of pooled resources.
type MemoryReader interface {
	MemoryMB() int
}

// Counters are cumulative rejection totals.
type Counters struct {
	Validation  int64 `json:"validation"`
	RateLimited int64 `json:"rate_limited"`
	Timeout     int64 `json:"timeout"`
	Memory      int64 `json:"memory"`
}

// Total sums every rejection.
func (c Counters) Total() int64 {
	return c.Validation + c.RateLimited + c.Timeout + c.Memory
}

// Guard applies the limits. It is safe for concurrent use.
type Guard struct {
	cfg       Config
	clock     scan.Clock
	memory    MemoryReader
	logger    *zap.Logger
	blocklist *hostBlocklist

	windows sync.Map // tenant -> *window

	validation  atomic.Int64
	rateLimited atomic.Int64
	timeouts    atomic.Int64
	memoryHits  atomic.Int64
}

// New constructs a Guard. memory may be nil until the pool exists; see
// SetMemoryReader.
func New(cfg Config, clk scan.Clock, memory MemoryReader, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		cfg:       cfg.withDefaults(),
		clock:     clk,
		memory:    memory,
		logger:    logger,
		blocklist: newHostBlocklist(cfg.BlockedHosts),
	}
}

// SetMemoryReader installs the memory source used by CheckMemory. Call it
// before workers start.
func (g *Guard) SetMemoryReader(memory MemoryReader) {
	g.memory = memory
}

// Config returns the effective limits.
func (g *Guard) Config() Config {
	return g.cfg
}

// Validate checks payload shape. Failures wrap scan.ErrValidation and are
// permanent.
func (g *Guard) Validate(p scan.Payload) error {
	if err := g.validate(p); err != nil {
		g.validation.Add(1)
		return err
	}
	return nil
}

func (g *Guard) validate(p scan.Payload) error {
	if err := p.CheckVariant(); err != nil {
		return &scan.ValidationError{Field: "kind", Reason: err.Error()}
	}
	var selector string
	switch p.Kind {
	case scan.JobKindPageScan:
		selector = p.Page.WaitSelector
		if err := g.validateViewport(p.Page.Viewport); err != nil {
			return err
		}
		if len(p.Page.Headers) > g.cfg.MaxHeaders {
			return &scan.ValidationError{Field: "page.headers", Reason: fmt.Sprintf("at most %d headers allowed", g.cfg.MaxHeaders)}
		}
	case scan.JobKindSiteScan:
		selector = p.Site.WaitSelector
		if len(p.Site.URLs) > g.cfg.MaxURLs {
			return &scan.ValidationError{Field: "site.urls", Reason: fmt.Sprintf("at most %d urls allowed", g.cfg.MaxURLs)}
		}
		if p.Site.MaxPages < 0 {
			return &scan.ValidationError{Field: "site.max_pages", Reason: "must not be negative"}
		}
	}
	if len(selector) > g.cfg.MaxSelectorLength {
		return &scan.ValidationError{Field: "wait_selector", Reason: "too long"}
	}
	requests := p.Requests()
	if len(requests) == 0 {
		return &scan.ValidationError{Field: "urls", Reason: "at least one url is required"}
	}
	for _, req := range requests {
		if err := g.validateURL(req.URL); err != nil {
			return err
		}
	}
	return nil
}

func (g *Guard) validateURL(raw string) error {
	if raw == "" {
		return &scan.ValidationError{Field: "url", Reason: "required"}
	}
	if len(raw) > g.cfg.MaxURLLength {
		return &scan.ValidationError{Field: "url", Reason: fmt.Sprintf("longer than %d bytes", g.cfg.MaxURLLength)}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return &scan.ValidationError{Field: "url", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &scan.ValidationError{Field: "url", Reason: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	if u.Hostname() == "" {
		return &scan.ValidationError{Field: "url", Reason: "host is required"}
	}
	if g.blocklist.blocked(u.Hostname()) {
		return &scan.ValidationError{Field: "url", Reason: fmt.Sprintf("host %q is blocked", u.Hostname())}
	}
	return nil
}

func (g *Guard) validateViewport(vp *scan.Viewport) error {
	if vp == nil {
		return nil
	}
	if vp.Width <= 0 || vp.Height <= 0 || vp.Width > g.cfg.MaxViewport || vp.Height > g.cfg.MaxViewport {
		return &scan.ValidationError{
			Field:  "page.viewport",
			Reason: fmt.Sprintf("dimensions must be within 1..%d", g.cfg.MaxViewport),
		}
	}
	return nil
}

type window struct {
	mu    sync.Mutex
	start time.Time
	count int
	// dead is set by PruneWindows before the window leaves the map.
	dead bool
}

// CheckRateLimit counts one request against tenantKey's current window. The
// window resets once now - windowStart >= RateWindow.
func (g *Guard) CheckRateLimit(tenantKey string) error {
	for {
		value, _ := g.windows.LoadOrStore(tenantKey, &window{})
		if counted, err := g.count(value.(*window), tenantKey); counted {
			return err
		}
	}
}

// count applies one request to w. counted is false when w was pruned after
// it was loaded and the caller must look the tenant up again.
func (g *Guard) count(w *window, tenantKey string) (counted bool, err error) {
	now := g.clock.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dead {
		return false, nil
	}
	if w.start.IsZero() || now.Sub(w.start) >= g.cfg.RateWindow {
		w.start = now
		w.count = 0
	}
	if w.count >= g.cfg.RateLimit {
		g.rateLimited.Add(1)
		retryIn := w.start.Add(g.cfg.RateWindow).Sub(now)
		return true, fmt.Errorf("tenant %q over %d per %s, retry in %s: %w",
			tenantKey, g.cfg.RateLimit, g.cfg.RateWindow, retryIn, scan.ErrRateLimited)
	}
	w.count++
	return true, nil
}

// PruneWindows drops windows that have fully elapsed. It returns how many
// tenants were forgotten.
func (g *Guard) PruneWindows() int {
	now := g.clock.Now()
	pruned := 0
	g.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.dead || now.Sub(w.start) < g.cfg.RateWindow {
			return true
		}
		w.dead = true
		g.windows.CompareAndDelete(key, w)
		pruned++
		return true
	})
	return pruned
}

// EnforceTimeout runs fn with a deadline of limit. If fn overruns, its context
// is canceled and the returned error wraps scan.ErrTimeout without waiting for
// fn to return. The caller must treat the resource fn was using as corrupted.
func (g *Guard) EnforceTimeout(ctx context.Context, taskID string, limit time.Duration, fn func(context.Context) error) error {
	if limit <= 0 {
		return fn(ctx)
	}
	runCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(runCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return g.timedOut(taskID, limit, err)
		}
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("task %s aborted: %w", taskID, ctx.Err())
		}
		return g.timedOut(taskID, limit, nil)
	}
}

func (g *Guard) timedOut(taskID string, limit time.Duration, cause error) error {
	g.timeouts.Add(1)
	g.logger.Warn("job exceeded timeout",
		zap.String("task_id", taskID),
		zap.Duration("limit", limit),
		zap.NamedError("cause", cause),
	)
	return fmt.Errorf("task %s exceeded %s: %w", taskID, limit, scan.ErrTimeout)
}

// CheckMemory fails with scan.ErrMemoryPressure when pooled resources use more
// than the configured ceiling.
func (g *Guard) CheckMemory() error {
	if g.cfg.MemoryCeilingMB <= 0 || g.memory == nil {
		return nil
	}
	used := g.memory.MemoryMB()
	if used > g.cfg.MemoryCeilingMB {
		g.memoryHits.Add(1)
		return fmt.Errorf("pool uses %dMB of %dMB: %w", used, g.cfg.MemoryCeilingMB, scan.ErrMemoryPressure)
	}
	return nil
}

// Counters returns cumulative rejection totals.
func (g *Guard) Counters() Counters {
	return Counters{
		Validation:  g.validation.Load(),
		RateLimited: g.rateLimited.Load(),
		Timeout:     g.timeouts.Load(),
		Memory:      g.memoryHits.Load(),
	}
}
