// Package probe performs a cheap HTTP preflight of scan targets with colly so
// dead or missing pages are classified before a browser is spent on them.
package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// MaxBodySize caps how much of the body is read; the probe only needs
	// the status line.
	MaxBodySize int
}

// Prober implements scan.Prober.
type Prober struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Prober with a pooled transport shared by every probe.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 64 * 1024
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.MaxBodySize = cfg.MaxBodySize
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Prober{cfg: cfg, baseCollector: c}
}

// Probe requests url once. 404 and 410 are permanent failures; 429, 5xx and
// transport errors are transient. Other statuses pass.
func (p *Prober) Probe(ctx context.Context, url string) (scan.ProbeResult, error) {
	var (
		result   = scan.ProbeResult{URL: url}
		fetchErr error
	)
	start := time.Now()
	collector := p.baseCollector.Clone()
	p.configureHooks(collector, start, &result, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()
	select {
	case <-ctx.Done():
		return result, fmt.Errorf("probe %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return result, fmt.Errorf("probe %s: %w", url, err)
		}
		if fetchErr != nil {
			return result, fmt.Errorf("probe %s: %w", url, fetchErr)
		}
	}
	return result, Classify(result)
}

func (p *Prober) configureHooks(hooks collectorHooks, start time.Time, result *scan.ProbeResult, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		result.StatusCode = r.StatusCode
		result.Duration = time.Since(start)
		if r.Request != nil && r.Request.URL != nil {
			result.URL = r.Request.URL.String()
		}
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			result.StatusCode = r.StatusCode
		}
		*fetchErr = err
	})
}

// Classify maps a probe status to the engine's error taxonomy.
func Classify(result scan.ProbeResult) error {
	switch code := result.StatusCode; {
	case code == http.StatusNotFound || code == http.StatusGone:
		return scan.Permanent(fmt.Errorf("target %s returned %d", result.URL, code))
	case code == http.StatusTooManyRequests || code >= 500:
		return scan.Transient(fmt.Errorf("target %s returned %d", result.URL, code))
	default:
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
