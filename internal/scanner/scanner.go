// Package scanner holds the job body a worker runs on an acquired browser:
// for each target it waits on per-host politeness, probes the target, renders
// it, analyzes the DOM and stores the HTML as an artifact. Each external
// dependency is called through its own circuit breaker.
package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/breaker"
	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Breakers runs calls through named circuits.
type Breakers interface {
	Execute(ctx context.Context, name string, fn func(context.Context) error) error
}

// Politeness spaces requests to the same host.
type Politeness interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls artifact naming.
type Config struct {
	ContentType    string
	ArtifactPrefix string
}

// Dependencies wires the collaborators. Prober and Politeness are optional.
type Dependencies struct {
	Prober     scan.Prober
	Blobs      scan.BlobStore
	Hasher     scan.Hasher
	Clock      scan.Clock
	Breakers   Breakers
	Politeness Politeness
	Analyzer   Analyzer
	Logger     *zap.Logger
}

// Runner executes scan jobs.
type Runner struct {
	cfg  Config
	deps Dependencies
}

// New validates dependencies and returns a Runner.
func New(cfg Config, deps Dependencies) (*Runner, error) {
	if deps.Blobs == nil || deps.Hasher == nil || deps.Clock == nil || deps.Breakers == nil {
		return nil, errors.New("scanner requires blobs, hasher, clock and breakers")
	}
	if cfg.ContentType == "" {
		cfg.ContentType = "text/html; charset=utf-8"
	}
	if deps.Analyzer == nil {
		deps.Analyzer = NewDOMAnalyzer(nil)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, deps: deps}, nil
}

type browserError struct{ err error }

func (e browserError) Error() string { return e.err.Error() }
func (e browserError) Unwrap() error { return e.err }

// BrowserFailed reports whether err came from the browser itself rather than
// the target or a downstream store, so the caller can flag the resource.
func BrowserFailed(err error) bool {
	var be browserError
	return errors.As(err, &be) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Run scans every target of task on b. The first failing page fails the job.
func (r *Runner) Run(ctx context.Context, b scan.Browser, task scan.Task) (scan.Result, error) {
	requests := task.Payload.Requests()
	if len(requests) == 0 {
		return scan.Result{}, scan.Permanent(fmt.Errorf("task %s has no targets", task.ID))
	}
	result := scan.Result{Pages: make([]scan.PageResult, 0, len(requests))}
	for _, req := range requests {
		page, err := r.scanPage(ctx, b, task.ID, req)
		if err != nil {
			return scan.Result{}, err
		}
		result.Pages = append(result.Pages, page)
	}
	result.CompletedAt = r.deps.Clock.Now()
	return result, nil
}

func (r *Runner) scanPage(ctx context.Context, b scan.Browser, taskID string, req scan.RenderRequest) (scan.PageResult, error) {
	logger := r.deps.Logger.With(zap.String("task_id", taskID), zap.String("url", req.URL))

	if r.deps.Politeness != nil {
		if err := r.deps.Politeness.Wait(ctx, req.URL); err != nil {
			return scan.PageResult{}, err
		}
	}

	if r.deps.Prober != nil {
		err := r.deps.Breakers.Execute(ctx, breaker.TargetProbe, func(ctx context.Context) error {
			_, err := r.deps.Prober.Probe(ctx, req.URL)
			return err
		})
		if err != nil {
			logger.Warn("probe failed", zap.Error(err))
			return scan.PageResult{}, fmt.Errorf("probe: %w", err)
		}
	}

	var render scan.Render
	err := r.deps.Breakers.Execute(ctx, breaker.Browser, func(ctx context.Context) error {
		var err error
		render, err = b.Render(ctx, req)
		if err != nil {
			return browserError{err: err}
		}
		return nil
	})
	if err != nil {
		logger.Warn("render failed", zap.Error(err))
		return scan.PageResult{}, fmt.Errorf("render: %w", err)
	}

	findings, err := r.deps.Analyzer.Analyze(ctx, render)
	if err != nil {
		return scan.PageResult{}, fmt.Errorf("analyze %s: %w", req.URL, err)
	}

	hash, err := r.deps.Hasher.Hash(render.HTML)
	if err != nil {
		return scan.PageResult{}, fmt.Errorf("hash body: %w", err)
	}

	var uri string
	err = r.deps.Breakers.Execute(ctx, breaker.ArtifactStore, func(ctx context.Context) error {
		var err error
		uri, err = r.deps.Blobs.PutObject(ctx, r.artifactPath(taskID, hash), r.cfg.ContentType, bytes.NewReader(render.HTML))
		return err
	})
	if err != nil {
		logger.Warn("store artifact failed", zap.Error(err))
		return scan.PageResult{}, fmt.Errorf("put object: %w", err)
	}

	logger.Debug("page scanned", zap.Int("status", render.StatusCode), zap.String("artifact_uri", uri))
	return scan.PageResult{
		URL:         req.URL,
		FinalURL:    render.FinalURL,
		StatusCode:  render.StatusCode,
		Title:       render.Title,
		Bytes:       len(render.HTML),
		ContentHash: hash,
		ArtifactURI: uri,
		DurationMs:  render.Duration.Milliseconds(),
		Findings:    findings,
	}, nil
}

func (r *Runner) artifactPath(taskID, hash string) string {
	prefix := strings.Trim(r.cfg.ArtifactPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.html", taskID, hash)
	}
	return fmt.Sprintf("%s/%s/%s.html", prefix, taskID, hash)
}
