package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scan-engine/internal/breaker"
	"github.com/JakeFAU/scan-engine/internal/browser/stub"
	"github.com/JakeFAU/scan-engine/internal/clock/manual"
	"github.com/JakeFAU/scan-engine/internal/hash/sha256"
	"github.com/JakeFAU/scan-engine/internal/scan"
	"github.com/JakeFAU/scan-engine/internal/storage/memory"
)

type fakeProber struct {
	mu     sync.Mutex
	err    error
	probed []string
}

func (p *fakeProber) Probe(_ context.Context, url string) (scan.ProbeResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed = append(p.probed, url)
	return scan.ProbeResult{URL: url, StatusCode: 200}, p.err
}

type fakePoliteness struct {
	mu    sync.Mutex
	waits []string
}

func (p *fakePoliteness) Wait(_ context.Context, rawURL string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waits = append(p.waits, rawURL)
	return nil
}

type failingBrowser struct{ scan.Browser }

func (failingBrowser) Render(context.Context, scan.RenderRequest) (scan.Render, error) {
	return scan.Render{}, errors.New("target crashed")
}

type failingBlobs struct{}

func (failingBlobs) PutObject(context.Context, string, string, io.Reader) (string, error) {
	return "", errors.New("bucket unavailable")
}

type harness struct {
	runner     *Runner
	blobs      *memory.BlobStore
	prober     *fakeProber
	politeness *fakePoliteness
	breakers   *breaker.Registry
}

func newHarness(t *testing.T) harness {
	t.Helper()
	clk := manual.New(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC))
	h := harness{
		blobs:      memory.NewBlobStore(),
		prober:     &fakeProber{},
		politeness: &fakePoliteness{},
		breakers:   breaker.NewRegistry(breaker.Config{FailureThreshold: 2}, clk, nil, zap.NewNop()),
	}
	runner, err := New(Config{ArtifactPrefix: "/scans/"}, Dependencies{
		Prober:     h.prober,
		Blobs:      h.blobs,
		Hasher:     sha256.New(),
		Clock:      clk,
		Breakers:   h.breakers,
		Politeness: h.politeness,
		Logger:     zap.NewNop(),
	})
	require.NoError(t, err)
	h.runner = runner
	return h
}

func newBrowser(t *testing.T) scan.Browser {
	t.Helper()
	b, err := stub.NewLauncher(stub.Config{}).Launch(context.Background())
	require.NoError(t, err)
	return b
}

func TestRunPageScanStoresArtifact(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := scan.Task{ID: "t1", Payload: scan.NewPageScan(scan.PageScan{URL: "https://example.com/a"})}

	res, err := h.runner.Run(context.Background(), newBrowser(t), task)
	require.NoError(t, err)
	require.Len(t, res.Pages, 1)

	page := res.Pages[0]
	require.Equal(t, "https://example.com/a", page.URL)
	require.Equal(t, 200, page.StatusCode)
	require.NotEmpty(t, page.ContentHash)
	require.Equal(t, fmt.Sprintf("memory://scans/t1/%s.html", page.ContentHash), page.ArtifactURI)
	require.Equal(t, 1, page.Findings["headings"])
	require.False(t, res.CompletedAt.IsZero())

	body, contentType, ok := h.blobs.Object(fmt.Sprintf("scans/t1/%s.html", page.ContentHash))
	require.True(t, ok)
	require.Equal(t, "text/html; charset=utf-8", contentType)
	require.Len(t, body, page.Bytes)
	require.Equal(t, []string{"https://example.com/a"}, h.prober.probed)
	require.Equal(t, []string{"https://example.com/a"}, h.politeness.waits)
}

func TestRunSiteScanHonorsMaxPages(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := scan.Task{ID: "t2", Payload: scan.NewSiteScan(scan.SiteScan{
		URLs:     []string{"https://example.com/1", "https://example.com/2", "https://example.com/3"},
		MaxPages: 2,
	})}

	res, err := h.runner.Run(context.Background(), newBrowser(t), task)
	require.NoError(t, err)
	require.Len(t, res.Pages, 2)
	require.Equal(t, 2, h.blobs.Len())
}

func TestRunPermanentProbeFailureDoesNotTripBreaker(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.prober.err = scan.Permanent(errors.New("target returned 404"))
	task := scan.Task{ID: "t3", Payload: scan.NewPageScan(scan.PageScan{URL: "https://example.com/missing"})}

	for range 3 {
		_, err := h.runner.Run(context.Background(), newBrowser(t), task)
		require.Error(t, err)
		require.True(t, scan.IsPermanent(err))
		require.False(t, BrowserFailed(err))
	}
	require.Equal(t, breaker.StateClosed, h.breakers.State(breaker.TargetProbe))
	require.Zero(t, h.blobs.Len())
}

func TestRunBrowserFailureOpensCircuit(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	task := scan.Task{ID: "t4", Payload: scan.NewPageScan(scan.PageScan{URL: "https://example.com"})}
	b := failingBrowser{}

	for range 2 {
		_, err := h.runner.Run(context.Background(), b, task)
		require.Error(t, err)
		require.True(t, BrowserFailed(err))
		require.Equal(t, scan.ClassTransient, scan.Classify(err))
	}
	require.Equal(t, breaker.StateOpen, h.breakers.State(breaker.Browser))

	_, err := h.runner.Run(context.Background(), b, task)
	require.ErrorIs(t, err, scan.ErrCircuitOpen)
	require.False(t, BrowserFailed(err))
}

func TestRunArtifactStoreFailure(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(0, 0))
	runner, err := New(Config{}, Dependencies{
		Blobs:    failingBlobs{},
		Hasher:   sha256.New(),
		Clock:    clk,
		Breakers: breaker.NewRegistry(breaker.Config{}, clk, nil, nil),
	})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), newBrowser(t), scan.Task{
		ID:      "t5",
		Payload: scan.NewPageScan(scan.PageScan{URL: "https://example.com"}),
	})
	require.ErrorContains(t, err, "bucket unavailable")
	require.False(t, BrowserFailed(err))
}

func TestRunWithoutTargetsIsPermanent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.runner.Run(context.Background(), newBrowser(t), scan.Task{ID: "t6", Payload: scan.Payload{Kind: scan.JobKindPageScan}})
	require.True(t, scan.IsPermanent(err))
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Dependencies{})
	require.Error(t, err)
}

func TestArtifactPath(t *testing.T) {
	t.Parallel()

	r := &Runner{}
	require.Equal(t, "t/abc.html", r.artifactPath("t", "abc"))
	r.cfg.ArtifactPrefix = "a/b/"
	require.Equal(t, "a/b/t/abc.html", r.artifactPath("t", "abc"))
}

func TestDOMAnalyzerCountsSelectors(t *testing.T) {
	t.Parallel()

	doc := `<html><body><form><input><textarea></textarea></form><a href="/x">x</a><a>no</a></body></html>`
	findings, err := NewDOMAnalyzer(map[string]string{
		"forms":  "form",
		"inputs": "input, textarea",
		"links":  "a[href]",
		"empty":  "",
	}).Analyze(context.Background(), scan.Render{HTML: []byte(doc)})
	require.NoError(t, err)
	require.Equal(t, map[string]int{"forms": 1, "inputs": 2, "links": 1}, findings)

	findings, err = NewDOMAnalyzer(nil).Analyze(context.Background(), scan.Render{HTML: []byte(strings.Repeat("<img>", 3))})
	require.NoError(t, err)
	require.Equal(t, 3, findings["images"])
}
