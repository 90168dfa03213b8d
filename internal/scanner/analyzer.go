package scanner

import (
	"bytes"
	"context"
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/scan-engine/internal/scan"
)

// Analyzer turns a rendered page into named findings. The engine treats the
// result as opaque and stores it on the page result.
type Analyzer interface {
	Analyze(ctx context.Context, render scan.Render) (map[string]int, error)
}

// DefaultSelectors are counted by DOMAnalyzer when no selectors are configured.
var DefaultSelectors = map[string]string{
	"forms":    "form",
	"inputs":   "input, textarea, select",
	"links":    "a[href]",
	"images":   "img",
	"scripts":  "script",
	"iframes":  "iframe",
	"headings": "h1, h2, h3",
}

// DOMAnalyzer counts elements matching CSS selectors in the rendered HTML.
type DOMAnalyzer struct {
	selectors map[string]string
}

// NewDOMAnalyzer builds an analyzer for selectors keyed by finding name.
// An empty map uses DefaultSelectors.
func NewDOMAnalyzer(selectors map[string]string) *DOMAnalyzer {
	if len(selectors) == 0 {
		selectors = DefaultSelectors
	}
	return &DOMAnalyzer{selectors: selectors}
}

// Analyze parses the document once and counts every selector.
func (a *DOMAnalyzer) Analyze(_ context.Context, render scan.Render) (map[string]int, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(render.HTML))
	if err != nil {
		return nil, fmt.Errorf("parse rendered html: %w", err)
	}
	findings := make(map[string]int, len(a.selectors))
	for name, sel := range a.selectors {
		if sel == "" {
			continue
		}
		findings[name] = doc.Find(sel).Length()
	}
	return findings, nil
}
