package scan

import (
	"encoding/json"
	"fmt"
)

// JobKind tags the payload variant carried by a task.
type JobKind string

// Supported job kinds.
const (
	JobKindPageScan JobKind = "page_scan"
	JobKindSiteScan JobKind = "site_scan"
)

// Payload is a tagged variant keyed by Kind. Exactly one of the variant
// pointers is set and it must match Kind.
type Payload struct {
	Kind JobKind   `json:"kind"`
	Page *PageScan `json:"page,omitempty"`
	Site *SiteScan `json:"site,omitempty"`
}

// PageScan scans a single URL.
type PageScan struct {
	URL          string            `json:"url"`
	WaitSelector string            `json:"wait_selector,omitempty"`
	Viewport     *Viewport         `json:"viewport,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
}

// SiteScan scans a fixed list of URLs belonging to one site.
type SiteScan struct {
	URLs         []string `json:"urls"`
	WaitSelector string   `json:"wait_selector,omitempty"`
	MaxPages     int      `json:"max_pages,omitempty"`
}

// Viewport sets the emulated browser window size.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NewPageScan builds a page_scan payload.
func NewPageScan(page PageScan) Payload {
	return Payload{Kind: JobKindPageScan, Page: &page}
}

// NewSiteScan builds a site_scan payload.
func NewSiteScan(site SiteScan) Payload {
	return Payload{Kind: JobKindSiteScan, Site: &site}
}

// CheckVariant verifies the tag matches exactly one populated variant.
func (p Payload) CheckVariant() error {
	switch p.Kind {
	case JobKindPageScan:
		if p.Page == nil || p.Site != nil {
			return fmt.Errorf("kind %q requires only the page variant", p.Kind)
		}
	case JobKindSiteScan:
		if p.Site == nil || p.Page != nil {
			return fmt.Errorf("kind %q requires only the site variant", p.Kind)
		}
	case "":
		return fmt.Errorf("payload kind is required")
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	return nil
}

// Requests expands the payload into the render requests it describes.
func (p Payload) Requests() []RenderRequest {
	switch p.Kind {
	case JobKindPageScan:
		if p.Page == nil {
			return nil
		}
		return []RenderRequest{{
			URL:          p.Page.URL,
			WaitSelector: p.Page.WaitSelector,
			Viewport:     p.Page.Viewport,
			Headers:      p.Page.Headers,
		}}
	case JobKindSiteScan:
		if p.Site == nil {
			return nil
		}
		urls := p.Site.URLs
		if p.Site.MaxPages > 0 && len(urls) > p.Site.MaxPages {
			urls = urls[:p.Site.MaxPages]
		}
		out := make([]RenderRequest, 0, len(urls))
		for _, u := range urls {
			out = append(out, RenderRequest{URL: u, WaitSelector: p.Site.WaitSelector})
		}
		return out
	default:
		return nil
	}
}

// DecodePayload parses the JSON wire form of a payload.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Clone returns a deep copy of the payload.
func (p Payload) Clone() Payload {
	out := Payload{Kind: p.Kind}
	if p.Page != nil {
		page := *p.Page
		if p.Page.Viewport != nil {
			vp := *p.Page.Viewport
			page.Viewport = &vp
		}
		if p.Page.Headers != nil {
			page.Headers = make(map[string]string, len(p.Page.Headers))
			for k, v := range p.Page.Headers {
				page.Headers[k] = v
			}
		}
		out.Page = &page
	}
	if p.Site != nil {
		site := *p.Site
		site.URLs = append([]string(nil), p.Site.URLs...)
		out.Site = &site
	}
	return out
}
