package scan

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPayloadCheckVariant(t *testing.T) {
	t.Parallel()

	page := NewPageScan(PageScan{URL: "https://example.com"})
	require.NoError(t, page.CheckVariant())

	site := NewSiteScan(SiteScan{URLs: []string{"https://example.com/a"}})
	require.NoError(t, site.CheckVariant())

	mismatched := Payload{Kind: JobKindPageScan, Site: &SiteScan{}}
	require.Error(t, mismatched.CheckVariant())

	both := Payload{Kind: JobKindSiteScan, Site: &SiteScan{}, Page: &PageScan{}}
	require.Error(t, both.CheckVariant())

	require.Error(t, Payload{}.CheckVariant())
	require.Error(t, Payload{Kind: "crawl"}.CheckVariant())
}

func TestPayloadRequestsHonorsMaxPages(t *testing.T) {
	t.Parallel()

	p := NewSiteScan(SiteScan{
		URLs:         []string{"https://a.test/1", "https://a.test/2", "https://a.test/3"},
		WaitSelector: "main",
		MaxPages:     2,
	})
	reqs := p.Requests()
	require.Len(t, reqs, 2)
	require.Equal(t, "https://a.test/2", reqs[1].URL)
	require.Equal(t, "main", reqs[1].WaitSelector)
}

func TestDecodePayloadWireForm(t *testing.T) {
	t.Parallel()

	p, err := DecodePayload([]byte(`{"kind":"page_scan","page":{"url":"https://example.com","viewport":{"width":1280,"height":720}}}`))
	require.NoError(t, err)
	require.Equal(t, JobKindPageScan, p.Kind)
	require.Equal(t, 1280, p.Page.Viewport.Width)

	encoded, err := json.Marshal(p)
	require.NoError(t, err)
	again, err := DecodePayload(encoded)
	require.NoError(t, err)
	require.Equal(t, p, again)

	_, err = DecodePayload([]byte(`{"kind":`))
	require.Error(t, err)
}

func TestTaskCloneIsDeep(t *testing.T) {
	t.Parallel()

	task := Task{
		ID:      "t1",
		Payload: NewPageScan(PageScan{URL: "https://example.com", Headers: map[string]string{"X": "1"}}),
		Result:  &Result{Pages: []PageResult{{URL: "https://example.com", Findings: map[string]int{"img-alt": 2}}}},
	}
	clone := task.Clone()
	require.Equal(t, task, clone)

	clone.Payload.Page.Headers["X"] = "2"
	clone.Result.Pages[0].Findings["img-alt"] = 9
	require.Equal(t, "1", task.Payload.Page.Headers["X"])
	require.Equal(t, 2, task.Result.Pages[0].Findings["img-alt"])
}

func TestTaskClaimsBefore(t *testing.T) {
	t.Parallel()

	high := Task{ID: "high", Priority: 5, Seq: 9}
	early := Task{ID: "early", Priority: 1, Seq: 1}
	late := Task{ID: "late", Priority: 1, Seq: 2}

	require.True(t, high.ClaimsBefore(early))
	require.True(t, early.ClaimsBefore(late))
	require.False(t, late.ClaimsBefore(early))
}
