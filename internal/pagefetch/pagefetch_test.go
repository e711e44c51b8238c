package pagefetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestcore/internal/fingerprint"
	"github.com/scholarr/ingestcore/internal/scholarparse"
	"github.com/scholarr/ingestcore/internal/types"
)

// scriptedSource replays a fixed sequence of fetch results, recording
// the cstart of every request it serves.
type scriptedSource struct {
	results  []types.FetchResult
	requests []int
}

func (s *scriptedSource) Fetch(_ context.Context, params types.FetchParams) types.FetchResult {
	s.requests = append(s.requests, params.Cstart)
	if len(s.results) == 0 {
		return types.FetchResult{Error: errors.New("script exhausted")}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

type fixedStatus struct {
	status types.RunStatus
}

func (f *fixedStatus) GetStatus(context.Context, int64) (types.RunStatus, error) {
	return f.status, nil
}

func profileHTML(start, count int, showMore bool, rangeEnd int) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="gsc_prf_in">Test Scholar</div><table>`)
	for i := 0; i < count; i++ {
		n := start + i
		fmt.Fprintf(&b, `<tr class="gsc_a_tr"><td><a class="gsc_a_at" href="/citations?citation_for_view=U:cl%d">Publication number %d about widget engineering</a>
<div class="gsc_a_desc"><div class="gs_gray">A Author%d</div><div class="gs_gray">Journal %d</div></div></td>
<td class="gsc_a_c"><a href="#">%d</a></td><td class="gsc_a_y"><span>2020</span></td></tr>`, n, n, n, n, n+1)
	}
	b.WriteString(`</table>`)
	if rangeEnd > 0 {
		fmt.Fprintf(&b, `<span id="gsc_a_nn">Articles %d-%d</span>`, start+1, rangeEnd)
	}
	if showMore {
		b.WriteString(`<button id="gsc_bpf_more">Show more</button>`)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

func okResult(body string) types.FetchResult {
	return types.FetchResult{StatusCode: 200, FinalURL: "https://scholar.google.com/citations?user=U", Body: []byte(body)}
}

func newTestFetcher(source *scriptedSource, status types.RunStatus) *Fetcher {
	f := New(source, &fixedStatus{status: status}, nil)
	f.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func defaultPolicy() Policy {
	return Policy{
		PageSize: 20, MaxPages: 5,
		NetworkErrorRetries: 2, RetryBackoffSeconds: 1,
		RateLimitRetries: 1, RateLimitBackoffSeconds: 1,
		RequestDelaySeconds: 0,
	}
}

func TestRun_SinglePageNoShowMore(t *testing.T) {
	source := &scriptedSource{results: []types.FetchResult{okResult(profileHTML(0, 3, false, 0))}}
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 4, "", defaultPolicy())

	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.PagesFetched)
	assert.Len(t, res.Publications, 3)
	assert.False(t, res.HasMoreRemaining)
	assert.Equal(t, StopNone, res.PaginationTruncatedReason)
	assert.NotEmpty(t, res.FirstPageFingerprint)
}

func TestRun_SkipsWhenInitialPageUnchanged(t *testing.T) {
	body := profileHTML(0, 3, false, 0)
	first, err := scholarparse.ParseProfilePage(okResult(body))
	require.NoError(t, err)
	fp, err := fingerprint.InitialPageFingerprint(first)
	require.NoError(t, err)

	source := &scriptedSource{results: []types.FetchResult{okResult(body)}}
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 4, fp, defaultPolicy())

	assert.True(t, res.SkippedNoChange)
	assert.Empty(t, res.Publications)
	assert.Equal(t, fp, res.FirstPageFingerprint)
}

func TestRun_PaginatesViaArticlesRange(t *testing.T) {
	source := &scriptedSource{results: []types.FetchResult{
		okResult(profileHTML(0, 20, true, 20)),
		okResult(profileHTML(20, 5, false, 0)),
	}}
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 4, "", defaultPolicy())

	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.PagesFetched)
	assert.Len(t, res.Publications, 25)
	assert.Equal(t, []int{0, 20}, source.requests)
	assert.False(t, res.HasMoreRemaining)
}

func TestRun_NetworkErrorRetriesThenGivesUp(t *testing.T) {
	netErr := types.FetchResult{Error: errors.New("connection timeout")}
	source := &scriptedSource{results: []types.FetchResult{netErr, netErr, netErr}}
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 4, "", defaultPolicy())

	assert.Equal(t, types.ParseStateNetworkError, res.FirstPageState)
	assert.Len(t, res.AttemptLog, 3, "initial attempt plus two retries")
	assert.Equal(t, 0, res.ContinuationCstart, "network error preserves the start cursor")
}

func TestRun_RateLimitRetriesLinear(t *testing.T) {
	blocked := types.FetchResult{StatusCode: 429, Body: []byte("slow down")}
	source := &scriptedSource{results: []types.FetchResult{blocked, blocked}}
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 4, "", defaultPolicy())

	assert.Equal(t, types.ParseStateBlockedOrCaptcha, res.FirstPageState)
	assert.Equal(t, "blocked_http_429_rate_limited", res.FirstPageStateReason)
	assert.Len(t, res.AttemptLog, 2, "initial attempt plus one rate-limit retry")
}

func TestRun_SecondPageNetworkErrorTruncates(t *testing.T) {
	netErr := types.FetchResult{Error: errors.New("read timeout")}
	source := &scriptedSource{results: []types.FetchResult{
		okResult(profileHTML(0, 20, true, 20)),
		netErr, netErr, netErr,
	}}
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 4, "", defaultPolicy())

	require.NoError(t, res.Err)
	assert.Len(t, res.Publications, 20, "first page publications are kept")
	assert.Equal(t, StopReasonForState(types.ParseStateNetworkError), res.PaginationTruncatedReason)
	assert.Equal(t, 20, res.ContinuationCstart, "continuation points at the failed page")
	assert.True(t, res.HasMoreRemaining)
}

func TestRun_MaxPagesTruncates(t *testing.T) {
	source := &scriptedSource{results: []types.FetchResult{
		okResult(profileHTML(0, 20, true, 20)),
		okResult(profileHTML(20, 20, true, 40)),
	}}
	policy := defaultPolicy()
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 1, "", policy)

	assert.Equal(t, StopMaxPagesReached, res.PaginationTruncatedReason)
	assert.Equal(t, 2, res.PagesFetched)
	assert.Equal(t, 40, res.ContinuationCstart)
	assert.True(t, res.HasMoreRemaining)
}

func TestRun_CanceledRunTruncatesBetweenPages(t *testing.T) {
	source := &scriptedSource{results: []types.FetchResult{
		okResult(profileHTML(0, 20, true, 20)),
	}}
	res := newTestFetcher(source, types.RunStatusCanceled).Run(context.Background(), 1, "U", 0, 4, "", defaultPolicy())

	assert.Equal(t, StopRunCanceled, res.PaginationTruncatedReason)
	assert.Equal(t, 0, res.ContinuationCstart, "cancellation keeps the current cursor")
	assert.Len(t, source.requests, 1, "no further fetch after cancellation")
}

func TestRun_LayoutErrorOnFirstPage(t *testing.T) {
	source := &scriptedSource{results: []types.FetchResult{okResult("<html><body>redesigned page</body></html>")}}
	res := newTestFetcher(source, types.RunStatusRunning).Run(context.Background(), 1, "U", 0, 4, "", defaultPolicy())

	require.Error(t, res.Err)
	var layoutErr *scholarparse.LayoutInvariantError
	assert.ErrorAs(t, res.Err, &layoutErr)
}

func TestNetworkBackoffSecondsExponential(t *testing.T) {
	assert.Equal(t, 2, networkBackoffSeconds(2, 1))
	assert.Equal(t, 4, networkBackoffSeconds(2, 2))
	assert.Equal(t, 8, networkBackoffSeconds(2, 3))
}
