package scholarparse

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestcore/internal/types"
)

const profilePageHTML = `<html><body>
<div id="gsc_prf_in">Ada Lovelace</div>
<img id="gsc_prf_pup-img" src="/citations/images/avatar.jpg">
<table>
<tr class="gsc_a_tr">
  <td class="gsc_a_t">
    <a class="gsc_a_at" href="/citations?view_op=view_citation&user=AbCdEfGhIjKl&citation_for_view=AbCdEfGhIjKl:u5HHmVD_uO8C">Notes on the Analytical Engine</a>
    <div class="gsc_a_desc">
      <div class="gs_gray">A Lovelace, C Babbage</div>
      <div class="gs_gray">Scientific Memoirs 3</div>
    </div>
  </td>
  <td class="gsc_a_c"><a href="#">1,234</a></td>
  <td class="gsc_a_y"><span>1843</span></td>
</tr>
<tr class="gsc_a_tr">
  <td class="gsc_a_t">
    <a class="gsc_a_at" href="/citations?view_op=view_citation&user=AbCdEfGhIjKl&citation_for_view=AbCdEfGhIjKl:2osOgNQ5qMEC">Sketch of the Analytical Engine</a>
    <div class="gsc_a_desc">
      <div class="gs_gray">A Lovelace</div>
      <div class="gs_gray">Taylor's Scientific Memoirs</div>
    </div>
  </td>
  <td class="gsc_a_c"><a href="#">567</a></td>
  <td class="gsc_a_y"><span>1842</span></td>
</tr>
</table>
<span id="gsc_a_nn">Articles 1&ndash;2</span>
<button id="gsc_bpf_more">Show more</button>
</body></html>`

func profileFetchResult(body string) types.FetchResult {
	return types.FetchResult{
		RequestedURL: "https://scholar.google.com/citations?user=AbCdEfGhIjKl",
		StatusCode:   200,
		FinalURL:     "https://scholar.google.com/citations?user=AbCdEfGhIjKl",
		Body:         []byte(body),
	}
}

func TestParseProfilePage_ExtractsRows(t *testing.T) {
	page, err := ParseProfilePage(profileFetchResult(profilePageHTML))
	require.NoError(t, err)

	assert.Equal(t, types.ParseStateOK, page.State)
	assert.Equal(t, "publications_extracted", page.StateReason)
	assert.Equal(t, "Ada Lovelace", page.ProfileName)
	assert.Equal(t, "/citations/images/avatar.jpg", page.ProfileImageURL)
	assert.True(t, page.HasShowMoreButton)
	assert.Equal(t, 2, page.MarkerCounts["gsc_a_tr"])

	require.Len(t, page.Publications, 2)
	first := page.Publications[0]
	assert.Equal(t, "Notes on the Analytical Engine", first.Title)
	assert.Equal(t, "cfv:AbCdEfGhIjKl:u5HHmVD_uO8C", first.ClusterID)
	assert.Equal(t, "A Lovelace, C Babbage", first.AuthorsText)
	assert.Equal(t, "Scientific Memoirs 3", first.VenueText)
	require.NotNil(t, first.CitationCount)
	assert.Equal(t, 1234, *first.CitationCount, "thousands separator must be stripped")
	require.NotNil(t, first.Year)
	assert.Equal(t, 1843, *first.Year)
}

func TestParseProfilePage_429IsBlocked(t *testing.T) {
	result := profileFetchResult("Too Many Requests")
	result.StatusCode = 429
	page, err := ParseProfilePage(result)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStateBlockedOrCaptcha, page.State)
	assert.Equal(t, "blocked_http_429_rate_limited", page.StateReason)
}

func TestParseProfilePage_RateLimitBannerIsBlocked(t *testing.T) {
	result := profileFetchResult(`<html><body>Our systems have detected unusual traffic from your computer network.</body></html>`)
	page, err := ParseProfilePage(result)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStateBlockedOrCaptcha, page.State)
	assert.Equal(t, "blocked_http_429_rate_limited", page.StateReason)
}

func TestParseProfilePage_SignInRedirect(t *testing.T) {
	result := profileFetchResult("<html><body>Sign in</body></html>")
	result.FinalURL = "https://accounts.google.com/ServiceLogin?continue=https://scholar.google.com/"
	page, err := ParseProfilePage(result)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStateBlockedOrCaptcha, page.State)
	assert.Equal(t, "blocked_accounts_redirect", page.StateReason)
}

func TestParseProfilePage_NetworkErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		errMsg string
		reason string
	}{
		{"dns", "lookup scholar.google.com: no such host", "network_dns_resolution_failed"},
		{"timeout", "context deadline exceeded (Client.Timeout exceeded)", "network_timeout"},
		{"tls", "tls: failed to verify certificate", "network_tls_error"},
		{"other", "connection reset by peer", "network_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			result := types.FetchResult{RequestedURL: "https://scholar.google.com/", Error: errors.New(tc.errMsg)}
			page, err := ParseProfilePage(result)
			require.Error(t, err)
			assert.Equal(t, types.ParseStateNetworkError, page.State)
			assert.Equal(t, tc.reason, page.StateReason)
		})
	}
}

func TestParseProfilePage_MissingProfileMarkerIsLayoutError(t *testing.T) {
	_, err := ParseProfilePage(profileFetchResult("<html><body><p>nothing recognizable</p></body></html>"))
	var layoutErr *LayoutInvariantError
	require.ErrorAs(t, err, &layoutErr)
}

func TestParseProfilePage_UnparseableCitationIsLayoutError(t *testing.T) {
	html := `<html><body>
<div id="gsc_prf_in">Ada Lovelace</div>
<table><tr class="gsc_a_tr">
  <td><a class="gsc_a_at" href="/citations?citation_for_view=X:Y">A title</a></td>
  <td class="gsc_a_c"><a href="#">approx. many</a></td>
</tr></table>
</body></html>`
	_, err := ParseProfilePage(profileFetchResult(html))
	var layoutErr *LayoutInvariantError
	require.ErrorAs(t, err, &layoutErr)
}

func TestParseProfilePage_NoRowsWithMarkersIsOK(t *testing.T) {
	html := `<html><body><div id="gsc_prf_in">New Scholar</div></body></html>`
	page, err := ParseProfilePage(profileFetchResult(html))
	require.NoError(t, err)
	assert.Equal(t, types.ParseStateOK, page.State)
	assert.Equal(t, "no_rows_with_known_markers", page.StateReason)
	assert.Empty(t, page.Publications)
}

const authorSearchHTML = `<html><body>
<div class="gsc_1usr">
  <h3 class="gs_ai_name"><a href="/citations?hl=en&user=AbCdEfGhIjKl">Ada Lovelace</a></h3>
  <div class="gs_ai_aff">University of London</div>
</div>
<div class="gsc_1usr">
  <h3 class="gs_ai_name"><a href="/citations?hl=en&user=MnOpQrStUvWx">Ada B. Lovelace</a></h3>
  <div class="gs_ai_aff">Analytical Engines Inc</div>
</div>
</body></html>`

func TestParseAuthorSearchPage_ExtractsCandidates(t *testing.T) {
	result := types.FetchResult{
		RequestedURL: "https://scholar.google.com/citations?view_op=search_authors&mauthors=lovelace",
		StatusCode:   200,
		FinalURL:     "https://scholar.google.com/citations?view_op=search_authors&mauthors=lovelace",
		Body:         []byte(authorSearchHTML),
	}
	page, err := ParseAuthorSearchPage(result)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStateOK, page.State)
	require.Len(t, page.Candidates, 2)
	assert.Equal(t, "AbCdEfGhIjKl", page.Candidates[0].ScholarID)
	assert.Equal(t, "Ada Lovelace", page.Candidates[0].DisplayName)
	assert.Equal(t, "University of London", page.Candidates[0].Affiliation)
}

func TestParseAuthorSearchPage_NoCardsIsNoResults(t *testing.T) {
	result := types.FetchResult{StatusCode: 200, Body: []byte("<html><body>No results.</body></html>")}
	page, err := ParseAuthorSearchPage(result)
	require.NoError(t, err)
	assert.Equal(t, types.ParseStateNoResults, page.State)
}
