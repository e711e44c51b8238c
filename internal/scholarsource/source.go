// Package scholarsource fetches raw Google Scholar HTML: profile pages
// (paginated by cstart) and author-search results pages. It owns
// transport-level concerns only — decompression, redirects, retryable
// error classification, user-agent rotation, and an optional
// browser-driven fallback for pages that come back blocked. Parsing
// lives in internal/scholarparse.
package scholarsource

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/scholarr/ingestcore/internal/types"
)

// Source is the duck-typed capability the run engine depends on. No
// exceptions escape Fetch: a failure is reported inside the returned
// FetchResult's Error field, never as a panic or a non-nil Go error.
// StatusCode stays zero only when no response was received; a 429 or a
// body that could not be read carries both its StatusCode and an Error.
type Source interface {
	Fetch(ctx context.Context, params types.FetchParams) types.FetchResult
}

const scholarOrigin = "https://scholar.google.com"

func requestURLFor(params types.FetchParams) string {
	switch params.Kind {
	case types.FetchKindAuthorSearch:
		return authorSearchURL(params.Query, params.Start)
	default:
		return profilePageURL(params.ScholarID, params.Cstart)
	}
}

func profilePageURL(scholarID string, cstart int) string {
	v := url.Values{}
	v.Set("hl", "en")
	v.Set("user", scholarID)
	if cstart > 0 {
		v.Set("cstart", strconv.Itoa(cstart))
	}
	v.Set("pagesize", "20")
	return fmt.Sprintf("%s/citations?%s", scholarOrigin, v.Encode())
}

func authorSearchURL(query string, start int) string {
	v := url.Values{}
	v.Set("hl", "en")
	v.Set("view_op", "search_authors")
	v.Set("mauthors", query)
	if start > 0 {
		v.Set("astart", strconv.Itoa(start))
	}
	return fmt.Sprintf("%s/citations?%s", scholarOrigin, v.Encode())
}
