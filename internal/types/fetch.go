package types

// FetchKind distinguishes the two Scholar Source operations named in the
// component contract: a profile page fetch and an author-search fetch.
type FetchKind int

const (
	FetchKindProfilePage FetchKind = iota
	FetchKindAuthorSearch
)

// FetchParams carries the parameters for either fetch kind. Only the
// fields relevant to Kind are populated.
type FetchParams struct {
	Kind FetchKind

	// profile_page params
	ScholarID string
	Cstart    int
	PageSize  int

	// author_search params
	Query string
	Start int
}

// FetchResult is C1's sole output shape. No exceptions escape Fetch: a
// failure becomes a non-nil Error. A failure with no response received
// has a zero StatusCode; a 429 or an unreadable body keeps its StatusCode.
type FetchResult struct {
	RequestedURL string
	StatusCode   int // 0 means "no response received"
	FinalURL     string
	Body         []byte
	Error        error
}

// HasStatusCode reports whether a response was actually received from the
// remote (as opposed to a pure transport failure).
func (r *FetchResult) HasStatusCode() bool { return r.StatusCode > 0 }
