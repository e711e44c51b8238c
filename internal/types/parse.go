package types

// ParseState is the classification a parsed Scholar page lands on, in the
// priority order spelled out by the parser's classification rules.
type ParseState string

const (
	ParseStateOK                 ParseState = "ok"
	ParseStateNoResults          ParseState = "no_results"
	ParseStateBlockedOrCaptcha   ParseState = "blocked_or_captcha"
	ParseStateLayoutChanged      ParseState = "layout_changed"
	ParseStateNetworkError       ParseState = "network_error"
)

// PublicationCandidate is one row extracted from a profile or
// author-search page, prior to fingerprinting and persistence.
type PublicationCandidate struct {
	Title         string
	TitleURL      string
	ClusterID     string // derived from citation_for_view=X:Y as "cfv:X:Y"
	Year          *int
	CitationCount *int
	AuthorsText   string
	VenueText     string
	PDFURL        string
}

// ParsedProfilePage is C2's output for a profile_page fetch.
type ParsedProfilePage struct {
	State             ParseState
	StateReason       string
	ProfileName       string
	ProfileImageURL   string
	Publications      []PublicationCandidate
	MarkerCounts      map[string]int
	Warnings          []string
	HasShowMoreButton bool
	ArticlesRange     string // "Articles N-M", empty if absent
}

// ScholarSearchCandidate is one row from an author-search page.
type ScholarSearchCandidate struct {
	ScholarID   string
	DisplayName string
	Affiliation string
}

// ParsedAuthorSearchPage is C2's output for an author_search fetch.
type ParsedAuthorSearchPage struct {
	State       ParseState
	StateReason string
	Candidates  []ScholarSearchCandidate
	Warnings    []string
}

// ScholarSearchHint is the advisory result of the search-hints
// supplemental feature: when a scholar profile 404s or returns
// NO_RESULTS, the author-search page may suggest a corrected scholar_id.
// It is never auto-applied.
type ScholarSearchHint struct {
	ScholarID   string
	DisplayName string
	Confidence  float64
}
