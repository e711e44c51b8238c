package enrichment

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestTitleSimilarityIgnoresCaseAndPunctuation(t *testing.T) {
	a := "Attention Is All You Need"
	b := "attention is all you need."
	assert.Equal(t, 100.0, titleSimilarity(a, b))
}

func TestTitleSimilarityDisjointTitlesScoreLow(t *testing.T) {
	score := titleSimilarity("Attention Is All You Need", "A Survey of Database Sharding Techniques")
	assert.Less(t, score, 50.0)
}

func TestFindBestMatch_BelowThresholdReturnsNil(t *testing.T) {
	works := []OpenAlexWork{{Title: "Completely unrelated work about marine biology"}}
	match := findBestMatch("Attention Is All You Need", nil, nil, works)
	assert.Nil(t, match)
}

func TestFindBestMatch_TiebreakPrefersYearAndAuthors(t *testing.T) {
	title := "Deep residual learning for image recognition"
	works := []OpenAlexWork{
		{
			ID:              "W1",
			Title:           "Deep residual learning for image recognition",
			PublicationYear: intPtr(2023),
		},
		{
			ID:              "W2",
			Title:           "Deep residual learning for image recognition",
			PublicationYear: intPtr(2016),
			Authors:         []OpenAlexAuthor{{DisplayName: "Kaiming He"}},
		},
	}

	match := findBestMatch(title, intPtr(2016), []string{"K He"}, works)
	require.NotNil(t, match)
	assert.Equal(t, "W2", match.ID, "year and author overlap must break the tie")
}

func TestFindBestMatch_HighestSimilarityWinsWithoutTiebreak(t *testing.T) {
	title := "Gradient descent converges to minimizers"
	works := []OpenAlexWork{
		{ID: "W1", Title: "Gradient descent converges to minimizers"},
		{ID: "W2", Title: "Gradient descent sometimes converges to minimizers eventually"},
	}
	match := findBestMatch(title, nil, nil, works)
	require.NotNil(t, match)
	assert.Equal(t, "W1", match.ID)
}

func TestSafeTitleQueryStripsNonWordCharacters(t *testing.T) {
	got := safeTitleQuery(`"Attention, please!" — a (meta) study?`)
	assert.Equal(t, "Attention please a meta study", got)
}

func TestSplitAuthorsHandlesSeparatorsAndAnd(t *testing.T) {
	got := splitAuthors("A Smith, B Jones; C Lee & and D Kim")
	assert.Equal(t, []string{"A Smith", "B Jones", "C Lee", "D Kim"}, got)
}

func TestNormalizeDOIStripsPrefixAndCase(t *testing.T) {
	cases := map[string]string{
		"https://doi.org/10.1000/XYZ123": "10.1000/xyz123",
		"DOI:10.1000/xyz123":             "10.1000/xyz123",
		"10.1000/xyz123":                 "10.1000/xyz123",
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeDOI(raw), "input %q", raw)
	}
}

func TestIsDirectPDFURL(t *testing.T) {
	assert.True(t, IsDirectPDFURL("https://example.org/papers/attention.pdf"))
	assert.True(t, IsDirectPDFURL("https://example.org/download?file=paper.PDF"))
	assert.False(t, IsDirectPDFURL("https://example.org/abs/1706.03762"))
	assert.False(t, IsDirectPDFURL(""))
}

func TestScanForPDFLinkPrefersCitationMeta(t *testing.T) {
	html := `<html><head>
<meta name="citation_title" content="Some Paper">
<meta name="citation_pdf_url" content="https://example.org/full.pdf">
</head><body>
<a href="/other/thing.pdf">download</a>
</body></html>`
	got := scanForPDFLink(strings.NewReader(html))
	assert.Equal(t, "https://example.org/full.pdf", got)
}

func TestScanForPDFLinkFallsBackToAnchor(t *testing.T) {
	html := `<html><body><p>Paper page</p><a href="/files/paper.pdf">PDF</a></body></html>`
	got := scanForPDFLink(strings.NewReader(html))
	assert.Equal(t, "/files/paper.pdf", got)
}
