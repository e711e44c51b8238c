package fingerprint

import (
	"fmt"

	"github.com/scholarr/ingestcore/internal/types"
)

// Candidate pairs a parsed publication with its derived identity keys,
// ready for cross-page dedup within a single scholar's crawl.
type Candidate struct {
	Source             types.PublicationCandidate
	NormalizedTitle    string
	CanonicalTitle     string
	FingerprintSHA256  string
	CanonicalTitleHash string
	tokens             map[string]struct{}
}

// NewCandidate computes every derived field for a raw parsed candidate.
func NewCandidate(c types.PublicationCandidate) Candidate {
	fp, hash := BuildPublicationFingerprint(c)
	canonical := CanonicalTitleForDedup(c.Title)
	return Candidate{
		Source:             c,
		NormalizedTitle:    NormalizeTitle(c.Title),
		CanonicalTitle:     canonical,
		FingerprintSHA256:  fp,
		CanonicalTitleHash: hash,
		tokens:             canonicalTitleTokensForDedup(c.Title),
	}
}

// publicationIdentity returns cluster:<id> when a cluster id is present,
// otherwise a fallback key combining canonical title, year, and first
// author so cluster-less duplicates within the same page still collapse.
func publicationIdentity(c Candidate) string {
	if c.Source.ClusterID != "" {
		return "cluster:" + c.Source.ClusterID
	}
	year := ""
	if c.Source.Year != nil {
		year = fmt.Sprintf("%d", *c.Source.Year)
	}
	return "fallback|" + c.CanonicalTitle + "|" + year + "|" + FirstAuthorLastName(c.Source.AuthorsText)
}

// Deduper collapses fuzzy-duplicate candidates discovered across pages
// of a single scholar's crawl. Exact identity matches (cluster id, or
// the canonical/year/author fallback key) are deduped unconditionally;
// everything else falls back to token-set Jaccard similarity against
// every previously seen candidate.
type Deduper struct {
	seenIdentity map[string]int
	seenTokens   []map[string]struct{}
	kept         []Candidate
}

// NewDeduper returns an empty cross-page dedup accumulator.
func NewDeduper() *Deduper {
	return &Deduper{seenIdentity: make(map[string]int)}
}

// Add records candidate if it is not a duplicate of anything already
// seen, returning the index of the (possibly newly added) kept
// candidate, and whether it was a new addition.
func (d *Deduper) Add(c Candidate) (index int, added bool) {
	identity := publicationIdentity(c)
	if idx, ok := d.seenIdentity[identity]; ok {
		return idx, false
	}
	for i, tokens := range d.seenTokens {
		if isFuzzyDup(tokens, c.tokens) {
			d.seenIdentity[identity] = i
			return i, false
		}
	}
	idx := len(d.kept)
	d.kept = append(d.kept, c)
	d.seenTokens = append(d.seenTokens, c.tokens)
	d.seenIdentity[identity] = idx
	return idx, true
}

// Kept returns every distinct candidate accumulated so far, in the order
// first encountered.
func (d *Deduper) Kept() []Candidate {
	return d.kept
}

func isFuzzyDup(a, b map[string]struct{}) bool {
	return jaccard(a, b) >= CanonicalDedupThreshold
}
