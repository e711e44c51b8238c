package enrichment

import (
	"regexp"
	"strings"

	"github.com/agnivade/levenshtein"
)

// titleMatchThreshold and tiebreakMargin are the similarity-ratio
// thresholds a candidate OpenAlex work must clear to be considered a
// match for a publication, and the score window within which year and
// author overlap break ties between near-equal candidates.
const (
	titleMatchThreshold = 90.0
	tiebreakMargin       = 5.0
)

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

// cleanTitle lowercases title, strips everything but letters and
// digits, and collapses the resulting runs to single spaces, so that
// punctuation and case differences never affect similarity scoring.
func cleanTitle(title string) string {
	lower := strings.ToLower(title)
	cleaned := nonAlnumRun.ReplaceAllString(lower, " ")
	return strings.TrimSpace(cleaned)
}

// titleSimilarity returns a 0-100 ratio of how alike two cleaned titles
// are, based on normalized Levenshtein edit distance. This is the Go
// equivalent of a fuzzy string ratio: identical strings score 100,
// completely disjoint strings of length n score close to 0.
func titleSimilarity(a, b string) float64 {
	ca, cb := cleanTitle(a), cleanTitle(b)
	if ca == "" && cb == "" {
		return 100
	}
	if ca == "" || cb == "" {
		return 0
	}
	dist := levenshtein.ComputeDistance(ca, cb)
	maxLen := len(ca)
	if len(cb) > maxLen {
		maxLen = len(cb)
	}
	if maxLen == 0 {
		return 100
	}
	return (1 - float64(dist)/float64(maxLen)) * 100
}

// authorSurname returns the last whitespace-separated token of a
// display name, lowercased, matching the convention used throughout the
// pipeline for loose author matching.
func authorSurname(name string) string {
	fields := strings.Fields(name)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

// authorOverlapScore returns 1 if any author of the candidate work
// plausibly overlaps with the publication's known authors (substring
// match on surname, or a fuzzy surname match above 80), else 0.
func authorOverlapScore(pubAuthors []string, work OpenAlexWork) float64 {
	if len(pubAuthors) == 0 || len(work.Authors) == 0 {
		return 0
	}
	for _, pa := range pubAuthors {
		paSurname := authorSurname(pa)
		if paSurname == "" {
			continue
		}
		for _, wa := range work.Authors {
			waSurname := authorSurname(wa.DisplayName)
			if waSurname == "" {
				continue
			}
			if strings.Contains(waSurname, paSurname) || strings.Contains(paSurname, waSurname) {
				return 1
			}
			if titleSimilarity(paSurname, waSurname) > 80 {
				return 1
			}
		}
	}
	return 0
}

// matchCandidate pairs a work with its score during selection.
type matchCandidate struct {
	work         OpenAlexWork
	score        float64
	tiebreakScore float64
}

// findBestMatch picks the best OpenAlex work for a publication out of a
// candidate list, following the reference matcher's two-pass approach:
// first rank by raw title similarity, then, among candidates within
// tiebreakMargin of the best score, prefer the one with matching
// publication year and author overlap. Returns nil if nothing clears
// titleMatchThreshold.
func findBestMatch(pubTitle string, pubYear *int, pubAuthors []string, works []OpenAlexWork) *OpenAlexWork {
	var candidates []matchCandidate
	best := 0.0
	for _, w := range works {
		score := titleSimilarity(pubTitle, w.Title)
		if score < titleMatchThreshold {
			continue
		}
		candidates = append(candidates, matchCandidate{work: w, score: score})
		if score > best {
			best = score
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	var finalists []matchCandidate
	for _, c := range candidates {
		if best-c.score <= tiebreakMargin {
			finalists = append(finalists, c)
		}
	}

	for i := range finalists {
		var tb float64
		if pubYear != nil && finalists[i].work.PublicationYear != nil {
			diff := *pubYear - *finalists[i].work.PublicationYear
			if diff < 0 {
				diff = -diff
			}
			if diff <= 1 {
				tb += 1
			}
		}
		tb += authorOverlapScore(pubAuthors, finalists[i].work)
		finalists[i].tiebreakScore = tb
	}

	winner := finalists[0]
	for _, c := range finalists[1:] {
		if c.tiebreakScore > winner.tiebreakScore ||
			(c.tiebreakScore == winner.tiebreakScore && c.score > winner.score) {
			winner = c
		}
	}
	result := winner.work
	return &result
}
