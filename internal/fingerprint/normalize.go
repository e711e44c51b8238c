// Package fingerprint canonicalizes publication titles and computes the
// dedup keys that tie a scraped row to a globally shared Publication:
// the publication fingerprint, the canonical-title hash, and the
// initial-page fingerprint used to skip unchanged re-scrapes.
package fingerprint

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Scholar-specific noise patterns stripped before canonical comparison.
// Applied in order; each targets a different Scholar metadata injection
// style (DOI suffix, arXiv suffix, preprint/report tails, trailing year,
// trailing publication type, "in: Proceedings" tails, venue sentences).
var (
	noiseDOIRe               = regexp.MustCompile(`(?i)[,.\s]+doi\s*:\s*\S+.*$`)
	noiseArxivRe             = regexp.MustCompile(`(?i)[,.\s]+arxiv\b.*$`)
	noisePreprintRe          = regexp.MustCompile(`(?i)[,\s]+(?:preprint|extended\s+version|technical\s+report|working\s+paper)\b.*$`)
	noiseTrailingYearRe      = regexp.MustCompile(`\s*[,(]\s*\d{4}\s*[),]?\s*$`)
	noiseTrailingMonthYearRe = regexp.MustCompile(`(?i)\s*[,(]\s*(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{4}\s*[),]?\s*$`)
	noiseTrailingPubTypeRe   = regexp.MustCompile(`(?i)[,.\s]+(?:conference\s+paper|journal\s+article)\s*$`)
	noiseInProceedingsRe     = regexp.MustCompile(`(?i)\s+in:\s+proceedings\b.*$`)
	// RE2 has no lookbehind, so the 3-char prefix the original asserts
	// with (?<=\w{3}) is captured and restored by the replacement
	// instead of consumed.
	noiseVenueSentenceRe     = regexp.MustCompile(`(.{3})\.\s+[A-Z][a-z].*$`)
	mojibakeHintRe           = regexp.MustCompile(`[ÃÂâ]`)
	mojibakeCharRe           = regexp.MustCompile(`[ÃÂâ€œ”€™]`)
	metadataOrdinalRe        = regexp.MustCompile(`^\d+(st|nd|rd|th)$`)
	noiseLeadingDatePrefixRe = regexp.MustCompile(`(?i)^(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\s+\d{1,2}(?:\s*[-–]\s*\d{1,2})?\)?[,.\s:;-]+`)
	noiseLeadingAuthorFragRe = regexp.MustCompile(`(?i)^(?:and|&)\s+[a-z.\s]{1,40}:\s*`)
	spaceRe                  = regexp.MustCompile(`\s+`)
	titleAlnumRe             = regexp.MustCompile(`[^a-z0-9]+`)
	wordRe                   = regexp.MustCompile(`[a-z0-9]+`)
	htmlTagRe                = regexp.MustCompile(`(?s)<[^>]+>`)
)

var metadataSeparators = []string{" - ", " — ", ",", ";", ". "}

var venueHintTokens = map[string]bool{
	"aaai": true, "conference": true, "conf": true, "cvpr": true, "eccv": true,
	"iclr": true, "icml": true, "journal": true, "nips": true, "neurips": true,
	"proceedings": true, "proc": true, "symposium": true, "workshop": true,
}

var publicationTypeTokens = map[string]bool{
	"conference": true, "paper": true, "journal": true, "article": true,
}

const (
	minMetadataHintTokens    = 2
	minMetadataContextTokens = 4
	// CanonicalDedupThreshold is the token-set Jaccard similarity at or
	// above which two candidates are treated as the same publication within a
	// single run.
	CanonicalDedupThreshold = 0.82
)

// NormalizeTitle lowercases and strips all non-alphanumerics. Used for
// equality joins only (e.g. the initial-page fingerprint's title field).
func NormalizeTitle(value string) string {
	lowered := strings.ToLower(normalizedText(value))
	return titleAlnumRe.ReplaceAllString(lowered, "")
}

// CanonicalTitleForDedup strips Scholar-specific noise suffixes/prefixes
// then normalizes for the near-duplicate hash.
func CanonicalTitleForDedup(title string) string {
	return NormalizeTitle(canonicalTitleText(title))
}

// canonicalTitleTokensForDedup returns the noise-stripped lowercase word
// tokens of title, preserving token boundaries for Jaccard comparison.
func canonicalTitleTokensForDedup(title string) map[string]struct{} {
	stripped := strippedTitleForCanonical(title)
	return tokenSet(wordRe.FindAllString(stripped, -1))
}

func strippedTitleForCanonical(title string) string {
	t := canonicalTitleText(title)
	return strings.TrimSpace(strings.ToLower(t))
}

func canonicalTitleText(title string) string {
	t := normalizedText(title)
	t = stripNoiseSuffixes(t)
	t = stripVenueMetadataSuffixes(t)
	return strings.TrimSpace(noiseVenueSentenceRe.ReplaceAllString(t, "$1"))
}

func stripNoiseSuffixes(value string) string {
	t := stripLeadingNoisePrefixes(strings.TrimSpace(value))
	t = noiseDOIRe.ReplaceAllString(t, "")
	t = noiseArxivRe.ReplaceAllString(t, "")
	t = noisePreprintRe.ReplaceAllString(t, "")
	t = noiseTrailingYearRe.ReplaceAllString(t, "")
	t = noiseTrailingMonthYearRe.ReplaceAllString(t, "")
	t = noiseTrailingPubTypeRe.ReplaceAllString(t, "")
	t = noiseInProceedingsRe.ReplaceAllString(t, "")
	return strings.TrimSpace(t)
}

func stripVenueMetadataSuffixes(value string) string {
	stripped := strings.TrimSpace(value)
	for {
		idx, ok := metadataCutIndex(stripped)
		if !ok {
			return stripped
		}
		stripped = strings.TrimSpace(stripped[:idx])
	}
}

func metadataCutIndex(value string) (int, bool) {
	best := -1
	for _, sep := range metadataSeparators {
		start := 0
		for {
			idx := strings.Index(value[start:], sep)
			if idx < 0 {
				break
			}
			idx += start
			if idx <= 0 {
				start = idx + len(sep)
				continue
			}
			suffix := strings.TrimSpace(value[idx+len(sep):])
			if suffix != "" && looksLikeVenueMetadata(suffix) {
				if best == -1 || idx < best {
					best = idx
				}
			}
			start = idx + len(sep)
		}
	}
	if best == -1 {
		return 0, false
	}
	return best, true
}

func looksLikeVenueMetadata(value string) bool {
	tokens := wordRe.FindAllString(strings.ToLower(value), -1)
	if len(tokens) < minMetadataHintTokens {
		return false
	}
	hasHint := false
	for _, tok := range tokens {
		if isVenueHintToken(tok) {
			hasHint = true
			break
		}
	}
	if !hasHint {
		return false
	}
	hasYear := false
	hasOrdinal := false
	publicationTypeOnly := true
	for _, tok := range tokens {
		if isYearToken(tok) {
			hasYear = true
		}
		if metadataOrdinalRe.MatchString(tok) {
			hasOrdinal = true
		}
		if !publicationTypeTokens[tok] {
			publicationTypeOnly = false
		}
	}
	return hasYear || hasOrdinal || publicationTypeOnly || len(tokens) >= minMetadataContextTokens
}

func stripLeadingNoisePrefixes(value string) string {
	stripped := value
	for {
		next := strings.TrimSpace(noiseLeadingDatePrefixRe.ReplaceAllString(stripped, ""))
		next = strings.TrimSpace(noiseLeadingAuthorFragRe.ReplaceAllString(next, ""))
		if next == stripped {
			return stripped
		}
		stripped = next
	}
}

func isVenueHintToken(token string) bool {
	if venueHintTokens[token] {
		return true
	}
	return strings.HasPrefix(token, "conf") || strings.HasPrefix(token, "proceed")
}

func isYearToken(token string) bool {
	if len(token) != 4 {
		return false
	}
	for _, r := range token {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	year := 0
	for _, r := range token {
		year = year*10 + int(r-'0')
	}
	return year >= 1900 && year <= 2100
}

func normalizedText(value string) string {
	repaired := repairMojibake(strings.TrimSpace(value))
	normalized := norm.NFKC.String(repaired)
	cleaned := mojibakeCharRe.ReplaceAllString(normalized, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(cleaned, " "))
}

// repairMojibake re-decodes latin1-as-utf8 mojibake when doing so reduces
// the number of mojibake hint characters. Mirrors the heuristic used
// upstream: only flip when it strictly improves the score.
func repairMojibake(value string) string {
	if value == "" || !mojibakeHintRe.MatchString(value) {
		return value
	}
	repaired, ok := latin1FromUTF8(value)
	if !ok {
		return value
	}
	if mojibakeScore(repaired) < mojibakeScore(value) {
		return repaired
	}
	return value
}

// latin1FromUTF8 treats value's UTF-8 bytes as latin1 code points and
// re-decodes them as UTF-8, mirroring Python's
// value.encode("latin1").decode("utf-8"). Returns ok=false if value
// contains runes outside the latin1 range (encode("latin1") would raise
// UnicodeError) or if the result is not valid UTF-8.
func latin1FromUTF8(value string) (string, bool) {
	runes := []rune(value)
	buf := make([]byte, 0, len(runes))
	for _, r := range runes {
		if r > 0xFF {
			return "", false
		}
		buf = append(buf, byte(r))
	}
	if !utf8.Valid(buf) {
		return "", false
	}
	return string(buf), true
}

func mojibakeScore(value string) int {
	return len(mojibakeHintRe.FindAllString(value, -1))
}

func tokenSet(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// FirstAuthorLastName extracts the last word-token of the first author in
// a comma-separated authors_text field.
func FirstAuthorLastName(authorsText string) string {
	if authorsText == "" {
		return ""
	}
	first := strings.ToLower(strings.TrimSpace(strings.SplitN(authorsText, ",", 2)[0]))
	words := wordRe.FindAllString(first, -1)
	if len(words) == 0 {
		return ""
	}
	return words[len(words)-1]
}

// FirstVenueWord extracts the first word-token of venue_text.
func FirstVenueWord(venueText string) string {
	if venueText == "" {
		return ""
	}
	words := wordRe.FindAllString(strings.ToLower(venueText), -1)
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

// BuildBodyExcerpt flattens HTML tags/whitespace and, when the result is
// longer than maxChars bytes, keeps its first maxChars-1 bytes followed
// by "...". Used for per-scholar failure debug context.
func BuildBodyExcerpt(body string, maxChars int) string {
	if body == "" {
		return ""
	}
	flattened := strings.TrimSpace(spaceRe.ReplaceAllString(htmlTagRe.ReplaceAllString(body, " "), " "))
	if flattened == "" {
		return ""
	}
	if len(flattened) <= maxChars {
		return flattened
	}
	return flattened[:maxChars-1] + "..."
}
