package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"

	"github.com/scholarr/ingestcore/internal/types"
)

// MaxInitialPageFingerprintPublications bounds how many leading
// publications feed the initial-page fingerprint.
const MaxInitialPageFingerprintPublications = 30

// PublicationFingerprint builds the cross-scholar, cross-run identity
// key for a scraped candidate: sha256 of the pipe-joined normalized
// title, year, first author last name, and first venue word.
func PublicationFingerprint(normalizedTitle string, year *int, firstAuthorLastName, firstVenueWord string) string {
	yearStr := ""
	if year != nil {
		yearStr = strconv.Itoa(*year)
	}
	joined := normalizedTitle + "|" + yearStr + "|" + firstAuthorLastName + "|" + firstVenueWord
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// CanonicalTitleHash hashes the noise-stripped canonical title, used to
// catch near-duplicates whose raw normalized title differs (DOI/arXiv
// suffix variance) but whose venue noise has been stripped away.
func CanonicalTitleHash(canonicalTitle string) string {
	sum := sha256.Sum256([]byte(canonicalTitle))
	return hex.EncodeToString(sum[:])
}

// BuildPublicationFingerprint derives every fingerprint input from a raw
// parsed candidate in one step.
func BuildPublicationFingerprint(c types.PublicationCandidate) (fingerprintSHA256, canonicalTitleHash string) {
	normTitle := NormalizeTitle(c.Title)
	canonical := CanonicalTitleForDedup(c.Title)
	firstAuthor := FirstAuthorLastName(c.AuthorsText)
	firstVenue := FirstVenueWord(c.VenueText)
	return PublicationFingerprint(normTitle, c.Year, firstAuthor, firstVenue), CanonicalTitleHash(canonical)
}

var articlesRangeNumberRe = regexp.MustCompile(`\d+`)

// NextCstart takes the second number (M) of a Scholar "Articles N-M"
// range string as the next page's cstart value.
func NextCstart(articlesRange string) (int, bool) {
	matches := articlesRangeNumberRe.FindAllString(articlesRange, -1)
	if len(matches) < 2 {
		return 0, false
	}
	v, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// BuildPublicationURL resolves a possibly-relative Scholar link against
// the canonical Scholar origin.
func BuildPublicationURL(href string) string {
	if href == "" {
		return ""
	}
	base, err := url.Parse("https://scholar.google.com")
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

type initialPageFingerprintPublication struct {
	ClusterID     string `json:"cluster_id"`
	Title         string `json:"title_normalized"`
	Year          *int   `json:"year"`
	CitationCount *int   `json:"citation_count"`
}

type initialPageFingerprintPayload struct {
	ArticlesRange  string                               `json:"articles_range"`
	HasShowMore    bool                                 `json:"has_show_more"`
	ProfileName    string                                `json:"profile_name"`
	Publications   []initialPageFingerprintPublication  `json:"publications"`
	State          string                                `json:"state"`
}

// InitialPageFingerprint builds the short-circuit fingerprint for page 1
// of a scholar's profile. Only meaningful for parse states OK and
// NoResults — callers must not invoke this for blocked/layout-changed/
// network-error pages.
func InitialPageFingerprint(page types.ParsedProfilePage) (string, error) {
	if page.State != types.ParseStateOK && page.State != types.ParseStateNoResults {
		return "", fmt.Errorf("initial page fingerprint undefined for state %q", page.State)
	}
	pubs := page.Publications
	if len(pubs) > MaxInitialPageFingerprintPublications {
		pubs = pubs[:MaxInitialPageFingerprintPublications]
	}
	payload := initialPageFingerprintPayload{
		ArticlesRange: page.ArticlesRange,
		HasShowMore:   page.HasShowMoreButton,
		ProfileName:   page.ProfileName,
		State:         string(page.State),
	}
	for _, p := range pubs {
		payload.Publications = append(payload.Publications, initialPageFingerprintPublication{
			ClusterID:     p.ClusterID,
			Title:         NormalizeTitle(p.Title),
			Year:          p.Year,
			CitationCount: p.CitationCount,
		})
	}
	canonical, err := canonicalJSON(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals v, decodes the result into generic values and
// re-encodes it with every object's keys in sorted order, for a stable
// cross-run hash. String values keep encoding/json's default escaping.
func canonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return marshalSorted(generic)
}

func marshalSorted(v any) ([]byte, error) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := []byte("{")
		for i, k := range keys {
			if i > 0 {
				out = append(out, ',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			out = append(out, kb...)
			out = append(out, ':')
			vb, err := marshalSorted(val[k])
			if err != nil {
				return nil, err
			}
			out = append(out, vb...)
		}
		out = append(out, '}')
		return out, nil
	case []any:
		out := []byte("[")
		for i, item := range val {
			if i > 0 {
				out = append(out, ',')
			}
			ib, err := marshalSorted(item)
			if err != nil {
				return nil, err
			}
			out = append(out, ib...)
		}
		out = append(out, ']')
		return out, nil
	default:
		return json.Marshal(val)
	}
}
