// Package scholarparse classifies and extracts structured data from raw
// Scholar HTML fetched by internal/scholarsource. It never raises for
// ordinary "nothing here" pages — only a genuine markup-shape mismatch
// (a required marker missing, or a row field that cannot be parsed
// under the assumed shape) becomes a LayoutInvariantError.
package scholarparse

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scholarr/ingestcore/internal/types"
)

var (
	thousandsSepRe = regexp.MustCompile(`[,\s]`)
	rateLimitBannerRe = regexp.MustCompile(`(?i)unusual traffic|automated queries|prove you.?re not a robot|recaptcha`)
)

// ParseProfilePage classifies a profile-page fetch result and, when the
// page is usable, extracts its publication rows.
func ParseProfilePage(result types.FetchResult) (types.ParsedProfilePage, error) {
	if netErr, reason, matched := classifyNetworkError(result); matched {
		return types.ParsedProfilePage{State: types.ParseStateNetworkError, StateReason: reason}, netErr
	}

	if result.HasStatusCode() && result.StatusCode == 429 {
		return types.ParsedProfilePage{State: types.ParseStateBlockedOrCaptcha, StateReason: "blocked_http_429_rate_limited"}, nil
	}
	if rateLimitBannerRe.Match(result.Body) {
		return types.ParsedProfilePage{State: types.ParseStateBlockedOrCaptcha, StateReason: "blocked_http_429_rate_limited"}, nil
	}

	if isSignInRedirect(result.FinalURL) {
		return types.ParsedProfilePage{State: types.ParseStateBlockedOrCaptcha, StateReason: "blocked_accounts_redirect"}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(result.Body)))
	if err != nil {
		return types.ParsedProfilePage{}, &LayoutInvariantError{Marker: "document", Details: err.Error()}
	}

	markerCounts := map[string]int{
		"gsc_prf_in": doc.Find(profileContainerSelector).Length(),
		"gsc_a_tr":   doc.Find(publicationRowSelector).Length(),
	}

	profileContainer := doc.Find(profileContainerSelector)
	if profileContainer.Length() == 0 {
		return types.ParsedProfilePage{}, &LayoutInvariantError{Marker: profileContainerSelector}
	}

	page := types.ParsedProfilePage{
		ProfileName:      strings.TrimSpace(profileContainer.First().Text()),
		ProfileImageURL:  imageSrc(doc),
		MarkerCounts:     markerCounts,
		HasShowMoreButton: doc.Find(showMoreButtonSelector).Length() > 0,
		ArticlesRange:    strings.TrimSpace(doc.Find(articlesRangeSelector).First().Text()),
	}

	rows := doc.Find(publicationRowSelector)
	if rows.Length() == 0 {
		page.State = types.ParseStateOK
		page.StateReason = "no_rows_with_known_markers"
		return page, nil
	}

	var rowErr error
	rows.EachWithBreak(func(_ int, row *goquery.Selection) bool {
		candidate, err := parseRow(row)
		if err != nil {
			rowErr = err
			return false
		}
		page.Publications = append(page.Publications, candidate)
		return true
	})
	if rowErr != nil {
		return types.ParsedProfilePage{}, rowErr
	}

	page.State = types.ParseStateOK
	page.StateReason = "publications_extracted"
	return page, nil
}

func parseRow(row *goquery.Selection) (types.PublicationCandidate, error) {
	titleLink := row.Find(titleLinkSelector).First()
	if titleLink.Length() == 0 {
		return types.PublicationCandidate{}, &LayoutInvariantError{Marker: titleLinkSelector}
	}
	title := strings.TrimSpace(titleLink.Text())
	href, _ := titleLink.Attr("href")

	candidate := types.PublicationCandidate{
		Title:    title,
		TitleURL: href,
	}

	if clusterID, ok := clusterIDFromHref(href); ok {
		candidate.ClusterID = clusterID
	}

	grayFields := row.Find(authorVenueSelector)
	if grayFields.Length() >= 1 {
		candidate.AuthorsText = strings.TrimSpace(grayFields.Eq(0).Text())
	}
	if grayFields.Length() >= 2 {
		candidate.VenueText = strings.TrimSpace(grayFields.Eq(1).Text())
	}

	if citeLink := row.Find(citationCountSelector).First(); citeLink.Length() > 0 {
		text := strings.TrimSpace(citeLink.Text())
		if text != "" {
			cleaned := thousandsSepRe.ReplaceAllString(text, "")
			if n, err := strconv.Atoi(cleaned); err == nil {
				candidate.CitationCount = &n
			} else {
				return types.PublicationCandidate{}, &LayoutInvariantError{Marker: citationCountSelector, Details: "unparseable citation count: " + text}
			}
		}
	}

	if yearText := strings.TrimSpace(row.Find(publicationYearSelector).First().Text()); yearText != "" {
		if y, err := strconv.Atoi(yearText); err == nil {
			candidate.Year = &y
		}
	}

	if pdfHref, ok := row.Find(pdfLinkSelector).First().Attr("href"); ok {
		candidate.PDFURL = pdfHref
	}

	return candidate, nil
}

func clusterIDFromHref(href string) (string, bool) {
	if href == "" {
		return "", false
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	raw := parsed.Query().Get(citationForViewParam)
	if raw == "" {
		return "", false
	}
	return "cfv:" + raw, true
}

func imageSrc(doc *goquery.Document) string {
	src, _ := doc.Find(profileImageSelector).First().Attr("src")
	return src
}

func isSignInRedirect(finalURL string) bool {
	if finalURL == "" {
		return false
	}
	parsed, err := url.Parse(finalURL)
	if err != nil {
		return false
	}
	return parsed.Host == signInHost
}

// ParseAuthorSearchPage classifies an author-search fetch result and, when
// usable, extracts the candidate scholar cards.
func ParseAuthorSearchPage(result types.FetchResult) (types.ParsedAuthorSearchPage, error) {
	if netErr, reason, matched := classifyNetworkError(result); matched {
		return types.ParsedAuthorSearchPage{State: types.ParseStateNetworkError, StateReason: reason}, netErr
	}
	if result.HasStatusCode() && result.StatusCode == 429 {
		return types.ParsedAuthorSearchPage{State: types.ParseStateBlockedOrCaptcha, StateReason: "blocked_http_429_rate_limited"}, nil
	}
	if rateLimitBannerRe.Match(result.Body) {
		return types.ParsedAuthorSearchPage{State: types.ParseStateBlockedOrCaptcha, StateReason: "blocked_http_429_rate_limited"}, nil
	}
	if isSignInRedirect(result.FinalURL) {
		return types.ParsedAuthorSearchPage{State: types.ParseStateBlockedOrCaptcha, StateReason: "blocked_accounts_redirect"}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(result.Body)))
	if err != nil {
		return types.ParsedAuthorSearchPage{}, &LayoutInvariantError{Marker: "document", Details: err.Error()}
	}

	cards := doc.Find(authorSearchCardSelector)
	page := types.ParsedAuthorSearchPage{}
	if cards.Length() == 0 {
		page.State = types.ParseStateNoResults
		page.StateReason = "no_authors_found"
		return page, nil
	}

	cards.Each(func(_ int, card *goquery.Selection) {
		nameLink := card.Find(authorSearchNameSelector).First()
		name := strings.TrimSpace(nameLink.Text())
		href, _ := nameLink.Attr("href")
		scholarID := scholarIDFromHref(href)
		if scholarID == "" {
			page.Warnings = append(page.Warnings, "author_search_card_missing_user_id")
			return
		}
		page.Candidates = append(page.Candidates, types.ScholarSearchCandidate{
			ScholarID:   scholarID,
			DisplayName: name,
			Affiliation: strings.TrimSpace(card.Find(authorSearchAffilSel).First().Text()),
		})
	})

	page.State = types.ParseStateOK
	page.StateReason = "publications_extracted"
	return page, nil
}

func scholarIDFromHref(href string) string {
	if href == "" {
		return ""
	}
	parsed, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return parsed.Query().Get(scholarUserParam)
}

// classifyNetworkError inspects a fetch-level error (no status code
// received at all) into the machine-readable network_* reason tags.
// Per spec §4.2 rule 1, this only fires when the fetch carries an error
// and never received a status code.
func classifyNetworkError(result types.FetchResult) (error, string, bool) {
	if result.Error == nil || result.HasStatusCode() {
		return nil, "", false
	}
	msg := strings.ToLower(result.Error.Error())
	switch {
	case strings.Contains(msg, "dns") || strings.Contains(msg, "no such host") || strings.Contains(msg, "lookup"):
		return result.Error, "network_dns_resolution_failed", true
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded"):
		return result.Error, "network_timeout", true
	case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate") || strings.Contains(msg, "x509"):
		return result.Error, "network_tls_error", true
	default:
		return result.Error, "network_error", true
	}
}
