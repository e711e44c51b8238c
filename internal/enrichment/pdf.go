package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// maxLandingPageBytes bounds how much of a DOI landing page is read when
// hunting for a PDF link. Landing pages past this size are cut off, not
// failed.
const maxLandingPageBytes = 2 << 20

// UnpaywallResolver finds an open-access PDF URL for a DOI. It asks the
// Unpaywall API first; when that yields nothing it performs at most one
// HTML hop over the DOI landing page looking for a PDF candidate link.
// Direct PDFs are recognized by path or query suffix.
type UnpaywallResolver struct {
	client *http.Client
	mailto string
}

// NewUnpaywallResolver builds a resolver. mailto is required by the
// Unpaywall API's terms and is sent on every request.
func NewUnpaywallResolver(client *http.Client, mailto string) *UnpaywallResolver {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &UnpaywallResolver{client: client, mailto: mailto}
}

type unpaywallLocation struct {
	URLForPDF string `json:"url_for_pdf"`
	URL       string `json:"url"`
}

type unpaywallResponse struct {
	IsOA           bool               `json:"is_oa"`
	BestOALocation *unpaywallLocation `json:"best_oa_location"`
}

// ResolvePDF returns a PDF URL for doi, or "" when none could be found.
// A failed Unpaywall API call is not returned: the resolver falls through
// to the doi.org landing-page hop. Errors come only from an empty DOI or
// from the landing-page request itself; "no open-access copy exists" is
// a "" result, not an error.
func (r *UnpaywallResolver) ResolvePDF(ctx context.Context, doi string) (string, error) {
	doi = strings.TrimSpace(doi)
	if doi == "" {
		return "", fmt.Errorf("empty doi")
	}

	if pdf, err := r.queryUnpaywall(ctx, doi); err == nil && pdf != "" {
		return pdf, nil
	}
	return r.followLandingPage(ctx, "https://doi.org/"+url.PathEscape(doi))
}

func (r *UnpaywallResolver) queryUnpaywall(ctx context.Context, doi string) (string, error) {
	endpoint := fmt.Sprintf("https://api.unpaywall.org/v2/%s?email=%s", url.PathEscape(doi), url.QueryEscape(r.mailto))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unpaywall status %d", resp.StatusCode)
	}

	var decoded unpaywallResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxLandingPageBytes)).Decode(&decoded); err != nil {
		return "", err
	}
	if decoded.BestOALocation == nil {
		return "", nil
	}
	if decoded.BestOALocation.URLForPDF != "" {
		return decoded.BestOALocation.URLForPDF, nil
	}
	if IsDirectPDFURL(decoded.BestOALocation.URL) {
		return decoded.BestOALocation.URL, nil
	}
	return "", nil
}

// followLandingPage fetches landingURL and scans its HTML for a PDF
// candidate: a citation_pdf_url meta tag or an anchor whose target is a
// direct PDF. This is the single permitted HTML hop; the candidate is
// resolved against the landing page's final URL and returned, never
// fetched.
func (r *UnpaywallResolver) followLandingPage(ctx context.Context, landingURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, landingURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html")
	if r.mailto != "" {
		req.Header.Set("From", r.mailto)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	finalURL := landingURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}
	if IsDirectPDFURL(finalURL) {
		return finalURL, nil
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil
	}
	if ct := resp.Header.Get("Content-Type"); strings.Contains(ct, "application/pdf") {
		return finalURL, nil
	}

	candidate := scanForPDFLink(io.LimitReader(resp.Body, maxLandingPageBytes))
	if candidate == "" {
		return "", nil
	}
	return absolutizeURL(finalURL, candidate), nil
}

// scanForPDFLink tokenizes HTML and returns the first PDF candidate:
// <meta name="citation_pdf_url"> wins over a plain <a href="...pdf">.
func scanForPDFLink(body io.Reader) string {
	tokenizer := html.NewTokenizer(body)
	anchorCandidate := ""
	for {
		tt := tokenizer.Next()
		if tt == html.ErrorToken {
			return anchorCandidate
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		token := tokenizer.Token()
		switch token.Data {
		case "meta":
			var name, content string
			for _, attr := range token.Attr {
				switch attr.Key {
				case "name":
					name = attr.Val
				case "content":
					content = attr.Val
				}
			}
			if name == "citation_pdf_url" && content != "" {
				return content
			}
		case "a":
			if anchorCandidate != "" {
				continue
			}
			for _, attr := range token.Attr {
				if attr.Key == "href" && IsDirectPDFURL(attr.Val) {
					anchorCandidate = attr.Val
					break
				}
			}
		}
	}
}

// IsDirectPDFURL reports whether raw points at a PDF by path or query
// suffix.
func IsDirectPDFURL(raw string) bool {
	if raw == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".pdf") {
		return true
	}
	for _, values := range u.Query() {
		for _, v := range values {
			if strings.HasSuffix(strings.ToLower(v), ".pdf") {
				return true
			}
		}
	}
	return false
}

func absolutizeURL(base, ref string) string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
