package enrichment

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/sharedcache"
	"github.com/scholarr/ingestcore/internal/types"
)

const arxivService = "arxiv"

// arxivFeed mirrors the subset of the arXiv Atom export the gateway
// cares about: the feed's entries, in result order.
type arxivFeed struct {
	XMLName xml.Name      `xml:"feed"`
	Entries []arxivEntry  `xml:"entry"`
}

type arxivEntry struct {
	ID string `xml:"id"`
}

var nonAlnumSpace = regexp.MustCompile(`[^a-z0-9]+`)

// normalizeArxivQueryTitle lowercases, NFKC-normalizes, strips non
// alphanumeric runs and collapses whitespace, mirroring the gateway's
// title-query normalization so punctuation and compatibility-form
// variants don't change the search. Letters outside a-z, accented ones
// included, become spaces rather than being folded to ASCII.
func normalizeArxivQueryTitle(title string) string {
	folded := norm.NFKC.String(title)
	lower := strings.ToLower(folded)
	cleaned := nonAlnumSpace.ReplaceAllString(lower, " ")
	return strings.TrimSpace(cleaned)
}

// buildArxivQuery constructs the ti:/au: query arXiv's search_query
// parameter expects for a title/author-surname pair.
func buildArxivQuery(title, authorSurname string) string {
	normTitle := normalizeArxivQueryTitle(title)
	normAuthor := normalizeArxivQueryTitle(authorSurname)
	if normAuthor == "" {
		return fmt.Sprintf(`ti:"%s"`, normTitle)
	}
	return fmt.Sprintf(`ti:"%s" AND au:"%s"`, normTitle, normAuthor)
}

// ArxivGateway discovers arXiv identifiers for publications by title
// and author surname, through the shared feed cache, single-flight
// coalescing, and politeness gate.
type ArxivGateway struct {
	httpClient *http.Client
	cfg        config.ArxivConfig
	cache      *sharedcache.FeedCache
	inflight   *sharedcache.InflightGroup
	gate       *sharedcache.PolitenessGate
}

// NewArxivGateway builds a gateway wired to the shared cache components.
func NewArxivGateway(cfg config.ArxivConfig, cache *sharedcache.FeedCache, inflight *sharedcache.InflightGroup, gate *sharedcache.PolitenessGate) *ArxivGateway {
	gate.RegisterService(arxivService, 1.0/3.0, 1)
	return &ArxivGateway{
		httpClient: &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		cfg:        cfg,
		cache:      cache,
		inflight:   inflight,
		gate:       gate,
	}
}

// DiscoverArxivIDForPublication returns the first arXiv id matching
// title/authorSurname, or "" if nothing was found. ArxivRateLimitError
// propagates to the caller (spec: discovery is disabled for the rest of
// the pass when this fires); every other error is swallowed and nil, ""
// is returned, matching the reference gateway's fail-open behavior.
func (g *ArxivGateway) DiscoverArxivIDForPublication(ctx context.Context, title, authorSurname string) (string, error) {
	if !g.cfg.Enabled {
		return "", nil
	}
	query := buildArxivQuery(title, authorSurname)

	fingerprintKey := sharedcache.BuildQueryFingerprint(map[string]any{"search_query": query})
	if cached, err := g.cache.GetCachedFeed(ctx, arxivService, fingerprintKey, time.Now()); err == nil && cached != nil {
		var id string
		if jsonErr := json.Unmarshal(cached, &id); jsonErr == nil {
			return id, nil
		}
	}

	result, err := g.inflight.RunWithInflightDedupe(ctx, arxivService+":"+fingerprintKey, func(ctx context.Context) (any, error) {
		return g.fetchFirstID(ctx, query)
	})
	if err != nil {
		var rateLimit *types.ArxivRateLimitError
		if asArxivRateLimit(err, &rateLimit) {
			return "", rateLimit
		}
		return "", nil
	}
	id := result.(string)

	if raw, encErr := json.Marshal(id); encErr == nil {
		ttl := time.Duration(g.cfg.CacheTTLSeconds) * time.Second
		_ = g.cache.SetCachedFeed(ctx, arxivService, fingerprintKey, raw, ttl, g.cfg.CacheMaxEntries, time.Now())
	}
	return id, nil
}

func asArxivRateLimit(err error, target **types.ArxivRateLimitError) bool {
	rl, ok := err.(*types.ArxivRateLimitError)
	if !ok {
		return false
	}
	*target = rl
	return true
}

func (g *ArxivGateway) fetchFirstID(ctx context.Context, query string) (string, error) {
	if err := g.gate.Allow(ctx, arxivService); err != nil {
		if cooldown, ok := err.(*sharedcache.ErrServiceCooldown); ok {
			return "", &types.ArxivRateLimitError{RetryAfter: time.Until(cooldown.CooldownUntil)}
		}
		return "", err
	}

	v := url.Values{}
	v.Set("search_query", query)
	v.Set("start", "0")
	v.Set("max_results", "1")
	reqURL := "https://export.arxiv.org/api/query?" + v.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("build arxiv request: %w", err)
	}
	if g.cfg.Mailto != "" {
		req.Header.Set("User-Agent", fmt.Sprintf("scholarr-ingest/1.0 (mailto:%s)", g.cfg.Mailto))
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		_ = g.gate.RecordBlocked(ctx, arxivService, g.cfg.CooldownAfterBlocked, g.cfg.CooldownSeconds)
		return "", &types.ArxivUnavailableError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests {
		_ = g.gate.RecordBlocked(ctx, arxivService, g.cfg.CooldownAfterBlocked, g.cfg.CooldownSeconds)
		return "", &types.ArxivRateLimitError{RetryAfter: g.cfg.CooldownSeconds}
	}
	if resp.StatusCode != http.StatusOK {
		_ = g.gate.RecordBlocked(ctx, arxivService, g.cfg.CooldownAfterBlocked, g.cfg.CooldownSeconds)
		return "", &types.ArxivUnavailableError{Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	_ = g.gate.RecordSuccess(ctx, arxivService)

	var feed arxivFeed
	if err := xml.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return "", &types.ArxivUnavailableError{Err: err}
	}

	return firstDiscoveredID(feed), nil
}

// firstDiscoveredID returns the arXiv id portion of the first entry
// whose id URL looks like an arXiv abs link, or "".
func firstDiscoveredID(feed arxivFeed) string {
	for _, e := range feed.Entries {
		id := e.ID
		if idx := strings.LastIndex(id, "/abs/"); idx >= 0 {
			return id[idx+len("/abs/"):]
		}
	}
	return ""
}
