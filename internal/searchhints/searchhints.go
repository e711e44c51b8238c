// Package searchhints suggests corrected scholar IDs when a configured
// profile comes back missing. When a scholar's profile page 404s or
// parses to NO_RESULTS on first run, the run engine's caller can consult
// the author-search page for candidates matching the scholar's display
// name. Hints are advisory only — they are surfaced to the user, never
// auto-applied to the profile.
package searchhints

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/agnivade/levenshtein"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/scholarparse"
	"github.com/scholarr/ingestcore/internal/scholarsource"
	"github.com/scholarr/ingestcore/internal/sharedcache"
	"github.com/scholarr/ingestcore/internal/types"
)

const serviceName = "author_search"

// minHintConfidence is the floor below which a candidate is not worth
// surfacing at all.
const minHintConfidence = 0.35

// Hinter resolves author-search hints through the shared cache, with
// single-flight coalescing and the author-search politeness gate.
type Hinter struct {
	Source   scholarsource.Source
	Cache    *sharedcache.FeedCache
	Inflight *sharedcache.InflightGroup
	Gate     *sharedcache.PolitenessGate
	Cfg      config.AuthorSearchConfig
	Logger   *slog.Logger

	now func() time.Time
}

// New builds a Hinter and registers the author_search service on the
// politeness gate.
func New(source scholarsource.Source, cache *sharedcache.FeedCache, inflight *sharedcache.InflightGroup, gate *sharedcache.PolitenessGate, cfg config.AuthorSearchConfig, logger *slog.Logger) *Hinter {
	if gate != nil {
		gate.RegisterService(serviceName, 0.2, 1)
	}
	return &Hinter{Source: source, Cache: cache, Inflight: inflight, Gate: gate, Cfg: cfg, Logger: logger, now: time.Now}
}

func (h *Hinter) log() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// Suggest returns up to limit hints for query (typically the scholar's
// configured display name), best first. An empty result means the search
// page had no plausible candidates, not an error.
func (h *Hinter) Suggest(ctx context.Context, query string, limit int) ([]types.ScholarSearchHint, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("empty search query")
	}
	if limit <= 0 {
		limit = 5
	}

	candidates, err := h.searchCandidates(ctx, query)
	if err != nil {
		return nil, err
	}

	hints := make([]types.ScholarSearchHint, 0, len(candidates))
	for _, c := range candidates {
		if c.ScholarID == "" {
			continue
		}
		confidence := nameConfidence(query, c.DisplayName)
		if confidence < minHintConfidence {
			continue
		}
		hints = append(hints, types.ScholarSearchHint{
			ScholarID:   c.ScholarID,
			DisplayName: c.DisplayName,
			Confidence:  confidence,
		})
	}
	sort.SliceStable(hints, func(i, j int) bool { return hints[i].Confidence > hints[j].Confidence })
	if len(hints) > limit {
		hints = hints[:limit]
	}
	return hints, nil
}

// searchCandidates resolves the author-search page for query: cache
// first, then a single-flighted fetch behind the politeness gate.
func (h *Hinter) searchCandidates(ctx context.Context, query string) ([]types.ScholarSearchCandidate, error) {
	key := sharedcache.BuildQueryFingerprint(map[string]any{"search_query": query, "start": 0})

	if h.Cache != nil {
		if raw, err := h.Cache.GetCachedFeed(ctx, serviceName, key, h.now()); err == nil && raw != nil {
			var cached []types.ScholarSearchCandidate
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached, nil
			}
		}
	}

	fetch := func(ctx context.Context) (any, error) {
		if h.Gate != nil {
			if err := h.Gate.Allow(ctx, serviceName); err != nil {
				return nil, err
			}
		}
		if h.Cfg.JitterMillis > 0 {
			jitter := time.Duration(rand.Intn(h.Cfg.JitterMillis)) * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(jitter):
			}
		}

		result := h.Source.Fetch(ctx, types.FetchParams{Kind: types.FetchKindAuthorSearch, Query: query})
		page, err := scholarparse.ParseAuthorSearchPage(result)
		if err != nil {
			return nil, err
		}
		if page.State == types.ParseStateBlockedOrCaptcha {
			if h.Gate != nil {
				cooldown := time.Duration(h.Cfg.CooldownSeconds) * time.Second
				if gateErr := h.Gate.RecordBlocked(ctx, serviceName, h.Cfg.CooldownAfterBlocked, cooldown); gateErr != nil {
					h.log().Warn("record author-search block failed", "error", gateErr)
				}
			}
			return nil, fmt.Errorf("author search blocked: %s", page.StateReason)
		}
		if page.State != types.ParseStateOK && page.State != types.ParseStateNoResults {
			return nil, fmt.Errorf("author search unusable: %s", page.StateReason)
		}
		if h.Gate != nil {
			if gateErr := h.Gate.RecordSuccess(ctx, serviceName); gateErr != nil {
				h.log().Warn("record author-search success failed", "error", gateErr)
			}
		}

		if h.Cache != nil {
			if payload, marshalErr := json.Marshal(page.Candidates); marshalErr == nil {
				ttl := time.Duration(h.Cfg.CacheTTLSeconds) * time.Second
				if cacheErr := h.Cache.SetCachedFeed(ctx, serviceName, key, payload, ttl, h.Cfg.CacheMaxEntries, h.now()); cacheErr != nil {
					h.log().Warn("cache author-search feed failed", "error", cacheErr)
				}
			}
		}
		return page.Candidates, nil
	}

	var value any
	var err error
	if h.Inflight != nil {
		value, err = h.Inflight.RunWithInflightDedupe(ctx, serviceName+":"+key, fetch)
	} else {
		value, err = fetch(ctx)
	}
	if err != nil {
		return nil, err
	}
	candidates, ok := value.([]types.ScholarSearchCandidate)
	if !ok {
		return nil, fmt.Errorf("unexpected author-search result type %T", value)
	}
	return candidates, nil
}

// nameConfidence scores how well a candidate's display name matches the
// query, as 1 - normalized edit distance over lowercased names.
func nameConfidence(query, candidate string) float64 {
	a := strings.ToLower(strings.Join(strings.Fields(query), " "))
	b := strings.ToLower(strings.Join(strings.Fields(candidate), " "))
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	dist := levenshtein.ComputeDistance(a, b)
	maxLen := len(a)
	if len(b) > maxLen {
		maxLen = len(b)
	}
	score := 1 - float64(dist)/float64(maxLen)
	if score < 0 {
		return 0
	}
	return score
}
