package enrichment

import (
	"context"
	"fmt"
	"strings"

	"github.com/scholarr/ingestcore/internal/eventbus"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/types"
)

// normalizeDOI reduces every DOI spelling to the bare lowercase form:
// OpenAlex hands out "https://doi.org/10.x/...", Crossref and landing
// pages use "doi:10.x/...", and Scholar URLs carry the bare suffix. All
// three must normalize identically or the identifier dedup sweep never
// pairs them.
func normalizeDOI(raw string) string {
	v := strings.ToLower(strings.TrimSpace(raw))
	for _, prefix := range []string{"https://doi.org/", "http://doi.org/", "https://dx.doi.org/", "http://dx.doi.org/", "doi:"} {
		if strings.HasPrefix(v, prefix) {
			v = v[len(prefix):]
			break
		}
	}
	return strings.TrimRight(v, "/")
}

// syncIdentifiersFromWork writes every identifier an OpenAlex work
// carries (DOI/PMID/PMCID) onto pub, publishing an identifier_updated
// event for each one written, whether newly inserted or refreshed.
func syncIdentifiersFromWork(ctx context.Context, publications *repo.PublicationRepo, bus *eventbus.Bus, runID int64, pub types.Publication, work OpenAlexWork) error {
	type kv struct {
		kind  types.PublicationIdentifierKind
		value string
	}
	candidates := []kv{
		{types.IdentifierDOI, work.DOI},
		{types.IdentifierPMID, work.PMID},
		{types.IdentifierPMCID, work.PMCID},
	}
	for _, c := range candidates {
		if c.value == "" {
			continue
		}
		if err := addIdentifierAndPublish(ctx, publications, bus, runID, pub.ID, c.kind, c.value, 0.9, "openalex"); err != nil {
			return err
		}
	}
	return nil
}

func addIdentifierAndPublish(ctx context.Context, publications *repo.PublicationRepo, bus *eventbus.Bus, runID, publicationID int64, kind types.PublicationIdentifierKind, valueRaw string, confidence float64, source string) error {
	tx, err := publications.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin identifier transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ident := types.PublicationIdentifier{
		PublicationID:   publicationID,
		Kind:            kind,
		ValueRaw:        valueRaw,
		ValueNormalized: normalizeIdentifierValue(kind, valueRaw),
		ConfidenceScore: confidence,
		Source:          source,
	}
	if err := publications.AddIdentifier(ctx, tx, ident); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit identifier transaction: %w", err)
	}

	if bus != nil {
		bus.Publish(runID, types.EventIdentifierUpdated, types.IdentifierUpdatedPayload{
			PublicationID: publicationID,
			DisplayIdentifier: types.DisplayIdentifier{
				Kind:            kind,
				Value:           ident.ValueNormalized,
				ConfidenceScore: confidence,
			},
		})
	}
	return nil
}

func normalizeIdentifierValue(kind types.PublicationIdentifierKind, raw string) string {
	switch kind {
	case types.IdentifierDOI:
		return normalizeDOI(raw)
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

// discoverAndSyncArxiv runs the arXiv lookup for a single publication,
// recording a found id as an identifier and publishing the corresponding
// event. Returns the ArxivRateLimitError (if any) so the caller can stop
// issuing further arXiv lookups for the rest of the pass while DOI/local
// identifier sync continues uninterrupted.
func discoverAndSyncArxiv(ctx context.Context, gateway *ArxivGateway, publications *repo.PublicationRepo, bus *eventbus.Bus, runID int64, pub types.Publication) error {
	authorSurnameValue := authorSurname(pub.AuthorText)
	id, err := gateway.DiscoverArxivIDForPublication(ctx, pub.TitleRaw, authorSurnameValue)
	if err != nil {
		return err
	}
	if id == "" {
		return nil
	}
	return addIdentifierAndPublish(ctx, publications, bus, runID, pub.ID, types.IdentifierArxiv, id, 0.8, "arxiv")
}

// sweepDuplicates merges identifier-level and near-duplicate
// publications found across the whole table, a periodic repair pass
// that runs once at the end of each enrichment pass (SPEC_FULL's supplemented
// duplicate-repair feature).
func sweepDuplicates(ctx context.Context, publications *repo.PublicationRepo, logger logFn) {
	identPairs, err := publications.FindIdentifierDuplicates(ctx)
	if err != nil {
		logger("identifier duplicate sweep query failed", "error", err)
	} else {
		mergeAll(ctx, publications, identPairs, logger)
	}

	nearPairs, err := publications.FindNearDuplicates(ctx)
	if err != nil {
		logger("near-duplicate sweep query failed", "error", err)
		return
	}
	mergeAll(ctx, publications, nearPairs, logger)
}

func mergeAll(ctx context.Context, publications *repo.PublicationRepo, pairs []repo.DuplicatePair, logger logFn) {
	merged := make(map[int64]bool)
	for _, pair := range pairs {
		if merged[pair.DupID] || merged[pair.WinnerID] {
			continue
		}
		if err := publications.MergeDuplicate(ctx, pair.WinnerID, pair.DupID); err != nil {
			logger("merge duplicate publication failed", "winner_id", pair.WinnerID, "dup_id", pair.DupID, "error", err)
			continue
		}
		merged[pair.DupID] = true
	}
}

// logFn is the minimal logging shape the sweep needs, so it doesn't
// depend on *slog.Logger directly.
type logFn func(msg string, args ...any)
