package runengine

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/scholarr/ingestcore/internal/fingerprint"
	"github.com/scholarr/ingestcore/internal/types"
)

var (
	doiInURLRe   = regexp.MustCompile(`(?i)10\.\d{4,9}/[^\s&?#]+`)
	arxivInURLRe = regexp.MustCompile(`(?i)arxiv\.org/abs/([\w.\-/]+)`)
)

// extractIdentifiers pulls whatever DOI/arXiv identifiers can be read
// directly off the candidate's own URLs, with a conservative confidence
// score (spec §4.5: "add identifiers from local fields"; stronger,
// cross-referenced identifiers come later from C9's enrichment pass).
func extractIdentifiers(publicationID int64, c types.PublicationCandidate) []types.PublicationIdentifier {
	var idents []types.PublicationIdentifier
	for _, candidateURL := range []string{c.TitleURL, c.PDFURL} {
		if candidateURL == "" {
			continue
		}
		if m := doiInURLRe.FindString(candidateURL); m != "" {
			idents = append(idents, types.PublicationIdentifier{
				PublicationID:   publicationID,
				Kind:            types.IdentifierDOI,
				ValueRaw:        m,
				ValueNormalized: strings.ToLower(strings.TrimRight(m, "/")),
				ConfidenceScore: 0.6,
				Source:          "scholar_page_url",
				EvidenceURL:     candidateURL,
			})
		}
		if m := arxivInURLRe.FindStringSubmatch(candidateURL); len(m) == 2 {
			idents = append(idents, types.PublicationIdentifier{
				PublicationID:   publicationID,
				Kind:            types.IdentifierArxiv,
				ValueRaw:        m[1],
				ValueNormalized: strings.ToLower(m[1]),
				ConfidenceScore: 0.8,
				Source:          "scholar_page_url",
				EvidenceURL:     candidateURL,
			})
		}
	}
	return idents
}

// upsertOutcome is the per-scholar tally of the publication upsert pass.
type upsertOutcome struct {
	NewPublications int
}

// upsertPublications implements `_upsert_profile_publications` (spec
// §4.5): resolve-or-create each candidate through C3's fingerprint plus
// C12's ResolveOrCreate, add local identifiers, and attempt the
// scholar-publication link. Each candidate is committed in its own
// transaction so cancellation mid-scholar preserves already-discovered
// publications.
func (e *Engine) upsertPublications(ctx context.Context, runID int64, scholar types.ScholarProfile, candidates []types.PublicationCandidate) (upsertOutcome, error) {
	var out upsertOutcome
	scholarProfileID := scholar.ID
	scholarLabel := scholar.DisplayName
	if scholarLabel == "" {
		scholarLabel = scholar.ScholarID
	}
	for _, c := range candidates {
		if c.Title == "" {
			continue
		}
		c.TitleURL = resolveURL(c.TitleURL)
		fingerprintSHA256, canonicalTitleHash := fingerprint.BuildPublicationFingerprint(c)

		tx, err := e.Pool.Begin(ctx)
		if err != nil {
			return out, fmt.Errorf("begin publication upsert: %w", err)
		}

		var clusterID *string
		if c.ClusterID != "" {
			id := c.ClusterID
			clusterID = &id
		}

		pub, _, err := e.Publications.ResolveOrCreate(ctx, tx, clusterID, fingerprintSHA256, canonicalTitleHash, c)
		if err != nil {
			tx.Rollback(ctx)
			return out, fmt.Errorf("resolve or create publication: %w", err)
		}

		for _, ident := range extractIdentifiers(pub.ID, c) {
			if identErr := e.Publications.AddIdentifier(ctx, tx, ident); identErr != nil {
				tx.Rollback(ctx)
				return out, fmt.Errorf("add publication identifier: %w", identErr)
			}
		}

		isNewLink, linkErr := e.Publications.CreateLink(ctx, tx, scholarProfileID, pub.ID, runID)
		if linkErr != nil {
			tx.Rollback(ctx)
			return out, fmt.Errorf("create scholar publication link: %w", linkErr)
		}

		if commitErr := tx.Commit(ctx); commitErr != nil {
			return out, fmt.Errorf("commit publication upsert: %w", commitErr)
		}

		if isNewLink {
			out.NewPublications++
			if e.Bus != nil {
				e.Bus.Publish(runID, types.EventPublicationDiscovered, types.PublicationDiscoveredPayload{
					PublicationID:       pub.ID,
					Title:               pub.TitleRaw,
					PubURL:              pub.PubURL,
					ScholarProfileID:    scholarProfileID,
					ScholarLabel:        scholarLabel,
					FirstSeenAt:         e.now(),
					NewPublicationCount: out.NewPublications,
				})
			}
		}
	}
	return out, nil
}

func resolveURL(href string) string {
	if href == "" {
		return ""
	}
	if _, err := url.Parse(href); err != nil {
		return href
	}
	return fingerprint.BuildPublicationURL(href)
}
