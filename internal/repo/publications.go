package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scholarr/ingestcore/internal/fingerprint"
	"github.com/scholarr/ingestcore/internal/types"
)

// PublicationRepo is the typed accessor for Publication, its identifiers,
// and the ScholarPublication links. ResolveOrCreate is the single
// canonical upsert path (SPEC_FULL's open-question decision).
type PublicationRepo struct {
	pool *Pool
}

// NewPublicationRepo wraps an existing pool.
func NewPublicationRepo(pool *Pool) *PublicationRepo { return &PublicationRepo{pool: pool} }

// Begin starts a transaction on the underlying pool, for callers (like
// the enrichment pipeline) that need to pair AddIdentifier with a
// single-statement commit of their own.
func (r *PublicationRepo) Begin(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

// ResolveOrCreate implements the spec §4.3 resolution order: lookup by
// cluster_id, then fingerprint_sha256, then canonical_title_hash, else
// insert a new row. On a match it updates any non-null fields the
// candidate supplies and never downgrades a present cluster_id back to
// nil.
func (r *PublicationRepo) ResolveOrCreate(ctx context.Context, tx pgx.Tx, clusterID *string, fingerprintSHA256, canonicalTitleHash string, c types.PublicationCandidate) (types.Publication, bool, error) {
	existing, found, err := r.lookup(ctx, tx, clusterID, fingerprintSHA256, canonicalTitleHash)
	if err != nil {
		return types.Publication{}, false, err
	}
	if found {
		updated, err := r.applyUpdate(ctx, tx, existing, clusterID, c)
		return updated, false, err
	}

	var id int64
	err = tx.QueryRow(ctx, `
		INSERT INTO publications
			(cluster_id, fingerprint_sha256, canonical_title_hash, title_raw, title_normalized,
			 year, citation_count, author_text, venue_text, pub_url, pdf_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`, clusterID, fingerprintSHA256, canonicalTitleHash, c.Title, normalizedTitleOf(c), c.Year,
		citationCountOrZero(c), c.AuthorsText, c.VenueText, c.TitleURL, c.PDFURL).Scan(&id)
	if err != nil {
		return types.Publication{}, false, fmt.Errorf("insert publication: %w", err)
	}

	return types.Publication{
		ID:                 id,
		ClusterID:          clusterID,
		FingerprintSHA256:  fingerprintSHA256,
		CanonicalTitleHash: canonicalTitleHash,
		TitleRaw:           c.Title,
		TitleNormalized:    normalizedTitleOf(c),
		Year:               c.Year,
		CitationCount:      citationCountOrZero(c),
		AuthorText:         c.AuthorsText,
		VenueText:          c.VenueText,
		PubURL:             c.TitleURL,
		PDFURL:             c.PDFURL,
	}, true, nil
}

func normalizedTitleOf(c types.PublicationCandidate) string {
	return fingerprint.NormalizeTitle(c.Title)
}

func citationCountOrZero(c types.PublicationCandidate) int {
	if c.CitationCount == nil {
		return 0
	}
	return *c.CitationCount
}

func (r *PublicationRepo) lookup(ctx context.Context, tx pgx.Tx, clusterID *string, fingerprintSHA256, canonicalTitleHash string) (types.Publication, bool, error) {
	if clusterID != nil && *clusterID != "" {
		pub, found, err := r.scanOne(ctx, tx, `SELECT `+pubColumns+` FROM publications WHERE cluster_id = $1`, *clusterID)
		if err != nil || found {
			return pub, found, err
		}
	}
	pub, found, err := r.scanOne(ctx, tx, `SELECT `+pubColumns+` FROM publications WHERE fingerprint_sha256 = $1`, fingerprintSHA256)
	if err != nil || found {
		return pub, found, err
	}
	return r.scanOne(ctx, tx, `SELECT `+pubColumns+` FROM publications WHERE canonical_title_hash = $1`, canonicalTitleHash)
}

const pubColumns = `id, cluster_id, fingerprint_sha256, canonical_title_hash, doi, title_raw, title_normalized,
	year, citation_count, author_text, venue_text, pub_url, pdf_url, openalex_enriched, openalex_last_attempt_at`

func (r *PublicationRepo) scanOne(ctx context.Context, tx pgx.Tx, sql string, arg any) (types.Publication, bool, error) {
	row := tx.QueryRow(ctx, sql, arg)
	var p types.Publication
	err := row.Scan(&p.ID, &p.ClusterID, &p.FingerprintSHA256, &p.CanonicalTitleHash, &p.DOI, &p.TitleRaw,
		&p.TitleNormalized, &p.Year, &p.CitationCount, &p.AuthorText, &p.VenueText, &p.PubURL, &p.PDFURL,
		&p.OpenAlexEnriched, &p.OpenAlexLastAttemptAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Publication{}, false, nil
	}
	if err != nil {
		return types.Publication{}, false, fmt.Errorf("scan publication: %w", err)
	}
	return p, true, nil
}

func (r *PublicationRepo) applyUpdate(ctx context.Context, tx pgx.Tx, existing types.Publication, clusterID *string, c types.PublicationCandidate) (types.Publication, error) {
	merged := existing
	if existing.ClusterID == nil && clusterID != nil && *clusterID != "" {
		merged.ClusterID = clusterID
	}
	if c.Title != "" {
		merged.TitleRaw = c.Title
	}
	if c.Year != nil {
		merged.Year = c.Year
	}
	if c.CitationCount != nil {
		merged.CitationCount = *c.CitationCount
	}
	if c.AuthorsText != "" {
		merged.AuthorText = c.AuthorsText
	}
	if c.VenueText != "" {
		merged.VenueText = c.VenueText
	}
	if c.TitleURL != "" {
		merged.PubURL = c.TitleURL
	}
	if c.PDFURL != "" {
		merged.PDFURL = c.PDFURL
	}

	_, err := tx.Exec(ctx, `
		UPDATE publications SET cluster_id = $2, title_raw = $3, year = $4, citation_count = $5,
			author_text = $6, venue_text = $7, pub_url = $8, pdf_url = $9
		WHERE id = $1
	`, merged.ID, merged.ClusterID, merged.TitleRaw, merged.Year, merged.CitationCount,
		merged.AuthorText, merged.VenueText, merged.PubURL, merged.PDFURL)
	if err != nil {
		return types.Publication{}, fmt.Errorf("update publication: %w", err)
	}
	return merged, nil
}

// AddIdentifier inserts or refreshes a PublicationIdentifier, unique per
// (publication_id, kind, value_normalized).
func (r *PublicationRepo) AddIdentifier(ctx context.Context, tx pgx.Tx, ident types.PublicationIdentifier) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO publication_identifiers (publication_id, kind, value_raw, value_normalized, confidence_score, source, evidence_url)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (publication_id, kind, value_normalized) DO UPDATE SET
			confidence_score = GREATEST(publication_identifiers.confidence_score, EXCLUDED.confidence_score),
			source = EXCLUDED.source, evidence_url = EXCLUDED.evidence_url
	`, ident.PublicationID, ident.Kind, ident.ValueRaw, ident.ValueNormalized, ident.ConfidenceScore, ident.Source, ident.EvidenceURL)
	if err != nil {
		return fmt.Errorf("add publication identifier: %w", err)
	}
	return nil
}

// CreateLink attempts to insert a ScholarPublication link; it returns
// (false, nil) when the link already exists (first-observation semantics
// per spec §5: "scholar-publication links are created only on the first
// observation").
func (r *PublicationRepo) CreateLink(ctx context.Context, tx pgx.Tx, scholarProfileID, publicationID, firstSeenRunID int64) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO scholar_publications (scholar_profile_id, publication_id, first_seen_run_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (scholar_profile_id, publication_id) DO NOTHING
	`, scholarProfileID, publicationID, firstSeenRunID)
	if err != nil {
		return false, fmt.Errorf("create scholar publication link: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// PublicationSort enumerates the listing sort keys from spec §4.12.
type PublicationSort string

const (
	SortFirstSeen PublicationSort = "first_seen"
	SortTitle     PublicationSort = "title"
	SortYear      PublicationSort = "year"
	SortCitations PublicationSort = "citations"
	SortScholar   PublicationSort = "scholar"
	SortPDFStatus PublicationSort = "pdf_status"
)

var sortColumns = map[PublicationSort]string{
	SortFirstSeen: "sp.created_at",
	SortTitle:     "p.title_normalized",
	SortYear:      "p.year",
	SortCitations: "p.citation_count",
	SortScholar:   "sp.scholar_profile_id",
	SortPDFStatus: "(p.pdf_url != '')",
}

// ListForScholars returns publications linked to any of scholarIDs,
// sorted by sortBy, with snapshot pagination: when snapshotBefore is
// non-nil, only links created at or before that instant are considered,
// so pagination stays stable across concurrent inserts (spec §4.12).
func (r *PublicationRepo) ListForScholars(ctx context.Context, scholarIDs []int64, sortBy PublicationSort, snapshotBefore *time.Time, limit, offset int) ([]types.Publication, error) {
	col, ok := sortColumns[sortBy]
	if !ok {
		col = sortColumns[SortFirstSeen]
	}
	query := fmt.Sprintf(`
		SELECT DISTINCT p.id, p.cluster_id, p.fingerprint_sha256, p.canonical_title_hash, p.doi, p.title_raw,
			p.title_normalized, p.year, p.citation_count, p.author_text, p.venue_text, p.pub_url, p.pdf_url,
			p.openalex_enriched, p.openalex_last_attempt_at
		FROM publications p
		JOIN scholar_publications sp ON sp.publication_id = p.id
		WHERE sp.scholar_profile_id = ANY($1)
		  AND ($2::timestamptz IS NULL OR sp.created_at <= $2)
		ORDER BY %s
		LIMIT $3 OFFSET $4
	`, col)

	rows, err := r.pool.Query(ctx, query, scholarIDs, snapshotBefore, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list publications: %w", err)
	}
	defer rows.Close()

	var pubs []types.Publication
	for rows.Next() {
		var p types.Publication
		if err := rows.Scan(&p.ID, &p.ClusterID, &p.FingerprintSHA256, &p.CanonicalTitleHash, &p.DOI, &p.TitleRaw,
			&p.TitleNormalized, &p.Year, &p.CitationCount, &p.AuthorText, &p.VenueText, &p.PubURL, &p.PDFURL,
			&p.OpenAlexEnriched, &p.OpenAlexLastAttemptAt); err != nil {
			return nil, fmt.Errorf("scan publication: %w", err)
		}
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}

// DisplayIdentifierFor picks the highest-confidence identifier for a
// publication, for UI display overlay.
func (r *PublicationRepo) DisplayIdentifierFor(ctx context.Context, publicationID int64) (*types.DisplayIdentifier, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT kind, value_raw, confidence_score, evidence_url
		FROM publication_identifiers
		WHERE publication_id = $1
		ORDER BY confidence_score DESC
		LIMIT 1
	`, publicationID)
	var d types.DisplayIdentifier
	var kind string
	if err := row.Scan(&kind, &d.Value, &d.ConfidenceScore, &d.URL); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("display identifier: %w", err)
	}
	d.Kind = types.PublicationIdentifierKind(kind)
	d.Label = string(d.Kind)
	return &d, nil
}

// MarkOpenAlexAttempt records that enrichment touched publicationID at
// attemptAt, independent of whether a match was found.
func (r *PublicationRepo) MarkOpenAlexAttempt(ctx context.Context, publicationID int64, attemptAt time.Time) error {
	_, err := r.pool.Exec(ctx, `UPDATE publications SET openalex_last_attempt_at = $2 WHERE id = $1`, publicationID, attemptAt)
	return err
}

// ApplyOpenAlexMatch writes the enrichment result for a publication and
// marks it enriched.
func (r *PublicationRepo) ApplyOpenAlexMatch(ctx context.Context, publicationID int64, year *int, citationCount *int, pdfURL string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE publications SET
			year = COALESCE(year, $2),
			citation_count = COALESCE($3, citation_count),
			pdf_url = CASE WHEN pdf_url = '' THEN $4 ELSE pdf_url END,
			openalex_enriched = true
		WHERE id = $1
	`, publicationID, year, citationCount, pdfURL)
	return err
}

// PendingEnrichment returns publications owned (via any scholar link) by
// userID that are not yet openalex_enriched and either have never been
// attempted or were last attempted more than staleAfter ago. This
// deliberately sweeps the user's whole history, not just the triggering
// run (spec §4.9, §9: preserved as specified).
func (r *PublicationRepo) PendingEnrichment(ctx context.Context, userID int64, staleAfter time.Duration, now time.Time, batchSize int) ([]types.Publication, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT p.id, p.cluster_id, p.fingerprint_sha256, p.canonical_title_hash, p.doi, p.title_raw,
			p.title_normalized, p.year, p.citation_count, p.author_text, p.venue_text, p.pub_url, p.pdf_url,
			p.openalex_enriched, p.openalex_last_attempt_at
		FROM publications p
		JOIN scholar_publications sp ON sp.publication_id = p.id
		JOIN scholar_profiles sch ON sch.id = sp.scholar_profile_id
		WHERE sch.user_id = $1 AND p.openalex_enriched = false
		  AND (p.openalex_last_attempt_at IS NULL OR p.openalex_last_attempt_at < $2)
		LIMIT $3
	`, userID, now.Add(-staleAfter), batchSize)
	if err != nil {
		return nil, fmt.Errorf("pending enrichment: %w", err)
	}
	defer rows.Close()

	var pubs []types.Publication
	for rows.Next() {
		var p types.Publication
		if err := rows.Scan(&p.ID, &p.ClusterID, &p.FingerprintSHA256, &p.CanonicalTitleHash, &p.DOI, &p.TitleRaw,
			&p.TitleNormalized, &p.Year, &p.CitationCount, &p.AuthorText, &p.VenueText, &p.PubURL, &p.PDFURL,
			&p.OpenAlexEnriched, &p.OpenAlexLastAttemptAt); err != nil {
			return nil, fmt.Errorf("scan pending enrichment publication: %w", err)
		}
		pubs = append(pubs, p)
	}
	return pubs, rows.Err()
}

// DuplicatePair is one (winner, dup) pair found by an identifier or
// near-duplicate sweep.
type DuplicatePair struct {
	WinnerID int64
	DupID    int64
}

// FindIdentifierDuplicates finds publication pairs that share the same
// normalized identifier of the same kind, winner being the lower id.
func (r *PublicationRepo) FindIdentifierDuplicates(ctx context.Context) ([]DuplicatePair, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.publication_id, b.publication_id
		FROM publication_identifiers a
		JOIN publication_identifiers b
		  ON a.kind = b.kind AND a.value_normalized = b.value_normalized AND a.publication_id < b.publication_id
	`)
	if err != nil {
		return nil, fmt.Errorf("find identifier duplicates: %w", err)
	}
	defer rows.Close()
	var pairs []DuplicatePair
	for rows.Next() {
		var p DuplicatePair
		if err := rows.Scan(&p.WinnerID, &p.DupID); err != nil {
			return nil, fmt.Errorf("scan duplicate pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// FindNearDuplicates finds publication pairs whose canonical_title_hash
// matches but fingerprint_sha256 differs — the near-duplicate repair
// sweep from SPEC_FULL's supplemented features.
func (r *PublicationRepo) FindNearDuplicates(ctx context.Context) ([]DuplicatePair, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, b.id
		FROM publications a
		JOIN publications b
		  ON a.canonical_title_hash = b.canonical_title_hash
		 AND a.fingerprint_sha256 != b.fingerprint_sha256
		 AND a.id < b.id
	`)
	if err != nil {
		return nil, fmt.Errorf("find near duplicates: %w", err)
	}
	defer rows.Close()
	var pairs []DuplicatePair
	for rows.Next() {
		var p DuplicatePair
		if err := rows.Scan(&p.WinnerID, &p.DupID); err != nil {
			return nil, fmt.Errorf("scan near duplicate pair: %w", err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// MergeDuplicate migrates every scholar link from dup to winner (dropping
// conflicts where the scholar already links to winner), then deletes dup.
// Each dup is processed at most once per sweep by the caller's loop.
func (r *PublicationRepo) MergeDuplicate(ctx context.Context, winnerID, dupID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE scholar_publications SET publication_id = $1
		WHERE publication_id = $2
		  AND scholar_profile_id NOT IN (SELECT scholar_profile_id FROM scholar_publications WHERE publication_id = $1)
	`, winnerID, dupID); err != nil {
		return fmt.Errorf("migrate scholar links: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM scholar_publications WHERE publication_id = $1`, dupID); err != nil {
		return fmt.Errorf("drop conflicting scholar links: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM publications WHERE id = $1`, dupID); err != nil {
		return fmt.Errorf("delete duplicate publication: %w", err)
	}
	return tx.Commit(ctx)
}
