package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scholarr/ingestcore/internal/types"
)

// PDFJobRepo is the typed accessor for the PDF resolution job queue
// (SPEC_FULL's supplemented feature: no PDF bytes are stored, only a
// resolved URL and status transitions).
type PDFJobRepo struct {
	pool *Pool
}

// NewPDFJobRepo wraps an existing pool.
func NewPDFJobRepo(pool *Pool) *PDFJobRepo { return &PDFJobRepo{pool: pool} }

// EnsurePending inserts a pending job for publicationID if one doesn't
// already exist, keyed by publication_id so re-discovery never double
// queues. A failed job is put back to pending with the new candidate URL.
func (r *PDFJobRepo) EnsurePending(ctx context.Context, publicationID int64, candidateURL string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pdf_jobs (publication_id, status, candidate_url)
		VALUES ($1, $2, $3)
		ON CONFLICT (publication_id) DO UPDATE SET
			status = CASE WHEN pdf_jobs.status = $4 THEN EXCLUDED.status ELSE pdf_jobs.status END,
			candidate_url = CASE WHEN pdf_jobs.status = $4 THEN EXCLUDED.candidate_url ELSE pdf_jobs.candidate_url END
	`, publicationID, string(types.PDFJobPending), candidateURL, string(types.PDFJobFailed))
	if err != nil {
		return fmt.Errorf("ensure pending pdf job: %w", err)
	}
	return nil
}

const pdfJobColumns = `id, publication_id, status, candidate_url, resolved_url, last_error, updated_at`

func scanPDFJob(row pgx.Row) (types.PDFJob, error) {
	var j types.PDFJob
	var status string
	if err := row.Scan(&j.ID, &j.PublicationID, &status, &j.CandidateURL, &j.ResolvedURL, &j.LastError, &j.UpdatedAt); err != nil {
		return types.PDFJob{}, err
	}
	j.Status = types.PDFJobStatus(status)
	return j, nil
}

// ListPending returns up to limit pending jobs, oldest first.
func (r *PDFJobRepo) ListPending(ctx context.Context, limit int) ([]types.PDFJob, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+pdfJobColumns+` FROM pdf_jobs WHERE status = $1 ORDER BY updated_at LIMIT $2`,
		string(types.PDFJobPending), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending pdf jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.PDFJob
	for rows.Next() {
		j, err := scanPDFJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pdf job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetByPublicationID loads the job for a publication, if any.
func (r *PDFJobRepo) GetByPublicationID(ctx context.Context, publicationID int64) (*types.PDFJob, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+pdfJobColumns+` FROM pdf_jobs WHERE publication_id = $1`, publicationID)
	j, err := scanPDFJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pdf job by publication: %w", err)
	}
	return &j, nil
}

// MarkFetched records a successful single-hop resolution.
func (r *PDFJobRepo) MarkFetched(ctx context.Context, id int64, resolvedURL string, updatedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pdf_jobs SET status = $2, resolved_url = $3, last_error = '', updated_at = $4 WHERE id = $1
	`, id, string(types.PDFJobFetched), resolvedURL, updatedAt)
	if err != nil {
		return fmt.Errorf("mark pdf job fetched: %w", err)
	}
	return nil
}

// MarkFailed records a resolution failure; the job stays terminal until
// the next discovery cycle re-queues it via EnsurePending.
func (r *PDFJobRepo) MarkFailed(ctx context.Context, id int64, lastError string, updatedAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pdf_jobs SET status = $2, last_error = $3, updated_at = $4 WHERE id = $1
	`, id, string(types.PDFJobFailed), lastError, updatedAt)
	if err != nil {
		return fmt.Errorf("mark pdf job failed: %w", err)
	}
	return nil
}
