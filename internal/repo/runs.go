package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/scholarr/ingestcore/internal/types"
)

// RunRepo is the typed accessor for CrawlRun.
type RunRepo struct {
	pool *Pool
}

// NewRunRepo wraps an existing pool.
func NewRunRepo(pool *Pool) *RunRepo { return &RunRepo{pool: pool} }

// uniqueViolationConstraint returns the constraint name of a pgx unique
// violation (sqlstate 23505), or "" if err isn't one.
func uniqueViolationConstraint(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return pgErr.ConstraintName
	}
	return ""
}

// CreateRun inserts a new CrawlRun in the running state. It enforces two
// partial unique indexes at the SQL layer:
//   - one active run per user (partial unique on user_id where status
//     is non-terminal) -> RunAlreadyInProgressError
//   - one run per (user_id, idempotency_key) for manual runs ->
//     IdempotencyConflictError carrying the pre-existing run's id, loaded
//     here so the run engine can return that run instead of failing its
//     caller (spec §4.5 Phase D)
func (r *RunRepo) CreateRun(ctx context.Context, tx pgx.Tx, userID int64, trigger types.RunTriggerType, scholarCount int, idempotencyKey *string, startDT time.Time) (types.CrawlRun, error) {
	// The insert runs under a savepoint so that, after a unique violation,
	// tx is still usable for the idempotency lookup below.
	sp, err := tx.Begin(ctx)
	if err != nil {
		return types.CrawlRun{}, fmt.Errorf("begin run insert savepoint: %w", err)
	}
	var id int64
	err = sp.QueryRow(ctx, `
		INSERT INTO crawl_runs (user_id, trigger_type, status, start_dt, scholar_count, idempotency_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, userID, string(trigger), string(types.RunStatusRunning), startDT, scholarCount, idempotencyKey).Scan(&id)
	if err == nil {
		if err := sp.Commit(ctx); err != nil {
			return types.CrawlRun{}, fmt.Errorf("release run insert savepoint: %w", err)
		}
		return types.CrawlRun{
			ID:           id,
			UserID:       userID,
			TriggerType:  trigger,
			Status:       types.RunStatusRunning,
			StartDT:      startDT,
			ScholarCount: scholarCount,
			IdempotencyKey: idempotencyKey,
		}, nil
	}
	_ = sp.Rollback(ctx)

	switch uniqueViolationConstraint(err) {
	case "crawl_runs_one_active_per_user":
		return types.CrawlRun{}, &types.RunAlreadyInProgressError{UserID: userID}
	case "crawl_runs_idempotency_key_unique":
		existing, findErr := r.FindByIdempotencyKey(ctx, tx, userID, *idempotencyKey)
		if findErr != nil {
			return types.CrawlRun{}, fmt.Errorf("recover idempotency conflict: %w", findErr)
		}
		return types.CrawlRun{}, &types.IdempotencyConflictError{
			UserID:         userID,
			IdempotencyKey: *idempotencyKey,
			ExistingRunID:  existing.ID,
		}
	default:
		return types.CrawlRun{}, fmt.Errorf("create crawl run: %w", err)
	}
}

const runColumns = `id, user_id, trigger_type, status, start_dt, end_dt, scholar_count, new_pub_count, idempotency_key, error_log`

func (r *RunRepo) scanRun(row pgx.Row) (types.CrawlRun, error) {
	var run types.CrawlRun
	var trigger, status string
	var errorLog []byte
	if err := row.Scan(&run.ID, &run.UserID, &trigger, &status, &run.StartDT, &run.EndDT,
		&run.ScholarCount, &run.NewPubCount, &run.IdempotencyKey, &errorLog); err != nil {
		return types.CrawlRun{}, err
	}
	run.TriggerType = types.RunTriggerType(trigger)
	run.Status = types.RunStatus(status)
	if len(errorLog) > 0 {
		_ = json.Unmarshal(errorLog, &run.ErrorLog)
	}
	return run, nil
}

// FindByIdempotencyKey loads the run associated with (userID, key), if any.
func (r *RunRepo) FindByIdempotencyKey(ctx context.Context, tx pgx.Tx, userID int64, key string) (types.CrawlRun, error) {
	row := tx.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE user_id = $1 AND idempotency_key = $2`, userID, key)
	run, err := r.scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CrawlRun{}, types.ErrIdempotencyConflict
	}
	if err != nil {
		return types.CrawlRun{}, fmt.Errorf("find run by idempotency key: %w", err)
	}
	return run, nil
}

// GetRun loads one run by id.
func (r *RunRepo) GetRun(ctx context.Context, id int64) (types.CrawlRun, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM crawl_runs WHERE id = $1`, id)
	run, err := r.scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.CrawlRun{}, fmt.Errorf("run %d: %w", id, pgx.ErrNoRows)
	}
	if err != nil {
		return types.CrawlRun{}, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// GetStatus is a narrow read used by the paged fetcher's cooperative
// cancellation check between pages (spec §4.4: "re-reads run status").
func (r *RunRepo) GetStatus(ctx context.Context, id int64) (types.RunStatus, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM crawl_runs WHERE id = $1`, id).Scan(&status)
	if err != nil {
		return "", fmt.Errorf("get run status: %w", err)
	}
	return types.RunStatus(status), nil
}

// Complete writes the terminal status, end_dt, tallies, and error_log
// summary for a run (spec §4.5 Phase F).
func (r *RunRepo) Complete(ctx context.Context, id int64, status types.RunStatus, endDT time.Time, newPubCount int, errorLog map[string]any) error {
	raw, err := json.Marshal(errorLog)
	if err != nil {
		return fmt.Errorf("encode error log: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE crawl_runs SET status = $2, end_dt = $3, new_pub_count = $4, error_log = $5
		WHERE id = $1
	`, id, string(status), endDT, newPubCount, raw)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	return nil
}

// FinalizeStatus performs C9's resolving -> intended-terminal-status
// write. Unlike Complete, it does not touch end_dt/new_pub_count/
// error_log (already written by C5's synchronous resolving transition);
// it is a no-op if the run is no longer resolving (e.g. a concurrent
// cancel already moved it to canceled), per spec §4.5's "cancellation
// never overwrites status."
func (r *RunRepo) FinalizeStatus(ctx context.Context, id int64, status types.RunStatus) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE crawl_runs SET status = $2 WHERE id = $1 AND status = $3
	`, id, string(status), string(types.RunStatusResolving))
	if err != nil {
		return fmt.Errorf("finalize run status: %w", err)
	}
	return nil
}

// Cancel transitions a run to canceled, but only from a non-terminal
// status; returns ErrNotCancelable otherwise.
func (r *RunRepo) Cancel(ctx context.Context, id int64, endDT time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE crawl_runs SET status = $2, end_dt = $3
		WHERE id = $1 AND status IN ($4, $5)
	`, id, string(types.RunStatusCanceled), endDT, string(types.RunStatusRunning), string(types.RunStatusResolving))
	if err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotCancelable
	}
	return nil
}

// ActiveRunForUser returns the currently running/resolving run for
// userID, if any, used by the status endpoint and the run engine's gate.
func (r *RunRepo) ActiveRunForUser(ctx context.Context, userID int64) (*types.CrawlRun, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+runColumns+` FROM crawl_runs
		WHERE user_id = $1 AND status IN ($2, $3)
		ORDER BY start_dt DESC LIMIT 1
	`, userID, string(types.RunStatusRunning), string(types.RunStatusResolving))
	run, err := r.scanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active run for user: %w", err)
	}
	return &run, nil
}

// ListRecentForUser returns the most recent runs for a user, newest first.
func (r *RunRepo) ListRecentForUser(ctx context.Context, userID int64, limit int) ([]types.CrawlRun, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+` FROM crawl_runs WHERE user_id = $1 ORDER BY start_dt DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	defer rows.Close()

	var runs []types.CrawlRun
	for rows.Next() {
		run, err := r.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recent run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
