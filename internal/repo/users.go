package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scholarr/ingestcore/internal/types"
)

// ErrUserNotFound is returned when a lookup by id finds no row.
var ErrUserNotFound = errors.New("user not found")

// UserRepo is the typed accessor for User and its 1:1 UserSettings.
type UserRepo struct {
	pool *Pool
}

// NewUserRepo wraps an existing pool.
func NewUserRepo(pool *Pool) *UserRepo { return &UserRepo{pool: pool} }

// GetSettings loads UserSettings for userID, lazily creating a default
// row if none exists yet (spec §3: "Created lazily on first access").
func (r *UserRepo) GetSettings(ctx context.Context, userID int64) (types.UserSettings, error) {
	settings, err := r.scanSettings(ctx, r.pool, userID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return types.UserSettings{}, err
	}
	return r.createDefaultSettings(ctx, userID)
}

func (r *UserRepo) scanSettings(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}, userID int64) (types.UserSettings, error) {
	row := q.QueryRow(ctx, `
		SELECT user_id, auto_run_enabled, run_interval_minutes, request_delay_seconds,
		       nav_visible_pages, scrape_safety_state, scrape_cooldown_until, scrape_cooldown_reason, api_keys
		FROM user_settings WHERE user_id = $1
	`, userID)

	var s types.UserSettings
	var navPages, safetyState, apiKeys []byte
	err := row.Scan(&s.UserID, &s.AutoRunEnabled, &s.RunIntervalMinutes, &s.RequestDelaySeconds,
		&navPages, &safetyState, &s.ScrapeCooldownUntil, &s.ScrapeCooldownReason, &apiKeys)
	if err != nil {
		return types.UserSettings{}, err
	}
	if len(navPages) > 0 {
		_ = json.Unmarshal(navPages, &s.NavVisiblePages)
	}
	if len(safetyState) > 0 {
		_ = json.Unmarshal(safetyState, &s.ScrapeSafetyState)
	}
	if len(apiKeys) > 0 {
		_ = json.Unmarshal(apiKeys, &s.APIKeys)
	}
	return s, nil
}

func (r *UserRepo) createDefaultSettings(ctx context.Context, userID int64) (types.UserSettings, error) {
	settings := types.UserSettings{
		UserID:              userID,
		RunIntervalMinutes:  60,
		RequestDelaySeconds: 3,
	}
	navPages, _ := json.Marshal(settings.NavVisiblePages)
	safetyState, _ := json.Marshal(settings.ScrapeSafetyState)
	apiKeys, _ := json.Marshal(settings.APIKeys)

	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_settings (user_id, auto_run_enabled, run_interval_minutes, request_delay_seconds, nav_visible_pages, scrape_safety_state, api_keys)
		VALUES ($1, false, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, settings.RunIntervalMinutes, settings.RequestDelaySeconds, navPages, safetyState, apiKeys)
	if err != nil {
		return types.UserSettings{}, fmt.Errorf("create default user settings: %w", err)
	}
	return r.scanSettings(ctx, r.pool, userID)
}

// UpdateSafetyState persists the safety controller's counters and
// cooldown fields for userID (C7's sole write path).
func (r *UserRepo) UpdateSafetyState(ctx context.Context, userID int64, state types.SafetyCounters, cooldownUntil *time.Time, cooldownReason *string) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode safety state: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE user_settings SET scrape_safety_state = $2, scrape_cooldown_until = $3, scrape_cooldown_reason = $4
		WHERE user_id = $1
	`, userID, raw, cooldownUntil, cooldownReason)
	if err != nil {
		return fmt.Errorf("update safety state: %w", err)
	}
	return nil
}

// GetEnabledScholars loads every enabled ScholarProfile for a user,
// ordered by (created_at, id) as spec §5 requires for pass-1 ordering.
// When scholarIDs is non-empty, results are additionally filtered to
// that subset (spec §4.5 Phase C: "optionally filter by an explicit
// subset").
func (r *UserRepo) GetEnabledScholars(ctx context.Context, userID int64, scholarIDs []int64) ([]types.ScholarProfile, error) {
	var rows pgx.Rows
	var err error
	if len(scholarIDs) > 0 {
		rows, err = r.pool.Query(ctx, `
			SELECT id, user_id, scholar_id, display_name, profile_image_url, profile_image_override_url,
			       profile_image_upload_path, is_enabled, baseline_completed, last_run_dt, last_run_status,
			       last_initial_page_fingerprint_sha256, last_initial_page_checked_at
			FROM scholar_profiles
			WHERE user_id = $1 AND is_enabled = true AND id = ANY($2)
			ORDER BY created_at, id
		`, userID, scholarIDs)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT id, user_id, scholar_id, display_name, profile_image_url, profile_image_override_url,
			       profile_image_upload_path, is_enabled, baseline_completed, last_run_dt, last_run_status,
			       last_initial_page_fingerprint_sha256, last_initial_page_checked_at
			FROM scholar_profiles
			WHERE user_id = $1 AND is_enabled = true
			ORDER BY created_at, id
		`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list enabled scholars: %w", err)
	}
	defer rows.Close()

	var scholars []types.ScholarProfile
	for rows.Next() {
		var s types.ScholarProfile
		var lastRunStatus *string
		if err := rows.Scan(&s.ID, &s.UserID, &s.ScholarID, &s.DisplayName, &s.ProfileImageURL,
			&s.ProfileImageOverrideURL, &s.ProfileImageUploadPath, &s.IsEnabled, &s.BaselineCompleted,
			&s.LastRunDT, &lastRunStatus, &s.LastInitialPageFingerprintSHA256, &s.LastInitialPageCheckedAt); err != nil {
			return nil, fmt.Errorf("scan scholar profile: %w", err)
		}
		if lastRunStatus != nil {
			s.LastRunStatus = types.ScholarOutcomeStatus(*lastRunStatus)
		}
		scholars = append(scholars, s)
	}
	return scholars, rows.Err()
}

// UpdateScholarRunOutcome persists scholar.last_run_status/last_run_dt,
// and conditionally the initial-page fingerprint (testable property 6:
// only overwritten by a non-partial outcome with a defined fingerprint).
func (r *UserRepo) UpdateScholarRunOutcome(ctx context.Context, scholarID int64, status types.ScholarOutcomeStatus, runDT time.Time, fingerprint *string, baselineCompleted bool) error {
	if fingerprint != nil {
		_, err := r.pool.Exec(ctx, `
			UPDATE scholar_profiles
			SET last_run_status = $2, last_run_dt = $3, last_initial_page_fingerprint_sha256 = $4,
			    last_initial_page_checked_at = $3, baseline_completed = baseline_completed OR $5
			WHERE id = $1
		`, scholarID, string(status), runDT, *fingerprint, baselineCompleted)
		if err != nil {
			return fmt.Errorf("update scholar outcome with fingerprint: %w", err)
		}
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE scholar_profiles
		SET last_run_status = $2, last_run_dt = $3, baseline_completed = baseline_completed OR $4
		WHERE id = $1
	`, scholarID, string(status), runDT, baselineCompleted)
	if err != nil {
		return fmt.Errorf("update scholar outcome: %w", err)
	}
	return nil
}

// ApplyProfileMetadata fills in display_name/profile_image_url the first
// time they're observed (spec §4.5 step 3: "display name if empty,
// profile image").
func (r *UserRepo) ApplyProfileMetadata(ctx context.Context, scholarID int64, displayName, imageURL string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE scholar_profiles
		SET display_name = CASE WHEN display_name = '' OR display_name IS NULL THEN $2 ELSE display_name END,
		    profile_image_url = CASE WHEN profile_image_url = '' OR profile_image_url IS NULL THEN $3 ELSE profile_image_url END
		WHERE id = $1
	`, scholarID, displayName, imageURL)
	if err != nil {
		return fmt.Errorf("apply profile metadata: %w", err)
	}
	return nil
}

// DueAutoRunUser is the minimal shape the scheduler needs to invoke C5
// for a scheduled run: the owning user id and their configured interval.
type DueAutoRunUser struct {
	UserID             int64
	RunIntervalMinutes int
}

// ListDueAutoRunUsers returns every user with auto_run_enabled set whose
// last run started at least run_interval_minutes ago (or who has never
// run), per spec §4.10 step 2. lastRunStart is read from the most recent
// CrawlRun per user, not from user_settings, since the settings row
// carries only the interval, not a timestamp.
func (r *UserRepo) ListDueAutoRunUsers(ctx context.Context, now time.Time) ([]DueAutoRunUser, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT us.user_id, us.run_interval_minutes
		FROM user_settings us
		LEFT JOIN LATERAL (
			SELECT start_dt FROM crawl_runs cr WHERE cr.user_id = us.user_id
			ORDER BY cr.start_dt DESC LIMIT 1
		) last_run ON true
		JOIN users u ON u.id = us.user_id
		WHERE us.auto_run_enabled = true AND u.is_active = true
		  AND (last_run.start_dt IS NULL OR $1 - last_run.start_dt >= (us.run_interval_minutes || ' minutes')::interval)
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due auto-run users: %w", err)
	}
	defer rows.Close()

	var due []DueAutoRunUser
	for rows.Next() {
		var d DueAutoRunUser
		if err := rows.Scan(&d.UserID, &d.RunIntervalMinutes); err != nil {
			return nil, fmt.Errorf("scan due auto-run user: %w", err)
		}
		due = append(due, d)
	}
	return due, rows.Err()
}

// GetScholarByID fetches one scholar by id, used by the scheduler (C10)
// to confirm a queued scholar still exists and is enabled.
func (r *UserRepo) GetScholarByID(ctx context.Context, id int64) (types.ScholarProfile, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, scholar_id, display_name, is_enabled, baseline_completed
		FROM scholar_profiles WHERE id = $1
	`, id)
	var s types.ScholarProfile
	if err := row.Scan(&s.ID, &s.UserID, &s.ScholarID, &s.DisplayName, &s.IsEnabled, &s.BaselineCompleted); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return types.ScholarProfile{}, types.ErrScholarUnavailable
		}
		return types.ScholarProfile{}, fmt.Errorf("get scholar by id: %w", err)
	}
	return s, nil
}
