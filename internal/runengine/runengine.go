// Package runengine is the central per-user run state machine (C5): Gate,
// Lock, Target resolution, Run record creation, breadth-then-depth
// iteration over scholars, and completion/summary computation. It is the
// only caller of C4 (pagefetch), and the sole writer of CrawlRun and
// ScholarProfile outcome fields.
package runengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/contqueue"
	"github.com/scholarr/ingestcore/internal/eventbus"
	"github.com/scholarr/ingestcore/internal/pagefetch"
	"github.com/scholarr/ingestcore/internal/repo"
	"github.com/scholarr/ingestcore/internal/safety"
	"github.com/scholarr/ingestcore/internal/scholarsource"
	"github.com/scholarr/ingestcore/internal/types"
)

// Enricher is the narrow dependency C5 needs on C9 to spawn the
// background post-run enrichment task without importing it directly.
type Enricher interface {
	RunForUser(ctx context.Context, userID, runID int64, intendedStatus types.RunStatus)
}

// Engine wires together every component the run state machine depends on.
type Engine struct {
	Pool         *repo.Pool
	Users        *repo.UserRepo
	Publications *repo.PublicationRepo
	Runs         *repo.RunRepo
	Queue        *contqueue.Queue
	Bus          *eventbus.Bus
	Source       scholarsource.Source
	Enricher     Enricher
	Ingestion    config.IngestionConfig
	SafetyConfig config.SafetyConfig
	Logger       *slog.Logger

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New builds an Engine from its already-constructed dependencies.
func New(pool *repo.Pool, users *repo.UserRepo, pubs *repo.PublicationRepo, runs *repo.RunRepo, queue *contqueue.Queue, bus *eventbus.Bus, source scholarsource.Source, enricher Enricher, ingestion config.IngestionConfig, safetyCfg config.SafetyConfig, logger *slog.Logger) *Engine {
	return &Engine{
		Pool: pool, Users: users, Publications: pubs, Runs: runs, Queue: queue, Bus: bus,
		Source: source, Enricher: enricher, Ingestion: ingestion, SafetyConfig: safetyCfg,
		Logger: logger, now: time.Now,
	}
}

func (e *Engine) log() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// StartRunRequest carries the caller-supplied parameters for Phase A-D.
type StartRunRequest struct {
	UserID         int64
	Trigger        types.RunTriggerType
	ScholarSubset  []int64 // empty means "all enabled scholars"
	IdempotencyKey *string

	// StartCstartByScholarID carries resume cursors for continuation-queue
	// dispatches; scholars absent from the map start at cstart 0.
	StartCstartByScholarID map[int64]int

	// RequestDelaySeconds overrides the configured inter-request delay
	// when > 0. The scheduler sets it from the owning user's settings.
	RequestDelaySeconds int
}

// StartRun executes Phase A (Gate) through Phase D (Run record creation)
// synchronously, then runs Phase E/F (iteration and completion) before
// returning the final RunSummary. For a manual-trigger HTTP caller this
// whole call is typically run in a goroutine by the API layer; the
// function itself is synchronous so it composes cleanly with that choice.
func (e *Engine) StartRun(ctx context.Context, req StartRunRequest) (types.RunSummary, error) {
	log := e.log().With("component", "runengine", "user_id", req.UserID)
	now := e.now()

	// Phase A — Gate.
	settings, err := e.Users.GetSettings(ctx, req.UserID)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("load user settings: %w", err)
	}
	if safety.IsCooldownActive(settings.ScrapeCooldownUntil, now) {
		settings.ScrapeSafetyState = safety.RegisterCooldownBlockedStart(settings.ScrapeSafetyState)
		if updErr := e.Users.UpdateSafetyState(ctx, req.UserID, settings.ScrapeSafetyState, settings.ScrapeCooldownUntil, settings.ScrapeCooldownReason); updErr != nil {
			return types.RunSummary{}, fmt.Errorf("persist blocked-start counter: %w", updErr)
		}
		reason := ""
		if settings.ScrapeCooldownReason != nil {
			reason = *settings.ScrapeCooldownReason
		}
		payload := safety.BuildStatusPayload(settings.ScrapeSafetyState, settings.ScrapeCooldownUntil, reason, now)
		log.Warn("run blocked by safety cooldown", "reason", reason)
		return types.RunSummary{}, &types.RunBlockedBySafetyPolicyError{UserID: req.UserID, Safety: payload}
	}

	// Phase B — Lock. Held on a dedicated connection/transaction for the
	// lifetime of the run; released when that transaction ends (the
	// deferred rollback when StartRun returns), per spec §4.5's "released
	// automatically on transaction end."
	conn, err := e.Pool.Acquire(ctx)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("acquire lock connection: %w", err)
	}
	defer conn.Release()

	lockTx, err := conn.Begin(ctx)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("begin lock transaction: %w", err)
	}
	defer lockTx.Rollback(ctx)

	acquired, err := repo.TryAdvisoryLock(ctx, lockTx, e.Pool.AdvisoryLockNamespace, req.UserID)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		log.Warn("run already in progress")
		return types.RunSummary{}, &types.RunAlreadyInProgressError{UserID: req.UserID}
	}

	// Phase C — Target resolution.
	allEnabled, err := e.Users.GetEnabledScholars(ctx, req.UserID, nil)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("load enabled scholars: %w", err)
	}
	targets := allEnabled
	if len(req.ScholarSubset) > 0 {
		subset := make(map[int64]bool, len(req.ScholarSubset))
		for _, id := range req.ScholarSubset {
			subset[id] = true
		}
		targets = targets[:0:0]
		for _, s := range allEnabled {
			if subset[s.ID] {
				targets = append(targets, s)
			} else if e.Queue != nil {
				if clearErr := e.Queue.ClearJobForScholar(ctx, req.UserID, s.ID); clearErr != nil {
					log.Warn("clear queue item for filtered-out scholar failed", "scholar_profile_id", s.ID, "error", clearErr)
				}
			}
		}
	}

	// Phase D — Run record creation, in a transaction of its own so the
	// run is committed while lockTx (and the lock) stays open.
	runTx, err := e.Pool.Begin(ctx)
	if err != nil {
		return types.RunSummary{}, fmt.Errorf("begin run creation: %w", err)
	}
	defer runTx.Rollback(ctx)

	run, err := e.Runs.CreateRun(ctx, runTx, req.UserID, req.Trigger, len(targets), req.IdempotencyKey, now)
	if err != nil {
		var idemErr *types.IdempotencyConflictError
		if asIdempotencyConflict(err, &idemErr) {
			existing, getErr := e.Runs.GetRun(ctx, idemErr.ExistingRunID)
			if getErr != nil {
				return types.RunSummary{}, fmt.Errorf("recover idempotency conflict: %w", getErr)
			}
			log.Info("idempotency key already mapped to existing run", "existing_run_id", existing.ID)
			return summaryFromRun(existing, true), nil
		}
		return types.RunSummary{}, err
	}
	if commitErr := runTx.Commit(ctx); commitErr != nil {
		return types.RunSummary{}, fmt.Errorf("commit run creation: %w", commitErr)
	}

	log.Info("run started", "run_id", run.ID, "scholar_count", len(targets))

	fetcher := pagefetch.New(e.Source, e.Runs, e.log())
	tallies := e.iterate(ctx, run.ID, req.UserID, targets, fetcher, req.StartCstartByScholarID, req.RequestDelaySeconds)

	return e.finalize(ctx, run, tallies, settings)
}

func asIdempotencyConflict(err error, target **types.IdempotencyConflictError) bool {
	ic, ok := err.(*types.IdempotencyConflictError)
	if !ok {
		return false
	}
	*target = ic
	return true
}

func summaryFromRun(run types.CrawlRun, reused bool) types.RunSummary {
	return types.RunSummary{
		CrawlRunID:          run.ID,
		Status:              run.Status,
		ScholarCount:        run.ScholarCount,
		NewPublicationCount: run.NewPubCount,
		ReusedExistingRun:   reused,
	}
}

// CancelRun marks a run canceled if it is still in a non-terminal status.
// C4 and the iteration loop observe the new status between pages/scholars.
func (e *Engine) CancelRun(ctx context.Context, runID int64) error {
	return e.Runs.Cancel(ctx, runID, e.now())
}
