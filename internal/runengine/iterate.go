package runengine

import (
	"context"
	"time"

	"github.com/scholarr/ingestcore/internal/pagefetch"
	"github.com/scholarr/ingestcore/internal/types"
)

// scholarOutcome is the per-scholar record accumulated across both passes,
// feeding Phase F's summary computation.
type scholarOutcome struct {
	ScholarProfileID   int64
	Status             types.ScholarOutcomeStatus
	StateReason        string
	FailureBucket      string
	NewPublications    int
	AttemptCount       int
	ContinuationCstart *int

	DebugBodyLength   int
	DebugBodySHA256   string
	DebugBodyExcerpt  string
	DebugMarkerCounts map[string]int
}

// runTallies is everything Phase F needs, gathered across both passes.
type runTallies struct {
	Outcomes []scholarOutcome
}

// iterate runs Phase E: breadth-then-depth over targets. Pass 1 processes
// page 1 of every scholar; pass 2 continues pagination only for scholars
// that produced a continuation cursor, up to max_pages_per_scholar-1
// additional pages.
func (e *Engine) iterate(ctx context.Context, runID, userID int64, targets []types.ScholarProfile, fetcher *pagefetch.Fetcher, startCstarts map[int64]int, requestDelaySeconds int) runTallies {
	log := e.log().With("component", "runengine", "run_id", runID)
	outcomes := make(map[int64]*scholarOutcome, len(targets))
	continuations := make(map[int64]int)

	delaySeconds := e.Ingestion.RequestDelaySeconds
	if requestDelaySeconds > 0 {
		delaySeconds = requestDelaySeconds
	}
	if delaySeconds < e.Ingestion.MinRequestDelaySeconds {
		delaySeconds = e.Ingestion.MinRequestDelaySeconds
	}

	for i, scholar := range targets {
		if i > 0 {
			if err := sleepCtx(ctx, time.Duration(delaySeconds)*time.Second); err != nil {
				break
			}
		}
		if status, err := e.Runs.GetStatus(ctx, runID); err == nil && status == types.RunStatusCanceled {
			log.Info("run canceled before scholar", "scholar_profile_id", scholar.ID)
			break
		}

		startCstart := 0
		fp := scholar.LastInitialPageFingerprintSHA256
		if v, ok := startCstarts[scholar.ID]; ok && v > 0 {
			startCstart = v
			fp = ""
		}
		res := fetcher.Run(ctx, runID, scholar.ScholarID, startCstart, 0, fp, e.pagePolicy(delaySeconds))
		outcome := e.processScholarResult(ctx, runID, userID, scholar, res)
		outcomes[scholar.ID] = &outcome

		if res.HasMoreRemaining && e.Ingestion.MaxPagesPerScholar > 1 && res.ContinuationCstart > 0 {
			continuations[scholar.ID] = res.ContinuationCstart
		}
	}

	for _, scholar := range targets {
		cstart, ok := continuations[scholar.ID]
		if !ok {
			continue
		}
		if status, err := e.Runs.GetStatus(ctx, runID); err == nil && status == types.RunStatusCanceled {
			log.Info("run canceled before depth pass", "scholar_profile_id", scholar.ID)
			break
		}
		if err := sleepCtx(ctx, time.Duration(delaySeconds)*time.Second); err != nil {
			break
		}

		// Run's maxPages counts pages beyond its own first one, so
		// MaxPagesPerScholar-2 caps pass 2 at MaxPagesPerScholar-1 pages.
		res := fetcher.Run(ctx, runID, scholar.ScholarID, cstart, e.Ingestion.MaxPagesPerScholar-2, "", e.pagePolicy(delaySeconds))
		outcome := e.processScholarResult(ctx, runID, userID, scholar, res)
		// Pass 2 supersedes pass 1's outcome for this scholar; the new
		// publications discovered in pass 1 are not double-counted since
		// each publication is committed (and the link insert deduped) once.
		if prev, ok := outcomes[scholar.ID]; ok {
			outcome.NewPublications += prev.NewPublications
		}
		outcomes[scholar.ID] = &outcome
	}

	tallies := runTallies{}
	for _, scholar := range targets {
		if o, ok := outcomes[scholar.ID]; ok {
			tallies.Outcomes = append(tallies.Outcomes, *o)
		}
	}
	return tallies
}

func (e *Engine) pagePolicy(requestDelaySeconds int) pagefetch.Policy {
	return pagefetch.Policy{
		PageSize:                e.Ingestion.PageSize,
		MaxPages:                e.Ingestion.MaxPagesPerScholar,
		NetworkErrorRetries:     e.Ingestion.NetworkErrorRetries,
		RetryBackoffSeconds:     e.Ingestion.RetryBackoffSeconds,
		RateLimitRetries:        e.Ingestion.RateLimitRetries,
		RateLimitBackoffSeconds: e.Ingestion.RateLimitBackoffSeconds,
		RequestDelaySeconds:     requestDelaySeconds,
	}
}

// processScholarResult implements the per-scholar steps from spec §4.5
// ("Per-scholar processing", steps 2-6) given a pagefetch.Result already
// produced by either pass.
func (e *Engine) processScholarResult(ctx context.Context, runID, userID int64, scholar types.ScholarProfile, res pagefetch.Result) scholarOutcome {
	log := e.log().With("component", "runengine", "run_id", runID, "scholar_profile_id", scholar.ID)

	if res.ProfileName != "" || res.ProfileImageURL != "" {
		if err := e.Users.ApplyProfileMetadata(ctx, scholar.ID, res.ProfileName, res.ProfileImageURL); err != nil {
			log.Warn("apply profile metadata failed", "error", err)
		}
	}

	status, failureBucket := classifyOutcome(res)

	var newPubs int
	if status != types.ScholarOutcomeFailed || len(res.Publications) > 0 {
		outcome, err := e.upsertPublications(ctx, runID, scholar, res.Publications)
		if err != nil {
			log.Error("publication upsert failed", "error", err)
			status = types.ScholarOutcomeFailed
			failureBucket = "ingestion_error"
		}
		newPubs = outcome.NewPublications
	}

	baselineCompleted := status == types.ScholarOutcomeSuccess && !res.SkippedNoChange
	var fingerprintToPersist *string
	if status != types.ScholarOutcomePartial && res.FirstPageFingerprint != "" {
		fp := res.FirstPageFingerprint
		fingerprintToPersist = &fp
	}
	if err := e.Users.UpdateScholarRunOutcome(ctx, scholar.ID, status, e.now(), fingerprintToPersist, baselineCompleted); err != nil {
		log.Error("update scholar run outcome failed", "error", err)
	}

	if e.Queue != nil {
		if isResumablePartial(res, status, failureBucket) {
			reason := string(res.PaginationTruncatedReason)
			if reason == "" {
				reason = failureBucket
			}
			if err := e.Queue.UpsertJob(ctx, userID, scholar.ID, res.ContinuationCstart, reason, runID, e.Ingestion.ContinuationBaseDelaySeconds); err != nil {
				log.Error("upsert continuation queue job failed", "error", err)
			}
		} else {
			if err := e.Queue.ClearJobForScholar(ctx, userID, scholar.ID); err != nil {
				log.Warn("clear continuation queue job failed", "error", err)
			}
		}
	}

	attemptCount := res.PagesAttempted
	if attemptCount == 0 {
		attemptCount = 1
	}

	var continuation *int
	if res.HasMoreRemaining {
		c := res.ContinuationCstart
		continuation = &c
	}

	stateReason := res.FirstPageStateReason
	if res.SkippedNoChange {
		stateReason = "no_change_initial_page_signature"
	} else if res.PaginationTruncatedReason != "" {
		stateReason = string(res.PaginationTruncatedReason)
	}

	outcome := scholarOutcome{
		ScholarProfileID:   scholar.ID,
		Status:             status,
		StateReason:        stateReason,
		FailureBucket:      failureBucket,
		NewPublications:    newPubs,
		AttemptCount:       attemptCount,
		ContinuationCstart: continuation,
	}
	if status == types.ScholarOutcomeFailed {
		outcome.DebugBodyLength = res.DebugBodyLength
		outcome.DebugBodySHA256 = res.DebugBodySHA256
		outcome.DebugBodyExcerpt = res.DebugBodyExcerpt
		outcome.DebugMarkerCounts = res.MarkerCounts
	}
	return outcome
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
