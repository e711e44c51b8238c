package runengine

import (
	"context"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/observability"
	"github.com/scholarr/ingestcore/internal/safety"
	"github.com/scholarr/ingestcore/internal/types"
)

// finalize implements Phase F: compute the per-run summary, feed the
// safety controller, persist error_log.summary, and perform the
// running -> resolving transition before handing off to C9. Per
// SPEC_FULL's resolved open question, this function is the single writer
// of that transition; the enrichment task performs the later
// resolving -> <intended status> write.
func (e *Engine) finalize(ctx context.Context, run types.CrawlRun, tallies runTallies, settings types.UserSettings) (types.RunSummary, error) {
	summary := computeSummary(run.ID, tallies, e.Ingestion)

	safetyState, reason, cooldownUntil := safety.ApplyRunSafetyOutcome(
		settings.ScrapeSafetyState, run.ID, summary.BlockedFailureCount, summary.NetworkFailureCount,
		safety.Thresholds{
			BlockedThreshold:       e.Ingestion.AlertBlockedFailureThreshold,
			NetworkThreshold:       e.Ingestion.AlertNetworkFailureThreshold,
			BlockedCooldownSeconds: e.SafetyConfig.CooldownBlockedSeconds,
			NetworkCooldownSeconds: e.SafetyConfig.CooldownNetworkSeconds,
		},
		e.now(),
	)
	if err := e.Users.UpdateSafetyState(ctx, run.UserID, safetyState, cooldownUntil, reason); err != nil {
		e.log().Error("persist safety state failed", "run_id", run.ID, "error", err)
	}
	if reason != nil {
		e.log().Warn("safety cooldown entered", "run_id", run.ID, "user_id", run.UserID, "reason", *reason)
		observability.CooldownsEntered.WithLabelValues(*reason).Inc()
	}

	for _, o := range tallies.Outcomes {
		observability.ScholarOutcomes.WithLabelValues(string(o.Status), o.FailureBucket).Inc()
	}
	observability.NewPublications.Add(float64(summary.NewPublicationCount))

	errorLog := map[string]any{
		"summary":  summaryToMap(summary),
		"scholars": scholarsToLog(tallies),
		"meta":     map[string]any{"trigger_type": string(run.TriggerType)},
	}

	currentStatus, err := e.Runs.GetStatus(ctx, run.ID)
	if err != nil {
		return types.RunSummary{}, err
	}
	if currentStatus == types.RunStatusCanceled {
		if completeErr := e.Runs.Complete(ctx, run.ID, types.RunStatusCanceled, e.now(), summary.NewPublicationCount, errorLog); completeErr != nil {
			return types.RunSummary{}, completeErr
		}
		summary.Status = types.RunStatusCanceled
		observability.RunsCompleted.WithLabelValues(string(types.RunStatusCanceled), string(run.TriggerType)).Inc()
		return summary, nil
	}

	if err := e.Runs.Complete(ctx, run.ID, types.RunStatusResolving, e.now(), summary.NewPublicationCount, errorLog); err != nil {
		return types.RunSummary{}, err
	}

	observability.RunsCompleted.WithLabelValues(string(summary.Status), string(run.TriggerType)).Inc()

	if e.Enricher != nil {
		go e.Enricher.RunForUser(context.WithoutCancel(ctx), run.UserID, run.ID, summary.Status)
	}

	return summary, nil
}

func computeSummary(runID int64, tallies runTallies, cfg config.IngestionConfig) types.RunSummary {
	var s types.RunSummary
	s.CrawlRunID = runID
	s.ScholarCount = len(tallies.Outcomes)

	var retryScheduled int
	for _, o := range tallies.Outcomes {
		switch o.Status {
		case types.ScholarOutcomeSuccess:
			s.SucceededCount++
		case types.ScholarOutcomePartial:
			s.PartialCount++
		case types.ScholarOutcomeFailed:
			s.FailedCount++
		}
		switch o.FailureBucket {
		case "blocked_or_captcha":
			s.BlockedFailureCount++
		case "network_error":
			s.NetworkFailureCount++
		case "layout_changed":
			s.LayoutFailureCount++
		case "ingestion_error":
			s.IngestionFailureCount++
		case "other_failure":
			s.OtherFailureCount++
		}
		s.NewPublicationCount += o.NewPublications
		if o.AttemptCount > 1 {
			s.RetryCount += o.AttemptCount - 1
			retryScheduled++
			if o.FailureBucket == "network_error" {
				s.RetryExhaustedCount++
			}
		}
	}

	s.AlertBlocked = s.BlockedFailureCount >= max1(cfg.AlertBlockedFailureThreshold)
	s.AlertNetwork = s.NetworkFailureCount >= max1(cfg.AlertNetworkFailureThreshold)
	s.AlertRetryScheduled = retryScheduled >= max1(cfg.AlertRetryScheduledThreshold)

	s.Status = resolveRunStatus(s)
	return s
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

func resolveRunStatus(s types.RunSummary) types.RunStatus {
	switch {
	case s.ScholarCount == 0:
		return types.RunStatusSuccess
	case s.FailedCount == s.ScholarCount:
		return types.RunStatusFailed
	case s.FailedCount > 0 || s.PartialCount > 0:
		return types.RunStatusPartialFailure
	case s.SucceededCount > 0:
		return types.RunStatusSuccess
	default:
		return types.RunStatusFailed
	}
}

// scholarsToLog renders the per-scholar results for error_log.scholars,
// including the failure debug context when a scholar failed outright.
func scholarsToLog(tallies runTallies) []map[string]any {
	entries := make([]map[string]any, 0, len(tallies.Outcomes))
	for _, o := range tallies.Outcomes {
		entry := map[string]any{
			"scholar_profile_id": o.ScholarProfileID,
			"status":             string(o.Status),
			"state_reason":       o.StateReason,
			"new_publications":   o.NewPublications,
			"attempt_count":      o.AttemptCount,
		}
		if o.FailureBucket != "" {
			entry["failure_bucket"] = o.FailureBucket
		}
		if o.ContinuationCstart != nil {
			entry["continuation_cstart"] = *o.ContinuationCstart
		}
		if o.Status == types.ScholarOutcomeFailed {
			entry["debug"] = map[string]any{
				"body_length":   o.DebugBodyLength,
				"body_sha256":   o.DebugBodySHA256,
				"body_excerpt":  o.DebugBodyExcerpt,
				"marker_counts": o.DebugMarkerCounts,
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func summaryToMap(s types.RunSummary) map[string]any {
	return map[string]any{
		"scholar_count":           s.ScholarCount,
		"succeeded_count":         s.SucceededCount,
		"failed_count":            s.FailedCount,
		"partial_count":           s.PartialCount,
		"new_publication_count":   s.NewPublicationCount,
		"blocked_failure_count":   s.BlockedFailureCount,
		"network_failure_count":   s.NetworkFailureCount,
		"layout_failure_count":    s.LayoutFailureCount,
		"ingestion_failure_count": s.IngestionFailureCount,
		"other_failure_count":     s.OtherFailureCount,
		"retry_count":             s.RetryCount,
		"retry_exhausted_count":   s.RetryExhaustedCount,
	}
}
