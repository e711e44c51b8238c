package runengine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/scholarr/ingestcore/internal/config"
	"github.com/scholarr/ingestcore/internal/pagefetch"
	"github.com/scholarr/ingestcore/internal/types"
)

func testIngestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		RequestDelaySeconds: 2, MinRequestDelaySeconds: 2,
		NetworkErrorRetries: 3, RetryBackoffSeconds: 2,
		RateLimitRetries: 2, RateLimitBackoffSeconds: 5,
		MaxPagesPerScholar: 10, PageSize: 20,
		ContinuationQueueEnabled: true, ContinuationBaseDelaySeconds: 30,
		ContinuationMaxDelaySeconds: 3600, ContinuationMaxAttempts: 8,
		AlertBlockedFailureThreshold: 1, AlertNetworkFailureThreshold: 1,
		AlertRetryScheduledThreshold: 1,
	}
}

func TestClassifyOutcome_SkippedNoChangeIsSuccess(t *testing.T) {
	status, bucket := classifyOutcome(pagefetch.Result{SkippedNoChange: true})
	assert.Equal(t, types.ScholarOutcomeSuccess, status)
	assert.Empty(t, bucket)
}

func TestClassifyOutcome_OKIsSuccess(t *testing.T) {
	status, bucket := classifyOutcome(pagefetch.Result{FirstPageState: types.ParseStateOK})
	assert.Equal(t, types.ScholarOutcomeSuccess, status)
	assert.Empty(t, bucket)
}

func TestClassifyOutcome_LayoutErrorWithoutRowsIsFailed(t *testing.T) {
	status, bucket := classifyOutcome(pagefetch.Result{Err: errors.New("layout invariant violated: #gsc_prf_in")})
	assert.Equal(t, types.ScholarOutcomeFailed, status)
	assert.Equal(t, "layout_changed", bucket)
}

func TestClassifyOutcome_LayoutErrorWithRowsIsPartial(t *testing.T) {
	status, bucket := classifyOutcome(pagefetch.Result{
		Err:          errors.New("layout invariant violated on page 2"),
		Publications: []types.PublicationCandidate{{Title: "kept from page 1"}},
	})
	assert.Equal(t, types.ScholarOutcomePartial, status)
	assert.Equal(t, "layout_changed", bucket)
}

func TestClassifyOutcome_TruncationsArePartial(t *testing.T) {
	cases := []struct {
		reason pagefetch.StopReason
		bucket string
	}{
		{pagefetch.StopMaxPagesReached, "other_failure"},
		{pagefetch.StopCursorStalled, "other_failure"},
		{pagefetch.StopReasonForState(types.ParseStateNetworkError), "network_error"},
		{pagefetch.StopReasonForState(types.ParseStateBlockedOrCaptcha), "blocked_or_captcha"},
	}
	for _, tc := range cases {
		status, bucket := classifyOutcome(pagefetch.Result{
			FirstPageState:            types.ParseStateOK,
			PaginationTruncatedReason: tc.reason,
		})
		assert.Equal(t, types.ScholarOutcomePartial, status, "reason %s", tc.reason)
		assert.Equal(t, tc.bucket, bucket, "reason %s", tc.reason)
	}
}

func TestClassifyOutcome_FirstPageFailures(t *testing.T) {
	status, bucket := classifyOutcome(pagefetch.Result{FirstPageState: types.ParseStateBlockedOrCaptcha})
	assert.Equal(t, types.ScholarOutcomeFailed, status)
	assert.Equal(t, "blocked_or_captcha", bucket)

	status, bucket = classifyOutcome(pagefetch.Result{FirstPageState: types.ParseStateNetworkError})
	assert.Equal(t, types.ScholarOutcomeFailed, status)
	assert.Equal(t, "network_error", bucket)
}

func TestIsResumablePartial(t *testing.T) {
	assert.True(t, isResumablePartial(pagefetch.Result{PaginationTruncatedReason: pagefetch.StopMaxPagesReached}, types.ScholarOutcomePartial, "other_failure"))
	assert.True(t, isResumablePartial(pagefetch.Result{PaginationTruncatedReason: pagefetch.StopCursorStalled}, types.ScholarOutcomePartial, "other_failure"))
	assert.True(t, isResumablePartial(pagefetch.Result{PaginationTruncatedReason: pagefetch.StopReasonForState(types.ParseStateNetworkError)}, types.ScholarOutcomePartial, "network_error"))
	assert.True(t, isResumablePartial(pagefetch.Result{}, types.ScholarOutcomeFailed, "network_error"))

	assert.False(t, isResumablePartial(pagefetch.Result{}, types.ScholarOutcomeSuccess, ""))
	assert.False(t, isResumablePartial(pagefetch.Result{PaginationTruncatedReason: pagefetch.StopReasonForState(types.ParseStateBlockedOrCaptcha)}, types.ScholarOutcomePartial, "blocked_or_captcha"))
	assert.False(t, isResumablePartial(pagefetch.Result{}, types.ScholarOutcomeFailed, "layout_changed"))
}

func TestResolveRunStatus(t *testing.T) {
	assert.Equal(t, types.RunStatusSuccess, resolveRunStatus(types.RunSummary{ScholarCount: 0}))
	assert.Equal(t, types.RunStatusFailed, resolveRunStatus(types.RunSummary{ScholarCount: 2, FailedCount: 2}))
	assert.Equal(t, types.RunStatusPartialFailure, resolveRunStatus(types.RunSummary{ScholarCount: 3, SucceededCount: 2, FailedCount: 1}))
	assert.Equal(t, types.RunStatusPartialFailure, resolveRunStatus(types.RunSummary{ScholarCount: 3, SucceededCount: 2, PartialCount: 1}))
	assert.Equal(t, types.RunStatusSuccess, resolveRunStatus(types.RunSummary{ScholarCount: 2, SucceededCount: 2}))
}

func TestComputeSummary_AlertThresholdsFloorAtOne(t *testing.T) {
	tallies := runTallies{Outcomes: []scholarOutcome{
		{Status: types.ScholarOutcomeFailed, FailureBucket: "blocked_or_captcha", AttemptCount: 1},
		{Status: types.ScholarOutcomeSuccess, NewPublications: 4, AttemptCount: 3},
	}}
	cfg := testIngestionConfig()
	cfg.AlertBlockedFailureThreshold = 0 // floors to 1

	summary := computeSummary(7, tallies, cfg)
	assert.True(t, summary.AlertBlocked)
	assert.Equal(t, 1, summary.BlockedFailureCount)
	assert.Equal(t, 4, summary.NewPublicationCount)
	assert.Equal(t, 2, summary.RetryCount, "attempt_count-1 summed over scholars")
	assert.Equal(t, types.RunStatusPartialFailure, summary.Status)
}
