package runengine

import (
	"strings"

	"github.com/scholarr/ingestcore/internal/pagefetch"
	"github.com/scholarr/ingestcore/internal/types"
)

// classifyOutcome maps a pagefetch.Result onto the per-scholar
// status/failure-bucket taxonomy from spec §4.5 step 4.
func classifyOutcome(res pagefetch.Result) (status types.ScholarOutcomeStatus, failureBucket string) {
	switch {
	case res.SkippedNoChange:
		return types.ScholarOutcomeSuccess, ""
	case res.Err != nil:
		if len(res.Publications) > 0 {
			return types.ScholarOutcomePartial, "layout_changed"
		}
		return types.ScholarOutcomeFailed, "layout_changed"
	case res.PaginationTruncatedReason != "":
		return types.ScholarOutcomePartial, truncationFailureBucket(res.PaginationTruncatedReason)
	case res.FirstPageState == types.ParseStateOK || res.FirstPageState == types.ParseStateNoResults:
		return types.ScholarOutcomeSuccess, ""
	case res.FirstPageState == types.ParseStateBlockedOrCaptcha:
		return types.ScholarOutcomeFailed, "blocked_or_captcha"
	case res.FirstPageState == types.ParseStateNetworkError:
		return types.ScholarOutcomeFailed, "network_error"
	default:
		return types.ScholarOutcomeFailed, "other_failure"
	}
}

func truncationFailureBucket(reason pagefetch.StopReason) string {
	r := string(reason)
	switch {
	case reason == pagefetch.StopRunCanceled:
		return ""
	case strings.HasPrefix(r, "page_state_blocked_or_captcha"):
		return "blocked_or_captcha"
	case strings.HasPrefix(r, "page_state_network_error"):
		return "network_error"
	case strings.HasPrefix(r, "page_state_layout_changed"):
		return "layout_changed"
	case reason == pagefetch.StopMaxPagesReached || reason == pagefetch.StopCursorStalled:
		return "other_failure"
	default:
		return "other_failure"
	}
}

// isResumablePartial reports whether the outcome should leave (or create)
// a continuation queue item rather than clearing one, per spec §4.5 step 6.
func isResumablePartial(res pagefetch.Result, status types.ScholarOutcomeStatus, failureBucket string) bool {
	if res.PaginationTruncatedReason == pagefetch.StopMaxPagesReached || res.PaginationTruncatedReason == pagefetch.StopCursorStalled {
		return true
	}
	if strings.HasPrefix(string(res.PaginationTruncatedReason), "page_state_network_error") {
		return true
	}
	if status == types.ScholarOutcomeFailed && failureBucket == "network_error" {
		return true
	}
	return false
}
