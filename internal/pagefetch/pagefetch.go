// Package pagefetch drives one scholar's profile-page pagination: retries
// with the network/rate-limit backoff laws, the initial-page fingerprint
// short-circuit, cursor advance, and the stop-condition/cooperative
// cancellation machinery the run engine depends on (C4).
package pagefetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/scholarr/ingestcore/internal/fingerprint"
	"github.com/scholarr/ingestcore/internal/observability"
	"github.com/scholarr/ingestcore/internal/scholarparse"
	"github.com/scholarr/ingestcore/internal/scholarsource"
	"github.com/scholarr/ingestcore/internal/types"
)

// Policy is the per-run paging policy, sourced from config.IngestionConfig.
type Policy struct {
	PageSize                int
	MaxPages                int
	NetworkErrorRetries     int
	RetryBackoffSeconds     int
	RateLimitRetries        int
	RateLimitBackoffSeconds int
	RequestDelaySeconds     int
}

// PageAttempt is one logged fetch attempt for a single page.
type PageAttempt struct {
	AttemptNumber int
	StatusCode    int
	State         types.ParseState
	StateReason   string
	Error         string
}

// StopReason tags why pagination ended.
type StopReason string

const (
	StopNone                  StopReason = ""
	StopMaxPagesReached       StopReason = "max_pages_reached"
	StopCursorStalled         StopReason = "pagination_cursor_stalled"
	StopRunCanceled           StopReason = "run_canceled"
	stopPageStatePrefix       string     = "page_state_"
)

// StopReasonForState builds the page_state_<X> stop reason tag.
func StopReasonForState(state types.ParseState) StopReason {
	return StopReason(stopPageStatePrefix + string(state))
}

// Result is C4's sole output shape.
type Result struct {
	AttemptLog                []PageAttempt
	PagesFetched              int
	PagesAttempted            int
	Publications              []types.PublicationCandidate
	ContinuationCstart        int
	HasMoreRemaining          bool
	PaginationTruncatedReason StopReason
	SkippedNoChange           bool
	FirstPageFingerprint      string
	FirstPageState            types.ParseState
	FirstPageStateReason      string
	ProfileName               string
	ProfileImageURL           string

	// Failure debug context for the page that stopped the crawl,
	// recorded into the run's error_log when the scholar outcome is
	// failed.
	DebugBodyLength  int
	DebugBodySHA256  string
	DebugBodyExcerpt string
	MarkerCounts     map[string]int
	// Err is the layout-invariant error, if the first (or a subsequent)
	// page failed parsing outright; nil for all other outcomes, including
	// NETWORK_ERROR/BLOCKED_OR_CAPTCHA exhaustion, which are reported via
	// FirstPageState/StateReason instead.
	Err error
}

// RunStatusChecker is the narrow dependency C4 needs on the run record for
// cooperative cancellation (spec §4.4: "re-read the CrawlRun status").
type RunStatusChecker interface {
	GetStatus(ctx context.Context, runID int64) (types.RunStatus, error)
}

// Fetcher drives one scholar's pagination.
type Fetcher struct {
	Source scholarsource.Source
	Runs   RunStatusChecker
	Logger *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// New builds a Fetcher. logger may be nil, in which case slog.Default()
// is used lazily on each call.
func New(source scholarsource.Source, runs RunStatusChecker, logger *slog.Logger) *Fetcher {
	return &Fetcher{Source: source, Runs: runs, Logger: logger, sleep: sleepWithContext}
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
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

// Run executes the paged-fetch algorithm from spec §4.4 for one scholar,
// starting at startCstart and fetching at most maxPages additional pages
// beyond the first. previousFingerprint is the scholar's stored
// last_initial_page_fingerprint_sha256 (empty if never computed); it is
// only consulted when startCstart is 0.
func (f *Fetcher) Run(ctx context.Context, runID int64, scholarID string, startCstart, maxPages int, previousFingerprint string, policy Policy) Result {
	log := f.logger().With("component", "pagefetch", "scholar_id", scholarID, "run_id", runID)

	firstParams := types.FetchParams{Kind: types.FetchKindProfilePage, ScholarID: scholarID, Cstart: startCstart, PageSize: policy.PageSize}
	firstFetch, firstPage, attemptLog, err := f.fetchPageWithRetry(ctx, firstParams, policy)
	result := Result{AttemptLog: attemptLog, PagesAttempted: len(attemptLog)}
	result.recordDebugContext(firstFetch, firstPage)

	if err != nil {
		log.Error("layout invariant on first page", "error", err)
		result.Err = err
		result.ContinuationCstart = startCstart
		return result
	}

	result.FirstPageState = firstPage.State
	result.FirstPageStateReason = firstPage.StateReason
	result.ProfileName = firstPage.ProfileName
	result.ProfileImageURL = firstPage.ProfileImageURL

	// The initial-page fingerprint is defined for the profile's first
	// page only; a continuation resume starting mid-pagination must not
	// produce one, or it would overwrite the stored cstart-0 signature.
	if startCstart == 0 && (firstPage.State == types.ParseStateOK || firstPage.State == types.ParseStateNoResults) {
		fp, fpErr := fingerprint.InitialPageFingerprint(firstPage)
		if fpErr == nil {
			result.FirstPageFingerprint = fp
			if previousFingerprint != "" && previousFingerprint == fp {
				log.Info("initial page unchanged, skipping", "fingerprint", fp)
				result.SkippedNoChange = true
				result.PagesFetched = 1
				return result
			}
		}
	}

	if firstPage.State != types.ParseStateOK && firstPage.State != types.ParseStateNoResults {
		result.PagesFetched = 1
		if firstPage.State == types.ParseStateNetworkError {
			result.ContinuationCstart = startCstart
		}
		log.Warn("first page not usable", "state", firstPage.State, "reason", firstPage.StateReason)
		return result
	}

	// Dedup state spans every page of this scholar's crawl: a row seen
	// on a later page that fuzzily matches an earlier title is dropped
	// before it ever reaches the run engine.
	deduper := fingerprint.NewDeduper()

	result.PagesFetched = 1
	result.Publications = append(result.Publications, dedupedCandidates(deduper, firstPage.Publications)...)
	currentCstart := startCstart
	nextCstart, advanced := nextCursor(firstPage, currentCstart)

	page := firstPage
	for {
		if !page.HasShowMoreButton {
			result.ContinuationCstart = nextCstart
			result.HasMoreRemaining = false
			return result
		}
		if result.PagesFetched-1 >= maxPages {
			result.PaginationTruncatedReason = StopMaxPagesReached
			result.ContinuationCstart = nextCstart
			result.HasMoreRemaining = true
			return result
		}
		if !advanced || nextCstart <= currentCstart {
			result.PaginationTruncatedReason = StopCursorStalled
			result.ContinuationCstart = currentCstart
			result.HasMoreRemaining = true
			return result
		}

		if f.Runs != nil {
			status, statusErr := f.Runs.GetStatus(ctx, runID)
			if statusErr == nil && status == types.RunStatusCanceled {
				result.PaginationTruncatedReason = StopRunCanceled
				result.ContinuationCstart = currentCstart
				result.HasMoreRemaining = true
				log.Info("run canceled, truncating pagination")
				return result
			}
		}

		if err := f.sleep(ctx, time.Duration(policy.RequestDelaySeconds)*time.Second); err != nil {
			result.PaginationTruncatedReason = StopRunCanceled
			result.ContinuationCstart = currentCstart
			result.HasMoreRemaining = true
			return result
		}

		nextParams := types.FetchParams{Kind: types.FetchKindProfilePage, ScholarID: scholarID, Cstart: nextCstart, PageSize: policy.PageSize}
		nextFetch, nextPage, nextAttempts, fetchErr := f.fetchPageWithRetry(ctx, nextParams, policy)
		result.AttemptLog = append(result.AttemptLog, nextAttempts...)
		result.PagesAttempted += len(nextAttempts)
		if fetchErr != nil {
			result.recordDebugContext(nextFetch, nextPage)
			result.Err = fetchErr
			result.ContinuationCstart = nextCstart
			return result
		}
		if nextPage.State != types.ParseStateOK && nextPage.State != types.ParseStateNoResults {
			result.recordDebugContext(nextFetch, nextPage)
			result.PaginationTruncatedReason = StopReasonForState(nextPage.State)
			result.ContinuationCstart = nextCstart
			result.HasMoreRemaining = true
			return result
		}

		result.PagesFetched++
		result.Publications = append(result.Publications, dedupedCandidates(deduper, nextPage.Publications)...)
		currentCstart = nextCstart
		nextCstart, advanced = nextCursor(nextPage, currentCstart)
		page = nextPage
	}
}

// recordDebugContext captures the body-level evidence of the page that
// stopped (or started) the crawl, for the run's error_log.
func (r *Result) recordDebugContext(fetch types.FetchResult, page types.ParsedProfilePage) {
	r.DebugBodyLength = len(fetch.Body)
	if len(fetch.Body) > 0 {
		sum := sha256.Sum256(fetch.Body)
		r.DebugBodySHA256 = hex.EncodeToString(sum[:])
		r.DebugBodyExcerpt = fingerprint.BuildBodyExcerpt(string(fetch.Body), 220)
	}
	if len(page.MarkerCounts) > 0 {
		r.MarkerCounts = page.MarkerCounts
	}
}

// dedupedCandidates feeds each candidate through the cross-page deduper
// and returns only the ones seen for the first time.
func dedupedCandidates(d *fingerprint.Deduper, candidates []types.PublicationCandidate) []types.PublicationCandidate {
	var fresh []types.PublicationCandidate
	for _, c := range candidates {
		if _, added := d.Add(fingerprint.NewCandidate(c)); added {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

// nextCursor derives next_cstart per spec §4.4: from the "Articles N-M"
// range when present, else current + len(publications).
func nextCursor(page types.ParsedProfilePage, current int) (int, bool) {
	if v, ok := fingerprint.NextCstart(page.ArticlesRange); ok {
		return v, true
	}
	if len(page.Publications) == 0 {
		return current, false
	}
	return current + len(page.Publications), true
}

// fetchPageWithRetry implements the attempt loop from spec §4.4 step 1:
// independent retry budgets for NETWORK_ERROR (exponential) and
// BLOCKED_OR_CAPTCHA/blocked_http_429_rate_limited (linear). A layout
// invariant error aborts immediately with no retry.
func (f *Fetcher) fetchPageWithRetry(ctx context.Context, params types.FetchParams, policy Policy) (types.FetchResult, types.ParsedProfilePage, []PageAttempt, error) {
	var log []PageAttempt
	networkAttempts := 0
	rateLimitAttempts := 0
	attemptNumber := 0

	for {
		attemptNumber++
		result := f.Source.Fetch(ctx, params)
		page, err := scholarparse.ParseProfilePage(result)

		entry := PageAttempt{AttemptNumber: attemptNumber, StatusCode: result.StatusCode}
		if err != nil {
			// Only a layout invariant is fatal; the parser also returns
			// the transport error alongside a NETWORK_ERROR state, which
			// the retry switch below owns.
			var layoutErr *scholarparse.LayoutInvariantError
			if errors.As(err, &layoutErr) {
				entry.Error = err.Error()
				log = append(log, entry)
				return result, types.ParsedProfilePage{}, log, err
			}
			entry.Error = err.Error()
		}
		entry.State = page.State
		entry.StateReason = page.StateReason
		log = append(log, entry)
		observability.FetchAttempts.WithLabelValues(string(page.State)).Inc()

		switch {
		case page.State == types.ParseStateNetworkError:
			networkAttempts++
			if networkAttempts <= policy.NetworkErrorRetries {
				backoff := networkBackoffSeconds(policy.RetryBackoffSeconds, networkAttempts)
				if sleepErr := f.sleep(ctx, time.Duration(backoff)*time.Second); sleepErr != nil {
					return result, page, log, nil
				}
				continue
			}
			return result, page, log, nil
		case page.State == types.ParseStateBlockedOrCaptcha && page.StateReason == "blocked_http_429_rate_limited":
			rateLimitAttempts++
			if rateLimitAttempts <= policy.RateLimitRetries {
				backoff := policy.RateLimitBackoffSeconds * rateLimitAttempts
				if sleepErr := f.sleep(ctx, time.Duration(backoff)*time.Second); sleepErr != nil {
					return result, page, log, nil
				}
				continue
			}
			return result, page, log, nil
		default:
			return result, page, log, nil
		}
	}
}

// networkBackoffSeconds implements base * 2^(attempt-1), attempt 1-indexed.
func networkBackoffSeconds(base, attempt int) int {
	seconds := base
	for i := 1; i < attempt; i++ {
		seconds *= 2
	}
	return seconds
}
