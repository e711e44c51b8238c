// Package safety implements the per-user scrape-safety cooldown
// controller (C7). State is carried inside UserSettings.scrape_safety_state
// and round-tripped by the caller (C12); this package is pure arithmetic
// over the typed SafetyCounters/SafetyStatePayload structs, with no I/O of
// its own.
package safety

import (
	"time"

	"github.com/scholarr/ingestcore/internal/types"
)

// minCooldownSeconds is the floor applied to both blocked and network
// cooldowns, per spec §4.7 ("max(60, ...)").
const minCooldownSeconds = 60

// Thresholds bundles the failure-count thresholds that decide whether a
// run outcome triggers a cooldown.
type Thresholds struct {
	BlockedThreshold       int
	NetworkThreshold       int
	BlockedCooldownSeconds int
	NetworkCooldownSeconds int
}

// ApplyRunSafetyOutcome is C7's sole mutating entry point: given the
// failure counts observed in a just-finalized run, it updates the
// counters and decides whether to enter (or refresh) a cooldown. now is
// threaded explicitly so callers stay deterministic in tests.
func ApplyRunSafetyOutcome(state types.SafetyCounters, runID int64, blockedFailures, networkFailures int, th Thresholds, now time.Time) (types.SafetyCounters, *string, *time.Time) {
	state.LastBlockedFailureCount = blockedFailures
	state.LastNetworkFailureCount = networkFailures
	state.LastEvaluatedRunID = &runID

	if blockedFailures > 0 {
		state.ConsecutiveBlockedRuns++
	} else {
		state.ConsecutiveBlockedRuns = 0
	}
	if networkFailures > 0 {
		state.ConsecutiveNetworkRuns++
	} else {
		state.ConsecutiveNetworkRuns = 0
	}

	var reason *string
	var cooldownUntil *time.Time

	switch {
	case blockedFailures >= th.BlockedThreshold:
		r := "blocked_failure_threshold_exceeded"
		reason = &r
		seconds := th.BlockedCooldownSeconds
		if seconds < minCooldownSeconds {
			seconds = minCooldownSeconds
		}
		until := now.Add(time.Duration(seconds) * time.Second)
		cooldownUntil = &until
	case networkFailures >= th.NetworkThreshold:
		r := "network_failure_threshold_exceeded"
		reason = &r
		seconds := th.NetworkCooldownSeconds
		if seconds < minCooldownSeconds {
			seconds = minCooldownSeconds
		}
		until := now.Add(time.Duration(seconds) * time.Second)
		cooldownUntil = &until
	}

	if reason != nil {
		state.CooldownEntryCount++
	}

	return state, reason, cooldownUntil
}

// IsCooldownActive reports whether cooldownUntil is set and still in the
// future relative to now.
func IsCooldownActive(cooldownUntil *time.Time, now time.Time) bool {
	return cooldownUntil != nil && cooldownUntil.After(now)
}

// ClearExpiredCooldown reports whether a non-nil, expired cooldown should
// be cleared, returning true exactly once per expiry (callers persist the
// cleared state so a second call on the same row returns false).
func ClearExpiredCooldown(cooldownUntil *time.Time, now time.Time) bool {
	return cooldownUntil != nil && !cooldownUntil.After(now)
}

// RegisterCooldownBlockedStart only increments the blocked-start counter;
// it never extends an active cooldown, per spec §4.7's closing paragraph.
func RegisterCooldownBlockedStart(state types.SafetyCounters) types.SafetyCounters {
	state.BlockedStartCount++
	return state
}

// BuildStatusPayload renders the typed read model returned to callers
// attempting to start a run during an active cooldown.
func BuildStatusPayload(state types.SafetyCounters, cooldownUntil *time.Time, cooldownReason string, now time.Time) types.SafetyStatePayload {
	payload := types.SafetyStatePayload{
		CooldownReason: cooldownReason,
		CooldownUntil:  cooldownUntil,
		Counters:       state,
	}
	payload.CooldownActive = IsCooldownActive(cooldownUntil, now)
	if payload.CooldownActive {
		payload.CooldownRemainingSeconds = int(cooldownUntil.Sub(now).Seconds())
		switch cooldownReason {
		case "blocked_failure_threshold_exceeded":
			payload.CooldownReasonLabel = "Blocked by Scholar too many times recently"
			payload.RecommendedAction = "wait for cooldown to expire; repeated blocks may indicate a layout change"
		case "network_failure_threshold_exceeded":
			payload.CooldownReasonLabel = "Too many recent network failures"
			payload.RecommendedAction = "wait for cooldown to expire; check network connectivity to Scholar"
		default:
			payload.CooldownReasonLabel = cooldownReason
		}
	}
	return payload
}
