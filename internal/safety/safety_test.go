package safety

import (
	"testing"
	"time"

	"github.com/scholarr/ingestcore/internal/types"
)

func TestApplyRunSafetyOutcome_BlockedThresholdWins(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	th := Thresholds{BlockedThreshold: 2, NetworkThreshold: 2, BlockedCooldownSeconds: 1800, NetworkCooldownSeconds: 600}

	state, reason, until := ApplyRunSafetyOutcome(types.SafetyCounters{}, 42, 3, 3, th, now)

	if reason == nil || *reason != "blocked_failure_threshold_exceeded" {
		t.Fatalf("expected blocked reason to win, got %v", reason)
	}
	want := now.Add(1800 * time.Second)
	if until == nil || !until.Equal(want) {
		t.Errorf("cooldown until = %v, want %v", until, want)
	}
	if state.ConsecutiveBlockedRuns != 1 || state.ConsecutiveNetworkRuns != 1 {
		t.Errorf("consecutive counters = %+v", state)
	}
	if state.CooldownEntryCount != 1 {
		t.Errorf("cooldown entry count = %d, want 1", state.CooldownEntryCount)
	}
}

func TestApplyRunSafetyOutcome_CooldownFloor(t *testing.T) {
	now := time.Now()
	th := Thresholds{BlockedThreshold: 1, NetworkThreshold: 1, BlockedCooldownSeconds: 5, NetworkCooldownSeconds: 5}
	_, reason, until := ApplyRunSafetyOutcome(types.SafetyCounters{}, 1, 1, 0, th, now)
	if reason == nil {
		t.Fatal("expected cooldown reason")
	}
	if until.Sub(now) < minCooldownSeconds*time.Second {
		t.Errorf("cooldown %v below floor", until.Sub(now))
	}
}

func TestApplyRunSafetyOutcome_NoFailuresResetsConsecutive(t *testing.T) {
	now := time.Now()
	th := Thresholds{BlockedThreshold: 3, NetworkThreshold: 3, BlockedCooldownSeconds: 60, NetworkCooldownSeconds: 60}
	seed := types.SafetyCounters{ConsecutiveBlockedRuns: 2, ConsecutiveNetworkRuns: 2}
	state, reason, until := ApplyRunSafetyOutcome(seed, 2, 0, 0, th, now)
	if reason != nil || until != nil {
		t.Fatalf("expected no cooldown, got reason=%v until=%v", reason, until)
	}
	if state.ConsecutiveBlockedRuns != 0 || state.ConsecutiveNetworkRuns != 0 {
		t.Errorf("expected consecutive counters reset, got %+v", state)
	}
}

func TestIsCooldownActiveAndClearExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	if !IsCooldownActive(&future, now) {
		t.Error("future cooldown should be active")
	}
	if IsCooldownActive(&past, now) {
		t.Error("past cooldown should be inactive")
	}
	if IsCooldownActive(nil, now) {
		t.Error("nil cooldown should be inactive")
	}

	if !ClearExpiredCooldown(&past, now) {
		t.Error("expired cooldown should be cleared")
	}
	if ClearExpiredCooldown(&future, now) {
		t.Error("future cooldown should not be cleared")
	}
}

func TestRegisterCooldownBlockedStart_OnlyIncrementsCounter(t *testing.T) {
	state := types.SafetyCounters{BlockedStartCount: 4}
	got := RegisterCooldownBlockedStart(state)
	if got.BlockedStartCount != 5 {
		t.Errorf("blocked start count = %d, want 5", got.BlockedStartCount)
	}
}
