package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdaptiveTracker_RewardsAfterThreeConsecutiveAboveThreshold(t *testing.T) {
	tr := NewAdaptiveTracker(100)
	before := tr.Snapshot().ConfirmedLimit

	for i := 0; i < int(before)+5; i++ {
		tr.RecordSuccess()
	}

	after := tr.Snapshot().ConfirmedLimit
	assert.Greater(t, after, before)
}

func TestAdaptiveTracker_RateLimitedAppliesMultiplicativePenalty(t *testing.T) {
	tr := NewAdaptiveTracker(100)
	for i := 0; i < 50; i++ {
		tr.RecordSuccess()
	}

	tr.RecordRateLimited()
	snap := tr.Snapshot()
	assert.InDelta(t, 100*DefaultMultiplicativeFactor, snap.ConfirmedLimit, 1.0)
}

func TestAdaptiveTracker_ConfirmedLimitNeverBelowMin(t *testing.T) {
	tr := NewAdaptiveTracker(DefaultMinLimit + 1)
	for i := 0; i < 10; i++ {
		tr.RecordRateLimited()
	}
	assert.GreaterOrEqual(t, tr.Snapshot().ConfirmedLimit, DefaultMinLimit)
}

func TestAdaptiveTracker_ConfirmedLimitNeverAboveMax(t *testing.T) {
	tr := NewAdaptiveTracker(DefaultMaxLimit - 1)
	for round := 0; round < 5; round++ {
		for i := 0; i < int(DefaultMaxLimit)+10; i++ {
			tr.RecordSuccess()
		}
	}
	assert.LessOrEqual(t, tr.Snapshot().ConfirmedLimit, DefaultMaxLimit)
}

func TestAdaptiveTracker_CeilingTracksHighestObservedRate(t *testing.T) {
	tr := NewAdaptiveTracker(200)
	for i := 0; i < 150; i++ {
		tr.RecordSuccess()
	}
	tr.RecordRateLimited()
	assert.GreaterOrEqual(t, tr.Snapshot().Ceiling, 200.0)
}

func TestAdaptiveTracker_ServerErrorResetsStreakWithoutPenalizingLimit(t *testing.T) {
	tr := NewAdaptiveTracker(100)
	before := tr.Snapshot().ConfirmedLimit
	tr.RecordServerError()
	assert.Equal(t, before, tr.Snapshot().ConfirmedLimit)
}

func TestRestoreAdaptiveTracker_AppliesConfidenceDecayByAge(t *testing.T) {
	fresh := RestoreAdaptiveTracker(PersistedState{ConfirmedLimit: 200, Ceiling: 300, AgeSecondsSinceCalib: 30})
	stale := RestoreAdaptiveTracker(PersistedState{ConfirmedLimit: 200, Ceiling: 300, AgeSecondsSinceCalib: (30 * time.Hour).Seconds()})

	assert.Equal(t, 200.0, fresh.Snapshot().ConfirmedLimit)
	assert.InDelta(t, 100.0, stale.Snapshot().ConfirmedLimit, 0.01)
}

func TestAdaptiveManager_GetCreatesAndReusesTracker(t *testing.T) {
	mgr := NewAdaptiveManager()
	a := mgr.Get("acct-1")
	b := mgr.Get("acct-1")
	assert.Same(t, a, b)

	c := mgr.Get("acct-2")
	assert.NotSame(t, a, c)
}

func TestAdaptiveManager_PersistAllRoundTrips(t *testing.T) {
	mgr := NewAdaptiveManager()
	mgr.Get("acct-1").RecordRateLimited()

	states := mgr.PersistAll()
	got, ok := states["acct-1"]
	assert.True(t, ok)
	assert.Greater(t, got.ConfirmedLimit, 0.0)
}

func TestProbeStrategy_EscalatesWithUsage(t *testing.T) {
	tr := NewAdaptiveTracker(100)
	assert.Equal(t, ProbeNone, tr.ProbeStrategy())

	tr.mu.Lock()
	tr.requestsThisMinute = int(tr.workingThreshold*0.96) + 1
	tr.lastCalibration = time.Now().Add(-10 * time.Minute)
	tr.mu.Unlock()

	assert.Equal(t, ProbeImmediateHedge, tr.ProbeStrategy())
}
