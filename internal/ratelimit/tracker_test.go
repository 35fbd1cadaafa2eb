package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFromError_PrecedenceRetryAfterBeatsBody(t *testing.T) {
	tr := NewTracker()
	body := `{"error":{"status":"RATE_LIMIT_EXCEEDED","quotaResetDelay":120,"retryAt":"` +
		time.Now().Add(10*time.Minute).UTC().Format(time.RFC3339) + `"}}`

	info := tr.ParseFromError("acct-1", 429, "5", body, "gemini-2.5-pro")
	require.NotNil(t, info)
	assert.Equal(t, ReasonRateLimitExceeded, info.Reason)
	assert.WithinDuration(t, time.Now().Add(5*time.Second), info.Until, 2*time.Second)
}

func TestParseFromError_QuotaResetDelayBeatsRetryAt(t *testing.T) {
	tr := NewTracker()
	body := `{"error":{"status":"RATE_LIMIT_EXCEEDED","quotaResetDelay":30,"retryAt":"` +
		time.Now().Add(1*time.Hour).UTC().Format(time.RFC3339) + `"}}`

	info := tr.ParseFromError("acct-1", 429, "", body, "gemini-2.5-pro")
	require.NotNil(t, info)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), info.Until, 2*time.Second)
}

func TestParseFromError_FallsBackToAdaptiveLadder(t *testing.T) {
	tr := NewTracker()
	body := `{"error":{"status":"RATE_LIMIT_EXCEEDED"}}`

	first := tr.ParseFromError("acct-1", 429, "", body, "gemini-2.5-pro")
	require.NotNil(t, first)
	assert.WithinDuration(t, time.Now().Add(15*time.Second), first.Until, 2*time.Second)

	second := tr.ParseFromError("acct-1", 429, "", body, "gemini-2.5-pro")
	require.NotNil(t, second)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), second.Until, 2*time.Second)
}

func TestParseFromError_QuotaExhaustedFallback(t *testing.T) {
	tr := NewTracker()
	body := `{"error":{"status":"QUOTA_EXHAUSTED"}}`

	info := tr.ParseFromError("acct-1", 429, "", body, "gemini-2.5-pro")
	require.NotNil(t, info)
	assert.Equal(t, ReasonQuotaExhausted, info.Reason)
	assert.WithinDuration(t, time.Now().Add(10*time.Minute), info.Until, 5*time.Second)
}

func TestParseFromError_ModelCapacityExhaustedNeverLocksOut(t *testing.T) {
	tr := NewTracker()
	body := `{"error":{"status":"MODEL_CAPACITY_EXHAUSTED"}}`

	info := tr.ParseFromError("acct-1", 429, "60", body, "gemini-2.5-pro")
	assert.Nil(t, info, "capacity exhaustion must never produce a lockout; callers rotate instead")
}

func TestIsRateLimitedForModel_IdentityLockoutCoversAllModels(t *testing.T) {
	tr := NewTracker()
	tr.SetLockoutUntil("acct-1", time.Now().Add(time.Minute), ReasonQuotaExhausted)

	assert.True(t, tr.IsRateLimited("acct-1"))
	assert.True(t, tr.IsRateLimitedForModel("acct-1", "gemini-2.5-pro"))
	assert.False(t, tr.IsRateLimitedForModel("acct-2", "gemini-2.5-pro"))
}

func TestIsRateLimitedForModel_PerModelDoesNotAffectOtherModels(t *testing.T) {
	tr := NewTracker()
	tr.SetModelLockout("acct-1", "gemini-2.5-pro", time.Now().Add(time.Minute), ReasonRateLimitExceeded)

	assert.True(t, tr.IsRateLimitedForModel("acct-1", "gemini-2.5-pro"))
	assert.False(t, tr.IsRateLimitedForModel("acct-1", "gemini-2.5-flash"))
}

func TestGetRemainingWaitForModel_TakesTheLonger(t *testing.T) {
	tr := NewTracker()
	tr.SetLockoutUntil("acct-1", time.Now().Add(30*time.Second), ReasonQuotaExhausted)
	tr.SetModelLockout("acct-1", "gemini-2.5-pro", time.Now().Add(2*time.Minute), ReasonRateLimitExceeded)

	wait := tr.GetRemainingWaitForModel("acct-1", "gemini-2.5-pro")
	assert.Greater(t, wait, 90*time.Second)
}

func TestCleanupExpired_DropsLapsedLockouts(t *testing.T) {
	tr := NewTracker()
	tr.SetLockoutUntil("acct-1", time.Now().Add(-time.Second), ReasonQuotaExhausted)
	tr.SetModelLockout("acct-2", "gemini-2.5-pro", time.Now().Add(-time.Second), ReasonRateLimitExceeded)

	tr.CleanupExpired()

	assert.False(t, tr.IsRateLimited("acct-1"))
	assert.False(t, tr.IsRateLimitedForModel("acct-2", "gemini-2.5-pro"))
}

func TestClassifyReason(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Reason
	}{
		{"quota exhausted", `{"status":"QUOTA_EXHAUSTED"}`, ReasonQuotaExhausted},
		{"capacity exceeded", `{"status":"MODEL_CAPACITY_EXCEEDED"}`, ReasonModelCapacityExhausted},
		{"capacity exhausted spelling", `{"status":"MODEL_CAPACITY_EXHAUSTED"}`, ReasonModelCapacityExhausted},
		{"rate limit", `{"status":"RATE_LIMIT_EXCEEDED"}`, ReasonRateLimitExceeded},
		{"server error", `{"status":"SERVER_ERROR"}`, ReasonServerError},
		{"unknown", `{"status":"WEIRD"}`, ReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classifyReason(tc.body))
		})
	}
}
