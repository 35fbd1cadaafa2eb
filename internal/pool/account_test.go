package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProxyToken_SnapshotCarriesQuotaSnapshot(t *testing.T) {
	acct := &Account{
		ID:    "acct-1",
		Email: "a@example.com",
		QuotaSnapshot: []QuotaEntry{
			{ModelName: "gemini-2.5-pro", RemainingPercent: 100},
			{ModelName: "gemini-2.5-flash", RemainingPercent: 30},
		},
	}
	acct.RecomputeProtectedModels()

	tok := NewProxyToken(acct, 4)
	view := tok.Snapshot()

	assert.Equal(t, acct.QuotaSnapshot, view.QuotaSnapshot)
	assert.Equal(t, float64(100), view.RemainingQuota)
	assert.False(t, view.ProtectedModels["gemini-2.5-pro"])
	assert.False(t, view.ProtectedModels["gemini-2.5-flash"])
}

func TestRecomputeProtectedModels_MarksZeroPercentOnly(t *testing.T) {
	acct := &Account{
		QuotaSnapshot: []QuotaEntry{
			{ModelName: "gemini-2.5-pro", RemainingPercent: 0},
			{ModelName: "gemini-2.5-flash", RemainingPercent: 1},
		},
	}
	acct.RecomputeProtectedModels()

	assert.True(t, acct.ProtectedModels["gemini-2.5-pro"])
	assert.False(t, acct.ProtectedModels["gemini-2.5-flash"])
}
