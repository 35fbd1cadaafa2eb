package warmup

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWhitelisted_EmptyMatchesEverything(t *testing.T) {
	assert.True(t, whitelisted(nil, "gemini-2.5-pro"))
}

func TestWhitelisted_CaseInsensitiveSubstring(t *testing.T) {
	assert.True(t, whitelisted([]string{"GEMINI"}, "gemini-2.5-pro"))
	assert.True(t, whitelisted([]string{"pro"}, "gemini-2.5-PRO"))
	assert.False(t, whitelisted([]string{"flash"}, "gemini-2.5-pro"))
}

func TestQuotaEligible_KeepFreshMode(t *testing.T) {
	assert.True(t, quotaEligible(false, 100))
	assert.False(t, quotaEligible(false, 99))
	assert.False(t, quotaEligible(false, 40))
}

func TestQuotaEligible_LowQuotaMode(t *testing.T) {
	assert.True(t, quotaEligible(true, 49))
	assert.True(t, quotaEligible(true, 0))
	assert.False(t, quotaEligible(true, 50))
	assert.False(t, quotaEligible(true, 100))
}

func TestWarmupKey_AlwaysBucketsOn100(t *testing.T) {
	assert.Equal(t, "a@b.com|gemini-2.5-pro|100", warmupKey("a@b.com", "gemini-2.5-pro"))
}

func TestNewScheduler_EnforcesMinimumInterval(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil, 0)
	assert.Equal(t, minInterval, s.interval)
}

func TestSetCooldown_IgnoresNonPositive(t *testing.T) {
	s := NewScheduler(nil, nil, nil, nil, minInterval)
	original := s.cooldown
	s.SetCooldown(0)
	assert.Equal(t, original, s.cooldown)
	s.SetCooldown(-1)
	assert.Equal(t, original, s.cooldown)
}
