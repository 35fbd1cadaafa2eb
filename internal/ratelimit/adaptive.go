package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ProbeStrategy is advisory guidance returned to the dispatch loop about
// how aggressively it should consider hedging a slow request with a second
// identity, derived from how close the tracker is to its working threshold.
type ProbeStrategy int

const (
	ProbeNone ProbeStrategy = iota
	ProbeCheap
	ProbeDelayedHedge
	ProbeImmediateHedge
)

const (
	DefaultSafetyMargin       = 0.85
	DefaultAdditiveStep       = 5.0
	DefaultMultiplicativeFactor = 0.6
	DefaultMinLimit           = 5.0
	DefaultMaxLimit           = 4000.0
)

// AdaptiveTracker holds the AIMD state for one identity: a confirmed safe
// rate, a working threshold derived from it, the highest ceiling ever
// observed, and the current minute's request count. That count is the plain
// requestsThisMinute counter, which every AIMD decision reads. The limiter
// field is a x/time/rate.Limiter reconfigured to the working threshold on
// every calibration; its Allow result is discarded, so it gates nothing.
type AdaptiveTracker struct {
	mu sync.Mutex

	confirmedLimit float64
	workingThreshold float64
	ceiling        float64

	requestsThisMinute     int
	minuteStartedAt        time.Time
	lastCalibration        time.Time
	consecutiveAboveThresh int

	limiter *rate.Limiter

	safetyMargin         float64
	additiveStep         float64
	multiplicativeFactor float64
	minLimit             float64
	maxLimit             float64
}

// NewAdaptiveTracker constructs a tracker seeded at an initial confirmed
// limit (requests per minute).
func NewAdaptiveTracker(initialConfirmed float64) *AdaptiveTracker {
	if initialConfirmed <= 0 {
		initialConfirmed = 60
	}
	t := &AdaptiveTracker{
		confirmedLimit:       initialConfirmed,
		ceiling:              initialConfirmed,
		minuteStartedAt:      time.Now(),
		lastCalibration:      time.Now(),
		safetyMargin:         DefaultSafetyMargin,
		additiveStep:         DefaultAdditiveStep,
		multiplicativeFactor: DefaultMultiplicativeFactor,
		minLimit:             DefaultMinLimit,
		maxLimit:             DefaultMaxLimit,
	}
	t.workingThreshold = t.confirmedLimit * t.safetyMargin
	t.limiter = rate.NewLimiter(rate.Limit(t.workingThreshold/60.0), int(t.workingThreshold))
	return t
}

func (t *AdaptiveTracker) rolloverIfNeeded(now time.Time) {
	if now.Sub(t.minuteStartedAt) >= time.Minute {
		t.requestsThisMinute = 0
		t.minuteStartedAt = now
	}
}

// RecordSuccess increments the per-minute counter, rewarding the confirmed
// limit once three consecutive requests land above the working threshold.
func (t *AdaptiveTracker) RecordSuccess() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.rolloverIfNeeded(now)
	t.requestsThisMinute++
	t.limiter.Allow()

	if float64(t.requestsThisMinute) > t.workingThreshold {
		t.consecutiveAboveThresh++
		if t.consecutiveAboveThresh >= 3 {
			t.reward()
			t.consecutiveAboveThresh = 0
			t.lastCalibration = now
		}
	}
}

func (t *AdaptiveTracker) reward() {
	next := t.confirmedLimit + t.additiveStep
	if next > t.maxLimit {
		next = t.maxLimit
	}
	t.confirmedLimit = next
	t.recomputeThreshold()
}

// RecordRateLimited applies the multiplicative penalty on an HTTP 429. The
// observed per-minute rate at the moment of the hit becomes the basis for
// the new confirmed limit, and the pre-penalty value becomes the new
// ceiling (never lowered by a later, smaller observation).
func (t *AdaptiveTracker) RecordRateLimited() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	t.rolloverIfNeeded(now)

	observed := float64(t.requestsThisMinute)
	base := observed
	if t.confirmedLimit > base {
		base = t.confirmedLimit
	}
	if base > t.ceiling {
		t.ceiling = base
	}

	next := base * t.multiplicativeFactor
	if next < t.minLimit {
		next = t.minLimit
	}
	t.confirmedLimit = next
	t.recomputeThreshold()
	t.consecutiveAboveThresh = 0
	t.lastCalibration = now
}

// RecordServerError resets the above-threshold streak only; 5xx responses
// say nothing about the identity's true rate limit.
func (t *AdaptiveTracker) RecordServerError() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutiveAboveThresh = 0
}

func (t *AdaptiveTracker) recomputeThreshold() {
	t.workingThreshold = t.confirmedLimit * t.safetyMargin
	t.limiter.SetLimit(rate.Limit(t.workingThreshold / 60.0))
	t.limiter.SetBurst(int(t.workingThreshold))
}

// Snapshot returns the current numeric state for observability/tests.
type AdaptiveSnapshot struct {
	ConfirmedLimit     float64
	WorkingThreshold   float64
	Ceiling            float64
	RequestsThisMinute int
	LastCalibration    time.Time
}

func (t *AdaptiveTracker) Snapshot() AdaptiveSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return AdaptiveSnapshot{
		ConfirmedLimit:     t.confirmedLimit,
		WorkingThreshold:   t.workingThreshold,
		Ceiling:            t.ceiling,
		RequestsThisMinute: t.requestsThisMinute,
		LastCalibration:    t.lastCalibration,
	}
}

// ProbeStrategy derives hedge guidance from how close the tracker is to its
// working threshold right now.
func (t *AdaptiveTracker) ProbeStrategy() ProbeStrategy {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	usageRatio := float64(t.requestsThisMinute) / maxf(t.workingThreshold, 1)
	if now.Sub(t.lastCalibration) < 5*time.Minute && usageRatio < 0.9 {
		return ProbeNone
	}
	switch {
	case usageRatio >= 0.95:
		return ProbeImmediateHedge
	case usageRatio >= 0.80:
		return ProbeDelayedHedge
	case usageRatio >= 0.60:
		return ProbeCheap
	default:
		return ProbeNone
	}
}

func maxf(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// PersistedState is the serialised form of one tracker, per §4.3's
// "serialize (confirmed_limit, ceiling, age_seconds_since_calibration)".
type PersistedState struct {
	ConfirmedLimit        float64
	Ceiling               float64
	AgeSecondsSinceCalib  float64
}

func (t *AdaptiveTracker) Persist() PersistedState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return PersistedState{
		ConfirmedLimit:       t.confirmedLimit,
		Ceiling:              t.ceiling,
		AgeSecondsSinceCalib: time.Since(t.lastCalibration).Seconds(),
	}
}

// confidenceForAge implements the decay table: <=1h -> 1.0, <=6h -> 0.9,
// <=24h -> 0.7, older -> 0.5.
func confidenceForAge(age time.Duration) float64 {
	switch {
	case age <= time.Hour:
		return 1.0
	case age <= 6*time.Hour:
		return 0.9
	case age <= 24*time.Hour:
		return 0.7
	default:
		return 0.5
	}
}

// RestoreAdaptiveTracker rebuilds a tracker from persisted state, applying
// confidence decay to the confirmed limit and clamping to [min, max].
func RestoreAdaptiveTracker(st PersistedState) *AdaptiveTracker {
	t := NewAdaptiveTracker(st.ConfirmedLimit)
	age := time.Duration(st.AgeSecondsSinceCalib * float64(time.Second))
	decayed := st.ConfirmedLimit * confidenceForAge(age)
	if decayed < t.minLimit {
		decayed = t.minLimit
	}
	if decayed > t.maxLimit {
		decayed = t.maxLimit
	}
	t.confirmedLimit = decayed
	t.ceiling = st.Ceiling
	t.lastCalibration = time.Now().Add(-age)
	t.recomputeThreshold()
	return t
}

// AdaptiveManager is the map of identity -> AdaptiveTracker.
type AdaptiveManager struct {
	mu       sync.RWMutex
	trackers map[string]*AdaptiveTracker
}

func NewAdaptiveManager() *AdaptiveManager {
	return &AdaptiveManager{trackers: make(map[string]*AdaptiveTracker)}
}

// Get returns the tracker for id, creating one with the default initial
// limit on first access.
func (m *AdaptiveManager) Get(id string) *AdaptiveTracker {
	m.mu.RLock()
	t, ok := m.trackers[id]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trackers[id]; ok {
		return t
	}
	t = NewAdaptiveTracker(60)
	m.trackers[id] = t
	return t
}

func (m *AdaptiveManager) Restore(id string, st PersistedState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trackers[id] = RestoreAdaptiveTracker(st)
}

func (m *AdaptiveManager) PersistAll() map[string]PersistedState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]PersistedState, len(m.trackers))
	for id, t := range m.trackers {
		out[id] = t.Persist()
	}
	return out
}
