// Package pool holds the identity pool: the in-memory view of every
// upstream OAuth account the proxy can dispatch through, the just-in-time
// token refresh path, and the selection algorithm that picks one account
// per request.
package pool

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaycore/dispatchcore/internal/store"
)

// Tier is the subscription tier of an identity, used as the primary
// selection sort key (lower value schedules first).
type Tier int

const (
	TierUltraBusiness Tier = iota
	TierUltra
	TierPro
	TierFree
	TierUnknown
)

func tierFromString(s string) Tier {
	switch s {
	case "ultra_business", "ultra-business":
		return TierUltraBusiness
	case "ultra":
		return TierUltra
	case "pro":
		return TierPro
	case "free":
		return TierFree
	default:
		return TierUnknown
	}
}

// QuotaEntry mirrors store.QuotaEntry for the in-memory view.
type QuotaEntry = store.QuotaEntry

// Account is the identity record: stable id plus credentials, quota and
// disable/proxy flags. A refresh_token of "invalid_grant" permanently
// disables the account until reauthorised externally (out of scope here).
type Account struct {
	ID              string
	Email           string
	DisplayName     string
	AccessToken     string
	RefreshToken    string
	ExpiresAt       time.Time
	ProjectID       string
	SessionID       string
	SubscriptionTier string

	QuotaSnapshot   []QuotaEntry
	ProtectedModels map[string]bool

	Disabled       bool
	DisabledReason string
	DisabledAt     *time.Time
	ProxyDisabled  bool
	ProxyURL       string

	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// RecomputeProtectedModels sets ProtectedModels to every model at 0%
// remaining quota, per the data-model invariant that this is recomputed on
// every quota refresh.
func (a *Account) RecomputeProtectedModels() {
	protected := make(map[string]bool, len(a.QuotaSnapshot))
	for _, q := range a.QuotaSnapshot {
		if q.RemainingPercent <= 0 {
			protected[q.ModelName] = true
		}
	}
	a.ProtectedModels = protected
}

// ProxyToken is the runtime, pool-facing view of an Account: the fields the
// selector and dispatch loop actually touch on the hot path, plus a
// concurrency guard and health score that live only in memory.
type ProxyToken struct {
	mu sync.RWMutex

	id               string
	email            string
	accessToken      string
	refreshToken     string
	expiresAt        time.Time
	projectID        string
	subscriptionTier string
	tier             Tier

	remainingQuota  float64 // max of all model percents
	protectedModels map[string]bool
	availableModels []string
	quotaSnapshot   []QuotaEntry

	healthScore float64 // [0,1]
	proxyURL    string
	jsonPath    string // set when backed by a JSON file, informational only

	priority   int
	lastUsedAt time.Time

	disabled      bool
	proxyDisabled bool

	inFlight    int32 // atomic, concurrency guard counter
	maxInFlight int32
}

// NewProxyToken builds a ProxyToken from an Account.
func NewProxyToken(a *Account, maxConcurrentPerAccount int) *ProxyToken {
	var remaining float64
	for _, q := range a.QuotaSnapshot {
		if q.RemainingPercent > remaining {
			remaining = q.RemainingPercent
		}
	}
	available := make([]string, 0, len(a.QuotaSnapshot))
	for _, q := range a.QuotaSnapshot {
		available = append(available, q.ModelName)
	}
	if maxConcurrentPerAccount <= 0 {
		maxConcurrentPerAccount = 8
	}
	return &ProxyToken{
		id:               a.ID,
		email:            a.Email,
		accessToken:      a.AccessToken,
		refreshToken:     a.RefreshToken,
		expiresAt:        a.ExpiresAt,
		projectID:        a.ProjectID,
		subscriptionTier: a.SubscriptionTier,
		tier:             tierFromString(a.SubscriptionTier),
		remainingQuota:   remaining,
		protectedModels:  a.ProtectedModels,
		availableModels:  available,
		quotaSnapshot:    a.QuotaSnapshot,
		healthScore:      1.0,
		proxyURL:         a.ProxyURL,
		disabled:         a.Disabled,
		proxyDisabled:    a.ProxyDisabled,
		maxInFlight:      int32(maxConcurrentPerAccount),
	}
}

func (t *ProxyToken) ID() string    { t.mu.RLock(); defer t.mu.RUnlock(); return t.id }
func (t *ProxyToken) Email() string { t.mu.RLock(); defer t.mu.RUnlock(); return t.email }

func (t *ProxyToken) Snapshot() ProxyTokenView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	protected := make(map[string]bool, len(t.protectedModels))
	for k, v := range t.protectedModels {
		protected[k] = v
	}
	return ProxyTokenView{
		ID:               t.id,
		Email:            t.email,
		AccessToken:      t.accessToken,
		ProjectID:        t.projectID,
		SubscriptionTier: t.subscriptionTier,
		Tier:             t.tier,
		RemainingQuota:   t.remainingQuota,
		ProtectedModels:  protected,
		HealthScore:      t.healthScore,
		ProxyURL:         t.proxyURL,
		Priority:         t.priority,
		LastUsedAt:       t.lastUsedAt,
		Disabled:         t.disabled,
		ProxyDisabled:    t.proxyDisabled,
		ActiveRequests:   atomic.LoadInt32(&t.inFlight),
		QuotaSnapshot:    append([]QuotaEntry(nil), t.quotaSnapshot...),
	}
}

// ProxyTokenView is an immutable snapshot taken for a selection pass, so
// the selector never holds the per-token lock across the scoring loop.
type ProxyTokenView struct {
	ID               string
	Email            string
	AccessToken      string
	ProjectID        string
	SubscriptionTier string
	Tier             Tier
	RemainingQuota   float64
	ProtectedModels  map[string]bool
	HealthScore      float64
	ProxyURL         string
	Priority         int
	LastUsedAt       time.Time
	Disabled         bool
	ProxyDisabled    bool
	ActiveRequests   int32
	QuotaSnapshot    []QuotaEntry
}

// UsageRatio is active-requests over max-in-flight; callers treat > 1.2 as
// ineligible per the selection filters.
func (v ProxyTokenView) UsageRatio(maxInFlight int32) float64 {
	if maxInFlight <= 0 {
		maxInFlight = 8
	}
	return float64(v.ActiveRequests) / float64(maxInFlight)
}

// TryAcquire attempts to take one concurrency slot. Returns a release func
// and true on success; false if the account is already at its cap.
func (t *ProxyToken) TryAcquire() (release func(), ok bool) {
	for {
		cur := atomic.LoadInt32(&t.inFlight)
		if cur >= atomic.LoadInt32(&t.maxInFlight) {
			return nil, false
		}
		if atomic.CompareAndSwapInt32(&t.inFlight, cur, cur+1) {
			t.mu.Lock()
			t.lastUsedAt = time.Now()
			t.mu.Unlock()
			released := int32(0)
			return func() {
				if atomic.CompareAndSwapInt32(&released, 0, 1) {
					atomic.AddInt32(&t.inFlight, -1)
				}
			}, true
		}
	}
}

func (t *ProxyToken) ActiveRequests() int32 { return atomic.LoadInt32(&t.inFlight) }

func (t *ProxyToken) SetAccessToken(token string, expiresAt time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.accessToken = token
	t.expiresAt = expiresAt
}

func (t *ProxyToken) SetRefreshToken(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshToken = token
}

func (t *ProxyToken) SetProjectID(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projectID = id
}

func (t *ProxyToken) RefreshToken() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.refreshToken
}

func (t *ProxyToken) ExpiresAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.expiresAt
}

func (t *ProxyToken) MarkDisabled(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.disabled = true
}

func (t *ProxyToken) IsDisabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.disabled
}

func (t *ProxyToken) SetHealthScore(s float64) {
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	t.mu.Lock()
	t.healthScore = s
	t.mu.Unlock()
}

// Pool is the concurrent map of account id -> ProxyToken.
type Pool struct {
	mu     sync.RWMutex
	tokens map[string]*ProxyToken
}

func NewPool() *Pool {
	return &Pool{tokens: make(map[string]*ProxyToken)}
}

// LoadAccounts replaces the pool contents, building one ProxyToken per
// account. Existing in-flight counters for ids present in both sets are
// preserved (re-using the existing *ProxyToken) so a reload never drops a
// request's concurrency slot out from under it.
func (p *Pool) LoadAccounts(accounts []*Account, maxConcurrentPerAccount int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := make(map[string]*ProxyToken, len(accounts))
	for _, a := range accounts {
		if existing, ok := p.tokens[a.ID]; ok {
			existing.SetAccessToken(a.AccessToken, a.ExpiresAt)
			existing.SetRefreshToken(a.RefreshToken)
			next[a.ID] = existing
			continue
		}
		next[a.ID] = NewProxyToken(a, maxConcurrentPerAccount)
	}
	p.tokens = next
}

func (p *Pool) Get(id string) (*ProxyToken, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.tokens[id]
	return t, ok
}

func (p *Pool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.tokens, id)
}

// Snapshot returns a point-in-time view of every token, for a selection
// pass that must not hold any per-token or pool-wide lock during scoring.
func (p *Pool) Snapshot() []ProxyTokenView {
	p.mu.RLock()
	tokens := make([]*ProxyToken, 0, len(p.tokens))
	for _, t := range p.tokens {
		tokens = append(tokens, t)
	}
	p.mu.RUnlock()

	views := make([]ProxyTokenView, len(tokens))
	for i, t := range tokens {
		views[i] = t.Snapshot()
	}
	return views
}

func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}
