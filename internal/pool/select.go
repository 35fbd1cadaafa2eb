package pool

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/relaycore/dispatchcore/internal/ratelimit"
	"github.com/relaycore/dispatchcore/internal/store"
)

// SelectOptions parameterises one selection call.
type SelectOptions struct {
	QuotaGroup         string // e.g. "CODE_ASSIST", "IMAGE_GEN"
	TargetModel        string
	SessionID          string
	ForceRotate        bool
	ExcludedIDs        map[string]bool
	PreferredAccountID string
	QuotaProtection    bool
}

// ErrSelectionTimeout is returned when the 5s selection budget elapses.
var ErrSelectionTimeout = fmt.Errorf("selection timed out")

// ErrNoEligibleAccount is returned when every candidate was filtered out.
var ErrNoEligibleAccount = fmt.Errorf("no eligible account")

// Selection is the winning token plus the release function for its
// concurrency guard; callers must invoke Release exactly once.
type Selection struct {
	Token     *ProxyToken
	View      ProxyTokenView
	Release   func()
	FromSticky bool
}

// Selector implements the five-step selection order from the pool design:
// preferred-account override, ultra-tier override, sticky session, scored
// selection, and a short recovery wait before giving up.
type Selector struct {
	pool      *Pool
	rl        *ratelimit.Tracker
	st        store.Store
	stickyTTL time.Duration
	budget    time.Duration
}

func NewSelector(p *Pool, rl *ratelimit.Tracker, st store.Store, stickyTTL time.Duration) *Selector {
	if stickyTTL <= 0 {
		stickyTTL = 2 * time.Hour
	}
	return &Selector{pool: p, rl: rl, st: st, stickyTTL: stickyTTL, budget: 5 * time.Second}
}

// Select runs the full order. It never blocks longer than the selection
// budget (default 5s); exceeding it is itself a failure.
func (s *Selector) Select(ctx context.Context, opts SelectOptions) (*Selection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.budget)
	defer cancel()

	if opts.ExcludedIDs == nil {
		opts.ExcludedIDs = map[string]bool{}
	}

	// 1. Preferred-account override.
	if opts.PreferredAccountID != "" && !opts.ExcludedIDs[opts.PreferredAccountID] {
		if tok, ok := s.pool.Get(opts.PreferredAccountID); ok {
			v := tok.Snapshot()
			if s.eligible(v, opts) {
				if sel, ok := s.acquire(tok, v, false); ok {
					return sel, nil
				}
			}
		}
	}

	// 2. Ultra-tier override: scan only ultra-tier tokens, pick lowest
	// tier-priority then lowest active-request count.
	if opts.QuotaProtection {
		if sel := s.selectUltraTier(opts); sel != nil {
			return sel, nil
		}
	}

	// 3. Sticky session.
	if opts.SessionID != "" && !opts.ForceRotate {
		hash := ComputeSessionHash(opts.SessionID, "", "")
		if boundID, ok, _ := s.st.GetStickySession(ctx, hash); ok && boundID != "" && !opts.ExcludedIDs[boundID] {
			if tok, ok := s.pool.Get(boundID); ok {
				v := tok.Snapshot()
				if !s.rl.IsRateLimitedForModel(boundID, normalizeToStandardID(opts.TargetModel)) && !s.quotaProtected(v, opts) {
					if sel, ok := s.acquire(tok, v, true); ok {
						_ = s.st.SetStickySession(ctx, hash, boundID, s.stickyTTL)
						return sel, nil
					}
				} else if wait := s.rl.GetRemainingWaitForModel(boundID, normalizeToStandardID(opts.TargetModel)); wait > 5*time.Second {
					// Affinity deliberately breaks on lockouts > 5s.
					opts.ExcludedIDs[boundID] = true
				}
			}
		}
	}

	// 4. Scored selection.
	if sel := s.scoredSelection(opts); sel != nil {
		if opts.SessionID != "" {
			hash := ComputeSessionHash(opts.SessionID, "", "")
			_ = s.st.SetStickySession(ctx, hash, sel.View.ID, s.stickyTTL)
		}
		return sel, nil
	}

	// 5. Recovery: sleep up to a short buffer for the soonest-expiring
	// lockout, then retry scored selection once.
	const recoveryBuffer = 1500 * time.Millisecond
	soonest := s.soonestLockoutWithin(opts, recoveryBuffer)
	if soonest > 0 {
		select {
		case <-time.After(soonest):
		case <-ctx.Done():
			return nil, ErrSelectionTimeout
		}
		if sel := s.scoredSelection(opts); sel != nil {
			return sel, nil
		}
	}

	if ctx.Err() != nil {
		return nil, ErrSelectionTimeout
	}
	return nil, ErrNoEligibleAccount
}

func (s *Selector) eligible(v ProxyTokenView, opts SelectOptions) bool {
	if v.Disabled || v.ProxyDisabled {
		return false
	}
	if s.rl.IsRateLimitedForModel(v.ID, normalizeToStandardID(opts.TargetModel)) {
		return false
	}
	if s.quotaProtected(v, opts) {
		return false
	}
	if v.UsageRatio(int32(s.maxInFlight(v.ID))) > 1.2 {
		return false
	}
	return true
}

func (s *Selector) quotaProtected(v ProxyTokenView, opts SelectOptions) bool {
	return opts.QuotaProtection && v.ProtectedModels[normalizeToStandardID(opts.TargetModel)]
}

func (s *Selector) maxInFlight(id string) int {
	if tok, ok := s.pool.Get(id); ok {
		return int(tok.maxInFlight)
	}
	return 8
}

func (s *Selector) acquire(tok *ProxyToken, v ProxyTokenView, sticky bool) (*Selection, bool) {
	release, ok := tok.TryAcquire()
	if !ok {
		return nil, false
	}
	return &Selection{Token: tok, View: v, Release: release, FromSticky: sticky}, true
}

func (s *Selector) selectUltraTier(opts SelectOptions) *Selection {
	candidates := s.filteredCandidates(opts, func(v ProxyTokenView) bool {
		return v.Tier == TierUltra || v.Tier == TierUltraBusiness
	})
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Tier != candidates[j].Tier {
			return candidates[i].Tier < candidates[j].Tier
		}
		return candidates[i].ActiveRequests < candidates[j].ActiveRequests
	})
	return s.firstAcquirable(candidates)
}

func (s *Selector) scoredSelection(opts SelectOptions) *Selection {
	candidates := s.filteredCandidates(opts, nil)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Tier != candidates[j].Tier {
			return candidates[i].Tier < candidates[j].Tier
		}
		if candidates[i].ActiveRequests != candidates[j].ActiveRequests {
			return candidates[i].ActiveRequests < candidates[j].ActiveRequests
		}
		if candidates[i].RemainingQuota != candidates[j].RemainingQuota {
			return candidates[i].RemainingQuota > candidates[j].RemainingQuota
		}
		return candidates[i].HealthScore > candidates[j].HealthScore
	})
	return s.firstAcquirable(candidates)
}

func (s *Selector) filteredCandidates(opts SelectOptions, extra func(ProxyTokenView) bool) []ProxyTokenView {
	all := s.pool.Snapshot()
	out := make([]ProxyTokenView, 0, len(all))
	for _, v := range all {
		if opts.ExcludedIDs[v.ID] {
			continue
		}
		if !s.eligible(v, opts) {
			continue
		}
		if extra != nil && !extra(v) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func (s *Selector) firstAcquirable(candidates []ProxyTokenView) *Selection {
	for _, v := range candidates {
		tok, ok := s.pool.Get(v.ID)
		if !ok {
			continue
		}
		if sel, ok := s.acquire(tok, v, false); ok {
			return sel
		}
	}
	return nil
}

// soonestLockoutWithin returns the smallest remaining lockout wait among
// eligible-but-currently-locked candidates, capped at within, or 0 if none
// expires that soon.
func (s *Selector) soonestLockoutWithin(opts SelectOptions, within time.Duration) time.Duration {
	all := s.pool.Snapshot()
	var best time.Duration
	for _, v := range all {
		if opts.ExcludedIDs[v.ID] || v.Disabled || v.ProxyDisabled {
			continue
		}
		wait := s.rl.GetRemainingWaitForModel(v.ID, normalizeToStandardID(opts.TargetModel))
		if wait <= 0 || wait > within {
			continue
		}
		if best == 0 || wait < best {
			best = wait
		}
	}
	return best
}

// ComputeSessionHash mirrors the precedence order: an explicit session
// suffix on the caller-supplied user id wins, then a hash of the system
// prompt prefix, then a hash of the first message prefix.
func ComputeSessionHash(userID, systemPrompt, firstMessage string) string {
	if idx := strings.LastIndex(userID, "session_"); idx >= 0 {
		return hashStr("session:" + userID[idx:])
	}
	if systemPrompt != "" {
		return hashStr("system:" + truncateASCII(systemPrompt, 200))
	}
	if firstMessage != "" {
		return hashStr("msg:" + truncateASCII(firstMessage, 200))
	}
	return ""
}

func hashStr(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16]) // 32 hex chars
}

func truncateASCII(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// NormalizeToStandardID is the exported form of normalizeToStandardID, for
// callers outside this package that need to key per-model rate-limit state
// the same way the selector does.
func NormalizeToStandardID(model string) string { return normalizeToStandardID(model) }

// normalizeToStandardID canonicalises a client-facing model name to the
// identifier used in QuotaSnapshot / ProtectedModels. Idempotent: the
// stripping steps repeat until nothing more comes off, so a second call
// finds nothing left to strip.
func normalizeToStandardID(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	for {
		prev := m
		for _, suffix := range []string{"-latest", "-preview"} {
			m = strings.TrimSuffix(m, suffix)
		}
		// Strip a trailing compact date stamp like "-20250219" (an all-digit
		// tail of 6 or more digits). Dashed dates like "-2025-02-19" are not
		// recognised.
		if i := strings.LastIndexByte(m, '-'); i >= 0 {
			tail := m[i+1:]
			if len(tail) >= 6 && isDigits(tail) {
				m = m[:i]
			}
		}
		m = strings.TrimSpace(m)
		if m == prev {
			return m
		}
	}
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
