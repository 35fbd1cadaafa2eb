// Package warmup runs the background keep-alive scheduler: periodically it
// scans the identity pool and pings any identity/model pair that looks
// either freshly reset (to keep it warm) or freshly exhausted (to trigger a
// quota rollover), through the same dispatch path a real client uses.
package warmup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/dispatch"
	"github.com/relaycore/dispatchcore/internal/pool"
	"github.com/relaycore/dispatchcore/internal/store"
)

const (
	historyMaxAge = 24 * time.Hour
	minInterval   = 5 * time.Minute
)

// candidate is one (identity, model) pair judged eligible for a warmup ping
// this scan.
type candidate struct {
	accountID string
	email     string
	model     string
}

// Scheduler ticks once a minute and, every interval_minutes, scans the pool
// for accounts whose quota makes them eligible for a warmup ping, dedups by
// email, and dispatches one minimal request per surviving identity with a
// thundering-herd delay between sends.
type Scheduler struct {
	pool       *pool.Pool
	dispatcher *dispatch.Dispatcher
	store      store.Store
	poolCfg    func() *config.PoolConfig
	interval   time.Duration
	cooldown   time.Duration

	lastScan time.Time
}

// NewScheduler builds a Scheduler. poolCfg is called on every scan so a
// hot-reloaded whitelist/mode takes effect without a restart.
func NewScheduler(p *pool.Pool, d *dispatch.Dispatcher, st store.Store, poolCfg func() *config.PoolConfig, interval time.Duration) *Scheduler {
	if interval < minInterval {
		interval = minInterval
	}
	return &Scheduler{
		pool:       p,
		dispatcher: d,
		store:      st,
		poolCfg:    poolCfg,
		interval:   interval,
		cooldown:   4 * time.Hour,
	}
}

// SetCooldown overrides the default 4h post-warmup cooldown, wired from
// config.WarmupCooldownAfterFull.
func (s *Scheduler) SetCooldown(d time.Duration) {
	if d > 0 {
		s.cooldown = d
	}
}

// Run starts a cron-driven tick loop (once a minute) and blocks until ctx is
// cancelled. Each tick only performs a scan once interval has elapsed since
// the last one, matching the "tick every 60s, scan every interval_minutes"
// two-speed loop.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc("@every 1m", func() {
		s.maybeScan(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	<-ctx.Done()
	stopCtx := c.Stop()
	<-stopCtx.Done()
	return nil
}

func (s *Scheduler) maybeScan(ctx context.Context) {
	if !s.lastScan.IsZero() && time.Since(s.lastScan) < s.interval {
		return
	}
	s.lastScan = time.Now()
	s.scan(ctx)
}

// TriggerScan runs one scan immediately, ignoring the interval gate — used
// by the manual /internal/warmup admin endpoint. Per-identity cooldowns
// still apply.
func (s *Scheduler) TriggerScan(ctx context.Context) {
	s.lastScan = time.Now()
	s.scan(ctx)
}

func (s *Scheduler) scan(ctx context.Context) {
	cfg := s.poolCfg()
	candidates := s.eligible(ctx, cfg)

	if n, err := s.store.PruneWarmupHistory(ctx, time.Now().Add(-historyMaxAge)); err != nil {
		slog.Warn("warmup: prune history failed", "error", err)
	} else if n > 0 {
		slog.Debug("warmup: pruned history", "count", n)
	}

	if len(candidates) == 0 {
		return
	}
	slog.Info("warmup: scan starting", "candidates", len(candidates))

	for i, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if i > 0 {
			select {
			case <-time.After(200 * time.Millisecond):
			case <-ctx.Done():
				return
			}
		}
		if err := s.dispatcher.DispatchWarmup(ctx, c.accountID, c.model); err != nil {
			slog.Warn("warmup: dispatch failed", "email", c.email, "model", c.model, "error", err)
			continue
		}
		key := warmupKey(c.email, c.model)
		if err := s.store.SetWarmupTime(ctx, key, time.Now().Unix()); err != nil {
			slog.Warn("warmup: failed to persist warmup time", "key", key, "error", err)
		}
		slog.Info("warmup: pinged", "email", c.email, "model", c.model)
	}
}

// eligible walks the pool snapshot and returns one candidate per distinct
// email: the first model on that identity that both passes the whitelist
// and quota-mode filters and hasn't been warmed inside the cooldown window.
func (s *Scheduler) eligible(ctx context.Context, cfg *config.PoolConfig) []candidate {
	seenEmail := make(map[string]bool)
	var out []candidate

	for _, v := range s.pool.Snapshot() {
		if v.Disabled || v.ProxyDisabled {
			continue
		}
		if seenEmail[v.Email] {
			continue
		}
		for _, q := range v.QuotaSnapshot {
			if !whitelisted(cfg.WarmupWhitelist, q.ModelName) {
				continue
			}
			if !quotaEligible(cfg.OnlyLowQuota, q.RemainingPercent) {
				continue
			}
			key := warmupKey(v.Email, q.ModelName)
			if s.onCooldown(ctx, key) {
				continue
			}
			out = append(out, candidate{accountID: v.ID, email: v.Email, model: q.ModelName})
			seenEmail[v.Email] = true
			break
		}
	}
	return out
}

func (s *Scheduler) onCooldown(ctx context.Context, key string) bool {
	last, ok, err := s.store.GetWarmupTime(ctx, key)
	if err != nil || !ok {
		return false
	}
	return time.Since(time.Unix(last, 0)) < s.cooldown
}

func whitelisted(whitelist []string, model string) bool {
	if len(whitelist) == 0 {
		return true
	}
	lower := strings.ToLower(model)
	for _, w := range whitelist {
		if strings.Contains(lower, strings.ToLower(w)) {
			return true
		}
	}
	return false
}

func quotaEligible(onlyLowQuota bool, percent float64) bool {
	if onlyLowQuota {
		return percent < 50
	}
	return percent == 100
}

// warmupKey always buckets on the "100" reset point per the cooldown
// dedup key in the scheduling contract, regardless of which mode triggered
// the ping: a low-quota ping and a keep-fresh ping on the same model share
// one cooldown so they don't fire back to back.
func warmupKey(email, model string) string {
	return email + "|" + model + "|100"
}
