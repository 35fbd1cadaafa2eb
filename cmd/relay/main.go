package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/dispatch"
	"github.com/relaycore/dispatchcore/internal/events"
	"github.com/relaycore/dispatchcore/internal/health"
	"github.com/relaycore/dispatchcore/internal/pool"
	"github.com/relaycore/dispatchcore/internal/ratelimit"
	"github.com/relaycore/dispatchcore/internal/server"
	"github.com/relaycore/dispatchcore/internal/signature"
	"github.com/relaycore/dispatchcore/internal/store"
	"github.com/relaycore/dispatchcore/internal/translate"
	"github.com/relaycore/dispatchcore/internal/upstream"
	"github.com/relaycore/dispatchcore/internal/warmup"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("dispatchcore starting", "version", version)

	ctx := context.Background()

	var runtimeStore store.Store
	var err error
	if cfg.RedisURL != "" {
		runtimeStore, err = store.DialRedis(ctx, cfg.RedisURL, "", 0)
		if err != nil {
			slog.Error("redis dial failed", "error", err)
			os.Exit(1)
		}
		slog.Info("runtime store ready", "backend", "redis")
	} else {
		runtimeStore = store.New()
		slog.Info("runtime store ready", "backend", "memory")
	}
	defer runtimeStore.Close()

	crypto := pool.NewCrypto(cfg.EncryptionKey)
	if _, err := crypto.DeriveKey("salt"); err != nil {
		slog.Error("key derivation failed", "error", err)
		os.Exit(1)
	}

	repo, err := pool.NewFileRepo(cfg.AccountsDir, crypto)
	if err != nil {
		slog.Error("identity repository init failed", "error", err)
		os.Exit(1)
	}

	records, err := repo.Load(ctx)
	if err != nil {
		slog.Error("identity load failed", "error", err)
		os.Exit(1)
	}

	p := pool.NewPool()
	p.LoadAccounts(toAccounts(records), cfg.MaxConcurrentPerAccount)
	slog.Info("identity pool loaded", "count", len(records))

	poolCfgWatcher, err := config.NewPoolConfigWatcher(cfg.PoolConfigPath)
	if err != nil {
		slog.Error("pool config load failed", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := poolCfgWatcher.Watch(ctx); err != nil {
			slog.Error("pool config watcher stopped", "error", err)
		}
	}()

	rl := ratelimit.NewTracker()
	hm := health.New(cfg.HealthErrorThreshold, cfg.HealthCooldown)
	sigCache := signature.New()
	upstreamClient := upstream.NewUpstreamClient(cfg.UpstreamBaseURLs, cfg.MaxTransportRetries, cfg.TransportRetryDelay, cfg.UpstreamRequestTimeout)
	defer upstreamClient.Close()
	upstreamClient.SetProxyPool(upstream.NewProxyPool(poolCfgWatcher.Current))

	selector := pool.NewSelector(p, rl, runtimeStore, cfg.SessionBindingTTL)
	tokenMgr := pool.NewTokenManager(p, runtimeStore, repo, upstreamClient, cfg.OAuthRefreshURL, cfg.OAuthClientID, cfg.TokenRefreshAdvance)
	transformer := translate.NewTransformer(sigCache, cfg)

	d := dispatch.New(p, selector, tokenMgr, transformer, upstreamClient, rl, hm, sigCache, cfg)

	warmupSched := warmup.NewScheduler(p, d, runtimeStore, poolCfgWatcher.Current, cfg.WarmupInterval)
	warmupSched.SetCooldown(cfg.WarmupCooldownAfterFull)

	bus := events.NewBus(200)

	srv := server.New(cfg, runtimeStore, p, d, hm, rl, upstreamClient, warmupSched, bus, logHandler, version)
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func toAccounts(records []store.AccountRecord) []*pool.Account {
	accounts := make([]*pool.Account, 0, len(records))
	for _, rec := range records {
		a := &pool.Account{
			ID:               rec.ID,
			Email:            rec.Email,
			DisplayName:      rec.DisplayName,
			AccessToken:      rec.AccessToken,
			RefreshToken:     rec.RefreshToken,
			ExpiresAt:        rec.ExpiresAt,
			ProjectID:        rec.ProjectID,
			SessionID:        rec.SessionID,
			SubscriptionTier: rec.SubscriptionTier,
			QuotaSnapshot:    rec.QuotaSnapshot,
			Disabled:         rec.Disabled,
			DisabledReason:   rec.DisabledReason,
			DisabledAt:       rec.DisabledAt,
			ProxyDisabled:    rec.ProxyDisabled,
			ProxyURL:         rec.ProxyURL,
			CreatedAt:        rec.CreatedAt,
			LastUsedAt:       rec.LastUsedAt,
		}
		a.RecomputeProtectedModels()
		accounts = append(accounts, a)
	}
	return accounts
}
