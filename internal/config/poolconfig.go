package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// PoolConfig holds the subset of identity-pool behaviour that operators
// want to tune without a restart: the set of models the warmup scheduler is
// allowed to touch, its quota mode, and the egress proxy rotation list.
// SelectionWeights is parsed and hot-reloaded, but the selector does not
// read it; selection order is fixed by tier.
type PoolConfig struct {
	SelectionWeights map[string]float64 `yaml:"selection_weights"`
	WarmupWhitelist  []string           `yaml:"warmup_whitelist"`

	// OnlyLowQuota flips the warmup scheduler from its default
	// keep-fresh mode (ping models sitting at 100%) to reset-trigger
	// mode (ping models that have dropped below 50%).
	OnlyLowQuota bool `yaml:"only_low_quota"`

	// ProxyPoolURLs is the rotation list consulted for any request whose
	// account has no fixed proxy of its own. Empty means no rotation: every
	// such request goes out direct.
	ProxyPoolURLs []string `yaml:"proxy_pool_urls"`
	// ProxyPoolStrategy is one of "round_robin" (default), "random", or
	// "per_account".
	ProxyPoolStrategy string `yaml:"proxy_pool_strategy"`
}

func defaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		SelectionWeights: map[string]float64{
			"ultra_business": 4,
			"ultra":          3,
			"pro":            2,
			"free":           1,
		},
		WarmupWhitelist: nil,
		OnlyLowQuota:    false,
	}
}

// LoadPoolConfig reads a YAML pool config file, falling back to defaults for
// any field it doesn't set. An empty path returns the defaults untouched.
func LoadPoolConfig(path string) (*PoolConfig, error) {
	cfg := defaultPoolConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read pool config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse pool config %q: %w", path, err)
	}
	return cfg, nil
}

// PoolConfigWatcher holds the live PoolConfig and reloads it whenever the
// backing file changes, debounced to absorb editor save bursts (temp file +
// rename shows up as multiple fsnotify events for one logical edit).
type PoolConfigWatcher struct {
	path string

	mu      sync.RWMutex
	current *PoolConfig
}

func NewPoolConfigWatcher(path string) (*PoolConfigWatcher, error) {
	cfg, err := LoadPoolConfig(path)
	if err != nil {
		return nil, err
	}
	return &PoolConfigWatcher{path: path, current: cfg}, nil
}

func (w *PoolConfigWatcher) Current() *PoolConfig {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Watch blocks, reloading the config on every debounced filesystem event,
// until ctx is cancelled. A missing or unwatchable path is a no-op, since
// the pool works fine on defaults alone.
func (w *PoolConfigWatcher) Watch(ctx context.Context) error {
	if w.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create pool config watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.path); err != nil {
		slog.Warn("pool config watch disabled", "path", w.path, "error", err)
		return nil
	}

	var debounce *time.Timer
	reload := func() {
		cfg, err := LoadPoolConfig(w.path)
		if err != nil {
			slog.Error("pool config reload failed", "error", err)
			return
		}
		w.mu.Lock()
		w.current = cfg
		w.mu.Unlock()
		slog.Info("pool config reloaded", "path", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(150*time.Millisecond, reload)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Error("pool config watcher error", "error", err)
		}
	}
}
