package upstream

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/relaycore/dispatchcore/internal/config"
)

// RotationStrategy picks which proxy URL in a pool serves the next request.
type RotationStrategy int

const (
	// RotationRoundRobin cycles through the list in order.
	RotationRoundRobin RotationStrategy = iota
	// RotationRandom picks uniformly at random per request.
	RotationRandom
	// RotationPerAccount deterministically sticks one account to one proxy
	// URL via a hash of its email, so an account's egress IP stays stable.
	RotationPerAccount
)

func parseRotationStrategy(s string) RotationStrategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "random":
		return RotationRandom
	case "per_account", "per-account", "peraccount":
		return RotationPerAccount
	default:
		return RotationRoundRobin
	}
}

// ProxyPool rotates outbound egress across a user-supplied list of proxy
// URLs, independent of any fixed per-account proxy assignment. It never
// falls back to a direct connection when the pool is configured and
// non-empty: an operator who turned rotation on wants every request to go
// through one of the listed proxies, not leak out directly on a parse
// failure.
type ProxyPool struct {
	poolCfg func() *config.PoolConfig

	rrCounter atomic.Uint64
}

// NewProxyPool builds a ProxyPool. poolCfg is called on every selection so a
// hot-reloaded proxy list or strategy takes effect without a restart,
// mirroring the same pattern warmup.Scheduler uses for PoolConfig.
func NewProxyPool(poolCfg func() *config.PoolConfig) *ProxyPool {
	return &ProxyPool{poolCfg: poolCfg}
}

// SelectProxyURL returns the proxy URL to use for accountEmail, or "" for a
// direct connection. An empty configured pool is itself a direct connection
// (rotation was never turned on); a non-empty pool always returns one of
// its URLs.
func (p *ProxyPool) SelectProxyURL(accountEmail string) (string, error) {
	cfg := p.poolCfg()
	if cfg == nil || len(cfg.ProxyPoolURLs) == 0 {
		return "", nil
	}
	urls := cfg.ProxyPoolURLs

	var selected string
	switch parseRotationStrategy(cfg.ProxyPoolStrategy) {
	case RotationRoundRobin:
		idx := p.rrCounter.Add(1) % uint64(len(urls))
		selected = urls[idx]

	case RotationRandom:
		idx, err := randomIndex(len(urls))
		if err != nil {
			return "", fmt.Errorf("proxypool: random selection: %w", err)
		}
		selected = urls[idx]

	case RotationPerAccount:
		if accountEmail == "" {
			return "", fmt.Errorf("proxypool: per_account strategy requires an account email but none was given")
		}
		idx := hashEmail(accountEmail) % uint64(len(urls))
		selected = urls[idx]

	default:
		selected = urls[0]
	}

	return NormalizeProxyURL(selected)
}

func hashEmail(email string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(email))
	return h.Sum64()
}

func randomIndex(n int) (int, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint64(buf[:]) % uint64(n)), nil
}

// parseWebshareProxy converts the Webshare shorthand "ip:port:user:pass"
// into a standard http:// proxy URL. Returns ok=false if raw isn't in that
// shape (including a bare "ip:port", handled by the generic http:// parser
// instead).
func parseWebshareProxy(raw string) (url string, ok bool) {
	parts := strings.SplitN(raw, ":", 4)
	if len(parts) != 4 {
		return "", false
	}
	ip, port, user, pass := parts[0], parts[1], parts[2], parts[3]
	if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return "", false
	}
	return fmt.Sprintf("http://%s:%s@%s:%s", user, pass, ip, port), true
}

// NormalizeProxyURL accepts either a standard http://, https://, socks5:// or
// socks5h:// URL, a bare "ip:port", or the Webshare "ip:port:user:pass"
// shorthand, and returns a URL proxyDialer/parseProxyURL can consume.
func NormalizeProxyURL(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("proxypool: empty proxy URL")
	}
	for _, scheme := range []string{"http://", "https://", "socks5://", "socks5h://"} {
		if strings.HasPrefix(trimmed, scheme) {
			return trimmed, nil
		}
	}
	if url, ok := parseWebshareProxy(trimmed); ok {
		return url, nil
	}
	host, port, err := splitHostPort(trimmed)
	if err == nil {
		return "http://" + host + ":" + port, nil
	}
	return "", fmt.Errorf("proxypool: unrecognized proxy format %q: use http://host:port, socks5://host:port, or ip:port:user:pass", trimmed)
}

func splitHostPort(s string) (host, port string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("not a host:port pair")
	}
	if _, err := strconv.ParseUint(parts[1], 10, 16); err != nil {
		return "", "", err
	}
	return parts[0], parts[1], nil
}
