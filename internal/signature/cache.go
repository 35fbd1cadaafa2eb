// Package signature caches the opaque thought signatures upstream attaches
// to reasoning blocks. Clients strip them on the way back in (most dialects
// have no field for them); the upstream API needs them replayed verbatim to
// preserve hidden reasoning state across turns, so this process-global cache
// bridges the gap.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// DummySignature is the literal sentinel upstream accepts in place of a real
// signature to skip validation entirely.
const DummySignature = "skip_thought_signature_validator"

const (
	defaultTTL    = 30 * time.Minute
	minSignature  = 50
	cleanupPeriod = 5 * time.Minute
)

type entry struct {
	value     string
	family    string
	expiresAt time.Time
}

// Cache holds four independent keyspaces: session, content, tool and
// family. All four share one TTL and one cleanup loop but never collide,
// since each keyspace has its own map. A signature shorter than 50 bytes is
// rejected on every write path except the literal dummy sentinel, which is
// always accepted regardless of length.
type Cache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	session map[string]entry // sessionID -> signature
	content map[string]entry // content hash -> signature (+family)
	tool    map[string]entry // toolID -> signature
	family  map[string]entry // signature -> family
}

func New() *Cache {
	c := &Cache{
		ttl:     defaultTTL,
		session: make(map[string]entry),
		content: make(map[string]entry),
		tool:    make(map[string]entry),
		family:  make(map[string]entry),
	}
	go c.cleanupLoop()
	return c
}

func acceptable(sig string) bool {
	return sig == DummySignature || len(sig) >= minSignature
}

func contentHash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// CacheSessionSignature records the latest signature seen for a session.
func (c *Cache) CacheSessionSignature(sessionID, sig string) {
	if sessionID == "" || !acceptable(sig) {
		return
	}
	c.mu.Lock()
	c.session[sessionID] = entry{value: sig, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// GetSessionSignature returns the most recently cached signature for a
// session, and false if none is cached or it has expired.
func (c *Cache) GetSessionSignature(sessionID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.session[sessionID]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

// CacheContentSignature keys by a stable hash of the full thinking text, so
// identical reasoning text emitted again (e.g. re-sent history) resolves to
// the same signature without needing the original session.
func (c *Cache) CacheContentSignature(text, sig, family string) {
	if text == "" || !acceptable(sig) {
		return
	}
	key := contentHash(text)
	c.mu.Lock()
	c.content[key] = entry{value: sig, family: family, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// GetContentSignature returns the cached signature and family for a block
// of thinking text.
func (c *Cache) GetContentSignature(text string) (sig, family string, ok bool) {
	key := contentHash(text)
	c.mu.RLock()
	e, found := c.content[key]
	c.mu.RUnlock()
	if !found || time.Now().After(e.expiresAt) {
		return "", "", false
	}
	return e.value, e.family, true
}

// CacheToolSignature associates a signature with the tool-use id that
// produced it, for function-call parts emitted alongside a thinking block.
func (c *Cache) CacheToolSignature(toolID, sig string) {
	if toolID == "" || !acceptable(sig) {
		return
	}
	c.mu.Lock()
	c.tool[toolID] = entry{value: sig, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) GetToolSignature(toolID string) (string, bool) {
	c.mu.RLock()
	e, ok := c.tool[toolID]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

// CacheThinkingFamily remembers which model family produced a given
// signature. Family mismatches are advisory only: callers log them, they
// never refuse to forward a signature on that basis.
func (c *Cache) CacheThinkingFamily(sig, family string) {
	if !acceptable(sig) || family == "" {
		return
	}
	c.mu.Lock()
	c.family[sig] = entry{value: family, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *Cache) GetSignatureFamily(sig string) (string, bool) {
	c.mu.RLock()
	e, ok := c.family[sig]
	c.mu.RUnlock()
	if !ok || time.Now().After(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (c *Cache) cleanupLoop() {
	ticker := time.NewTicker(cleanupPeriod)
	defer ticker.Stop()
	for range ticker.C {
		c.cleanup()
	}
}

func (c *Cache) cleanup() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.session {
		if now.After(e.expiresAt) {
			delete(c.session, k)
		}
	}
	for k, e := range c.content {
		if now.After(e.expiresAt) {
			delete(c.content, k)
		}
	}
	for k, e := range c.tool {
		if now.After(e.expiresAt) {
			delete(c.tool, k)
		}
	}
	for k, e := range c.family {
		if now.After(e.expiresAt) {
			delete(c.family, k)
		}
	}
}
