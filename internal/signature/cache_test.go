package signature

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func longSig(prefix string) string {
	return prefix + strings.Repeat("a", minSignature-len(prefix))
}

func TestCache_RejectsShortSignatures(t *testing.T) {
	c := New()
	c.CacheSessionSignature("sess-1", "short")
	_, ok := c.GetSessionSignature("sess-1")
	assert.False(t, ok)
}

func TestCache_AcceptsDummySentinelRegardlessOfLength(t *testing.T) {
	c := New()
	c.CacheSessionSignature("sess-1", DummySignature)
	sig, ok := c.GetSessionSignature("sess-1")
	assert.True(t, ok)
	assert.Equal(t, DummySignature, sig)
}

func TestCache_SessionKeyspaceRoundTrips(t *testing.T) {
	c := New()
	sig := longSig("sess")
	c.CacheSessionSignature("sess-1", sig)

	got, ok := c.GetSessionSignature("sess-1")
	assert.True(t, ok)
	assert.Equal(t, sig, got)

	_, ok = c.GetSessionSignature("sess-unknown")
	assert.False(t, ok)
}

func TestCache_ContentKeyspaceIsKeyedByTextNotSession(t *testing.T) {
	c := New()
	sig := longSig("content")
	c.CacheContentSignature("some reasoning text", sig, "gemini")

	gotSig, gotFamily, ok := c.GetContentSignature("some reasoning text")
	assert.True(t, ok)
	assert.Equal(t, sig, gotSig)
	assert.Equal(t, "gemini", gotFamily)

	_, _, ok = c.GetContentSignature("different reasoning text")
	assert.False(t, ok)
}

func TestCache_ToolKeyspaceRoundTrips(t *testing.T) {
	c := New()
	sig := longSig("tool")
	c.CacheToolSignature("tool-abc", sig)

	got, ok := c.GetToolSignature("tool-abc")
	assert.True(t, ok)
	assert.Equal(t, sig, got)
}

func TestCache_FamilyKeyspaceRoundTrips(t *testing.T) {
	c := New()
	sig := longSig("fam")
	c.CacheThinkingFamily(sig, "claude")

	got, ok := c.GetSignatureFamily(sig)
	assert.True(t, ok)
	assert.Equal(t, "claude", got)
}

func TestCache_KeyspacesAreIndependent(t *testing.T) {
	c := New()
	sig := longSig("shared")
	c.CacheSessionSignature("sess-1", sig)

	_, ok := c.GetToolSignature("sess-1")
	assert.False(t, ok, "session writes must not leak into the tool keyspace")

	_, _, ok2 := c.GetContentSignature(sig)
	assert.False(t, ok2, "session writes must not leak into the content keyspace")
}

func TestCache_SignaturesAreOpaqueByteForByte(t *testing.T) {
	c := New()
	// Signature bytes are never decoded or reinterpreted; round trip must be exact.
	sig := "not-base64-!!!" + strings.Repeat("z", minSignature)
	c.CacheSessionSignature("sess-1", sig)
	got, ok := c.GetSessionSignature("sess-1")
	assert.True(t, ok)
	assert.Equal(t, sig, got)
}

func TestCache_EmptyKeysAreNoOps(t *testing.T) {
	c := New()
	sig := longSig("x")
	c.CacheSessionSignature("", sig)
	c.CacheToolSignature("", sig)
	c.CacheContentSignature("", sig, "gemini")

	_, ok := c.GetSessionSignature("")
	assert.False(t, ok)
	_, ok = c.GetToolSignature("")
	assert.False(t, ok)
}
