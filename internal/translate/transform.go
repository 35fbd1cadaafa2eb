package translate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/pool"
	"github.com/relaycore/dispatchcore/internal/signature"
)

// Transformer ties the dialect mappers to a single account's headers and
// signature cache: the one call site dispatch makes between receiving a
// client request and sending an upstream one.
type Transformer struct {
	sigCache *signature.Cache
	cfg      *config.Config
}

func NewTransformer(sc *signature.Cache, cfg *config.Config) *Transformer {
	return &Transformer{sigCache: sc, cfg: cfg}
}

// Result holds everything dispatch needs after translating one request.
type Result struct {
	Unified  *UnifiedRequest
	Headers  http.Header
	IsWarmup bool
}

// Transform maps a client-dialect body into the unified upstream shape and
// applies every account-bound contract: header filtering and cache-control
// enforcement.
func (t *Transformer) Transform(
	ctx context.Context,
	dialect Dialect,
	body map[string]interface{},
	reqHeaders http.Header,
	acct *pool.Account,
	sessionID string,
) *Result {
	opts := MapOptions{
		Project:               acct.ProjectID,
		RequestID:             generateRequestID(),
		UserAgent:             reqHeaders.Get("User-Agent"),
		SessionID:             sessionID,
		SigCache:              t.sigCache,
		ImageFallback:         t.cfg.ImageModelFallback,
		WebSearchFallback:     t.cfg.WebSearchModelFallback,
		ThinkingDefaultOnOpus: t.cfg.ThinkingDefaultOnOpus,
	}

	t.enforceCacheControl(body)

	var unified *UnifiedRequest
	switch dialect {
	case DialectOpenAI:
		unified = FromOpenAI(body, opts)
	case DialectAnthropic:
		unified = FromAnthropic(body, opts)
	default:
		unified = FromGemini(body, opts)
	}

	headers := FilterHeaders(reqHeaders)

	return &Result{
		Unified:  unified,
		Headers:  headers,
		IsWarmup: IsWarmupRequest(body),
	}
}

func extractOpenAISystem(body map[string]interface{}) interface{} {
	messages, ok := body["messages"].([]interface{})
	if !ok {
		return nil
	}
	var parts []interface{}
	for _, raw := range messages {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role != "system" && role != "developer" {
			continue
		}
		if text := openAIContentToText(m["content"]); text != "" {
			parts = append(parts, map[string]interface{}{"text": text})
		}
	}
	return parts
}

// enforceCacheControl caps the number of cache_control-bearing blocks at
// cfg.MaxCacheControls, stripping the oldest excess entries in messages
// before system, since the upstream rejects a request over the limit.
func (t *Transformer) enforceCacheControl(body map[string]interface{}) {
	maxBlocks := t.cfg.MaxCacheControls
	total := countCacheControls(body["system"]) + countCacheControls(body["messages"])
	if total <= maxBlocks {
		return
	}
	excess := total - maxBlocks
	excess = stripCacheControls(body["messages"], excess)
	if excess > 0 {
		stripCacheControls(body["system"], excess)
	}
}

func countCacheControls(v interface{}) int {
	count := 0
	walkBlocks(v, func(block map[string]interface{}) {
		if _, ok := block["cache_control"]; ok {
			count++
		}
	})
	return count
}

func stripCacheControls(v interface{}, toRemove int) int {
	removed := 0
	walkBlocks(v, func(block map[string]interface{}) {
		if removed >= toRemove {
			return
		}
		if _, ok := block["cache_control"]; ok {
			delete(block, "cache_control")
			removed++
		}
	})
	return toRemove - removed
}

func walkBlocks(v interface{}, fn func(map[string]interface{})) {
	switch s := v.(type) {
	case []interface{}:
		for _, item := range s {
			if m, ok := item.(map[string]interface{}); ok {
				fn(m)
				if content, ok := m["content"]; ok {
					walkBlocks(content, fn)
				}
			}
		}
	}
}

// IsWarmupRequest reports whether body is a synthetic keep-alive ping
// rather than a real client request, by its distinctive single-word
// content or title/topic-analysis system prompt.
func IsWarmupRequest(body map[string]interface{}) bool {
	if messages, ok := body["messages"].([]interface{}); ok && len(messages) == 1 {
		if m, ok := messages[0].(map[string]interface{}); ok {
			if content, ok := m["content"].(string); ok && content == "Warmup" {
				return true
			}
			if content, ok := m["content"].([]interface{}); ok && len(content) == 1 {
				if block, ok := content[0].(map[string]interface{}); ok {
					if text, ok := block["text"].(string); ok && text == "Warmup" {
						return true
					}
				}
			}
		}
	}
	systemText := extractSystemText(body)
	if strings.Contains(systemText, "Please write a 5-10 word title") {
		return true
	}
	if strings.Contains(systemText, "nalyze if this message indicates a new conversation topic") {
		return true
	}
	return false
}

func extractSystemText(body map[string]interface{}) string {
	switch s := body["system"].(type) {
	case string:
		return s
	case []interface{}:
		var texts []string
		for _, entry := range s {
			if m, ok := entry.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
		return strings.Join(texts, " ")
	}
	return ""
}

// WarmupEvents returns the synthetic Anthropic-dialect SSE events sent in
// response to a warmup ping, never reaching the upstream at all.
func WarmupEvents(model string) []string {
	id := "msg_warmup_" + generateRequestID()
	return []string{
		"event: message_start\n" + `data: {"type":"message_start","message":{"id":"` + id + `","type":"message","role":"assistant","content":[],"model":"` + model + `","stop_reason":null,"stop_sequence":null,"usage":{"input_tokens":5,"output_tokens":1}}}` + "\n\n",
		"event: content_block_start\n" + `data: {"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}` + "\n\n",
		"event: content_block_delta\n" + `data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"OK"}}` + "\n\n",
		"event: content_block_stop\n" + `data: {"type":"content_block_stop","index":0}` + "\n\n",
		"event: message_delta\n" + `data: {"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":1}}` + "\n\n",
		"event: message_stop\n" + `data: {"type":"message_stop"}` + "\n\n",
	}
}

// BuildWarmupResponse concatenates WarmupEvents into one SSE byte stream.
func BuildWarmupResponse(model string) []byte {
	var buf []byte
	for _, e := range WarmupEvents(model) {
		buf = append(buf, []byte(e)...)
	}
	return buf
}

func generateRequestID() string {
	return GenerateRequestID()
}

// GenerateRequestID returns a random 16-hex-character id, used for both the
// upstream requestId field and client-facing synthetic message ids.
func GenerateRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
