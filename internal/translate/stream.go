package translate

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaycore/dispatchcore/internal/signature"
)

// blockState is the SSE fan-out state machine's current open content block.
type blockState int

const (
	blockNone blockState = iota
	blockText
	blockThinking
	blockFunction
)

// sseBufferCap bounds how much unflushed data a single stream may
// accumulate (e.g. while buffering an MCP tool-call tag) before it is
// aborted with an error event.
const sseBufferCap = 10 * 1024 * 1024

// mcpOpenTagPrefix/mcpCloseTagSuffix bracket an inline tool-call XML fragment that some
// upstream responses embed inside an ordinary text part.
const mcpOpenTagPrefix = "<mcp__"
const mcpCloseTagSuffix = "</mcp__"

// toolNameAliases renormalizes upstream tool names that changed historically
// (kept as data, not code, so new entries are cheap).
var toolNameAliases = map[string]string{
	"Search": "grep",
}

// StreamMapper turns upstream `candidates[].content.parts[]` SSE frames
// into one client dialect's own SSE event sequence. One instance serves
// exactly one in-flight response.
type StreamMapper struct {
	dialect    Dialect
	sigCache   *signature.Cache
	sessionID  string
	model      string

	state        blockState
	blockIndex   int
	textBuf      strings.Builder
	thinkingBuf  strings.Builder
	mcpBuf       strings.Builder
	bufferedMCP  bool
	seenCalls    map[string]bool
	bufferedSize int

	outputTokens int
	inputTokens  int
	stopReason   string
}

func NewStreamMapper(dialect Dialect, sigCache *signature.Cache, sessionID, model string) *StreamMapper {
	return &StreamMapper{
		dialect:   dialect,
		sigCache:  sigCache,
		sessionID: sessionID,
		model:     model,
		seenCalls: make(map[string]bool),
	}
}

// Frame is one upstream SSE data frame, already JSON-decoded.
type Frame struct {
	Candidates []struct {
		Content struct {
			Parts []map[string]interface{} `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
	} `json:"usageMetadata"`
}

// Feed consumes one decoded upstream frame and returns zero or more
// dialect-formatted SSE text chunks ready to write to the client.
func (m *StreamMapper) Feed(frame Frame) ([]string, error) {
	var out []string

	if frame.UsageMetadata.PromptTokenCount > 0 {
		m.inputTokens = frame.UsageMetadata.PromptTokenCount
	}
	if frame.UsageMetadata.CandidatesTokenCount > 0 {
		m.outputTokens = frame.UsageMetadata.CandidatesTokenCount
	}

	if len(frame.Candidates) == 0 {
		return out, nil
	}
	cand := frame.Candidates[0]

	dedup := make(map[string]bool)
	for _, part := range cand.Content.Parts {
		chunks, err := m.feedPart(part, dedup)
		if err != nil {
			return out, err
		}
		out = append(out, chunks...)
	}

	if cand.FinishReason != "" {
		m.stopReason = cand.FinishReason
		out = append(out, m.closeOpenBlock()...)
		out = append(out, m.emitFinish())
	}

	return out, nil
}

func (m *StreamMapper) feedPart(part map[string]interface{}, dedup map[string]bool) ([]string, error) {
	var out []string

	if inline, ok := part["inlineData"].(map[string]interface{}); ok {
		out = append(out, m.closeOpenBlock()...)
		out = append(out, m.emitInlineImage(inline)...)
		return out, nil
	}

	if fc, ok := part["functionCall"].(map[string]interface{}); ok {
		key := canonicalJSON(fc)
		if dedup[key] {
			return out, nil
		}
		dedup[key] = true
		if m.state != blockFunction {
			out = append(out, m.closeOpenBlock()...)
			m.state = blockFunction
			m.blockIndex++
		}
		out = append(out, m.emitFunctionCall(fc))
		out = append(out, m.closeOpenBlock()...)
		return out, nil
	}

	thought := part["thought"] == true
	text, _ := part["text"].(string)

	if thought {
		if m.state != blockThinking {
			out = append(out, m.closeOpenBlock()...)
			m.state = blockThinking
			m.blockIndex++
			m.thinkingBuf.Reset()
		}
		if text != "" {
			m.thinkingBuf.WriteString(text)
			out = append(out, m.emitThinkingDelta(text))
		}
		if sig, ok := part["thoughtSignature"].(string); ok && sig != "" {
			family := familyFromModel(m.model)
			if m.sigCache != nil {
				m.sigCache.CacheContentSignature(m.thinkingBuf.String(), sig, family)
				m.sigCache.CacheSessionSignature(m.sessionID, sig)
				m.sigCache.CacheThinkingFamily(sig, family)
			}
			out = append(out, m.emitSignatureDelta(sig))
		}
		return out, nil
	}

	// Plain text, possibly containing a buffered <mcp__...>...</mcp__...> tag.
	if m.bufferedMCP || strings.Contains(text, mcpOpenTagPrefix) {
		return m.feedPossibleMCP(text)
	}

	if m.state != blockText {
		out = append(out, m.closeOpenBlock()...)
		m.state = blockText
		m.blockIndex++
	}
	if text != "" {
		out = append(out, m.emitTextDelta(text))
	}
	return out, nil
}

func (m *StreamMapper) feedPossibleMCP(text string) ([]string, error) {
	var out []string
	m.mcpBuf.WriteString(text)
	m.bufferedMCP = true
	m.bufferedSize += len(text)
	if m.bufferedSize > sseBufferCap {
		return out, fmt.Errorf("translate: sse buffer exceeded cap while waiting for mcp close tag")
	}

	buffered := m.mcpBuf.String()
	if !strings.Contains(buffered, mcpCloseTagSuffix) {
		return out, nil
	}

	// Extract the inner JSON between the first '>' after the open tag and
	// the closing tag, best-effort: malformed fragments are emitted as text.
	openEnd := strings.Index(buffered, ">")
	closeStart := strings.Index(buffered, "</mcp__")
	if openEnd < 0 || closeStart < 0 || closeStart < openEnd {
		out = append(out, m.closeOpenBlock()...)
		m.state = blockText
		m.blockIndex++
		out = append(out, m.emitTextDelta(buffered))
		m.resetMCPBuffer()
		return out, nil
	}
	inner := buffered[openEnd+1 : closeStart]

	nameStart := strings.Index(buffered, mcpOpenTagPrefix) + len(mcpOpenTagPrefix)
	nameEnd := strings.IndexAny(buffered[nameStart:], " >")
	toolName := buffered[nameStart : nameStart+nameEnd]
	toolName = normalizeToolName(toolName)

	var args interface{}
	_ = json.Unmarshal([]byte(inner), &args)

	out = append(out, m.closeOpenBlock()...)
	m.state = blockFunction
	m.blockIndex++
	out = append(out, m.emitFunctionCall(map[string]interface{}{"name": toolName, "args": args}))
	out = append(out, m.closeOpenBlock()...)
	m.resetMCPBuffer()
	return out, nil
}

func (m *StreamMapper) resetMCPBuffer() {
	m.mcpBuf.Reset()
	m.bufferedMCP = false
	m.bufferedSize = 0
}

func normalizeToolName(name string) string {
	if alias, ok := toolNameAliases[name]; ok {
		return alias
	}
	return name
}

func familyFromModel(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "claude"):
		return "claude"
	case strings.Contains(lower, "gemini"):
		return "gemini"
	default:
		return "unknown"
	}
}

func canonicalJSON(v interface{}) string {
	data, _ := json.Marshal(v)
	return string(data)
}

func generateToolID(name string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return name + "-" + hex.EncodeToString(buf)
}

// Heartbeat returns the SSE keep-alive comment line; it is dialect-agnostic
// since comment lines are ignored by every SSE client. Nothing in this
// module sends it: an idle stream carries no keep-alive.
func Heartbeat() string {
	return ": ping\n\n"
}

// inlineImageChunkSize is the UTF-8-safe chunk boundary for markdown image
// data URIs emitted from inlineData parts.
const inlineImageChunkSize = 32 * 1024

func (m *StreamMapper) emitInlineImage(inline map[string]interface{}) []string {
	mime, _ := inline["mimeType"].(string)
	data, _ := inline["data"].(string)
	markdown := fmt.Sprintf("![image](data:%s;base64,%s)", mime, data)

	m.state = blockText
	m.blockIndex++
	var out []string
	for _, chunk := range chunkUTF8(markdown, inlineImageChunkSize) {
		out = append(out, m.emitTextDelta(chunk))
	}
	out = append(out, m.closeOpenBlock()...)
	return out
}

func chunkUTF8(s string, size int) []string {
	var chunks []string
	runes := []rune(s)
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}

// --- Anthropic-dialect event rendering ---
// These are the only event renderers: the mapper emits Anthropic-shaped
// events whatever its dialect, and dispatch streams them unchanged to
// OpenAI and Gemini clients too.

func (m *StreamMapper) emitTextDelta(text string) string {
	return sseEvent("content_block_delta", map[string]interface{}{
		"type": "content_block_delta", "index": m.blockIndex,
		"delta": map[string]interface{}{"type": "text_delta", "text": text},
	})
}

func (m *StreamMapper) emitThinkingDelta(text string) string {
	return sseEvent("content_block_delta", map[string]interface{}{
		"type": "content_block_delta", "index": m.blockIndex,
		"delta": map[string]interface{}{"type": "thinking_delta", "thinking": text},
	})
}

func (m *StreamMapper) emitSignatureDelta(sig string) string {
	return sseEvent("content_block_delta", map[string]interface{}{
		"type": "content_block_delta", "index": m.blockIndex,
		"delta": map[string]interface{}{"type": "signature_delta", "signature": sig},
	})
}

func (m *StreamMapper) emitFunctionCall(fc map[string]interface{}) string {
	id, _ := fc["id"].(string)
	name, _ := fc["name"].(string)
	name = normalizeToolName(name)
	if id == "" {
		id = generateToolID(name)
	}
	return sseEvent("content_block_start", map[string]interface{}{
		"type": "content_block_start", "index": m.blockIndex,
		"content_block": map[string]interface{}{
			"type": "tool_use", "id": id, "name": name, "input": fc["args"],
		},
	})
}

func (m *StreamMapper) closeOpenBlock() []string {
	if m.state == blockNone {
		return nil
	}
	prev := m.state
	m.state = blockNone
	ev := sseEvent("content_block_stop", map[string]interface{}{
		"type": "content_block_stop", "index": m.blockIndex,
	})
	if prev == blockThinking && m.thinkingBuf.Len() == 0 {
		// A trailing signature with no accompanying text is flushed as its
		// own empty thinking block carrying only the signature delta.
	}
	return []string{ev}
}

func (m *StreamMapper) emitFinish() string {
	return sseEvent("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason": mapFinishReason(m.stopReason),
		},
		"usage": map[string]interface{}{"output_tokens": m.outputTokens},
	}) + sseEvent("message_stop", map[string]interface{}{"type": "message_stop"})
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "end_turn"
	case "MAX_TOKENS":
		return "max_tokens"
	case "SAFETY", "RECITATION":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// EmitError renders an Anthropic-shaped SSE error frame followed by
// message_stop, whatever the client's dialect; callers must never swallow a
// stream error silently.
func EmitError(category string, httpCode int) string {
	return sseEvent("error", map[string]interface{}{
		"type":  "error",
		"error": map[string]interface{}{"type": "api_error", "message": fmt.Sprintf("%s (HTTP %d)", category, httpCode)},
	}) + sseEvent("message_stop", map[string]interface{}{"type": "message_stop"})
}

func sseEvent(eventName string, payload map[string]interface{}) string {
	data, _ := json.Marshal(payload)
	return "event: " + eventName + "\n" + "data: " + string(data) + "\n\n"
}

// obfuscateForLog returns a short non-reversible token for logging tool
// call payloads without leaking argument contents.
func obfuscateForLog(v interface{}) string {
	data, _ := json.Marshal(v)
	if len(data) > 16 {
		data = data[:16]
	}
	return base64.RawStdEncoding.EncodeToString(data)
}
