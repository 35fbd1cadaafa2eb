package translate

import (
	"strings"

	"github.com/relaycore/dispatchcore/internal/signature"
)

// defaultUserAgent fills the wire-level userAgent field when a client
// request carries no User-Agent header at all.
const defaultUserAgent = "dispatchcore-relay/1.0"

// Dialect identifies which client protocol a request arrived in.
type Dialect int

const (
	DialectOpenAI Dialect = iota
	DialectAnthropic
	DialectGemini
)

// MapOptions carries the account/session/model context a mapper needs but
// that isn't present in the client body itself.
type MapOptions struct {
	Project       string
	RequestID     string
	UserAgent     string
	SessionID     string
	TargetModel   string
	RequestType   string // e.g. "CODE_ASSIST", "IMAGE_GEN"
	SigCache      *signature.Cache
	ImageFallback string
	WebSearchFallback string
	ThinkingDefaultOnOpus bool
}

// UnifiedRequest is the one body shape every dialect maps into before
// dispatch: {project, requestId, request:{...}, model, userAgent, requestType}.
type UnifiedRequest struct {
	Project     string
	RequestID   string
	Model       string
	UserAgent   string
	RequestType string
	Request     map[string]interface{} // contents, systemInstruction?, generationConfig?, tools?, toolConfig?, safetySettings
}

// ToBody renders the unified request into the map shape UpstreamClient sends.
func (u *UnifiedRequest) ToBody() map[string]interface{} {
	return map[string]interface{}{
		"project":   u.Project,
		"requestId": u.RequestID,
		"request":   u.Request,
		"model":     u.Model,
		"userAgent": u.UserAgent,
		"requestType": u.RequestType,
	}
}

// isImageModel reports whether the mapped target is an image-generation
// model, by name convention (the upstream has no separate flag for this).
func isImageModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "imagen") || strings.Contains(lower, "image-generation")
}

// supportsThinking reports whether the mapped target model accepts a
// thinking configuration at all. Legacy Gemini 1.x/2.0 and non-Gemini,
// non-Claude targets never do.
func supportsThinking(model string) bool {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "claude") {
		return true
	}
	if strings.Contains(lower, "gemini") {
		return !strings.HasPrefix(lower, "gemini-1") && !strings.HasPrefix(lower, "gemini-2.0")
	}
	return false
}

func isOpusVariant(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}

// FromOpenAI converts an OpenAI Chat Completions body into a UnifiedRequest.
func FromOpenAI(body map[string]interface{}, opts MapOptions) *UnifiedRequest {
	messages, _ := body["messages"].([]interface{})

	var systemParts []interface{}
	var contents []interface{}

	for _, raw := range messages {
		m, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		if role == "system" || role == "developer" {
			if text := openAIContentToText(m["content"]); text != "" {
				systemParts = append(systemParts, map[string]interface{}{"text": text})
			}
			continue
		}
		contents = append(contents, map[string]interface{}{
			"role":  mapOpenAIRole(role),
			"parts": openAIContentToParts(m),
		})
	}

	req := map[string]interface{}{"contents": contents}
	if len(systemParts) > 0 {
		req["systemInstruction"] = map[string]interface{}{"parts": systemParts}
	}

	genConfig := map[string]interface{}{}
	if v, ok := body["temperature"]; ok {
		genConfig["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		genConfig["topP"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = v
	}
	wantsThinking := truthy(body["reasoning_effort"]) || truthy(body["thinking"])
	if len(genConfig) > 0 {
		req["generationConfig"] = genConfig
	}

	if tools, ok := body["tools"].([]interface{}); ok && len(tools) > 0 {
		req["tools"] = []interface{}{map[string]interface{}{"functionDeclarations": openAIToolsToDeclarations(tools)}}
	}

	model, _ := body["model"].(string)
	return finishUnifiedRequest(req, model, wantsThinking, opts)
}

func mapOpenAIRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func openAIContentToText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var sb strings.Builder
		for _, part := range c {
			if m, ok := part.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok {
					if sb.Len() > 0 {
						sb.WriteString("\n\n")
					}
					sb.WriteString(t)
				}
			}
		}
		return sb.String()
	}
	return ""
}

func openAIContentToParts(m map[string]interface{}) []interface{} {
	var parts []interface{}
	if text := openAIContentToText(m["content"]); text != "" {
		parts = append(parts, map[string]interface{}{"text": text})
	}
	if calls, ok := m["tool_calls"].([]interface{}); ok {
		for _, raw := range calls {
			tc, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			fn, _ := tc["function"].(map[string]interface{})
			parts = append(parts, map[string]interface{}{
				"functionCall": map[string]interface{}{
					"name": fn["name"],
					"args": fn["arguments"],
				},
			})
		}
	}
	if m["role"] == "tool" {
		parts = []interface{}{map[string]interface{}{
			"functionResponse": map[string]interface{}{
				"name":     m["name"],
				"response": map[string]interface{}{"result": m["content"]},
			},
		}}
	}
	return parts
}

func openAIToolsToDeclarations(tools []interface{}) []interface{} {
	out := make([]interface{}, 0, len(tools))
	for _, raw := range tools {
		t, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		fn, ok := t["function"].(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"name":        fn["name"],
			"description": fn["description"],
			"parameters":  fn["parameters"],
		})
	}
	return out
}

// FromAnthropic converts an Anthropic Messages body into a UnifiedRequest.
func FromAnthropic(body map[string]interface{}, opts MapOptions) *UnifiedRequest {
	var systemParts []interface{}
	switch s := body["system"].(type) {
	case string:
		if s != "" {
			systemParts = append(systemParts, map[string]interface{}{"text": s})
		}
	case []interface{}:
		systemParts = s
	}

	var contents []interface{}
	if messages, ok := body["messages"].([]interface{}); ok {
		for _, raw := range messages {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			role, _ := m["role"].(string)
			contents = append(contents, map[string]interface{}{
				"role":  mapAnthropicRole(role),
				"parts": anthropicContentToParts(m["content"]),
			})
		}
	}

	req := map[string]interface{}{"contents": contents}
	if len(systemParts) > 0 {
		req["systemInstruction"] = map[string]interface{}{"parts": systemParts}
	}

	genConfig := map[string]interface{}{}
	if v, ok := body["temperature"]; ok {
		genConfig["temperature"] = v
	}
	if v, ok := body["max_tokens"]; ok {
		genConfig["maxOutputTokens"] = v
	}
	wantsThinking := false
	if thinking, ok := body["thinking"].(map[string]interface{}); ok {
		wantsThinking = thinking["type"] == "enabled"
	}
	if len(genConfig) > 0 {
		req["generationConfig"] = genConfig
	}

	if tools, ok := body["tools"].([]interface{}); ok && len(tools) > 0 {
		req["tools"] = []interface{}{map[string]interface{}{"functionDeclarations": anthropicToolsToDeclarations(tools)}}
	}

	model, _ := body["model"].(string)
	return finishUnifiedRequest(req, model, wantsThinking, opts)
}

func mapAnthropicRole(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func anthropicContentToParts(content interface{}) []interface{} {
	switch c := content.(type) {
	case string:
		return []interface{}{map[string]interface{}{"text": c}}
	case []interface{}:
		var parts []interface{}
		for _, raw := range c {
			block, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				parts = append(parts, map[string]interface{}{"text": block["text"]})
			case "thinking":
				part := map[string]interface{}{"thought": true, "text": block["thinking"]}
				if sig, ok := block["signature"].(string); ok && sig != "" {
					part["thoughtSignature"] = sig
				}
				parts = append(parts, part)
			case "tool_use":
				parts = append(parts, map[string]interface{}{
					"functionCall": map[string]interface{}{"name": block["name"], "args": block["input"]},
				})
			case "tool_result":
				parts = append(parts, map[string]interface{}{
					"functionResponse": map[string]interface{}{
						"name":     block["tool_use_id"],
						"response": map[string]interface{}{"result": block["content"]},
					},
				})
			case "image":
				if src, ok := block["source"].(map[string]interface{}); ok {
					parts = append(parts, map[string]interface{}{
						"inlineData": map[string]interface{}{"mimeType": src["media_type"], "data": src["data"]},
					})
				}
			}
		}
		return parts
	}
	return nil
}

func anthropicToolsToDeclarations(tools []interface{}) []interface{} {
	out := make([]interface{}, 0, len(tools))
	for _, raw := range tools {
		t, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, map[string]interface{}{
			"name":        t["name"],
			"description": t["description"],
			"parameters":  t["input_schema"],
		})
	}
	return out
}

// FromGemini passes a generateContent body through almost unchanged: it's
// already in the upstream's native shape, so this mapper mainly wraps it
// and applies the shared contracts.
func FromGemini(body map[string]interface{}, opts MapOptions) *UnifiedRequest {
	req := map[string]interface{}{}
	if contents, ok := body["contents"]; ok {
		req["contents"] = contents
	} else {
		req["contents"] = []interface{}{}
	}
	if si, ok := body["systemInstruction"]; ok {
		req["systemInstruction"] = si
	}
	if gc, ok := body["generationConfig"].(map[string]interface{}); ok {
		req["generationConfig"] = gc
	}
	if tools, ok := body["tools"]; ok {
		req["tools"] = tools
	}
	if tc, ok := body["toolConfig"]; ok {
		req["toolConfig"] = tc
	}
	if ss, ok := body["safetySettings"]; ok {
		req["safetySettings"] = ss
	}

	wantsThinking := false
	if gc, ok := body["generationConfig"].(map[string]interface{}); ok {
		if tc, ok := gc["thinkingConfig"].(map[string]interface{}); ok {
			wantsThinking = truthy(tc["includeThoughts"])
		}
	}

	model, _ := body["model"].(string)
	if model == "" {
		model = opts.TargetModel
	}
	validateGeminiRequestShape(body)
	return finishUnifiedRequest(req, model, wantsThinking, opts)
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && t != "none" && t != "disabled"
	case nil:
		return false
	default:
		return true
	}
}

// finishUnifiedRequest applies every dialect-neutral contract (message
// merge, thinking order, cache-control strip, undefined-sentinel cleanup,
// tool schema cleaning, image/web-search shape, thinking policy, signature
// injection, old-image pruning) and returns the finished UnifiedRequest.
func finishUnifiedRequest(req map[string]interface{}, model string, wantsThinking bool, opts MapOptions) *UnifiedRequest {
	target := model
	if opts.TargetModel != "" {
		target = opts.TargetModel
	}

	if contents, ok := req["contents"].([]interface{}); ok {
		contents = mergeConsecutiveContents(contents)
		stripOldImages(contents, 3)
		orderThinkingParts(contents)
		req["contents"] = contents
	}

	stripCacheControlDeep(req)
	req = stripUndefinedSentinels(req).(map[string]interface{})

	if tools, ok := req["tools"].([]interface{}); ok {
		applyWebSearchOverride(req, tools, &target, opts)
	}
	if tools, ok := req["tools"].([]interface{}); ok {
		cleanFunctionSchemas(tools)
	}

	requestType := opts.RequestType
	if requestType == "" {
		requestType = "CODE_ASSIST"
	}

	if isImageModel(target) {
		applyImageGenerationShape(req)
		requestType = "IMAGE_GEN"
	} else {
		contents, _ := req["contents"].([]interface{})
		enabled := resolveThinkingPolicy(target, wantsThinking, opts, contents)
		if enabled {
			injectSignatures(req, opts)
		} else {
			stripThinkingParts(req)
		}
	}

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &UnifiedRequest{
		Project:     opts.Project,
		RequestID:   opts.RequestID,
		Model:       target,
		UserAgent:   userAgent,
		RequestType: requestType,
		Request:     req,
	}
}

// resolveThinkingPolicy decides whether thinking is enabled for this call:
// the client asked for it, or the model is an opus variant defaulting on;
// always forced off when the target doesn't support it or the history has
// incompatible assistant turns with no session signature to fall back on.
func resolveThinkingPolicy(model string, wantsThinking bool, opts MapOptions, contents []interface{}) bool {
	if !supportsThinking(model) {
		return false
	}
	enabled := wantsThinking || (isOpusVariant(model) && opts.ThinkingDefaultOnOpus)
	if !enabled {
		return false
	}
	if hasIncompatibleAssistantHistory(contents) && !hasSessionSignature(opts) {
		return false
	}
	return true
}

// hasIncompatibleAssistantHistory reports whether any assistant ("model")
// turn lacks a reasoning part entirely, which upstream rejects on a
// thinking-enabled call unless a session signature can paper over it.
func hasIncompatibleAssistantHistory(contents []interface{}) bool {
	for _, raw := range contents {
		turn, ok := raw.(map[string]interface{})
		if !ok || turn["role"] != "model" {
			continue
		}
		parts, _ := turn["parts"].([]interface{})
		hasReasoning := false
		for _, p := range parts {
			if part, ok := p.(map[string]interface{}); ok && part["thought"] == true {
				hasReasoning = true
				break
			}
		}
		if !hasReasoning && len(parts) > 0 {
			return true
		}
	}
	return false
}

func hasSessionSignature(opts MapOptions) bool {
	if opts.SigCache == nil || opts.SessionID == "" {
		return false
	}
	_, ok := opts.SigCache.GetSessionSignature(opts.SessionID)
	return ok
}

// applyImageGenerationShape strips fields the upstream rejects on an image
// target and injects an imageConfig derived from size/quality hints that
// may have arrived in generationConfig.
func applyImageGenerationShape(req map[string]interface{}) {
	delete(req, "tools")
	delete(req, "systemInstruction")
	if gc, ok := req["generationConfig"].(map[string]interface{}); ok {
		size, _ := gc["size"].(string)
		quality, _ := gc["quality"].(string)
		delete(gc, "thinkingConfig")
		delete(gc, "responseMimeType")
		delete(gc, "responseModalities")
		img := map[string]interface{}{}
		if size != "" {
			img["aspectRatio"] = size
		}
		if quality != "" {
			img["quality"] = quality
		}
		if len(img) > 0 {
			req["imageConfig"] = img
		}
	}
}

// applyWebSearchOverride forces the target model to a configured fallback
// and swaps a client's web-search function declaration for the upstream's
// native googleSearch tool when one is present.
func applyWebSearchOverride(req map[string]interface{}, tools []interface{}, target *string, opts MapOptions) {
	foundSearch := false
	rebuilt := make([]interface{}, 0, len(tools))

	for _, raw := range tools {
		t, ok := raw.(map[string]interface{})
		if !ok {
			rebuilt = append(rebuilt, raw)
			continue
		}
		decls, ok := t["functionDeclarations"].([]interface{})
		if !ok {
			rebuilt = append(rebuilt, raw)
			continue
		}
		kept := make([]interface{}, 0, len(decls))
		for _, d := range decls {
			decl, ok := d.(map[string]interface{})
			if !ok {
				kept = append(kept, d)
				continue
			}
			name, _ := decl["name"].(string)
			lower := strings.ToLower(name)
			if strings.Contains(lower, "web_search") || strings.Contains(lower, "google_search") {
				foundSearch = true
				continue
			}
			kept = append(kept, decl)
		}
		if len(kept) > 0 {
			t["functionDeclarations"] = kept
			rebuilt = append(rebuilt, t)
		}
	}

	if !foundSearch {
		return
	}
	if opts.WebSearchFallback != "" {
		*target = opts.WebSearchFallback
	}
	rebuilt = append(rebuilt, map[string]interface{}{"googleSearch": map[string]interface{}{}})
	req["tools"] = rebuilt
}

// stripThinkingParts removes thought/thoughtSignature fields from history
// when thinking is disabled for this call, since the upstream rejects a
// thinking-shaped part on a non-thinking call.
func stripThinkingParts(req map[string]interface{}) {
	contents, ok := req["contents"].([]interface{})
	if !ok {
		return
	}
	for _, raw := range contents {
		turn, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		parts, ok := turn["parts"].([]interface{})
		if !ok {
			continue
		}
		kept := make([]interface{}, 0, len(parts))
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if ok && part["thought"] == true {
				continue
			}
			kept = append(kept, p)
		}
		turn["parts"] = kept
	}
	if gc, ok := req["generationConfig"].(map[string]interface{}); ok {
		delete(gc, "thinkingConfig")
	}
}

// injectSignatures fills in thoughtSignature for reasoning parts in history
// that arrived without one: content hash first, then session, then tool id.
// Claude targets get no signature rather than a dummy when nothing is
// found; every other target gets the dummy sentinel so validation is
// skipped without breaking the call.
func injectSignatures(req map[string]interface{}, opts MapOptions) {
	contents, ok := req["contents"].([]interface{})
	if !ok || opts.SigCache == nil {
		return
	}
	isClaudeTarget := strings.Contains(strings.ToLower(opts.TargetModel), "claude")

	for _, raw := range contents {
		turn, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		parts, ok := turn["parts"].([]interface{})
		if !ok {
			continue
		}
		// Parts arrive reasoning-first (orderThinkingParts), so the turn's
		// tool id is found before the walk rather than along the way.
		var pendingToolID string
		for _, p := range parts {
			if part, ok := p.(map[string]interface{}); ok {
				if fc, ok := part["functionCall"].(map[string]interface{}); ok {
					if id, ok := fc["id"].(string); ok && id != "" {
						pendingToolID = id
						break
					}
				}
			}
		}
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if fc, ok := part["functionCall"].(map[string]interface{}); ok {
				if id, ok := fc["id"].(string); ok {
					pendingToolID = id
				}
				if sig, ok := opts.SigCache.GetSessionSignature(opts.SessionID); ok {
					part["thoughtSignature"] = sig
				}
				continue
			}
			if part["thought"] != true {
				continue
			}
			if sig, ok := part["thoughtSignature"].(string); ok && sig != "" {
				continue // already has a valid signature, pass through unmodified
			}
			text, _ := part["text"].(string)
			if sig, family, ok := opts.SigCache.GetContentSignature(text); ok {
				part["thoughtSignature"] = sig
				_ = family
				continue
			}
			if sig, ok := opts.SigCache.GetSessionSignature(opts.SessionID); ok {
				part["thoughtSignature"] = sig
				continue
			}
			if pendingToolID != "" {
				if sig, ok := opts.SigCache.GetToolSignature(pendingToolID); ok {
					part["thoughtSignature"] = sig
					continue
				}
			}
			if isClaudeTarget {
				continue
			}
			part["thoughtSignature"] = signature.DummySignature
		}
	}
}
