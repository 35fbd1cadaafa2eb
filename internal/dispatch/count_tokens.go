package dispatch

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relaycore/dispatchcore/internal/auth"
)

var (
	tokEncOnce sync.Once
	tokEnc     *tiktoken.Tiktoken
)

func tokenEncoding() *tiktoken.Tiktoken {
	tokEncOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Error("count_tokens: failed to load encoding", "error", err)
			return
		}
		tokEnc = enc
	})
	return tokEnc
}

// HandleCountTokens estimates the input token count for an Anthropic-dialect
// /v1/messages/count_tokens request locally, without making an upstream
// call: the upstream API has no standalone counting verb, only the usage
// block returned alongside a real generation.
func (d *Dispatcher) HandleCountTokens(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	keyInfo := auth.GetKeyInfo(ctx)
	if keyInfo == nil {
		writeError(w, http.StatusUnauthorized, "authentication_error", "not authenticated")
		return
	}

	rawBody, err := readBody(req, d.cfg.MaxRequestBodyMB)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to read body")
		return
	}
	var body map[string]interface{}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid JSON body")
		return
	}

	enc := tokenEncoding()
	if enc == nil {
		writeError(w, http.StatusInternalServerError, "api_error", "token encoder unavailable")
		return
	}

	total := countSystemTokens(enc, body["system"])
	if messages, ok := body["messages"].([]interface{}); ok {
		for _, raw := range messages {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			total += countContentTokens(enc, m["content"])
		}
	}
	if tools, ok := body["tools"].([]interface{}); ok {
		toolsJSON, _ := json.Marshal(tools)
		total += len(enc.Encode(string(toolsJSON), nil, nil))
	}

	resp, _ := json.Marshal(map[string]interface{}{"input_tokens": total})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(resp)
}

func countSystemTokens(enc *tiktoken.Tiktoken, system interface{}) int {
	switch s := system.(type) {
	case string:
		return len(enc.Encode(s, nil, nil))
	case []interface{}:
		total := 0
		for _, entry := range s {
			if m, ok := entry.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					total += len(enc.Encode(text, nil, nil))
				}
			}
		}
		return total
	}
	return 0
}

func countContentTokens(enc *tiktoken.Tiktoken, content interface{}) int {
	switch c := content.(type) {
	case string:
		return len(enc.Encode(c, nil, nil))
	case []interface{}:
		total := 0
		for _, block := range c {
			m, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if text, ok := m["text"].(string); ok {
					total += len(enc.Encode(text, nil, nil))
				}
			case "tool_use", "tool_result":
				raw, _ := json.Marshal(m)
				total += len(enc.Encode(string(raw), nil, nil))
			}
		}
		return total
	}
	return 0
}
