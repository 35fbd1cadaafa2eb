package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"
)

// category is one of the eight sanitized error buckets a client may ever
// see; nothing more specific (project id, email, upstream path) crosses
// this boundary.
type category struct {
	name   string
	status int
	errType string
}

var (
	catRateLimited    = category{"RateLimited", 429, "rate_limit_error"}
	catQuotaExhausted = category{"QuotaExhausted", 429, "rate_limit_error"}
	catUnauthorized   = category{"Unauthorized", 401, "authentication_error"}
	catModelNotFound  = category{"ModelNotFound", 404, "not_found_error"}
	catPromptTooLong  = category{"PromptTooLong", 400, "invalid_request_error"}
	catServiceDisabled = category{"ServiceDisabled", 403, "permission_error"}
	catServerError    = category{"ServerError", 500, "api_error"}
	catUnknown        = category{"Unknown", 502, "api_error"}
)

// classifyForClient picks the client-visible category for a raw upstream
// status and body. It never inspects or forwards anything from the body
// itself into the returned category; it just decides which bucket applies.
func classifyForClient(status int, body string) category {
	switch {
	case status == 401:
		return catUnauthorized
	case status == 403:
		return catServiceDisabled
	case status == 404:
		return catModelNotFound
	case status == 429:
		if strings.Contains(strings.ToUpper(body), "QUOTA_EXHAUSTED") {
			return catQuotaExhausted
		}
		return catRateLimited
	case status == 400 && strings.Contains(strings.ToLower(body), "too long"):
		return catPromptTooLong
	case status == 400 && strings.Contains(strings.ToLower(body), "context"):
		return catPromptTooLong
	case status >= 500:
		return catServerError
	default:
		return catUnknown
	}
}

// SanitizeError renders an upstream failure into the client-facing
// "{Category} (HTTP {code})" contract. The original code and body are
// logged by the caller before this is invoked; nothing beyond the category
// and the original HTTP code leaves the process.
func SanitizeError(statusCode int, body []byte) (int, []byte) {
	cat := classifyForClient(statusCode, string(body))
	msg := fmt.Sprintf("%s (HTTP %d)", cat.name, statusCode)
	return cat.status, buildErrorJSON(cat.errType, msg)
}

// SanitizeSSEError wraps a sanitized error as an SSE event followed by
// message_stop, matching the error-then-terminate shape a streaming client
// expects mid-response.
func SanitizeSSEError(statusCode int, body []byte) string {
	_, sanitized := SanitizeError(statusCode, body)
	return fmt.Sprintf("event: error\ndata: %s\n\n"+"event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n", sanitized)
}

func buildErrorJSON(errType, msg string) []byte {
	resp := map[string]interface{}{
		"type": "error",
		"error": map[string]interface{}{
			"type":    errType,
			"message": msg,
		},
	}
	data, _ := json.Marshal(resp)
	return data
}
