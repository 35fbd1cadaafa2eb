// Package translate turns the three client dialects (OpenAI Chat,
// Anthropic Messages, Gemini generateContent) into the single upstream
// request body, and turns the single upstream SSE stream back into each
// dialect's own event shape. It also owns the request-level concerns that
// ride alongside the body itself: header filtering and cache-control
// enforcement.
package translate

import (
	"net/http"
	"strings"
)

// clientHeaderAllowlist names the client headers FilterHeaders keeps.
// dispatch passes the kept headers to the upstream call as
// upstream.SendParams.Headers, which are set after, and so override, the
// request's own Content-Type and User-Agent.
var clientHeaderAllowlist = map[string]bool{
	"accept":          true,
	"content-type":    true,
	"user-agent":      true,
	"x-app":           true,
	"x-force-account": true,
}

// FilterHeaders keeps only headers this proxy understands, dropping
// everything else (forwarded-for chains, CDN headers, client auth).
func FilterHeaders(original http.Header) http.Header {
	clean := make(http.Header)
	for key, vals := range original {
		if clientHeaderAllowlist[strings.ToLower(key)] {
			for _, v := range vals {
				clean.Add(key, v)
			}
		}
	}
	return clean
}
