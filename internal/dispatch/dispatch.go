// Package dispatch drives the per-request state machine: select an
// identity, translate the client body into the upstream shape, send it,
// classify whatever comes back, and either forward it to the client or
// rotate to another identity and try again.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/relaycore/dispatchcore/internal/auth"
	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/health"
	"github.com/relaycore/dispatchcore/internal/pool"
	"github.com/relaycore/dispatchcore/internal/ratelimit"
	"github.com/relaycore/dispatchcore/internal/signature"
	"github.com/relaycore/dispatchcore/internal/translate"
	"github.com/relaycore/dispatchcore/internal/upstream"
)

// Dispatcher owns every collaborator one client request needs: selection,
// token refresh, translation, upstream transport, rate-limit/health
// bookkeeping and the signature cache the mappers read and write.
type Dispatcher struct {
	pool        *pool.Pool
	selector    *pool.Selector
	tokens      *pool.TokenManager
	transformer *translate.Transformer
	upstream    *upstream.UpstreamClient
	rl          *ratelimit.Tracker
	health      *health.Monitor
	sigCache    *signature.Cache
	cfg         *config.Config
}

func New(
	p *pool.Pool,
	sel *pool.Selector,
	tm *pool.TokenManager,
	trans *translate.Transformer,
	up *upstream.UpstreamClient,
	rl *ratelimit.Tracker,
	hm *health.Monitor,
	sc *signature.Cache,
	cfg *config.Config,
) *Dispatcher {
	return &Dispatcher{
		pool: p, selector: sel, tokens: tm, transformer: trans,
		upstream: up, rl: rl, health: hm, sigCache: sc, cfg: cfg,
	}
}

// outcome is what one send attempt resolved to.
type outcome int

const (
	outcomeForwarded outcome = iota
	outcomeRotate
	outcomeGraceRetry
	outcomeSignatureRetry
	outcomeFatal
)

type attemptResult struct {
	kind    outcome
	err     error
	backoff time.Duration
}

func quotaGroupFor(model string) string {
	lower := strings.ToLower(model)
	if strings.Contains(lower, "imagen") || strings.Contains(lower, "image-generation") {
		return "IMAGE_GEN"
	}
	return "CODE_ASSIST"
}

// Handle runs the full dispatch state machine for one client request in
// the given dialect.
func (d *Dispatcher) Handle(w http.ResponseWriter, req *http.Request, dialect translate.Dialect) {
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

	model, _ := body["model"].(string)
	isStream := extractStream(body, dialect)
	sessionID := extractSessionID(body, dialect)

	if dialect == translate.DialectAnthropic && translate.IsWarmupRequest(body) {
		d.serveWarmup(w, model)
		return
	}

	preferred := ""
	if keyInfo.BoundAccountID != "" {
		preferred = d.resolveForcedAccount(keyInfo.BoundAccountID)
	}

	excluded := map[string]bool{}
	maxAttempts := d.cfg.MaxAttempts
	if size := d.pool.Size(); size > 0 && size < maxAttempts {
		maxAttempts = size
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	graceUsed := false
	sigFixUsed := false
	nextPreferred := preferred

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return
		}

		sel, err := d.selector.Select(ctx, pool.SelectOptions{
			QuotaGroup:         quotaGroupFor(model),
			TargetModel:        model,
			SessionID:          sessionID,
			ExcludedIDs:        excluded,
			PreferredAccountID: nextPreferred,
		})
		if err != nil {
			lastErr = err
			break
		}
		nextPreferred = ""

		acct := &pool.Account{ID: sel.View.ID, Email: sel.View.Email, ProjectID: sel.View.ProjectID}

		accessToken, err := d.tokens.EnsureValidToken(ctx, sel.View.ID)
		if err != nil {
			slog.Warn("dispatch: token unavailable", "accountId", sel.View.ID, "error", err)
			sel.Release()
			excluded[sel.View.ID] = true
			lastErr = err
			continue
		}

		out := d.attempt(ctx, w, req, dialect, body, acct, accessToken, sel.View.ProxyURL, sessionID, isStream, model, false)

		switch out.kind {
		case outcomeForwarded:
			sel.Release()
			d.health.RecordSuccess(sel.View.ID)
			return

		case outcomeSignatureRetry:
			if sigFixUsed {
				sel.Release()
				excluded[sel.View.ID] = true
				lastErr = fmt.Errorf("signature retry exhausted")
				continue
			}
			sigFixUsed = true
			retryOut := d.attempt(ctx, w, req, dialect, body, acct, accessToken, sel.View.ProxyURL, sessionID, isStream, model, true)
			sel.Release()
			if retryOut.kind == outcomeForwarded {
				d.health.RecordSuccess(sel.View.ID)
				return
			}
			excluded[sel.View.ID] = true
			lastErr = retryOut.err
			continue

		case outcomeGraceRetry:
			if graceUsed {
				sel.Release()
				excluded[sel.View.ID] = true
				lastErr = out.err
				continue
			}
			graceUsed = true
			nextPreferred = sel.View.ID
			sel.Release()
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue

		case outcomeFatal:
			sel.Release()
			return

		default: // outcomeRotate
			sel.Release()
			excluded[sel.View.ID] = true
			lastErr = out.err
			if out.backoff > 0 {
				select {
				case <-time.After(out.backoff):
				case <-ctx.Done():
					return
				}
			}
			continue
		}
	}

	if lastErr != nil {
		slog.Error("dispatch: all attempts exhausted", "error", lastErr)
	}
	writeError(w, http.StatusTooManyRequests, "overloaded_error", "all identities exhausted")
}

// attempt sends one translated request through one identity and classifies
// whatever comes back, forwarding a 200 straight to the client.
func (d *Dispatcher) attempt(
	ctx context.Context,
	w http.ResponseWriter,
	req *http.Request,
	dialect translate.Dialect,
	body map[string]interface{},
	acct *pool.Account,
	accessToken, proxyURL, sessionID string,
	isStream bool,
	model string,
	forceNoThinking bool,
) attemptResult {
	var attemptBody map[string]interface{}
	raw, _ := json.Marshal(body)
	_ = json.Unmarshal(raw, &attemptBody)
	if forceNoThinking {
		stripThinkingRequest(attemptBody, dialect)
	}

	result := d.transformer.Transform(ctx, dialect, attemptBody, req.Header, acct, sessionID)
	upstreamBody, err := json.Marshal(result.Unified.ToBody())
	if err != nil {
		return attemptResult{kind: outcomeFatal, err: err}
	}

	w.Header().Set("X-Account-Email", acct.Email)
	if result.Unified.Model != "" && result.Unified.Model != model {
		w.Header().Set("X-Mapped-Model", result.Unified.Model)
		w.Header().Set("X-Mapping-Reason", "fallback")
	}

	method := "generateContent"
	if isStream {
		method = "streamGenerateContent"
	}

	sendRes, err := d.upstream.Send(ctx, upstream.SendParams{
		Method:       method,
		AccessToken:  accessToken,
		ProxyURL:     proxyURL,
		AccountEmail: acct.Email,
		Body:         upstreamBody,
		Headers:      flattenHeaders(result.Headers),
		UserAgent:    result.Unified.UserAgent,
	})
	if err != nil {
		d.health.RecordError(acct.ID, health.ClassNetwork)
		return attemptResult{kind: outcomeRotate, err: err}
	}
	resp := sendRes.Response

	if resp.StatusCode == http.StatusOK {
		defer resp.Body.Close()
		mapper := translate.NewStreamMapper(dialect, d.sigCache, sessionID, model)
		if isStream {
			if !d.forwardStream(w, resp.Body, mapper) {
				return attemptResult{kind: outcomeRotate, err: fmt.Errorf("empty or heartbeat-only stream")}
			}
			return attemptResult{kind: outcomeForwarded}
		}
		if !d.forwardSingle(w, resp.Body, mapper, dialect) {
			return attemptResult{kind: outcomeRotate, err: fmt.Errorf("unparseable upstream response")}
		}
		return attemptResult{kind: outcomeForwarded}
	}

	errBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	d.rl.CleanupExpired()

	return d.classify(acct, resp.StatusCode, resp.Header, errBody, model, w, isStream)
}

// forwardStream relays upstream SSE "data: {...}" frames through mapper,
// flushing each translated chunk immediately. It reports false if nothing
// but heartbeats/empty frames ever arrived, signalling the caller to rotate
// instead of returning an empty response to the client.
func (d *Dispatcher) forwardStream(w http.ResponseWriter, body io.Reader, mapper *translate.StreamMapper) bool {
	flusher, _ := w.(http.Flusher)
	headerWritten := false
	sawContent := false
	usage := &Usage{}

	scanner := NewSSEScanner(body)

	writeHeader := func() {
		if headerWritten {
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		headerWritten = true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			continue
		}
		var frame translate.Frame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			continue
		}
		chunks, err := mapper.Feed(frame)
		if err != nil {
			writeHeader()
			w.Write([]byte(translate.EmitError("ServerError", 500)))
			if flusher != nil {
				flusher.Flush()
			}
			return true
		}
		if len(chunks) > 0 {
			writeHeader()
			sawContent = true
			for _, c := range chunks {
				w.Write([]byte(c))
				trackUsage(usage, c)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}

	if sawContent {
		slog.Debug("dispatch: stream usage", "inputTokens", usage.InputTokens, "outputTokens", usage.OutputTokens, "model", usage.Model)
	}
	return sawContent
}

// trackUsage feeds one already-written SSE chunk's "data:" lines through
// the Anthropic-shaped usage parsers; chunks in other dialects simply
// never match message_start/message_delta and are ignored.
func trackUsage(u *Usage, chunk string) {
	for _, line := range strings.Split(chunk, "\n") {
		payload := strings.TrimPrefix(line, "data:")
		if payload == line {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "" {
			continue
		}
		ParseMessageStart([]byte(payload), u)
		ParseMessageDelta([]byte(payload), u)
	}
}

// forwardSingle buffers the full upstream body (a single JSON frame, or a
// top-level array of frames) and returns one aggregated, dialect-shaped
// JSON document for a non-streaming client request.
func (d *Dispatcher) forwardSingle(w http.ResponseWriter, body io.Reader, mapper *translate.StreamMapper, dialect translate.Dialect) bool {
	raw, err := io.ReadAll(body)
	if err != nil {
		return false
	}
	frames := decodeFrames(raw)
	if len(frames) == 0 {
		return false
	}

	var chunks []string
	for _, f := range frames {
		c, err := mapper.Feed(f)
		if err != nil {
			return false
		}
		chunks = append(chunks, c...)
	}

	payload := aggregateNonStream(dialect, chunks)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
	return true
}

// decodeFrames accepts either a bare JSON object or a top-level JSON array
// of frames, which is how the upstream shapes a buffered (non-chunked)
// generateContent response.
func decodeFrames(raw []byte) []translate.Frame {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		var frames []translate.Frame
		if err := json.Unmarshal([]byte(trimmed), &frames); err == nil {
			return frames
		}
		return nil
	}
	var frame translate.Frame
	if err := json.Unmarshal([]byte(trimmed), &frame); err != nil {
		return nil
	}
	return []translate.Frame{frame}
}

// aggregateNonStream replays the dialect SSE chunks the mapper already
// produced and folds the text deltas into a single non-streaming response
// body shaped for dialect.
func aggregateNonStream(dialect translate.Dialect, chunks []string) []byte {
	var text strings.Builder
	for _, c := range chunks {
		for _, line := range strings.Split(c, "\n") {
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			var evt map[string]interface{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &evt); err != nil {
				continue
			}
			if delta, ok := evt["delta"].(map[string]interface{}); ok {
				if t, ok := delta["text"].(string); ok {
					text.WriteString(t)
				}
			}
		}
	}

	switch dialect {
	case translate.DialectOpenAI:
		out, _ := json.Marshal(map[string]interface{}{
			"id":     "chatcmpl-" + translate.GenerateRequestID(),
			"object": "chat.completion",
			"choices": []interface{}{map[string]interface{}{
				"index":         0,
				"message":       map[string]interface{}{"role": "assistant", "content": text.String()},
				"finish_reason": "stop",
			}},
		})
		return out
	case translate.DialectGemini:
		out, _ := json.Marshal(map[string]interface{}{
			"candidates": []interface{}{map[string]interface{}{
				"content":      map[string]interface{}{"role": "model", "parts": []interface{}{map[string]interface{}{"text": text.String()}}},
				"finishReason": "STOP",
			}},
		})
		return out
	default:
		out, _ := json.Marshal(map[string]interface{}{
			"id":          "msg_" + translate.GenerateRequestID(),
			"type":        "message",
			"role":        "assistant",
			"content":     []interface{}{map[string]interface{}{"type": "text", "text": text.String()}},
			"stop_reason": "end_turn",
		})
		return out
	}
}

// classify implements the retry/rotate/fatal table, mutating rate-limit
// and health state as a side effect.
func (d *Dispatcher) classify(
	acct *pool.Account,
	status int,
	headers http.Header,
	errBody []byte,
	model string,
	w http.ResponseWriter,
	isStream bool,
) attemptResult {
	bodyStr := string(errBody)

	switch {
	case status == 400 && containsAny(bodyStr, []string{"Corrupted thought signature", "thought signature", "signature mismatch"}):
		return attemptResult{kind: outcomeSignatureRetry, backoff: 200 * time.Millisecond}

	case status == 429:
		d.health.RecordError(acct.ID, health.ClassRateLimited)
		normalizedModel := pool.NormalizeToStandardID(model)
		reset := d.rl.ParseFromError(acct.ID, status, headers.Get("Retry-After"), bodyStr, normalizedModel)
		if reset == nil {
			return attemptResult{kind: outcomeRotate, err: fmt.Errorf("model capacity exhausted"), backoff: 5 * time.Second}
		}
		if reset.Reason == ratelimit.ReasonRateLimitExceeded {
			return attemptResult{kind: outcomeGraceRetry, err: fmt.Errorf("rate limited")}
		}
		d.rl.SetModelLockout(acct.ID, normalizedModel, reset.Until, reset.Reason)
		delay := time.Until(reset.Until)
		if delay <= 0 {
			delay = 200 * time.Millisecond
		}
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
		return attemptResult{kind: outcomeRotate, err: fmt.Errorf("upstream 429: %s", reset.Reason), backoff: delay + 200*time.Millisecond}

	case status == 403:
		d.health.RecordError(acct.ID, health.ClassAuth)
		d.rl.SetLockoutUntil(acct.ID, time.Now().Add(time.Hour), ratelimit.ReasonServerError)
		return attemptResult{kind: outcomeRotate, err: fmt.Errorf("upstream 403"), backoff: 200 * time.Millisecond}

	case status == 401:
		d.health.RecordError(acct.ID, health.ClassAuth)
		go func(id string) {
			if _, err := d.tokens.ForceRefresh(context.Background(), id); err != nil {
				slog.Warn("dispatch: forced refresh failed", "accountId", id, "error", err)
			}
		}(acct.ID)
		return attemptResult{kind: outcomeRotate, err: fmt.Errorf("upstream 401"), backoff: 200 * time.Millisecond}

	case status == 404:
		return attemptResult{kind: outcomeRotate, err: fmt.Errorf("upstream 404: model not on tier")}

	case status >= 500 && status < 600:
		d.health.RecordError(acct.ID, health.ClassServerError)
		var backoff time.Duration
		if status == 503 || status == 529 {
			backoff = exponentialBackoff(10*time.Second, 60*time.Second, 1)
		} else {
			backoff = 3 * time.Second
		}
		return attemptResult{kind: outcomeRotate, err: fmt.Errorf("upstream %d", status), backoff: backoff}

	default:
		sanitizedStatus, sanitizedBody := SanitizeError(status, errBody)
		if isStream {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(sanitizedStatus)
			fmt.Fprint(w, SanitizeSSEError(status, errBody))
		} else {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(sanitizedStatus)
			w.Write(sanitizedBody)
		}
		return attemptResult{kind: outcomeFatal}
	}
}

func exponentialBackoff(base, cap time.Duration, attempt int) time.Duration {
	v := base
	for i := 0; i < attempt; i++ {
		v *= 2
	}
	if v > cap {
		v = cap
	}
	return v
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) resolveForcedAccount(value string) string {
	if _, ok := d.pool.Get(value); ok {
		return value
	}
	for _, v := range d.pool.Snapshot() {
		if v.Email == value {
			return v.ID
		}
	}
	return value
}

func (d *Dispatcher) serveWarmup(w http.ResponseWriter, model string) {
	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	for _, event := range translate.WarmupEvents(model) {
		w.Write([]byte(event))
		if flusher != nil {
			flusher.Flush()
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// DispatchWarmup sends a minimal, non-productive generation through the
// same attempt() path a real client request takes, for a single identity
// and model. Used by the warmup scheduler so a keep-alive ping sees exactly
// the translation, transport and health bookkeeping a real request does.
func (d *Dispatcher) DispatchWarmup(ctx context.Context, accountID, model string) error {
	tok, ok := d.pool.Get(accountID)
	if !ok {
		return fmt.Errorf("warmup: unknown account %s", accountID)
	}
	view := tok.Snapshot()

	accessToken, err := d.tokens.EnsureValidToken(ctx, accountID)
	if err != nil {
		return fmt.Errorf("warmup: token unavailable: %w", err)
	}

	acct := &pool.Account{ID: view.ID, Email: view.Email, ProjectID: view.ProjectID}
	body := map[string]interface{}{
		"model":      model,
		"max_tokens": 4,
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "Warmup"},
		},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/v1/messages", nil)
	if err != nil {
		return err
	}

	rec := httptest.NewRecorder()
	out := d.attempt(ctx, rec, req, translate.DialectAnthropic, body, acct, accessToken, view.ProxyURL, "", false, model, false)
	if out.kind != outcomeForwarded {
		if out.err != nil {
			return out.err
		}
		return fmt.Errorf("warmup: attempt did not forward, status %d", rec.Code)
	}
	return nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, vals := range h {
		if len(vals) > 0 {
			out[k] = vals[0]
		}
	}
	return out
}

func readBody(req *http.Request, maxMB int) ([]byte, error) {
	if maxMB <= 0 {
		maxMB = 60
	}
	return io.ReadAll(io.LimitReader(req.Body, int64(maxMB)<<20))
}

func extractStream(body map[string]interface{}, dialect translate.Dialect) bool {
	if dialect == translate.DialectGemini {
		return true
	}
	s, _ := body["stream"].(bool)
	return s
}

func extractSessionID(body map[string]interface{}, dialect translate.Dialect) string {
	switch dialect {
	case translate.DialectAnthropic:
		if metadata, ok := body["metadata"].(map[string]interface{}); ok {
			if uid, ok := metadata["user_id"].(string); ok {
				return uid
			}
		}
	case translate.DialectOpenAI:
		if u, ok := body["user"].(string); ok {
			return u
		}
	}
	return ""
}

func stripThinkingRequest(body map[string]interface{}, dialect translate.Dialect) {
	switch dialect {
	case translate.DialectAnthropic:
		delete(body, "thinking")
	case translate.DialectOpenAI:
		delete(body, "reasoning_effort")
		delete(body, "thinking")
	case translate.DialectGemini:
		if gc, ok := body["generationConfig"].(map[string]interface{}); ok {
			delete(gc, "thinkingConfig")
		}
	}
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"type":"error","error":{"type":"%s","message":"%s"}}`, errType, msg)
}
