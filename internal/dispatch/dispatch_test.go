package dispatch

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/relaycore/dispatchcore/internal/health"
	"github.com/relaycore/dispatchcore/internal/pool"
	"github.com/relaycore/dispatchcore/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher() *Dispatcher {
	p := pool.NewPool()
	rl := ratelimit.NewTracker()
	hm := health.New(5, 5*time.Minute)
	tm := pool.NewTokenManager(p, nil, nil, nil, "", "", 0)
	return &Dispatcher{pool: p, tokens: tm, rl: rl, health: hm}
}

func TestClassify_StatusCodeTable(t *testing.T) {
	acct := &pool.Account{ID: "acct-1", Email: "a@example.com"}

	cases := []struct {
		name       string
		status     int
		body       string
		headers    http.Header
		wantKind   outcome
		wantErr    bool
		checkExtra func(t *testing.T, d *Dispatcher)
	}{
		{
			name:     "signature mismatch retries in place",
			status:   400,
			body:     `{"error":"Corrupted thought signature"}`,
			wantKind: outcomeSignatureRetry,
			wantErr:  false,
		},
		{
			name:     "429 rate limit exceeded grace-retries without lockout",
			status:   429,
			body:     `{"error":"RATE_LIMIT_EXCEEDED"}`,
			wantKind: outcomeGraceRetry,
			wantErr:  true,
		},
		{
			name:     "429 quota exhausted rotates and locks out the model",
			status:   429,
			body:     `{"error":"QUOTA_EXHAUSTED"}`,
			wantKind: outcomeRotate,
			wantErr:  true,
			checkExtra: func(t *testing.T, d *Dispatcher) {
				assert.True(t, d.rl.IsRateLimitedForModel(acct.ID, "claude-3-opus"))
			},
		},
		{
			name:     "429 model capacity exhausted rotates without lockout",
			status:   429,
			body:     `{"error":"MODEL_CAPACITY_EXCEEDED"}`,
			wantKind: outcomeRotate,
			wantErr:  true,
		},
		{
			name:     "403 rotates and locks out the identity for an hour",
			status:   403,
			body:     ``,
			wantKind: outcomeRotate,
			wantErr:  true,
			checkExtra: func(t *testing.T, d *Dispatcher) {
				assert.True(t, d.rl.IsRateLimited(acct.ID))
			},
		},
		{
			name:     "401 rotates and kicks off a forced refresh",
			status:   401,
			body:     ``,
			wantKind: outcomeRotate,
			wantErr:  true,
		},
		{
			name:     "404 rotates, model not on tier",
			status:   404,
			body:     ``,
			wantKind: outcomeRotate,
			wantErr:  true,
		},
		{
			name:     "503 rotates with exponential backoff",
			status:   503,
			body:     ``,
			wantKind: outcomeRotate,
			wantErr:  true,
		},
		{
			name:     "500 rotates with fixed backoff",
			status:   500,
			body:     ``,
			wantKind: outcomeRotate,
			wantErr:  true,
		},
		{
			name:     "400 with no recognizable signature marker is fatal",
			status:   400,
			body:     `{"error":"invalid_request"}`,
			wantKind: outcomeFatal,
			wantErr:  false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := newTestDispatcher()
			w := httptest.NewRecorder()
			headers := tc.headers
			if headers == nil {
				headers = http.Header{}
			}
			out := d.classify(acct, tc.status, headers, []byte(tc.body), "claude-3-opus", w, false)
			assert.Equal(t, tc.wantKind, out.kind)
			if tc.wantErr {
				assert.Error(t, out.err)
			} else {
				assert.NoError(t, out.err)
			}
			if tc.checkExtra != nil {
				tc.checkExtra(t, d)
			}
			// give the 401 case's forced-refresh goroutine a moment to run and
			// return its (expected) "unknown account" error without panicking.
			time.Sleep(10 * time.Millisecond)
		})
	}
}

func TestClassify_FatalWritesSanitizedResponse(t *testing.T) {
	d := newTestDispatcher()
	acct := &pool.Account{ID: "acct-1", Email: "a@example.com"}
	w := httptest.NewRecorder()

	out := d.classify(acct, 400, http.Header{}, []byte(`{"error":{"message":"bad request"}}`), "claude-3-opus", w, false)

	require.Equal(t, outcomeFatal, out.kind)
	assert.NotEqual(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestClassify_FatalStreamWritesSSE(t *testing.T) {
	d := newTestDispatcher()
	acct := &pool.Account{ID: "acct-1", Email: "a@example.com"}
	w := httptest.NewRecorder()

	out := d.classify(acct, 400, http.Header{}, []byte(`{"error":{"message":"bad request"}}`), "claude-3-opus", w, true)

	require.Equal(t, outcomeFatal, out.kind)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}
