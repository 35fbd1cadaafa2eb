package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/relaycore/dispatchcore/internal/store"
)

// HTTPTransportProvider returns per-account HTTP transports (uTLS direct or
// proxied), so the refresh RPC rides the same egress path as the account's
// normal traffic.
type HTTPTransportProvider interface {
	GetHTTPTransport(proxyURL string) http.RoundTripper
}

// TokenManager drives just-in-time OAuth refresh. Concurrent callers for
// the same account are collapsed onto one RPC via an in-process
// singleflight group; a store-backed lock additionally serialises refresh
// across proxy processes sharing a Redis-backed Store.
type TokenManager struct {
	pool       *Pool
	st         store.Store
	repo       store.AccountRepository
	client     *http.Client
	transport  HTTPTransportProvider
	oauthURL   string
	clientID   string
	advance    time.Duration
	sf         singleflight.Group
}

// NewTokenManager constructs a TokenManager. repo may be nil, in which case
// invalid_grant disables are in-memory only for the process lifetime.
func NewTokenManager(p *Pool, st store.Store, repo store.AccountRepository, tp HTTPTransportProvider, oauthURL, clientID string, refreshAdvance time.Duration) *TokenManager {
	if refreshAdvance <= 0 {
		refreshAdvance = 5 * time.Minute
	}
	return &TokenManager{
		pool:      p,
		st:        st,
		repo:      repo,
		client:    &http.Client{Timeout: 30 * time.Second},
		transport: tp,
		oauthURL:  oauthURL,
		clientID:  clientID,
		advance:   refreshAdvance,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// EnsureValidToken returns a usable access token for accountID, refreshing
// it first if it is within the refresh-advance window of expiry.
func (tm *TokenManager) EnsureValidToken(ctx context.Context, accountID string) (string, error) {
	tok, ok := tm.pool.Get(accountID)
	if !ok {
		return "", fmt.Errorf("pool: unknown account %s", accountID)
	}
	if tok.IsDisabled() {
		return "", fmt.Errorf("pool: account %s is disabled", accountID)
	}
	if time.Now().Before(tok.ExpiresAt().Add(-tm.advance)) {
		return tok.Snapshot().AccessToken, nil
	}
	return tm.refresh(ctx, tok)
}

// ForceRefresh triggers an immediate refresh regardless of expiry, used
// after a 401 from upstream.
func (tm *TokenManager) ForceRefresh(ctx context.Context, accountID string) (string, error) {
	tok, ok := tm.pool.Get(accountID)
	if !ok {
		return "", fmt.Errorf("pool: unknown account %s", accountID)
	}
	return tm.refresh(ctx, tok)
}

// refresh collapses concurrent in-process callers via singleflight, then
// additionally acquires a store-backed lock so a second proxy process
// sharing the same Store does not race an independent refresh RPC.
func (tm *TokenManager) refresh(ctx context.Context, tok *ProxyToken) (string, error) {
	v, err, _ := tm.sf.Do(tok.ID(), func() (interface{}, error) {
		return tm.refreshLocked(ctx, tok)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (tm *TokenManager) refreshLocked(ctx context.Context, tok *ProxyToken) (string, error) {
	lockID := uuid.New().String()
	acquired, err := tm.st.AcquireRefreshLock(ctx, tok.ID(), lockID, 60*time.Second)
	if err != nil {
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}
	if !acquired {
		slog.Info("token refresh locked elsewhere, waiting", "accountId", tok.ID())
		time.Sleep(2 * time.Second)
		if time.Now().Before(tok.ExpiresAt()) {
			return tok.Snapshot().AccessToken, nil
		}
		return "", fmt.Errorf("token refresh in progress on another process")
	}
	defer func() {
		if err := tm.st.ReleaseRefreshLock(ctx, tok.ID(), lockID); err != nil {
			slog.Error("release refresh lock failed", "accountId", tok.ID(), "error", err)
		}
	}()

	refreshToken := tok.RefreshToken()
	if refreshToken == "" {
		return "", fmt.Errorf("empty refresh token for account %s", tok.ID())
	}

	slog.Info("refreshing token", "accountId", tok.ID())
	resp, err := tm.callOAuthRefresh(ctx, tok, refreshToken)
	if err != nil {
		if isInvalidGrant(err) {
			tm.disableInvalidGrant(ctx, tok, err)
		}
		return "", fmt.Errorf("oauth refresh: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	tok.SetAccessToken(resp.AccessToken, expiresAt)
	if resp.RefreshToken != "" {
		tok.SetRefreshToken(resp.RefreshToken)
	}
	if tm.repo != nil {
		_ = tm.repo.Save(ctx, store.AccountRecord{
			ID:           tok.ID(),
			Email:        tok.Email(),
			AccessToken:  resp.AccessToken,
			RefreshToken: resp.RefreshToken,
			ExpiresAt:    expiresAt,
		})
	}
	slog.Info("token refreshed", "accountId", tok.ID(), "expiresIn", resp.ExpiresIn)
	return resp.AccessToken, nil
}

func isInvalidGrant(err error) bool {
	return strings.Contains(err.Error(), "invalid_grant")
}

// disableInvalidGrant permanently disables an account whose refresh token
// was rejected, persists the disable through the repository if one is
// configured, and drops it from the pool so subsequent selections skip it.
func (tm *TokenManager) disableInvalidGrant(ctx context.Context, tok *ProxyToken, cause error) {
	reason := "invalid_grant: " + cause.Error()
	tok.MarkDisabled(reason)
	slog.Error("account disabled: invalid_grant", "accountId", tok.ID(), "email", tok.Email())
	if tm.repo != nil {
		now := time.Now()
		_ = tm.repo.Save(ctx, store.AccountRecord{
			ID:             tok.ID(),
			Email:          tok.Email(),
			Disabled:       true,
			DisabledReason: reason,
			DisabledAt:     &now,
		})
	}
	tm.pool.Remove(tok.ID())
}

func (tm *TokenManager) callOAuthRefresh(ctx context.Context, tok *ProxyToken, refreshToken string) (*tokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     tm.clientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.oauthURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "dispatchcore-relay/1.0 (external, cli)")

	client := tm.client
	if tm.transport != nil {
		if rt := tm.transport.GetHTTPTransport(tok.Snapshot().ProxyURL); rt != nil {
			client = &http.Client{Transport: rt, Timeout: 30 * time.Second}
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth returned %d: %s", resp.StatusCode, string(respBody))
	}

	var tokenResp tokenResponse
	if err := json.Unmarshal(respBody, &tokenResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in response")
	}
	return &tokenResp, nil
}
