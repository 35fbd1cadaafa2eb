// Package upstream sends translated request bodies to the upstream
// code-assistant API: ordered base-URL fallback with per-endpoint health
// tracking, a transport cache keyed by proxy URL (utls direct or proxied), and
// transport-level retry within one endpoint before falling through to the
// next.
package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

// Statuses that mean "try the next endpoint" rather than "return to caller".
var fallthroughStatuses = map[int]bool{
	408: true, 429: true, 404: true,
	500: true, 502: true, 503: true, 504: true, 529: true,
}

type transportEntry struct {
	rt       http.RoundTripper
	lastUsed time.Time
}

// UpstreamClient owns the endpoint registry and the transport cache, keyed
// by proxy URL; it is a process-wide singleton constructed at boot.
type UpstreamClient struct {
	registry            *EndpointRegistry
	maxTransportRetries int
	retryDelay          time.Duration
	requestTimeout      time.Duration
	proxyPool           *ProxyPool

	mu      sync.Mutex
	clients map[string]*transportEntry
}

func NewUpstreamClient(bases []string, maxTransportRetries int, retryDelay, requestTimeout time.Duration) *UpstreamClient {
	if maxTransportRetries <= 0 {
		maxTransportRetries = 2
	}
	if retryDelay <= 0 {
		retryDelay = 200 * time.Millisecond
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}
	return &UpstreamClient{
		registry:            NewEndpointRegistry(bases),
		maxTransportRetries: maxTransportRetries,
		retryDelay:          retryDelay,
		requestTimeout:      requestTimeout,
		clients:             make(map[string]*transportEntry),
	}
}

// SetProxyPool attaches the rotating egress pool consulted for any request
// whose account has no fixed per-account proxy of its own. Optional: a
// client with no pool attached just never rotates.
func (c *UpstreamClient) SetProxyPool(p *ProxyPool) {
	c.proxyPool = p
}

// GetHTTPTransport satisfies pool.HTTPTransportProvider: returns a
// RoundTripper for the given proxy URL (empty string = direct uTLS).
func (c *UpstreamClient) GetHTTPTransport(proxyURL string) http.RoundTripper {
	key := proxyURL
	if key == "" {
		key = "direct"
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.clients[key]; ok {
		e.lastUsed = time.Now()
		return e.rt
	}

	rt := buildRoundTripper(proxyURL)
	c.clients[key] = &transportEntry{rt: rt, lastUsed: time.Now()}
	return rt
}

func buildRoundTripper(proxyURL string) http.RoundTripper {
	if proxyURL == "" {
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr)
			},
		}
	}
	pcfg, err := parseProxyURL(proxyURL)
	if err != nil || pcfg == nil {
		return &http2.Transport{
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return dialUTLS(ctx, network, addr)
			},
		}
	}
	return &http.Transport{
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     5 * time.Minute,
		DialTLSContext:      proxyDialer(pcfg),
	}
}

// RunCleanup periodically drops transports unused for idleTimeout. Blocks
// until ctx is canceled.
func (c *UpstreamClient) RunCleanup(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cleanup(idleTimeout)
		}
	}
}

func (c *UpstreamClient) cleanup(idleTimeout time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := time.Now().Add(-idleTimeout)
	for key, e := range c.clients {
		if e.lastUsed.Before(cutoff) {
			if t, ok := e.rt.(interface{ CloseIdleConnections() }); ok {
				t.CloseIdleConnections()
			}
			delete(c.clients, key)
		}
	}
}

func (c *UpstreamClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.clients {
		if t, ok := e.rt.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
		delete(c.clients, key)
	}
}

// SendParams parameterises one Send call.
type SendParams struct {
	Method       string // "generateContent" or "streamGenerateContent"
	Query        string // optional query string, without leading "?"
	AccessToken  string
	ProxyURL     string // fixed per-account proxy, takes precedence over the pool
	AccountEmail string // used for ProxyPool's per-account rotation strategy
	Body         []byte
	Headers      map[string]string
	UserAgent    string
}

// Result carries the winning response plus which base URL served it, so
// callers can report success/failure back to the caller's own tracking if
// the registry alone isn't enough context.
type Result struct {
	Response *http.Response
	Base     string
}

// Send walks the endpoint registry's candidate list in order. Within one
// endpoint, transport (connection/TLS/DNS/timeout) failures are retried up
// to maxTransportRetries with a fixed delay before falling through to the
// next endpoint. An HTTP response in fallthroughStatuses also falls through
// after recording the failure; any other response - success or a terminal
// client error - is returned immediately to the caller.
func (c *UpstreamClient) Send(ctx context.Context, p SendParams) (*Result, error) {
	proxyURL := p.ProxyURL
	if proxyURL == "" && c.proxyPool != nil {
		pooled, err := c.proxyPool.SelectProxyURL(p.AccountEmail)
		if err != nil {
			return nil, fmt.Errorf("upstream: proxy pool: %w", err)
		}
		if pooled != "" {
			proxyURL = pooled
			slog.Debug("upstream: routed through proxy pool", "account", p.AccountEmail)
		}
	}

	client := &http.Client{
		Transport: c.GetHTTPTransport(proxyURL),
		Timeout:   c.requestTimeout,
	}

	var lastErr error
	var lastResp *http.Response
	var lastBase string

	for _, base := range c.registry.Candidates() {
		url := base + ":" + p.Method
		if p.Query != "" {
			url += "?" + p.Query
		}

		resp, err := c.sendToEndpoint(ctx, client, url, p)
		if err != nil {
			lastErr = err
			c.registry.RecordFailure(base)
			continue
		}

		if fallthroughStatuses[resp.StatusCode] {
			c.registry.RecordFailure(base)
			if lastResp != nil {
				lastResp.Body.Close()
			}
			lastResp = resp
			lastBase = base
			lastErr = nil
			continue
		}

		c.registry.RecordSuccess(base)
		return &Result{Response: resp, Base: base}, nil
	}

	if lastResp != nil {
		return &Result{Response: lastResp, Base: lastBase}, nil
	}
	return nil, fmt.Errorf("upstream: all endpoints failed: %w", lastErr)
}

func (c *UpstreamClient) sendToEndpoint(ctx context.Context, client *http.Client, url string, p SendParams) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxTransportRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(p.Body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.AccessToken)
		req.Header.Set("Content-Type", "application/json")
		if p.UserAgent != "" {
			req.Header.Set("User-Agent", p.UserAgent)
		}
		for k, v := range p.Headers {
			req.Header.Set(k, v)
		}

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, lastErr
}
