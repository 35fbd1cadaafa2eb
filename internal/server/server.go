package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/dispatchcore/internal/auth"
	"github.com/relaycore/dispatchcore/internal/config"
	"github.com/relaycore/dispatchcore/internal/dispatch"
	"github.com/relaycore/dispatchcore/internal/events"
	"github.com/relaycore/dispatchcore/internal/health"
	"github.com/relaycore/dispatchcore/internal/pool"
	"github.com/relaycore/dispatchcore/internal/ratelimit"
	"github.com/relaycore/dispatchcore/internal/store"
	"github.com/relaycore/dispatchcore/internal/translate"
	"github.com/relaycore/dispatchcore/internal/upstream"
	"github.com/relaycore/dispatchcore/internal/warmup"
)

// Server owns the HTTP listener and wires every client-facing endpoint to
// the dispatch core.
type Server struct {
	cfg        *config.Config
	store      store.Store
	pool       *pool.Pool
	authMw     *auth.Middleware
	dispatcher *dispatch.Dispatcher
	health     *health.Monitor
	rl         *ratelimit.Tracker
	upstream   *upstream.UpstreamClient
	warmup     *warmup.Scheduler
	bus        *events.Bus
	logHandler *events.LogHandler
	httpServer *http.Server
	version    string
	startTime  time.Time
}

// New wires every collaborator the dispatch core needs and builds the HTTP
// mux. p is expected to already be loaded (see cmd/relay/main.go).
func New(
	cfg *config.Config,
	s store.Store,
	p *pool.Pool,
	d *dispatch.Dispatcher,
	hm *health.Monitor,
	rl *ratelimit.Tracker,
	up *upstream.UpstreamClient,
	ws *warmup.Scheduler,
	bus *events.Bus,
	lh *events.LogHandler,
	version string,
) *Server {
	srv := &Server{
		cfg:        cfg,
		store:      s,
		pool:       p,
		authMw:     auth.NewMiddleware(cfg.StaticToken, cfg.AuthMode),
		dispatcher: d,
		health:     hm,
		rl:         rl,
		upstream:   up,
		warmup:     ws,
		bus:        bus,
		logHandler: lh,
		version:    version,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate

	// OpenAI dialect
	mux.Handle("POST /v1/chat/completions", authed(s.openAIHandler()))
	mux.Handle("POST /v1/completions", authed(s.openAIHandler()))
	mux.Handle("POST /v1/responses", authed(s.openAIHandler()))
	mux.Handle("GET /v1/models", authed(http.HandlerFunc(s.handleOpenAIModels)))
	mux.Handle("POST /v1/images/generations", authed(s.openAIHandler()))

	// Anthropic dialect
	mux.Handle("POST /v1/messages", authed(s.anthropicHandler()))
	mux.Handle("POST /v1/messages/count_tokens", authed(http.HandlerFunc(s.dispatcher.HandleCountTokens)))

	// Gemini dialect
	mux.Handle("GET /v1beta/models", authed(http.HandlerFunc(s.handleGeminiModelList)))
	mux.Handle("GET /v1beta/models/{model}", authed(http.HandlerFunc(s.handleGeminiModelMeta)))
	mux.Handle("POST /v1beta/models/{model}:generateContent", authed(s.geminiHandler()))
	mux.Handle("POST /v1beta/models/{model}:streamGenerateContent", authed(s.geminiHandler()))

	// Internal / admin
	mux.Handle("POST /internal/warmup", authed(http.HandlerFunc(s.handleTriggerWarmup)))
	mux.Handle("GET /admin/health", authed(http.HandlerFunc(s.handleAdminHealth)))
	mux.Handle("GET /admin/events", authed(http.HandlerFunc(s.handleEvents)))

	// Health check — exempt from auth in all_except_health mode, and in auto
	// mode only while no token is configured (see auth.go).
	healthHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.store.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, `{"status":"error","store":"%s"}`, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("GET /health", authed(healthHandler))
	mux.Handle("GET /healthz", authed(healthHandler))
}

func (s *Server) openAIHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dispatcher.Handle(w, r, translate.DialectOpenAI)
	})
}

func (s *Server) anthropicHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dispatcher.Handle(w, r, translate.DialectAnthropic)
	})
}

func (s *Server) geminiHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.dispatcher.Handle(w, r, translate.DialectGemini)
	})
}

// Run starts the server and every background task, blocking until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.rl.CleanupExpired()
	go s.runRateLimitCleanup(ctx)
	go s.upstream.RunCleanup(ctx, time.Minute, s.cfg.EndpointIdleTimeout)
	go s.health.RunRecovery(ctx, s.cfg.HealthRecoveryCheckInterval)
	if s.cfg.WarmupEnabled && s.warmup != nil {
		go func() {
			if err := s.warmup.Run(ctx); err != nil {
				slog.Error("warmup scheduler stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) runRateLimitCleanup(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rl.CleanupExpired()
		}
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
