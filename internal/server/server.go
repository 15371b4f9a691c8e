// Package server exposes the quota engine over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/aiquota/internal/auth"
	"github.com/rcourtman/aiquota/internal/billing"
	"github.com/rcourtman/aiquota/internal/catalog"
	"github.com/rcourtman/aiquota/internal/config"
	"github.com/rcourtman/aiquota/internal/gate"
	"github.com/rcourtman/aiquota/internal/lifecycle"
	"github.com/rcourtman/aiquota/internal/realtime"
	"github.com/rcourtman/aiquota/internal/store"
	"github.com/rcourtman/aiquota/internal/usage"
)

const shutdownTimeout = 10 * time.Second

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config    *config.Config
	Accounts  store.Accounts
	Usage     store.UsageLog
	Events    store.EventLog
	Gate      *gate.Service
	Recorder  *usage.Recorder
	Lifecycle *lifecycle.Service
	Catalog   *catalog.Manager
	Billing   *billing.Client
	Hub       *realtime.Hub
	Sweeper   *lifecycle.Sweeper // nil disables POST /api/admin/sweep
	Version   string
}

// Server routes requests to the engine.
type Server struct {
	deps    *Deps
	limiter *RateLimiter
	stream  *realtime.StreamHandler
	handler http.Handler
}

// New builds the handler tree.
func New(deps *Deps) *Server {
	s := &Server{
		deps:    deps,
		limiter: NewRateLimiter(deps.Config.RateLimit),
		stream:  realtime.NewStreamHandler(deps.Hub, originChecker(deps.Config.AllowedOrigins)),
	}
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.handler = requestLogger(mux)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	verifier := auth.NewVerifier(s.deps.Config.AdminKeyHash, s.deps.Config.AdminKey)
	protected := func(h http.HandlerFunc) http.Handler {
		return s.limiter.Middleware(adminKeyMiddleware(verifier, h))
	}

	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": s.deps.Version})
	})

	metricsHandler := promhttp.Handler()
	if s.deps.Config.PublicMetrics {
		mux.Handle("GET /metrics", metricsHandler)
	} else {
		mux.Handle("GET /metrics", adminKeyMiddleware(verifier, metricsHandler))
	}

	// Stripe webhook (signature-authenticated)
	webhook := billing.NewWebhookHandler(s.deps.Config.StripeWebhookSecret, s.deps.Events, s.deps.Accounts, s.deps.Lifecycle)
	mux.Handle("POST /api/stripe/webhook", s.limiter.Middleware(webhook))

	mux.Handle("GET /api/plans", s.limiter.Middleware(http.HandlerFunc(s.handlePlans)))

	// Account API (key-authenticated; called by the product backend)
	mux.Handle("GET /api/accounts/{account_id}", protected(s.handleGetAccount))
	mux.Handle("POST /api/accounts/{account_id}/provision", protected(s.handleProvision))
	mux.Handle("GET /api/accounts/{account_id}/check", protected(s.handleCheck))
	mux.Handle("POST /api/accounts/{account_id}/usage", protected(s.handleRecordUsage))
	mux.Handle("GET /api/accounts/{account_id}/usage", protected(s.handleAccountUsage))
	mux.Handle("GET /api/accounts/{account_id}/stream", protected(s.handleStream))
	mux.Handle("POST /api/accounts/{account_id}/cancel", protected(s.handleCancel))
	mux.Handle("POST /api/accounts/{account_id}/reactivate", protected(s.handleReactivate))
	mux.Handle("POST /api/accounts/{account_id}/checkout", protected(s.handleCheckout))
	mux.Handle("POST /api/accounts/{account_id}/portal", protected(s.handlePortal))

	// Admin API
	mux.Handle("GET /api/admin/catalog", protected(s.handleGetCatalog))
	mux.Handle("PUT /api/admin/trial-config", protected(s.handleUpdateTrialConfig))
	mux.Handle("PUT /api/admin/plans/{plan_id}", protected(s.handleUpdatePlan))
	mux.Handle("POST /api/admin/accounts/{account_id}/force-access", protected(s.handleForceAccess))
	mux.Handle("POST /api/admin/accounts/{account_id}/reset-quota", protected(s.handleResetQuota))
	mux.Handle("POST /api/admin/accounts/{account_id}/pause", protected(s.handlePause))
	mux.Handle("POST /api/admin/accounts/{account_id}/resume", protected(s.handleResume))
	mux.Handle("POST /api/admin/accounts/{account_id}/start-trial", protected(s.handleStartTrial))
	mux.Handle("POST /api/admin/accounts/{account_id}/plan", protected(s.handleChangePlan))
	mux.Handle("GET /api/admin/usage", protected(s.handleAdminUsage))
	mux.Handle("POST /api/admin/usage/flush", protected(s.handleFlushPending))
	mux.Handle("POST /api/admin/sweep", protected(s.handleSweep))
}

// originChecker allows same-host WebSocket requests plus any listed origin.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return slices.ContainsFunc(allowed, func(a string) bool {
			return strings.EqualFold(strings.TrimRight(a, "/"), origin)
		})
	}
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.limiter.Cleanup()
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("AI quota service listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
