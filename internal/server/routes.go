package server

import (
	"context"
	"os"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/gatewarden/gatewarden/internal/appid"
	"github.com/gatewarden/gatewarden/internal/observability"
	"github.com/gatewarden/gatewarden/internal/server/handlers"
	servermw "github.com/gatewarden/gatewarden/internal/server/middleware"
)

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	// Standard health endpoints per Workhorse §9
	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)

	// Version endpoint
	s.router.Get("/version", handlers.VersionHandler)

	// Metrics endpoint (in server package to access HandleError)
	s.router.Get("/metrics", MetricsHandler)

	// Decision API for sidecar/ext-authz deployments. Deliberately outside
	// the inline admission group: the caller enforces the decision, so the
	// decision endpoint itself must not consume budget.
	if s.opts.Engine != nil {
		check := &handlers.CheckHandler{Engine: s.opts.Engine}
		s.router.Post("/v1/check", check.ServeHTTP)
	}

	// Inline-protected surface: everything in this group passes the DoS
	// gate and the policy engine before its handler runs.
	s.router.Group(func(r chi.Router) {
		if s.opts.Engine != nil {
			r.Use(servermw.Admission(s.opts.Engine, s.opts.Detector, s.opts.Policy))
		}

		policyHandler := &handlers.PolicyHandler{Policy: s.opts.Policy}
		r.Get("/v1/policy", policyHandler.ServeHTTP)
	})

	// Admin signal endpoint (optional, requires admin token)
	s.registerAdminEndpoint()
}

// registerAdminEndpoint optionally registers the admin signal endpoint
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger

	adminToken := s.opts.AdminToken
	if adminToken == "" {
		// Fall back to the identity-prefixed environment variable.
		ctx := context.Background()
		identity, _ := appid.Get(ctx)
		envPrefix := "WORKHORSE_"
		if identity != nil && identity.EnvPrefix != "" {
			envPrefix = identity.EnvPrefix
		}
		adminToken = os.Getenv(envPrefix + "ADMIN_TOKEN")

		if adminToken == "" {
			if logger != nil {
				logger.Debug("Admin signal endpoint disabled (no " + envPrefix + "ADMIN_TOKEN set)")
			}
			return
		}
	}

	// Create HTTP signal handler with bearer token auth and rate limiting
	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: adminToken,
		RateLimit: 10,  // 10 requests per minute
		RateBurst: 5,   // burst size
		Manager:   nil, // use default global manager
	})

	// Register admin endpoint
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
