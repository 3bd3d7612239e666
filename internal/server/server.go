// Package server implements the HTTP server for the DataUp gateway.
// It handles request routing, lifecycle management, and provides
// health check endpoints.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dataup/cvat-gateway/internal/analytics"
	"github.com/dataup/cvat-gateway/internal/apikeys"
	"github.com/dataup/cvat-gateway/internal/auth"
	"github.com/dataup/cvat-gateway/internal/config"
	"github.com/dataup/cvat-gateway/internal/dataup"
	"github.com/dataup/cvat-gateway/internal/logging"
	"github.com/dataup/cvat-gateway/internal/media"
	"github.com/dataup/cvat-gateway/internal/middleware"
	"github.com/dataup/cvat-gateway/internal/tempaccess"
)

// Version is the application version, following semantic versioning.
const Version = "0.1.0"

// readyTimeout bounds a single readiness check.
const readyTimeout = 2 * time.Second

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Options carries the handlers the server mounts. Analytics and Presign
// are optional.
type Options struct {
	Config   *config.Config
	Logger   *zap.Logger
	Verifier *auth.Verifier

	APIKeys    *apikeys.Handler
	DataUp     *dataup.Handler
	TempAccess *tempaccess.Handler
	Analytics  *analytics.Handler
	Presign    *media.PresignHandler

	// Checks run on /ready, keyed by dependency name.
	Checks map[string]Check
}

// Server represents the HTTP server of the gateway.
// It encapsulates the underlying http.Server along with application configuration.
type Server struct {
	server *http.Server
	config *config.Config
	logger *zap.Logger
	checks map[string]Check
	start  time.Time
}

// HealthResponse is the response body for the health check endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Uptime    float64   `json:"uptime_seconds"`
}

// ReadyResponse lists the failing readiness checks.
type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// New builds the server and registers every route. The server is not
// started until Start is called.
func New(opts Options) (*Server, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Verifier == nil {
		return nil, errors.New("token verifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config: cfg,
		logger: logger,
		checks: opts.Checks,
		start:  time.Now(),
	}

	engine := s.routes(opts)

	skip := []string{"/health", "/ready", "/live"}
	if cfg.EnableMetrics {
		skip = append(skip, s.metricsPath())
	}
	mws := []middleware.Middleware{
		middleware.NewRequestID(),
		middleware.NewInstrumentation(middleware.InstrumentationConfig{
			SkipPaths:     skip,
			SlowThreshold: cfg.RequestTimeout / 2,
			RedactPath:    tempaccess.RedactPath,
		}, logger),
		cors.Handler(cors.Options{
			AllowedOrigins: cfg.CORSAllowedOrigins,
			AllowedMethods: cfg.CORSAllowedMethods,
			AllowedHeaders: cfg.CORSAllowedHeaders,
			ExposedHeaders: []string{middleware.HeaderRequestID, middleware.HeaderCorrelationID, "Content-Disposition"},
			MaxAge:         int(cfg.CORSMaxAge / time.Second),
		}),
	}
	if cfg.IPRateLimit > 0 {
		mws = append(mws, httprate.Limit(cfg.IPRateLimit, time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"Too many requests"}`))
			}),
		))
	}

	s.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           middleware.Chain(engine, mws...),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout,
		IdleTimeout:       cfg.RequestTimeout * 2,
	}
	return s, nil
}

func (s *Server) routes(opts Options) *gin.Engine {
	switch s.config.APIEnv {
	case "production":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}
	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logging.WithContext(c.Request.Context(), s.logger).Error("panic while serving request",
			zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
	}))
	if s.config.MaxRequestSize > 0 {
		r.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxRequestSize)
			c.Next()
		})
	}

	r.GET("/health", s.handleHealth)
	r.GET("/ready", s.handleReady)
	r.GET("/live", s.handleLive)
	if s.config.EnableMetrics {
		r.GET(s.metricsPath(), gin.WrapH(promhttp.Handler()))
	}

	api := r.Group("/api")
	authed := api.Group("", auth.RequireAuth(opts.Verifier))

	if opts.APIKeys != nil {
		opts.APIKeys.RegisterRoutes(authed.Group("/dataup/api-keys"))
	}
	if opts.DataUp != nil {
		opts.DataUp.RegisterRoutes(authed.Group("/dataup"))
		opts.DataUp.RegisterHealthRoutes(api.Group("/dataup"))
	}
	if opts.TempAccess != nil {
		opts.TempAccess.RegisterRoutes(r)
	}
	if opts.Analytics != nil {
		opts.Analytics.RegisterRoutes(authed.Group("/analytics"))
	}
	if opts.Presign != nil {
		opts.Presign.RegisterRoutes(authed)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})
	return r
}

func (s *Server) metricsPath() string {
	if s.config.MetricsPath == "" {
		return "/metrics"
	}
	return s.config.MetricsPath
}

// Handler returns the root handler including the outer middleware.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start listens on the configured address. It blocks until the server is
// shut down and returns nil after a graceful Shutdown.
func (s *Server) Start() error {
	s.logger.Info("server starting", zap.String("addr", s.config.ListenAddr), zap.String("version", Version))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server without interrupting
// active connections. The context should carry a timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   Version,
		Uptime:    time.Since(s.start).Seconds(),
	})
}

// handleReady runs every readiness check and fails when any of them fails.
func (s *Server) handleReady(c *gin.Context) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := map[string]string{}
	for _, name := range names {
		ctx, cancel := context.WithTimeout(c.Request.Context(), readyTimeout)
		err := s.checks[name](ctx)
		cancel()
		if err != nil {
			failed[name] = err.Error()
			s.logger.Warn("readiness check failed", zap.String("check", name), zap.Error(err))
		}
	}
	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, ReadyResponse{Status: "unavailable", Checks: failed})
		return
	}
	c.JSON(http.StatusOK, ReadyResponse{Status: "ready"})
}

func (s *Server) handleLive(c *gin.Context) {
	c.String(http.StatusOK, "alive")
}
