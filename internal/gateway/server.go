package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/rs/cors"

	"github.com/mattjoyce/formhook/internal/auth"
	"github.com/mattjoyce/formhook/internal/events"
)

// Server is the webhook HTTP server.
type Server struct {
	config   Config
	recorder Recorder
	sender   Sender
	logger   *slog.Logger
	events   *events.Hub
	server   *http.Server
	router   http.Handler
}

// New creates a server. Zero-valued limits in config fall back to defaults.
func New(config Config, recorder Recorder, sender Sender, logger *slog.Logger) *Server {
	if config.MaxBodySize <= 0 {
		config.MaxBodySize = DefaultMaxBodySize
	}
	if config.RateLimitRequests <= 0 {
		config.RateLimitRequests = DefaultRateLimitRequests
	}
	if config.RateLimitWindow <= 0 {
		config.RateLimitWindow = DefaultRateLimitWindow
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultShutdownTimeout
	}
	if len(config.CORSOrigins) == 0 {
		config.CORSOrigins = []string{"*"}
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:   config,
		recorder: recorder,
		sender:   sender,
		logger:   logger,
		events:   events.NewHub(DefaultEventHistory),
	}
	s.router = s.setupRoutes()
	return s
}

// Events returns the outcome history shown on /debug.
func (s *Server) Events() *events.Hub { return s.events }

// Handler returns the configured router.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then drains for ShutdownTimeout.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.config.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("gateway starting",
		"listen", ln.Addr().String(),
		"webhook", "POST /webhook/:secret",
		"debug_enabled", s.config.DebugToken != "",
		"rate_limit", s.config.RateLimitRequests,
		"rate_window", s.config.RateLimitWindow.String(),
		"environment", s.config.Environment,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("gateway shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("gateway server error: %w", err)
	}
}

func (s *Server) webhookRoute() string {
	return "/webhook/" + s.config.WebhookPath
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-Id", "X-Submission-Id"},
		MaxAge:         600,
	}).Handler)
	r.Use(httprate.Limit(
		s.config.RateLimitRequests,
		s.config.RateLimitWindow,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return clientIP(r), nil
		}),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.logger.Warn("rate limit exceeded", "client_ip", clientIP(r))
			s.respondError(w, http.StatusTooManyRequests, msgTooManyRequests)
		}),
	))

	r.NotFound(s.handleNotFound)
	r.MethodNotAllowed(s.handleNotFound)

	r.Get("/health", s.handleHealth)
	r.Post(s.webhookRoute(), s.handleWebhook)
	if s.config.DebugToken != "" {
		r.With(auth.RequireBearer(s.config.DebugToken, s.denyDebug)).Get("/debug", s.handleDebug)
	}

	return r
}

// loggingMiddleware logs HTTP requests without bodies. The secret webhook
// path is masked.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("http request",
			"method", r.Method,
			"path", s.redactPath(r.URL.Path),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"client_ip", clientIP(r),
		)
	})
}

// recoverer turns a handler panic into a JSON 500.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}
			s.logger.Error("panic in handler",
				"panic", fmt.Sprint(rvr),
				"request_id", middleware.GetReqID(r.Context()),
			)
			s.respondError(w, http.StatusInternalServerError, msgInternal)
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) redactPath(path string) string {
	if path == s.webhookRoute() {
		return "/webhook/:secret"
	}
	return path
}

// clientIP returns the request's remote IP without port. RemoteAddr has
// already been rewritten by middleware.RealIP when proxy headers are present.
func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
