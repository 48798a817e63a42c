// Package api exposes the operator-facing REST surface and the websocket
// upgrade endpoints.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nocsys/conductor/internal/dispatch"
	"github.com/nocsys/conductor/internal/events"
	"github.com/nocsys/conductor/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 30 * time.Second

	apiKeyHeader = "X-Api-Key"
)

type Config struct {
	Logger     *slog.Logger
	ListenAddr string

	// APIKey is the shared secret required on the device/command surface.
	// Empty disables authentication; meant for local development only.
	APIKey string

	// AllowedOrigins configures CORS for the operator UI.
	AllowedOrigins []string

	Store       store.Store
	Router      *dispatch.Router
	DeviceHub   http.Handler
	OperatorHub http.Handler
	Publisher   events.Publisher
	Clock       clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.ListenAddr == "" {
		return errors.New("listen address is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Router == nil {
		return errors.New("dispatch router is required")
	}
	if c.DeviceHub == nil {
		return errors.New("device hub is required")
	}
	if c.OperatorHub == nil {
		return errors.New("operator hub is required")
	}
	if c.Publisher == nil {
		return errors.New("publisher is required")
	}
	if c.Clock == nil {
		return errors.New("clock is required")
	}
	return nil
}

type Server struct {
	log        *slog.Logger
	listenAddr string
	apiKey     string

	store       store.Store
	router      *dispatch.Router
	deviceHub   http.Handler
	operatorHub http.Handler
	publisher   events.Publisher
	clock       clockwork.Clock

	handler http.Handler
}

func NewServer(cfg *Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("api: error validating config: %w", err)
	}
	s := &Server{
		log:         cfg.Logger,
		listenAddr:  cfg.ListenAddr,
		apiKey:      cfg.APIKey,
		store:       cfg.Store,
		router:      cfg.Router,
		deviceHub:   cfg.DeviceHub,
		operatorHub: cfg.OperatorHub,
		publisher:   cfg.Publisher,
		clock:       cfg.Clock,
	}
	s.handler = s.routes(cfg.AllowedOrigins)
	return s, nil
}

// Handler returns the fully assembled route tree.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)
	r.Use(requestMetrics)
	if len(allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Content-Type", apiKeyHeader, "If-Match", "If-None-Match"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws/operators", s.operatorHub.ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(s.apiKeyAuth)

		r.Get("/ws/devices", s.deviceHub.ServeHTTP)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/", s.handleCreateDevice)

			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.handleGetDevice)
				r.Patch("/", s.handleUpdateDevice)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Post("/commands", s.handleSubmitCommand)
				r.Get("/commands/{commandID}", s.handleGetCommand)
			})
		})
	})

	return r
}

// apiKeyAuth rejects requests whose shared secret header does not match.
func (s *Server) apiKeyAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey != "" {
			got := r.Header.Get(apiKeyHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.apiKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "missing or invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
		)
	})
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api: server listening", "addr", s.listenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.log.Info("api: server stopped")
	return nil
}
