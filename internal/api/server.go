package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/callrate/internal/domain"
)

// Server serves the rating API.
type Server struct {
	router  *chi.Mux
	handler *Handler
	http    *http.Server
}

// NewServer builds the router and the http.Server listening on cfg's
// host and port. Nothing listens until Start.
func NewServer(cfg domain.ServerConfig, deps Deps, version string) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: NewHandler(deps, version),
	}
	s.routes()

	s.http = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.router,
		ReadTimeout:       time.Duration(cfg.ReadTimeout) * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Duration(cfg.WriteTimeout) * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s
}

func (s *Server) routes() {
	h := s.handler
	r := s.router

	r.Use(
		CORSMiddleware,
		RecoverMiddleware,
		TracingMiddleware,
		LoggingMiddleware,
		middleware.RealIP,
		middleware.Compress(5),
	)

	r.Get("/health", h.Health)
	r.Get("/ready", h.Ready)

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware)

		r.Route("/rate", func(r chi.Router) {
			r.Post("/", h.Rate)
			r.Post("/batch", h.RateBatch)
		})
		r.Get("/ratings/{id}", h.GetRating)

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", h.ListRules)
			r.Post("/", h.CreateRule)
			r.Post("/reload", h.ReloadRules)
			r.Get("/{id}", h.GetRule)
		})

		r.Route("/reference", func(r chi.Router) {
			r.Post("/", h.ImportReference)
			r.Post("/reload", h.ReloadReference)
		})
	})
}

// Start listens until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.http.Addr
}

// Router returns the chi router, for tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the request handlers.
func (s *Server) Handler() *Handler {
	return s.handler
}
