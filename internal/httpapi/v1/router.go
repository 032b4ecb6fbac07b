// Package v1 wires the HTTP surface of the ledger engine. Handlers stay
// thin, delegating the write and read use cases to the balance service.
package v1

import (
	"log/slog"
	"math/rand"
	"net/http"
	"time"

	chi "github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/killertux/aledger/internal/service/balance"
)

// Server wires handlers and middleware using Chi.
type Server struct {
	svc    *balance.Service
	log    *slog.Logger
	newRNG func() *rand.Rand
	rt     *chi.Mux
}

// New constructs the HTTP server with routes and middleware.
func New(svc *balance.Service, logger *slog.Logger) *Server {
	return NewWithRNG(svc, logger, func() *rand.Rand {
		return rand.New(rand.NewSource(time.Now().UnixNano()))
	})
}

// NewWithRNG injects the per-request jitter source, for tests.
func NewWithRNG(svc *balance.Service, logger *slog.Logger, newRNG func() *rand.Rand) *Server {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(requestLogger(logger))
	r.Use(recoverer(logger))
	r.Use(metricsMiddleware)

	s := &Server{svc: svc, log: logger, newRNG: newRNG, rt: r}
	s.routes()
	return s
}

// Handler exposes the configured http.Handler.
func (s *Server) Handler() http.Handler { return s.rt }

// routes declares the public HTTP API endpoints. Paths are fixed for wire
// compatibility.
func (s *Server) routes() {
	s.rt.Route("/api/v1", func(r chi.Router) {
		r.Post("/balance", s.pushEntries)
		r.Delete("/balance", s.deleteEntries)
		r.Get("/balance/{account_id}", s.getBalance)
		r.Get("/balance/{account_id}/entry", s.getEntries)
		r.Get("/balance/{account_id}/entry/{entry_id}", s.getEntry)
	})
	s.rt.Get("/", s.root)
	s.rt.Get("/healthz", s.healthz)
	s.rt.Method(http.MethodGet, "/metrics", metricsHandler())
}
