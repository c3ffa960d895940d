// Package server exposes the admin HTTP endpoints of a sync node.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mevdschee/tqdbsync/admission"
	"github.com/mevdschee/tqdbsync/cache"
	"github.com/mevdschee/tqdbsync/logging"
	"github.com/mevdschee/tqdbsync/metrics"
)

// Pinger reports whether the target database is reachable
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server is the admin HTTP server
type Server struct {
	admission *admission.Manager
	caches    *cache.Registry
	db        Pinger
	router    *chi.Mux
	server    *http.Server
}

// New creates a server. caches and db may be nil.
func New(manager *admission.Manager, caches *cache.Registry, db Pinger) *Server {
	s := &Server{
		admission: manager,
		caches:    caches,
		db:        db,
		router:    chi.NewRouter(),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	s.router.Handle("/metrics", metrics.Handler())
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/pools/{pool}", s.handlePool)
	s.router.Get("/whitelist", s.handleWhitelist)
	s.router.Put("/whitelist/{node}", s.handleWhitelistAdd)
	s.router.Delete("/whitelist/{node}", s.handleWhitelistRemove)
	s.router.Post("/caches/{name}/flush", s.handleFlush)
	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests
func (s *Server) Start(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	log := logging.New("server")
	log.Info().Str("addr", addr).Msg("Admin endpoint listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			log := logging.FromContext(r.Context())
			log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reservationView struct {
	NodeID     string    `json:"node_id"`
	Type       string    `json:"type"`
	CreateTime time.Time `json:"create_time"`
	TTLMs      int64     `json:"ttl_ms,omitempty"`
}

func (s *Server) handlePool(w http.ResponseWriter, r *http.Request) {
	pool := chi.URLParam(r, "pool")
	reservations := s.admission.Reservations(pool)
	views := make([]reservationView, 0, len(reservations))
	for _, res := range reservations {
		v := reservationView{NodeID: res.NodeID, Type: res.Type.String(), CreateTime: res.CreateTime}
		if res.Type == admission.Soft {
			v.TTLMs = res.TimeToLiveMs
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"pool":         pool,
		"count":        len(views),
		"reservations": views,
		"stats":        s.admission.Stats(),
	})
}

func (s *Server) handleWhitelist(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.admission.Whitelist())
}

func (s *Server) handleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	node := chi.URLParam(r, "node")
	s.admission.AddToWhitelist(node)
	log := logging.FromContext(r.Context())
	log.Info().Str("node_id", node).Msg("Added to whitelist")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWhitelistRemove(w http.ResponseWriter, r *http.Request) {
	node := chi.URLParam(r, "node")
	s.admission.RemoveFromWhitelist(node)
	log := logging.FromContext(r.Context())
	log.Info().Str("node_id", node).Msg("Removed from whitelist")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.caches == nil || !s.caches.Flush(name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown cache " + name})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
