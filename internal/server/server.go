// Package server exposes the realtime core over HTTP: the websocket
// endpoint, presence queries and the message/group REST surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/markb/huddle/internal/log"
	"github.com/markb/huddle/internal/observability"
	"github.com/markb/huddle/internal/realtime"
	"github.com/markb/huddle/internal/store"
	"golang.org/x/crypto/acme/autocert"
)

// Store is the persistence the HTTP layer reads and writes directly.
type Store interface {
	LastSeen(ctx context.Context, userID string) (time.Time, error)
	ListMessages(ctx context.Context, roomID string, limit int) ([]*store.Message, error)
	CreateGroup(ctx context.Context, groupID, name string, members []string) (*store.Group, error)
	AddGroupMember(ctx context.Context, groupID, userID string) error
	RemoveGroupMember(ctx context.Context, groupID, userID string) (bool, error)
	FindGroupMembership(ctx context.Context, groupID string) ([]string, error)
	GroupExists(ctx context.Context, groupID string) (bool, error)
}

// Config holds server dependencies.
type Config struct {
	Realtime  *realtime.Service
	Store     Store
	Resolver  realtime.Resolver
	Telemetry *observability.Telemetry

	// AllowedOrigins for CORS; empty allows any origin.
	AllowedOrigins []string
}

type Server struct {
	router   *chi.Mux
	rt       *realtime.Service
	store    Store
	resolver realtime.Resolver
	tel      *observability.Telemetry
	origins  []string

	// HTTP server for graceful shutdown
	httpServer *http.Server

	// HTTPS fields
	httpsServer  *http.Server
	httpRedirect *http.Server
	autocertMgr  *autocert.Manager
}

// New creates a server and registers its routes.
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		rt:       cfg.Realtime,
		store:    cfg.Store,
		resolver: cfg.Resolver,
		tel:      cfg.Telemetry,
		origins:  cfg.AllowedOrigins,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", log.RequestIDHeader},
		ExposedHeaders:   []string{log.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	s.router.Use(log.RequestLogger)
	if s.tel != nil {
		s.router.Use(observability.HTTPMiddleware(s.tel, "huddle/http"))
	}
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.SetHeader("Content-Type", "application/json"))

	s.router.Get("/health", s.handleHealth)

	s.router.Route("/presence/v1", func(r chi.Router) {
		r.Get("/online", s.handleOnline)
		r.Get("/users/{id}", s.handleUserPresence)
	})

	s.router.Route("/realtime/v1", func(r chi.Router) {
		r.Get("/websocket", s.rt.HandleWebSocket)
		r.Get("/stats", s.handleStats)
		r.Get("/logs", s.handleLogs)
	})

	s.router.Route("/rest/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/messages", s.handleCreateMessage)
		r.Get("/rooms/{id}/messages", s.handleListMessages)
		r.Post("/groups", s.handleCreateGroup)
		r.Put("/groups/{id}/members/{user}", s.handleAddMember)
		r.Delete("/groups/{id}/members/{user}", s.handleRemoveMember)
		r.Post("/groups/{id}/sync", s.handleSyncGroup)
	})
}

func (s *Server) Router() *chi.Mux {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// ListenAndServeTLS serves HTTPS on httpsAddr with certificates from
// Let's Encrypt, and HTTP on cfg.HTTPAddr for ACME challenges and
// redirects. It blocks until the HTTPS server stops.
func (s *Server) ListenAndServeTLS(cfg HTTPSConfig, httpsAddr string) error {
	if err := ValidateDomain(cfg.Domain); err != nil {
		return err
	}
	s.autocertMgr = NewAutocertManager(cfg.Domain, cfg.CertDir)

	s.httpRedirect = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.autocertMgr.HTTPHandler(HTTPRedirectHandler(cfg.Domain)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpRedirect.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server: http redirect listener failed", "addr", cfg.HTTPAddr, "error", err.Error())
		}
	}()

	s.httpsServer = &http.Server{
		Addr:              httpsAddr,
		Handler:           s.router,
		TLSConfig:         NewTLSConfig(s.autocertMgr),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpsServer.ListenAndServeTLS("", "")
}

// Shutdown gracefully shuts down the HTTP server(s).
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTPS server: %w", err))
		}
	}
	if s.httpRedirect != nil {
		if err := s.httpRedirect.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP redirect server: %w", err))
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("HTTP server: %w", err))
		}
	}

	return errors.Join(errs...)
}
