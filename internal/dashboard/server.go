// Package dashboard exposes the operator HTTP surface: manual token
// installs, credential and cache status, and liveness.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/advisorly/marketgate/internal/provider"
	"github.com/advisorly/marketgate/internal/quotes"
)

// Server is the admin HTTP server. It is deliberately thin: operator actions
// and read-only status, no advisor-facing functionality.
type Server struct {
	router      *chi.Mux
	server      *http.Server
	credentials *provider.CredentialManager
	cache       *quotes.Cache
	logger      *logrus.Logger
	port        int
	authToken   string
}

// Config configures the admin server.
type Config struct {
	Port      int
	AuthToken string
}

// NewServer creates the admin server and wires its routes.
func NewServer(cfg Config, credentials *provider.CredentialManager, cache *quotes.Cache,
	logger *logrus.Logger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		credentials: credentials,
		cache:       cache,
		logger:      logger,
		port:        cfg.Port,
		authToken:   cfg.AuthToken,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Post("/api/token", s.handleSetToken)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting admin server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

type setTokenRequest struct {
	Token string `json:"token"`
}

// handleSetToken installs an operator-supplied provider token, replacing
// whatever the exchange flow derived. The quote cache is flushed through the
// rotation hook so stale prices from the old session cannot linger.
func (s *Server) handleSetToken(w http.ResponseWriter, r *http.Request) {
	var req setTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	s.credentials.SetManualToken(token)
	s.logger.Info("Manual provider token installed")

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.credentials.Status()); err != nil {
		s.logger.WithError(err).Error("Failed to encode token response")
	}
}

type statusResponse struct {
	Credential provider.CredentialStatus `json:"credential"`
	CachedKeys int                       `json:"cached_keys"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Credential: s.credentials.Status(),
		CachedKeys: s.cache.Len(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.WithError(err).Error("Failed to encode status")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}
