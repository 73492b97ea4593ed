package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"riptide/internal/config"
	"riptide/internal/core"
	"riptide/internal/utils"
)

type Server struct {
	config     *config.Config
	manager    *core.Manager
	logger     *utils.Logger
	httpServer *http.Server
	apiHandler *APIHandler
	wsHandler  *WSHandler
}

func NewServer(cfg *config.Config, manager *core.Manager, logger *utils.Logger) *Server {
	// One bearer token per process; clients obtain it through /login.
	token := uuid.NewString()
	return &Server{
		config:     cfg,
		manager:    manager,
		logger:     logger,
		apiHandler: NewAPIHandler(manager, logger, cfg, token),
		wsHandler:  NewWSHandler(manager, logger),
	}
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.App.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		// No write timeout: file streams and websocket sessions are
		// long-lived by design of the API.
	}

	s.logger.Info("Starting server on port", s.config.App.Port)
	return s.httpServer.ListenAndServe()
}

// Router wires every API route; split from Start so tests can mount it
// on httptest servers.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()

	// API routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Auth
	api.HandleFunc("/login", s.apiHandler.Login).Methods("POST")

	// Protected routes
	protected := api.PathPrefix("").Subrouter()
	protected.Use(s.authMiddleware)

	protected.HandleFunc("/torrents", s.apiHandler.ListTorrents).Methods("GET")
	protected.HandleFunc("/torrents", s.apiHandler.AddTorrent).Methods("POST")
	protected.HandleFunc("/torrents/{hash}", s.apiHandler.GetTorrent).Methods("GET")
	protected.HandleFunc("/torrents/{hash}", s.apiHandler.DeleteTorrent).Methods("DELETE")
	protected.HandleFunc("/torrents/{hash}/pause", s.apiHandler.PauseTorrent).Methods("POST")
	protected.HandleFunc("/torrents/{hash}/resume", s.apiHandler.ResumeTorrent).Methods("POST")
	protected.HandleFunc("/torrents/{hash}/files", s.apiHandler.GetFiles).Methods("GET")
	protected.HandleFunc("/torrents/{hash}/files/{index}", s.apiHandler.StreamFile).Methods("GET")
	protected.HandleFunc("/torrents/{hash}/archive", s.apiHandler.DownloadArchive).Methods("GET")
	protected.HandleFunc("/status", s.apiHandler.GetSystemStatus).Methods("GET")
	protected.HandleFunc("/ws", s.wsHandler.Serve).Methods("GET")

	return router
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// authMiddleware accepts the bearer token in the Authorization header
// or, for media players and websocket clients that cannot set headers,
// in a token query parameter.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.App.APIPassword == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" || token == r.Header.Get("Authorization") {
			token = r.URL.Query().Get("token")
		}
		if token != s.apiHandler.token {
			respondError(w, http.StatusUnauthorized, "Invalid or missing token")
			return
		}
		next.ServeHTTP(w, r)
	})
}
