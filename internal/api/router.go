package api

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ernie/dayz-tracker/internal/auth"
	"github.com/ernie/dayz-tracker/internal/bus"
	"github.com/ernie/dayz-tracker/internal/collector"
	"github.com/ernie/dayz-tracker/internal/storage"
	"github.com/ernie/dayz-tracker/internal/track"
)

// Router holds the HTTP routes and dependencies
type Router struct {
	mux     *http.ServeMux
	store   *storage.Store
	manager *collector.Manager
	tracks  *track.Store
	events  *bus.Bus
	wsHub   *WebSocketHub
	auth    *auth.Service
	log     zerolog.Logger
}

// NewRouter creates a new HTTP router
func NewRouter(store *storage.Store, manager *collector.Manager, tracks *track.Store, events *bus.Bus, authService *auth.Service, log zerolog.Logger) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		store:   store,
		manager: manager,
		tracks:  tracks,
		events:  events,
		wsHub:   NewWebSocketHub(log),
		auth:    authService,
		log:     log,
	}

	// Auth routes
	r.mux.HandleFunc("POST /api/auth/login", r.handleLogin)
	r.mux.HandleFunc("POST /api/auth/logout", r.handleLogout)
	r.mux.HandleFunc("GET /api/auth/check", r.handleAuthCheck)

	// Player and track routes
	r.mux.HandleFunc("GET /api/players", r.requireAuth(r.handleGetPlayers))
	r.mux.HandleFunc("GET /api/players/{player}/track", r.requireAuth(r.handleGetTrack))

	// Presence target routes
	r.mux.HandleFunc("GET /api/targets", r.requireAuth(r.handleGetTargets))
	r.mux.HandleFunc("POST /api/targets", r.requireAdmin(r.handleAddTarget))
	r.mux.HandleFunc("DELETE /api/targets/{gamertag}", r.requireAdmin(r.handleRemoveTarget))

	// Guild source status. Operational heartbeat data, served without
	// auth like /health so the status CLI needs no credentials.
	r.mux.HandleFunc("GET /api/guilds", r.handleGetGuilds)

	// User management routes (admin only)
	r.mux.HandleFunc("GET /api/users", r.requireAdmin(r.handleListUsers))
	r.mux.HandleFunc("POST /api/users", r.requireAdmin(r.handleCreateUser))
	r.mux.HandleFunc("DELETE /api/users/{username}", r.requireAdmin(r.handleDeleteUser))

	// WebSocket endpoint
	r.mux.HandleFunc("GET /ws", r.handleWebSocket)

	// Health check
	r.mux.HandleFunc("GET /health", r.handleHealth)

	return r
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	// CORS headers for API
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	if req.Method == "OPTIONS" {
		w.WriteHeader(http.StatusOK)
		return
	}

	r.mux.ServeHTTP(w, req)
}

// StartWebSocketHub starts the hub and forwards bus traffic to clients.
// Track, presence, and kill events go out; raw ADM lines stay internal.
func (r *Router) StartWebSocketHub() error {
	go r.wsHub.Run()

	for _, subject := range []string{
		bus.SubjectTrackPoint + ".>",
		bus.SubjectPresenceOnline + ".>",
		bus.SubjectPresenceOffline + ".>",
		bus.SubjectKill + ".>",
	} {
		if _, err := r.events.Subscribe(subject, r.wsHub.BroadcastRaw); err != nil {
			return err
		}
	}
	return nil
}
