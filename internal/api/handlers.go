package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ernie/dayz-tracker/internal/auth"
)

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// queryInt parses an integer query parameter, returning def when absent
// or malformed.
func queryInt(req *http.Request, name string, def int) int {
	raw := req.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

// handleGetPlayers returns every known player, most recently seen first
func (r *Router) handleGetPlayers(w http.ResponseWriter, req *http.Request) {
	players, err := r.store.ListPlayers(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, players)
}

// handleGetTrack returns a player's movement history. The {player} path
// segment matches the exact gamertag first, then as a prefix.
func (r *Router) handleGetTrack(w http.ResponseWriter, req *http.Request) {
	query := req.PathValue("player")
	windowHours := queryInt(req, "window_hours", 0)
	maxPoints := queryInt(req, "max_points", 0)

	track, err := r.tracks.Query(req.Context(), query, windowHours, maxPoints)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if track == nil {
		writeError(w, http.StatusNotFound, "player not found")
		return
	}
	writeJSON(w, http.StatusOK, track)
}

// handleGetTargets lists presence registrations; guild_id=0 means all
func (r *Router) handleGetTargets(w http.ResponseWriter, req *http.Request) {
	guildID := int64(queryInt(req, "guild_id", 0))
	targets, err := r.manager.Targets(req.Context(), guildID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

// TargetRequest is the request body for registering a presence target
type TargetRequest struct {
	GuildID  int64  `json:"guild_id"`
	Gamertag string `json:"gamertag"`
}

// handleAddTarget registers a presence target
func (r *Router) handleAddTarget(w http.ResponseWriter, req *http.Request) {
	var body TargetRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.GuildID == 0 || body.Gamertag == "" {
		writeError(w, http.StatusBadRequest, "guild_id and gamertag are required")
		return
	}

	if err := r.manager.Track(req.Context(), body.GuildID, body.Gamertag); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "tracked"})
}

// handleRemoveTarget removes a presence target
func (r *Router) handleRemoveTarget(w http.ResponseWriter, req *http.Request) {
	gamertag := req.PathValue("gamertag")
	guildID := int64(queryInt(req, "guild_id", 0))
	if guildID == 0 {
		writeError(w, http.StatusBadRequest, "guild_id is required")
		return
	}

	removed, err := r.manager.Untrack(req.Context(), guildID, gamertag)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "target not tracked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "untracked"})
}

// handleGetGuilds reports every poll loop's heartbeat state
func (r *Router) handleGetGuilds(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.manager.Statuses())
}

// UserResponse omits the password hash
type UserResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// handleListUsers returns all API accounts
func (r *Router) handleListUsers(w http.ResponseWriter, req *http.Request) {
	users, err := r.store.ListUsers(req.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]UserResponse, 0, len(users))
	for _, u := range users {
		out = append(out, UserResponse{ID: u.ID, Username: u.Username, IsAdmin: u.IsAdmin})
	}
	writeJSON(w, http.StatusOK, out)
}

// CreateUserRequest is the request body for creating an API account
type CreateUserRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	IsAdmin  bool   `json:"is_admin"`
}

// handleCreateUser creates an API account
func (r *Router) handleCreateUser(w http.ResponseWriter, req *http.Request) {
	var body CreateUserRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.Username == "" {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	if len(body.Password) < 8 {
		writeError(w, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}
	if err := r.store.CreateUser(req.Context(), body.Username, hash, body.IsAdmin); err != nil {
		writeError(w, http.StatusConflict, "user already exists")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"status": "created"})
}

// handleDeleteUser removes an API account
func (r *Router) handleDeleteUser(w http.ResponseWriter, req *http.Request) {
	removed, err := r.store.DeleteUser(req.Context(), req.PathValue("username"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !removed {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleHealth is the liveness check
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
