// Package api exposes the mining engine over a thin JSON HTTP surface.
// Request validation and user identity are expected to be handled upstream;
// the user id arrives in the X-User-Id header.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/txn2/mining-engine/pkg/mining"
	"github.com/txn2/mining-engine/pkg/settings"
)

// userIDHeader carries the authenticated user id injected by the gateway.
const userIDHeader = "X-User-Id"

// Handler provides the mining REST API.
type Handler struct {
	mux      *http.ServeMux
	manager  *mining.Manager
	store    mining.Store
	settings settings.Provider
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSettingsProvider exposes effective settings on the status endpoint.
func WithSettingsProvider(p settings.Provider) HandlerOption {
	return func(h *Handler) { h.settings = p }
}

// NewHandler creates the mining API handler.
func NewHandler(manager *mining.Manager, store mining.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		mux:     http.NewServeMux(),
		manager: manager,
		store:   store,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.registerRoutes()
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// registerRoutes registers all mining API routes.
func (h *Handler) registerRoutes() {
	h.mux.HandleFunc("POST /api/v1/mining/start", h.startSession)
	h.mux.HandleFunc("GET /api/v1/mining/session", h.currentSession)
	h.mux.HandleFunc("POST /api/v1/mining/stop", h.stopSession)
	h.mux.HandleFunc("POST /api/v1/mining/cancel", h.cancelSession)
	h.mux.HandleFunc("GET /api/v1/mining/stats", h.userStats)
	h.mux.HandleFunc("GET /api/v1/admin/mining/sessions", h.listSessions)

	if h.settings != nil {
		h.mux.HandleFunc("GET /api/v1/admin/mining/settings", h.getSettings)
	}
	if store, ok := h.settings.(settings.Store); ok {
		h.mux.HandleFunc("PUT /api/v1/admin/mining/settings", h.updateSettings(store))
		h.mux.HandleFunc("GET /api/v1/admin/mining/settings/history", h.settingsHistory(store))
	}
}

// startRequest is the body for POST /api/v1/mining/start.
type startRequest struct {
	DeviceInfo map[string]any `json:"device_info,omitempty"`
}

// stopRequest is the body for POST /api/v1/mining/stop and /cancel.
type stopRequest struct {
	SessionID string `json:"session_id,omitempty"`

	// ClientEarnings is the client's self-reported figure, checked by the
	// anti-cheat validator. It never affects the credited amount.
	ClientEarnings *float64 `json:"client_earnings,omitempty"`
}

func (h *Handler) startSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req startRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	desc, err := h.manager.StartSession(r.Context(), userID, req.DeviceInfo)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelope{
		Success: true,
		Message: "mining session started",
		Data:    desc,
	})
}

func (h *Handler) currentSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	snap, err := h.manager.GetCurrentSession(r.Context(), userID)
	if err != nil {
		// Polling degrades to "no active session" rather than surfacing
		// internal errors.
		slog.Warn("session poll failed", "user_id", userID, "error", err)
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: nil})
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: nil})
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: snap})
}

func (h *Handler) stopSession(w http.ResponseWriter, r *http.Request) {
	h.completeSession(w, r, mining.MethodUserStopped)
}

func (h *Handler) cancelSession(w http.ResponseWriter, r *http.Request) {
	h.completeSession(w, r, mining.MethodCancelled)
}

func (h *Handler) completeSession(w http.ResponseWriter, r *http.Request, method mining.CompletionMethod) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var req stopRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	var clientEarnings *float64
	if method == mining.MethodUserStopped {
		clientEarnings = req.ClientEarnings
	}

	result, err := h.manager.CompleteSession(r.Context(), userID, req.SessionID, method, clientEarnings)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	msg := "mining session completed"
	if result.AlreadyCompleted {
		msg = "mining session was already completed"
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg, Data: result})
}

func (h *Handler) userStats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	stats, err := h.manager.GetUserStats(r.Context(), userID)
	if err != nil {
		slog.Error("user stats query failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: stats})
}

// listSessions serves the operator view over the session audit trail.
func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	f := mining.Filter{
		UserID: r.URL.Query().Get("user_id"),
		Status: mining.Status(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("suspicious"); v != "" {
		suspicious := v == "true"
		f.Suspicious = &suspicious
	}

	sessions, err := h.store.List(r.Context(), f)
	if err != nil {
		slog.Error("session list query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	total, err := h.store.Count(r.Context(), f)
	if err != nil {
		slog.Error("session count query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: map[string]any{
		"sessions": sessions,
		"total":    total,
	}})
}

// settingsPayload is the wire form of mining settings, using millisecond
// fields to match the session record.
type settingsPayload struct {
	RatePerSecond   float64 `json:"rate_per_second"`
	IntervalMS      int64   `json:"interval_ms"`
	MaxDurationMS   int64   `json:"max_duration_ms"`
	Tolerance       float64 `json:"tolerance"`
	MaintenanceMode bool    `json:"maintenance_mode"`
}

func toPayload(cfg settings.Settings) settingsPayload {
	return settingsPayload{
		RatePerSecond:   cfg.RatePerSecond,
		IntervalMS:      cfg.Interval.Milliseconds(),
		MaxDurationMS:   cfg.MaxDuration.Milliseconds(),
		Tolerance:       cfg.Tolerance,
		MaintenanceMode: cfg.MaintenanceMode,
	}
}

func (p settingsPayload) toSettings() settings.Settings {
	return settings.Settings{
		RatePerSecond:   p.RatePerSecond,
		Interval:        time.Duration(p.IntervalMS) * time.Millisecond,
		MaxDuration:     time.Duration(p.MaxDurationMS) * time.Millisecond,
		Tolerance:       p.Tolerance,
		MaintenanceMode: p.MaintenanceMode,
	}
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.settings.GetMiningSettings(r.Context())
	if err != nil {
		slog.Error("settings read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: toPayload(cfg)})
}

func (h *Handler) updateSettings(store settings.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var p settingsPayload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if p.RatePerSecond <= 0 || p.IntervalMS <= 0 || p.MaxDurationMS <= 0 {
			writeError(w, http.StatusBadRequest, "rate, interval, and max duration must be positive")
			return
		}

		updatedBy := r.Header.Get(userIDHeader)
		if err := store.Update(r.Context(), p.toSettings(), updatedBy); err != nil {
			slog.Error("settings update failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Message: "mining settings updated", Data: p})
	}
}

func (h *Handler) settingsHistory(store settings.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		revisions, err := store.History(r.Context(), queryInt(r, "limit", 20))
		if err != nil {
			slog.Error("settings history query failed", "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		writeJSON(w, http.StatusOK, envelope{Success: true, Data: revisions})
	}
}

// userID extracts the caller identity, rejecting requests without one.
func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		writeError(w, http.StatusBadRequest, "missing user identity")
		return "", false
	}
	return userID, true
}

// writeManagerError maps lifecycle manager errors to HTTP responses.
func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, mining.ErrMaintenanceMode):
		writeError(w, http.StatusServiceUnavailable, "mining is temporarily unavailable for maintenance")
	case errors.Is(err, mining.ErrSessionAlreadyActive):
		writeError(w, http.StatusConflict, "an active mining session already exists")
	case errors.Is(err, mining.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "mining session not found")
	default:
		slog.Error("mining operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// envelope is the standard API response format.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Success: false, Message: msg})
}
