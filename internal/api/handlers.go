package api

import (
	"log/slog"
	"net/http"
	"time"

	"streamrelay/internal/auth"
	"streamrelay/internal/storage"
	"streamrelay/internal/stream"
)

// Handler bundles the API surface: account bootstrap, session endpoints, and
// the per-user stream registry.
type Handler struct {
	Store    storage.Repository
	Sessions *auth.SessionManager
	Streams  *stream.Manager
	Logger   *slog.Logger
}

func NewHandler(store storage.Repository, sessions *auth.SessionManager, streams *stream.Manager, logger *slog.Logger) *Handler {
	if sessions == nil {
		sessions = auth.NewSessionManager(7 * 24 * time.Hour)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Store: store, Sessions: sessions, Streams: streams, Logger: logger}
}

func (h *Handler) sessionManager() *auth.SessionManager {
	if h.Sessions == nil {
		h.Sessions = auth.NewSessionManager(7 * 24 * time.Hour)
	}
	return h.Sessions
}

// Health reports datastore and session-store reachability.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	services := map[string]string{}
	if h.Store != nil {
		if err := h.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			services["storage"] = err.Error()
		} else {
			services["storage"] = "ok"
		}
	}
	if err := h.sessionManager().Ping(r.Context()); err != nil {
		status = "degraded"
		services["sessions"] = err.Error()
	} else {
		services["sessions"] = "ok"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}
