package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/storage"
)

type createStreamRequest struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type streamView struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	SourceURL    string              `json:"sourceUrl"`
	Status       models.StreamStatus `json:"status"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	IsPlatform   bool                `json:"isPlatform"`
	IsVOD        bool                `json:"isVod"`
	PlaylistURL  string              `json:"playlistUrl"`
	CreatedAt    time.Time           `json:"createdAt"`
}

func newStreamView(s models.Stream) streamView {
	return streamView{
		ID:           s.ID,
		Name:         s.Name,
		SourceURL:    s.SourceURL,
		Status:       s.Status,
		ErrorMessage: s.ErrorMessage,
		IsPlatform:   s.IsPlatform,
		IsVOD:        s.IsVOD,
		PlaylistURL:  fmt.Sprintf("/streams/%s/stream.m3u8", s.ID),
		CreatedAt:    s.CreatedAt,
	}
}

// StreamsCollection serves GET and POST /api/streams.
func (h *Handler) StreamsCollection(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	switch r.Method {
	case http.MethodGet:
		streams := h.Streams.List(user.ID)
		views := make([]streamView, 0, len(streams))
		for _, s := range streams {
			views = append(views, newStreamView(s))
		}
		writeJSON(w, http.StatusOK, map[string][]streamView{"streams": views})
	case http.MethodPost:
		var req createStreamRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if strings.TrimSpace(req.URL) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("url is required"))
			return
		}
		info, err := h.Streams.Add(r.Context(), user.ID, req.URL, req.Name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, newStreamView(info))
	default:
		w.Header().Set("Allow", "GET, POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// StreamByID serves GET and DELETE /api/streams/{id}.
func (h *Handler) StreamByID(w http.ResponseWriter, r *http.Request) {
	user, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/streams/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, fmt.Errorf("stream not found"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		info, ok := h.Streams.Get(user.ID, id)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("stream not found"))
			return
		}
		writeJSON(w, http.StatusOK, newStreamView(info))
	case http.MethodDelete:
		if err := h.Streams.Remove(r.Context(), user.ID, id); err != nil {
			if errors.Is(err, storage.ErrStreamNotFound) {
				writeError(w, http.StatusNotFound, err)
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}
