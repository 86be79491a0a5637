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

type signupRequest struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
	Password    string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userView struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Email       string `json:"email,omitempty"`
	Guest       bool   `json:"guest"`
}

type authResponse struct {
	User      userView  `json:"user"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func newUserView(user models.User) userView {
	return userView{
		ID:          user.ID,
		DisplayName: user.DisplayName,
		Email:       user.Email,
		Guest:       user.Guest,
	}
}

// Signup upgrades the caller's guest account with credentials. A visitor
// already carries a working guest identity, so registration attaches email
// and password to it instead of minting a second account.
func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("password must be at least 8 characters"))
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("email is required"))
		return
	}

	user, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user.Registered() {
		writeError(w, http.StatusConflict, fmt.Errorf("account already registered"))
		return
	}

	registered, err := h.Store.RegisterUser(r.Context(), user.ID, req.DisplayName, req.Email, req.Password)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, storage.ErrEmailInUse) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	token, expiresAt, err := h.sessionManager().Create(registered.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusCreated, authResponse{User: newUserView(registered), ExpiresAt: expiresAt})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := h.Store.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCredentials) || errors.Is(err, storage.ErrPasswordLoginUnsupported) {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("invalid email or password"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	token, expiresAt, err := h.sessionManager().Create(user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	setSessionCookie(w, r, token, expiresAt)
	writeJSON(w, http.StatusOK, authResponse{User: newUserView(user), ExpiresAt: expiresAt})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	h.endSession(w, r)
}

func (h *Handler) endSession(w http.ResponseWriter, r *http.Request) {
	if token := ExtractToken(r); token != "" {
		if err := h.sessionManager().Revoke(token); err != nil {
			h.Logger.Warn("revoking session", "error", err)
		}
	}
	clearSessionCookie(w, r)
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// Session returns the caller's identity, bootstrapping a guest account when
// the request carries no valid session. DELETE ends the session, same as a
// logout.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		h.endSession(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET, DELETE")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	user, err := h.currentUser(w, r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]userView{"user": newUserView(user)})
}
