package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/storage"
)

const sessionCookieName = "streamrelay_session"

type contextKey string

const userContextKey contextKey = "authenticatedUser"

// ContextWithUser stores the resolved user in the provided context.
func ContextWithUser(ctx context.Context, user models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext retrieves the resolved user from context if present.
func UserFromContext(ctx context.Context) (models.User, bool) {
	user, ok := ctx.Value(userContextKey).(models.User)
	return user, ok
}

// ExtractToken pulls the session token from the cookie or an Authorization
// bearer header.
func ExtractToken(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("bearer "):])
	}
	return ""
}

// AuthenticateRequest validates the session token on the request and returns
// the owning user.
func (h *Handler) AuthenticateRequest(r *http.Request) (models.User, error) {
	token := ExtractToken(r)
	if token == "" {
		return models.User{}, fmt.Errorf("missing session token")
	}
	userID, _, ok, err := h.sessionManager().Validate(token)
	if err != nil {
		return models.User{}, fmt.Errorf("validate session: %w", err)
	}
	if !ok {
		return models.User{}, fmt.Errorf("invalid or expired session")
	}
	user, exists, err := h.Store.GetUser(r.Context(), userID)
	if err != nil {
		return models.User{}, err
	}
	if !exists {
		return models.User{}, fmt.Errorf("account not found")
	}
	return user, nil
}

// currentUser resolves the request's user, creating a guest account and
// session on the fly when none exists. Every visitor gets a working identity
// without an explicit signup step.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (models.User, error) {
	if user, ok := UserFromContext(r.Context()); ok {
		return user, nil
	}
	if user, err := h.AuthenticateRequest(r); err == nil {
		return user, nil
	}

	user, err := h.Store.CreateUser(r.Context(), storage.CreateUserParams{
		DisplayName: "Guest",
		Guest:       true,
	})
	if err != nil {
		return models.User{}, fmt.Errorf("create guest account: %w", err)
	}
	token, expiresAt, err := h.sessionManager().Create(user.ID)
	if err != nil {
		return models.User{}, fmt.Errorf("create guest session: %w", err)
	}
	setSessionCookie(w, r, token, expiresAt)
	h.Logger.Info("guest account created", "user_id", user.ID)
	return user, nil
}

func setSessionCookie(w http.ResponseWriter, r *http.Request, token string, expires time.Time) {
	if token == "" {
		return
	}
	maxAge := int(time.Until(expires).Seconds())
	if maxAge < 0 {
		maxAge = 0
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		Expires:  expires.UTC(),
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func isSecureRequest(r *http.Request) bool {
	if r == nil {
		return false
	}
	if r.TLS != nil {
		return true
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		for _, p := range strings.Split(proto, ",") {
			if strings.EqualFold(strings.TrimSpace(p), "https") {
				return true
			}
		}
	}
	if r.URL != nil && strings.EqualFold(r.URL.Scheme, "https") {
		return true
	}
	return false
}
