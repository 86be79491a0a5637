package models

import (
	"strings"
	"time"
)

// StreamStatus tracks where a stream sits in its supervisor lifecycle.
type StreamStatus string

const (
	// StatusInitializing is set when a stream record exists but source
	// classification and metadata probing are still running.
	StatusInitializing StreamStatus = "initializing"
	// StatusStarting is set while the pipeline processes are being launched.
	StatusStarting StreamStatus = "starting"
	// StatusDownloading is set while a VOD asset is being fetched.
	StatusDownloading StreamStatus = "downloading"
	// StatusRunning means the transcoder is alive and producing segments.
	StatusRunning StreamStatus = "running"
	// StatusRestarting means the supervisor is waiting out a backoff delay.
	StatusRestarting StreamStatus = "restarting"
	// StatusStopped is the terminal state after an explicit stop or a clean
	// exit of a non-platform source.
	StatusStopped StreamStatus = "stopped"
	// StatusError is the terminal state after a launch failure, fetch
	// failure, or abnormal exit of a non-platform source.
	StatusError StreamStatus = "error"
)

// Stream describes one relayed stream. Identity fields are immutable after
// creation; Status, ErrorMessage, Name, IsPlatform, and IsVOD are owned by
// the stream's supervisor once it takes over.
type Stream struct {
	ID           string       `json:"id"`
	UserID       string       `json:"userId"`
	Name         string       `json:"name"`
	SourceURL    string       `json:"sourceUrl"`
	Status       StreamStatus `json:"status"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
	// IsPlatform marks sources that need an auth-bearing upstream session
	// subject to token expiry (Twitch, YouTube). Platform streams are always
	// restarted when their pipeline exits.
	IsPlatform bool      `json:"isPlatform"`
	IsVOD      bool      `json:"isVod"`
	CreatedAt  time.Time `json:"createdAt"`
}

type User struct {
	ID           string `json:"id"`
	DisplayName  string `json:"displayName"`
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"passwordHash,omitempty"`
	// Guest users are created implicitly by the session bootstrap and carry
	// no credentials until they register.
	Guest     bool      `json:"guest"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registered reports whether the user has password credentials.
func (u User) Registered() bool {
	return !u.Guest && strings.TrimSpace(u.Email) != ""
}
