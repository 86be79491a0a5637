package storage

import (
	"context"
	"errors"
	"sort"

	"streamrelay/internal/models"
)

var (
	ErrInvalidCredentials       = errors.New("invalid credentials")
	ErrPasswordLoginUnsupported = errors.New("account does not support password login")
	ErrEmailInUse               = errors.New("email already in use")
	ErrUserNotFound             = errors.New("user not found")
	ErrStreamNotFound           = errors.New("stream not found")
	ErrStreamExists             = errors.New("stream already exists")
)

// CreateUserParams captures the attributes that can be set when creating a
// user. Guest users are created with no email or password and upgraded later
// through RegisterUser.
type CreateUserParams struct {
	DisplayName string
	Email       string
	Password    string
	Guest       bool
}

// StreamUpdate carries the mutable stream fields owned by the supervisor.
// Nil members leave the stored value untouched.
type StreamUpdate struct {
	Name         *string
	Status       *models.StreamStatus
	ErrorMessage *string
	IsPlatform   *bool
	IsVOD        *bool
}

// Repository exposes the datastore operations required by the API handlers
// and the stream manager. Implementations must be safe for concurrent use.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateUser(ctx context.Context, params CreateUserParams) (models.User, error)
	GetUser(ctx context.Context, id string) (models.User, bool, error)
	FindUserByEmail(ctx context.Context, email string) (models.User, bool, error)
	AuthenticateUser(ctx context.Context, email, password string) (models.User, error)
	RegisterUser(ctx context.Context, id, displayName, email, password string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)

	CreateStream(ctx context.Context, stream models.Stream) (models.Stream, error)
	GetStream(ctx context.Context, userID, streamID string) (models.Stream, bool, error)
	ListStreams(ctx context.Context, userID string) ([]models.Stream, error)
	ListAllStreams(ctx context.Context) ([]models.Stream, error)
	UpdateStream(ctx context.Context, userID, streamID string, update StreamUpdate) (models.Stream, error)
	DeleteStream(ctx context.Context, userID, streamID string) error
}

// sortStreamsByCreation orders streams oldest first so restore and list
// operations are deterministic.
func sortStreamsByCreation(streams []models.Stream) {
	sort.Slice(streams, func(i, j int) bool {
		if !streams[i].CreatedAt.Equal(streams[j].CreatedAt) {
			return streams[i].CreatedAt.Before(streams[j].CreatedAt)
		}
		return streams[i].ID < streams[j].ID
	})
}
