package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamrelay/internal/models"
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	ConnectTimeout      time.Duration
	ApplicationName     string
}

type postgresRepository struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    display_name TEXT NOT NULL,
    email TEXT,
    password_hash TEXT,
    guest BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_idx ON users (email) WHERE email <> '';
CREATE TABLE IF NOT EXISTS streams (
    user_id TEXT NOT NULL REFERENCES users (id) ON DELETE CASCADE,
    stream_id TEXT NOT NULL,
    name TEXT NOT NULL,
    source_url TEXT NOT NULL,
    status TEXT NOT NULL,
    error_message TEXT NOT NULL DEFAULT '',
    is_platform BOOLEAN NOT NULL DEFAULT FALSE,
    is_vod BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_id, stream_id)
);
`

// NewPostgresRepository opens a Postgres-backed repository and ensures the
// schema exists.
func NewPostgresRepository(ctx context.Context, cfg PostgresConfig) (Repository, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return &postgresRepository{pool: pool}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) CreateUser(ctx context.Context, params CreateUserParams) (models.User, error) {
	displayName := strings.TrimSpace(params.DisplayName)
	if displayName == "" {
		return models.User{}, errors.New("displayName is required")
	}
	normalizedEmail := normalizeEmail(params.Email)
	var passwordHash string
	if !params.Guest {
		if normalizedEmail == "" {
			return models.User{}, errors.New("email is required")
		}
		if params.Password == "" {
			return models.User{}, errors.New("password is required")
		}
		hashed, err := hashPassword(params.Password)
		if err != nil {
			return models.User{}, fmt.Errorf("hash password: %w", err)
		}
		passwordHash = hashed
	}

	user := models.User{
		ID:           uuid.NewString(),
		DisplayName:  displayName,
		Email:        normalizedEmail,
		PasswordHash: passwordHash,
		Guest:        params.Guest,
		CreatedAt:    time.Now().UTC(),
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO users (id, display_name, email, password_hash, guest, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.Guest, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (r *postgresRepository) GetUser(ctx context.Context, id string) (models.User, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, display_name, email, password_hash, guest, created_at
FROM users
WHERE id = $1
`, id)
	return scanUser(row)
}

func (r *postgresRepository) FindUserByEmail(ctx context.Context, email string) (models.User, bool, error) {
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" {
		return models.User{}, false, nil
	}
	row := r.pool.QueryRow(ctx, `
SELECT id, display_name, email, password_hash, guest, created_at
FROM users
WHERE email = $1
`, normalizedEmail)
	return scanUser(row)
}

func (r *postgresRepository) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok, err := r.FindUserByEmail(ctx, email)
	if err != nil {
		return models.User{}, err
	}
	if !ok {
		return models.User{}, ErrInvalidCredentials
	}
	if user.PasswordHash == "" {
		return models.User{}, ErrPasswordLoginUnsupported
	}
	if err := verifyPassword(user.PasswordHash, password); err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *postgresRepository) RegisterUser(ctx context.Context, id, displayName, email, password string) (models.User, error) {
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" {
		return models.User{}, errors.New("email is required")
	}
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}
	row := r.pool.QueryRow(ctx, `
UPDATE users
SET display_name = COALESCE(NULLIF($2, ''), display_name), email = $3, password_hash = $4, guest = FALSE
WHERE id = $1
RETURNING id, display_name, email, password_hash, guest, created_at
`, id, strings.TrimSpace(displayName), normalizedEmail, hashed)
	user, ok, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return models.User{}, ErrEmailInUse
		}
		return models.User{}, err
	}
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	return user, nil
}

func (r *postgresRepository) ListUsers(ctx context.Context) ([]models.User, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, display_name, email, password_hash, guest, created_at
FROM users
ORDER BY created_at
`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Guest, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (r *postgresRepository) CreateStream(ctx context.Context, stream models.Stream) (models.Stream, error) {
	if strings.TrimSpace(stream.UserID) == "" {
		return models.Stream{}, errors.New("userId is required")
	}
	if strings.TrimSpace(stream.ID) == "" {
		return models.Stream{}, errors.New("stream id is required")
	}
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
INSERT INTO streams (user_id, stream_id, name, source_url, status, error_message, is_platform, is_vod, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, stream.UserID, stream.ID, stream.Name, stream.SourceURL, string(stream.Status), stream.ErrorMessage, stream.IsPlatform, stream.IsVOD, stream.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Stream{}, ErrStreamExists
		}
		if isForeignKeyViolation(err) {
			return models.Stream{}, ErrUserNotFound
		}
		return models.Stream{}, fmt.Errorf("insert stream: %w", err)
	}
	return stream, nil
}

func (r *postgresRepository) GetStream(ctx context.Context, userID, streamID string) (models.Stream, bool, error) {
	row := r.pool.QueryRow(ctx, `
SELECT user_id, stream_id, name, source_url, status, error_message, is_platform, is_vod, created_at
FROM streams
WHERE user_id = $1 AND stream_id = $2
`, userID, streamID)
	return scanStream(row)
}

func (r *postgresRepository) ListStreams(ctx context.Context, userID string) ([]models.Stream, error) {
	return r.queryStreams(ctx, `
SELECT user_id, stream_id, name, source_url, status, error_message, is_platform, is_vod, created_at
FROM streams
WHERE user_id = $1
ORDER BY created_at, stream_id
`, userID)
}

func (r *postgresRepository) ListAllStreams(ctx context.Context) ([]models.Stream, error) {
	return r.queryStreams(ctx, `
SELECT user_id, stream_id, name, source_url, status, error_message, is_platform, is_vod, created_at
FROM streams
ORDER BY created_at, stream_id
`)
}

func (r *postgresRepository) queryStreams(ctx context.Context, query string, args ...any) ([]models.Stream, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var streams []models.Stream
	for rows.Next() {
		var stream models.Stream
		var status string
		if err := rows.Scan(&stream.UserID, &stream.ID, &stream.Name, &stream.SourceURL, &status, &stream.ErrorMessage, &stream.IsPlatform, &stream.IsVOD, &stream.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan stream: %w", err)
		}
		stream.Status = models.StreamStatus(status)
		streams = append(streams, stream)
	}
	return streams, rows.Err()
}

func (r *postgresRepository) UpdateStream(ctx context.Context, userID, streamID string, update StreamUpdate) (models.Stream, error) {
	row := r.pool.QueryRow(ctx, `
UPDATE streams
SET name = COALESCE($3, name),
    status = COALESCE($4, status),
    error_message = COALESCE($5, error_message),
    is_platform = COALESCE($6, is_platform),
    is_vod = COALESCE($7, is_vod)
WHERE user_id = $1 AND stream_id = $2
RETURNING user_id, stream_id, name, source_url, status, error_message, is_platform, is_vod, created_at
`, userID, streamID, update.Name, statusArg(update.Status), update.ErrorMessage, update.IsPlatform, update.IsVOD)
	stream, ok, err := scanStream(row)
	if err != nil {
		return models.Stream{}, err
	}
	if !ok {
		return models.Stream{}, ErrStreamNotFound
	}
	return stream, nil
}

func (r *postgresRepository) DeleteStream(ctx context.Context, userID, streamID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM streams WHERE user_id = $1 AND stream_id = $2`, userID, streamID)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStreamNotFound
	}
	return nil
}

func statusArg(status *models.StreamStatus) *string {
	if status == nil {
		return nil
	}
	value := string(*status)
	return &value
}

func scanUser(row pgx.Row) (models.User, bool, error) {
	var user models.User
	if err := row.Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Guest, &user.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.User{}, false, nil
		}
		return models.User{}, false, err
	}
	return user, true, nil
}

func scanStream(row pgx.Row) (models.Stream, bool, error) {
	var stream models.Stream
	var status string
	if err := row.Scan(&stream.UserID, &stream.ID, &stream.Name, &stream.SourceURL, &status, &stream.ErrorMessage, &stream.IsPlatform, &stream.IsVOD, &stream.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Stream{}, false, nil
		}
		return models.Stream{}, false, err
	}
	stream.Status = models.StreamStatus(status)
	return stream, true, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

var _ Repository = (*postgresRepository)(nil)
