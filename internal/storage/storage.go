package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"streamrelay/internal/models"
)

type dataset struct {
	Users   map[string]models.User              `json:"users"`
	Streams map[string]map[string]models.Stream `json:"streams"`
}

// Storage is a JSON-file backed Repository. All mutations hold the write lock
// and persist the full dataset through an atomic temp-file rename, so a crash
// mid-write never leaves a truncated store on disk.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

func newDataset() dataset {
	return dataset{
		Users:   make(map[string]models.User),
		Streams: make(map[string]map[string]models.Stream),
	}
}

func (s *Storage) ensureDatasetInitializedLocked() {
	if s.data.Users == nil {
		s.data.Users = make(map[string]models.User)
	}
	if s.data.Streams == nil {
		s.data.Streams = make(map[string]map[string]models.Stream)
	}
}

func NewStorage(path string) (*Storage, error) {
	store := &Storage{filePath: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	if err := decoder.Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}

	s.ensureDatasetInitializedLocked()
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}

	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

// Ping reports the store as healthy whenever the backing file's directory is
// still reachable.
func (s *Storage) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

// Close flushes the current dataset to disk.
func (s *Storage) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.persist()
}

// User operations

func (s *Storage) CreateUser(_ context.Context, params CreateUserParams) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

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
		for _, user := range s.data.Users {
			if user.Email == normalizedEmail {
				return models.User{}, ErrEmailInUse
			}
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

	s.data.Users[user.ID] = user
	if err := s.persist(); err != nil {
		delete(s.data.Users, user.ID)
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) GetUser(_ context.Context, id string) (models.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.data.Users[id]
	return user, ok, nil
}

// FindUserByEmail looks up a user by their normalized email address.
func (s *Storage) FindUserByEmail(_ context.Context, email string) (models.User, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" {
		return models.User{}, false, nil
	}
	for _, user := range s.data.Users {
		if user.Email == normalizedEmail {
			return user, true, nil
		}
	}
	return models.User{}, false, nil
}

// AuthenticateUser verifies credentials and returns the matching user on success.
func (s *Storage) AuthenticateUser(ctx context.Context, email, password string) (models.User, error) {
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	user, ok, err := s.FindUserByEmail(ctx, email)
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

// RegisterUser upgrades a guest account with email and password credentials.
// An empty displayName keeps the existing one.
func (s *Storage) RegisterUser(_ context.Context, id, displayName, email, password string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.data.Users[id]
	if !ok {
		return models.User{}, ErrUserNotFound
	}
	normalizedEmail := normalizeEmail(email)
	if normalizedEmail == "" {
		return models.User{}, errors.New("email is required")
	}
	if password == "" {
		return models.User{}, errors.New("password is required")
	}
	for otherID, other := range s.data.Users {
		if otherID != id && other.Email == normalizedEmail {
			return models.User{}, ErrEmailInUse
		}
	}
	hashed, err := hashPassword(password)
	if err != nil {
		return models.User{}, fmt.Errorf("hash password: %w", err)
	}

	previous := user
	if trimmed := strings.TrimSpace(displayName); trimmed != "" {
		user.DisplayName = trimmed
	}
	user.Email = normalizedEmail
	user.PasswordHash = hashed
	user.Guest = false
	s.data.Users[id] = user
	if err := s.persist(); err != nil {
		s.data.Users[id] = previous
		return models.User{}, err
	}
	return user, nil
}

func (s *Storage) ListUsers(context.Context) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]models.User, 0, len(s.data.Users))
	for _, user := range s.data.Users {
		users = append(users, user)
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// Stream operations

func (s *Storage) CreateStream(_ context.Context, stream models.Stream) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(stream.UserID) == "" {
		return models.Stream{}, errors.New("userId is required")
	}
	if strings.TrimSpace(stream.ID) == "" {
		return models.Stream{}, errors.New("stream id is required")
	}
	if _, ok := s.data.Users[stream.UserID]; !ok {
		return models.Stream{}, ErrUserNotFound
	}
	if _, ok := s.data.Streams[stream.UserID][stream.ID]; ok {
		return models.Stream{}, ErrStreamExists
	}
	if stream.CreatedAt.IsZero() {
		stream.CreatedAt = time.Now().UTC()
	}

	if s.data.Streams[stream.UserID] == nil {
		s.data.Streams[stream.UserID] = make(map[string]models.Stream)
	}
	s.data.Streams[stream.UserID][stream.ID] = stream
	if err := s.persist(); err != nil {
		delete(s.data.Streams[stream.UserID], stream.ID)
		return models.Stream{}, err
	}
	return stream, nil
}

func (s *Storage) GetStream(_ context.Context, userID, streamID string) (models.Stream, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.data.Streams[userID][streamID]
	return stream, ok, nil
}

func (s *Storage) ListStreams(_ context.Context, userID string) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	streams := make([]models.Stream, 0, len(s.data.Streams[userID]))
	for _, stream := range s.data.Streams[userID] {
		streams = append(streams, stream)
	}
	sortStreamsByCreation(streams)
	return streams, nil
}

func (s *Storage) ListAllStreams(context.Context) ([]models.Stream, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var streams []models.Stream
	for _, owned := range s.data.Streams {
		for _, stream := range owned {
			streams = append(streams, stream)
		}
	}
	sortStreamsByCreation(streams)
	return streams, nil
}

func (s *Storage) UpdateStream(_ context.Context, userID, streamID string, update StreamUpdate) (models.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[userID][streamID]
	if !ok {
		return models.Stream{}, ErrStreamNotFound
	}
	previous := stream
	if update.Name != nil {
		stream.Name = *update.Name
	}
	if update.Status != nil {
		stream.Status = *update.Status
	}
	if update.ErrorMessage != nil {
		stream.ErrorMessage = *update.ErrorMessage
	}
	if update.IsPlatform != nil {
		stream.IsPlatform = *update.IsPlatform
	}
	if update.IsVOD != nil {
		stream.IsVOD = *update.IsVOD
	}

	s.data.Streams[userID][streamID] = stream
	if err := s.persist(); err != nil {
		s.data.Streams[userID][streamID] = previous
		return models.Stream{}, err
	}
	return stream, nil
}

func (s *Storage) DeleteStream(_ context.Context, userID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.data.Streams[userID][streamID]
	if !ok {
		return ErrStreamNotFound
	}
	delete(s.data.Streams[userID], streamID)
	if err := s.persist(); err != nil {
		s.data.Streams[userID][streamID] = stream
		return err
	}
	return nil
}

// normalizeEmail canonicalizes addresses before lookup so the same mailbox
// cannot register twice under different casings or Unicode encodings.
func normalizeEmail(email string) string {
	return norm.NFC.String(strings.TrimSpace(strings.ToLower(email)))
}

var _ Repository = (*Storage)(nil)
