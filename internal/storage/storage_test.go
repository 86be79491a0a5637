package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"streamrelay/internal/models"
)

func newTestStore(t *testing.T) *Storage {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStorage(filepath.Join(dir, "store.json"))
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func createGuest(t *testing.T, store *Storage, name string) models.User {
	t.Helper()
	user, err := store.CreateUser(context.Background(), CreateUserParams{
		DisplayName: name,
		Guest:       true,
	})
	if err != nil {
		t.Fatalf("CreateUser %s: %v", name, err)
	}
	return user
}

func TestCreateUserGuestRequiresNoCredentials(t *testing.T) {
	store := newTestStore(t)

	user := createGuest(t, store, "Guest")
	if user.ID == "" {
		t.Fatalf("expected generated user ID")
	}
	if !user.Guest {
		t.Fatalf("expected guest flag to be set")
	}
	if user.Registered() {
		t.Fatalf("guest user should not report as registered")
	}
}

func TestCreateUserRejectsDuplicateEmail(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.CreateUser(context.Background(), CreateUserParams{
		DisplayName: "First",
		Email:       "user@example.com",
		Password:    "secret",
	}); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	_, err := store.CreateUser(context.Background(), CreateUserParams{
		DisplayName: "Second",
		Email:       "USER@example.com",
		Password:    "secret",
	})
	if !errors.Is(err, ErrEmailInUse) {
		t.Fatalf("expected ErrEmailInUse, got %v", err)
	}
}

func TestAuthenticateUser(t *testing.T) {
	store := newTestStore(t)

	created, err := store.CreateUser(context.Background(), CreateUserParams{
		DisplayName: "Viewer",
		Email:       "viewer@example.com",
		Password:    "hunter2",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	user, err := store.AuthenticateUser(context.Background(), "Viewer@Example.com", "hunter2")
	if err != nil {
		t.Fatalf("AuthenticateUser: %v", err)
	}
	if user.ID != created.ID {
		t.Fatalf("expected user %s, got %s", created.ID, user.ID)
	}

	if _, err := store.AuthenticateUser(context.Background(), "viewer@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestAuthenticateGuestUnsupported(t *testing.T) {
	store := newTestStore(t)

	guest := createGuest(t, store, "Guest")
	if _, err := store.AuthenticateUser(context.Background(), guest.Email, "anything"); err == nil {
		t.Fatalf("expected guest login to fail")
	}
	upgraded, err := store.RegisterUser(context.Background(), guest.ID, "Upgraded Guest", "guest@example.com", "secret")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	if upgraded.Guest {
		t.Fatalf("expected guest flag cleared after registration")
	}
	if !upgraded.Registered() {
		t.Fatalf("expected registered user")
	}
	if upgraded.DisplayName != "Upgraded Guest" {
		t.Fatalf("expected display name update, got %q", upgraded.DisplayName)
	}
	if _, err := store.AuthenticateUser(context.Background(), "guest@example.com", "secret"); err != nil {
		t.Fatalf("AuthenticateUser after register: %v", err)
	}
}

func TestStreamCRUDIsScopedPerUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	alice := createGuest(t, store, "Alice")
	bob := createGuest(t, store, "Bob")

	for _, user := range []models.User{alice, bob} {
		if _, err := store.CreateStream(ctx, models.Stream{
			ID:        "cam1",
			UserID:    user.ID,
			Name:      "Camera",
			SourceURL: "https://example.com/live",
			Status:    models.StatusInitializing,
		}); err != nil {
			t.Fatalf("CreateStream for %s: %v", user.DisplayName, err)
		}
	}

	// Same stream ID under different users must not collide.
	if _, err := store.CreateStream(ctx, models.Stream{
		ID:        "cam1",
		UserID:    alice.ID,
		SourceURL: "https://example.com/live",
	}); !errors.Is(err, ErrStreamExists) {
		t.Fatalf("expected ErrStreamExists, got %v", err)
	}

	if err := store.DeleteStream(ctx, alice.ID, "cam1"); err != nil {
		t.Fatalf("DeleteStream: %v", err)
	}
	if _, ok, _ := store.GetStream(ctx, bob.ID, "cam1"); !ok {
		t.Fatalf("expected bob's stream to survive alice's delete")
	}
	if _, ok, _ := store.GetStream(ctx, alice.ID, "cam1"); ok {
		t.Fatalf("expected alice's stream to be deleted")
	}
}

func TestUpdateStreamAppliesPartialUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := createGuest(t, store, "Owner")
	if _, err := store.CreateStream(ctx, models.Stream{
		ID:        "vod1",
		UserID:    user.ID,
		Name:      "placeholder",
		SourceURL: "https://example.com/watch?v=abc",
		Status:    models.StatusInitializing,
	}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	status := models.StatusRunning
	name := "Concert VOD"
	isVOD := true
	updated, err := store.UpdateStream(ctx, user.ID, "vod1", StreamUpdate{
		Status: &status,
		Name:   &name,
		IsVOD:  &isVOD,
	})
	if err != nil {
		t.Fatalf("UpdateStream: %v", err)
	}
	if updated.Status != models.StatusRunning || updated.Name != name || !updated.IsVOD {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	if updated.SourceURL != "https://example.com/watch?v=abc" {
		t.Fatalf("untouched field changed: %q", updated.SourceURL)
	}
}

func TestPersistFailureRollsBackMutation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	user := createGuest(t, store, "Owner")
	if _, err := store.CreateStream(ctx, models.Stream{
		ID:        "cam1",
		UserID:    user.ID,
		SourceURL: "rtsp://example.com/cam",
		Status:    models.StatusRunning,
	}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	store.persistOverride = func(dataset) error {
		return errors.New("persist failed")
	}
	if err := store.DeleteStream(ctx, user.ID, "cam1"); err == nil {
		t.Fatalf("expected DeleteStream error when persist fails")
	}
	store.persistOverride = nil

	if _, ok, _ := store.GetStream(ctx, user.ID, "cam1"); !ok {
		t.Fatalf("expected stream to remain after failed persist")
	}
}

func TestStorageRoundTripAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.json")
	ctx := context.Background()

	store, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	user := createGuest(t, store, "Owner")
	if _, err := store.CreateStream(ctx, models.Stream{
		ID:         "live1",
		UserID:     user.ID,
		Name:       "Twitch Channel",
		SourceURL:  "https://twitch.tv/somechannel",
		Status:     models.StatusRunning,
		IsPlatform: true,
	}); err != nil {
		t.Fatalf("CreateStream: %v", err)
	}

	reopened, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage reopen: %v", err)
	}
	streams, err := reopened.ListStreams(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListStreams: %v", err)
	}
	if len(streams) != 1 {
		t.Fatalf("expected 1 stream after reopen, got %d", len(streams))
	}
	if !streams[0].IsPlatform || streams[0].Status != models.StatusRunning {
		t.Fatalf("unexpected stream after reopen: %+v", streams[0])
	}
}
