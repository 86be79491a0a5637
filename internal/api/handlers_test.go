package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"streamrelay/internal/auth"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/source"
	"streamrelay/internal/storage"
	"streamrelay/internal/stream"
)

type stubPipeline struct {
	mu     sync.Mutex
	exited bool
	done   chan struct{}
}

func newStubPipeline() *stubPipeline { return &stubPipeline{done: make(chan struct{})} }

func (p *stubPipeline) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.exited {
		p.exited = true
		close(p.done)
	}
}

func (p *stubPipeline) StartDirect(context.Context, []string, string) error { return nil }
func (p *stubPipeline) StartPiped(context.Context, []string) error          { return nil }
func (p *stubPipeline) StartLoop(context.Context, string) error             { return nil }

func (p *stubPipeline) Wait() int {
	<-p.done
	return 0
}

func (p *stubPipeline) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.exited
}

func (p *stubPipeline) Kill()              { p.exit() }
func (p *stubPipeline) Stop()              { p.exit() }
func (p *stubPipeline) StderrTail() string { return "" }

type stubRunner struct{}

func (stubRunner) Run(context.Context, time.Duration, string, ...string) (source.Result, error) {
	return source.Result{}, nil
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	store, err := storage.NewStorage(filepath.Join(t.TempDir(), "data.json"))
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	timings := stream.DefaultTimings()
	timings.PollTick = time.Millisecond
	mgr := stream.NewManager(stream.ManagerConfig{
		Registry: source.NewRegistry(stubRunner{}),
		Repo:     store,
		BaseDir:  t.TempDir(),
		Timings:  timings,
		Logger:   logger,
		Metrics:  metrics.New(),
		Fetcher:  stream.NewFetcher(stubRunner{}, 1, time.Second, logger, metrics.New()),
		NewPipeline: func(string, stream.Timings, *slog.Logger) stream.Pipeline {
			return newStubPipeline()
		},
	})
	t.Cleanup(mgr.StopAll)
	return NewHandler(store, auth.NewSessionManager(time.Hour), mgr, logger)
}

func doJSON(t *testing.T, fn http.HandlerFunc, method, path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	fn(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dest); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
}

func sessionCookies(rec *httptest.ResponseRecorder) []*http.Cookie {
	return rec.Result().Cookies()
}

func TestSessionBootstrapsGuestAccount(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var payload struct {
		User userView `json:"user"`
	}
	decodeBody(t, rec, &payload)
	if !payload.User.Guest {
		t.Fatal("first visit should create a guest account")
	}
	cookies := sessionCookies(rec)
	if len(cookies) == 0 {
		t.Fatal("guest bootstrap must set a session cookie")
	}

	again := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", cookies)
	var second struct {
		User userView `json:"user"`
	}
	decodeBody(t, again, &second)
	if second.User.ID != payload.User.ID {
		t.Fatalf("returning visitor got a new identity: %q vs %q", second.User.ID, payload.User.ID)
	}
	if len(sessionCookies(again)) != 0 {
		t.Fatal("an existing session must not be replaced")
	}
}

func TestSignupUpgradesGuestInPlace(t *testing.T) {
	h := newTestHandler(t)

	boot := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", nil)
	cookies := sessionCookies(boot)
	var bootPayload struct {
		User userView `json:"user"`
	}
	decodeBody(t, boot, &bootPayload)

	rec := doJSON(t, h.Signup, http.MethodPost, "/api/auth/signup",
		`{"displayName":"Ada","email":"ada@example.com","password":"correct horse"}`, cookies)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var payload authResponse
	decodeBody(t, rec, &payload)
	if payload.User.Guest {
		t.Fatal("registration should clear the guest flag")
	}
	if payload.User.ID != bootPayload.User.ID {
		t.Fatal("registration must upgrade the existing guest, not mint a new account")
	}

	login := doJSON(t, h.Login, http.MethodPost, "/api/auth/login",
		`{"email":"ada@example.com","password":"correct horse"}`, nil)
	if login.Code != http.StatusOK {
		t.Fatalf("login after signup failed: %d %s", login.Code, login.Body.String())
	}
}

func TestSignupRejectsShortPassword(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h.Signup, http.MethodPost, "/api/auth/signup",
		`{"email":"a@example.com","password":"short"}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h.Login, http.MethodPost, "/api/auth/login",
		`{"email":"nobody@example.com","password":"whatever!"}`, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rec.Code)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	h := newTestHandler(t)
	boot := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", nil)
	cookies := sessionCookies(boot)

	out := doJSON(t, h.Logout, http.MethodPost, "/api/auth/logout", "", cookies)
	if out.Code != http.StatusOK {
		t.Fatalf("logout status %d", out.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if _, err := h.AuthenticateRequest(req); err == nil {
		t.Fatal("revoked session still authenticates")
	}
}

func TestSessionDeleteEndsSession(t *testing.T) {
	h := newTestHandler(t)
	boot := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", nil)
	cookies := sessionCookies(boot)

	out := doJSON(t, h.Session, http.MethodDelete, "/api/auth/session", "", cookies)
	if out.Code != http.StatusOK {
		t.Fatalf("delete session status %d", out.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/auth/session", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	if _, err := h.AuthenticateRequest(req); err == nil {
		t.Fatal("deleted session still authenticates")
	}
}

func TestStreamLifecycleThroughAPI(t *testing.T) {
	h := newTestHandler(t)
	boot := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", nil)
	cookies := sessionCookies(boot)

	created := doJSON(t, h.StreamsCollection, http.MethodPost, "/api/streams",
		`{"url":"rtsp://cam.local/feed","name":"front door"}`, cookies)
	if created.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", created.Code, created.Body.String())
	}
	var view streamView
	decodeBody(t, created, &view)
	if view.Name != "front door" {
		t.Fatalf("stream name %q", view.Name)
	}
	if view.PlaylistURL != "/streams/"+view.ID+"/stream.m3u8" {
		t.Fatalf("playlist url %q", view.PlaylistURL)
	}

	list := doJSON(t, h.StreamsCollection, http.MethodGet, "/api/streams", "", cookies)
	var listing struct {
		Streams []streamView `json:"streams"`
	}
	decodeBody(t, list, &listing)
	if len(listing.Streams) != 1 || listing.Streams[0].ID != view.ID {
		t.Fatalf("listing %+v", listing.Streams)
	}

	// A different visitor must not see or delete the stream.
	otherBoot := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", nil)
	otherCookies := sessionCookies(otherBoot)
	otherList := doJSON(t, h.StreamsCollection, http.MethodGet, "/api/streams", "", otherCookies)
	var otherListing struct {
		Streams []streamView `json:"streams"`
	}
	decodeBody(t, otherList, &otherListing)
	if len(otherListing.Streams) != 0 {
		t.Fatalf("streams leaked across users: %+v", otherListing.Streams)
	}
	crossDelete := doJSON(t, h.StreamByID, http.MethodDelete, "/api/streams/"+view.ID, "", otherCookies)
	if crossDelete.Code != http.StatusNotFound {
		t.Fatalf("cross-user delete status %d, want 404", crossDelete.Code)
	}

	deleted := doJSON(t, h.StreamByID, http.MethodDelete, "/api/streams/"+view.ID, "", cookies)
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete status %d: %s", deleted.Code, deleted.Body.String())
	}
	gone := doJSON(t, h.StreamByID, http.MethodGet, "/api/streams/"+view.ID, "", cookies)
	if gone.Code != http.StatusNotFound {
		t.Fatalf("status %d after delete, want 404", gone.Code)
	}
}

func TestCreateStreamRequiresURL(t *testing.T) {
	h := newTestHandler(t)
	boot := doJSON(t, h.Session, http.MethodGet, "/api/auth/session", "", nil)
	rec := doJSON(t, h.StreamsCollection, http.MethodPost, "/api/streams",
		`{"name":"no url"}`, sessionCookies(boot))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)
	cases := []struct {
		name   string
		fn     http.HandlerFunc
		method string
		path   string
	}{
		{"signup", h.Signup, http.MethodGet, "/api/auth/signup"},
		{"login", h.Login, http.MethodGet, "/api/auth/login"},
		{"logout", h.Logout, http.MethodGet, "/api/auth/logout"},
		{"session", h.Session, http.MethodPost, "/api/auth/session"},
		{"stream", h.StreamByID, http.MethodPut, "/api/streams/abc123"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, tc.fn, tc.method, tc.path, "", nil)
			if rec.Code != http.StatusMethodNotAllowed {
				t.Fatalf("status %d, want 405", rec.Code)
			}
		})
	}
}
