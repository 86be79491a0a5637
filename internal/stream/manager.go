package stream

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"streamrelay/internal/models"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/source"
	"streamrelay/internal/storage"
)

// streamKey scopes every lookup to the owning user so identical stream IDs
// under different users never collide.
type streamKey struct {
	userID   string
	streamID string
}

// Manager is the process-wide stream registry. It creates supervisors,
// persists their state transitions, and fans commands out to them. The
// manager's lock covers only the map; all blocking work happens outside it.
type Manager struct {
	registry    *source.Registry
	repo        storage.Repository
	baseDir     string
	timings     Timings
	logger      *slog.Logger
	metrics     *metrics.Recorder
	fetcher     *Fetcher
	newPipeline PipelineFactory

	mu      sync.Mutex
	streams map[streamKey]*Supervisor
}

// ManagerConfig collects the manager's collaborators. Zero-value fields fall
// back to production defaults.
type ManagerConfig struct {
	Registry    *source.Registry
	Repo        storage.Repository
	BaseDir     string
	Timings     Timings
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Fetcher     *Fetcher
	NewPipeline PipelineFactory
}

func NewManager(cfg ManagerConfig) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}
	if cfg.NewPipeline == nil {
		cfg.NewPipeline = NewFFmpegPipeline
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = NewFetcher(source.ExecRunner{}, 2, cfg.Timings.FetchTimeout, cfg.Logger, cfg.Metrics)
	}
	return &Manager{
		registry:    cfg.Registry,
		repo:        cfg.Repo,
		baseDir:     cfg.BaseDir,
		timings:     cfg.Timings,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		fetcher:     cfg.Fetcher,
		newPipeline: cfg.NewPipeline,
		streams:     make(map[streamKey]*Supervisor),
	}
}

// Add registers a new stream for the user and returns its initial record
// immediately. Classification, probing, and pipeline launch continue in the
// background; progress is visible through the stream's status.
func (m *Manager) Add(ctx context.Context, userID, sourceURL, name string) (models.Stream, error) {
	sourceURL = strings.TrimSpace(sourceURL)
	if sourceURL == "" {
		return models.Stream{}, fmt.Errorf("source url is required")
	}
	id := newStreamID()

	info := models.Stream{
		ID:        id,
		UserID:    userID,
		Name:      strings.TrimSpace(name),
		SourceURL: sourceURL,
		Status:    models.StatusInitializing,
	}
	if info.Name == "" {
		info.Name = "Stream " + id[:6]
	}

	created, err := m.repo.CreateStream(ctx, info)
	if err != nil {
		return models.Stream{}, err
	}

	sup := m.newSupervisor(created)
	m.mu.Lock()
	m.streams[streamKey{userID, id}] = sup
	m.mu.Unlock()

	go m.initialize(sup, strings.TrimSpace(name))
	return created, nil
}

// initialize classifies the source, probes metadata, picks the final display
// name, persists the classification, and starts the pipeline.
func (m *Manager) initialize(sup *Supervisor, requestedName string) {
	ctx := context.Background()
	info := sup.Snapshot()

	handler := m.registry.Classify(info.SourceURL)
	meta := handler.Describe(ctx, info.SourceURL)

	name := requestedName
	if name == "" {
		name = strings.TrimSpace(meta.Title)
	}
	if name == "" {
		name = source.DeriveName(info.SourceURL)
	}
	sup.Configure(handler, name, handler.Platform(), meta.IsVOD)

	if err := sup.Start(ctx); err != nil {
		m.logger.Error("stream failed to start", "stream_id", info.ID, "error", err)
	}
}

// Get returns the live record for one stream.
func (m *Manager) Get(userID, streamID string) (models.Stream, bool) {
	m.mu.Lock()
	sup, ok := m.streams[streamKey{userID, streamID}]
	m.mu.Unlock()
	if !ok {
		return models.Stream{}, false
	}
	return sup.Snapshot(), true
}

// Supervisor returns the supervisor for direct operations such as Stop.
func (m *Manager) Supervisor(userID, streamID string) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sup, ok := m.streams[streamKey{userID, streamID}]
	return sup, ok
}

// List returns snapshots of the user's streams, newest first.
func (m *Manager) List(userID string) []models.Stream {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.streams))
	for key, sup := range m.streams {
		if key.userID == userID {
			sups = append(sups, sup)
		}
	}
	m.mu.Unlock()

	out := make([]models.Stream, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Snapshot())
	}
	sortByCreation(out)
	return out
}

// Remove stops the stream, deletes its working directory, and drops it from
// the registry and the datastore. A stream waiting out a restart backoff is
// aborted within one poll tick.
func (m *Manager) Remove(ctx context.Context, userID, streamID string) error {
	key := streamKey{userID, streamID}
	m.mu.Lock()
	sup, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()
	if !ok {
		return storage.ErrStreamNotFound
	}

	sup.Cleanup()
	if err := m.repo.DeleteStream(ctx, userID, streamID); err != nil {
		return err
	}
	m.logger.Info("stream removed", "stream_id", streamID, "user_id", userID)
	return nil
}

// StopAll halts every supervisor in parallel. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.streams))
	for _, sup := range m.streams {
		sups = append(sups, sup)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, sup := range sups {
		sup := sup
		g.Go(func() error {
			sup.Stop()
			return nil
		})
	}
	g.Wait()
}

// Restore rebuilds supervisors for every persisted stream and relaunches
// them. Called once at boot so streams survive process restarts.
func (m *Manager) Restore(ctx context.Context) error {
	persisted, err := m.repo.ListAllStreams(ctx)
	if err != nil {
		return fmt.Errorf("list persisted streams: %w", err)
	}
	for _, info := range persisted {
		info.Status = models.StatusInitializing
		sup := m.newSupervisor(info)
		m.mu.Lock()
		m.streams[streamKey{info.UserID, info.ID}] = sup
		m.mu.Unlock()
		go m.initialize(sup, info.Name)
	}
	m.logger.Info("restored persisted streams", "count", len(persisted))
	return nil
}

func (m *Manager) newSupervisor(info models.Stream) *Supervisor {
	dir := filepath.Join(m.baseDir, info.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		m.logger.Error("creating stream directory", "dir", dir, "error", err)
	}
	userID := info.UserID
	streamID := info.ID
	onChange := func(snapshot models.Stream) {
		update := storage.StreamUpdate{
			Name:         &snapshot.Name,
			Status:       &snapshot.Status,
			ErrorMessage: &snapshot.ErrorMessage,
			IsPlatform:   &snapshot.IsPlatform,
			IsVOD:        &snapshot.IsVOD,
		}
		if _, err := m.repo.UpdateStream(context.Background(), userID, streamID, update); err != nil {
			m.logger.Warn("persisting stream state", "stream_id", streamID, "error", err)
		}
	}
	return NewSupervisor(info, dir, m.timings, m.fetcher, m.newPipeline, m.logger, m.metrics, onChange)
}

// newStreamID yields a short hex identifier derived from a UUID.
func newStreamID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func sortByCreation(streams []models.Stream) {
	sort.Slice(streams, func(i, j int) bool {
		return streams[i].CreatedAt.After(streams[j].CreatedAt)
	})
}
