package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"streamrelay/internal/models"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/source"
)

// Supervisor owns the lifecycle of a single stream: launching its pipeline,
// watching it, restarting platform sources with exponential backoff, and
// killing stalled transcoders. Every background task it spawns carries the
// generation value current at spawn time and exits silently once that value
// goes stale, so Stop and Remove never wait on goroutines.
type Supervisor struct {
	dir         string
	timings     Timings
	logger      *slog.Logger
	metrics     *metrics.Recorder
	fetcher     *Fetcher
	newPipeline PipelineFactory
	// onChange receives a snapshot after every state transition so the
	// registry can persist it. Must not call back into the supervisor.
	onChange func(models.Stream)

	gen generation
	// refreshKill marks that the next pipeline death was a deliberate
	// credential-refresh kill rather than a crash.
	refreshKill atomic.Bool

	mu        sync.Mutex
	info      models.Stream
	handler   source.Handler
	pipeline  Pipeline
	videoPath string
	startTime time.Time

	// restartMu serializes restart attempts and guards restartCount.
	restartMu    sync.Mutex
	restartCount int64
}

// NewSupervisor wraps an existing stream record. The handler is attached
// later via Configure once classification and probing finish.
func NewSupervisor(info models.Stream, dir string, timings Timings, fetcher *Fetcher, factory PipelineFactory, logger *slog.Logger, rec *metrics.Recorder, onChange func(models.Stream)) *Supervisor {
	if rec == nil {
		rec = metrics.Default()
	}
	if factory == nil {
		factory = NewFFmpegPipeline
	}
	return &Supervisor{
		dir:         dir,
		timings:     timings,
		logger:      logger.With("stream_id", info.ID, "user_id", info.UserID),
		metrics:     rec,
		fetcher:     fetcher,
		newPipeline: factory,
		onChange:    onChange,
		info:        info,
	}
}

// Configure records the classification result. Must be called before Start.
func (s *Supervisor) Configure(handler source.Handler, name string, isPlatform, isVOD bool) {
	s.mu.Lock()
	s.handler = handler
	s.info.Name = name
	s.info.IsPlatform = isPlatform
	s.info.IsVOD = isVOD
	snapshot := s.info
	s.mu.Unlock()
	s.notify(snapshot)
}

// Snapshot returns a copy of the stream's current record.
func (s *Supervisor) Snapshot() models.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// PlaylistURL is the path clients play this stream from.
func (s *Supervisor) PlaylistURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("/streams/%s/%s", s.info.ID, PlaylistName)
}

// Dir exposes the output directory for HTTP serving.
func (s *Supervisor) Dir() string {
	return s.dir
}

// Start launches a new pipeline generation. It is a no-op when a pipeline is
// already alive and returns an error only for failures that make the stream
// terminally unusable; those also move the status to error.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.pipeline != nil && s.pipeline.Alive() {
		s.mu.Unlock()
		return nil
	}
	handler := s.handler
	info := s.info
	s.mu.Unlock()
	if handler == nil {
		return errors.New("stream not configured")
	}

	s.gen.SetStopping(false)
	gen := s.gen.Bump()
	s.setStatus(models.StatusStarting, "")
	purgeOutputs(s.dir)

	pipeline := s.newPipeline(s.dir, s.timings, s.logger)
	var err error
	switch {
	case info.IsVOD:
		err = s.startLooped(ctx, pipeline, info.SourceURL)
	default:
		if feeder := handler.FeederCommand(info.SourceURL); feeder != nil {
			err = pipeline.StartPiped(ctx, feeder)
		} else {
			var flags []string
			var input string
			flags, input, err = handler.TranscoderInputArgs(ctx, info.SourceURL)
			if err == nil {
				err = pipeline.StartDirect(ctx, flags, input)
			}
		}
	}
	if err != nil {
		s.logger.Error("pipeline launch failed", "error", err)
		s.metrics.StreamErrored()
		s.setStatus(models.StatusError, err.Error())
		return err
	}

	s.mu.Lock()
	s.pipeline = pipeline
	s.startTime = time.Now()
	s.mu.Unlock()
	s.setStatus(models.StatusRunning, "")
	s.metrics.StreamStarted()
	s.logger.Info("pipeline started", "generation", gen, "platform", info.IsPlatform, "vod", info.IsVOD)

	go s.monitor(gen, pipeline, info.IsPlatform)
	if info.IsPlatform || info.IsVOD {
		go s.healthCheck(gen, pipeline)
	}
	if info.IsPlatform && !info.IsVOD {
		go s.proactiveRefresh(gen, pipeline)
	}
	return nil
}

// startLooped ensures the source asset is on disk and plays it on a loop.
// The download result is cached across restarts.
func (s *Supervisor) startLooped(ctx context.Context, pipeline Pipeline, url string) error {
	s.mu.Lock()
	path := s.videoPath
	s.mu.Unlock()
	if path == "" {
		s.setStatus(models.StatusDownloading, "")
		fetched, cached, err := s.fetcher.Fetch(ctx, s.dir, url)
		if err != nil {
			return err
		}
		if cached {
			s.logger.Info("reusing downloaded source video", "path", fetched)
		}
		path = fetched
		s.mu.Lock()
		s.videoPath = fetched
		s.mu.Unlock()
	}
	return pipeline.StartLoop(ctx, path)
}

// Stop permanently halts the stream. Safe to call at any point in the
// lifecycle, including mid-backoff, and safe to call twice.
func (s *Supervisor) Stop() {
	s.gen.SetStopping(true)
	s.gen.Bump()

	s.mu.Lock()
	pipeline := s.pipeline
	wasActive := s.info.Status == models.StatusRunning ||
		s.info.Status == models.StatusStarting ||
		s.info.Status == models.StatusRestarting ||
		s.info.Status == models.StatusDownloading
	s.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if wasActive {
		s.metrics.StreamStopped()
	}
	s.setStatus(models.StatusStopped, "")
}

// Cleanup stops the stream and removes its output directory.
func (s *Supervisor) Cleanup() {
	s.Stop()
	if err := os.RemoveAll(s.dir); err != nil {
		s.logger.Warn("removing stream directory", "error", err)
	}
}

// SetError marks the stream failed without touching any pipeline. Used when
// classification or probing fails before a pipeline ever exists.
func (s *Supervisor) SetError(msg string) {
	s.metrics.StreamErrored()
	s.setStatus(models.StatusError, msg)
}

// monitor waits for the pipeline to exit and applies the restart policy.
// Platform sources are restarted on any exit, clean or not, because their
// upstream sessions expire. Other sources stop on a clean exit and fail on a
// dirty one.
func (s *Supervisor) monitor(gen int64, pipeline Pipeline, platform bool) {
	code := pipeline.Wait()
	if s.gen.Cancelled(gen) {
		return
	}
	reason := "crash"
	if s.refreshKill.Swap(false) {
		reason = "token_refresh"
	}
	switch {
	case code == 0 && !platform:
		s.logger.Info("pipeline finished")
		s.metrics.StreamStopped()
		s.setStatus(models.StatusStopped, "")
	case code == 0:
		s.logger.Info("pipeline exited cleanly, upstream session likely ended")
		s.tryRestart(gen, "clean_exit")
	case platform:
		s.logger.Warn("pipeline died", "exit_code", code, "stderr", pipeline.StderrTail())
		s.tryRestart(gen, reason)
	default:
		s.logger.Error("pipeline died", "exit_code", code, "stderr", pipeline.StderrTail())
		s.metrics.StreamErrored()
		s.setStatus(models.StatusError, fmt.Sprintf("transcoder exited with code %d", code))
	}
}

// tryRestart waits out the backoff delay for the current attempt and starts
// a fresh generation. It aborts when the observed generation is no longer
// live, and the wait polls the stopping flag so an explicit Stop aborts it
// within one tick.
func (s *Supervisor) tryRestart(gen int64, reason string) {
	s.restartMu.Lock()
	defer s.restartMu.Unlock()
	if s.gen.Stopping() || s.gen.Stale(gen) {
		return
	}
	s.restartCount++
	attempt := s.restartCount
	s.metrics.ObserveRestart(reason)
	s.setStatus(models.StatusRestarting, "")

	delay := backoffDelay(attempt, s.timings.BackoffBase, s.timings.BackoffCap)
	s.logger.Info("restarting pipeline", "reason", reason, "attempt", attempt, "delay", delay)
	if !sleep(delay, s.timings.PollTick, s.gen.Stopping) {
		return
	}
	if err := s.Start(context.Background()); err != nil {
		return
	}
	go s.confirmRecovery(s.gen.Current())
}

// confirmRecovery resets the attempt counter once a restarted pipeline has
// proven itself by producing segments for a full recovery window. Resetting
// on mere process launch would defeat the backoff for sources that die
// seconds after starting.
func (s *Supervisor) confirmRecovery(gen int64) {
	cancelled := func() bool { return s.gen.Cancelled(gen) }
	if !sleep(s.timings.RecoveryWindow, s.timings.PollTick, cancelled) {
		return
	}
	count, _ := ProbeSegments(s.dir)
	if count == 0 || cancelled() {
		return
	}
	s.restartMu.Lock()
	s.restartCount = 0
	s.restartMu.Unlock()
	s.metrics.StreamRecovered()
	s.logger.Info("stream recovered, restart counter reset")
}

// healthCheck kills pipelines whose process is alive but whose output went
// stale. The transcoder can hang indefinitely on a dead upstream socket
// without exiting; segment mtimes are the ground truth for liveness.
func (s *Supervisor) healthCheck(gen int64, pipeline Pipeline) {
	cancelled := func() bool { return s.gen.Cancelled(gen) }
	if !sleep(s.timings.HealthGrace, s.timings.PollTick, cancelled) {
		return
	}
	for {
		if cancelled() || !pipeline.Alive() {
			return
		}
		count, newest := ProbeSegments(s.dir)
		if count > 0 {
			if age := time.Since(newest); age > s.timings.StuckThreshold {
				s.logger.Warn("segments stale, killing pipeline", "age", age)
				s.metrics.ObserveHealthFailure("stuck")
				pipeline.Kill()
				return
			}
		} else {
			s.mu.Lock()
			started := s.startTime
			s.mu.Unlock()
			if time.Since(started) > s.timings.HealthGrace+s.timings.NoSegmentSlack {
				s.logger.Warn("no segments produced since start, killing pipeline")
				s.metrics.ObserveHealthFailure("no_segments")
				pipeline.Kill()
				return
			}
		}
		if !sleep(s.timings.HealthInterval, s.timings.PollTick, cancelled) {
			return
		}
	}
}

// proactiveRefresh kills long-running platform pipelines before their
// upstream credentials expire, so the restart re-resolves the source with
// fresh tokens instead of stalling mid-stream.
func (s *Supervisor) proactiveRefresh(gen int64, pipeline Pipeline) {
	cancelled := func() bool { return s.gen.Cancelled(gen) }
	if !sleep(s.timings.RefreshInterval, s.timings.PollTick, cancelled) {
		return
	}
	if cancelled() || !pipeline.Alive() {
		return
	}
	s.logger.Info("proactive credential refresh, restarting pipeline")
	s.refreshKill.Store(true)
	pipeline.Kill()
}

func (s *Supervisor) setStatus(status models.StreamStatus, errMsg string) {
	s.mu.Lock()
	s.info.Status = status
	s.info.ErrorMessage = errMsg
	snapshot := s.info
	s.mu.Unlock()
	s.notify(snapshot)
}

func (s *Supervisor) notify(snapshot models.Stream) {
	if s.onChange != nil {
		s.onChange(snapshot)
	}
}
