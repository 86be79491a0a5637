package stream

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/source"
)

// sourceVideoPrefix names the cached media file inside a stream directory.
// The downloader picks the container extension, so lookups glob on it.
const sourceVideoPrefix = "source_video"

// Fetcher downloads on-demand media into stream directories. A weighted
// semaphore bounds concurrent downloads so a burst of new streams cannot
// saturate the host's bandwidth.
type Fetcher struct {
	runner  source.Runner
	sem     *semaphore.Weighted
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Recorder
}

// NewFetcher builds a fetcher allowing up to maxConcurrent simultaneous
// downloads.
func NewFetcher(runner source.Runner, maxConcurrent int64, timeout time.Duration, logger *slog.Logger, rec *metrics.Recorder) *Fetcher {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Fetcher{
		runner:  runner,
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
		logger:  logger,
		metrics: rec,
	}
}

// Fetch returns the path of the downloaded media for url inside dir. A file
// already present from an earlier download is reused without touching the
// network, which keeps restarts cheap and makes repeated fetches idempotent.
func (f *Fetcher) Fetch(ctx context.Context, dir, url string) (string, bool, error) {
	if cached := findCachedVideo(dir); cached != "" {
		f.metrics.ObserveVODFetch("hit")
		return cached, true, nil
	}

	if err := f.sem.Acquire(ctx, 1); err != nil {
		return "", false, fmt.Errorf("acquire download slot: %w", err)
	}
	defer f.sem.Release(1)

	// Another restart may have finished the download while we queued.
	if cached := findCachedVideo(dir); cached != "" {
		f.metrics.ObserveVODFetch("hit")
		return cached, true, nil
	}

	outputTemplate := filepath.Join(dir, sourceVideoPrefix+".%(ext)s")
	var failures []string
	for _, strategy := range source.FetchStrategies {
		args := []string{"--js-runtimes", "node"}
		args = append(args, strategy.ExtraArgs...)
		args = append(args, "--no-warnings", "-f", "best", "-o", outputTemplate, url)

		f.logger.Info("downloading source video", "strategy", strategy.Description, "url", url)
		res, err := f.runner.Run(ctx, f.timeout, "yt-dlp", args...)
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", strategy.Description, err))
			break
		}
		if res.ExitCode == 0 {
			if cached := findCachedVideo(dir); cached != "" {
				f.metrics.ObserveVODFetch("ok")
				return cached, false, nil
			}
			failures = append(failures, fmt.Sprintf("%s: downloader reported success but produced no file", strategy.Description))
			break
		}
		failures = append(failures, fmt.Sprintf("%s: exit %d: %s", strategy.Description, res.ExitCode, firstLine(res.Stderr)))
		if !source.BotDetected(res.Stderr) {
			break
		}
	}

	f.metrics.ObserveVODFetch("fail")
	return "", false, fmt.Errorf("download failed: %s", strings.Join(failures, " | "))
}

// findCachedVideo locates a previously downloaded media file, skipping the
// pipeline's own outputs which share the directory.
func findCachedVideo(dir string) string {
	matches, err := filepath.Glob(filepath.Join(dir, sourceVideoPrefix+".*"))
	if err != nil {
		return ""
	}
	for _, m := range matches {
		switch filepath.Ext(m) {
		case ".ts", ".m3u8", ".log", ".part":
			continue
		}
		return m
	}
	return ""
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
