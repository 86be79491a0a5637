package stream

import (
	"context"
	"log/slog"
)

// PlaylistName is the fixed playlist filename inside each stream's output
// directory.
const PlaylistName = "stream.m3u8"

// Pipeline owns the OS processes of one generation of one stream: an
// optional feeder whose stdout is piped into the transcoder, or a single
// direct transcoder. Implementations must make Stop and Kill idempotent and
// safe on an already-dead pipeline.
type Pipeline interface {
	// StartDirect launches the transcoder reading the resolved input
	// directly, passing the handler-supplied flags through unchanged.
	StartDirect(ctx context.Context, inputFlags []string, input string) error
	// StartPiped launches the feeder first, pipes its stdout into the
	// transcoder's stdin, and drops the parent's pipe references so process
	// exit propagates as EOF or a broken pipe.
	StartPiped(ctx context.Context, feederCmd []string) error
	// StartLoop launches the transcoder against a local media file with loop
	// and native-pacing flags so a finite asset behaves like a live feed.
	StartLoop(ctx context.Context, mediaPath string) error

	// Wait blocks until the transcoder exits and returns its exit code.
	Wait() int
	Alive() bool

	// Kill force-kills the feeder (if any) and then the transcoder.
	Kill()
	// Stop kills the feeder, waits briefly, asks the transcoder to terminate
	// gracefully, and escalates to a forceful kill after a bounded timeout.
	Stop()

	// StderrTail returns the tail of the transcoder's diagnostic output.
	StderrTail() string
}

// PipelineFactory builds the pipeline for one generation. Injected so
// supervisor tests can run without external tools.
type PipelineFactory func(dir string, timings Timings, logger *slog.Logger) Pipeline
