package source

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// Metadata describes what a handler could learn about a source URL without
// starting it. Describe is best-effort: handlers return a sensible default
// instead of failing.
type Metadata struct {
	Title           string
	DurationSeconds float64
	IsLive          bool
	IsVOD           bool
}

// Handler resolves one class of source URLs into launchable commands. The
// supervisor treats the returned flags as opaque and passes them through to
// the transcoder unchanged.
type Handler interface {
	Name() string
	// Platform reports whether the source needs an auth-bearing upstream
	// session subject to token expiry.
	Platform() bool
	CanHandle(url string) bool
	Describe(ctx context.Context, url string) Metadata
	// FeederCommand returns the argv of an upstream feeder process, or nil
	// when the transcoder should read the input directly.
	FeederCommand(url string) []string
	// TranscoderInputArgs returns extra input flags and the resolved input
	// locator for the transcoder.
	TranscoderInputArgs(ctx context.Context, url string) ([]string, string, error)
}

// Result captures the outcome of a finished probe command. A non-zero
// ExitCode is data, not an error: handlers inspect stderr to decide whether
// to try another strategy.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes short-lived probe commands. Injected so handler tests can
// run without the external tools installed.
type Runner interface {
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error)
}

// ExecRunner runs probe commands through os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	result := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}
	return result, nil
}
