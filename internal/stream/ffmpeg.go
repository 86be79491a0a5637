package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const stderrLogName = "ffmpeg_stderr.log"

// stderrTailBytes bounds how much diagnostic output is surfaced in status
// messages and logs.
const stderrTailBytes = 500

// ffmpegPipeline runs the real feeder/transcoder processes for one
// generation. A single reaper goroutine owns each Cmd's Wait so that Stop,
// Kill and the supervisor's monitor never race over process state.
type ffmpegPipeline struct {
	dir     string
	timings Timings
	logger  *slog.Logger

	mu         sync.Mutex
	feeder     *exec.Cmd
	feederDone chan struct{}
	transcoder *exec.Cmd
	done       chan struct{}
	exitCode   int
	stopping   bool
}

// NewFFmpegPipeline is the production PipelineFactory.
func NewFFmpegPipeline(dir string, timings Timings, logger *slog.Logger) Pipeline {
	return &ffmpegPipeline{dir: dir, timings: timings, logger: logger, exitCode: -1}
}

func (p *ffmpegPipeline) StartDirect(ctx context.Context, inputFlags []string, input string) error {
	args := append(append([]string{}, inputFlags...), "-i", input)
	args = append(args, liveEncodeArgs(p.dir)...)
	return p.launch(ctx, nil, args)
}

func (p *ffmpegPipeline) StartPiped(ctx context.Context, feederCmd []string) error {
	if len(feederCmd) == 0 {
		return errors.New("empty feeder command")
	}
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("create pipe: %w", err)
	}
	feeder := exec.CommandContext(ctx, feederCmd[0], feederCmd[1:]...)
	feeder.Stdout = w
	feeder.Stderr = io.Discard
	if err := feeder.Start(); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("start feeder %s: %w", feederCmd[0], err)
	}

	args := append([]string{"-i", "pipe:0"}, liveEncodeArgs(p.dir)...)
	if err := p.launch(ctx, r, args); err != nil {
		feeder.Process.Kill()
		feeder.Wait()
		r.Close()
		w.Close()
		return err
	}

	// The children hold their own descriptors now. Dropping the parent's
	// copies lets feeder death surface as EOF on the transcoder and
	// transcoder death surface as SIGPIPE on the feeder.
	r.Close()
	w.Close()

	feederDone := make(chan struct{})
	go func() {
		feeder.Wait()
		close(feederDone)
	}()

	p.mu.Lock()
	p.feeder = feeder
	p.feederDone = feederDone
	p.mu.Unlock()
	return nil
}

func (p *ffmpegPipeline) StartLoop(ctx context.Context, mediaPath string) error {
	args := []string{"-re", "-stream_loop", "-1", "-i", mediaPath}
	args = append(args, vodEncodeArgs(p.dir)...)
	return p.launch(ctx, nil, args)
}

// launch starts the transcoder with its stderr captured to a log file and
// spawns the reaper that records the exit code.
func (p *ffmpegPipeline) launch(ctx context.Context, stdin *os.File, args []string) error {
	stderr, err := os.OpenFile(filepath.Join(p.dir, stderrLogName), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcoder log: %w", err)
	}
	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stderr = stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}
	if err := cmd.Start(); err != nil {
		stderr.Close()
		return fmt.Errorf("start transcoder: %w", err)
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.transcoder = cmd
	p.done = done
	p.mu.Unlock()

	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			code = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			}
		}
		stderr.Close()

		p.mu.Lock()
		p.exitCode = code
		feeder := p.feeder
		p.mu.Unlock()
		// A feeder with no reader left serves nothing. SIGPIPE usually ends
		// it, but some tools ignore that while buffering.
		if feeder != nil && feeder.Process != nil {
			feeder.Process.Kill()
		}
		close(done)
	}()
	return nil
}

func (p *ffmpegPipeline) Wait() int {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return -1
	}
	<-done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *ffmpegPipeline) Alive() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

func (p *ffmpegPipeline) Kill() {
	p.mu.Lock()
	feeder := p.feeder
	transcoder := p.transcoder
	p.mu.Unlock()
	if feeder != nil && feeder.Process != nil {
		feeder.Process.Kill()
	}
	if transcoder != nil && transcoder.Process != nil {
		transcoder.Process.Kill()
	}
}

func (p *ffmpegPipeline) Stop() {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	feeder := p.feeder
	feederDone := p.feederDone
	transcoder := p.transcoder
	done := p.done
	p.mu.Unlock()

	// Feeder first so the transcoder drains remaining input and flushes the
	// playlist instead of dying mid-segment.
	if feeder != nil && feeder.Process != nil {
		feeder.Process.Kill()
		if feederDone != nil {
			waitOrTimeout(feederDone, p.timings.FeederStopWait)
		}
	}

	if transcoder == nil || done == nil {
		return
	}
	select {
	case <-done:
		return
	default:
	}
	if transcoder.Process != nil {
		transcoder.Process.Signal(os.Interrupt)
	}
	if !waitOrTimeout(done, p.timings.TranscoderStopWait) {
		if transcoder.Process != nil {
			transcoder.Process.Kill()
		}
		<-done
	}
}

func (p *ffmpegPipeline) StderrTail() string {
	return stderrTail(p.dir)
}

func waitOrTimeout(done <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// stderrTail reads the last portion of the transcoder log for diagnostics.
func stderrTail(dir string) string {
	f, err := os.Open(filepath.Join(dir, stderrLogName))
	if err != nil {
		return ""
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return ""
	}
	offset := info.Size() - stderrTailBytes
	if offset < 0 {
		offset = 0
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return ""
	}
	return strings.TrimSpace(string(buf))
}

// liveEncodeArgs produces HLS output tuned for low latency live relays.
func liveEncodeArgs(dir string) []string {
	return []string{
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", "30",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-f", "hls",
		"-hls_time", "2",
		"-hls_list_size", "10",
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(dir, "seg_%03d.ts"),
		filepath.Join(dir, PlaylistName),
	}
}

// vodEncodeArgs uses longer segments and a wider sequence space since looped
// assets run indefinitely.
func vodEncodeArgs(dir string) []string {
	return []string{
		"-c:v", "libx264",
		"-preset", "ultrafast",
		"-tune", "zerolatency",
		"-g", "30",
		"-sc_threshold", "0",
		"-c:a", "aac",
		"-b:a", "128k",
		"-ac", "2",
		"-f", "hls",
		"-hls_time", "4",
		"-hls_list_size", "10",
		"-hls_flags", "delete_segments+append_list",
		"-hls_segment_filename", filepath.Join(dir, "seg_%06d.ts"),
		filepath.Join(dir, PlaylistName),
	}
}
