package source

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// botDetectionSignature marks the class of failures worth retrying with
// browser cookies. Any other failure aborts the strategy chain.
const botDetectionSignature = "Sign in to confirm"

// FetchStrategies is the ordered list of extra yt-dlp arguments tried when a
// probe or download hits bot detection.
var FetchStrategies = []FetchStrategy{
	{Description: "without cookies"},
	{Description: "with browser cookies", ExtraArgs: []string{"--cookies-from-browser", "chrome"}},
}

// FetchStrategy is one credential variant for reaching a guarded source.
type FetchStrategy struct {
	Description string
	ExtraArgs   []string
}

// BotDetected reports whether stderr output matches the bot-detection class
// of failures that justifies retrying with the next strategy.
func BotDetected(stderr string) bool {
	return strings.Contains(stderr, botDetectionSignature)
}

// YouTubeHandler covers both YouTube live streams (piped through a yt-dlp
// feeder) and VODs (downloaded once and looped).
type YouTubeHandler struct {
	runner Runner
}

func (h *YouTubeHandler) Name() string { return "youtube" }

func (h *YouTubeHandler) Platform() bool { return true }

func (h *YouTubeHandler) CanHandle(url string) bool {
	lowered := strings.ToLower(url)
	return strings.Contains(lowered, "youtube.com/") || strings.Contains(lowered, "youtu.be/")
}

func (h *YouTubeHandler) Describe(ctx context.Context, url string) Metadata {
	for _, strategy := range FetchStrategies {
		args := append([]string{"--js-runtimes", "node"}, strategy.ExtraArgs...)
		args = append(args,
			"--print", "%(title)s|%(is_live)s|%(duration)s",
			"--no-warnings", "--no-playlist", "--no-download",
			url,
		)
		result, err := h.runner.Run(ctx, 20*time.Second, "yt-dlp", args...)
		if err != nil {
			break
		}
		if result.ExitCode == 0 && strings.TrimSpace(result.Stdout) != "" {
			return parseProbeOutput(result.Stdout)
		}
		if BotDetected(result.Stderr) {
			continue
		}
		break
	}
	// Most YouTube links are VODs.
	return Metadata{IsLive: false, IsVOD: true}
}

func parseProbeOutput(output string) Metadata {
	parts := strings.Split(strings.TrimSpace(output), "|")
	meta := Metadata{}
	if len(parts) > 0 {
		meta.Title = parts[0]
	}
	if len(parts) > 1 {
		live := strings.ToLower(strings.TrimSpace(parts[1]))
		meta.IsLive = live == "true" || live == "1"
	}
	hasDuration := false
	if len(parts) > 2 {
		raw := strings.TrimSpace(parts[2])
		if raw != "" && !strings.EqualFold(raw, "none") && !strings.EqualFold(raw, "na") {
			if duration, err := strconv.ParseFloat(raw, 64); err == nil {
				meta.DurationSeconds = duration
				hasDuration = true
			}
		}
	}
	meta.IsVOD = !meta.IsLive && hasDuration
	return meta
}

func (h *YouTubeHandler) FeederCommand(url string) []string {
	return []string{
		"yt-dlp",
		"--js-runtimes", "node",
		"-f", "best",
		"--throttled-rate", "100K",
		"-o", "-",
		url,
	}
}

func (h *YouTubeHandler) TranscoderInputArgs(context.Context, string) ([]string, string, error) {
	return nil, "pipe:0", nil
}
