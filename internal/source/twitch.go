package source

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// TwitchHandler reaches Twitch live streams through a streamlink feeder piped
// into the transcoder.
type TwitchHandler struct {
	runner Runner
}

func (h *TwitchHandler) Name() string { return "twitch" }

func (h *TwitchHandler) Platform() bool { return true }

func (h *TwitchHandler) CanHandle(url string) bool {
	return strings.Contains(strings.ToLower(url), "twitch.tv/")
}

func (h *TwitchHandler) Describe(ctx context.Context, url string) Metadata {
	fallback := Metadata{IsLive: true}
	result, err := h.runner.Run(ctx, 10*time.Second, "streamlink", "--json", url)
	if err != nil || result.ExitCode != 0 {
		return fallback
	}
	var payload struct {
		Metadata struct {
			Title string `json:"title"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal([]byte(result.Stdout), &payload); err != nil {
		return fallback
	}
	return Metadata{Title: payload.Metadata.Title, IsLive: true}
}

func (h *TwitchHandler) FeederCommand(url string) []string {
	return []string{"streamlink", "--stdout", url, "best"}
}

func (h *TwitchHandler) TranscoderInputArgs(context.Context, string) ([]string, string, error) {
	return nil, "pipe:0", nil
}
