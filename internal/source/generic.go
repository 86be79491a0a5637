package source

import (
	"context"
	"strings"
)

// GenericHandler is the catch-all for RTSP/RTMP/HTTP streams. It must remain
// last in the registry chain.
type GenericHandler struct{}

func (GenericHandler) Name() string { return "generic" }

func (GenericHandler) Platform() bool { return false }

func (GenericHandler) CanHandle(string) bool { return true }

// Describe assumes a live feed: generic streams carry no extractable
// metadata.
func (GenericHandler) Describe(context.Context, string) Metadata {
	return Metadata{IsLive: true}
}

func (GenericHandler) FeederCommand(string) []string { return nil }

func (GenericHandler) TranscoderInputArgs(_ context.Context, url string) ([]string, string, error) {
	var flags []string
	if strings.HasPrefix(url, "http") {
		flags = append(flags, "-reconnect", "1", "-reconnect_delay_max", "5")
		if strings.Contains(url, ".m3u8") || strings.Contains(url, "playlist") {
			flags = append(flags, "-reconnect_streamed", "1")
		}
	}
	return flags, url, nil
}
