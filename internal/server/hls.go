package server

import (
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// hlsHandler serves playlists and segments from the stream output tree. Only
// streamID/filename paths are allowed, and playlists are marked uncacheable
// because they change every segment interval.
func hlsHandler(root string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		streamID, file, ok := splitHLSPath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		full := filepath.Join(root, streamID, file)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			http.NotFound(w, r)
			return
		}

		switch {
		case strings.HasSuffix(file, ".m3u8"):
			w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
			w.Header().Set("Cache-Control", "no-store")
		case strings.HasSuffix(file, ".ts"):
			w.Header().Set("Content-Type", "video/mp2t")
			w.Header().Set("Cache-Control", "public, max-age=60")
		default:
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, full)
	})
}

// splitHLSPath validates a stripped /streams/ path of the form id/file. Any
// other shape, including traversal attempts, is rejected.
func splitHLSPath(p string) (streamID, file string, ok bool) {
	p = strings.Trim(p, "/")
	parts := strings.Split(p, "/")
	if len(parts) != 2 {
		return "", "", false
	}
	streamID, file = parts[0], parts[1]
	if streamID == "" || file == "" {
		return "", "", false
	}
	for _, part := range parts {
		if part == "." || part == ".." || strings.ContainsAny(part, `\`) {
			return "", "", false
		}
	}
	return streamID, file, true
}
