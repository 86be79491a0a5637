package stream

import (
	"os"
	"path/filepath"
	"time"
)

// ProbeSegments reads the segment state of a stream's output directory: the
// number of segment files and the most recent modification time among them.
// Pure read; callers own all policy.
func ProbeSegments(dir string) (int, time.Time) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.ts"))
	if err != nil {
		return 0, time.Time{}
	}
	var newest time.Time
	count := 0
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil {
			continue
		}
		count++
		if mtime := info.ModTime(); mtime.After(newest) {
			newest = mtime
		}
	}
	return count, newest
}

// purgeOutputs deletes leftover segment and playlist files from a previous
// generation so freshness checks never observe stale data.
func purgeOutputs(dir string) {
	for _, pattern := range []string{"*.ts", "*.m3u8", "*.part"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, match := range matches {
			_ = os.Remove(match)
		}
	}
}
