package wal

import (
	"fmt"
	"os"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes WAL files last modified before now minus retention. The
// file currently being written by w, if any, is never removed.
func Cleanup(dir string, retention time.Duration, w *WAL) (CleanupStats, error) {
	var stats CleanupStats

	files, err := listFiles(dir)
	if err != nil {
		return stats, err
	}

	cutoff := time.Now().Add(-retention)
	for _, path := range files {
		if w != nil && w.file != nil && w.file.Name() == path {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return stats, fmt.Errorf("failed to remove %s: %w", path, err)
		}
		stats.FilesRemoved++
		stats.BytesFreed += info.Size()
	}

	return stats, nil
}
