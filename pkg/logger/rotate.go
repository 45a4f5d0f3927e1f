package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// rotatingWriter keeps the payments audit trail bounded without ever
// truncating in place. Full files are renamed to <path>.<timestamp> so a
// settlement record survives until the retention window expires.
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	size       int64
}

const backupTimeLayout = "20060102T150405.000"

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.open(); err != nil {
		return 0, err
	}
	if w.maxSize > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
		if err := w.open(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) rotate() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	w.size = 0

	backup := fmt.Sprintf("%s.%s", w.path, time.Now().UTC().Format(backupTimeLayout))
	if _, err := os.Stat(w.path); err == nil {
		if err := os.Rename(w.path, backup); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	w.prune()
	return nil
}

// prune removes backups beyond the retention count or older than maxAge.
func (w *rotatingWriter) prune() {
	backups, err := w.listBackups()
	if err != nil {
		return
	}

	if w.maxAge > 0 {
		cutoff := time.Now().UTC().Add(-w.maxAge)
		kept := backups[:0]
		for _, b := range backups {
			if b.stamp.Before(cutoff) {
				_ = os.Remove(b.path)
				continue
			}
			kept = append(kept, b)
		}
		backups = kept
	}

	if w.maxBackups > 0 && len(backups) > w.maxBackups {
		// Oldest first.
		sort.Slice(backups, func(i, j int) bool { return backups[i].stamp.Before(backups[j].stamp) })
		for _, b := range backups[:len(backups)-w.maxBackups] {
			_ = os.Remove(b.path)
		}
	}
}

type backupFile struct {
	path  string
	stamp time.Time
}

func (w *rotatingWriter) listBackups() ([]backupFile, error) {
	matches, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return nil, err
	}
	backups := make([]backupFile, 0, len(matches))
	for _, match := range matches {
		suffix := strings.TrimPrefix(match, w.path+".")
		stamp, err := time.Parse(backupTimeLayout, suffix)
		if err != nil {
			continue
		}
		backups = append(backups, backupFile{path: match, stamp: stamp})
	}
	return backups, nil
}
