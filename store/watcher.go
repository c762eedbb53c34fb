package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watch indexes WAV files as they appear under today's directory, so
// recordings written by other processes show up too. Blocks until the
// context is cancelled.
func (r *Recordings) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("failed to create recordings directory: %w", err)
	}
	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch recordings directory: %w", err)
	}

	// Create and watch today's directory up front so files written before
	// the first directory event are not missed.
	dayDir := filepath.Join(r.dir, currentDateDir())
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return fmt.Errorf("failed to create current day directory: %w", err)
	}
	if err := watcher.Add(dayDir); err != nil {
		return fmt.Errorf("failed to watch current day directory: %w", err)
	}

	r.scanExisting(dayDir)
	slog.Info("Watching recordings directory", "path", r.dir)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if err := r.handleFSEvent(watcher, event); err != nil {
				slog.Error("Failed to handle file system event",
					"error", err,
					"event", event)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("File watcher error", "error", err)
		}
	}
}

func (r *Recordings) handleFSEvent(watcher *fsnotify.Watcher, event fsnotify.Event) error {
	if strings.HasSuffix(event.Name, ".tmp") || event.Op&fsnotify.Create == 0 {
		return nil
	}

	relPath, err := filepath.Rel(r.dir, event.Name)
	if err != nil {
		return fmt.Errorf("failed to get relative path: %w", err)
	}

	parts := strings.Split(relPath, string(filepath.Separator))

	// A new dated directory appearing at the top level (day rollover).
	if len(parts) == 1 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if parts[0] != currentDateDir() {
				return nil
			}
			if err := watcher.Add(event.Name); err != nil {
				return fmt.Errorf("failed to watch new day directory: %w", err)
			}
			slog.Info("Watching new day directory", "path", event.Name)
		}
		return nil
	}

	// Only index recordings from today's directory.
	if len(parts) != 2 || parts[0] != currentDateDir() {
		return nil
	}
	if !strings.HasSuffix(parts[1], ".wav") {
		return nil
	}

	id := strings.TrimSuffix(parts[1], ".wav")
	r.remember(id, event.Name)
	slog.Debug("Indexed recording", "messageID", id, "path", event.Name)
	return nil
}

func (r *Recordings) scanExisting(dayDir string) {
	entries, err := os.ReadDir(dayDir)
	if err != nil {
		slog.Error("Failed to scan recordings directory", "error", err, "path", dayDir)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".wav") {
			continue
		}
		r.remember(strings.TrimSuffix(name, ".wav"), filepath.Join(dayDir, name))
	}
}
