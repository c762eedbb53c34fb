// Package store persists finished utterance recordings as dated WAV files
// and keeps an index of today's recordings via a filesystem watcher.
package store

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/voicemode/voicemode/audio"
)

func currentDateDir() string {
	return time.Now().Format("20060102")
}

// Recordings writes utterance PCM under <dir>/<YYYYMMDD>/<id>.wav and
// indexes what it sees there, whether written by Save or by anyone else.
type Recordings struct {
	dir        string
	sampleRate int
	channels   int

	mu    sync.Mutex
	index map[string]string // message id -> file path
}

func New(dir string, sampleRate, channels int) *Recordings {
	return &Recordings{
		dir:        dir,
		sampleRate: sampleRate,
		channels:   channels,
		index:      make(map[string]string),
	}
}

// Save encodes the PCM as WAV and writes it under today's directory. The
// file lands under its final name only after a complete write, so watchers
// never see partial recordings.
func (r *Recordings) Save(id string, pcm []byte) (string, error) {
	data, err := audio.EncodeWAV(pcm, r.sampleRate, r.channels)
	if err != nil {
		return "", err
	}

	dayDir := filepath.Join(r.dir, currentDateDir())
	if err := os.MkdirAll(dayDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create recordings directory: %w", err)
	}

	path := filepath.Join(dayDir, id+".wav")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write recording: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize recording: %w", err)
	}

	r.remember(id, path)
	slog.Info("Saved recording", "messageID", id, "path", path, "bytes", len(data))
	return path, nil
}

// Lookup returns the path of a recording by message id.
func (r *Recordings) Lookup(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	path, ok := r.index[id]
	return path, ok
}

// List returns the indexed message ids, sorted.
func (r *Recordings) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.index))
	for id := range r.index {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Recordings) remember(id, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index[id] = path
}
