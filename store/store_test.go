package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wav "github.com/youpy/go-wav"

	"github.com/voicemode/voicemode/audio"
)

func TestSaveWritesDecodableWAV(t *testing.T) {
	dir := t.TempDir()
	recordings := New(dir, 16000, 1)

	pcm := []byte{0, 1, 0, 2, 0, 3, 0, 4}
	path, err := recordings.Save("m1", pcm)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, time.Now().Format("20060102"), "m1.wav"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	reader := wav.NewReader(bytes.NewReader(data))
	format, err := reader.Format()
	require.NoError(t, err)
	assert.Equal(t, uint32(16000), format.SampleRate)
	assert.Equal(t, uint16(1), format.NumChannels)
	assert.Equal(t, uint16(16), format.BitsPerSample)

	// No .tmp leftovers.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "m1.wav", entries[0].Name())
}

func TestSaveIndexesRecording(t *testing.T) {
	recordings := New(t.TempDir(), 16000, 1)

	_, err := recordings.Save("m1", []byte{0, 1})
	require.NoError(t, err)
	_, err = recordings.Save("a2", []byte{0, 2})
	require.NoError(t, err)

	path, ok := recordings.Lookup("m1")
	assert.True(t, ok)
	assert.FileExists(t, path)

	_, ok = recordings.Lookup("missing")
	assert.False(t, ok)

	assert.Equal(t, []string{"a2", "m1"}, recordings.List())
}

func TestWatchIndexesExternalFiles(t *testing.T) {
	dir := t.TempDir()
	recordings := New(dir, 16000, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- recordings.Watch(ctx) }()

	// Give the watcher a moment to establish its watches.
	require.Eventually(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, time.Now().Format("20060102")))
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	wavData, err := audio.EncodeWAV([]byte{0, 1, 0, 2}, 16000, 1)
	require.NoError(t, err)
	path := filepath.Join(dir, time.Now().Format("20060102"), "external.wav")
	require.NoError(t, os.WriteFile(path, wavData, 0644))

	require.Eventually(t, func() bool {
		_, ok := recordings.Lookup("external")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchPicksUpPreexistingFiles(t *testing.T) {
	dir := t.TempDir()
	dayDir := filepath.Join(dir, time.Now().Format("20060102"))
	require.NoError(t, os.MkdirAll(dayDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dayDir, "old.wav"), []byte("RIFF"), 0644))

	recordings := New(dir, 16000, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go recordings.Watch(ctx)

	require.Eventually(t, func() bool {
		_, ok := recordings.Lookup("old")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
}
