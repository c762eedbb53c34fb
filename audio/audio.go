// Package audio abstracts microphone capture and one-at-a-time playback
// behind small start/stop contracts, with PortAudio implementations.
package audio

import "errors"

var (
	// ErrPermissionDenied is returned when the host refuses access to the
	// default input device.
	ErrPermissionDenied = errors.New("microphone permission denied")

	// ErrAlreadyRecording is returned by Start while a capture is active.
	ErrAlreadyRecording = errors.New("recording already in progress")
)

// ChunkHandler receives each raw little-endian PCM chunk as it is captured,
// in capture order.
type ChunkHandler func(chunk []byte)

// CaptureSource produces a push-based sequence of binary audio chunks while
// armed, buffering everything for retrieval on Stop.
type CaptureSource interface {
	// Start arms capture. Chunks stream to the registered handler until
	// Stop is called.
	Start() error

	// Stop disarms capture, releases the device, and returns the
	// concatenation of all buffered chunks in capture order, or nil when
	// nothing was captured. Calling Stop with no active recording is not
	// an error.
	Stop() ([]byte, error)

	// OnChunk registers the streaming handler. Register before Start.
	OnChunk(fn ChunkHandler)

	Recording() bool
}

// PlaybackSink plays one remote audio resource at a time. Play unloads any
// previously loaded resource first; the completion handler fires on natural
// end of playback without the caller polling.
type PlaybackSink interface {
	Play(uri string) error
	Stop()
	OnComplete(fn func())
	Playing() bool

	// Close unloads any loaded resource when the owning session ends.
	Close()
}
