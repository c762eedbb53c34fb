package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gordonklaus/portaudio"
)

const defaultFramesPerBuffer = 1024

// MicSource captures from the default input device. Each PortAudio callback
// chunk is appended to an internal buffer and forwarded to the chunk handler
// immediately, so consumers can stream with low latency while still getting
// the full recording from Stop.
type MicSource struct {
	sampleRate      int
	channels        int
	framesPerBuffer int

	mu        sync.Mutex
	handler   ChunkHandler
	stream    *portaudio.Stream
	buf       []byte
	recording bool
	lastErr   string
}

func NewMicSource(sampleRate, channels, framesPerBuffer int) *MicSource {
	if framesPerBuffer <= 0 {
		framesPerBuffer = defaultFramesPerBuffer
	}
	return &MicSource{
		sampleRate:      sampleRate,
		channels:        channels,
		framesPerBuffer: framesPerBuffer,
	}
}

func (m *MicSource) OnChunk(fn ChunkHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = fn
}

func (m *MicSource) Recording() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recording
}

// Err returns the most recent capture error as a displayable string.
func (m *MicSource) Err() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

func (m *MicSource) ClearError() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = ""
}

// Start arms capture on the default input device. A refused device access
// surfaces as ErrPermissionDenied.
func (m *MicSource) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.recording {
		return ErrAlreadyRecording
	}

	if err := portaudio.Initialize(); err != nil {
		m.lastErr = err.Error()
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(
		m.channels, 0, float64(m.sampleRate), m.framesPerBuffer, m.onSamples)
	if err != nil {
		portaudio.Terminate()
		m.lastErr = err.Error()
		return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		m.lastErr = err.Error()
		return fmt.Errorf("failed to start input stream: %w", err)
	}

	m.stream = stream
	m.buf = nil
	m.recording = true
	m.lastErr = ""
	slog.Debug("Capture armed", "sampleRate", m.sampleRate, "channels", m.channels)
	return nil
}

// Stop disarms capture and returns the full buffered recording. It always
// releases the device, even when stopping the stream reports an error.
func (m *MicSource) Stop() ([]byte, error) {
	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		return nil, nil
	}
	m.recording = false
	stream := m.stream
	m.stream = nil
	buf := m.buf
	m.buf = nil
	m.mu.Unlock()

	var stopErr error
	if err := stream.Stop(); err != nil {
		stopErr = fmt.Errorf("failed to stop input stream: %w", err)
	}
	if err := stream.Close(); err != nil && stopErr == nil {
		stopErr = fmt.Errorf("failed to close input stream: %w", err)
	}
	portaudio.Terminate()

	if stopErr != nil {
		m.mu.Lock()
		m.lastErr = stopErr.Error()
		m.mu.Unlock()
		slog.Error("Failed to release capture stream", "error", stopErr)
	}

	slog.Debug("Capture disarmed", "bytes", len(buf))
	if len(buf) == 0 {
		return nil, stopErr
	}
	return buf, stopErr
}

// onSamples runs on the PortAudio callback thread.
func (m *MicSource) onSamples(in []int16) {
	chunk := make([]byte, len(in)*2)
	for i, sample := range in {
		binary.LittleEndian.PutUint16(chunk[i*2:], uint16(sample))
	}

	m.mu.Lock()
	if !m.recording {
		m.mu.Unlock()
		return
	}
	m.buf = append(m.buf, chunk...)
	handler := m.handler
	m.mu.Unlock()

	if handler != nil {
		handler(chunk)
	}
}

// ListInputDevices returns the available audio input devices.
func ListInputDevices() ([]portaudio.DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	defer portaudio.Terminate()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to get devices: %w", err)
	}

	inputDevices := make([]portaudio.DeviceInfo, 0)
	for _, device := range devices {
		if device.MaxInputChannels > 0 {
			inputDevices = append(inputDevices, *device)
		}
	}

	return inputDevices, nil
}
