// Package voice binds capture, playback and the realtime channel into a
// session controller that maintains an ordered transcript of interleaved
// user and assistant turns.
package voice

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicemode/voicemode/audio"
	"github.com/voicemode/voicemode/channel"
	"github.com/voicemode/voicemode/protocol"
	"github.com/voicemode/voicemode/store"
)

// Audio parameters announced in start_recording frames. The backend
// correlates chunks by connection and start/stop bracketing, so these must
// match what the capture source produces.
const (
	SampleRate = 16000
	Channels   = 1
)

// ErrSessionClosed is returned by operations invoked after Close.
var ErrSessionClosed = errors.New("voice session closed")

// Channel is the duplex connection the controller drives. Satisfied by
// *channel.Channel.
type Channel interface {
	Connect()
	Send(protocol.Envelope) bool
	Close()
	IsConnected() bool
	OnMessage(func(protocol.Envelope))
	OnStateChange(func(channel.State, error))
}

// Options wires the controller's collaborators. Channel, Capture and Player
// are required; Recordings is optional and receives finished utterance audio.
type Options struct {
	Channel    Channel
	Capture    audio.CaptureSource
	Player     audio.PlaybackSink
	Recordings *store.Recordings
}

// Controller is the voice session state machine. All session state is
// guarded by one mutex; collaborators are touched only through their public
// operations.
type Controller struct {
	ch         Channel
	capture    audio.CaptureSource
	player     audio.PlaybackSink
	recordings *store.Recordings

	mu         sync.Mutex
	transcript []Message
	index      map[string]int
	currentID  string
	playingID  string
	recording  bool
	closed     bool
	lastErr    string
	onUpdate   func()
}

func New(opts Options) *Controller {
	c := &Controller{
		ch:         opts.Channel,
		capture:    opts.Capture,
		player:     opts.Player,
		recordings: opts.Recordings,
		index:      make(map[string]int),
	}

	c.ch.OnMessage(c.handleMessage)
	c.ch.OnStateChange(func(state channel.State, err error) {
		if err != nil {
			c.setError(err.Error())
		}
		c.notify()
	})
	c.capture.OnChunk(c.sendChunk)
	c.player.OnComplete(c.playbackFinished)

	return c
}

// OnUpdate registers a change notification fired after every observable
// state change; the UI layer subscribes and re-reads the snapshots.
func (c *Controller) OnUpdate(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// Connect opens the channel; also restarts it after a terminal connection
// error.
func (c *Controller) Connect() {
	c.ch.Connect()
}

// StartRecording tells the server a recording is starting, then arms
// capture. The server must hear start_recording before the first chunk.
func (c *Controller) StartRecording() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSessionClosed
	}
	if c.recording {
		c.mu.Unlock()
		return audio.ErrAlreadyRecording
	}
	// Arm before capture starts so chunks delivered during stream startup
	// are forwarded, not dropped.
	c.recording = true
	c.mu.Unlock()

	if !c.ch.Send(protocol.StartRecording(SampleRate, Channels)) {
		c.disarm()
		c.setError(channel.ErrNotConnected.Error())
		c.notify()
		return channel.ErrNotConnected
	}

	if err := c.capture.Start(); err != nil {
		slog.Error("Failed to start recording", "error", err)
		c.disarm()
		c.setError(err.Error())
		c.notify()
		return err
	}

	c.notify()
	return nil
}

func (c *Controller) disarm() {
	c.mu.Lock()
	c.recording = false
	c.mu.Unlock()
}

// StopRecording disarms capture first, then tells the server the recording
// stopped. Returns the full buffered recording, or nil.
func (c *Controller) StopRecording() []byte {
	c.mu.Lock()
	if !c.recording {
		c.mu.Unlock()
		return nil
	}
	c.recording = false
	id := c.currentID
	c.mu.Unlock()

	pcm, err := c.capture.Stop()
	if err != nil {
		c.setError(err.Error())
	}

	c.ch.Send(protocol.StopRecording())

	if c.recordings != nil && len(pcm) > 0 {
		if id == "" {
			id = "local-" + uuid.NewString()
		}
		if _, err := c.recordings.Save(id, pcm); err != nil {
			slog.Error("Failed to save recording", "error", err, "messageID", id)
		}
	}

	c.notify()
	return pcm
}

// ToggleRecording is the single UI action: stop when armed, start otherwise.
func (c *Controller) ToggleRecording() error {
	if c.Recording() {
		c.StopRecording()
		return nil
	}
	return c.StartRecording()
}

// Play starts playback of a transcript entry's audio. It is a no-op while
// another entry is playing, when the entry does not exist, or when it has no
// audio.
func (c *Controller) Play(entryID string) {
	c.mu.Lock()
	if c.closed || c.playingID != "" {
		c.mu.Unlock()
		return
	}
	i, ok := c.index[entryID]
	if !ok || c.transcript[i].AudioURL == "" {
		c.mu.Unlock()
		return
	}
	url := c.transcript[i].AudioURL
	c.playingID = entryID
	c.mu.Unlock()

	if err := c.player.Play(url); err != nil {
		slog.Error("Failed to play audio", "error", err, "entryID", entryID)
		c.mu.Lock()
		c.playingID = ""
		c.mu.Unlock()
		c.setError(err.Error())
	}
	c.notify()
}

// StopPlayback halts any in-flight playback.
func (c *Controller) StopPlayback() {
	c.player.Stop()
	c.mu.Lock()
	c.playingID = ""
	c.mu.Unlock()
	c.notify()
}

// Close tears the session down: deliberate channel close, capture released,
// playback unloaded. The four teardowns are independent; a failure in one
// never blocks the rest. Idempotent, and never reopens a socket.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wasRecording := c.recording
	c.recording = false
	c.playingID = ""
	c.mu.Unlock()

	c.ch.Close()

	if wasRecording {
		if _, err := c.capture.Stop(); err != nil {
			slog.Error("Failed to stop recording on close", "error", err)
		}
	}

	c.player.Stop()
	c.player.Close()
	c.notify()
}

// Transcript returns a snapshot of the session transcript in insertion
// order.
func (c *Controller) Transcript() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.transcript))
	copy(out, c.transcript)
	return out
}

func (c *Controller) Recording() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recording
}

// InProgressID is the server-assigned id of the utterance currently being
// transcribed, or empty.
func (c *Controller) InProgressID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentID
}

// PlayingID is the id of the entry currently playing, or empty.
func (c *Controller) PlayingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playingID
}

func (c *Controller) IsConnected() bool {
	return c.ch.IsConnected()
}

// Err is the merged user-facing error surface: the most recent unresolved
// error from the connection, audio or server, or empty.
func (c *Controller) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

func (c *Controller) ClearError() {
	c.mu.Lock()
	c.lastErr = ""
	c.mu.Unlock()
	c.notify()
}

// sendChunk forwards one captured chunk as an audio_chunk frame,
// fire-and-forget, preserving capture order. Chunks arriving after disarm
// are dropped.
func (c *Controller) sendChunk(chunk []byte) {
	c.mu.Lock()
	armed := c.recording
	c.mu.Unlock()
	if !armed {
		return
	}
	if !c.ch.Send(protocol.AudioChunk(chunk)) {
		slog.Debug("Dropped audio chunk, channel not open", "bytes", len(chunk))
	}
}

func (c *Controller) handleMessage(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeTranscriptionUpdate:
		c.applyTranscription(env)

	case protocol.TypeRecordingStarted:
		c.mu.Lock()
		c.currentID = env.MessageID
		c.mu.Unlock()
		slog.Debug("Recording acknowledged", "messageID", env.MessageID)

	case protocol.TypeRecordingStopped:
		c.mu.Lock()
		c.currentID = ""
		c.mu.Unlock()

	case protocol.TypeTTSResponse:
		if env.AudioURL == "" {
			return
		}
		c.mu.Lock()
		c.appendLocked(Message{
			ID:        assistantID(),
			Text:      env.Text,
			Role:      RoleAssistant,
			Final:     true,
			AudioURL:  env.AudioURL,
			Timestamp: time.Now(),
		})
		c.mu.Unlock()

	case protocol.TypeError:
		slog.Error("Server error", "message", env.Message)
		c.setError(env.Message)

	default:
		slog.Warn("Ignoring unknown message type", "type", env.Type)
		return
	}

	c.notify()
}

// applyTranscription upserts the transcript entry for a server-assigned
// message id. The server re-emits the full current hypothesis each update,
// so text and finality are replaced wholesale, never merged.
func (c *Controller) applyTranscription(env protocol.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i, ok := c.index[env.MessageID]; ok {
		c.transcript[i].Text = env.Text
		c.transcript[i].Final = env.Final()
		return
	}

	c.appendLocked(Message{
		ID:        env.MessageID,
		Text:      env.Text,
		Role:      RoleUser,
		Final:     env.Final(),
		Timestamp: time.Now(),
	})
}

func (c *Controller) appendLocked(m Message) {
	c.index[m.ID] = len(c.transcript)
	c.transcript = append(c.transcript, m)
}

// playbackFinished is the sink's natural-completion callback.
func (c *Controller) playbackFinished() {
	c.mu.Lock()
	c.playingID = ""
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) setError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

func (c *Controller) notify() {
	c.mu.Lock()
	fn := c.onUpdate
	c.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// assistantID generates an id for an assistant entry, prefixed so it can
// never collide with a server-assigned user message id.
func assistantID() string {
	return "tts-" + uuid.NewString()
}
