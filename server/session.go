package server

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicemode/voicemode/audio"
	"github.com/voicemode/voicemode/protocol"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Inbound frames carry base64 audio, so allow a generous limit
	maxFrameSize = 1 << 20
)

// hypothesisWords feed the canned transcription. Each partial update reveals
// one more word, so clients see a growing hypothesis like a real recognizer
// would produce.
var hypothesisWords = []string{
	"the", "development", "server", "heard", "your", "audio", "loud", "and", "clear",
}

const replyText = "This is a synthesized reply from the development voice server."

// session is one websocket voice connection. Recording state is touched only
// by the read pump; all replies are queued onto the send channel and written
// by the write pump.
type session struct {
	info SessionInfo
	v    *Voice
	conn *websocket.Conn
	host string // for building absolute reply audio URLs
	send chan []byte

	messageID string // id of the utterance in progress, empty between recordings
	chunks    int
	pcm       []byte
}

func newSession(v *Voice, chatID, host string, conn *websocket.Conn) *session {
	return &session{
		info: SessionInfo{
			ID:        uuid.New(),
			ChatID:    chatID,
			Remote:    conn.RemoteAddr().String(),
			StartedAt: time.Now(),
		},
		v:    v,
		conn: conn,
		host: host,
		send: make(chan []byte, 256),
	}
}

func (s *session) readPump() {
	defer func() {
		s.v.dropSession(s)
		close(s.send)
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("WebSocket read error", "error", err, "sessionID", s.info.ID)
			}
			return
		}

		s.v.metrics.FramesIn.Inc()
		env, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("Dropping malformed frame", "error", err, "sessionID", s.info.ID)
			s.reply(protocol.ServerError("malformed frame"))
			continue
		}
		s.handle(env)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *session) handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeStartRecording:
		s.startRecording(env)

	case protocol.TypeAudioChunk:
		s.appendChunk(env)

	case protocol.TypeStopRecording:
		s.stopRecording()

	default:
		slog.Warn("Unknown message type", "type", env.Type, "sessionID", s.info.ID)
		s.reply(protocol.ServerError(fmt.Sprintf("unknown message type %q", env.Type)))
	}
}

// startRecording opens a new utterance. A start while one is in progress
// abandons the old utterance and assigns a fresh message id.
func (s *session) startRecording(env protocol.Envelope) {
	if env.SampleRate != s.v.config.SampleRate || env.Channels != s.v.config.Channels {
		s.reply(protocol.ServerError(fmt.Sprintf(
			"unsupported audio format: %d Hz %d ch, want %d Hz %d ch",
			env.SampleRate, env.Channels, s.v.config.SampleRate, s.v.config.Channels)))
		return
	}

	s.messageID = uuid.NewString()
	s.chunks = 0
	s.pcm = nil
	s.v.metrics.Recordings.Inc()
	slog.Debug("Recording started", "messageID", s.messageID, "sessionID", s.info.ID)

	s.reply(protocol.RecordingStarted(s.messageID))
}

func (s *session) appendChunk(env protocol.Envelope) {
	if s.messageID == "" {
		slog.Debug("Dropping audio chunk outside a recording", "sessionID", s.info.ID)
		return
	}

	chunk, err := env.Audio()
	if err != nil {
		s.reply(protocol.ServerError("invalid audio payload"))
		return
	}

	s.pcm = append(s.pcm, chunk...)
	s.chunks++
	s.v.metrics.AudioBytes.Add(float64(len(chunk)))

	if s.chunks%s.v.config.ChunksPerUpdate == 0 {
		revealed := s.chunks / s.v.config.ChunksPerUpdate
		s.reply(protocol.TranscriptionUpdate(s.messageID, hypothesis(revealed), false))
	}
}

// stopRecording finalizes the utterance: final transcription, stop ack, then
// a tts_response pointing at a freshly synthesized reply.
func (s *session) stopRecording() {
	if s.messageID == "" {
		return
	}
	id := s.messageID
	pcm := s.pcm
	s.messageID = ""
	s.chunks = 0
	s.pcm = nil

	s.reply(protocol.TranscriptionUpdate(id, hypothesis(len(hypothesisWords)), true))
	s.reply(protocol.RecordingStopped())

	if s.v.recordings != nil && len(pcm) > 0 {
		if _, err := s.v.recordings.Save(id, pcm); err != nil {
			slog.Error("Failed to save recording", "error", err, "messageID", id)
		}
	}

	name := "reply-" + id + ".wav"
	data, err := audio.EncodeWAV(
		audio.Tone(440, 1.2, s.v.config.SampleRate),
		s.v.config.SampleRate, 1)
	if err != nil {
		slog.Error("Failed to synthesize reply audio", "error", err, "messageID", id)
		s.reply(protocol.ServerError("failed to synthesize reply"))
		return
	}
	s.v.storeReply(name, data)
	s.v.metrics.Replies.Inc()

	s.reply(protocol.TTSResponse(replyText, fmt.Sprintf("http://%s/audio/%s", s.host, name)))
}

func (s *session) reply(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		slog.Error("Failed to encode reply", "error", err, "type", env.Type)
		return
	}
	select {
	case s.send <- data:
		s.v.metrics.FramesOut.Inc()
	default:
		slog.Warn("Send queue full, dropping reply", "type", env.Type, "sessionID", s.info.ID)
	}
}

func hypothesis(words int) string {
	if words > len(hypothesisWords) {
		words = len(hypothesisWords)
	}
	return strings.Join(hypothesisWords[:words], " ")
}
