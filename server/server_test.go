package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	wav "github.com/youpy/go-wav"

	"github.com/voicemode/voicemode/protocol"
)

func newTestServer(t *testing.T, config Config) (*Voice, *httptest.Server) {
	t.Helper()
	v := New(config)
	srv := httptest.NewServer(v.Router())
	t.Cleanup(srv.Close)
	return v, srv
}

func dialVoice(t *testing.T, srv *httptest.Server, chatID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/voice/" + chatID + "/"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, env protocol.Envelope) {
	t.Helper()
	data, err := env.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := protocol.Decode(data)
	require.NoError(t, err)
	return env
}

func TestVoiceExchange(t *testing.T) {
	config := DefaultConfig()
	config.ChunksPerUpdate = 2
	_, srv := newTestServer(t, config)
	conn := dialVoice(t, srv, "chat-1")

	sendFrame(t, conn, protocol.StartRecording(16000, 1))
	started := readFrame(t, conn)
	require.Equal(t, protocol.TypeRecordingStarted, started.Type)
	require.NotEmpty(t, started.MessageID)

	sendFrame(t, conn, protocol.AudioChunk([]byte{0, 1, 0, 2}))
	sendFrame(t, conn, protocol.AudioChunk([]byte{0, 3, 0, 4}))

	partial := readFrame(t, conn)
	require.Equal(t, protocol.TypeTranscriptionUpdate, partial.Type)
	assert.Equal(t, started.MessageID, partial.MessageID)
	assert.False(t, partial.Final())
	assert.NotEmpty(t, partial.Text)

	sendFrame(t, conn, protocol.StopRecording())

	final := readFrame(t, conn)
	require.Equal(t, protocol.TypeTranscriptionUpdate, final.Type)
	assert.Equal(t, started.MessageID, final.MessageID)
	assert.True(t, final.Final())
	assert.True(t, strings.HasPrefix(final.Text, partial.Text))

	stopped := readFrame(t, conn)
	assert.Equal(t, protocol.TypeRecordingStopped, stopped.Type)

	tts := readFrame(t, conn)
	require.Equal(t, protocol.TypeTTSResponse, tts.Type)
	assert.NotEmpty(t, tts.Text)
	require.NotEmpty(t, tts.AudioURL)

	// The advertised reply audio must be fetchable and decodable.
	resp, err := http.Get(tts.AudioURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/wav", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_, err = wav.NewReader(bytes.NewReader(body)).Format()
	assert.NoError(t, err)
}

func TestUnsupportedFormatRejected(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())
	conn := dialVoice(t, srv, "chat-1")

	sendFrame(t, conn, protocol.StartRecording(44100, 2))
	env := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	assert.Contains(t, env.Message, "unsupported audio format")
}

func TestUnknownTypeGetsErrorFrame(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())
	conn := dialVoice(t, srv, "chat-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	env := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, env.Type)
	assert.Contains(t, env.Message, "bogus")
}

func TestChunksOutsideRecordingAreDropped(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())
	conn := dialVoice(t, srv, "chat-1")

	sendFrame(t, conn, protocol.AudioChunk([]byte{0, 1}))
	sendFrame(t, conn, protocol.StopRecording())

	// Neither frame produces a reply; the next exchange works normally.
	sendFrame(t, conn, protocol.StartRecording(16000, 1))
	env := readFrame(t, conn)
	assert.Equal(t, protocol.TypeRecordingStarted, env.Type)
}

func TestSessionsEndpoint(t *testing.T) {
	v, srv := newTestServer(t, DefaultConfig())
	conn := dialVoice(t, srv, "chat-42")

	// Handshake completion and registration race; wait for the listing.
	require.Eventually(t, func() bool {
		return v.sessions.Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get(srv.URL + "/api/sessions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"chat_id":"chat-42"`)

	conn.Close()
	require.Eventually(t, func() bool {
		return v.sessions.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "voicemode_server_active_sessions")
}

func TestAudioNotFound(t *testing.T) {
	_, srv := newTestServer(t, DefaultConfig())

	resp, err := http.Get(srv.URL + "/audio/nope.wav")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecordingsPersisted(t *testing.T) {
	dir := t.TempDir()
	config := DefaultConfig()
	config.RecordingsDir = dir
	_, srv := newTestServer(t, config)
	conn := dialVoice(t, srv, "chat-1")

	sendFrame(t, conn, protocol.StartRecording(16000, 1))
	started := readFrame(t, conn)
	require.Equal(t, protocol.TypeRecordingStarted, started.Type)

	sendFrame(t, conn, protocol.AudioChunk([]byte{0, 1, 0, 2}))
	sendFrame(t, conn, protocol.StopRecording())

	path := filepath.Join(dir, time.Now().Format("20060102"), started.MessageID+".wav")
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}
