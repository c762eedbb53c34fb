// Package server implements a self-contained development voice backend. It
// speaks the same frame protocol as the production transcription service but
// fakes the models: transcripts are canned hypotheses that grow as audio
// arrives, and reply audio is synthesized on the fly.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicemode/voicemode/store"
)

// Config holds the voice server settings.
type Config struct {
	Addr            string
	RecordingsDir   string // empty disables persistence of received utterances
	ChunksPerUpdate int    // partial transcription cadence, in audio_chunk frames
	SampleRate      int
	Channels        int
}

func DefaultConfig() Config {
	return Config{
		Addr:            ":8000",
		ChunksPerUpdate: 4,
		SampleRate:      16000,
		Channels:        1,
	}
}

// Voice serves voice sessions over websockets plus a small HTTP surface for
// reply audio, session introspection and metrics.
type Voice struct {
	config     Config
	upgrader   websocket.Upgrader
	metrics    *Metrics
	registry   *prometheus.Registry
	sessions   *SessionList
	recordings *store.Recordings
	server     *http.Server

	mu      sync.Mutex
	replies map[string][]byte // synthesized reply WAVs served under /audio/
}

func New(config Config) *Voice {
	registry := prometheus.NewRegistry()
	v := &Voice{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		metrics:  NewMetrics(registry),
		registry: registry,
		sessions: NewSessionList(),
		replies:  make(map[string][]byte),
	}
	if config.RecordingsDir != "" {
		v.recordings = store.New(config.RecordingsDir, config.SampleRate, config.Channels)
	}
	return v
}

// Router builds the HTTP routes. Exposed separately so tests can mount the
// server on httptest.
func (v *Voice) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/sessions", v.handleListSessions).Methods("GET")
	router.HandleFunc("/audio/{name}", v.handleAudio).Methods("GET")
	router.Handle("/metrics", promhttp.HandlerFor(v.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/ws/voice/{chatID}/", v.handleVoice)

	return router
}

// Start runs the HTTP server until the context is cancelled.
func (v *Voice) Start(ctx context.Context) error {
	v.server = &http.Server{
		Addr:    v.config.Addr,
		Handler: v.Router(),
	}

	go func() {
		slog.Info("Voice server listening", "addr", v.config.Addr)
		if err := v.server.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	return v.server.Shutdown(context.Background())
}

func (v *Voice) handleVoice(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chatID := vars["chatID"]
	if chatID == "" {
		http.Error(w, "Missing chat ID", http.StatusBadRequest)
		return
	}

	conn, err := v.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	s := newSession(v, chatID, r.Host, conn)
	v.sessions.Add(s)
	v.metrics.ActiveSessions.Inc()
	slog.Info("Voice session opened",
		"sessionID", s.info.ID,
		"chatID", chatID,
		"remote", s.info.Remote)

	go s.writePump()
	go s.readPump()
}

// handleAudio serves a synthesized reply by name.
func (v *Voice) handleAudio(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	v.mu.Lock()
	data, ok := v.replies[name]
	v.mu.Unlock()
	if !ok {
		http.Error(w, "Audio not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "audio/wav")
	w.Write(data)
}

// handleListSessions returns the active voice sessions.
func (v *Voice) handleListSessions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v.sessions.Snapshot()); err != nil {
		slog.Error("Failed to encode session list", "error", err)
	}
}

func (v *Voice) storeReply(name string, data []byte) {
	v.mu.Lock()
	v.replies[name] = data
	v.mu.Unlock()
}

func (v *Voice) dropSession(s *session) {
	v.sessions.Remove(s.info.ID)
	v.metrics.ActiveSessions.Dec()
	slog.Info("Voice session closed", "sessionID", s.info.ID, "chatID", s.info.ChatID)
}
