// Package protocol defines the JSON frames exchanged over the voice channel.
//
// Every frame is a single flat envelope with a "type" discriminator. The
// client sends start_recording, audio_chunk and stop_recording; the server
// answers with transcription_update, recording_started, recording_stopped,
// tts_response and error frames.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Client to server message types.
const (
	TypeStartRecording = "start_recording"
	TypeStopRecording  = "stop_recording"
	TypeAudioChunk     = "audio_chunk"
)

// Server to client message types.
const (
	TypeTranscriptionUpdate = "transcription_update"
	TypeRecordingStarted    = "recording_started"
	TypeRecordingStopped    = "recording_stopped"
	TypeTTSResponse         = "tts_response"
	TypeError               = "error"
)

// Envelope is a single voice-session frame in either direction. Only the
// fields relevant to a given Type are populated; the rest are omitted on the
// wire.
type Envelope struct {
	Type       string `json:"type"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Data       string `json:"data,omitempty"` // base64 audio payload
	MessageID  string `json:"message_id,omitempty"`
	Text       string `json:"text,omitempty"`
	IsFinal    *bool  `json:"is_final,omitempty"`
	AudioURL   string `json:"audio_url,omitempty"`
	Message    string `json:"message,omitempty"` // error detail
}

// Decode parses a received frame. Unknown types decode successfully so the
// consumer can choose to ignore them; frames without a type are rejected.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame has no type")
	}
	return env, nil
}

// Encode serializes the envelope to a wire frame.
func (e Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %q frame: %w", e.Type, err)
	}
	return data, nil
}

// Audio returns the decoded audio payload of an audio_chunk frame.
func (e Envelope) Audio() ([]byte, error) {
	chunk, err := base64.StdEncoding.DecodeString(e.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio payload: %w", err)
	}
	return chunk, nil
}

// Final reports the is_final flag, treating an absent flag as false.
func (e Envelope) Final() bool {
	return e.IsFinal != nil && *e.IsFinal
}

func StartRecording(sampleRate, channels int) Envelope {
	return Envelope{Type: TypeStartRecording, SampleRate: sampleRate, Channels: channels}
}

func StopRecording() Envelope {
	return Envelope{Type: TypeStopRecording}
}

// AudioChunk wraps a raw capture chunk, base64 encoded for the text frame.
func AudioChunk(chunk []byte) Envelope {
	return Envelope{Type: TypeAudioChunk, Data: base64.StdEncoding.EncodeToString(chunk)}
}

func TranscriptionUpdate(messageID, text string, isFinal bool) Envelope {
	return Envelope{Type: TypeTranscriptionUpdate, MessageID: messageID, Text: text, IsFinal: &isFinal}
}

func RecordingStarted(messageID string) Envelope {
	return Envelope{Type: TypeRecordingStarted, MessageID: messageID}
}

func RecordingStopped() Envelope {
	return Envelope{Type: TypeRecordingStopped}
}

func TTSResponse(text, audioURL string) Envelope {
	return Envelope{Type: TypeTTSResponse, Text: text, AudioURL: audioURL}
}

func ServerError(message string) Envelope {
	return Envelope{Type: TypeError, Message: message}
}
