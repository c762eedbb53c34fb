package voice

import "time"

// Role identifies which side of the conversation a transcript entry belongs
// to. Immutable after creation.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single entry in the session transcript. User entries are
// created by the first transcription_update for their server-assigned id and
// may have their text replaced until final; assistant entries are created
// final from tts_response frames.
type Message struct {
	ID        string
	Text      string
	Role      Role
	Final     bool
	AudioURL  string
	Timestamp time.Time
}
