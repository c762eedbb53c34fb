package server

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionInfo is the public view of an active session, served by
// /api/sessions.
type SessionInfo struct {
	ID        uuid.UUID `json:"id"`
	ChatID    string    `json:"chat_id"`
	Remote    string    `json:"remote"`
	StartedAt time.Time `json:"started_at"`
}

// SessionList tracks the server's open voice sessions.
type SessionList struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]*session
}

func NewSessionList() *SessionList {
	return &SessionList{
		sessions: make(map[uuid.UUID]*session),
	}
}

func (l *SessionList) Add(s *session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sessions[s.info.ID] = s
}

func (l *SessionList) Remove(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.sessions, id)
}

func (l *SessionList) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// Snapshot returns the active sessions ordered by start time.
func (l *SessionList) Snapshot() []SessionInfo {
	l.mu.RLock()
	out := make([]SessionInfo, 0, len(l.sessions))
	for _, s := range l.sessions {
		out = append(out, s.info)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
