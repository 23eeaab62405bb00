// Package store resolves assistant profiles and records conversation logs.
// The relay treats it as a thin key-value collaborator: a failed lookup
// falls back to the built-in default profile and never blocks a session.
package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxgate/voxgate/pkg/core/convo"
)

var ErrNotFound = errors.New("store: not found")

// LogEntry is one persisted conversation turn.
type LogEntry struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	AssistantID string    `json:"assistant_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

type Store interface {
	// Assistant resolves a profile by id, scoped to the owning user when
	// userID is non-empty.
	Assistant(ctx context.Context, id, userID string) (convo.Profile, error)
	// AppendLog records one conversation turn. Best-effort; callers must
	// not fail a session on a logging error.
	AppendLog(ctx context.Context, entry LogEntry) error
}

// Memory is an in-process store used in tests and keyless dev setups.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]convo.Profile
	logs     []LogEntry
}

func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]convo.Profile)}
}

func (m *Memory) Put(p convo.Profile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.profiles[p.ID] = p
}

func (m *Memory) Assistant(_ context.Context, id, _ string) (convo.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[id]
	if !ok {
		return convo.Profile{}, ErrNotFound
	}
	return p, nil
}

func (m *Memory) AppendLog(_ context.Context, entry LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

// Logs returns a copy of everything appended so far.
func (m *Memory) Logs() []LogEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LogEntry, len(m.logs))
	copy(out, m.logs)
	return out
}
