package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PRATHAMU200/knightfight/internal/session"
	"github.com/PRATHAMU200/knightfight/pkg/wire"
)

// Mem is a development-only in-memory store used when no database is
// configured, and the store of choice in coordinator tests. Error semantics
// match the Postgres adapter.
type Mem struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	record SessionRecord
	moves  []wire.MoveEntry
	chat   []wire.ChatEntry
}

func NewMem() *Mem {
	return &Mem{sessions: make(map[string]*memSession)}
}

func (m *Mem) CreateSession(_ context.Context, params CreateParams) (string, error) {
	tc := strings.TrimSpace(params.TimeControl)
	if tc == "" {
		tc = TimeControlUnlimited
	}
	id := uuid.NewString()
	m.mu.Lock()
	m.sessions[id] = &memSession{record: SessionRecord{
		ID:           id,
		TimeControl:  tc,
		TimeLimitSec: params.TimeLimitSec,
		Private:      params.Private,
		SpecterLink:  strings.TrimSpace(params.SpecterLink),
		CreatedAt:    time.Now().UTC(),
	}}
	m.mu.Unlock()
	return id, nil
}

func (m *Mem) Record(_ context.Context, sessionID string) (*SessionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, session.ErrUnknownSession
	}
	rec := s.record
	return &rec, nil
}

func (m *Mem) Termination(ctx context.Context, sessionID string) (*wire.Termination, error) {
	rec, err := m.Record(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !rec.Ended() {
		return nil, nil
	}
	return &wire.Termination{Outcome: rec.Winner, Reason: rec.WinReason}, nil
}

func (m *Mem) MoveLog(_ context.Context, sessionID string) ([]wire.MoveEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, session.ErrUnknownSession
	}
	return append([]wire.MoveEntry(nil), s.moves...), nil
}

func (m *Mem) ChatLog(_ context.Context, sessionID string) ([]wire.ChatEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, session.ErrUnknownSession
	}
	return append([]wire.ChatEntry(nil), s.chat...), nil
}

func (m *Mem) AppendMove(_ context.Context, sessionID string, _ int, entry wire.MoveEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrUnknownSession
	}
	s.moves = append(s.moves, entry)
	return nil
}

func (m *Mem) AppendChat(_ context.Context, sessionID string, entry wire.ChatEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrUnknownSession
	}
	s.chat = append(s.chat, entry)
	return nil
}

func (m *Mem) FinishSession(_ context.Context, sessionID string, final *wire.MoveEntry, _ int, t wire.Termination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return session.ErrUnknownSession
	}
	if final != nil {
		s.moves = append(s.moves, *final)
	}
	s.record.Winner = t.Outcome
	s.record.WinReason = t.Reason
	return nil
}
