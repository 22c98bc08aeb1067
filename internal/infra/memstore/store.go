// Package memstore holds in-process implementations of the repository ports
// for dev mode and tests. State is lost on restart.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fin-analysis-service/internal/domain"
	"fin-analysis-service/internal/domain/model"
	"fin-analysis-service/internal/domain/ports/repository"
)

var _ repository.SessionStore = (*SessionStore)(nil)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// SessionStore keeps JSON snapshots so callers never share pointers with the store.
type SessionStore struct {
	mu   sync.Mutex
	ttl  time.Duration
	byID map[string]entry
	now  func() time.Time
}

func NewSessionStore(ttl time.Duration) *SessionStore {
	return &SessionStore{ttl: ttl, byID: map[string]entry{}, now: time.Now}
}

// WithClock overrides the time source.
func (m *SessionStore) WithClock(now func() time.Time) *SessionStore {
	m.now = now
	return m
}

func (m *SessionStore) Create(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(s.SessionID); ok {
		return fmt.Errorf("session %s: %w", s.SessionID, domain.ErrAlreadyExists)
	}
	s.UpdatedAt = m.now()
	return m.put(s)
}

func (m *SessionStore) Get(_ context.Context, id string) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return decode(e.data)
}

func (m *SessionStore) Merge(_ context.Context, id string, fn func(*model.Session) error) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(id)
	if !ok {
		return nil, domain.ErrNotFound
	}
	s, err := decode(e.data)
	if err != nil {
		return nil, err
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.UpdatedAt = m.now()
	if err := m.put(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *SessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.live(id); !ok {
		return domain.ErrNotFound
	}
	delete(m.byID, id)
	return nil
}

// Len reports live sessions.
func (m *SessionStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.byID {
		if _, ok := m.live(id); ok {
			n++
		}
	}
	return n
}

func (m *SessionStore) live(id string) (entry, bool) {
	e, ok := m.byID[id]
	if !ok {
		return entry{}, false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.byID, id)
		return entry{}, false
	}
	return e, true
}

func (m *SessionStore) put(s *model.Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	m.byID[s.SessionID] = entry{data: data, expiresAt: m.now().Add(m.ttl)}
	return nil
}

func decode(data []byte) (*model.Session, error) {
	var s model.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// SweepExpired drops sessions past their retention window and reports how many.
func (m *SessionStore) SweepExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id := range m.byID {
		if _, ok := m.live(id); !ok {
			n++
		}
	}
	return n
}
