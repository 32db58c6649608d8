package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/message"
)

// Config configures a Memory manager.
type Config struct {
	// Expiry discards persistent sessions disconnected for longer than
	// this. Zero keeps them forever.
	Expiry time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Memory keeps sessions in process memory.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Data
	expiry   time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewMemory creates a session manager. cfg may be nil.
func NewMemory(cfg *Config) *Memory {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Memory{
		sessions: make(map[string]*Data),
		expiry:   cfg.Expiry,
		now:      time.Now,
		log:      cfg.Logger,
	}
}

func (m *Memory) CreateSession(ctx context.Context, clientID string, clean bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if existing, ok := m.sessions[clientID]; ok && !clean && !existing.CleanSession {
		existing.Connected = true
		existing.LastSeen = now
		existing.Will = nil
		return true, nil
	}

	m.sessions[clientID] = &Data{
		ClientID:     clientID,
		CleanSession: clean,
		Connected:    true,
		CreatedAt:    now,
		LastSeen:     now,
	}
	return false, nil
}

func (m *Memory) EndSession(ctx context.Context, clientID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return ErrNotFound
	}
	if s.CleanSession {
		delete(m.sessions, clientID)
		return nil
	}
	s.Connected = false
	s.LastSeen = m.now()
	s.Will = nil
	return nil
}

func (m *Memory) StoreWillMessage(ctx context.Context, clientID string, msg *message.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return ErrNotFound
	}
	s.Will = msg
	return nil
}

func (m *Memory) TakeWill(ctx context.Context, clientID string) (*message.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	will := s.Will
	s.Will = nil
	return will, nil
}

func (m *Memory) ClearWill(ctx context.Context, clientID string) error {
	_, err := m.TakeWill(ctx, clientID)
	return err
}

func (m *Memory) SessionData(ctx context.Context, clientID string) (*Data, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	snapshot := *s
	return &snapshot, nil
}

// CleanExpired removes disconnected persistent sessions idle past the
// expiry and returns their client ids.
func (m *Memory) CleanExpired() []string {
	if m.expiry <= 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.expiry)
	var expired []string
	for id, s := range m.sessions {
		if !s.Connected && s.LastSeen.Before(cutoff) {
			delete(m.sessions, id)
			expired = append(expired, id)
			m.log.Debug("session expired", "client_id", id, "last_seen", s.LastSeen)
		}
	}
	return expired
}

// Count returns the number of sessions.
func (m *Memory) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
