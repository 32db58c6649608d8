// Package memory provides an in-memory storage.Store for single-node
// operation and tests.
package memory

import (
	"context"
	"sync"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/storage"
	"github.com/bromq-dev/mqttcore/pkg/topic"
)

// Store implements storage.Store with maps guarded by a RWMutex.
type Store struct {
	mu       sync.RWMutex
	messages map[uint16]*message.Message
	subs     map[string]map[string]packet.QoS // filter -> client id -> qos
	closed   bool
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		messages: make(map[uint16]*message.Message),
		subs:     make(map[string]map[string]packet.QoS),
	}
}

func (s *Store) StoreMessage(ctx context.Context, m *message.Message) error {
	if err := storage.CheckMessage(m); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	s.messages[m.MessageID()] = m
	return nil
}

func (s *Store) GetMessage(ctx context.Context, id uint16) (*message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	m, ok := s.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return m, nil
}

func (s *Store) StoreSubscription(ctx context.Context, clientID, filter string, qos packet.QoS) error {
	if err := storage.CheckSubscription(filter, qos); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	clients, ok := s.subs[filter]
	if !ok {
		clients = make(map[string]packet.QoS)
		s.subs[filter] = clients
	}
	clients[clientID] = qos
	return nil
}

func (s *Store) RemoveSubscription(ctx context.Context, clientID, filter string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if clients, ok := s.subs[filter]; ok {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(s.subs, filter)
		}
	}
	return nil
}

func (s *Store) RemoveClient(ctx context.Context, clientID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	for filter, clients := range s.subs {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(s.subs, filter)
		}
	}
	return nil
}

func (s *Store) GetSubscriptions(ctx context.Context, topicName string) ([]storage.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}

	var out []storage.Subscription
	for filter, clients := range s.subs {
		if !topic.Match(filter, topicName) {
			continue
		}
		for clientID, qos := range clients {
			out = append(out, storage.Subscription{ClientID: clientID, Filter: filter, QoS: qos})
		}
	}
	storage.SortSubscriptions(out)
	return out, nil
}

// Close drops all state.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.messages = nil
	s.subs = nil
	return nil
}
