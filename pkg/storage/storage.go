// Package storage defines persistence for in-flight messages and client
// subscriptions. Backends live in the memory, redis and bolt subpackages.
package storage

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/topic"
)

var (
	// ErrNotFound is returned when a message id is unknown.
	ErrNotFound = errors.New("storage: not found")

	// ErrNoMessageID is returned when storing a message without an identifier.
	ErrNoMessageID = errors.New("storage: message has no id")

	// ErrInvalidFilter is returned for malformed subscription filters.
	ErrInvalidFilter = errors.New("storage: invalid topic filter")

	// ErrInvalidQoS is returned for a subscription QoS above 2.
	ErrInvalidQoS = errors.New("storage: invalid QoS")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: closed")
)

// Subscription is a client's interest in a topic filter.
type Subscription struct {
	ClientID string
	Filter   string
	QoS      packet.QoS
}

// Store persists messages by id and subscriptions by client and filter.
// Implementations must be safe for concurrent use.
type Store interface {
	// StoreMessage saves m under its message id, replacing any previous one.
	StoreMessage(ctx context.Context, m *message.Message) error

	// GetMessage returns the message stored under id or ErrNotFound.
	GetMessage(ctx context.Context, id uint16) (*message.Message, error)

	// StoreSubscription adds or updates a subscription.
	StoreSubscription(ctx context.Context, clientID, filter string, qos packet.QoS) error

	// RemoveSubscription deletes a subscription. Removing an unknown one is not an error.
	RemoveSubscription(ctx context.Context, clientID, filter string) error

	// RemoveClient deletes every subscription held by clientID.
	RemoveClient(ctx context.Context, clientID string) error

	// GetSubscriptions returns every subscription whose filter matches the topic name.
	GetSubscriptions(ctx context.Context, topicName string) ([]Subscription, error)

	Close() error
}

// CheckMessage returns ErrNoMessageID when m cannot be keyed.
func CheckMessage(m *message.Message) error {
	if !m.HasMessageID() {
		return fmt.Errorf("topic %q: %w", m.Topic(), ErrNoMessageID)
	}
	return nil
}

// CheckSubscription validates a filter and QoS before storing.
func CheckSubscription(filter string, qos packet.QoS) error {
	if err := topic.ValidateFilter(filter); err != nil {
		return fmt.Errorf("%w %q: %w", ErrInvalidFilter, filter, err)
	}
	if !qos.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, qos)
	}
	return nil
}

// SortSubscriptions orders subs by client id then filter so results are
// stable across backends.
func SortSubscriptions(subs []Subscription) {
	slices.SortFunc(subs, func(a, b Subscription) int {
		if c := cmp.Compare(a.ClientID, b.ClientID); c != 0 {
			return c
		}
		return cmp.Compare(a.Filter, b.Filter)
	})
}
