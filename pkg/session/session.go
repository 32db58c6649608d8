// Package session tracks client sessions and their will messages.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/message"
)

// ErrNotFound is returned for an unknown client id.
var ErrNotFound = errors.New("session not found")

// Data is a snapshot of a session.
type Data struct {
	ClientID     string
	CleanSession bool
	Connected    bool
	CreatedAt    time.Time
	LastSeen     time.Time

	// Will is published if the connection ends without DISCONNECT.
	Will *message.Message
}

// Manager owns session lifecycle.
type Manager interface {
	// CreateSession starts or resumes a session and reports whether
	// previous state was found. A clean session always starts empty.
	CreateSession(ctx context.Context, clientID string, clean bool) (present bool, err error)

	// EndSession marks the connection gone. Clean sessions are discarded.
	EndSession(ctx context.Context, clientID string) error

	StoreWillMessage(ctx context.Context, clientID string, msg *message.Message) error

	// TakeWill returns the stored will and removes it. It returns nil
	// when there is none.
	TakeWill(ctx context.Context, clientID string) (*message.Message, error)

	ClearWill(ctx context.Context, clientID string) error

	SessionData(ctx context.Context, clientID string) (*Data, error)
}
