// Package listeners accepts MQTT transport connections and hands them to
// a connection handler.
package listeners

import (
	"errors"
	"net"
)

// ErrClosed is returned by Close on an already closed listener.
var ErrClosed = errors.New("listener already closed")

// ConnectionHandler handles new connections from listeners.
type ConnectionHandler interface {
	HandleConnection(conn net.Conn)
}

// HandlerFunc adapts a function to ConnectionHandler.
type HandlerFunc func(conn net.Conn)

func (f HandlerFunc) HandleConnection(conn net.Conn) { f(conn) }

// Listener is the interface that all transport listeners implement.
type Listener interface {
	// ID returns the unique identifier for this listener.
	ID() string

	// Addr returns the bound address, or nil before Serve has bound it.
	Addr() net.Addr

	// Serve binds, accepts connections and passes them to the handler.
	// It blocks until Close is called.
	Serve(handler ConnectionHandler) error

	// Close stops the listener.
	Close() error
}
