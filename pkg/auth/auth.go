// Package auth authenticates connecting clients and authorizes their
// publish and subscribe requests.
package auth

import (
	"context"
	"errors"

	"github.com/bromq-dev/mqttcore/pkg/packet"
)

var (
	// ErrBadCredentials maps to CONNACK return code 4.
	ErrBadCredentials = errors.New("bad username or password")

	// ErrNotAuthorized maps to CONNACK return code 5 and to refused
	// publish or subscribe requests.
	ErrNotAuthorized = errors.New("not authorized")
)

// Credentials is what a client presents when connecting.
type Credentials struct {
	ClientID    string
	Username    string
	HasUsername bool
	Password    []byte
	HasPassword bool

	// Certificate is the raw DER leaf certificate of a TLS client, if any.
	Certificate []byte

	// Custom carries authentication data supplied by the transport.
	Custom map[string]string
}

// CredentialsFromConnect extracts credentials from a CONNECT packet.
func CredentialsFromConnect(c *packet.Connect) Credentials {
	return Credentials{
		ClientID:    c.ClientID,
		Username:    c.Username,
		HasUsername: c.UsernameFlag,
		Password:    c.Password,
		HasPassword: c.PasswordFlag,
	}
}

// Authenticator decides who may connect and what they may do.
// A nil error means allowed.
type Authenticator interface {
	// Authenticate returns ErrBadCredentials or ErrNotAuthorized to refuse.
	Authenticate(ctx context.Context, creds Credentials) error

	// AuthorizePublish returns ErrNotAuthorized to refuse.
	AuthorizePublish(ctx context.Context, clientID, topicName string) error

	// AuthorizeSubscribe returns ErrNotAuthorized to refuse.
	AuthorizeSubscribe(ctx context.Context, clientID, filter string) error
}

// AllowAll accepts every client and request.
type AllowAll struct{}

func (AllowAll) Authenticate(context.Context, Credentials) error { return nil }

func (AllowAll) AuthorizePublish(context.Context, string, string) error { return nil }

func (AllowAll) AuthorizeSubscribe(context.Context, string, string) error { return nil }

// ReturnCode maps an Authenticate error to a CONNACK return code.
func ReturnCode(err error) packet.ConnectReturnCode {
	switch {
	case err == nil:
		return packet.Accepted
	case errors.Is(err, ErrBadCredentials):
		return packet.BadUsernameOrPassword
	case errors.Is(err, ErrNotAuthorized):
		return packet.NotAuthorized
	default:
		return packet.ServerUnavailable
	}
}
