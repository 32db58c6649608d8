package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"sync"

	"github.com/bromq-dev/mqttcore/pkg/topic"
)

// Validator is a custom credential check. It replaces the user table.
type Validator func(ctx context.Context, creds Credentials) error

// Rule grants or denies access to topics.
type Rule struct {
	// ClientID pattern (supports * wildcard, empty = any).
	ClientID string

	// Username pattern (supports * wildcard, empty = any).
	Username string

	// Filter is an MQTT topic filter (supports + and #).
	Filter string

	Read  bool
	Write bool
}

// StaticConfig configures a Static authenticator.
type StaticConfig struct {
	// Users maps username to password. Empty means any client may connect.
	Users map[string]string

	// Validator, if set, is used instead of Users.
	Validator Validator

	// Rules are evaluated in order; the first match decides.
	Rules []Rule

	// DenyByDefault refuses requests no rule matches.
	DenyByDefault bool
}

// Static authenticates against a fixed user table and authorizes with
// ordered ACL rules.
type Static struct {
	mu            sync.RWMutex
	users         map[string]string
	validator     Validator
	rules         []Rule
	denyByDefault bool

	// username of each authenticated client, used by rule matching
	sessions map[string]string
}

// NewStatic creates a Static authenticator. cfg may be nil.
func NewStatic(cfg *StaticConfig) *Static {
	if cfg == nil {
		cfg = &StaticConfig{}
	}
	users := make(map[string]string, len(cfg.Users))
	for u, p := range cfg.Users {
		users[u] = p
	}
	return &Static{
		users:         users,
		validator:     cfg.Validator,
		rules:         append([]Rule(nil), cfg.Rules...),
		denyByDefault: cfg.DenyByDefault,
		sessions:      make(map[string]string),
	}
}

func (s *Static) Authenticate(ctx context.Context, creds Credentials) error {
	if err := s.check(ctx, creds); err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[creds.ClientID] = creds.Username
	s.mu.Unlock()
	return nil
}

func (s *Static) check(ctx context.Context, creds Credentials) error {
	if s.validator != nil {
		return s.validator(ctx, creds)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.users) == 0 {
		return nil
	}
	if !creds.HasUsername {
		return ErrNotAuthorized
	}
	expected, ok := s.users[creds.Username]
	if !ok {
		return fmt.Errorf("unknown user %q: %w", creds.Username, ErrBadCredentials)
	}
	if subtle.ConstantTimeCompare(creds.Password, []byte(expected)) != 1 {
		return fmt.Errorf("user %q: %w", creds.Username, ErrBadCredentials)
	}
	return nil
}

// Forget drops what was remembered about clientID at Authenticate.
func (s *Static) Forget(clientID string) {
	s.mu.Lock()
	delete(s.sessions, clientID)
	s.mu.Unlock()
}

func (s *Static) AuthorizePublish(ctx context.Context, clientID, topicName string) error {
	if !s.canAccess(clientID, topicName, false) {
		return fmt.Errorf("publish to %q: %w", topicName, ErrNotAuthorized)
	}
	return nil
}

func (s *Static) AuthorizeSubscribe(ctx context.Context, clientID, filter string) error {
	if !s.canAccess(clientID, filter, true) {
		return fmt.Errorf("subscribe to %q: %w", filter, ErrNotAuthorized)
	}
	return nil
}

// CanRead reports whether clientID may receive messages on topicName.
func (s *Static) CanRead(clientID, topicName string) bool {
	return s.canAccess(clientID, topicName, true)
}

func (s *Static) canAccess(clientID, name string, read bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	username := s.sessions[clientID]
	for _, rule := range s.rules {
		if rule.ClientID != "" && !matchPattern(rule.ClientID, clientID) {
			continue
		}
		if rule.Username != "" && !matchPattern(rule.Username, username) {
			continue
		}
		if !topic.Match(rule.Filter, name) {
			continue
		}
		if read {
			return rule.Read
		}
		return rule.Write
	}
	return !s.denyByDefault
}

// AddUser adds or replaces a user.
func (s *Static) AddUser(username, password string) {
	s.mu.Lock()
	s.users[username] = password
	s.mu.Unlock()
}

// RemoveUser deletes a user.
func (s *Static) RemoveUser(username string) {
	s.mu.Lock()
	delete(s.users, username)
	s.mu.Unlock()
}

// AddRule appends a rule.
func (s *Static) AddRule(rule Rule) {
	s.mu.Lock()
	s.rules = append(s.rules, rule)
	s.mu.Unlock()
}

// matchPattern matches a simple wildcard pattern (* = any).
func matchPattern(pattern, value string) bool {
	switch {
	case pattern == "*":
		return true
	case len(pattern) > 1 && strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(value, pattern[1:len(pattern)-1])
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(value, pattern[1:])
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(value, pattern[:len(pattern)-1])
	default:
		return pattern == value
	}
}

// ParseCredential parses "username:password".
func ParseCredential(s string) (username, password string, err error) {
	username, password, ok := strings.Cut(s, ":")
	if !ok || username == "" {
		return "", "", fmt.Errorf("invalid credential format: %s (expected username:password)", s)
	}
	return username, password, nil
}

// ParseRule parses "username:topicFilter:permissions" where permissions
// contains r and/or w. The filter may itself contain colons.
func ParseRule(s string) (Rule, error) {
	rest, perm, ok := cutLast(s, ":")
	if !ok {
		return Rule{}, fmt.Errorf("invalid ACL format: %s (expected username:topicFilter:permissions)", s)
	}
	username, filter, ok := strings.Cut(rest, ":")
	if !ok {
		return Rule{}, fmt.Errorf("invalid ACL format: %s (expected username:topicFilter:permissions)", s)
	}
	if err := topic.ValidateFilter(filter); err != nil {
		return Rule{}, fmt.Errorf("invalid ACL filter %q: %w", filter, err)
	}
	return Rule{
		Username: username,
		Filter:   filter,
		Read:     strings.Contains(perm, "r"),
		Write:    strings.Contains(perm, "w"),
	}, nil
}

func cutLast(s, sep string) (before, after string, found bool) {
	if i := strings.LastIndex(s, sep); i >= 0 {
		return s[:i], s[i+len(sep):], true
	}
	return s, "", false
}

// String formats r the way ParseRule reads it.
func (r Rule) String() string {
	perm := ""
	if r.Read {
		perm += "r"
	}
	if r.Write {
		perm += "w"
	}
	return fmt.Sprintf("%s:%s:%s", r.Username, r.Filter, perm)
}
