package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/auth"
	"github.com/bromq-dev/mqttcore/pkg/storage"
	"github.com/bromq-dev/mqttcore/pkg/storage/bolt"
	"github.com/bromq-dev/mqttcore/pkg/storage/memory"
	"github.com/bromq-dev/mqttcore/pkg/storage/redis"
)

// options holds the command-line configuration.
type options struct {
	addr     string
	tlsAddr  string
	wsAddr   string
	wsPath   string
	certFile string
	keyFile  string

	store       string
	redisAddr   string
	redisPrefix string
	boltPath    string

	credentials   []string
	acls          []string
	denyByDefault bool

	sessionExpiry  time.Duration
	connectTimeout time.Duration
	maxPacketSize  uint32

	metricsAddr string
	logLevel    string
	logFormat   string
}

func defaultOptions() *options {
	return &options{
		addr:           ":1883",
		tlsAddr:        ":8883",
		wsAddr:         ":8083",
		wsPath:         "/mqtt",
		store:          "memory",
		redisAddr:      "localhost:6379",
		redisPrefix:    "mqtt:",
		boltPath:       "mqttcore.db",
		connectTimeout: 10 * time.Second,
		logLevel:       "info",
		logFormat:      "text",
	}
}

// newLogger builds a slog logger writing to w.
func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (expected text or json)", format)
	}
}

// openStore opens the storage backend named by opts.store.
func openStore(ctx context.Context, opts *options, log *slog.Logger) (storage.Store, error) {
	switch opts.store {
	case "memory":
		return memory.NewStore(), nil
	case "redis":
		store, err := redis.NewStore(ctx, &redis.Config{
			Addr:      opts.redisAddr,
			KeyPrefix: opts.redisPrefix,
			Logger:    log,
		})
		if err != nil {
			return nil, fmt.Errorf("redis store: %w", err)
		}
		return store, nil
	case "bolt":
		store, err := bolt.Open(&bolt.Config{Path: opts.boltPath, Logger: log})
		if err != nil {
			return nil, fmt.Errorf("bolt store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store %q (expected memory, redis or bolt)", opts.store)
	}
}

// newAuthenticator builds the authenticator from --credential and --acl.
// With neither flag every client is allowed.
func newAuthenticator(opts *options) (auth.Authenticator, error) {
	if len(opts.credentials) == 0 && len(opts.acls) == 0 {
		return auth.AllowAll{}, nil
	}

	users := make(map[string]string, len(opts.credentials))
	for _, c := range opts.credentials {
		username, password, err := auth.ParseCredential(c)
		if err != nil {
			return nil, err
		}
		users[username] = password
	}

	rules := make([]auth.Rule, 0, len(opts.acls))
	for _, a := range opts.acls {
		rule, err := auth.ParseRule(a)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return auth.NewStatic(&auth.StaticConfig{
		Users:         users,
		Rules:         rules,
		DenyByDefault: opts.denyByDefault,
	}), nil
}
