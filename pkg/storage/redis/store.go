// Package redis provides a Redis-backed storage.Store.
//
// Key layout (prefix defaults to "mqtt:"):
//
//	mqtt:msg:{id}      → STRING - message (msgpack)
//	mqtt:sub:{filter}  → HASH   - client id → qos
//	mqtt:sub:_idx      → SET    - filters with at least one subscriber
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/storage"
	"github.com/bromq-dev/mqttcore/pkg/topic"
)

// Store implements storage.Store on Redis or Valkey.
type Store struct {
	client     redis.UniversalClient
	keyPrefix  string
	messageTTL time.Duration
	ownsClient bool

	log *slog.Logger
}

// Config configures the Redis store.
type Config struct {
	// Addr is the Redis server address (default: "localhost:6379").
	Addr string

	// Addrs is a list of addresses for cluster mode.
	Addrs []string

	// Password for authentication.
	Password string

	// DB is the database number (ignored in cluster mode).
	DB int

	// KeyPrefix is prepended to all keys (default: "mqtt:").
	KeyPrefix string

	// MessageTTL expires stored messages. Zero keeps them until overwritten.
	MessageTTL time.Duration

	// Client allows providing a pre-configured Redis client. It is not
	// closed by Close.
	Client redis.UniversalClient

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// NewStore creates a store and verifies the connection.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Addr == "" && len(cfg.Addrs) == 0 {
		cfg.Addr = "localhost:6379"
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "mqtt:"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Store{
		client:     cfg.Client,
		keyPrefix:  cfg.KeyPrefix,
		messageTTL: cfg.MessageTTL,
		log:        cfg.Logger,
	}
	if s.client == nil {
		s.ownsClient = true
		if len(cfg.Addrs) > 0 {
			s.client = redis.NewClusterClient(&redis.ClusterOptions{
				Addrs:    cfg.Addrs,
				Password: cfg.Password,
			})
		} else {
			s.client = redis.NewClient(&redis.Options{
				Addr:     cfg.Addr,
				Password: cfg.Password,
				DB:       cfg.DB,
			})
		}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Ping(pingCtx).Err(); err != nil {
		if s.ownsClient {
			s.client.Close()
		}
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	s.log.Info("redis store started", "prefix", s.keyPrefix)
	return s, nil
}

func (s *Store) messageKey(id uint16) string {
	return s.keyPrefix + "msg:" + strconv.Itoa(int(id))
}

func (s *Store) subKey(filter string) string {
	return s.keyPrefix + "sub:" + filter
}

func (s *Store) subIndexKey() string {
	return s.keyPrefix + "sub:_idx"
}

func (s *Store) StoreMessage(ctx context.Context, m *message.Message) error {
	if err := storage.CheckMessage(m); err != nil {
		return err
	}
	data, err := storage.MarshalMessage(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.messageKey(m.MessageID()), data, s.messageTTL).Err()
}

func (s *Store) GetMessage(ctx context.Context, id uint16) (*message.Message, error) {
	data, err := s.client.Get(ctx, s.messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalMessage(data)
}

func (s *Store) StoreSubscription(ctx context.Context, clientID, filter string, qos packet.QoS) error {
	if err := storage.CheckSubscription(filter, qos); err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.subKey(filter), clientID, int(qos))
	pipe.SAdd(ctx, s.subIndexKey(), filter)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) RemoveSubscription(ctx context.Context, clientID, filter string) error {
	if err := s.client.HDel(ctx, s.subKey(filter), clientID).Err(); err != nil {
		return err
	}
	n, err := s.client.HLen(ctx, s.subKey(filter)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.client.SRem(ctx, s.subIndexKey(), filter).Err()
	}
	return nil
}

func (s *Store) RemoveClient(ctx context.Context, clientID string) error {
	filters, err := s.client.SMembers(ctx, s.subIndexKey()).Result()
	if err != nil {
		return err
	}
	if len(filters) == 0 {
		return nil
	}

	pipe := s.client.Pipeline()
	lens := make([]*redis.IntCmd, len(filters))
	for i, filter := range filters {
		pipe.HDel(ctx, s.subKey(filter), clientID)
		lens[i] = pipe.HLen(ctx, s.subKey(filter))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	var empty []any
	for i, cmd := range lens {
		if cmd.Val() == 0 {
			empty = append(empty, filters[i])
		}
	}
	if len(empty) == 0 {
		return nil
	}
	return s.client.SRem(ctx, s.subIndexKey(), empty...).Err()
}

func (s *Store) GetSubscriptions(ctx context.Context, topicName string) ([]storage.Subscription, error) {
	filters, err := s.client.SMembers(ctx, s.subIndexKey()).Result()
	if err != nil {
		return nil, err
	}

	var matching []string
	for _, filter := range filters {
		if topic.Match(filter, topicName) {
			matching = append(matching, filter)
		}
	}
	if len(matching) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(matching))
	for i, filter := range matching {
		cmds[i] = pipe.HGetAll(ctx, s.subKey(filter))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var out []storage.Subscription
	for i, cmd := range cmds {
		for clientID, v := range cmd.Val() {
			qos, err := strconv.Atoi(v)
			if err != nil {
				s.log.Warn("skipping malformed subscription",
					"filter", matching[i],
					"client_id", clientID,
					"error", err,
				)
				continue
			}
			out = append(out, storage.Subscription{
				ClientID: clientID,
				Filter:   matching[i],
				QoS:      packet.QoS(qos),
			})
		}
	}
	storage.SortSubscriptions(out)
	return out, nil
}

// Close closes the client when the store created it.
func (s *Store) Close() error {
	if !s.ownsClient {
		return nil
	}
	return s.client.Close()
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}
