// Package bolt provides a storage.Store persisted to a single bbolt file.
//
// Layout:
//
//	messages/{id uint16 BE}        → message (msgpack)
//	subscriptions/{filter}/{client} → qos byte
package bolt

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
	"github.com/bromq-dev/mqttcore/pkg/storage"
	"github.com/bromq-dev/mqttcore/pkg/topic"
)

var (
	bucketMessages      = []byte("messages")
	bucketSubscriptions = []byte("subscriptions")
)

// Store implements storage.Store on bbolt.
type Store struct {
	db  *bbolt.DB
	log *slog.Logger
}

// Config configures the bolt store.
type Config struct {
	// Path is the database file (default: "mqttcore.db").
	Path string

	// Timeout bounds waiting for the file lock (default: 1s).
	Timeout time.Duration

	// Logger for logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

// Open opens or creates the database file.
func Open(cfg *Config) (*Store, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Path == "" {
		cfg.Path = "mqttcore.db"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{Timeout: cfg.Timeout})
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", cfg.Path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketMessages, bucketSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("bolt init: %w", err)
	}

	cfg.Logger.Info("bolt store opened", "path", cfg.Path)
	return &Store{db: db, log: cfg.Logger}, nil
}

func messageKey(id uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, id)
}

func (s *Store) StoreMessage(ctx context.Context, m *message.Message) error {
	if err := storage.CheckMessage(m); err != nil {
		return err
	}
	data, err := storage.MarshalMessage(m)
	if err != nil {
		return err
	}
	return s.update(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).Put(messageKey(m.MessageID()), data)
	})
}

func (s *Store) GetMessage(ctx context.Context, id uint16) (*message.Message, error) {
	var data []byte
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMessages).Get(messageKey(id))
		if v == nil {
			return storage.ErrNotFound
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.UnmarshalMessage(data)
}

func (s *Store) StoreSubscription(ctx context.Context, clientID, filter string, qos packet.QoS) error {
	if err := storage.CheckSubscription(filter, qos); err != nil {
		return err
	}
	return s.update(ctx, func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketSubscriptions).CreateBucketIfNotExists([]byte(filter))
		if err != nil {
			return err
		}
		return b.Put([]byte(clientID), []byte{byte(qos)})
	})
}

func (s *Store) RemoveSubscription(ctx context.Context, clientID, filter string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		subs := tx.Bucket(bucketSubscriptions)
		b := subs.Bucket([]byte(filter))
		if b == nil {
			return nil
		}
		if err := b.Delete([]byte(clientID)); err != nil {
			return err
		}
		if k, _ := b.Cursor().First(); k == nil {
			return subs.DeleteBucket([]byte(filter))
		}
		return nil
	})
}

func (s *Store) RemoveClient(ctx context.Context, clientID string) error {
	return s.update(ctx, func(tx *bbolt.Tx) error {
		subs := tx.Bucket(bucketSubscriptions)
		var empty [][]byte
		err := subs.ForEachBucket(func(name []byte) error {
			b := subs.Bucket(name)
			if err := b.Delete([]byte(clientID)); err != nil {
				return err
			}
			if k, _ := b.Cursor().First(); k == nil {
				empty = append(empty, append([]byte(nil), name...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		// Buckets cannot be deleted while iterating.
		for _, name := range empty {
			if err := subs.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetSubscriptions(ctx context.Context, topicName string) ([]storage.Subscription, error) {
	var out []storage.Subscription
	err := s.view(ctx, func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).ForEachBucket(func(name []byte) error {
			filter := string(name)
			if !topic.Match(filter, topicName) {
				return nil
			}
			return tx.Bucket(bucketSubscriptions).Bucket(name).ForEach(func(k, v []byte) error {
				if len(v) != 1 {
					s.log.Warn("skipping malformed subscription", "filter", filter, "client_id", string(k))
					return nil
				}
				out = append(out, storage.Subscription{
					ClientID: string(k),
					Filter:   filter,
					QoS:      packet.QoS(v[0]),
				})
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortSubscriptions(out)
	return out, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) update(ctx context.Context, fn func(*bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(s.db.Update(fn))
}

func (s *Store) view(ctx context.Context, fn func(*bbolt.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return translate(s.db.View(fn))
}

func translate(err error) error {
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return storage.ErrClosed
	}
	return err
}
