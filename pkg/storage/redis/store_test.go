package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bromq-dev/mqttcore/pkg/storage"
	"github.com/bromq-dev/mqttcore/pkg/storage/storagetest"
)

// Set MQTTCORE_REDIS_ADDR (for example "localhost:6379") to run these tests.
func redisAddr(t *testing.T) string {
	addr := os.Getenv("MQTTCORE_REDIS_ADDR")
	if addr == "" {
		t.Skip("MQTTCORE_REDIS_ADDR not set")
	}
	return addr
}

func TestStore(t *testing.T) {
	addr := redisAddr(t)
	n := 0

	storagetest.Run(t, func(t *testing.T) storage.Store {
		n++
		prefix := fmt.Sprintf("mqttcore-test:%d:%d:", time.Now().UnixNano(), n)
		s, err := NewStore(context.Background(), &Config{Addr: addr, KeyPrefix: prefix})
		require.NoError(t, err)

		t.Cleanup(func() {
			c := s.Client()
			ctx := context.Background()
			keys, _ := c.Keys(ctx, prefix+"*").Result()
			if len(keys) > 0 {
				c.Del(ctx, keys...)
			}
		})
		return s
	})
}
