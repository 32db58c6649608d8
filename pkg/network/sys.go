package network

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/bromq-dev/mqttcore/pkg/message"
	"github.com/bromq-dev/mqttcore/pkg/packet"
)

// Stats holds running totals since the server was created.
type Stats struct {
	Uptime           time.Duration
	ClientsConnected int64
	ClientsTotal     int64
	MessagesReceived int64
	MessagesSent     int64
	BytesReceived    int64
	BytesSent        int64
}

type stats struct {
	clientsTotal     atomic.Int64
	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	bytesReceived    atomic.Int64
	bytesSent        atomic.Int64
}

// Stats returns a snapshot of the server counters.
func (s *Server) Stats() Stats {
	return Stats{
		Uptime:           time.Since(s.startTime),
		ClientsConnected: int64(s.ClientCount()),
		ClientsTotal:     s.stats.clientsTotal.Load(),
		MessagesReceived: s.stats.messagesReceived.Load(),
		MessagesSent:     s.stats.messagesSent.Load(),
		BytesReceived:    s.stats.bytesReceived.Load(),
		BytesSent:        s.stats.bytesSent.Load(),
	}
}

// sysLoop publishes the counters to $SYS topics like Mosquitto:
//   - $SYS/broker/version
//   - $SYS/broker/uptime
//   - $SYS/broker/clients/connected
//   - $SYS/broker/clients/total
//   - $SYS/broker/messages/received
//   - $SYS/broker/messages/sent
//   - $SYS/broker/bytes/received
//   - $SYS/broker/bytes/sent
func (s *Server) sysLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishSys()
		}
	}
}

func (s *Server) publishSys() {
	st := s.Stats()
	values := []struct {
		topic string
		value string
	}{
		{"$SYS/broker/version", s.config.Version},
		{"$SYS/broker/uptime", strconv.FormatInt(int64(st.Uptime.Seconds()), 10)},
		{"$SYS/broker/clients/connected", strconv.FormatInt(st.ClientsConnected, 10)},
		{"$SYS/broker/clients/total", strconv.FormatInt(st.ClientsTotal, 10)},
		{"$SYS/broker/messages/received", strconv.FormatInt(st.MessagesReceived, 10)},
		{"$SYS/broker/messages/sent", strconv.FormatInt(st.MessagesSent, 10)},
		{"$SYS/broker/bytes/received", strconv.FormatInt(st.BytesReceived, 10)},
		{"$SYS/broker/bytes/sent", strconv.FormatInt(st.BytesSent, 10)},
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	for _, v := range values {
		m, err := message.New(v.topic, []byte(v.value), packet.QoS0, false)
		if err != nil {
			continue
		}
		if _, err := s.route(ctx, m); err != nil {
			s.log.Debug("$SYS publish failed", "topic", v.topic, "error", err)
			return
		}
	}
}
