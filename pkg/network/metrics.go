package network

import (
	"net"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bromq-dev/mqttcore/pkg/packet"
)

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "mqttcore").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: a fresh registry, so servers never collide.
	Registry prometheus.Registerer
}

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	connections        prometheus.Counter
	clientsConnected   prometheus.Gauge
	connacks           *prometheus.CounterVec
	packetsReceived    *prometheus.CounterVec
	packetsSent        *prometheus.CounterVec
	codecErrors        *prometheus.CounterVec
	messagesRouted     prometheus.Counter
	messagesDropped    prometheus.Counter
	publishesThrottled prometheus.Counter
	bytesReceived      prometheus.Counter
	bytesSent          prometheus.Counter
}

// NewMetrics registers the server collectors. cfg may be nil.
func NewMetrics(cfg *MetricsConfig) *Metrics {
	if cfg == nil {
		cfg = &MetricsConfig{}
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "mqttcore"
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	factory := promauto.With(cfg.Registry)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}

	return &Metrics{
		connections: counter("connections_total", "Total number of accepted transport connections"),
		clientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "clients_connected",
			Help:        "Number of clients past the CONNECT handshake",
			ConstLabels: cfg.ConstLabels,
		}),
		connacks:           counterVec("connack_total", "CONNACK packets sent by return code", "code"),
		packetsReceived:    counterVec("packets_received_total", "Packets decoded by type", "type"),
		packetsSent:        counterVec("packets_sent_total", "Packets encoded and written by type", "type"),
		codecErrors:        counterVec("codec_errors_total", "Packet decode or validation failures by kind", "kind"),
		messagesRouted:     counter("messages_routed_total", "Application messages delivered to subscribers"),
		messagesDropped:    counter("messages_dropped_total", "Deliveries dropped because a client queue was full"),
		publishesThrottled: counter("publishes_throttled_total", "Inbound publishes dropped by the rate limit"),
		bytesReceived:      counter("bytes_received_total", "Bytes read from client connections"),
		bytesSent:          counter("bytes_sent_total", "Bytes written to client connections"),
	}
}

func (m *Metrics) packetReceived(t packet.Type) {
	m.packetsReceived.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) packetSent(t packet.Type) {
	m.packetsSent.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) connack(code packet.ConnectReturnCode) {
	m.connacks.WithLabelValues(strconv.Itoa(int(code))).Inc()
}

// codecError classifies err as "protocol", "validation" or "io".
func (m *Metrics) codecError(err error) {
	m.codecErrors.WithLabelValues(errorKind(err)).Inc()
}

func errorKind(err error) string {
	switch {
	case packet.IsProtocolError(err):
		return "protocol"
	case packet.IsValidationError(err):
		return "validation"
	default:
		return "io"
	}
}

// meteredConn counts bytes moved over a connection.
type meteredConn struct {
	net.Conn
	m  *Metrics
	st *stats
}

func (c *meteredConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	c.m.bytesReceived.Add(float64(n))
	c.st.bytesReceived.Add(int64(n))
	return n, err
}

func (c *meteredConn) Write(p []byte) (int, error) {
	n, err := c.Conn.Write(p)
	c.m.bytesSent.Add(float64(n))
	c.st.bytesSent.Add(int64(n))
	return n, err
}
