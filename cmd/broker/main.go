package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/bromq-dev/mqttcore/pkg/listeners"
	"github.com/bromq-dev/mqttcore/pkg/network"
	"github.com/bromq-dev/mqttcore/pkg/session"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	opts := defaultOptions()

	cmd := &cobra.Command{
		Use:   "broker",
		Short: "MQTT 3.1.1 server",
		Long: `Serve MQTT 3.1.1 over TCP and WebSocket.

Examples:
  broker
  broker --store=bolt --bolt-path=mqtt.db
  broker --credential=alice:secret --acl='alice:sensors/#:rw'
  broker --cert=server.crt --key=server.key --tls-addr=:8883`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", opts.addr, "MQTT listen address")
	f.StringVar(&opts.tlsAddr, "tls-addr", opts.tlsAddr, "MQTTS listen address (requires --cert and --key)")
	f.StringVar(&opts.wsAddr, "ws-addr", opts.wsAddr, "WebSocket listen address (empty disables)")
	f.StringVar(&opts.wsPath, "ws-path", opts.wsPath, "WebSocket listen path")
	f.StringVar(&opts.certFile, "cert", "", "TLS certificate file (optional)")
	f.StringVar(&opts.keyFile, "key", "", "TLS private key file (optional)")
	f.StringVar(&opts.store, "store", opts.store, "Storage backend: memory, redis or bolt")
	f.StringVar(&opts.redisAddr, "redis-addr", opts.redisAddr, "Redis address for --store=redis")
	f.StringVar(&opts.redisPrefix, "redis-prefix", opts.redisPrefix, "Redis key prefix")
	f.StringVar(&opts.boltPath, "bolt-path", opts.boltPath, "Database file for --store=bolt")
	f.StringArrayVar(&opts.credentials, "credential", nil, "Credential: username:password (can be repeated)")
	f.StringArrayVar(&opts.acls, "acl", nil, "ACL rule: username:topicFilter:permissions (can be repeated)")
	f.BoolVar(&opts.denyByDefault, "acl-deny", false, "Deny publish and subscribe requests no ACL rule matches")
	f.DurationVar(&opts.sessionExpiry, "session-expiry", opts.sessionExpiry, "Drop persistent sessions idle this long (0 keeps them)")
	f.DurationVar(&opts.connectTimeout, "connect-timeout", opts.connectTimeout, "Time allowed between accept and CONNECT")
	f.Uint32Var(&opts.maxPacketSize, "max-packet-size", 0, "Largest accepted packet in bytes (0 = protocol max)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "Prometheus /metrics listen address (e.g. :9090)")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level: debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", opts.logFormat, "Log format: text or json")

	return cmd
}

func run(ctx context.Context, opts *options) error {
	log, err := newLogger(os.Stderr, opts.logLevel, opts.logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(log)

	store, err := openStore(ctx, opts, log)
	if err != nil {
		return err
	}
	defer store.Close()

	authenticator, err := newAuthenticator(opts)
	if err != nil {
		return err
	}
	if len(opts.credentials) > 0 {
		log.Info("authentication enabled", "users", len(opts.credentials))
	}
	if len(opts.acls) > 0 {
		log.Info("ACL enabled", "rules", len(opts.acls), "deny_by_default", opts.denyByDefault)
	}

	sessions := session.NewMemory(&session.Config{Expiry: opts.sessionExpiry, Logger: log})
	var sweep time.Duration
	if opts.sessionExpiry > 0 {
		sweep = min(time.Minute, opts.sessionExpiry)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := network.New(&network.Config{
		ConnectTimeout:    opts.connectTimeout,
		MaxPacketSize:     opts.maxPacketSize,
		MaxClientIDLength: 256,
		Store:             store,
		Sessions:          sessions,
		SessionSweep:      sweep,
		Auth:              authenticator,
		Metrics:           network.NewMetrics(&network.MetricsConfig{Registry: registry}),
		Logger:            log,
	})

	if err := srv.AddListener(listeners.NewTCP("tcp", opts.addr, &listeners.TCPConfig{Logger: log})); err != nil {
		return err
	}
	if opts.wsAddr != "" {
		ws := listeners.NewWebSocket("ws", opts.wsAddr, &listeners.WebSocketConfig{Path: opts.wsPath, Logger: log})
		if err := srv.AddListener(ws); err != nil {
			return err
		}
	}
	if opts.certFile != "" && opts.keyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.certFile, opts.keyFile)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			ClientAuth:   tls.RequestClientCert,
			MinVersion:   tls.VersionTLS12,
		}
		tcpTLS := listeners.NewTCP("tcp+tls", opts.tlsAddr, &listeners.TCPConfig{TLSConfig: tlsConfig, Logger: log})
		if err := srv.AddListener(tcpTLS); err != nil {
			return err
		}
	}

	if opts.metricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              opts.metricsAddr,
			Handler:           metricsMux(registry),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", "addr", opts.metricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "error", err)
			}
		}()
		defer metricsSrv.Close()
	}

	if err := srv.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func metricsMux(registry *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	return mux
}
