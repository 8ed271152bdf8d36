// Package pepperlink is the embeddable facade over the session core:
// config loading, session construction, the control HTTP server and
// metrics registration.
package pepperlink

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pepperlink/pepperlink/internal/config"
	"github.com/pepperlink/pepperlink/internal/history"
	historyfactory "github.com/pepperlink/pepperlink/internal/history/factory"
	"github.com/pepperlink/pepperlink/internal/logger"
	"github.com/pepperlink/pepperlink/internal/metrics"
	"github.com/pepperlink/pepperlink/internal/relay"
	iapi "github.com/pepperlink/pepperlink/internal/server"
	"github.com/pepperlink/pepperlink/internal/session"
	"github.com/pepperlink/pepperlink/internal/tun"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = config.Config

type Status = session.Status

type Provisioner = tun.Provisioner

type TunnelHandle = tun.Handle

type TunnelSpec = tun.Spec

type HistorySink = history.Sink

type HistoryEvent = history.Event

type LogConsumer = relay.Consumer

type LogConsumerFunc = relay.ConsumerFunc

var (
	ErrAlreadyRunning   = session.ErrAlreadyRunning
	ErrNotRunning       = session.ErrNotRunning
	ErrPermissionDenied = tun.ErrPermissionDenied
)

// Session is a thin facade over internal/session.Session. It provides a
// stable public API for embedding.
type Session struct{ inner *session.Session }

// Options assemble a public session. Provisioner is the platform VPN
// API binding and is required; Consumer receives engine log batches.
type Options struct {
	Config      *Config
	Provisioner Provisioner
	Consumer    LogConsumer
	History     []HistorySink
}

// New builds a session from config: logger from the log section, engine
// file writer from the logger package, history sinks from the DSN list.
func New(opts Options) (*Session, error) {
	cfg := opts.Config
	level := logger.ParseLevel(cfg.Log.Level)
	log := logger.New(nil, level, cfg.Log.Color)

	sinks := opts.History
	for _, dsn := range cfg.History {
		sink, err := historyfactory.NewSinkFromDSN(dsn)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, sink)
	}

	engineOut := cfg.Log.Engine.Writer(cfg.Session.Name)

	inner, err := session.New(session.Options{
		Config:       cfg,
		Provisioner:  opts.Provisioner,
		Consumer:     opts.Consumer,
		History:      sinks,
		Logger:       log,
		EngineLogOut: engineOut,
	})
	if err != nil {
		return nil, err
	}
	return &Session{inner: inner}, nil
}

func (s *Session) Start(ctx context.Context) error  { return s.inner.Start(ctx) }
func (s *Session) Stop(ctx context.Context) error   { return s.inner.Stop(ctx) }
func (s *Session) Reload(ctx context.Context) error { return s.inner.Reload(ctx) }
func (s *Session) Status() Status                   { return s.inner.Status() }

// LoadConfig reads and validates a TOML session configuration.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// NewHTTPServer starts the control API server for the given session.
func NewHTTPServer(addr, basePath string, s *Session) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it
// runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
