// Package health periodically probes the tunnel descriptor and the
// chain's ingress port and triggers scoped recovery when a probe fails.
// Recovery is deliberately narrow: a dead tunnel gets re-established, a
// dead ingress gets an engine reload, never a full session restart.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pepperlink/pepperlink/internal/metrics"
)

const (
	CheckTunnel = "tunnel"
	CheckPort   = "port"
)

// Options wire the monitor to the session. Probe functions must be
// cheap; recovery functions may block and are never invoked concurrently
// with themselves.
type Options struct {
	Session        string
	TunnelInterval time.Duration
	PortInterval   time.Duration
	ProbeTimeout   time.Duration

	// TunnelValid reports whether the tunnel descriptor is still usable.
	// Nil disables the tunnel probe.
	TunnelValid func() bool
	// RecoverTunnel re-establishes the tunnel after a failed probe.
	RecoverTunnel func(ctx context.Context) error

	// IngressPort returns the chain's primary listener port, 0 when the
	// chain is down. Nil disables the port probe.
	IngressPort func() int
	// RecoverEngine reloads the engine after the ingress stops accepting.
	RecoverEngine func(ctx context.Context) error

	Logger *slog.Logger
}

// Monitor runs the probe loops. One recovery per check may be in flight
// at a time; overlapping probe failures are counted but do not stack
// recovery attempts.
type Monitor struct {
	opts Options
	log  *slog.Logger

	mu         sync.Mutex
	recovering map[string]bool
}

func New(opts Options) *Monitor {
	if opts.TunnelInterval <= 0 {
		opts.TunnelInterval = 30 * time.Second
	}
	if opts.PortInterval <= 0 {
		opts.PortInterval = 15 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{opts: opts, log: log, recovering: map[string]bool{}}
}

// Run blocks until the context is cancelled, probing on each check's own
// cadence.
func (m *Monitor) Run(ctx context.Context) {
	tunnelT := time.NewTicker(m.opts.TunnelInterval)
	portT := time.NewTicker(m.opts.PortInterval)
	defer tunnelT.Stop()
	defer portT.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tunnelT.C:
			m.probeTunnel(ctx)
		case <-portT.C:
			m.probePort(ctx)
		}
	}
}

func (m *Monitor) probeTunnel(ctx context.Context) {
	if m.opts.TunnelValid == nil {
		return
	}
	if m.opts.TunnelValid() {
		metrics.IncHealthProbe(m.opts.Session, CheckTunnel, "ok")
		return
	}
	metrics.IncHealthProbe(m.opts.Session, CheckTunnel, "fail")
	m.log.Warn("tunnel probe failed")
	m.recover(ctx, CheckTunnel, m.opts.RecoverTunnel)
}

func (m *Monitor) probePort(ctx context.Context) {
	if m.opts.IngressPort == nil {
		return
	}
	port := m.opts.IngressPort()
	if port == 0 {
		// Chain is down; nothing to probe.
		return
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), m.opts.ProbeTimeout)
	if err == nil {
		_ = conn.Close()
		metrics.IncHealthProbe(m.opts.Session, CheckPort, "ok")
		return
	}
	metrics.IncHealthProbe(m.opts.Session, CheckPort, "fail")
	m.log.Warn("ingress probe failed", "port", port, "err", err)
	m.recover(ctx, CheckPort, m.opts.RecoverEngine)
}

// recover runs fn once per failure episode. While a recovery for the
// same check is in flight, further failures are logged and skipped.
func (m *Monitor) recover(ctx context.Context, check string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	if m.recovering[check] {
		m.mu.Unlock()
		m.log.Debug("recovery already in flight", "check", check)
		return
	}
	m.recovering[check] = true
	m.mu.Unlock()

	go func() {
		defer func() {
			m.mu.Lock()
			m.recovering[check] = false
			m.mu.Unlock()
		}()
		if err := fn(ctx); err != nil {
			m.log.Error("recovery failed", "check", check, "err", err)
			metrics.IncHealthProbe(m.opts.Session, check, "recovery_failed")
			return
		}
		m.log.Info("recovery succeeded", "check", check)
		metrics.IncHealthProbe(m.opts.Session, check, "recovered")
	}()
}
