package chain

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/pepperlink/pepperlink/internal/engine"
	"github.com/pepperlink/pepperlink/internal/ports"
)

// IngressLayer is the primary listener the tunnel attaches to. It fronts
// the engine: every accepted connection is piped to the engine's inbound
// port. The TLS-evasion framing itself is opaque to the orchestrator.
type IngressLayer struct {
	log     *slog.Logger
	arbiter *ports.Arbiter
	target  func() (int, error)

	mu   sync.Mutex
	ln   net.Listener
	port int
}

func NewIngressLayer(arbiter *ports.Arbiter, target func() (int, error), log *slog.Logger) *IngressLayer {
	if log == nil {
		log = slog.Default()
	}
	return &IngressLayer{log: log, arbiter: arbiter, target: target}
}

func (l *IngressLayer) Name() string { return LayerIngress }

func (l *IngressLayer) Start(ctx context.Context) error {
	port, err := l.arbiter.FindPort(nil)
	if err != nil {
		return fmt.Errorf("ingress: %w", err)
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("ingress: listen: %w", err)
	}
	l.mu.Lock()
	l.ln = ln
	l.port = port
	l.mu.Unlock()
	go l.acceptLoop(ctx, ln)
	return nil
}

func (l *IngressLayer) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if ctx.Err() != nil {
			_ = conn.Close()
			return
		}
		go l.forward(conn)
	}
}

func (l *IngressLayer) forward(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	port, err := l.target()
	if err != nil {
		l.log.Warn("ingress: no engine target", "err", err)
		return
	}
	up, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		l.log.Warn("ingress: engine dial", "err", err)
		return
	}
	defer func() { _ = up.Close() }()
	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(up, conn)
		close(done)
	}()
	_, _ = io.Copy(conn, up)
	<-done
}

// Port returns the listening port, 0 when not started.
func (l *IngressLayer) Port() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.port
}

func (l *IngressLayer) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ln != nil
}

func (l *IngressLayer) Stop(_ context.Context) error {
	l.mu.Lock()
	ln := l.ln
	l.ln = nil
	l.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// AccelLayer owns the UDP socket of the QUIC transport accelerator. The
// socket is protected from tunnel routing at creation so accelerated
// traffic exits over the physical network.
type AccelLayer struct {
	log     *slog.Logger
	protect func(fd int) error

	mu   sync.Mutex
	conn *net.UDPConn
}

func NewAccelLayer(protect func(fd int) error, log *slog.Logger) *AccelLayer {
	if log == nil {
		log = slog.Default()
	}
	return &AccelLayer{log: log, protect: protect}
}

func (l *AccelLayer) Name() string { return LayerAccel }

func (l *AccelLayer) Start(_ context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return fmt.Errorf("accel: udp socket: %w", err)
	}
	if l.protect != nil {
		raw, err := conn.SyscallConn()
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("accel: raw descriptor: %w", err)
		}
		var perr error
		_ = raw.Control(func(fd uintptr) { perr = l.protect(int(fd)) })
		if perr != nil {
			_ = conn.Close()
			return fmt.Errorf("accel: protect socket: %w", perr)
		}
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	return nil
}

func (l *AccelLayer) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *AccelLayer) Stop(_ context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

// ShaperLayer paces tunnel writes with a token bucket. Zero rate means
// pass-through. Pacing applies only to the attached pump; the layer's
// lifecycle exists so shaping health is visible in the chain status.
type ShaperLayer struct {
	rate int64 // bytes per second, 0 = unshaped

	mu      sync.Mutex
	tokens  float64
	last    time.Time
	running bool
}

func NewShaperLayer(bytesPerSecond int64) *ShaperLayer {
	return &ShaperLayer{rate: bytesPerSecond}
}

func (l *ShaperLayer) Name() string { return LayerShaper }

func (l *ShaperLayer) Start(_ context.Context) error {
	l.mu.Lock()
	l.tokens = float64(l.rate)
	l.last = time.Now()
	l.running = true
	l.mu.Unlock()
	return nil
}

func (l *ShaperLayer) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *ShaperLayer) Stop(_ context.Context) error {
	l.mu.Lock()
	l.running = false
	l.mu.Unlock()
	return nil
}

// Pace blocks until n bytes may pass under the configured rate.
func (l *ShaperLayer) Pace(n int) {
	if l.rate <= 0 || n <= 0 {
		return
	}
	for {
		l.mu.Lock()
		if !l.running {
			l.mu.Unlock()
			return
		}
		now := time.Now()
		l.tokens += now.Sub(l.last).Seconds() * float64(l.rate)
		if max := float64(l.rate); l.tokens > max {
			l.tokens = max
		}
		l.last = now
		if l.tokens >= float64(n) {
			l.tokens -= float64(n)
			l.mu.Unlock()
			return
		}
		deficit := float64(n) - l.tokens
		l.mu.Unlock()
		time.Sleep(time.Duration(deficit / float64(l.rate) * float64(time.Second)))
	}
}

// EngineLayer adapts the proxy-engine supervisor to the chain lifecycle.
type EngineLayer struct {
	sup *engine.Supervisor
	doc func() ([]byte, error)
}

func NewEngineLayer(sup *engine.Supervisor, doc func() ([]byte, error)) *EngineLayer {
	return &EngineLayer{sup: sup, doc: doc}
}

func (l *EngineLayer) Name() string { return LayerEngine }

func (l *EngineLayer) Start(ctx context.Context) error {
	d, err := l.doc()
	if err != nil {
		return fmt.Errorf("engine layer: configuration: %w", err)
	}
	return l.sup.Start(ctx, d)
}

func (l *EngineLayer) Running() bool { return l.sup.Alive() }

func (l *EngineLayer) Stop(_ context.Context) error { return l.sup.Terminate() }
