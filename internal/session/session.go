// Package session composes the supervisor, tunnel manager, chain
// orchestrator, health monitor and log relay into one lifecycle with a
// small idempotent surface: Start, Stop, Reload, Status.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pepperlink/pepperlink/internal/chain"
	"github.com/pepperlink/pepperlink/internal/config"
	"github.com/pepperlink/pepperlink/internal/engine"
	"github.com/pepperlink/pepperlink/internal/health"
	"github.com/pepperlink/pepperlink/internal/history"
	"github.com/pepperlink/pepperlink/internal/ports"
	"github.com/pepperlink/pepperlink/internal/relay"
	"github.com/pepperlink/pepperlink/internal/tun"
)

var (
	// ErrAlreadyRunning is returned by Start while a session is up.
	ErrAlreadyRunning = errors.New("session: already running")
	// ErrNotRunning is returned by Reload when there is nothing to reload.
	ErrNotRunning = errors.New("session: not running")
)

// engineWatchInterval is how often the engine liveness watchdog polls
// between health-monitor cadences.
var engineWatchInterval = time.Second

// historySendTimeout bounds each history sink delivery so a slow audit
// backend cannot stall a lifecycle transition.
const historySendTimeout = 2 * time.Second

// Options assemble a session from its collaborators. Provisioner is the
// platform VPN API; Consumer receives relayed engine log batches.
type Options struct {
	Config      *config.Config
	Provisioner tun.Provisioner
	Consumer    relay.Consumer
	History     []history.Sink
	Logger      *slog.Logger
	// EngineLogOut, when non-nil, receives a copy of every relayed engine
	// line (typically a rotated file writer).
	EngineLogOut io.WriteCloser
}

// Status is the externally visible session snapshot.
type Status struct {
	Session     string       `json:"session"`
	Running     bool         `json:"running"`
	Chain       chain.Status `json:"chain"`
	EnginePID   int          `json:"engine_pid"`
	TunnelValid bool         `json:"tunnel_valid"`
}

// Session owns one tunnel lifecycle end to end.
type Session struct {
	cfg   *config.Config
	log   *slog.Logger
	sinks []history.Sink

	sup    *engine.Supervisor
	tunMgr *tun.Manager
	orch   *chain.Orchestrator
	rel    *relay.Relay
	mon    *health.Monitor

	mu       sync.Mutex
	running  bool
	stopping bool
	bg       context.Context
	cancel   context.CancelFunc
	doc      []byte
	wg       sync.WaitGroup
}

// New wires the session graph. Nothing starts until Start is called.
func New(opts Options) (*Session, error) {
	if opts.Config == nil {
		return nil, errors.New("session: config is required")
	}
	if opts.Provisioner == nil {
		return nil, errors.New("session: tunnel provisioner is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	cfg := opts.Config
	name := cfg.Session.Name

	consumer := opts.Consumer
	if consumer == nil {
		consumer = relay.ConsumerFunc(func([]string) {})
	}
	rel := relay.New(consumer, relay.Options{
		Session:       name,
		Capacity:      cfg.Relay.Capacity,
		FlushInterval: cfg.Relay.FlushInterval,
		Logger:        log,
	})

	sup := engine.New(engine.Options{
		Path:           cfg.Engine.Path,
		WorkDir:        cfg.Engine.WorkDir,
		GracefulWait:   cfg.Engine.GracefulWait,
		StartupGrace:   cfg.Engine.StartupGrace,
		MaxConfigBytes: cfg.Engine.MaxConfigBytes,
	}, name, log, rel, opts.EngineLogOut)

	s := &Session{cfg: cfg, log: log, sinks: opts.History, sup: sup, rel: rel}
	s.tunMgr = tun.NewManager(opts.Provisioner, log)

	arbiter := ports.NewArbiter()
	ingress := chain.NewIngressLayer(arbiter, s.engineControlPort, log)
	// Dependency order: ingress accepts first, transports and shaping come
	// up next, the engine joins last. Teardown runs the same list in
	// reverse. Ingress dials the engine lazily per connection, so it can
	// listen before the engine exists.
	layers := []chain.Layer{
		ingress,
		chain.NewAccelLayer(opts.Provisioner.Protect, log),
		chain.NewShaperLayer(cfg.Chain.ShaperRateBytes),
		chain.NewEngineLayer(sup, s.currentDoc),
	}
	critical := append([]string{chain.LayerEngine, chain.LayerIngress}, cfg.Chain.CriticalLayers...)
	s.orch = chain.New(chain.Options{
		Session:           name,
		Layers:            layers,
		Critical:          critical,
		ReadinessInterval: cfg.Chain.ReadinessInterval,
		ReadinessCeiling:  cfg.Chain.ReadinessCeiling,
		Logger:            log,
	})

	s.mon = health.New(health.Options{
		Session:        name,
		TunnelInterval: cfg.Health.TunnelInterval,
		PortInterval:   cfg.Health.PortInterval,
		ProbeTimeout:   cfg.Health.ProbeTimeout,
		TunnelValid:    s.tunMgr.Valid,
		RecoverTunnel:  s.recoverTunnel,
		IngressPort:    s.orch.IngressPort,
		RecoverEngine:  s.reloadEngine,
		Logger:         log,
	})
	return s, nil
}

func (s *Session) currentDoc() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.doc) == 0 {
		return nil, errors.New("session: no engine configuration loaded")
	}
	return s.doc, nil
}

func (s *Session) engineControlPort() (int, error) {
	doc, err := s.currentDoc()
	if err != nil {
		return 0, err
	}
	return engine.ControlPort(doc)
}

func (s *Session) loadDoc() error {
	doc, err := os.ReadFile(s.cfg.Engine.ConfigPath)
	if err != nil {
		return fmt.Errorf("session: read engine configuration: %w", err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// Start brings the whole session up: tunnel first, then the chain in
// dependency order, then readiness gating, then the pump and the
// background monitors. A second Start while running is rejected.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.stopping = false
	s.mu.Unlock()

	s.emit(ctx, history.EventStart, "")

	fail := func(err error, detail string) error {
		s.emit(ctx, history.EventFailed, detail)
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return err
	}

	if err := s.loadDoc(); err != nil {
		return fail(err, err.Error())
	}

	handle, err := s.tunMgr.Establish(ctx, tun.Request{
		MTU:            s.cfg.Tunnel.MTU,
		Addresses:      s.cfg.Tunnel.Addresses,
		Routes:         s.cfg.Tunnel.Routes,
		ExcludePrivate: s.cfg.Tunnel.ExcludePrivate,
		DNS:            s.cfg.Tunnel.DNS,
		AllowedApps:    s.cfg.Tunnel.AllowedApps,
		DisallowedApps: s.cfg.Tunnel.DisallowedApps,
		HTTPProxy:      s.cfg.Tunnel.HTTPProxy,
	})
	if err != nil {
		return fail(err, err.Error())
	}

	bg, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.bg = bg
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.rel.Run(bg)
	}()

	if err := s.orch.Start(ctx); err != nil {
		s.teardown(ctx)
		return fail(err, err.Error())
	}
	if err := s.orch.AwaitReady(ctx); err != nil {
		detail := err.Error()
		if tail := s.sup.Tail(20); len(tail) > 0 {
			detail += "; engine tail: " + strings.Join(tail, " | ")
		}
		s.teardown(ctx)
		return fail(err, detail)
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		if err := s.orch.AttachTunnel(bg, handle); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("tunnel pump ended", "err", err)
		}
	}()
	go func() {
		defer s.wg.Done()
		s.mon.Run(bg)
	}()
	go func() {
		defer s.wg.Done()
		s.watchEngine(bg)
	}()

	if s.orch.State() == chain.Degraded {
		s.emit(ctx, history.EventDegraded, s.degradedDetail())
	} else {
		s.emit(ctx, history.EventRunning, "")
	}
	return nil
}

// Stop tears the session down in reverse order of Start: pump and
// monitors first, then the chain, then the tunnel handle. Stopping an
// already stopped session is a no-op.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running || s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	err := s.orch.Stop(ctx)
	_ = s.tunMgr.Close()
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.stopping = false
	s.bg = nil
	s.cancel = nil
	s.mu.Unlock()

	s.emit(ctx, history.EventStop, "")
	return err
}

// Reload re-reads the engine configuration document and restarts only the
// engine subprocess; the tunnel, listeners and pump stay up.
func (s *Session) Reload(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.mu.Unlock()

	if err := s.loadDoc(); err != nil {
		return err
	}
	doc, err := s.currentDoc()
	if err != nil {
		return err
	}
	if err := s.sup.Reload(ctx, doc); err != nil {
		return fmt.Errorf("session: reload: %w", err)
	}
	s.emit(ctx, history.EventReload, "")
	return nil
}

// Status never blocks on lifecycle operations in flight.
func (s *Session) Status() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	return Status{
		Session:     s.cfg.Session.Name,
		Running:     running,
		Chain:       s.orch.Status(),
		EnginePID:   s.sup.State().PID,
		TunnelValid: s.tunMgr.Valid(),
	}
}

// teardown is the start-failure rollback: cancel background loops, stop
// whatever came up, release the tunnel.
func (s *Session) teardown(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.bg = nil
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err := s.orch.Stop(ctx); err != nil {
		s.log.Warn("rollback chain stop", "err", err)
	}
	_ = s.tunMgr.Close()
	s.wg.Wait()
}

// watchEngine catches engine deaths between health probes and folds
// non-critical layer deaths into the chain state on the same cadence. The
// engine is critical, so an unexpected exit fails the session and
// triggers a full teardown rather than leaving Status stuck on a running
// chain.
func (s *Session) watchEngine(ctx context.Context) {
	ticker := time.NewTicker(engineWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.orch.ReconcileLayers()
		if s.sup.Alive() || s.sup.State().Reloading {
			continue
		}
		s.mu.Lock()
		active := s.running && !s.stopping
		s.mu.Unlock()
		if !active {
			return
		}
		detail := "engine exited unexpectedly"
		if tail := s.sup.Tail(20); len(tail) > 0 {
			detail += "; tail: " + strings.Join(tail, " | ")
		}
		s.log.Error("engine died, tearing session down", "detail", detail)
		s.emit(ctx, history.EventFailed, detail)
		// Stop waits on this goroutine's WaitGroup slot, so it must run
		// outside of it.
		go func() {
			if err := s.Stop(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("teardown after engine death", "err", err)
			}
		}()
		return
	}
}

// recoverTunnel is the health monitor's tunnel recovery: close whatever
// is left and establish a fresh interface, then re-attach the pump.
func (s *Session) recoverTunnel(ctx context.Context) error {
	s.mu.Lock()
	active := s.running && !s.stopping
	cancel := s.cancel
	s.mu.Unlock()
	if !active || cancel == nil {
		return nil
	}
	_ = s.tunMgr.Close()
	handle, err := s.tunMgr.Establish(ctx, tun.Request{
		MTU:            s.cfg.Tunnel.MTU,
		Addresses:      s.cfg.Tunnel.Addresses,
		Routes:         s.cfg.Tunnel.Routes,
		ExcludePrivate: s.cfg.Tunnel.ExcludePrivate,
		DNS:            s.cfg.Tunnel.DNS,
		AllowedApps:    s.cfg.Tunnel.AllowedApps,
		DisallowedApps: s.cfg.Tunnel.DisallowedApps,
		HTTPProxy:      s.cfg.Tunnel.HTTPProxy,
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	bg := s.bg
	s.mu.Unlock()
	if bg == nil {
		return nil
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.orch.AttachTunnel(bg, handle); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("re-attached pump ended", "err", err)
		}
	}()
	s.emit(ctx, history.EventRecovered, "tunnel re-established")
	return nil
}

// reloadEngine is the health monitor's scoped engine recovery.
func (s *Session) reloadEngine(ctx context.Context) error {
	s.mu.Lock()
	active := s.running && !s.stopping
	s.mu.Unlock()
	if !active {
		return nil
	}
	doc, err := s.currentDoc()
	if err != nil {
		return err
	}
	if err := s.sup.Reload(ctx, doc); err != nil {
		return err
	}
	s.emit(ctx, history.EventRecovered, "engine reloaded")
	return nil
}

func (s *Session) degradedDetail() string {
	var parts []string
	for name, ls := range s.orch.Status().Layers {
		if ls.Err != "" {
			parts = append(parts, name+": "+ls.Err)
		}
	}
	return strings.Join(parts, "; ")
}

// emit fans a lifecycle event out to every history sink. Failures are
// logged, never propagated; audit export must not affect the lifecycle.
func (s *Session) emit(ctx context.Context, t history.EventType, detail string) {
	if len(s.sinks) == 0 {
		return
	}
	e := history.Event{
		Type:       t,
		OccurredAt: time.Now(),
		Session:    s.cfg.Session.Name,
		State:      s.orch.State().String(),
		EnginePID:  s.sup.State().PID,
		Detail:     detail,
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), historySendTimeout)
	defer cancel()
	for _, sink := range s.sinks {
		if err := sink.Send(sendCtx, e); err != nil {
			s.log.Warn("history sink send failed", "type", string(t), "err", err)
		}
	}
}
