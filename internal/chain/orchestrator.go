package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pepperlink/pepperlink/internal/metrics"
)

var (
	// ErrNotStopped is returned by Start when the chain is already up.
	ErrNotStopped = errors.New("chain: not stopped")
	// ErrCriticalLayer wraps the failure of a layer the chain cannot run without.
	ErrCriticalLayer = errors.New("chain: critical layer failed")
	// ErrNotReady is returned by AwaitReady when the ceiling elapses.
	ErrNotReady = errors.New("chain: readiness ceiling elapsed")
)

// Options configure an Orchestrator. Layers are started in slice order
// and stopped in reverse. Critical names the layers whose failure fails
// the whole chain; absent layers degrade it instead.
type Options struct {
	Session           string
	Layers            []Layer
	Critical          []string
	ReadinessInterval time.Duration
	ReadinessCeiling  time.Duration
	Logger            *slog.Logger
}

// Orchestrator drives the layer chain through its lifecycle and owns the
// aggregate state machine.
type Orchestrator struct {
	session  string
	log      *slog.Logger
	layers   []Layer
	critical map[string]bool
	interval time.Duration
	ceiling  time.Duration

	mu        sync.Mutex
	state     State
	layerErr  map[string]string
	started   map[string]bool
	startedAt time.Time

	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	crit := make(map[string]bool, len(opts.Critical))
	for _, name := range opts.Critical {
		crit[name] = true
	}
	if opts.ReadinessInterval <= 0 {
		opts.ReadinessInterval = time.Second
	}
	if opts.ReadinessCeiling <= 0 {
		opts.ReadinessCeiling = 30 * time.Second
	}
	return &Orchestrator{
		session:  opts.Session,
		log:      log,
		layers:   opts.Layers,
		critical: crit,
		interval: opts.ReadinessInterval,
		ceiling:  opts.ReadinessCeiling,
		state:    Stopped,
		layerErr: map[string]string{},
		started:  map[string]bool{},
	}
}

// Start brings the layers up in dependency order. A critical failure
// tears down everything already started and leaves the chain Failed; a
// non-critical failure is recorded and the chain comes up Degraded.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != Stopped && o.state != Failed {
		st := o.state
		o.mu.Unlock()
		return fmt.Errorf("%w: state is %s", ErrNotStopped, st)
	}
	o.setStateLocked(Starting)
	o.layerErr = map[string]string{}
	o.started = map[string]bool{}
	o.bytesUp.Store(0)
	o.bytesDown.Store(0)
	o.mu.Unlock()

	degraded := false
	for _, l := range o.layers {
		if err := l.Start(ctx); err != nil {
			metrics.SetLayerUp(o.session, l.Name(), false)
			if o.critical[l.Name()] {
				o.log.Error("critical layer failed, rolling back", "layer", l.Name(), "err", err)
				o.teardownStarted(ctx)
				o.mu.Lock()
				o.layerErr[l.Name()] = err.Error()
				o.setStateLocked(Failed)
				o.mu.Unlock()
				return fmt.Errorf("%w: %s: %v", ErrCriticalLayer, l.Name(), err)
			}
			o.log.Warn("layer failed, continuing degraded", "layer", l.Name(), "err", err)
			o.mu.Lock()
			o.layerErr[l.Name()] = err.Error()
			o.mu.Unlock()
			degraded = true
			continue
		}
		metrics.SetLayerUp(o.session, l.Name(), true)
		o.mu.Lock()
		o.started[l.Name()] = true
		o.mu.Unlock()
		o.log.Info("layer started", "layer", l.Name())
	}

	o.mu.Lock()
	o.startedAt = time.Now()
	if degraded {
		o.setStateLocked(Degraded)
	} else {
		o.setStateLocked(Running)
	}
	o.mu.Unlock()
	return nil
}

// Stop brings the layers down in reverse order. Every layer's Stop is
// attempted regardless of earlier failures; errors are joined.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	if o.state == Stopped {
		o.mu.Unlock()
		return nil
	}
	o.setStateLocked(Stopping)
	o.mu.Unlock()

	var errs []error
	for i := len(o.layers) - 1; i >= 0; i-- {
		l := o.layers[i]
		o.mu.Lock()
		wasStarted := o.started[l.Name()]
		o.mu.Unlock()
		if !wasStarted {
			continue
		}
		if err := l.Stop(ctx); err != nil {
			o.log.Warn("layer stop failed", "layer", l.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", l.Name(), err))
		}
		metrics.SetLayerUp(o.session, l.Name(), false)
		o.mu.Lock()
		delete(o.started, l.Name())
		o.mu.Unlock()
	}

	o.mu.Lock()
	o.setStateLocked(Stopped)
	o.mu.Unlock()
	return errors.Join(errs...)
}

// teardownStarted rolls back the layers brought up so far, newest first.
func (o *Orchestrator) teardownStarted(ctx context.Context) {
	for i := len(o.layers) - 1; i >= 0; i-- {
		l := o.layers[i]
		o.mu.Lock()
		wasStarted := o.started[l.Name()]
		o.mu.Unlock()
		if !wasStarted {
			continue
		}
		if err := l.Stop(ctx); err != nil {
			o.log.Warn("rollback stop failed", "layer", l.Name(), "err", err)
		}
		metrics.SetLayerUp(o.session, l.Name(), false)
		o.mu.Lock()
		delete(o.started, l.Name())
		o.mu.Unlock()
	}
}

// MarkDegraded records a runtime failure of a non-critical layer after a
// successful start, for example when the health monitor observes one die.
func (o *Orchestrator) MarkDegraded(layer string, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cause != nil {
		o.layerErr[layer] = cause.Error()
	}
	delete(o.started, layer)
	metrics.SetLayerUp(o.session, layer, false)
	if o.state == Running {
		o.setStateLocked(Degraded)
	}
}

// MarkRecovered clears a layer's recorded failure. The chain returns to
// Running once no failures remain.
func (o *Orchestrator) MarkRecovered(layer string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.layerErr, layer)
	o.started[layer] = true
	metrics.SetLayerUp(o.session, layer, true)
	if o.state == Degraded && len(o.layerErr) == 0 {
		o.setStateLocked(Running)
	}
}

var errLayerStopped = errors.New("layer stopped unexpectedly")

// ReconcileLayers folds runtime layer liveness into the aggregate state.
// A non-critical layer that died since the last pass degrades the chain;
// one that came back recovers it. Critical layers are not handled here,
// their death tears the whole session down.
func (o *Orchestrator) ReconcileLayers() {
	o.mu.Lock()
	st := o.state
	o.mu.Unlock()
	if st != Running && st != Degraded {
		return
	}
	for _, l := range o.layers {
		name := l.Name()
		if o.critical[name] {
			continue
		}
		running := l.Running()
		o.mu.Lock()
		up := o.started[name]
		_, failed := o.layerErr[name]
		o.mu.Unlock()
		switch {
		case up && !running:
			o.log.Warn("layer died at runtime", "layer", name)
			o.MarkDegraded(name, errLayerStopped)
		case failed && running:
			o.log.Info("layer recovered", "layer", name)
			o.MarkRecovered(name)
		}
	}
}

// State returns the aggregate state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status snapshots aggregate state, per-layer health, uptime and the
// attached pump's byte counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	layers := make(map[string]LayerStatus, len(o.layers))
	for _, l := range o.layers {
		layers[l.Name()] = LayerStatus{
			Name:    l.Name(),
			Running: l.Running(),
			Err:     o.layerErr[l.Name()],
		}
	}
	var uptime float64
	if (o.state == Running || o.state == Degraded) && !o.startedAt.IsZero() {
		uptime = time.Since(o.startedAt).Seconds()
	}
	return Status{
		State:     o.state,
		StateName: o.state.String(),
		Layers:    layers,
		UptimeSec: uptime,
		BytesUp:   o.bytesUp.Load(),
		BytesDown: o.bytesDown.Load(),
	}
}

func (o *Orchestrator) setStateLocked(next State) {
	if o.state == next {
		return
	}
	metrics.RecordChainTransition(o.session, o.state.String(), next.String())
	o.log.Info("chain state", "from", o.state.String(), "to", next.String())
	o.state = next
}

// AwaitReady polls until every readiness check passes or the ceiling
// elapses. Checks: aggregate state reached Running or Degraded, the
// engine layer reports alive, and the ingress port accepts a connection.
// On timeout the error carries the last observed value of each check so
// the failing stage is identifiable from the message alone.
func (o *Orchestrator) AwaitReady(ctx context.Context) error {
	deadline := time.Now().Add(o.ceiling)
	checks := map[string]string{}
	for {
		if o.readyOnce(checks) {
			metrics.IncReadinessPoll(o.session, "ok")
			return nil
		}
		metrics.IncReadinessPoll(o.session, "pending")
		if time.Now().After(deadline) {
			return fmt.Errorf("%w after %s: %s", ErrNotReady, o.ceiling, formatChecks(checks))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.interval):
		}
	}
}

func (o *Orchestrator) readyOnce(checks map[string]string) bool {
	ok := true

	st := o.State()
	checks["state"] = st.String()
	if st != Running && st != Degraded {
		ok = false
	}

	for _, l := range o.layers {
		if l.Name() != LayerEngine {
			continue
		}
		alive := l.Running()
		checks["engine"] = fmt.Sprintf("alive=%t", alive)
		if !alive {
			ok = false
		}
	}

	if ing := o.ingress(); ing != nil {
		port := ing.Port()
		if port == 0 {
			checks["ingress"] = "no port"
			ok = false
		} else if conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second); err != nil {
			checks["ingress"] = fmt.Sprintf("port %d: %v", port, err)
			ok = false
		} else {
			_ = conn.Close()
			checks["ingress"] = fmt.Sprintf("port %d accepting", port)
		}
	}
	return ok
}

func formatChecks(checks map[string]string) string {
	keys := make([]string, 0, len(checks))
	for k := range checks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+checks[k])
	}
	return strings.Join(parts, " ")
}

func (o *Orchestrator) ingress() *IngressLayer {
	for _, l := range o.layers {
		if ing, ok := l.(*IngressLayer); ok {
			return ing
		}
	}
	return nil
}

func (o *Orchestrator) shaper() *ShaperLayer {
	for _, l := range o.layers {
		if sh, ok := l.(*ShaperLayer); ok {
			return sh
		}
	}
	return nil
}

// IngressPort exposes the primary listener port, 0 when absent.
func (o *Orchestrator) IngressPort() int {
	if ing := o.ingress(); ing != nil {
		return ing.Port()
	}
	return 0
}
