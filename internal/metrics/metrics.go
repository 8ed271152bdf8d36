package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	engineStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Number of successful proxy-engine spawns.",
		}, []string{"session"},
	)
	engineReloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "engine",
			Name:      "reloads_total",
			Help:      "Number of engine reloads (scoped restarts).",
		}, []string{"session"},
	)
	engineStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "engine",
			Name:      "stops_total",
			Help:      "Number of engine terminations (graceful or kill).",
		}, []string{"session"},
	)
	chainTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "chain",
			Name:      "state_transitions_total",
			Help:      "Chain state machine transitions.",
		}, []string{"session", "from", "to"},
	)
	layerUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "pepperlink",
			Subsystem: "chain",
			Name:      "layer_up",
			Help:      "Per-layer running state (1 running, 0 down).",
		}, []string{"session", "layer"},
	)
	readinessPolls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "chain",
			Name:      "readiness_polls_total",
			Help:      "Readiness poll attempts by result.",
		}, []string{"session", "result"},
	)
	healthProbes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "health",
			Name:      "probes_total",
			Help:      "Health monitor probes by check and result.",
		}, []string{"session", "check", "result"},
	)
	relayDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "relay",
			Name:      "dropped_lines_total",
			Help:      "Engine output lines evicted from the relay buffer.",
		}, []string{"session"},
	)
	tunnelBytes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pepperlink",
			Subsystem: "tunnel",
			Name:      "bytes_total",
			Help:      "Bytes forwarded through the attached tunnel by direction.",
		}, []string{"session", "direction"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		engineStarts, engineReloads, engineStops,
		chainTransitions, layerUp, readinessPolls,
		healthProbes, relayDrops, tunnelBytes,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncEngineStart(session string) {
	if regOK.Load() {
		engineStarts.WithLabelValues(session).Inc()
	}
}

func IncEngineReload(session string) {
	if regOK.Load() {
		engineReloads.WithLabelValues(session).Inc()
	}
}

func IncEngineStop(session string) {
	if regOK.Load() {
		engineStops.WithLabelValues(session).Inc()
	}
}

func RecordChainTransition(session, from, to string) {
	if regOK.Load() {
		chainTransitions.WithLabelValues(session, from, to).Inc()
	}
}

func SetLayerUp(session, layer string, up bool) {
	if regOK.Load() {
		v := 0.0
		if up {
			v = 1.0
		}
		layerUp.WithLabelValues(session, layer).Set(v)
	}
}

func IncReadinessPoll(session, result string) {
	if regOK.Load() {
		readinessPolls.WithLabelValues(session, result).Inc()
	}
}

func IncHealthProbe(session, check, result string) {
	if regOK.Load() {
		healthProbes.WithLabelValues(session, check, result).Inc()
	}
}

func AddRelayDrops(session string, n int) {
	if regOK.Load() && n > 0 {
		relayDrops.WithLabelValues(session).Add(float64(n))
	}
}

func AddTunnelBytes(session, direction string, n int64) {
	if regOK.Load() && n > 0 {
		tunnelBytes.WithLabelValues(session, direction).Add(float64(n))
	}
}
