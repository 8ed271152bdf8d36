package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/pepperlink/pepperlink/internal/chain"
	"github.com/pepperlink/pepperlink/internal/config"
	"github.com/pepperlink/pepperlink/internal/history"
	"github.com/pepperlink/pepperlink/internal/tun"
)

// pipeHandle behaves like an idle tun descriptor: reads block until the
// handle is closed, writes are discarded.
type pipeHandle struct {
	done      chan struct{}
	closeOnce sync.Once
}

func newPipeHandle() *pipeHandle { return &pipeHandle{done: make(chan struct{})} }

func (p *pipeHandle) Read(_ []byte) (int, error) {
	<-p.done
	return 0, io.EOF
}

func (p *pipeHandle) Write(b []byte) (int, error) { return len(b), nil }

func (p *pipeHandle) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

type fakeProvisioner struct {
	mu         sync.Mutex
	establishs int
	err        error
}

func (f *fakeProvisioner) Establish(_ context.Context, _ tun.Spec) (tun.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.establishs++
	return newPipeHandle(), nil
}

func (f *fakeProvisioner) Protect(_ int) error { return nil }

type captureSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (c *captureSink) Send(_ context.Context, e history.Event) error {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) types() []history.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]history.EventType, 0, len(c.events))
	for _, e := range c.events {
		out = append(out, e.Type)
	}
	return out
}

func (c *captureSink) has(t history.EventType) bool {
	for _, got := range c.types() {
		if got == t {
			return true
		}
	}
	return false
}

func writeEngineScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.sh")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func writeEngineDoc(t *testing.T, port int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.json")
	doc := []byte(`{"inbounds":[{"tag":"socks","listen":"127.0.0.1","port":` + strconv.Itoa(port) + `}]}`)
	if err := os.WriteFile(path, doc, 0o600); err != nil {
		t.Fatalf("write doc: %v", err)
	}
	return path
}

// freePort reserves and releases a loopback port for the fake engine doc.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	_ = ln.Close()
	return port
}

func testConfig(t *testing.T, enginePath, docPath string) *config.Config {
	t.Helper()
	return &config.Config{
		Session: config.SessionConfig{Name: "test"},
		Engine: config.EngineConfig{
			Path:         enginePath,
			ConfigPath:   docPath,
			WorkDir:      t.TempDir(),
			GracefulWait: 300 * time.Millisecond,
			StartupGrace: 150 * time.Millisecond,
		},
		Tunnel: config.TunnelConfig{
			MTU:       1400,
			Addresses: []string{"10.66.0.2/32"},
			Routes:    []string{"1.1.1.1/32"},
		},
		Chain: config.ChainConfig{
			ReadinessInterval: 20 * time.Millisecond,
			ReadinessCeiling:  3 * time.Second,
		},
		Health: config.HealthConfig{
			TunnelInterval: time.Hour,
			PortInterval:   time.Hour,
			ProbeTimeout:   200 * time.Millisecond,
		},
		Relay: config.RelayConfig{Capacity: 64, FlushInterval: 20 * time.Millisecond},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, cfg *config.Config, sinks ...history.Sink) (*Session, *fakeProvisioner) {
	t.Helper()
	p := &fakeProvisioner{}
	s, err := New(Options{
		Config:      cfg,
		Provisioner: p,
		History:     sinks,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s, p
}

func TestStartStopLifecycle(t *testing.T) {
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	doc := writeEngineDoc(t, freePort(t))
	sink := &captureSink{}
	s, _ := newTestSession(t, testConfig(t, engine, doc), sink)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	st := s.Status()
	if !st.Running {
		t.Fatalf("status not running after start: %+v", st)
	}
	if st.Chain.State != chain.Running && st.Chain.State != chain.Degraded {
		t.Fatalf("chain state %s after start", st.Chain.StateName)
	}
	if st.EnginePID <= 0 {
		t.Fatalf("engine pid not resolved: %d", st.EnginePID)
	}
	if !st.TunnelValid {
		t.Fatalf("tunnel not valid after start")
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	st = s.Status()
	if st.Running {
		t.Fatalf("status still running after stop")
	}
	if st.TunnelValid {
		t.Fatalf("tunnel still valid after stop")
	}
	if !sink.has(history.EventStart) || !sink.has(history.EventRunning) || !sink.has(history.EventStop) {
		t.Fatalf("lifecycle events missing: %v", sink.types())
	}
}

func TestStartWhileRunningRejected(t *testing.T) {
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	doc := writeEngineDoc(t, freePort(t))
	s, _ := newTestSession(t, testConfig(t, engine, doc))
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()
	if err := s.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStopIdempotent(t *testing.T) {
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	doc := writeEngineDoc(t, freePort(t))
	s, _ := newTestSession(t, testConfig(t, engine, doc))
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop before start: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestReloadRequiresRunning(t *testing.T) {
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	doc := writeEngineDoc(t, freePort(t))
	s, _ := newTestSession(t, testConfig(t, engine, doc))
	if err := s.Reload(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

func TestReloadSwapsEngineProcess(t *testing.T) {
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	doc := writeEngineDoc(t, freePort(t))
	sink := &captureSink{}
	s, _ := newTestSession(t, testConfig(t, engine, doc), sink)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	before := s.Status().EnginePID
	if err := s.Reload(context.Background()); err != nil {
		t.Fatalf("reload: %v", err)
	}
	after := s.Status().EnginePID
	if after <= 0 || after == before {
		t.Fatalf("reload did not swap engine process: before=%d after=%d", before, after)
	}
	if !sink.has(history.EventReload) {
		t.Fatalf("reload event missing: %v", sink.types())
	}
}

func TestEngineDeathTearsSessionDown(t *testing.T) {
	old := engineWatchInterval
	engineWatchInterval = 20 * time.Millisecond
	defer func() { engineWatchInterval = old }()

	// Engine survives the startup grace, then dies on its own.
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 0.5\nexit 7")
	doc := writeEngineDoc(t, freePort(t))
	sink := &captureSink{}
	s, _ := newTestSession(t, testConfig(t, engine, doc), sink)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.Status().Running {
		if time.Now().After(deadline) {
			t.Fatalf("session stuck running after engine death: %+v", s.Status())
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sink.has(history.EventFailed) {
		t.Fatalf("engine death not recorded as failure: %v", sink.types())
	}
	if s.Status().TunnelValid {
		t.Fatalf("tunnel left open after teardown")
	}
}

func TestStartFailureRollsBack(t *testing.T) {
	// Engine dies inside the startup grace window.
	engine := writeEngineScript(t, "cat >/dev/null\necho 'bind: address in use' >&2\nexit 1")
	doc := writeEngineDoc(t, freePort(t))
	sink := &captureSink{}
	s, _ := newTestSession(t, testConfig(t, engine, doc), sink)

	err := s.Start(context.Background())
	if err == nil {
		t.Fatalf("expected start failure")
	}
	st := s.Status()
	if st.Running {
		t.Fatalf("session running after failed start")
	}
	if st.TunnelValid {
		t.Fatalf("tunnel left open after failed start")
	}
	if !sink.has(history.EventFailed) {
		t.Fatalf("failure event missing: %v", sink.types())
	}
}

func TestSessionRestartableAfterFailedStart(t *testing.T) {
	bad := writeEngineScript(t, "cat >/dev/null\nexit 1")
	doc := writeEngineDoc(t, freePort(t))
	s, _ := newTestSession(t, testConfig(t, bad, doc))
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected start failure")
	}

	good := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	s2, _ := newTestSession(t, testConfig(t, good, doc))
	if err := s2.Start(context.Background()); err != nil {
		t.Fatalf("fresh session start after failure: %v", err)
	}
	if err := s2.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestPermissionDeniedFailsFast(t *testing.T) {
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	doc := writeEngineDoc(t, freePort(t))
	p := &fakeProvisioner{err: tun.ErrPermissionDenied}
	s, err := New(Options{
		Config:      testConfig(t, engine, doc),
		Provisioner: p,
		Logger:      quietLogger(),
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	begin := time.Now()
	if err := s.Start(context.Background()); !errors.Is(err, tun.ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
	if time.Since(begin) > 2*time.Second {
		t.Fatalf("permission denial retried instead of failing fast")
	}
}

// startOrderLog records the layer names announced as started, in order.
type startOrderLog struct {
	mu    sync.Mutex
	order []string
}

func (l *startOrderLog) Enabled(context.Context, slog.Level) bool { return true }

func (l *startOrderLog) Handle(_ context.Context, r slog.Record) error {
	if r.Message != "layer started" {
		return nil
	}
	r.Attrs(func(a slog.Attr) bool {
		if a.Key == "layer" {
			l.mu.Lock()
			l.order = append(l.order, a.Value.String())
			l.mu.Unlock()
		}
		return true
	})
	return nil
}

func (l *startOrderLog) WithAttrs([]slog.Attr) slog.Handler { return l }
func (l *startOrderLog) WithGroup(string) slog.Handler      { return l }

func (l *startOrderLog) layers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.order...)
}

func TestChainStartsIngressFirstEngineLast(t *testing.T) {
	rec := &startOrderLog{}
	engine := writeEngineScript(t, "cat >/dev/null\nsleep 30")
	doc := writeEngineDoc(t, freePort(t))
	s, err := New(Options{
		Config:      testConfig(t, engine, doc),
		Provisioner: &fakeProvisioner{},
		Logger:      slog.New(rec),
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() { _ = s.Stop(context.Background()) }()

	want := []string{chain.LayerIngress, chain.LayerAccel, chain.LayerShaper, chain.LayerEngine}
	got := rec.layers()
	if len(got) != len(want) {
		t.Fatalf("layer start sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("layer start sequence %v, want %v", got, want)
		}
	}
}
