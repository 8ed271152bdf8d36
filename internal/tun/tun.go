// Package tun manages the OS virtual network interface for a session.
// The platform VPN API is an external collaborator injected as a
// Provisioner; this package owns the returned duplex handle and the
// routing-table hygiene around it.
package tun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

var (
	// ErrPermissionDenied is returned when the platform has not (yet)
	// granted the VPN permission. Callers fail fast on it instead of
	// retrying into a permission dialog storm.
	ErrPermissionDenied = errors.New("tun: vpn permission not granted")
	// ErrEstablish is the generic establishment failure.
	ErrEstablish = errors.New("tun: could not establish interface")

	errAlreadyEstablished = errors.New("tun: interface already established")
)

// Handle is the OS-level duplex resource representing the virtual
// interface. It is exclusively owned by the Manager for the session and
// only referenced by the chain while attached.
type Handle = io.ReadWriteCloser

// Spec is the sanitized interface request handed to the platform.
type Spec struct {
	MTU            int
	Addresses      []string
	Routes         []string
	DNS            []string
	AllowedApps    []string
	DisallowedApps []string
	HTTPProxy      string
}

// Provisioner is the platform VPN API. Establish creates the interface
// and returns its duplex handle; Protect exempts a raw socket from tunnel
// routing so control-plane traffic cannot loop through the tunnel.
type Provisioner interface {
	Establish(ctx context.Context, spec Spec) (Handle, error)
	Protect(fd int) error
}

// Request carries the caller's unsanitized interface parameters.
type Request struct {
	MTU            int
	Addresses      []string
	Routes         []string
	ExcludePrivate bool
	DNS            []string
	AllowedApps    []string
	DisallowedApps []string
	HTTPProxy      string
}

// Manager owns the tunnel handle for one session.
type Manager struct {
	provisioner Provisioner
	log         *slog.Logger

	mu     sync.Mutex
	handle Handle
	closed bool
}

func NewManager(p Provisioner, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{provisioner: p, log: log}
}

// Establish requests the virtual interface. Routes are sanitized first:
// no loopback destination is ever advertised through the tunnel, which
// structurally prevents the control plane from looping through itself.
// Permission denial is surfaced as ErrPermissionDenied so the caller can
// fail fast.
func (m *Manager) Establish(ctx context.Context, req Request) (Handle, error) {
	m.mu.Lock()
	if m.handle != nil {
		m.mu.Unlock()
		return nil, errAlreadyEstablished
	}
	m.mu.Unlock()

	routes, dropped, err := sanitizeRoutes(req.Routes, req.ExcludePrivate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEstablish, err)
	}
	for _, d := range dropped {
		m.log.Warn("refusing to route loopback through tunnel", "route", d)
	}

	spec := Spec{
		MTU:            req.MTU,
		Addresses:      req.Addresses,
		Routes:         routes,
		DNS:            req.DNS,
		AllowedApps:    req.AllowedApps,
		DisallowedApps: req.DisallowedApps,
		HTTPProxy:      req.HTTPProxy,
	}
	h, err := m.provisioner.Establish(ctx, spec)
	if err != nil {
		if errors.Is(err, ErrPermissionDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrEstablish, err)
	}

	m.mu.Lock()
	m.handle = h
	m.closed = false
	m.mu.Unlock()
	m.log.Info("tunnel interface established", "mtu", spec.MTU, "routes", len(spec.Routes))
	return h, nil
}

// Handle returns the current handle, or nil when none is established.
func (m *Manager) Handle() Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle
}

// Valid reports whether an established, unclosed handle exists.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handle != nil && !m.closed
}

// Close releases the handle exactly once. A redundant close is tolerated
// with a logged warning, never an error.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handle == nil || m.closed {
		m.log.Warn("tunnel close called with no open handle")
		return nil
	}
	err := m.handle.Close()
	m.closed = true
	m.handle = nil
	if err != nil {
		m.log.Warn("tunnel handle close", "err", err)
	}
	return nil
}
