// Package ports arbitrates free local TCP ports for the chain's internal
// control endpoints. Allocation is serialized so concurrent callers can
// never be handed the same port, and the last known good port is cached
// for a short TTL to keep reloads on a stable endpoint.
package ports

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"
)

const (
	// Candidate range for internal endpoints. Stays clear of well-known
	// service ports and of the OS ephemeral range tail.
	rangeLo = 20000
	rangeHi = 45000

	// Bounded random sample instead of a linear sweep of the range.
	scanAttempts = 64

	// DefaultCacheTTL bounds staleness of the single-slot cache. Reuse is
	// always re-validated by a bind probe, so the TTL is advisory.
	DefaultCacheTTL = 2 * time.Minute

	// issueGuard keeps a just-issued port out of circulation long enough
	// for its caller to bind it. Two overlapping FindPort calls can both
	// see the port free (the probe listener is released immediately), so
	// the guard, not the probe, is what keeps concurrent callers disjoint.
	issueGuard = time.Second
)

var errExhausted = errors.New("ports: no bindable port in candidate range")

type cacheSlot struct {
	port int
	at   time.Time
}

// Arbiter finds free local ports with a single-slot TTL cache.
// All methods are safe for concurrent use; the full arbitration sequence
// holds the lock so two callers cannot race onto one port.
type Arbiter struct {
	mu     sync.Mutex
	cache  cacheSlot
	ttl    time.Duration
	guard  time.Duration
	issued map[int]time.Time
	rnd    *rand.Rand

	// probe is swappable in tests; defaults to a real bind probe.
	probe func(port int) bool
}

func NewArbiter() *Arbiter {
	return &Arbiter{
		ttl:    DefaultCacheTTL,
		guard:  issueGuard,
		issued: make(map[int]time.Time),
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		probe:  bindProbe,
	}
}

// FindPort returns a free local TCP port not contained in excluded.
// Order: cached port (fast rebind probe), bounded random scan of the
// candidate range, then an OS-assigned ephemeral port as last resort.
// The cache is updated on every success.
func (a *Arbiter) FindPort(excluded map[int]struct{}) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneIssuedLocked()

	if p := a.cachedLocked(excluded); p > 0 {
		return a.issueLocked(p), nil
	}

	for i := 0; i < scanAttempts; i++ {
		p := rangeLo + a.rnd.Intn(rangeHi-rangeLo)
		if a.blockedLocked(p, excluded) {
			continue
		}
		if a.probe(p) {
			return a.issueLocked(p), nil
		}
	}

	p, err := ephemeralPort()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errExhausted, err)
	}
	if a.blockedLocked(p, excluded) {
		return 0, errExhausted
	}
	return a.issueLocked(p), nil
}

// ClearCache invalidates the cached port explicitly.
func (a *Arbiter) ClearCache() {
	a.mu.Lock()
	a.cache = cacheSlot{}
	a.issued = make(map[int]time.Time)
	a.mu.Unlock()
}

func (a *Arbiter) issueLocked(p int) int {
	now := time.Now()
	a.cache = cacheSlot{port: p, at: now}
	a.issued[p] = now
	return p
}

func (a *Arbiter) blockedLocked(p int, excluded map[int]struct{}) bool {
	if _, skip := excluded[p]; skip {
		return true
	}
	if at, ok := a.issued[p]; ok && time.Since(at) < a.guard {
		return true
	}
	return false
}

func (a *Arbiter) pruneIssuedLocked() {
	for p, at := range a.issued {
		if time.Since(at) >= a.guard {
			delete(a.issued, p)
		}
	}
}

func (a *Arbiter) cachedLocked(excluded map[int]struct{}) int {
	c := a.cache
	if c.port == 0 || time.Since(c.at) > a.ttl {
		return 0
	}
	if a.blockedLocked(c.port, excluded) {
		return 0
	}
	if !a.probe(c.port) {
		return 0
	}
	return c.port
}

// bindProbe checks bindability with immediate release.
func bindProbe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// ephemeralPort asks the OS for a free port and releases it immediately.
func ephemeralPort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer func() { _ = l.Close() }()
	return l.Addr().(*net.TCPAddr).Port, nil
}
