// Package relay buffers engine log lines between the supervisor's output
// reader and a slow downstream consumer, typically the UI bridge. The
// buffer is bounded: when the consumer lags, the oldest lines are evicted
// so the engine's writer side never blocks.
package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pepperlink/pepperlink/internal/metrics"
)

// Consumer receives flushed batches. Implementations must not retain the
// slice past the call.
type Consumer interface {
	Consume(lines []string)
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(lines []string)

func (f ConsumerFunc) Consume(lines []string) { f(lines) }

const (
	DefaultCapacity      = 512
	DefaultFlushInterval = 250 * time.Millisecond
)

// Relay is a bounded, periodically flushed line buffer. Append never
// blocks; Run drains batches to the consumer on a timer.
type Relay struct {
	session  string
	log      *slog.Logger
	consumer Consumer
	capacity int
	interval time.Duration

	mu      sync.Mutex
	buf     []string
	dropped int64
}

// Options configure a Relay. Zero values fall back to defaults.
type Options struct {
	Session       string
	Capacity      int
	FlushInterval time.Duration
	Logger        *slog.Logger
}

func New(consumer Consumer, opts Options) *Relay {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		session:  opts.Session,
		log:      log,
		consumer: consumer,
		capacity: opts.Capacity,
		interval: opts.FlushInterval,
	}
}

// Append enqueues one line, evicting the oldest when full. Implements
// the supervisor's LineSink.
func (r *Relay) Append(line string) {
	r.mu.Lock()
	if len(r.buf) >= r.capacity {
		evict := len(r.buf) - r.capacity + 1
		r.buf = r.buf[evict:]
		r.dropped += int64(evict)
		metrics.AddRelayDrops(r.session, evict)
	}
	r.buf = append(r.buf, line)
	r.mu.Unlock()
}

// Flush delivers everything buffered so far to the consumer.
func (r *Relay) Flush() {
	r.mu.Lock()
	if len(r.buf) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buf
	r.buf = nil
	r.mu.Unlock()
	r.consumer.Consume(batch)
}

// Dropped reports lines evicted since creation.
func (r *Relay) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Run flushes on the configured interval until the context is cancelled,
// then performs a final flush so no buffered lines are lost on shutdown.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Flush()
			if d := r.Dropped(); d > 0 {
				r.log.Warn("relay dropped lines during session", "dropped", d)
			}
			return
		case <-ticker.C:
			r.Flush()
		}
	}
}
