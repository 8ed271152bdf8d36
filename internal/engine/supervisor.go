// Package engine supervises the external proxy-engine subprocess: spawn
// with a restricted environment, configuration handoff over stdin, PID
// resolution, merged output relay, and PID-reuse-safe termination.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pepperlink/pepperlink/internal/metrics"
)

// configWriteChunk bounds individual stdin writes so a large configuration
// document is streamed rather than copied in one buffer.
const configWriteChunk = 32 << 10

// tailLines is how much relayed output is kept for startup diagnostics.
const tailLines = 100

var (
	// ErrSelfKill is returned when a termination would target the
	// supervisor's own process id. The kill is always refused.
	ErrSelfKill = errors.New("engine: refusing to kill own process")
	// ErrPIDReused is returned when the target PID verifiably belongs to
	// an unrelated process.
	ErrPIDReused = errors.New("engine: target pid no longer matches engine binary")

	errConfigTooLarge = errors.New("engine: configuration document exceeds size limit")
	errConfigNotJSON  = errors.New("engine: configuration document is not valid JSON")
)

type earlyExitError struct {
	grace time.Duration
	tail  []string
}

func (e *earlyExitError) Error() string {
	return fmt.Sprintf("engine exited within startup grace %v; tail: %s", e.grace, strings.Join(e.tail, " | "))
}

// IsEarlyExit reports whether err is the immediate post-spawn death
// diagnosis, a fatal-to-session condition.
func IsEarlyExit(err error) bool {
	var ee *earlyExitError
	return errors.As(err, &ee)
}

// LineSink consumes relayed engine output lines. Implementations must be
// safe for concurrent use.
type LineSink interface {
	Append(line string)
}

// Options configure the supervisor for one engine binary.
type Options struct {
	// Path is the absolute path of the engine executable.
	Path string
	// WorkDir is an app-private directory used as the working directory
	// and the base of the restricted environment.
	WorkDir string
	// GracefulWait bounds the SIGTERM-to-SIGKILL escalation.
	GracefulWait time.Duration
	// StartupGrace is the window after spawn in which an exit is
	// diagnosed as a startup failure rather than a runtime crash.
	StartupGrace time.Duration
	// MaxConfigBytes bounds the configuration document size.
	MaxConfigBytes int64
}

// Supervisor owns the lifecycle of a single proxy-engine subprocess.
type Supervisor struct {
	opts    Options
	session string
	log     *slog.Logger
	sink    LineSink
	fileOut io.WriteCloser

	cell stateCell
	tail tailRing

	// termMu serializes terminations; only one attempt may run at a time.
	termMu sync.Mutex

	// waitDone is closed by the relay goroutine once the process is
	// reaped. Each run gets its own channel; a superseded run's relay can
	// only close the channel it was handed, never the current one.
	waitMu   sync.Mutex
	waitDone chan struct{}
}

// New constructs a supervisor. sink may be nil; fileOut may be nil.
func New(opts Options, session string, log *slog.Logger, sink LineSink, fileOut io.WriteCloser) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if opts.GracefulWait <= 0 {
		opts.GracefulWait = 3 * time.Second
	}
	if opts.StartupGrace <= 0 {
		opts.StartupGrace = 2 * time.Second
	}
	if opts.MaxConfigBytes <= 0 {
		opts.MaxConfigBytes = 8 << 20
	}
	return &Supervisor{opts: opts, session: session, log: log, sink: sink, fileOut: fileOut, tail: tailRing{cap: tailLines}}
}

// Start spawns the engine and hands off configDoc over its stdin. It
// returns once the process has survived the startup grace window. A spawn
// or configuration-write failure aborts startup; an exit inside the grace
// window is reported as a startup failure with a best-effort log tail.
func (s *Supervisor) Start(ctx context.Context, configDoc []byte) error {
	if err := s.validateConfig(configDoc); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, s.opts.Path)
	cmd.Dir = s.opts.WorkDir
	cmd.Env = s.restrictedEnv()
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine: stdin pipe: %w", err)
	}
	// Merge stdout and stderr into one line-oriented stream.
	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("engine: output pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("engine: spawn %s: %w", filepath.Base(s.opts.Path), err)
	}
	// Parent keeps only the read end.
	_ = pw.Close()

	pid := s.resolvePID(cmd)
	gen := procStartUnix(pid)
	s.cell.mutate(func(ps *ProcState) {
		ps.Cmd = cmd
		ps.PID = pid
		ps.Generation = gen
		ps.Reloading = false
	})
	if err := s.writeConfig(stdin, configDoc); err != nil {
		// Undefined process state after a partial configuration write.
		s.killGroup(pid)
		_ = cmd.Wait()
		_ = pr.Close()
		s.cell.mutate(func(ps *ProcState) { *ps = ProcState{PID: PIDUnresolved} })
		return fmt.Errorf("engine: configuration write: %w", err)
	}

	done := s.resetWaitDone()
	go s.relayOutput(pr, cmd, done)

	if err := s.enforceStartupGrace(); err != nil {
		return err
	}
	metrics.IncEngineStart(s.session)
	s.log.Info("engine started", "pid", pid, "generation", gen)
	return nil
}

func (s *Supervisor) validateConfig(doc []byte) error {
	if int64(len(doc)) > s.opts.MaxConfigBytes {
		return fmt.Errorf("%w: %d bytes", errConfigTooLarge, len(doc))
	}
	if !json.Valid(doc) {
		return errConfigNotJSON
	}
	return nil
}

// restrictedEnv builds the subprocess environment from app-private paths
// only; nothing from the parent shell or test harness leaks through.
func (s *Supervisor) restrictedEnv() []string {
	wd := s.opts.WorkDir
	if wd == "" {
		wd = filepath.Dir(s.opts.Path)
	}
	return []string{
		"HOME=" + wd,
		"TMPDIR=" + filepath.Join(wd, "tmp"),
		"XDG_CACHE_HOME=" + filepath.Join(wd, "cache"),
	}
}

// writeConfig streams the document in bounded chunks and closes stdin.
func (s *Supervisor) writeConfig(w io.WriteCloser, doc []byte) error {
	defer func() { _ = w.Close() }()
	for off := 0; off < len(doc); off += configWriteChunk {
		end := off + configWriteChunk
		if end > len(doc) {
			end = len(doc)
		}
		if _, err := w.Write(doc[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// resolvePID returns the spawned PID, falling back to a process-listing
// scan for the engine executable, then to the unresolved sentinel.
func (s *Supervisor) resolvePID(cmd *exec.Cmd) int {
	if cmd.Process != nil && cmd.Process.Pid > 0 {
		return cmd.Process.Pid
	}
	if pid := scanForExecutable(filepath.Base(s.opts.Path)); pid > 0 {
		s.log.Warn("engine pid resolved by process scan", "pid", pid)
		return pid
	}
	s.log.Warn("engine pid unresolved; process handle is the sole control vector")
	return PIDUnresolved
}

// relayOutput reads merged output line by line. Silence is normal and
// never breaks the loop; only end-of-stream, a closed-stream class error,
// or repeated unrecoverable read errors do.
func (s *Supervisor) relayOutput(r io.ReadCloser, cmd *exec.Cmd, done chan struct{}) {
	defer func() { _ = r.Close() }()
	br := newLineReader(r)
	var consecutiveErrs int
	for {
		line, err := br.ReadLine()
		if line != "" {
			s.tail.add(line)
			if s.sink != nil {
				s.sink.Append(line)
			}
			if s.fileOut != nil {
				_, _ = s.fileOut.Write([]byte(line + "\n"))
			}
		}
		if err == nil {
			consecutiveErrs = 0
			continue
		}
		if errors.Is(err, io.EOF) || isStreamClosed(err) {
			break
		}
		consecutiveErrs++
		if consecutiveErrs >= 5 {
			s.log.Error("engine output read unrecoverable", "err", err)
			break
		}
		s.log.Warn("transient engine output read error", "err", err)
	}
	s.finishRun(cmd, done)
}

// finishRun reaps the process and clears ProcState, but only if the cell
// still describes this run; a reload may already have installed a newer
// incarnation.
func (s *Supervisor) finishRun(cmd *exec.Cmd, done chan struct{}) {
	err := cmd.Wait()
	s.signalExit(done)
	st := s.cell.mutate(func(ps *ProcState) {
		if ps.Cmd == cmd {
			*ps = ProcState{PID: PIDUnresolved, Reloading: ps.Reloading}
		}
	})
	metrics.IncEngineStop(s.session)
	if err != nil && !st.Reloading {
		s.log.Warn("engine exited", "err", err, "tail", strings.Join(s.tail.last(5), " | "))
	} else {
		s.log.Debug("engine output stream ended", "reloading", st.Reloading)
	}
}

// enforceStartupGrace polls liveness through the grace window and
// diagnoses an early death from the relayed log tail.
func (s *Supervisor) enforceStartupGrace() error {
	deadline := time.Now().Add(s.opts.StartupGrace)
	for time.Now().Before(deadline) {
		if !s.Alive() {
			return &earlyExitError{grace: s.opts.StartupGrace, tail: s.tail.last(10)}
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Alive probes engine liveness without racing os/exec internals.
func (s *Supervisor) Alive() bool {
	st := s.cell.snapshot()
	if st.Cmd == nil || st.Cmd.Process == nil {
		return false
	}
	pid := st.Cmd.Process.Pid
	if isZombie(pid) {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// State returns a copy of the current ProcState.
func (s *Supervisor) State() ProcState { return s.cell.snapshot() }

// Tail returns up to n most recent relayed output lines, oldest first.
func (s *Supervisor) Tail(n int) []string { return s.tail.last(n) }

// Reload terminates the current engine and spawns a new one with the
// given document. The reloading flag is set through the same atomic
// read-modify-write as every other transition, so an in-flight natural
// exit cannot race it into a half-state.
func (s *Supervisor) Reload(ctx context.Context, configDoc []byte) error {
	s.cell.mutate(func(ps *ProcState) { ps.Reloading = true })
	defer s.cell.mutate(func(ps *ProcState) { ps.Reloading = false })

	if err := s.Terminate(); err != nil && !errors.Is(err, ErrSelfKill) {
		s.log.Warn("reload: terminate previous engine", "err", err)
	}
	if err := s.Start(ctx, configDoc); err != nil {
		return err
	}
	metrics.IncEngineReload(s.session)
	return nil
}

// resetWaitDone installs a fresh exit channel for the run being spawned
// and returns it. The returned channel is owned by that run's relay
// goroutine and nothing else.
func (s *Supervisor) resetWaitDone() chan struct{} {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	s.waitDone = make(chan struct{})
	return s.waitDone
}

// signalExit closes the given run's exit channel. A straggling relay from
// a superseded run closes only its own channel; the current run's channel
// stays intact, so a Terminate on the new process never observes a
// premature reap.
func (s *Supervisor) signalExit(done chan struct{}) {
	s.waitMu.Lock()
	if s.waitDone == done {
		s.waitDone = nil
	}
	s.waitMu.Unlock()
	close(done)
}

func (s *Supervisor) waitDoneChan() chan struct{} {
	s.waitMu.Lock()
	defer s.waitMu.Unlock()
	return s.waitDone
}

// Close releases the rotating output file, if any. The engine itself is
// stopped via Terminate.
func (s *Supervisor) Close() {
	if s.fileOut != nil {
		_ = s.fileOut.Close()
	}
}

// isStreamClosed matches the end-of-stream error class: closed pipes and
// broken pipes, whether surfaced as errno or as os errors.
func isStreamClosed(err error) bool {
	if errors.Is(err, os.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return true
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "file already closed") || strings.Contains(msg, "broken pipe")
}
