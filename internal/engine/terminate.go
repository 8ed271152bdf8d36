package engine

import (
	"os"
	"syscall"
	"time"
)

// Terminate stops the engine: graceful interrupt, bounded wait, forceful
// kill, liveness re-verification. When the process handle is unusable but
// a PID is known, it falls back to signal delivery by PID guarded by the
// self-kill check and PID-identity re-verification. Only one termination
// attempt runs at a time.
func (s *Supervisor) Terminate() error {
	s.termMu.Lock()
	defer s.termMu.Unlock()

	st := s.cell.snapshot()
	if st.Cmd == nil && st.PID <= 0 {
		return nil
	}

	if st.Cmd != nil && st.Cmd.Process != nil {
		return s.terminateByHandle(st)
	}
	return s.terminateByPID(st)
}

func (s *Supervisor) terminateByHandle(st ProcState) error {
	pid := st.Cmd.Process.Pid
	s.killGroupSignal(pid, syscall.SIGTERM)

	if s.awaitExit(s.opts.GracefulWait) {
		s.log.Debug("engine terminated gracefully", "pid", pid)
		return nil
	}

	s.log.Warn("engine did not exit within graceful wait; escalating", "pid", pid, "wait", s.opts.GracefulWait)
	s.killGroupSignal(pid, syscall.SIGKILL)
	if s.awaitExit(time.Second) {
		return nil
	}

	// Escalation exhausted. Best-effort: log at highest severity, never
	// crash the session over it.
	if s.Alive() {
		s.log.Error("engine survived kill escalation", "pid", pid)
	}
	return nil
}

// terminateByPID is the degraded path: the handle is gone but a PID is
// known. Two safety checks gate the kill.
func (s *Supervisor) terminateByPID(st ProcState) error {
	pid := st.PID
	if pid <= 0 {
		return nil
	}

	// Safety check 1: never, under any input, signal our own process.
	if pid == os.Getpid() {
		s.log.Error("SAFETY: termination targeted the supervisor's own pid; refusing", "pid", pid)
		return ErrSelfKill
	}

	// Safety check 2: the PID may have been freed and reassigned. Verify
	// the target still looks like the engine binary.
	match, verified := verifyIdentity(pid, s.opts.Path, st.Generation)
	if verified && !match {
		s.log.Error("SAFETY: pid reassigned to an unrelated process; refusing kill", "pid", pid)
		s.cell.mutate(func(ps *ProcState) {
			if ps.PID == pid {
				*ps = ProcState{PID: PIDUnresolved, Reloading: ps.Reloading}
			}
		})
		return ErrPIDReused
	}
	if !verified {
		s.log.Warn("pid identity unverifiable; killing with reduced assurance", "pid", pid)
	}

	_ = syscall.Kill(pid, syscall.SIGTERM)
	deadline := time.Now().Add(s.opts.GracefulWait)
	for time.Now().Before(deadline) {
		if syscall.Kill(pid, 0) != nil {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if syscall.Kill(pid, 0) == nil {
		s.log.Warn("engine pid still alive after graceful wait; escalating", "pid", pid)
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}

	s.cell.mutate(func(ps *ProcState) {
		if ps.PID == pid {
			*ps = ProcState{PID: PIDUnresolved, Reloading: ps.Reloading}
		}
	})
	return nil
}

// awaitExit waits up to d for the relay goroutine to reap the process.
func (s *Supervisor) awaitExit(d time.Duration) bool {
	wd := s.waitDoneChan()
	if wd == nil {
		// No relay in flight (already reaped, or spawn failed before the
		// relay attached); fall back to a liveness poll.
		deadline := time.Now().Add(d)
		for time.Now().Before(deadline) {
			if !s.Alive() {
				return true
			}
			time.Sleep(20 * time.Millisecond)
		}
		return !s.Alive()
	}
	select {
	case <-wd:
		return true
	case <-time.After(d):
		return false
	}
}

// killGroup force-kills the process group; used when a partial
// configuration write leaves the process in an undefined state.
func (s *Supervisor) killGroup(pid int) {
	if pid <= 0 || pid == os.Getpid() {
		return
	}
	s.killGroupSignal(pid, syscall.SIGKILL)
}

// killGroupSignal signals the whole process group, falling back to the
// single process when no group exists.
func (s *Supervisor) killGroupSignal(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		_ = syscall.Kill(pid, sig)
	}
}
