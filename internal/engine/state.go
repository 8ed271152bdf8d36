package engine

import (
	"os/exec"
	"sync"
)

// PIDUnresolved is the sentinel recorded when no PID could be resolved
// for the running engine. The process handle remains the sole control
// vector in that case.
const PIDUnresolved = -1

// ProcState is the supervisor's view of the one engine process it owns.
// It is only ever read or written as a whole through the cell below, so a
// reload request and a natural-exit cleanup can never interleave into an
// inconsistent half-state.
type ProcState struct {
	// Cmd is the opaque process handle; nil when no process is running.
	Cmd *exec.Cmd
	// PID of the engine, or PIDUnresolved.
	PID int
	// Generation is a supervisor-assigned token recorded at spawn time:
	// the process start time in unix seconds. It lets a delayed kill
	// verify it still targets the same incarnation even if the OS has
	// reused the PID.
	Generation int64
	// Reloading marks a deliberate restart in flight, suppressing the
	// unexpected-exit escalation in the output relay cleanup.
	Reloading bool
}

// stateCell guards ProcState with a single read-modify-write entry point.
// All transitions are strictly ordered; concurrent reload and exit
// cleanup serialize here.
type stateCell struct {
	mu sync.Mutex
	s  ProcState
}

// mutate applies fn to the state under the lock and returns the result.
func (c *stateCell) mutate(fn func(*ProcState)) ProcState {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.s)
	return c.s
}

// snapshot returns a copy of the current state.
func (c *stateCell) snapshot() ProcState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
