package engine

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// verifyIdentity re-checks that pid still belongs to the engine binary at
// exePath before a kill by PID is allowed. It compares the executable (or
// command line) base name and, when a generation token is known, the
// process start time. verified is false when introspection is unavailable;
// the caller decides whether to proceed with reduced assurance.
func verifyIdentity(pid int, exePath string, generation int64) (match, verified bool) {
	if pid <= 0 {
		return false, false
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return false, false
	}
	want := filepath.Base(exePath)

	name := ""
	if exe, err := p.Exe(); err == nil && exe != "" {
		name = filepath.Base(exe)
	} else if cl, err := p.Cmdline(); err == nil && cl != "" {
		name = filepath.Base(strings.Fields(cl)[0])
	}
	if name == "" {
		return false, false
	}
	if name != want {
		return false, true
	}
	if generation > 0 {
		got := procStartUnix(pid)
		if got == 0 {
			// Name matched but the start-time token is unavailable;
			// treat as verified on name alone.
			return true, true
		}
		return got == generation, true
	}
	return true, true
}

// scanForExecutable walks the process listing for a command line matching
// the executable base name. Returns 0 when not found.
func scanForExecutable(base string) int {
	procs, err := gopsproc.Processes()
	if err != nil {
		return 0
	}
	for _, p := range procs {
		name, err := p.Name()
		if err != nil || name != base {
			continue
		}
		return int(p.Pid)
	}
	return 0
}

// procStartUnix returns the process start time as unix seconds using
// platform-native methods. Returns 0 when unavailable or on error.
func procStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	if runtime.GOOS == "linux" {
		return procStartUnixLinux(pid)
	}
	p, err := gopsproc.NewProcess(int32(pid))
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil || ms <= 0 {
		return 0
	}
	return ms / 1000
}

func procStartUnixLinux(pid int) int64 {
	// /proc/[pid]/stat field 22: starttime in clock ticks since boot.
	statPath := "/proc/" + strconv.Itoa(pid) + "/stat"
	b, err := os.ReadFile(statPath)
	if err != nil {
		return 0
	}
	line := string(b)
	end := strings.LastIndex(line, ") ")
	if end == -1 {
		return 0
	}
	parts := strings.Fields(strings.TrimSpace(line[end+2:]))
	if len(parts) < 20 {
		return 0
	}
	startTicks, err := strconv.ParseInt(parts[19], 10, 64)
	if err != nil || startTicks <= 0 {
		return 0
	}

	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0
	}
	defer func() { _ = f.Close() }()
	var btime int64
	s := bufio.NewScanner(f)
	for s.Scan() {
		text := s.Text()
		if strings.HasPrefix(text, "btime ") {
			v := strings.TrimSpace(strings.TrimPrefix(text, "btime "))
			if bt, err := strconv.ParseInt(v, 10, 64); err == nil {
				btime = bt
				break
			}
		}
	}
	if btime == 0 {
		return 0
	}

	clk, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || clk <= 0 {
		clk = 100
	}
	return btime + (startTicks / int64(clk))
}

// isZombie reports a Linux zombie state; a quickly-exiting child stays
// signalable until reaped, which would otherwise read as alive.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
