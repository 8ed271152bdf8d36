package engine

import (
	"os"
	"os/exec"
	"testing"
)

func TestVerifyIdentityMatchesOwnChild(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	if err := cmd.Start(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	}()

	pid := cmd.Process.Pid
	gen := procStartUnix(pid)

	match, verified := verifyIdentity(pid, "/usr/bin/sleep", gen)
	if !verified {
		t.Skip("process introspection unavailable on this platform")
	}
	if !match {
		t.Fatalf("expected identity match for own child")
	}

	match, verified = verifyIdentity(pid, "/opt/bin/xray-core", gen)
	if verified && match {
		t.Fatalf("sleep must not match xray-core")
	}
}

func TestVerifyIdentityRejectsBadPID(t *testing.T) {
	if match, verified := verifyIdentity(0, "/bin/x", 0); match || verified {
		t.Fatalf("pid 0 must be unverifiable")
	}
	if match, verified := verifyIdentity(-1, "/bin/x", 0); match || verified {
		t.Fatalf("negative pid must be unverifiable")
	}
}

func TestProcStartUnixForSelf(t *testing.T) {
	got := procStartUnix(os.Getpid())
	if got == 0 {
		t.Skip("start time unavailable on this platform")
	}
	// Sanity: the test process started after 2020 and not in the future.
	if got < 1577836800 {
		t.Fatalf("implausible start time %d", got)
	}
}
