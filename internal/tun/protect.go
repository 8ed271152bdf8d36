package tun

import (
	"fmt"
	"net"
	"syscall"
)

// ProtectConn exempts an already-dialed connection from tunnel routing
// via the provisioner's Protect operation. It is applied to every
// control-plane socket the session opens while the tunnel carries a
// default route.
func ProtectConn(p Provisioner, conn net.Conn) error {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return fmt.Errorf("tun: connection type %T exposes no descriptor", conn)
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return fmt.Errorf("tun: raw descriptor: %w", err)
	}
	var perr error
	if err := raw.Control(func(fd uintptr) {
		perr = p.Protect(int(fd))
	}); err != nil {
		return fmt.Errorf("tun: descriptor control: %w", err)
	}
	if perr != nil {
		return fmt.Errorf("tun: protect: %w", perr)
	}
	return nil
}
