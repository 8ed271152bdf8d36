package chain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/pepperlink/pepperlink/internal/metrics"
)

// ErrNoIngress is returned by AttachTunnel when the chain has no listener
// to attach to.
var ErrNoIngress = errors.New("chain: no ingress layer")

// AttachTunnel dials the ingress listener and pumps packets between the
// tunnel handle and the chain until the context is cancelled or either
// side closes. Uplink writes pass through the shaper when one is
// configured. Byte counters feed Status and the tunnel_bytes_total metric.
func (o *Orchestrator) AttachTunnel(ctx context.Context, handle io.ReadWriteCloser) error {
	ing := o.ingress()
	if ing == nil {
		return ErrNoIngress
	}
	port := ing.Port()
	if port == 0 {
		return fmt.Errorf("%w: listener not started", ErrNoIngress)
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
	if err != nil {
		return fmt.Errorf("chain: attach dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	sh := o.shaper()
	errCh := make(chan error, 2)
	go func() { errCh <- o.pumpUp(handle, conn, sh) }()
	go func() { errCh <- o.pumpDown(conn, handle) }()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-errCh
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		_ = conn.Close()
		<-errCh
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("chain: pump: %w", err)
		}
		return nil
	}
}

func (o *Orchestrator) pumpUp(handle io.Reader, conn io.Writer, sh *ShaperLayer) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := handle.Read(buf)
		if n > 0 {
			if sh != nil {
				sh.Pace(n)
			}
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return werr
			}
			o.bytesUp.Add(int64(n))
			metrics.AddTunnelBytes(o.session, "up", int64(n))
		}
		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) pumpDown(conn io.Reader, handle io.Writer) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := handle.Write(buf[:n]); werr != nil {
				return werr
			}
			o.bytesDown.Add(int64(n))
			metrics.AddTunnelBytes(o.session, "down", int64(n))
		}
		if err != nil {
			return err
		}
	}
}
