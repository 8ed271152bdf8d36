package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pepperlink/pepperlink"
)

// runFlags holds flags for the run command.
type runFlags struct {
	ConfigPath string
	NoStart    bool
}

func newRunCmd() *cobra.Command {
	var flags runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the session daemon with the control API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), flags)
		},
	}
	cmd.Flags().StringVarP(&flags.ConfigPath, "config", "c", "pepperlink.toml", "session configuration file")
	cmd.Flags().BoolVar(&flags.NoStart, "no-start", false, "serve the control API without starting the session")
	return cmd
}

func runDaemon(ctx context.Context, flags runFlags) error {
	cfg, err := pepperlink.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := pepperlink.RegisterMetricsDefault(); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	sess, err := pepperlink.New(pepperlink.Options{
		Config:      cfg,
		Provisioner: &devProvisioner{},
		Consumer: pepperlink.LogConsumerFunc(func(lines []string) {
			for _, l := range lines {
				_, _ = fmt.Fprintln(os.Stdout, l)
			}
		}),
	})
	if err != nil {
		return err
	}

	listen := cfg.Server.Listen
	if listen == "" {
		listen = "127.0.0.1:7890"
	}
	srv, err := pepperlink.NewHTTPServer(listen, cfg.Server.BasePath, sess)
	if err != nil {
		return fmt.Errorf("control server: %w", err)
	}
	defer func() { _ = srv.Close() }()
	if cfg.Server.MetricsListen != "" {
		go func() { _ = pepperlink.ServeMetrics(cfg.Server.MetricsListen) }()
	}

	if !flags.NoStart {
		if err := sess.Start(ctx); err != nil {
			return fmt.Errorf("start session: %w", err)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return sess.Stop(stopCtx)
}

// devProvisioner is a development stand-in for the platform VPN binding.
// It hands out an inert duplex handle and performs no routing changes, so
// the control plane, the chain and the engine can be exercised on a
// workstation without VPN privileges.
type devProvisioner struct{}

type devHandle struct {
	done      chan struct{}
	closeOnce sync.Once
}

func (h *devHandle) Read(_ []byte) (int, error) {
	<-h.done
	return 0, io.EOF
}

func (h *devHandle) Write(b []byte) (int, error) { return len(b), nil }

func (h *devHandle) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return nil
}

func (p *devProvisioner) Establish(_ context.Context, _ pepperlink.TunnelSpec) (pepperlink.TunnelHandle, error) {
	return &devHandle{done: make(chan struct{})}, nil
}

func (p *devProvisioner) Protect(_ int) error { return nil }
