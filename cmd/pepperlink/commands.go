package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pepperlink/pepperlink/pkg/client"
)

// apiFlags holds the remote control API connection flags shared by the
// client-side commands.
type apiFlags struct {
	URL     string
	Timeout time.Duration
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.URL, "api-url", client.DefaultConfig().BaseURL, "control API base URL")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", client.DefaultConfig().Timeout, "control API request timeout")
}

func (f *apiFlags) client() *client.Client {
	return client.New(client.Config{BaseURL: f.URL, Timeout: f.Timeout})
}

func newStartCmd() *cobra.Command {
	var flags apiFlags
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the session on a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.client().Start(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	var flags apiFlags
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the session on a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.client().Stop(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func newReloadCmd() *cobra.Command {
	var flags apiFlags
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the engine configuration on a running daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return flags.client().Reload(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var flags apiFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the session status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			c := flags.client()
			if !c.IsReachable(cmd.Context()) {
				return fmt.Errorf("daemon unreachable at %s", flags.URL)
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			printStatus(st)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func printStatus(st *client.SessionStatus) {
	fmt.Fprintf(os.Stdout, "session: %s\n", st.Session)
	fmt.Fprintf(os.Stdout, "state:   %s\n", st.Chain.State)
	fmt.Fprintf(os.Stdout, "engine:  pid %d\n", st.EnginePID)
	fmt.Fprintf(os.Stdout, "tunnel:  valid=%t\n", st.TunnelValid)
	fmt.Fprintf(os.Stdout, "uptime:  %.0fs  up %dB  down %dB\n", st.Chain.UptimeSec, st.Chain.BytesUp, st.Chain.BytesDown)
	for name, ls := range st.Chain.Layers {
		line := fmt.Sprintf("layer %-14s running=%t", name, ls.Running)
		if ls.Err != "" {
			line += " error=" + ls.Err
		}
		fmt.Fprintln(os.Stdout, line)
	}
}
