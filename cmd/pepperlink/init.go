package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pepperlink/pepperlink/pkg/template"
)

// initFlags holds flags for the init command.
type initFlags struct {
	Profile string
	Name    string
	Output  string
}

func newInitCmd() *cobra.Command {
	var flags initFlags
	gen := template.NewGenerator()
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter configuration file",
		Long: "Write a starter configuration file for one of the profiles: " +
			strings.Join(gen.SupportedProfiles(), ", "),
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := gen.Generate(template.Profile(flags.Profile), flags.Name)
			if err != nil {
				return err
			}
			if flags.Output == "-" {
				_, err := fmt.Fprint(os.Stdout, out)
				return err
			}
			if _, err := os.Stat(flags.Output); err == nil {
				return fmt.Errorf("%s already exists, refusing to overwrite", flags.Output)
			}
			return os.WriteFile(flags.Output, []byte(out), 0o600)
		},
	}
	cmd.Flags().StringVarP(&flags.Profile, "profile", "p", string(template.ProfileFull), "configuration profile")
	cmd.Flags().StringVarP(&flags.Name, "name", "n", "main", "session name")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "pepperlink.toml", "output path, '-' for stdout")
	return cmd
}
