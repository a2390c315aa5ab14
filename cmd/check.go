package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// checkCmd validates the loaded configuration without connecting to
// anything. Exits non-zero when a required setting is missing, so
// deployment scripts can gate a restart on it.
var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate configuration and exit",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		out := cmd.OutOrStdout()
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(out, "configuration invalid: %s\n", err.Error())
			os.Exit(exitCodeBadEnvironment)
		}
		fmt.Fprintln(out, "configuration ok")
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(checkCmd)
}
