package cmd

import (
	"context"
	"log"
	"os"

	"github.com/guildgate/guildgate/guildgate"
	"github.com/spf13/cobra"
)

// Launcher exit codes. The deploy tooling treats exit code 1 as "the
// environment is misconfigured, don't bother restarting" and any other
// non-zero code as a restartable runtime fault.
const (
	exitCodeBadEnvironment = 1
	exitCodeRuntimeFault   = 2
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the GuildGate bot",
		Run: func(cmd *cobra.Command, _ []string) {
			if code := runGuildGate(cmd.Context(), cfg); code != 0 {
				os.Exit(code)
			}
		},
	}
)

func runGuildGate(ctx context.Context, config *guildgate.Config) int {
	gg, err := guildgate.New(config)
	if err != nil {
		log.Printf("error creating guildgate: %s", err.Error())
		return exitCodeBadEnvironment
	}

	if err = gg.Run(ctx); err != nil {
		log.Printf("error running guildgate: %s", err.Error())
		return exitCodeRuntimeFault
	}
	return 0
}

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
