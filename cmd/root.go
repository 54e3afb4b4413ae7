package cmd

import "github.com/spf13/cobra"

// Version is set at build time with -ldflags "-X github.com/hupe1980/coralmesh/cmd.Version=...".
var Version = "dev"

func Execute() error {
	return newRootCmd().Execute()
}

type rootFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	rootCmd := &cobra.Command{
		Use:           "coralmesh",
		Short:         "Run and federate multi-agent sessions",
		Long:          "coralmesh runs agent sessions with threaded messaging, starts agents as processes, containers or in-process functions, and rents agents to and from other servers.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to config.toml (default ./config.toml or ~/.coral/config.toml)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(flags),
		newAgentsCmd(flags),
	)

	return rootCmd
}
