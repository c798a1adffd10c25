package root

import (
	"github.com/spf13/cobra"
)

// rootCmd is the base command of the operations CLI. Subcommands (auth, bootstrap, tenant, sweep) are attached here.
var rootCmd = &cobra.Command{
	Use:           "hoctl",
	Short:         "Hospital ops operations CLI",
	Long:          "Operational utilities for the hospital ops platform (dev identity tokens, platform bootstrap, tenant onboarding, maintenance sweeps).",
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

// Root returns the mutable root command for wiring from subpackages.
func Root() *cobra.Command {
	return rootCmd
}
