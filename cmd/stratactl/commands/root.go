package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stratactl",
		Short: "stratactl - configuration as code for the Strata data platform",
		Long: `stratactl builds versioned resource configuration and synchronizes it
against a Strata project.

The workflow has two halves:
  - build: resolve per-environment variables and templates from an
    organization directory into a deployable build directory
  - deploy/clean: diff the built resources against the live project and
    push only what changed, in resource-kind dependency order

Authentication uses a bearer token from the STRATA_TOKEN environment
variable; cluster and project default from STRATA_CLUSTER_URL and
STRATA_PROJECT.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newBuildCommand())
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newCleanCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}
