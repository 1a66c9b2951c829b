package commands

import (
	"github.com/spf13/cobra"

	"github.com/stratadata/stratactl/pkg/deploy"
)

func newDeployCommand() *cobra.Command {
	flags := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "deploy [build-dir]",
		Short: "Push a built configuration to the cluster",
		Long: `Deploy reads a build directory produced by stratactl build and
reconciles every resource it contains against the target project.
Instances are created or updated in dependency order; instances that
already match are left alone. The run continues past a failing kind
and the command exits non-zero if any kind failed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildDir := "build"
			if len(args) == 1 {
				buildDir = args[0]
			}
			return runSync(cmd.Context(), deploy.ModeDeploy, buildDir, flags)
		},
	}

	addSyncFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.drop, "drop", false, "with --dry-run, also count recreation of existing instances")
	cmd.Flags().BoolVar(&flags.dropData, "drop-data", false, "with --dry-run --drop, count container recreation too")

	return cmd
}
