package commands

import (
	"github.com/spf13/cobra"

	"github.com/stratadata/stratactl/pkg/deploy"
)

func newCleanCommand() *cobra.Command {
	flags := &syncFlags{}

	cmd := &cobra.Command{
		Use:   "clean [build-dir]",
		Short: "Remove deployed configuration from the cluster",
		Long: `Clean walks a build directory in reverse dependency order and removes
the instances it names from the target project. Without --drop the
command only reports what it would remove. Container kinds keep their
stored rows unless --drop-data is also given. Kinds that cannot be
deleted are skipped with a note.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			buildDir := "build"
			if len(args) == 1 {
				buildDir = args[0]
			}
			return runSync(cmd.Context(), deploy.ModeClean, buildDir, flags)
		},
	}

	addSyncFlags(cmd, flags)
	cmd.Flags().BoolVar(&flags.drop, "drop", false, "delete resource configurations")
	cmd.Flags().BoolVar(&flags.dropData, "drop-data", false, "purge stored rows and datapoints from container kinds")

	return cmd
}
