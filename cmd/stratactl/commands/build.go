package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stratadata/stratactl/pkg/build"
	"github.com/stratadata/stratactl/pkg/loaders"
)

func newBuildCommand() *cobra.Command {
	var (
		organizationDir string
		buildDir        string
		modules         []string
		environment     string
		noClean         bool
		watch           bool
	)

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Resolve variables and templates into a deployable build dir",
		Long: `Build reads environments.yaml and the modules/ tree from the
organization directory, substitutes {{variable}} references for the
selected environment, expands templated manifests, and writes the
resolved manifests to the build directory. The build dir is wiped
first unless --no-clean is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger()
			if err != nil {
				return err
			}

			// Building never talks to the cluster, so the catalogue
			// is constructed without a client.
			registry, err := loaders.NewRegistry(nil, nil, logger)
			if err != nil {
				return err
			}
			builder := build.NewBuilder(registry, logger)
			opts := build.Options{
				OrganizationDir: organizationDir,
				BuildDir:        buildDir,
				Environment:     environment,
				Modules:         modules,
				NoClean:         noClean,
			}

			if watch {
				logger.Info().Str("organization_dir", organizationDir).Msg("watching for changes, ctrl-c to stop")
				return builder.Watch(cmd.Context(), opts, func(result *build.Result, err error) {
					if err != nil {
						logger.Error().Err(err).Msg("build failed")
						return
					}
					printBuildResult(result, logger)
				})
			}

			result, err := builder.Build(cmd.Context(), opts)
			if err != nil {
				return err
			}
			return printBuildResult(result, logger)
		},
	}

	cmd.Flags().StringVar(&organizationDir, "organization-dir", ".", "source root containing environments.yaml and modules/")
	cmd.Flags().StringVar(&buildDir, "build-dir", "build", "output directory for resolved manifests")
	cmd.Flags().StringSliceVar(&modules, "modules", nil, "restrict the build to the named modules")
	cmd.Flags().StringVar(&environment, "env", "", "environment to build for")
	cmd.Flags().BoolVar(&noClean, "no-clean", false, "keep existing files in the build dir")
	cmd.Flags().BoolVar(&watch, "watch", false, "rebuild whenever a source file changes")
	_ = cmd.MarkFlagRequired("env")

	return cmd
}

func printBuildResult(result *build.Result, logger zerolog.Logger) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"environment": result.Environment,
			"project":     result.Project,
			"modules":     result.Modules,
			"resources":   len(result.Resources),
			"skipped":     result.Skipped,
		})
	}

	for _, skipped := range result.Skipped {
		logger.Warn().Str("file", skipped).Msg("no kind claims this file, skipped")
	}
	fmt.Printf("built %d resources from %d modules for environment %q (project %q)\n",
		len(result.Resources), result.Modules, result.Environment, result.Project)
	return nil
}
