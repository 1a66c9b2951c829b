package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/stratadata/stratactl/pkg/build"
	"github.com/stratadata/stratactl/pkg/deploy"
	"github.com/stratadata/stratactl/pkg/loaders"
	"github.com/stratadata/stratactl/pkg/platform"
	"github.com/stratadata/stratactl/pkg/policy"
	"github.com/stratadata/stratactl/pkg/telemetry"
)

// syncFlags are shared by deploy and clean.
type syncFlags struct {
	environment  string
	clusterURL   string
	project      string
	timeout      time.Duration
	dryRun       bool
	drop         bool
	dropData     bool
	include      []string
	policyDir    string
	noGuardrails bool
	metricsAddr  string
	historyDB    string
}

func addSyncFlags(cmd *cobra.Command, f *syncFlags) {
	cmd.Flags().StringVar(&f.environment, "env", "", "environment the build dir was built for")
	cmd.Flags().StringVar(&f.clusterURL, "cluster-url", "", "cluster endpoint (default $STRATA_CLUSTER_URL)")
	cmd.Flags().StringVar(&f.project, "project", "", "target project (default $STRATA_PROJECT)")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 30*time.Second, "per-request timeout")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "report what would happen without writing")
	cmd.Flags().StringSliceVar(&f.include, "include", nil, "restrict the run to the named kinds")
	cmd.Flags().StringVar(&f.policyDir, "policy-dir", "", "directory of .rego guardrail policies")
	cmd.Flags().BoolVar(&f.noGuardrails, "no-guardrails", false, "skip the built-in guardrail policies")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	cmd.Flags().StringVar(&f.historyDB, "history-db", defaultHistoryPath(), "run history database path")
}

// runSync loads the built tree and executes one deploy or clean run.
func runSync(ctx context.Context, mode deploy.Mode, buildDir string, f *syncFlags) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}

	token := os.Getenv(envToken)
	if token == "" {
		return fmt.Errorf("%s is not set; export a bearer token for the target project", envToken)
	}
	cfg := platform.Config{
		BaseURL: stringOrEnv(f.clusterURL, envClusterURL),
		Project: stringOrEnv(f.project, envProject),
		Token:   token,
		Timeout: f.timeout,
	}
	if cfg.BaseURL == "" {
		return fmt.Errorf("cluster endpoint missing; pass --cluster-url or set %s", envClusterURL)
	}
	if cfg.Project == "" {
		return fmt.Errorf("project missing; pass --project or set %s", envProject)
	}

	client, err := platform.NewClient(cfg, logger)
	if err != nil {
		return err
	}
	executor := platform.NewExecutor(platform.DefaultExecutorConfig(), logger)
	registry, err := loaders.NewRegistry(client, executor, logger)
	if err != nil {
		return err
	}

	built, err := build.LoadBuilt(buildDir, registry, logger)
	if err != nil {
		return err
	}
	if len(built.Resources) == 0 {
		logger.Warn().Str("build_dir", buildDir).Msg("no resources in build dir, nothing to do")
		return nil
	}

	metrics, err := telemetry.NewMetrics(telemetry.MetricsConfig{
		Enabled:       f.metricsAddr != "",
		ListenAddress: f.metricsAddr,
		Path:          "/metrics",
		Namespace:     "stratactl",
	})
	if err != nil {
		return err
	}
	if f.metricsAddr != "" {
		go func() {
			if err := metrics.StartMetricsServer(); err != nil {
				logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{
		Enabled:            os.Getenv(envTrace) == "1",
		Exporter:           "stdout",
		SamplingRate:       1.0,
		MaxExportBatchSize: 512,
		ExportTimeout:      30 * time.Second,
	}, "stratactl", "")
	if err != nil {
		return err
	}
	defer tracer.Shutdown(context.Background())

	gate := policy.NewGate(logger)
	if !f.noGuardrails {
		if err := gate.LoadDefaults(ctx); err != nil {
			return err
		}
	}
	if f.policyDir != "" {
		if err := gate.LoadDir(ctx, f.policyDir); err != nil {
			return err
		}
	}

	orch := deploy.NewOrchestrator(registry, client, logger).
		WithMetrics(metrics).
		WithTracer(tracer)
	if gate.Len() > 0 {
		orch = orch.WithPolicy(gate)
	}

	result, err := orch.Run(ctx, deploy.RunOptions{
		Mode:        mode,
		Environment: f.environment,
		Project:     cfg.Project,
		Resources:   built.ByKind,
		Include:     f.include,
		DryRun:      f.dryRun,
		Drop:        f.drop,
		DropData:    f.dropData,
	})
	if err != nil {
		return err
	}

	if !f.dryRun {
		saveHistory(ctx, f.historyDB, result, logger)
	}
	if err := printRunResult(result); err != nil {
		return err
	}
	if result.Failed() {
		return fmt.Errorf("%s run %s finished with failures", mode, result.RunID)
	}
	return nil
}
