package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/deploy"
	"github.com/stratadata/stratactl/pkg/stores"
	"github.com/stratadata/stratactl/pkg/telemetry"
)

const (
	envToken      = "STRATA_TOKEN"
	envClusterURL = "STRATA_CLUSTER_URL"
	envProject    = "STRATA_PROJECT"
	envTrace      = "STRATA_TRACE"
)

// newLogger builds the process logger from the global flags.
func newLogger() (zerolog.Logger, error) {
	level := "info"
	if verbose {
		level = "debug"
	}
	format := "console"
	if jsonOutput {
		format = "json"
	}
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{
		Level:      level,
		Format:     format,
		Output:     "stderr",
		TimeFormat: "rfc3339",
	})
	if err != nil {
		return zerolog.Nop(), err
	}
	return logger.Zerolog(), nil
}

// stringOrEnv resolves a flag value with an environment fallback.
func stringOrEnv(flagValue, envName string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv(envName)
}

// defaultHistoryPath is where runs are recorded unless --history-db says
// otherwise.
func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "stratactl-history.db"
	}
	return filepath.Join(home, ".stratactl", "history.db")
}

// openHistory opens (and migrates) the run history store.
func openHistory(ctx context.Context, path string) (*stores.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// saveHistory records a finished run. History is reporting only, so a
// failure here is logged and otherwise ignored.
func saveHistory(ctx context.Context, path string, result *deploy.RunResult, logger zerolog.Logger) {
	store, err := openHistory(ctx, path)
	if err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("run history unavailable")
		return
	}
	defer store.Close()

	record, kinds := stores.RecordOf(result)
	if err := store.SaveRun(ctx, record, kinds); err != nil {
		logger.Warn().Err(err).Msg("failed to record run history")
	}
}

// printRunResult writes the run outcome to stdout.
func printRunResult(result *deploy.RunResult) error {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	mode := string(result.Mode)
	if result.DryRun {
		mode += " (dry run)"
	}
	fmt.Printf("Run %s: %s, environment %q, project %q\n", result.RunID, mode, result.Environment, result.Project)
	for _, kr := range result.Kinds {
		line := fmt.Sprintf("  %-28s created=%d changed=%d unchanged=%d deleted=%d duplicates=%d failed=%d",
			kr.Kind, kr.Created, kr.Changed, kr.Unchanged, kr.Deleted, kr.Duplicates, kr.Failed)
		if kr.DroppedItems > 0 {
			line += fmt.Sprintf(" dropped_items=%d", kr.DroppedItems)
		}
		if kr.Skipped {
			line += fmt.Sprintf(" (skipped: %s)", kr.Note)
		}
		fmt.Println(line)
		if kr.Err != nil {
			fmt.Printf("    error: %v\n", kr.Err)
		}
	}
	totals := result.Totals()
	fmt.Printf("State %s: %d created, %d changed, %d unchanged, %d deleted, %d failed\n",
		result.State, totals.Created, totals.Changed, totals.Unchanged, totals.Deleted, totals.Failed)
	return nil
}
