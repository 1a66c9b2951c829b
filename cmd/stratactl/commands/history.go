package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		limit     int
		historyDB string
		prune     int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past deploy and clean runs",
		Long: `History lists the runs recorded in the local history database,
newest first. The database is reporting only; deploys never consult it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openHistory(ctx, historyDB)
			if err != nil {
				return err
			}
			defer store.Close()

			if prune > 0 {
				pruned, err := store.PruneRuns(ctx, prune)
				if err != nil {
					return err
				}
				fmt.Printf("pruned %d runs, kept the newest %d\n", pruned, prune)
				return nil
			}

			runs, err := store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tMODE\tENV\tPROJECT\tSTATE\tSTARTED\tCREATED\tCHANGED\tDELETED\tFAILED")
			for _, run := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					shortID(run.ID), run.Mode, run.Environment, run.Project, run.State,
					run.StartedAt.Format("2006-01-02 15:04:05"),
					run.Created, run.Changed, run.Deleted, run.Failed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	cmd.Flags().StringVar(&historyDB, "history-db", defaultHistoryPath(), "run history database path")
	cmd.Flags().IntVar(&prune, "prune", 0, "delete all but the newest N runs instead of listing")

	return cmd
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
