package stores

import (
	"time"

	"github.com/stratadata/stratactl/pkg/deploy"
)

// RunRecord is one persisted deploy or clean run, with its counters
// folded into a single summary row.
type RunRecord struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	Environment string     `json:"environment"`
	Project     string     `json:"project"`
	DryRun      bool       `json:"dry_run"`
	State       string     `json:"state"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Created      int   `json:"created"`
	Changed      int   `json:"changed"`
	Unchanged    int   `json:"unchanged"`
	Deleted      int   `json:"deleted"`
	Duplicates   int   `json:"duplicates"`
	Failed       int   `json:"failed"`
	DroppedItems int64 `json:"dropped_items"`
}

// KindRecord is the per-kind breakdown of one run, in visit order.
type KindRecord struct {
	RunID    string `json:"run_id"`
	Position int    `json:"position"`
	Kind     string `json:"kind"`

	Created      int   `json:"created"`
	Changed      int   `json:"changed"`
	Unchanged    int   `json:"unchanged"`
	Deleted      int   `json:"deleted"`
	Duplicates   int   `json:"duplicates"`
	Failed       int   `json:"failed"`
	DroppedItems int64 `json:"dropped_items"`

	Skipped bool    `json:"skipped"`
	Note    string  `json:"note,omitempty"`
	Error   *string `json:"error,omitempty"`
}

// RecordOf converts a finished run result into its storage form.
func RecordOf(result *deploy.RunResult) (*RunRecord, []KindRecord) {
	totals := result.Totals()
	record := &RunRecord{
		ID:           result.RunID,
		Mode:         string(result.Mode),
		Environment:  result.Environment,
		Project:      result.Project,
		DryRun:       result.DryRun,
		State:        string(result.State),
		StartedAt:    result.StartedAt,
		Created:      totals.Created,
		Changed:      totals.Changed,
		Unchanged:    totals.Unchanged,
		Deleted:      totals.Deleted,
		Duplicates:   totals.Duplicates,
		Failed:       totals.Failed,
		DroppedItems: totals.DroppedItems,
	}
	if !result.FinishedAt.IsZero() {
		finished := result.FinishedAt
		record.FinishedAt = &finished
	}

	kinds := make([]KindRecord, 0, len(result.Kinds))
	for i, kr := range result.Kinds {
		rec := KindRecord{
			RunID:        result.RunID,
			Position:     i,
			Kind:         kr.Kind,
			Created:      kr.Created,
			Changed:      kr.Changed,
			Unchanged:    kr.Unchanged,
			Deleted:      kr.Deleted,
			Duplicates:   kr.Duplicates,
			Failed:       kr.Failed,
			DroppedItems: kr.DroppedItems,
			Skipped:      kr.Skipped,
			Note:         kr.Note,
		}
		if kr.Err != nil {
			msg := kr.Err.Error()
			rec.Error = &msg
		}
		kinds = append(kinds, rec)
	}
	return record, kinds
}
