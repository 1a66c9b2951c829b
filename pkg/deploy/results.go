// Package deploy synchronizes built resources against the platform: it
// classifies every local instance as create, update, unchanged, or
// duplicate, and applies the resulting plan kind by kind in dependency
// order (deploy) or reverse dependency order (clean).
package deploy

import "time"

// Mode selects the direction of a run.
type Mode string

const (
	ModeDeploy Mode = "deploy"
	ModeClean  Mode = "clean"
)

// State is the run lifecycle: PLANNING -> APPLYING -> DONE | FAILED.
type State string

const (
	StatePlanning State = "PLANNING"
	StateApplying State = "APPLYING"
	StateDone     State = "DONE"
	StateFailed   State = "FAILED"
)

// KindResult carries the per-kind counters of one run. Pure reporting
// data with no identity beyond the run.
type KindResult struct {
	Kind string `json:"kind"`

	Created    int `json:"created"`
	Changed    int `json:"changed"`
	Unchanged  int `json:"unchanged"`
	Deleted    int `json:"deleted"`
	Duplicates int `json:"duplicates"`
	Failed     int `json:"failed"`

	// DroppedItems counts contained data items purged from
	// resource-container instances.
	DroppedItems int64 `json:"droppedItems"`

	// Skipped marks kinds the run deliberately passed over, with Note
	// saying why.
	Skipped bool   `json:"skipped,omitempty"`
	Note    string `json:"note,omitempty"`

	// Err is the kind-level failure, if any.
	Err error `json:"-"`
}

// Total is the number of instances the run considered for this kind.
func (r *KindResult) Total() int {
	return r.Created + r.Changed + r.Unchanged + r.Deleted + r.Duplicates + r.Failed
}

// OK reports whether the kind completed without failures.
func (r *KindResult) OK() bool {
	return r.Failed == 0 && r.Err == nil
}

// RunResult aggregates one deploy or clean run.
type RunResult struct {
	RunID       string    `json:"runId"`
	Mode        Mode      `json:"mode"`
	Environment string    `json:"environment"`
	Project     string    `json:"project"`
	DryRun      bool      `json:"dryRun"`
	State       State     `json:"state"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`

	// Kinds lists per-kind results in visit order.
	Kinds []KindResult `json:"kinds"`
}

// Failed reports whether any kind failed.
func (r *RunResult) Failed() bool {
	for i := range r.Kinds {
		if !r.Kinds[i].OK() {
			return true
		}
	}
	return false
}

// Totals folds all kind counters into one summary row.
func (r *RunResult) Totals() KindResult {
	var t KindResult
	t.Kind = "total"
	for i := range r.Kinds {
		k := &r.Kinds[i]
		t.Created += k.Created
		t.Changed += k.Changed
		t.Unchanged += k.Unchanged
		t.Deleted += k.Deleted
		t.Duplicates += k.Duplicates
		t.Failed += k.Failed
		t.DroppedItems += k.DroppedItems
	}
	return t
}
