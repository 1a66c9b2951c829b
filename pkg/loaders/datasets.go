package loaders

import (
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// DatasetLoader manages datasets, the governance buckets most other
// kinds attach to through their dataSetId field.
type DatasetLoader struct{ rest }

func newDatasetLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *DatasetLoader {
	r := newRest(client, executor, logger, "datasets")
	r.idFn = externalID
	r.refFn = externalIDRef
	return &DatasetLoader{rest: r}
}

func (*DatasetLoader) Kind() string        { return "dataset" }
func (*DatasetLoader) Folder() string      { return "data_sets" }
func (*DatasetLoader) FilePattern() string { return "*.dataset.{yaml,yml}" }
func (*DatasetLoader) DependsOn() []string { return nil }

func (*DatasetLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return unscopedWrite("datasets:write")
}

// Datasets cannot be deleted, only archived by hand. Clean reports them
// and moves on.
func (*DatasetLoader) SupportsDelete() bool { return false }

// LabelLoader manages labels attached to assets within a dataset.
type LabelLoader struct{ rest }

func newLabelLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *LabelLoader {
	r := newRest(client, executor, logger, "labels")
	r.idFn = externalID
	r.refFn = externalIDRef
	return &LabelLoader{rest: r}
}

func (*LabelLoader) Kind() string        { return "label" }
func (*LabelLoader) Folder() string      { return "labels" }
func (*LabelLoader) FilePattern() string { return "*.label.{yaml,yml}" }
func (*LabelLoader) DependsOn() []string { return []string{"dataset"} }

func (*LabelLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("labels:write", "dataSetId", resources)
}
