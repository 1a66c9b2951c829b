package loaders

import (
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// extractionpipeline-config fields the platform accepts on write but
// never returns on read.
var writeOnlyConfigFields = []string{"credentials", "secrets", "authentication"}

// ExtractionPipelineLoader manages extraction pipeline registrations.
type ExtractionPipelineLoader struct{ rest }

func newExtractionPipelineLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *ExtractionPipelineLoader {
	r := newRest(client, executor, logger, "extpipes")
	r.idFn = externalID
	r.refFn = externalIDRef
	return &ExtractionPipelineLoader{rest: r}
}

func (*ExtractionPipelineLoader) Kind() string        { return "extractionpipeline" }
func (*ExtractionPipelineLoader) Folder() string      { return "extraction_pipelines" }
func (*ExtractionPipelineLoader) FilePattern() string { return "*.pipeline.{yaml,yml}" }
func (*ExtractionPipelineLoader) DependsOn() []string {
	return []string{"dataset", "database"}
}

func (*ExtractionPipelineLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("extractionpipelines:write", "dataSetId", resources)
}

// ExtractionPipelineConfigLoader manages the per-pipeline configuration
// document, including connection credentials.
type ExtractionPipelineConfigLoader struct{ rest }

func newExtractionPipelineConfigLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *ExtractionPipelineConfigLoader {
	r := newRest(client, executor, logger, "extpipes/config")
	r.idFn = externalID
	r.refFn = externalIDRef
	return &ExtractionPipelineConfigLoader{rest: r}
}

func (*ExtractionPipelineConfigLoader) Kind() string   { return "extractionpipeline-config" }
func (*ExtractionPipelineConfigLoader) Folder() string { return "extraction_pipelines" }
func (*ExtractionPipelineConfigLoader) FilePattern() string {
	return "*.config.{yaml,yml}"
}
func (*ExtractionPipelineConfigLoader) DependsOn() []string {
	return []string{"extractionpipeline"}
}

func (*ExtractionPipelineConfigLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return unscopedWrite("extractionpipelines:write")
}

// Equal skips the write-only credential fields. The platform never
// returns them, so including them would flag every config as changed on
// every run.
func (*ExtractionPipelineConfigLoader) Equal(local, remote map[string]any) bool {
	trimmed := make(map[string]any, len(local))
	for k, v := range local {
		trimmed[k] = v
	}
	for _, field := range writeOnlyConfigFields {
		delete(trimmed, field)
	}
	return subsetEqual(trimmed, remote)
}
