package loaders

import (
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// TransformationLoader manages SQL transformations that read from and
// write to raw tables and other stores.
type TransformationLoader struct{ rest }

func newTransformationLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *TransformationLoader {
	r := newRest(client, executor, logger, "transformations")
	r.idFn = externalID
	r.refFn = externalIDRef
	return &TransformationLoader{rest: r}
}

func (*TransformationLoader) Kind() string        { return "transformation" }
func (*TransformationLoader) Folder() string      { return "transformations" }
func (*TransformationLoader) FilePattern() string { return "*.transformation.{yaml,yml}" }
func (*TransformationLoader) DependsOn() []string { return []string{"dataset", "database"} }

func (*TransformationLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("transformations:write", "dataSetId", resources)
}

// ScheduleLoader manages cron schedules attached to transformations.
type ScheduleLoader struct{ rest }

func newScheduleLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *ScheduleLoader {
	r := newRest(client, executor, logger, "transformations/schedules")
	r.idFn = externalID
	r.refFn = externalIDRef
	return &ScheduleLoader{rest: r}
}

func (*ScheduleLoader) Kind() string        { return "schedule" }
func (*ScheduleLoader) Folder() string      { return "transformations" }
func (*ScheduleLoader) FilePattern() string { return "*.schedule.{yaml,yml}" }
func (*ScheduleLoader) DependsOn() []string { return []string{"transformation"} }

func (*ScheduleLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return unscopedWrite("transformations:write")
}
