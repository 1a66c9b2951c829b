package loaders

import (
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// TimeseriesLoader manages time series definitions. The datapoints a
// series accumulates are contained data, purged separately from the
// definition itself.
type TimeseriesLoader struct{ rest }

func newTimeseriesLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *TimeseriesLoader {
	r := newRest(client, executor, logger, "timeseries")
	r.dataResource = "timeseries/datapoints"
	r.idFn = externalID
	r.refFn = externalIDRef
	return &TimeseriesLoader{rest: r}
}

func (*TimeseriesLoader) Kind() string        { return "timeseries" }
func (*TimeseriesLoader) Folder() string      { return "timeseries" }
func (*TimeseriesLoader) FilePattern() string { return "*.timeseries.{yaml,yml}" }
func (*TimeseriesLoader) DependsOn() []string { return []string{"dataset"} }

func (*TimeseriesLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("timeseries:write", "dataSetId", resources)
}
