package loaders

import (
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// FunctionLoader manages serverless function definitions.
type FunctionLoader struct{ rest }

func newFunctionLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *FunctionLoader {
	r := newRest(client, executor, logger, "functions")
	// Function teardown is asynchronous: the platform tears down the
	// runtime after acknowledging the request.
	r.asyncDelete = true
	r.idFn = externalID
	r.refFn = externalIDRef
	return &FunctionLoader{rest: r}
}

func (*FunctionLoader) Kind() string        { return "function" }
func (*FunctionLoader) Folder() string      { return "functions" }
func (*FunctionLoader) FilePattern() string { return "*.function.{yaml,yml}" }
func (*FunctionLoader) DependsOn() []string { return []string{"dataset", "filemeta"} }

func (*FunctionLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return unscopedWrite("functions:write")
}

// Equal ignores the deployment status fields the platform reports back
// alongside the definition.
func (*FunctionLoader) Equal(local, remote map[string]any) bool {
	trimmed := make(map[string]any, len(local))
	for k, v := range local {
		switch k {
		case "status", "error":
			continue
		}
		trimmed[k] = v
	}
	return subsetEqual(trimmed, remote)
}
