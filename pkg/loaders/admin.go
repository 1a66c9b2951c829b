package loaders

import (
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// GroupLoader manages access groups. Groups gate every other kind, so
// nothing depends on them and they depend on nothing.
type GroupLoader struct{ rest }

func newGroupLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *GroupLoader {
	r := newRest(client, executor, logger, "groups")
	r.idFn = externalID
	r.refFn = externalIDRef
	return &GroupLoader{rest: r}
}

func (*GroupLoader) Kind() string        { return "group" }
func (*GroupLoader) Folder() string      { return "auth" }
func (*GroupLoader) FilePattern() string { return "*.group.{yaml,yml}" }
func (*GroupLoader) DependsOn() []string { return nil }

func (*GroupLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return unscopedWrite("groups:write")
}
