package loaders

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// SpaceLoader manages data-model spaces. Graph instances written into a
// space are contained data and can be purged separately.
type SpaceLoader struct{ rest }

func newSpaceLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *SpaceLoader {
	r := newRest(client, executor, logger, "models/spaces")
	r.dataResource = "models/instances"
	r.asyncDelete = true
	r.idFn = func(content map[string]any) (string, error) {
		return stringField(content, "space")
	}
	r.refFn = func(content map[string]any) (json.RawMessage, error) {
		space, err := stringField(content, "space")
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]string{"space": space})
	}
	return &SpaceLoader{rest: r}
}

func (*SpaceLoader) Kind() string        { return "space" }
func (*SpaceLoader) Folder() string      { return "data_models" }
func (*SpaceLoader) FilePattern() string { return "*.space.{yaml,yml}" }
func (*SpaceLoader) DependsOn() []string { return nil }

func (*SpaceLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("datamodels:write", "space", resources)
}

// StorageContainerLoader manages the physical property containers views
// map onto.
type StorageContainerLoader struct{ rest }

func newStorageContainerLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *StorageContainerLoader {
	r := newRest(client, executor, logger, "models/containers")
	r.idFn = spaceScopedID
	r.refFn = spaceScopedRef
	return &StorageContainerLoader{rest: r}
}

func (*StorageContainerLoader) Kind() string        { return "storage-container" }
func (*StorageContainerLoader) Folder() string      { return "data_models" }
func (*StorageContainerLoader) FilePattern() string { return "*.container.{yaml,yml}" }
func (*StorageContainerLoader) DependsOn() []string { return []string{"space"} }

func (*StorageContainerLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("datamodels:write", "space", resources)
}

// ViewLoader manages versioned views over storage containers.
type ViewLoader struct{ rest }

func newViewLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *ViewLoader {
	r := newRest(client, executor, logger, "models/views")
	r.idFn = versionedID
	r.refFn = versionedRef
	return &ViewLoader{rest: r}
}

func (*ViewLoader) Kind() string        { return "view" }
func (*ViewLoader) Folder() string      { return "data_models" }
func (*ViewLoader) FilePattern() string { return "*.view.{yaml,yml}" }
func (*ViewLoader) DependsOn() []string { return []string{"space", "storage-container"} }

func (*ViewLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("datamodels:write", "space", resources)
}

// Equal compares views after subtracting the properties the remote side
// materialized from implemented parents. A view that declares no
// property of its own still implements its parents' properties, and the
// platform folds those into the returned definition.
func (*ViewLoader) Equal(local, remote map[string]any) bool {
	localProps, _ := local["properties"].(map[string]any)
	remoteProps, ok := remote["properties"].(map[string]any)
	if !ok {
		return subsetEqual(local, remote)
	}
	ownProps := make(map[string]any, len(localProps))
	for name := range localProps {
		if v, ok := remoteProps[name]; ok {
			ownProps[name] = v
		}
	}
	trimmedRemote := make(map[string]any, len(remote))
	for k, v := range remote {
		trimmedRemote[k] = v
	}
	trimmedRemote["properties"] = ownProps
	return subsetEqual(local, trimmedRemote)
}

// DataModelLoader manages versioned data models, bundles of views.
type DataModelLoader struct{ rest }

func newDataModelLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *DataModelLoader {
	r := newRest(client, executor, logger, "models/datamodels")
	r.idFn = versionedID
	r.refFn = versionedRef
	return &DataModelLoader{rest: r}
}

func (*DataModelLoader) Kind() string        { return "datamodel" }
func (*DataModelLoader) Folder() string      { return "data_models" }
func (*DataModelLoader) FilePattern() string { return "*.datamodel.{yaml,yml}" }
func (*DataModelLoader) DependsOn() []string { return []string{"space", "view"} }

func (*DataModelLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("datamodels:write", "space", resources)
}

func spaceScopedID(content map[string]any) (string, error) {
	space, err := stringField(content, "space")
	if err != nil {
		return "", err
	}
	id, err := externalID(content)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s", space, id), nil
}

func spaceScopedRef(content map[string]any) (json.RawMessage, error) {
	space, err := stringField(content, "space")
	if err != nil {
		return nil, err
	}
	id, err := externalID(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{"space": space, "externalId": id})
}

func versionedID(content map[string]any) (string, error) {
	space, err := stringField(content, "space")
	if err != nil {
		return "", err
	}
	id, err := externalID(content)
	if err != nil {
		return "", err
	}
	version, err := versionField(content)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:%s@%s", space, id, version), nil
}

func versionedRef(content map[string]any) (json.RawMessage, error) {
	space, err := stringField(content, "space")
	if err != nil {
		return nil, err
	}
	id, err := externalID(content)
	if err != nil {
		return nil, err
	}
	version, err := versionField(content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]string{
		"space":      space,
		"externalId": id,
		"version":    version,
	})
}

// versionField accepts both quoted and bare version values; YAML parses
// a bare v1-style tag as a string and a bare number as an int.
func versionField(content map[string]any) (string, error) {
	v, ok := content["version"]
	if !ok {
		return "", platform.NewValidationError(`missing required field "version"`, nil)
	}
	switch version := v.(type) {
	case string:
		if version == "" {
			return "", platform.NewValidationError(`field "version" must not be empty`, nil)
		}
		return version, nil
	case int:
		return fmt.Sprintf("%d", version), nil
	case int64:
		return fmt.Sprintf("%d", version), nil
	case float64:
		return fmt.Sprintf("%d", int64(version)), nil
	default:
		return "", platform.NewValidationError(`field "version" must be a string or number`, nil)
	}
}
