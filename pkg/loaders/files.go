package loaders

import (
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// FileMetaLoader manages file metadata records. The uploaded bytes are
// contained data; dropping them keeps the metadata record around.
type FileMetaLoader struct{ rest }

func newFileMetaLoader(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) *FileMetaLoader {
	r := newRest(client, executor, logger, "files")
	r.dataResource = "files/content"
	r.idFn = externalID
	r.refFn = externalIDRef
	return &FileMetaLoader{rest: r}
}

func (*FileMetaLoader) Kind() string        { return "filemeta" }
func (*FileMetaLoader) Folder() string      { return "files" }
func (*FileMetaLoader) FilePattern() string { return "*.file.{yaml,yml}" }
func (*FileMetaLoader) DependsOn() []string { return []string{"dataset"} }

func (*FileMetaLoader) RequiredCapabilities(resources []Resource) []platform.Capability {
	return scopedWrite("files:write", "dataSetId", resources)
}

// Equal ignores the upload state the platform tracks on the record.
func (*FileMetaLoader) Equal(local, remote map[string]any) bool {
	trimmed := make(map[string]any, len(local))
	for k, v := range local {
		if k == "uploaded" {
			continue
		}
		trimmed[k] = v
	}
	return subsetEqual(trimmed, remote)
}
