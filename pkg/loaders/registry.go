package loaders

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/platform"
)

// ErrNoLoader is returned by ForFile when no kind claims a file. Callers
// skip such files with a warning rather than failing the run.
var ErrNoLoader = errors.New("no loader matches file")

// Registry is the static catalogue of kind loaders. It is built once at
// startup and never mutated afterwards.
type Registry struct {
	catalogue []Loader
	byKind    map[string]Loader
	byFolder  map[string][]Loader
	graph     *DependencyGraph
}

// NewRegistry builds the catalogue against the given platform client.
func NewRegistry(client *platform.Client, executor *platform.Executor, logger zerolog.Logger) (*Registry, error) {
	catalogue := []Loader{
		newGroupLoader(client, executor, logger),
		newDatasetLoader(client, executor, logger),
		newLabelLoader(client, executor, logger),
		newDatabaseLoader(client, executor, logger),
		newTableLoader(client, executor, logger),
		newTimeseriesLoader(client, executor, logger),
		newFunctionLoader(client, executor, logger),
		newTransformationLoader(client, executor, logger),
		newScheduleLoader(client, executor, logger),
		newExtractionPipelineLoader(client, executor, logger),
		newExtractionPipelineConfigLoader(client, executor, logger),
		newSpaceLoader(client, executor, logger),
		newStorageContainerLoader(client, executor, logger),
		newViewLoader(client, executor, logger),
		newDataModelLoader(client, executor, logger),
		newFileMetaLoader(client, executor, logger),
	}
	return newRegistry(catalogue)
}

func newRegistry(catalogue []Loader) (*Registry, error) {
	graph, err := newDependencyGraph(catalogue)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		catalogue: catalogue,
		byKind:    make(map[string]Loader, len(catalogue)),
		byFolder:  make(map[string][]Loader),
		graph:     graph,
	}
	for _, loader := range catalogue {
		r.byKind[loader.Kind()] = loader
		r.byFolder[loader.Folder()] = append(r.byFolder[loader.Folder()], loader)
	}
	return r, nil
}

// Loader returns the loader for a kind name.
func (r *Registry) Loader(kind string) (Loader, bool) {
	l, ok := r.byKind[kind]
	return l, ok
}

// Kinds returns all kind names in deploy order.
func (r *Registry) Kinds() []string {
	kinds := make([]string, 0, len(r.catalogue))
	for _, l := range r.catalogue {
		kinds = append(kinds, l.Kind())
	}
	return r.graph.DeployOrder(kinds)
}

// Folders returns the set of module subfolders the catalogue knows.
func (r *Registry) Folders() []string {
	folders := make([]string, 0, len(r.byFolder))
	for folder := range r.byFolder {
		folders = append(folders, folder)
	}
	sort.Strings(folders)
	return folders
}

// ForFolder returns the loaders that read from a module subfolder.
func (r *Registry) ForFolder(folder string) []Loader {
	return r.byFolder[folder]
}

// ForFile resolves a manifest path, relative to its module root, to the
// single loader claiming it. The first path element selects the folder,
// the file name is matched against each candidate's pattern. More than
// one match is a catalogue bug and fails hard; zero matches returns
// ErrNoLoader.
func (r *Registry) ForFile(relPath string) (Loader, error) {
	relPath = path.Clean(strings.ReplaceAll(relPath, "\\", "/"))
	folder, _, ok := strings.Cut(relPath, "/")
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoLoader, relPath)
	}

	var matched []Loader
	for _, loader := range r.byFolder[folder] {
		ok, err := doublestar.Match(loader.FilePattern(), path.Base(relPath))
		if err != nil {
			return nil, platform.NewValidationError(
				fmt.Sprintf("kind %s has a malformed file pattern %q", loader.Kind(), loader.FilePattern()), err)
		}
		if ok {
			matched = append(matched, loader)
		}
	}

	switch len(matched) {
	case 0:
		return nil, fmt.Errorf("%w: %s", ErrNoLoader, relPath)
	case 1:
		return matched[0], nil
	default:
		kinds := make([]string, 0, len(matched))
		for _, l := range matched {
			kinds = append(kinds, l.Kind())
		}
		return nil, platform.NewValidationError(
			fmt.Sprintf("file %s matches multiple kinds: %s", relPath, strings.Join(kinds, ", ")), nil).
			WithCode(platform.ErrCodeBadRequest)
	}
}

// DeployOrder orders the given kinds dependencies first.
func (r *Registry) DeployOrder(kinds []string) []string {
	return r.graph.DeployOrder(kinds)
}

// CleanOrder orders the given kinds dependents first.
func (r *Registry) CleanOrder(kinds []string) []string {
	return r.graph.CleanOrder(kinds)
}

// Graph exposes the kind dependency graph.
func (r *Registry) Graph() *DependencyGraph {
	return r.graph
}
