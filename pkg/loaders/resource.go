// Package loaders defines the per-resource-kind contract for the Strata
// platform: how each kind's manifests are discovered, identified, diffed,
// created, updated, deleted, and (for resource-container kinds) purged of
// bulk data. The catalogue of kinds is static and built once at startup.
package loaders

import "fmt"

// Resource is one concrete, variable-resolved resource instance produced
// by the build stage.
type Resource struct {
	// Kind is the resource kind this instance belongs to.
	Kind string `json:"kind"`

	// Identifier is the canonical string form of the instance identity,
	// unique within its kind. The shape varies per kind: a bare external
	// id, a database/table pair, or a space:externalId@version triple.
	Identifier string `json:"identifier"`

	// Destination is the built manifest path the instance was written to.
	Destination string `json:"destination"`

	// Source locates the authored manifest the instance came from.
	Source SourceRef `json:"source"`

	// Hash is the sha256 content hash of the substituted manifest text.
	Hash string `json:"hash"`

	// Content is the parsed resource definition.
	Content map[string]any `json:"content"`
}

// SourceRef locates an authored manifest file.
type SourceRef struct {
	// Module is the module name owning the manifest.
	Module string `json:"module"`

	// Path is the source file path relative to the organization root.
	Path string `json:"path"`
}

func (s SourceRef) String() string {
	if s.Module == "" {
		return s.Path
	}
	return fmt.Sprintf("%s:%s", s.Module, s.Path)
}
