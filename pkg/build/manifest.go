package build

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// writeManifest records the {sourcePath: contentHash} map of one build in
// the build dir. Keys are emitted in sorted order.
func writeManifest(buildDir string, manifest map[string]string) error {
	data, err := yaml.Marshal(manifest)
	if err != nil {
		return &ConfigError{Message: "encode build manifest", Err: err}
	}
	path := filepath.Join(buildDir, buildManifestFileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &ConfigError{Message: fmt.Sprintf("write %s", path), Err: err}
	}
	return nil
}

// ReadManifest loads the hash manifest of a previous build. A missing
// manifest returns an empty map.
func ReadManifest(buildDir string) (map[string]string, error) {
	path := filepath.Join(buildDir, buildManifestFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("read %s", path), Err: err}
	}

	manifest := make(map[string]string)
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parse %s", path), Err: err}
	}
	return manifest, nil
}

// Drifted compares the manifests of two builds and returns the source
// paths whose content hash changed, appeared, or disappeared.
func Drifted(previous, current map[string]string) []string {
	var drifted []string
	for path, hash := range current {
		if prev, ok := previous[path]; !ok || prev != hash {
			drifted = append(drifted, path)
		}
	}
	for path := range previous {
		if _, ok := current[path]; !ok {
			drifted = append(drifted, path)
		}
	}
	return drifted
}
