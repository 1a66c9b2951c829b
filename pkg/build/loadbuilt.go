package build

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/stratadata/stratactl/pkg/loaders"
)

// LoadBuilt reads a previously built tree back into resources. Manifests
// in the build dir are already variable-resolved; only parsing and
// template expansion happen here.
func LoadBuilt(buildDir string, registry *loaders.Registry, logger zerolog.Logger) (*Result, error) {
	entries, err := os.ReadDir(buildDir)
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("read build dir %s", buildDir), Err: err}
	}

	result := &Result{
		ByKind:   make(map[string][]loaders.Resource),
		Manifest: make(map[string]string),
	}

	var modules []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			modules = append(modules, e.Name())
		}
	}
	sort.Strings(modules)

	for _, moduleName := range modules {
		moduleDir := filepath.Join(buildDir, moduleName)
		if err := loadBuiltDir(moduleDir, moduleName, "", registry, logger, result); err != nil {
			return nil, err
		}
	}
	result.Modules = len(modules)

	logger.Debug().
		Str("build_dir", buildDir).
		Int("modules", result.Modules).
		Int("resources", len(result.Resources)).
		Msg("built tree loaded")
	return result, nil
}

func loadBuiltDir(dir, moduleName, rel string, registry *loaders.Registry, logger zerolog.Logger, result *Result) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return &ConfigError{Message: fmt.Sprintf("read dir %s", dir), Err: err}
	}

	var files, subdirs []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == buildManifestFileName {
			continue
		}
		if e.IsDir() {
			subdirs = append(subdirs, name)
		} else {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	sort.Strings(subdirs)

	var manifests []string
	var dataFiles []string
	loadersByFile := make(map[string]loaders.Loader)
	for _, name := range files {
		loader, err := registry.ForFile(path.Join(rel, name))
		if err != nil {
			if isNoLoader(err) {
				dataFiles = append(dataFiles, name)
				continue
			}
			return err
		}
		manifests = append(manifests, name)
		loadersByFile[name] = loader
	}

	for _, name := range manifests {
		sourcePath := path.Join(moduleName, rel, name)
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return &ConfigError{Message: fmt.Sprintf("read manifest %s", sourcePath), Err: err}
		}

		sum := sha256.Sum256(raw)
		hash := hex.EncodeToString(sum[:])
		result.Manifest[sourcePath] = hash

		items, err := parseManifest(sourcePath, raw)
		if err != nil {
			return err
		}

		loader := loadersByFile[name]
		items, err = expandTemplate(sourcePath, loader, items, dataFiles)
		if err != nil {
			return err
		}

		for _, content := range items {
			id, err := loader.Identifier(content)
			if err != nil {
				return &FormatError{File: sourcePath, Err: err}
			}
			res := loaders.Resource{
				Kind:        loader.Kind(),
				Identifier:  id,
				Destination: filepath.Join(dir, name),
				Source:      loaders.SourceRef{Module: moduleName, Path: sourcePath},
				Hash:        hash,
				Content:     content,
			}
			result.Resources = append(result.Resources, res)
			result.ByKind[loader.Kind()] = append(result.ByKind[loader.Kind()], res)
		}
	}

	for _, name := range subdirs {
		if err := loadBuiltDir(filepath.Join(dir, name), moduleName, path.Join(rel, name), registry, logger, result); err != nil {
			return err
		}
	}
	return nil
}
