package build

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/stratadata/stratactl/pkg/loaders"
)

// modulesDirName is the subtree of the organization dir holding modules.
const modulesDirName = "modules"

// templateTokenPattern finds a bare placeholder token inside an
// identifier, marking the manifest for per-data-file expansion.
var templateTokenPattern = regexp.MustCompile(`\{\{([A-Za-z0-9_.\-]+)\}\}`)

// Options configures one build.
type Options struct {
	// OrganizationDir is the source root: environments.yaml plus modules/.
	OrganizationDir string

	// BuildDir receives the variable-resolved manifest tree.
	BuildDir string

	// Environment selects the variable set and target project.
	Environment string

	// Modules restricts the build to the named modules. Empty means all.
	Modules []string

	// NoClean keeps stale files in the build dir. The default wipes it.
	NoClean bool
}

// Result is the outcome of one build.
type Result struct {
	// Environment and Project echo the selected environment.
	Environment string
	Project     string

	// Resources are all built instances, in production order.
	Resources []loaders.Resource

	// ByKind groups Resources by kind, preserving production order.
	ByKind map[string][]loaders.Resource

	// Manifest maps source paths to content hashes of the substituted
	// text, for drift detection between runs.
	Manifest map[string]string

	// Skipped lists source files no kind claimed.
	Skipped []string

	// Modules counts the modules built.
	Modules int
}

// Builder resolves module trees into built resources. It is stateless
// across builds and safe to reuse.
type Builder struct {
	registry *loaders.Registry
	logger   zerolog.Logger
	validate *validator.Validate
}

// NewBuilder creates a builder over the given kind registry.
func NewBuilder(registry *loaders.Registry, logger zerolog.Logger) *Builder {
	return &Builder{
		registry: registry,
		logger:   logger.With().Str("component", "build").Logger(),
		validate: validator.New(),
	}
}

// Build resolves the selected modules for one environment and writes the
// substituted manifests to the build dir.
func (b *Builder) Build(ctx context.Context, opts Options) (*Result, error) {
	env, err := LoadEnvironments(opts.OrganizationDir, opts.Environment, b.validate)
	if err != nil {
		return nil, err
	}

	moduleDirs, err := b.selectModules(opts)
	if err != nil {
		return nil, err
	}

	if !opts.NoClean {
		if err := os.RemoveAll(opts.BuildDir); err != nil {
			return nil, &ConfigError{Message: fmt.Sprintf("clean build dir %s", opts.BuildDir), Err: err}
		}
	}
	if err := os.MkdirAll(opts.BuildDir, 0o755); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("create build dir %s", opts.BuildDir), Err: err}
	}

	result := &Result{
		Environment: opts.Environment,
		Project:     env.Project,
		ByKind:      make(map[string][]loaders.Resource),
		Manifest:    make(map[string]string),
		Modules:     len(moduleDirs),
	}
	rootScope := newEnvScope(env, opts.Environment)

	for _, moduleName := range moduleDirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		moduleDir := filepath.Join(opts.OrganizationDir, modulesDirName, moduleName)
		if err := b.buildDir(moduleDir, moduleName, "", rootScope, opts, result); err != nil {
			return nil, err
		}
		b.logger.Debug().Str("module", moduleName).Msg("module built")
	}

	if err := writeManifest(opts.BuildDir, result.Manifest); err != nil {
		return nil, err
	}

	b.logger.Info().
		Str("environment", opts.Environment).
		Int("modules", result.Modules).
		Int("resources", len(result.Resources)).
		Int("skipped", len(result.Skipped)).
		Msg("build finished")
	return result, nil
}

// selectModules lists the module directories to build, sorted by name.
// Selecting a module that does not exist is a configuration error.
func (b *Builder) selectModules(opts Options) ([]string, error) {
	root := filepath.Join(opts.OrganizationDir, modulesDirName)
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("read modules dir %s", root), Err: err}
	}

	available := make(map[string]struct{})
	var all []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		available[e.Name()] = struct{}{}
		all = append(all, e.Name())
	}
	sort.Strings(all)

	if len(opts.Modules) == 0 {
		return all, nil
	}

	selected := make([]string, 0, len(opts.Modules))
	for _, name := range opts.Modules {
		if _, ok := available[name]; !ok {
			return nil, &ConfigError{Message: fmt.Sprintf("selected module %q not found under %s", name, root)}
		}
		selected = append(selected, name)
	}
	sort.Strings(selected)
	return selected, nil
}

// buildDir processes one directory of a module tree: pushes the local
// variable scope, resolves every manifest, then recurses into
// subdirectories. Entries are visited in name order so output is stable
// across filesystems.
func (b *Builder) buildDir(dir, moduleName, rel string, sc *scope, opts Options, result *Result) error {
	cfg, err := loadModuleConfig(dir)
	if err != nil {
		return err
	}
	sc = sc.push(cfg)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return &ConfigError{Message: fmt.Sprintf("read dir %s", dir), Err: err}
	}

	var files, subdirs []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || name == moduleConfigFileName {
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

	// Split the directory into manifests and the data files template
	// expansion iterates over.
	var manifests []string
	var dataFiles []string
	loadersByFile := make(map[string]loaders.Loader)
	for _, name := range files {
		relPath := path.Join(rel, name)
		loader, err := b.registry.ForFile(relPath)
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
		if err := b.buildManifest(dir, moduleName, path.Join(rel, name), loadersByFile[name], sc, dataFiles, opts, result); err != nil {
			return err
		}
	}
	if len(manifests) > 0 {
		// Data files feed template expansion; copy them so the built
		// tree stays self-contained.
		for _, name := range dataFiles {
			if err := b.copyDataFile(dir, moduleName, path.Join(rel, name), opts); err != nil {
				return err
			}
		}
	} else if rel != "" {
		for _, name := range dataFiles {
			source := path.Join(moduleName, rel, name)
			result.Skipped = append(result.Skipped, source)
			b.logger.Warn().Str("file", source).Msg("no kind claims this file, skipping")
		}
	}

	for _, name := range subdirs {
		if err := b.buildDir(filepath.Join(dir, name), moduleName, path.Join(rel, name), sc, opts, result); err != nil {
			return err
		}
	}
	return nil
}

// buildManifest substitutes, hashes, parses, and writes one manifest file
// and appends its resource instances to the result.
func (b *Builder) buildManifest(dir, moduleName, relPath string, loader loaders.Loader, sc *scope, dataFiles []string, opts Options, result *Result) error {
	sourcePath := path.Join(moduleName, relPath)
	raw, err := os.ReadFile(filepath.Join(dir, path.Base(relPath)))
	if err != nil {
		return &ConfigError{Message: fmt.Sprintf("read manifest %s", sourcePath), Err: err}
	}

	substituted, err := sc.substitute(sourcePath, raw)
	if err != nil {
		return err
	}

	sum := sha256.Sum256(substituted)
	hash := hex.EncodeToString(sum[:])
	result.Manifest[sourcePath] = hash

	items, err := parseManifest(sourcePath, substituted)
	if err != nil {
		return err
	}

	destination := filepath.Join(opts.BuildDir, moduleName, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return &ConfigError{Message: fmt.Sprintf("create %s", filepath.Dir(destination)), Err: err}
	}
	if err := os.WriteFile(destination, substituted, 0o644); err != nil {
		return &ConfigError{Message: fmt.Sprintf("write %s", destination), Err: err}
	}

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
			Destination: destination,
			Source:      loaders.SourceRef{Module: moduleName, Path: sourcePath},
			Hash:        hash,
			Content:     content,
		}
		result.Resources = append(result.Resources, res)
		result.ByKind[loader.Kind()] = append(result.ByKind[loader.Kind()], res)
	}
	return nil
}

// copyDataFile carries a template-expansion sibling into the build dir
// verbatim.
func (b *Builder) copyDataFile(dir, moduleName, relPath string, opts Options) error {
	sourcePath := path.Join(moduleName, relPath)
	raw, err := os.ReadFile(filepath.Join(dir, path.Base(relPath)))
	if err != nil {
		return &ConfigError{Message: fmt.Sprintf("read data file %s", sourcePath), Err: err}
	}
	destination := filepath.Join(opts.BuildDir, moduleName, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return &ConfigError{Message: fmt.Sprintf("create %s", filepath.Dir(destination)), Err: err}
	}
	if err := os.WriteFile(destination, raw, 0o644); err != nil {
		return &ConfigError{Message: fmt.Sprintf("write %s", destination), Err: err}
	}
	return nil
}

// parseManifest accepts either a single mapping or a sequence of
// mappings.
func parseManifest(sourcePath string, text []byte) ([]map[string]any, error) {
	var doc any
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, &FormatError{File: sourcePath, Err: err}
	}

	switch v := doc.(type) {
	case map[string]any:
		return []map[string]any{v}, nil
	case []any:
		items := make([]map[string]any, 0, len(v))
		for i, entry := range v {
			m, ok := entry.(map[string]any)
			if !ok {
				return nil, &FormatError{File: sourcePath, Err: fmt.Errorf("item %d is not a mapping", i)}
			}
			items = append(items, m)
		}
		return items, nil
	case nil:
		return nil, nil
	default:
		return nil, &FormatError{File: sourcePath, Err: fmt.Errorf("document is neither a mapping nor a sequence")}
	}
}

// expandTemplate replicates a single-item manifest whose identifier is a
// bare placeholder token once per sibling data file, substituting the
// token with the data file's name stem. Sibling order is name order.
func expandTemplate(sourcePath string, loader loaders.Loader, items []map[string]any, dataFiles []string) ([]map[string]any, error) {
	if len(items) != 1 || len(dataFiles) == 0 {
		return items, nil
	}
	token := identifierToken(loader, items[0])
	if token == "" {
		return items, nil
	}

	expanded := make([]map[string]any, 0, len(dataFiles))
	for _, file := range dataFiles {
		stem := strings.TrimSuffix(file, filepath.Ext(file))
		expanded = append(expanded, replaceToken(items[0], token, stem).(map[string]any))
	}
	return expanded, nil
}

// identifierToken returns the placeholder token when the item's identity
// contains an unresolved placeholder.
func identifierToken(loader loaders.Loader, content map[string]any) string {
	id, err := loader.Identifier(content)
	if err != nil {
		return ""
	}
	return templateTokenPattern.FindString(id)
}

// replaceToken deep-copies content, replacing every occurrence of the
// token inside string values.
func replaceToken(v any, token, value string) any {
	switch t := v.(type) {
	case string:
		return strings.ReplaceAll(t, token, value)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, inner := range t {
			out[k] = replaceToken(inner, token, value)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, inner := range t {
			out[i] = replaceToken(inner, token, value)
		}
		return out
	default:
		return v
	}
}

func isNoLoader(err error) bool {
	return errors.Is(err, loaders.ErrNoLoader)
}
