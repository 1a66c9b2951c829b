// Package build resolves a tree of authored modules plus an environment
// variable set into concrete, variable-substituted resource manifests,
// and assigns every resulting resource instance to its kind loader.
package build

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// environmentsFileName is the per-organization variable file, expected at
// the organization root.
const environmentsFileName = "environments.yaml"

// moduleConfigFileName carries directory-scoped variable bindings; a
// binding applies to the directory and everything below it.
const moduleConfigFileName = "module.yaml"

// buildManifestFileName records {sourcePath: contentHash} per build.
const buildManifestFileName = "_build.manifest.yaml"

// EnvironmentsFile is the parsed environments.yaml.
type EnvironmentsFile struct {
	Environments map[string]Environment `yaml:"environments" validate:"required,min=1,dive"`
}

// Environment names the target project and carries the lowest-precedence
// variable defaults.
type Environment struct {
	// Project is the platform project this environment deploys into.
	Project string `yaml:"project" validate:"required"`

	// Variables are the environment-level defaults.
	Variables map[string]string `yaml:"variables"`
}

// moduleConfig is the parsed module.yaml of one directory.
type moduleConfig struct {
	// Variables bind names for every environment.
	Variables map[string]string `yaml:"variables"`

	// Environments bind names for a single environment, overriding
	// Variables for the same directory.
	Environments map[string]map[string]string `yaml:"environments"`
}

// LoadEnvironments reads and validates the organization's environment
// file and returns the selected environment.
func LoadEnvironments(organizationDir, envName string, validate *validator.Validate) (*Environment, error) {
	path := filepath.Join(organizationDir, environmentsFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("read %s", path), Err: err}
	}

	var file EnvironmentsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parse %s", path), Err: err}
	}
	if err := validate.Struct(&file); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("validate %s", path), Err: err}
	}

	env, ok := file.Environments[envName]
	if !ok {
		return nil, &ConfigError{Message: fmt.Sprintf("environment %q not defined in %s", envName, path)}
	}
	return &env, nil
}

func loadModuleConfig(dir string) (*moduleConfig, error) {
	path := filepath.Join(dir, moduleConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("read %s", path), Err: err}
	}

	var cfg moduleConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parse %s", path), Err: err}
	}
	return &cfg, nil
}
