// Package policy evaluates Rego guardrails against a run before anything
// is written to the platform. Each policy module contributes a deny set;
// a non-empty set blocks the run.
package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Violation is one deny result from a policy module.
type Violation struct {
	Policy  string `json:"policy"`
	Message string `json:"message"`
}

// DeniedError is returned by Evaluate when at least one policy denies
// the run.
type DeniedError struct {
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return fmt.Sprintf("%d policy violation(s): %s", len(e.Violations), strings.Join(msgs, "; "))
}

type preparedPolicy struct {
	name  string
	query rego.PreparedEvalQuery
}

// Gate holds the compiled policy modules for one process.
type Gate struct {
	logger   zerolog.Logger
	policies []preparedPolicy
}

// NewGate creates an empty gate. Load modules with LoadDir or LoadModule.
func NewGate(logger zerolog.Logger) *Gate {
	return &Gate{
		logger: logger.With().Str("component", "policy-gate").Logger(),
	}
}

// Len returns the number of loaded policy modules.
func (g *Gate) Len() int {
	return len(g.policies)
}

// LoadDefaults compiles the built-in guardrails.
func (g *Gate) LoadDefaults(ctx context.Context) error {
	names := make([]string, 0, len(defaultModules))
	for name := range defaultModules {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := g.LoadModule(ctx, name, defaultModules[name]); err != nil {
			return err
		}
	}
	return nil
}

// LoadDir compiles every .rego file under dir, recursively.
func (g *Gate) LoadDir(ctx context.Context, dir string) error {
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".rego") {
			return nil
		}
		source, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
		name := strings.TrimSuffix(filepath.Base(path), ".rego")
		return g.LoadModule(ctx, name, string(source))
	})
	if err != nil {
		return fmt.Errorf("failed to load policies from %s: %w", dir, err)
	}
	g.logger.Info().Str("dir", dir).Int("policies", len(g.policies)).Msg("policies loaded")
	return nil
}

// LoadModule compiles one Rego module and registers its deny set.
func (g *Gate) LoadModule(ctx context.Context, name, source string) error {
	pkg := packageName(source)
	if pkg == "" {
		return fmt.Errorf("policy %s has no package declaration", name)
	}

	query, err := rego.New(
		rego.Module(name, source),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to compile policy %s: %w", name, err)
	}

	g.policies = append(g.policies, preparedPolicy{name: name, query: query})
	g.logger.Debug().Str("policy", name).Str("package", pkg).Msg("policy compiled")
	return nil
}

// Evaluate runs every policy against the input and collects the deny
// sets. A module that fails to evaluate blocks the run too.
func (g *Gate) Evaluate(ctx context.Context, input map[string]any) error {
	var violations []Violation
	for _, p := range g.policies {
		results, err := p.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return fmt.Errorf("policy %s evaluation failed: %w", p.name, err)
		}
		for _, result := range results {
			for _, expr := range result.Expressions {
				denies, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, deny := range denies {
					violations = append(violations, toViolation(p.name, deny))
				}
			}
		}
	}
	if len(violations) > 0 {
		return &DeniedError{Violations: violations}
	}
	return nil
}

func toViolation(policy string, deny any) Violation {
	v := Violation{Policy: policy}
	switch d := deny.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		} else {
			v.Message = fmt.Sprintf("%v", d)
		}
	default:
		v.Message = fmt.Sprintf("%v", deny)
	}
	return v
}

// packageName extracts the package path from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return ""
}
