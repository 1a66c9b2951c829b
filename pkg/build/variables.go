package build

import (
	"bufio"
	"regexp"
	"strings"
)

// placeholderPattern matches {{name}} tokens. Substitution is verbatim
// string replacement, not structural.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// optionalVariablesPrefix marks a header comment listing placeholders the
// manifest tolerates staying unresolved.
const optionalVariablesPrefix = "# optional-variables:"

// scope is the variable resolution chain for one directory: the nearest
// directory's bindings shadow its ancestors', which shadow the
// environment defaults. Within one directory an environment-specific
// binding shadows the generic one.
type scope struct {
	parent   *scope
	env      string
	generic  map[string]string
	specific map[string]string
}

func newEnvScope(env *Environment, envName string) *scope {
	return &scope{env: envName, generic: env.Variables}
}

// push derives a child scope from a directory's module.yaml. A nil config
// shares the parent's bindings.
func (s *scope) push(cfg *moduleConfig) *scope {
	if cfg == nil {
		return s
	}
	return &scope{
		parent:   s,
		env:      s.env,
		generic:  cfg.Variables,
		specific: cfg.Environments[s.env],
	}
}

func (s *scope) lookup(name string) (string, bool) {
	for cur := s; cur != nil; cur = cur.parent {
		if v, ok := cur.specific[name]; ok {
			return v, true
		}
		if v, ok := cur.generic[name]; ok {
			return v, true
		}
	}
	return "", false
}

// substitute replaces every placeholder in text with its binding.
// Placeholders listed in the optional-variables header stay verbatim when
// unbound; any other unbound placeholder fails with a TemplateError.
func (s *scope) substitute(file string, text []byte) ([]byte, error) {
	optional := optionalVariables(text)

	var missing string
	out := placeholderPattern.ReplaceAllFunc(text, func(token []byte) []byte {
		name := string(placeholderPattern.FindSubmatch(token)[1])
		if v, ok := s.lookup(name); ok {
			return []byte(v)
		}
		if _, ok := optional[name]; ok {
			return token
		}
		if missing == "" {
			missing = name
		}
		return token
	})
	if missing != "" {
		return nil, &TemplateError{File: file, Variable: missing}
	}
	return out, nil
}

// optionalVariables scans the leading comment block for an
// optional-variables header and returns the names it lists.
func optionalVariables(text []byte) map[string]struct{} {
	names := make(map[string]struct{})
	scanner := bufio.NewScanner(strings.NewReader(string(text)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "#") {
			break
		}
		if !strings.HasPrefix(line, optionalVariablesPrefix) {
			continue
		}
		list := strings.TrimPrefix(line, optionalVariablesPrefix)
		for _, name := range strings.Split(list, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names[name] = struct{}{}
			}
		}
	}
	return names
}
