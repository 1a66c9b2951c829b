package build

import "fmt"

// ConfigError reports a problem with the organization layout or the
// environment configuration, before any manifest is touched.
type ConfigError struct {
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Message, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TemplateError reports a required placeholder with no binding in scope.
type TemplateError struct {
	File     string
	Variable string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template: %s: no binding for variable %q", e.File, e.Variable)
}

// FormatError reports a manifest whose substituted text does not parse
// for its kind.
type FormatError struct {
	File string
	Err  error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format: %s: %v", e.File, e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }
