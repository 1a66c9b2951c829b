package policy

// defaultModules are the built-in guardrails, always safe to enable:
// they only constrain destructive runs against protected environments.
var defaultModules = map[string]string{
	"protected-environments": `package stratactl.guardrails.protected

import rego.v1

protected := {"prod", "production"}

deny contains msg if {
	input.mode == "clean"
	input.drop
	not input.dry_run
	protected[input.environment]
	msg := sprintf("refusing to drop configuration in protected environment %q", [input.environment])
}

deny contains msg if {
	input.drop_data
	not input.dry_run
	protected[input.environment]
	msg := sprintf("refusing to purge contained data in protected environment %q", [input.environment])
}
`,

	"named-environment": `package stratactl.guardrails.named

import rego.v1

deny contains msg if {
	input.mode == "clean"
	input.drop
	not input.dry_run
	input.environment == ""
	msg := "destructive runs require a named environment"
}
`,
}
