package platform

// Capability is a scoped permission required to act on a resource kind's
// instances at the platform. Scope narrows the permission to specific
// data sets or spaces; an all-scope capability covers every scoped one.
type Capability struct {
	// Name is the ACL name, e.g. "timeseries:write" or "raw:read".
	Name string `json:"name"`

	// Scope restricts the capability to specific identifiers.
	Scope CapabilityScope `json:"scope"`
}

// CapabilityScope describes what a capability applies to.
type CapabilityScope struct {
	// All grants the capability across the whole project.
	All bool `json:"all,omitempty"`

	// IDs lists the data set or space identifiers the capability is
	// limited to. Ignored when All is set.
	IDs []string `json:"ids,omitempty"`
}

// AllScope returns a project-wide scope.
func AllScope() CapabilityScope {
	return CapabilityScope{All: true}
}

// ScopeTo returns a scope limited to the given identifiers. An empty list
// falls back to the all scope: heterogeneous or unknown targets cannot be
// narrowed safely.
func ScopeTo(ids []string) CapabilityScope {
	if len(ids) == 0 {
		return AllScope()
	}
	return CapabilityScope{IDs: ids}
}

// Covers reports whether s satisfies the requirement req.
func (s CapabilityScope) Covers(req CapabilityScope) bool {
	if s.All {
		return true
	}
	if req.All {
		return false
	}
	held := make(map[string]struct{}, len(s.IDs))
	for _, id := range s.IDs {
		held[id] = struct{}{}
	}
	for _, id := range req.IDs {
		if _, ok := held[id]; !ok {
			return false
		}
	}
	return true
}

// CapabilitySet is the set of capabilities held by the current credentials.
type CapabilitySet []Capability

// Covers reports whether the set satisfies every required capability.
// A requirement is satisfied by any held capability with the same name
// whose scope covers the required scope.
func (cs CapabilitySet) Covers(required []Capability) bool {
	for _, req := range required {
		if !cs.coversOne(req) {
			return false
		}
	}
	return true
}

// Missing returns the subset of required capabilities the set does not hold.
func (cs CapabilitySet) Missing(required []Capability) []Capability {
	var missing []Capability
	for _, req := range required {
		if !cs.coversOne(req) {
			missing = append(missing, req)
		}
	}
	return missing
}

func (cs CapabilitySet) coversOne(req Capability) bool {
	for _, held := range cs {
		if held.Name == req.Name && held.Scope.Covers(req.Scope) {
			return true
		}
	}
	return false
}
