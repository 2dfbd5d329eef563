// ============================================================================
// Descriptor Validator
// Responsibility:
// 1. Check a candidate descriptor's dependencies against the registry,
//    reporting the complete missing set in one pass
// 2. Detect cycles across the full dependency graph implied by all
//    registered descriptors plus the candidate
// ============================================================================

package capability

import "sort"

// Validator checks descriptors for dependency satisfaction before
// activation. It holds the registry it validates against.
type Validator struct {
	registry *Registry
}

// NewValidator creates a validator bound to the given registry.
func NewValidator(r *Registry) *Validator {
	return &Validator{registry: r}
}

// Validate checks the candidate's dependency closure. It fails with
// KindUnresolved listing every missing dependency (so the caller can fix
// them all at once) or KindCyclic naming the cycle.
func (v *Validator) Validate(d Descriptor) error {
	v.registry.mu.RLock()
	defer v.registry.mu.RUnlock()
	return v.registry.validateLocked(d)
}

// validateLocked runs dependency and cycle checks with r.mu already held.
// The candidate d overlays the registered graph, which covers both
// pre-registration validation and lazy re-validation of an
// already-registered descriptor.
func (r *Registry) validateLocked(d Descriptor) error {
	var missing []string
	for _, dep := range d.Dependencies {
		if dep == d.Name {
			return &Error{
				Kind:    KindCyclic,
				Message: "dependency cycle detected",
				Cycle:   []string{d.Name, d.Name},
			}
		}
		if _, exists := r.records[dep]; !exists {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return &Error{
			Kind:    KindUnresolved,
			Message: "unresolved dependencies for " + d.Name,
			Missing: missing,
		}
	}

	// Cycle detection over the registered graph with the candidate
	// overlaid. DFS coloring: 0 unvisited, 1 on stack, 2 done.
	deps := func(name string) []string {
		if name == d.Name {
			return d.Dependencies
		}
		if rec, exists := r.records[name]; exists {
			return rec.desc.Dependencies
		}
		return nil
	}

	color := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(name string) bool
	visit = func(name string) bool {
		color[name] = 1
		stack = append(stack, name)
		for _, dep := range deps(name) {
			switch color[dep] {
			case 1:
				// Found the back edge; slice the cycle out of the stack.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case 0:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = 2
		return false
	}

	if visit(d.Name) {
		return &Error{Kind: KindCyclic, Message: "dependency cycle detected", Cycle: cycle}
	}
	return nil
}
