// ============================================================================
// Capability Registry
// Responsibility:
// 1. Maintain the directory of registered capability descriptors
// 2. Enforce name immutability and explicit versioned upgrades
// 3. Gate scheduler visibility behind Activate (enabled flag)
// 4. Re-validate dependents on deregistration and auto-disable broken ones
// ============================================================================

package capability

import (
	"sort"
	"sync"
)

// InFlightProbe reports how many non-terminal jobs currently reference a
// capability. The scheduler installs it so upgrades can be refused while
// the old version is still executing.
type InFlightProbe func(name string) int

// InvalidateHook drops every cached result produced by a capability and
// returns how many entries were removed. The wiring layer installs it so
// Upgrade never leaves results computed by the replaced version servable.
type InvalidateHook func(name string) int

// record wraps a descriptor with its registry-managed state.
type record struct {
	desc    Descriptor
	enabled bool
	broken  string // non-empty when auto-disabled by lazy re-validation
	order   int    // registration order, for stable List output
}

// Registry is an in-memory directory mapping capability name to
// descriptor. It is constructed explicitly at process start and passed by
// reference to every component that needs it; there is no package-level
// singleton.
type Registry struct {
	mu         sync.RWMutex
	records    map[string]*record
	nextSeq    int
	inFlight   InFlightProbe
	invalidate InvalidateHook
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*record)}
}

// SetInFlightProbe installs the scheduler's in-flight job counter. Until
// set, upgrades are always permitted.
func (r *Registry) SetInFlightProbe(p InFlightProbe) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = p
}

// SetInvalidateHook installs the result-cache invalidation hook invoked
// after a successful Upgrade.
func (r *Registry) SetInvalidateHook(h InvalidateHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidate = h
}

// Register adds a new descriptor. The descriptor starts disabled; it
// becomes schedulable only after Activate. Fails with KindDuplicate when
// the name is already present and KindInvalid when the descriptor is
// structurally unusable.
func (r *Registry) Register(d Descriptor) error {
	if err := checkDescriptor(d); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[d.Name]; exists {
		return newError(KindDuplicate, "capability %q already registered", d.Name)
	}

	r.records[d.Name] = &record{desc: d, order: r.nextSeq}
	r.nextSeq++
	return nil
}

// Upgrade replaces an existing descriptor with a new version. It is
// refused while any in-flight job still references the old version. On
// success the installed invalidation hook drops the capability's cached
// results so nothing computed by the old version stays servable. The
// replacement keeps the original registration order and starts disabled
// until re-activated.
func (r *Registry) Upgrade(d Descriptor) error {
	if err := checkDescriptor(d); err != nil {
		return err
	}

	r.mu.Lock()

	old, exists := r.records[d.Name]
	if !exists {
		r.mu.Unlock()
		return newError(KindUnknown, "capability %q not registered", d.Name)
	}
	if r.inFlight != nil {
		if n := r.inFlight(d.Name); n > 0 {
			version := old.desc.Version
			r.mu.Unlock()
			return newError(KindUpgradeBlocked,
				"capability %q has %d in-flight jobs on version %s", d.Name, n, version)
		}
	}

	r.records[d.Name] = &record{desc: d, order: old.order}
	hook := r.invalidate
	r.mu.Unlock()

	if hook != nil {
		hook(d.Name)
	}
	return nil
}

// Activate marks a registered descriptor enabled. Only activated
// descriptors are visible to the scheduler's capability lookup.
// Activation is the validation gate: a descriptor whose dependency
// closure does not resolve, or that participates in a cycle, is refused
// and recorded as broken instead of becoming schedulable.
func (r *Registry) Activate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[name]
	if !exists {
		return newError(KindUnknown, "capability %q not registered", name)
	}
	if err := r.validateLocked(rec.desc); err != nil {
		rec.enabled = false
		rec.broken = err.Error()
		return err
	}
	rec.enabled = true
	rec.broken = ""
	return nil
}

// Deactivate disables a capability without removing it.
func (r *Registry) Deactivate(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.records[name]
	if !exists {
		return newError(KindUnknown, "capability %q not registered", name)
	}
	rec.enabled = false
	return nil
}

// Deregister removes a capability and lazily re-validates everything left
// behind: capabilities whose dependency set no longer resolves are
// auto-disabled (not removed) with a broken reason surfaced via List.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[name]; !exists {
		return newError(KindUnknown, "capability %q not registered", name)
	}
	delete(r.records, name)

	for _, rec := range r.records {
		if err := r.validateLocked(rec.desc); err != nil {
			rec.enabled = false
			rec.broken = err.Error()
		}
	}
	return nil
}

// Resolve returns the runner and declared services for an activated
// capability. Disabled or unknown names fail with KindUnknown: from the
// scheduler's point of view a disabled capability does not exist.
func (r *Registry) Resolve(name string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[name]
	if !exists || !rec.enabled {
		return nil, newError(KindUnknown, "capability %q not found or not enabled", name)
	}
	return rec.desc.EntryPoint, nil
}

// Service looks up a named sub-service handle declared by a capability.
func (r *Registry) Service(capability, service string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[capability]
	if !exists || !rec.enabled {
		return nil, false
	}
	handle, ok := rec.desc.DeclaredServices[service]
	return handle, ok
}

// Describe returns the read-only view of one capability.
func (r *Registry) Describe(name string) (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, exists := r.records[name]
	if !exists {
		return Info{}, newError(KindUnknown, "capability %q not registered", name)
	}
	return rec.info(), nil
}

// List returns all registered capabilities in registration order, for
// deterministic enumeration in tests and UIs.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].order < recs[j].order })

	out := make([]Info, len(recs))
	for i, rec := range recs {
		out[i] = rec.info()
	}
	return out
}

func (rec *record) info() Info {
	services := make([]string, 0, len(rec.desc.DeclaredServices))
	for name := range rec.desc.DeclaredServices {
		services = append(services, name)
	}
	sort.Strings(services)
	return Info{
		Name:         rec.desc.Name,
		Version:      rec.desc.Version,
		Dependencies: append([]string(nil), rec.desc.Dependencies...),
		Services:     services,
		Enabled:      rec.enabled,
		BrokenReason: rec.broken,
	}
}

// checkDescriptor enforces the structural invariants shared by Register
// and Upgrade.
func checkDescriptor(d Descriptor) error {
	if d.Name == "" {
		return newError(KindInvalid, "descriptor name must not be empty")
	}
	if d.EntryPoint == nil {
		return newError(KindInvalid, "descriptor %q has no entry point", d.Name)
	}
	return nil
}
