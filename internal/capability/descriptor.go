// ============================================================================
// Capability Descriptor
// Responsibility: Define the registration contract every analysis capability
// fulfils, and the execution contract the scheduler invokes.
// ============================================================================

package capability

import (
	"context"
	"encoding/json"

	"github.com/visvikbharti/stickforstats-sub000/pkg/types"
)

// ProgressFunc reports execution progress back to the scheduler.
// percent must be within 0-100 and non-decreasing; the scheduler drops
// violations rather than propagating them.
type ProgressFunc func(percent int, message string)

// Request carries everything a capability needs to execute one job.
// Parameters and InputRef are opaque to the core.
type Request struct {
	JobID      types.JobID
	Parameters json.RawMessage
	InputRef   string
	InputData  []byte
	Principal  string
}

// Runner is the execution contract the scheduler invokes. Implementations
// must poll ctx.Done() at safe points: the core never preempts a running
// capability, it only requests cooperative cancellation.
type Runner interface {
	Run(ctx context.Context, req Request, progress ProgressFunc) (json.RawMessage, error)
}

// RunnerFunc adapts a plain function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request, progress ProgressFunc) (json.RawMessage, error)

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, req Request, progress ProgressFunc) (json.RawMessage, error) {
	return f(ctx, req, progress)
}

// Descriptor describes one analysis capability's identity, dependencies
// and entry points. Name is immutable once registered.
type Descriptor struct {
	// Name uniquely identifies the capability in the registry.
	Name string

	// Version is a semantic version string. Upgrades replace the
	// registered descriptor only when no in-flight jobs reference the
	// old version.
	Version string

	// Dependencies lists capability names that must already be
	// registered before this descriptor validates.
	Dependencies []string

	// EntryPoint is invoked by the scheduler to execute work. The core
	// never inspects it beyond calling Run.
	EntryPoint Runner

	// DeclaredServices exposes named sub-service handles for
	// cross-capability calls. Handles are opaque to the core.
	DeclaredServices map[string]any
}

// Info is the read-only view of a registered capability returned by
// Describe and List.
type Info struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	Dependencies []string `json:"dependencies,omitempty"`
	Services     []string `json:"services,omitempty"`
	Enabled      bool     `json:"enabled"`
	BrokenReason string   `json:"broken_reason,omitempty"`
}
