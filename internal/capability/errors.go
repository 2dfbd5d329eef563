package capability

// ============================================================================
// Registration error taxonomy
// Responsibility: Stable machine-readable kinds plus human-readable messages
// for every registration and validation failure.
// ============================================================================

import (
	"fmt"
	"strings"
)

// Kind is the stable machine-readable classification of a registration
// error.
type Kind string

const (
	KindDuplicate      Kind = "duplicate_capability"
	KindInvalid        Kind = "invalid_descriptor"
	KindUnresolved     Kind = "unresolved_dependency"
	KindCyclic         Kind = "cyclic_dependency"
	KindUnknown        Kind = "unknown_capability"
	KindUpgradeBlocked Kind = "upgrade_blocked"
)

// Error is the typed registration/validation error. Missing and Cycle are
// populated for the kinds that carry them so callers can fix everything in
// one pass.
type Error struct {
	Kind    Kind
	Message string

	// Missing lists every unresolved dependency name, not just the first.
	Missing []string

	// Cycle names the capabilities forming a dependency cycle, in order.
	Cycle []string
}

func (e *Error) Error() string {
	switch {
	case len(e.Missing) > 0:
		return fmt.Sprintf("%s: %s: missing [%s]", e.Kind, e.Message, strings.Join(e.Missing, ", "))
	case len(e.Cycle) > 0:
		return fmt.Sprintf("%s: %s: cycle %s", e.Kind, e.Message, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// IsKind reports whether err is a capability Error of the given kind.
func IsKind(err error, kind Kind) bool {
	ce, ok := err.(*Error)
	return ok && ce.Kind == kind
}

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
