// Package rules holds the per-entity conflict rules consulted by the smart
// conflict resolver.
package rules

import (
	"slices"

	"github.com/hyperengineering/reconcile/internal/types"
)

// DefaultVersionField is the optimistic-lock counter compared by the resolver.
const DefaultVersionField = "_version"

// VerdictKind selects how a validator verdict affects resolution.
type VerdictKind int

const (
	// VerdictManual forces the remote version and flags the record for review.
	VerdictManual VerdictKind = iota
	// VerdictRemoteWins forces the remote version without review.
	VerdictRemoteWins
	// VerdictDiagnostic reports a suspicious record; resolution continues.
	VerdictDiagnostic
)

// String returns the verdict kind name.
func (k VerdictKind) String() string {
	switch k {
	case VerdictManual:
		return "manual"
	case VerdictRemoteWins:
		return "remote-wins"
	case VerdictDiagnostic:
		return "diagnostic"
	default:
		return "unknown"
	}
}

// Verdict is a validator's decision about a pair of records.
type Verdict struct {
	Kind   VerdictKind
	Reason string
}

// Manual returns a VerdictManual with the given reason.
func Manual(reason string) *Verdict {
	return &Verdict{Kind: VerdictManual, Reason: reason}
}

// RemoteWins returns a VerdictRemoteWins with the given reason.
func RemoteWins(reason string) *Verdict {
	return &Verdict{Kind: VerdictRemoteWins, Reason: reason}
}

// Diagnostic returns a VerdictDiagnostic with the given reason.
func Diagnostic(reason string) *Verdict {
	return &Verdict{Kind: VerdictDiagnostic, Reason: reason}
}

// Validator inspects both full records before any merge. It returns nil
// when no special handling is needed.
type Validator func(local, remote types.Record) *Verdict

// Rule describes entity-aware resolution for one entity type.
type Rule struct {
	// Entity is the data type the rule applies to (e.g. "attempt_kuis").
	Entity string

	// ProtectedFields always keep the local value.
	ProtectedFields []string

	// ServerAuthoritativeFields always take the remote value.
	ServerAuthoritativeFields []string

	// ManualFields take the remote value and flag the record for review.
	ManualFields []string

	// VersionField names an entity-specific optimistic-lock counter checked
	// before DefaultVersionField.
	VersionField string

	// Validator is optional.
	Validator Validator
}

// IsProtected reports whether field always keeps the local value.
func (r Rule) IsProtected(field string) bool {
	return slices.Contains(r.ProtectedFields, field)
}

// IsServerAuthoritative reports whether field always takes the remote value.
func (r Rule) IsServerAuthoritative(field string) bool {
	return slices.Contains(r.ServerAuthoritativeFields, field)
}

// IsManual reports whether a conflict on field requires manual review.
func (r Rule) IsManual(field string) bool {
	return slices.Contains(r.ManualFields, field)
}

// VersionFields returns the counters to compare, most specific first.
// DefaultVersionField is always included.
func (r Rule) VersionFields() []string {
	if r.VersionField == "" || r.VersionField == DefaultVersionField {
		return []string{DefaultVersionField}
	}
	return []string{r.VersionField, DefaultVersionField}
}

// Validate runs the rule's validator, if any.
func (r Rule) Validate(local, remote types.Record) *Verdict {
	if r.Validator == nil {
		return nil
	}
	return r.Validator(local, remote)
}
