package ginternals

import (
	"errors"

	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/object"
)

var (
	// ErrExpectedValueMismatch is returned when a RefEdit's expected
	// previous value doesn't match the reference's actual value.
	ErrExpectedValueMismatch = errors.New("reference did not have the expected value")
	// ErrSymbolicTargetInvalid is returned when a Target's symbolic
	// name isn't a valid reference name.
	ErrSymbolicTargetInvalid = errors.New("symbolic target is not a valid reference name")
	// ErrWriteAfterFinalize is returned when an edit is appended to a
	// transaction that has already been committed.
	ErrWriteAfterFinalize = errors.New("cannot add an edit to an already-committed transaction")
)

// TargetKind discriminates the two shapes a reference's desired value
// can take (spec §9 "Symbolic/peeled reference variants").
type TargetKind int8

const (
	// TargetPeeled means the reference should point directly at an Oid.
	TargetPeeled TargetKind = iota
	// TargetSymbolic means the reference should point at another
	// reference name.
	TargetSymbolic
)

// Target is a tagged sum type: Peeled(oid) | Symbolic(name).
type Target struct {
	Kind    TargetKind
	Oid     githash.Oid
	RefName string
}

// PeeledTarget returns a Target pointing directly at oid.
func PeeledTarget(oid githash.Oid) Target {
	return Target{Kind: TargetPeeled, Oid: oid}
}

// SymbolicTargetValue returns a Target pointing at another reference.
func SymbolicTargetValue(name string) Target {
	return Target{Kind: TargetSymbolic, RefName: name}
}

// PreviousValueKind discriminates the precondition a RefEdit places
// on a reference's current value, per spec §4.11.
type PreviousValueKind int8

const (
	// PreviousAny means no precondition; the edit always applies.
	PreviousAny PreviousValueKind = iota
	// PreviousMustNotExist requires the reference not to exist yet.
	PreviousMustNotExist
	// PreviousMustExist requires the reference to already exist, with
	// any value.
	PreviousMustExist
	// PreviousExistingMustMatch requires that, IF the reference
	// exists, its value equals Target (a no-op precondition when the
	// ref doesn't exist yet).
	PreviousExistingMustMatch
	// PreviousMustExistAndMatch requires the reference to exist AND
	// have the given value.
	PreviousMustExistAndMatch
)

// PreviousValue is the precondition attached to a RefEdit.
type PreviousValue struct {
	Kind   PreviousValueKind
	Target Target
}

// Any is the always-true precondition.
func Any() PreviousValue { return PreviousValue{Kind: PreviousAny} }

// MustNotExist requires the ref to not exist.
func MustNotExist() PreviousValue { return PreviousValue{Kind: PreviousMustNotExist} }

// MustExist requires the ref to exist, with any value.
func MustExist() PreviousValue { return PreviousValue{Kind: PreviousMustExist} }

// ExistingMustMatch requires that, if the ref exists, it has value t.
func ExistingMustMatch(t Target) PreviousValue {
	return PreviousValue{Kind: PreviousExistingMustMatch, Target: t}
}

// MustExistAndMatch requires the ref to exist and have value t.
func MustExistAndMatch(t Target) PreviousValue {
	return PreviousValue{Kind: PreviousMustExistAndMatch, Target: t}
}

// LogChange describes how a RefEdit should affect the ref's reflog.
type LogChange struct {
	// Signature identifies who made the change; recorded verbatim on
	// the appended reflog line.
	Signature object.Signature
	// Message is the reflog message to record. An empty message with
	// NoLog unset still appends a line (with no tab-separated message
	// segment).
	Message string
	// NoLog, when true, suppresses the reflog append entirely for
	// this edit even if the ref's Category would normally auto-create
	// one.
	NoLog bool
	// ForceCreate forces the reflog file (and its parent directories)
	// into existence even for a Category that doesn't auto-create one.
	ForceCreate bool
}

// ChangeKind discriminates a RefEdit's Update/Delete shape.
type ChangeKind int8

const (
	// ChangeUpdate sets name to New, subject to Expected.
	ChangeUpdate ChangeKind = iota
	// ChangeDelete removes name, subject to Expected.
	ChangeDelete
)

// Change is the Update/Delete sum type from spec §4.11.
type Change struct {
	Kind     ChangeKind
	Expected PreviousValue
	New      Target // only meaningful for ChangeUpdate
	Log      LogChange
}

// RefEdit is one entry in a transaction's edit batch.
type RefEdit struct {
	Name   string
	Change Change
	// Deref, when true, expands this edit through name's symbolic
	// chain: every intermediate symref gets a log-only entry, and the
	// edit itself is applied to the final, non-symbolic reference
	// (spec §4.11 step 1).
	Deref bool
}
