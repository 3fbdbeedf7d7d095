package backend

import (
	"errors"
	"fmt"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/object"
	"github.com/harlowlabs/gitcore/ginternals/packfile"
)

var (
	// ErrTooManyIndirections is returned when following a chain of
	// symbolic references exceeds the configured depth (spec §4.9
	// "exceeding depth yields TooManyIndirections").
	ErrTooManyIndirections = errors.New("too many levels of symbolic reference indirection")
	// ErrCycleDetected is returned when a chain of symbolic references
	// loops back on itself.
	ErrCycleDetected = errors.New("cyclic symbolic reference")
	// ErrAmbiguousOid is returned by ResolvePrefix when more than one
	// object matches the given prefix.
	ErrAmbiguousOid = errors.New("ambiguous object prefix")
)

// ResolvePrefix resolves a partial oid against every loose object and
// every packfile known to this backend, returning the single matching
// oid. It returns ginternals.ErrObjectNotFound if nothing matches and
// ErrAmbiguousOid (with every match, for a caller that wants to report
// them) if more than one object shares the prefix.
func (b *FSBackend) ResolvePrefix(prefix githash.Prefix) (githash.Oid, []githash.Oid, error) {
	matches := map[string]githash.Oid{}

	b.looseObjects.Range(func(key, _ interface{}) bool {
		oid := key.(githash.Oid) //nolint:forcetypeassert // looseObjects only ever stores githash.Oid keys
		if prefix.CmpOid(oid) == githash.PrefixEqual {
			matches[oid.String()] = oid
		}
		return true
	})

	for _, pack := range b.packfiles {
		var all []githash.Oid
		result, oid, err := pack.LookupPrefix(prefix, &all)
		if err != nil {
			return nil, nil, fmt.Errorf("could not look up prefix in packfile: %w", err)
		}
		switch result {
		case packfile.PrefixSingle:
			matches[oid.String()] = oid
		case packfile.PrefixAmbiguous:
			for _, o := range all {
				matches[o.String()] = o
			}
		case packfile.PrefixNone:
		}
	}

	switch len(matches) {
	case 0:
		return nil, nil, fmt.Errorf(`no object matches prefix "%s": %w`, prefix.String(), ginternals.ErrObjectNotFound)
	case 1:
		for _, oid := range matches {
			return oid, nil, nil
		}
	}

	all := make([]githash.Oid, 0, len(matches))
	for _, oid := range matches {
		all = append(all, oid)
	}
	return nil, all, fmt.Errorf(`prefix "%s" matches %d objects: %w`, prefix.String(), len(all), ErrAmbiguousOid)
}

// DefaultMaxIndirections is the default bound on symbolic-reference
// chain depth used by PeelReference, matching spec §4.9's "bounded
// depth (default 5; configurable)".
const DefaultMaxIndirections = 5

// refCandidates expands a partial reference name into the ordered
// list of fully-qualified names find() tries, per spec §4.9:
// exact, refs/, refs/tags/, refs/heads/, refs/remotes/, then the
// special refs/remotes/<name>/HEAD form.
func refCandidates(partial string) []string {
	return []string{
		partial,
		"refs/" + partial,
		"refs/tags/" + partial,
		"refs/heads/" + partial,
		"refs/remotes/" + partial,
		"refs/remotes/" + partial + "/HEAD",
	}
}

// FindReference expands partialName into its candidate full names (in
// the order spec §4.9 defines) and returns the first one that
// resolves, preserving its original (possibly symbolic) form. A
// candidate that doesn't exist is skipped; any other error aborts the
// search and is returned as-is.
func (b *FSBackend) FindReference(partialName string) (*ginternals.Reference, error) {
	for _, candidate := range refCandidates(partialName) {
		if !ginternals.IsRefNameValid(candidate) {
			continue
		}
		ref, err := b.Reference(candidate)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, ginternals.ErrRefNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf(`no reference matches "%s": %w`, partialName, ginternals.ErrRefNotFound)
}

// PeelReference follows name's symbolic chain (if any), up to
// maxIndirections levels (<=0 uses DefaultMaxIndirections), then, if
// peelTags is set, repeatedly loads the resulting object and follows
// Tag.Target() until a non-tag object is reached. It implements
// peel_to_id_in_place from spec §4.9.
//
// The chain is walked hop-by-hop over the raw, un-resolved ref
// content (the same symbolicChain helper a ref transaction uses)
// rather than through Reference, which resolves a whole chain in one
// recursive call: doing so here would let an inner call's own,
// independently-seeded cycle guard swallow the cycle before this
// function's bounded, hop-by-hop walk ever saw more than one name.
func (b *FSBackend) PeelReference(name string, peelTags bool, maxIndirections int) (githash.Oid, error) {
	_, finalName, err := b.symbolicChain(name, maxIndirections)
	if err != nil {
		return nil, err
	}

	target, exists, err := b.currentTarget(finalName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf(`ref "%s": %w`, finalName, ginternals.ErrRefNotFound)
	}
	if target.Kind != ginternals.TargetPeeled {
		return nil, fmt.Errorf(`ref "%s": %w`, finalName, ginternals.ErrRefInvalid)
	}
	oid := target.Oid

	if !peelTags {
		return oid, nil
	}

	for {
		o, err := b.Object(oid)
		if err != nil {
			return nil, fmt.Errorf(`could not peel "%s": %w`, name, err)
		}
		if o.Type() != object.TypeTag {
			return oid, nil
		}
		tag, err := o.AsTag()
		if err != nil {
			return nil, fmt.Errorf(`could not peel "%s": %w`, name, err)
		}
		oid = tag.Target()
	}
}

// PeeledTarget returns the cached peeled target for a ref from the
// packed-refs store, if that ref is packed and the file carried a
// "^<oid>" annotation for it (spec §3 C12's peeled-tag cache). The
// second return value is false when there's no cached peel, meaning
// the caller must fall back to walking the tag chain itself.
func (b *FSBackend) PeeledTarget(name string) (githash.Oid, bool) {
	entry, ok := b.packedRefsSnapshot().Find(name)
	if !ok || entry.Peeled == nil || entry.Peeled.IsZero() {
		return nil, false
	}
	return entry.Peeled, true
}
