package ginternals

import "strings"

// Category classifies a fully-qualified reference name into one of
// the buckets git itself recognizes. See spec §4.9.
type Category int8

const (
	// CategoryUnknown is returned for anything that doesn't match one
	// of the known shapes below.
	CategoryUnknown Category = iota
	// CategoryTag is refs/tags/<name>
	CategoryTag
	// CategoryLocalBranch is refs/heads/<name>
	CategoryLocalBranch
	// CategoryRemoteBranch is refs/remotes/<remote>/<name>
	CategoryRemoteBranch
	// CategoryNote is refs/notes/<name>
	CategoryNote
	// CategoryBisect is refs/bisect/<name>
	CategoryBisect
	// CategoryRewritten is refs/rewritten/<name>
	CategoryRewritten
	// CategoryWorktreePrivate is refs/worktree/<name>
	CategoryWorktreePrivate
	// CategoryMainPseudoRef is main-worktree/<PSEUDOREF>
	CategoryMainPseudoRef
	// CategoryMainRef is main-worktree/<rest>, anything else under
	// main-worktree/
	CategoryMainRef
	// CategoryLinkedPseudoRef is worktrees/<name>/<PSEUDOREF>
	CategoryLinkedPseudoRef
	// CategoryLinkedRef is worktrees/<name>/<rest>
	CategoryLinkedRef
	// CategoryPseudoRef is an all-uppercase-with-underscore name like
	// HEAD, FETCH_HEAD, MERGE_HEAD, ORIG_HEAD
	CategoryPseudoRef
)

// CategorizeRef returns the Category of a fully-qualified reference
// name plus its "short name" (the part of the name that remains
// meaningful once the category's fixed prefix is stripped).
func CategorizeRef(name string) (cat Category, shortName string) {
	switch {
	case strings.HasPrefix(name, "refs/tags/"):
		return CategoryTag, strings.TrimPrefix(name, "refs/tags/")
	case strings.HasPrefix(name, "refs/heads/"):
		return CategoryLocalBranch, strings.TrimPrefix(name, "refs/heads/")
	case strings.HasPrefix(name, "refs/remotes/"):
		return CategoryRemoteBranch, strings.TrimPrefix(name, "refs/remotes/")
	case strings.HasPrefix(name, "refs/notes/"):
		return CategoryNote, strings.TrimPrefix(name, "refs/notes/")
	case strings.HasPrefix(name, "refs/bisect/"):
		return CategoryBisect, strings.TrimPrefix(name, "refs/bisect/")
	case strings.HasPrefix(name, "refs/rewritten/"):
		return CategoryRewritten, strings.TrimPrefix(name, "refs/rewritten/")
	case strings.HasPrefix(name, "refs/worktree/"):
		return CategoryWorktreePrivate, strings.TrimPrefix(name, "refs/worktree/")
	case strings.HasPrefix(name, "main-worktree/"):
		rest := strings.TrimPrefix(name, "main-worktree/")
		if isPseudoRefName(rest) {
			return CategoryMainPseudoRef, rest
		}
		return CategoryMainRef, rest
	case strings.HasPrefix(name, "worktrees/"):
		rest := strings.TrimPrefix(name, "worktrees/")
		parts := strings.SplitN(rest, "/", 2)
		if len(parts) != 2 {
			return CategoryUnknown, ""
		}
		if isPseudoRefName(parts[1]) {
			return CategoryLinkedPseudoRef, parts[1]
		}
		return CategoryLinkedRef, parts[1]
	case isPseudoRefName(name):
		return CategoryPseudoRef, name
	default:
		return CategoryUnknown, name
	}
}

// isPseudoRefName matches names made up only of uppercase letters and
// underscores, e.g. HEAD, FETCH_HEAD, MERGE_HEAD, ORIG_HEAD.
func isPseudoRefName(name string) bool {
	if name == "" {
		return false
	}
	for _, c := range name {
		if !(c == '_' || (c >= 'A' && c <= 'Z')) {
			return false
		}
	}
	return true
}

// AutoCreatesReflog returns whether the reflog auto-create policy
// (core.logallrefupdates) applies to the given category, matching
// spec §4.9's enumerated set of refs/heads/*, refs/remotes/*,
// refs/notes/*, refs/worktree/* and HEAD.
func AutoCreatesReflog(cat Category, name string) bool {
	switch cat {
	case CategoryLocalBranch, CategoryRemoteBranch, CategoryNote, CategoryWorktreePrivate:
		return true
	case CategoryPseudoRef:
		return name == Head
	default:
		return false
	}
}
