package ginternals

import (
	"bufio"
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/harlowlabs/gitcore/ginternals/githash"
	"golang.org/x/xerrors"
)

// PackedRefsEntry is a single ref/peeled pair parsed out of a
// packed-refs file, per spec §3 C12.
type PackedRefsEntry struct {
	Name   string
	Target githash.Oid
	// Peeled is the non-tag object the ref ultimately points to, if
	// the packed-refs file carried a "^<hex>" annotation for it.
	Peeled githash.Oid
}

// PackedRefs is a parsed, queryable view over a packed-refs file. It
// is immutable once built: a reference-store transaction builds the
// next snapshot and swaps it in, so concurrent readers always see a
// consistent copy-on-write view (spec §5).
type PackedRefs struct {
	// sorted records whether the file declared the "sorted" trait; if
	// false, Find falls back to a linear scan instead of assuming the
	// entries are ordered (spec §3 C12).
	sorted  bool
	traits  map[string]struct{}
	entries []PackedRefsEntry
}

// EmptyPackedRefs returns a PackedRefs with no entries, used when no
// packed-refs file exists on disk yet.
func EmptyPackedRefs() *PackedRefs {
	return &PackedRefs{traits: map[string]struct{}{}}
}

// ParsePackedRefs parses the content of a packed-refs file. It does
// not require the "sorted" trait to be present, but Find benefits
// from it.
func ParsePackedRefs(hash githash.Hash, r *bufio.Reader) (*PackedRefs, error) {
	pr := &PackedRefs{traits: map[string]struct{}{}}

	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		if line[0] == '#' {
			pr.parseHeader(line)
			continue
		}
		if line[0] == '^' {
			if len(pr.entries) == 0 {
				return nil, xerrors.Errorf("line %d: peel line with no preceding ref: %w", lineNo, ErrPackedRefInvalid)
			}
			peeled, err := hash.ConvertFromString(line[1:])
			if err != nil {
				return nil, xerrors.Errorf("line %d: invalid peeled oid: %w", lineNo, ErrPackedRefInvalid)
			}
			pr.entries[len(pr.entries)-1].Peeled = peeled
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			return nil, xerrors.Errorf("line %d: expected \"<oid> <name>\": %w", lineNo, ErrPackedRefInvalid)
		}
		oid, err := hash.ConvertFromString(parts[0])
		if err != nil {
			return nil, xerrors.Errorf("line %d: invalid oid %q: %w", lineNo, parts[0], ErrPackedRefInvalid)
		}
		pr.entries = append(pr.entries, PackedRefsEntry{Name: parts[1], Target: oid})
	}
	if err := sc.Err(); err != nil {
		return nil, xerrors.Errorf("could not scan packed-refs content: %w", err)
	}

	pr.sorted = pr.hasTrait("sorted")
	if pr.sorted {
		for i := 1; i < len(pr.entries); i++ {
			if pr.entries[i].Name <= pr.entries[i-1].Name {
				// The file claims to be sorted but isn't: tolerate it the
				// way spec §3 mandates ("absence of this trait is
				// tolerated but triggers linear scan") by downgrading to
				// a linear scan rather than failing the whole parse.
				pr.sorted = false
				break
			}
		}
	}

	return pr, nil
}

func (pr *PackedRefs) parseHeader(line string) {
	// "# pack-refs with: peeled fully-peeled sorted"
	const prefix = "# pack-refs with:"
	if !strings.HasPrefix(line, prefix) {
		return
	}
	for _, trait := range strings.Fields(strings.TrimPrefix(line, prefix)) {
		pr.traits[trait] = struct{}{}
	}
}

func (pr *PackedRefs) hasTrait(name string) bool {
	_, ok := pr.traits[name]
	return ok
}

// Find returns the entry for the given fully-qualified ref name, or
// false if it isn't present.
func (pr *PackedRefs) Find(name string) (PackedRefsEntry, bool) {
	if pr.sorted {
		i := sort.Search(len(pr.entries), func(i int) bool { return pr.entries[i].Name >= name })
		if i < len(pr.entries) && pr.entries[i].Name == name {
			return pr.entries[i], true
		}
		return PackedRefsEntry{}, false
	}
	for _, e := range pr.entries {
		if e.Name == name {
			return e, true
		}
	}
	return PackedRefsEntry{}, false
}

// Entries returns every parsed entry, in file order.
func (pr *PackedRefs) Entries() []PackedRefsEntry {
	return pr.entries
}

// Remove returns a new PackedRefs with the given ref names removed,
// used by a ref transaction committing a deletion that targets the
// packed-refs file.
func (pr *PackedRefs) Remove(names map[string]struct{}) *PackedRefs {
	out := &PackedRefs{sorted: pr.sorted, traits: pr.traits}
	for _, e := range pr.entries {
		if _, skip := names[e.Name]; skip {
			continue
		}
		out.entries = append(out.entries, e)
	}
	return out
}

// Upsert returns a new PackedRefs with the given entry inserted or
// replacing an existing entry of the same name, keeping the file
// sorted if it already was.
func (pr *PackedRefs) Upsert(entry PackedRefsEntry) *PackedRefs {
	out := &PackedRefs{sorted: pr.sorted, traits: pr.traits}
	inserted := false
	for _, e := range pr.entries {
		if e.Name == entry.Name {
			if !inserted {
				out.entries = append(out.entries, entry)
				inserted = true
			}
			continue
		}
		if pr.sorted && !inserted && entry.Name < e.Name {
			out.entries = append(out.entries, entry)
			inserted = true
		}
		out.entries = append(out.entries, e)
	}
	if !inserted {
		out.entries = append(out.entries, entry)
	}
	return out
}

// Serialize writes the packed-refs file back out, in the format spec
// §3 C12 describes: a header line declaring the traits this writer
// preserves, then one sorted "<oid> <name>" line per entry with an
// optional "^<oid>" peel line immediately after.
func (pr *PackedRefs) Serialize() []byte {
	var buf bytes.Buffer
	buf.WriteString("# pack-refs with: peeled fully-peeled sorted\n")

	entries := make([]PackedRefsEntry, len(pr.entries))
	copy(entries, pr.entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	for _, e := range entries {
		fmt.Fprintf(&buf, "%s %s\n", e.Target.String(), e.Name)
		if e.Peeled != nil && !e.Peeled.IsZero() {
			fmt.Fprintf(&buf, "^%s\n", e.Peeled.String())
		}
	}
	return buf.Bytes()
}
