// Package commitgraph reads the chunked commit-graph file described
// in spec §3/§4.6 (C7): a generation-number-annotated index of commit
// metadata that lets traversal skip parsing full commit objects.
package commitgraph

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/harlowlabs/gitcore/ginternals/githash"
	"golang.org/x/xerrors"
)

// GenerationInfinity is the sentinel generation number meaning "no
// graph acceleration available" for a commit not covered by the
// graph. It dominates every comparison a priority queue makes between
// a graph-backed commit and one outside the graph.
const GenerationInfinity uint32 = 0xFFFF_FFFF

const (
	noParent       = 0x7000_0000
	extraEdgeBit   = 0x8000_0000
	extraEdgeLast  = 0x8000_0000
	extraEdgeIndex = 0x7FFF_FFFF
	generationMask = 0xFFFF_FFFF
)

var (
	chunkFanout  = [4]byte{'O', 'I', 'D', 'F'}
	chunkOids    = [4]byte{'O', 'I', 'D', 'L'}
	chunkCommits = [4]byte{'C', 'D', 'A', 'T'}
	chunkExtra   = [4]byte{'E', 'D', 'G', 'E'}
)

func graphMagic() []byte { return []byte{'C', 'G', 'P', 'H'} }

// Errors surfaced while reading a commit-graph file.
var (
	ErrInvalidMagic        = errors.New("invalid commit-graph magic")
	ErrInvalidVersion      = errors.New("invalid commit-graph version")
	ErrGraphInvalid        = errors.New("invalid commit-graph")
	ErrSecondWithoutFirst  = errors.New("commit has a second parent but no first parent")
	ErrFirstIsExtraEdge    = errors.New("commit's first parent field is itself an extra-edge index")
	ErrExtraEdgesOverflow  = errors.New("extra-edges list overflowed its chunk")
	ErrFanoutNonMonotonic  = errors.New("commit-graph fanout is not monotonically non-decreasing")
	ErrNotSorted           = errors.New("commit-graph oids are not sorted")
	ErrPositionOutOfBounds = errors.New("commit position out of bounds")
)

// Position is a zero-based index of a commit within the graph, in
// the same order as the sorted OIDL chunk.
type Position uint32

// ParentEdgeKind discriminates the three shapes a parent field can
// take, per spec §3 C7.
type ParentEdgeKind int8

const (
	// ParentNone means there is no such parent.
	ParentNone ParentEdgeKind = iota
	// ParentInGraph means the parent is identified by a Position
	// directly inside this graph.
	ParentInGraph
	// ParentExtraEdges means the field is an index into the EDGE
	// chunk's extra-parents list, used when a commit has more than
	// two parents.
	ParentExtraEdges
)

// ParentEdge is one of {None, InGraph(pos), ExtraEdges(idx)}.
type ParentEdge struct {
	Kind  ParentEdgeKind
	Pos   Position
	Index uint32
}

// CommitGraph is a parsed, queryable commit-graph file.
type CommitGraph struct {
	mu sync.Mutex

	hash githash.Hash
	r    io.ReaderAt

	fanout [256]uint32
	oids   []githash.Oid

	// commitData holds the raw CDAT bytes, oidSize+16 per entry, kept
	// unparsed so Commit() stays a zero-copy view over it.
	commitData []byte
	extraEdges []byte

	parsed     bool
	parseError error
}

// New returns a CommitGraph reading from r.
func New(r io.ReaderAt, hash githash.Hash) *CommitGraph {
	return &CommitGraph{r: r, hash: hash}
}

// Lookup returns the Position of oid within the graph, using the same
// fanout-bounded binary search discipline as a pack index.
func (g *CommitGraph) Lookup(oid githash.Oid) (Position, bool, error) {
	if err := g.parse(); err != nil {
		return 0, false, err
	}
	b := oid.Bytes()[0]
	var start, end uint32
	if b == 0 {
		start, end = 0, g.fanout[0]
	} else {
		start, end = g.fanout[b-1], g.fanout[b]
	}
	s := g.oids[start:end]
	i := sort.Search(len(s), func(i int) bool { return s[i].String() >= oid.String() })
	if i >= len(s) || s[i].String() != oid.String() {
		return 0, false, nil
	}
	return Position(start) + Position(i), true, nil
}

// EntryCount returns how many commits the graph covers.
func (g *CommitGraph) EntryCount() (int, error) {
	if err := g.parse(); err != nil {
		return 0, err
	}
	return len(g.oids), nil
}

// Commit is a zero-copy view of one commit-graph record.
type Commit struct {
	g   *CommitGraph
	pos Position

	treeID     githash.Oid
	parent1Raw uint32
	parent2Raw uint32
	packed     uint64
}

// CommitAt returns the record at pos.
func (g *CommitGraph) CommitAt(pos Position) (Commit, error) {
	if err := g.parse(); err != nil {
		return Commit{}, err
	}
	if int(pos) < 0 || int(pos) >= len(g.oids) {
		return Commit{}, xerrors.Errorf("position %d: %w", pos, ErrPositionOutOfBounds)
	}
	oidSize := g.hash.OidSize()
	recSize := oidSize + 16
	row := g.commitData[int(pos)*recSize : int(pos+1)*recSize]

	treeID, err := g.hash.ConvertFromBytes(row[0:oidSize])
	if err != nil {
		return Commit{}, xerrors.Errorf("invalid tree oid for commit at position %d: %w", pos, err)
	}

	return Commit{
		g:          g,
		pos:        pos,
		treeID:     treeID,
		parent1Raw: binary.BigEndian.Uint32(row[oidSize : oidSize+4]),
		parent2Raw: binary.BigEndian.Uint32(row[oidSize+4 : oidSize+8]),
		packed:     binary.BigEndian.Uint64(row[oidSize+8 : oidSize+16]),
	}, nil
}

// RootTreeID returns the commit's tree oid.
func (c Commit) RootTreeID() githash.Oid { return c.treeID }

// Generation returns the commit's precomputed generation number. Per
// the Open Question decision recorded in DESIGN.md/SPEC_FULL.md §13,
// the stored 30-bit value is returned as-is; the corrected-commit-date
// overflow extension is not decoded.
func (c Commit) Generation() uint32 {
	return uint32(c.packed >> 34)
}

// CommitterTimestamp returns the commit's committer time as Unix
// seconds, read from the low 34 bits of the packed field.
func (c Commit) CommitterTimestamp() uint64 {
	return c.packed & 0x3_FFFF_FFFF
}

// OID returns the commit's own Position resolved back to an Oid.
func (c Commit) OID() githash.Oid {
	oid, _ := c.g.OidAt(c.pos)
	return oid
}

// OidAt returns the oid at a given Position.
func (g *CommitGraph) OidAt(pos Position) (githash.Oid, error) {
	if err := g.parse(); err != nil {
		return nil, err
	}
	if int(pos) < 0 || int(pos) >= len(g.oids) {
		return nil, xerrors.Errorf("position %d: %w", pos, ErrPositionOutOfBounds)
	}
	return g.oids[pos], nil
}

// ParentIter walks a commit's ParentEdges in order: first parent,
// second parent, then the extra-parents chain when present. It is a
// state machine over {First, Second, Extra, Exhausted} per spec §4.6.
type ParentIter struct {
	c     Commit
	state parentIterState
	// extraIdx is the current position in the EDGE chunk, only
	// meaningful once state == parentIterStateExtra.
	extraIdx uint32
}

type parentIterState int8

const (
	parentIterFirst parentIterState = iota
	parentIterSecond
	parentIterExtra
	parentIterExhausted
)

// IterParents returns an iterator over this commit's parents.
func (c Commit) IterParents() *ParentIter {
	return &ParentIter{c: c, state: parentIterFirst}
}

// decodeParentField turns a raw 32-bit CDAT parent field into a
// ParentEdge.
func decodeParentField(raw uint32) ParentEdge {
	if raw == noParent {
		return ParentEdge{Kind: ParentNone}
	}
	if raw&extraEdgeBit != 0 {
		return ParentEdge{Kind: ParentExtraEdges, Index: raw & extraEdgeIndex}
	}
	return ParentEdge{Kind: ParentInGraph, Pos: Position(raw)}
}

// Next returns the next ParentEdge, or (ParentEdge{Kind: ParentNone},
// false, nil) once exhausted. Errors surface the invariant violations
// §4.6 names: a second parent without a first, a first-parent field
// that is itself an extra-edge index, or an extra-edges chain that
// runs past the end of its chunk without its terminating high bit.
func (it *ParentIter) Next() (ParentEdge, bool, error) {
	switch it.state {
	case parentIterFirst:
		it.state = parentIterSecond
		p1 := decodeParentField(it.c.parent1Raw)
		if p1.Kind == ParentExtraEdges {
			return ParentEdge{}, false, ErrFirstIsExtraEdge
		}
		if p1.Kind == ParentNone {
			p2 := decodeParentField(it.c.parent2Raw)
			if p2.Kind != ParentNone {
				return ParentEdge{}, false, ErrSecondWithoutFirst
			}
			it.state = parentIterExhausted
			return ParentEdge{}, false, nil
		}
		return p1, true, nil
	case parentIterSecond:
		p2 := decodeParentField(it.c.parent2Raw)
		switch p2.Kind {
		case ParentNone:
			it.state = parentIterExhausted
			return ParentEdge{}, false, nil
		case ParentExtraEdges:
			it.state = parentIterExtra
			it.extraIdx = p2.Index
			return it.nextExtra()
		default:
			it.state = parentIterExhausted
			return p2, true, nil
		}
	case parentIterExtra:
		return it.nextExtra()
	default:
		return ParentEdge{}, false, nil
	}
}

func (it *ParentIter) nextExtra() (ParentEdge, bool, error) {
	extra := it.c.g.extraEdges
	offset := int(it.extraIdx) * 4
	if offset+4 > len(extra) {
		return ParentEdge{}, false, ErrExtraEdgesOverflow
	}
	raw := binary.BigEndian.Uint32(extra[offset : offset+4])
	last := raw&extraEdgeLast != 0
	pos := Position(raw &^ extraEdgeLast)
	it.extraIdx++
	if last {
		it.state = parentIterExhausted
	}
	return ParentEdge{Kind: ParentInGraph, Pos: pos}, true, nil
}

// parse reads the full graph structure into memory, validating the
// invariants §4.6 requires.
func (g *CommitGraph) parse() (err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.parsed {
		return nil
	}
	if g.parseError != nil {
		return g.parseError
	}
	defer func() {
		if err != nil {
			g.parseError = err
		}
	}()

	header := make([]byte, 8)
	if _, err = g.r.ReadAt(header, 0); err != nil {
		return xerrors.Errorf("could not read commit-graph header: %w", err)
	}
	if !bytes.Equal(header[0:4], graphMagic()) {
		return xerrors.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	if header[4] != 1 {
		return xerrors.Errorf("version %d: %w", header[4], ErrInvalidVersion)
	}
	numChunks := int(header[6])

	dirOffset := int64(8)
	dirSize := (numChunks + 1) * 12
	dir := make([]byte, dirSize)
	if _, err = g.r.ReadAt(dir, dirOffset); err != nil {
		return xerrors.Errorf("could not read chunk table: %w", err)
	}

	type chunkEntry struct {
		id     [4]byte
		offset uint64
	}
	entries := make([]chunkEntry, numChunks+1)
	for i := 0; i <= numChunks; i++ {
		row := dir[i*12 : i*12+12]
		var e chunkEntry
		copy(e.id[:], row[0:4])
		e.offset = binary.BigEndian.Uint64(row[4:12])
		entries[i] = e
	}

	chunks := map[[4]byte][2]uint64{}
	for i := 0; i < numChunks; i++ {
		chunks[entries[i].id] = [2]uint64{entries[i].offset, entries[i+1].offset}
	}

	readChunk := func(id [4]byte) ([]byte, bool, error) {
		span, ok := chunks[id]
		if !ok {
			return nil, false, nil
		}
		buf := make([]byte, span[1]-span[0])
		if _, err := g.r.ReadAt(buf, int64(span[0])); err != nil {
			return nil, true, xerrors.Errorf("could not read chunk %s: %w", string(id[:]), err)
		}
		return buf, true, nil
	}

	fanoutBuf, ok, err := readChunk(chunkFanout)
	if err != nil {
		return err
	}
	if !ok || len(fanoutBuf) != 256*4 {
		return xerrors.Errorf("missing or malformed OIDF chunk: %w", ErrGraphInvalid)
	}
	var previous uint32
	for i := 0; i < 256; i++ {
		v := binary.BigEndian.Uint32(fanoutBuf[i*4 : i*4+4])
		if v < previous {
			return xerrors.Errorf("fanout entry %d smaller than previous: %w", i, ErrFanoutNonMonotonic)
		}
		g.fanout[i] = v
		previous = v
	}
	count := int(g.fanout[255])

	oidBuf, ok, err := readChunk(chunkOids)
	if err != nil {
		return err
	}
	oidSize := g.hash.OidSize()
	if !ok || len(oidBuf) != count*oidSize {
		return xerrors.Errorf("missing or malformed OIDL chunk: %w", ErrGraphInvalid)
	}
	oids := make([]githash.Oid, count)
	var prevOid githash.Oid
	for i := 0; i < count; i++ {
		oid, cErr := g.hash.ConvertFromBytes(oidBuf[i*oidSize : (i+1)*oidSize])
		if cErr != nil {
			return xerrors.Errorf("invalid oid at OIDL entry %d: %w", i, cErr)
		}
		if i > 0 && oid.String() <= prevOid.String() {
			return xerrors.Errorf("oid %s is not strictly greater than previous %s: %w", oid.String(), prevOid.String(), ErrNotSorted)
		}
		oids[i] = oid
		prevOid = oid
	}

	commitBuf, ok, err := readChunk(chunkCommits)
	if err != nil {
		return err
	}
	recSize := oidSize + 16
	if !ok || len(commitBuf) != count*recSize {
		return xerrors.Errorf("missing or malformed CDAT chunk: %w", ErrGraphInvalid)
	}

	extraBuf, _, err := readChunk(chunkExtra)
	if err != nil {
		return err
	}

	g.oids = oids
	g.commitData = commitBuf
	g.extraEdges = extraBuf
	g.parsed = true
	return nil
}

// EntriesWalk calls f with every (Position, Commit) in the graph, in
// ascending oid order. It stops at the first error f returns.
func (g *CommitGraph) EntriesWalk(f func(Position, Commit) error) error {
	n, err := g.EntryCount()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		c, err := g.CommitAt(Position(i))
		if err != nil {
			return fmt.Errorf("could not read commit at position %d: %w", i, err)
		}
		if err := f(Position(i), c); err != nil {
			return err
		}
	}
	return nil
}
