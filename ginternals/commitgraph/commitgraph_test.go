package commitgraph_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/harlowlabs/gitcore/ginternals/commitgraph"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOid returns a deterministic 20-byte oid, useful only for
// building a sorted OIDL chunk in tests.
func fakeOid(t *testing.T, hash githash.Hash, b byte) githash.Oid {
	t.Helper()
	raw := bytes.Repeat([]byte{b}, hash.OidSize())
	oid, err := hash.ConvertFromBytes(raw)
	require.NoError(t, err)
	return oid
}

// buildGraph assembles a minimal commit-graph file with the two given
// commits: commit 0 has no parents, commit 1 has commit 0 as its only
// parent.
func buildGraph(t *testing.T, hash githash.Hash, oids []githash.Oid, treeID githash.Oid) []byte {
	t.Helper()

	var oidf bytes.Buffer
	for i := 0; i < 256; i++ {
		count := uint32(0)
		for _, oid := range oids {
			if int(oid.Bytes()[0]) <= i {
				count++
			}
		}
		require.NoError(t, binary.Write(&oidf, binary.BigEndian, count))
	}

	var oidl bytes.Buffer
	for _, oid := range oids {
		oidl.Write(oid.Bytes())
	}

	var cdat bytes.Buffer
	for i := range oids {
		cdat.Write(treeID.Bytes())
		var parent1, parent2 uint32 = 0x7000_0000, 0x7000_0000
		if i == 1 {
			parent1 = 0 // position of commit 0
		}
		require.NoError(t, binary.Write(&cdat, binary.BigEndian, parent1))
		require.NoError(t, binary.Write(&cdat, binary.BigEndian, parent2))
		packed := (uint64(1) << 34) | uint64(1700000000+i)
		require.NoError(t, binary.Write(&cdat, binary.BigEndian, packed))
	}

	chunks := []struct {
		id   [4]byte
		data []byte
	}{
		{[4]byte{'O', 'I', 'D', 'F'}, oidf.Bytes()},
		{[4]byte{'O', 'I', 'D', 'L'}, oidl.Bytes()},
		{[4]byte{'C', 'D', 'A', 'T'}, cdat.Bytes()},
	}

	headerSize := int64(8)
	dirSize := int64((len(chunks) + 1) * 12)
	offset := uint64(headerSize + dirSize)

	var dir bytes.Buffer
	for _, c := range chunks {
		dir.Write(c.id[:])
		require.NoError(t, binary.Write(&dir, binary.BigEndian, offset))
		offset += uint64(len(c.data))
	}
	dir.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&dir, binary.BigEndian, offset))

	var out bytes.Buffer
	out.Write([]byte{'C', 'G', 'P', 'H'})
	out.WriteByte(1) // version
	out.WriteByte(1) // hash id, unused by this reader
	out.WriteByte(byte(len(chunks)))
	out.WriteByte(0) // base graph count
	out.Write(dir.Bytes())
	for _, c := range chunks {
		out.Write(c.data)
	}
	return out.Bytes()
}

func TestCommitGraphLookupAndParents(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	oid0 := fakeOid(t, hash, 0x01)
	oid1 := fakeOid(t, hash, 0x02)
	treeID := fakeOid(t, hash, 0xAA)

	data := buildGraph(t, hash, []githash.Oid{oid0, oid1}, treeID)
	g := commitgraph.New(bytes.NewReader(data), hash)

	count, err := g.EntryCount()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	pos1, ok, err := g.Lookup(oid1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, commitgraph.Position(1), pos1)

	commit1, err := g.CommitAt(pos1)
	require.NoError(t, err)
	assert.Equal(t, treeID.String(), commit1.RootTreeID().String())
	assert.Equal(t, uint32(1), commit1.Generation())

	it := commit1.IterParents()
	edge, hasMore, err := it.Next()
	require.NoError(t, err)
	require.True(t, hasMore)
	assert.Equal(t, commitgraph.ParentInGraph, edge.Kind)
	assert.Equal(t, commitgraph.Position(0), edge.Pos)

	_, hasMore, err = it.Next()
	require.NoError(t, err)
	assert.False(t, hasMore)

	pos0, ok, err := g.Lookup(oid0)
	require.NoError(t, err)
	require.True(t, ok)
	commit0, err := g.CommitAt(pos0)
	require.NoError(t, err)
	it0 := commit0.IterParents()
	_, hasMore, err = it0.Next()
	require.NoError(t, err)
	assert.False(t, hasMore)
}

// buildGraphMultiParent assembles a commit-graph file with an EDGE
// chunk, so parents[i] (a list of OIDL positions, in parent order)
// can hold more than 2 entries. With 1 or 2 parents they go straight
// into CDAT's parent1/parent2 fields; with more, the first goes into
// parent1, parent2 holds an extra-edge index, and the second parent
// onward are appended to EDGE with the high bit on the last entry
// marking the end of the chain, per spec §4.6.
func buildGraphMultiParent(t *testing.T, hash githash.Hash, oids []githash.Oid, treeID githash.Oid, parents [][]int, generations []uint32) []byte {
	t.Helper()

	const noParent = 0x7000_0000
	const extraEdgeBit = 0x8000_0000
	const extraEdgeLast = 0x8000_0000

	var oidf bytes.Buffer
	for i := 0; i < 256; i++ {
		count := uint32(0)
		for _, oid := range oids {
			if int(oid.Bytes()[0]) <= i {
				count++
			}
		}
		require.NoError(t, binary.Write(&oidf, binary.BigEndian, count))
	}

	var oidl bytes.Buffer
	for _, oid := range oids {
		oidl.Write(oid.Bytes())
	}

	var edge bytes.Buffer
	var cdat bytes.Buffer
	for i := range oids {
		cdat.Write(treeID.Bytes())

		ps := parents[i]
		var parent1, parent2 uint32
		switch {
		case len(ps) == 0:
			parent1, parent2 = noParent, noParent
		case len(ps) == 1:
			parent1, parent2 = uint32(ps[0]), noParent
		case len(ps) == 2:
			parent1, parent2 = uint32(ps[0]), uint32(ps[1])
		default:
			parent1 = uint32(ps[0])
			edgeIndex := uint32(edge.Len() / 4)
			parent2 = extraEdgeBit | edgeIndex
			for j := 1; j < len(ps); j++ {
				v := uint32(ps[j])
				if j == len(ps)-1 {
					v |= extraEdgeLast
				}
				require.NoError(t, binary.Write(&edge, binary.BigEndian, v))
			}
		}
		require.NoError(t, binary.Write(&cdat, binary.BigEndian, parent1))
		require.NoError(t, binary.Write(&cdat, binary.BigEndian, parent2))
		packed := (uint64(generations[i]) << 34) | uint64(1700000000+i)
		require.NoError(t, binary.Write(&cdat, binary.BigEndian, packed))
	}

	chunks := []struct {
		id   [4]byte
		data []byte
	}{
		{[4]byte{'O', 'I', 'D', 'F'}, oidf.Bytes()},
		{[4]byte{'O', 'I', 'D', 'L'}, oidl.Bytes()},
		{[4]byte{'C', 'D', 'A', 'T'}, cdat.Bytes()},
	}
	if edge.Len() > 0 {
		chunks = append(chunks, struct {
			id   [4]byte
			data []byte
		}{[4]byte{'E', 'D', 'G', 'E'}, edge.Bytes()})
	}

	headerSize := int64(8)
	dirSize := int64((len(chunks) + 1) * 12)
	offset := uint64(headerSize + dirSize)

	var dir bytes.Buffer
	for _, c := range chunks {
		dir.Write(c.id[:])
		require.NoError(t, binary.Write(&dir, binary.BigEndian, offset))
		offset += uint64(len(c.data))
	}
	dir.Write([]byte{0, 0, 0, 0})
	require.NoError(t, binary.Write(&dir, binary.BigEndian, offset))

	var out bytes.Buffer
	out.Write([]byte{'C', 'G', 'P', 'H'})
	out.WriteByte(1) // version
	out.WriteByte(1) // hash id, unused by this reader
	out.WriteByte(byte(len(chunks)))
	out.WriteByte(0) // base graph count
	out.Write(dir.Bytes())
	for _, c := range chunks {
		out.Write(c.data)
	}
	return out.Bytes()
}

// TestCommitGraphExtraParents builds a synthetic graph
// A <- B <- {C, D} <- E, where E has three parents (C, D, A) spilling
// into the EDGE chunk, and checks that IterParents walks all three in
// order and that E's generation dominates every one of its parents'.
func TestCommitGraphExtraParents(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	oidA := fakeOid(t, hash, 0x01)
	oidB := fakeOid(t, hash, 0x02)
	oidC := fakeOid(t, hash, 0x03)
	oidD := fakeOid(t, hash, 0x04)
	oidE := fakeOid(t, hash, 0x05)
	treeID := fakeOid(t, hash, 0xAA)

	oids := []githash.Oid{oidA, oidB, oidC, oidD, oidE}
	// positions: A=0, B=1, C=2, D=3, E=4
	parents := [][]int{
		{},        // A: root
		{0},       // B: parent A
		{1},       // C: parent B
		{1},       // D: parent B
		{2, 3, 0}, // E: parents C, D, A (3 parents -> spills into EDGE)
	}
	generations := []uint32{1, 2, 3, 3, 4}

	data := buildGraphMultiParent(t, hash, oids, treeID, parents, generations)
	g := commitgraph.New(bytes.NewReader(data), hash)

	posE, ok, err := g.Lookup(oidE)
	require.NoError(t, err)
	require.True(t, ok)

	commitE, err := g.CommitAt(posE)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), commitE.Generation())

	it := commitE.IterParents()

	edge1, hasMore, err := it.Next()
	require.NoError(t, err)
	require.True(t, hasMore)
	assert.Equal(t, commitgraph.ParentInGraph, edge1.Kind)
	assert.Equal(t, commitgraph.Position(2), edge1.Pos) // C

	edge2, hasMore, err := it.Next()
	require.NoError(t, err)
	require.True(t, hasMore)
	assert.Equal(t, commitgraph.ParentInGraph, edge2.Kind)
	assert.Equal(t, commitgraph.Position(3), edge2.Pos) // D

	edge3, hasMore, err := it.Next()
	require.NoError(t, err)
	require.True(t, hasMore)
	assert.Equal(t, commitgraph.ParentInGraph, edge3.Kind)
	assert.Equal(t, commitgraph.Position(0), edge3.Pos) // A

	_, hasMore, err = it.Next()
	require.NoError(t, err)
	assert.False(t, hasMore)

	// Generation dominance: a merge commit's generation must exceed
	// every parent's, including the ones reached only through EDGE.
	for _, pos := range []commitgraph.Position{2, 3, 0} {
		parentCommit, err := g.CommitAt(pos)
		require.NoError(t, err)
		assert.Greater(t, commitE.Generation(), parentCommit.Generation())
	}
}

func TestCommitGraphLookupMiss(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	oid0 := fakeOid(t, hash, 0x01)
	treeID := fakeOid(t, hash, 0xAA)
	data := buildGraph(t, hash, []githash.Oid{oid0}, treeID)
	g := commitgraph.New(bytes.NewReader(data), hash)

	_, ok, err := g.Lookup(fakeOid(t, hash, 0xFE))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCommitGraphInvalidMagic(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	g := commitgraph.New(bytes.NewReader(bytes.Repeat([]byte{0}, 64)), hash)
	_, err := g.EntryCount()
	require.Error(t, err)
}
