package packfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"golang.org/x/xerrors"
)

// ExtMultiPackIndex is the on-disk file name of a multi-pack-index
// (there's no per-pack extension, the file is always named
// "multi-pack-index" inside objects/pack).
const ExtMultiPackIndex = "multi-pack-index"

// midx chunk IDs, as the 4 ASCII bytes the on-disk chunk directory
// stores for each chunk.
var (
	chunkPackNames  = [4]byte{'P', 'N', 'A', 'M'}
	chunkFanout     = [4]byte{'O', 'I', 'D', 'F'}
	chunkOids       = [4]byte{'O', 'I', 'D', 'L'}
	chunkObjOffsets = [4]byte{'O', 'O', 'F', 'F'}
	chunkLargeOffs  = [4]byte{'L', 'O', 'F', 'F'}
)

func midxMagic() []byte {
	return []byte{'M', 'I', 'D', 'X'}
}

// ErrMultiIndexInvalid is returned when a multi-pack-index file is
// structurally malformed (bad magic/version, missing mandatory chunk,
// out-of-range pack_id, etc).
var ErrMultiIndexInvalid = fmt.Errorf("invalid multi-pack-index")

// ErrPackNamesNotSorted is returned when the PNAM chunk isn't
// strictly ascending, which the lookup logic depends on.
var ErrPackNamesNotSorted = fmt.Errorf("multi-pack-index pack names are not sorted")

// MultiIndexEntry is the location of an object inside one of the
// packs a MultiIndex covers.
type MultiIndexEntry struct {
	PackID uint32
	Offset uint64
}

// MultiIndex maps an ObjectId to (pack_id, offset) across many packs,
// per spec §3/§4.5 (C6). It is built from a chunked binary format: a
// 12-byte header, a chunk directory, then the chunks themselves.
type MultiIndex struct {
	mu sync.Mutex

	hash githash.Hash
	r    io.ReaderAt

	hashVersion byte
	numPacks    uint32

	packNames []string

	fanout [256]uint32
	oids   []githash.Oid
	// offsets[i] corresponds to oids[i].
	offsets []MultiIndexEntry

	parsed     bool
	parseError error
}

// chunkTableEntry is one row of the midx chunk directory: a 4-byte id
// and the byte offset (from the start of the file) where that chunk's
// data begins.
type chunkTableEntry struct {
	id     [4]byte
	offset uint64
}

// NewMultiIndex returns a MultiIndex reading from r, whose oids are
// expected to use the given hash kind.
func NewMultiIndex(r io.ReaderAt, hash githash.Hash) *MultiIndex {
	return &MultiIndex{r: r, hash: hash}
}

// PackNames returns the sorted list of pack file names this index
// covers, suitable for resolving a MultiIndexEntry.PackID.
func (m *MultiIndex) PackNames() ([]string, error) {
	if err := m.parse(); err != nil {
		return nil, err
	}
	return m.packNames, nil
}

// Find returns the (pack_id, offset) location of oid, or
// ginternals.ErrObjectNotFound if it isn't present in any covered
// pack.
func (m *MultiIndex) Find(oid githash.Oid) (MultiIndexEntry, error) {
	if err := m.parse(); err != nil {
		return MultiIndexEntry{}, err
	}
	start, end := m.fanoutRange(oid.Bytes()[0])
	s := m.oids[start:end]
	i := sort.Search(len(s), func(i int) bool { return s[i].String() >= oid.String() })
	if i >= len(s) || s[i].String() != oid.String() {
		return MultiIndexEntry{}, ginternals.ErrObjectNotFound
	}
	return m.offsets[int(start)+i], nil
}

func (m *MultiIndex) fanoutRange(firstByte byte) (start, end uint32) {
	if firstByte == 0 {
		return 0, m.fanout[0]
	}
	return m.fanout[firstByte-1], m.fanout[firstByte]
}

// VerifyIntegrity parses the multi-pack-index - which already enforces
// sorted pack names, fanout monotonicity, sorted oids, a valid
// pack_id range and LOFF escape validity as it goes - and additionally
// cross-checks that the fanout table's cumulative counts actually
// match the first-byte distribution of the oids in OIDL.
func (m *MultiIndex) VerifyIntegrity() error {
	if err := m.parse(); err != nil {
		return err
	}
	return m.verifyFanoutMatchesOids()
}

func (m *MultiIndex) verifyFanoutMatchesOids() error {
	var counts [256]uint32
	for _, oid := range m.oids {
		counts[oid.Bytes()[0]]++
	}
	var cumulative uint32
	for i := 0; i < 256; i++ {
		cumulative += counts[i]
		if m.fanout[i] != cumulative {
			return xerrors.Errorf("fanout entry %d is %d, but OIDL has %d oids with first byte <= %d: %w", i, m.fanout[i], cumulative, i, ErrMultiIndexInvalid)
		}
	}
	return nil
}

// parse reads the whole file structure into memory. Like PackIndex,
// it only ever runs once; subsequent calls replay the cached result
// (or error).
func (m *MultiIndex) parse() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.parsed {
		return nil
	}
	if m.parseError != nil {
		return m.parseError
	}
	defer func() {
		if err != nil {
			m.parseError = err
		}
	}()

	header := make([]byte, 12)
	if _, err = m.r.ReadAt(header, 0); err != nil {
		return xerrors.Errorf("could not read multi-pack-index header: %w", err)
	}
	if !bytes.Equal(header[0:4], midxMagic()) {
		return xerrors.Errorf("invalid header: %w", ErrInvalidMagic)
	}
	version := header[4]
	if version != 1 {
		return xerrors.Errorf("version %d: %w", version, ErrInvalidVersion)
	}
	m.hashVersion = header[5]
	numChunks := int(header[6])
	// header[7] is a reserved base-midx count byte (always 0 here,
	// chained midx files aren't modeled).
	m.numPacks = binary.BigEndian.Uint32(header[8:12])

	// Chunk directory: (numChunks + 1) entries of {4-byte id, 8-byte
	// offset}; the extra trailing entry's id is the zero sentinel and
	// its offset marks the end of the last chunk's data.
	dirOffset := int64(12)
	dirSize := (numChunks + 1) * 12
	dir := make([]byte, dirSize)
	if _, err = m.r.ReadAt(dir, dirOffset); err != nil {
		return xerrors.Errorf("could not read chunk table: %w", err)
	}
	entries := make([]chunkTableEntry, numChunks+1)
	for i := 0; i <= numChunks; i++ {
		row := dir[i*12 : i*12+12]
		var e chunkTableEntry
		copy(e.id[:], row[0:4])
		e.offset = binary.BigEndian.Uint64(row[4:12])
		entries[i] = e
	}

	chunks := map[[4]byte][2]uint64{} // id -> [start, end)
	for i := 0; i < numChunks; i++ {
		chunks[entries[i].id] = [2]uint64{entries[i].offset, entries[i].offset}
	}
	for i := 0; i < numChunks; i++ {
		end := entries[i+1].offset
		span := chunks[entries[i].id]
		span[1] = end
		chunks[entries[i].id] = span
	}

	if err = m.parsePackNames(chunks); err != nil {
		return err
	}
	if err = m.parseFanout(chunks); err != nil {
		return err
	}
	if err = m.parseOids(chunks); err != nil {
		return err
	}
	if err = m.parseOffsets(chunks); err != nil {
		return err
	}

	m.parsed = true
	return nil
}

func (m *MultiIndex) readChunk(chunks map[[4]byte][2]uint64, id [4]byte) ([]byte, bool, error) {
	span, ok := chunks[id]
	if !ok {
		return nil, false, nil
	}
	buf := make([]byte, span[1]-span[0])
	if _, err := m.r.ReadAt(buf, int64(span[0])); err != nil {
		return nil, true, xerrors.Errorf("could not read chunk %s: %w", string(id[:]), err)
	}
	return buf, true, nil
}

// parsePackNames reads PNAM: a null-separated, strictly sorted list
// of pack file names.
func (m *MultiIndex) parsePackNames(chunks map[[4]byte][2]uint64) error {
	buf, ok, err := m.readChunk(chunks, chunkPackNames)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("missing PNAM chunk: %w", ErrMultiIndexInvalid)
	}
	names := bytes.Split(bytes.TrimRight(buf, "\x00"), []byte{0})
	packNames := make([]string, 0, len(names))
	var previous string
	for _, n := range names {
		if len(n) == 0 {
			continue
		}
		name := string(n)
		if previous != "" && name <= previous {
			return xerrors.Errorf("pack name %q is not strictly greater than %q: %w", name, previous, ErrPackNamesNotSorted)
		}
		packNames = append(packNames, name)
		previous = name
	}
	if uint32(len(packNames)) != m.numPacks {
		return xerrors.Errorf("expected %d pack names, got %d: %w", m.numPacks, len(packNames), ErrMultiIndexInvalid)
	}
	m.packNames = packNames
	return nil
}

// parseFanout reads OIDF: 256 cumulative 32-bit counts, identical in
// shape to a PackIndex's fanout table.
func (m *MultiIndex) parseFanout(chunks map[[4]byte][2]uint64) error {
	buf, ok, err := m.readChunk(chunks, chunkFanout)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("missing OIDF chunk: %w", ErrMultiIndexInvalid)
	}
	if len(buf) != 256*4 {
		return xerrors.Errorf("OIDF chunk has unexpected size %d: %w", len(buf), ErrMultiIndexInvalid)
	}
	var previous uint32
	for i := 0; i < 256; i++ {
		v := binary.BigEndian.Uint32(buf[i*4 : i*4+4])
		if v < previous {
			return xerrors.Errorf("fanout entry %d smaller than previous: %w", i, ErrFanoutNonMonotonic)
		}
		m.fanout[i] = v
		previous = v
	}
	return nil
}

// parseOids reads OIDL: the sorted, back-to-back object ids.
func (m *MultiIndex) parseOids(chunks map[[4]byte][2]uint64) error {
	buf, ok, err := m.readChunk(chunks, chunkOids)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("missing OIDL chunk: %w", ErrMultiIndexInvalid)
	}
	oidSize := m.hash.OidSize()
	count := int(m.fanout[255])
	if len(buf) != count*oidSize {
		return xerrors.Errorf("OIDL chunk has unexpected size %d, expected %d: %w", len(buf), count*oidSize, ErrMultiIndexInvalid)
	}
	oids := make([]githash.Oid, count)
	var previous githash.Oid
	for i := 0; i < count; i++ {
		oid, err := m.hash.ConvertFromBytes(buf[i*oidSize : (i+1)*oidSize])
		if err != nil {
			return xerrors.Errorf("invalid oid at OIDL entry %d: %w", i, err)
		}
		if i > 0 && oid.String() <= previous.String() {
			return xerrors.Errorf("oid %s is not strictly greater than previous %s: %w", oid.String(), previous.String(), ErrNotSorted)
		}
		oids[i] = oid
		previous = oid
	}
	m.oids = oids
	return nil
}

// parseOffsets reads OOFF (and LOFF when needed): each OOFF entry is
// {pack_id uint32, offset uint32}; if the high bit of offset is set,
// the low 31 bits index into the LOFF chunk for the real 64-bit
// offset.
func (m *MultiIndex) parseOffsets(chunks map[[4]byte][2]uint64) error {
	buf, ok, err := m.readChunk(chunks, chunkObjOffsets)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.Errorf("missing OOFF chunk: %w", ErrMultiIndexInvalid)
	}
	count := len(m.oids)
	if len(buf) != count*8 {
		return xerrors.Errorf("OOFF chunk has unexpected size %d, expected %d: %w", len(buf), count*8, ErrMultiIndexInvalid)
	}

	loff, hasLoff, err := m.readChunk(chunks, chunkLargeOffs)
	if err != nil {
		return err
	}

	entries := make([]MultiIndexEntry, count)
	for i := 0; i < count; i++ {
		row := buf[i*8 : i*8+8]
		packID := binary.BigEndian.Uint32(row[0:4])
		if packID >= m.numPacks {
			return xerrors.Errorf("entry %d references pack_id %d, but only %d packs are known: %w", i, packID, m.numPacks, ErrMultiIndexInvalid)
		}
		rawOffset := binary.BigEndian.Uint32(row[4:8])

		var offset uint64
		if rawOffset&0x8000_0000 != 0 {
			if !hasLoff {
				return xerrors.Errorf("entry %d escapes to LOFF but no LOFF chunk is present: %w", i, ErrMultiIndexInvalid)
			}
			idx := int(rawOffset &^ 0x8000_0000)
			if (idx+1)*8 > len(loff) {
				return xerrors.Errorf("entry %d has out-of-bounds LOFF index %d: %w", i, idx, ErrMultiIndexInvalid)
			}
			offset = binary.BigEndian.Uint64(loff[idx*8 : idx*8+8])
		} else {
			offset = uint64(rawOffset)
		}
		entries[i] = MultiIndexEntry{PackID: packID, Offset: offset}
	}
	m.offsets = entries
	return nil
}
