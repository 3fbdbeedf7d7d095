package packfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/internal/readutil"
	"github.com/spf13/afero"
)

const (
	layer1Size      = 1024
	layer3EntrySize = 4
	layer4EntrySize = 4
)

// indexHeader represents the header of a v2 index file.
// the first 4 bytes contain the magic, the 4 next bytes
// contains the version of the file.
//
// A v1 index has no header at all: the file starts directly with the
// fanout table, so NewIndex falls back to v1 parsing whenever the
// first 8 bytes don't match this header (and aren't a packfile's own
// magic, which should still fail loudly rather than be treated as a
// tiny, all-zero-fanout v1 index).
func indexHeader() []byte {
	return []byte{255, 't', 'O', 'c', 0, 0, 0, 2}
}

// PackIndex represents a packfile's PackIndex file (.idx)
// The index contains data to help parsing the packfile
// The index contains a header, 5 layers, and a footer.
// header: 8 bytes - See indexHeader to know the header format
// Layer1: 1024 bytes. Contains 256 entries of 4 bytes.
//         Each entry contains the CUMULATIVE number of objects having
//         a oid starting by oid[0].
//         (oid[0] is an hex number, 0 <= x <= 255).
//         It's used to count how many objects have a SHA starting by
//         a specific value.
//         Example:
//         oid[0] represents the value of the 2 first chars of a SHA
//         So for 9b91da06e69613397b38e0808e0ba5ee6983251b, oid[0]
//         is equal to '9b' which corresponds to 155.
//         You'll then find the CUMULATIVE object count at the
//         position 155 * 4 in layer1.
//         To get the total of object starting with 9b, you will need
//         to look at the previous entry (9a at 154 * 4), and do
//         total_at_9b = cumul_9b - cummul_9a
// Layer2: x*20 bytes - Contains the IDs (20 Bytes each) of all the objects
//		   contained in the packfile
// Layer3: x*4 bytes - Contains a CRC (Cyclic redundancy check) value
//         for each object. It's used to check that data did not get corrupt
//         by network operations.
//         https://en.wikipedia.org/wiki/Cyclic_redundancy_check
// Layer4: x*4 - Contains the offset of each objects inside the packfile.
//         The first bit (and not byte, 1 byte = 8 bits) of the offset
//         (called MSB for Most Significant Bit) is used to store a special
//         value, and is not part of the offset:
//
//         If the packfile is < 2GB
//           - The MSB will always be 0
//           - The remaining bit (31, because it's 4 bytes of 8 bits
//             minus the MSB, so 4*8-1) correspond to the offset of
//             the object in the packfile.
//
//         If the packfile is > 2GB
//           - The MSB may be 0, or 1
//           - If 0, then the next 31 bits will contain the offset of
//             the object in the packfile.
//           - If 1, then the packfile offset doesn't fit in 4 bytes and
//             has been stored in layer5. In that case the next 31 bits will
//             corresponds to the new location of the offset in
//             layer5.
// Layer5: y*8 bytes - Only exists for packfile bigger than 2GB.
//         Basically the same as Layer4 but the offsets are on 8 bytes
//         instead of 4, because 4 bytes was too small to store those
//         offsets.
// Footer: 40 bytes - Contains 2 sha of 20 bytes each
//         The first is the sha1 sum of the packfile
//         The second is the sha1 sum of the index file minus this sha
//
// Resources:
// https://codewords.recurse.com/issues/three/unpacking-git-packfiles#idx-files
// https://git-scm.com/docs/pack-format

// PrefixResult is the outcome of a prefix lookup against an index.
type PrefixResult int

const (
	// PrefixNone means no entry matched the prefix
	PrefixNone PrefixResult = iota
	// PrefixSingle means exactly one entry matched the prefix
	PrefixSingle
	// PrefixAmbiguous means more than one entry matched the prefix
	PrefixAmbiguous
)

// ErrFanoutNonMonotonic is returned when a fanout table isn't
// monotonically non-decreasing, or its last entry doesn't match the
// object count.
var ErrFanoutNonMonotonic = fmt.Errorf("fanout table is not monotonically non-decreasing")

// ErrNotSorted is returned when the sorted-oid table isn't strictly
// ascending.
var ErrNotSorted = fmt.Errorf("oid table is not sorted")

// ErrCRCUnavailable is returned when CRC32At (or a CRC cross-check) is
// asked for an entry's CRC-32 but the index is v1, which doesn't
// carry one.
var ErrCRCUnavailable = fmt.Errorf("pack index v1 has no CRC-32 table")

// ErrOffsetOutOfBounds is returned when an index entry points at a
// packfile offset that falls outside the pack's object-data region.
var ErrOffsetOutOfBounds = fmt.Errorf("index entry offset is out of bounds for the packfile")

// ErrCRCMismatch is returned when an index entry's recorded CRC-32
// doesn't match the packfile bytes it's supposed to cover.
var ErrCRCMismatch = fmt.Errorf("index entry CRC-32 does not match packfile contents")

// ErrIndexChecksumMismatch is returned when an index file's trailing
// checksum doesn't match the hash of its own contents.
var ErrIndexChecksumMismatch = fmt.Errorf("index checksum does not match its contents")

//nolint:govet // aligning the memory makes the struct harder to read since we want to keep "parseError" and "parsed" together
type PackIndex struct {
	mu sync.Mutex

	hash githash.Hash

	r          readutil.BufferedReader
	hashOffset map[githash.Oid]uint64

	// version is 1 or 2, detected from the first 8 bytes read by
	// NewIndex.
	version int
	// fanoutPrefetch holds the first 8 bytes NewIndex had to read to
	// detect the format, for the (common) case of a v1 index: those
	// bytes aren't a header, they're the first two fanout entries,
	// and parseV1 replays them ahead of the reader.
	fanoutPrefetch []byte

	// fanout[i] is the cumulative number of objects whose first byte
	// is <= i. fanout[255] always equals the total object count.
	fanout [256]uint32
	// oids is the sorted list of every object id in the index, kept
	// around to support binary/prefix search (§4.4).
	oids []githash.Oid
	// crc32s[i] is the CRC-32 of the pack bytes covered by oids[i].
	// nil for a v1 index, which carries no CRC-32 layer.
	crc32s []uint32
	// offsets32[i] is the packfile offset of oids[i].
	offsets32 []uint64

	parseError error
	parsed     bool
}

// NewIndex returns an index object from the given reader. Both v2
// (magic + version header) and v1 (no header, fanout table first)
// index formats are supported, per spec's "the reader should accept
// [v1]" requirement.
func NewIndex(r readutil.BufferedReader, hash githash.Hash) (idx *PackIndex, err error) {
	header := make([]byte, len(indexHeader()))
	_, err = io.ReadFull(r, header)
	if err != nil {
		return nil, fmt.Errorf("could read header of index file: %w", err)
	}

	switch {
	case bytes.Equal(header, indexHeader()):
		return &PackIndex{r: r, hash: hash, version: 2}, nil
	case bytes.Equal(header[0:4], packfileMagic()):
		// A packfile fed in as an index should still fail loudly with
		// ErrInvalidMagic rather than be (mis)parsed as a v1 index.
		return nil, fmt.Errorf("invalid header: %w", ErrInvalidMagic)
	default:
		return &PackIndex{r: r, hash: hash, version: 1, fanoutPrefetch: header}, nil
	}
}

// GetObjectOffset returns the offset of Oid in the packfile
// If the object is not found ginternals.ErrObjectNotFound is returned
func (idx *PackIndex) GetObjectOffset(oid githash.Oid) (uint64, error) {
	if err := idx.parse(); err != nil {
		return 0, fmt.Errorf("could not parse the index file: %w", err)
	}
	offset, exists := idx.hashOffset[oid]
	if !exists {
		return 0, ginternals.ErrObjectNotFound
	}
	return offset, nil
}

// parse extracts all the data from the index and puts them in memory.
func (idx *PackIndex) parse() (err error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	// No reason to call this method more than once
	if idx.parsed {
		return nil
	}

	// If the method failed, then there's no reason to try again,
	// especially that the underlying reader doesn't get its cursor
	// reset
	if idx.parseError != nil {
		return idx.parseError
	}
	defer func() {
		if err != nil {
			idx.parseError = err
		}
	}()

	if idx.version == 1 {
		return idx.parseV1()
	}
	return idx.parseV2()
}

// parseV1 reads a v1 index: no header, a 256-entry fanout table (the
// first two entries of which were already consumed by NewIndex to
// detect the format, and are replayed here), then objectCount
// interleaved (4-byte offset, oid) pairs. There's no CRC32 layer and
// no large-offset escape, since v1 predates packs bigger than 4GB.
func (idx *PackIndex) parseV1() (err error) {
	r := io.MultiReader(bytes.NewReader(idx.fanoutPrefetch), idx.r)

	bufInt32 := make([]byte, 4)
	bufOid := make([]byte, idx.hash.OidSize())

	var previous uint32
	for i := 0; i < 256; i++ {
		_, err = io.ReadFull(r, bufInt32)
		if err != nil {
			return fmt.Errorf("couldn't read fanout entry %d: %w", i, err)
		}
		entry := binary.BigEndian.Uint32(bufInt32)
		if entry < previous {
			return fmt.Errorf("fanout entry %d (%d) is smaller than entry %d (%d): %w", i, entry, i-1, previous, ErrFanoutNonMonotonic)
		}
		idx.fanout[i] = entry
		previous = entry
	}
	objectCount := int(idx.fanout[255])

	oids := make([]githash.Oid, 0, objectCount)
	idx.hashOffset = make(map[githash.Oid]uint64, objectCount)
	idx.offsets32 = make([]uint64, objectCount)

	var previousOid githash.Oid
	for i := 0; i < objectCount; i++ {
		_, err = io.ReadFull(r, bufInt32)
		if err != nil {
			return fmt.Errorf("couldn't read offset of entry %d: %w", i, err)
		}
		offset := uint64(binary.BigEndian.Uint32(bufInt32))

		_, err = io.ReadFull(r, bufOid)
		if err != nil {
			return fmt.Errorf("couldn't get the oid of entry %d: %w", i, err)
		}
		oid, err := idx.hash.ConvertFromBytes(bufOid)
		if err != nil {
			return fmt.Errorf("invalid oid at entry %d: %w", i, err)
		}
		if i > 0 && oid.String() <= previousOid.String() {
			return fmt.Errorf("oid %s is not strictly greater than the previous oid %s: %w", oid.String(), previousOid.String(), ErrNotSorted)
		}

		idx.hashOffset[oid] = offset
		idx.offsets32[i] = offset
		oids = append(oids, oid)
		previousOid = oid
	}

	idx.oids = oids
	idx.crc32s = nil
	idx.parsed = true
	return nil
}

// parseV2 reads a v2 index: header (already consumed by NewIndex),
// 256-entry fanout, sorted oids, per-entry CRC32s, then 4-byte offsets
// with an MSB escape into an 8-byte large-offset table.
func (idx *PackIndex) parseV2() (err error) {
	bufInt32 := make([]byte, 4)
	bufInt64 := make([]byte, 8)
	bufOid := make([]byte, idx.hash.OidSize())

	// layer1 stores, for each possible first oid byte, the CUMULATIVE
	// number of objects whose first byte is <= that value. We keep the
	// whole table since it's what makes fanout-bounded binary search
	// and prefix lookup (§4.4) possible.
	var previous uint32
	for i := 0; i < 256; i++ {
		_, err = io.ReadFull(idx.r, bufInt32)
		if err != nil {
			return fmt.Errorf("couldn't read fanout entry %d: %w", i, err)
		}
		entry := binary.BigEndian.Uint32(bufInt32)
		if entry < previous {
			return fmt.Errorf("fanout entry %d (%d) is smaller than entry %d (%d): %w", i, entry, i-1, previous, ErrFanoutNonMonotonic)
		}
		idx.fanout[i] = entry
		previous = entry
	}
	objectCount := int(idx.fanout[255])

	// Now we can allocate the right amount of memory to store all the
	// oids temporarily in an ordered list, and fill it by parsing
	// layer2 which contains all oids back-to-back
	oids := make([]githash.Oid, 0, objectCount)
	// we basically need to get everything in between layer2 and
	// layer3
	layer2offset := len(indexHeader()) + layer1Size
	layer2Size := objectCount * idx.hash.OidSize()
	layer3offset := layer2offset + layer2Size

	var previousOid githash.Oid
	for i := 0; i < objectCount; i++ {
		currentOffset := layer2offset + i*idx.hash.OidSize()
		// this should only happen if the indexfile is invalid and
		// layer2 is smaller than it should
		if currentOffset >= layer3offset {
			return fmt.Errorf("oid %d is out of bound in layer2: %w", i, os.ErrNotExist)
		}

		_, err = io.ReadFull(idx.r, bufOid)
		if err != nil {
			return fmt.Errorf("couldn't get the oid at offset %d: %w", currentOffset, err)
		}
		oid, err := idx.hash.ConvertFromBytes(bufOid)
		if err != nil {
			return fmt.Errorf("invalid oid at offset %d: %w", currentOffset, err)
		}
		if i > 0 && oid.String() <= previousOid.String() {
			return fmt.Errorf("oid %s is not strictly greater than the previous oid %s: %w", oid.String(), previousOid.String(), ErrNotSorted)
		}
		oids = append(oids, oid)
		previousOid = oid
	}

	// layer3 holds one CRC-32 per entry, in the same order as layer2,
	// covering the pack bytes of that entry.
	idx.crc32s = make([]uint32, objectCount)
	for i := 0; i < objectCount; i++ {
		_, err = io.ReadFull(idx.r, bufInt32)
		if err != nil {
			return fmt.Errorf("couldn't read crc32 for entry %d: %w", i, err)
		}
		idx.crc32s[i] = binary.BigEndian.Uint32(bufInt32)
	}

	// We can now allocate our final map (oid => offset) and fill it with the
	// correct offsets by reading into layer4 and layer5
	// We'll first loop over layer4, then into layer if needed
	idx.hashOffset = make(map[githash.Oid]uint64, objectCount)
	idx.offsets32 = make([]uint64, objectCount)
	layer3Size := objectCount * layer3EntrySize
	layer4Offset := layer2offset + layer2Size + layer3Size
	layer4Size := objectCount * layer4EntrySize
	layer5Offset := int64(layer4Offset + layer4Size)

	// Before fetching the data in layer 4, we need to make a list to
	// store the object that we'll need to find in layer5. Because we use
	// a buffered reader, we cannot go back and forth between layer4 and 5,
	// so if layer4 contains a layer5 object, we'll have to read it later
	type layer5Data struct {
		oid            githash.Oid
		index          int
		relativeOffset uint64
	}
	layer5offsets := []*layer5Data{}

	// now we can start parsing layer4
	for i, oid := range oids {
		currentOffset := int64(layer4Offset + i*layer4EntrySize)
		// this should only happen if the indexfile is invalid and
		// layer4 is smaller than it should
		if currentOffset >= layer5Offset {
			return fmt.Errorf("oid %s is out of bound in layer4: %w", oid.String(), os.ErrNotExist)
		}
		_, err = io.ReadFull(idx.r, bufInt32)
		if err != nil {
			return fmt.Errorf("couldn't read offset of oid %s at position %d (layer4): %w", oid.String(), currentOffset, err)
		}
		entry := binary.BigEndian.Uint32(bufInt32)

		// The entry contains 2 information, a MSB and the offset.
		// The MSB correspond to the first bit on the very left, and the
		// offset is stored in the 31 next bits (because its a 32bits number)

		// One way to get the MSB value is to push it 31 bits to the right.
		// If the MSB is one, then our 32bits number will now be
		// 00000000000000000000000000000001, which is the binary
		// representation of 1
		// If the MSB is 0, then all the bits will be set to 0, which is
		// the binary representation of a 0.
		msb := (entry >> 31) == 1

		// Now to get the offset we need to force the MSB to be 0.
		// To do so we can use a binary mask with a AND. We use 0 for the
		// bits we want to change to 0, and 1 for the bits we want to stay at
		// their current value.
		offset := uint64(entry & 0b01111111111111111111111111111111)
		// If the msb is not set, then the offset is valid, and we're done.
		// If the msb is set then the offset we got is to get an entry in
		// layer5, which will contain the offset in the packfile
		if msb {
			layer5offsets = append(layer5offsets, &layer5Data{
				oid:            oid,
				index:          i,
				relativeOffset: offset,
			})
			continue
		}
		idx.hashOffset[oid] = offset
		idx.offsets32[i] = offset
	}

	// Now we go get the offset from layer5
	// We need to make sure we access the offset in the right order
	// since we won't be able to go back to a lower offset
	sort.Slice(layer5offsets, func(i, j int) bool { return layer5offsets[i].relativeOffset < layer5offsets[j].relativeOffset })
	currentRelativeOffset := uint64(0)
	for _, data := range layer5offsets {
		// This should never happen since the offsert should be back-
		// to-back, but it cost nothing to double check
		if data.relativeOffset != currentRelativeOffset {
			return fmt.Errorf("expected oid %s to be at (relative) offset %d, but is at %d instead (in layer5 %d): %w", data.oid.String(), currentRelativeOffset, data.relativeOffset, layer5Offset, os.ErrNotExist)
		}

		entryOffset := layer5Offset + int64(data.relativeOffset)
		_, err = io.ReadFull(idx.r, bufInt64)
		if err != nil {
			return fmt.Errorf("couldn't read offset of oid %s at position %d (layer5): %w", data.oid.String(), entryOffset, err)
		}
		offset := binary.BigEndian.Uint64(bufInt64)
		idx.hashOffset[data.oid] = offset
		idx.offsets32[data.index] = offset
	}

	idx.oids = oids
	idx.parsed = true
	return nil
}

// EntryCount returns the total number of objects in the index.
func (idx *PackIndex) EntryCount() (int, error) {
	if err := idx.parse(); err != nil {
		return 0, fmt.Errorf("could not parse the index file: %w", err)
	}
	return len(idx.oids), nil
}

// Fanout returns the cumulative object count for oids whose first
// byte is <= b.
func (idx *PackIndex) Fanout(b byte) (uint32, error) {
	if err := idx.parse(); err != nil {
		return 0, fmt.Errorf("could not parse the index file: %w", err)
	}
	return idx.fanout[b], nil
}

// OidAt returns the oid stored at the given (sorted) entry index.
func (idx *PackIndex) OidAt(i int) (githash.Oid, error) {
	if err := idx.parse(); err != nil {
		return nil, fmt.Errorf("could not parse the index file: %w", err)
	}
	if i < 0 || i >= len(idx.oids) {
		return nil, fmt.Errorf("entry index %d out of range [0, %d): %w", i, len(idx.oids), ginternals.ErrObjectNotFound)
	}
	return idx.oids[i], nil
}

// PackOffsetAt returns the packfile offset of the oid stored at the
// given entry index.
func (idx *PackIndex) PackOffsetAt(i int) (uint64, error) {
	if err := idx.parse(); err != nil {
		return 0, fmt.Errorf("could not parse the index file: %w", err)
	}
	if i < 0 || i >= len(idx.offsets32) {
		return 0, fmt.Errorf("entry index %d out of range [0, %d): %w", i, len(idx.offsets32), ginternals.ErrObjectNotFound)
	}
	return idx.offsets32[i], nil
}

// CRC32At returns the CRC-32 of the pack bytes covered by the entry
// at the given index. It returns ErrCRCUnavailable for a v1 index,
// which carries no CRC-32 layer.
func (idx *PackIndex) CRC32At(i int) (uint32, error) {
	if err := idx.parse(); err != nil {
		return 0, fmt.Errorf("could not parse the index file: %w", err)
	}
	if idx.crc32s == nil {
		return 0, ErrCRCUnavailable
	}
	if i < 0 || i >= len(idx.crc32s) {
		return 0, fmt.Errorf("entry index %d out of range [0, %d): %w", i, len(idx.crc32s), ginternals.ErrObjectNotFound)
	}
	return idx.crc32s[i], nil
}

// Version returns the on-disk format version of the index, 1 or 2.
func (idx *PackIndex) Version() (int, error) {
	if err := idx.parse(); err != nil {
		return 0, fmt.Errorf("could not parse the index file: %w", err)
	}
	return idx.version, nil
}

// fanoutRange returns the [start, end) slice of idx.oids that may
// contain oids/prefixes whose first byte is firstByte.
func (idx *PackIndex) fanoutRange(firstByte byte) (start, end uint32) {
	if firstByte == 0 {
		return 0, idx.fanout[0]
	}
	return idx.fanout[firstByte-1], idx.fanout[firstByte]
}

// Find returns the entry index of oid using a binary search bounded
// by the fanout range for oid's first byte.
func (idx *PackIndex) Find(oid githash.Oid) (int, error) {
	if err := idx.parse(); err != nil {
		return 0, fmt.Errorf("could not parse the index file: %w", err)
	}
	b := oid.Bytes()[0]
	start, end := idx.fanoutRange(b)
	s := idx.oids[start:end]
	i := sort.Search(len(s), func(i int) bool { return s[i].String() >= oid.String() })
	if i >= len(s) || s[i].String() != oid.String() {
		return 0, ginternals.ErrObjectNotFound
	}
	return int(start) + i, nil
}

// LookupPrefix resolves a partial oid prefix within the fanout range
// selected by its first byte. It returns PrefixNone, PrefixSingle (in
// which case match is populated), or PrefixAmbiguous.
//
// If all is non-nil, every matching oid is appended to it, which lets
// callers collect the full ambiguous set instead of only learning
// that one exists.
func (idx *PackIndex) LookupPrefix(prefix githash.Prefix, all *[]githash.Oid) (PrefixResult, githash.Oid, error) {
	if err := idx.parse(); err != nil {
		return PrefixNone, nil, fmt.Errorf("could not parse the index file: %w", err)
	}
	start, end := idx.fanoutRange(prefix.FirstByte())
	var match githash.Oid
	count := 0
	for i := start; i < end; i++ {
		oid := idx.oids[i]
		if prefix.CmpOid(oid) != githash.PrefixEqual {
			continue
		}
		count++
		if count == 1 {
			match = oid
		}
		if all != nil {
			*all = append(*all, oid)
		}
		if all == nil && count > 1 {
			break
		}
	}
	switch {
	case count == 0:
		return PrefixNone, nil, nil
	case count == 1:
		return PrefixSingle, match, nil
	default:
		return PrefixAmbiguous, nil, nil
	}
}

// VerifyIntegrity checks this index's own trailing checksum (read
// from idxFile, a second handle on the same .idx this PackIndex was
// built from) and, for every entry, that its packfile offset falls
// inside pack's object-data region. When crossCheckCRC is set and the
// index carries a CRC-32 layer (v2 only; a v1 index always skips this
// part), it also recomputes the CRC-32 of the pack bytes each entry
// covers and compares it against the recorded value. Fanout
// monotonicity and oid sort order don't need their own pass here:
// they're already enforced the moment the index is parsed.
func (idx *PackIndex) VerifyIntegrity(idxFile afero.File, pack *Pack, crossCheckCRC bool) error {
	if err := idx.parse(); err != nil {
		return fmt.Errorf("could not parse the index file: %w", err)
	}
	if err := idx.verifyChecksum(idxFile); err != nil {
		return err
	}
	return idx.verifyOffsetsAndCRC(pack, crossCheckCRC)
}

// verifyChecksum re-reads idxFile whole and checks that its last
// hash.OidSize() bytes are the hash of everything before them, the
// same footer layout WriteIndexV2 produces.
func (idx *PackIndex) verifyChecksum(idxFile afero.File) error {
	info, err := idxFile.Stat()
	if err != nil {
		return fmt.Errorf("could not stat index file: %w", err)
	}
	oidSize := int64(idx.hash.OidSize())
	size := info.Size()
	if size < oidSize {
		return fmt.Errorf("index file is smaller than a single checksum: %w", ErrIndexChecksumMismatch)
	}

	body := make([]byte, size-oidSize)
	if _, err = idxFile.ReadAt(body, 0); err != nil {
		return fmt.Errorf("could not read index file body: %w", err)
	}
	trailer := make([]byte, oidSize)
	if _, err = idxFile.ReadAt(trailer, size-oidSize); err != nil {
		return fmt.Errorf("could not read index file checksum: %w", err)
	}
	expected, err := idx.hash.ConvertFromBytes(trailer)
	if err != nil {
		return fmt.Errorf("invalid index checksum trailer: %w", err)
	}

	actual := idx.hash.Sum(body)
	if actual.String() != expected.String() {
		return fmt.Errorf("expected %s, got %s: %w", expected, actual, ErrIndexChecksumMismatch)
	}
	return nil
}

// verifyOffsetsAndCRC walks every entry in pack-offset order, checking
// each offset lands inside pack's object-data region (between the
// packfile header and its trailing checksum) and, when asked and
// possible, that the entry's CRC-32 matches the actual pack bytes
// between it and the next entry (or the pack's own trailer, for the
// last one).
func (idx *PackIndex) verifyOffsetsAndCRC(pack *Pack, crossCheckCRC bool) error {
	packSize, err := pack.r.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("could not seek to end of pack: %w", err)
	}
	dataEnd := packSize - int64(pack.hash.OidSize())

	order := make([]int, len(idx.offsets32))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return idx.offsets32[order[a]] < idx.offsets32[order[b]] })

	doCRC := crossCheckCRC && idx.crc32s != nil
	for rank, i := range order {
		off := int64(idx.offsets32[i])
		if off < int64(packfileHeaderSize) || off >= dataEnd {
			return fmt.Errorf("oid %s at offset %d: %w", idx.oids[i], off, ErrOffsetOutOfBounds)
		}
		if !doCRC {
			continue
		}

		end := dataEnd
		if rank < len(order)-1 {
			end = int64(idx.offsets32[order[rank+1]])
		}
		buf := make([]byte, end-off)
		if _, err = pack.r.ReadAt(buf, off); err != nil {
			return fmt.Errorf("could not read pack bytes for oid %s: %w", idx.oids[i], err)
		}
		if crc32.ChecksumIEEE(buf) != idx.crc32s[i] {
			return fmt.Errorf("oid %s: %w", idx.oids[i], ErrCRCMismatch)
		}
	}
	return nil
}
