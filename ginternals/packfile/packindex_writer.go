package packfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/harlowlabs/gitcore/ginternals/githash"
	"golang.org/x/xerrors"
)

// IndexEntry is one object's record going into a v2 index: the
// information PackIndex's 5 layers hold per object, gathered up front
// so WriteIndexV2 can lay them out without re-deriving anything.
type IndexEntry struct {
	Oid    githash.Oid
	Offset uint64
	CRC32  uint32
}

// largeOffsetThreshold is the smallest offset layer4 cannot hold
// directly: anything at or above this needs the layer4 MSB escape into
// layer5.
const largeOffsetThreshold = 1 << 31

// WriteIndexV2 writes a v2 .idx file for entries (a pack's full object
// set) to w, given the pack's own trailing checksum packChecksum. This
// mirrors the format PackIndex reads: header, 256-entry fanout, sorted
// oids, CRC32s, 4-byte offsets (with the large-offset escape into an
// 8-byte table), then the pack checksum and a checksum of everything
// written before it.
func WriteIndexV2(w io.Writer, hash githash.Hash, entries []IndexEntry, packChecksum githash.Oid) error {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Oid.Bytes(), sorted[j].Oid.Bytes()) < 0
	})

	buf := new(bytes.Buffer)
	buf.Write(indexHeader())

	var fanout [256]uint32
	for _, e := range sorted {
		b := e.Oid.Bytes()
		if len(b) == 0 {
			return xerrors.Errorf("index entry for %s has an empty oid", e.Oid)
		}
		fanout[b[0]]++
	}
	for i := 1; i < 256; i++ {
		fanout[i] += fanout[i-1]
	}
	for _, count := range fanout {
		if err := binary.Write(buf, binary.BigEndian, count); err != nil {
			return xerrors.Errorf("could not write fanout table: %w", err)
		}
	}

	for _, e := range sorted {
		if _, err := buf.Write(e.Oid.Bytes()); err != nil {
			return xerrors.Errorf("could not write oid %s: %w", e.Oid, err)
		}
	}

	for _, e := range sorted {
		if err := binary.Write(buf, binary.BigEndian, e.CRC32); err != nil {
			return xerrors.Errorf("could not write crc32 for %s: %w", e.Oid, err)
		}
	}

	var largeOffsets []uint64
	for _, e := range sorted {
		if e.Offset < largeOffsetThreshold {
			if err := binary.Write(buf, binary.BigEndian, uint32(e.Offset)); err != nil {
				return xerrors.Errorf("could not write offset for %s: %w", e.Oid, err)
			}
			continue
		}
		largeIdx := uint32(len(largeOffsets))
		largeOffsets = append(largeOffsets, e.Offset)
		if err := binary.Write(buf, binary.BigEndian, largeIdx|0x80000000); err != nil {
			return xerrors.Errorf("could not write large-offset escape for %s: %w", e.Oid, err)
		}
	}

	for _, off := range largeOffsets {
		if err := binary.Write(buf, binary.BigEndian, off); err != nil {
			return xerrors.Errorf("could not write large offset: %w", err)
		}
	}

	if _, err := buf.Write(packChecksum.Bytes()); err != nil {
		return xerrors.Errorf("could not write pack checksum trailer: %w", err)
	}

	idxChecksum := hash.Sum(buf.Bytes())
	if _, err := buf.Write(idxChecksum.Bytes()); err != nil {
		return xerrors.Errorf("could not write index checksum trailer: %w", err)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return xerrors.Errorf("could not write index: %w", err)
	}
	return nil
}
