// Package pack implements the reception side of the packfile protocol
// (C10): turning a byte stream fresh off the wire into a validated,
// fully-indexed pack on disk, including resolving any thin-pack
// entries (RefDelta bases that live outside the incoming pack) against
// a caller-supplied object store.
//
// Reading an existing, already-indexed pack is ginternals/packfile's
// job. This package only concerns itself with the one-shot ingestion
// of a new pack.
package pack

import (
	"bytes"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"sort"
	"sync"

	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/object"
	"github.com/harlowlabs/gitcore/ginternals/packfile"
	"github.com/harlowlabs/gitcore/internal/zlibstream"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// Mode controls how Receive reacts to a pack whose trailing checksum
// doesn't match the bytes that precede it.
type Mode int

const (
	// ModeStrict fails the whole reception on a checksum mismatch.
	ModeStrict Mode = iota
	// ModeRestore substitutes the freshly computed hash for the
	// stored trailer instead of failing, on the assumption that the
	// bytes themselves (rather than their recorded checksum) are the
	// ones worth keeping. Used for recovering packs written by a
	// peer with a different or buggy hash implementation.
	ModeRestore
)

var (
	// ErrEmptyPack is returned when the input stream contains no
	// object entries.
	ErrEmptyPack = errors.New("pack contains no objects")
	// ErrChecksumMismatch is returned in ModeStrict when the trailing
	// hash doesn't match the preceding bytes.
	ErrChecksumMismatch = errors.New("pack checksum mismatch")
	// ErrMissingDeltaBase is returned when a RefDelta's base object
	// can be found neither elsewhere in the pack nor through the
	// caller-supplied ObjectFinder.
	ErrMissingDeltaBase = errors.New("delta base could not be resolved")
	// ErrCancelled is returned when the caller's AtomicBool cancel
	// flag is observed set mid-operation.
	ErrCancelled = errors.New("pack reception was cancelled")
)

// ObjectFinder looks up an object that may live outside the pack being
// received, e.g. in the repository's existing loose/packed object
// store. It's how a thin pack's RefDelta bases get resolved.
type ObjectFinder func(oid githash.Oid) (typ object.Type, data []byte, found bool, err error)

// AtomicBool is a cooperative cancellation flag, polled once per pack
// entry during iteration and once per resolution round during
// indexing.
type AtomicBool struct {
	mu  sync.Mutex
	val bool
}

// Set marks the flag, requesting cancellation.
func (a *AtomicBool) Set() {
	a.mu.Lock()
	a.val = true
	a.mu.Unlock()
}

// Get reports whether the flag has been set.
func (a *AtomicBool) Get() bool {
	a.mu.Lock()
	v := a.val
	a.mu.Unlock()
	return v
}

// ProgressSink receives coarse progress updates during reception.
// Implementations must not block the caller for long; a slow sink
// slows down reception.
type ProgressSink interface {
	// OnEntry is called once per entry discovered during iteration,
	// with the 1-based index and the declared total entry count.
	OnEntry(index, total int)
	// OnResolve is called once per object placed into the resolved
	// set during indexing.
	OnResolve(resolved, total int)
	// Info is called with free-form status messages, such as the
	// progress lines a remote sends over sideband channel 2.
	Info(msg string)
}

// NopProgressSink discards all progress updates.
type NopProgressSink struct{}

// OnEntry implements ProgressSink.
func (NopProgressSink) OnEntry(int, int) {}

// OnResolve implements ProgressSink.
func (NopProgressSink) OnResolve(int, int) {}

// Info implements ProgressSink.
func (NopProgressSink) Info(string) {}

// RawEntry is one object as it appears in the incoming pack stream,
// before delta resolution.
type RawEntry struct {
	// Offset is the entry's byte offset from the start of the pack,
	// header included.
	Offset uint64
	// Type is the entry's type as stored, which may be one of the
	// two delta pseudo-types.
	Type object.Type
	// Data is the zlib-decompressed payload: the delta instruction
	// stream for a delta entry, or the object body otherwise.
	Data []byte
	// CompressedSize is the number of bytes the zlib stream occupied
	// in the source, used to locate the next entry.
	CompressedSize int
	// BaseOid is set for RefDelta entries.
	BaseOid githash.Oid
	// BaseOffset is set for OfsDelta entries: the absolute offset
	// (from the start of the pack) of the base object's entry.
	BaseOffset uint64
	// Raw is the entry's exact bytes as they appear in the source
	// pack (header through compressed body), used both to compute
	// the entry's CRC32 for the new index and to copy the entry
	// verbatim into the output pack without recompressing it.
	Raw []byte
}

// IsDelta reports whether the entry needs base resolution.
func (e RawEntry) IsDelta() bool {
	return e.Type == object.ObjectDeltaOFS || e.Type == object.ObjectDeltaRef
}

// resolvedObject is a fully reconstructed object, keyed by its entry's
// offset in the source pack.
type resolvedObject struct {
	offset  uint64
	typ     object.Type
	data    []byte
	oid     githash.Oid
	crc32   uint32
	fromBuf bool // true if sourced from the incoming pack rather than ObjectFinder
}

// Result is the outcome of a successful Receive.
type Result struct {
	// PackData is the received pack, rewritten with a trailer
	// matching hash, if ModeRestore substituted it.
	PackData []byte
	// Index is an in-memory v2 index over PackData, ready to be
	// written out with packfile.WriteIndexV2.
	Index []packfile.IndexEntry
	// ObjectCount is the number of objects in Index: every entry of
	// the received pack, deltas included, plus any appended external
	// delta base.
	ObjectCount int
}

// iterateEntries walks buf (a full pack file, header through trailer
// exclusive) and returns every entry in encounter order. offset 0 is
// the first byte of buf, i.e. the pack header itself; entries begin at
// offset headerSize (12).
func iterateEntries(hash githash.Hash, buf []byte, declaredCount int, cancel *AtomicBool, sink ProgressSink) ([]RawEntry, error) {
	const headerSize = 12
	if len(buf) < headerSize {
		return nil, xerrors.Errorf("pack is too short to contain a header: %w", ErrEmptyPack)
	}
	entries := make([]RawEntry, 0, declaredCount)
	pos := uint64(headerSize)
	for i := 0; i < declaredCount; i++ {
		if cancel != nil && cancel.Get() {
			return nil, ErrCancelled
		}
		entry, consumed, err := decodeEntry(hash, buf, pos)
		if err != nil {
			return nil, xerrors.Errorf("entry %d at offset %d: %w", i, pos, err)
		}
		entries = append(entries, entry)
		pos += consumed
		sink.OnEntry(i+1, declaredCount)
	}
	return entries, nil
}

// decodeEntry decodes the single entry starting at pos in buf,
// returning it along with the number of bytes (header, optional delta
// base field, and compressed body) it occupies.
func decodeEntry(hash githash.Hash, buf []byte, pos uint64) (RawEntry, uint64, error) {
	if pos >= uint64(len(buf)) {
		return RawEntry{}, 0, xerrors.Errorf("offset %d is past end of pack", pos)
	}
	start := pos
	b := buf[pos]
	typ := object.Type((b & 0b_0111_0000) >> 4)
	if !typ.IsValid() {
		return RawEntry{}, 0, fmt.Errorf("unknown object type %d", typ)
	}
	headerLen := 1
	if b&0x80 != 0 {
		_, read, err := decodeVarint7Cont(buf[pos+1:])
		if err != nil {
			return RawEntry{}, 0, xerrors.Errorf("couldn't read object size: %w", err)
		}
		headerLen += read
	}
	pos += uint64(headerLen)

	entry := RawEntry{Offset: start, Type: typ}
	switch typ {
	case object.ObjectDeltaRef:
		if int(pos)+hash.OidSize() > len(buf) {
			return RawEntry{}, 0, xerrors.Errorf("truncated ref-delta base id")
		}
		oid, err := hash.ConvertFromBytes(buf[pos : pos+uint64(hash.OidSize())])
		if err != nil {
			return RawEntry{}, 0, xerrors.Errorf("invalid ref-delta base id: %w", err)
		}
		entry.BaseOid = oid
		pos += uint64(hash.OidSize())
	case object.ObjectDeltaOFS:
		distance, read, err := decodeOfsDeltaDistanceCont(buf[pos:])
		if err != nil {
			return RawEntry{}, 0, xerrors.Errorf("couldn't read ofs-delta distance: %w", err)
		}
		if distance > start {
			return RawEntry{}, 0, xerrors.Errorf("ofs-delta distance %d exceeds entry offset %d", distance, start)
		}
		entry.BaseOffset = start - distance
		pos += uint64(read)
	}

	data, consumed, err := zlibstream.InflateStream(buf[pos:])
	if err != nil {
		return RawEntry{}, 0, xerrors.Errorf("could not inflate entry body: %w", err)
	}
	entry.Data = data
	pos += uint64(consumed)
	entry.CompressedSize = consumed
	entry.Raw = buf[start:pos]

	return entry, pos - start, nil
}

// decodeVarint7Cont mirrors packfile's internal object-size decoding:
// a first byte already consumed by the caller for type+4 low bits,
// continuation bytes 7-bits-per-byte little-endian thereafter. Only
// the continuation bytes are decoded here; the caller already has the
// low nibble.
func decodeVarint7Cont(data []byte) (value uint64, bytesRead int, err error) {
	for i, b := range data {
		bytesRead++
		value |= uint64(b&0x7F) << (7 * uint(i))
		if b&0x80 == 0 {
			return value, bytesRead, nil
		}
	}
	return 0, 0, xerrors.Errorf("truncated size field: %w", packfile.ErrIntOverflow)
}

// decodeOfsDeltaDistanceCont decodes an ofs-delta distance per the
// pack format's big-endian, increment-on-continuation encoding.
func decodeOfsDeltaDistanceCont(data []byte) (distance uint64, bytesRead int, err error) {
	for _, b := range data {
		bytesRead++
		chunk := uint64(b & 0x7F)
		if b&0x80 != 0 {
			chunk++
		}
		distance = distance<<7 + chunk
		if b&0x80 == 0 {
			return distance, bytesRead, nil
		}
	}
	return 0, 0, xerrors.Errorf("truncated ofs-delta distance: %w", packfile.ErrIntOverflow)
}

// resolver turns a set of RawEntry into fully reconstructed objects,
// resolving delta chains (possibly reaching outside the pack via
// find) in a fixed-point loop: each round tries every still-unresolved
// entry against what's resolved so far, alternating a local-only pass
// with a pass that's allowed to call find, stopping only once an
// entire round makes no progress.
type resolver struct {
	hash    githash.Hash
	entries []RawEntry
	find    ObjectFinder
	cancel  *AtomicBool
	sink    ProgressSink

	mu       sync.Mutex
	byOffset map[uint64]*resolvedObject
	byOid    map[string]*resolvedObject
}

func newResolver(hash githash.Hash, entries []RawEntry, find ObjectFinder, cancel *AtomicBool, sink ProgressSink) *resolver {
	return &resolver{
		hash:     hash,
		entries:  entries,
		find:     find,
		cancel:   cancel,
		sink:     sink,
		byOffset: make(map[uint64]*resolvedObject, len(entries)),
		byOid:    make(map[string]*resolvedObject, len(entries)),
	}
}

// resolve runs the full fixed-point loop and returns every object in
// entry order, or ErrMissingDeltaBase naming the first entry that
// could not be resolved once no round makes further progress.
func (r *resolver) resolve(ctx context.Context) ([]*resolvedObject, error) {
	pending := make([]int, 0, len(r.entries))

	// Phase 1: every non-delta entry resolves immediately and in
	// parallel, since none of them depend on anything else in the pack.
	g, _ := errgroup.WithContext(ctx)
	for i, e := range r.entries {
		if e.IsDelta() {
			pending = append(pending, i)
			continue
		}
		i, e := i, e
		g.Go(func() error {
			if r.cancel != nil && r.cancel.Get() {
				return ErrCancelled
			}
			oid := r.hash.Sum(buildHashable(e.Type, e.Data))
			obj := &resolvedObject{offset: e.Offset, typ: e.Type, data: e.Data, oid: oid, crc32: crc32.ChecksumIEEE(e.Raw), fromBuf: true}
			r.store(i, obj)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Phase 2: iterate delta entries to a fixed point. Each round
	// first tries every still-pending entry against bases already
	// resolved within this pack; only once that makes no progress
	// does it fall back to the external finder, so a pack-local base
	// always wins over a trip outside (and the finder is consulted
	// only for bases truly absent from the incoming pack).
	remaining := pending
	for {
		if r.cancel != nil && r.cancel.Get() {
			return nil, ErrCancelled
		}
		if len(remaining) == 0 {
			break
		}
		localResolved, next, err := r.resolveRound(remaining, false)
		if err != nil {
			return nil, err
		}
		if localResolved == 0 {
			localResolved, next, err = r.resolveRound(remaining, true)
			if err != nil {
				return nil, err
			}
			if localResolved == 0 {
				return nil, xerrors.Errorf("entry at offset %d: %w", r.entries[remaining[0]].Offset, ErrMissingDeltaBase)
			}
		}
		remaining = next
	}

	out := make([]*resolvedObject, len(r.entries))
	r.mu.Lock()
	for i, e := range r.entries {
		out[i] = r.byOffset[e.Offset]
	}
	r.mu.Unlock()
	return out, nil
}

// resolveRound attempts every entry index in idxs once, in parallel.
// It returns how many resolved this round and the indices still
// unresolved, in original order.
func (r *resolver) resolveRound(idxs []int, allowFind bool) (int, []int, error) {
	var mu sync.Mutex
	var resolvedCount int
	still := make([]int, 0, len(idxs))

	g := new(errgroup.Group)
	for _, i := range idxs {
		i := i
		g.Go(func() error {
			e := r.entries[i]
			base, ok, err := r.lookupBase(e, allowFind)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if !ok {
				still = append(still, i)
				return nil
			}
			data, err := packfile.ApplyDelta(base.data, e.Data)
			if err != nil {
				return xerrors.Errorf("entry at offset %d: %w", e.Offset, err)
			}
			oid := r.hash.Sum(buildHashable(base.typ, data))
			obj := &resolvedObject{offset: e.Offset, typ: base.typ, data: data, oid: oid, crc32: crc32.ChecksumIEEE(e.Raw), fromBuf: true}
			r.store(i, obj)
			resolvedCount++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, nil, err
	}
	sort.Ints(still)
	return resolvedCount, still, nil
}

// lookupBase resolves a delta entry's base, either from what's already
// resolved in this pack, or (if allowFind) through the external
// ObjectFinder for a RefDelta whose base never appears in the pack.
func (r *resolver) lookupBase(e RawEntry, allowFind bool) (*resolvedObject, bool, error) {
	r.mu.Lock()
	switch e.Type {
	case object.ObjectDeltaOFS:
		if o, ok := r.byOffset[e.BaseOffset]; ok {
			r.mu.Unlock()
			return o, true, nil
		}
		r.mu.Unlock()
		return nil, false, nil
	case object.ObjectDeltaRef:
		if o, ok := r.byOid[e.BaseOid.String()]; ok {
			r.mu.Unlock()
			return o, true, nil
		}
		r.mu.Unlock()
	default:
		r.mu.Unlock()
		return nil, false, nil
	}

	if !allowFind || r.find == nil {
		return nil, false, nil
	}
	typ, data, found, err := r.find(e.BaseOid)
	if err != nil {
		return nil, false, xerrors.Errorf("looking up external delta base %s: %w", e.BaseOid, err)
	}
	if !found {
		return nil, false, nil
	}
	obj := &resolvedObject{typ: typ, data: data, oid: e.BaseOid, fromBuf: false}
	r.mu.Lock()
	r.byOid[e.BaseOid.String()] = obj
	r.mu.Unlock()
	return obj, true, nil
}

func (r *resolver) store(i int, obj *resolvedObject) {
	r.mu.Lock()
	r.byOffset[obj.offset] = obj
	r.byOid[obj.oid.String()] = obj
	r.mu.Unlock()
	r.sink.OnResolve(len(r.byOffset), len(r.entries))
}

// buildHashable builds the "type size\0content" prefix git hashes an
// object's bytes with, mirroring object.Object.build without requiring
// a full object.Object allocation mid-resolution.
func buildHashable(typ object.Type, content []byte) []byte {
	header := fmt.Sprintf("%s %d\x00", typ, len(content))
	out := make([]byte, 0, len(header)+len(content))
	out = append(out, header...)
	out = append(out, content...)
	return out
}

// Receive validates and indexes a pack read in full from r. declaredCount
// is read from the pack's own header; Receive cross-checks it against
// what it actually decodes. find is consulted for RefDelta bases that
// don't appear anywhere in the pack (thin-pack resolution); it may be
// nil for a pack known to be self-contained.
func Receive(ctx context.Context, hash githash.Hash, r io.Reader, mode Mode, find ObjectFinder, cancel *AtomicBool, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopProgressSink{}
	}
	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, xerrors.Errorf("could not read pack stream: %w", err)
	}
	if len(buf) < 12+hash.OidSize() {
		return nil, xerrors.Errorf("pack stream too short: %w", ErrEmptyPack)
	}

	if !bytes.Equal(buf[0:4], []byte{'P', 'A', 'C', 'K'}) {
		return nil, packfile.ErrInvalidMagic
	}
	version := beUint32(buf[4:8])
	if version != 2 {
		return nil, packfile.ErrInvalidVersion
	}
	declaredCount := int(beUint32(buf[8:12]))

	trailerStart := len(buf) - hash.OidSize()
	body := buf[:trailerStart]
	trailer := buf[trailerStart:]
	sum := hash.Sum(body)
	if !bytes.Equal(sum.Bytes(), trailer) {
		if mode == ModeStrict {
			return nil, ErrChecksumMismatch
		}
		buf = append(append([]byte{}, body...), sum.Bytes()...)
	}

	entries, err := iterateEntries(hash, buf[:trailerStart], declaredCount, cancel, sink)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptyPack
	}
	last := entries[len(entries)-1]
	if end := last.Offset + uint64(len(last.Raw)); end != uint64(trailerStart) {
		return nil, xerrors.Errorf("pack declares %d entries but %d bytes follow the last one", declaredCount, uint64(trailerStart)-end)
	}

	res := newResolver(hash, entries, find, cancel, sink)
	resolved, err := res.resolve(ctx)
	if err != nil {
		return nil, err
	}

	idx := make([]packfile.IndexEntry, 0, len(resolved)+len(res.byOid))
	for i, o := range resolved {
		if o == nil {
			return nil, xerrors.Errorf("internal error: entry %d never resolved", i)
		}
		idx = append(idx, packfile.IndexEntry{Oid: o.oid, Offset: o.offset, CRC32: o.crc32})
	}

	// Any RefDelta base that was resolved purely through the external
	// finder doesn't exist anywhere in buf yet. Append it as a full
	// object so the output pack is self-contained: its RefDelta
	// entry will resolve against it in the appended pack too, since
	// RefDelta lookups go by oid rather than file position.
	out := bytes.NewBuffer(append([]byte(nil), buf[:trailerStart]...))
	appended := 0
	for _, o := range res.byOid {
		if o.fromBuf {
			continue
		}
		offset, crc, err := appendPackEntry(out, o.typ, o.data)
		if err != nil {
			return nil, xerrors.Errorf("appending external delta base %s: %w", o.oid, err)
		}
		idx = append(idx, packfile.IndexEntry{Oid: o.oid, Offset: offset, CRC32: crc})
		appended++
	}

	sort.Slice(idx, func(i, j int) bool { return idx[i].Oid.String() < idx[j].Oid.String() })

	final := out.Bytes()
	putBeUint32(final[8:12], uint32(declaredCount+appended))
	sum = hash.Sum(final)
	final = append(final, sum.Bytes()...)

	return &Result{PackData: final, Index: idx, ObjectCount: len(idx)}, nil
}

// appendPackEntry writes a full (non-delta) object entry to out and
// returns its offset (from the start of out, which starts at the
// pack's own header) and its CRC32, covering the header plus
// compressed body.
func appendPackEntry(out *bytes.Buffer, typ object.Type, content []byte) (offset uint64, crc uint32, err error) {
	offset = uint64(out.Len())
	start := out.Len()

	header := encodeEntryHeader(typ, uint64(len(content)))
	out.Write(header)

	zw := zlib.NewWriter(out)
	if _, err := zw.Write(content); err != nil {
		return 0, 0, xerrors.Errorf("could not compress object: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, 0, xerrors.Errorf("could not finish compressing object: %w", err)
	}

	return offset, crc32.ChecksumIEEE(out.Bytes()[start:]), nil
}

// encodeEntryHeader builds the variable-length type+size header that
// precedes a pack entry's compressed body: a first byte carrying the
// type (bits 4-6) and the low 4 size bits, an MSB continuation bit,
// and as many 7-bits-per-byte little-endian continuation bytes as size
// needs.
func encodeEntryHeader(typ object.Type, size uint64) []byte {
	first := byte(typ) << 4
	rest := size >> 4
	if rest > 0 {
		first |= 0x80
	}
	first |= byte(size) & 0x0F
	out := []byte{first}
	for rest > 0 {
		b := byte(rest & 0x7F)
		rest >>= 7
		if rest > 0 {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

func putBeUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func beUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
