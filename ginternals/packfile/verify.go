package packfile

import (
	"errors"
	"io"
	"sync/atomic"

	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/object"
	"golang.org/x/xerrors"
)

// ErrVerifyCancelled is returned by a verify pass that observed its
// CancelFlag set.
var ErrVerifyCancelled = errors.New("verification cancelled")

// ChecksumMismatchError is returned by VerifyChecksum when the
// trailing checksum of the packfile doesn't match the actual contents.
type ChecksumMismatchError struct {
	Expected githash.Oid
	Actual   githash.Oid
}

func (e *ChecksumMismatchError) Error() string {
	return "pack checksum mismatch: expected " + e.Expected.String() + ", got " + e.Actual.String()
}

// CancelFlag lets a caller running on another goroutine ask a
// long-running verify pass to stop early.
type CancelFlag struct {
	flag int32
}

// Cancel marks the flag as set. Safe to call from any goroutine.
func (c *CancelFlag) Cancel() {
	if c == nil {
		return
	}
	atomic.StoreInt32(&c.flag, 1)
}

// Cancelled reports whether Cancel has been called.
func (c *CancelFlag) Cancelled() bool {
	return c != nil && atomic.LoadInt32(&c.flag) == 1
}

// ProgressSink receives best-effort progress updates from a verify
// pass: done is the number of objects processed so far, total is the
// total object count for the pack being verified.
type ProgressSink interface {
	OnProgress(done, total uint32)
}

// NopProgressSink discards every progress update. The zero value is
// ready to use.
type NopProgressSink struct{}

// OnProgress implements ProgressSink.
func (NopProgressSink) OnProgress(uint32, uint32) {}

// VerifyMode selects the time/memory tradeoff VerifyIntegrity makes
// while computing delta chain length statistics.
type VerifyMode int

const (
	// VerifyLessMemory recomputes each object's delta chain length
	// from scratch, without memoizing intermediate results.
	VerifyLessMemory VerifyMode = iota
	// VerifyLessTime memoizes every offset's chain length as it's
	// computed, trading memory for the time saved by not re-walking
	// shared delta bases.
	VerifyLessTime
)

// ChainLengthStat accumulates per-chain-length statistics: how many
// objects have a given delta chain length, and the total/average size
// of their compressed and decompressed forms.
type ChainLengthStat struct {
	Count               int
	TotalSize           int64
	TotalCompressedSize int64
}

func (s *ChainLengthStat) record(size, compressedSize int64) {
	s.Count++
	s.TotalSize += size
	s.TotalCompressedSize += compressedSize
}

// AvgSize returns the average decompressed object size for this chain
// length, or 0 if no object of this length was seen.
func (s ChainLengthStat) AvgSize() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalSize) / float64(s.Count)
}

// AvgCompressedSize returns the average on-disk (zlib compressed)
// object size for this chain length, or 0 if no object of this length
// was seen.
func (s ChainLengthStat) AvgCompressedSize() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.TotalCompressedSize) / float64(s.Count)
}

// VerifyStats summarizes a VerifyIntegrity pass over a packfile.
type VerifyStats struct {
	ObjectCount int
	// ChainLengths[n] describes every object whose delta chain is n
	// links long (0 for a non-delta object).
	ChainLengths map[int]*ChainLengthStat
	// MaxChainLength is the longest delta chain observed.
	MaxChainLength int
}

func newVerifyStats() *VerifyStats {
	return &VerifyStats{ChainLengths: make(map[int]*ChainLengthStat)}
}

func (s *VerifyStats) record(chainLength int, size, compressedSize int64) {
	s.ObjectCount++
	stat, ok := s.ChainLengths[chainLength]
	if !ok {
		stat = &ChainLengthStat{}
		s.ChainLengths[chainLength] = stat
	}
	stat.record(size, compressedSize)
	if chainLength > s.MaxChainLength {
		s.MaxChainLength = chainLength
	}
}

// VerifyChecksum recomputes the pack's trailing checksum over every
// byte preceding it and compares it against the recorded value,
// mirroring PackIndex's own verifyChecksum. It returns the actual
// (recomputed) checksum alongside any mismatch error.
func (pck *Pack) VerifyChecksum(cancel *CancelFlag) (githash.Oid, error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()

	if cancel.Cancelled() {
		return nil, ErrVerifyCancelled
	}

	size, err := pck.r.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, xerrors.Errorf("could not seek to end of pack: %w", err)
	}
	oidSize := int64(pck.hash.OidSize())

	body := make([]byte, size-oidSize)
	if _, err = pck.r.ReadAt(body, 0); err != nil {
		return nil, xerrors.Errorf("could not read pack body: %w", err)
	}
	trailer := make([]byte, oidSize)
	if _, err = pck.r.ReadAt(trailer, size-oidSize); err != nil {
		return nil, xerrors.Errorf("could not read pack checksum: %w", err)
	}
	expected, err := pck.hash.ConvertFromBytes(trailer)
	if err != nil {
		return nil, xerrors.Errorf("invalid pack checksum trailer: %w", err)
	}

	actual := pck.hash.Sum(body)
	if actual.String() != expected.String() {
		return actual, &ChecksumMismatchError{Expected: expected, Actual: actual}
	}
	return actual, nil
}

// VerifyIntegrity walks every object in the pack, via its index,
// verifying that each one decompresses cleanly and resolves (for
// deltas) to a valid base, and collects delta-chain-length statistics
// along the way. mode controls whether chain lengths are memoized
// across objects (VerifyLessTime) or recomputed from scratch for each
// one (VerifyLessMemory).
//
// Every read against the pack goes through Pack.GetObject or the
// rawObjectAt helper below, each of which takes pck.mu for only the
// duration of its own call. GetObject resolves a delta's base without
// taking the lock again, and deltaChainLengthAt recurses between
// rawObjectAt calls, never while holding pck.mu. Taking pck.mu while
// it is already held would self-deadlock, since it isn't reentrant.
func (pck *Pack) VerifyIntegrity(mode VerifyMode, cancel *CancelFlag, progress ProgressSink) (*VerifyStats, error) {
	if progress == nil {
		progress = NopProgressSink{}
	}
	if err := pck.idx.parse(); err != nil {
		return nil, xerrors.Errorf("could not parse the index file: %w", err)
	}

	var cache map[uint64]int
	if mode == VerifyLessTime {
		cache = make(map[uint64]int)
	}

	stats := newVerifyStats()
	total := pck.ObjectCount()
	var done uint32

	for oid, offset := range pck.idx.hashOffset {
		if cancel.Cancelled() {
			return nil, ErrVerifyCancelled
		}

		o, err := pck.GetObject(oid)
		if err != nil {
			return nil, xerrors.Errorf("could not resolve object %s at offset %d: %w", oid.String(), offset, err)
		}
		chainLength, compressedSize, err := pck.deltaChainLengthAt(offset, cache)
		if err != nil {
			return nil, xerrors.Errorf("could not compute delta chain length for %s: %w", oid.String(), err)
		}
		stats.record(chainLength, int64(o.Size()), compressedSize)

		done++
		progress.OnProgress(done, total)
	}
	return stats, nil
}

// rawObjectAt reads the entry stored at offset, without following any
// delta chain, under pck.mu. The lock is released before this
// function returns, so callers are free to recurse.
func (pck *Pack) rawObjectAt(offset uint64) (o *object.Object, baseOid githash.Oid, baseOffset uint64, compressedSize int64, err error) {
	pck.mu.Lock()
	defer pck.mu.Unlock()
	return pck.getRawObjectAt(nil, offset)
}

// deltaChainLengthAt returns how many delta links separate the object
// at offset from its non-delta base (0 for a non-delta object), along
// with the compressed size of the entry actually stored at offset.
// cache memoizes chain lengths by offset when non-nil.
func (pck *Pack) deltaChainLengthAt(offset uint64, cache map[uint64]int) (chainLength int, compressedSize int64, err error) {
	o, baseOid, baseOffset, compressed, err := pck.rawObjectAt(offset)
	if err != nil {
		return 0, 0, xerrors.Errorf("could not read raw object at offset %d: %w", offset, err)
	}

	if cache != nil {
		if n, ok := cache[offset]; ok {
			return n, compressed, nil
		}
	}

	if o.Type() != object.ObjectDeltaRef && o.Type() != object.ObjectDeltaOFS {
		if cache != nil {
			cache[offset] = 0
		}
		return 0, compressed, nil
	}

	if baseOid != nil && !baseOid.IsZero() {
		baseOffset, err = pck.idx.GetObjectOffset(baseOid)
		if err != nil {
			return 0, 0, xerrors.Errorf("could not find base object %s: %w", baseOid.String(), err)
		}
	}

	baseChain, _, err := pck.deltaChainLengthAt(baseOffset, cache)
	if err != nil {
		return 0, 0, err
	}
	n := baseChain + 1
	if cache != nil {
		cache[offset] = n
	}
	return n, compressed, nil
}
