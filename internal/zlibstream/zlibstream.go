// Package zlibstream wraps github.com/klauspost/compress/zlib with
// the two inflate modes spec §4.1 (C2) requires: a bounded read into
// a pre-sized buffer (used by loose-object and pack-entry decoding,
// where the declared size is already known) and a streaming mode that
// also reports how many compressed bytes were consumed, which the
// pack-reception pipeline (C10) needs to find the next entry.
package zlibstream

import (
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/xerrors"
)

// InflateBounded decompresses input into output, which must be sized
// to exactly the declared decompressed length. It returns the number
// of compressed bytes consumed from input, which may be less than
// len(input) since the caller typically hands in "the rest of the
// pack file" rather than a tightly-bounded slice.
func InflateBounded(input []byte, output []byte) (consumed int, err error) {
	cr := &countingReader{r: bytes.NewReader(input)}
	zr, err := zlib.NewReader(cr)
	if err != nil {
		return 0, xerrors.Errorf("could not create zlib reader: %w", err)
	}
	defer zr.Close() //nolint:errcheck // best-effort; read errors already surface below

	n, err := io.ReadFull(zr, output)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return 0, xerrors.Errorf("inflate: %w", err)
	}
	if n != len(output) {
		return 0, xerrors.Errorf("inflate produced %d bytes, expected %d: %w", n, len(output), io.ErrUnexpectedEOF)
	}
	return cr.n, nil
}

// InflateStream decompresses a zlib stream anchored at the start of
// input, stopping as soon as the stream ends (which may be well
// before len(input) when input is "the rest of the pack file"). It
// returns the decompressed bytes and how many compressed bytes were
// consumed, so the caller can locate the next pack entry.
func InflateStream(input []byte) (output []byte, consumed int, err error) {
	cr := &countingReader{r: bytes.NewReader(input)}
	zr, err := zlib.NewReader(cr)
	if err != nil {
		return nil, 0, xerrors.Errorf("could not create zlib reader: %w", err)
	}
	defer zr.Close() //nolint:errcheck // best-effort; read errors already surface below

	output, err = io.ReadAll(zr)
	if err != nil {
		return nil, 0, xerrors.Errorf("inflate: %w", err)
	}
	return output, cr.n, nil
}

// StreamReader decompresses from an underlying io.Reader until the
// compressed stream ends, without requiring the decompressed size to
// be known up front. It does not report how many compressed bytes
// were consumed; InflateStream does.
type StreamReader struct {
	zr io.ReadCloser
}

// NewStreamReader wraps r for streaming inflate.
func NewStreamReader(r io.Reader) (*StreamReader, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, xerrors.Errorf("could not create zlib reader: %w", err)
	}
	return &StreamReader{zr: zr}, nil
}

// Read implements io.Reader.
func (s *StreamReader) Read(p []byte) (int, error) {
	return s.zr.Read(p)
}

// Close releases the underlying zlib reader.
func (s *StreamReader) Close() error {
	return s.zr.Close()
}

// countingReader wraps a reader to report exactly how many bytes were
// pulled through it, so callers can recover the compressed size of an
// entry whose end isn't otherwise marked.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// ReadByte makes countingReader a flate.Reader, so zlib reads from it
// directly instead of through its own read-ahead buffer, which would
// count bytes past the end of the stream.
func (c *countingReader) ReadByte() (byte, error) {
	b, err := c.r.ReadByte()
	if err == nil {
		c.n++
	}
	return b, err
}
