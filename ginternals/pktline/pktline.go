// Package pktline implements the length-prefixed record framing (C9)
// that smart-transport byte streams use, including the pack byte
// stream this module's pack-reception pipeline consumes once any
// sideband framing has already been stripped by the transport.
package pktline

import (
	"bufio"
	"encoding/hex"
	"errors"
	"io"

	"golang.org/x/xerrors"
)

// MaxDataLength is the largest payload a single non-special pkt-line
// may carry: 65516 bytes, i.e. 0xFFF0 (the conventional maximum),
// minus the 4-byte length prefix.
const MaxDataLength = 65516

// Special, zero-length packets recognized by the length prefix alone.
var (
	// FlushPkt ("0000") terminates a list of pkt-lines.
	FlushPkt = []byte{}
	// DelimPkt ("0001") separates sections within a protocol v2
	// command's pkt-line stream.
	DelimPkt = []byte{0x01}
	// ResponseEndPkt ("0002") ends the response to a protocol v2
	// command.
	ResponseEndPkt = []byte{0x02}
)

// ErrInvalidLength is returned when a length prefix isn't 4 valid hex
// digits, declares a length above 4+MaxDataLength, or declares a
// length of 3 (not a special packet, yet shorter than the header
// itself).
var ErrInvalidLength = errors.New("invalid pkt-line length prefix")

// ErrDataTooLong is returned by Encode when payload exceeds
// MaxDataLength.
var ErrDataTooLong = errors.New("pkt-line payload exceeds maximum length")

// Kind classifies a decoded packet.
type Kind int8

const (
	// KindData is a normal, payload-carrying packet.
	KindData Kind = iota
	// KindFlush is "0000".
	KindFlush
	// KindDelim is "0001".
	KindDelim
	// KindResponseEnd is "0002".
	KindResponseEnd
)

// Packet is one decoded pkt-line.
type Packet struct {
	Kind Kind
	Data []byte
}

// Encode writes data as a single pkt-line: a 4-byte lowercase hex
// length (including itself) followed by data verbatim.
func Encode(w io.Writer, data []byte) error {
	if len(data) > MaxDataLength {
		return xerrors.Errorf("payload is %d bytes: %w", len(data), ErrDataTooLong)
	}
	length := len(data) + 4
	var header [4]byte
	hex.Encode(header[:], []byte{byte(length >> 8), byte(length)})
	if _, err := w.Write(header[:]); err != nil {
		return xerrors.Errorf("could not write pkt-line header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return xerrors.Errorf("could not write pkt-line payload: %w", err)
	}
	return nil
}

// EncodeFlush writes the flush-pkt ("0000").
func EncodeFlush(w io.Writer) error { return writeSpecial(w, "0000") }

// EncodeDelim writes the delim-pkt ("0001").
func EncodeDelim(w io.Writer) error { return writeSpecial(w, "0001") }

// EncodeResponseEnd writes the response-end-pkt ("0002").
func EncodeResponseEnd(w io.Writer) error { return writeSpecial(w, "0002") }

func writeSpecial(w io.Writer, literal string) error {
	if _, err := w.Write([]byte(literal)); err != nil {
		return xerrors.Errorf("could not write special pkt-line %q: %w", literal, err)
	}
	return nil
}

// Reader decodes a stream of pkt-lines.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r for pkt-line decoding.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// ReadPacket decodes the next pkt-line. io.EOF is returned once the
// underlying stream is exhausted cleanly between packets.
func (d *Reader) ReadPacket() (Packet, error) {
	var header [4]byte
	if _, err := io.ReadFull(d.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Packet{}, xerrors.Errorf("truncated pkt-line header: %w", ErrInvalidLength)
		}
		return Packet{}, err
	}

	length, err := parseLength(header)
	if err != nil {
		return Packet{}, err
	}

	switch length {
	case 0:
		return Packet{Kind: KindFlush}, nil
	case 1:
		return Packet{Kind: KindDelim}, nil
	case 2:
		return Packet{Kind: KindResponseEnd}, nil
	}

	if length < 4 {
		return Packet{}, ErrInvalidLength
	}
	dataLen := length - 4
	data := make([]byte, dataLen)
	if _, err := io.ReadFull(d.r, data); err != nil {
		return Packet{}, xerrors.Errorf("truncated pkt-line payload (wanted %d bytes): %w", dataLen, err)
	}
	return Packet{Kind: KindData, Data: data}, nil
}

func parseLength(header [4]byte) (int, error) {
	var raw [2]byte
	if _, err := hex.Decode(raw[:], header[:]); err != nil {
		return 0, xerrors.Errorf("%q: %w", string(header[:]), ErrInvalidLength)
	}
	length := int(raw[0])<<8 | int(raw[1])
	if length > 4+MaxDataLength {
		return 0, ErrInvalidLength
	}
	return length, nil
}
