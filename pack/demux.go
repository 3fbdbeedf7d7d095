package pack

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/pktline"
	"golang.org/x/xerrors"
)

// Sideband channel numbers used by the pack-transfer protocol when
// side-band-64k is negotiated. Each data pkt-line's first payload
// byte names the channel the rest belongs to.
const (
	sidebandPack     = 1
	sidebandProgress = 2
	sidebandError    = 3
)

var (
	// ErrRemoteError is returned when the peer reports a fatal error
	// over sideband channel 3.
	ErrRemoteError = errors.New("remote reported an error")
	// ErrUnexpectedPacket is returned when a delim or response-end
	// packet shows up inside a pack stream, where only data packets
	// and a terminating flush are valid.
	ErrUnexpectedPacket = errors.New("unexpected pkt-line in pack stream")
)

// PktLineReader adapts a pkt-line framed stream into the raw pack
// byte stream Receive consumes: each data packet's payload is yielded
// in order, and a flush-pkt (or clean EOF) ends the stream. With
// sideband enabled, only channel-1 payloads reach the caller;
// channel-2 messages are forwarded to the ProgressSink and channel 3
// aborts the read with ErrRemoteError.
type PktLineReader struct {
	d        *pktline.Reader
	sink     ProgressSink
	sideband bool

	pending []byte
	done    bool
	err     error
}

// NewPktLineReader wraps r for pkt-line demultiplexing. sink may be
// nil when sideband is false, or to discard progress messages.
func NewPktLineReader(r io.Reader, sideband bool, sink ProgressSink) *PktLineReader {
	if sink == nil {
		sink = NopProgressSink{}
	}
	return &PktLineReader{
		d:        pktline.NewReader(r),
		sink:     sink,
		sideband: sideband,
	}
}

// Read implements io.Reader. Once a flush-pkt or an error has been
// observed the reader is exhausted for good.
func (r *PktLineReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for len(r.pending) == 0 {
		if r.done {
			return 0, io.EOF
		}
		pkt, err := r.d.ReadPacket()
		if err != nil {
			if errors.Is(err, io.EOF) {
				r.done = true
				return 0, io.EOF
			}
			r.err = err
			return 0, err
		}
		switch pkt.Kind {
		case pktline.KindFlush:
			r.done = true
		case pktline.KindData:
			if !r.sideband {
				r.pending = pkt.Data
				continue
			}
			if len(pkt.Data) == 0 {
				continue
			}
			band, payload := pkt.Data[0], pkt.Data[1:]
			switch band {
			case sidebandPack:
				r.pending = payload
			case sidebandProgress:
				r.sink.Info(strings.TrimRight(string(payload), "\r\n"))
			case sidebandError:
				r.err = xerrors.Errorf("%s: %w", strings.TrimRight(string(payload), "\r\n"), ErrRemoteError)
				return 0, r.err
			default:
				r.err = xerrors.Errorf("unknown sideband channel %d: %w", band, ErrUnexpectedPacket)
				return 0, r.err
			}
		default:
			r.err = xerrors.Errorf("got a %d packet: %w", pkt.Kind, ErrUnexpectedPacket)
			return 0, r.err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// ReceivePktLine runs Receive on a pack carried over a pkt-line
// framed stream, the shape the smart transports deliver it in. See
// PktLineReader for the sideband semantics.
func ReceivePktLine(ctx context.Context, hash githash.Hash, r io.Reader, sideband bool, mode Mode, find ObjectFinder, cancel *AtomicBool, sink ProgressSink) (*Result, error) {
	if sink == nil {
		sink = NopProgressSink{}
	}
	return Receive(ctx, hash, NewPktLineReader(r, sideband, sink), mode, find, cancel, sink)
}
