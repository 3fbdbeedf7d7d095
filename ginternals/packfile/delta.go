package packfile

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Errors surfaced while applying a delta instruction stream (§3
// "Delta instruction stream").
var (
	// ErrDeltaBaseSizeMismatch is returned when a delta's declared
	// base size doesn't match the actual base object's size.
	ErrDeltaBaseSizeMismatch = errors.New("delta base size does not match base object")
	// ErrDeltaResultSizeMismatch is returned when applying a delta
	// produces a different number of bytes than it declared.
	ErrDeltaResultSizeMismatch = errors.New("delta result size mismatch")
	// ErrDeltaOpcodeReserved is returned for the reserved 0x00 opcode.
	ErrDeltaOpcodeReserved = errors.New("delta opcode 0x00 is reserved")
	// ErrDeltaInstructionInvalid is returned when a copy/insert
	// instruction reads past the end of its source.
	ErrDeltaInstructionInvalid = errors.New("delta instruction is out of bounds")
)

// decodeVarint7 decodes a continuation-bit encoded integer where each
// byte contributes 7 bits, concatenated little-endian (chunk 0 is the
// least significant). This is the encoding used standalone by delta
// base/result sizes, and (after the first byte's special 4-bit
// treatment) by a pack entry's decompressed-size field.
func decodeVarint7(data []byte) (value uint64, bytesRead int, err error) {
	for i, b := range data {
		bytesRead++
		chunk := uint64(b & 0x7F)
		value |= chunk << (7 * uint(i))
		if b&0x80 == 0 {
			return value, bytesRead, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated varint: %w", ErrIntOverflow)
}

// decodeOfsDeltaDistance decodes an OfsDelta base distance: a
// continuation-bit encoded integer, 7 bits per byte, big-endian
// concatenated, with every continuation byte (all but the last)
// incremented by one before being folded in (spec §3).
func decodeOfsDeltaDistance(data []byte) (distance uint64, bytesRead int, err error) {
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
	return 0, 0, fmt.Errorf("truncated ofs-delta distance: %w", ErrIntOverflow)
}

// ApplyDelta reconstructs the result of applying a delta instruction
// stream (as stored, zlib already removed) against base. It validates
// the stream's declared base size against len(base) and its declared
// result size against the bytes actually produced.
func ApplyDelta(base []byte, delta []byte) ([]byte, error) {
	sourceSize, sourceSizeLen, err := decodeVarint7(delta)
	if err != nil {
		return nil, fmt.Errorf("couldn't read source size of delta: %w", err)
	}
	if int(sourceSize) != len(base) {
		return nil, fmt.Errorf("expected base of size %d, got %d: %w", sourceSize, len(base), ErrDeltaBaseSizeMismatch)
	}
	targetSize, targetSizeLen, err := decodeVarint7(delta[sourceSizeLen:])
	if err != nil {
		return nil, fmt.Errorf("couldn't read target size of delta: %w", err)
	}

	instructions := delta[sourceSizeLen+targetSizeLen:]
	out := make([]byte, 0, targetSize)

	for i := 0; i < len(instructions); i++ {
		instr := instructions[i]
		switch {
		case instr&0x80 != 0: // copy
			offset, size, read, err := decodeCopyInstruction(instructions[i+1:], instr)
			if err != nil {
				return nil, err
			}
			i += read
			if uint64(offset)+uint64(size) > uint64(len(base)) {
				return nil, fmt.Errorf("copy [%d, %d) exceeds base of length %d: %w", offset, offset+size, len(base), ErrDeltaInstructionInvalid)
			}
			out = append(out, base[offset:offset+size]...)
		case instr == 0x00:
			return nil, ErrDeltaOpcodeReserved
		default: // insert
			start := i + 1
			end := start + int(instr)
			if end > len(instructions) {
				return nil, fmt.Errorf("insert of %d bytes overruns instruction stream: %w", instr, ErrDeltaInstructionInvalid)
			}
			out = append(out, instructions[start:end]...)
			i += int(instr)
		}
	}

	if uint64(len(out)) != targetSize {
		return nil, fmt.Errorf("delta produced %d bytes, expected %d: %w", len(out), targetSize, ErrDeltaResultSizeMismatch)
	}
	return out, nil
}

// decodeCopyInstruction decodes a copy opcode's variable offset/size
// bytes, which follow op in the instruction stream. op's low 7 bits
// select which of 4 offset bytes and 3 size bytes are present. A size
// of zero means 0x10000, per spec §3.
func decodeCopyInstruction(rest []byte, op byte) (offset uint32, size uint32, read int, err error) {
	var offsetBytes, sizeBytes [4]byte
	n := 0
	for j := 0; j < 4; j++ {
		if op&(1<<uint(j)) != 0 {
			if n >= len(rest) {
				return 0, 0, 0, fmt.Errorf("copy instruction truncated: %w", ErrDeltaInstructionInvalid)
			}
			offsetBytes[j] = rest[n]
			n++
		}
	}
	for j := 0; j < 3; j++ {
		if op&(1<<uint(4+j)) != 0 {
			if n >= len(rest) {
				return 0, 0, 0, fmt.Errorf("copy instruction truncated: %w", ErrDeltaInstructionInvalid)
			}
			sizeBytes[j] = rest[n]
			n++
		}
	}
	offset = binary.LittleEndian.Uint32(offsetBytes[:])
	size = binary.LittleEndian.Uint32(sizeBytes[:])
	if size == 0 {
		size = 0x10000
	}
	return offset, size, n, nil
}
