package githash

import (
	"errors"
	"strings"
)

// ErrInvalidPrefixLength is returned when a Prefix is built from a hex
// string whose length is outside [4, 2*OidSize].
var ErrInvalidPrefixLength = errors.New("invalid oid prefix length")

// PrefixCmp is the result of comparing a Prefix against a full Oid,
// restricted to the nibbles the Prefix actually carries.
type PrefixCmp int

const (
	// PrefixLess means the oid is ordered before the prefix
	PrefixLess PrefixCmp = -1
	// PrefixEqual means the first len(prefix) nibbles of oid match
	PrefixEqual PrefixCmp = 0
	// PrefixGreater means the oid is ordered after the prefix
	PrefixGreater PrefixCmp = 1
)

// Prefix is an ObjectId plus a hex-character length. Only the first
// hexLen nibbles of the underlying hex string are significant; the
// remainder of the backing Oid is meaningless padding.
type Prefix struct {
	hex    string
	hexLen int
}

// NewPrefix builds a Prefix from a partial hex string. hexLen must be
// in [4, 2*hash.OidSize()].
func NewPrefix(hash Hash, hex string) (Prefix, error) {
	minLen := 4
	maxLen := 2 * hash.OidSize()
	if len(hex) < minLen || len(hex) > maxLen {
		return Prefix{}, ErrInvalidPrefixLength
	}
	return Prefix{hex: strings.ToLower(hex), hexLen: len(hex)}, nil
}

// String returns the partial hex string carried by the prefix.
func (p Prefix) String() string {
	return p.hex
}

// Len returns the number of significant hex nibbles.
func (p Prefix) Len() int {
	return p.hexLen
}

// FirstByte returns the oid-space bucket this prefix falls into, i.e.
// the value of its first 2 hex nibbles (0 if the prefix is shorter,
// which never happens given the minimum length of 4).
func (p Prefix) FirstByte() byte {
	b, err := decodeHexByte(p.hex[0], p.hex[1])
	if err != nil {
		return 0
	}
	return b
}

// CmpOid compares the prefix against a full oid, considering only the
// first Len() nibbles of oid's hex representation.
func (p Prefix) CmpOid(o Oid) PrefixCmp {
	full := o.String()
	n := p.hexLen
	if n > len(full) {
		n = len(full)
	}
	cand := full[:n]
	switch {
	case cand < p.hex:
		return PrefixLess
	case cand > p.hex:
		return PrefixGreater
	default:
		return PrefixEqual
	}
}

func decodeHexByte(hi, lo byte) (byte, error) {
	h, err := hexNibble(hi)
	if err != nil {
		return 0, err
	}
	l, err := hexNibble(lo)
	if err != nil {
		return 0, err
	}
	return h<<4 | l, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, ErrInvalidOid
	}
}
