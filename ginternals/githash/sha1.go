package githash

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
)

// sha1NullOid is the all-zero SHA1 oid
var sha1NullOid = sha1Oid{}

// sha1OidSize is the width of a SHA1 oid, in bytes
const sha1OidSize = 20

// sha1Hash implements Hash for SHA1, git's legacy hash kind
type sha1Hash struct{}

// NewSHA1 returns a Hash using SHA1
func NewSHA1() Hash {
	return &sha1Hash{}
}

// OidSize returns the width of an oid produced by this hash
func (h *sha1Hash) OidSize() int {
	return sha1OidSize
}

// Sum hashes the given content and returns its Oid
func (h *sha1Hash) Sum(bytes []byte) Oid {
	var oid sha1Oid = sha1.Sum(bytes)
	return oid
}

// ConvertFromString parses a 40-char hex string into an Oid
func (h *sha1Hash) ConvertFromString(id string) (Oid, error) {
	bytes, err := hex.DecodeString(id)
	if err != nil {
		if errors.Is(err, hex.ErrLength) {
			return sha1NullOid, ErrInvalidOid
		}
		return sha1NullOid, err
	}
	return h.ConvertFromBytes(bytes)
}

// ConvertFromChars parses a 40-char hex representation held as raw
// bytes into an Oid
func (h *sha1Hash) ConvertFromChars(id []byte) (Oid, error) {
	return h.ConvertFromString(string(id))
}

// ConvertFromBytes wraps a 20-byte binary oid into an Oid
func (h *sha1Hash) ConvertFromBytes(id []byte) (Oid, error) {
	if len(id) != sha1OidSize {
		return sha1NullOid, ErrInvalidOid
	}

	var oid sha1Oid
	copy(oid[:], id)
	return oid, nil
}

// NullOid returns the all-zero Oid
func (h *sha1Hash) NullOid() Oid {
	return sha1NullOid
}

// Name returns the name of the algorithm
func (h *sha1Hash) Name() string {
	return "sha1"
}

// sha1Oid is a 20-byte SHA1 oid
type sha1Oid [sha1OidSize]byte

// Bytes returns the binary form of the oid
func (o sha1Oid) Bytes() []byte {
	return o[:]
}

// String returns the hex form of the oid
func (o sha1Oid) String() string {
	return hex.EncodeToString(o[:])
}

// IsZero reports whether the oid is the all-zero value
func (o sha1Oid) IsZero() bool {
	return o == sha1NullOid
}
