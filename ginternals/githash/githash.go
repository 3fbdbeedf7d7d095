// Package githash abstracts the hash algorithm a repository was
// created with, so the rest of the module can treat object identity
// as an opaque fixed-width value
package githash

import "errors"

// ErrInvalidOid is returned when a given value isn't a valid Oid
var ErrInvalidOid = errors.New("invalid Oid")

// Hash is one of the hash algorithms git supports. All the oids of a
// repository come from a single Hash.
type Hash interface {
	// Name returns the name of the algorithm ("sha1", "sha256")
	Name() string

	// OidSize returns the width in bytes of an Oid produced by this
	// algorithm
	OidSize() int
	// Sum hashes the given content and returns its Oid
	Sum(bytes []byte) Oid
	// ConvertFromString parses a hex representation such as
	// "9b91da06e69613397b38e0808e0ba5ee6983251b" into an Oid
	ConvertFromString(id string) (Oid, error)
	// ConvertFromChars is ConvertFromString for a hex representation
	// held as raw bytes ({'9', 'b', '9', '1', ...})
	ConvertFromChars(id []byte) (Oid, error)
	// ConvertFromBytes wraps an already-binary oid ({0x9b, 0x91, ...})
	// into an Oid. The slice must be exactly OidSize() bytes long.
	ConvertFromBytes(id []byte) (Oid, error)
	// NullOid returns the all-zero Oid
	NullOid() Oid
}

// Oid is a git object ID: the digest of an object's loose
// representation, fixed-width for a given Hash.
type Oid interface {
	// Bytes returns the binary form of the oid, OidSize() bytes long.
	// Not the same as []byte(oid.String()), which would be the hex
	// form at twice the width.
	Bytes() []byte

	// String returns the hex form of the oid
	String() string

	// IsZero reports whether the oid is the all-zero value
	IsZero() bool
}
