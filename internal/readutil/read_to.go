package readutil

import "bytes"

// ReadTo returns the bytes of b that come before the first occurrence
// of to, exclusive. Returns nil if to never appears, which is distinct
// from the empty slice returned when b starts with to.
func ReadTo(b []byte, to byte) []byte {
	i := bytes.IndexByte(b, to)
	if i == -1 {
		return nil
	}
	return b[:i]
}
