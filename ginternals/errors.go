package ginternals

import "errors"

// ErrObjectNotFound is returned when an oid cannot be found anywhere
// in the odb, loose or packed
var ErrObjectNotFound = errors.New("object not found")
