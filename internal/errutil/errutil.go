// Package errutil contains small helpers for error plumbing
package errutil

import "io"

// Close closes c and stores the close error in err, unless err
// already holds one. Meant to be deferred with a named error return
// so a failed Close isn't silently dropped.
func Close(c io.Closer, err *error) {
	e := c.Close()
	if *err == nil && e != nil {
		*err = e
	}
}
