package ginternals

import "github.com/harlowlabs/gitcore/ginternals/githash"

// Oid represents the ID of a git object. It's an alias of githash.Oid
// so packages that only need to talk about object identity don't have
// to depend on the githash package directly.
type Oid = githash.Oid
