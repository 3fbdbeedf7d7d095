package backend

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/internal/errutil"
	"github.com/spf13/afero"
)

// Reference returns a stored reference from its name
// ErrRefNotFound is returned if the reference doesn't exists
// This method can be called concurrently
func (b *FSBackend) Reference(name string) (*ginternals.Reference, error) {
	finder := func(name string) ([]byte, error) {
		data, ok := b.refs.Load(name)
		if !ok {
			return nil, fmt.Errorf(`ref "%s": %w`, name, ginternals.ErrRefNotFound)
		}
		return data.([]byte), nil
	}
	return ginternals.ResolveReference(b.hash, name, finder)
}

// systemPath returns a path from a ref name
// Ex.: On windows refs/heads/master would return refs\heads\master
func (b *FSBackend) systemPath(name string) string {
	name = filepath.FromSlash(name)
	return filepath.Join(b.Path(), name)
}

// loadRefs loads the references in memory
func (b *FSBackend) loadRefs() (err error) {
	// We first parse the packed-refs file which may or may not exists
	// and may or may not contain outdated information
	// (outdated information will be overwritten once we parse the
	// on-disk references).
	packedRefPath := ginternals.PackedRefsPath(b.config)
	f, err := b.fs.Open(packedRefPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("could not open %s: %w", packedRefPath, err)
	}
	// if the file doesn't exist then there's nothing to do
	if err == nil {
		defer errutil.Close(f, &err)

		pr, perr := ginternals.ParsePackedRefs(b.hash, bufio.NewReader(f))
		if perr != nil {
			return fmt.Errorf("could not parse %s: %w", packedRefPath, perr)
		}
		b.setPackedRefs(pr)

		for _, e := range pr.Entries() {
			// the name of the ref is its UNIX path
			b.refs.Store(filepath.ToSlash(e.Name), []byte(e.Target.String()))
		}
	} else {
		b.setPackedRefs(ginternals.EmptyPackedRefs())
	}

	// Now we browse all the references on disk. A single unparsable
	// file fails the whole load: a half-loaded ref store is worse
	// than no ref store.
	refsPath := ginternals.RefsPath(b.config)
	err = afero.Walk(b.fs, refsPath, func(path string, info fs.FileInfo, e error) error {
		// if refsPath doesn't exists this will return nil and skip the error
		// this is useful in case where the repo is empty and has no
		// references yet
		if path == refsPath {
			return nil
		}

		if e != nil {
			return fmt.Errorf("could not walk %s: %w", path, e)
		}
		if info.IsDir() {
			return nil
		}
		// Loose refs are a few dozen bytes. We still read whatever is
		// there and let the parser reject garbage.
		data, e := afero.ReadFile(b.fs, path)
		if e != nil {
			return fmt.Errorf("could not read reference at %s: %w", path, e)
		}
		relpath, e := filepath.Rel(b.Path(), path)
		if e != nil {
			return e //nolint:wrapcheck // the error message is already pretty descriptive
		}
		// the name of the ref is its UNIX path
		b.refs.Store(filepath.ToSlash(relpath), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("could not browse the refs directory: %w", err)
	}

	// Now we look for the special HEADs references:
	headPaths := []string{
		ginternals.Head,
		// ginternals.FetchHead is absent: its multi-line format
		// isn't supported yet.
		ginternals.OrigHead,
		ginternals.MergeHead,
		ginternals.CherryPickHead,
	}
	for _, path := range headPaths {
		data, err := afero.ReadFile(b.fs, filepath.Join(b.Path(), path))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("could not read reference at %s: %w", path, err)
		}
		b.refs.Store(path, data)
	}

	return nil
}

// WriteReference writes the given reference on disk. If the
// reference already exists it will be overwritten
func (b *FSBackend) WriteReference(ref *ginternals.Reference) error {
	return b.writeReference(ref)
}

// WriteReferenceSafe writes the given reference on disk.
// ErrRefExists is returned if the reference already exists
func (b *FSBackend) WriteReferenceSafe(ref *ginternals.Reference) error {
	if _, ok := b.refs.Load(ref.Name()); ok {
		return ginternals.ErrRefExists
	}
	return b.writeReference(ref)
}

// writeReference writes the given reference on disk. If the
// reference already exists it will be overwritten
func (b *FSBackend) writeReference(ref *ginternals.Reference) error {
	if !ginternals.IsRefNameValid(ref.Name()) {
		return ginternals.ErrRefNameInvalid
	}
	// A ref cannot live below another ref (refs/heads/a blocks
	// refs/heads/a/b), whether that other ref is loose or packed.
	for dir := path.Dir(ref.Name()); dir != "." && dir != "/"; dir = path.Dir(dir) {
		if _, ok := b.refs.Load(dir); ok {
			return fmt.Errorf(`ref "%s" conflicts with existing ref "%s": %w`, ref.Name(), dir, ginternals.ErrRefExists)
		}
	}

	var target string
	switch ref.Type() {
	case ginternals.SymbolicReference:
		target = fmt.Sprintf("ref: %s\n", ref.SymbolicTarget())
	case ginternals.OidReference:
		target = fmt.Sprintf("%s\n", ref.Target().String())
	default:
		return fmt.Errorf("reference type %d: %w", ref.Type(), ginternals.ErrUnknownRefType)
	}

	refPath := b.systemPath(ref.Name())
	// Since we can have `/` in the ref name, we need to create
	// the path on the FS
	dir := filepath.Dir(refPath)
	err := b.fs.MkdirAll(dir, 0o755)
	if err != nil {
		// This fails when a ref a/b exists and we try to create
		// a/b/c, since a/b is a file. The error below carries enough
		// context for the caller to tell what happened.
		return fmt.Errorf("could not persist reference to disk: %w", err)
	}
	// We can now create the actual file
	data := []byte(target)
	err = afero.WriteFile(b.fs, refPath, data, 0o644)
	if err != nil {
		return fmt.Errorf("could not persist reference to disk: %w", err)
	}
	b.refs.Store(ref.Name(), data)
	return nil
}

// WalkReferences runs the provided method on all the references
func (b *FSBackend) WalkReferences(f RefWalkFunc) error {
	var topError error
	b.refs.Range(func(key, value interface{}) bool {
		name, ok := key.(string)
		if !ok {
			//nolint:goerr113 // no need to wrap the error, this would only be caused by a bug in the codebase
			topError = fmt.Errorf("invalid key type for %s. expected string got %T", name, key)
			return false
		}
		ref, err := b.Reference(name)
		if err != nil {
			topError = fmt.Errorf("could not resolve reference %s: %w", name, err)
			return false
		}

		if err = f(ref); err != nil {
			if err != WalkStop { //nolint:errorlint,goerr113 // it's a fake error so no need to use Error.Is()
				topError = err
			}
			return false
		}
		return true
	})

	return topError
}
