package backend

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/commitgraph"
	"github.com/spf13/afero"
	"golang.org/x/exp/mmap"
)

// commitGraphHandle owns whatever backs a loaded CommitGraph's
// io.ReaderAt, so FSBackend.Close can release it.
type commitGraphHandle struct {
	graph  *commitgraph.CommitGraph
	closer io.Closer
}

// commitGraph lazily loads and caches this backend's commit-graph
// file. A missing file is not an error: callers fall back to walking
// commit objects directly.
func (b *FSBackend) commitGraph() (*commitgraph.CommitGraph, error) {
	b.cgOnce.Do(func() {
		b.cgHandle, b.cgErr = b.openCommitGraph()
	})
	if b.cgErr != nil {
		return nil, b.cgErr
	}
	if b.cgHandle == nil {
		return nil, nil
	}
	return b.cgHandle.graph, nil
}

// openCommitGraph opens the commit-graph file backing an io.ReaderAt.
// Where the backend's path resolves to a real file on disk it is
// mmap'd rather than read fully into memory (spec §11's domain-stack
// wiring for golang.org/x/exp/mmap): a commit-graph can be
// multi-megabyte and CommitGraph only ever needs random-access reads,
// the same io.ReaderAt contract CommitGraph.New already expects. When
// the file can't be mmap'd — it doesn't exist, or the backend sits on
// a virtual filesystem such as afero's in-memory one used by tests —
// the whole file is buffered into a bytes.Reader instead, so the same
// lazy-parse-and-cache CommitGraph works unchanged either way.
func (b *FSBackend) openCommitGraph() (*commitGraphHandle, error) {
	path := ginternals.CommitGraphPath(b.config)

	if ra, err := mmap.Open(path); err == nil {
		return &commitGraphHandle{graph: commitgraph.New(ra, b.hash), closer: ra}, nil
	}

	data, err := afero.ReadFile(b.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}
	return &commitGraphHandle{graph: commitgraph.New(bytes.NewReader(data), b.hash)}, nil
}

// closeCommitGraph releases the commit-graph's backing handle, if one
// was ever opened. Safe to call even if commitGraph was never called.
func (b *FSBackend) closeCommitGraph() error {
	if b.cgHandle == nil || b.cgHandle.closer == nil {
		return nil
	}
	return b.cgHandle.closer.Close()
}

// cgState is embedded in FSBackend to back the lazy commitGraph load.
type cgState struct {
	cgOnce   sync.Once
	cgHandle *commitGraphHandle
	cgErr    error
}
