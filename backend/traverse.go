package backend

import (
	"fmt"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/commitgraph"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/object"
)

// commitFinder returns a ginternals.CommitFinder that prefers the
// backend's commit-graph (if one is loaded) and falls back to parsing
// the full commit object otherwise, per spec §4.12's "pluggable find
// closure, commit-graph-accelerated when available".
func (b *FSBackend) commitFinder() ginternals.CommitFinder {
	return func(oid githash.Oid) (ginternals.CommitInfo, error) {
		graph, err := b.commitGraph()
		if err != nil {
			return ginternals.CommitInfo{}, fmt.Errorf("could not load commit-graph: %w", err)
		}
		if graph != nil {
			pos, ok, lerr := graph.Lookup(oid)
			if lerr != nil {
				return ginternals.CommitInfo{}, fmt.Errorf("could not look up %s in commit-graph: %w", oid, lerr)
			}
			if ok {
				return commitInfoFromGraph(graph, pos)
			}
		}
		return b.commitInfoFromObject(oid)
	}
}

// commitInfoFromGraph builds a CommitInfo entirely from commit-graph
// data: parents are resolved via ParentIter, each InGraph edge
// translated back to an Oid with OidAt, an ExtraEdges edge followed
// the same way CommitGraph already decodes octopus merges.
func commitInfoFromGraph(graph *commitgraph.CommitGraph, pos commitgraph.Position) (ginternals.CommitInfo, error) {
	c, err := graph.CommitAt(pos)
	if err != nil {
		return ginternals.CommitInfo{}, fmt.Errorf("could not read commit-graph entry at %d: %w", pos, err)
	}

	var parents []githash.Oid
	it := c.IterParents()
	for {
		edge, ok, perr := it.Next()
		if perr != nil {
			return ginternals.CommitInfo{}, fmt.Errorf("could not walk parent edges at %d: %w", pos, perr)
		}
		if !ok {
			break
		}
		poid, oerr := graph.OidAt(edge.Pos)
		if oerr != nil {
			return ginternals.CommitInfo{}, fmt.Errorf("could not resolve parent oid: %w", oerr)
		}
		parents = append(parents, poid)
	}

	return ginternals.CommitInfo{
		Parents:       parents,
		Generation:    c.Generation(),
		CommitterTime: int64(c.CommitterTimestamp()), //nolint:gosec // commit timestamps never approach int64 overflow
	}, nil
}

// commitInfoFromObject falls back to a full commit-object parse when
// the commit-graph doesn't cover oid (or none is present).
func (b *FSBackend) commitInfoFromObject(oid githash.Oid) (ginternals.CommitInfo, error) {
	o, err := b.Object(oid)
	if err != nil {
		return ginternals.CommitInfo{}, fmt.Errorf("could not read commit %s: %w", oid, err)
	}
	if o.Type() != object.TypeCommit {
		return ginternals.CommitInfo{}, fmt.Errorf("%s is not a commit: %w", oid, ginternals.ErrRefInvalid)
	}
	commit, err := o.AsCommit()
	if err != nil {
		return ginternals.CommitInfo{}, fmt.Errorf("could not parse commit %s: %w", oid, err)
	}
	return ginternals.CommitInfo{
		Parents:       commit.ParentIDs(),
		Generation:    ginternals.TraversalGenerationInfinity,
		CommitterTime: commit.Committer().Time.Unix(),
	}, nil
}

// AncestorsBFS walks commits reachable from starts breadth-first.
func (b *FSBackend) AncestorsBFS(opts ginternals.TraverseOptions, starts ...githash.Oid) *ginternals.BFSIterator {
	return ginternals.NewBFS(b.commitFinder(), opts, starts...)
}

// AncestorsByDate walks commits reachable from starts ordered by
// committer timestamp, newest first.
func (b *FSBackend) AncestorsByDate(opts ginternals.TraverseOptions, starts ...githash.Oid) *ginternals.DateIterator {
	return ginternals.NewDate(b.commitFinder(), opts, starts...)
}

// AncestorsTopo walks commits reachable from starts in topological
// order: a commit is never emitted before any of its interesting
// children.
func (b *FSBackend) AncestorsTopo(opts ginternals.TraverseOptions, starts ...githash.Oid) (*ginternals.TopoIterator, error) {
	it, err := ginternals.NewTopo(b.commitFinder(), opts, starts...)
	if err != nil {
		return nil, fmt.Errorf("could not compute topological order: %w", err)
	}
	return it, nil
}
