package backend

import (
	"testing"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/internal/testhelper"
	"github.com/harlowlabs/gitcore/internal/testhelper/confutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAncestors(t *testing.T, next func() (ginternals.Oid, bool, error)) []ginternals.Oid {
	t.Helper()
	var out []ginternals.Oid
	for {
		oid, ok, err := next()
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, oid)
	}
}

func TestAncestorsBFSStartsAtRootAndNeverRepeats(t *testing.T) {
	t.Parallel()

	repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
	t.Cleanup(cleanup)

	cfg := confutil.NewCommonConfig(t, repoPath)
	b, err := NewFS(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	head, err := b.PeelReference(ginternals.Head, false, 0)
	require.NoError(t, err)

	it := b.AncestorsBFS(ginternals.TraverseOptions{Parents: ginternals.ParentsAll}, head)
	walked := drainAncestors(t, it.Next)

	require.NotEmpty(t, walked)
	assert.Equal(t, head.String(), walked[0].String())

	seen := map[string]struct{}{}
	for _, oid := range walked {
		_, dup := seen[oid.String()]
		assert.False(t, dup, "oid %s emitted twice", oid)
		seen[oid.String()] = struct{}{}
	}
}

func TestAncestorsByDateIsNonIncreasing(t *testing.T) {
	t.Parallel()

	repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
	t.Cleanup(cleanup)

	cfg := confutil.NewCommonConfig(t, repoPath)
	b, err := NewFS(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	head, err := b.PeelReference(ginternals.Head, false, 0)
	require.NoError(t, err)

	it := b.AncestorsByDate(ginternals.TraverseOptions{Parents: ginternals.ParentsAll}, head)
	walked := drainAncestors(t, it.Next)
	require.NotEmpty(t, walked)

	var lastTime int64 = 1<<63 - 1
	for _, oid := range walked {
		o, err := b.Object(oid)
		require.NoError(t, err)
		commit, err := o.AsCommit()
		require.NoError(t, err)
		ts := commit.Committer().Time.Unix()
		assert.LessOrEqual(t, ts, lastTime)
		lastTime = ts
	}
}

func TestAncestorsTopoMatchesBFSSet(t *testing.T) {
	t.Parallel()

	repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
	t.Cleanup(cleanup)

	cfg := confutil.NewCommonConfig(t, repoPath)
	b, err := NewFS(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	head, err := b.PeelReference(ginternals.Head, false, 0)
	require.NoError(t, err)

	bfsIt := b.AncestorsBFS(ginternals.TraverseOptions{Parents: ginternals.ParentsAll}, head)
	bfsSet := map[string]struct{}{}
	for _, oid := range drainAncestors(t, bfsIt.Next) {
		bfsSet[oid.String()] = struct{}{}
	}

	topoIt, err := b.AncestorsTopo(ginternals.TraverseOptions{Parents: ginternals.ParentsAll}, head)
	require.NoError(t, err)
	topoWalked := drainAncestors(t, topoIt.Next)
	require.NotEmpty(t, topoWalked)
	assert.Equal(t, head.String(), topoWalked[0].String())

	topoSet := map[string]struct{}{}
	for _, oid := range topoWalked {
		topoSet[oid.String()] = struct{}{}
	}
	assert.Equal(t, bfsSet, topoSet)
}

func TestAncestorsBFSPredicateRangeExcludesCommit(t *testing.T) {
	t.Parallel()

	repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
	t.Cleanup(cleanup)

	cfg := confutil.NewCommonConfig(t, repoPath)
	b, err := NewFS(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })

	head, err := b.PeelReference(ginternals.Head, false, 0)
	require.NoError(t, err)

	full := drainAncestors(t, b.AncestorsBFS(ginternals.TraverseOptions{Parents: ginternals.ParentsAll}, head).Next)
	require.NotEmpty(t, full)

	excluded := full[len(full)-1]
	opts := ginternals.TraverseOptions{
		Parents: ginternals.ParentsAll,
		Predicate: func(oid ginternals.Oid) bool {
			return oid.String() != excluded.String()
		},
	}
	restricted := drainAncestors(t, b.AncestorsBFS(opts, head).Next)
	for _, oid := range restricted {
		assert.NotEqual(t, excluded.String(), oid.String())
	}
}
