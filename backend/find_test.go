package backend

import (
	"testing"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/internal/testhelper"
	"github.com/harlowlabs/gitcore/internal/testhelper/confutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindReference(t *testing.T) {
	t.Parallel()

	t.Run("exact match wins over prefix candidates", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, repoPath)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })

		ref, err := b.FindReference("refs/heads/master")
		require.NoError(t, err)
		assert.Equal(t, "refs/heads/master", ref.Name())
	})

	t.Run("bare branch name resolves through refs/heads/", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, repoPath)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })

		ref, err := b.FindReference("master")
		require.NoError(t, err)
		assert.Equal(t, "refs/heads/master", ref.Name())

		expectedTarget, err := sha1Hash.ConvertFromString("09d99ac5258cfe61176b05e05af7ffa3e58fe36f")
		require.NoError(t, err)
		assert.Equal(t, expectedTarget, ref.Target())
	})

	t.Run("tag name resolves through refs/tags/", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, repoPath)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })

		ref, err := b.FindReference("annotated")
		require.NoError(t, err)
		assert.Equal(t, "refs/tags/annotated", ref.Name())
	})

	t.Run("unknown name fails with ErrRefNotFound", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, repoPath)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })

		_, err = b.FindReference("does-not-exist-anywhere")
		require.Error(t, err)
		assert.ErrorIs(t, err, ginternals.ErrRefNotFound)
	})
}

func TestResolvePrefix(t *testing.T) {
	t.Parallel()

	// ResolvePrefix only consults the oid, never the object's content,
	// so loose entries are seeded directly into looseObjects rather
	// than through WriteObject: it lets the test pick oids whose
	// prefixes collide on purpose.
	newBackendWithOids := func(t *testing.T, oids ...string) *FSBackend {
		t.Helper()
		b := newEmptyBackend(t)
		for _, hex := range oids {
			oid, err := sha1Hash.ConvertFromString(hex)
			require.NoError(t, err)
			b.looseObjects.Store(oid, struct{}{})
		}
		return b
	}

	t.Run("a prefix shared by two oids is ambiguous", func(t *testing.T) {
		t.Parallel()

		b := newBackendWithOids(t,
			"abc1230000000000000000000000000000000a0a",
			"abc1450000000000000000000000000000000a0b",
		)

		prefix, err := githash.NewPrefix(sha1Hash, "abc1")
		require.NoError(t, err)

		oid, all, err := b.ResolvePrefix(prefix)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrAmbiguousOid)
		assert.Nil(t, oid)
		assert.Len(t, all, 2)
	})

	t.Run("a prefix matching exactly one oid resolves to it", func(t *testing.T) {
		t.Parallel()

		b := newBackendWithOids(t,
			"abc1230000000000000000000000000000000a0a",
			"def0000000000000000000000000000000000a0b",
		)

		prefix, err := githash.NewPrefix(sha1Hash, "def0")
		require.NoError(t, err)

		oid, all, err := b.ResolvePrefix(prefix)
		require.NoError(t, err)
		assert.Nil(t, all)
		assert.Equal(t, "def0000000000000000000000000000000000a0b", oid.String())
	})

	t.Run("a prefix matching nothing fails with ErrObjectNotFound", func(t *testing.T) {
		t.Parallel()

		b := newBackendWithOids(t, "abc1230000000000000000000000000000000a0a")

		prefix, err := githash.NewPrefix(sha1Hash, "fade")
		require.NoError(t, err)

		oid, all, err := b.ResolvePrefix(prefix)
		require.Error(t, err)
		assert.ErrorIs(t, err, ginternals.ErrObjectNotFound)
		assert.Nil(t, oid)
		assert.Nil(t, all)
	})
}

func TestPeelReference(t *testing.T) {
	t.Parallel()

	t.Run("follows a symbolic ref down to its oid", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, repoPath)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })

		oid, err := b.PeelReference(ginternals.Head, false, 0)
		require.NoError(t, err)

		expected, err := sha1Hash.ConvertFromString("09d99ac5258cfe61176b05e05af7ffa3e58fe36f")
		require.NoError(t, err)
		assert.Equal(t, expected.String(), oid.String())
	})

	t.Run("peels an annotated tag down to its commit when requested", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, repoPath)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })

		notPeeled, err := b.PeelReference("refs/tags/annotated", false, 0)
		require.NoError(t, err)
		assert.Equal(t, "5d7fb0ab859715ccdf9f96ec853897079ceaf875", notPeeled.String())

		peeled, err := b.PeelReference("refs/tags/annotated", true, 0)
		require.NoError(t, err)
		assert.NotEqual(t, notPeeled.String(), peeled.String())
	})

	t.Run("detects a cycle between two symbolic refs", func(t *testing.T) {
		t.Parallel()

		dir, cleanup := testhelper.TempDir(t)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, dir)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })
		require.NoError(t, b.Init(ginternals.Master))

		require.NoError(t, b.WriteReference(ginternals.NewSymbolicReference("refs/heads/a", "refs/heads/b")))
		require.NoError(t, b.WriteReference(ginternals.NewSymbolicReference("refs/heads/b", "refs/heads/a")))

		_, err = b.PeelReference("refs/heads/a", false, 0)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCycleDetected)
	})

	t.Run("bounds the indirection depth", func(t *testing.T) {
		t.Parallel()

		dir, cleanup := testhelper.TempDir(t)
		t.Cleanup(cleanup)

		cfg := confutil.NewCommonConfig(t, dir)
		b, err := NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() { require.NoError(t, b.Close()) })
		require.NoError(t, b.Init(ginternals.Master))

		target, err := sha1Hash.ConvertFromString("09d99ac5258cfe61176b05e05af7ffa3e58fe36f")
		require.NoError(t, err)
		require.NoError(t, b.WriteReference(ginternals.NewReference("refs/heads/final", target)))
		require.NoError(t, b.WriteReference(ginternals.NewSymbolicReference("refs/heads/l1", "refs/heads/l2")))
		require.NoError(t, b.WriteReference(ginternals.NewSymbolicReference("refs/heads/l2", "refs/heads/l3")))
		require.NoError(t, b.WriteReference(ginternals.NewSymbolicReference("refs/heads/l3", "refs/heads/l4")))
		require.NoError(t, b.WriteReference(ginternals.NewSymbolicReference("refs/heads/l4", "refs/heads/final")))

		_, err = b.PeelReference("refs/heads/l1", false, 2)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTooManyIndirections)

		oid, err := b.PeelReference("refs/heads/l1", false, 0)
		require.NoError(t, err)
		assert.Equal(t, target.String(), oid.String())
	})
}
