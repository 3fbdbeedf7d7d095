package packfile_test

import (
	"errors"
	"testing"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/object"
	"github.com/harlowlabs/gitcore/ginternals/packfile"
	"github.com/harlowlabs/gitcore/internal/testhelper"
	"github.com/harlowlabs/gitcore/internal/testhelper/confutil"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sha1Hash = githash.NewSHA1()

func TestNewFromFile(t *testing.T) {
	t.Parallel()

	t.Run("valid packfile should pass", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		packFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.pack"
		cfg := confutil.NewCommonConfig(t, repoPath)
		packFilePath := ginternals.PackfilePath(cfg, packFileName)

		pack, err := packfile.NewFromFile(afero.NewOsFs(), sha1Hash, packFilePath)
		require.NoError(t, err)
		assert.NotNil(t, pack)
		t.Cleanup(func() {
			require.NoError(t, pack.Close())
		})
		id, err := pack.ID()
		require.NoError(t, err)
		assert.Equal(t, "dac3b0a0a8cec00839920d6085b2277cf0a08e87", id.String())
	})

	t.Run("indexfile should fail", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		packFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.idx"
		cfg := confutil.NewCommonConfig(t, repoPath)
		packFilePath := ginternals.PackfilePath(cfg, packFileName)

		pack, err := packfile.NewFromFile(afero.NewOsFs(), sha1Hash, packFilePath)
		require.Error(t, err)
		assert.True(t, errors.Is(err, packfile.ErrInvalidMagic))
		assert.Nil(t, pack)
	})
}

func TestGetObject(t *testing.T) {
	t.Parallel()

	t.Run("valid object should return an object", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		packFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.pack"
		cfg := confutil.NewCommonConfig(t, repoPath)
		packFilePath := ginternals.PackfilePath(cfg, packFileName)

		pack, err := packfile.NewFromFile(afero.NewOsFs(), sha1Hash, packFilePath)
		require.NoError(t, err)
		assert.NotNil(t, pack)
		t.Cleanup(func() {
			require.NoError(t, pack.Close())
		})

		t.Run("commit", func(t *testing.T) {
			commitOid, err := sha1Hash.ConvertFromString("70b3546be69d367983b3445c67fa166ca5dafd79")
			require.NoError(t, err)
			o, err := pack.GetObject(commitOid)
			require.NoError(t, err)
			require.Equal(t, object.TypeCommit, o.Type())
			commit, err := o.AsCommit()
			require.NoError(t, err)
			require.Equal(t, commitOid, commit.ID())
			require.NotZero(t, commit.Author())
			require.NotZero(t, commit.Committer())

			require.Len(t, commit.ParentIDs(), 1)
			parentOid, err := sha1Hash.ConvertFromString("9d9f3707d8f3431a96fa7ab01b764301636a5962")
			require.NoError(t, err)
			assert.Equal(t, parentOid, commit.ParentIDs()[0])

			assert.Equal(t, "build: switch to go module\n", commit.Message())
			assert.Equal(t, "Alex Harlow", commit.Author().Name)
			assert.Equal(t, "Alex Harlow", commit.Committer().Name)

			treeOid, err := sha1Hash.ConvertFromString("a491593c24ef36a264ef77d9afb575eafe4867c7")
			require.NoError(t, err)
			assert.Equal(t, treeOid, commit.TreeID())
		})

		t.Run("blob", func(t *testing.T) {
			blobOid, err := sha1Hash.ConvertFromString("66fd13c903cac02eb9657cd53fb227823484401d")
			require.NoError(t, err)
			o, err := pack.GetObject(blobOid)
			require.NoError(t, err)
			require.Equal(t, object.TypeBlob, o.Type())

			blob := o.AsBlob()
			require.Equal(t, blobOid, blob.ID())
			assert.Equal(t, 269, blob.Size())
			assert.Equal(t, "# Binaries for programs and plugins", string(blob.Bytes()[:35]))
		})

		t.Run("tree", func(t *testing.T) {
			treeOid, err := sha1Hash.ConvertFromString("a491593c24ef36a264ef77d9afb575eafe4867c7")
			require.NoError(t, err)
			o, err := pack.GetObject(treeOid)
			require.NoError(t, err)
			require.Equal(t, object.TypeTree, o.Type())

			tree, err := o.AsTree()
			require.NoError(t, err)
			require.Equal(t, treeOid, tree.ID())
			require.Len(t, tree.Entries(), 20)

			// check a random entry
			entryOid, err := sha1Hash.ConvertFromString("d69baf3e58afd8d4f586a22d68281abfe8dca71b")
			require.NoError(t, err)
			entry := object.TreeEntry{
				Mode: 0o100644,
				ID:   entryOid,
				Path: "const.go",
			}
			require.Equal(t, entry, tree.Entries()[8])
		})

	})
}

func TestObjectCount(t *testing.T) {
	t.Parallel()

	t.Run("count the amount of objects in the test repo", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		// Load the packfile
		packFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.pack"
		cfg := confutil.NewCommonConfig(t, repoPath)
		packFilePath := ginternals.PackfilePath(cfg, packFileName)

		pack, err := packfile.NewFromFile(afero.NewOsFs(), sha1Hash, packFilePath)
		require.NoError(t, err)
		assert.NotNil(t, pack)
		t.Cleanup(func() {
			require.NoError(t, pack.Close())
		})

		// Pinned to the checked-in test repo; regenerating the
		// fixture means updating this count.
		assert.Equal(t, uint32(222), pack.ObjectCount())
	})
}

func TestWalkOids(t *testing.T) {
	t.Parallel()

	repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
	t.Cleanup(cleanup)
	// Load the packfile
	packFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.pack"
	cfg := confutil.NewCommonConfig(t, repoPath)
	packFilePath := ginternals.PackfilePath(cfg, packFileName)

	pack, err := packfile.NewFromFile(afero.NewOsFs(), sha1Hash, packFilePath)
	require.NoError(t, err)
	assert.NotNil(t, pack)
	t.Cleanup(func() {
		require.NoError(t, pack.Close())
	})

	t.Run("Should return all the objects", func(t *testing.T) {
		t.Parallel()

		totalObject := 0
		err := pack.WalkOids(func(oid githash.Oid) error {
			totalObject++
			return nil
		})
		assert.NoError(t, err)
		assert.GreaterOrEqual(t, totalObject, 100)
	})

	t.Run("Should stop the walk", func(t *testing.T) {
		t.Parallel()

		totalObject := 0
		err := pack.WalkOids(func(oid githash.Oid) error {
			if totalObject == 4 {
				return packfile.OidWalkStop
			}
			totalObject++
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 4, totalObject)
	})

	t.Run("Should propage an error", func(t *testing.T) {
		t.Parallel()

		someErr := errors.New("some error")
		totalObject := 0
		err := pack.WalkOids(func(oid githash.Oid) error {
			if totalObject == 4 {
				return someErr
			}
			totalObject++
			return nil
		})
		assert.Error(t, err)
		assert.ErrorIs(t, err, someErr)
		assert.Equal(t, 4, totalObject)
	})
}
