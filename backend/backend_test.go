package backend_test

import (
	"path/filepath"
	"testing"

	"github.com/harlowlabs/gitcore/backend"
	"github.com/harlowlabs/gitcore/env"
	"github.com/harlowlabs/gitcore/ginternals/config"
	"github.com/harlowlabs/gitcore/internal/gitpath"
	"github.com/harlowlabs/gitcore/internal/testhelper"
	"github.com/stretchr/testify/require"
)

func TestPath(t *testing.T) {
	t.Parallel()

	dir, cleanup := testhelper.TempDir(t)
	t.Cleanup(cleanup)

	dotGitPath := filepath.Join(dir, gitpath.DotGitPath)

	cfg, err := config.LoadConfigSkipEnv(config.LoadConfigOptions{
		WorkTreePath: dir,
		GitDirPath:   dotGitPath,
	})
	require.NoError(t, err)
	b, err := backend.NewFS(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})

	require.Equal(t, dotGitPath, b.Path())
}

func TestObjectPath(t *testing.T) {
	t.Parallel()

	t.Run("automatically set on dotGit path", func(t *testing.T) {
		t.Parallel()

		dir, cleanup := testhelper.TempDir(t)
		t.Cleanup(cleanup)

		dotGitPath := filepath.Join(dir, gitpath.DotGitPath)

		cfg, err := config.LoadConfigSkipEnv(config.LoadConfigOptions{
			WorkTreePath: dir,
			GitDirPath:   dotGitPath,
		})
		require.NoError(t, err)
		b, err := backend.NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, b.Close())
		})

		require.Equal(t, filepath.Join(dotGitPath, gitpath.ObjectsPath), b.ObjectsPath())
	})

	t.Run("manually set", func(t *testing.T) {
		t.Parallel()

		dir, cleanup := testhelper.TempDir(t)
		t.Cleanup(cleanup)

		gitDirPath := filepath.Join(dir, gitpath.DotGitPath)
		objectDirPath := filepath.Join(dir, "objectDirPath")

		e := env.NewFromKVList([]string{
			"GIT_DIR=" + gitDirPath,
			"GIT_OBJECT_DIRECTORY=" + objectDirPath,
		})
		cfg, err := config.LoadConfig(e, config.LoadConfigOptions{
			IsBare: true,
		})
		require.NoError(t, err)

		b, err := backend.NewFS(cfg)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, b.Close())
		})

		require.Equal(t, objectDirPath, b.ObjectsPath())
	})
}
