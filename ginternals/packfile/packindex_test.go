package packfile_test

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"testing"

	"github.com/harlowlabs/gitcore/ginternals"
	"github.com/harlowlabs/gitcore/ginternals/githash"
	"github.com/harlowlabs/gitcore/ginternals/packfile"
	"github.com/harlowlabs/gitcore/internal/testhelper"
	"github.com/harlowlabs/gitcore/internal/testhelper/confutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildV2Index assembles a minimal, valid v2 .idx file in memory out of
// already hash-sorted oids, so a test can pick oids whose prefixes
// collide on purpose instead of hoping a real packfile happens to
// contain an ambiguous prefix. Every offset is assumed to fit in 4
// bytes (no layer5), and the footer is filler: parsing never reads
// past layer4's offsets unless VerifyIntegrity is asked to check the
// trailing checksum.
func buildV2Index(t *testing.T, hash githash.Hash, oids []githash.Oid) *bufio.Reader {
	t.Helper()

	var buf bytes.Buffer
	buf.Write([]byte{255, 't', 'O', 'c', 0, 0, 0, 2})

	var fanout [256]uint32
	for _, oid := range oids {
		fanout[oid.Bytes()[0]]++
	}
	var cumulative uint32
	for i := 0; i < 256; i++ {
		cumulative += fanout[i]
		fanout[i] = cumulative
	}
	fanoutBytes := make([]byte, 4)
	for i := 0; i < 256; i++ {
		binary.BigEndian.PutUint32(fanoutBytes, fanout[i])
		buf.Write(fanoutBytes)
	}

	for _, oid := range oids {
		buf.Write(oid.Bytes())
	}

	crcBytes := make([]byte, 4)
	for range oids {
		binary.BigEndian.PutUint32(crcBytes, 0)
		buf.Write(crcBytes)
	}

	offsetBytes := make([]byte, 4)
	for i := range oids {
		binary.BigEndian.PutUint32(offsetBytes, uint32(packfileHeaderSizeForTest+i*16)) //nolint:gosec // test fixture, small values
		buf.Write(offsetBytes)
	}

	buf.Write(make([]byte, hash.OidSize()*2))

	return bufio.NewReader(bytes.NewReader(buf.Bytes()))
}

// packfileHeaderSizeForTest mirrors packfile's own header size; kept
// local since packfileHeaderSize isn't exported outside the package.
const packfileHeaderSizeForTest = 12

func TestNewIndex(t *testing.T) {
	t.Parallel()

	t.Run("valid indexfile should pass", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		indexFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.idx"
		cfg := confutil.NewCommonConfig(t, repoPath)
		indexFilePath := ginternals.PackfilePath(cfg, indexFileName)

		f, err := os.Open(indexFilePath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, f.Close())
		})

		hash := githash.NewSHA1()
		index, err := packfile.NewIndex(bufio.NewReader(f), hash)
		require.NoError(t, err)
		assert.NotNil(t, index)
	})

	t.Run("a packfile should fail", func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		indexFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.pack"
		cfg := confutil.NewCommonConfig(t, repoPath)
		indexFilePath := ginternals.PackfilePath(cfg, indexFileName)

		f, err := os.Open(indexFilePath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, f.Close())
		})

		hash := githash.NewSHA1()
		index, err := packfile.NewIndex(bufio.NewReader(f), hash)
		require.Error(t, err)
		assert.Nil(t, index)
		assert.True(t, errors.Is(err, packfile.ErrInvalidMagic))
	})
}

func TestGetObjectOffset(t *testing.T) {
	t.Parallel()

	t.Run(string(testhelper.RepoSmall), func(t *testing.T) {
		t.Parallel()

		repoPath, cleanup := testhelper.UnTar(t, testhelper.RepoSmall)
		t.Cleanup(cleanup)

		indexFileName := "pack-dac3b0a0a8cec00839920d6085b2277cf0a08e87.idx"
		cfg := confutil.NewCommonConfig(t, repoPath)
		indexFilePath := ginternals.PackfilePath(cfg, indexFileName)

		f, err := os.Open(indexFilePath)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, f.Close())
		})

		hash := githash.NewSHA1()
		index, err := packfile.NewIndex(bufio.NewReader(f), hash)
		require.NoError(t, err)
		assert.NotNil(t, index)

		t.Run("should work with valid oid", func(t *testing.T) {
			t.Parallel()

			oid, err := hash.ConvertFromString("70b3546be69d367983b3445c67fa166ca5dafd79")
			require.NoError(t, err)
			offset, err := index.GetObjectOffset(oid)
			require.NoError(t, err)
			assert.Equal(t, uint64(4800), offset)
		})

		t.Run("should fail with invalid oid", func(t *testing.T) {
			t.Parallel()

			oid, err := hash.ConvertFromString("10b3546be69d367983b3445c67fa166ca5dafd79")
			require.NoError(t, err)
			_, err = index.GetObjectOffset(oid)
			require.Error(t, err)
			require.True(t, errors.Is(err, ginternals.ErrObjectNotFound), "invalid error returned: %s", err.Error())
		})
	})
}

func TestLookupPrefix(t *testing.T) {
	t.Parallel()

	hash := githash.NewSHA1()
	oid1, err := hash.ConvertFromString("aaaa11111111111111111111111111111111111a")
	require.NoError(t, err)
	oid2, err := hash.ConvertFromString("aaaa22222222222222222222222222222222222a")
	require.NoError(t, err)
	oid3, err := hash.ConvertFromString("bbbb00000000000000000000000000000000000b")
	require.NoError(t, err)

	newIndex := func(t *testing.T) *packfile.PackIndex {
		t.Helper()
		r := buildV2Index(t, hash, []githash.Oid{oid1, oid2, oid3})
		index, err := packfile.NewIndex(r, hash)
		require.NoError(t, err)
		return index
	}

	t.Run("a prefix shared by two oids is ambiguous", func(t *testing.T) {
		t.Parallel()

		index := newIndex(t)
		prefix, err := githash.NewPrefix(hash, "aaaa")
		require.NoError(t, err)

		var all []githash.Oid
		result, match, err := index.LookupPrefix(prefix, &all)
		require.NoError(t, err)
		assert.Equal(t, packfile.PrefixAmbiguous, result)
		assert.Nil(t, match)
		assert.ElementsMatch(t, []string{oid1.String(), oid2.String()}, []string{all[0].String(), all[1].String()})
	})

	t.Run("a prefix matching exactly one oid is single", func(t *testing.T) {
		t.Parallel()

		index := newIndex(t)
		prefix, err := githash.NewPrefix(hash, "bbbb")
		require.NoError(t, err)

		result, match, err := index.LookupPrefix(prefix, nil)
		require.NoError(t, err)
		assert.Equal(t, packfile.PrefixSingle, result)
		assert.Equal(t, oid3.String(), match.String())
	})

	t.Run("a prefix matching nothing is none", func(t *testing.T) {
		t.Parallel()

		index := newIndex(t)
		prefix, err := githash.NewPrefix(hash, "cccc")
		require.NoError(t, err)

		result, match, err := index.LookupPrefix(prefix, nil)
		require.NoError(t, err)
		assert.Equal(t, packfile.PrefixNone, result)
		assert.Nil(t, match)
	})
}
