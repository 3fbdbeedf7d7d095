package zlibstream_test

import (
	"bytes"
	"compress/zlib"
	"io"
	"testing"

	"github.com/harlowlabs/gitcore/internal/zlibstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compress(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	_, err := w.Write(content)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestInflateBounded(t *testing.T) {
	t.Parallel()

	content := []byte("hello, commit graph")
	compressed := compress(t, content)
	trailing := []byte("next entry starts here")

	output := make([]byte, len(content))
	consumed, err := zlibstream.InflateBounded(append(compressed, trailing...), output)
	require.NoError(t, err)
	assert.Equal(t, content, output)
	assert.Equal(t, len(compressed), consumed)
}

func TestInflateBoundedWrongSize(t *testing.T) {
	t.Parallel()

	compressed := compress(t, []byte("short"))
	output := make([]byte, 100)
	_, err := zlibstream.InflateBounded(compressed, output)
	require.Error(t, err)
}

func TestInflateStream(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("pack entry body "), 50)
	compressed := compress(t, content)
	trailing := []byte("\x01\x02\x03garbage that must not be consumed")

	output, consumed, err := zlibstream.InflateStream(append(compressed, trailing...))
	require.NoError(t, err)
	assert.Equal(t, content, output)
	assert.Equal(t, len(compressed), consumed)
}

func TestStreamReader(t *testing.T) {
	t.Parallel()

	content := []byte("streamed content")
	compressed := compress(t, content)

	sr, err := zlibstream.NewStreamReader(bytes.NewReader(compressed))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sr.Close() })

	out := make([]byte, len(content))
	_, err = io.ReadFull(sr, out)
	require.NoError(t, err)
	assert.Equal(t, content, out)
}
