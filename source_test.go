package seekable

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferSource(t *testing.T) {
	t.Parallel()

	s := newBufferSource([]byte("hello world"))
	assert.EqualValues(t, 11, s.Size())

	buf := make([]byte, 5)
	require.NoError(t, s.ReadAt(buf, 6))
	assert.Equal(t, "world", string(buf))

	assert.Error(t, s.ReadAt(buf, 100))
	assert.NoError(t, s.Close())
}

func TestMappedSourceFromPath(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "fixture.bin")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	ms, err := newMappedSourceFromPath(path)
	require.NoError(t, err)

	assert.EqualValues(t, 11, ms.Size())
	buf := make([]byte, 5)
	require.NoError(t, ms.ReadAt(buf, 0))
	assert.Equal(t, "hello", string(buf))

	assert.GreaterOrEqual(t, ms.fileno(), 0)

	require.NoError(t, ms.Close())
}
