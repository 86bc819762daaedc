package seekable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/zstdseek/zstdseek/internal/fixture"
)

func TestJumpTableLookupEmpty(t *testing.T) {
	t.Parallel()

	jt := newJumpTable(zap.NewNop())
	coord := jt.lookup(42)
	assert.Nil(t, coord.base)
	assert.Zero(t, coord.compressedOffset)
	assert.EqualValues(t, 42, coord.uncompressedOffset)
}

func TestJumpTableAppendAndLookup(t *testing.T) {
	t.Parallel()

	jt := newJumpTable(zap.NewNop())
	jt.append(0, 0)
	jt.append(9, 4)
	jt.append(18, 9)

	coord := jt.lookup(6)
	require.NotNil(t, coord.base)
	assert.EqualValues(t, 9, coord.compressedOffset)
	assert.EqualValues(t, 2, coord.uncompressedOffset)

	assert.EqualValues(t, 9, jt.lastKnownUncompressedSize())
	assert.Equal(t, 3, jt.numRecords())
}

func TestParseSeekableFooter(t *testing.T) {
	t.Parallel()

	buf, err := fixture.EncodeFrames([][]byte{[]byte("test"), []byte("test2")})
	require.NoError(t, err)

	src := newBufferSource(buf)
	jt := newJumpTable(zap.NewNop())
	ok, err := jt.parseSeekableFooter(src)
	require.NoError(t, err)
	require.True(t, ok)

	assert.True(t, jt.fullyInitialized)
	assert.EqualValues(t, 9, jt.lastKnownUncompressedSize())

	snap := jt.snapshot()
	require.Len(t, snap, 3) // two frames plus the sentinel
	assert.EqualValues(t, 0, snap[0].UncompressedPos)
	assert.EqualValues(t, 4, snap[1].UncompressedPos)
	assert.EqualValues(t, 9, snap[2].UncompressedPos)

	sum, ok := jt.checksumFor(snap[0].CompressedPos)
	assert.True(t, ok)
	assert.NotZero(t, sum)
}

func TestParseSeekableFooterFallsBackWithoutFooter(t *testing.T) {
	t.Parallel()

	buf, err := fixture.EncodeFrames([][]byte{[]byte("test"), []byte("test2")}, fixture.WithoutFooter())
	require.NoError(t, err)

	src := newBufferSource(buf)
	jt := newJumpTable(zap.NewNop())
	ok, err := jt.parseSeekableFooter(src)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, jt.fullyInitialized)
}

func TestScanBuildsFullIndex(t *testing.T) {
	t.Parallel()

	buf, err := fixture.EncodeFrames([][]byte{[]byte("test"), []byte("test2")}, fixture.WithoutFooter())
	require.NoError(t, err)

	src := newBufferSource(buf)
	jt := newJumpTable(zap.NewNop())
	newDecoder := func() (streamDecoder, error) { return newZstdStreamDecoder() }

	require.NoError(t, jt.scan(src, newDecoder, -1))
	assert.True(t, jt.fullyInitialized)
	assert.EqualValues(t, 9, jt.lastKnownUncompressedSize())
}
