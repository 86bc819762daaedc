package seekable

import (
	"io"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zstdseek/zstdseek/internal/fixture"
)

const sourceString = "testtest2"

func sourceFixture(t *testing.T, withFooter bool) []byte {
	t.Helper()
	var opts []fixture.Option
	if !withFooter {
		opts = append(opts, fixture.WithoutFooter())
	}
	buf, err := fixture.EncodeFrames([][]byte{[]byte("test"), []byte("test2")}, opts...)
	require.NoError(t, err)
	return buf
}

func TestReadSequential(t *testing.T) {
	t.Parallel()

	for _, withFooter := range []bool{true, false} {
		withFooter := withFooter
		t.Run(strconv.FormatBool(withFooter), func(t *testing.T) {
			t.Parallel()

			r, err := NewReader(sourceFixture(t, withFooter))
			require.NoError(t, err)
			defer r.Close()

			tmp := make([]byte, 4096)

			n, err := r.Read(tmp[:4])
			require.NoError(t, err)
			assert.Equal(t, "test", string(tmp[:n]))
			assert.Equal(t, int64(4), r.Tell())

			m, err := r.Read(tmp)
			require.NoError(t, err)
			assert.Equal(t, "test2", string(tmp[:m]))
			assert.Equal(t, int64(9), r.Tell())

			_, err = r.Read(tmp)
			assert.ErrorIs(t, err, io.EOF)
		})
	}
}

// TestReadEdges exhaustively checks every (seek target, read length) pair
// against both a footer-terminated and a plain multi-frame stream, verifying
// that the delivered bytes always match the logical source regardless of
// how the Context chose to grow or reuse its index.
func TestReadEdges(t *testing.T) {
	t.Parallel()

	source := []byte(sourceString)

	for _, withFooter := range []bool{true, false} {
		withFooter := withFooter
		t.Run(strconv.FormatBool(withFooter), func(t *testing.T) {
			t.Parallel()

			r, err := NewReader(sourceFixture(t, withFooter))
			require.NoError(t, err)
			defer r.Close()

			for _, whence := range []int{io.SeekStart, io.SeekEnd} {
				for n := int64(-1); n <= int64(len(source)); n++ {
					for m := int64(0); m <= int64(len(source)); m++ {
						var target int64
						var seekErr error
						switch whence {
						case io.SeekStart:
							target, seekErr = r.Seek(n, whence)
						case io.SeekEnd:
							target, seekErr = r.Seek(-int64(len(source))+n, whence)
						}
						if n < 0 {
							assert.ErrorIs(t, seekErr, ErrNegativeSeek)
							continue
						}
						require.NoError(t, seekErr)
						assert.Equal(t, n, target)

						tmp := make([]byte, m)
						k, err := r.Read(tmp)
						if m == 0 {
							// io.Reader: a zero-length buffer always yields
							// (0, nil), even at EOF.
							assert.NoError(t, err)
							continue
						}
						if n >= int64(len(source)) {
							assert.ErrorIs(t, err, io.EOF)
							continue
						}
						assert.NoError(t, err)
						assert.Equal(t, source[n:n+int64(k)], tmp[:k])
					}
				}
			}
		})
	}
}

func TestSeekBeyondEnd(t *testing.T) {
	t.Parallel()

	r, err := NewReader(sourceFixture(t, true))
	require.NoError(t, err)
	defer r.Close()

	before := r.Tell()
	_, err = r.Seek(1000, io.SeekStart)
	assert.ErrorIs(t, err, ErrBeyondEndSeek)
	assert.Equal(t, before, r.Tell(), "a failed seek must not move the cursor")
}

func TestSeekNegative(t *testing.T) {
	t.Parallel()

	r, err := NewReader(sourceFixture(t, true))
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Seek(-1, io.SeekStart)
	assert.ErrorIs(t, err, ErrNegativeSeek)

	_, err = r.Seek(5, io.SeekStart)
	require.NoError(t, err)
	_, err = r.Seek(-10, io.SeekCurrent)
	assert.ErrorIs(t, err, ErrNegativeSeek)
}

func TestReadAtDoesNotDisturbCursor(t *testing.T) {
	t.Parallel()

	r, err := NewReader(sourceFixture(t, true))
	require.NoError(t, err)
	defer r.Close()

	tmp := make([]byte, 4)
	_, err = r.Read(tmp)
	require.NoError(t, err)
	require.Equal(t, int64(4), r.Tell())

	at := make([]byte, 5)
	n, err := r.ReadAt(at, 4)
	require.NoError(t, err)
	assert.Equal(t, "test2", string(at[:n]))
	assert.Equal(t, int64(4), r.Tell(), "ReadAt must not move the Read/Seek cursor")

	rest := make([]byte, 5)
	m, err := r.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "test2", string(rest[:m]))
}

func TestReadAtPastEnd(t *testing.T) {
	t.Parallel()

	r, err := NewReader(sourceFixture(t, true))
	require.NoError(t, err)
	defer r.Close()

	buf := make([]byte, 4)
	n, err := r.ReadAt(buf, 9)
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, 0, n)
}

func TestIntrospection(t *testing.T) {
	t.Parallel()

	r, err := NewReader(sourceFixture(t, true))
	require.NoError(t, err)
	defer r.Close()

	n, err := r.GetNumberOfFrames()
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	multi, err := r.IsMultiframe()
	require.NoError(t, err)
	assert.True(t, multi)

	size, err := r.UncompressedFileSize()
	require.NoError(t, err)
	assert.EqualValues(t, len(sourceString), size)

	assert.True(t, r.JumpTableIsInitialized())
	assert.Len(t, r.GetJumpTableOfContext(), 3) // two frames plus the sentinel

	_, ok := r.Fileno()
	assert.False(t, ok, "a buffer-backed Context has no file descriptor")
}

func TestWithoutIndexGrowsLazily(t *testing.T) {
	t.Parallel()

	r, err := NewReaderWithoutIndex(sourceFixture(t, false))
	require.NoError(t, err)
	defer r.Close()

	assert.False(t, r.JumpTableIsInitialized())

	tmp := make([]byte, 4)
	_, err = r.Read(tmp)
	require.NoError(t, err)
	assert.Equal(t, "test", string(tmp))

	size, err := r.UncompressedFileSize()
	require.NoError(t, err)
	assert.EqualValues(t, len(sourceString), size)
	assert.True(t, r.JumpTableIsInitialized())
}

func TestChecksumVerification(t *testing.T) {
	t.Parallel()

	buf := sourceFixture(t, true)

	r, err := NewReader(buf, WithChecksumVerification())
	require.NoError(t, err)
	defer r.Close()

	tmp := make([]byte, len(sourceString))
	_, err = io.ReadFull(r, tmp)
	require.NoError(t, err)
	assert.Equal(t, sourceString, string(tmp))
}

func TestChecksumVerificationDetectsCorruption(t *testing.T) {
	t.Parallel()

	buf := sourceFixture(t, true)
	// Flip a bit inside the first frame's compressed block, past the magic
	// and frame header, leaving the (now stale) seek-table checksum intact.
	buf[10] ^= 0xff

	r, err := NewReader(buf, WithChecksumVerification())
	require.NoError(t, err)
	defer r.Close()

	tmp := make([]byte, len(sourceString))
	_, err = io.ReadFull(r, tmp)
	assert.Error(t, err)
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	r, err := NewReader(sourceFixture(t, true))
	require.NoError(t, err)

	assert.NoError(t, r.Close())
	assert.NoError(t, r.Close())

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEmptyBuffer(t *testing.T) {
	t.Parallel()

	r, err := NewReader(nil)
	require.NoError(t, err)
	defer r.Close()

	size, err := r.UncompressedFileSize()
	require.NoError(t, err)
	assert.Zero(t, size)

	_, err = r.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}
