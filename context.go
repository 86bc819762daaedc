package seekable

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Context is a read-only, seekable handle onto the logical (uncompressed)
// byte stream backed by one or more concatenated Zstandard frames. It
// implements io.Reader, io.Seeker, and io.ReaderAt. Not safe for concurrent
// use from multiple goroutines: each Context owns a single decoder session
// and cursor.
type Context struct {
	src byteSource
	jt  *jumpTable
	dw  *decoderWrapper

	newScanDecoder scanDecoderFactory

	verifyChecksums bool
	logger          *zap.Logger

	fd int // -1 if this Context was not opened from a path or fd

	// position is the engine's logical (uncompressed) cursor.
	position int64

	// positioned reports whether dw/coord/curFrame* currently reflect
	// position. False right after construction, until a Read, a Seek that
	// repositions the decoder, or CompressedTell installs a frame; ReadAt
	// puts back the value it found.
	positioned bool

	coord            jumpCoordinate
	curFrameCompStart int64
	curFrameCompSize  int64

	closed atomic.Bool
}

var (
	_ io.Reader   = (*Context)(nil)
	_ io.Seeker   = (*Context)(nil)
	_ io.ReaderAt = (*Context)(nil)
	_ io.Closer   = (*Context)(nil)
)

// NewReader wraps an in-memory buffer the Context borrows but does not own;
// it must outlive the Context. The jump table is built eagerly: a
// seekable-format footer is parsed if present, otherwise the whole stream is
// scanned up front.
func NewReader(buf []byte, opts ...Option) (*Context, error) {
	return newContext(newBufferSource(buf), -1, false, opts)
}

// NewReaderWithoutIndex is NewReader but defers all jump-table construction
// to the first Read/Seek/ReadAt that needs it, growing it lazily from then
// on.
func NewReaderWithoutIndex(buf []byte, opts ...Option) (*Context, error) {
	return newContext(newBufferSource(buf), -1, true, opts)
}

// NewReaderFromPath opens and memory-maps path read-only; the Context owns
// both the mapping and the underlying file descriptor and releases both on
// Close.
func NewReaderFromPath(path string, opts ...Option) (*Context, error) {
	ms, err := newMappedSourceFromPath(path)
	if err != nil {
		return nil, err
	}
	return newContext(ms, ms.fileno(), false, opts)
}

// NewReaderFromPathWithoutIndex is NewReaderFromPath with lazy jump-table
// construction.
func NewReaderFromPathWithoutIndex(path string, opts ...Option) (*Context, error) {
	ms, err := newMappedSourceFromPath(path)
	if err != nil {
		return nil, err
	}
	return newContext(ms, ms.fileno(), true, opts)
}

// NewReaderFromFd memory-maps an already-open file descriptor read-only; the
// Context owns the mapping but not fd, which the caller remains responsible
// for closing.
func NewReaderFromFd(fd int, opts ...Option) (*Context, error) {
	ms, err := newMappedSourceFromFd(fd)
	if err != nil {
		return nil, err
	}
	return newContext(ms, ms.fileno(), false, opts)
}

// NewReaderFromFdWithoutIndex is NewReaderFromFd with lazy jump-table
// construction.
func NewReaderFromFdWithoutIndex(fd int, opts ...Option) (*Context, error) {
	ms, err := newMappedSourceFromFd(fd)
	if err != nil {
		return nil, err
	}
	return newContext(ms, ms.fileno(), true, opts)
}

func newContext(src byteSource, fd int, lazy bool, optFns []Option) (*Context, error) {
	o := defaultOptions()
	for _, fn := range optFns {
		if err := fn(&o); err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	// Validate that the first bytes form the start of a valid frame before
	// handing back a Context; on failure the source is destroyed.
	if size := src.Size(); size > 0 {
		head := make([]byte, min64(size, maxDecoderFrameSize))
		if err := src.ReadAt(head, 0); err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("reading first frame: %w", err)
		}
		if _, err := findFrameCompressedSize(head); err != nil {
			_ = src.Close()
			return nil, fmt.Errorf("not a valid compressed stream: %w", err)
		}
	}

	dec, err := newZstdStreamDecoder(o.zstdDOpts...)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	c := &Context{
		src:             src,
		jt:              newJumpTable(o.logger),
		dw:              newDecoderWrapper(dec),
		verifyChecksums: o.verifyChecksums,
		logger:          o.logger,
		fd:              fd,
	}
	zstdOpts := o.zstdDOpts
	c.newScanDecoder = func() (streamDecoder, error) { return newZstdStreamDecoder(zstdOpts...) }

	if !lazy {
		ok, err := c.jt.parseSeekableFooter(c.src)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("parsing seekable footer: %w", err)
		}
		if !ok {
			if err := c.jt.scan(c.src, c.newScanDecoder, -1); err != nil {
				_ = c.Close()
				return nil, fmt.Errorf("scanning frames: %w", err)
			}
		}
	}

	return c, nil
}

// loadFrameAt resets the Decoder Wrapper onto the content frame starting at
// compPos (silently no-opping past any skippable frame found there instead,
// reporting skippable=true so the caller can decide how to proceed).
// Returns (0, false, nil) at a clean end of the compressed range.
func (c *Context) loadFrameAt(compPos int64) (frameSize int64, skippable bool, err error) {
	size := c.src.Size()
	remaining := size - compPos
	if remaining <= 0 {
		return 0, false, nil
	}

	head := make([]byte, min64(remaining, maxDecoderFrameSize))
	if err := c.src.ReadAt(head, compPos); err != nil {
		return 0, false, fmt.Errorf("reading frame at %d: %w", compPos, err)
	}

	frameSize, err = findFrameCompressedSize(head)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrRead, err)
	}
	if frameSize == 0 {
		return 0, false, nil
	}
	if isSkippableFrame(head) {
		return frameSize, true, nil
	}

	frameBytes := head
	if int64(len(head)) < frameSize {
		frameBytes = make([]byte, frameSize)
		if err := c.src.ReadAt(frameBytes, compPos); err != nil {
			return 0, false, fmt.Errorf("reading frame at %d: %w", compPos, err)
		}
	} else {
		frameBytes = head[:frameSize]
	}

	wantChecksum, haveChecksum := c.jt.checksumFor(compPos)
	verify := c.verifyChecksums && haveChecksum
	if err := c.dw.reset(frameBytes, verify, wantChecksum); err != nil {
		return 0, false, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return frameSize, false, nil
}

// positionAt installs target as the Context's logical position and resets
// the decoder onto the frame the jump table resolves it to.
func (c *Context) positionAt(target int64) error {
	coord := c.jt.lookup(target)
	frameSize, _, err := c.loadFrameAt(coord.compressedOffset)
	if err != nil {
		return err
	}
	c.coord = coord
	c.curFrameCompStart = coord.compressedOffset
	c.curFrameCompSize = frameSize
	c.positioned = true
	c.position = target
	return nil
}

// advanceFrame moves the engine from the frame it just fully drained onto
// the next content frame, transparently stepping over any skippable frame in
// between (the seekable-format footer's skippable frame, most commonly).
// Returns (false, nil) at the true end of the compressed range.
func (c *Context) advanceFrame() (bool, error) {
	nextCompPos := c.curFrameCompStart + c.curFrameCompSize
	frameSize, skippable, err := c.loadFrameAt(nextCompPos)
	if err != nil {
		return false, err
	}
	if frameSize == 0 {
		return false, nil
	}
	if skippable {
		c.curFrameCompStart = nextCompPos
		c.curFrameCompSize = frameSize
		return c.advanceFrame()
	}

	// Record this frame's start if it lies past the last known record.
	// read caps each call at the last known uncompressed size, so position
	// never exceeds it here and this branch does not fire on the Read path;
	// the jump table grows through the progressive scan in growIndexThrough.
	if c.position > c.jt.lastKnownUncompressedSize() {
		c.jt.append(nextCompPos, c.position)
	}

	c.curFrameCompStart = nextCompPos
	c.curFrameCompSize = frameSize
	c.coord = jumpCoordinate{compressedOffset: nextCompPos, uncompressedOffset: 0}
	return true, nil
}

// growIndexThrough extends the jump table, if it is not already fully
// initialized, far enough to resolve pos -- a progressive scan triggered
// lazily from Read/Seek/ReadAt.
func (c *Context) growIndexThrough(pos int64) error {
	if c.jt.fullyInitialized || pos < c.jt.lastKnownUncompressedSize() {
		return nil
	}
	if err := c.jt.scan(c.src, c.newScanDecoder, pos+1); err != nil {
		return fmt.Errorf("growing jump table: %w", err)
	}
	return nil
}

// forceFullInit runs the progressive scan to the true end of the stream, for
// operations that need the exact uncompressed size (UncompressedFileSize,
// SEEK_END).
func (c *Context) forceFullInit() error {
	if c.jt.fullyInitialized {
		return nil
	}
	if err := c.jt.scan(c.src, c.newScanDecoder, -1); err != nil {
		return fmt.Errorf("scanning frames: %w", err)
	}
	return nil
}

// Read implements io.Reader: resolve/grow the jump table to cap how much can
// be delivered, then pull decoded bytes frame by frame, discarding any
// residual offset left over from a prior Seek.
func (c *Context) Read(p []byte) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	return c.read(p)
}

func (c *Context) read(p []byte) (int, error) {
	if err := c.growIndexThrough(c.position); err != nil {
		return 0, err
	}

	remaining := c.jt.lastKnownUncompressedSize() - c.position
	if remaining <= 0 {
		return 0, io.EOF
	}

	want := len(p)
	if int64(want) > remaining {
		want = int(remaining)
	}

	if !c.positioned {
		if err := c.positionAt(c.position); err != nil {
			return 0, err
		}
	}

	produced := 0
	for produced < want {
		chunk, err := c.dw.fill()
		if err != nil {
			return produced, fmt.Errorf("%w: %v", ErrRead, err)
		}

		if chunk == nil {
			advanced, err := c.advanceFrame()
			if err != nil {
				return produced, err
			}
			if !advanced {
				break
			}
			continue
		}

		consumed := 0
		if c.coord.uncompressedOffset > 0 {
			discard := int64(len(chunk))
			if discard > c.coord.uncompressedOffset {
				discard = c.coord.uncompressedOffset
			}
			c.coord.uncompressedOffset -= discard
			chunk = chunk[discard:]
			consumed += int(discard)
		}

		take := want - produced
		if take > len(chunk) {
			take = len(chunk)
		}
		copy(p[produced:produced+take], chunk[:take])
		consumed += take
		produced += take
		c.position += int64(take)

		c.dw.consume(consumed)
	}

	if produced == 0 {
		return 0, io.EOF
	}
	return produced, nil
}

// Seek implements io.Seeker. Negative SEEK_SET/SEEK_CUR targets return
// ErrNegativeSeek; targets beyond the (possibly just-grown) known
// uncompressed size return ErrBeyondEndSeek. Both are non-destructive: the
// Context's position is left unchanged.
func (c *Context) Seek(offset int64, whence int) (int64, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}

	switch whence {
	case io.SeekCurrent:
		if offset == 0 {
			return c.position, nil
		}
		return c.seekTo(c.position + offset)
	case io.SeekStart:
		return c.seekTo(offset)
	case io.SeekEnd:
		if err := c.forceFullInit(); err != nil {
			return c.position, err
		}
		return c.seekTo(c.jt.lastKnownUncompressedSize() + offset)
	default:
		return c.position, fmt.Errorf("seekable: unknown whence %d", whence)
	}
}

// seekTo is the SEEK_SET case every whence ultimately reduces to.
func (c *Context) seekTo(target int64) (int64, error) {
	if target < 0 {
		return c.position, ErrNegativeSeek
	}
	if target == c.position {
		return c.position, nil
	}

	if err := c.growIndexThrough(target); err != nil {
		return c.position, err
	}
	if target > c.jt.lastKnownUncompressedSize() {
		return c.position, ErrBeyondEndSeek
	}

	newCoord := c.jt.lookup(target)
	sameFrame := c.positioned && newCoord.compressedOffset == c.curFrameCompStart
	forward := target > c.position

	if !sameFrame || !forward {
		if err := c.positionAt(target); err != nil {
			return c.position, err
		}
		return c.position, nil
	}

	// Forward reseek within the already-loaded frame: keep decoding
	// sequentially and discard, instead of tearing down and re-decoding
	// from the frame's start.
	discard := make([]byte, decoderNaturalOutputBlockSize)
	toSkip := target - c.position
	for toSkip > 0 {
		n := int64(len(discard))
		if n > toSkip {
			n = toSkip
		}
		got, err := c.read(discard[:n])
		if err != nil && !errors.Is(err, io.EOF) {
			return c.position, err
		}
		if got == 0 {
			break
		}
		toSkip -= int64(got)
	}
	return c.position, nil
}

// ReadAt implements io.ReaderAt without disturbing the Read/Seek cursor:
// position, and the decoder state associated with it, are restored before
// returning.
func (c *Context) ReadAt(p []byte, off int64) (int, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("seekable: negative ReadAt offset: %d", off)
	}
	if len(p) == 0 {
		return 0, nil
	}

	savedPos := c.position
	savedPositioned := c.positioned
	savedCoord := c.coord
	savedStart, savedSize := c.curFrameCompStart, c.curFrameCompSize

	restore := func() {
		c.position = savedPos
		c.positioned = savedPositioned
		c.coord = savedCoord
		c.curFrameCompStart, c.curFrameCompSize = savedStart, savedSize
		if savedPositioned {
			_ = c.positionAt(savedPos)
		}
	}

	if err := c.growIndexThrough(off); err != nil {
		restore()
		return 0, err
	}
	if off >= c.jt.lastKnownUncompressedSize() {
		restore()
		return 0, io.EOF
	}

	if err := c.positionAt(off); err != nil {
		restore()
		return 0, err
	}

	n := 0
	for n < len(p) {
		m, err := c.read(p[n:])
		n += m
		if err != nil {
			restore()
			if errors.Is(err, io.EOF) {
				return n, io.EOF
			}
			return n, err
		}
		if m == 0 {
			break
		}
	}

	restore()
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Tell returns the current logical (uncompressed) position.
func (c *Context) Tell() int64 {
	return c.position
}

// CompressedTell returns the compressed-byte offset of the frame backing the
// current logical position -- the base of the frame, not a sub-frame byte
// address, since a streaming decompressor cannot address mid-block.
func (c *Context) CompressedTell() int64 {
	if !c.positioned {
		if err := c.positionAt(c.position); err != nil {
			c.logger.Debug("CompressedTell: failed to lazily position", zap.Error(err))
			return c.curFrameCompStart
		}
	}
	return c.curFrameCompStart
}

// UncompressedFileSize returns the total logical size, forcing a full
// progressive scan first if the jump table isn't already fully initialized.
func (c *Context) UncompressedFileSize() (int64, error) {
	if err := c.forceFullInit(); err != nil {
		return 0, err
	}
	return c.jt.lastKnownUncompressedSize(), nil
}

// LastKnownUncompressedFileSize returns the largest uncompressed offset
// discovered so far, without triggering any additional scanning. On a
// fully-initialized Context this equals UncompressedFileSize.
func (c *Context) LastKnownUncompressedFileSize() int64 {
	return c.jt.lastKnownUncompressedSize()
}

// GetNumberOfFrames counts the non-skippable frames in the compressed range
// by walking frame headers; it does not consult or grow the jump table.
func (c *Context) GetNumberOfFrames() (int64, error) {
	var n int64
	err := c.walkFrames(func(int64, bool) bool {
		n++
		return true
	})
	return n, err
}

// IsMultiframe reports whether the compressed range contains more than one
// content frame, stopping as soon as a second one is found.
func (c *Context) IsMultiframe() (bool, error) {
	var n int64
	err := c.walkFrames(func(int64, bool) bool {
		n++
		return n < 2
	})
	return n >= 2, err
}

// walkFrames calls visit(frameSize, skippable) for every non-skippable frame
// in the compressed range, in order, stepping over skippable frames without
// visiting them, and stopping early if visit returns false.
func (c *Context) walkFrames(visit func(frameSize int64, skippable bool) bool) error {
	size := c.src.Size()
	pos := int64(0)
	for pos < size {
		remaining := size - pos
		head := make([]byte, min64(remaining, maxDecoderFrameSize))
		if err := c.src.ReadAt(head, pos); err != nil {
			return fmt.Errorf("reading frame at %d: %w", pos, err)
		}
		frameSize, err := findFrameCompressedSize(head)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRead, err)
		}
		if frameSize == 0 {
			break
		}
		skippable := isSkippableFrame(head)
		if !skippable {
			if !visit(frameSize, skippable) {
				break
			}
		}
		pos += frameSize
	}
	return nil
}

// Fileno returns the file descriptor backing this Context and true, or
// (0, false) if it was not opened from a path or descriptor (e.g. NewReader
// over a plain buffer).
func (c *Context) Fileno() (int, bool) {
	if c.fd < 0 {
		return 0, false
	}
	return c.fd, true
}

// JumpTableIsInitialized reports whether the jump table has been fully
// built, either by parsing a seekable-format footer or by a progressive
// scan that reached the true end of the stream.
func (c *Context) JumpTableIsInitialized() bool {
	return c.jt.fullyInitialized
}

// GetJumpTableOfContext returns an immutable snapshot of the jump table
// records discovered so far, ascending by uncompressed offset.
func (c *Context) GetJumpTableOfContext() []JumpTableRecord {
	return c.jt.snapshot()
}

// Close releases, in order, the decoder session, the jump table, and (if
// owned) the backing mapping and file descriptor. Safe to call more than
// once; only the first call does any work.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs error
	if c.dw != nil {
		errs = multierr.Append(errs, c.dw.close())
	}
	c.jt = nil
	if c.src != nil {
		errs = multierr.Append(errs, c.src.Close())
	}
	c.dw = nil
	return errs
}
