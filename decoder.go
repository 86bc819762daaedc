package seekable

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// decoderNaturalOutputBlockSize sizes the Decoder Wrapper's scratch buffer.
// 128KiB matches ZSTD_BLOCKSIZE_MAX, the largest block a conforming encoder
// ever emits, so a single Read of the underlying decoder always drains an
// entire block in one call.
const decoderNaturalOutputBlockSize = 128 << 10

// streamDecoder is the minimal streaming-decompressor surface both the jump
// table scanner and the Decoder Wrapper need: reset onto a new frame's raw
// bytes, then pull decoded output incrementally. Satisfied by *zstd.Decoder.
type streamDecoder interface {
	Reset(input []byte) error
	Read(p []byte) (int, error)
	Close() error
}

// zstdStreamDecoder adapts github.com/klauspost/compress/zstd's *Decoder to
// streamDecoder. It is the only place this package depends on the codec
// being Zstandard specifically for *decompression*; frame/block layout
// parsing lives in frame.go and works directly off the compressed bytes.
type zstdStreamDecoder struct {
	zd *zstd.Decoder
}

func newZstdStreamDecoder(opts ...zstd.DOption) (*zstdStreamDecoder, error) {
	zd, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &zstdStreamDecoder{zd: zd}, nil
}

func (d *zstdStreamDecoder) Reset(input []byte) error {
	return d.zd.Reset(bytes.NewReader(input))
}

func (d *zstdStreamDecoder) Read(p []byte) (int, error) {
	return d.zd.Read(p)
}

func (d *zstdStreamDecoder) Close() error {
	d.zd.Close()
	return nil
}

var _ streamDecoder = (*zstdStreamDecoder)(nil)

// outputCursor tracks how much of the Decoder Wrapper's scratch buffer has
// already been produced (size) and delivered to the caller (pos).
type outputCursor struct {
	size int
	pos  int
}

// decoderWrapper owns a decoder session, a scratch output buffer sized to
// decoderNaturalOutputBlockSize, and the output cursor into that buffer. The
// Seek/Read Engine (context.go) owns the input-side bookkeeping (which
// frame, how many bytes to discard).
type decoderWrapper struct {
	dec     streamDecoder
	scratch []byte
	out     outputCursor

	// digest and wantChecksum implement WithChecksumVerification: when
	// non-nil, every byte produced by the current frame is folded into
	// digest, and checked against wantChecksum once the frame drains dry.
	digest       *xxhash.Digest
	wantChecksum uint32
}

func newDecoderWrapper(dec streamDecoder) *decoderWrapper {
	return &decoderWrapper{
		dec:     dec,
		scratch: make([]byte, decoderNaturalOutputBlockSize),
	}
}

// reset discards any mid-frame decoder state (but keeps the scratch buffer
// allocation) and points the session at a new frame's raw bytes. Called by
// the engine whenever it repositions to a non-sequential frame.
//
// If verify is true, the newly decoded frame's bytes are checked against
// wantChecksum once fully drained (WithChecksumVerification).
func (w *decoderWrapper) reset(frame []byte, verify bool, wantChecksum uint32) error {
	w.out = outputCursor{}
	if verify {
		w.digest = xxhash.New()
		w.wantChecksum = wantChecksum
	} else {
		w.digest = nil
	}
	if err := w.dec.Reset(frame); err != nil {
		return fmt.Errorf("resetting decoder: %w", err)
	}
	return nil
}

// fill returns the unconsumed tail of the scratch buffer, decoding another
// block from the current frame first if the previous one was fully
// delivered. A nil, nil result means the current frame is exhausted
// ("frame complete").
func (w *decoderWrapper) fill() ([]byte, error) {
	if w.out.pos < w.out.size {
		return w.scratch[w.out.pos:w.out.size], nil
	}

	n, err := w.dec.Read(w.scratch)
	w.out = outputCursor{size: n, pos: 0}
	if n > 0 {
		if w.digest != nil {
			w.digest.Write(w.scratch[:n])
		}
		return w.scratch[:n], nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decompressing frame: %w", err)
	}
	if w.digest != nil {
		got := uint32(w.digest.Sum64())
		w.digest = nil
		if got != w.wantChecksum {
			return nil, fmt.Errorf("%w: frame checksum mismatch: want %#x, got %#x", ErrRead, w.wantChecksum, got)
		}
	}
	return nil, nil
}

// consume advances the output cursor past n bytes already copied to a caller.
func (w *decoderWrapper) consume(n int) {
	w.out.pos += n
}

func (w *decoderWrapper) close() error {
	return w.dec.Close()
}
