// Package fixture synthesizes Zstandard seekable-format streams for this
// module's own tests: single-frame, multi-frame, and seek-table-terminated
// fixtures. It is not part of the public decoding API -- this module only
// reads seekable streams, it does not produce them.
package fixture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/multierr"
)

const (
	skippableFrameMagic uint32 = 0x184D2A50
	seekableMagicNumber uint32 = 0x8F92EAB1
	seekableTag         uint32 = 0xE
)

// entry mirrors one Seek_Table_Entries record.
type entry struct {
	compressedSize   uint32
	decompressedSize uint32
	checksum         uint32
}

func (e entry) marshalInto(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], e.compressedSize)
	binary.LittleEndian.PutUint32(dst[4:], e.decompressedSize)
	binary.LittleEndian.PutUint32(dst[8:], e.checksum)
}

// Writer emits one independent Zstandard frame per Write call and, on
// Close, an optional seekable-format seek-table footer. Each Write is its
// own EncodeAll rather than a streaming append, so frame boundaries land
// exactly where the caller's Write calls do.
type Writer struct {
	w       io.Writer
	enc     *zstd.Encoder
	entries []entry

	withFooter bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithoutFooter skips writing the trailing seek-table footer, producing a
// plain multi-frame stream a progressive scan must walk.
func WithoutFooter() Option {
	return func(w *Writer) { w.withFooter = false }
}

// NewWriter creates a fixture Writer over w. The seek-table footer is
// written on Close unless WithoutFooter is passed.
func NewWriter(w io.Writer, opts ...Option) (*Writer, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	fw := &Writer{w: w, enc: enc, withFooter: true}
	for _, o := range opts {
		o(fw)
	}
	return fw, nil
}

// Write compresses src as a single, independent frame and appends it to the
// underlying writer, recording a seek-table entry for it.
func (fw *Writer) Write(src []byte) (int, error) {
	if len(src) > math.MaxUint32 {
		return 0, fmt.Errorf("chunk too big for seekable format: %d > %d", len(src), math.MaxUint32)
	}

	dst := fw.enc.EncodeAll(src, nil)
	if len(dst) > math.MaxUint32 {
		return 0, fmt.Errorf("encoded frame too big for seekable format: %d > %d", len(dst), math.MaxUint32)
	}

	fw.entries = append(fw.entries, entry{
		compressedSize:   uint32(len(dst)),
		decompressedSize: uint32(len(src)),
		checksum:         uint32(xxhash.Sum64(src)),
	})

	return fw.w.Write(dst)
}

// Close flushes the seek-table footer (unless disabled) and releases the
// encoder session.
func (fw *Writer) Close() error {
	var errs error
	if fw.withFooter {
		errs = multierr.Append(errs, fw.writeSeekTable())
	}
	errs = multierr.Append(errs, fw.enc.Close())
	return errs
}

func (fw *Writer) writeSeekTable() error {
	const entrySize = 12
	table := make([]byte, len(fw.entries)*entrySize+9)
	for i, e := range fw.entries {
		e.marshalInto(table[i*entrySize : (i+1)*entrySize])
	}

	off := len(fw.entries) * entrySize
	binary.LittleEndian.PutUint32(table[off:], uint32(len(fw.entries)))
	table[off+4] = 1 << 7 // Seek_Table_Descriptor.Checksum_Flag
	binary.LittleEndian.PutUint32(table[off+5:], seekableMagicNumber)

	frame, err := createSkippableFrame(seekableTag, table)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(frame)
	return err
}

func createSkippableFrame(tag uint32, payload []byte) ([]byte, error) {
	if tag > 0xf {
		return nil, fmt.Errorf("tag %d > 0xf", tag)
	}
	dst := make([]byte, 8, len(payload)+8)
	binary.LittleEndian.PutUint32(dst[0:], skippableFrameMagic+tag)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(payload)))
	return append(dst, payload...), nil
}

// EncodeFrames is a convenience one-shot for tests: it writes each of
// chunks as its own frame into a fresh buffer and returns the bytes.
func EncodeFrames(chunks [][]byte, opts ...Option) ([]byte, error) {
	var buf bytes.Buffer
	fw, err := NewWriter(&buf, opts...)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if _, err := fw.Write(c); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
