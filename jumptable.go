package seekable

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/google/btree"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// jumpTableRecord is an immutable (compressedPos, uncompressedPos) pair: the
// byte offset into the compressed range where a frame begins, and the
// logical offset of the first byte that frame decompresses to.
type jumpTableRecord struct {
	compressedPos   int64
	uncompressedPos int64
}

func (r *jumpTableRecord) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("compressedPos", r.compressedPos)
	enc.AddInt64("uncompressedPos", r.uncompressedPos)
	return nil
}

func jumpTableRecordLess(a, b *jumpTableRecord) bool {
	return a.uncompressedPos < b.uncompressedPos
}

// jumpCoordinate is the transient result of resolving a logical offset P
// against the jump table: the base record with the largest uncompressedPos
// <= P, and how many decoded bytes of that frame must be discarded to reach
// P.
type jumpCoordinate struct {
	base               *jumpTableRecord
	compressedOffset   int64
	uncompressedOffset int64
}

// jumpTable is the sparse index from uncompressed offsets to compressed
// frame bases. Records are kept in a btree ordered by uncompressedPos
// (equivalently compressedPos, since both are strictly increasing), giving
// lookup O(log n) via DescendLessOrEqual.
type jumpTable struct {
	records *btree.BTreeG[*jumpTableRecord]
	last    *jumpTableRecord

	fullyInitialized bool

	// checksums holds the per-frame XXH64-derived checksum carried by a
	// seekable-format footer, keyed by compressedPos. Only ever populated by
	// parseSeekableFooter when the footer's ChecksumFlag is set; a jump
	// table built by progressive scan has no checksums to offer.
	checksums map[int64]uint32

	logger *zap.Logger
}

func newJumpTable(logger *zap.Logger) *jumpTable {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &jumpTable{
		records: btree.NewG(8, jumpTableRecordLess),
		logger:  logger,
	}
}

// append pushes a new record. The caller is responsible for monotonicity:
// compressedPos and uncompressedPos must both strictly exceed the previous
// last record's.
func (jt *jumpTable) append(compressedPos, uncompressedPos int64) *jumpTableRecord {
	r := &jumpTableRecord{compressedPos: compressedPos, uncompressedPos: uncompressedPos}
	jt.records.ReplaceOrInsert(r)
	jt.last = r
	return r
}

// lookup returns the jumpCoordinate for logical offset p: the base record
// with the largest uncompressedPos <= p. On an empty table it returns the
// degenerate jumpCoordinate{uncompressedOffset: p} with a nil base; callers
// treat that as "start decoding from the very beginning of the compressed
// stream".
func (jt *jumpTable) lookup(p int64) jumpCoordinate {
	var found *jumpTableRecord
	jt.records.DescendLessOrEqual(&jumpTableRecord{uncompressedPos: p}, func(r *jumpTableRecord) bool {
		found = r
		return false
	})
	if found == nil {
		return jumpCoordinate{uncompressedOffset: p}
	}
	return jumpCoordinate{
		base:               found,
		compressedOffset:   found.compressedPos,
		uncompressedOffset: p - found.uncompressedPos,
	}
}

// lastKnownUncompressedSize returns the last record's uncompressedPos (the
// sentinel's, if fullyInitialized) without triggering further scanning.
func (jt *jumpTable) lastKnownUncompressedSize() int64 {
	if jt.last == nil {
		return 0
	}
	return jt.last.uncompressedPos
}

func (jt *jumpTable) lastKnownCompressedPos() int64 {
	if jt.last == nil {
		return 0
	}
	return jt.last.compressedPos
}

func (jt *jumpTable) numRecords() int {
	return jt.records.Len()
}

// checksumFor returns the seek-table-carried checksum for the frame starting
// at compressedPos, if one was recorded (WithChecksumVerification's data
// dependency; see options.go).
func (jt *jumpTable) checksumFor(compressedPos int64) (uint32, bool) {
	if jt.checksums == nil {
		return 0, false
	}
	sum, ok := jt.checksums[compressedPos]
	return sum, ok
}

// JumpTableRecord is an immutable, exported snapshot of one jump table
// record, returned by Context.GetJumpTableOfContext for introspection.
type JumpTableRecord struct {
	CompressedPos   int64
	UncompressedPos int64
}

// snapshot returns an immutable, ascending copy of the records discovered so
// far, for introspection (GetJumpTableOfContext).
func (jt *jumpTable) snapshot() []JumpTableRecord {
	out := make([]JumpTableRecord, 0, jt.records.Len())
	jt.records.Ascend(func(r *jumpTableRecord) bool {
		out = append(out, JumpTableRecord{CompressedPos: r.compressedPos, UncompressedPos: r.uncompressedPos})
		return true
	})
	return out
}

// parseSeekableFooter attempts to interpret the trailing bytes of a
// compressed stream of the given size as a Zstandard seekable-format seek
// table. On success it fully populates jt (including the sentinel) and sets
// fullyInitialized. On any mismatch it returns (false, nil): "not
// parseable", recovered locally by falling back to scan. A non-nil error
// indicates the footer parsed far enough to be recognized as *intended* to
// be a seek table but is internally inconsistent (corrupt).
func (jt *jumpTable) parseSeekableFooter(src byteSource) (bool, error) {
	size := src.Size()
	if size < seekTableFooterOffset {
		return false, nil
	}

	footerBuf := make([]byte, seekTableFooterOffset)
	if err := src.ReadAt(footerBuf, size-seekTableFooterOffset); err != nil {
		return false, fmt.Errorf("reading seek table footer: %w", err)
	}

	footer := seekTableFooter{}
	if err := footer.UnmarshalBinary(footerBuf); err != nil {
		jt.logger.Debug("footer not parseable, falling back to scan", zap.Error(err))
		return false, nil
	}

	entrySize := int64(8)
	if footer.SeekTableDescriptor.ChecksumFlag {
		entrySize += 4
	}

	tableSize := entrySize * int64(footer.NumberOfFrames)
	frameSize := tableSize + frameSizeFieldSize + skippableMagicNumberFieldSize + seekTableFooterOffset

	if frameSize > maxDecoderFrameSize {
		return false, fmt.Errorf("seek table frame is too big: %d > %d", frameSize, maxDecoderFrameSize)
	}
	if frameSize > size {
		jt.logger.Debug("footer claims a frame bigger than the file, falling back to scan")
		return false, nil
	}

	skipFrameBuf := make([]byte, frameSize)
	if err := src.ReadAt(skipFrameBuf, size-frameSize); err != nil {
		return false, fmt.Errorf("reading seek table skippable frame: %w", err)
	}

	magic := binary.LittleEndian.Uint32(skipFrameBuf[0:4])
	if magic != skippableFrameMagic+seekableTag {
		jt.logger.Debug("skippable frame magic mismatch, falling back to scan")
		return false, nil
	}
	expectedUserDataSize := frameSize - frameSizeFieldSize - skippableMagicNumberFieldSize
	userDataSize := int64(binary.LittleEndian.Uint32(skipFrameBuf[4:8]))
	if userDataSize != expectedUserDataSize {
		return false, fmt.Errorf("skippable frame size mismatch: expected %d, actual %d", expectedUserDataSize, userDataSize)
	}

	entries := skipFrameBuf[8 : len(skipFrameBuf)-seekTableFooterOffset]
	if int64(len(entries))%entrySize != 0 {
		return false, fmt.Errorf("seek table size %d is not a multiple of entry size %d", len(entries), entrySize)
	}

	entry := seekTableEntry{}
	var cOffset, dOffset int64
	for off := int64(0); off < int64(len(entries)); off += entrySize {
		if err := entry.UnmarshalBinary(entries[off : off+entrySize]); err != nil {
			return false, fmt.Errorf("parsing seek table entry at %d: %w", off, err)
		}
		jt.append(cOffset, dOffset)
		if footer.SeekTableDescriptor.ChecksumFlag {
			if jt.checksums == nil {
				jt.checksums = make(map[int64]uint32, footer.NumberOfFrames)
			}
			jt.checksums[cOffset] = entry.Checksum
		}
		cOffset += int64(entry.CompressedSize)
		dOffset += int64(entry.DecompressedSize)
	}
	jt.append(cOffset, dOffset) // sentinel
	jt.fullyInitialized = true

	return true, nil
}

// scanDecoderFactory constructs a throwaway streaming decoder, used only to
// measure the output length of frames whose header does not advertise a
// Frame_Content_Size: a fresh decoder session purely to count output bytes.
type scanDecoderFactory func() (streamDecoder, error)

// scan grows the jump table by walking frame headers forward from the last
// known record's compressed offset, stopping once the uncompressed cursor
// reaches upUntilPos or the stream's real end is found.
func (jt *jumpTable) scan(src byteSource, newDecoder scanDecoderFactory, upUntilPos int64) error {
	if jt.fullyInitialized {
		return nil
	}

	cPos := jt.lastKnownCompressedPos()
	dPos := jt.lastKnownUncompressedSize()

	if jt.last == nil {
		jt.append(0, 0)
		cPos, dPos = 0, 0
	}

	size := src.Size()
	for dPos < upUntilPos || upUntilPos < 0 {
		remaining := size - cPos
		if remaining <= 0 {
			jt.markTerminal(cPos, dPos)
			return nil
		}

		head := make([]byte, min64(remaining, maxDecoderFrameSize))
		if err := src.ReadAt(head, cPos); err != nil {
			return fmt.Errorf("reading frame header at %d: %w", cPos, err)
		}

		frameSize, err := findFrameCompressedSize(head)
		if err != nil {
			jt.logger.Debug("scan hit malformed frame, treating as terminal", zap.Int64("pos", cPos), zap.Error(err))
			jt.markTerminal(cPos, dPos)
			return nil
		}
		if frameSize == 0 {
			jt.markTerminal(cPos, dPos)
			return nil
		}

		if isSkippableFrame(head) {
			cPos += frameSize
			if cPos >= size {
				jt.markTerminal(cPos, dPos)
				return nil
			}
			continue
		}

		contentSize, err := frameContentSize(head)
		if err != nil {
			return fmt.Errorf("reading frame content size at %d: %w", cPos, err)
		}

		if contentSize < 0 {
			contentSize, err = measureStreamingFrame(src, newDecoder, cPos, frameSize)
			if err != nil {
				return fmt.Errorf("measuring streaming frame at %d: %w", cPos, err)
			}
		}

		nextCPos := cPos + frameSize
		nextDPos := dPos + contentSize
		if nextDPos > dPos {
			jt.append(nextCPos, nextDPos)
		} else {
			jt.logger.Debug("scan skipped zero-length frame", zap.Int64("pos", cPos))
		}

		cPos = nextCPos
		dPos = nextDPos
	}

	return nil
}

func (jt *jumpTable) markTerminal(cPos, dPos int64) {
	jt.append(cPos, dPos)
	jt.fullyInitialized = true
}

// measureStreamingFrame decodes a single frame with unknown Frame_Content_Size
// end to end purely to count its decompressed length.
func measureStreamingFrame(src byteSource, newDecoder scanDecoderFactory, cPos, frameSize int64) (int64, error) {
	frame := make([]byte, frameSize)
	if err := src.ReadAt(frame, cPos); err != nil {
		return 0, err
	}

	dec, err := newDecoder()
	if err != nil {
		return 0, err
	}
	defer dec.Close()

	if err := dec.Reset(frame); err != nil {
		return 0, err
	}

	var total int64
	buf := make([]byte, 32*1024)
	for {
		n, err := dec.Read(buf)
		total += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return 0, err
		}
		if n == 0 {
			return total, nil
		}
	}
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
