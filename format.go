package seekable

/*
Package seekable implements random-access reading of a file made of one or
more concatenated Zstandard frames, optionally terminated by the Zstandard
"seekable format" footer:

	|`Skippable_Magic_Number`|`Frame_Size`|`[Seek_Table_Entries]`|`Seek_Table_Footer`|
	|------------------------|------------|----------------------|-------------------|
	| 4 bytes                | 4 bytes    | 8-12 bytes each      | 9 bytes           |

https://github.com/facebook/zstd/blob/dev/contrib/seekable_format/zstd_seekable_compression_format.md
*/

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap/zapcore"
)

const (
	skippableFrameMagic uint32 = 0x184D2A50
	seekableMagicNumber uint32 = 0x8F92EAB1

	seekTableFooterOffset = 9

	frameSizeFieldSize            = 4
	skippableMagicNumberFieldSize = 4

	// seekableTag is the skippable-frame tag this package reserves for its
	// own seek table, out of the 16 tags the format allows.
	seekableTag = 0xE

	// maxDecoderFrameSize bounds any single frame or footer we will ever
	// hand to the decoder, to avoid OOMs on untrusted input.
	maxDecoderFrameSize = 128 << 20
)

// seekTableDescriptor is the bitfield describing the format of the seek table.
//
//	| Bit number | Field name      |
//	| ---------- | --------------- |
//	| 7          | Checksum_Flag   |
//	| 6-2        | Reserved_Bits   |
//	| 1-0        | Unused_Bits     |
type seekTableDescriptor struct {
	// ChecksumFlag: if set, each seek table entry carries a 4-byte checksum
	// of its frame's uncompressed data.
	ChecksumFlag bool
}

func (d *seekTableDescriptor) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddBool("ChecksumFlag", d.ChecksumFlag)
	return nil
}

// seekTableFooter is the trailing 9 bytes of a seekable stream.
//
//	|`Number_Of_Frames`|`Seek_Table_Descriptor`|`Seekable_Magic_Number`|
//	|------------------|-----------------------|-----------------------|
//	| 4 bytes          | 1 byte                | 4 bytes               |
type seekTableFooter struct {
	NumberOfFrames      uint32
	SeekTableDescriptor seekTableDescriptor
	SeekableMagicNumber uint32
}

func (f *seekTableFooter) marshalBinaryInline(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], f.NumberOfFrames)
	if f.SeekTableDescriptor.ChecksumFlag {
		dst[4] |= 1 << 7
	}
	binary.LittleEndian.PutUint32(dst[5:], seekableMagicNumber)
}

func (f *seekTableFooter) MarshalBinary() ([]byte, error) {
	dst := make([]byte, seekTableFooterOffset)
	f.marshalBinaryInline(dst)
	return dst, nil
}

func (f *seekTableFooter) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("NumberOfFrames", f.NumberOfFrames)
	if err := enc.AddObject("SeekTableDescriptor", &f.SeekTableDescriptor); err != nil {
		return err
	}
	enc.AddUint32("SeekableMagicNumber", f.SeekableMagicNumber)
	return nil
}

// UnmarshalBinary parses the footer and rejects any footer with reserved
// descriptor bits set -- callers treat that rejection as "not a seek table"
// and fall back to a progressive scan rather than treat it as fatal.
func (f *seekTableFooter) UnmarshalBinary(p []byte) error {
	if len(p) != seekTableFooterOffset {
		return fmt.Errorf("footer length mismatch %d vs %d", len(p), seekTableFooterOffset)
	}
	reservedBits := (p[4] << 1) >> 3
	if reservedBits != 0 {
		return fmt.Errorf("footer reserved bits %#x != 0", reservedBits)
	}
	f.NumberOfFrames = binary.LittleEndian.Uint32(p[0:])
	f.SeekTableDescriptor.ChecksumFlag = (p[4] & (1 << 7)) > 0
	f.SeekableMagicNumber = binary.LittleEndian.Uint32(p[5:])
	if f.SeekableMagicNumber != seekableMagicNumber {
		return fmt.Errorf("footer magic mismatch %#x vs %#x", f.SeekableMagicNumber, seekableMagicNumber)
	}
	return nil
}

// seekTableEntry describes one frame in the Seek_Table_Entries array.
//
//	|`Compressed_Size`|`Decompressed_Size`|`[Checksum]`|
//	|-----------------|-------------------|------------|
//	| 4 bytes         | 4 bytes           | 4 bytes    |
type seekTableEntry struct {
	CompressedSize   uint32
	DecompressedSize uint32
	// Checksum is only present if ChecksumFlag is set: the low 32 bits of
	// the XXH64 digest of the frame's uncompressed data.
	Checksum uint32
}

func (e *seekTableEntry) marshalBinaryInline(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:], e.CompressedSize)
	binary.LittleEndian.PutUint32(dst[4:], e.DecompressedSize)
	binary.LittleEndian.PutUint32(dst[8:], e.Checksum)
}

func (e *seekTableEntry) MarshalBinary() ([]byte, error) {
	dst := make([]byte, 12)
	e.marshalBinaryInline(dst)
	return dst, nil
}

func (e *seekTableEntry) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddUint32("CompressedSize", e.CompressedSize)
	enc.AddUint32("DecompressedSize", e.DecompressedSize)
	enc.AddUint32("Checksum", e.Checksum)
	return nil
}

func (e *seekTableEntry) UnmarshalBinary(p []byte) error {
	if len(p) < 8 {
		return fmt.Errorf("entry length mismatch %d vs %d", len(p), 8)
	}
	e.CompressedSize = binary.LittleEndian.Uint32(p[0:])
	e.DecompressedSize = binary.LittleEndian.Uint32(p[4:])
	if len(p) >= 12 {
		e.Checksum = binary.LittleEndian.Uint32(p[8:])
	}
	return nil
}

// createSkippableFrame wraps payload in a Zstandard skippable frame tagged
// with tag (0-0xf).
//
//	| `Magic_Number` | `Frame_Size` | `User_Data` |
//	|:--------------:|:------------:|:-----------:|
//	|   4 bytes      |  4 bytes     |   n bytes   |
//
// https://github.com/facebook/zstd/blob/dev/doc/zstd_compression_format.md#skippable-frames
func createSkippableFrame(tag uint32, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	if tag > 0xf {
		return nil, fmt.Errorf("requested tag (%d) > 0xf", tag)
	}
	if int64(len(payload)) > maxChunkSize {
		return nil, fmt.Errorf("requested skippable frame size (%d) > max uint32", len(payload))
	}

	dst := make([]byte, 8, len(payload)+8)
	binary.LittleEndian.PutUint32(dst[0:], skippableFrameMagic+tag)
	binary.LittleEndian.PutUint32(dst[4:], uint32(len(payload)))
	return append(dst, payload...), nil
}

const maxChunkSize int64 = 1<<32 - 1
