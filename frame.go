package seekable

import (
	"encoding/binary"
	"fmt"
)

// This file answers two questions neither klauspost/compress/zstd's public
// API exposes without fully decoding a frame: how many compressed bytes does
// the frame at this offset occupy, and how many bytes will it decompress to
// (if the header advertises that at all). Both are answered by walking the
// documented wire format directly:
// https://github.com/facebook/zstd/blob/dev/doc/zstd_compression_format.md

const (
	zstdFrameMagic = 0xFD2FB528

	// skippableFrameMagicMask matches all 16 valid skippable-frame magic
	// values (0x184D2A50 ..= 0x184D2A5F).
	skippableFrameMagicMask = 0xFFFFFFF0
	skippableFrameMagicBase = 0x184D2A50
)

// blockType enumerates the Block_Type field of a Zstandard block header.
type blockType uint8

const (
	blockTypeRaw blockType = iota
	blockTypeRLE
	blockTypeCompressed
	blockTypeReserved
)

// frameHeader is the parsed result of a standard (non-skippable) Zstandard
// frame header.
type frameHeader struct {
	headerSize    int64
	contentSize   int64 // -1 if unknown ("streaming" frame)
	hasChecksum   bool
	singleSegment bool
}

// parseFrameHeader decodes the frame header starting at p[0] (p[0:4] must
// already be known to equal zstdFrameMagic). It does not look at block data.
func parseFrameHeader(p []byte) (*frameHeader, error) {
	if len(p) < 5 {
		return nil, fmt.Errorf("frame header truncated: need at least 5 bytes, have %d", len(p))
	}

	fhd := p[4]
	dictIDFlag := fhd & 0x3
	contentChecksumFlag := fhd&0x4 != 0
	reservedBit := fhd & 0x8
	singleSegment := fhd&0x20 != 0
	fcsFlag := fhd >> 6

	if reservedBit != 0 {
		return nil, fmt.Errorf("frame header descriptor reserved bit set: %#x", fhd)
	}

	pos := int64(5)

	if !singleSegment {
		if int64(len(p)) <= pos {
			return nil, fmt.Errorf("frame header truncated before window descriptor")
		}
		pos++ // Window_Descriptor
	}

	var dictIDSize int64
	switch dictIDFlag {
	case 0:
		dictIDSize = 0
	case 1:
		dictIDSize = 1
	case 2:
		dictIDSize = 2
	case 3:
		dictIDSize = 4
	}
	pos += dictIDSize

	var fcsFieldSize int64
	switch {
	case fcsFlag == 0 && singleSegment:
		fcsFieldSize = 1
	case fcsFlag == 0 && !singleSegment:
		fcsFieldSize = 0
	case fcsFlag == 1:
		fcsFieldSize = 2
	case fcsFlag == 2:
		fcsFieldSize = 4
	case fcsFlag == 3:
		fcsFieldSize = 8
	}

	if int64(len(p)) < pos+fcsFieldSize {
		return nil, fmt.Errorf("frame header truncated before frame content size field")
	}

	contentSize := int64(-1)
	switch fcsFieldSize {
	case 1:
		contentSize = int64(p[pos])
	case 2:
		contentSize = int64(binary.LittleEndian.Uint16(p[pos:])) + 256
	case 4:
		contentSize = int64(binary.LittleEndian.Uint32(p[pos:]))
	case 8:
		contentSize = int64(binary.LittleEndian.Uint64(p[pos:]))
	}
	pos += fcsFieldSize

	return &frameHeader{
		headerSize:    pos,
		contentSize:   contentSize,
		hasChecksum:   contentChecksumFlag,
		singleSegment: singleSegment,
	}, nil
}

// findFrameCompressedSize returns the total byte length (header, blocks, and
// optional checksum) of the frame or skippable frame starting at p[0].
//
// Returns (0, nil) when there is no frame to find (a clean end of the
// compressed stream), and a non-nil error when the bytes at p do not form a
// well-formed frame.
func findFrameCompressedSize(p []byte) (int64, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(p) < 4 {
		return 0, fmt.Errorf("truncated frame magic: %d byte(s) remain", len(p))
	}

	magic := binary.LittleEndian.Uint32(p[0:4])

	if magic&skippableFrameMagicMask == skippableFrameMagicBase {
		if len(p) < 8 {
			return 0, fmt.Errorf("truncated skippable frame header")
		}
		userDataSize := int64(binary.LittleEndian.Uint32(p[4:8]))
		total := 8 + userDataSize
		if total > int64(len(p)) {
			return 0, fmt.Errorf("skippable frame claims %d bytes but only %d remain", total, len(p))
		}
		return total, nil
	}

	if magic != zstdFrameMagic {
		return 0, fmt.Errorf("unrecognized frame magic: %#x", magic)
	}

	fh, err := parseFrameHeader(p)
	if err != nil {
		return 0, err
	}

	pos := fh.headerSize
	for {
		if pos+3 > int64(len(p)) {
			return 0, fmt.Errorf("truncated block header at offset %d", pos)
		}
		h := uint32(p[pos]) | uint32(p[pos+1])<<8 | uint32(p[pos+2])<<16
		lastBlock := h&0x1 != 0
		bType := blockType((h >> 1) & 0x3)
		blockSize := int64(h >> 3)
		pos += 3

		if bType == blockTypeReserved {
			return 0, fmt.Errorf("reserved block type at offset %d", pos-3)
		}

		var contentBytes int64
		if bType == blockTypeRLE {
			contentBytes = 1
		} else {
			contentBytes = blockSize
		}

		if pos+contentBytes > int64(len(p)) {
			return 0, fmt.Errorf("truncated block content at offset %d: need %d, have %d", pos, contentBytes, int64(len(p))-pos)
		}
		pos += contentBytes

		if lastBlock {
			break
		}
	}

	if fh.hasChecksum {
		if pos+4 > int64(len(p)) {
			return 0, fmt.Errorf("truncated content checksum at offset %d", pos)
		}
		pos += 4
	}

	return pos, nil
}

// isSkippableFrame reports whether p[0:4] is a skippable-frame magic number.
// Callers must ensure len(p) >= 4.
func isSkippableFrame(p []byte) bool {
	magic := binary.LittleEndian.Uint32(p[0:4])
	return magic&skippableFrameMagicMask == skippableFrameMagicBase
}

// frameContentSize returns the Frame_Content_Size advertised by the frame
// header at p[0], or (-1, nil) if the frame did not advertise one (an
// "unknown size" streaming frame, whose decompressed length can only be
// learned by fully decoding it). p must already be known to contain a
// well-formed, non-skippable frame (e.g. via findFrameCompressedSize).
func frameContentSize(p []byte) (int64, error) {
	if len(p) < 4 || binary.LittleEndian.Uint32(p[0:4]) != zstdFrameMagic {
		return 0, fmt.Errorf("not a zstd frame")
	}
	fh, err := parseFrameHeader(p)
	if err != nil {
		return 0, err
	}
	return fh.contentSize, nil
}
