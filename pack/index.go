package pack

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
)

// Container file layout, all integers little-endian:
//
//	header (16 bytes): magic "VCPK" | version uint32 | indexLen uint64
//	index: count uint32, then per entry:
//	    pathLen uint16 | path | originalSize uint64 | dataSize uint64 |
//	    codec uint8 | offset uint64 | hash [32]byte
//	payloads: concatenated compressed payloads in index order
//
// Per-entry numeric fields are fixed width so the index length is known
// before any payload offset is assigned; indexLen in the header lets a
// remote reader fetch the whole layout with two bounded prefix reads.
const (
	formatVersion = 1
	headerSize    = 16

	entryFixedSize = 2 + 8 + 8 + 1 + 8 + sha256.Size
	maxPathLen     = math.MaxUint16

	// maxIndexSize bounds how much index a sequential reader buffers
	// before any of it can be validated against a real container size.
	maxIndexSize = 256 << 20
)

var formatMagic = [4]byte{'V', 'C', 'P', 'K'}

// encodedIndexSize returns the byte length of the index section for entries.
func encodedIndexSize(entries []Entry) uint64 {
	size := uint64(4)
	for i := range entries {
		size += uint64(entryFixedSize) + uint64(len(entries[i].Path))
	}
	return size
}

// encodeHeader writes the 16-byte container header.
func encodeHeader(indexLen uint64) []byte {
	buf := make([]byte, headerSize)
	copy(buf, formatMagic[:])
	binary.LittleEndian.PutUint32(buf[4:], formatVersion)
	binary.LittleEndian.PutUint64(buf[8:], indexLen)
	return buf
}

// decodeHeader validates magic and version and returns the index length.
func decodeHeader(buf []byte) (indexLen uint64, err error) {
	if len(buf) < headerSize {
		return 0, fmt.Errorf("%w: short header (%d bytes)", ErrFormat, len(buf))
	}
	if [4]byte(buf[:4]) != formatMagic {
		return 0, fmt.Errorf("%w: bad magic %q", ErrFormat, buf[:4])
	}
	if v := binary.LittleEndian.Uint32(buf[4:]); v != formatVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrFormat, v)
	}
	indexLen = binary.LittleEndian.Uint64(buf[8:])
	if indexLen < 4 {
		return 0, fmt.Errorf("%w: index length %d too small", ErrFormat, indexLen)
	}
	return indexLen, nil
}

// encodeIndex serializes entries into the index section.
func encodeIndex(entries []Entry) ([]byte, error) {
	size := encodedIndexSize(entries)
	if size > math.MaxInt {
		return nil, ErrSizeOverflow
	}
	buf := make([]byte, 0, size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(entries)))
	for i := range entries {
		e := &entries[i]
		if len(e.Path) > maxPathLen {
			return nil, fmt.Errorf("%w: path too long: %s", ErrConfig, e.Path)
		}
		if len(e.Hash) != sha256.Size {
			return nil, fmt.Errorf("%w: bad hash length %d for %s", ErrConfig, len(e.Hash), e.Path)
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(e.Path)))
		buf = append(buf, e.Path...)
		buf = binary.LittleEndian.AppendUint64(buf, e.OriginalSize)
		buf = binary.LittleEndian.AppendUint64(buf, e.DataSize)
		buf = append(buf, byte(e.Codec))
		buf = binary.LittleEndian.AppendUint64(buf, e.Offset)
		buf = append(buf, e.Hash...)
	}
	return buf, nil
}

// decodeIndex parses the index section into entries.
func decodeIndex(buf []byte) ([]Entry, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("%w: truncated index", ErrFormat)
	}
	count := binary.LittleEndian.Uint32(buf)
	buf = buf[4:]
	if uint64(count) > uint64(len(buf))/entryFixedSize {
		return nil, fmt.Errorf("%w: entry count %d exceeds index size", ErrFormat, count)
	}

	entries := make([]Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(buf) < 2 {
			return nil, fmt.Errorf("%w: truncated index row %d", ErrFormat, i)
		}
		pathLen := int(binary.LittleEndian.Uint16(buf))
		buf = buf[2:]
		if len(buf) < pathLen+entryFixedSize-2 {
			return nil, fmt.Errorf("%w: truncated index row %d", ErrFormat, i)
		}
		path := string(buf[:pathLen])
		buf = buf[pathLen:]

		e := Entry{
			Path:         path,
			OriginalSize: binary.LittleEndian.Uint64(buf),
			DataSize:     binary.LittleEndian.Uint64(buf[8:]),
			Codec:        Codec(buf[16]),
			Offset:       binary.LittleEndian.Uint64(buf[17:]),
			Hash:         append([]byte(nil), buf[25:25+sha256.Size]...),
		}
		buf = buf[entryFixedSize-2:]

		if e.Codec > CodecLZ4 {
			return nil, fmt.Errorf("%w: unknown codec %d for %s", ErrFormat, e.Codec, path)
		}
		if e.Codec == CodecNone && e.DataSize != e.OriginalSize {
			return nil, fmt.Errorf("%w: stored entry %s has size mismatch", ErrFormat, path)
		}
		entries = append(entries, e)
	}
	if len(buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing index bytes", ErrFormat, len(buf))
	}
	return entries, nil
}

// validateLayout checks index invariants against the container size:
// payload offsets are monotonically increasing, non-overlapping, start
// after the index, and stay inside the container.
func validateLayout(entries []Entry, indexLen uint64, containerSize int64) error {
	if containerSize < 0 {
		return ErrSizeOverflow
	}
	payloadStart := headerSize + indexLen
	cursor := payloadStart
	for i := range entries {
		e := &entries[i]
		if e.Offset < cursor {
			return fmt.Errorf("%w: entry %s overlaps previous payload", ErrFormat, e.Path)
		}
		if e.Offset != cursor {
			return fmt.Errorf("%w: entry %s leaves a gap at offset %d", ErrFormat, e.Path, cursor)
		}
		end := e.Offset + e.DataSize
		if end < e.Offset {
			return ErrSizeOverflow
		}
		if end > uint64(containerSize) {
			return fmt.Errorf("%w: entry %s extends past end of container", ErrFormat, e.Path)
		}
		cursor = end
	}
	return nil
}
