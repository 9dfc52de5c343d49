package pack

import (
	"errors"
	"fmt"
)

// Sentinel errors. These form the error taxonomy for the whole subsystem;
// wrap them with fmt.Errorf("...: %w", err) and classify with errors.Is.
var (
	// ErrConfig is returned for bad or missing paths and conflicting
	// options. Configuration errors are fatal and never retried.
	ErrConfig = errors.New("pack: invalid configuration")

	// ErrFormat is returned when a container has an unknown magic or
	// version, or a corrupt index. Fatal for that container; the reader
	// never degrades to partial data.
	ErrFormat = errors.New("pack: malformed container")

	// ErrIntegrity is returned when an entry's content does not match its
	// recorded length or hash. Isolated to that entry during extraction.
	ErrIntegrity = errors.New("pack: content integrity mismatch")

	// ErrFinalized is returned when a writer is used after Finalize.
	ErrFinalized = errors.New("pack: container already finalized")

	// ErrSizeOverflow is returned when byte counts exceed supported limits.
	ErrSizeOverflow = errors.New("pack: size overflow")
)

// Codec identifies the compression algorithm used for an entry's payload.
type Codec uint8

const (
	// CodecNone stores the payload verbatim. Stored entries support
	// random access: any uncompressed byte range maps directly to a
	// container byte range.
	CodecNone Codec = iota

	// CodecZstd compresses with zstandard (default).
	CodecZstd

	// CodecLZ4 compresses with LZ4; faster to pack, larger output.
	CodecLZ4
)

func (c Codec) String() string {
	switch c {
	case CodecNone:
		return "none"
	case CodecZstd:
		return "zstd"
	case CodecLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// RandomAccess reports whether payloads in this codec can be read from an
// arbitrary uncompressed offset without decoding the preceding bytes.
func (c Codec) RandomAccess() bool {
	return c == CodecNone
}

// ParseCodec maps a codec name to its Codec value.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "none":
		return CodecNone, nil
	case "zstd", "":
		return CodecZstd, nil
	case "lz4":
		return CodecLZ4, nil
	default:
		return 0, fmt.Errorf("%w: unknown codec %q", ErrConfig, name)
	}
}

// Entry describes one file inside a container.
//
// The invariant every reader relies on: decompressing exactly DataSize
// bytes at Offset yields exactly OriginalSize bytes whose SHA-256 equals
// Hash.
type Entry struct {
	// Path is the logical POSIX-style path, relative, unique within the
	// container (e.g. "vcsky/fetched/model.txd").
	Path string

	// OriginalSize is the uncompressed content length in bytes.
	OriginalSize uint64

	// DataSize is the stored (compressed) payload length in bytes.
	// Equal to OriginalSize for CodecNone.
	DataSize uint64

	// Offset is the absolute byte offset of the payload in the container.
	Offset uint64

	// Codec is the compression algorithm for this payload.
	Codec Codec

	// Hash is the SHA-256 of the uncompressed content.
	Hash []byte
}
