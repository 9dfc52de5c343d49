package pack

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"iter"
	"os"
)

// ByteSource is random-access container bytes. Local files and remote
// range-capable HTTP objects both satisfy it.
type ByteSource interface {
	io.ReaderAt

	// Size returns the total container size in bytes.
	Size() int64

	// SourceID identifies the source for logging and cache keys.
	SourceID() string
}

// Container is a read-only view over a finalized archive. It is safe for
// concurrent use.
type Container struct {
	src      ByteSource
	entries  []Entry
	byPath   map[string]int
	indexLen uint64
	decoders *decoderPool
	closer   io.Closer
}

// Open maps the container file at path.
func Open(path string) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	src := &fileSource{f: f, size: info.Size(), id: path}
	c, err := New(src)
	if err != nil {
		f.Close()
		return nil, err
	}
	c.closer = f
	return c, nil
}

// New reads and validates the index of src. Only the header and index are
// fetched; payload bytes are read on demand.
func New(src ByteSource) (*Container, error) {
	if src.Size() < headerSize {
		return nil, fmt.Errorf("%w: container smaller than header", ErrFormat)
	}
	hdr := make([]byte, headerSize)
	if _, err := src.ReadAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	indexLen, err := decodeHeader(hdr)
	if err != nil {
		return nil, err
	}
	// Compare in uint64 space: headerSize+indexLen can wrap for a corrupt
	// indexLen near 2^64, and converting to int64 goes negative.
	if indexLen > uint64(src.Size())-headerSize {
		return nil, fmt.Errorf("%w: index extends past container end", ErrFormat)
	}
	indexData := make([]byte, indexLen)
	if _, err := src.ReadAt(indexData, headerSize); err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	entries, err := decodeIndex(indexData)
	if err != nil {
		return nil, err
	}
	if err := validateLayout(entries, indexLen, src.Size()); err != nil {
		return nil, err
	}

	byPath := make(map[string]int, len(entries))
	for i, e := range entries {
		byPath[e.Path] = i
	}
	return &Container{
		src:      src,
		entries:  entries,
		byPath:   byPath,
		indexLen: indexLen,
		decoders: newDecoderPool(0),
	}, nil
}

func (c *Container) payloadStart() uint64 {
	return headerSize + c.indexLen
}

// Len returns the number of entries.
func (c *Container) Len() int {
	return len(c.entries)
}

// Size returns the total container size in bytes.
func (c *Container) Size() int64 {
	return c.src.Size()
}

// SourceID identifies the underlying source.
func (c *Container) SourceID() string {
	return c.src.SourceID()
}

// Entry looks up an entry by logical path.
func (c *Container) Entry(path string) (Entry, bool) {
	i, ok := c.byPath[path]
	if !ok {
		return Entry{}, false
	}
	return c.entries[i], true
}

// Entries yields entries in index order.
func (c *Container) Entries() iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for _, e := range c.entries {
			if !yield(e) {
				return
			}
		}
	}
}

// ReadFile returns the full uncompressed content of path, verified against
// the entry's hash.
func (c *Container) ReadFile(path string) ([]byte, error) {
	e, ok := c.Entry(path)
	if !ok {
		return nil, &os.PathError{Op: "read", Path: path, Err: os.ErrNotExist}
	}
	rc, err := c.OpenEntry(e)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	buf := make([]byte, 0, e.OriginalSize)
	out := bytes.NewBuffer(buf)
	if _, err := io.Copy(out, rc); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// OpenFile opens path for streaming. The content hash is verified when the
// reader is drained to EOF.
func (c *Container) OpenFile(path string) (io.ReadCloser, error) {
	e, ok := c.Entry(path)
	if !ok {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrNotExist}
	}
	return c.OpenEntry(e)
}

// OpenEntry opens an entry for streaming with hash verification at EOF.
func (c *Container) OpenEntry(e Entry) (io.ReadCloser, error) {
	raw := c.RawSection(e)
	r, release, err := c.decoders.reader(e.Codec, raw)
	if err != nil {
		return nil, err
	}
	return &verifyReader{
		r:       r,
		hasher:  sha256.New(),
		want:    e.Hash,
		path:    e.Path,
		release: release,
	}, nil
}

// OpenRange opens a byte range [off, off+length) of the uncompressed
// content. Entries stored without compression are served by direct seek;
// compressed entries decode and discard the leading bytes. Range reads skip
// hash verification since only full reads can prove integrity.
func (c *Container) OpenRange(e Entry, off, length int64) (io.ReadCloser, error) {
	size := int64(e.OriginalSize)
	if off < 0 || length < 0 || off > size {
		return nil, fmt.Errorf("%w: range %d+%d outside %d bytes", ErrConfig, off, length, size)
	}
	if off+length > size {
		length = size - off
	}

	if e.Codec == CodecNone {
		sec := io.NewSectionReader(c.src, int64(e.Offset)+off, length)
		return io.NopCloser(sec), nil
	}

	r, release, err := c.decoders.reader(e.Codec, c.RawSection(e))
	if err != nil {
		return nil, err
	}
	if _, err := io.CopyN(io.Discard, r, off); err != nil {
		release()
		return nil, fmt.Errorf("skip to offset %d in %s: %w", off, e.Path, err)
	}
	return &releaseReader{r: io.LimitReader(r, length), release: release}, nil
}

// RawSection returns the stored payload bytes of an entry, without
// decompression or verification.
func (c *Container) RawSection(e Entry) *io.SectionReader {
	return io.NewSectionReader(c.src, int64(e.Offset), int64(e.DataSize))
}

// Close releases the underlying source when the container owns it.
func (c *Container) Close() error {
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

type fileSource struct {
	f    *os.File
	size int64
	id   string
}

func (s *fileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *fileSource) Size() int64                             { return s.size }
func (s *fileSource) SourceID() string                        { return s.id }

// verifyReader checks the content hash once the stream reaches EOF.
type verifyReader struct {
	r       io.Reader
	hasher  hash.Hash
	want    []byte
	path    string
	release func()
	checked bool
}

func (vr *verifyReader) Read(p []byte) (int, error) {
	n, err := vr.r.Read(p)
	if n > 0 {
		vr.hasher.Write(p[:n])
	}
	if err == io.EOF && !vr.checked {
		vr.checked = true
		if !bytes.Equal(vr.hasher.Sum(nil), vr.want) {
			return n, fmt.Errorf("%w: hash mismatch for %s", ErrIntegrity, vr.path)
		}
	}
	return n, err
}

func (vr *verifyReader) Close() error {
	if vr.release != nil {
		vr.release()
		vr.release = nil
	}
	return nil
}

type releaseReader struct {
	r       io.Reader
	release func()
}

func (rr *releaseReader) Read(p []byte) (int, error) { return rr.r.Read(p) }

func (rr *releaseReader) Close() error {
	if rr.release != nil {
		rr.release()
		rr.release = nil
	}
	return nil
}
