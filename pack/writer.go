package pack

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

// Writer builds a container. Payloads are spooled to a temporary file while
// entries accumulate in memory; Finalize assembles header, index, and
// payloads into a temp file and atomically renames it into place, so a
// previously finalized container is never observed half-written.
//
// A lock file next to the output serializes concurrent builds of the same
// container.
type Writer struct {
	outPath   string
	lock      *os.File
	lockPath  string
	spool     *os.File
	spoolLen  uint64
	entries   []Entry // Offset is payload-relative until Finalize
	paths     map[string]struct{}
	cfg       packConfig
	enc       payloadEncoder
	buf       []byte
	finalized bool
}

// NewWriter opens a writer for a new container at outPath.
func NewWriter(outPath string, opts ...PackOption) (*Writer, error) {
	cfg := defaultPackConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	w := &Writer{
		outPath: outPath,
		paths:   make(map[string]struct{}),
		cfg:     cfg,
		buf:     make([]byte, 32*1024),
	}

	enc, err := newPayloadEncoder(cfg.codec)
	if err != nil {
		return nil, err
	}
	w.enc = enc

	if err := w.acquireLock(); err != nil {
		return nil, err
	}
	spool, err := os.CreateTemp(filepath.Dir(outPath), ".vcpk-spool-*")
	if err != nil {
		w.releaseLock()
		return nil, fmt.Errorf("create payload spool: %w", err)
	}
	w.spool = spool
	return w, nil
}

// NewAppender reopens a finalized container for a multi-source build. The
// existing entries are preserved; Finalize rewrites the container with the
// combined index, rebasing every payload offset.
func NewAppender(containerPath string, opts ...PackOption) (*Writer, error) {
	w, err := NewWriter(containerPath, opts...)
	if err != nil {
		return nil, err
	}

	c, err := Open(containerPath)
	if err != nil {
		w.Abort()
		return nil, err
	}
	defer c.Close()

	payloadStart := c.payloadStart()
	for e := range c.Entries() {
		e.Offset -= payloadStart
		w.entries = append(w.entries, e)
		w.paths[e.Path] = struct{}{}
	}
	n, err := io.CopyBuffer(w.spool, io.NewSectionReader(c.src, int64(payloadStart), c.src.Size()-int64(payloadStart)), w.buf)
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("copy existing payloads: %w", err)
	}
	w.spoolLen = uint64(n)
	return w, nil
}

// Add compresses and appends one entry. The logical path must be a valid
// relative POSIX path, unique within the container.
func (w *Writer) Add(path string, r io.Reader) (Entry, error) {
	return w.add(path, r, -1)
}

func (w *Writer) add(path string, r io.Reader, knownSize int64) (Entry, error) {
	if w.finalized {
		return Entry{}, ErrFinalized
	}
	if !fs.ValidPath(path) || path == "." {
		return Entry{}, &fs.PathError{Op: "add", Path: path, Err: fs.ErrInvalid}
	}
	if _, dup := w.paths[path]; dup {
		return Entry{}, fmt.Errorf("%w: duplicate path %s", ErrConfig, path)
	}
	if w.cfg.maxFiles > 0 && len(w.entries) >= w.cfg.maxFiles {
		return Entry{}, fmt.Errorf("%w: more than %d files", ErrConfig, w.cfg.maxFiles)
	}

	codec := w.cfg.codec
	if codec != CodecNone && shouldStore(path, knownSize, w.cfg.skipCompression) {
		codec = CodecNone
	}

	hasher := sha256.New()
	cr := &countingReader{r: io.TeeReader(r, hasher)}
	cw := &countingWriter{w: w.spool}

	var copyErr error
	if codec == CodecNone {
		_, copyErr = io.CopyBuffer(cw, cr, w.buf)
	} else {
		w.enc.Reset(cw)
		if _, copyErr = io.CopyBuffer(w.enc, cr, w.buf); copyErr == nil {
			copyErr = w.enc.Close()
		}
	}
	if copyErr != nil {
		return Entry{}, fmt.Errorf("write %s: %w", path, copyErr)
	}

	entry := Entry{
		Path:         path,
		OriginalSize: cr.n,
		DataSize:     cw.n,
		Offset:       w.spoolLen,
		Codec:        codec,
		Hash:         hasher.Sum(nil),
	}
	w.entries = append(w.entries, entry)
	w.paths[path] = struct{}{}
	w.spoolLen += entry.DataSize
	return entry, nil
}

// Len returns the number of entries added so far.
func (w *Writer) Len() int {
	return len(w.entries)
}

// Finalize writes the container and releases the writer's resources.
// It fails if called twice or with zero entries.
func (w *Writer) Finalize() error {
	if w.finalized {
		return ErrFinalized
	}
	if len(w.entries) == 0 {
		return fmt.Errorf("%w: container has no entries", ErrConfig)
	}

	indexLen := encodedIndexSize(w.entries)
	payloadStart := headerSize + indexLen
	abs := make([]Entry, len(w.entries))
	for i, e := range w.entries {
		e.Offset += payloadStart
		abs[i] = e
	}
	indexData, err := encodeIndex(abs)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(w.outPath), ".vcpk-*")
	if err != nil {
		return fmt.Errorf("create temp container: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(encodeHeader(indexLen)); err != nil {
		cleanup()
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := tmp.Write(indexData); err != nil {
		cleanup()
		return fmt.Errorf("write index: %w", err)
	}
	if _, err := w.spool.Seek(0, io.SeekStart); err != nil {
		cleanup()
		return fmt.Errorf("rewind spool: %w", err)
	}
	if _, err := io.CopyBuffer(tmp, w.spool, w.buf); err != nil {
		cleanup()
		return fmt.Errorf("write payloads: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp container: %w", err)
	}
	if err := os.Rename(tmpPath, w.outPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("move container into place: %w", err)
	}

	w.finalized = true
	w.discardSpool()
	w.releaseLock()
	w.log().Info("container finalized",
		"path", w.outPath, "entries", len(w.entries), "payload_bytes", w.spoolLen)
	return nil
}

// Abort discards the writer without producing a container.
// Calling Abort after Finalize is a no-op.
func (w *Writer) Abort() {
	if w.finalized {
		return
	}
	w.finalized = true
	w.discardSpool()
	w.releaseLock()
}

func (w *Writer) acquireLock() error {
	w.lockPath = w.outPath + ".lock"
	lock, err := os.OpenFile(w.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: %s is being written by another packer", ErrConfig, w.outPath)
		}
		return fmt.Errorf("acquire pack lock: %w", err)
	}
	w.lock = lock
	return nil
}

func (w *Writer) releaseLock() {
	if w.lock == nil {
		return
	}
	w.lock.Close()
	os.Remove(w.lockPath)
	w.lock = nil
}

func (w *Writer) discardSpool() {
	if w.spool == nil {
		return
	}
	name := w.spool.Name()
	w.spool.Close()
	os.Remove(name)
	w.spool = nil
}

func (w *Writer) log() *slog.Logger {
	if w.cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return w.cfg.logger
}

type countingReader struct {
	r io.Reader
	n uint64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.n += uint64(n)
	}
	return n, err
}

type countingWriter struct {
	w io.Writer
	n uint64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	if n > 0 {
		cw.n += uint64(n)
	}
	return n, err
}
