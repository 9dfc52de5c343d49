package pack

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ResumeMode controls how the unpacker treats files that already exist at
// the destination.
type ResumeMode int

const (
	// ResumeSize skips a file whose size matches the entry (default).
	ResumeSize ResumeMode = iota

	// ResumeVerify re-hashes existing files and rewrites on mismatch.
	ResumeVerify

	// ResumeOff rewrites every entry unconditionally.
	ResumeOff
)

type unpackConfig struct {
	concurrency  int
	byteBudget   int64
	resume       ResumeMode
	allOrNothing bool
	logger       *slog.Logger
}

func defaultUnpackConfig() unpackConfig {
	return unpackConfig{
		concurrency: 4,
		byteBudget:  64 << 20,
	}
}

// UnpackOption configures Unpack and UnpackStream.
type UnpackOption func(*unpackConfig)

// WithConcurrency sets how many entries are extracted in parallel.
func WithConcurrency(n int) UnpackOption {
	return func(cfg *unpackConfig) {
		if n > 0 {
			cfg.concurrency = n
		}
	}
}

// WithByteBudget bounds the stored bytes in flight across workers, keeping
// memory and read pressure flat regardless of entry sizes.
func WithByteBudget(n int64) UnpackOption {
	return func(cfg *unpackConfig) {
		if n > 0 {
			cfg.byteBudget = n
		}
	}
}

// WithResume selects the resume mode.
func WithResume(mode ResumeMode) UnpackOption {
	return func(cfg *unpackConfig) { cfg.resume = mode }
}

// WithAllOrNothing aborts on the first entry failure and removes the
// destination tree, instead of isolating per-entry failures.
func WithAllOrNothing() UnpackOption {
	return func(cfg *unpackConfig) { cfg.allOrNothing = true }
}

// WithUnpackLogger sets the logger for extraction progress.
func WithUnpackLogger(logger *slog.Logger) UnpackOption {
	return func(cfg *unpackConfig) { cfg.logger = logger }
}

// EntryError records a single failed entry.
type EntryError struct {
	Path string
	Err  error
}

func (e *EntryError) Error() string { return fmt.Sprintf("unpack %s: %v", e.Path, e.Err) }
func (e *EntryError) Unwrap() error { return e.Err }

// UnpackStats summarizes one extraction run.
type UnpackStats struct {
	Extracted int
	Skipped   int
	Failed    []EntryError
}

// Unpack extracts every container entry under dest. Entries are written to
// temp files and renamed into place, so an interrupted run never leaves a
// truncated file at its final path; a rerun resumes from whatever survived.
//
// A failing entry does not stop the others unless WithAllOrNothing is set.
// Per-entry failures are reported in UnpackStats.Failed; the returned error
// is non-nil only for whole-run failures.
func Unpack(ctx context.Context, c *Container, dest string, opts ...UnpackOption) (UnpackStats, error) {
	cfg := defaultUnpackConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := unpackLogger(cfg)

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return UnpackStats{}, fmt.Errorf("create destination: %w", err)
	}

	var (
		mu    sync.Mutex
		stats UnpackStats
	)
	sem := semaphore.NewWeighted(cfg.byteBudget)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.concurrency)

	for e := range c.Entries() {
		weight := min(int64(e.DataSize), cfg.byteBudget)
		if weight < 1 {
			weight = 1
		}
		if err := sem.Acquire(gctx, weight); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(weight)
			skipped, err := extractEntry(gctx, c, e, dest, cfg)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				log.Warn("entry failed", "path", e.Path, "error", err)
				stats.Failed = append(stats.Failed, EntryError{Path: e.Path, Err: err})
				if cfg.allOrNothing {
					return &stats.Failed[len(stats.Failed)-1]
				}
			case skipped:
				stats.Skipped++
			default:
				stats.Extracted++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if cfg.allOrNothing {
			os.RemoveAll(dest)
		}
		return stats, err
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	log.Info("unpack complete", "dest", dest,
		"extracted", stats.Extracted, "skipped", stats.Skipped, "failed", len(stats.Failed))
	return stats, nil
}

// UnpackStream extracts a container from a sequential reader in one linear
// pass, for sources without random access. The index must precede the
// payloads, which the writer guarantees.
func UnpackStream(ctx context.Context, r io.Reader, dest string, opts ...UnpackOption) (UnpackStats, error) {
	cfg := defaultUnpackConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	log := unpackLogger(cfg)

	hdr := make([]byte, headerSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return UnpackStats{}, fmt.Errorf("read header: %w", err)
	}
	indexLen, err := decodeHeader(hdr)
	if err != nil {
		return UnpackStats{}, err
	}
	if indexLen > maxIndexSize {
		return UnpackStats{}, fmt.Errorf("%w: claimed index length %d exceeds %d-byte limit", ErrFormat, indexLen, maxIndexSize)
	}
	indexData := make([]byte, indexLen)
	if _, err := io.ReadFull(r, indexData); err != nil {
		return UnpackStats{}, fmt.Errorf("read index: %w", err)
	}
	entries, err := decodeIndex(indexData)
	if err != nil {
		return UnpackStats{}, err
	}
	total := headerSize + indexLen
	for i := range entries {
		total += entries[i].DataSize
		if total < entries[i].DataSize {
			return UnpackStats{}, ErrSizeOverflow
		}
	}
	if total > math.MaxInt64 {
		return UnpackStats{}, ErrSizeOverflow
	}
	if err := validateLayout(entries, indexLen, int64(total)); err != nil {
		return UnpackStats{}, err
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return UnpackStats{}, fmt.Errorf("create destination: %w", err)
	}

	var stats UnpackStats
	decoders := newDecoderPool(0)
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		payload := io.LimitReader(r, int64(e.DataSize))
		skipped, err := streamEntry(decoders, e, payload, dest, cfg)
		switch {
		case err != nil && cfg.allOrNothing:
			os.RemoveAll(dest)
			return stats, &EntryError{Path: e.Path, Err: err}
		case err != nil:
			log.Warn("entry failed", "path", e.Path, "error", err)
			stats.Failed = append(stats.Failed, EntryError{Path: e.Path, Err: err})
		case skipped:
			stats.Skipped++
		default:
			stats.Extracted++
		}
		// The payload must be fully consumed to keep the stream aligned.
		if _, err := io.Copy(io.Discard, payload); err != nil {
			return stats, fmt.Errorf("advance stream past %s: %w", e.Path, err)
		}
	}
	log.Info("unpack complete", "dest", dest,
		"extracted", stats.Extracted, "skipped", stats.Skipped, "failed", len(stats.Failed))
	return stats, nil
}

func extractEntry(ctx context.Context, c *Container, e Entry, dest string, cfg unpackConfig) (skipped bool, err error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	target, err := entryTarget(dest, e.Path)
	if err != nil {
		return false, err
	}
	if canSkip(target, e, cfg.resume) {
		return true, nil
	}
	rc, err := c.OpenEntry(e)
	if err != nil {
		return false, err
	}
	defer rc.Close()
	return false, writeEntryFile(target, rc, e)
}

func streamEntry(decoders *decoderPool, e Entry, payload io.Reader, dest string, cfg unpackConfig) (skipped bool, err error) {
	target, err := entryTarget(dest, e.Path)
	if err != nil {
		return false, err
	}
	if canSkip(target, e, cfg.resume) {
		return true, nil
	}
	r, release, err := decoders.reader(e.Codec, payload)
	if err != nil {
		return false, err
	}
	defer release()
	return false, writeEntryFile(target, &verifyReader{
		r:      r,
		hasher: sha256.New(),
		want:   e.Hash,
		path:   e.Path,
	}, e)
}

// entryTarget maps a logical path to its filesystem target, rejecting
// anything that could escape dest.
func entryTarget(dest, logical string) (string, error) {
	if !fs.ValidPath(logical) || logical == "." {
		return "", fmt.Errorf("%w: unsafe entry path %q", ErrFormat, logical)
	}
	return filepath.Join(dest, filepath.FromSlash(logical)), nil
}

// canSkip reports whether an existing file at target satisfies the entry
// under the configured resume mode.
func canSkip(target string, e Entry, mode ResumeMode) bool {
	if mode == ResumeOff {
		return false
	}
	info, err := os.Stat(target)
	if err != nil || !info.Mode().IsRegular() || info.Size() != int64(e.OriginalSize) {
		return false
	}
	if mode == ResumeSize {
		return true
	}
	f, err := os.Open(target)
	if err != nil {
		return false
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return string(h.Sum(nil)) == string(e.Hash)
}

// writeEntryFile streams r into a temp file next to target and renames it
// into place. The rename is the commit point.
func writeEntryFile(target string, r io.Reader, e Entry) error {
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	n, err := io.Copy(tmp, r)
	if err == nil && uint64(n) != e.OriginalSize {
		err = fmt.Errorf("%w: %s decoded to %d bytes, want %d", ErrIntegrity, e.Path, n, e.OriginalSize)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func unpackLogger(cfg unpackConfig) *slog.Logger {
	if cfg.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return cfg.logger
}
