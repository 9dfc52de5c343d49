package pack

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// SkipCompressionFunc reports whether an entry should be stored without
// compression. size is -1 when unknown.
type SkipCompressionFunc func(path string, size int64) bool

type packConfig struct {
	codec           Codec
	prefix          string
	maxFiles        int
	skipCompression []SkipCompressionFunc
	logger          *slog.Logger
}

func defaultPackConfig() packConfig {
	return packConfig{
		codec:           CodecZstd,
		skipCompression: []SkipCompressionFunc{SkipCompressedExtensions()},
	}
}

// PackOption configures Pack, PackAppend, and Writer.
type PackOption func(*packConfig)

// WithCodec selects the compression codec for new entries.
func WithCodec(c Codec) PackOption {
	return func(cfg *packConfig) { cfg.codec = c }
}

// WithPrefix overrides the dataset prefix prepended to every logical path.
// The default is the base name of the source root.
func WithPrefix(prefix string) PackOption {
	return func(cfg *packConfig) { cfg.prefix = prefix }
}

// WithMaxFiles caps the number of entries a container may hold.
func WithMaxFiles(n int) PackOption {
	return func(cfg *packConfig) { cfg.maxFiles = n }
}

// WithSkipCompression adds a predicate for storing entries uncompressed.
func WithSkipCompression(fn SkipCompressionFunc) PackOption {
	return func(cfg *packConfig) { cfg.skipCompression = append(cfg.skipCompression, fn) }
}

// WithPackLogger sets the logger for pack progress. Logging is off by default.
func WithPackLogger(logger *slog.Logger) PackOption {
	return func(cfg *packConfig) { cfg.logger = logger }
}

// SkipCompressedExtensions returns the default predicate: entries whose
// payload is already compressed gain nothing from another codec pass.
func SkipCompressedExtensions() SkipCompressionFunc {
	stored := map[string]struct{}{
		".br": {}, ".gz": {}, ".zst": {}, ".zip": {}, ".xz": {},
		".png": {}, ".jpg": {}, ".jpeg": {}, ".webp": {}, ".avif": {},
		".mp3": {}, ".mp4": {}, ".ogg": {}, ".webm": {}, ".woff": {}, ".woff2": {},
	}
	return func(p string, _ int64) bool {
		_, ok := stored[strings.ToLower(path.Ext(p))]
		return ok
	}
}

// shouldStore applies the skip-compression predicates.
func shouldStore(path string, size int64, fns []SkipCompressionFunc) bool {
	for _, fn := range fns {
		if fn(path, size) {
			return true
		}
	}
	return false
}

// Pack archives the files under srcRoot into a new container at outPath.
// Logical paths are the POSIX-relative paths under srcRoot, prepended with
// the dataset prefix. The produced container is byte-for-byte deterministic
// for a given tree and options.
func Pack(ctx context.Context, srcRoot, outPath string, opts ...PackOption) error {
	w, err := NewWriter(outPath, opts...)
	if err != nil {
		return err
	}
	if err := w.AddDir(ctx, srcRoot); err != nil {
		w.Abort()
		return err
	}
	if err := w.Finalize(); err != nil {
		w.Abort()
		return err
	}
	return nil
}

// PackAppend adds the files under srcRoot to an existing container at
// containerPath, preserving its current entries. Logical paths from the new
// source must not collide with existing ones.
func PackAppend(ctx context.Context, srcRoot, containerPath string, opts ...PackOption) error {
	w, err := NewAppender(containerPath, opts...)
	if err != nil {
		return err
	}
	if err := w.AddDir(ctx, srcRoot); err != nil {
		w.Abort()
		return err
	}
	if err := w.Finalize(); err != nil {
		w.Abort()
		return err
	}
	return nil
}

// AddDir walks srcRoot and adds every regular file in sorted path order.
// OS metadata artifacts are skipped.
func (w *Writer) AddDir(ctx context.Context, srcRoot string) error {
	info, err := os.Stat(srcRoot)
	if err != nil {
		return fmt.Errorf("%w: source root: %v", ErrConfig, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: source root %s is not a directory", ErrConfig, srcRoot)
	}

	prefix := w.cfg.prefix
	if prefix == "" {
		prefix = filepath.Base(filepath.Clean(srcRoot))
	}

	var files []string
	fsys := os.DirFS(srcRoot)
	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || isJunkFile(d.Name()) {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", srcRoot, err)
	}
	if len(files) == 0 {
		return fmt.Errorf("%w: source root %s has no files", ErrConfig, srcRoot)
	}
	sort.Strings(files)

	for _, p := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := fsys.Open(p)
		if err != nil {
			return fmt.Errorf("open %s: %w", p, err)
		}
		size := int64(-1)
		if st, err := f.Stat(); err == nil {
			size = st.Size()
		}
		logical := path.Join(prefix, p)
		entry, err := w.add(logical, f, size)
		f.Close()
		if err != nil {
			return err
		}
		w.log().Debug("packed entry",
			"path", entry.Path, "size", entry.OriginalSize,
			"stored", entry.DataSize, "codec", entry.Codec.String())
	}
	return nil
}

// isJunkFile reports OS metadata files that never belong in a container.
func isJunkFile(name string) bool {
	switch name {
	case ".DS_Store", "Thumbs.db", "desktop.ini":
		return true
	}
	return strings.HasPrefix(name, "._")
}
