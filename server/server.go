// Package server exposes a container over HTTP with single-range support,
// so browser runtimes can fetch arbitrary slices of packed assets without
// the archive ever being unpacked on disk.
package server

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/labstack/echo/v4"

	"github.com/watchakorn-18k/VCWASM/cache"
	"github.com/watchakorn-18k/VCWASM/pack"
)

type serverConfig struct {
	store           *cache.Store
	logger          *slog.Logger
	crossOriginIsol bool
	cacheMaxEntries int
	cacheEntryBytes int64
}

// Option configures a Server.
type Option func(*serverConfig)

// WithCache replaces the default hot-entry cache.
func WithCache(store *cache.Store) Option {
	return func(cfg *serverConfig) { cfg.store = store }
}

// WithLogger sets the logger. Logging is off by default.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *serverConfig) { cfg.logger = logger }
}

// WithoutCrossOriginIsolation disables the COOP/COEP response headers.
// They are on by default because SharedArrayBuffer-based runtimes need a
// cross-origin-isolated context.
func WithoutCrossOriginIsolation() Option {
	return func(cfg *serverConfig) { cfg.crossOriginIsol = false }
}

// Server serves container entries at GET /{dataset}/{path} with Range
// support. It is safe for concurrent use.
type Server struct {
	container *pack.Container
	store     *cache.Store
	logger    *slog.Logger
	isolate   bool
}

// New builds a server over an open container.
func New(container *pack.Container, opts ...Option) (*Server, error) {
	cfg := serverConfig{
		crossOriginIsol: true,
		cacheMaxEntries: 256,
		cacheEntryBytes: 8 << 20,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		store, err := cache.New(cfg.cacheMaxEntries, cfg.cacheEntryBytes)
		if err != nil {
			return nil, err
		}
		cfg.store = store
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		container: container,
		store:     cfg.store,
		logger:    cfg.logger,
		isolate:   cfg.crossOriginIsol,
	}, nil
}

// Register mounts the asset routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/:dataset/*", s.handle)
	e.HEAD("/:dataset/*", s.handle)
}

func (s *Server) handle(c echo.Context) error {
	logical := path.Join(c.Param("dataset"), c.Param("*"))

	entry, ok := s.container.Entry(logical)
	if !ok {
		// Assets may be stored pre-compressed under path.br.
		entry, ok = s.container.Entry(logical + ".br")
		if !ok {
			return echo.NewHTTPError(http.StatusNotFound, "no such asset")
		}
	}

	h := c.Response().Header()
	h.Set("Accept-Ranges", "bytes")
	if s.isolate {
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Cross-Origin-Embedder-Policy", "require-corp")
	}
	contentType := mediaTypeFor(entry.Path)

	if strings.HasSuffix(entry.Path, ".br") {
		if !acceptsBrotli(c.Request()) {
			return s.serveDecodedBrotli(c, entry, contentType)
		}
		h.Set(echo.HeaderContentEncoding, "br")
	}

	size := int64(entry.OriginalSize)
	rng, ranged, err := parseRange(c.Request().Header.Get("Range"), size)
	if err != nil {
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		return c.NoContent(http.StatusRequestedRangeNotSatisfiable)
	}

	status := http.StatusOK
	length := size
	if ranged {
		status = http.StatusPartialContent
		length = rng.length
		h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.start, rng.end(), size))
	}
	h.Set(echo.HeaderContentLength, strconv.FormatInt(length, 10))
	h.Set(echo.HeaderContentType, contentType)

	if c.Request().Method == http.MethodHead {
		c.Response().WriteHeader(status)
		return nil
	}

	var body io.ReadCloser
	if ranged {
		body, err = s.openRange(entry, rng)
	} else {
		body, err = s.container.OpenEntry(entry)
	}
	if err != nil {
		s.logger.Error("open entry failed", "path", entry.Path, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "read failed")
	}
	defer body.Close()

	c.Response().WriteHeader(status)
	_, err = io.Copy(c.Response(), body)
	return err
}

// openRange returns the requested window of an entry's content.
//
// Stored entries map the window straight onto container bytes. Compressed
// entries have no random access: small ones are decoded once into the hot
// cache and sliced, large ones decode-and-discard up to the offset.
func (s *Server) openRange(entry pack.Entry, rng byteRange) (io.ReadCloser, error) {
	if entry.Codec.RandomAccess() {
		return s.container.OpenRange(entry, rng.start, rng.length)
	}
	if s.store.Cacheable(int64(entry.OriginalSize)) {
		key := cache.Key(s.container.SourceID(), entry.Path)
		content, err := s.store.GetOrFill(key, func() ([]byte, error) {
			return s.container.ReadFile(entry.Path)
		})
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(content[rng.start : rng.end()+1])), nil
	}
	return s.container.OpenRange(entry, rng.start, rng.length)
}

// serveDecodedBrotli decodes a pre-compressed asset for clients that do
// not accept br. The decoded length is unknown up front, so the response
// is always the full representation.
func (s *Server) serveDecodedBrotli(c echo.Context, entry pack.Entry, contentType string) error {
	if c.Request().Method == http.MethodHead {
		c.Response().Header().Set(echo.HeaderContentType, contentType)
		c.Response().WriteHeader(http.StatusOK)
		return nil
	}
	rc, err := s.container.OpenEntry(entry)
	if err != nil {
		s.logger.Error("open entry failed", "path", entry.Path, "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "read failed")
	}
	defer rc.Close()
	return c.Stream(http.StatusOK, contentType, brotli.NewReader(rc))
}

func acceptsBrotli(req *http.Request) bool {
	for _, enc := range strings.Split(req.Header.Get("Accept-Encoding"), ",") {
		enc = strings.TrimSpace(enc)
		if enc == "br" || strings.HasPrefix(enc, "br;") {
			return true
		}
	}
	return false
}
