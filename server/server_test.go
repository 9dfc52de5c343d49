package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/watchakorn-18k/VCWASM/cache"
	"github.com/watchakorn-18k/VCWASM/pack"
)

type fixture struct {
	srv     *Server
	e       *echo.Echo
	store   *cache.Store
	kilo    []byte // ds/kilo.txt, zstd-compressed in the container
	png     []byte // ds/kilo.png, stored raw
	script  []byte // decoded content of ds/hello.js.br
	brBytes []byte // stored (brotli) bytes of ds/hello.js.br
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		kilo:   bytes.Repeat([]byte("0123456789"), 100),
		png:    bytes.Repeat([]byte{0xAA, 0xBB}, 500),
		script: []byte("console.log('packed asset');"),
	}
	var brBuf bytes.Buffer
	bw := brotli.NewWriter(&brBuf)
	_, err := bw.Write(f.script)
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	f.brBytes = brBuf.Bytes()

	src := filepath.Join(t.TempDir(), "ds")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "kilo.txt"), f.kilo, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "kilo.png"), f.png, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.js.br"), f.brBytes, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.wasm"), []byte("\x00asm"), 0o644))

	out := filepath.Join(t.TempDir(), "ds.bin")
	require.NoError(t, pack.Pack(t.Context(), src, out))

	c, err := pack.Open(out)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	store, err := cache.New(16, 1<<20)
	require.NoError(t, err)
	srv, err := New(c, WithCache(store))
	require.NoError(t, err)

	e := echo.New()
	srv.Register(e)
	f.srv, f.e, f.store = srv, e, store
	return f
}

func (f *fixture) do(method, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

func TestServeFullAsset(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/kilo.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.kilo, rec.Body.Bytes())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "1000", rec.Header().Get(echo.HeaderContentLength))
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.Equal(t, "same-origin", rec.Header().Get("Cross-Origin-Opener-Policy"))
	assert.Equal(t, "require-corp", rec.Header().Get("Cross-Origin-Embedder-Policy"))
}

func TestServeWasmContentType(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/app.wasm", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/wasm", rec.Header().Get(echo.HeaderContentType))
}

func TestServeRangeOfCompressedEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/kilo.txt", map[string]string{"Range": "bytes=500-999"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 500-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, "500", rec.Header().Get(echo.HeaderContentLength))
	assert.Equal(t, f.kilo[500:1000], rec.Body.Bytes())

	// The decoded content is now hot; a second range hits the cache.
	assert.Positive(t, f.store.Len())
	rec = f.do(http.MethodGet, "/ds/kilo.txt", map[string]string{"Range": "bytes=0-9"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, f.kilo[:10], rec.Body.Bytes())
}

func TestServeRangeOfStoredEntry(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/kilo.png", map[string]string{"Range": "bytes=100-199"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 100-199/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, f.png[100:200], rec.Body.Bytes())
}

func TestServeSuffixAndOpenRanges(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/kilo.txt", map[string]string{"Range": "bytes=-100"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 900-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, f.kilo[900:], rec.Body.Bytes())

	rec = f.do(http.MethodGet, "/ds/kilo.txt", map[string]string{"Range": "bytes=990-"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 990-999/1000", rec.Header().Get("Content-Range"))
	assert.Equal(t, f.kilo[990:], rec.Body.Bytes())
}

func TestServeRangeNotSatisfiable(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/kilo.txt", map[string]string{"Range": "bytes=2000-2100"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */1000", rec.Header().Get("Content-Range"))
}

func TestServeMalformedRangeIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/kilo.txt", map[string]string{"Range": "bytes=abc"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, f.kilo, rec.Body.Bytes())
}

func TestServeNotFound(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/missing.txt", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(http.MethodGet, "/other/kilo.txt", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHead(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodHead, "/ds/kilo.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1000", rec.Header().Get(echo.HeaderContentLength))
	assert.Empty(t, rec.Body.Bytes())

	rec = f.do(http.MethodHead, "/ds/kilo.txt", map[string]string{"Range": "bytes=500-999"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "bytes 500-999/1000", rec.Header().Get("Content-Range"))
	assert.Empty(t, rec.Body.Bytes())
}

func TestServeBrotliPassthrough(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	// A request for the bare name finds the .br sibling. Clients that
	// accept br get the stored bytes annotated with Content-Encoding.
	rec := f.do(http.MethodGet, "/ds/hello.js", map[string]string{"Accept-Encoding": "gzip, br"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "br", rec.Header().Get(echo.HeaderContentEncoding))
	assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, f.brBytes, rec.Body.Bytes())
}

func TestServeBrotliDecodedForPlainClients(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := f.do(http.MethodGet, "/ds/hello.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get(echo.HeaderContentEncoding))
	assert.Equal(t, "text/javascript; charset=utf-8", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, f.script, rec.Body.Bytes())
}

func TestServeOverRealListener(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	ts := httptest.NewServer(f.e)
	defer ts.Close()

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/ds/kilo.png", nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=0-9")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, f.png[:10], got)
	assert.Equal(t, fmt.Sprintf("bytes 0-9/%d", len(f.png)), resp.Header.Get("Content-Range"))
}
