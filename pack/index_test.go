package pack

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildContainer packs a small tree and returns the raw container bytes.
func buildContainer(t *testing.T) []byte {
	t.Helper()
	src := filepath.Join(t.TempDir(), "ds")
	createTestFiles(t, src, map[string][]byte{
		"a.txt": []byte("alpha"),
		"b.txt": []byte("beta"),
	})
	out := filepath.Join(t.TempDir(), "ds.bin")
	require.NoError(t, Pack(context.Background(), src, out))
	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	return raw
}

func openRaw(t *testing.T, raw []byte) (*Container, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "c.bin")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return Open(path)
}

func TestOpenRejectsBadMagic(t *testing.T) {
	t.Parallel()

	raw := buildContainer(t)
	raw[0] = 'X'
	_, err := openRaw(t, raw)
	require.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "magic")
}

func TestOpenRejectsUnknownVersion(t *testing.T) {
	t.Parallel()

	raw := buildContainer(t)
	raw[4] = 99
	_, err := openRaw(t, raw)
	require.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "version")
}

func TestOpenRejectsTruncatedHeader(t *testing.T) {
	t.Parallel()

	raw := buildContainer(t)
	_, err := openRaw(t, raw[:headerSize-1])
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpenRejectsTruncatedPayloads(t *testing.T) {
	t.Parallel()

	raw := buildContainer(t)
	_, err := openRaw(t, raw[:len(raw)-1])
	require.ErrorIs(t, err, ErrFormat)
}

func TestOpenRejectsWrappingIndexLen(t *testing.T) {
	t.Parallel()

	// An indexLen near 2^64 makes headerSize+indexLen wrap; the bounds
	// check must still fail cleanly instead of attempting the allocation.
	for _, indexLen := range []uint64{^uint64(0) - 8, math.MaxInt64 + 1, math.MaxUint64} {
		_, err := openRaw(t, encodeHeader(indexLen))
		require.ErrorIs(t, err, ErrFormat, "indexLen %d", indexLen)
	}
}

func TestOpenRejectsIndexPastEnd(t *testing.T) {
	t.Parallel()

	raw := buildContainer(t)
	// Claim an index longer than the whole file.
	raw[8] = 0xFF
	raw[9] = 0xFF
	_, err := openRaw(t, raw)
	require.ErrorIs(t, err, ErrFormat)
}

func TestValidateLayoutGapsAndOverlaps(t *testing.T) {
	t.Parallel()

	base := []Entry{
		{Path: "a", DataSize: 10, Codec: CodecZstd},
		{Path: "b", DataSize: 5, Codec: CodecZstd},
	}
	indexLen := encodedIndexSize(base)
	start := headerSize + indexLen

	contiguous := []Entry{base[0], base[1]}
	contiguous[0].Offset = start
	contiguous[1].Offset = start + 10
	require.NoError(t, validateLayout(contiguous, indexLen, int64(start+15)))

	gapped := []Entry{contiguous[0], contiguous[1]}
	gapped[1].Offset++
	err := validateLayout(gapped, indexLen, int64(start+16))
	require.ErrorIs(t, err, ErrFormat)
	assert.Contains(t, err.Error(), "gap")

	overlapping := []Entry{contiguous[0], contiguous[1]}
	overlapping[1].Offset--
	err = validateLayout(overlapping, indexLen, int64(start+14))
	require.ErrorIs(t, err, ErrFormat)

	short := []Entry{contiguous[0], contiguous[1]}
	err = validateLayout(short, indexLen, int64(start+14))
	require.ErrorIs(t, err, ErrFormat)
}

func TestHeaderRoundTrip(t *testing.T) {
	t.Parallel()

	buf := encodeHeader(12345)
	require.Len(t, buf, headerSize)
	indexLen, err := decodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), indexLen)
}
