package cache

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrFill(t *testing.T) {
	t.Parallel()

	store, err := New(4, 1024)
	require.NoError(t, err)

	var fills atomic.Int32
	fill := func() ([]byte, error) {
		fills.Add(1)
		return []byte("content"), nil
	}

	got, err := store.GetOrFill("k", fill)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))

	got, err = store.GetOrFill("k", fill)
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
	assert.Equal(t, int32(1), fills.Load(), "second lookup must hit the cache")
}

func TestGetOrFillError(t *testing.T) {
	t.Parallel()

	store, err := New(4, 1024)
	require.NoError(t, err)

	boom := errors.New("decode failed")
	_, err = store.GetOrFill("k", func() ([]byte, error) { return nil, boom })
	require.ErrorIs(t, err, boom)
	assert.Zero(t, store.Len(), "failed fills must not be cached")
}

func TestOversizedContentNotRetained(t *testing.T) {
	t.Parallel()

	store, err := New(4, 10)
	require.NoError(t, err)

	big := bytes.Repeat([]byte{1}, 11)
	got, err := store.GetOrFill("big", func() ([]byte, error) { return big, nil })
	require.NoError(t, err)
	assert.Equal(t, big, got, "oversized content is still returned")
	assert.Zero(t, store.Len())
	assert.False(t, store.Cacheable(11))
	assert.True(t, store.Cacheable(10))
}

func TestEviction(t *testing.T) {
	t.Parallel()

	store, err := New(2, 1024)
	require.NoError(t, err)

	for _, k := range []string{"a", "b", "c"} {
		_, err := store.GetOrFill(k, func() ([]byte, error) { return []byte(k), nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 2, store.Len(), "oldest entry must be evicted")
}

func TestConcurrentFillsCollapse(t *testing.T) {
	t.Parallel()

	store, err := New(4, 1024)
	require.NoError(t, err)

	var fills atomic.Int32
	release := make(chan struct{})
	fill := func() ([]byte, error) {
		fills.Add(1)
		<-release
		return []byte("shared"), nil
	}

	var wg sync.WaitGroup
	results := make([][]byte, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.GetOrFill("k", fill)
			assert.NoError(t, err)
			results[i] = got
		}()
	}
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), fills.Load(), "concurrent misses must share one fill")
	for _, got := range results {
		assert.Equal(t, "shared", string(got))
	}
}

func TestPurge(t *testing.T) {
	t.Parallel()

	store, err := New(4, 1024)
	require.NoError(t, err)
	_, err = store.GetOrFill("k", func() ([]byte, error) { return []byte("x"), nil })
	require.NoError(t, err)

	store.Purge()
	assert.Zero(t, store.Len())
}

func TestNewRejectsBadLimits(t *testing.T) {
	t.Parallel()

	_, err := New(0, 1024)
	require.Error(t, err)
	_, err = New(4, 0)
	require.Error(t, err)
}
