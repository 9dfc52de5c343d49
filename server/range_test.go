package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		header string
		size   int64
		want   byteRange
		ranged bool
		unsat  bool
	}{
		{name: "no header", header: "", size: 1000},
		{name: "closed", header: "bytes=500-999", size: 1000, want: byteRange{500, 500}, ranged: true},
		{name: "first byte", header: "bytes=0-0", size: 1000, want: byteRange{0, 1}, ranged: true},
		{name: "open", header: "bytes=900-", size: 1000, want: byteRange{900, 100}, ranged: true},
		{name: "suffix", header: "bytes=-100", size: 1000, want: byteRange{900, 100}, ranged: true},
		{name: "suffix larger than size", header: "bytes=-5000", size: 1000, want: byteRange{0, 1000}, ranged: true},
		{name: "end clamped", header: "bytes=990-2000", size: 1000, want: byteRange{990, 10}, ranged: true},
		{name: "past end", header: "bytes=2000-2100", size: 1000, unsat: true},
		{name: "at end", header: "bytes=1000-", size: 1000, unsat: true},
		{name: "empty file", header: "bytes=0-0", size: 0, unsat: true},
		{name: "empty file suffix", header: "bytes=-1", size: 0, unsat: true},
		{name: "multi-range ignored", header: "bytes=0-1,5-6", size: 1000},
		{name: "wrong unit ignored", header: "chars=0-1", size: 1000},
		{name: "backwards ignored", header: "bytes=500-100", size: 1000},
		{name: "garbage ignored", header: "bytes=abc-def", size: 1000},
		{name: "bare dash ignored", header: "bytes=-", size: 1000},
		{name: "zero suffix ignored", header: "bytes=-0", size: 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ranged, err := parseRange(tt.header, tt.size)
			if tt.unsat {
				require.ErrorIs(t, err, errUnsatisfiable)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ranged, ranged)
			if tt.ranged {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}
