package server

import (
	"errors"
	"strconv"
	"strings"
)

// errUnsatisfiable means the Range header was understood but no byte of
// the requested range exists; the handler answers 416.
var errUnsatisfiable = errors.New("range not satisfiable")

// byteRange is a resolved half-open request window.
type byteRange struct {
	start  int64
	length int64
}

func (r byteRange) end() int64 { return r.start + r.length - 1 }

// parseRange resolves a Range header against a representation of the
// given size.
//
// Only single ranges are honored. Per RFC 9110 a malformed or multi-range
// header is ignored (ok=false, full response); a well-formed range that
// lies entirely past the end yields errUnsatisfiable. Ranges overlapping
// the end are clamped.
func parseRange(header string, size int64) (byteRange, bool, error) {
	if header == "" {
		return byteRange{}, false, nil
	}
	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return byteRange{}, false, nil
	}
	spec = strings.TrimSpace(spec)
	startStr, endStr, found := strings.Cut(spec, "-")
	if !found {
		return byteRange{}, false, nil
	}

	if startStr == "" {
		// Suffix form "-n": the final n bytes.
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return byteRange{}, false, nil
		}
		if size == 0 {
			return byteRange{}, false, errUnsatisfiable
		}
		if n > size {
			n = size
		}
		return byteRange{start: size - n, length: n}, true, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return byteRange{}, false, nil
	}
	if start >= size {
		return byteRange{}, false, errUnsatisfiable
	}
	if endStr == "" {
		// Open form "a-": from a to the end.
		return byteRange{start: start, length: size - start}, true, nil
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return byteRange{}, false, nil
	}
	if end >= size {
		end = size - 1
	}
	return byteRange{start: start, length: end - start + 1}, true, nil
}
