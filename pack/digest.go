package pack

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/opencontainers/go-digest"
)

// TreeDigest computes the content digest of a folder tree.
//
// Every regular file under root contributes its relative path and content;
// paths are sorted byte-wise before hashing, so the digest is independent
// of traversal order, timestamps, and permissions. Each path and each
// content stream is length-prefixed to keep the encoding unambiguous.
// Symbolic links and non-regular files are skipped, matching what the
// packer archives.
//
// The digest is a dedup/versioning key, not a security boundary.
func TreeDigest(root string) (digest.Digest, error) {
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", ErrConfig, root)
	}

	var paths []string
	fsys := os.DirFS(root)
	err = fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("digest %s: %w", root, err)
	}
	sort.Strings(paths)

	digester := digest.SHA256.Digester()
	h := digester.Hash()
	var lenBuf [binary.MaxVarintLen64]byte
	for _, path := range paths {
		n := binary.PutUvarint(lenBuf[:], uint64(len(path)))
		h.Write(lenBuf[:n])
		io.WriteString(h, path)

		f, err := fsys.Open(path)
		if err != nil {
			return "", fmt.Errorf("digest %s: %w", path, err)
		}
		finfo, err := f.Stat()
		if err != nil {
			f.Close()
			return "", fmt.Errorf("digest %s: %w", path, err)
		}
		if finfo.Size() < 0 {
			f.Close()
			return "", ErrSizeOverflow
		}
		n = binary.PutUvarint(lenBuf[:], uint64(finfo.Size()))
		h.Write(lenBuf[:n])
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("digest %s: %w", path, err)
		}
		f.Close()
	}
	return digester.Digest(), nil
}

// IsDigestHex reports whether s looks like a bare tree digest (the
// lowercase hex form, 64 characters for SHA-256).
func IsDigestHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// ContainerFileName returns the canonical container filename for a digest.
func ContainerFileName(hex string) string {
	return hex + ".bin"
}

// UnpackedDir returns the unpack target directory for a digest under base.
func UnpackedDir(base, hex string) string {
	return filepath.Join(base, hex)
}

// SourceKey maps an arbitrary source (container path, URL, or a bare
// digest) to the hex key used for its unpacked directory. A value that is
// already a digest is used as-is; anything else is hashed so distinct
// sources land in distinct trees.
func SourceKey(source string) string {
	if IsDigestHex(source) {
		return source
	}
	return digest.SHA256.FromString(source).Encoded()
}
