package site

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeronode/zeronode/internal/content"
)

// Sha512Hex returns the first 64 hex characters of the SHA-512 of b, the
// form manifests list.
func Sha512Hex(b []byte) string {
	sum := sha512.Sum512(b)
	return hex.EncodeToString(sum[:32])
}

// checkFile compares body against its catalog entry.
func checkFile(f content.File, body []byte) error {
	if int64(len(body)) != f.Size {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrSizeMismatch, len(body), f.Size)
	}
	if got := Sha512Hex(body); got != f.Sha512 {
		return fmt.Errorf("%w: got %s, want %s", ErrHashMismatch, got, f.Sha512)
	}
	return nil
}

func (s *Site) localPath(innerPath string) string {
	return filepath.Join(s.dir, filepath.FromSlash(innerPath))
}

// commit writes body to innerPath through a temporary file in the same
// directory and a rename, so readers never see a partial file.
func (s *Site) commit(innerPath string, body []byte) error {
	if err := ValidateInnerPath(innerPath); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	dst := s.localPath(innerPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("commit %s: %w", innerPath, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("commit %s: %w", innerPath, err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", innerPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", innerPath, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", innerPath, err)
	}
	return nil
}

// onDisk reports whether innerPath exists locally with the catalog size.
func (s *Site) onDisk(innerPath string, f content.File) bool {
	fi, err := os.Stat(s.localPath(innerPath))
	return err == nil && fi.Mode().IsRegular() && fi.Size() == f.Size
}

// readAt reads up to n bytes of innerPath starting at offset and returns the
// file's total size.
func (s *Site) readAt(innerPath string, offset, n int64) ([]byte, int64, error) {
	f, err := os.Open(s.localPath(innerPath))
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrFileNotFound, innerPath)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, 0, err
	}
	if offset > fi.Size() {
		return nil, fi.Size(), fmt.Errorf("read %s: offset %d beyond size %d", innerPath, offset, fi.Size())
	}
	if rem := fi.Size() - offset; n > rem {
		n = rem
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, offset); err != nil && err != io.EOF {
		return nil, fi.Size(), fmt.Errorf("read %s: %w", innerPath, err)
	}
	return buf, fi.Size(), nil
}
