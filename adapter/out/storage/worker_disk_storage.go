// Package storage keeps attachment blobs on local disk.
package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ticket_worker/core/port/out"

	"github.com/google/uuid"
)

const maxStoredNameLength = 200

// DiskStorage writes blobs under <root>/<yyyy>/<mm>/ as <uuid>_<name>.
type DiskStorage struct {
	root string
	now  func() time.Time
}

// NewDiskStorage creates the root directory when missing.
func NewDiskStorage(root string) (*DiskStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment dir: %w", err)
	}
	return &DiskStorage{root: root, now: time.Now}, nil
}

// Put stores data and returns the path relative to the root together with
// the SHA-256 hex digest.
func (s *DiskStorage) Put(ctx context.Context, filename string, data []byte) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}

	now := s.now()
	rel := filepath.Join(now.Format("2006"), now.Format("01"), uuid.NewString()+"_"+SanitizeFilename(filename))
	path := filepath.Join(s.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", "", fmt.Errorf("create directory: %w", err)
	}

	// write to temp file then rename atomically
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("rename blob: %w", err)
	}

	sum := sha256.Sum256(data)
	return filepath.ToSlash(rel), hex.EncodeToString(sum[:]), nil
}

// Delete removes a stored blob. Missing blobs are not an error.
func (s *DiskStorage) Delete(ctx context.Context, diskFilename string) error {
	path, err := s.resolve(diskFilename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// Open reads a stored blob back.
func (s *DiskStorage) Open(diskFilename string) ([]byte, error) {
	path, err := s.resolve(diskFilename)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *DiskStorage) resolve(diskFilename string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(diskFilename))
	if clean == "." || filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid blob name %q", diskFilename)
	}
	return filepath.Join(s.root, clean), nil
}

// SanitizeFilename keeps the base name and replaces characters that are
// unsafe on common filesystems.
func SanitizeFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < 0x20, strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	out := strings.Trim(b.String(), ". ")
	if out == "" {
		out = "attachment"
	}
	if r := []rune(out); len(r) > maxStoredNameLength {
		out = string(r[len(r)-maxStoredNameLength:])
	}
	return out
}

var _ out.BlobStorage = (*DiskStorage)(nil)
