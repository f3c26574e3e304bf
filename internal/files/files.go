// Package files stores message attachments and returns the URL clients
// use to fetch them back.
package files

import (
	"fmt"
	"io"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store saves uploaded attachments. Remove deletes a previously saved
// attachment by the URL Save returned, so a handler can clean up when
// the message the upload belongs to is rejected.
type Store interface {
	Save(file *multipart.FileHeader) (url string, err error)
	Remove(url string) error
}

// allowed attachment extensions, keyed lowercased
var allowedExt = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".pdf": true, ".doc": true, ".docx": true, ".txt": true, ".zip": true,
}

// MaxAttachmentSize caps uploads at 10 MiB.
const MaxAttachmentSize = 10 << 20

// DiskStore writes attachments under a local directory served at
// baseURL. Filenames are regenerated so an upload can never clobber or
// path-traverse.
type DiskStore struct {
	dir     string
	baseURL string
}

// NewDiskStore creates the upload directory if needed.
func NewDiskStore(dir, baseURL string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("files: create upload dir: %w", err)
	}
	return &DiskStore{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

var _ Store = (*DiskStore)(nil)

// Save validates and writes one uploaded file, returning its public URL.
func (s *DiskStore) Save(file *multipart.FileHeader) (string, error) {
	if file.Size > MaxAttachmentSize {
		return "", fmt.Errorf("files: attachment too large: %d bytes", file.Size)
	}
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !allowedExt[ext] {
		return "", fmt.Errorf("files: file type %q not allowed", ext)
	}

	src, err := file.Open()
	if err != nil {
		return "", fmt.Errorf("files: open upload: %w", err)
	}
	defer src.Close()

	name := uuid.NewString() + ext
	dst, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("files: create file: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("files: write file: %w", err)
	}
	return s.baseURL + "/" + name, nil
}

// Remove deletes a stored attachment by its public URL. URLs not issued
// by this store are rejected before touching the filesystem.
func (s *DiskStore) Remove(url string) error {
	name, ok := strings.CutPrefix(url, s.baseURL+"/")
	if !ok || name == "" || name != filepath.Base(name) {
		return fmt.Errorf("files: not a stored attachment url: %q", url)
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("files: remove file: %w", err)
	}
	return nil
}

// TypeForExt maps an attachment URL to the message type stored with it.
func TypeForExt(url string) string {
	switch strings.ToLower(filepath.Ext(url)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return "image"
	default:
		return "file"
	}
}
