// Package upload stores chat attachments on local disk and serves them back
// by their generated name.
package upload

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// URLPrefix is the public path stored files are served under.
const URLPrefix = "/uploads/"

var (
	// ErrTooLarge is returned when an upload exceeds the size limit.
	ErrTooLarge = errors.New("upload: file too large")

	// ErrNotFound is returned for unknown or invalid stored names.
	ErrNotFound = errors.New("upload: file not found")
)

// File describes a stored upload. The JSON shape is what clients attach
// to file messages.
type File struct {
	Filename     string `json:"filename"`
	URL          string `json:"url"`
	OriginalName string `json:"originalname"`
	Mimetype     string `json:"mimetype"`
	Size         int64  `json:"size"`
}

// Store writes uploads under a single directory.
type Store struct {
	dir      string
	maxBytes int64
}

// NewStore creates dir if needed and returns a Store that rejects files
// larger than maxBytes.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("upload: create dir %s: %w", dir, err)
	}
	return &Store{dir: dir, maxBytes: maxBytes}, nil
}

// MaxBytes returns the per-file size limit.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// Save copies r to a new file named after a fresh UUID plus the original
// extension. An empty mimetype is sniffed from the content.
func (s *Store) Save(r io.Reader, originalName, mimetype string) (*File, error) {
	ext := strings.ToLower(filepath.Ext(filepath.Base(originalName)))
	if len(ext) > 16 {
		ext = ""
	}
	name := uuid.New().String() + ext
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("upload: create %s: %w", name, err)
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("upload: read: %w", err)
	}
	head = head[:n]

	if mimetype == "" || mimetype == "application/octet-stream" {
		if byExt := mime.TypeByExtension(ext); byExt != "" {
			mimetype = byExt
		} else {
			mimetype = http.DetectContentType(head)
		}
	}

	// One byte past the limit tells us the source was too large.
	body := io.MultiReader(bytes.NewReader(head), r)
	written, err := io.Copy(f, io.LimitReader(body, s.maxBytes+1))
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("upload: write %s: %w", name, err)
	}
	if written > s.maxBytes {
		os.Remove(path)
		return nil, ErrTooLarge
	}

	return &File{
		Filename:     name,
		URL:          URLPrefix + name,
		OriginalName: filepath.Base(originalName),
		Mimetype:     mimetype,
		Size:         written,
	}, nil
}

// Path returns the on-disk path of a stored file. Names that could escape
// the upload directory are rejected.
func (s *Store) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", ErrNotFound
	}
	path := filepath.Join(s.dir, name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return path, nil
}
