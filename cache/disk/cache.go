// Package disk provides a disk-backed blob cache.
package disk

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/undocked/undocked/cache"
)

const (
	defaultDirPerm  = 0o700
	defaultFilePerm = 0o600
)

// Cache implements cache.BlobCache on the local filesystem. Each blob lives
// in one file named after its digest with the colon replaced by an
// underscore. Writes go to a temp file in the same directory and are
// promoted with an atomic rename, so a crashed or cancelled transfer never
// leaves a partial entry.
type Cache struct {
	dir      string
	dirPerm  os.FileMode
	filePerm os.FileMode
}

// Option configures a disk cache.
type Option func(*Cache)

// WithDirPerm sets the permissions for the cache directory.
func WithDirPerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.dirPerm = mode
	}
}

// WithFilePerm sets the permissions for committed cache entries.
func WithFilePerm(mode os.FileMode) Option {
	return func(c *Cache) {
		c.filePerm = mode
	}
}

// New creates a disk-backed blob cache rooted at dir.
func New(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, errors.New("cache dir is empty")
	}
	c := &Cache{
		dir:      dir,
		dirPerm:  defaultDirPerm,
		filePerm: defaultFilePerm,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(dir, c.dirPerm); err != nil {
		return nil, err
	}
	return c, nil
}

// Path returns the file an entry for dgst lives at (whether or not it
// exists yet).
func (c *Cache) Path(dgst digest.Digest) string {
	return filepath.Join(c.dir, strings.ReplaceAll(dgst.String(), ":", "_"))
}

// Get opens a cached blob.
func (c *Cache) Get(dgst digest.Digest) (io.ReadCloser, bool) {
	f, err := os.Open(c.Path(dgst))
	if err != nil {
		return nil, false
	}
	return f, true
}

// Put stages a new entry for dgst.
func (c *Cache) Put(dgst digest.Digest) (cache.Writer, error) {
	tmp, err := os.CreateTemp(c.dir, "blob-*")
	if err != nil {
		return nil, err
	}
	return &fileWriter{
		file:     tmp,
		dest:     c.Path(dgst),
		filePerm: c.filePerm,
	}, nil
}

type fileWriter struct {
	file     *os.File
	dest     string
	filePerm os.FileMode
	done     bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

func (w *fileWriter) Commit() error {
	if w.done {
		return errors.New("cache writer already closed")
	}
	w.done = true
	if err := w.file.Close(); err != nil {
		_ = os.Remove(w.file.Name())
		return err
	}
	if err := os.Chmod(w.file.Name(), w.filePerm); err != nil {
		_ = os.Remove(w.file.Name())
		return err
	}
	if err := os.Rename(w.file.Name(), w.dest); err != nil {
		// A concurrent writer may have promoted the same digest first;
		// content-addressed entries are interchangeable.
		if _, statErr := os.Stat(w.dest); statErr == nil {
			_ = os.Remove(w.file.Name())
			return nil
		}
		_ = os.Remove(w.file.Name())
		return err
	}
	return nil
}

func (w *fileWriter) Discard() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.file.Close()
	return os.Remove(w.file.Name())
}
