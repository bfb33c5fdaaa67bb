// Package cache defines the content-addressable blob cache used by the
// registry client. Entries are keyed by digest, so they are permanently
// valid and never evicted.
package cache

import (
	"io"

	"github.com/opencontainers/go-digest"
)

// Writer stages a blob for the cache. Content is not visible under its
// digest until Commit; Discard abandons the staged bytes. Exactly one of
// Commit or Discard must be called, and callers must only Commit content
// they have verified against the digest.
type Writer interface {
	io.Writer

	// Commit atomically promotes the staged content to a cache entry.
	Commit() error

	// Discard drops the staged content. Safe to call after Commit.
	Discard() error
}

// BlobCache stores verified blobs by digest.
type BlobCache interface {
	// Get opens a cached blob. ok is false on a miss.
	Get(dgst digest.Digest) (rc io.ReadCloser, ok bool)

	// Put stages a new entry for dgst.
	Put(dgst digest.Digest) (Writer, error)
}
