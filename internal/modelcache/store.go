package modelcache

import (
	"errors"
	"io"

	"github.com/MrWong99/murmur/pkg/model"
)

// ErrNotFound is returned by [Store] lookups for unknown keys.
var ErrNotFound = errors.New("modelcache: entry not found")

// Store persists entries and blob bytes.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the entry for key or [ErrNotFound].
	Get(key model.Key) (Entry, error)

	// Put creates or replaces an entry.
	Put(e Entry) error

	// Delete removes the entry and its blob. Deleting a missing key is not
	// an error.
	Delete(key model.Key) error

	// List returns every entry.
	List() ([]Entry, error)

	// NewBlobWriter starts writing the blob of key, replacing nothing until
	// Commit. Writers of different keys are independent.
	NewBlobWriter(key model.Key) BlobWriter

	// OpenBlob streams the committed blob of key.
	OpenBlob(key model.Key) (io.ReadCloser, error)

	// DeleteBlob removes the blob bytes of key, keeping the entry.
	DeleteBlob(key model.Key) error

	// Close releases the store.
	Close() error
}

// BlobWriter receives blob bytes in order.
type BlobWriter interface {
	io.Writer

	// Written returns the number of bytes accepted so far.
	Written() int64

	// Commit makes every written byte durable.
	Commit() error

	// Abort discards every byte written so far, staged or flushed.
	Abort() error
}
