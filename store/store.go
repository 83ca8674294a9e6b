// store/store.go
// Copyright(c) 2018 Matt Pharr
// BSD licensed; see LICENSE for details.

package store

import (
	"context"
	"io"
	"time"
)

// Object describes one stored object as reported by the object store.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	// Store-reported checksum of the object contents; for S3 this is
	// the ETag, a hex MD5 digest for objects written with a single PUT.
	ETag string
}

// Store describes a general interface for object storage: opaque blobs
// are written under `host/backupnum/sequence` keys and later listed,
// fetched via time-limited signed URLs, and deleted.
//
// Implementations must be safe for use by multiple goroutines.
type Store interface {
	// String returns the name of the Store in the form of a string.
	String() string

	// Put uploads size bytes from r under the given key. md5sum is the
	// raw MD5 digest of the contents; it is sent with the request so
	// that the store can reject corrupted bodies. Returns the stored
	// object as the store reports it.
	Put(ctx context.Context, key string, r io.Reader, size int64, md5sum []byte) (Object, error)

	// Head returns the stored object for the given key, or ErrNotFound.
	Head(ctx context.Context, key string) (Object, error)

	// List returns all objects whose keys start with prefix, in
	// unspecified order.
	List(ctx context.Context, prefix string) ([]Object, error)

	// Delete removes the object with the given key. Deleting an absent
	// key is not an error, so repeating an interrupted deletion is safe.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a pre-signed GET URL for the given key that the
	// store will accept, without further credentials, until expires has
	// elapsed.
	SignedURL(ctx context.Context, key string, expires time.Duration) (string, error)
}
