package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when no chunk is stored under the key.
	ErrNotFound = errors.New("chunk not found")
	// ErrInvalidKey rejects identifiers or indices that cannot be stored.
	ErrInvalidKey = errors.New("invalid chunk key")
)

// WriteError reports that the storage medium rejected a chunk write. No
// partial chunk is left visible when it is returned.
type WriteError struct {
	Identifier string
	Index      int
	Err        error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write chunk %d of %q: %v", e.Index, e.Identifier, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// ChunkStore defines durable storage of chunk payloads keyed by
// (identifier, index).
type ChunkStore interface {
	// Put stores payload under the key, replacing any previous chunk.
	Put(identifier string, index int, payload []byte) error
	// Exists reports whether a complete chunk is stored under the key.
	Exists(identifier string, index int) (bool, error)
	// Get returns the payload stored under the key or ErrNotFound.
	Get(identifier string, index int) ([]byte, error)
	// Delete removes the chunk. Deleting an absent chunk is not an error.
	Delete(identifier string, index int) error
	// List returns the stored indices for identifier in increasing order.
	List(identifier string) ([]int, error)
}
