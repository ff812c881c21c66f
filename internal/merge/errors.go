package merge

import (
	"errors"
	"fmt"
)

var ErrInvalidTotal = errors.New("total chunk count must be positive")

// IncompleteUploadError rejects a merge before anything is written. The chunk
// store is untouched, so the merge can be retried once the chunk arrives.
type IncompleteUploadError struct {
	Identifier   string
	MissingIndex int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload %q is incomplete: chunk %d is missing", e.Identifier, e.MissingIndex)
}

// MergeError is an I/O failure after verification succeeded. Index is the
// chunk being processed, or -1 when the failure is not tied to one chunk.
type MergeError struct {
	Identifier string
	Index      int
	Op         string
	Err        error
}

func (e *MergeError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("merge of %q failed during %s: %v", e.Identifier, e.Op, e.Err)
	}
	return fmt.Sprintf("merge of %q failed during %s of chunk %d: %v", e.Identifier, e.Op, e.Index, e.Err)
}

func (e *MergeError) Unwrap() error {
	return e.Err
}
