package transfer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmerge/internal/merge"
	"github.com/jaywantadh/chunkmerge/internal/metadata"
	"github.com/jaywantadh/chunkmerge/internal/storage"
)

// Reason is the machine-checkable cause attached to a failed Outcome.
type Reason string

const (
	ReasonInvalidRequest   Reason = "invalid_request"
	ReasonWriteError       Reason = "write_error"
	ReasonIncompleteUpload Reason = "incomplete_upload"
	ReasonMergeError       Reason = "merge_error"
	ReasonNotFound         Reason = "not_found"
	ReasonTooLarge         Reason = "chunk_too_large"
	ReasonInternal         Reason = "internal_error"
)

// Outcome is the structured result of a store or merge call.
type Outcome struct {
	Success      bool
	Message      string
	Reason       Reason
	MissingIndex *int
	Artifact     *metadata.ArtifactRecord
}

// HTTPStatus maps the outcome onto a response code.
func (o Outcome) HTTPStatus() int {
	switch o.Reason {
	case "":
		return http.StatusOK
	case ReasonInvalidRequest:
		return http.StatusBadRequest
	case ReasonIncompleteUpload:
		return http.StatusConflict
	case ReasonNotFound:
		return http.StatusNotFound
	case ReasonTooLarge:
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func failure(reason Reason, err error) Outcome {
	return Outcome{Reason: reason, Message: err.Error()}
}

// Service is the boundary between transport and the chunk store / merge
// coordinator. Chunk writes hold the shared side of the identifier's lock
// and merges the exclusive side, so a merge never observes a half-finished
// put for the same upload.
type Service struct {
	store storage.ChunkStore
	coord *merge.Coordinator
	log   logrus.FieldLogger
}

func NewService(store storage.ChunkStore, coord *merge.Coordinator, log logrus.FieldLogger) *Service {
	return &Service{store: store, coord: coord, log: log}
}

func (s *Service) StoreChunk(identifier string, index int, payload []byte) Outcome {
	unlock := s.coord.Locks().RLock(identifier)
	defer unlock()

	if err := s.store.Put(identifier, index, payload); err != nil {
		log := s.log.WithFields(logrus.Fields{"identifier": identifier, "index": index})
		if errors.Is(err, storage.ErrInvalidKey) {
			log.WithError(err).Debug("chunk rejected")
			return failure(ReasonInvalidRequest, err)
		}
		log.WithError(err).Error("chunk write failed")
		return failure(ReasonWriteError, err)
	}

	return Outcome{
		Success: true,
		Message: fmt.Sprintf("chunk %d of %s stored", index, identifier),
	}
}

func (s *Service) Merge(ctx context.Context, identifier string, totalChunks int, fileName string) Outcome {
	rec, err := s.coord.Merge(ctx, identifier, totalChunks, fileName)
	if err != nil {
		var incomplete *merge.IncompleteUploadError
		switch {
		case errors.As(err, &incomplete):
			o := failure(ReasonIncompleteUpload, err)
			missing := incomplete.MissingIndex
			o.MissingIndex = &missing
			return o
		case errors.Is(err, merge.ErrInvalidTotal), errors.Is(err, storage.ErrInvalidKey):
			return failure(ReasonInvalidRequest, err)
		default:
			return failure(ReasonMergeError, err)
		}
	}

	return Outcome{
		Success:  true,
		Message:  fmt.Sprintf("merged %d chunks into %s", rec.TotalChunks, rec.FileName),
		Artifact: rec,
	}
}

// lockUpload takes the exclusive side of identifier's lock, as a merge does.
func (s *Service) lockUpload(identifier string) func() {
	return s.coord.Locks().Lock(identifier)
}

func (s *Service) ChunkExists(identifier string, index int) (bool, error) {
	return s.store.Exists(identifier, index)
}

func (s *Service) ListChunks(identifier string) ([]int, error) {
	return s.store.List(identifier)
}
