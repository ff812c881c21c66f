package merge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jaywantadh/chunkmerge/internal/metadata"
	"github.com/jaywantadh/chunkmerge/internal/storage"
)

// CleanupPolicy decides when consumed chunks are deleted.
type CleanupPolicy string

const (
	// CleanupDeferred writes the artifact to a temporary file, renames it into
	// place and only then deletes the chunks. A failed merge keeps every chunk.
	CleanupDeferred CleanupPolicy = "deferred"
	// CleanupEager deletes each chunk right after appending it to the
	// artifact, which is written in place.
	CleanupEager CleanupPolicy = "eager"
)

// ArtifactCatalog records artifacts produced by successful merges.
type ArtifactCatalog interface {
	PutArtifact(rec metadata.ArtifactRecord) error
}

type Options struct {
	Cleanup CleanupPolicy
	// Catalog is optional.
	Catalog ArtifactCatalog
	// Locker is shared with whoever writes chunks so puts and merges for the
	// same identifier exclude each other. A private one is created if nil.
	Locker *Locker
	Log    logrus.FieldLogger
}

// Coordinator verifies that every chunk of an upload is present and
// concatenates them, in index order, into one artifact.
type Coordinator struct {
	store     storage.ChunkStore
	uploadDir string
	cleanup   CleanupPolicy
	catalog   ArtifactCatalog
	locks     *Locker
	log       logrus.FieldLogger
}

func NewCoordinator(store storage.ChunkStore, uploadDir string, opts Options) (*Coordinator, error) {
	if err := os.MkdirAll(uploadDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	switch opts.Cleanup {
	case "":
		opts.Cleanup = CleanupDeferred
	case CleanupDeferred, CleanupEager:
	default:
		return nil, fmt.Errorf("unknown cleanup policy %q", opts.Cleanup)
	}
	if opts.Locker == nil {
		opts.Locker = NewLocker()
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}

	// Partial artifacts of merges interrupted by a crash.
	removed, err := storage.RemoveTempFiles(uploadDir)
	if err != nil {
		return nil, err
	}
	for _, path := range removed {
		opts.Log.WithField("path", path).Warn("removed stale temporary artifact")
	}

	return &Coordinator{
		store:     store,
		uploadDir: uploadDir,
		cleanup:   opts.Cleanup,
		catalog:   opts.Catalog,
		locks:     opts.Locker,
		log:       opts.Log,
	}, nil
}

func (c *Coordinator) Locks() *Locker {
	return c.locks
}

// Merge assembles chunks 0..totalChunks-1 of identifier into a single file
// in the upload directory. fileName, when usable, names the artifact;
// otherwise the identifier does.
//
// A missing chunk yields *IncompleteUploadError with nothing written or
// deleted. I/O failures after verification yield *MergeError.
//
// Under CleanupEager ctx cancellation is ignored once the call starts:
// stopping halfway would lose the chunks already consumed.
func (c *Coordinator) Merge(ctx context.Context, identifier string, totalChunks int, fileName string) (*metadata.ArtifactRecord, error) {
	if err := storage.ValidateIdentifier(identifier); err != nil {
		return nil, err
	}
	if totalChunks <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidTotal, totalChunks)
	}

	unlock := c.locks.Lock(identifier)
	defer unlock()

	log := c.log.WithFields(logrus.Fields{
		"identifier":   identifier,
		"total_chunks": totalChunks,
		"cleanup":      c.cleanup,
	})
	log.Debug("merge verifying")

	if err := c.verify(identifier, totalChunks); err != nil {
		var incomplete *IncompleteUploadError
		if errors.As(err, &incomplete) {
			log.WithField("missing_index", incomplete.MissingIndex).Warn("merge rejected")
		} else {
			log.WithError(err).Error("merge verification failed")
		}
		return nil, err
	}

	rec := metadata.ArtifactRecord{
		Identifier:  identifier,
		FileName:    ArtifactName(identifier, fileName),
		TotalChunks: totalChunks,
	}
	rec.Path = filepath.Join(c.uploadDir, rec.FileName)

	log.WithField("path", rec.Path).Debug("merge assembling")

	var err error
	if c.cleanup == CleanupEager {
		err = c.assembleEager(context.WithoutCancel(ctx), &rec)
	} else {
		err = c.assembleDeferred(ctx, &rec)
	}
	if err != nil {
		log.WithError(err).Error("merge failed")
		return nil, err
	}
	rec.MergedAt = time.Now().UTC()

	if c.catalog != nil {
		if err := c.catalog.PutArtifact(rec); err != nil {
			log.WithError(err).Error("failed to record artifact")
		}
	}

	log.WithFields(logrus.Fields{
		"path":   rec.Path,
		"size":   units.HumanSize(float64(rec.Size)),
		"sha256": rec.SHA256,
	}).Info("merge complete")

	return &rec, nil
}

// verify scans every index before any write so a rejected merge never
// produces output.
func (c *Coordinator) verify(identifier string, totalChunks int) error {
	for i := 0; i < totalChunks; i++ {
		exists, err := c.store.Exists(identifier, i)
		if err != nil {
			return &MergeError{Identifier: identifier, Index: i, Op: "verify", Err: err}
		}
		if !exists {
			return &IncompleteUploadError{Identifier: identifier, MissingIndex: i}
		}
	}
	return nil
}

// appendChunks streams chunks in index order into w. afterEach runs once a
// chunk has been written.
func (c *Coordinator) appendChunks(ctx context.Context, rec *metadata.ArtifactRecord, w io.Writer, afterEach func(index int) error) (int64, error) {
	var size int64
	for i := 0; i < rec.TotalChunks; i++ {
		if err := ctx.Err(); err != nil {
			return size, &MergeError{Identifier: rec.Identifier, Index: i, Op: "cancel", Err: err}
		}

		payload, err := c.store.Get(rec.Identifier, i)
		if err != nil {
			return size, &MergeError{Identifier: rec.Identifier, Index: i, Op: "read", Err: err}
		}

		n, err := w.Write(payload)
		size += int64(n)
		if err != nil {
			return size, &MergeError{Identifier: rec.Identifier, Index: i, Op: "write", Err: err}
		}

		if afterEach != nil {
			if err := afterEach(i); err != nil {
				return size, err
			}
		}
	}
	return size, nil
}

func (c *Coordinator) assembleDeferred(ctx context.Context, rec *metadata.ArtifactRecord) error {
	tmpPath := filepath.Join(c.uploadDir, storage.TempPrefix+uuid.NewString())
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return &MergeError{Identifier: rec.Identifier, Index: -1, Op: "create", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	h := sha256.New()
	size, err := c.appendChunks(ctx, rec, io.MultiWriter(f, h), nil)
	if err != nil {
		return err
	}

	if err := finish(f); err != nil {
		return &MergeError{Identifier: rec.Identifier, Index: -1, Op: "sync", Err: err}
	}
	if err := os.Rename(tmpPath, rec.Path); err != nil {
		return &MergeError{Identifier: rec.Identifier, Index: -1, Op: "rename", Err: err}
	}
	committed = true
	if err := storage.SyncDir(c.uploadDir); err != nil {
		return &MergeError{Identifier: rec.Identifier, Index: -1, Op: "sync", Err: err}
	}

	setDigest(rec, size, h)

	// The artifact is durable, so a chunk that cannot be deleted is only
	// leaked storage and does not fail the merge.
	for i := 0; i < rec.TotalChunks; i++ {
		if err := c.store.Delete(rec.Identifier, i); err != nil {
			c.log.WithFields(logrus.Fields{
				"identifier": rec.Identifier,
				"index":      i,
			}).WithError(err).Warn("failed to delete merged chunk")
		}
	}
	return nil
}

func (c *Coordinator) assembleEager(ctx context.Context, rec *metadata.ArtifactRecord) error {
	f, err := os.OpenFile(rec.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return &MergeError{Identifier: rec.Identifier, Index: -1, Op: "create", Err: err}
	}

	h := sha256.New()
	size, err := c.appendChunks(ctx, rec, io.MultiWriter(f, h), func(i int) error {
		if err := c.store.Delete(rec.Identifier, i); err != nil {
			return &MergeError{Identifier: rec.Identifier, Index: i, Op: "delete", Err: err}
		}
		return nil
	})
	if err != nil {
		f.Close()
		return err
	}

	if err := finish(f); err != nil {
		return &MergeError{Identifier: rec.Identifier, Index: -1, Op: "sync", Err: err}
	}

	setDigest(rec, size, h)
	return nil
}

func finish(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func setDigest(rec *metadata.ArtifactRecord, size int64, h hash.Hash) {
	rec.Size = size
	rec.SHA256 = hex.EncodeToString(h.Sum(nil))
}

// encodedNamePrefix marks identifiers stored base64url encoded. Plain names
// never start with it, so no plain identifier can take an encoded one's file.
const encodedNamePrefix = "@"

// ArtifactName picks a filename inside the upload directory: the base name
// of fileName if it is a plain name, else the identifier if it is, else "@"
// followed by the identifier base64url encoded.
func ArtifactName(identifier, fileName string) string {
	if name := filepath.Base(fileName); fileName != "" && plainName(name) {
		return name
	}
	if plainName(identifier) {
		return identifier
	}
	return encodedNamePrefix + base64.RawURLEncoding.EncodeToString([]byte(identifier))
}

// plainName rejects anything that is not a single visible path element.
// Leading dots are refused so artifacts never clash with temporary files.
func plainName(name string) bool {
	if name == "" || len(name) > 255 {
		return false
	}
	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, encodedNamePrefix) {
		return false
	}
	return !strings.ContainsAny(name, "/\\\x00")
}
