package metadata

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const artifactPrefix = "artifact:"

var ErrArtifactNotFound = errors.New("artifact not found")

// ArtifactRecord describes a file produced by a successful merge.
type ArtifactRecord struct {
	Identifier  string    `json:"identifier"`
	FileName    string    `json:"file_name"`
	Path        string    `json:"path"`
	Size        int64     `json:"size"`
	SHA256      string    `json:"sha256"`
	TotalChunks int       `json:"total_chunks"`
	MergedAt    time.Time `json:"merged_at"`
}

// MetadataStore wraps BadgerDB for artifact records.
type MetadataStore struct {
	db *badger.DB
}

// OpenMetadataStore opens (or creates) a BadgerDB at the given path.
func OpenMetadataStore(dbPath string) (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// OpenInMemoryMetadataStore is backed by memory only; used by tests and
// one-shot tools.
func OpenInMemoryMetadataStore() (*MetadataStore, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory BadgerDB: %w", err)
	}
	return &MetadataStore{db: db}, nil
}

// Close closes the BadgerDB.
func (ms *MetadataStore) Close() error {
	return ms.db.Close()
}

// PutArtifact stores rec, replacing any earlier record for the identifier.
func (ms *MetadataStore) PutArtifact(rec ArtifactRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(artifactPrefix+rec.Identifier), val)
	})
}

func (ms *MetadataStore) GetArtifact(identifier string) (ArtifactRecord, error) {
	var rec ArtifactRecord
	err := ms.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(artifactPrefix + identifier))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return rec, fmt.Errorf("%w: %q", ErrArtifactNotFound, identifier)
	}
	return rec, err
}

// ListArtifacts returns every record ordered by identifier.
func (ms *MetadataStore) ListArtifacts() ([]ArtifactRecord, error) {
	records := []ArtifactRecord{}
	err := ms.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(artifactPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec ArtifactRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	return records, err
}

// DeleteArtifact removes the record. The artifact file itself is left alone.
func (ms *MetadataStore) DeleteArtifact(identifier string) error {
	return ms.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(artifactPrefix + identifier))
	})
}
