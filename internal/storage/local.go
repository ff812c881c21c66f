package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TempPrefix starts the name of every file still being written.
const TempPrefix = ".tmp-"

// LocalStorage implements ChunkStore on a local directory. Every chunk is a
// single file named by ChunkKey.
type LocalStorage struct {
	basePath string
	codec    *Codec
	log      logrus.FieldLogger
}

// NewLocalStorage creates the chunk directory if needed and removes
// temporary files left behind by interrupted writes.
func NewLocalStorage(basePath string, codec *Codec, log logrus.FieldLogger) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	if codec == nil {
		codec = &Codec{}
	}

	s := &LocalStorage{basePath: basePath, codec: codec, log: log}
	if err := s.sweepTempFiles(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LocalStorage) path(identifier string, index int) string {
	return filepath.Join(s.basePath, ChunkKey(identifier, index))
}

// Put writes the chunk to a temporary file, syncs it and renames it over the
// final key, so readers see either the old chunk or the new one.
func (s *LocalStorage) Put(identifier string, index int, payload []byte) error {
	if err := ValidateKey(identifier, index); err != nil {
		return &WriteError{Identifier: identifier, Index: index, Err: err}
	}

	data, err := s.codec.Encode(payload)
	if err != nil {
		return &WriteError{Identifier: identifier, Index: index, Err: err}
	}

	if err := WriteFileAtomic(s.path(identifier, index), data); err != nil {
		return &WriteError{Identifier: identifier, Index: index, Err: err}
	}

	s.log.WithFields(logrus.Fields{
		"identifier": identifier,
		"index":      index,
		"bytes":      len(payload),
	}).Debug("chunk stored")
	return nil
}

func (s *LocalStorage) Exists(identifier string, index int) (bool, error) {
	if err := ValidateKey(identifier, index); err != nil {
		return false, err
	}

	info, err := os.Stat(s.path(identifier, index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat chunk: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *LocalStorage) Get(identifier string, index int) ([]byte, error) {
	if err := ValidateKey(identifier, index); err != nil {
		return nil, err
	}

	stored, err := os.ReadFile(s.path(identifier, index))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q index %d", ErrNotFound, identifier, index)
		}
		return nil, fmt.Errorf("failed to read chunk file: %w", err)
	}

	payload, err := s.codec.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chunk %d of %q: %w", index, identifier, err)
	}
	return payload, nil
}

func (s *LocalStorage) Delete(identifier string, index int) error {
	if err := ValidateKey(identifier, index); err != nil {
		return err
	}

	err := os.Remove(s.path(identifier, index))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete chunk: %w", err)
	}
	return nil
}

func (s *LocalStorage) List(identifier string) ([]int, error) {
	if err := ValidateIdentifier(identifier); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list chunks: %w", err)
	}

	prefix := encodeIdentifier(identifier) + "."
	indices := []int{}
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), prefix) {
			continue
		}
		id, index, ok := parseChunkKey(entry.Name())
		if !ok || id != identifier {
			continue
		}
		indices = append(indices, index)
	}

	sort.Ints(indices)
	return indices, nil
}

func (s *LocalStorage) sweepTempFiles() error {
	removed, err := RemoveTempFiles(s.basePath)
	for _, path := range removed {
		s.log.WithField("path", path).Warn("removed stale temporary chunk")
	}
	return err
}

// RemoveTempFiles deletes the temporary files WriteFileAtomic and similar
// writers leave in dir when interrupted. It returns the paths removed.
func RemoveTempFiles(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, TempPrefix+"*"))
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove stale temp file: %w", err)
		}
		removed = append(removed, m)
	}
	return removed, nil
}

// WriteFileAtomic replaces path with data. The data is written to a sibling
// temporary file, fsynced and renamed; on failure the temporary file is
// removed and path is untouched.
func WriteFileAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmpPath := filepath.Join(dir, TempPrefix+uuid.NewString())

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err = f.Write(data); err != nil {
		return err
	}
	if err = f.Sync(); err != nil {
		return err
	}
	if err = f.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return err
	}

	return SyncDir(dir)
}

// SyncDir flushes directory entries so a completed rename survives a crash.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()

	if err := d.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}
