package metadata

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataStoreCRUD(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "catalog")

	store, err := OpenMetadataStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	rec := ArtifactRecord{
		Identifier:  "f1",
		FileName:    "movie.mp4",
		Path:        "/data/uploads/movie.mp4",
		Size:        6,
		SHA256:      "abc",
		TotalChunks: 3,
		MergedAt:    time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.PutArtifact(rec))

	got, err := store.GetArtifact("f1")
	require.NoError(t, err)
	assert.Equal(t, rec.Path, got.Path)
	assert.Equal(t, rec.TotalChunks, got.TotalChunks)
	assert.True(t, rec.MergedAt.Equal(got.MergedAt))

	_, err = store.GetArtifact("missing")
	assert.ErrorIs(t, err, ErrArtifactNotFound)

	require.NoError(t, store.DeleteArtifact("f1"))
	_, err = store.GetArtifact("f1")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestListArtifacts(t *testing.T) {
	store, err := OpenInMemoryMetadataStore()
	require.NoError(t, err)
	defer store.Close()

	records, err := store.ListArtifacts()
	require.NoError(t, err)
	assert.Empty(t, records)

	for _, id := range []string{"b", "a", "c"} {
		require.NoError(t, store.PutArtifact(ArtifactRecord{Identifier: id, TotalChunks: 1}))
	}

	records, err = store.ListArtifacts()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "a", records[0].Identifier)
	assert.Equal(t, "c", records[2].Identifier)
}
