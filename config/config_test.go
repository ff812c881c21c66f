package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, CleanupDeferred, cfg.Merge.Cleanup)
	assert.Equal(t, "./data/chunks", cfg.ChunkDir)

	size, err := cfg.MaxChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(64*1024*1024), size)
	assert.Same(t, cfg, Config)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("port: 8081\nchunk_dir: /tmp/c\nmerge:\n  cleanup: eager\nstorage:\n  compress_chunks: true\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0644))

	t.Setenv("CHUNKMERGE_UPLOAD_DIR", "/tmp/u")
	t.Setenv("CHUNKMERGE_MAX_CHUNK_SIZE", "1MB")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Port)
	assert.Equal(t, "/tmp/c", cfg.ChunkDir)
	assert.Equal(t, "/tmp/u", cfg.UploadDir)
	assert.Equal(t, CleanupEager, cfg.Merge.Cleanup)
	assert.True(t, cfg.Storage.CompressChunks)

	size, err := cfg.MaxChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(1024*1024), size)
}

func TestValidate(t *testing.T) {
	valid := AppConfig{
		Port:         3000,
		ChunkDir:     "c",
		UploadDir:    "u",
		MaxChunkSize: "8MB",
		Merge:        MergeConfig{Cleanup: CleanupDeferred},
	}

	tests := []struct {
		name    string
		mutate  func(c *AppConfig)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *AppConfig) {}},
		{name: "bad port", mutate: func(c *AppConfig) { c.Port = 0 }, wantErr: true},
		{name: "missing dir", mutate: func(c *AppConfig) { c.UploadDir = "" }, wantErr: true},
		{name: "unknown cleanup", mutate: func(c *AppConfig) { c.Merge.Cleanup = "later" }, wantErr: true},
		{name: "bad size", mutate: func(c *AppConfig) { c.MaxChunkSize = "lots" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestClientChunkSizeBytes(t *testing.T) {
	c := AppConfig{}
	n, err := c.ClientChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	c.Client.ChunkSize = "4MB"
	n, err = c.ClientChunkSizeBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(4*1024*1024), n)

	c.Client.ChunkSize = "huge"
	_, err = c.ClientChunkSizeBytes()
	assert.Error(t, err)
}
