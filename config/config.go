package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	CleanupDeferred = "deferred"
	CleanupEager    = "eager"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	Port         int           `mapstructure:"port"`
	Debug        bool          `mapstructure:"debug"`
	ChunkDir     string        `mapstructure:"chunk_dir"`
	UploadDir    string        `mapstructure:"upload_dir"`
	CatalogPath  string        `mapstructure:"catalog_path"`
	MaxChunkSize string        `mapstructure:"max_chunk_size"`
	Merge        MergeConfig   `mapstructure:"merge"`
	Storage      StorageConfig `mapstructure:"storage"`
	Client       ClientConfig  `mapstructure:"client"`
}

type MergeConfig struct {
	Cleanup string `mapstructure:"cleanup"`
}

type StorageConfig struct {
	CompressChunks       bool   `mapstructure:"compress_chunks"`
	EncryptionPassphrase string `mapstructure:"encryption_passphrase"`
}

type ClientConfig struct {
	ServerURL        string `mapstructure:"server_url"`
	ChunkSize        string `mapstructure:"chunk_size"`
	ParallelismRatio int    `mapstructure:"parallelism_ratio"`
	RetryMax         int    `mapstructure:"retry_max"`
}

var Config *AppConfig

// LoadConfig reads config.yaml from path, overlays CHUNKMERGE_* environment
// variables and fills in defaults for anything left unset. A missing config
// file is not an error.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)
	v.SetEnvPrefix("CHUNKMERGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 3000)
	v.SetDefault("debug", false)
	v.SetDefault("chunk_dir", "./data/chunks")
	v.SetDefault("upload_dir", "./data/uploads")
	v.SetDefault("catalog_path", "./data/catalog")
	v.SetDefault("max_chunk_size", "64MB")
	v.SetDefault("merge.cleanup", CleanupDeferred)
	v.SetDefault("storage.compress_chunks", false)
	v.SetDefault("storage.encryption_passphrase", "")
	v.SetDefault("client.server_url", "http://localhost:3000")
	v.SetDefault("client.chunk_size", "")
	v.SetDefault("client.parallelism_ratio", 2)
	v.SetDefault("client.retry_max", 4)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var appConfig AppConfig
	if err := v.Unmarshal(&appConfig); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := appConfig.Validate(); err != nil {
		return nil, err
	}

	Config = &appConfig
	return &appConfig, nil
}

func (c *AppConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ChunkDir == "" || c.UploadDir == "" {
		return errors.New("chunk_dir and upload_dir are required")
	}
	switch c.Merge.Cleanup {
	case CleanupDeferred, CleanupEager:
	default:
		return fmt.Errorf("merge.cleanup must be %q or %q, got %q", CleanupDeferred, CleanupEager, c.Merge.Cleanup)
	}
	if _, err := c.MaxChunkSizeBytes(); err != nil {
		return err
	}
	return nil
}

// MaxChunkSizeBytes parses max_chunk_size ("64MB", "512k", ...).
func (c *AppConfig) MaxChunkSizeBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid max_chunk_size %q: %w", c.MaxChunkSize, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("max_chunk_size must be positive, got %q", c.MaxChunkSize)
	}
	return n, nil
}

// ClientChunkSizeBytes parses client.chunk_size. Zero means size by file.
func (c *AppConfig) ClientChunkSizeBytes() (int64, error) {
	if c.Client.ChunkSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Client.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("invalid client.chunk_size %q: %w", c.Client.ChunkSize, err)
	}
	return n, nil
}
