package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/jaywantadh/chunkmerge/internal/chunker"
	"github.com/jaywantadh/chunkmerge/internal/encryptor"
	"github.com/jaywantadh/chunkmerge/internal/merge"
	"github.com/jaywantadh/chunkmerge/internal/metadata"
	"github.com/jaywantadh/chunkmerge/internal/storage"
	"github.com/jaywantadh/chunkmerge/pkg/logging"
)

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Chunks a local file straight into an encrypted, compressed chunk store and
// merges it back, without going through HTTP.
func main() {
	if len(os.Args) != 2 {
		fmt.Println("usage: manualtest <file>")
		os.Exit(2)
	}
	inputPath := os.Args[1]
	logging.InitLogger(true)

	origHash, err := sha256File(inputPath)
	if err != nil {
		fmt.Printf("❌ Failed hashing original: %v\n", err)
		return
	}
	fmt.Printf("📄 Original file: %s\n", inputPath)
	fmt.Printf("🔑 Original SHA256: %s\n", origHash)

	workDir, err := os.MkdirTemp("", "chunkmerge-manual-")
	if err != nil {
		fmt.Printf("❌ Temp dir failed: %v\n", err)
		return
	}
	defer os.RemoveAll(workDir)

	enc, err := encryptor.NewEncryptor("testpass")
	if err != nil {
		fmt.Printf("❌ Encryptor init failed: %v\n", err)
		return
	}
	codec := &storage.Codec{Compress: true, Encryptor: enc}
	store, err := storage.NewLocalStorage(filepath.Join(workDir, "chunks"), codec, logging.Component("storage"))
	if err != nil {
		fmt.Printf("❌ Storage init failed: %v\n", err)
		return
	}

	ms, err := metadata.OpenInMemoryMetadataStore()
	if err != nil {
		fmt.Printf("❌ Metadata store init failed: %v\n", err)
		return
	}
	defer ms.Close()

	coord, err := merge.NewCoordinator(store, filepath.Join(workDir, "uploads"), merge.Options{
		Catalog: ms,
		Log:     logging.Component("merge"),
	})
	if err != nil {
		fmt.Printf("❌ Coordinator init failed: %v\n", err)
		return
	}

	identifier := uuid.NewString()
	info, err := os.Stat(inputPath)
	if err != nil {
		fmt.Printf("❌ Stat failed: %v\n", err)
		return
	}

	// Workers store chunks out of order.
	var mu sync.Mutex
	stored := 0
	total, err := chunker.ChunkFile(context.Background(), inputPath, chunker.DetermineChunkSize(info.Size()), chunker.Workers(1),
		func(ctx context.Context, c chunker.Chunk) error {
			unlock := coord.Locks().RLock(identifier)
			defer unlock()
			if err := store.Put(identifier, c.Index, c.Data); err != nil {
				return err
			}
			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	if err != nil {
		fmt.Printf("❌ Chunking failed: %v\n", err)
		return
	}
	fmt.Printf("🧩 Chunks stored: %d | Identifier: %s\n", stored, identifier)

	rec, err := coord.Merge(context.Background(), identifier, total, filepath.Base(inputPath))
	if err != nil {
		fmt.Printf("❌ Merge failed: %v\n", err)
		return
	}

	reHash, err := sha256File(rec.Path)
	if err != nil {
		fmt.Printf("❌ Failed hashing merged file: %v\n", err)
		return
	}
	fmt.Printf("📦 Merged file: %s\n", rec.Path)
	fmt.Printf("🔑 Merged SHA256: %s (catalog %s)\n", reHash, rec.SHA256)

	left, _ := store.List(identifier)
	if reHash == origHash && rec.SHA256 == origHash && len(left) == 0 {
		fmt.Println("✅ SUCCESS: Merged file matches original")
	} else {
		fmt.Printf("❌ MISMATCH: merged file differs from original or %d chunks remain\n", len(left))
	}
}
