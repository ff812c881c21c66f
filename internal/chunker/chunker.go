package chunker

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
)

// Chunk is one piece of a file read by ChunkFile.
type Chunk struct {
	Index int
	Data  []byte
}

// ChunkFile splits the file at filePath into chunkSize pieces and passes
// each one to process from a pool of workers. Chunks are handed out in index
// order but may finish in any order. The first error cancels the remaining
// work and is returned. An empty file yields a single empty chunk so it can
// still be merged. It returns the number of chunks produced.
func ChunkFile(ctx context.Context, filePath string, chunkSize int64, workers int, process func(ctx context.Context, c Chunk) error) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if workers < 1 {
		workers = 1
	}

	file, err := os.Open(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	taskChan := make(chan Chunk, workers*2)
	var wg sync.WaitGroup
	var errOnce sync.Once
	var processErr error

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range taskChan {
				if ctx.Err() != nil {
					continue
				}
				if err := process(ctx, task); err != nil {
					setErrOnce(&errOnce, &processErr, fmt.Errorf("chunk %d: %w", task.Index, err))
					cancel()
				}
			}
		}()
	}

	index, readErr := feed(ctx, file, chunkSize, taskChan)
	close(taskChan)
	wg.Wait()

	if processErr != nil {
		return index, processErr
	}
	if readErr != nil {
		return index, readErr
	}
	return index, nil
}

func feed(ctx context.Context, r io.Reader, chunkSize int64, tasks chan<- Chunk) (int, error) {
	buf := make([]byte, chunkSize)
	index := 0
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return index, fmt.Errorf("failed to read chunk: %w", err)
		}
		if n == 0 && index > 0 {
			return index, nil
		}

		taskCopy := make([]byte, n)
		copy(taskCopy, buf[:n])
		select {
		case tasks <- Chunk{Index: index, Data: taskCopy}:
		case <-ctx.Done():
			return index, ctx.Err()
		}
		index++

		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return index, nil
		}
	}
}

// CountChunks is the number of chunks ChunkFile produces for fileSize.
func CountChunks(fileSize, chunkSize int64) int {
	if fileSize <= 0 {
		return 1
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// DetermineChunkSize picks a chunk size from the file size.
func DetermineChunkSize(fileSize int64) int64 {
	switch {
	case fileSize <= 1*1024*1024:
		return 256 * 1024
	case fileSize <= 10*1024*1024:
		return 512 * 1024
	case fileSize <= 100*1024*1024:
		return 1 * 1024 * 1024
	case fileSize <= 1024*1024*1024:
		return 4 * 1024 * 1024
	default:
		return 8 * 1024 * 1024
	}
}

// Workers derives a worker count from the CPU count and a parallelism ratio.
func Workers(parallelismRatio int) int {
	if parallelismRatio <= 0 {
		parallelismRatio = 2
	}
	numWorkers := runtime.NumCPU() / parallelismRatio
	if numWorkers < 1 {
		numWorkers = 1
	}
	return numWorkers
}

func setErrOnce(once *sync.Once, target *error, err error) {
	once.Do(func() {
		*target = err
	})
}
