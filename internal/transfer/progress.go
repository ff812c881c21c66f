package transfer

import (
	"sync"
	"time"
)

// UploadProgress tracks chunks acknowledged by the server for one upload.
type UploadProgress struct {
	Identifier  string
	TotalChunks int
	TotalBytes  int64

	mu        sync.Mutex
	chunks    int
	bytes     int64
	startTime time.Time
	now       func() time.Time
}

// ProgressSnapshot is a consistent view of an UploadProgress.
type ProgressSnapshot struct {
	ChunksSent    int
	BytesSent     int64
	Percent       float64
	Speed         float64 // bytes per second
	EstimatedTime time.Duration
}

func NewUploadProgress(identifier string, totalChunks int, totalBytes int64) *UploadProgress {
	return &UploadProgress{
		Identifier:  identifier,
		TotalChunks: totalChunks,
		TotalBytes:  totalBytes,
		startTime:   time.Now(),
		now:         time.Now,
	}
}

// ChunkDone records one acknowledged chunk of n bytes.
func (p *UploadProgress) ChunkDone(n int64) ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.chunks++
	p.bytes += n
	return p.snapshotLocked()
}

func (p *UploadProgress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *UploadProgress) snapshotLocked() ProgressSnapshot {
	s := ProgressSnapshot{ChunksSent: p.chunks, BytesSent: p.bytes}

	if p.TotalChunks > 0 {
		s.Percent = float64(p.chunks) / float64(p.TotalChunks) * 100.0
	}

	elapsed := p.now().Sub(p.startTime).Seconds()
	if elapsed > 0 {
		s.Speed = float64(p.bytes) / elapsed
	}
	if s.Speed > 0 && p.TotalBytes > p.bytes {
		s.EstimatedTime = time.Duration(float64(p.TotalBytes-p.bytes) / s.Speed * float64(time.Second))
	}
	return s
}
