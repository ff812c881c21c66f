package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUploadProgress(t *testing.T) {
	p := NewUploadProgress("f1", 4, 400)
	start := p.startTime
	p.now = func() time.Time { return start.Add(2 * time.Second) }

	s := p.Snapshot()
	assert.Equal(t, 0, s.ChunksSent)
	assert.Zero(t, s.Percent)

	p.ChunkDone(100)
	s = p.ChunkDone(100)
	assert.Equal(t, 2, s.ChunksSent)
	assert.Equal(t, int64(200), s.BytesSent)
	assert.InDelta(t, 50.0, s.Percent, 0.001)
	assert.InDelta(t, 100.0, s.Speed, 0.001)
	assert.Equal(t, 2*time.Second, s.EstimatedTime)
}
