package compressor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompressRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("AA"),
		bytes.Repeat([]byte("chunk payload "), 4096),
	}

	for _, in := range inputs {
		compressed, err := CompressChunk(in)
		require.NoError(t, err)

		out, err := DecompressData(compressed)
		require.NoError(t, err)
		assert.Equal(t, len(in), len(out))
		assert.True(t, bytes.Equal(in, out))
	}
}

func TestCompressShrinksRepetitiveData(t *testing.T) {
	in := bytes.Repeat([]byte{0x42}, 1<<16)
	compressed, err := CompressChunk(in)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(in))
}

func TestDecompressGarbage(t *testing.T) {
	_, err := DecompressData([]byte("definitely not an lz4 frame"))
	assert.Error(t, err)
}
