package storage

import (
	"errors"
	"fmt"

	"github.com/jaywantadh/chunkmerge/internal/compressor"
	"github.com/jaywantadh/chunkmerge/internal/encryptor"
)

const (
	flagCompressed byte = 1 << iota
	flagEncrypted
)

var ErrNoEncryptor = errors.New("chunk is encrypted but no encryptor is configured")

// Codec transforms payloads on their way to and from disk. Stored chunks
// start with one flag byte describing which transforms were applied, so a
// store can read chunks written under a different codec configuration.
type Codec struct {
	Compress  bool
	Encryptor encryptor.Encryptor
}

func (c *Codec) Encode(payload []byte) ([]byte, error) {
	var flags byte
	data := payload

	if c.Compress && len(payload) > 0 {
		compressed, err := compressor.CompressChunk(payload)
		if err != nil {
			return nil, err
		}
		// incompressible payloads are stored as-is
		if len(compressed) < len(payload) {
			data = compressed
			flags |= flagCompressed
		}
	}

	if c.Encryptor != nil {
		sealed, err := c.Encryptor.Encrypt(data)
		if err != nil {
			return nil, err
		}
		data = sealed
		flags |= flagEncrypted
	}

	framed := make([]byte, 0, len(data)+1)
	framed = append(framed, flags)
	return append(framed, data...), nil
}

func (c *Codec) Decode(stored []byte) ([]byte, error) {
	if len(stored) == 0 {
		return nil, errors.New("chunk frame is empty")
	}
	flags, data := stored[0], stored[1:]

	if flags&^(flagCompressed|flagEncrypted) != 0 {
		return nil, fmt.Errorf("unknown chunk frame flags %#x", flags)
	}

	if flags&flagEncrypted != 0 {
		if c.Encryptor == nil {
			return nil, ErrNoEncryptor
		}
		plain, err := c.Encryptor.Decrypt(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	if flags&flagCompressed != 0 {
		plain, err := compressor.DecompressData(data)
		if err != nil {
			return nil, err
		}
		data = plain
	}

	return data, nil
}
