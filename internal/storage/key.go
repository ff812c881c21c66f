package storage

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// MaxIdentifierLength keeps encoded chunk filenames under common 255 byte
// filename limits.
const MaxIdentifierLength = 160

const chunkExt = ".chunk"

// ValidateIdentifier checks that identifier can be used as a storage key.
func ValidateIdentifier(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("%w: empty identifier", ErrInvalidKey)
	}
	if len(identifier) > MaxIdentifierLength {
		return fmt.Errorf("%w: identifier longer than %d bytes", ErrInvalidKey, MaxIdentifierLength)
	}
	return nil
}

func ValidateKey(identifier string, index int) error {
	if err := ValidateIdentifier(identifier); err != nil {
		return err
	}
	if index < 0 {
		return fmt.Errorf("%w: negative index %d", ErrInvalidKey, index)
	}
	return nil
}

// encodeIdentifier maps any identifier to a filename-safe token. The
// base64url alphabet has no '.', so the '.' joining token and index can never
// be confused with identifier bytes.
func encodeIdentifier(identifier string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(identifier))
}

// ChunkKey returns the filename a chunk is stored under.
func ChunkKey(identifier string, index int) string {
	return encodeIdentifier(identifier) + "." + strconv.Itoa(index) + chunkExt
}

// parseChunkKey is the inverse of ChunkKey.
func parseChunkKey(name string) (string, int, bool) {
	if !strings.HasSuffix(name, chunkExt) {
		return "", 0, false
	}
	token, indexStr, ok := strings.Cut(strings.TrimSuffix(name, chunkExt), ".")
	if !ok {
		return "", 0, false
	}
	index, err := strconv.Atoi(indexStr)
	if err != nil || index < 0 || strconv.Itoa(index) != indexStr {
		return "", 0, false
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", 0, false
	}
	return string(raw), index, true
}
