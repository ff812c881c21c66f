package encryptor

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const (
	saltSize  = 16
	nonceSize = chacha20poly1305.NonceSize
	keySize   = chacha20poly1305.KeySize
	scryptN   = 32768
	scryptR   = 8
	scryptP   = 1
)

var ErrEmptyPassphrase = errors.New("encryption passphrase is empty")

// Encryptor seals and opens chunk payloads at rest.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// chaCha20Poly1305Encryptor derives its key from a passphrase with scrypt.
// Output is salt || nonce || ciphertext. One salt is drawn per process so the
// expensive derivation happens once; keys for salts written by earlier
// processes are derived on first use and cached.
type chaCha20Poly1305Encryptor struct {
	passphrase []byte
	salt       []byte
	aead       cipher.AEAD

	mu    sync.Mutex
	aeads map[string]cipher.AEAD
}

// NewEncryptor returns a ChaCha20-Poly1305 encryptor keyed by passphrase.
func NewEncryptor(passphrase string) (Encryptor, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	e := &chaCha20Poly1305Encryptor{
		passphrase: []byte(passphrase),
		salt:       salt,
		aeads:      make(map[string]cipher.AEAD),
	}

	aead, err := e.deriveAEAD(salt)
	if err != nil {
		return nil, err
	}
	e.aead = aead
	e.aeads[string(salt)] = aead

	return e, nil
}

func (e *chaCha20Poly1305Encryptor) deriveAEAD(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(e.passphrase, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AEAD cipher: %w", err)
	}
	return aead, nil
}

func (e *chaCha20Poly1305Encryptor) aeadFor(salt []byte) (cipher.AEAD, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if aead, ok := e.aeads[string(salt)]; ok {
		return aead, nil
	}

	aead, err := e.deriveAEAD(salt)
	if err != nil {
		return nil, err
	}
	e.aeads[string(salt)] = aead
	return aead, nil
}

func (e *chaCha20Poly1305Encryptor) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	result := make([]byte, 0, saltSize+nonceSize+len(plaintext)+e.aead.Overhead())
	result = append(result, e.salt...)
	result = append(result, nonce...)
	return e.aead.Seal(result, nonce, plaintext, nil), nil
}

func (e *chaCha20Poly1305Encryptor) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < saltSize+nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	salt := ciphertext[:saltSize]
	nonce := ciphertext[saltSize : saltSize+nonceSize]
	sealed := ciphertext[saltSize+nonceSize:]

	aead, err := e.aeadFor(salt)
	if err != nil {
		return nil, err
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}
