package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// sealVersion prefixes every sealed blob so the format can change later.
const sealVersion byte = 1

// EncryptionConfig defines the key derivation and AEAD parameters used to
// seal data at rest.
type EncryptionConfig struct {
	SCryptN      int // CPU/memory cost
	SCryptR      int
	SCryptP      int
	SCryptKeyLen int // 32 for AES-256
	NonceSize    int
}

// DefaultEncryptionConfig returns OWASP-level scrypt parameters and AES-256-GCM.
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768,
		SCryptR:      8,
		SCryptP:      1,
		SCryptKeyLen: 32,
		NonceSize:    12,
	}
}

// Sealer encrypts small records with AES-GCM under a key derived once from
// a device secret.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives the sealing key from secret and salt with scrypt.
func NewSealer(secret, salt []byte, cfg *EncryptionConfig) (*Sealer, error) {
	if len(secret) == 0 {
		return nil, errors.New("sealing secret cannot be empty")
	}
	if len(salt) < 16 {
		return nil, errors.New("sealing salt must be at least 16 bytes")
	}
	if cfg == nil {
		cfg = DefaultEncryptionConfig()
	}

	key, err := scrypt.Key(secret, salt, cfg.SCryptN, cfg.SCryptR, cfg.SCryptP, cfg.SCryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("key derivation failed: %w", err)
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, cfg.NonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// Seal returns version || nonce || ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+s.aead.Overhead())
	out = append(out, sealVersion)
	out = append(out, nonce...)
	return s.aead.Seal(out, nonce, plaintext, []byte{sealVersion}), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < 1+ns+s.aead.Overhead() {
		return nil, errors.New("sealed data too short")
	}
	if sealed[0] != sealVersion {
		return nil, fmt.Errorf("unsupported sealed data version: %d", sealed[0])
	}

	nonce := sealed[1 : 1+ns]
	plain, err := s.aead.Open(nil, nonce, sealed[1+ns:], sealed[:1])
	if err != nil {
		return nil, fmt.Errorf("integrity verification failed: %w", err)
	}
	return plain, nil
}
