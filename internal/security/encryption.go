package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"

	licenseErrors "github.com/kdyw/my-tv/internal/errors"
)

// ConfigPrefix marks an encrypted config payload. It is optional on input.
const ConfigPrefix = "ENC:"

// minPayloadLen is one IV plus at least one ciphertext byte.
const minPayloadLen = aes.BlockSize + 1

// ParseKey turns a configured key into AES key bytes. Accepted forms are
// "hex:<hex>", "raw:<text>", a hex string of 32, 48 or 64 characters, or a
// raw string of 16, 24 or 32 bytes.
func ParseKey(s string) ([]byte, error) {
	const op = "crypto.parse_key"

	switch {
	case strings.HasPrefix(s, "hex:"):
		key, err := hex.DecodeString(strings.TrimPrefix(s, "hex:"))
		if err != nil {
			return nil, licenseErrors.Config(op, "key is not valid hex")
		}
		return checkKeyLen(op, key)
	case strings.HasPrefix(s, "raw:"):
		return checkKeyLen(op, []byte(strings.TrimPrefix(s, "raw:")))
	}

	switch len(s) {
	case 32, 48, 64:
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	return checkKeyLen(op, []byte(s))
}

func checkKeyLen(op string, key []byte) ([]byte, error) {
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, licenseErrors.Config(op, fmt.Sprintf("key must be 16, 24 or 32 bytes, got %d", len(key)))
	}
}

// ConfigCipher decodes the configuration blob a license server may attach to
// an approval: optional "ENC:" prefix, base64 of IV || AES-CBC ciphertext
// with PKCS#7 padding.
type ConfigCipher struct {
	block cipher.Block
}

// NewConfigCipher builds a cipher from a key in any form ParseKey accepts.
func NewConfigCipher(key string) (*ConfigCipher, error) {
	raw, err := ParseKey(key)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, licenseErrors.Config("crypto.new_cipher", err.Error())
	}
	return &ConfigCipher{block: block}, nil
}

// Decrypt returns the plaintext of payload. Every malformed input yields a
// DECRYPT error; Decrypt never panics.
func (c *ConfigCipher) Decrypt(payload string) (string, error) {
	const op = "crypto.decrypt"

	raw, err := decodeBase64(strings.TrimPrefix(strings.TrimSpace(payload), ConfigPrefix))
	if err != nil {
		return "", licenseErrors.Decrypt(op, "invalid base64", err)
	}
	if len(raw) < minPayloadLen {
		return "", licenseErrors.Decrypt(op, fmt.Sprintf("payload too short: %d bytes", len(raw)), nil)
	}

	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	if len(ct)%aes.BlockSize != 0 {
		return "", licenseErrors.Decrypt(op, "ciphertext is not a multiple of the block size", nil)
	}

	plain := make([]byte, len(ct))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plain, ct)

	plain, err = pkcs7Unpad(plain, aes.BlockSize)
	if err != nil {
		return "", licenseErrors.Decrypt(op, "bad padding", err)
	}
	return string(plain), nil
}

// Encrypt produces a payload Decrypt accepts, with a fresh random IV. The
// result carries no prefix.
func (c *ConfigCipher) Encrypt(plaintext string) (string, error) {
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)

	out := make([]byte, aes.BlockSize+len(padded))
	iv := out[:aes.BlockSize]
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate iv: %w", err)
	}
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out[aes.BlockSize:], padded)

	return base64.StdEncoding.EncodeToString(out), nil
}

// decodeBase64 accepts standard or URL alphabet, with or without padding,
// and ignores embedded whitespace such as MIME line breaks.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, "=")

	raw, err := base64.RawStdEncoding.DecodeString(s)
	if err == nil {
		return raw, nil
	}
	if urlRaw, urlErr := base64.RawURLEncoding.DecodeString(s); urlErr == nil {
		return urlRaw, nil
	}
	return nil, err
}

func pkcs7Pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, fmt.Errorf("invalid padded length %d", len(b))
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize {
		return nil, fmt.Errorf("invalid padding byte %d", n)
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("inconsistent padding")
		}
	}
	return b[:len(b)-n], nil
}
