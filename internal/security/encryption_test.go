package security

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "github.com/kdyw/my-tv/internal/errors"
)

const testKeyHex = "82765ed657584b3202ec7667ff233fa945f48f7920781180614c794cdc489b83"

// encryptWithIV builds a payload by hand so tests do not depend on Encrypt.
func encryptWithIV(t *testing.T, key, iv []byte, plaintext string) string {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)
	return base64.StdEncoding.EncodeToString(append(append([]byte{}, iv...), ct...))
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLen int
		wantErr bool
	}{
		{name: "hex 32 bytes", input: testKeyHex, wantLen: 32},
		{name: "hex 16 bytes", input: "000102030405060708090a0b0c0d0e0f", wantLen: 16},
		{name: "raw 16 bytes", input: "0123456789abcdeZ", wantLen: 16},
		{name: "raw 24 bytes", input: "abcdefghijklmnopqrstuvwx", wantLen: 24},
		{name: "explicit raw", input: "raw:000102030405060708090a0b0c0d0e0f", wantLen: 32},
		{name: "explicit hex", input: "hex:000102030405060708090a0b0c0d0e0f", wantLen: 16},
		{name: "bad explicit hex", input: "hex:zz", wantErr: true},
		{name: "wrong length", input: "short", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := ParseKey(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, licenseErrors.ErrConfig)
				return
			}
			require.NoError(t, err)
			assert.Len(t, key, tt.wantLen)
		})
	}
}

func TestConfigCipherDecrypt(t *testing.T) {
	key, err := ParseKey(testKeyHex)
	require.NoError(t, err)
	c, err := NewConfigCipher(testKeyHex)
	require.NoError(t, err)

	iv := []byte("0123456789abcdef")
	plaintext := `{"channels":"https://example.com/list.m3u"}`
	payload := encryptWithIV(t, key, iv, plaintext)

	tests := []struct {
		name    string
		payload string
	}{
		{name: "plain base64", payload: payload},
		{name: "prefixed", payload: ConfigPrefix + payload},
		{name: "unpadded", payload: strings.TrimRight(payload, "=")},
		{name: "line wrapped", payload: payload[:20] + "\n" + payload[20:40] + "\r\n " + payload[40:]},
		{name: "surrounding whitespace", payload: "  " + ConfigPrefix + payload + "\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.Decrypt(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestConfigCipherRoundTrip(t *testing.T) {
	c, err := NewConfigCipher(testKeyHex)
	require.NoError(t, err)

	for _, plaintext := range []string{"", "x", "exactly16bytes!!", strings.Repeat("channel,", 200)} {
		payload, err := c.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := c.Decrypt(ConfigPrefix + payload)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}

	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "each payload uses a fresh IV")
}

func TestConfigCipherDecryptErrors(t *testing.T) {
	c, err := NewConfigCipher(testKeyHex)
	require.NoError(t, err)

	valid, err := c.Encrypt("hello world")
	require.NoError(t, err)
	validRaw, err := base64.StdEncoding.DecodeString(valid)
	require.NoError(t, err)

	other, err := NewConfigCipher("hex:000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f")
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload string
		cipher  *ConfigCipher
	}{
		{name: "empty", payload: "", cipher: c},
		{name: "prefix only", payload: ConfigPrefix, cipher: c},
		{name: "not base64", payload: "!!!not-base64!!!", cipher: c},
		{name: "iv only", payload: base64.StdEncoding.EncodeToString(make([]byte, 16)), cipher: c},
		{name: "one byte after iv", payload: base64.StdEncoding.EncodeToString(make([]byte, 17)), cipher: c},
		{name: "misaligned ciphertext", payload: base64.StdEncoding.EncodeToString(validRaw[:len(validRaw)-1]), cipher: c},
		{name: "wrong key", payload: valid, cipher: other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got string
			var err error
			require.NotPanics(t, func() { got, err = tt.cipher.Decrypt(tt.payload) })
			if tt.name == "wrong key" && err == nil {
				// A wrong key yields valid padding with probability ~1/256.
				assert.NotEqual(t, "hello world", got)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, licenseErrors.ErrDecrypt))
			assert.Empty(t, got)
		})
	}
}

func TestPKCS7Unpad(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    []byte
		wantErr bool
	}{
		{name: "full block padding", input: append([]byte("0123456789abcdef"), make16(16)...), want: []byte("0123456789abcdef")},
		{name: "one byte", input: append([]byte("0123456789abcde"), 1), want: []byte("0123456789abcde")},
		{name: "zero pad byte", input: append([]byte("0123456789abcde"), 0), wantErr: true},
		{name: "pad too large", input: append([]byte("0123456789abcde"), 17), wantErr: true},
		{name: "inconsistent", input: append([]byte("0123456789abcd"), 1, 2), wantErr: true},
		{name: "empty", input: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pkcs7Unpad(tt.input, aes.BlockSize)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func make16(n byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = n
	}
	return b
}
