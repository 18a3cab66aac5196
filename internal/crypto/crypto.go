// Package crypto implements field-level envelope encryption for workspace data.
//
// Two key levels exist: a single 32-byte master key held by the process, and
// per-workspace 256-bit data keys. The master key only wraps and unwraps
// workspace keys; workspace keys encrypt individual fields with AES-256-GCM.
//
// Encrypted fields are stored as "enc:" + base64(iv) + ":" + base64(ct||tag).
// Values without the prefix are treated as plaintext and passed through on
// decryption, which is the migration path for pre-encryption rows.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// encPrefix marks an encrypted field value.
	encPrefix = "enc:"

	// keySize is the AES-256 key length in bytes.
	keySize = 32

	// ivSize is the GCM nonce length in bytes (96 bits).
	ivSize = 12
)

// Sentinel errors for crypto operations.
var (
	// ErrInvalidKey indicates a key of the wrong length.
	ErrInvalidKey = errors.New("key must be 32 bytes")

	// ErrMalformedCiphertext indicates a corrupt or truncated enc: payload.
	// This is fatal for the row; a malformed value is never surfaced as
	// plaintext.
	ErrMalformedCiphertext = errors.New("malformed encrypted value")

	// ErrMalformedWrappedKey indicates a corrupt wrapped-key blob.
	ErrMalformedWrappedKey = errors.New("malformed wrapped key")
)

// devMasterSeed feeds the documented non-production master-key fallback.
const devMasterSeed = "memento-dev-master-key-not-for-production"

// NewKey generates a fresh random 256-bit data key.
func NewKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// DevMasterKey derives the deterministic development master key. Only used
// when crypto.dev_fallback is enabled; callers must log the degraded mode.
func DevMasterKey() []byte {
	sum := sha256.Sum256([]byte(devMasterSeed))
	return sum[:]
}

// ParseMasterKey decodes a configured master key. Accepts standard base64 of
// 32 bytes or a raw 32-byte string; anything else is rejected.
func ParseMasterKey(s string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil && len(decoded) == keySize {
		return decoded, nil
	}
	if len(s) == keySize {
		return []byte(s), nil
	}
	return nil, ErrInvalidKey
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// Encrypt encrypts plaintext with a workspace key into the enc: field format.
func Encrypt(plaintext string, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}
	ct := gcm.Seal(nil, iv, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(ct), nil
}

// Decrypt reverses Encrypt. A value lacking the enc: prefix is returned
// unchanged. A malformed encrypted payload returns ErrMalformedCiphertext.
func Decrypt(value string, key []byte) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	parts := strings.SplitN(strings.TrimPrefix(value, encPrefix), ":", 2)
	if len(parts) != 2 {
		return "", ErrMalformedCiphertext
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrMalformedCiphertext
	}
	ct, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrMalformedCiphertext
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	plaintext, err := gcm.Open(nil, iv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedCiphertext, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether a stored value carries the enc: prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// EncryptFields encrypts the named fields of a record in place. Empty values
// are left untouched so a record is never half-encrypted with empty
// ciphertexts.
func EncryptFields(record map[string]string, fields []string, key []byte) error {
	for _, f := range fields {
		v, ok := record[f]
		if !ok || v == "" {
			continue
		}
		enc, err := Encrypt(v, key)
		if err != nil {
			return fmt.Errorf("failed to encrypt field %s: %w", f, err)
		}
		record[f] = enc
	}
	return nil
}

// DecryptFields decrypts the named fields of a record in place. Plaintext
// values pass through; malformed ciphertexts abort the whole record.
func DecryptFields(record map[string]string, fields []string, key []byte) error {
	for _, f := range fields {
		v, ok := record[f]
		if !ok || v == "" {
			continue
		}
		dec, err := Decrypt(v, key)
		if err != nil {
			return fmt.Errorf("failed to decrypt field %s: %w", f, err)
		}
		record[f] = dec
	}
	return nil
}

// WrapKey encrypts a workspace data key under the master key. The blob is
// base64(iv || wrapped-bytes) and is stored on the workspace row.
func WrapKey(dataKey, masterKey []byte) (string, error) {
	if len(dataKey) != keySize {
		return "", ErrInvalidKey
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return "", err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}
	wrapped := gcm.Seal(nil, iv, dataKey, nil)
	return base64.StdEncoding.EncodeToString(append(iv, wrapped...)), nil
}

// UnwrapKey reverses WrapKey.
func UnwrapKey(blob string, masterKey []byte) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) <= ivSize {
		return nil, ErrMalformedWrappedKey
	}
	gcm, err := newGCM(masterKey)
	if err != nil {
		return nil, err
	}
	key, err := gcm.Open(nil, raw[:ivSize], raw[ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWrappedKey, err)
	}
	return key, nil
}
