/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package crypto provides authenticated encryption for user secrets.
//
// Values are sealed with AES-256-GCM and rendered as the ASCII envelope
//
//	1:<iv_b64>:<tag_b64>:<ciphertext_b64>
//
// where "1" is a version tag permitting future algorithm rotation. The
// same envelope shape is written to disk and to Redis, so every consumer
// can identify encrypted values by shape alone.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	// envelopeVersion is the current envelope format version.
	envelopeVersion = "1"
	// ivSize is the GCM nonce size in bytes (128-bit IV per envelope).
	ivSize = 16
	// tagSize is the GCM authentication tag size in bytes.
	tagSize = 16
	// keySize is the AES-256 key size in bytes.
	keySize = 32
)

// Sentinel errors returned by the crypto service.
var (
	// ErrEncryptionFailed is returned when sealing a value fails.
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrDecryptionFailed is returned when an envelope cannot be opened.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrInvalidKey is returned when key material is not 64 hex characters.
	ErrInvalidKey = errors.New("invalid encryption key")
)

// Service seals and opens secret values with a single AES-256 key.
type Service struct {
	key []byte
}

// NewService creates a Service from raw 32-byte key material.
func NewService(key []byte) (*Service, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrInvalidKey, keySize, len(key))
	}
	k := make([]byte, keySize)
	copy(k, key)
	return &Service{key: k}, nil
}

// Encrypt seals plaintext and returns the versioned envelope string.
// A fresh random IV is generated per call.
func (s *Service) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: iv generation: %v", ErrEncryptionFailed, err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	b64 := base64.StdEncoding
	return envelopeVersion + ":" +
		b64.EncodeToString(iv) + ":" +
		b64.EncodeToString(tag) + ":" +
		b64.EncodeToString(ct), nil
}

// Decrypt opens an envelope string. The authentication tag is verified;
// tampering with any field fails the operation. Callers must never fall
// back to returning the envelope itself on failure.
func (s *Service) Decrypt(envelope string) (string, error) {
	iv, tag, ct, err := splitEnvelope(envelope)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	sealed := make([]byte, 0, len(ct)+len(tag))
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plaintext), nil
}

// IsEncrypted reports whether s has the envelope shape: the current
// version tag followed by exactly three base64 fields.
func IsEncrypted(s string) bool {
	if !strings.HasPrefix(s, envelopeVersion+":") {
		return false
	}
	parts := strings.Split(s, ":")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts[1:] {
		if p == "" {
			return false
		}
		if _, err := base64.StdEncoding.DecodeString(p); err != nil {
			return false
		}
	}
	return true
}

func splitEnvelope(envelope string) (iv, tag, ct []byte, err error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 4 || parts[0] != envelopeVersion {
		return nil, nil, nil, fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	b64 := base64.StdEncoding
	if iv, err = b64.DecodeString(parts[1]); err != nil || len(iv) != ivSize {
		return nil, nil, nil, fmt.Errorf("%w: bad iv", ErrDecryptionFailed)
	}
	if tag, err = b64.DecodeString(parts[2]); err != nil || len(tag) != tagSize {
		return nil, nil, nil, fmt.Errorf("%w: bad tag", ErrDecryptionFailed)
	}
	if ct, err = b64.DecodeString(parts[3]); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: bad ciphertext", ErrDecryptionFailed)
	}
	return iv, tag, ct, nil
}

// ParseHexKey decodes 64 hex characters into raw key material.
func ParseHexKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) != keySize*2 {
		return nil, fmt.Errorf("%w: need %d hex chars, got %d", ErrInvalidKey, keySize*2, len(s))
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return key, nil
}

// HashTrunc returns the first n hex characters of sha256(s). It is the
// fingerprint primitive used for token fingerprints (16 chars) and
// integrity hashes (24 chars).
func HashTrunc(s string, n int) string {
	sum := sha256.Sum256([]byte(s))
	h := hex.EncodeToString(sum[:])
	if n > len(h) {
		n = len(h)
	}
	return h[:n]
}
