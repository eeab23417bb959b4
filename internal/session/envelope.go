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

// Package session issues opaque session tokens bound to encrypted user
// configuration and keeps them coherent across horizontally scaled
// instances.
//
// A session is identified twice: by the envelope fields (token,
// tokenFingerprint, fingerprint, integrity) and by metadata embedded
// inside the encrypted config (__sessionToken, __sessionFingerprint).
// The redundancy is what detects a storage substrate returning another
// tenant's payload under our key: the inner identity disagrees with the
// outer one and the session is rejected.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/sublingo/sublingo/internal/crypto"
)

// Fingerprint truncation lengths, in hex characters.
const (
	tokenFingerprintLen  = 16
	configFingerprintLen = 16
	integrityLen         = 24
)

// Common errors returned by the session manager.
var (
	// ErrSessionNotFound is returned when a token resolves to no valid
	// session; integrity failures are folded into it after the offending
	// entry is deleted.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvalidToken is returned for tokens that are not 32 hex chars.
	ErrInvalidToken = errors.New("invalid session token")
)

// tokenPattern matches a well-formed session token.
var tokenPattern = regexp.MustCompile(`^[a-f0-9]{32}$`)

// Envelope is the persisted form of a session: the encrypted config plus
// the wrapper identity fields.
type Envelope struct {
	Token            string            `json:"token"`
	TokenFingerprint string            `json:"tokenFingerprint"`
	Config           crypto.UserConfig `json:"config"`
	Fingerprint      string            `json:"fingerprint"`
	Integrity        string            `json:"integrity"`
	CreatedAt        time.Time         `json:"createdAt"`
	LastAccessedAt   time.Time         `json:"lastAccessedAt"`
}

// NewToken generates a 128-bit cryptographically random token rendered as
// 32 lowercase hex characters.
func NewToken() (string, error) {
	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// ValidToken reports whether s is a well-formed session token.
func ValidToken(s string) bool {
	return tokenPattern.MatchString(s)
}

// TokenFingerprint returns the 16-char truncated SHA-256 of a token.
func TokenFingerprint(token string) string {
	return crypto.HashTrunc(token, tokenFingerprintLen)
}

// ConfigFingerprint hashes the config with the embedded session metadata
// and the encryption sentinel stripped, so the fingerprint is stable no
// matter which instance computed it.
func ConfigFingerprint(cfg crypto.UserConfig) string {
	bare := crypto.CloneConfig(cfg)
	delete(bare, crypto.FieldSessionToken)
	delete(bare, crypto.FieldSessionFingerprint)
	// Map keys marshal in sorted order, so this serialization is canonical.
	data, err := json.Marshal(bare)
	if err != nil {
		return ""
	}
	return crypto.HashTrunc(string(data), configFingerprintLen)
}

// IntegrityHash binds a token to a config fingerprint. It detects payload
// bodies swapped between sessions in storage.
func IntegrityHash(token, fingerprint string) string {
	return crypto.HashTrunc(token+"|"+fingerprint, integrityLen)
}
