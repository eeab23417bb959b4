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

package storage

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/sublingo/sublingo/internal/crypto"
)

const (
	// maxKeyBytes is the hard maximum before a key is hashed down.
	maxKeyBytes = 250
	// truncatedKeyLen is the prefix kept when a key exceeds maxKeyBytes.
	truncatedKeyLen = 200
)

// SanitizeKey normalizes a raw key for use on any backend. Wildcard and
// structural characters, control bytes, and whitespace are replaced with
// underscore so a caller-supplied key can never act as a glob in SCAN or
// escape a shard directory. Oversized keys keep a 200-char prefix plus a
// 16-hex-char digest of the original, so distinct long keys stay distinct.
func SanitizeKey(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidKey)
	}

	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch {
		case r == '*' || r == '?' || r == '[' || r == ']' || r == '\\':
			b.WriteByte('_')
		case r == '\r' || r == '\n' || r == 0:
			b.WriteByte('_')
		case unicode.IsSpace(r):
			b.WriteByte('_')
		case unicode.IsControl(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	sanitized := b.String()

	if len(sanitized) > maxKeyBytes {
		runes := []rune(sanitized)
		if len(runes) > truncatedKeyLen {
			runes = runes[:truncatedKeyLen]
		}
		sanitized = string(runes) + "_" + crypto.HashTrunc(key, 16)
	}
	return sanitized, nil
}
