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

package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testService(t *testing.T) *Service {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generating key: %v", err)
	}
	s, err := NewService(key)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return s
}

func TestNewServiceRejectsBadKeySize(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		if _, err := NewService(make([]byte, n)); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("key size %d: got %v, want ErrInvalidKey", n, err)
		}
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	s := testService(t)

	for _, plain := range []string{"secret-api-key", "", "with spaces and :colons:", strings.Repeat("x", 10_000)} {
		enc, err := s.Encrypt(plain)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", plain, err)
		}
		if !strings.HasPrefix(enc, "1:") {
			t.Errorf("envelope missing version prefix: %q", enc)
		}
		if got := strings.Count(enc, ":"); got != 3 {
			t.Errorf("envelope has %d colons, want 3: %q", got, enc)
		}

		dec, err := s.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt: %v", err)
		}
		if dec != plain {
			t.Errorf("roundtrip mismatch: got %q, want %q", dec, plain)
		}
	}
}

func TestEncryptIsNonDeterministic(t *testing.T) {
	s := testService(t)

	a, err := s.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := s.Encrypt("same input")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext produced identical envelopes")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	s := testService(t)

	enc, err := s.Encrypt("payload")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip a character inside the ciphertext segment.
	parts := strings.Split(enc, ":")
	ct := []byte(parts[3])
	if ct[0] == 'A' {
		ct[0] = 'B'
	} else {
		ct[0] = 'A'
	}
	parts[3] = string(ct)
	tampered := strings.Join(parts, ":")

	if _, err := s.Decrypt(tampered); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("tampered ciphertext: got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptWithWrongKeyFails(t *testing.T) {
	a := testService(t)
	b := testService(t)

	enc, err := a.Encrypt("cross-instance secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := b.Decrypt(enc); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("wrong key: got %v, want ErrDecryptionFailed", err)
	}
}

func TestDecryptRejectsMalformedEnvelopes(t *testing.T) {
	s := testService(t)

	for _, in := range []string{
		"",
		"plaintext",
		"1:only:two",
		"2:aaaa:bbbb:cccc",
		"1:!!!!:bbbb:cccc",
	} {
		if _, err := s.Decrypt(in); err == nil {
			t.Errorf("Decrypt(%q) succeeded, want error", in)
		}
	}
}

func TestIsEncrypted(t *testing.T) {
	s := testService(t)

	enc, err := s.Encrypt("value")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	cases := []struct {
		in   string
		want bool
	}{
		{enc, true},
		{"", false},
		{"plain value", false},
		{"1:two:parts", false},
		{"1:a:b:c:d", false},
		{"v:aaaa:bbbb:cccc", false},
		{"1:!notb64:bbbb:cccc", false},
	}
	for _, tc := range cases {
		if got := IsEncrypted(tc.in); got != tc.want {
			t.Errorf("IsEncrypted(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestParseHexKey(t *testing.T) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		t.Fatal(err)
	}
	hexKey := hex.EncodeToString(raw)

	key, err := ParseHexKey(hexKey)
	if err != nil {
		t.Fatalf("ParseHexKey: %v", err)
	}
	if !bytes.Equal(key, raw) {
		t.Error("parsed key does not match original bytes")
	}

	for _, in := range []string{"", "abcd", strings.Repeat("g", 64), strings.Repeat("a", 63)} {
		if _, err := ParseHexKey(in); err == nil {
			t.Errorf("ParseHexKey(%q) succeeded, want error", in)
		}
	}
}

func TestHashTrunc(t *testing.T) {
	a := HashTrunc("input", 16)
	if len(a) != 16 {
		t.Fatalf("got len %d, want 16", len(a))
	}
	if a != HashTrunc("input", 16) {
		t.Error("HashTrunc is not deterministic")
	}
	if a == HashTrunc("other", 16) {
		t.Error("distinct inputs hashed to the same prefix")
	}
	if got := HashTrunc("input", 24); !strings.HasPrefix(got, a) {
		t.Error("longer truncation should extend the shorter one")
	}
}
