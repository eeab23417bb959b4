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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-logr/logr"
)

// DefaultKeyFile is the keyfile path used when ENCRYPTION_KEY_FILE is unset.
const DefaultKeyFile = "session-encryption.key"

// LoadOrCreateKey acquires the master key in order of preference:
//
//  1. envKey, when non-empty (64 hex chars from ENCRYPTION_KEY);
//  2. the keyfile at path, when it exists;
//  3. a freshly generated 256-bit key, persisted to path.
//
// A keyfile that exists but cannot be parsed is fatal: silently overwriting
// it would render all previously encrypted data unrecoverable. A fresh key
// that cannot be persisted is equally fatal, because an in-memory-only key
// invalidates every session on the next restart.
func LoadOrCreateKey(log logr.Logger, envKey, path string) ([]byte, error) {
	if envKey != "" {
		key, err := ParseHexKey(envKey)
		if err != nil {
			return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		return key, nil
	}

	if path == "" {
		path = DefaultKeyFile
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, perr := ParseHexKey(string(data))
		if perr != nil {
			return nil, fmt.Errorf("keyfile %s exists but is unreadable, refusing to overwrite: %w", path, perr)
		}
		return key, nil
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("reading keyfile %s: %w", path, err)
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	if err := writeKeyFile(path, key); err != nil {
		return nil, fmt.Errorf("persisting generated key to %s: %w", path, err)
	}

	log.Info("generated new encryption key, back up the keyfile: losing it makes all stored sessions unrecoverable",
		"keyfile", path)
	return key, nil
}

// writeKeyFile writes the hex-encoded key atomically with owner-only
// permissions: write to a temp file in the same directory, then rename.
func writeKeyFile(path string, key []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".key-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.WriteString(hex.EncodeToString(key)); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
