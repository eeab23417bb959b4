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

package session

import (
	"context"
	"errors"
	"strings"

	"github.com/sublingo/sublingo/internal/crypto"
)

// ErrNoAPIKey is returned when a config carries no usable API key.
var ErrNoAPIKey = errors.New("no api key configured")

// SelectAPIKey picks the API key for the next upstream call. With a
// multi-key config it round-robins strictly: N keys see each key exactly
// once per N calls. The counter is keyed by a hash of the key set, so
// editing the keys resets the cycle. When a RotationStore is configured
// the counter lives there and rotation survives restarts; otherwise it is
// process-local.
func (m *Manager) SelectAPIKey(ctx context.Context, cfg crypto.UserConfig) (string, error) {
	keys := rotationKeys(cfg, m.opts.MaxAPIKeys)

	if len(keys) == 0 {
		single, _ := cfg["geminiApiKey"].(string)
		if single == "" {
			return "", ErrNoAPIKey
		}
		return single, nil
	}
	if len(keys) == 1 {
		return keys[0], nil
	}
	if rotationDisabled(cfg) {
		return keys[0], nil
	}

	hash := crypto.HashTrunc(strings.Join(keys, "|"), 16)
	n := m.nextRotation(ctx, hash)
	return keys[n%int64(len(keys))], nil
}

// nextRotation returns the zero-based call counter for a key-set hash,
// falling back to the in-process counter when the shared store is
// unreachable.
func (m *Manager) nextRotation(ctx context.Context, hash string) int64 {
	if m.opts.RotationStore != nil {
		n, err := m.opts.RotationStore.NextRotation(ctx, hash)
		if err == nil {
			return n
		}
		m.log.V(1).Info("rotation counter store unavailable, using local counter",
			"error", err.Error())
	}
	m.rotMu.Lock()
	defer m.rotMu.Unlock()
	n := m.rotation[hash]
	m.rotation[hash] = n + 1
	return n
}

// rotationKeys extracts the non-empty keys from geminiApiKeys, capped at
// maxKeys.
func rotationKeys(cfg crypto.UserConfig, maxKeys int) []string {
	raw, ok := cfg["geminiApiKeys"].([]any)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(raw))
	for _, v := range raw {
		s, ok := v.(string)
		if !ok || s == "" {
			continue
		}
		keys = append(keys, s)
		if len(keys) == maxKeys {
			break
		}
	}
	return keys
}

// rotationDisabled honors an explicit opt-out; rotation defaults to on
// whenever more than one key is present.
func rotationDisabled(cfg crypto.UserConfig) bool {
	v, ok := cfg["apiKeyRotation"].(bool)
	return ok && !v
}
