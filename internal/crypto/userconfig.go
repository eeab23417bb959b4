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
	"encoding/json"
	"fmt"
)

// UserConfig is the raw-map representation of a user's addon configuration.
// Unknown fields survive round-trips, which matters for configs written by
// newer instances and read by older ones.
type UserConfig = map[string]any

// Config field names with special handling.
const (
	// FieldSessionToken is the session token embedded inside the config.
	FieldSessionToken = "__sessionToken"
	// FieldSessionFingerprint is the config fingerprint embedded inside the config.
	FieldSessionFingerprint = "__sessionFingerprint"
	// fieldEncrypted marks a config whose sensitive fields are sealed.
	fieldEncrypted = "__encrypted"
)

// sensitiveStringFields are top-level secret fields encrypted individually.
var sensitiveStringFields = []string{
	"geminiApiKey",
	"asrApiKey",
	"captionApiKey",
}

// providerCredFields are the secret sub-fields of each subtitle provider.
var providerCredFields = []string{"apiKey", "username", "password"}

// EncryptUserConfig returns a copy of cfg with the enumerated sensitive
// fields sealed in place. Rotation-key arrays are sealed element-wise. The
// returned config carries a sentinel flag so double encryption is avoided.
func (s *Service) EncryptUserConfig(cfg UserConfig) (UserConfig, error) {
	out := CloneConfig(cfg)

	seal := func(v string) (string, error) {
		if v == "" || IsEncrypted(v) {
			return v, nil
		}
		return s.Encrypt(v)
	}

	for _, f := range sensitiveStringFields {
		if v, ok := out[f].(string); ok {
			enc, err := seal(v)
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f, err)
			}
			out[f] = enc
		}
	}

	if keys, ok := out["geminiApiKeys"].([]any); ok {
		for i, kv := range keys {
			if v, ok := kv.(string); ok {
				enc, err := seal(v)
				if err != nil {
					return nil, fmt.Errorf("geminiApiKeys[%d]: %w", i, err)
				}
				keys[i] = enc
			}
		}
	}

	if provs, ok := out["providers"].(map[string]any); ok {
		for name, pv := range provs {
			creds, ok := pv.(map[string]any)
			if !ok {
				continue
			}
			for _, f := range providerCredFields {
				if v, ok := creds[f].(string); ok {
					enc, err := seal(v)
					if err != nil {
						return nil, fmt.Errorf("providers.%s.%s: %w", name, f, err)
					}
					creds[f] = enc
				}
			}
		}
	}

	if alts, ok := out["altProviders"].([]any); ok {
		for i, av := range alts {
			alt, ok := av.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := alt["apiKey"].(string); ok {
				enc, err := seal(v)
				if err != nil {
					return nil, fmt.Errorf("altProviders[%d].apiKey: %w", i, err)
				}
				alt["apiKey"] = enc
			}
		}
	}

	out[fieldEncrypted] = true
	return out, nil
}

// DecryptUserConfig mirrors EncryptUserConfig. When a value carries the
// envelope shape but cannot be opened, the field is cleared and its path is
// appended to the returned warning list: a ciphertext returned as an API
// key would otherwise be forwarded as a credential to a third party.
// Values without the envelope shape are returned as-is (legacy plaintext).
func (s *Service) DecryptUserConfig(cfg UserConfig) (UserConfig, []string) {
	out := CloneConfig(cfg)
	var warnings []string

	open := func(v, path string) string {
		if v == "" || !IsEncrypted(v) {
			return v
		}
		plain, err := s.Decrypt(v)
		if err != nil {
			warnings = append(warnings, path)
			return ""
		}
		return plain
	}

	for _, f := range sensitiveStringFields {
		if v, ok := out[f].(string); ok {
			out[f] = open(v, f)
		}
	}

	if keys, ok := out["geminiApiKeys"].([]any); ok {
		for i, kv := range keys {
			if v, ok := kv.(string); ok {
				keys[i] = open(v, fmt.Sprintf("geminiApiKeys[%d]", i))
			}
		}
	}

	if provs, ok := out["providers"].(map[string]any); ok {
		for name, pv := range provs {
			creds, ok := pv.(map[string]any)
			if !ok {
				continue
			}
			for _, f := range providerCredFields {
				if v, ok := creds[f].(string); ok {
					creds[f] = open(v, fmt.Sprintf("providers.%s.%s", name, f))
				}
			}
		}
	}

	if alts, ok := out["altProviders"].([]any); ok {
		for i, av := range alts {
			alt, ok := av.(map[string]any)
			if !ok {
				continue
			}
			if v, ok := alt["apiKey"].(string); ok {
				alt["apiKey"] = open(v, fmt.Sprintf("altProviders[%d].apiKey", i))
			}
		}
	}

	delete(out, fieldEncrypted)
	return out, warnings
}

// IsConfigEncrypted reports whether cfg carries the encrypted sentinel flag.
func IsConfigEncrypted(cfg UserConfig) bool {
	v, ok := cfg[fieldEncrypted].(bool)
	return ok && v
}

// CloneConfig deep-copies a config through JSON. Callers that hand configs
// across cache boundaries must clone so mutation cannot leak between
// requests.
func CloneConfig(cfg UserConfig) UserConfig {
	if cfg == nil {
		return nil
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		// Configs are JSON-decoded maps; marshal cannot fail for them.
		out := make(UserConfig, len(cfg))
		for k, v := range cfg {
			out[k] = v
		}
		return out
	}
	var out UserConfig
	if err := json.Unmarshal(data, &out); err != nil {
		return cfg
	}
	return out
}
