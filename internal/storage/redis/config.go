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

package redis

import "time"

const (
	// FallbackPrefix is the tenant prefix used when none is configured.
	// Prefix migration defaults to enabled only under this prefix.
	FallbackPrefix = "sublingo:"

	defaultMaxRetries      = 3
	defaultMinRetryBackoff = 50 * time.Millisecond
	defaultMaxRetryBackoff = 2 * time.Second
	defaultDialTimeout     = 10 * time.Second
)

// Config holds connection and behaviour settings for the Redis backend.
type Config struct {
	// Addr is the standalone server address (host:port).
	Addr string
	// Password is used for Redis AUTH.
	Password string
	// DB selects the database number.
	DB int

	// SentinelEnabled switches to Sentinel (failover) mode.
	SentinelEnabled bool
	// SentinelAddrs lists sentinel addresses.
	SentinelAddrs []string
	// SentinelMaster is the monitored master name.
	SentinelMaster string

	// KeyPrefix is the tenant prefix applied to every key by the key
	// builder. Application code never prepends it a second time.
	KeyPrefix string
	// PrefixVariants are alternative prefixes earlier deployments may have
	// written under; Initialize migrates their keys to KeyPrefix.
	PrefixVariants []string
	// MigrationEnabled controls the prefix self-healing sweeps. Nil means
	// auto: enabled only when KeyPrefix equals FallbackPrefix.
	MigrationEnabled *bool

	// MaxRetries is the per-command retry cap. Default: 3.
	MaxRetries int
	// MinRetryBackoff and MaxRetryBackoff bound the exponential backoff
	// between retries. Defaults: 50ms and 2s.
	MinRetryBackoff time.Duration
	MaxRetryBackoff time.Duration
	// DialTimeout bounds the initial connection. Default: 10s.
	DialTimeout time.Duration
}

// DefaultConfig returns a Config with the documented retry policy and the
// fallback tenant prefix. Callers must still set Addr or the sentinel
// fields.
func DefaultConfig() Config {
	return Config{
		KeyPrefix:       FallbackPrefix,
		MaxRetries:      defaultMaxRetries,
		MinRetryBackoff: defaultMinRetryBackoff,
		MaxRetryBackoff: defaultMaxRetryBackoff,
		DialTimeout:     defaultDialTimeout,
	}
}

// migrationOn resolves the effective migration switch.
func (c Config) migrationOn() bool {
	if c.MigrationEnabled != nil {
		return *c.MigrationEnabled
	}
	return c.KeyPrefix == FallbackPrefix
}
