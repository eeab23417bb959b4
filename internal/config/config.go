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

// Package config loads the session-core configuration from environment
// variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Storage backend selectors for STORAGE_TYPE.
const (
	StorageRedis      = "redis"
	StorageFilesystem = "filesystem"
)

// Defaults.
const (
	defaultRedisHost  = "127.0.0.1"
	defaultRedisPort  = 6379
	defaultDataDir    = "data"
	defaultMaxAPIKeys = 5
)

// Config holds everything session-core reads from the environment.
type Config struct {
	// StorageType selects the backend: "redis" or "filesystem".
	StorageType string
	// DataDir is the filesystem backend's base directory.
	DataDir string

	// Redis connection settings.
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisKeyPrefix  string
	PrefixVariants  []string
	SentinelEnabled bool
	SentinelAddrs   []string
	SentinelMaster  string
	// PrefixMigration is nil for auto (on only under the fallback prefix).
	PrefixMigration *bool

	// Encryption key material.
	EncryptionKey     string
	EncryptionKeyFile string

	// Session manager behaviour.
	SessionPreload  bool
	SessionRedisTTL bool
	SnapshotEnabled bool
	SnapshotPath    string
	MaxAPIKeys      int

	// CacheLimitsFile optionally overrides the built-in size caps (yaml).
	CacheLimitsFile string
}

// FromEnv reads the recognized environment variables, applying defaults.
func FromEnv() (*Config, error) {
	c := &Config{
		StorageType:       envStr("STORAGE_TYPE", StorageFilesystem),
		DataDir:           envStr("DATA_DIR", defaultDataDir),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisKeyPrefix:    os.Getenv("REDIS_KEY_PREFIX"),
		SentinelMaster:    os.Getenv("REDIS_SENTINEL_NAME"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		EncryptionKeyFile: os.Getenv("ENCRYPTION_KEY_FILE"),
		SnapshotPath:      envStr("SESSION_SNAPSHOT_PATH", "session-snapshot.json"),
		CacheLimitsFile:   os.Getenv("CACHE_LIMITS_FILE"),
	}

	c.RedisAddr = fmt.Sprintf("%s:%d",
		envStr("REDIS_HOST", defaultRedisHost),
		envInt("REDIS_PORT", defaultRedisPort))
	c.RedisDB = envInt("REDIS_DB", 0)
	c.PrefixVariants = envList("REDIS_KEY_PREFIX_VARIANTS")
	c.SentinelEnabled = envBool("REDIS_SENTINEL_ENABLED", false)
	c.SentinelAddrs = envList("REDIS_SENTINELS")
	c.PrefixMigration = envBoolPtr("REDIS_PREFIX_MIGRATION")

	c.SessionPreload = envBool("SESSION_PRELOAD", false)
	c.SessionRedisTTL = envBool("SESSION_REDIS_TTL_ENABLED", true)
	c.SnapshotEnabled = envBool("SESSION_SNAPSHOT_ENABLED", false)
	c.MaxAPIKeys = envInt("MAX_API_KEYS", defaultMaxAPIKeys)

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.StorageType {
	case StorageRedis, StorageFilesystem:
	default:
		return fmt.Errorf("STORAGE_TYPE must be %q or %q, got %q",
			StorageRedis, StorageFilesystem, c.StorageType)
	}
	if c.MaxAPIKeys < 1 {
		return fmt.Errorf("MAX_API_KEYS must be >= 1, got %d", c.MaxAPIKeys)
	}
	if c.SentinelEnabled && (len(c.SentinelAddrs) == 0 || c.SentinelMaster == "") {
		return fmt.Errorf("REDIS_SENTINEL_ENABLED requires REDIS_SENTINELS and REDIS_SENTINEL_NAME")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// envBoolPtr returns nil when the variable is unset, so callers can
// distinguish "unset" from an explicit false.
func envBoolPtr(key string) *bool {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil
	}
	return &b
}

// envList splits a comma-separated variable, trimming blanks.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
