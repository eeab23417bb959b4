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

package config

import (
	"slices"
	"testing"
)

// clearEnv unsets every variable FromEnv reads so tests see a clean slate.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STORAGE_TYPE", "DATA_DIR",
		"REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD", "REDIS_DB",
		"REDIS_KEY_PREFIX", "REDIS_KEY_PREFIX_VARIANTS", "REDIS_PREFIX_MIGRATION",
		"REDIS_SENTINEL_ENABLED", "REDIS_SENTINELS", "REDIS_SENTINEL_NAME",
		"ENCRYPTION_KEY", "ENCRYPTION_KEY_FILE",
		"SESSION_PRELOAD", "SESSION_REDIS_TTL_ENABLED",
		"SESSION_SNAPSHOT_ENABLED", "SESSION_SNAPSHOT_PATH",
		"MAX_API_KEYS", "CACHE_LIMITS_FILE",
	} {
		t.Setenv(key, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.StorageType != StorageFilesystem {
		t.Errorf("StorageType = %q, want filesystem", c.StorageType)
	}
	if c.DataDir != "data" {
		t.Errorf("DataDir = %q", c.DataDir)
	}
	if c.RedisAddr != "127.0.0.1:6379" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
	if !c.SessionRedisTTL {
		t.Error("SessionRedisTTL should default on")
	}
	if c.SessionPreload || c.SnapshotEnabled {
		t.Error("preload and snapshot should default off")
	}
	if c.MaxAPIKeys != 5 {
		t.Errorf("MaxAPIKeys = %d, want 5", c.MaxAPIKeys)
	}
	if c.PrefixMigration != nil {
		t.Error("PrefixMigration should default to auto (nil)")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_TYPE", "redis")
	t.Setenv("REDIS_HOST", "redis.internal")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_KEY_PREFIX", "tenant-a:")
	t.Setenv("REDIS_KEY_PREFIX_VARIANTS", "old:, legacy: ,")
	t.Setenv("REDIS_PREFIX_MIGRATION", "false")
	t.Setenv("SESSION_PRELOAD", "true")
	t.Setenv("MAX_API_KEYS", "3")

	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.StorageType != StorageRedis {
		t.Errorf("StorageType = %q", c.StorageType)
	}
	if c.RedisAddr != "redis.internal:6380" {
		t.Errorf("RedisAddr = %q", c.RedisAddr)
	}
	if c.RedisDB != 2 {
		t.Errorf("RedisDB = %d", c.RedisDB)
	}
	if c.RedisKeyPrefix != "tenant-a:" {
		t.Errorf("RedisKeyPrefix = %q", c.RedisKeyPrefix)
	}
	if !slices.Equal(c.PrefixVariants, []string{"old:", "legacy:"}) {
		t.Errorf("PrefixVariants = %v", c.PrefixVariants)
	}
	if c.PrefixMigration == nil || *c.PrefixMigration {
		t.Errorf("PrefixMigration = %v, want explicit false", c.PrefixMigration)
	}
	if !c.SessionPreload {
		t.Error("SessionPreload not applied")
	}
	if c.MaxAPIKeys != 3 {
		t.Errorf("MaxAPIKeys = %d", c.MaxAPIKeys)
	}
}

func TestFromEnvRejectsUnknownStorageType(t *testing.T) {
	clearEnv(t)
	t.Setenv("STORAGE_TYPE", "s3")
	if _, err := FromEnv(); err == nil {
		t.Error("unknown STORAGE_TYPE accepted")
	}
}

func TestFromEnvRejectsBadMaxAPIKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_API_KEYS", "0")
	if _, err := FromEnv(); err == nil {
		t.Error("MAX_API_KEYS=0 accepted")
	}
}

func TestFromEnvSentinelRequiresAddrsAndName(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_SENTINEL_ENABLED", "true")
	if _, err := FromEnv(); err == nil {
		t.Error("sentinel enabled without addresses accepted")
	}

	t.Setenv("REDIS_SENTINELS", "10.0.0.1:26379,10.0.0.2:26379")
	t.Setenv("REDIS_SENTINEL_NAME", "mymaster")
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if len(c.SentinelAddrs) != 2 || c.SentinelMaster != "mymaster" {
		t.Errorf("sentinel config = %v / %q", c.SentinelAddrs, c.SentinelMaster)
	}
}

func TestFromEnvIgnoresUnparseableNumbers(t *testing.T) {
	clearEnv(t)
	t.Setenv("REDIS_PORT", "not-a-port")
	c, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if c.RedisAddr != "127.0.0.1:6379" {
		t.Errorf("RedisAddr = %q, want the default port", c.RedisAddr)
	}
}
