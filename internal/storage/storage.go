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

// Package storage defines the key/value contract shared by the filesystem
// and Redis backends, together with the key-hygiene rules, per-cache-type
// size limits, and the eviction engine every backend enforces on write.
package storage

import (
	"context"
	"errors"
	"time"
)

// CacheType partitions the keyspace into data classes, each with its own
// size cap and TTL policy.
type CacheType string

// Known cache types.
const (
	TypeSession     CacheType = "session"
	TypeSubtitle    CacheType = "subtitle"
	TypeTranslation CacheType = "translation"
	TypeEmbedded    CacheType = "embedded"
	TypeSMDB        CacheType = "smdb"
	TypeSMDBIndex   CacheType = "smdb_index"
	TypeHashMap     CacheType = "hashmap"
	TypeAPI         CacheType = "api"
)

// AllTypes lists every cache type, in cleanup-sweep order.
var AllTypes = []CacheType{
	TypeSession, TypeSubtitle, TypeTranslation, TypeEmbedded,
	TypeSMDB, TypeSMDBIndex, TypeHashMap, TypeAPI,
}

// Common errors returned by storage backends.
var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")
	// ErrInvalidKey is returned for empty or non-representable keys.
	ErrInvalidKey = errors.New("invalid cache key")
	// ErrStorageUnavailable is returned when the backend cannot be reached.
	// Callers should map it to a retriable response.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// Metadata describes a stored entry. ExpiresAt is zero when the entry has
// no expiry. CreatedAt is preserved across updates to the same key.
type Metadata struct {
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// CleanupResult reports what an orphan sweep removed.
type CleanupResult struct {
	Deleted    int
	BytesFreed int64
}

// Adapter is the uniform contract over storage backends. A zero ttl on Set
// means no expiry; positive ttl applies to both content and metadata.
// Updates to an existing key preserve CreatedAt but reset the TTL window.
type Adapter interface {
	// Initialize prepares the backend (directories, connections,
	// prefix migration). Must be called before any other operation.
	Initialize(ctx context.Context) error

	// Get returns the stored value and bumps the key's LRU timestamp.
	// Returns ErrNotFound when the key does not exist or has expired.
	Get(ctx context.Context, key string, ct CacheType) ([]byte, error)

	// Set writes value, metadata, LRU entry, and size delta atomically.
	Set(ctx context.Context, key string, value []byte, ct CacheType, ttl time.Duration) error

	// Delete removes value, metadata, LRU entry, and size delta.
	// Deleting a missing key returns ErrNotFound.
	Delete(ctx context.Context, key string, ct CacheType) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string, ct CacheType) (bool, error)

	// List returns raw keys of the cache type matching pattern ("*" for
	// all), excluding metadata sidecars.
	List(ctx context.Context, ct CacheType, pattern string) ([]string, error)

	// Size returns the cached total bytes for the cache type.
	Size(ctx context.Context, ct CacheType) (int64, error)

	// Metadata returns the entry's metadata, or ErrNotFound.
	Metadata(ctx context.Context, key string, ct CacheType) (*Metadata, error)

	// OldestKeys returns up to limit keys ordered oldest-first by last
	// access. It feeds the eviction engine.
	OldestKeys(ctx context.Context, ct CacheType, limit int) ([]string, error)

	// Cleanup sweeps orphans and re-enforces the size cap.
	Cleanup(ctx context.Context, ct CacheType) (CleanupResult, error)

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases resources held by the backend.
	Close() error
}
