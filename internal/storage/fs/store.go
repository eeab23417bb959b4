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

// Package fs implements the storage adapter on the local filesystem.
//
// Layout under the base directory:
//
//	<baseDir>/<cacheType>/<shard>/<sanitized_key>        content
//	<baseDir>/<cacheType>/<shard>/<sanitized_key>.meta   metadata sidecar
//	<baseDir>/<cacheType>/lru.json                       LRU index
//	<baseDir>/<cacheType>/size                           size counter
//
// The shard is the first two hex characters of sha256(key). All writes go
// through a temp file in the target directory followed by a rename.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/sublingo/sublingo/internal/storage"
)

const (
	metaSuffix   = ".meta"
	lruFileName  = "lru.json"
	sizeFileName = "size"
)

// Compile-time interface check.
var _ storage.Adapter = (*Store)(nil)

// typeState is the in-memory mirror of a cache type's LRU index and size
// counter. Both are persisted on every mutation and rebuilt by scan when
// they diverge from on-disk reality.
type typeState struct {
	lru  map[string]int64 // sanitized key -> last access unix millis
	size int64
}

// Store is a filesystem-backed storage adapter.
type Store struct {
	baseDir string
	limits  storage.Limits
	log     logr.Logger

	mu    sync.Mutex
	state map[storage.CacheType]*typeState
}

// New creates a filesystem store rooted at baseDir.
func New(baseDir string, limits storage.Limits, log logr.Logger) *Store {
	return &Store{
		baseDir: baseDir,
		limits:  limits,
		log:     log.WithName("fs-store"),
		state:   make(map[storage.CacheType]*typeState),
	}
}

// Initialize creates the directory tree and loads (or rebuilds) the LRU
// index and size counter for every cache type.
func (s *Store) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ct := range storage.AllTypes {
		if err := ctx.Err(); err != nil {
			return err
		}
		dir := s.typeDir(ct)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
		}
		st, err := s.loadState(ct)
		if err != nil {
			return err
		}
		s.state[ct] = st
	}
	return nil
}

// loadState reads lru.json and the size counter, then verifies them
// against the on-disk entries. Divergence triggers a rebuild by scan.
func (s *Store) loadState(ct storage.CacheType) (*typeState, error) {
	st := &typeState{lru: make(map[string]int64)}

	if data, err := os.ReadFile(filepath.Join(s.typeDir(ct), lruFileName)); err == nil {
		_ = json.Unmarshal(data, &st.lru)
	}
	if data, err := os.ReadFile(filepath.Join(s.typeDir(ct), sizeFileName)); err == nil {
		st.size, _ = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	keys, diskSize, err := s.scanEntries(ct)
	if err != nil {
		return nil, err
	}
	if diskSize != st.size || len(keys) != len(st.lru) {
		s.log.V(1).Info("rebuilding index from scan",
			"cacheType", ct, "counter", st.size, "onDisk", diskSize)
		rebuilt := make(map[string]int64, len(keys))
		now := time.Now().UnixMilli()
		for _, k := range keys {
			if ts, ok := st.lru[k]; ok {
				rebuilt[k] = ts
			} else {
				rebuilt[k] = now
			}
		}
		st.lru = rebuilt
		st.size = diskSize
		if err := s.persistStateLocked(ct, st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// scanEntries walks a cache type's shards and returns the content keys and
// the total size recorded in their metadata sidecars.
func (s *Store) scanEntries(ct storage.CacheType) ([]string, int64, error) {
	dir := s.typeDir(ct)
	shards, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	var keys []string
	var total int64
	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(dir, shard.Name()))
		if err != nil {
			continue
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || strings.HasSuffix(name, metaSuffix) {
				continue
			}
			keys = append(keys, name)
			if md, err := s.readMeta(ct, shard.Name(), name); err == nil {
				total += md.Size
			} else if info, err := e.Info(); err == nil {
				total += info.Size()
			}
		}
	}
	return keys, total, nil
}

// --- path helpers ----------------------------------------------------------

func (s *Store) typeDir(ct storage.CacheType) string {
	return filepath.Join(s.baseDir, string(ct))
}

func shardOf(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:1])
}

func (s *Store) contentPath(ct storage.CacheType, key string) string {
	return filepath.Join(s.typeDir(ct), shardOf(key), key)
}

func (s *Store) readMeta(ct storage.CacheType, shard, key string) (*storage.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.typeDir(ct), shard, key+metaSuffix))
	if err != nil {
		return nil, err
	}
	var md storage.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// --- adapter implementation ------------------------------------------------

func (s *Store) Get(ctx context.Context, key string, ct storage.CacheType) ([]byte, error) {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	md, err := s.readMeta(ct, shardOf(key), key)
	if err == nil && !md.ExpiresAt.IsZero() && time.Now().After(md.ExpiresAt) {
		_ = s.Delete(ctx, key, ct)
		return nil, storage.ErrNotFound
	}

	data, err := os.ReadFile(s.contentPath(ct, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	if st := s.state[ct]; st != nil {
		st.lru[key] = time.Now().UnixMilli()
		_ = s.persistLRULocked(ct, st)
	}
	s.mu.Unlock()

	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ct storage.CacheType, ttl time.Duration) error {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := storage.EvictIfNeeded(ctx, s, s.limits, ct, int64(len(value)), s.log); err != nil {
		return err
	}

	now := time.Now()
	md := storage.Metadata{Size: int64(len(value)), CreatedAt: now}
	var oldSize int64
	if old, err := s.readMeta(ct, shardOf(key), key); err == nil {
		md.CreatedAt = old.CreatedAt
		oldSize = old.Size
	}
	if ttl > 0 {
		md.ExpiresAt = now.Add(ttl)
	}

	dir := filepath.Join(s.typeDir(ct), shardOf(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	if err := atomicWrite(filepath.Join(dir, key), value); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	mdBytes, err := json.Marshal(md)
	if err != nil {
		return err
	}
	if err := atomicWrite(filepath.Join(dir, key+metaSuffix), mdBytes); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[ct]
	if st == nil {
		st = &typeState{lru: make(map[string]int64)}
		s.state[ct] = st
	}
	st.lru[key] = now.UnixMilli()
	st.size += md.Size - oldSize
	return s.persistStateLocked(ct, st)
}

func (s *Store) Delete(ctx context.Context, key string, ct storage.CacheType) error {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	var size int64
	if md, err := s.readMeta(ct, shardOf(key), key); err == nil {
		size = md.Size
	}

	contentErr := os.Remove(s.contentPath(ct, key))
	_ = os.Remove(s.contentPath(ct, key) + metaSuffix)
	if contentErr != nil && os.IsNotExist(contentErr) {
		return storage.ErrNotFound
	}
	if contentErr != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, contentErr)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[ct]
	if st == nil {
		return nil
	}
	delete(st.lru, key)
	st.size -= size
	if st.size < 0 {
		st.size = 0
	}
	return s.persistStateLocked(ct, st)
}

func (s *Store) Exists(ctx context.Context, key string, ct storage.CacheType) (bool, error) {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if md, err := s.readMeta(ct, shardOf(key), key); err == nil &&
		!md.ExpiresAt.IsZero() && time.Now().After(md.ExpiresAt) {
		return false, nil
	}
	_, err = os.Stat(s.contentPath(ct, key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
}

func (s *Store) List(ctx context.Context, ct storage.CacheType, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if pattern == "" {
		pattern = "*"
	}
	keys, _, err := s.scanEntries(ct)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return nil, fmt.Errorf("%w: bad pattern: %v", storage.ErrInvalidKey, err)
		}
		if ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) Size(ctx context.Context, ct storage.CacheType) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if st := s.state[ct]; st != nil {
		return st.size, nil
	}
	return 0, nil
}

func (s *Store) Metadata(ctx context.Context, key string, ct storage.CacheType) (*storage.Metadata, error) {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	md, err := s.readMeta(ct, shardOf(key), key)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	return md, nil
}

func (s *Store) OldestKeys(ctx context.Context, ct storage.CacheType, limit int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state[ct]
	if st == nil || len(st.lru) == 0 {
		return nil, nil
	}

	type entry struct {
		key string
		ts  int64
	}
	entries := make([]entry, 0, len(st.lru))
	for k, ts := range st.lru {
		entries = append(entries, entry{k, ts})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts < entries[j].ts })

	if limit > len(entries) {
		limit = len(entries)
	}
	out := make([]string, 0, limit)
	for _, e := range entries[:limit] {
		out = append(out, e.key)
	}
	return out, nil
}

// Cleanup sweeps orphans (content without sidecar and sidecars without
// content), deletes expired entries, re-enforces the size cap, and
// reconciles the counter with on-disk reality.
func (s *Store) Cleanup(ctx context.Context, ct storage.CacheType) (storage.CleanupResult, error) {
	var res storage.CleanupResult
	dir := s.typeDir(ct)
	shards, err := os.ReadDir(dir)
	if err != nil && !os.IsNotExist(err) {
		return res, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	now := time.Now()
	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !shard.IsDir() {
			continue
		}
		shardDir := filepath.Join(dir, shard.Name())
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			continue
		}
		names := make(map[string]bool, len(entries))
		for _, e := range entries {
			names[e.Name()] = true
		}
		for _, e := range entries {
			name := e.Name()
			switch {
			case strings.HasSuffix(name, metaSuffix):
				content := strings.TrimSuffix(name, metaSuffix)
				if !names[content] {
					_ = os.Remove(filepath.Join(shardDir, name))
					res.Deleted++
				}
			default:
				md, err := s.readMeta(ct, shard.Name(), name)
				if err != nil {
					// Content without a readable sidecar is an orphan.
					if info, ierr := e.Info(); ierr == nil {
						res.BytesFreed += info.Size()
					}
					_ = os.Remove(filepath.Join(shardDir, name))
					res.Deleted++
					continue
				}
				if !md.ExpiresAt.IsZero() && now.After(md.ExpiresAt) {
					_ = os.Remove(filepath.Join(shardDir, name))
					_ = os.Remove(filepath.Join(shardDir, name+metaSuffix))
					res.Deleted++
					res.BytesFreed += md.Size
				}
			}
		}
	}

	// Reconcile the counter and index, then re-enforce the cap.
	s.mu.Lock()
	st, err := s.loadState(ct)
	if err == nil {
		s.state[ct] = st
	}
	s.mu.Unlock()
	if err != nil {
		return res, err
	}

	ev, err := storage.EvictIfNeeded(ctx, s, s.limits, ct, 0, s.log)
	if err != nil {
		return res, err
	}
	res.Deleted += ev.Evicted
	res.BytesFreed += ev.BytesFreed
	return res, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe := filepath.Join(s.baseDir, ".health")
	if err := atomicWrite(probe, []byte("ok")); err != nil {
		return fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}
	_ = os.Remove(probe)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for ct, st := range s.state {
		if err := s.persistStateLocked(ct, st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// --- persistence helpers ---------------------------------------------------

func (s *Store) persistStateLocked(ct storage.CacheType, st *typeState) error {
	if err := s.persistLRULocked(ct, st); err != nil {
		return err
	}
	return atomicWrite(
		filepath.Join(s.typeDir(ct), sizeFileName),
		[]byte(strconv.FormatInt(st.size, 10)),
	)
}

func (s *Store) persistLRULocked(ct storage.CacheType, st *typeState) error {
	data, err := json.Marshal(st.lru)
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(s.typeDir(ct), lruFileName), data)
}

// atomicWrite writes data to path via a temp file in the same directory
// followed by a rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
