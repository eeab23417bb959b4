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

// Package redis implements the storage adapter on Redis, standalone or
// behind Sentinel.
//
// Keyspace, under the tenant prefix:
//
//	<prefix><cacheType>:<key>        content
//	<prefix><cacheType>:<key>:meta   metadata hash (size, createdAt, expiresAt)
//	<prefix>lru:<cacheType>          sorted set, score = last access millis
//	<prefix>size:<cacheType>         integer total-bytes counter
//
// The prefix is applied exactly once, by the key builder; nothing else in
// the package concatenates it, which is what prevents double-prefix bugs.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"

	"github.com/sublingo/sublingo/internal/storage"
)

const (
	metaSuffix    = ":meta"
	scanBatchSize = 100
	rotationTTL   = 24 * time.Hour
)

// Compile-time interface check.
var _ storage.Adapter = (*Store)(nil)

// Store is a Redis-backed storage adapter.
type Store struct {
	client  goredis.UniversalClient
	keys    keyBuilder
	cfg     Config
	limits  storage.Limits
	log     logr.Logger
	breaker *gobreaker.CircuitBreaker[any]

	ownsClient bool
}

// New creates a Store that owns its client. Standalone or Sentinel mode is
// selected by cfg; the connection is verified with a PING under the dial
// timeout.
func New(cfg Config, limits storage.Limits, log logr.Logger) (*Store, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
	}

	s := NewFromClient(client, cfg, limits, log)
	s.ownsClient = true
	return s, nil
}

// NewClient builds a raw client from cfg without verifying the
// connection. The invalidation bus uses it for its dedicated subscriber
// connection.
func NewClient(cfg Config) (goredis.UniversalClient, error) {
	opts := &goredis.UniversalOptions{
		Password:        cfg.Password,
		DB:              cfg.DB,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: cfg.MinRetryBackoff,
		MaxRetryBackoff: cfg.MaxRetryBackoff,
		DialTimeout:     cfg.DialTimeout,
	}
	if cfg.SentinelEnabled {
		if len(cfg.SentinelAddrs) == 0 || cfg.SentinelMaster == "" {
			return nil, fmt.Errorf("redis: sentinel mode requires addresses and a master name")
		}
		opts.Addrs = cfg.SentinelAddrs
		opts.MasterName = cfg.SentinelMaster
	} else {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis: address is required")
		}
		opts.Addrs = []string{cfg.Addr}
	}
	return goredis.NewUniversalClient(opts), nil
}

// NewFromClient wraps an existing client. Close is a no-op because the
// caller retains ownership of the client.
func NewFromClient(client goredis.UniversalClient, cfg Config, limits storage.Limits, log logr.Logger) *Store {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = FallbackPrefix
	}
	return &Store{
		client: client,
		keys:   keyBuilder{prefix: cfg.KeyPrefix},
		cfg:    cfg,
		limits: limits,
		log:    log.WithName("redis-store"),
		breaker: gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:    "redis-store",
			Timeout: 10 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
	}
}

// keyBuilder is the single place the tenant prefix is applied.
type keyBuilder struct {
	prefix string
}

func (b keyBuilder) content(ct storage.CacheType, key string) string {
	return b.prefix + string(ct) + ":" + key
}

func (b keyBuilder) meta(ct storage.CacheType, key string) string {
	return b.content(ct, key) + metaSuffix
}

func (b keyBuilder) lru(ct storage.CacheType) string {
	return b.prefix + "lru:" + string(ct)
}

func (b keyBuilder) size(ct storage.CacheType) string {
	return b.prefix + "size:" + string(ct)
}

// guard runs fn behind the circuit breaker, mapping open-circuit and
// connection failures to ErrStorageUnavailable.
func (s *Store) guard(fn func() error) error {
	_, err := s.breaker.Execute(func() (any, error) {
		if err := fn(); err != nil && isConnErr(err) {
			return nil, fmt.Errorf("%w: %v", storage.ErrStorageUnavailable, err)
		} else if err != nil {
			return nil, err
		}
		return nil, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: circuit open", storage.ErrStorageUnavailable)
	}
	return err
}

// isConnErr reports whether err looks like a connectivity failure rather
// than an application-level condition (redis.Nil, WRONGTYPE, ...).
func isConnErr(err error) bool {
	if err == nil || errors.Is(err, goredis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	var redisErr goredis.Error
	if errors.As(err, &redisErr) {
		return false
	}
	return true
}

// Initialize runs the prefix self-healing sweeps when enabled.
func (s *Store) Initialize(ctx context.Context) error {
	if !s.cfg.migrationOn() {
		return nil
	}
	if err := s.healDoublePrefix(ctx); err != nil {
		return err
	}
	return s.migratePrefixVariants(ctx)
}

func (s *Store) Get(ctx context.Context, key string, ct storage.CacheType) ([]byte, error) {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.guard(func() error {
		var err error
		data, err = s.client.Get(ctx, s.keys.content(ct, key)).Bytes()
		return err
	})
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("redis: get: %w", err)
	}

	// Bump LRU. A failed bump is not a failed read.
	if err := s.client.ZAdd(ctx, s.keys.lru(ct), goredis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: key,
	}).Err(); err != nil {
		s.log.V(1).Info("lru bump failed", "cacheType", ct, "error", err.Error())
	}
	return data, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ct storage.CacheType, ttl time.Duration) error {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}

	if _, err := storage.EvictIfNeeded(ctx, s, s.limits, ct, int64(len(value)), s.log); err != nil {
		return err
	}

	// Read prior metadata so createdAt is preserved and the size delta is
	// exact. A cancelled pipeline can leave metadata behind; Cleanup
	// treats it as orphan and reconciles.
	now := time.Now()
	createdAt := now
	var oldSize int64
	if vals, err := s.client.HMGet(ctx, s.keys.meta(ct, key), "size", "createdAt").Result(); err == nil {
		if sv, ok := vals[0].(string); ok {
			oldSize, _ = strconv.ParseInt(sv, 10, 64)
		}
		if cv, ok := vals[1].(string); ok {
			if ms, err := strconv.ParseInt(cv, 10, 64); err == nil {
				createdAt = time.UnixMilli(ms)
			}
		}
	}

	newSize := int64(len(value))
	metaFields := map[string]any{
		"size":      newSize,
		"createdAt": createdAt.UnixMilli(),
	}
	if ttl > 0 {
		metaFields["expiresAt"] = now.Add(ttl).UnixMilli()
	} else {
		metaFields["expiresAt"] = 0
	}

	err = s.guard(func() error {
		pipe := s.client.Pipeline()
		if ttl > 0 {
			pipe.Set(ctx, s.keys.content(ct, key), value, ttl)
		} else {
			pipe.Set(ctx, s.keys.content(ct, key), value, 0)
		}
		pipe.HSet(ctx, s.keys.meta(ct, key), metaFields)
		if ttl > 0 {
			pipe.Expire(ctx, s.keys.meta(ct, key), ttl)
		} else {
			pipe.Persist(ctx, s.keys.meta(ct, key))
		}
		pipe.ZAdd(ctx, s.keys.lru(ct), goredis.Z{
			Score:  float64(now.UnixMilli()),
			Member: key,
		})
		if delta := newSize - oldSize; delta != 0 {
			pipe.IncrBy(ctx, s.keys.size(ct), delta)
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return fmt.Errorf("redis: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string, ct storage.CacheType) error {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return err
	}

	var size int64
	if sv, err := s.client.HGet(ctx, s.keys.meta(ct, key), "size").Result(); err == nil {
		size, _ = strconv.ParseInt(sv, 10, 64)
	}

	var deleted int64
	err = s.guard(func() error {
		pipe := s.client.Pipeline()
		delCmd := pipe.Del(ctx, s.keys.content(ct, key))
		pipe.Del(ctx, s.keys.meta(ct, key))
		pipe.ZRem(ctx, s.keys.lru(ct), key)
		if size > 0 {
			pipe.DecrBy(ctx, s.keys.size(ct), size)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		deleted = delCmd.Val()
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete: %w", err)
	}
	if deleted == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Exists(ctx context.Context, key string, ct storage.CacheType) (bool, error) {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return false, err
	}
	var n int64
	err = s.guard(func() error {
		var err error
		n, err = s.client.Exists(ctx, s.keys.content(ct, key)).Result()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("redis: exists: %w", err)
	}
	return n > 0, nil
}

// List scans the cache type's keyspace with SCAN (never KEYS), filters out
// metadata sidecars, and strips the prefix and cache type so callers get
// raw keys back.
func (s *Store) List(ctx context.Context, ct storage.CacheType, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	match := s.keys.content(ct, pattern)
	strip := s.keys.content(ct, "")

	var out []string
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var batch []string
		var err error
		gerr := s.guard(func() error {
			batch, cursor, err = s.client.Scan(ctx, cursor, match, scanBatchSize).Result()
			return err
		})
		if gerr != nil {
			return nil, fmt.Errorf("redis: scan: %w", gerr)
		}
		for _, k := range batch {
			if strings.HasSuffix(k, metaSuffix) {
				continue
			}
			out = append(out, strings.TrimPrefix(k, strip))
		}
		if cursor == 0 {
			return out, nil
		}
	}
}

func (s *Store) Size(ctx context.Context, ct storage.CacheType) (int64, error) {
	v, err := s.client.Get(ctx, s.keys.size(ct)).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("redis: size: %w", err)
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	if n < 0 {
		n = 0
	}
	return n, nil
}

func (s *Store) Metadata(ctx context.Context, key string, ct storage.CacheType) (*storage.Metadata, error) {
	key, err := storage.SanitizeKey(key)
	if err != nil {
		return nil, err
	}
	vals, err := s.client.HGetAll(ctx, s.keys.meta(ct, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: metadata: %w", err)
	}
	if len(vals) == 0 {
		return nil, storage.ErrNotFound
	}

	md := &storage.Metadata{}
	md.Size, _ = strconv.ParseInt(vals["size"], 10, 64)
	if ms, err := strconv.ParseInt(vals["createdAt"], 10, 64); err == nil && ms > 0 {
		md.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(vals["expiresAt"], 10, 64); err == nil && ms > 0 {
		md.ExpiresAt = time.UnixMilli(ms)
	}
	return md, nil
}

func (s *Store) OldestKeys(ctx context.Context, ct storage.CacheType, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys, err := s.client.ZRange(ctx, s.keys.lru(ct), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: oldest keys: %w", err)
	}
	return keys, nil
}

// Cleanup removes LRU entries and metadata whose content key has expired
// or vanished, then re-enforces the size cap. Residual metadata from an
// interrupted pipeline is reconciled here.
func (s *Store) Cleanup(ctx context.Context, ct storage.CacheType) (storage.CleanupResult, error) {
	var res storage.CleanupResult

	members, err := s.client.ZRange(ctx, s.keys.lru(ct), 0, -1).Result()
	if err != nil {
		return res, fmt.Errorf("redis: cleanup: %w", err)
	}
	for _, key := range members {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := s.client.Exists(ctx, s.keys.content(ct, key)).Result()
		if err != nil || n > 0 {
			continue
		}
		// Content is gone (expired or lost); drop the orphaned index
		// entries and give the size counter its bytes back.
		var size int64
		if sv, err := s.client.HGet(ctx, s.keys.meta(ct, key), "size").Result(); err == nil {
			size, _ = strconv.ParseInt(sv, 10, 64)
		}
		pipe := s.client.Pipeline()
		pipe.Del(ctx, s.keys.meta(ct, key))
		pipe.ZRem(ctx, s.keys.lru(ct), key)
		if size > 0 {
			pipe.DecrBy(ctx, s.keys.size(ct), size)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			continue
		}
		res.Deleted++
		res.BytesFreed += size
	}

	// Recompute the size counter from the surviving entries. Entries whose
	// content and metadata expired together never credited their bytes
	// back, so the counter drifts upward until this runs.
	if err := s.reconcileSize(ctx, ct); err != nil {
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

// reconcileSize sets the size counter to the sum of the surviving
// entries' sizes, falling back to the content length when the metadata
// sidecar is gone.
func (s *Store) reconcileSize(ctx context.Context, ct storage.CacheType) error {
	members, err := s.client.ZRange(ctx, s.keys.lru(ct), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis: size reconcile: %w", err)
	}
	var total int64
	for _, key := range members {
		if sv, err := s.client.HGet(ctx, s.keys.meta(ct, key), "size").Result(); err == nil {
			if n, perr := strconv.ParseInt(sv, 10, 64); perr == nil {
				total += n
				continue
			}
		}
		if n, err := s.client.StrLen(ctx, s.keys.content(ct, key)).Result(); err == nil {
			total += n
		}
	}
	return s.client.Set(ctx, s.keys.size(ct), total, 0).Err()
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.guard(func() error {
		return s.client.Ping(ctx).Err()
	})
}

// NextRotation returns the next zero-based API-key rotation counter for a
// config hash. The counter is a shared Redis integer with a 24h TTL, so
// round-robin position is coherent across instances but a dormant key set
// eventually forgets its position.
func (s *Store) NextRotation(ctx context.Context, configHash string) (int64, error) {
	key := s.keys.prefix + "keyrotation:" + configHash
	var n int64
	err := s.guard(func() error {
		pipe := s.client.TxPipeline()
		incr := pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, rotationTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		n = incr.Val() - 1
		return nil
	})
	return n, err
}

func (s *Store) Close() error {
	if s.ownsClient {
		return s.client.Close()
	}
	return nil
}

// Client exposes the underlying Redis client so the invalidation bus and
// the rotation counter can share the connection without owning it.
func (s *Store) Client() goredis.UniversalClient {
	return s.client
}

// Prefix returns the tenant prefix this store writes under.
func (s *Store) Prefix() string {
	return s.keys.prefix
}
