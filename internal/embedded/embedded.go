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

// Package embedded caches subtitle tracks extracted from video containers.
// Tracks come in two variants: originals straight out of the container and
// translations derived from them. Each (variant, video) pair carries a
// compact index so hot paths never need a storage scan.
package embedded

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/sublingo/sublingo/internal/storage"
)

// Track variants.
const (
	VariantOriginal    = "original"
	VariantTranslation = "translation"
)

const (
	// maxIndexEntries caps the per-video index per variant.
	maxIndexEntries = 200

	indexVersion = 1
	indexPrefix  = "index:"

	// cohortWindow groups originals extracted together when no batchId
	// was supplied; tracks of one extraction land within it.
	cohortWindow = time.Minute
)

// Track is one cached subtitle track.
type Track struct {
	VideoHash      string    `json:"videoHash"`
	TrackID        string    `json:"trackId"`
	Language       string    `json:"language"`
	TargetLanguage string    `json:"targetLanguage,omitempty"`
	Content        string    `json:"content"`
	BatchID        int64     `json:"batchId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// IndexEntry is one row of the per-video index.
type IndexEntry struct {
	Key            string `json:"key"`
	TrackID        string `json:"trackId"`
	Language       string `json:"language"`
	TargetLanguage string `json:"targetLanguage,omitempty"`
	BatchID        int64  `json:"batchId,omitempty"`
	Timestamp      int64  `json:"timestamp"`
}

type trackIndex struct {
	Version int          `json:"version"`
	Entries []IndexEntry `json:"entries"`
}

// Cache stores embedded tracks on top of a storage adapter.
type Cache struct {
	store storage.Adapter
	log   logr.Logger
}

// New creates a Cache.
func New(store storage.Adapter, log logr.Logger) *Cache {
	return &Cache{store: store, log: log.WithName("embedded")}
}

func safeKey(raw string) string {
	k, _ := storage.SanitizeKey(raw)
	return k
}

// trackKey builds the content key for a track. Translations carry the
// target language as a fourth segment.
func trackKey(variant, videoHash, trackID, lang, target string) string {
	key := variant + ":" + videoHash + ":" + trackID + ":" + lang
	if variant == VariantTranslation && target != "" {
		key += ":" + target
	}
	return safeKey(key)
}

func indexKey(variant, videoHash string) string {
	return safeKey(indexPrefix + variant + ":" + videoHash)
}

// Save stores a track and folds it into the per-video index. For
// originals the index is then pruned to the newest extraction cohort and
// the pruned tracks are deleted from storage.
func (c *Cache) Save(ctx context.Context, variant string, t *Track) error {
	if err := validateVariant(variant); err != nil {
		return err
	}
	if t.VideoHash == "" || t.TrackID == "" || t.Language == "" {
		return errors.New("embedded: videoHash, trackId and language are required")
	}
	if variant == VariantTranslation && t.TargetLanguage == "" {
		return errors.New("embedded: translations require a targetLanguage")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	key := trackKey(variant, t.VideoHash, t.TrackID, t.Language, t.TargetLanguage)
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("embedded: encoding track: %w", err)
	}
	if err := c.store.Set(ctx, key, data, storage.TypeEmbedded, 0); err != nil {
		return err
	}

	idx, err := c.loadIndex(ctx, variant, t.VideoHash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		idx = &trackIndex{}
	}
	upsert(idx, IndexEntry{
		Key:            key,
		TrackID:        t.TrackID,
		Language:       t.Language,
		TargetLanguage: t.TargetLanguage,
		BatchID:        t.BatchID,
		Timestamp:      t.CreatedAt.UnixMilli(),
	})
	return c.persistIndex(ctx, variant, t.VideoHash, idx)
}

// Get loads one track. target is ignored for originals.
func (c *Cache) Get(ctx context.Context, variant, videoHash, trackID, lang, target string) (*Track, error) {
	if err := validateVariant(variant); err != nil {
		return nil, err
	}
	data, err := c.store.Get(ctx, trackKey(variant, videoHash, trackID, lang, target), storage.TypeEmbedded)
	if err != nil {
		return nil, err
	}
	var t Track
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("embedded: decoding track: %w", err)
	}
	return &t, nil
}

// List returns the index entries for a (variant, video) pair, rebuilding
// the index from a scan when it is missing.
func (c *Cache) List(ctx context.Context, variant, videoHash string) ([]IndexEntry, error) {
	if err := validateVariant(variant); err != nil {
		return nil, err
	}
	idx, err := c.loadIndex(ctx, variant, videoHash)
	if err == nil {
		return idx.Entries, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	idx, err = c.rebuildIndex(ctx, variant, videoHash)
	if err != nil {
		return nil, err
	}
	return idx.Entries, nil
}

// Delete removes one track and its index row.
func (c *Cache) Delete(ctx context.Context, variant, videoHash, trackID, lang, target string) error {
	if err := validateVariant(variant); err != nil {
		return err
	}
	key := trackKey(variant, videoHash, trackID, lang, target)
	if err := c.store.Delete(ctx, key, storage.TypeEmbedded); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		return err
	}

	idx, err := c.loadIndex(ctx, variant, videoHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	kept := idx.Entries[:0]
	for _, e := range idx.Entries {
		if e.Key != key {
			kept = append(kept, e)
		}
	}
	idx.Entries = kept
	return c.saveIndex(ctx, variant, videoHash, idx)
}

func validateVariant(variant string) error {
	switch variant {
	case VariantOriginal, VariantTranslation:
		return nil
	default:
		return fmt.Errorf("embedded: unknown variant %q", variant)
	}
}

// --- index ----------------------------------------------------------------

func (c *Cache) loadIndex(ctx context.Context, variant, videoHash string) (*trackIndex, error) {
	data, err := c.store.Get(ctx, indexKey(variant, videoHash), storage.TypeEmbedded)
	if err != nil {
		return nil, err
	}
	var idx trackIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("embedded: decoding index: %w", err)
	}
	return &idx, nil
}

func (c *Cache) saveIndex(ctx context.Context, variant, videoHash string, idx *trackIndex) error {
	idx.Version = indexVersion
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, indexKey(variant, videoHash), data, storage.TypeEmbedded, 0)
}

// upsert replaces the row with the same key or appends a new one.
func upsert(idx *trackIndex, e IndexEntry) {
	for i := range idx.Entries {
		if idx.Entries[i].Key == e.Key {
			idx.Entries[i] = e
			return
		}
	}
	idx.Entries = append(idx.Entries, e)
}

// persistIndex prunes, caps, and saves the index; every track a pruning
// step drops is also deleted from storage so index and keyspace converge.
func (c *Cache) persistIndex(ctx context.Context, variant, videoHash string, idx *trackIndex) error {
	var dropped []IndexEntry
	if variant == VariantOriginal {
		idx.Entries, dropped = pruneOriginals(idx.Entries)
	}

	if len(idx.Entries) > maxIndexEntries {
		sort.Slice(idx.Entries, func(i, j int) bool {
			return idx.Entries[i].Timestamp > idx.Entries[j].Timestamp
		})
		dropped = append(dropped, idx.Entries[maxIndexEntries:]...)
		idx.Entries = idx.Entries[:maxIndexEntries]
	}

	for _, e := range dropped {
		if err := c.store.Delete(ctx, e.Key, storage.TypeEmbedded); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			c.log.V(1).Info("deleting pruned track failed",
				"key", e.Key, "error", err.Error())
		}
	}
	return c.saveIndex(ctx, variant, videoHash, idx)
}

// pruneOriginals keeps only the newest extraction cohort: the entries
// matching the highest batchId when any entry carries one, otherwise the
// entries whose timestamps fall within cohortWindow of the newest.
func pruneOriginals(entries []IndexEntry) (kept, dropped []IndexEntry) {
	if len(entries) == 0 {
		return entries, nil
	}

	var maxBatch int64
	for _, e := range entries {
		if e.BatchID > maxBatch {
			maxBatch = e.BatchID
		}
	}

	keep := func(e IndexEntry) bool { return e.BatchID == maxBatch }
	if maxBatch == 0 {
		var newest int64
		for _, e := range entries {
			if e.Timestamp > newest {
				newest = e.Timestamp
			}
		}
		cutoff := newest - cohortWindow.Milliseconds()
		keep = func(e IndexEntry) bool { return e.Timestamp >= cutoff }
	}

	for _, e := range entries {
		if keep(e) {
			kept = append(kept, e)
		} else {
			dropped = append(dropped, e)
		}
	}
	return kept, dropped
}

// rebuildIndex reconstructs the index from a storage scan, reading each
// track back for its batch and timestamp. Keys that no longer decode are
// deleted as strays.
func (c *Cache) rebuildIndex(ctx context.Context, variant, videoHash string) (*trackIndex, error) {
	prefix := safeKey(variant + ":" + videoHash + ":")
	keys, err := c.store.List(ctx, storage.TypeEmbedded, prefix+"*")
	if err != nil {
		return nil, err
	}

	idx := &trackIndex{}
	for _, key := range keys {
		if strings.HasPrefix(key, indexPrefix) {
			continue
		}
		data, err := c.store.Get(ctx, key, storage.TypeEmbedded)
		if err != nil {
			continue
		}
		var t Track
		if err := json.Unmarshal(data, &t); err != nil {
			if derr := c.store.Delete(ctx, key, storage.TypeEmbedded); derr != nil &&
				!errors.Is(derr, storage.ErrNotFound) {
				c.log.V(1).Info("deleting undecodable track failed",
					"key", key, "error", derr.Error())
			}
			continue
		}
		upsert(idx, IndexEntry{
			Key:            key,
			TrackID:        t.TrackID,
			Language:       t.Language,
			TargetLanguage: t.TargetLanguage,
			BatchID:        t.BatchID,
			Timestamp:      t.CreatedAt.UnixMilli(),
		})
	}

	if err := c.persistIndex(ctx, variant, videoHash, idx); err != nil {
		c.log.V(1).Info("persisting rebuilt index failed",
			"videoHash", videoHash, "variant", variant, "error", err.Error())
	}
	return idx, nil
}
