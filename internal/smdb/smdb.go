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

// Package smdb is the community subtitle index: one subtitle artifact per
// (video hash, language) pair, a compact per-video language index, and a
// bidirectional hash mapping so artifacts saved under one video
// fingerprint are discoverable under another.
package smdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/time/rate"

	"github.com/sublingo/sublingo/internal/crypto"
	"github.com/sublingo/sublingo/internal/metrics"
	"github.com/sublingo/sublingo/internal/storage"
)

const (
	// maxLanguages caps the per-video language index.
	maxLanguages = 100
	// maxHashLinks caps each side of the hash mapping.
	maxHashLinks = 10
	// overridesPerHour is the per-uploader override budget.
	overridesPerHour = 3

	indexVersion = 1
)

// Entry is one community subtitle artifact.
type Entry struct {
	VideoHash string    `json:"videoHash"`
	Language  string    `json:"language"`
	Content   string    `json:"content"`
	Uploader  string    `json:"uploader,omitempty"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// languageIndex is the compact per-video record listing known languages,
// newest first.
type languageIndex struct {
	Version   int      `json:"version"`
	Languages []string `json:"languages"`
}

// RateLimitError is the structured refusal for an over-budget override.
type RateLimitError struct {
	Uploader   string
	Remaining  int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("smdb: override rate limit exceeded for uploader %s, %d remaining, retry in %s",
		e.Uploader, e.Remaining, e.RetryAfter.Round(time.Second))
}

// Index stores and resolves community subtitles on top of a storage
// adapter.
type Index struct {
	store   storage.Adapter
	metrics *metrics.CoreMetrics
	log     logr.Logger

	// limiters holds the in-memory override budgets keyed by uploader
	// fingerprint. Per-process by design; in a scaled deployment each
	// instance grants its own budget.
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// New creates an Index. metrics may be nil.
func New(store storage.Adapter, m *metrics.CoreMetrics, log logr.Logger) *Index {
	return &Index{
		store:    store,
		metrics:  m,
		log:      log.WithName("smdb"),
		limiters: make(map[string]*rate.Limiter),
	}
}

// safeKey sanitizes a key built from already-validated non-empty parts,
// so the only sanitization error (empty input) cannot occur.
func safeKey(raw string) string {
	k, _ := storage.SanitizeKey(raw)
	return k
}

func entryKey(videoHash, lang string) string {
	return safeKey(videoHash + ":" + lang)
}

// Save stores a subtitle artifact. Overwriting an existing entry is an
// override and draws from the uploader's hourly budget; a refusal is a
// *RateLimitError and nothing is written. On success the per-video
// language index is updated with the saved language moved to the front.
func (x *Index) Save(ctx context.Context, e *Entry) error {
	if e.VideoHash == "" || e.Language == "" {
		return errors.New("smdb: videoHash and language are required")
	}

	key := entryKey(e.VideoHash, e.Language)
	exists, err := x.store.Exists(ctx, key, storage.TypeSMDB)
	if err != nil {
		return err
	}
	if exists {
		if err := x.allowOverride(e.Uploader); err != nil {
			if x.metrics != nil {
				x.metrics.OverridesRejected.Inc()
			}
			return err
		}
	}

	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("smdb: encoding entry: %w", err)
	}
	if err := x.store.Set(ctx, key, data, storage.TypeSMDB, 0); err != nil {
		return err
	}

	if err := x.updateLanguageIndex(ctx, e.VideoHash, e.Language); err != nil {
		// The entry itself is durable; a stale index self-heals on the
		// next rebuild.
		x.log.V(1).Info("language index update failed",
			"videoHash", e.VideoHash, "error", err.Error())
	}
	return nil
}

// allowOverride draws one override from the uploader's budget. Anonymous
// uploads share a single budget.
func (x *Index) allowOverride(uploader string) error {
	fp := crypto.HashTrunc(uploader, 16)

	x.mu.Lock()
	lim, ok := x.limiters[fp]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Hour/overridesPerHour), overridesPerHour)
		x.limiters[fp] = lim
	}
	x.mu.Unlock()

	res := lim.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		remaining := int(lim.Tokens())
		if remaining < 0 {
			remaining = 0
		}
		return &RateLimitError{Uploader: fp, Remaining: remaining, RetryAfter: delay}
	}
	return nil
}

// Get loads the artifact for one (videoHash, language) pair.
func (x *Index) Get(ctx context.Context, videoHash, lang string) (*Entry, error) {
	data, err := x.store.Get(ctx, entryKey(videoHash, lang), storage.TypeSMDB)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("smdb: decoding entry: %w", err)
	}
	return &e, nil
}

// GetAny resolves a language across an ordered list of candidate hashes,
// returning the first hit. Callers list the player-reported hash before
// any content-derived one so it takes precedence.
func (x *Index) GetAny(ctx context.Context, hashes []string, lang string) (*Entry, error) {
	for _, h := range hashes {
		e, err := x.Get(ctx, h, lang)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}
	return nil, storage.ErrNotFound
}

// Languages returns the known languages for a video hash, newest first.
// A missing index is rebuilt from a storage scan and persisted.
func (x *Index) Languages(ctx context.Context, videoHash string) ([]string, error) {
	idx, err := x.loadIndex(ctx, videoHash)
	if err == nil {
		return idx.Languages, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	return x.rebuildIndex(ctx, videoHash)
}

// ListAll merges the entries of every candidate hash with first-hash-wins
// precedence per language.
func (x *Index) ListAll(ctx context.Context, hashes []string) (map[string]*Entry, error) {
	out := make(map[string]*Entry)
	for _, h := range hashes {
		langs, err := x.Languages(ctx, h)
		if err != nil {
			return nil, err
		}
		for _, lang := range langs {
			if _, ok := out[lang]; ok {
				continue
			}
			e, err := x.Get(ctx, h, lang)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					continue
				}
				return nil, err
			}
			out[lang] = e
		}
	}
	return out, nil
}

// Delete removes one artifact and its index entry.
func (x *Index) Delete(ctx context.Context, videoHash, lang string) error {
	if err := x.store.Delete(ctx, entryKey(videoHash, lang), storage.TypeSMDB); err != nil {
		return err
	}
	idx, err := x.loadIndex(ctx, videoHash)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	kept := idx.Languages[:0]
	for _, l := range idx.Languages {
		if l != lang {
			kept = append(kept, l)
		}
	}
	idx.Languages = kept
	return x.saveIndex(ctx, videoHash, idx)
}

// --- language index -------------------------------------------------------

func (x *Index) loadIndex(ctx context.Context, videoHash string) (*languageIndex, error) {
	data, err := x.store.Get(ctx, safeKey(videoHash), storage.TypeSMDBIndex)
	if err != nil {
		return nil, err
	}
	var idx languageIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("smdb: decoding language index: %w", err)
	}
	return &idx, nil
}

func (x *Index) saveIndex(ctx context.Context, videoHash string, idx *languageIndex) error {
	idx.Version = indexVersion
	if len(idx.Languages) > maxLanguages {
		idx.Languages = idx.Languages[:maxLanguages]
	}
	data, err := json.Marshal(idx)
	if err != nil {
		return err
	}
	return x.store.Set(ctx, safeKey(videoHash), data, storage.TypeSMDBIndex, 0)
}

// updateLanguageIndex moves lang to the front of the per-video index,
// deduplicated, oldest dropped past the cap.
func (x *Index) updateLanguageIndex(ctx context.Context, videoHash, lang string) error {
	idx, err := x.loadIndex(ctx, videoHash)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		idx = &languageIndex{}
	}

	langs := make([]string, 0, len(idx.Languages)+1)
	langs = append(langs, lang)
	for _, l := range idx.Languages {
		if l != lang {
			langs = append(langs, l)
		}
	}
	idx.Languages = langs
	return x.saveIndex(ctx, videoHash, idx)
}

// rebuildIndex reconstructs the language index from a storage scan.
func (x *Index) rebuildIndex(ctx context.Context, videoHash string) ([]string, error) {
	prefix := safeKey(videoHash) + ":"
	keys, err := x.store.List(ctx, storage.TypeSMDB, prefix+"*")
	if err != nil {
		return nil, err
	}

	langs := make([]string, 0, len(keys))
	for _, k := range keys {
		if len(k) <= len(prefix) {
			continue
		}
		langs = append(langs, k[len(prefix):])
	}
	if err := x.saveIndex(ctx, videoHash, &languageIndex{Languages: langs}); err != nil {
		x.log.V(1).Info("persisting rebuilt language index failed",
			"videoHash", videoHash, "error", err.Error())
	}
	if len(langs) > maxLanguages {
		langs = langs[:maxLanguages]
	}
	return langs, nil
}

// --- hash mapping ---------------------------------------------------------

// SaveHashMapping records both directions of a hash association so
// artifacts stored under either fingerprint resolve from the other. Each
// side keeps at most 10 links, oldest dropped first.
func (x *Index) SaveHashMapping(ctx context.Context, hash1, hash2 string) error {
	if hash1 == "" || hash2 == "" || hash1 == hash2 {
		return nil
	}
	if err := x.addHashLink(ctx, hash1, hash2); err != nil {
		return err
	}
	return x.addHashLink(ctx, hash2, hash1)
}

// HashMappings returns the hashes linked to hash, newest first.
func (x *Index) HashMappings(ctx context.Context, hash string) ([]string, error) {
	data, err := x.store.Get(ctx, safeKey(hash), storage.TypeHashMap)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var links []string
	if err := json.Unmarshal(data, &links); err != nil {
		return nil, fmt.Errorf("smdb: decoding hash mapping: %w", err)
	}
	return links, nil
}

func (x *Index) addHashLink(ctx context.Context, from, to string) error {
	links, err := x.HashMappings(ctx, from)
	if err != nil {
		return err
	}

	next := make([]string, 0, len(links)+1)
	next = append(next, to)
	for _, l := range links {
		if l != to {
			next = append(next, l)
		}
	}
	if len(next) > maxHashLinks {
		next = next[:maxHashLinks]
	}

	data, err := json.Marshal(next)
	if err != nil {
		return err
	}
	return x.store.Set(ctx, safeKey(from), data, storage.TypeHashMap, 0)
}
