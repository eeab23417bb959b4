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

package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/go-logr/logr"
)

func TestSanitizeKey(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"plain-key", "plain-key"},
		{"video:hash:en", "video:hash:en"},
		{"glob*chars?here", "glob_chars_here"},
		{"bracket[0]", "bracket_0_"},
		{`back\slash`, "back_slash"},
		{"with space\tand tab", "with_space_and_tab"},
		{"line\r\nbreaks", "line__breaks"},
		{"nul\x00byte", "nul_byte"},
	}
	for _, tc := range cases {
		got, err := SanitizeKey(tc.in)
		if err != nil {
			t.Fatalf("SanitizeKey(%q): %v", tc.in, err)
		}
		if got != tc.want {
			t.Errorf("SanitizeKey(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSanitizeKeyRejectsEmpty(t *testing.T) {
	if _, err := SanitizeKey(""); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("got %v, want ErrInvalidKey", err)
	}
}

func TestSanitizeKeyTruncatesLongKeys(t *testing.T) {
	longA := strings.Repeat("a", 300) + "-first"
	longB := strings.Repeat("a", 300) + "-second"

	a, err := SanitizeKey(longA)
	if err != nil {
		t.Fatal(err)
	}
	b, err := SanitizeKey(longB)
	if err != nil {
		t.Fatal(err)
	}

	if len(a) > 250 {
		t.Errorf("sanitized key is %d bytes, want <= 250", len(a))
	}
	if a == b {
		t.Error("distinct long keys collapsed to the same sanitized key")
	}
	if !strings.HasPrefix(a, strings.Repeat("a", 200)) {
		t.Error("truncated key lost its readable prefix")
	}
}

func TestDefaultLimits(t *testing.T) {
	lim := DefaultLimits()

	for _, ct := range AllTypes {
		if lim.Cap(ct) <= 0 {
			t.Errorf("cache type %s has no size cap", ct)
		}
	}
	if got := lim.Cap(TypeSession); got != 50<<20 {
		t.Errorf("session cap = %d, want 50MiB", got)
	}
	if got := lim.DefaultTTL(TypeSubtitle); got != 30*24*time.Hour {
		t.Errorf("subtitle TTL = %s, want 720h", got)
	}
	if got := lim.DefaultTTL(TypeSession); got != 0 {
		t.Errorf("session TTL = %s, want 0", got)
	}
	if got := lim.EvictionTarget(TypeSession); got != int64(float64(50<<20)*0.8) {
		t.Errorf("eviction target = %d, want 80%% of cap", got)
	}
}

func TestLoadLimitsOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	content := "sizeLimits:\n  session: 1048576\nttlSeconds:\n  api: 60\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	lim, err := LoadLimits(path)
	if err != nil {
		t.Fatalf("LoadLimits: %v", err)
	}
	if got := lim.Cap(TypeSession); got != 1<<20 {
		t.Errorf("overridden session cap = %d, want 1MiB", got)
	}
	if got := lim.DefaultTTL(TypeAPI); got != time.Minute {
		t.Errorf("overridden api TTL = %s, want 1m", got)
	}
	// Untouched types keep defaults.
	if got := lim.Cap(TypeSubtitle); got != 500<<20 {
		t.Errorf("subtitle cap changed: %d", got)
	}
}

func TestLoadLimitsRejectsUnknownType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "limits.yaml")
	if err := os.WriteFile(path, []byte("sizeLimits:\n  sesion: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadLimits(path); err == nil {
		t.Fatal("expected error for misspelled cache type")
	}
}

// fakeAdapter is a minimal in-memory Adapter for eviction tests.
type fakeAdapter struct {
	entries map[string]fakeEntry
}

type fakeEntry struct {
	size    int64
	created int64
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{entries: make(map[string]fakeEntry)}
}

func (f *fakeAdapter) put(key string, size, created int64) {
	f.entries[key] = fakeEntry{size: size, created: created}
}

func (f *fakeAdapter) Initialize(context.Context) error { return nil }

func (f *fakeAdapter) Get(_ context.Context, key string, _ CacheType) ([]byte, error) {
	if _, ok := f.entries[key]; !ok {
		return nil, ErrNotFound
	}
	return []byte{}, nil
}

func (f *fakeAdapter) Set(_ context.Context, key string, value []byte, _ CacheType, _ time.Duration) error {
	f.put(key, int64(len(value)), time.Now().UnixMilli())
	return nil
}

func (f *fakeAdapter) Delete(_ context.Context, key string, _ CacheType) error {
	if _, ok := f.entries[key]; !ok {
		return ErrNotFound
	}
	delete(f.entries, key)
	return nil
}

func (f *fakeAdapter) Exists(_ context.Context, key string, _ CacheType) (bool, error) {
	_, ok := f.entries[key]
	return ok, nil
}

func (f *fakeAdapter) List(context.Context, CacheType, string) ([]string, error) {
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	return keys, nil
}

func (f *fakeAdapter) Size(_ context.Context, _ CacheType) (int64, error) {
	var total int64
	for _, e := range f.entries {
		total += e.size
	}
	return total, nil
}

func (f *fakeAdapter) Metadata(_ context.Context, key string, _ CacheType) (*Metadata, error) {
	e, ok := f.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &Metadata{Size: e.size, CreatedAt: time.UnixMilli(e.created)}, nil
}

func (f *fakeAdapter) OldestKeys(_ context.Context, _ CacheType, limit int) ([]string, error) {
	keys := make([]string, 0, len(f.entries))
	for k := range f.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return f.entries[keys[i]].created < f.entries[keys[j]].created
	})
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

func (f *fakeAdapter) Cleanup(context.Context, CacheType) (CleanupResult, error) {
	return CleanupResult{}, nil
}

func (f *fakeAdapter) HealthCheck(context.Context) error { return nil }
func (f *fakeAdapter) Close() error                      { return nil }

var _ Adapter = (*fakeAdapter)(nil)

func evictionLimits(cap int64) Limits {
	return Limits{
		SizeLimits:  map[CacheType]int64{TypeSubtitle: cap},
		DefaultTTLs: map[CacheType]time.Duration{},
	}
}

func TestEvictIfNeededNoopUnderCap(t *testing.T) {
	f := newFakeAdapter()
	f.put("a", 100, 1)

	res, err := EvictIfNeeded(context.Background(), f, evictionLimits(1000), TypeSubtitle, 100, logr.Discard())
	if err != nil {
		t.Fatalf("EvictIfNeeded: %v", err)
	}
	if res.Evicted != 0 {
		t.Errorf("evicted %d entries under cap", res.Evicted)
	}
}

func TestEvictIfNeededRemovesOldestFirst(t *testing.T) {
	f := newFakeAdapter()
	// 10 entries of 100 bytes, oldest first. Cap 1000, incoming 100:
	// target is 800, so the two oldest must go.
	for i := 0; i < 10; i++ {
		f.put(string(rune('a'+i)), 100, int64(i))
	}

	res, err := EvictIfNeeded(context.Background(), f, evictionLimits(1000), TypeSubtitle, 100, logr.Discard())
	if err != nil {
		t.Fatalf("EvictIfNeeded: %v", err)
	}
	if res.Evicted != 3 {
		t.Errorf("evicted %d entries, want 3", res.Evicted)
	}
	for _, gone := range []string{"a", "b", "c"} {
		if _, ok := f.entries[gone]; ok {
			t.Errorf("oldest entry %q survived eviction", gone)
		}
	}
	if _, ok := f.entries["d"]; !ok {
		t.Error("entry d should have survived")
	}
}

func TestEvictIfNeededStopsWhenLRUExhausted(t *testing.T) {
	f := newFakeAdapter()
	f.put("only", 100, 1)

	// Incoming alone exceeds the cap; eviction clears what it can and
	// reports a result rather than an error.
	res, err := EvictIfNeeded(context.Background(), f, evictionLimits(150), TypeSubtitle, 10_000, logr.Discard())
	if err != nil {
		t.Fatalf("EvictIfNeeded: %v", err)
	}
	if res.Evicted != 1 || res.BytesFreed != 100 {
		t.Errorf("got %+v, want 1 entry / 100 bytes", res)
	}
}

func TestEvictIfNeededUncappedType(t *testing.T) {
	f := newFakeAdapter()
	f.put("a", 1<<30, 1)

	res, err := EvictIfNeeded(context.Background(), f, evictionLimits(0), TypeSubtitle, 1<<30, logr.Discard())
	if err != nil {
		t.Fatalf("EvictIfNeeded: %v", err)
	}
	if res.Evicted != 0 {
		t.Error("uncapped type must never evict")
	}
}
