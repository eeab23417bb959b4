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

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-logr/logr"
	goredis "github.com/redis/go-redis/v9"

	"github.com/sublingo/sublingo/internal/storage"
)

func setupMigrationStore(t *testing.T, cfg Config) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewFromClient(client, cfg, storage.DefaultLimits(), logr.Discard()), mr
}

func TestInitializeHealsDoublePrefix(t *testing.T) {
	s, mr := setupMigrationStore(t, DefaultConfig())

	if err := mr.Set("sublingo:sublingo:session:tok1", "payload"); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if mr.Exists("sublingo:sublingo:session:tok1") {
		t.Error("double-prefixed key survived the sweep")
	}
	got, err := mr.Get("sublingo:session:tok1")
	if err != nil || got != "payload" {
		t.Errorf("healed key = %q (%v), want payload", got, err)
	}
}

func TestDoublePrefixNeverOverwritesLiveData(t *testing.T) {
	s, mr := setupMigrationStore(t, DefaultConfig())

	if err := mr.Set("sublingo:session:tok1", "live"); err != nil {
		t.Fatal(err)
	}
	if err := mr.Set("sublingo:sublingo:session:tok1", "stale"); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	got, err := mr.Get("sublingo:session:tok1")
	if err != nil || got != "live" {
		t.Errorf("canonical key = %q (%v), want live untouched", got, err)
	}
	if mr.Exists("sublingo:sublingo:session:tok1") {
		t.Error("stale duplicate not deleted")
	}
}

func TestInitializeMigratesPrefixVariants(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PrefixVariants = []string{"oldname:"}
	s, mr := setupMigrationStore(t, cfg)

	if err := mr.Set("oldname:session:tok1", "payload"); err != nil {
		t.Fatal(err)
	}
	// The colon-less twin of the canonical prefix is swept automatically.
	if err := mr.Set("sublingosession:tok2", "payload2"); err != nil {
		t.Fatal(err)
	}
	// Canonical keys must never be touched by the no-colon variant sweep.
	if err := mr.Set("sublingo:session:tok3", "canonical"); err != nil {
		t.Fatal(err)
	}

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if got, _ := mr.Get("sublingo:session:tok1"); got != "payload" {
		t.Errorf("variant key not migrated: %q", got)
	}
	if got, _ := mr.Get("sublingo:session:tok2"); got != "payload2" {
		t.Errorf("no-colon key not migrated: %q", got)
	}
	if got, _ := mr.Get("sublingo:session:tok3"); got != "canonical" {
		t.Errorf("canonical key disturbed: %q", got)
	}
	if mr.Exists("oldname:session:tok1") || mr.Exists("sublingosession:tok2") {
		t.Error("variant source keys survived migration")
	}
}

func TestMigrationDisabledUnderCustomPrefix(t *testing.T) {
	cfg := DefaultConfig()
	cfg.KeyPrefix = "tenant-a:"
	s, mr := setupMigrationStore(t, cfg)

	if err := mr.Set("tenant-a:tenant-a:session:tok1", "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Auto mode only sweeps under the fallback prefix.
	if !mr.Exists("tenant-a:tenant-a:session:tok1") {
		t.Error("migration ran despite custom prefix and auto mode")
	}
}

func TestMigrationExplicitEnable(t *testing.T) {
	on := true
	cfg := DefaultConfig()
	cfg.KeyPrefix = "tenant-a:"
	cfg.MigrationEnabled = &on
	s, mr := setupMigrationStore(t, cfg)

	if err := mr.Set("tenant-a:tenant-a:session:tok1", "x"); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if mr.Exists("tenant-a:tenant-a:session:tok1") {
		t.Error("explicit enable did not run the sweep")
	}
	if got, _ := mr.Get("tenant-a:session:tok1"); got != "x" {
		t.Errorf("key not healed: %q", got)
	}
}
