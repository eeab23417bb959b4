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
	"fmt"
	"strings"
)

// migrationKeyCap limits how many keys a single self-healing run touches.
const migrationKeyCap = 500

// healDoublePrefix finds keys written under the prefix repeated twice (a
// legacy bug signature) and moves each to its single-prefixed form. When
// the canonical key already exists the duplicate is deleted, never
// renamed over live data. The sweep works on raw keys through the shared
// client; since the key builder is the only prefixing layer, reading raw
// keys here cannot recursively prefix them.
func (s *Store) healDoublePrefix(ctx context.Context) error {
	double := s.keys.prefix + s.keys.prefix
	migrated, err := s.migrateMatching(ctx, double+"*", func(key string) string {
		return strings.TrimPrefix(key, s.keys.prefix)
	})
	if err != nil {
		return fmt.Errorf("redis: double-prefix sweep: %w", err)
	}
	if migrated > 0 {
		s.log.Info("healed double-prefixed keys", "count", migrated)
	}
	return nil
}

// migratePrefixVariants moves keys written under alternative prefix forms
// (colon vs. no-colon, legacy defaults, operator-provided variants) to the
// canonical prefix.
func (s *Store) migratePrefixVariants(ctx context.Context) error {
	canonical := s.keys.prefix
	variants := make([]string, 0, len(s.cfg.PrefixVariants)+2)
	variants = append(variants, s.cfg.PrefixVariants...)

	// Colon/no-colon twin of the canonical prefix.
	if strings.HasSuffix(canonical, ":") {
		variants = append(variants, strings.TrimSuffix(canonical, ":"))
	} else {
		variants = append(variants, canonical+":")
	}

	for _, v := range variants {
		if v == "" || v == canonical {
			continue
		}
		migrated, err := s.migrateMatching(ctx, v+"*", func(key string) string {
			if strings.HasPrefix(key, canonical) {
				// Already canonical; a no-colon variant pattern also
				// matches canonical keys.
				return key
			}
			return canonical + strings.TrimPrefix(key, v)
		})
		if err != nil {
			return fmt.Errorf("redis: variant sweep %q: %w", v, err)
		}
		if migrated > 0 {
			s.log.Info("migrated keys from prefix variant", "variant", v, "count", migrated)
		}
	}
	return nil
}

// migrateMatching scans for keys matching pattern and applies target() to
// compute each key's canonical name: existing targets cause the source to
// be deleted, otherwise the source is renamed. Capped at migrationKeyCap
// keys per run.
func (s *Store) migrateMatching(ctx context.Context, pattern string, target func(string) string) (int, error) {
	var migrated int
	var cursor uint64
	for {
		if err := ctx.Err(); err != nil {
			return migrated, err
		}
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanBatchSize).Result()
		if err != nil {
			return migrated, err
		}
		for _, key := range keys {
			if migrated >= migrationKeyCap {
				s.log.Info("prefix migration cap reached, continuing next run", "cap", migrationKeyCap)
				return migrated, nil
			}
			dst := target(key)
			if dst == key || strings.HasPrefix(dst, s.keys.prefix+s.keys.prefix) {
				continue
			}
			exists, err := s.client.Exists(ctx, dst).Result()
			if err != nil {
				return migrated, err
			}
			if exists > 0 {
				if err := s.client.Del(ctx, key).Err(); err != nil {
					return migrated, err
				}
			} else {
				if err := s.client.Rename(ctx, key, dst).Err(); err != nil {
					return migrated, err
				}
			}
			migrated++
		}
		cursor = next
		if cursor == 0 {
			return migrated, nil
		}
	}
}
