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
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// evictionTargetRatio is the fill level eviction trims back to.
const evictionTargetRatio = 0.8

// Limits holds the per-cache-type size caps and default TTLs.
type Limits struct {
	// SizeLimits maps cache type to maximum total bytes.
	SizeLimits map[CacheType]int64
	// DefaultTTLs maps cache type to default TTL; zero means no expiry.
	DefaultTTLs map[CacheType]time.Duration
}

// DefaultLimits returns the built-in policy.
func DefaultLimits() Limits {
	return Limits{
		SizeLimits: map[CacheType]int64{
			TypeSession:     50 << 20,
			TypeSubtitle:    500 << 20,
			TypeTranslation: 500 << 20,
			TypeEmbedded:    200 << 20,
			TypeSMDB:        200 << 20,
			TypeSMDBIndex:   10 << 20,
			TypeHashMap:     5 << 20,
			TypeAPI:         50 << 20,
		},
		DefaultTTLs: map[CacheType]time.Duration{
			TypeSession:     0, // session TTL is owned by the session manager
			TypeSubtitle:    30 * 24 * time.Hour,
			TypeTranslation: 0,
			TypeEmbedded:    14 * 24 * time.Hour,
			TypeSMDB:        0,
			TypeSMDBIndex:   0,
			TypeHashMap:     0,
			TypeAPI:         24 * time.Hour,
		},
	}
}

// Cap returns the size cap for a cache type; zero means uncapped.
func (l Limits) Cap(ct CacheType) int64 {
	return l.SizeLimits[ct]
}

// DefaultTTL returns the default TTL for a cache type; zero means none.
func (l Limits) DefaultTTL(ct CacheType) time.Duration {
	return l.DefaultTTLs[ct]
}

// EvictionTarget returns the byte level eviction trims the type down to.
func (l Limits) EvictionTarget(ct CacheType) int64 {
	return int64(float64(l.Cap(ct)) * evictionTargetRatio)
}

// limitsFile is the YAML shape of an operator override file.
type limitsFile struct {
	SizeLimits map[string]int64 `yaml:"sizeLimits"`
	TTLs       map[string]int64 `yaml:"ttlSeconds"`
}

// LoadLimits returns DefaultLimits overlaid with the YAML file at path,
// when path is non-empty. Unknown cache types in the file are rejected so
// a typo cannot silently leave a cache uncapped.
func LoadLimits(path string) (Limits, error) {
	lim := DefaultLimits()
	if path == "" {
		return lim, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return lim, fmt.Errorf("reading limits file: %w", err)
	}
	var f limitsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return lim, fmt.Errorf("parsing limits file: %w", err)
	}

	for name, v := range f.SizeLimits {
		ct := CacheType(name)
		if _, ok := lim.SizeLimits[ct]; !ok {
			return lim, fmt.Errorf("limits file: unknown cache type %q", name)
		}
		lim.SizeLimits[ct] = v
	}
	for name, secs := range f.TTLs {
		ct := CacheType(name)
		if _, ok := lim.DefaultTTLs[ct]; !ok {
			return lim, fmt.Errorf("limits file: unknown cache type %q", name)
		}
		lim.DefaultTTLs[ct] = time.Duration(secs) * time.Second
	}
	return lim, nil
}
