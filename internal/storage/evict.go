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

	"github.com/go-logr/logr"
)

// evictBatchSize is how many oldest keys are pulled per eviction round.
const evictBatchSize = 100

// EvictionResult reports what an eviction pass removed. Eviction surfaces
// results as structured values, never as errors: size-cap pressure is a
// normal operating condition.
type EvictionResult struct {
	Evicted    int
	BytesFreed int64
}

// EvictIfNeeded makes room for incoming bytes of cache type ct. When the
// current total plus incoming exceeds the type's cap, it deletes batches of
// the oldest keys until the total is back at the eviction target (80% of
// cap) or the LRU index is exhausted.
func EvictIfNeeded(ctx context.Context, a Adapter, lim Limits, ct CacheType, incoming int64, log logr.Logger) (EvictionResult, error) {
	var res EvictionResult

	limit := lim.Cap(ct)
	if limit <= 0 {
		return res, nil
	}
	current, err := a.Size(ctx, ct)
	if err != nil {
		return res, err
	}
	if current+incoming <= limit {
		return res, nil
	}

	needToFree := current + incoming - lim.EvictionTarget(ct)
	for needToFree > 0 {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		keys, err := a.OldestKeys(ctx, ct, evictBatchSize)
		if err != nil {
			return res, err
		}
		if len(keys) == 0 {
			break
		}
		for _, key := range keys {
			if needToFree <= 0 {
				break
			}
			var freed int64
			if md, err := a.Metadata(ctx, key, ct); err == nil {
				freed = md.Size
			}
			if err := a.Delete(ctx, key, ct); err != nil {
				if errors.Is(err, ErrNotFound) {
					continue
				}
				return res, err
			}
			res.Evicted++
			res.BytesFreed += freed
			needToFree -= freed
			if freed == 0 {
				// Entry without metadata frees an unknown amount;
				// recompute from the counter to avoid spinning.
				current, err = a.Size(ctx, ct)
				if err != nil {
					return res, err
				}
				needToFree = current - lim.EvictionTarget(ct)
			}
		}
	}

	if res.Evicted > 0 {
		log.V(1).Info("evicted cache entries",
			"cacheType", ct, "evicted", res.Evicted, "bytesFreed", res.BytesFreed)
	}
	return res, nil
}
