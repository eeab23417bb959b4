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

// Package metrics exposes Prometheus metrics for the session and cache core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// CoreMetrics holds Prometheus metrics for the session and cache core.
type CoreMetrics struct {
	// SessionsCreated counts issued session tokens.
	SessionsCreated prometheus.Counter
	// SessionsDiscarded counts sessions dropped by integrity failures,
	// labelled by reason.
	SessionsDiscarded *prometheus.CounterVec
	// CacheEvictions counts evicted entries per cache type.
	CacheEvictions *prometheus.CounterVec
	// InvalidationsFailed counts invalidation publishes that exhausted
	// their retries; a rising value means stale-cache windows on peers.
	InvalidationsFailed prometheus.Counter
	// OverridesRejected counts SMDB override attempts refused by the
	// per-uploader rate limit.
	OverridesRejected prometheus.Counter
}

// New creates and registers the core metrics on the default registry.
func New() *CoreMetrics {
	return newWithFactory(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates core metrics on a custom registry, for tests.
func NewWithRegistry(reg *prometheus.Registry) *CoreMetrics {
	return newWithFactory(promauto.With(reg))
}

func newWithFactory(factory promauto.Factory) *CoreMetrics {
	return &CoreMetrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "sublingo_sessions_created_total",
			Help: "Total number of session tokens issued",
		}),
		SessionsDiscarded: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sublingo_sessions_discarded_total",
			Help: "Total number of sessions discarded by validation",
		}, []string{"reason"}),
		CacheEvictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sublingo_cache_evictions_total",
			Help: "Total number of cache entries evicted by size-cap pressure",
		}, []string{"cache_type"}),
		InvalidationsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "sublingo_invalidations_failed_total",
			Help: "Total number of cross-instance invalidation publishes that exhausted retries",
		}),
		OverridesRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sublingo_smdb_overrides_rejected_total",
			Help: "Total number of community subtitle overrides refused by rate limiting",
		}),
	}
}

// RecordDiscard increments the discarded-session counter for a reason.
func (m *CoreMetrics) RecordDiscard(reason string) {
	if m == nil {
		return
	}
	m.SessionsDiscarded.WithLabelValues(reason).Inc()
}

// RecordEvictions adds n to the eviction counter for a cache type.
func (m *CoreMetrics) RecordEvictions(cacheType string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.WithLabelValues(cacheType).Add(float64(n))
}

// RecordInvalidationFailed increments the failed-invalidation counter.
func (m *CoreMetrics) RecordInvalidationFailed() {
	if m == nil {
		return
	}
	m.InvalidationsFailed.Inc()
}
