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

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sublingo/sublingo/internal/crypto"
	"github.com/sublingo/sublingo/internal/metrics"
	"github.com/sublingo/sublingo/internal/session/invalidation"
	"github.com/sublingo/sublingo/internal/storage"
)

// Defaults for Options.
const (
	DefaultMaxAge          = 90 * 24 * time.Hour
	defaultClockSkew       = 5 * time.Minute
	defaultMemoryCacheSize = 1024
	defaultConfigCacheSize = 256
	defaultConfigCacheTTL  = 5 * time.Minute
	persistTimeout         = 10 * time.Second
	drainAttempts          = 3
)

// RotationStore persists the API-key rotation counter so round-robin
// survives restarts. The Redis backend implements it.
type RotationStore interface {
	// NextRotation returns the next zero-based counter value for a
	// config hash.
	NextRotation(ctx context.Context, configHash string) (int64, error)
}

// Options configures a Manager.
type Options struct {
	// MaxAge is the sliding inactivity window; sessions idle longer are
	// expired. Default 90 days.
	MaxAge time.Duration
	// ClockSkew is the tolerance added to MaxAge when judging expiry,
	// protecting against clock drift between instances. Default 5m.
	ClockSkew time.Duration
	// ApplyStorageTTL writes MaxAge as the storage TTL on every persist.
	ApplyStorageTTL bool
	// Preload scans and validates all sessions during Start. Off by
	// default in Redis mode, where sessions materialize on demand.
	Preload bool
	// SnapshotEnabled turns on the snapshot/restore safety net.
	SnapshotEnabled bool
	// SnapshotPath is the snapshot file location.
	SnapshotPath string
	// MaxAPIKeys caps the rotation-key array. Default 5.
	MaxAPIKeys int
	// MemoryCacheSize bounds the in-memory envelope LRU.
	MemoryCacheSize int
	// RotationStore, when set, makes key rotation restart-safe.
	RotationStore RotationStore
	// OnSessionDeleted is invoked after a session is deleted, with the
	// token. Optional.
	OnSessionDeleted func(token string)
}

func (o *Options) applyDefaults() {
	if o.MaxAge <= 0 {
		o.MaxAge = DefaultMaxAge
	}
	if o.ClockSkew <= 0 {
		o.ClockSkew = defaultClockSkew
	}
	if o.MaxAPIKeys < 1 {
		o.MaxAPIKeys = 5
	}
	if o.MemoryCacheSize <= 0 {
		o.MemoryCacheSize = defaultMemoryCacheSize
	}
}

// Manager owns the token-to-envelope binding. It fronts the storage
// adapter with an in-memory envelope LRU and a short-lived decrypted
// config cache, and keeps peers coherent through the invalidation bus.
type Manager struct {
	store   storage.Adapter
	crypto  *crypto.Service
	bus     *invalidation.Bus
	metrics *metrics.CoreMetrics
	opts    Options
	log     logr.Logger

	sessions *lru.Cache[string, *Envelope]
	configs  *expirable.LRU[string, crypto.UserConfig]

	// pending tracks fire-and-forget persistence so shutdown can await it.
	pending sync.WaitGroup

	readyCh  chan struct{}
	readyErr error

	rotMu    sync.Mutex
	rotation map[string]int64
}

// NewManager creates a Manager. bus and metrics may be nil. Start must be
// called before use; callers await WaitUntilReady.
func NewManager(store storage.Adapter, crypt *crypto.Service, bus *invalidation.Bus, m *metrics.CoreMetrics, opts Options, log logr.Logger) (*Manager, error) {
	opts.applyDefaults()

	sessions, err := lru.New[string, *Envelope](opts.MemoryCacheSize)
	if err != nil {
		return nil, err
	}
	configs := expirable.NewLRU[string, crypto.UserConfig](
		defaultConfigCacheSize, nil, defaultConfigCacheTTL)

	mgr := &Manager{
		store:    store,
		crypto:   crypt,
		bus:      bus,
		metrics:  m,
		opts:     opts,
		log:      log.WithName("session-manager"),
		sessions: sessions,
		configs:  configs,
		readyCh:  make(chan struct{}),
		rotation: make(map[string]int64),
	}

	if bus != nil {
		bus.Subscribe(mgr.onPeerEvent)
	}
	return mgr, nil
}

// onPeerEvent drops a token from both local caches when a peer updates or
// deletes it.
func (m *Manager) onPeerEvent(ev invalidation.Event) {
	m.sessions.Remove(ev.Token)
	m.configs.Remove(ev.Token)
	m.log.V(1).Info("invalidated by peer",
		"token", TokenFingerprint(ev.Token), "action", ev.Action)
}

// Start runs initialization in the background: snapshot restore when the
// primary store is empty, then preload when requested. WaitUntilReady
// unblocks when it finishes.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		defer close(m.readyCh)
		if m.opts.SnapshotEnabled {
			if err := m.maybeRestoreSnapshot(ctx); err != nil {
				m.log.Error(err, "snapshot restore failed")
			}
		}
		if m.opts.Preload {
			if err := m.preload(ctx); err != nil {
				m.readyErr = err
			}
		}
	}()
}

// WaitUntilReady blocks until initialization completes or ctx expires.
func (m *Manager) WaitUntilReady(ctx context.Context) error {
	select {
	case <-m.readyCh:
		return m.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- create ---------------------------------------------------------------

// Create issues a new session for cfg and persists it. The token only
// becomes valid once the envelope is durably stored: a persistence failure
// removes the in-memory entry and surfaces the error, so no pod ever hands
// out a token that exists in its memory alone.
func (m *Manager) Create(ctx context.Context, cfg crypto.UserConfig) (string, error) {
	token, err := NewToken()
	if err != nil {
		return "", err
	}

	env, clientCfg, err := m.buildEnvelope(token, cfg, time.Now())
	if err != nil {
		return "", err
	}

	m.sessions.Add(token, env)
	if err := m.persist(ctx, env); err != nil {
		m.sessions.Remove(token)
		m.configs.Remove(token)
		return "", fmt.Errorf("persisting session: %w", err)
	}
	m.configs.Add(token, clientCfg)

	if m.metrics != nil {
		m.metrics.SessionsCreated.Inc()
	}
	m.log.V(1).Info("session created", "token", TokenFingerprint(token))
	return token, nil
}

// buildEnvelope normalizes cfg, embeds the session metadata, encrypts the
// sensitive fields, and assembles the wrapper identity. createdAt is the
// envelope creation time; callers reuse the old value on update.
func (m *Manager) buildEnvelope(token string, cfg crypto.UserConfig, createdAt time.Time) (*Envelope, crypto.UserConfig, error) {
	cfg = crypto.CloneConfig(cfg)
	capAPIKeys(cfg, m.opts.MaxAPIKeys)

	fingerprint := ConfigFingerprint(cfg)
	cfg[crypto.FieldSessionToken] = token
	cfg[crypto.FieldSessionFingerprint] = fingerprint

	encCfg, err := m.crypto.EncryptUserConfig(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("encrypting config: %w", err)
	}

	now := time.Now()
	env := &Envelope{
		Token:            token,
		TokenFingerprint: TokenFingerprint(token),
		Config:           encCfg,
		Fingerprint:      fingerprint,
		Integrity:        IntegrityHash(token, fingerprint),
		CreatedAt:        createdAt,
		LastAccessedAt:   now,
	}
	return env, clientView(cfg), nil
}

// --- get ------------------------------------------------------------------

// Get resolves a token to its decrypted configuration. Callers receive a
// fresh deep clone on every call, so mutation cannot leak across requests.
// Missing, expired, and integrity-failed sessions all surface as
// ErrSessionNotFound; the latter two are deleted from storage first.
func (m *Manager) Get(ctx context.Context, token string) (crypto.UserConfig, error) {
	if !ValidToken(token) {
		return nil, ErrInvalidToken
	}

	if cfg, ok := m.configs.Get(token); ok {
		return crypto.CloneConfig(cfg), nil
	}

	env, ok := m.sessions.Get(token)
	if !ok {
		var err error
		env, err = m.load(ctx, token)
		if err != nil {
			return nil, err
		}
	}

	// Work on a private copy: the cached envelope may be held by a
	// concurrent Get or an in-flight background persist, and validate
	// backfills fields in place. Config maps are never mutated in place
	// (the crypto helpers clone), so a shallow copy suffices.
	cp := *env
	env = &cp

	clientCfg, _, err := m.validate(ctx, token, env)
	if err != nil {
		return nil, err
	}

	env.LastAccessedAt = time.Now()
	m.sessions.Add(token, env)
	m.configs.Add(token, clientCfg)

	// Refresh lastAccessedAt and the storage TTL window; upgrades
	// (backfilled fingerprints, migrated encryption) piggyback on the
	// same write so every future load skips the upgrade cost.
	m.persistAsync(env)

	return crypto.CloneConfig(clientCfg), nil
}

// load fetches and decodes an envelope from storage.
func (m *Manager) load(ctx context.Context, token string) (*Envelope, error) {
	data, err := m.store.Get(ctx, token, storage.TypeSession)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		// Unparseable payloads cannot be trusted; drop them.
		return nil, m.discard(ctx, token, "malformed_payload")
	}
	return &env, nil
}

// validate runs the retrieval checks in order, backfilling
// missing-but-recomputable fields and destroying the session on any
// semantic mismatch. Returns the decrypted client-facing config and
// whether the envelope was upgraded in place.
func (m *Manager) validate(ctx context.Context, token string, env *Envelope) (crypto.UserConfig, bool, error) {
	if env.Token != "" && env.Token != token {
		return nil, false, m.discard(ctx, token, "token_mismatch")
	}

	upgraded := false
	if env.Token == "" {
		env.Token = token
		upgraded = true
	}
	if env.TokenFingerprint == "" {
		env.TokenFingerprint = TokenFingerprint(token)
		upgraded = true
	} else if env.TokenFingerprint != TokenFingerprint(token) {
		return nil, false, m.discard(ctx, token, "token_fingerprint_mismatch")
	}

	// Sliding expiry on lastAccessedAt, with skew tolerance: another
	// instance's clock may run slightly behind ours.
	if !env.LastAccessedAt.IsZero() &&
		time.Since(env.LastAccessedAt) > m.opts.MaxAge+m.opts.ClockSkew {
		m.deleteEverywhere(ctx, token)
		if m.metrics != nil {
			m.metrics.RecordDiscard("expired")
		}
		return nil, false, ErrSessionNotFound
	}

	wasEncrypted := crypto.IsConfigEncrypted(env.Config)
	dec, warnings := m.crypto.DecryptUserConfig(env.Config)
	if len(warnings) > 0 {
		m.log.Info("session config failed to decrypt, likely cross-instance key mismatch",
			"token", TokenFingerprint(token), "fields", warnings)
		return nil, false, m.discard(ctx, token, "decrypt_failed")
	}

	embedded, _ := dec[crypto.FieldSessionToken].(string)
	switch {
	case embedded == "":
		// Legacy entry without inner identity; adopt and persist.
		dec[crypto.FieldSessionToken] = token
		upgraded = true
	case embedded != token:
		return nil, false, m.discard(ctx, token, "embedded_token_mismatch")
	}

	fingerprint := ConfigFingerprint(dec)
	switch {
	case env.Fingerprint == "":
		env.Fingerprint = fingerprint
		upgraded = true
	case env.Fingerprint != fingerprint:
		return nil, false, m.discard(ctx, token, "fingerprint_mismatch")
	}

	want := IntegrityHash(token, env.Fingerprint)
	switch {
	case env.Integrity == "":
		env.Integrity = want
		upgraded = true
	case env.Integrity != want:
		return nil, false, m.discard(ctx, token, "integrity_mismatch")
	}

	if upgraded || !wasEncrypted {
		dec[crypto.FieldSessionFingerprint] = env.Fingerprint
		encCfg, err := m.crypto.EncryptUserConfig(dec)
		if err == nil {
			env.Config = encCfg
			upgraded = true
		}
	}

	return clientView(dec), upgraded, nil
}

// --- update ---------------------------------------------------------------

// Update replaces the configuration of an existing session. The new
// envelope is persisted with a refreshed TTL and an invalidation event is
// published so peers drop their copies. A persistence failure clears the
// local caches: this pod must not keep serving a write no peer can see.
func (m *Manager) Update(ctx context.Context, token string, cfg crypto.UserConfig) error {
	if !ValidToken(token) {
		return ErrInvalidToken
	}

	old, ok := m.sessions.Get(token)
	if !ok {
		var err error
		old, err = m.load(ctx, token)
		if err != nil {
			return err
		}
	}

	createdAt := old.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	env, clientCfg, err := m.buildEnvelope(token, cfg, createdAt)
	if err != nil {
		return err
	}

	if err := m.persist(ctx, env); err != nil {
		m.sessions.Remove(token)
		m.configs.Remove(token)
		return fmt.Errorf("persisting session update: %w", err)
	}

	m.sessions.Add(token, env)
	m.configs.Add(token, clientCfg)
	m.publishAsync(token, invalidation.ActionUpdate)
	return nil
}

// --- delete ---------------------------------------------------------------

// Delete removes a session from both caches, schedules the storage delete
// and peer invalidation, and emits the sessionDeleted event.
func (m *Manager) Delete(ctx context.Context, token string) error {
	if !ValidToken(token) {
		return ErrInvalidToken
	}

	m.sessions.Remove(token)
	m.configs.Remove(token)

	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		dctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.store.Delete(dctx, token, storage.TypeSession); err != nil &&
			!errors.Is(err, storage.ErrNotFound) {
			m.log.Error(err, "deleting session from storage", "token", TokenFingerprint(token))
		}
	}()
	m.publishAsync(token, invalidation.ActionDelete)

	if m.opts.OnSessionDeleted != nil {
		m.opts.OnSessionDeleted(token)
	}
	return nil
}

// Exists reports whether a session is present in cache or storage.
func (m *Manager) Exists(ctx context.Context, token string) (bool, error) {
	if !ValidToken(token) {
		return false, nil
	}
	if _, ok := m.sessions.Get(token); ok {
		return true, nil
	}
	return m.store.Exists(ctx, token, storage.TypeSession)
}

// --- persistence ----------------------------------------------------------

func (m *Manager) storageTTL() time.Duration {
	if m.opts.ApplyStorageTTL {
		return m.opts.MaxAge
	}
	return 0
}

func (m *Manager) persist(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return m.store.Set(ctx, env.Token, data, storage.TypeSession, m.storageTTL())
}

// persistAsync writes an envelope in the background. Fire-and-forget is
// never truly fire-and-forget: the pending group is awaited at Close.
func (m *Manager) persistAsync(env *Envelope) {
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.persist(pctx, env); err != nil {
			m.log.Error(err, "background session persist failed",
				"token", TokenFingerprint(env.Token))
		}
	}()
}

func (m *Manager) publishAsync(token, action string) {
	if m.bus == nil {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		pctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		m.bus.Publish(pctx, token, action)
	}()
}

// discard destroys a session whose identity checks failed and reports
// ErrSessionNotFound. Deleting prevents cross-tenant bleed from prefix
// collisions or mis-keyed writes from being served again.
func (m *Manager) discard(ctx context.Context, token, reason string) error {
	m.log.Info("discarding session", "token", TokenFingerprint(token), "reason", reason)
	if m.metrics != nil {
		m.metrics.RecordDiscard(reason)
	}
	m.deleteEverywhere(ctx, token)
	return ErrSessionNotFound
}

func (m *Manager) deleteEverywhere(ctx context.Context, token string) {
	m.sessions.Remove(token)
	m.configs.Remove(token)
	if err := m.store.Delete(ctx, token, storage.TypeSession); err != nil &&
		!errors.Is(err, storage.ErrNotFound) {
		m.log.Error(err, "deleting invalid session", "token", TokenFingerprint(token))
	}
}

// --- preload --------------------------------------------------------------

// preload scans the session keyspace, purges expired entries, and migrates
// legacy unencrypted configs to the encrypted form. Per-key read errors
// are logged and skipped so one bad entry cannot block startup.
func (m *Manager) preload(ctx context.Context) error {
	tokens, err := m.store.List(ctx, storage.TypeSession, "*")
	if err != nil {
		return fmt.Errorf("listing sessions: %w", err)
	}

	loaded, purged := 0, 0
	for _, token := range tokens {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !ValidToken(token) {
			continue
		}
		env, err := m.load(ctx, token)
		if err != nil {
			if !errors.Is(err, ErrSessionNotFound) {
				m.log.V(1).Info("preload: skipping unreadable session",
					"token", TokenFingerprint(token), "error", err.Error())
			}
			continue
		}
		_, upgraded, err := m.validate(ctx, token, env)
		if err != nil {
			purged++
			continue
		}
		if upgraded {
			if perr := m.persist(ctx, env); perr != nil {
				m.log.V(1).Info("preload: migration persist failed",
					"token", TokenFingerprint(token), "error", perr.Error())
			}
		}
		m.sessions.Add(token, env)
		loaded++
	}

	m.log.Info("session preload complete", "loaded", loaded, "purged", purged)
	return nil
}

// --- shutdown -------------------------------------------------------------

// Close awaits all pending persistence, then writes a final snapshot when
// enabled. The drain is bounded per attempt with a fixed number of
// attempts, so one wedged write cannot hold shutdown forever. The storage
// adapter and bus are owned by the caller.
func (m *Manager) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
drain:
	for attempt := 1; attempt <= drainAttempts; attempt++ {
		select {
		case <-done:
			break drain
		case <-time.After(persistTimeout):
			m.log.Info("shutdown: pending persistence still draining",
				"attempt", attempt, "of", drainAttempts)
		case <-ctx.Done():
			m.log.Info("shutdown: pending persistence did not drain in time")
			break drain
		}
	}

	if m.opts.SnapshotEnabled {
		if err := m.SaveSnapshot(ctx); err != nil {
			return fmt.Errorf("shutdown snapshot: %w", err)
		}
	}
	return nil
}

// --- helpers --------------------------------------------------------------

// clientView strips the embedded session metadata from a decrypted config
// before it is handed to callers.
func clientView(cfg crypto.UserConfig) crypto.UserConfig {
	out := crypto.CloneConfig(cfg)
	delete(out, crypto.FieldSessionToken)
	delete(out, crypto.FieldSessionFingerprint)
	return out
}

// capAPIKeys truncates the rotation-key array to the configured maximum.
func capAPIKeys(cfg crypto.UserConfig, maxKeys int) {
	keys, ok := cfg["geminiApiKeys"].([]any)
	if !ok || len(keys) <= maxKeys {
		return
	}
	cfg["geminiApiKeys"] = keys[:maxKeys]
}
