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
	"os"
	"path/filepath"
	"time"

	"github.com/sublingo/sublingo/internal/storage"
)

// snapshotFile is the on-disk snapshot format. Configs stay encrypted in
// the snapshot exactly as they are in storage.
type snapshotFile struct {
	Sessions map[string]*Envelope `json:"sessions"`
	SavedAt  time.Time            `json:"savedAt"`
}

// SaveSnapshot serializes every session envelope in storage to the
// snapshot file. Used at shutdown and on a periodic schedule so a wiped
// Redis can be repopulated on the next start.
func (m *Manager) SaveSnapshot(ctx context.Context) error {
	if m.opts.SnapshotPath == "" {
		return errors.New("session: snapshot path not configured")
	}

	tokens, err := m.store.List(ctx, storage.TypeSession, "*")
	if err != nil {
		return fmt.Errorf("listing sessions for snapshot: %w", err)
	}

	snap := snapshotFile{
		Sessions: make(map[string]*Envelope, len(tokens)),
		SavedAt:  time.Now(),
	}
	for _, token := range tokens {
		if !ValidToken(token) {
			continue
		}
		data, err := m.store.Get(ctx, token, storage.TypeSession)
		if err != nil {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		snap.Sessions[token] = &env
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	dir := filepath.Dir(m.opts.SnapshotPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), m.opts.SnapshotPath); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	m.log.Info("session snapshot saved",
		"path", m.opts.SnapshotPath, "sessions", len(snap.Sessions))
	return nil
}

// maybeRestoreSnapshot repopulates storage from the snapshot file, but
// only when the primary store reports zero sessions. A populated store
// always wins over the snapshot, which may be arbitrarily stale.
func (m *Manager) maybeRestoreSnapshot(ctx context.Context) error {
	if m.opts.SnapshotPath == "" {
		return nil
	}

	tokens, err := m.store.List(ctx, storage.TypeSession, "*")
	if err != nil {
		return fmt.Errorf("checking store before restore: %w", err)
	}
	if len(tokens) > 0 {
		m.log.V(1).Info("skipping snapshot restore, store is populated",
			"sessions", len(tokens))
		return nil
	}

	payload, err := os.ReadFile(m.opts.SnapshotPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading snapshot: %w", err)
	}
	var snap snapshotFile
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("decoding snapshot: %w", err)
	}

	restored := 0
	for token, env := range snap.Sessions {
		if !ValidToken(token) || env == nil {
			continue
		}
		if env.Token == "" {
			env.Token = token
		}
		if err := m.persist(ctx, env); err != nil {
			m.log.Error(err, "restoring session from snapshot",
				"token", TokenFingerprint(token))
			continue
		}
		restored++
	}

	m.log.Info("restored sessions from snapshot",
		"path", m.opts.SnapshotPath, "restored", restored,
		"savedAt", snap.SavedAt.Format(time.RFC3339))
	return nil
}
