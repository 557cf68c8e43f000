// Copyright (C) 2025 sage-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package session

import (
	"context"
	"fmt"

	"golang.org/x/sync/singleflight"

	"github.com/sage-x-project/happyagent/internal/logger"
	"github.com/sage-x-project/happyagent/pkg/envelope"
	"github.com/sage-x-project/happyagent/pkg/httpapi"
	"github.com/sage-x-project/happyagent/pkg/update"
)

// snapshotSyncer fetches this session's authoritative (metadataVersion,
// agentStateVersion) pair via the control-plane list endpoint, used to
// heal an "unknown version" after resume (spec.md §4.6 "Snapshot sync").
// A single in-flight HTTP call is shared by every concurrent caller via
// singleflight, since both field updaters may need a sync at once.
type snapshotSyncer struct {
	http      *httpapi.Client
	encCtx    envelope.Context
	sessionID string
	group     singleflight.Group
}

func newSnapshotSyncer(httpClient *httpapi.Client, encCtx envelope.Context, sessionID string) *snapshotSyncer {
	return &snapshotSyncer{http: httpClient, encCtx: encCtx, sessionID: sessionID}
}

// snapshot is the decoded result of one list-sessions call, scoped to
// this session's record.
type snapshot struct {
	metadataVersion      int64
	metadataCiphertext   []byte
	agentStateVersion    int64
	agentStateCiphertext []byte
}

func (s *snapshotSyncer) fetch(ctx context.Context) (snapshot, error) {
	v, err, _ := s.group.Do(s.sessionID, func() (interface{}, error) {
		records, err := s.http.ListSessions(ctx)
		if err != nil {
			return snapshot{}, err
		}
		for _, rec := range records {
			if rec.ID != s.sessionID {
				continue
			}
			return snapshot{
				metadataVersion:      rec.MetadataVersion,
				metadataCiphertext:   rec.Metadata,
				agentStateVersion:    rec.AgentStateVersion,
				agentStateCiphertext: rec.AgentState,
			}, nil
		}
		return snapshot{}, fmt.Errorf("session: %s not found in list-sessions response", s.sessionID)
	})
	if err != nil {
		return snapshot{}, err
	}
	return v.(snapshot), nil
}

// fieldSyncer adapts snapshotSyncer to update.SnapshotSyncer for a single
// field, so each Updater can sync independently while sharing the one
// de-duplicated HTTP call.
type fieldSyncer struct {
	parent *snapshotSyncer
	field  string
}

func (s *snapshotSyncer) forField(field string) update.SnapshotSyncer {
	return &fieldSyncer{parent: s, field: field}
}

func (f *fieldSyncer) SyncSnapshot(ctx context.Context) (update.State, error) {
	snap, err := f.parent.fetch(ctx)
	if err != nil {
		return update.State{Version: -1}, err
	}
	if f.field == "agentState" {
		if snap.agentStateVersion <= 0 && snap.agentStateCiphertext == nil {
			return update.State{Version: -1}, nil
		}
		return update.State{Version: snap.agentStateVersion, Ciphertext: snap.agentStateCiphertext}, nil
	}
	return update.State{Version: snap.metadataVersion, Ciphertext: snap.metadataCiphertext}, nil
}

// syncNow triggers a best-effort snapshot sync for both fields, logging
// but never propagating failure (spec.md §4.6: "Failure is logged and
// non-fatal — subsequent socket updates will eventually heal the gap.").
func (c *Client) syncNow(ctx context.Context) {
	snap, err := c.syncer.fetch(ctx)
	if err != nil {
		c.log.Debug("session: snapshot sync failed", logger.Error(err))
		return
	}
	if snap.metadataVersion > c.metadataUpdater.Current().Version {
		c.metadataUpdater.Adopt(update.State{Version: snap.metadataVersion, Ciphertext: snap.metadataCiphertext})
		var meta Metadata
		if c.encCtx.Decrypt(snap.metadataCiphertext, &meta) {
			c.mu.Lock()
			c.metadata = meta
			c.mu.Unlock()
		}
	}
	if snap.agentStateVersion > c.agentStateUpdater.Current().Version {
		c.agentStateUpdater.Adopt(update.State{Version: snap.agentStateVersion, Ciphertext: snap.agentStateCiphertext})
		var state AgentState
		if c.encCtx.Decrypt(snap.agentStateCiphertext, &state) {
			c.mu.Lock()
			c.agentState = state
			c.mu.Unlock()
		}
	}
	if c.onMetadataUpdated != nil {
		c.onMetadataUpdated()
	}
}
