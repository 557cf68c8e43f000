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
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/sage-x-project/happyagent/internal/logger"
	"github.com/sage-x-project/happyagent/internal/metrics"
	"github.com/sage-x-project/happyagent/pkg/queue"
	"github.com/sage-x-project/happyagent/pkg/transport/wsclient"
	"github.com/sage-x-project/happyagent/pkg/update"
)

// ErrNotReady is returned by PopPendingMessage when the session socket is
// disconnected or metadata is still unknown (spec.md §4.6 step 1).
var ErrNotReady = errors.New("session: not connected or metadata unknown")

const metadataWriteTimeout = 10 * time.Second

// PopPendingMessage implements popPendingMessage (spec.md §4.6): claims
// the oldest pending queue item and either recovers it from the
// transcript (pre-existing in-flight) or materializes it by emitting a
// `message` frame. Returns claimed=false when there was nothing to pop.
func (c *Client) PopPendingMessage(ctx context.Context) (claimed bool, err error) {
	if c.sessionSocket == nil || !c.sessionSocket.Connected() || c.metadataUpdater.Current().Version < 0 {
		return false, ErrNotReady
	}

	c.ensureUserSocket(ctx)

	var inFlight queue.InFlight
	var preExisting bool
	gotClaim := false

	err = c.metadataUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var meta Metadata
		if !c.encCtx.Decrypt(current.Ciphertext, &meta) {
			return current, errors.New("session: decrypt metadata for claimNext")
		}
		next, claim, mutated, ok := queue.ClaimNext(meta.Queue, time.Now())
		if !ok {
			return current, errNoClaimAvailable
		}
		gotClaim = true
		inFlight = claim
		preExisting = !mutated

		metrics.PendingQueueDepth.WithLabelValues(c.sessionID).Set(float64(len(next.Items)))

		if !mutated {
			return current, errNoWriteNeeded
		}
		meta.Queue = next
		raw, err := c.encCtx.Encrypt(meta)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
	if err != nil && !errors.Is(err, errNoWriteNeeded) {
		if errors.Is(err, errNoClaimAvailable) {
			return false, nil
		}
		return false, err
	}
	if !gotClaim {
		return false, nil
	}

	if preExisting {
		if c.tryTranscriptRecovery(ctx, inFlight.LocalID) {
			return true, nil
		}
	}

	c.pendingMu.Lock()
	c.pendingMaterializedLocalIds[inFlight.LocalID] = struct{}{}
	c.pendingMu.Unlock()

	if err := c.sessionSocket.Emit("message", messageFrame{SID: c.sessionID, Message: inFlight.Item.Message, LocalID: inFlight.LocalID}); err != nil {
		c.log.Debug("session: emit message frame failed", logger.LocalID(inFlight.LocalID), logger.Error(err))
	}

	c.scheduleRecoveryTimer(inFlight.LocalID)
	return true, nil
}

// errNoClaimAvailable/errNoWriteNeeded are internal sentinels consumed
// inside PopPendingMessage's transform, never surfaced to callers.
var (
	errNoClaimAvailable = errors.New("session: no claim available")
	errNoWriteNeeded    = errors.New("session: claim pre-existed, no write needed")
)

// tryTranscriptRecovery queries transcript history for a committed
// message with localID, feeding a synthesized new-message update through
// the normal pipeline on a hit (spec.md §4.6 step 5).
func (c *Client) tryTranscriptRecovery(ctx context.Context, localID string) bool {
	records, err := c.http.ListMessages(ctx, c.sessionID)
	if err != nil {
		c.log.Debug("session: transcript recovery http call failed", logger.Error(err))
		return false
	}
	for _, rec := range records {
		if rec.LocalID != localID {
			continue
		}
		upd := Update{
			ID:        rec.ID,
			Seq:       rec.Seq,
			CreatedAt: rec.CreatedAt,
			Body: updateBody{
				T: bodyNewMessage,
				Message: &newMessageBody{
					ID:      rec.ID,
					Seq:     rec.Seq,
					LocalID: rec.LocalID,
					Content: encryptedRef{T: "encrypted", C: encodeB64(rec.Content)},
				},
			},
		}
		c.handleUpdate(upd, false)
		go c.bestEffortClearInFlight(localID)
		return true
	}
	return false
}

// scheduleRecoveryTimer arms the ~500ms defensive recovery check (spec.md
// §4.6 step 7): if the echo never clears the pending-materialized entry,
// poll transcript history for up to ~7.5s.
func (c *Client) scheduleRecoveryTimer(localID string) {
	timer := time.AfterFunc(recoveryTimerDelay, func() {
		c.runRecoveryPoll(localID, time.Now())
	})
	c.pendingMu.Lock()
	c.recoveryTimers[localID] = timer
	c.pendingMu.Unlock()
}

func (c *Client) runRecoveryPoll(localID string, startedAt time.Time) {
	c.pendingMu.Lock()
	_, stillPending := c.pendingMaterializedLocalIds[localID]
	c.pendingMu.Unlock()
	if !stillPending {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if c.tryTranscriptRecovery(ctx, localID) {
		c.pendingMu.Lock()
		delete(c.pendingMaterializedLocalIds, localID)
		c.pendingMu.Unlock()
		c.releaseUserSocketIfDrained()
		return
	}

	if time.Since(startedAt) >= recoveryPollWindow {
		return
	}
	timer := time.AfterFunc(recoveryTimerDelay, func() {
		c.runRecoveryPoll(localID, startedAt)
	})
	c.pendingMu.Lock()
	if _, stillPending := c.pendingMaterializedLocalIds[localID]; stillPending {
		c.recoveryTimers[localID] = timer
	} else {
		timer.Stop()
	}
	c.pendingMu.Unlock()
}

// ensureUserSocket opens the user-scoped observer socket if not already
// open, canceling any pending idle-close timer (spec.md §4.6 "Handlers on
// the user-scoped socket": "Open it eagerly before materializing a queue
// item").
func (c *Client) ensureUserSocket(ctx context.Context) {
	c.userSocketMu.Lock()
	defer c.userSocketMu.Unlock()

	if c.userIdleTimer != nil {
		c.userIdleTimer.Stop()
		c.userIdleTimer = nil
	}
	if c.userSocket != nil {
		return
	}

	url := socketURL(c.serverURL, "user-scoped", "")
	sock := wsclient.New(url, wsclient.WithHeader(toHTTPHeader(c.header, c.creds.Token)))
	sock.On("update", func(data json.RawMessage) {
		var upd Update
		if err := json.Unmarshal(data, &upd); err != nil {
			return
		}
		c.handleUpdate(upd, true)
	})
	if err := sock.Connect(ctx); err != nil {
		c.log.Debug("session: user-scoped socket dial failed", logger.Error(err))
		return
	}
	c.userSocket = sock
}

// releaseUserSocketIfDrained schedules the user-scoped socket's closure
// after the idle grace once the pending-materialized set is empty.
func (c *Client) releaseUserSocketIfDrained() {
	c.pendingMu.Lock()
	drained := len(c.pendingMaterializedLocalIds) == 0
	c.pendingMu.Unlock()
	if !drained {
		return
	}

	c.userSocketMu.Lock()
	defer c.userSocketMu.Unlock()
	if c.userSocket == nil || c.userIdleTimer != nil {
		return
	}
	c.userIdleTimer = time.AfterFunc(userSocketIdleGrace, func() {
		c.userSocketMu.Lock()
		sock := c.userSocket
		c.userSocket = nil
		c.userIdleTimer = nil
		c.userSocketMu.Unlock()
		if sock != nil {
			_ = sock.Close()
		}
	})
}

// WaitForMetadataUpdate returns true at once if the user socket is
// connected or both versions are known; versions still unknown trigger a
// snapshot sync first (spec.md §4.6 "Extra operations"). Otherwise it
// returns true on the next metadata-updated callback and false when ctx is
// done. User-socket connect and disconnect events during the wait are not
// observed.
func (c *Client) WaitForMetadataUpdate(ctx context.Context) bool {
	if c.metadataUpdater.Current().Version < 0 || c.agentStateUpdater.Current().Version < 0 {
		c.syncNow(ctx)
	}

	resultCh := make(chan bool, 1)
	deliver := func(v bool) {
		select {
		case resultCh <- v:
		default:
		}
	}

	prevOnUpdated := c.onMetadataUpdated
	c.onMetadataUpdated = func() {
		if prevOnUpdated != nil {
			prevOnUpdated()
		}
		deliver(true)
	}
	defer func() { c.onMetadataUpdated = prevOnUpdated }()

	c.userSocketMu.Lock()
	userConnected := c.userSocket != nil && c.userSocket.Connected()
	c.userSocketMu.Unlock()

	// Re-check after installing the listener, to avoid a lost wakeup if
	// the update (or user-socket connect) landed between the version
	// check above and here.
	if userConnected || (c.metadataUpdater.Current().Version >= 0 && c.agentStateUpdater.Current().Version >= 0) {
		return true
	}

	select {
	case <-ctx.Done():
		return false
	case v := <-resultCh:
		return v
	}
}

// DiscardPendingMessageQueueV1All wraps C4's discardAll in a C5 write,
// returning the count discarded.
func (c *Client) DiscardPendingMessageQueueV1All(ctx context.Context, reason string) (int, error) {
	discardedCount := 0
	err := c.metadataUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var meta Metadata
		if !c.encCtx.Decrypt(current.Ciphertext, &meta) {
			return current, errors.New("session: decrypt metadata for discardAll")
		}
		cleared, discarded := queue.DiscardAll(meta.Queue, time.Now(), reason)
		meta.Queue = cleared
		meta.QueueDiscarded = queue.AppendDiscarded(meta.QueueDiscarded, discarded)
		discardedCount = len(discarded)
		metrics.QueueDiscarded.WithLabelValues(reason).Add(float64(discardedCount))

		raw, err := c.encCtx.Encrypt(meta)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
	if err != nil {
		return 0, err
	}
	return discardedCount, nil
}

// DiscardCommittedMessageLocalIds appends ids to the bounded
// discardedCommittedMessageLocalIds list (spec.md §4.6 "Extra
// operations"). reason is accepted for API symmetry with
// DiscardPendingMessageQueueV1All but is not persisted — the source list
// carries no per-id reason field.
func (c *Client) DiscardCommittedMessageLocalIds(ctx context.Context, ids []string, reason string) error {
	_ = reason
	return c.metadataUpdater.Update(ctx, func(current update.State) (update.State, error) {
		var meta Metadata
		if !c.encCtx.Decrypt(current.Ciphertext, &meta) {
			return current, errors.New("session: decrypt metadata for discardCommittedMessageLocalIds")
		}
		meta.DiscardedCommittedMessageIDs = queue.AppendDiscardedCommittedIDs(meta.DiscardedCommittedMessageIDs, ids)
		raw, err := c.encCtx.Encrypt(meta)
		if err != nil {
			return current, err
		}
		return update.State{Ciphertext: raw}, nil
	})
}

func encodeB64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}
