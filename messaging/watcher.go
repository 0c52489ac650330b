// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/bureau-foundation/courier/lib/ref"
)

// SyncFilter configures which events a Watcher receives from /sync.
// A nil *SyncFilter means timeline events of every type from every
// joined room.
type SyncFilter struct {
	// Rooms restricts the watch to these rooms. Empty means all rooms.
	Rooms []ref.RoomID

	// TimelineTypes restricts timeline events to these Matrix event types
	// (e.g., "m.room.message"). An empty slice means all timeline types.
	TimelineTypes []string

	// TimelineLimit caps the number of timeline events per room in one
	// /sync response. Zero means the server default.
	TimelineLimit int
}

// buildInlineFilter constructs the inline JSON filter string for /sync.
// Presence and account data are always excluded; room state is reduced
// to membership, which is all a bot needs to notice direct chats.
func buildInlineFilter(filter *SyncFilter) string {
	roomFilter := map[string]any{
		"state": map[string]any{"types": []string{EventTypeMember}, "lazy_load_members": true},
	}

	if filter != nil {
		if len(filter.Rooms) > 0 {
			rooms := make([]string, len(filter.Rooms))
			for index, roomID := range filter.Rooms {
				rooms[index] = roomID.String()
			}
			roomFilter["rooms"] = rooms
		}
		timeline := map[string]any{}
		if len(filter.TimelineTypes) > 0 {
			timeline["types"] = filter.TimelineTypes
		}
		if filter.TimelineLimit > 0 {
			timeline["limit"] = filter.TimelineLimit
		}
		if len(timeline) > 0 {
			roomFilter["timeline"] = timeline
		}
	}

	top := map[string]any{
		"room":         roomFilter,
		"presence":     map[string]any{"types": []string{}},
		"account_data": map[string]any{"types": []string{}},
	}

	data, _ := json.Marshal(top)
	return string(data)
}

// RoomEvent is one event delivered by a Watcher.
type RoomEvent struct {
	RoomID ref.RoomID

	// Event is the timeline event. Zero for invites.
	Event Event

	// Invited is set when the bot was invited to RoomID; Event is then
	// the zero value and Inviter names who sent the invite, if known.
	Invited bool
	Inviter ref.UserID

	// JoinedMembers is the room's joined member count as last reported
	// by /sync, or zero when the server has not reported it yet.
	JoinedMembers int
}

// Watcher turns the Matrix /sync stream into a sequence of room events
// that arrive after the watch started. History from before Watch is
// skipped, so a restarted bot does not answer old messages.
//
// All waiting uses /sync long-polling: the server holds the connection
// until new events arrive. There is no client-side polling interval.
//
// Watcher is not safe for concurrent use. Run one Next loop and fan
// events out from there.
type Watcher struct {
	session   Session
	filter    string
	nextBatch string
	pending   []RoomEvent
	members   map[ref.RoomID]int
	logger    *slog.Logger
}

// Watch captures the current position in the /sync stream with an
// immediate sync (timeout=0) and returns a Watcher that reports only
// later events. A nil logger selects slog.Default().
func Watch(ctx context.Context, session Session, filter *SyncFilter, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inlineFilter := buildInlineFilter(filter)
	response, err := session.Sync(ctx, SyncOptions{
		SetTimeout: true,
		Timeout:    0,
		Filter:     inlineFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: initial sync for watch: %w", err)
	}
	watcher := &Watcher{
		session:   session,
		filter:    inlineFilter,
		nextBatch: response.NextBatch,
		members:   make(map[ref.RoomID]int),
		logger:    logger,
	}
	// Member counts and pending invites from the initial sync are
	// current state, not history.
	watcher.absorb(response, false)
	for roomID := range response.Rooms.Invite {
		watcher.pending = append(watcher.pending, RoomEvent{RoomID: roomID, Invited: true})
	}
	return watcher, nil
}

// maxSyncRetries is the number of consecutive /sync failures allowed
// before Next returns an error. Each retry uses a 1-second
// server-side timeout so the HTTP round-trip itself provides backoff.
const maxSyncRetries = 5

// longPollTimeout is the server-side long-poll hold time in
// milliseconds for normal /sync calls. 30 seconds matches the Matrix
// client-server API recommendation.
const longPollTimeout = 30000

// retryTimeout is the server-side timeout in milliseconds used after
// a /sync error.
const retryTimeout = 1000

// Next blocks until an event arrives and returns it. Events from one
// /sync response are buffered; timeline events keep server order
// within a room, and invites follow the timeline events.
//
// On transient /sync errors Next retries up to maxSyncRetries times and
// resets idle connections if the Session supports it. It returns an
// error once ctx is done or the retries are exhausted.
func (w *Watcher) Next(ctx context.Context) (RoomEvent, error) {
	var syncRetries int
	for len(w.pending) == 0 {
		syncTimeout := longPollTimeout
		if syncRetries > 0 {
			syncTimeout = retryTimeout
		}
		response, err := w.session.Sync(ctx, SyncOptions{
			Since:      w.nextBatch,
			SetTimeout: true,
			Timeout:    syncTimeout,
			Filter:     w.filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return RoomEvent{}, fmt.Errorf("messaging: watch cancelled: %w", ctx.Err())
			}
			syncRetries++
			// TCP-level errors (connection reset, EOF) often indicate
			// a poisoned connection in Go's HTTP pool.
			if closer, ok := w.session.(interface{ CloseIdleConnections() }); ok {
				closer.CloseIdleConnections()
			}
			if syncRetries > maxSyncRetries {
				return RoomEvent{}, fmt.Errorf("messaging: sync failed %d consecutive times: %w", syncRetries, err)
			}
			w.logger.Debug("watcher sync error, retrying",
				"attempt", syncRetries,
				"max_attempts", maxSyncRetries,
				"error", err,
			)
			continue
		}
		syncRetries = 0
		w.nextBatch = response.NextBatch
		w.absorb(response, true)
	}

	event := w.pending[0]
	w.pending = w.pending[1:]
	return event, nil
}

// absorb records member counts from response and, when queue is set,
// appends its invites and timeline events to pending.
func (w *Watcher) absorb(response *SyncResponse, queue bool) {
	for roomID, joined := range response.Rooms.Join {
		if count := joined.Summary.JoinedMemberCount; count != nil {
			w.members[roomID] = *count
		}
		if !queue {
			continue
		}
		for _, event := range joined.Timeline.Events {
			event.RoomID = roomID
			w.pending = append(w.pending, RoomEvent{
				RoomID:        roomID,
				Event:         event,
				JoinedMembers: w.members[roomID],
			})
		}
	}
	if !queue {
		return
	}
	for roomID, invited := range response.Rooms.Invite {
		invite := RoomEvent{RoomID: roomID, Invited: true}
		for _, event := range invited.InviteState.Events {
			if event.Type == EventTypeMember && event.StateKey != nil && *event.StateKey == w.session.UserID().String() {
				invite.Inviter = event.Sender
			}
		}
		w.pending = append(w.pending, invite)
	}
}

// SyncPosition returns the current sync stream position token.
func (w *Watcher) SyncPosition() string {
	return w.nextBatch
}
