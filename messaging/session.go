// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"

	"github.com/bureau-foundation/courier/lib/ref"
)

// Session is the set of Matrix operations the responder and the
// delivery adapter perform. *DirectSession implements it; tests
// substitute in-memory fakes.
type Session interface {
	// UserID returns the fully-qualified Matrix user ID.
	UserID() ref.UserID

	// WhoAmI validates the session and returns the user ID.
	WhoAmI(ctx context.Context) (ref.UserID, error)

	// SendEventWithTransactionID sends an event idempotently under
	// transactionID. Returns the event ID.
	SendEventWithTransactionID(ctx context.Context, roomID ref.RoomID, eventType, transactionID string, content any) (ref.EventID, error)

	// SendMessage sends a message with a fresh transaction ID.
	SendMessage(ctx context.Context, roomID ref.RoomID, content MessageContent) (ref.EventID, error)

	// JoinRoom joins a room by room ID. Returns the room ID.
	JoinRoom(ctx context.Context, roomID ref.RoomID) (ref.RoomID, error)

	// JoinedMemberCount returns the number of joined members of a room.
	JoinedMemberCount(ctx context.Context, roomID ref.RoomID) (int, error)

	// GetEvent fetches a single event of a room. The content is the
	// event as sent; later edits are not applied.
	GetEvent(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (Event, error)

	// ResolveAlias resolves a room alias to a room ID.
	ResolveAlias(ctx context.Context, alias string) (ref.RoomID, error)

	// Sync performs an incremental sync with the homeserver.
	Sync(ctx context.Context, options SyncOptions) (*SyncResponse, error)
}

// Compile-time check: *DirectSession implements Session.
var _ Session = (*DirectSession)(nil)
