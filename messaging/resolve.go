// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"context"
	"fmt"
	"strings"

	"github.com/bureau-foundation/courier/lib/ref"
)

// ResolveRoom turns a configured room reference into a room ID. Room
// IDs ("!abc:example.org") are parsed; aliases ("#help:example.org")
// are resolved through the homeserver directory.
func ResolveRoom(ctx context.Context, session Session, reference string) (ref.RoomID, error) {
	if strings.HasPrefix(reference, "#") {
		roomID, err := session.ResolveAlias(ctx, reference)
		if err != nil {
			return ref.RoomID{}, err
		}
		return roomID, nil
	}
	roomID, err := ref.ParseRoomID(reference)
	if err != nil {
		return ref.RoomID{}, fmt.Errorf("messaging: room %q is neither a room ID nor an alias: %w", reference, err)
	}
	return roomID, nil
}
