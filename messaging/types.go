// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/bureau-foundation/courier/lib/ref"
)

// Event types and relation types used by the bot.
const (
	EventTypeMessage = "m.room.message"
	EventTypeMember  = "m.room.member"

	RelTypeThread  = "m.thread"
	RelTypeReplace = "m.replace"

	MsgTypeText   = "m.text"
	MsgTypeNotice = "m.notice"

	// FormatHTML is the only rich format Matrix defines for message bodies.
	FormatHTML = "org.matrix.custom.html"
)

// LoginRequest is the request body for password login.
type LoginRequest struct {
	Type                     string          `json:"type"`
	Identifier               *UserIdentifier `json:"identifier,omitempty"`
	Password                 string          `json:"password"`
	DeviceID                 string          `json:"device_id,omitempty"`
	InitialDeviceDisplayName string          `json:"initial_device_display_name,omitempty"`
}

// UserIdentifier names the account in a login request.
type UserIdentifier struct {
	Type string `json:"type"`
	User string `json:"user"`
}

// AuthResponse is returned by Login.
type AuthResponse struct {
	UserID      ref.UserID `json:"user_id"`
	AccessToken string     `json:"access_token"`
	DeviceID    string     `json:"device_id"`
}

// MessageContent is the content body of a Matrix message event
// (m.room.message). A streamed response is one MessageContent sent
// first and then replaced by edits built with NewEdit.
type MessageContent struct {
	MsgType       string          `json:"msgtype"`
	Body          string          `json:"body"`
	Format        string          `json:"format,omitempty"`
	FormattedBody string          `json:"formatted_body,omitempty"`
	Mentions      *Mentions       `json:"m.mentions,omitempty"`
	RelatesTo     *RelatesTo      `json:"m.relates_to,omitempty"`
	NewContent    *MessageContent `json:"m.new_content,omitempty"`
}

// Mentions identifies users referenced in a message. Follows the Matrix
// m.mentions format. An empty, non-nil Mentions tells clients the
// message pings nobody, which keeps edits from notifying again.
type Mentions struct {
	UserIDs []string `json:"user_ids,omitempty"`
}

// RelatesTo expresses relationships between events. A plain reply sets
// only InReplyTo; threads set RelType "m.thread" with the root as
// EventID; edits set RelType "m.replace" with the edited event.
type RelatesTo struct {
	RelType       string      `json:"rel_type,omitempty"`
	EventID       ref.EventID `json:"event_id,omitzero"`
	IsFallingBack bool        `json:"is_falling_back,omitempty"`
	InReplyTo     *InReplyTo  `json:"m.in_reply_to,omitempty"`
}

// InReplyTo references the event being replied to.
type InReplyTo struct {
	EventID ref.EventID `json:"event_id"`
}

// NewTextMessage creates a plain text message with no relations.
func NewTextMessage(body string) MessageContent {
	return MessageContent{
		MsgType: MsgTypeText,
		Body:    body,
	}
}

// NewReply creates a message replying to inReplyTo outside any thread.
func NewReply(inReplyTo ref.EventID, body string) MessageContent {
	return MessageContent{
		MsgType: MsgTypeText,
		Body:    body,
		RelatesTo: &RelatesTo{
			InReplyTo: &InReplyTo{EventID: inReplyTo},
		},
	}
}

// NewThreadReply creates a message in the thread rooted at
// threadRootID. When inReplyTo is zero the reply falls back to the
// root, as clients without thread support expect; otherwise it is a
// real reply to inReplyTo inside the thread.
func NewThreadReply(threadRootID, inReplyTo ref.EventID, body string) MessageContent {
	relation := &RelatesTo{
		RelType: RelTypeThread,
		EventID: threadRootID,
	}
	if inReplyTo.IsZero() {
		relation.IsFallingBack = true
		relation.InReplyTo = &InReplyTo{EventID: threadRootID}
	} else {
		relation.InReplyTo = &InReplyTo{EventID: inReplyTo}
	}
	return MessageContent{
		MsgType:   MsgTypeText,
		Body:      body,
		RelatesTo: relation,
	}
}

// WithHTML returns a copy of the message carrying formatted as its
// HTML rendering.
func (m MessageContent) WithHTML(formatted string) MessageContent {
	m.Format = FormatHTML
	m.FormattedBody = formatted
	return m
}

// NewEdit creates an m.replace edit of target carrying replacement as
// the new content. The outer body is the "* "-prefixed fallback shown
// by clients that do not understand edits. Relations on replacement
// are dropped: an edit cannot change what the original relates to.
func NewEdit(target ref.EventID, replacement MessageContent) MessageContent {
	replacement.RelatesTo = nil
	replacement.NewContent = nil
	replacement.Mentions = nil

	edit := MessageContent{
		MsgType:    replacement.MsgType,
		Body:       "* " + replacement.Body,
		Mentions:   &Mentions{},
		NewContent: &replacement,
		RelatesTo: &RelatesTo{
			RelType: RelTypeReplace,
			EventID: target,
		},
	}
	if replacement.Format != "" {
		edit.Format = replacement.Format
		edit.FormattedBody = "* " + replacement.FormattedBody
	}
	return edit
}

// Event represents a Matrix event from the server.
type Event struct {
	EventID        ref.EventID    `json:"event_id"`
	Type           string         `json:"type"`
	Sender         ref.UserID     `json:"sender"`
	OriginServerTS int64          `json:"origin_server_ts"`
	Content        map[string]any `json:"content"`
	RoomID         ref.RoomID     `json:"room_id,omitzero"`
	StateKey       *string        `json:"state_key,omitempty"`
	Unsigned       *EventUnsigned `json:"unsigned,omitempty"`
}

// EventUnsigned holds optional unsigned data attached to events.
type EventUnsigned struct {
	Age           int64  `json:"age,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// SyncOptions controls the behavior of the /sync endpoint.
type SyncOptions struct {
	Since      string // next_batch token from previous sync; empty for initial sync
	Timeout    int    // long-poll timeout in milliseconds; 0 for immediate return
	SetTimeout bool   // if true, send the timeout parameter (needed to distinguish "not set" from "0")
	Filter     string // filter ID or inline JSON filter
}

// SyncResponse is the top-level response from /sync.
type SyncResponse struct {
	NextBatch string       `json:"next_batch"`
	Rooms     RoomsSection `json:"rooms"`
}

// RoomsSection contains per-room sync data grouped by membership state.
// Map keys are room IDs; encoding/json uses ref.RoomID's TextUnmarshaler
// for validation at deserialization.
type RoomsSection struct {
	Join   map[ref.RoomID]JoinedRoom  `json:"join,omitempty"`
	Invite map[ref.RoomID]InvitedRoom `json:"invite,omitempty"`
}

// JoinedRoom contains sync data for a room the user has joined.
type JoinedRoom struct {
	Summary  RoomSummary     `json:"summary"`
	Timeline TimelineSection `json:"timeline"`
	State    StateSection    `json:"state"`
}

// RoomSummary carries the member counts a client needs to tell a direct
// chat from a group room. Servers omit fields that did not change since
// the last sync.
type RoomSummary struct {
	JoinedMemberCount  *int `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int `json:"m.invited_member_count,omitempty"`
}

// InvitedRoom contains sync data for a room the user was invited to.
type InvitedRoom struct {
	InviteState StateSection `json:"invite_state"`
}

// TimelineSection contains timeline events from a sync response.
type TimelineSection struct {
	Events    []Event `json:"events"`
	PrevBatch string  `json:"prev_batch"`
	Limited   bool    `json:"limited"`
}

// StateSection contains state events from a sync response.
type StateSection struct {
	Events []Event `json:"events"`
}

// SendEventResponse is returned by SendMessage and SendEvent.
type SendEventResponse struct {
	EventID ref.EventID `json:"event_id"`
}

// WhoAmIResponse is returned by WhoAmI.
type WhoAmIResponse struct {
	UserID   ref.UserID `json:"user_id"`
	DeviceID string     `json:"device_id,omitempty"`
}

// ResolveAliasResponse is returned by ResolveAlias.
type ResolveAliasResponse struct {
	RoomID  ref.RoomID `json:"room_id"`
	Servers []string   `json:"servers"`
}

// JoinedRoomsResponse is returned by JoinedRooms.
type JoinedRoomsResponse struct {
	JoinedRooms []ref.RoomID `json:"joined_rooms"`
}

// JoinedMembersResponse is returned by the /joined_members endpoint.
// Keys are user IDs.
type JoinedMembersResponse struct {
	Joined map[string]JoinedMember `json:"joined"`
}

// JoinedMember is one entry of JoinedMembersResponse.
type JoinedMember struct {
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// ServerVersionsResponse is returned by Client.ServerVersions.
type ServerVersionsResponse struct {
	Versions         []string        `json:"versions"`
	UnstableFeatures map[string]bool `json:"unstable_features,omitempty"`
}
