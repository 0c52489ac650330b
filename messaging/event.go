// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"github.com/bureau-foundation/courier/lib/ref"
)

// Body returns the content.body string of a message event, or "".
func (e Event) Body() string {
	body, _ := e.Content["body"].(string)
	return body
}

// MsgType returns the content.msgtype string of a message event, or "".
func (e Event) MsgType() string {
	msgType, _ := e.Content["msgtype"].(string)
	return msgType
}

// relation returns content["m.relates_to"] as a map, or nil.
func (e Event) relation() map[string]any {
	relation, _ := e.Content["m.relates_to"].(map[string]any)
	return relation
}

// IsEdit reports whether the event replaces an earlier one.
func (e Event) IsEdit() bool {
	relType, _ := e.relation()["rel_type"].(string)
	return relType == RelTypeReplace
}

// ThreadRoot returns the root of the thread the event belongs to, or
// the zero EventID when it is not in a thread.
func (e Event) ThreadRoot() ref.EventID {
	relation := e.relation()
	if relType, _ := relation["rel_type"].(string); relType != RelTypeThread {
		return ref.EventID{}
	}
	raw, _ := relation["event_id"].(string)
	root, err := ref.ParseEventID(raw)
	if err != nil {
		return ref.EventID{}
	}
	return root
}

// InReplyTo returns the event this message replies to, or the zero
// EventID. The fallback reply a thread message carries for clients
// without thread support does not count.
func (e Event) InReplyTo() ref.EventID {
	relation := e.relation()
	if fallingBack, _ := relation["is_falling_back"].(bool); fallingBack {
		return ref.EventID{}
	}
	inReplyTo, _ := relation["m.in_reply_to"].(map[string]any)
	raw, _ := inReplyTo["event_id"].(string)
	target, err := ref.ParseEventID(raw)
	if err != nil {
		return ref.EventID{}
	}
	return target
}

// MentionedUserIDs returns the user IDs listed in content["m.mentions"].
func (e Event) MentionedUserIDs() []string {
	mentions, _ := e.Content["m.mentions"].(map[string]any)
	raw, _ := mentions["user_ids"].([]any)
	userIDs := make([]string, 0, len(raw))
	for _, value := range raw {
		if userID, ok := value.(string); ok {
			userIDs = append(userIDs, userID)
		}
	}
	return userIDs
}
