// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package responder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bureau-foundation/courier/lib/llm"
	"github.com/bureau-foundation/courier/lib/ref"
	"github.com/bureau-foundation/courier/messaging"
)

// DefaultMaxMessages bounds a conversation when Config.MaxMessages is
// zero.
const DefaultMaxMessages = 25

// historySize is how many turns the cache remembers across all rooms.
const historySize = 500

// turn is one message of a reply chain as the model sees it.
type turn struct {
	role   llm.Role
	parent ref.EventID

	// ready is closed once text is final. Turns for responses still
	// being delivered are cached before their text is known, so a
	// reply to one waits for it to finish.
	ready chan struct{}
	text  string
}

func settledTurn(role llm.Role, text string, parent ref.EventID) *turn {
	t := &turn{role: role, text: text, parent: parent, ready: make(chan struct{})}
	close(t.ready)
	return t
}

// settle records the final text and wakes waiters. It must be called
// exactly once on a turn created with pendingTurn.
func (t *turn) settle(text string) {
	t.text = text
	close(t.ready)
}

func pendingTurn(role llm.Role, parent ref.EventID) *turn {
	return &turn{role: role, parent: parent, ready: make(chan struct{})}
}

// history caches the turns the responder has seen or produced, keyed
// by event ID. The bot's own responses are only known in full here:
// fetching them from the homeserver returns their first version, the
// placeholder.
type history struct {
	mu    sync.Mutex
	turns map[ref.EventID]*turn
	order []ref.EventID
	limit int
}

func newHistory(limit int) *history {
	return &history{turns: make(map[ref.EventID]*turn), limit: limit}
}

func (h *history) get(eventID ref.EventID) (*turn, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.turns[eventID]
	return t, ok
}

// put adds or replaces a turn, dropping the oldest entries beyond the
// limit.
func (h *history) put(eventID ref.EventID, t *turn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.turns[eventID]; !exists {
		h.order = append(h.order, eventID)
	}
	h.turns[eventID] = t
	for len(h.order) > h.limit {
		delete(h.turns, h.order[0])
		h.order = h.order[1:]
	}
}

// lookup returns the turn for an event of roomID, from the cache or
// else from the homeserver. It waits for turns still being delivered.
func (r *Responder) lookup(ctx context.Context, roomID ref.RoomID, eventID ref.EventID) (*turn, error) {
	t, ok := r.history.get(eventID)
	if !ok {
		event, err := r.config.Session.GetEvent(ctx, roomID, eventID)
		if err != nil {
			return nil, err
		}
		t = r.eventTurn(event)
		r.history.put(eventID, t)
	}
	select {
	case <-t.ready:
		return t, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// eventTurn converts a fetched event. The bot's own events carry no
// text here: as fetched they show the placeholder, and the final text
// lives in edits.
func (r *Responder) eventTurn(event messaging.Event) *turn {
	self := r.config.Session.UserID()
	if event.Sender == self {
		return settledTurn(llm.RoleAssistant, "", event.InReplyTo())
	}
	text := ""
	if event.Type == messaging.EventTypeMessage && !event.IsEdit() {
		text = requestText(event, self)
	}
	return settledTurn(llm.RoleUser, text, event.InReplyTo())
}

// conversation walks the reply chain back from request and returns
// the messages for the model, oldest first. At most maxMessages
// events are visited, the request included. A parent that cannot be
// fetched ends the walk; the conversation then starts after it.
func (r *Responder) conversation(ctx context.Context, roomID ref.RoomID, request *turn) ([]llm.Message, error) {
	chain := []*turn{request}
	parent := request.parent
	for !parent.IsZero() && len(chain) < r.maxMessages() {
		previous, err := r.lookup(ctx, roomID, parent)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("reply chain cut short, fetching parent failed",
				"room_id", roomID,
				"event_id", parent,
				"error", err,
			)
			break
		}
		chain = append(chain, previous)
		parent = previous.parent
	}

	// Adjacent turns of one role are merged: providers expect the
	// roles to alternate.
	messages := make([]llm.Message, 0, len(chain))
	for index := len(chain) - 1; index >= 0; index-- {
		t := chain[index]
		if t.text == "" {
			continue
		}
		if last := len(messages) - 1; last >= 0 && messages[last].Role == t.role {
			messages[last].Content += "\n\n" + t.text
			continue
		}
		messages = append(messages, llm.Message{Role: t.role, Content: t.text})
	}
	if len(messages) == 0 {
		return nil, fmt.Errorf("responder: request has no text")
	}
	return messages, nil
}

func (r *Responder) maxMessages() int {
	if r.config.MaxMessages > 0 {
		return r.config.MaxMessages
	}
	return DefaultMaxMessages
}

// requestText is the text a user message contributes: the body with
// any reply quote and the bot's own user ID removed.
func requestText(message messaging.Event, self ref.UserID) string {
	body := message.Body()
	if !message.InReplyTo().IsZero() {
		body = stripReplyFallback(body)
	}
	return prompt(body, self)
}

// stripReplyFallback removes the quoted parent that clients put in
// front of a reply's plain-text body ("> <@alice:example.org> ...",
// then an empty line).
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	index := 0
	for index < len(lines) && strings.HasPrefix(lines[index], ">") {
		index++
	}
	if index < len(lines) && lines[index] == "" {
		index++
	}
	return strings.Join(lines[index:], "\n")
}
