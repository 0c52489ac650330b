// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package responder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/delivery/matrixunit"
	"github.com/bureau-foundation/courier/lib/config"
	"github.com/bureau-foundation/courier/lib/llm"
	"github.com/bureau-foundation/courier/lib/ratelimit"
	"github.com/bureau-foundation/courier/lib/ref"
	"github.com/bureau-foundation/courier/messaging"
)

// Config configures a Responder.
type Config struct {
	Session  messaging.Session
	Provider llm.Provider

	// Model is the bare model name sent to Provider.
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  *float64

	// MaxMessages caps how many events of a reply chain are sent to
	// the model, the request included. Zero selects
	// DefaultMaxMessages.
	MaxMessages int

	// Rooms limits the bot to these rooms. Empty watches every joined
	// room.
	Rooms []ref.RoomID

	// Users and RoomAccess filter senders and rooms.
	Users      config.AccessList
	RoomAccess config.AccessList

	// Limiter rejects requests over budget. Nil admits everything.
	Limiter *ratelimit.Limiter

	// Placeholder is the content of a response before any text.
	Placeholder string

	// Delivery is the template for every response session. Its Logger
	// is replaced with one scoped to the request.
	Delivery delivery.Config

	// MaxUnitSize is the character limit of one message. Zero selects
	// matrixunit.DefaultMaxUnitSize.
	MaxUnitSize int

	// Threaded posts responses in a thread rooted at the request.
	// Requests already in a thread are answered in that thread either
	// way.
	Threaded bool

	// AutoJoin accepts invites to permitted rooms.
	AutoJoin bool

	Logger *slog.Logger
}

// Responder answers chat messages with streamed LLM responses.
type Responder struct {
	config  Config
	logger  *slog.Logger
	history *history

	inflight sync.WaitGroup
}

// New creates a Responder.
func New(config Config) (*Responder, error) {
	if config.Session == nil {
		return nil, errors.New("responder: session is required")
	}
	if config.Provider == nil {
		return nil, errors.New("responder: provider is required")
	}
	if config.Model == "" {
		return nil, errors.New("responder: model is required")
	}
	if config.Placeholder == "" {
		config.Placeholder = "..."
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Responder{config: config, logger: logger, history: newHistory(historySize)}, nil
}

// Run watches for messages until ctx is cancelled, then waits for
// in-flight responses to be finalized. It returns nil on cancellation
// and an error if the sync stream fails for good.
func (r *Responder) Run(ctx context.Context) error {
	defer r.inflight.Wait()

	watcher, err := messaging.Watch(ctx, r.config.Session, &messaging.SyncFilter{
		Rooms:         r.config.Rooms,
		TimelineTypes: []string{messaging.EventTypeMessage},
	}, r.logger)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("responder: %w", err)
	}
	r.logger.Info("watching for messages",
		"user_id", r.config.Session.UserID(),
		"rooms", len(r.config.Rooms),
	)

	for {
		event, err := watcher.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("responder: %w", err)
		}
		if event.Invited {
			r.acceptInvite(ctx, event)
			continue
		}
		if !r.addressed(ctx, event) {
			continue
		}
		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.respond(ctx, event)
		}()
	}
}

func (r *Responder) acceptInvite(ctx context.Context, event messaging.RoomEvent) {
	logger := r.logger.With("room_id", event.RoomID, "inviter", event.Inviter)
	if !r.config.AutoJoin {
		logger.Debug("ignoring invite, auto-join disabled")
		return
	}
	if !r.watchesRoom(event.RoomID) || !r.config.RoomAccess.Permits(event.RoomID.String()) {
		logger.Info("ignoring invite to room outside configuration")
		return
	}
	if !event.Inviter.IsZero() && !r.config.Users.Permits(event.Inviter.String()) {
		logger.Info("ignoring invite from blocked user")
		return
	}
	if _, err := r.config.Session.JoinRoom(ctx, event.RoomID); err != nil {
		logger.Warn("joining invited room failed", "error", err)
		return
	}
	logger.Info("joined room")
}

// addressed reports whether event is a message the bot should answer.
func (r *Responder) addressed(ctx context.Context, event messaging.RoomEvent) bool {
	message := event.Event
	self := r.config.Session.UserID()

	if message.Type != messaging.EventTypeMessage || message.MsgType() != messaging.MsgTypeText {
		return false
	}
	if message.Sender == self || message.IsEdit() || strings.TrimSpace(message.Body()) == "" {
		return false
	}
	if !r.watchesRoom(event.RoomID) {
		return false
	}
	if !r.config.RoomAccess.Permits(event.RoomID.String()) || !r.config.Users.Permits(message.Sender.String()) {
		r.logger.Debug("ignoring message without permission",
			"room_id", event.RoomID,
			"sender", message.Sender,
		)
		return false
	}

	if mentions(message, self) || r.repliesToBot(ctx, event.RoomID, message) {
		return true
	}
	members := event.JoinedMembers
	if members == 0 {
		count, err := r.config.Session.JoinedMemberCount(ctx, event.RoomID)
		if err != nil {
			r.logger.Warn("counting room members failed", "room_id", event.RoomID, "error", err)
			return false
		}
		members = count
	}
	return members == 2
}

// repliesToBot reports whether message is a reply to one of the bot's
// own messages.
func (r *Responder) repliesToBot(ctx context.Context, roomID ref.RoomID, message messaging.Event) bool {
	target := message.InReplyTo()
	if target.IsZero() {
		return false
	}
	if t, ok := r.history.get(target); ok {
		return t.role == llm.RoleAssistant
	}
	parent, err := r.config.Session.GetEvent(ctx, roomID, target)
	if err != nil {
		r.logger.Debug("fetching replied-to event failed",
			"room_id", roomID,
			"event_id", target,
			"error", err,
		)
		return false
	}
	r.history.put(target, r.eventTurn(parent))
	return parent.Sender == r.config.Session.UserID()
}

func (r *Responder) watchesRoom(roomID ref.RoomID) bool {
	return len(r.config.Rooms) == 0 || slices.Contains(r.config.Rooms, roomID)
}

// mentions reports whether message addresses user, through m.mentions
// or by naming the user ID in the body. A reply's quote of its parent
// does not count.
func mentions(message messaging.Event, user ref.UserID) bool {
	if slices.Contains(message.MentionedUserIDs(), user.String()) {
		return true
	}
	body := message.Body()
	if !message.InReplyTo().IsZero() {
		body = stripReplyFallback(body)
	}
	return strings.Contains(body, user.String())
}

// prompt strips the bot's own user ID from the request text.
func prompt(body string, self ref.UserID) string {
	body = strings.ReplaceAll(body, self.String(), "")
	body = strings.TrimSpace(body)
	return strings.TrimLeft(body, ":, ")
}

// respond delivers one response. It owns its delivery session from
// Open to finalization.
func (r *Responder) respond(ctx context.Context, event messaging.RoomEvent) {
	message := event.Event
	logger := r.logger.With(
		"room_id", event.RoomID,
		"event_id", message.EventID,
		"sender", message.Sender,
	)

	request := settledTurn(llm.RoleUser, requestText(message, r.config.Session.UserID()), message.InReplyTo())
	r.history.put(message.EventID, request)

	threadRoot := message.ThreadRoot()
	if threadRoot.IsZero() && r.config.Threaded {
		threadRoot = message.EventID
	}
	transport, err := matrixunit.New(matrixunit.Config{
		Session:     r.config.Session,
		RoomID:      event.RoomID,
		ReplyTo:     message.EventID,
		ThreadRoot:  threadRoot,
		PlainMode:   r.config.Delivery.PlainMode,
		MaxUnitSize: r.config.MaxUnitSize,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("creating transport failed", "error", err)
		return
	}

	sessionConfig := r.config.Delivery
	sessionConfig.Logger = logger
	session, err := delivery.Open(ctx, transport, r.config.Placeholder, sessionConfig)
	if err != nil {
		logger.Error("starting response failed", "error", err)
		return
	}

	// Replies to the response find it in history right away and wait
	// there until it is complete.
	response := pendingTurn(llm.RoleAssistant, message.EventID)
	r.remember(session.Units(), response)
	responseText := ""
	defer func() {
		response.settle(responseText)
		r.remember(session.Units(), response)
	}()

	if r.config.Limiter != nil {
		if allowed, cooldown := r.config.Limiter.Allow(message.Sender.String()); !allowed {
			logger.Info("rate limited", "cooldown", cooldown)
			r.sendNotice(ctx, session, rateLimitNotice(cooldown), logger)
			return
		}
	}

	messages, err := r.conversation(ctx, event.RoomID, request)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warn("building conversation failed", "error", err)
		}
		session.Abort(context.WithoutCancel(ctx), err)
		return
	}
	logger.Debug("conversation built", "messages", len(messages))
	generation := llm.Request{
		Model:       r.config.Model,
		System:      r.config.SystemPrompt,
		Messages:    messages,
		MaxTokens:   r.config.MaxTokens,
		Temperature: r.config.Temperature,
	}

	// The producer gets its own context so it stops once delivery
	// ends, whichever way it ends.
	generationContext, cancelGeneration := context.WithCancel(ctx)
	defer cancelGeneration()
	started := time.Now()
	err = delivery.Deliver(ctx, session, llm.Fragments(generationContext, r.config.Provider, generation))
	responseText = session.Text()
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("response interrupted by shutdown")
			return
		}
		logger.Warn("response not delivered in full", "error", err, "units", len(session.Units()))
		return
	}
	logger.Info("response delivered",
		"units", len(session.Units()),
		"duration", time.Since(started),
	)
}

// remember records t under every unit of a response.
func (r *Responder) remember(units []delivery.UnitHandle, t *turn) {
	for _, unit := range units {
		eventID, err := ref.ParseEventID(string(unit))
		if err != nil {
			continue
		}
		r.history.put(eventID, t)
	}
}

// sendNotice replaces the placeholder with a status message and closes
// the session.
func (r *Responder) sendNotice(ctx context.Context, session *delivery.Session, notice string, logger *slog.Logger) {
	if err := session.ReplaceAll(ctx, notice); err != nil {
		logger.Warn("sending notice failed", "error", err)
		session.Abort(ctx, err)
		return
	}
	if err := session.Finalize(ctx); err != nil {
		logger.Warn("finalizing notice failed", "error", err)
	}
}

func rateLimitNotice(cooldown time.Duration) string {
	seconds := int(math.Ceil(cooldown.Seconds()))
	return fmt.Sprintf("You're sending requests too quickly. Please try again in %ds.", seconds)
}
