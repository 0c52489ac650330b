// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/delivery/matrixunit"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/llm"
	"github.com/bureau-foundation/courier/lib/ratelimit"
	"github.com/bureau-foundation/courier/lib/ref"
	"github.com/bureau-foundation/courier/lib/testutil"
	"github.com/bureau-foundation/courier/messaging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const waitTimeout = 5 * time.Second

var (
	botID   = ref.MustParseUserID("@courier:example.org")
	alice   = ref.MustParseUserID("@alice:example.org")
	mallory = ref.MustParseUserID("@mallory:example.org")
	group   = ref.MustParseRoomID("!group:example.org")
	direct  = ref.MustParseRoomID("!direct:example.org")
)

// sentEvent is one event the responder sent, with its content decoded
// the way a client would see it.
type sentEvent struct {
	RoomID        ref.RoomID
	TransactionID string
	Content       map[string]any
}

// body returns the visible text: m.new_content.body for edits.
func (e sentEvent) body() string {
	if replacement, ok := e.Content["m.new_content"].(map[string]any); ok {
		body, _ := replacement["body"].(string)
		return body
	}
	body, _ := e.Content["body"].(string)
	return body
}

func (e sentEvent) relation() map[string]any {
	relation, _ := e.Content["m.relates_to"].(map[string]any)
	return relation
}

// fakeSession serves scripted /sync batches and records sends.
type fakeSession struct {
	messaging.Session

	batches chan *messaging.SyncResponse
	sent    chan sentEvent
	joined  chan ref.RoomID

	mu      sync.Mutex
	counter int
	members map[ref.RoomID]int
	events  map[ref.EventID]messaging.Event
	fetched []ref.EventID
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		batches: make(chan *messaging.SyncResponse),
		sent:    make(chan sentEvent, 64),
		joined:  make(chan ref.RoomID, 8),
		members: map[ref.RoomID]int{group: 5, direct: 2},
		events:  make(map[ref.EventID]messaging.Event),
	}
}

// addEvent makes event available to GetEvent.
func (s *fakeSession) addEvent(event messaging.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.EventID] = event
}

func (s *fakeSession) GetEvent(_ context.Context, _ ref.RoomID, eventID ref.EventID) (messaging.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetched = append(s.fetched, eventID)
	event, ok := s.events[eventID]
	if !ok {
		return messaging.Event{}, &messaging.MatrixError{Code: messaging.ErrCodeNotFound, Message: "Event not found", StatusCode: 404}
	}
	return event, nil
}

func (s *fakeSession) Fetched() []ref.EventID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ref.EventID(nil), s.fetched...)
}

func (s *fakeSession) UserID() ref.UserID { return botID }

func (s *fakeSession) Sync(ctx context.Context, options messaging.SyncOptions) (*messaging.SyncResponse, error) {
	if options.Since == "" {
		return &messaging.SyncResponse{NextBatch: "s0"}, nil
	}
	select {
	case batch := <-s.batches:
		return batch, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSession) SendEventWithTransactionID(_ context.Context, roomID ref.RoomID, _, transactionID string, content any) (ref.EventID, error) {
	data, err := json.Marshal(content)
	if err != nil {
		return ref.EventID{}, err
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		return ref.EventID{}, err
	}
	s.mu.Lock()
	s.counter++
	eventID := ref.MustParseEventID(fmt.Sprintf("$sent%d", s.counter))
	s.mu.Unlock()
	s.sent <- sentEvent{RoomID: roomID, TransactionID: transactionID, Content: decoded}
	return eventID, nil
}

func (s *fakeSession) JoinRoom(_ context.Context, roomID ref.RoomID) (ref.RoomID, error) {
	s.joined <- roomID
	return roomID, nil
}

func (s *fakeSession) JoinedMemberCount(_ context.Context, roomID ref.RoomID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count, ok := s.members[roomID]
	if !ok {
		return 0, errors.New("unknown room")
	}
	return count, nil
}

// deliver hands one /sync batch to the responder.
func (s *fakeSession) deliver(t *testing.T, batch *messaging.SyncResponse) {
	t.Helper()
	testutil.RequireSend(t, s.batches, batch, waitTimeout, "responder did not sync")
}

func (s *fakeSession) nextSent(t *testing.T) sentEvent {
	t.Helper()
	return testutil.RequireReceive(t, s.sent, waitTimeout, "expected a sent event")
}

func (s *fakeSession) requireNothingSent(t *testing.T) {
	t.Helper()
	select {
	case event := <-s.sent:
		t.Fatalf("unexpected event sent: %+v", event.Content)
	case <-time.After(50 * time.Millisecond):
	}
}

// scriptedProvider streams fixed text and records the requests it got.
type scriptedProvider struct {
	chunks []string
	reason llm.StopReason

	mu       sync.Mutex
	requests []llm.Request
}

func (p *scriptedProvider) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (p *scriptedProvider) Stream(_ context.Context, request llm.Request) (*llm.EventStream, error) {
	p.mu.Lock()
	p.requests = append(p.requests, request)
	p.mu.Unlock()

	remaining := append([]string(nil), p.chunks...)
	var stream *llm.EventStream
	stream = llm.NewEventStream(func() (llm.StreamEvent, error) {
		if len(remaining) == 0 {
			stream.SetStopReason(p.reason)
			return llm.StreamEvent{}, io.EOF
		}
		text := remaining[0]
		remaining = remaining[1:]
		return llm.StreamEvent{Type: llm.EventTextDelta, Text: text}, nil
	}, nil)
	return stream, nil
}

func (p *scriptedProvider) Requests() []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]llm.Request(nil), p.requests...)
}

func messageEvent(id string, sender ref.UserID, body string, extra map[string]any) messaging.Event {
	content := map[string]any{"msgtype": messaging.MsgTypeText, "body": body}
	for key, value := range extra {
		content[key] = value
	}
	return messaging.Event{
		EventID: ref.MustParseEventID(id),
		Type:    messaging.EventTypeMessage,
		Sender:  sender,
		Content: content,
	}
}

// replyTo is the content of a reply to eventID.
func replyTo(eventID string) map[string]any {
	return map[string]any{"m.relates_to": map[string]any{
		"m.in_reply_to": map[string]any{"event_id": eventID},
	}}
}

func timeline(roomID ref.RoomID, events ...messaging.Event) *messaging.SyncResponse {
	return &messaging.SyncResponse{
		NextBatch: "next",
		Rooms: messaging.RoomsSection{Join: map[ref.RoomID]messaging.JoinedRoom{
			roomID: {Timeline: messaging.TimelineSection{Events: events}},
		}},
	}
}

// running starts a Responder and returns a stop function that cancels
// it and checks that Run returned cleanly.
func running(t *testing.T, config Config) (stop func()) {
	t.Helper()
	responder, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- responder.Run(ctx) }()
	return func() {
		cancel()
		if err := testutil.RequireReceive(t, done, waitTimeout, "Run did not return"); err != nil {
			t.Errorf("Run: %v", err)
		}
	}
}

// baseConfig uses a fake clock that never advances, so every response
// is one placeholder followed by one terminal edit.
func baseConfig(session *fakeSession, provider llm.Provider) Config {
	return Config{
		Session:  session,
		Provider: provider,
		Model:    "test-model",
		Delivery: delivery.Config{Clock: clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))},
	}
}

func TestNewValidates(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{}
	if _, err := New(Config{Provider: provider, Model: "m"}); err == nil {
		t.Error("expected error without session")
	}
	if _, err := New(Config{Session: session, Model: "m"}); err == nil {
		t.Error("expected error without provider")
	}
	if _, err := New(Config{Session: session, Provider: provider}); err == nil {
		t.Error("expected error without model")
	}
}

func TestRespondsToMention(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{chunks: []string{"Hello ", "Alice!"}, reason: llm.StopEndTurn}
	config := baseConfig(session, provider)
	config.SystemPrompt = "Be brief."
	stop := running(t, config)
	defer stop()

	session.deliver(t, timeline(group, messageEvent("$ask", alice, "@courier:example.org: say hi", nil)))

	placeholder := session.nextSent(t)
	if placeholder.RoomID != group {
		t.Errorf("placeholder sent to %s, want %s", placeholder.RoomID, group)
	}
	if !strings.HasPrefix(placeholder.body(), "...") {
		t.Errorf("placeholder body = %q", placeholder.body())
	}
	inReplyTo, _ := placeholder.relation()["m.in_reply_to"].(map[string]any)
	if inReplyTo["event_id"] != "$ask" {
		t.Errorf("placeholder does not reply to the request: %+v", placeholder.relation())
	}

	final := session.nextSent(t)
	if final.body() != "Hello Alice!" {
		t.Errorf("final body = %q, want %q", final.body(), "Hello Alice!")
	}
	if final.relation()["rel_type"] != messaging.RelTypeReplace || final.relation()["event_id"] != "$sent1" {
		t.Errorf("final event is not an edit of the placeholder: %+v", final.relation())
	}

	requests := provider.Requests()
	if len(requests) != 1 {
		t.Fatalf("provider got %d requests, want 1", len(requests))
	}
	if requests[0].System != "Be brief." || requests[0].Model != "test-model" {
		t.Errorf("unexpected request: %+v", requests[0])
	}
	if got := requests[0].Messages[0].Content; got != "say hi" {
		t.Errorf("prompt = %q, want %q", got, "say hi")
	}
}

func TestRespondsInDirectRoomWithoutMention(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{chunks: []string{"Sure."}, reason: llm.StopEndTurn}
	stop := running(t, baseConfig(session, provider))
	defer stop()

	session.deliver(t, timeline(direct, messageEvent("$dm", alice, "can you help?", nil)))

	session.nextSent(t)
	if final := session.nextSent(t); final.body() != "Sure." {
		t.Errorf("final body = %q", final.body())
	}
}

func TestIgnoresMessagesNotForTheBot(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{chunks: []string{"answer"}, reason: llm.StopEndTurn}
	config := baseConfig(session, provider)
	config.Users.Blocked = []string{mallory.String()}
	stop := running(t, config)
	defer stop()

	session.deliver(t, timeline(group,
		messageEvent("$chatter", alice, "just talking among ourselves", nil),
		messageEvent("$self", botID, "@courier:example.org talking to myself", nil),
		messageEvent("$blocked", mallory, "@courier:example.org hi", nil),
		messageEvent("$edit", alice, "* @courier:example.org edited", map[string]any{
			"m.relates_to": map[string]any{"rel_type": messaging.RelTypeReplace, "event_id": "$chatter"},
		}),
		messaging.Event{
			EventID: ref.MustParseEventID("$notice"),
			Type:    messaging.EventTypeMessage,
			Sender:  alice,
			Content: map[string]any{"msgtype": messaging.MsgTypeNotice, "body": "@courier:example.org notice"},
		},
		messageEvent("$wanted", alice, "hey", map[string]any{
			"m.mentions": map[string]any{"user_ids": []any{botID.String()}},
		}),
	))

	placeholder := session.nextSent(t)
	inReplyTo, _ := placeholder.relation()["m.in_reply_to"].(map[string]any)
	if inReplyTo["event_id"] != "$wanted" {
		t.Fatalf("first response replies to %v, want $wanted", inReplyTo["event_id"])
	}
	session.nextSent(t)
	session.requireNothingSent(t)

	if got := len(provider.Requests()); got != 1 {
		t.Errorf("provider got %d requests, want 1", got)
	}
}

func TestIgnoresUnwatchedRooms(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{chunks: []string{"x"}, reason: llm.StopEndTurn}
	config := baseConfig(session, provider)
	config.Rooms = []ref.RoomID{group}
	stop := running(t, config)
	defer stop()

	session.deliver(t, timeline(direct, messageEvent("$dm", alice, "hello", nil)))
	session.requireNothingSent(t)
}

func TestThreadedResponses(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{chunks: []string{"threaded"}, reason: llm.StopEndTurn}
	config := baseConfig(session, provider)
	config.Threaded = true
	stop := running(t, config)
	defer stop()

	session.deliver(t, timeline(direct, messageEvent("$root", alice, "start a thread", nil)))

	placeholder := session.nextSent(t)
	relation := placeholder.relation()
	if relation["rel_type"] != messaging.RelTypeThread || relation["event_id"] != "$root" {
		t.Errorf("placeholder not in a thread on the request: %+v", relation)
	}
	session.nextSent(t)
}

func TestRateLimitedUserGetsNotice(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{chunks: []string{"ok"}, reason: llm.StopEndTurn}
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	limiter, err := ratelimit.New(ratelimit.Config{
		User:  ratelimit.Rule{Limit: 1, Period: time.Minute},
		Clock: fake,
	})
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	config := baseConfig(session, provider)
	config.Limiter = limiter
	stop := running(t, config)
	defer stop()

	session.deliver(t, timeline(direct, messageEvent("$first", alice, "one", nil)))
	session.nextSent(t)
	if final := session.nextSent(t); final.body() != "ok" {
		t.Fatalf("first response = %q", final.body())
	}

	session.deliver(t, timeline(direct, messageEvent("$second", alice, "two", nil)))
	session.nextSent(t)
	notice := session.nextSent(t)
	if !strings.Contains(notice.body(), "try again in 60s") {
		t.Errorf("notice = %q", notice.body())
	}
	// The terminal edit keeps the notice and drops the streaming
	// indicator.
	want := strings.TrimSuffix(notice.body(), matrixunit.StreamingIndicator)
	if final := session.nextSent(t); final.body() != want {
		t.Errorf("final body = %q, want %q", final.body(), want)
	}
	if got := len(provider.Requests()); got != 1 {
		t.Errorf("provider got %d requests, want 1", got)
	}
}

func TestAcceptsInvites(t *testing.T) {
	session := newFakeSession()
	config := baseConfig(session, &scriptedProvider{})
	config.AutoJoin = true
	config.RoomAccess.Blocked = []string{"!blocked:example.org"}
	stop := running(t, config)
	defer stop()

	invitedRoom := ref.MustParseRoomID("!invited:example.org")
	blockedRoom := ref.MustParseRoomID("!blocked:example.org")
	session.deliver(t, &messaging.SyncResponse{
		NextBatch: "next",
		Rooms: messaging.RoomsSection{Invite: map[ref.RoomID]messaging.InvitedRoom{
			invitedRoom: {},
			blockedRoom: {},
		}},
	})

	if joined := testutil.RequireReceive(t, session.joined, waitTimeout, "invite not accepted"); joined != invitedRoom {
		t.Errorf("joined %s, want %s", joined, invitedRoom)
	}
	select {
	case joined := <-session.joined:
		t.Errorf("joined blocked room %s", joined)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRunWaitsForInflightResponses(t *testing.T) {
	session := newFakeSession()
	release := make(chan struct{})
	provider := &blockingProvider{release: release}
	stop := running(t, baseConfig(session, provider))

	session.deliver(t, timeline(direct, messageEvent("$slow", alice, "take your time", nil)))
	session.nextSent(t)

	// Shutdown aborts the response; the abort still reaches the room.
	stop()
	close(release)
	final := session.nextSent(t)
	if !strings.Contains(final.body(), "(failed)") {
		t.Errorf("interrupted response body = %q, want a failed marker", final.body())
	}
}

// blockingProvider streams nothing until its context ends.
type blockingProvider struct {
	release chan struct{}
}

func (p *blockingProvider) Complete(context.Context, llm.Request) (*llm.Response, error) {
	return nil, errors.New("not used")
}

func (p *blockingProvider) Stream(ctx context.Context, _ llm.Request) (*llm.EventStream, error) {
	return llm.NewEventStream(func() (llm.StreamEvent, error) {
		select {
		case <-ctx.Done():
			return llm.StreamEvent{}, ctx.Err()
		case <-p.release:
			return llm.StreamEvent{}, io.EOF
		}
	}, nil), nil
}

func TestPrompt(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"@courier:example.org: what time is it?", "what time is it?"},
		{"@courier:example.org, hello", "hello"},
		{"hello @courier:example.org", "hello"},
		{"no mention", "no mention"},
	}
	for _, test := range tests {
		if got := prompt(test.body, botID); got != test.want {
			t.Errorf("prompt(%q) = %q, want %q", test.body, got, test.want)
		}
	}
}

func TestRateLimitNotice(t *testing.T) {
	if got := rateLimitNotice(11500 * time.Millisecond); !strings.Contains(got, "12s") {
		t.Errorf("notice = %q, want cooldown rounded up to 12s", got)
	}
}

func TestFollowsReplyChain(t *testing.T) {
	session := newFakeSession()
	provider := &scriptedProvider{chunks: []string{"answer"}, reason: llm.StopEndTurn}
	stop := running(t, baseConfig(session, provider))
	defer stop()

	session.deliver(t, timeline(group, messageEvent("$q1", alice, "@courier:example.org: first question", nil)))
	first := session.nextSent(t)
	session.nextSent(t)

	// No mention: answering a reply to the bot is enough.
	session.deliver(t, timeline(group, messageEvent("$q2", alice, "second question", replyTo("$sent1"))))
	session.nextSent(t)
	session.nextSent(t)

	session.deliver(t, timeline(group, messageEvent("$q3", alice,
		"> <@courier:example.org> answer\n\nthird question", replyTo("$sent3"))))
	session.nextSent(t)
	session.nextSent(t)

	if !strings.HasPrefix(first.body(), "...") {
		t.Errorf("first placeholder = %q", first.body())
	}
	requests := provider.Requests()
	if len(requests) != 3 {
		t.Fatalf("provider got %d requests, want 3", len(requests))
	}
	want := []llm.Message{
		{Role: llm.RoleUser, Content: "first question"},
		{Role: llm.RoleAssistant, Content: "answer"},
		{Role: llm.RoleUser, Content: "second question"},
		{Role: llm.RoleAssistant, Content: "answer"},
		{Role: llm.RoleUser, Content: "third question"},
	}
	if diff := cmp.Diff(want, requests[2].Messages); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}
	if fetched := session.Fetched(); len(fetched) != 0 {
		t.Errorf("chain of known responses fetched %v from the homeserver", fetched)
	}
}

func TestReplyChainFetchesUnknownEvents(t *testing.T) {
	session := newFakeSession()
	session.addEvent(messageEvent("$old-question", alice, "what is go?", nil))
	session.addEvent(messageEvent("$old-answer", botID, "...", replyTo("$old-question")))
	provider := &scriptedProvider{chunks: []string{"a language"}, reason: llm.StopEndTurn}
	stop := running(t, baseConfig(session, provider))
	defer stop()

	session.deliver(t, timeline(group, messageEvent("$follow", alice, "and rust?", replyTo("$old-answer"))))
	session.nextSent(t)
	session.nextSent(t)

	// The bot's own earlier message shows only its placeholder when
	// fetched, so it adds no text and the user turns merge.
	want := []llm.Message{{Role: llm.RoleUser, Content: "what is go?\n\nand rust?"}}
	if diff := cmp.Diff(want, provider.Requests()[0].Messages); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}
	wantFetched := []ref.EventID{ref.MustParseEventID("$old-answer"), ref.MustParseEventID("$old-question")}
	if diff := cmp.Diff(wantFetched, session.Fetched(), cmp.Comparer(func(a, b ref.EventID) bool { return a == b })); diff != "" {
		t.Errorf("fetched mismatch (-want +got):\n%s", diff)
	}
}

func TestReplyChainLimitedByMaxMessages(t *testing.T) {
	session := newFakeSession()
	session.addEvent(messageEvent("$old-question", alice, "what is go?", nil))
	session.addEvent(messageEvent("$old-answer", botID, "...", replyTo("$old-question")))
	provider := &scriptedProvider{chunks: []string{"ok"}, reason: llm.StopEndTurn}
	config := baseConfig(session, provider)
	config.MaxMessages = 2
	stop := running(t, config)
	defer stop()

	session.deliver(t, timeline(group, messageEvent("$follow", alice, "and rust?", replyTo("$old-answer"))))
	session.nextSent(t)
	session.nextSent(t)

	want := []llm.Message{{Role: llm.RoleUser, Content: "and rust?"}}
	if diff := cmp.Diff(want, provider.Requests()[0].Messages); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}
	for _, eventID := range session.Fetched() {
		if eventID.String() == "$old-question" {
			t.Error("walk went past the message limit")
		}
	}
}

func TestReplyTriggers(t *testing.T) {
	session := newFakeSession()
	session.addEvent(messageEvent("$human", mallory, "unrelated", nil))
	provider := &scriptedProvider{chunks: []string{"ok"}, reason: llm.StopEndTurn}
	stop := running(t, baseConfig(session, provider))
	defer stop()

	// A reply to someone else is ordinary chatter, even when the
	// quoted parent names the bot.
	session.deliver(t, timeline(group, messageEvent("$chatter", alice, "I agree", replyTo("$human"))))
	session.deliver(t, timeline(group, messageEvent("$quoting", alice,
		"> <@mallory:example.org> ask @courier:example.org\n\nno thanks", replyTo("$human"))))
	session.requireNothingSent(t)

	// A mention whose parent cannot be fetched is answered on its own.
	session.deliver(t, timeline(group, messageEvent("$orphan", alice,
		"@courier:example.org what about this?", replyTo("$missing"))))
	session.nextSent(t)
	session.nextSent(t)

	requests := provider.Requests()
	if len(requests) != 1 {
		t.Fatalf("provider got %d requests, want 1", len(requests))
	}
	want := []llm.Message{{Role: llm.RoleUser, Content: "what about this?"}}
	if diff := cmp.Diff(want, requests[0].Messages); diff != "" {
		t.Errorf("conversation mismatch (-want +got):\n%s", diff)
	}
}

func TestStripReplyFallback(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{"> <@alice:example.org> quoted\n> more\n\nactual reply", "actual reply"},
		{"no quote", "no quote"},
		{">not a fallback", ">not a fallback"},
	}
	for _, test := range tests {
		if got := stripReplyFallback(test.body); got != test.want {
			t.Errorf("stripReplyFallback(%q) = %q, want %q", test.body, got, test.want)
		}
	}
}
