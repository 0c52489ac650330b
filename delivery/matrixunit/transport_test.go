// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixunit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/lib/clock"
	"github.com/bureau-foundation/courier/lib/ref"
	"github.com/bureau-foundation/courier/messaging"
)

// fakeHomeserver records sends and deduplicates transaction IDs the way
// a homeserver does.
type fakeHomeserver struct {
	messaging.Session

	mu           sync.Mutex
	sent         []sentEvent
	byTxn        map[string]ref.EventID
	failures     []error
	dropResponse bool
}

type sentEvent struct {
	RoomID        ref.RoomID
	TransactionID string
	Content       messaging.MessageContent
	EventID       ref.EventID
}

func newFakeHomeserver() *fakeHomeserver {
	return &fakeHomeserver{byTxn: make(map[string]ref.EventID)}
}

func (f *fakeHomeserver) failNext(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, err)
}

func (f *fakeHomeserver) SendEventWithTransactionID(ctx context.Context, roomID ref.RoomID, eventType, transactionID string, content any) (ref.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return ref.EventID{}, err
	}
	if eventID, ok := f.byTxn[transactionID]; ok {
		return eventID, nil
	}
	eventID := ref.MustParseEventID(fmt.Sprintf("$event%d", len(f.sent)+1))
	f.byTxn[transactionID] = eventID
	f.sent = append(f.sent, sentEvent{
		RoomID:        roomID,
		TransactionID: transactionID,
		Content:       content.(messaging.MessageContent),
		EventID:       eventID,
	})
	if f.dropResponse {
		f.dropResponse = false
		return ref.EventID{}, fmt.Errorf("reading response: %w", errLost)
	}
	return eventID, nil
}

var errLost = errors.New("connection reset")

func (f *fakeHomeserver) Sent() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentEvent(nil), f.sent...)
}

var (
	testRoom    = ref.MustParseRoomID("!room:local")
	testTrigger = ref.MustParseEventID("$trigger")
)

func newTestTransport(t *testing.T, homeserver *fakeHomeserver, configure func(*Config)) *Transport {
	t.Helper()
	config := Config{Session: homeserver, RoomID: testRoom, ReplyTo: testTrigger}
	if configure != nil {
		configure(&config)
	}
	transport, err := New(config)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return transport
}

func TestNewValidates(t *testing.T) {
	if _, err := New(Config{RoomID: testRoom}); err == nil {
		t.Error("expected error without session")
	}
	if _, err := New(Config{Session: newFakeHomeserver()}); err == nil {
		t.Error("expected error without room")
	}
	if _, err := New(Config{Session: newFakeHomeserver(), RoomID: testRoom, MaxUnitSize: -1}); err == nil {
		t.Error("expected error for negative size")
	}
	transport, err := New(Config{Session: newFakeHomeserver(), RoomID: testRoom})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if transport.MaxUnitSize() != DefaultMaxUnitSize {
		t.Errorf("MaxUnitSize = %d, want default", transport.MaxUnitSize())
	}
}

func TestCreateRepliesToTrigger(t *testing.T) {
	homeserver := newFakeHomeserver()
	transport := newTestTransport(t, homeserver, nil)

	handle, err := transport.CreateUnit(context.Background(), delivery.Update{Content: "...", State: delivery.StateStreaming})
	if err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	sent := homeserver.Sent()
	if len(sent) != 1 || string(handle) != sent[0].EventID.String() {
		t.Fatalf("handle %q does not match sent %+v", handle, sent)
	}
	content := sent[0].Content
	if content.RelatesTo == nil || content.RelatesTo.InReplyTo == nil || content.RelatesTo.InReplyTo.EventID != testTrigger {
		t.Errorf("first unit must reply to the trigger: %+v", content.RelatesTo)
	}
	if content.RelatesTo.RelType != "" {
		t.Errorf("unthreaded reply has rel_type %q", content.RelatesTo.RelType)
	}
	if content.Body != "..."+StreamingIndicator {
		t.Errorf("body = %q", content.Body)
	}
	if content.Format != messaging.FormatHTML {
		t.Errorf("decorated unit has format %q", content.Format)
	}
}

func TestChainedUnitInThread(t *testing.T) {
	homeserver := newFakeHomeserver()
	root := ref.MustParseEventID("$root")
	transport := newTestTransport(t, homeserver, func(config *Config) { config.ThreadRoot = root })

	first, err := transport.CreateUnit(context.Background(), delivery.Update{Content: "a", State: delivery.StateStreaming})
	if err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	if _, err := transport.CreateChainedUnit(context.Background(), first, delivery.Update{Content: "b", State: delivery.StateStreaming}); err != nil {
		t.Fatalf("CreateChainedUnit: %v", err)
	}

	sent := homeserver.Sent()
	for index, event := range sent {
		relation := event.Content.RelatesTo
		if relation == nil || relation.RelType != messaging.RelTypeThread || relation.EventID != root {
			t.Errorf("unit %d not in thread: %+v", index, relation)
		}
	}
	if got := sent[1].Content.RelatesTo.InReplyTo.EventID.String(); got != string(first) {
		t.Errorf("chained unit replies to %s, want %s", got, first)
	}
	if sent[1].Content.RelatesTo.IsFallingBack {
		t.Error("chained unit reply is a real reply, not a fallback")
	}

	if _, err := transport.CreateChainedUnit(context.Background(), "not-an-event", delivery.Update{Content: "c"}); err == nil {
		t.Error("expected error for malformed parent handle")
	}
}

func TestEditUsesReplaceRelation(t *testing.T) {
	homeserver := newFakeHomeserver()
	transport := newTestTransport(t, homeserver, func(config *Config) { config.PlainMode = true })

	handle, err := transport.CreateUnit(context.Background(), delivery.Update{Content: "...", State: delivery.StateStreaming})
	if err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	if err := transport.EditUnit(context.Background(), handle, delivery.Update{Content: "Hello", State: delivery.StateComplete}); err != nil {
		t.Fatalf("EditUnit: %v", err)
	}

	edit := homeserver.Sent()[1].Content
	if edit.RelatesTo == nil || edit.RelatesTo.RelType != messaging.RelTypeReplace || edit.RelatesTo.EventID.String() != string(handle) {
		t.Fatalf("edit relation = %+v", edit.RelatesTo)
	}
	if edit.Body != "* Hello" {
		t.Errorf("fallback body = %q", edit.Body)
	}
	if edit.NewContent == nil || edit.NewContent.Body != "Hello" || edit.NewContent.Format != "" {
		t.Errorf("plain new content = %+v", edit.NewContent)
	}
}

func TestEditRetryReusesTransactionID(t *testing.T) {
	homeserver := newFakeHomeserver()
	transport := newTestTransport(t, homeserver, nil)
	handle, err := transport.CreateUnit(context.Background(), delivery.Update{Content: "...", State: delivery.StateStreaming})
	if err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	// The homeserver applies the edit but the response is lost.
	homeserver.mu.Lock()
	homeserver.dropResponse = true
	homeserver.mu.Unlock()
	update := delivery.Update{Content: "Hello", State: delivery.StateStreaming}
	if err := transport.EditUnit(context.Background(), handle, update); err == nil {
		t.Fatal("expected the lost response to surface as an error")
	}
	if err := transport.EditUnit(context.Background(), handle, update); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if sent := homeserver.Sent(); len(sent) != 2 {
		t.Fatalf("retry produced a duplicate event: %d events", len(sent))
	}

	// A later edit with different content is a new request.
	if err := transport.EditUnit(context.Background(), handle, delivery.Update{Content: "Hello, world", State: delivery.StateStreaming}); err != nil {
		t.Fatalf("EditUnit: %v", err)
	}
	if sent := homeserver.Sent(); len(sent) != 3 {
		t.Errorf("events = %d, want 3", len(sent))
	}
}

func TestTransactionIDsAreScopedToTransport(t *testing.T) {
	homeserver := newFakeHomeserver()
	update := delivery.Update{Content: "...", State: delivery.StateStreaming}
	for range 2 {
		transport := newTestTransport(t, homeserver, nil)
		if _, err := transport.CreateUnit(context.Background(), update); err != nil {
			t.Fatalf("CreateUnit: %v", err)
		}
	}
	sent := homeserver.Sent()
	if len(sent) != 2 || sent[0].TransactionID == sent[1].TransactionID {
		t.Errorf("identical placeholders in two responses collided: %+v", sent)
	}
	if !strings.HasPrefix(sent[0].TransactionID, "courier-") {
		t.Errorf("transaction ID %q lacks prefix", sent[0].TransactionID)
	}
}

// A full delivery session over the Matrix adapter: the response streams
// into one event through edits, overflows into a chained reply, and
// both end with the right status.
func TestDeliverySessionOverMatrix(t *testing.T) {
	homeserver := newFakeHomeserver()
	transport := newTestTransport(t, homeserver, func(config *Config) { config.MaxUnitSize = 40 })
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	session, err := delivery.Open(context.Background(), transport, "...", delivery.Config{
		UpdateInterval: time.Second,
		Clock:          fake,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	homeserver.failNext(&messaging.MatrixError{Code: messaging.ErrCodeLimitExceeded, StatusCode: 429, RetryAfterMS: 2000})
	fake.Advance(time.Second)
	session.Append("The quick brown fox ")
	fake.Advance(2 * time.Second)
	session.Append("jumps over the lazy dog and keeps running")
	fake.Advance(time.Second)
	if err := session.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	units := session.Units()
	if len(units) != 2 {
		t.Fatalf("units = %v, want 2", units)
	}

	// The latest edit of each unit is what the room displays.
	latest := make(map[string]messaging.MessageContent)
	for _, event := range homeserver.Sent() {
		content := event.Content
		if content.RelatesTo != nil && content.RelatesTo.RelType == messaging.RelTypeReplace {
			latest[content.RelatesTo.EventID.String()] = *content.NewContent
		} else {
			latest[event.EventID.String()] = content
		}
	}
	first := latest[string(units[0])]
	last := latest[string(units[1])]
	if !strings.HasSuffix(first.Body, delivery.TruncationMarker) {
		t.Errorf("first unit should end with the truncation marker: %q", first.Body)
	}
	if !strings.Contains(first.FormattedBody, ColorContinued) {
		t.Errorf("first unit should carry the continued marker: %q", first.FormattedBody)
	}
	if !strings.Contains(last.FormattedBody, ColorComplete) || strings.Contains(last.Body, StreamingIndicator) {
		t.Errorf("last unit should be complete: %+v", last)
	}
	text := strings.TrimSuffix(first.Body, delivery.TruncationMarker) + last.Body
	if text != "The quick brown fox jumps over the lazy dog and keeps running" {
		t.Errorf("delivered text = %q", text)
	}
}
