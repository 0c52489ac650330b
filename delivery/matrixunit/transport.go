// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixunit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/lib/ref"
	"github.com/bureau-foundation/courier/messaging"
)

// DefaultMaxUnitSize leaves room for the streaming indicator and the
// status marker under a 4096-character display budget.
const DefaultMaxUnitSize = 4000

// Config describes where one response is delivered.
type Config struct {
	Session messaging.Session
	RoomID  ref.RoomID

	// ReplyTo is the event being answered. The first unit replies to
	// it; zero sends the first unit without a reply relation.
	ReplyTo ref.EventID

	// ThreadRoot places every unit in this thread. Zero keeps the
	// response in the main timeline.
	ThreadRoot ref.EventID

	// PlainMode sends bare text bodies: no HTML, no indicator, no
	// status marker.
	PlainMode bool

	// MaxUnitSize is the content limit per unit in characters. Zero
	// selects DefaultMaxUnitSize.
	MaxUnitSize int

	Logger *slog.Logger
}

// Transport delivers units as Matrix events. One Transport serves one
// delivery session.
type Transport struct {
	session     messaging.Session
	roomID      ref.RoomID
	replyTo     ref.EventID
	threadRoot  ref.EventID
	plain       bool
	maxUnitSize int
	logger      *slog.Logger

	// nonce scopes transaction IDs to this response so identical text
	// in two responses never collides.
	nonce uuid.UUID

	mu sync.Mutex
	// edits counts accepted edits per unit. A retried edit reuses the
	// count, and with it the transaction ID, of the attempt it repeats.
	edits map[delivery.UnitHandle]int
}

// New creates a Transport for one response.
func New(config Config) (*Transport, error) {
	if config.Session == nil {
		return nil, errors.New("matrixunit: session is required")
	}
	if config.RoomID.IsZero() {
		return nil, errors.New("matrixunit: room ID is required")
	}
	maxUnitSize := config.MaxUnitSize
	if maxUnitSize == 0 {
		maxUnitSize = DefaultMaxUnitSize
	}
	if maxUnitSize < 0 {
		return nil, fmt.Errorf("matrixunit: max unit size must be positive, got %d", maxUnitSize)
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		session:     config.Session,
		roomID:      config.RoomID,
		replyTo:     config.ReplyTo,
		threadRoot:  config.ThreadRoot,
		plain:       config.PlainMode,
		maxUnitSize: maxUnitSize,
		logger:      logger,
		nonce:       uuid.New(),
		edits:       make(map[delivery.UnitHandle]int),
	}, nil
}

// CreateUnit sends the first message of the response.
func (t *Transport) CreateUnit(ctx context.Context, update delivery.Update) (delivery.UnitHandle, error) {
	return t.send(ctx, delivery.OpCreate, t.replyTo, update)
}

// CreateChainedUnit sends a follow-up message replying to parent.
func (t *Transport) CreateChainedUnit(ctx context.Context, parent delivery.UnitHandle, update delivery.Update) (delivery.UnitHandle, error) {
	parentID, err := ref.ParseEventID(string(parent))
	if err != nil {
		return "", fmt.Errorf("matrixunit: parent unit %q: %w", parent, err)
	}
	return t.send(ctx, delivery.OpCreateChain, parentID, update)
}

func (t *Transport) send(ctx context.Context, op string, replyTo ref.EventID, update delivery.Update) (delivery.UnitHandle, error) {
	content := render(update, t.plain)
	switch {
	case !t.threadRoot.IsZero():
		relation := messaging.NewThreadReply(t.threadRoot, replyTo, "")
		content.RelatesTo = relation.RelatesTo
	case !replyTo.IsZero():
		content.RelatesTo = messaging.NewReply(replyTo, "").RelatesTo
	}

	transactionID, err := t.transactionID(op, replyTo.String(), 0, content)
	if err != nil {
		return "", err
	}
	eventID, err := t.session.SendEventWithTransactionID(ctx, t.roomID, messaging.EventTypeMessage, transactionID, content)
	if err != nil {
		return "", err
	}
	t.logger.Debug("matrix unit sent", "op", op, "room_id", t.roomID, "event_id", eventID)
	return delivery.UnitHandle(eventID.String()), nil
}

// EditUnit replaces the content of handle.
func (t *Transport) EditUnit(ctx context.Context, handle delivery.UnitHandle, update delivery.Update) error {
	target, err := ref.ParseEventID(string(handle))
	if err != nil {
		return fmt.Errorf("matrixunit: unit %q: %w", handle, err)
	}

	t.mu.Lock()
	sequence := t.edits[handle]
	t.mu.Unlock()

	edit := messaging.NewEdit(target, render(update, t.plain))
	transactionID, err := t.transactionID(delivery.OpEdit, target.String(), sequence+1, edit)
	if err != nil {
		return err
	}
	if _, err := t.session.SendEventWithTransactionID(ctx, t.roomID, messaging.EventTypeMessage, transactionID, edit); err != nil {
		return err
	}

	t.mu.Lock()
	t.edits[handle] = sequence + 1
	t.mu.Unlock()
	return nil
}

// MaxUnitSize returns the configured content limit.
func (t *Transport) MaxUnitSize() int { return t.maxUnitSize }

// Classify maps Matrix and network errors to fault classes.
func (t *Transport) Classify(err error) delivery.FaultClass { return Classify(err) }

// transactionID derives a transaction ID from everything that makes a
// request distinct. Two sends share an ID only when they are the same
// request repeated.
func (t *Transport) transactionID(op, target string, sequence int, content messaging.MessageContent) (string, error) {
	encoded, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("matrixunit: encoding content: %w", err)
	}
	hasher := blake3.New()
	hasher.Write(t.nonce[:])
	for _, part := range []string{op, target, strconv.Itoa(sequence)} {
		hasher.Write([]byte(part))
		hasher.Write([]byte{0})
	}
	hasher.Write(encoded)
	digest := hasher.Sum(nil)
	return "courier-" + hex.EncodeToString(digest[:16]), nil
}

var _ delivery.Transport = (*Transport)(nil)
