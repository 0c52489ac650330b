// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/bureau-foundation/courier/lib/clock"
)

// Defaults applied by Open for zero-valued Config fields.
const (
	DefaultUpdateInterval          = 1500 * time.Millisecond
	DefaultTruncationMinChars      = 10
	DefaultFinalRetries            = 3
	DefaultPlaceholder             = "..."
	DefaultContinuationPlaceholder = "..."
	DefaultErrorNotice             = "Something went wrong while delivering this response."
)

// Config tunes one Session. The zero value is usable: every field
// falls back to its default.
type Config struct {
	// UpdateInterval is the minimum time between two flushes. Zero
	// selects DefaultUpdateInterval.
	UpdateInterval time.Duration

	// PlainMode delivers raw text with no visual state. A state change
	// alone then never causes an edit.
	PlainMode bool

	// TruncationMinChars is the smallest space left in a unit for
	// which a partial fit is attempted. Zero selects
	// DefaultTruncationMinChars.
	TruncationMinChars int

	// FinalRetries bounds transient-fault retries during Finalize.
	// Zero selects DefaultFinalRetries; negative disables retries.
	FinalRetries int

	// ContinuationPlaceholder is the initial content of chained units.
	ContinuationPlaceholder string

	// ErrorNotice is the message sent when delivery is abandoned, and
	// the content of a failed response that produced no text.
	ErrorNotice string

	Clock   clock.Clock
	Logger  *slog.Logger
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.UpdateInterval == 0 {
		c.UpdateInterval = DefaultUpdateInterval
	}
	if c.TruncationMinChars == 0 {
		c.TruncationMinChars = DefaultTruncationMinChars
	}
	switch {
	case c.FinalRetries == 0:
		c.FinalRetries = DefaultFinalRetries
	case c.FinalRetries < 0:
		c.FinalRetries = 0
	}
	if c.ContinuationPlaceholder == "" {
		c.ContinuationPlaceholder = DefaultContinuationPlaceholder
	}
	if c.ErrorNotice == "" {
		c.ErrorNotice = DefaultErrorNotice
	}
	if c.Clock == nil {
		c.Clock = clock.Real()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session delivers one streamed response to a Transport. Create it
// with Open, feed it with Append, and close it with exactly one of
// Finalize, FinalizeAs, or Abort.
//
// All methods are safe for concurrent use. Every state transition,
// including the transport calls it makes, runs to completion under
// the session lock, so no two flushes of one session overlap and a
// timer that fires during a flush waits for it.
type Session struct {
	id          string
	transport   Transport
	config      Config
	maxUnitSize int
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *Metrics

	// ctx carries the values of the context given to Open into
	// timer-driven flushes. It is never cancelled; Finalize and Abort
	// end the session.
	ctx context.Context

	mu sync.Mutex

	// units is the chain of created units, oldest first. Only the last
	// one is ever edited.
	units []UnitHandle

	// buffer holds appended text not yet reflected in any unit.
	buffer string

	// text is everything appended since Open or the last ReplaceAll.
	text strings.Builder

	// activeContent is the response text the last unit holds. It does
	// not include placeholders.
	activeContent string

	// displayed is the last Update the transport accepted for the last
	// unit, placeholders included.
	displayed Update

	// activeSealed is set once the last unit was truncated or closed
	// by the splitter; the next flush starts a chained unit.
	activeSealed bool

	// sealedFences counts code fence delimiters in the units before
	// the active one. An odd count means the active unit starts inside
	// a code block.
	sealedFences int

	lastFlushAt time.Time

	// holdUntil delays the next flush after a transient fault by the
	// server's back-off hint when it exceeds the update interval.
	holdUntil time.Time

	pendingTimer *clock.Timer

	// timerGeneration invalidates callbacks of cancelled timers that
	// already started running.
	timerGeneration uint64

	finalized bool

	// err is the fault that abandoned delivery, if any.
	err error
}

// Open creates the first unit with placeholder as its content and
// returns a Session bound to it. If the transport rejects the create,
// Open returns an error wrapping ErrInitialSend and the classified
// Fault; no retry is attempted.
//
// Timer-driven flushes run with the values of ctx but are not
// cancelled by it.
func Open(ctx context.Context, transport Transport, placeholder string, config Config) (*Session, error) {
	config = config.withDefaults()
	maxUnitSize := transport.MaxUnitSize()
	if config.UpdateInterval < 0 {
		return nil, fmt.Errorf("delivery: update interval must be positive, got %v", config.UpdateInterval)
	}
	if maxUnitSize <= config.TruncationMinChars || maxUnitSize <= utf8.RuneCountInString(TruncationMarker) {
		return nil, fmt.Errorf("delivery: max unit size %d must exceed truncation threshold %d and the truncation marker",
			maxUnitSize, config.TruncationMinChars)
	}
	if placeholder == "" {
		placeholder = DefaultPlaceholder
	}

	id := uuid.NewString()
	session := &Session{
		id:          id,
		transport:   transport,
		config:      config,
		maxUnitSize: maxUnitSize,
		clock:       config.Clock,
		logger:      config.Logger.With("session_id", id),
		metrics:     config.Metrics,
		ctx:         context.WithoutCancel(ctx),
	}

	update := Update{Content: truncateRunes(placeholder, maxUnitSize), State: StateStreaming}
	var handle UnitHandle
	err := session.call(OpCreate, func() error {
		var createErr error
		handle, createErr = transport.CreateUnit(ctx, update)
		return createErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInitialSend, err)
	}

	session.units = []UnitHandle{handle}
	session.displayed = update
	session.lastFlushAt = session.clock.Now()
	session.metrics.unitCreated()
	session.metrics.sessionOpened()
	session.logger.Debug("delivery session opened", "unit", handle, "max_unit_size", maxUnitSize)
	return session, nil
}

// ID returns the session identifier attached to every log line.
func (s *Session) ID() string { return s.id }

// Units returns a copy of the unit chain, oldest first.
func (s *Session) Units() []UnitHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UnitHandle(nil), s.units...)
}

// Finalized reports whether the session accepts no more content.
func (s *Session) Finalized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalized
}

// Text returns the response the session was given: every fragment
// appended since Open, or since the last ReplaceAll together with its
// content. Truncation markers and placeholders are not part of it.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text.String()
}

// Err returns the fault that abandoned delivery, or nil.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Append buffers fragment and lets the scheduler decide whether to
// flush now or later. Transport faults are handled inside the session
// and never reach the caller. Appending to a finalized session is
// logged and ignored.
func (s *Session) Append(fragment string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		s.logger.Warn("append on finalized session ignored", "fragment_length", len(fragment))
		return
	}
	if fragment == "" {
		return
	}
	s.buffer += fragment
	s.text.WriteString(fragment)
	s.scheduleLocked()
}

// ReplaceAll discards buffered text and streaming progress and makes
// one immediate edit of the last unit with content, truncated to the
// unit size. Later appends continue after content. It returns
// ErrFinalized once the session is finalized, and the classified
// Fault if the edit fails; a permanent fault also abandons the
// session.
func (s *Session) ReplaceAll(ctx context.Context, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	if content == "" {
		return errors.New("delivery: replacement content is empty")
	}

	s.cancelTimerLocked()
	s.buffer = ""
	s.holdUntil = time.Time{}
	s.activeSealed = false

	content = truncateRunes(content, s.maxUnitSize)
	update := Update{Content: content, State: StateStreaming}
	started := s.clock.Now()
	if err := s.editLocked(ctx, update); err != nil {
		s.metrics.flushed(flushFault, s.clock.Now().Sub(started))
		if IsPermanent(err) {
			s.abandonLocked(ctx, err)
		}
		return err
	}
	s.activeContent = content
	s.text.Reset()
	s.text.WriteString(content)
	s.lastFlushAt = s.clock.Now()
	s.metrics.flushed(flushDelivered, s.lastFlushAt.Sub(started))
	return nil
}

// scheduleLocked flushes immediately when the throttle window has
// passed, and otherwise makes sure exactly one timer will flush the
// buffer once it does.
func (s *Session) scheduleLocked() {
	if s.finalized || s.buffer == "" {
		return
	}
	now := s.clock.Now()
	readyAt := s.lastFlushAt.Add(s.config.UpdateInterval)
	if s.holdUntil.After(readyAt) {
		readyAt = s.holdUntil
	}
	if !now.Before(readyAt) {
		s.cancelTimerLocked()
		s.flushLocked(s.ctx)
		return
	}
	if s.pendingTimer == nil {
		s.armTimerLocked(readyAt.Sub(now))
	}
}

func (s *Session) armTimerLocked(delay time.Duration) {
	s.timerGeneration++
	generation := s.timerGeneration
	s.pendingTimer = s.clock.AfterFunc(delay, func() { s.onTimer(generation) })
}

func (s *Session) cancelTimerLocked() {
	if s.pendingTimer == nil {
		return
	}
	s.pendingTimer.Stop()
	s.pendingTimer = nil
	s.timerGeneration++
}

func (s *Session) onTimer(generation uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized || generation != s.timerGeneration || s.pendingTimer == nil {
		return
	}
	s.pendingTimer = nil
	s.flushLocked(s.ctx)
}

// flushLocked commits the buffer to the transport and handles any
// fault. A successful flush opens the next throttle window.
func (s *Session) flushLocked(ctx context.Context) {
	started := s.clock.Now()
	err := s.drainLocked(ctx, false)
	elapsed := s.clock.Now().Sub(started)
	if err == nil {
		s.lastFlushAt = s.clock.Now()
		s.holdUntil = time.Time{}
		s.metrics.flushed(flushDelivered, elapsed)
		return
	}
	s.metrics.flushed(flushFault, elapsed)
	s.handleFaultLocked(ctx, err)
}

// drainLocked moves buffered text into units, sealing and chaining
// units as the splitter decides. In final mode the text that fits the
// last unit stays buffered for the terminal edit, so content and
// terminal state land in one call.
//
// On any fault the chunk being committed goes back to the front of
// the buffer. activeContent and displayed only change after the
// transport accepts a call.
func (s *Session) drainLocked(ctx context.Context, final bool) error {
	for s.buffer != "" {
		if s.activeSealed {
			if err := s.chainLocked(ctx); err != nil {
				return err
			}
		}

		chunk := s.buffer
		s.buffer = ""
		plan := Split(s.activeContent, chunk, s.maxUnitSize, s.config.TruncationMinChars)

		if !plan.Sealed {
			if final {
				s.buffer = chunk
				return nil
			}
			if err := s.editLocked(ctx, Update{Content: plan.Target, State: StateStreaming}); err != nil {
				s.buffer = chunk
				return err
			}
			s.activeContent = plan.Target
			return nil
		}

		if err := s.editLocked(ctx, Update{Content: plan.Target, State: StateContinued}); err != nil {
			s.buffer = chunk
			return err
		}
		s.activeContent = plan.Target
		s.activeSealed = true
		s.sealedFences += strings.Count(plan.Target, fenceDelimiter)
		s.buffer = plan.Carry
		s.logger.Debug("unit sealed, carrying overflow",
			"unit", s.units[len(s.units)-1],
			"retained", utf8.RuneCountInString(plan.Target),
			"carried", utf8.RuneCountInString(plan.Carry))
	}
	return nil
}

// chainLocked creates the follow-up unit that becomes the new active
// unit.
func (s *Session) chainLocked(ctx context.Context) error {
	parent := s.units[len(s.units)-1]
	update := Update{Content: truncateRunes(s.config.ContinuationPlaceholder, s.maxUnitSize), State: StateStreaming}
	var handle UnitHandle
	err := s.call(OpCreateChain, func() error {
		var createErr error
		handle, createErr = s.transport.CreateChainedUnit(ctx, parent, update)
		return createErr
	})
	if err != nil {
		return err
	}
	s.units = append(s.units, handle)
	s.activeContent = ""
	s.activeSealed = false
	s.displayed = update
	s.metrics.unitCreated()
	s.logger.Debug("chained unit created", "unit", handle, "parent", parent, "chain_length", len(s.units))
	return nil
}

// editLocked edits the last unit when update differs from what it
// displays. In plain mode a state change alone is not a difference.
func (s *Session) editLocked(ctx context.Context, update Update) error {
	if !s.needsEditLocked(update) {
		return nil
	}
	handle := s.units[len(s.units)-1]
	if err := s.call(OpEdit, func() error {
		return s.transport.EditUnit(ctx, handle, update)
	}); err != nil {
		return err
	}
	s.displayed = update
	return nil
}

func (s *Session) needsEditLocked(update Update) bool {
	if update.Content != s.displayed.Content {
		return true
	}
	return !s.config.PlainMode && update.State != s.displayed.State
}

// call runs one transport operation and classifies its failure.
func (s *Session) call(op string, operation func() error) error {
	err := operation()
	if err == nil {
		return nil
	}
	class := s.transport.Classify(err)
	s.metrics.fault(op, class)
	return &Fault{Op: op, Class: class, Err: err}
}

// handleFaultLocked applies the recovery policy for a failed streaming
// flush. Transient faults wait for the next window (or the server's
// back-off hint, if longer) and retry on a timer; permanent faults
// abandon the session.
func (s *Session) handleFaultLocked(ctx context.Context, err error) {
	if IsPermanent(err) {
		s.abandonLocked(ctx, err)
		return
	}
	delay := max(s.config.UpdateInterval, RetryAfter(err))
	s.holdUntil = s.clock.Now().Add(delay)
	s.logger.Warn("transient transport fault, content re-queued",
		"error", err,
		"buffered", utf8.RuneCountInString(s.buffer),
		"retry_in", delay)
	s.cancelTimerLocked()
	s.armTimerLocked(delay)
}
