// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"
	"unicode/utf8"
)

// Finalize drains the buffer and marks the response complete. See
// FinalizeAs.
func (s *Session) Finalize(ctx context.Context) error {
	return s.finish(ctx, StateComplete, nil)
}

// FinalizeAs ends the session with the given terminal state. Pending
// timers are cancelled first, then every buffered character is
// delivered, chaining units as needed. The last unit gets an
// unterminated code fence closed and receives its terminal state
// in the same edit as its last content. The edit is skipped when the
// unit already displays exactly that.
//
// The terminal flush is not held back by the update interval.
// Transient faults are retried up to Config.FinalRetries times, each
// after the update interval or the server's back-off hint. A
// permanent fault, or running out of retries, abandons delivery and
// returns the Fault.
//
// Only the first call has any effect; later calls log a warning and
// return nil.
func (s *Session) FinalizeAs(ctx context.Context, state UnitState) error {
	if !state.Terminal() {
		return fmt.Errorf("delivery: %s is not a terminal state", state)
	}
	return s.finish(ctx, state, nil)
}

// Abort ends the session because generation failed. Buffered text is
// still delivered and the last unit is marked failed. If no text was
// ever delivered, the unit shows Config.ErrorNotice instead of the
// placeholder.
func (s *Session) Abort(ctx context.Context, cause error) error {
	return s.finish(ctx, StateFailed, cause)
}

func (s *Session) finish(ctx context.Context, state UnitState, cause error) error {
	s.mu.Lock()
	if s.finalized {
		s.mu.Unlock()
		s.logger.Warn("finalize on finalized session ignored", "state", state)
		return nil
	}
	s.markFinalizedLocked()
	if cause != nil {
		s.logger.Warn("response generation failed", "error", cause)
	}

	for attempt := 0; ; attempt++ {
		started := s.clock.Now()
		err := s.terminalFlushLocked(ctx, state)
		elapsed := s.clock.Now().Sub(started)
		if err == nil {
			s.metrics.flushed(flushTerminal, elapsed)
			s.logger.Debug("delivery session finalized",
				"state", state,
				"units", len(s.units),
				"attempts", attempt+1)
			s.mu.Unlock()
			return nil
		}
		s.metrics.flushed(flushFault, elapsed)

		if IsPermanent(err) || attempt >= s.config.FinalRetries {
			s.abandonLocked(ctx, err)
			s.mu.Unlock()
			return err
		}

		delay := max(s.config.UpdateInterval, RetryAfter(err))
		s.logger.Warn("transient transport fault during finalize, retrying",
			"error", err,
			"attempt", attempt+1,
			"retry_in", delay)

		s.mu.Unlock()
		select {
		case <-s.clock.After(delay):
		case <-ctx.Done():
			s.mu.Lock()
			s.err = fmt.Errorf("delivery: finalize interrupted: %w", ctx.Err())
			s.logger.Error("finalize interrupted with content undelivered",
				"error", ctx.Err(),
				"buffered", utf8.RuneCountInString(s.buffer))
			s.mu.Unlock()
			return s.err
		}
		s.mu.Lock()
	}
}

// terminalFlushLocked drains the buffer and then applies the terminal
// edit to the last unit.
func (s *Session) terminalFlushLocked(ctx context.Context, state UnitState) error {
	if err := s.drainLocked(ctx, true); err != nil {
		return err
	}
	chunk := s.buffer
	s.buffer = ""
	content := s.terminalContentLocked(s.activeContent+chunk, state)
	if err := s.editLocked(ctx, Update{Content: content, State: state}); err != nil {
		s.buffer = chunk
		return err
	}
	s.activeContent = content
	return nil
}

// terminalContentLocked picks what the last unit shows once the
// response ends: the delivered text with code fences balanced across
// the whole chain, or a stand-in when no text arrived.
func (s *Session) terminalContentLocked(content string, state UnitState) string {
	if content == "" {
		if state == StateFailed {
			return truncateRunes(s.config.ErrorNotice, s.maxUnitSize)
		}
		return s.displayed.Content
	}
	repaired, ok := balanceFences(content, s.maxUnitSize, s.sealedFences%2 == 1)
	if !ok {
		s.logger.Debug("unterminated code fence left open, closing it would exceed unit size",
			"length", utf8.RuneCountInString(content))
	}
	return repaired
}

// abandonLocked gives up on delivery after a permanent fault (or a
// transient one that outlasted the finalize retries) and makes one
// best-effort attempt to tell the user. A failure of that attempt is
// logged and dropped.
func (s *Session) abandonLocked(ctx context.Context, err error) {
	s.markFinalizedLocked()
	s.err = err
	dropped := utf8.RuneCountInString(s.buffer)
	s.buffer = ""
	s.logger.Error("delivery abandoned", "error", err, "dropped", dropped, "units", len(s.units))

	parent := s.units[len(s.units)-1]
	update := Update{Content: truncateRunes(s.config.ErrorNotice, s.maxUnitSize), State: StateFailed}
	var handle UnitHandle
	reportErr := s.call(OpReport, func() error {
		var createErr error
		handle, createErr = s.transport.CreateChainedUnit(ctx, parent, update)
		return createErr
	})
	if reportErr != nil {
		s.logger.Error("error report failed", "error", reportErr)
		return
	}
	s.units = append(s.units, handle)
	s.activeContent = update.Content
	s.displayed = update
	s.metrics.unitCreated()
}

func (s *Session) markFinalizedLocked() {
	if s.finalized {
		return
	}
	s.finalized = true
	s.cancelTimerLocked()
	s.metrics.sessionClosed()
}
