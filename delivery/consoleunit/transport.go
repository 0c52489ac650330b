// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package consoleunit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/muesli/termenv"

	"github.com/bureau-foundation/courier/delivery"
)

// DefaultMaxUnitSize matches the message limit of common chat
// services, so console runs split where a chat transport would.
const DefaultMaxUnitSize = 2000

// Fault is an injected transport failure.
type Fault struct {
	Transient bool
	// Delay is reported as the back-off hint of a transient fault.
	Delay time.Duration
}

func (f *Fault) Error() string {
	if f.Transient {
		return "consoleunit: injected transient fault"
	}
	return "consoleunit: injected permanent fault"
}

// RetryAfter returns the injected back-off hint.
func (f *Fault) RetryAfter() time.Duration { return f.Delay }

// Config configures a console Transport.
type Config struct {
	Output io.Writer

	// MaxUnitSize is the content limit per unit. Zero selects
	// DefaultMaxUnitSize.
	MaxUnitSize int

	// Profile overrides colour detection. Nil detects from Output.
	Profile *termenv.Profile

	// Faults are returned by successive transport calls, one per call,
	// before any call succeeds. A nil entry lets that call through.
	Faults []error
}

type unit struct {
	update  delivery.Update
	printed delivery.Update
}

// Transport renders units to a writer.
type Transport struct {
	output      io.Writer
	maxUnitSize int
	renderer    *renderer

	mu     sync.Mutex
	units  map[delivery.UnitHandle]*unit
	order  []delivery.UnitHandle
	faults []error
}

// New creates a console Transport.
func New(config Config) (*Transport, error) {
	if config.Output == nil {
		return nil, errors.New("consoleunit: output is required")
	}
	maxUnitSize := config.MaxUnitSize
	if maxUnitSize == 0 {
		maxUnitSize = DefaultMaxUnitSize
	}
	if maxUnitSize < 0 {
		return nil, fmt.Errorf("consoleunit: max unit size must be positive, got %d", maxUnitSize)
	}
	profile := DetectProfile(config.Output)
	if config.Profile != nil {
		profile = *config.Profile
	}
	return &Transport{
		output:      config.Output,
		maxUnitSize: maxUnitSize,
		renderer:    newRenderer(config.Output, profile),
		units:       make(map[delivery.UnitHandle]*unit),
		faults:      append([]error(nil), config.Faults...),
	}, nil
}

// CreateUnit starts the first unit.
func (t *Transport) CreateUnit(_ context.Context, update delivery.Update) (delivery.UnitHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.nextFaultLocked(); err != nil {
		return "", err
	}
	return t.newUnitLocked(update)
}

// CreateChainedUnit starts a follow-up unit.
func (t *Transport) CreateChainedUnit(_ context.Context, parent delivery.UnitHandle, update delivery.Update) (delivery.UnitHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.nextFaultLocked(); err != nil {
		return "", err
	}
	if _, ok := t.units[parent]; !ok {
		return "", fmt.Errorf("consoleunit: unknown parent unit %q", parent)
	}
	return t.newUnitLocked(update)
}

// EditUnit replaces a unit's content and prints it when it reaches a
// terminal state it has not been printed in.
func (t *Transport) EditUnit(_ context.Context, handle delivery.UnitHandle, update delivery.Update) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.nextFaultLocked(); err != nil {
		return err
	}
	current, ok := t.units[handle]
	if !ok {
		return fmt.Errorf("consoleunit: unknown unit %q", handle)
	}
	if length := len([]rune(update.Content)); length > t.maxUnitSize {
		return fmt.Errorf("consoleunit: content of %d characters exceeds %d", length, t.maxUnitSize)
	}
	current.update = update
	return t.printLocked(handle)
}

// MaxUnitSize returns the content limit per unit.
func (t *Transport) MaxUnitSize() int { return t.maxUnitSize }

// Classify reports injected faults by their flag. Any other error is
// a write failure on the output, which retrying will not fix.
func (t *Transport) Classify(err error) delivery.FaultClass {
	var fault *Fault
	if errors.As(err, &fault) && fault.Transient {
		return delivery.FaultTransient
	}
	return delivery.FaultPermanent
}

// Units returns the current update of every unit, oldest first.
func (t *Transport) Units() []delivery.Update {
	t.mu.Lock()
	defer t.mu.Unlock()
	updates := make([]delivery.Update, 0, len(t.order))
	for _, handle := range t.order {
		updates = append(updates, t.units[handle].update)
	}
	return updates
}

func (t *Transport) nextFaultLocked() error {
	if len(t.faults) == 0 {
		return nil
	}
	err := t.faults[0]
	t.faults = t.faults[1:]
	return err
}

func (t *Transport) newUnitLocked(update delivery.Update) (delivery.UnitHandle, error) {
	handle := delivery.UnitHandle("console-" + strconv.Itoa(len(t.order)+1))
	t.order = append(t.order, handle)
	t.units[handle] = &unit{update: update}
	if err := t.printLocked(handle); err != nil {
		return "", err
	}
	return handle, nil
}

// printLocked writes a unit once its update is terminal and differs
// from what was last printed for it.
func (t *Transport) printLocked(handle delivery.UnitHandle) error {
	current := t.units[handle]
	if !current.update.State.Terminal() || current.update == current.printed {
		return nil
	}
	index := slices.Index(t.order, handle)
	if _, err := io.WriteString(t.output, t.renderer.frame(index, current.update)); err != nil {
		return fmt.Errorf("consoleunit: writing unit: %w", err)
	}
	current.printed = current.update
	return nil
}

var _ delivery.Transport = (*Transport)(nil)

// Flush prints every unit not yet printed in its current form. A plain
// mode session skips edits that would only change state, so its last
// unit may never reach a terminal state here.
func (t *Transport) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for index, handle := range t.order {
		current := t.units[handle]
		if current.update == current.printed {
			continue
		}
		if _, err := io.WriteString(t.output, t.renderer.frame(index, current.update)); err != nil {
			return fmt.Errorf("consoleunit: writing unit: %w", err)
		}
		current.printed = current.update
	}
	return nil
}
