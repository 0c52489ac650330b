// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// Fragment is one event of a generation as a consumer of text sees
// it. A fragment channel carries any number of text fragments and
// then exactly one terminal fragment: Done with the stop reason, or
// Err.
type Fragment struct {
	Text         string
	Done         bool
	FinishReason StopReason
	Err          error
}

// Terminal reports whether no fragment follows this one.
func (fragment Fragment) Terminal() bool { return fragment.Done || fragment.Err != nil }

// Fragments starts a streaming request and returns its text as a
// channel. The channel is closed after the terminal fragment, or
// without one if ctx is cancelled first. The goroutine behind it
// exits once ctx is done, so a consumer that stops reading must
// cancel ctx.
func Fragments(ctx context.Context, provider Provider, request Request) <-chan Fragment {
	fragments := make(chan Fragment)
	go func() {
		defer close(fragments)

		send := func(fragment Fragment) bool {
			select {
			case fragments <- fragment:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream, err := provider.Stream(ctx, request)
		if err != nil {
			send(Fragment{Err: err})
			return
		}
		defer stream.Close()

		for {
			event, err := stream.Next()
			if errors.Is(err, io.EOF) {
				send(Fragment{Done: true, FinishReason: stream.Response().StopReason})
				return
			}
			if err != nil {
				send(Fragment{Err: err})
				return
			}
			switch event.Type {
			case EventTextDelta:
				if !send(Fragment{Text: event.Text}) {
					return
				}
			case EventError:
				send(Fragment{Err: event.Error})
				return
			case EventDone:
				send(Fragment{Done: true, FinishReason: stream.Response().StopReason})
				return
			}
		}
	}()
	return fragments
}

// Collect drains a fragment channel into the full text. It returns
// the terminal error, or an error if the channel closed without a
// terminal fragment.
func Collect(fragments <-chan Fragment) (string, StopReason, error) {
	var text []byte
	for fragment := range fragments {
		switch {
		case fragment.Err != nil:
			return string(text), "", fragment.Err
		case fragment.Done:
			return string(text), fragment.FinishReason, nil
		default:
			text = append(text, fragment.Text...)
		}
	}
	return string(text), "", fmt.Errorf("llm: fragment stream ended without a terminal event")
}
