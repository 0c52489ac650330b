// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/bureau-foundation/courier/lib/llm"
)

// ErrStreamTruncated is the cause given to Abort when the fragment
// channel closes without a terminal fragment.
var ErrStreamTruncated = errors.New("delivery: fragment stream closed without a terminal event")

// Deliver feeds fragments into session until the producer signals an
// end, then closes the session:
//
//   - text fragments are appended in order
//   - a Done fragment finalizes the session, as complete when the
//     finish reason means the model finished and as continued
//     otherwise
//   - an Err fragment, a channel closed without a terminal fragment,
//     or ctx being cancelled aborts the session
//
// Deliver returns nil when the response was delivered in full, the
// generation error when generation failed, and the session's fault
// when delivery was abandoned. When generation failed and the failed
// state could not be delivered either, both errors are joined. Transport hiccups that the session
// recovers from are not reported.
func Deliver(ctx context.Context, session *Session, fragments <-chan llm.Fragment) error {
	for {
		select {
		case <-ctx.Done():
			cause := ctx.Err()
			if err := session.Abort(context.WithoutCancel(ctx), cause); err != nil {
				return errors.Join(cause, err)
			}
			return cause

		case fragment, ok := <-fragments:
			if !ok {
				if err := session.Abort(ctx, ErrStreamTruncated); err != nil {
					return errors.Join(ErrStreamTruncated, err)
				}
				return ErrStreamTruncated
			}
			switch {
			case fragment.Err != nil:
				cause := fmt.Errorf("delivery: generation failed: %w", fragment.Err)
				if err := session.Abort(ctx, fragment.Err); err != nil {
					return errors.Join(cause, err)
				}
				return cause
			case fragment.Done:
				state := StateComplete
				if !fragment.FinishReason.Complete() {
					state = StateContinued
				}
				if err := session.FinalizeAs(ctx, state); err != nil {
					return err
				}
				return session.Err()
			default:
				session.Append(fragment.Text)
			}
		}
	}
}
