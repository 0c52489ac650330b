// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixunit

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/messaging"
)

func TestClassify(t *testing.T) {
	matrix := func(code string, status int) error {
		return fmt.Errorf("messaging: send event failed: %w", &messaging.MatrixError{Code: code, StatusCode: status})
	}
	tests := []struct {
		name string
		err  error
		want delivery.FaultClass
	}{
		{"rate limited", matrix(messaging.ErrCodeLimitExceeded, 429), delivery.FaultTransient},
		{"too large", matrix(messaging.ErrCodeTooLarge, 413), delivery.FaultTransient},
		{"bare 429", matrix(messaging.ErrCodeUnknown, 429), delivery.FaultTransient},
		{"conflict", matrix(messaging.ErrCodeUnknown, 409), delivery.FaultTransient},
		{"server error", matrix(messaging.ErrCodeUnknown, 500), delivery.FaultTransient},
		{"gateway", matrix(messaging.ErrCodeUnknown, 502), delivery.FaultTransient},
		{"forbidden", matrix(messaging.ErrCodeForbidden, 403), delivery.FaultPermanent},
		{"not found", matrix(messaging.ErrCodeNotFound, 404), delivery.FaultPermanent},
		{"unknown token", matrix(messaging.ErrCodeUnknownToken, 401), delivery.FaultPermanent},
		{"missing token", matrix(messaging.ErrCodeMissingToken, 401), delivery.FaultPermanent},
		{"forbidden code on 500", matrix(messaging.ErrCodeForbidden, 500), delivery.FaultPermanent},
		{"bad json", matrix(messaging.ErrCodeBadJSON, 400), delivery.FaultPermanent},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, delivery.FaultTransient},
		{"truncated response", fmt.Errorf("reading: %w", io.ErrUnexpectedEOF), delivery.FaultTransient},
		{"unrelated error", errors.New("encoding failed"), delivery.FaultPermanent},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := Classify(test.err); got != test.want {
				t.Errorf("Classify(%v) = %v, want %v", test.err, got, test.want)
			}
		})
	}
}
