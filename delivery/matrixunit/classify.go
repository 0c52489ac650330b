// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixunit

import (
	"errors"
	"net/http"

	"github.com/bureau-foundation/courier/delivery"
	"github.com/bureau-foundation/courier/lib/netutil"
	"github.com/bureau-foundation/courier/messaging"
)

// Classify decides whether a failed Matrix call is worth retrying.
//
// Rate limiting, oversized events, edit conflicts, server errors, and
// network failures are transient. Authentication and permission
// failures, a missing room or event, and every other client error are
// permanent, as is any error that is neither a Matrix response nor a
// network failure.
func Classify(err error) delivery.FaultClass {
	var matrixErr *messaging.MatrixError
	if errors.As(err, &matrixErr) {
		switch matrixErr.Code {
		case messaging.ErrCodeLimitExceeded, messaging.ErrCodeTooLarge:
			return delivery.FaultTransient
		case messaging.ErrCodeForbidden, messaging.ErrCodeNotFound,
			messaging.ErrCodeUnknownToken, messaging.ErrCodeMissingToken:
			return delivery.FaultPermanent
		}
		switch status := matrixErr.StatusCode; {
		case status == http.StatusTooManyRequests,
			status == http.StatusConflict,
			status == http.StatusRequestTimeout,
			status == http.StatusRequestEntityTooLarge,
			status >= 500:
			return delivery.FaultTransient
		default:
			return delivery.FaultPermanent
		}
	}
	if netutil.IsTransientNetworkError(err) {
		return delivery.FaultTransient
	}
	return delivery.FaultPermanent
}
