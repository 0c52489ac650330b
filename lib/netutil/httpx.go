// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package netutil provides HTTP and network error helpers shared by the
// Matrix client and the transport adapters.
//
// ReadResponse and ErrorBody bound response body reads at
// MaxResponseSize. They are for JSON API responses, not for streaming
// bodies such as SSE, which are read incrementally.
//
// IsTransientNetworkError classifies failures below the HTTP layer:
// timeouts, refused or reset connections, and truncated responses.
package netutil

import (
	"io"
)

// MaxResponseSize is the bound on JSON API response body reads: 64 MB.
// Matrix /sync responses for busy accounts are the largest bodies this
// module reads, and they stay far below it.
const MaxResponseSize int64 = 64 << 20

// ReadResponse reads a JSON API response body up to MaxResponseSize
// bytes. Use instead of io.ReadAll when reading HTTP response bodies.
func ReadResponse(body io.Reader) ([]byte, error) {
	return io.ReadAll(io.LimitReader(body, MaxResponseSize))
}

// ErrorBody reads an HTTP error response body for diagnostic messages.
// Read errors are ignored; a partial body is still useful.
func ErrorBody(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	return string(data)
}
