// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ref

import (
	"fmt"
	"strings"
)

// parseMatrixID splits a sigil-prefixed "@local:server" style ID into
// its localpart and server name. The sigil is the first byte of raw
// and must be '@'.
func parseMatrixID(raw string) (localpart, server string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("empty user ID")
	}
	if raw[0] != '@' {
		return "", "", fmt.Errorf("user ID must start with '@': %q", raw)
	}
	localpart, server, found := strings.Cut(raw[1:], ":")
	if !found {
		return "", "", fmt.Errorf("user ID missing ':server' suffix: %q", raw)
	}
	if localpart == "" {
		return "", "", fmt.Errorf("user ID has empty localpart: %q", raw)
	}
	if server == "" {
		return "", "", fmt.Errorf("user ID has empty server name: %q", raw)
	}
	return localpart, server, nil
}
